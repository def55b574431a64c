package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"precorsia/internal/config"
	"precorsia/internal/pipeline"
	"precorsia/internal/report"
	"precorsia/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultRunLimit = 100

// Pipeline is the part of *pipeline.Pipeline the server drives.
type Pipeline interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes run history, run submission and live results over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Pipeline
	defaults config.Correlation
	hub      *hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. Submitted studies start from defaults.
func NewServer(addr string, store *storage.Store, pipe Pipeline, defaults config.Correlation, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		defaults: defaults,
		log:      log,
	}
	s.hub = newHub(log, s.hello)
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startBackground(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) startBackground(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	go s.hub.run(ctx)
	go s.forwardResults(ctx, resCh, unsubscribe)
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/pairings", s.handlePairings).Methods("GET")
	r.HandleFunc("/runs/{id}/report", s.handleReport).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// Serve builds a server and runs it until ctx is cancelled.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe Pipeline, defaults config.Correlation, log *slog.Logger) error {
	return NewServer(addr, store, pipe, defaults, log).Start(ctx)
}

// runEvent is the wire form of a pipeline result on /stream and /ws.
type runEvent struct {
	Event      string         `json:"event"`
	RunID      string         `json:"run_id"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	ReportPath string         `json:"report_path,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

func newRunEvent(res pipeline.Result) runEvent {
	ev := runEvent{
		Event:      "result",
		RunID:      res.Job.ID,
		Type:       string(res.Job.Type),
		Status:     "completed",
		Error:      pipeline.ErrString(res.Error),
		ReportPath: res.ReportPath,
		Meta:       res.Meta,
	}
	if res.Error != nil {
		ev.Status = "failed"
	}
	return ev
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	job := pipeline.Job{Type: pipeline.JobCorrelate, Study: s.defaults}
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	job.ID = pipeline.NewID()
	if job.Type != pipeline.JobCorrelate && job.Type != pipeline.JobScan {
		http.Error(w, "unknown job type: "+string(job.Type), http.StatusBadRequest)
		return
	}
	if err := job.Study.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := job.ValidateOptions(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.pipeline.Submit(job); err != nil {
		s.log.Warn("run rejected", "run_id", job.ID, "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("run submitted", "run_id", job.ID, "type", job.Type, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "queued"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	body := map[string]any{"run": rec}
	if res, err := s.store.RunResult(id); err == nil {
		body["result"] = res
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePairings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Run(id); err != nil {
		s.storeError(w, err)
		return
	}
	recs, err := s.store.RunPairings(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.RunResult(mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, err)
		return
	}
	if res.ReportPath == "" {
		http.Error(w, "run has no report", http.StatusNotFound)
		return
	}
	rep, err := report.Read(res.ReportPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	_, _ = w.Write([]byte(": subscribed\n\n"))
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newRunEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// forwardResults feeds pipeline results to websocket clients.
func (s *Server) forwardResults(ctx context.Context, resCh <-chan pipeline.Result, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newRunEvent(res))
			if err != nil {
				s.log.Warn("failed to encode run event", "run_id", res.Job.ID, "error", err)
				continue
			}
			s.hub.send(ctx, payload)
		}
	}
}

func (s *Server) hello() []byte {
	recs, err := s.store.RecentRuns(20)
	if err != nil || recs == nil {
		recs = []storage.RunRecord{}
	}
	payload, _ := json.Marshal(map[string]any{"event": "hello", "runs": recs})
	return payload
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		http.Error(w, "run not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrNotInitialized):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.Error("store query failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
