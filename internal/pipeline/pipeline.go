package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"precorsia/internal/catalog"
	"precorsia/internal/config"
	"precorsia/internal/correlate"
	"precorsia/internal/logging"
	"precorsia/internal/notify"
	"precorsia/internal/raster"
	"precorsia/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrQueueFull is returned by Submit when every worker is busy and the buffer is full.
var ErrQueueFull = errors.New("job queue is full")

// JobType enumerates supported job categories.
type JobType string

const (
	// JobCorrelate lists both datasets and runs the full correlation.
	JobCorrelate JobType = "correlate"
	// JobScan lists both datasets and reports how many rasters are buffered.
	JobScan JobType = "scan"
)

// Job represents a single request against one study.
type Job struct {
	ID      string             `json:"id"`
	Type    JobType            `json:"type"`
	Study   config.Correlation `json:"study"`
	// Options carries run metadata; the keys read by RunOptions override
	// the quality filter.
	Options map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job        Job
	Error      error
	Meta       map[string]any
	Output     *correlate.Result
	ReportPath string
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Lister is the catalog view the router needs. *catalog.Session implements it.
type Lister interface {
	List(ctx context.Context, q catalog.Query) ([]catalog.Acquisition, error)
}

// EventPublisher delivers run events. *notify.Notifier implements it.
type EventPublisher interface {
	Publish(ev notify.Event) error
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Catalog   Lister
	Rasters   raster.Store
	Locks     *raster.Locker
	Options   correlate.Options
	ReportDir string
	Notifier  EventPublisher
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	notifier  EventPublisher
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// NewID returns a fresh run id.
func NewID() string {
	return uuid.NewString()
}

// New creates a Pipeline with the given concurrency backed by deps.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, deps Deps) *Pipeline {
	return newPipeline(ctx, concurrency, logger, store, deps.Notifier, newRouter(logger, deps))
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, notifier EventPublisher, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:      logger,
		jobs:     make(chan Job, concurrency*2),
		cancel:   cancel,
		store:    store,
		notifier: notifier,
		subs:     make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue. A job without an id gets one.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Type == "" {
		job.Type = JobCorrelate
	}
	if p.store != nil {
		reqJSON, _ := json.Marshal(job)
		_ = p.store.RecordRunQueued(storage.RunRecord{
			ID:                job.ID,
			Status:            "queued",
			ReferenceDataset:  job.Study.Reference.Name,
			ComparableDataset: job.Study.Comparable.Name,
			RoundFactor:       job.Study.RoundFactor,
			RequestJSON:       string(reqJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordRunFailed(job.ID, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()
			log := p.log.With("worker", id)

			logging.LogRunStart(log, job.ID, job.Study.Reference.Name, job.Study.Comparable.Name, job.Study.RoundFactor, job.Options)
			if p.store != nil {
				_ = p.store.RecordRunStart(job.ID)
			}

			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			if res.Error != nil {
				logging.LogRunError(log, job.ID, duration, res.Error, map[string]any{
					"type":    job.Type,
					"options": job.Options,
				})
				if p.store != nil {
					_ = p.store.RecordRunFailed(job.ID, res.Error.Error())
				}
			} else {
				p.complete(log, res, duration)
			}

			p.publish(res)
			p.broadcast(res)
		}
	}
}

func (p *Pipeline) complete(log *slog.Logger, res Result, duration time.Duration) {
	out := res.Output
	if out == nil {
		// scans carry no correlation
		log.Info("job completed", "run_id", res.Job.ID, "type", res.Job.Type, "duration", duration, "meta", res.Meta)
		if p.store != nil {
			_ = p.store.RecordRunResult(storage.ResultRecord{RunID: res.Job.ID, Meta: res.Meta}, nil, nil)
		}
		return
	}

	logging.LogRunComplete(log, res.Job.ID, duration, out.Correlation.PearsonR, out.Correlation.Shift, len(out.Pairings))
	if p.store == nil {
		return
	}
	rec := storage.ResultRecord{
		RunID:           res.Job.ID,
		BestCorrelation: out.Correlation.PearsonR,
		BestShift:       out.Correlation.Shift,
		Buckets:         len(out.Pairings),
		ReportPath:      res.ReportPath,
		Meta:            res.Meta,
	}
	if err := p.store.RecordRunResult(rec, out.Pairings, out.Series); err != nil {
		log.Warn("failed to record run result", "run_id", res.Job.ID, "error", err)
	}
}

func (p *Pipeline) publish(res Result) {
	if p.notifier == nil {
		return
	}
	ev := notify.Event{
		RunID:      res.Job.ID,
		Status:     "completed",
		ReportPath: res.ReportPath,
		FinishedAt: time.Now().UTC(),
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	if res.Output != nil {
		ev.BestCorrelation = res.Output.Correlation.PearsonR
		ev.BestShift = res.Output.Correlation.Shift
		ev.Buckets = len(res.Output.Pairings)
	}
	if err := p.notifier.Publish(ev); err != nil {
		p.log.Warn("failed to publish run event", "run_id", res.Job.ID, "error", err)
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "run_id", res.Job.ID)
		}
	}
}

// ErrString renders err for transports that carry errors as text.
func ErrString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
