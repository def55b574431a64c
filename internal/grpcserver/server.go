package grpcserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"precorsia/internal/config"
	"precorsia/internal/pipeline"
	"precorsia/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	serviceName  = "precorsia.Correlator"
	maxMsgSize   = 16 * 1024 * 1024
	defaultLimit = 100
)

// Pipeline is the part of *pipeline.Pipeline the service drives.
type Pipeline interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// CorrelatorServer is the service implementation. Requests and replies are
// google.protobuf.Struct messages whose fields mirror the HTTP API bodies.
type CorrelatorServer interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

// Server serves correlation runs over gRPC.
type Server struct {
	pipe     Pipeline
	store    *storage.Store
	defaults config.Correlation
	log      *slog.Logger
}

// New builds the service. Submitted studies start from defaults.
func New(pipe Pipeline, store *storage.Store, defaults config.Correlation, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{pipe: pipe, store: store, defaults: defaults, log: log}
}

// NewGRPCServer returns a grpc.Server with the service registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, s)
	return gs
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	return gs.Serve(lis)
}

// Submit queues a run. Fields: type, study (partial), options. The options
// keys threshold, best_k, weight and scope override the quality filter for
// this run; other keys are stored as run metadata.
func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job := pipeline.Job{Type: pipeline.JobCorrelate, Study: s.defaults}
	if err := fromStruct(req, &job); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	job.ID = pipeline.NewID()
	if job.Type != pipeline.JobCorrelate && job.Type != pipeline.JobScan {
		return nil, status.Errorf(codes.InvalidArgument, "unknown job type: %s", job.Type)
	}
	if err := job.Study.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := job.ValidateOptions(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.pipe.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.Info("run submitted", "run_id", job.ID, "type", job.Type, "transport", "grpc")
	return toStruct(map[string]string{"id": job.ID, "status": "queued"})
}

// GetRun returns {run, result?} for the id field.
func (s *Server) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.Run(id)
	if err != nil {
		return nil, storeStatus(err)
	}
	body := map[string]any{"run": rec}
	res, err := s.store.RunResult(id)
	switch {
	case err == nil:
		body["result"] = res
	case !errors.Is(err, sql.ErrNoRows):
		return nil, storeStatus(err)
	}
	return toStruct(body)
}

// ListRuns returns {runs} for the optional limit field.
func (s *Server) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := defaultLimit
	if v, ok := req.GetFields()["limit"]; ok {
		if n := int(v.GetNumberValue()); n > 0 {
			limit = n
		}
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		return nil, storeStatus(err)
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	return toStruct(map[string]any{"runs": recs})
}

// Watch streams one message per finished run until the client goes away.
// With an id field it sends that run's outcome once, including runs that
// finished before the call.
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	only := req.GetFields()["id"].GetStringValue()
	resCh, unsubscribe := s.pipe.Subscribe()
	defer unsubscribe()
	if only != "" {
		if body, ok := s.finished(only); ok {
			msg, err := toStruct(body)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			return stream.SendMsg(msg)
		}
	}
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case res, ok := <-resCh:
			if !ok {
				return nil
			}
			if only != "" && res.Job.ID != only {
				continue
			}
			msg, err := toStruct(resultBody(res))
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			if only != "" {
				return nil
			}
		}
	}
}

// finished reports a stored run that is already completed or failed.
func (s *Server) finished(id string) (map[string]any, bool) {
	rec, err := s.store.Run(id)
	if err != nil || (rec.Status != "completed" && rec.Status != "failed") {
		return nil, false
	}
	body := map[string]any{"run_id": rec.ID, "status": rec.Status}
	if rec.Error != "" {
		body["error"] = rec.Error
	}
	if res, err := s.store.RunResult(id); err == nil {
		body["report_path"] = res.ReportPath
		body["meta"] = res.Meta
	}
	return body, true
}

func resultBody(res pipeline.Result) map[string]any {
	body := map[string]any{
		"run_id": res.Job.ID,
		"type":   string(res.Job.Type),
		"status": "completed",
	}
	if res.Error != nil {
		body["status"] = "failed"
		body["error"] = res.Error.Error()
	}
	if res.ReportPath != "" {
		body["report_path"] = res.ReportPath
	}
	if res.Meta != nil {
		body["meta"] = res.Meta
	}
	return body
}

func storeStatus(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return status.Error(codes.NotFound, "run not found")
	case errors.Is(err, storage.ErrNotInitialized):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts any JSON-encodable value with an object shape.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CorrelatorServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Submit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CorrelatorServer).Submit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getRunHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CorrelatorServer).GetRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetRun"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CorrelatorServer).GetRun(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listRunsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CorrelatorServer).ListRuns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListRuns"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CorrelatorServer).ListRuns(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CorrelatorServer).Watch(in, stream)
}

// ServiceDesc describes precorsia.Correlator for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CorrelatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "GetRun", Handler: getRunHandler},
		{MethodName: "ListRuns", Handler: listRunsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "precorsia/correlator",
}
