package control

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cory-johannsen/botswarm/internal/config"
	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/swarm"
)

// Server implements SwarmControlServer on top of an Orchestrator.
type Server struct {
	orch   *swarm.Orchestrator
	base   config.Config
	logger *zap.Logger
}

var _ SwarmControlServer = (*Server)(nil)

// NewServer creates a Server. Start requests are overlaid on base.
//
// Precondition: orch and logger must be non-nil; base must be valid.
// Postcondition: Returns a ready Server.
func NewServer(orch *swarm.Orchestrator, base config.Config, logger *zap.Logger) *Server {
	return &Server{orch: orch, base: base, logger: logger}
}

func (s *Server) Start(_ context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	cfg, err := config.SwarmFromMap(s.base, req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	swCfg, err := swarm.FromConfig(cfg)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sw, err := s.orch.Start(swCfg)
	if err != nil {
		var cfgErr *swarm.ConfigError
		if errors.Is(err, protocol.ErrUnsupportedVersion) || errors.As(err, &cfgErr) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.logger.Info("swarm started via control api",
		zap.String("swarm", sw.ID()),
		zap.String("target", swCfg.Target()),
		zap.Int("sessions", swCfg.SessionCount),
	)
	return wrapperspb.String(sw.ID()), nil
}

// Stop blocks until the swarm has converged or the call's deadline expires.
func (s *Server) Stop(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	sw, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	start := time.Now()
	s.orch.Stop(ctx, sw)
	s.logger.Info("swarm stopped via control api",
		zap.String("swarm", sw.ID()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return stateStruct(s.orch.Status(sw))
}

func (s *Server) Status(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	sw, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	return stateStruct(s.orch.Status(sw))
}

func (s *Server) List(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	swarms := s.orch.List()
	out := make([]any, 0, len(swarms))
	for _, sw := range swarms {
		out = append(out, stateMap(s.orch.Status(sw)))
	}
	return newStruct(map[string]any{"swarms": out})
}

func (s *Server) Pause(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	sw, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	sw.Pause()
	return stateStruct(s.orch.Status(sw))
}

func (s *Server) Resume(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	sw, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	sw.Resume()
	return stateStruct(s.orch.Status(sw))
}

// Remove fails with FailedPrecondition while the swarm is still running.
func (s *Server) Remove(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	sw, err := s.lookup(req.GetValue())
	if err != nil {
		return nil, err
	}
	if err := s.orch.Remove(sw.ID()); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	s.logger.Info("swarm removed via control api", zap.String("swarm", sw.ID()))
	return new(emptypb.Empty), nil
}

func (s *Server) Broadcast(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	msg := fields["message"].GetStringValue()
	if msg == "" {
		return nil, status.Error(codes.InvalidArgument, "message must not be empty")
	}
	sw, err := s.lookup(fields["id"].GetStringValue())
	if err != nil {
		return nil, err
	}
	sent, failed := sw.Broadcast(ctx, protocol.Chat{Message: msg})
	return newStruct(map[string]any{"sent": sent, "failed": failed})
}

func (s *Server) lookup(id string) (*swarm.Swarm, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "swarm id must not be empty")
	}
	sw, ok := s.orch.Get(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "swarm %s not found", id)
	}
	return sw, nil
}
