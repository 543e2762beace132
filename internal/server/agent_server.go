// Package server exposes the orchestrator over gRPC.
package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gzf09/agent-aigateway/internal/auth"
	"github.com/gzf09/agent-aigateway/internal/changelog"
	"github.com/gzf09/agent-aigateway/internal/orchestrator"
)

// AgentServer implements AgentServiceServer on top of an Orchestrator.
type AgentServer struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewAgentServer creates a new AgentServer.
func NewAgentServer(orch *orchestrator.Orchestrator, logger *zap.Logger) *AgentServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentServer{orch: orch, logger: logger}
}

func (s *AgentServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return nil, err
	}
	turn, err := s.orch.Submit(ctx, req.SessionID, req.Calls)
	return s.reply("Submit", req.SessionID, turn, err)
}

func (s *AgentServer) Confirm(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConfirmRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return nil, err
	}
	turn, err := s.orch.Confirm(ctx, req.SessionID, req.Name)
	return s.reply("Confirm", req.SessionID, turn, err)
}

func (s *AgentServer) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SessionRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return nil, err
	}
	turn, err := s.orch.Cancel(ctx, req.SessionID)
	return s.reply("Cancel", req.SessionID, turn, err)
}

func (s *AgentServer) RollbackLast(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SessionRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return nil, err
	}
	turn, err := s.orch.RollbackLast(ctx, req.SessionID)
	return s.reply("RollbackLast", req.SessionID, turn, err)
}

func (s *AgentServer) RollbackToVersion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RollbackToVersionRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return nil, err
	}
	turn, err := s.orch.RollbackToVersion(ctx, req.SessionID, req.TargetVersion)
	return s.reply("RollbackToVersion", req.SessionID, turn, err)
}

func (s *AgentServer) Timeline(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TimelineRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := requireSession(req.SessionID); err != nil {
		return nil, err
	}
	entries, err := s.orch.Timeline(ctx, req.SessionID, req.Limit)
	if err != nil {
		s.logger.Error("timeline failed", zap.String("session_id", req.SessionID), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "timeline: %v", err)
	}
	current, err := s.orch.CurrentVersion(ctx, req.SessionID)
	if err != nil {
		s.logger.Error("current version failed", zap.String("session_id", req.SessionID), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "current version: %v", err)
	}
	if entries == nil {
		entries = []*changelog.Entry{}
	}
	out, err := toStruct(TimelineResponse{SessionID: req.SessionID, CurrentVersion: current, Entries: entries})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// reply encodes turn. A turn that comes back with an error still describes
// what already happened, so it is returned rather than replaced by a status.
func (s *AgentServer) reply(method, sessionID string, turn *orchestrator.Turn, err error) (*structpb.Struct, error) {
	if err != nil {
		s.logger.Error("agent call failed",
			zap.String("method", method),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		if turn == nil {
			return nil, status.Errorf(codes.Internal, "%s: %v", strings.ToLower(method), err)
		}
	}
	out, err := toStruct(turn)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func decode(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func requireSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return status.Error(codes.InvalidArgument, "sessionId is required")
	}
	return nil
}

// UnaryAuthInterceptor authenticates every AgentService call and attaches
// the operator to the context. Other services (health, reflection) pass
// through.
func UnaryAuthInterceptor(a auth.Authenticator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := "/" + ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return handler(ctx, req)
		}
		start := time.Now()

		token, err := auth.ExtractBearerToken(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "authentication failed: missing or malformed API key")
		}
		op, err := a.Authenticate(ctx, token)
		if errors.Is(err, auth.ErrUnauthenticated) {
			return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
		}
		if err != nil {
			logger.Error("authenticator unavailable", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Unavailable, "authentication backend unavailable")
		}

		resp, err := handler(auth.WithOperator(ctx, op), req)
		logger.Debug("agent call",
			zap.String("method", info.FullMethod),
			zap.String("operator_id", op.ID),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
		return resp, err
	}
}
