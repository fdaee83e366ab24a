package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/huddle/internal/engine"
	"github.com/matheus3301/huddle/internal/identity"
	"github.com/matheus3301/huddle/internal/rpc"
	"github.com/matheus3301/huddle/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// SessionService implements huddle.v1.SessionService.
type SessionService struct {
	profile   string
	startedAt time.Time
	engine    *engine.Engine
	provider  *identity.StaticProvider
	db        *store.DB
	logger    *zap.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(profile string, e *engine.Engine, provider *identity.StaticProvider, db *store.DB, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		engine:    e,
		provider:  provider,
		db:        db,
		logger:    logger,
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *emptypb.Empty) (*rpc.StatusResponse, error) {
	resp := &rpc.StatusResponse{
		Result:    rpc.ResultOf(nil),
		Profile:   s.profile,
		Status:    string(s.engine.Status()),
		AuthReady: s.engine.AuthReady(),
		Online:    s.engine.Online(),
		UptimeMs:  time.Since(s.startedAt).Milliseconds(),
	}
	if id := s.engine.CurrentIdentity(); id != nil {
		resp.Identity = id.ID
	}

	if s.db != nil {
		if resp.Identity != "" {
			if n, err := s.db.ChatCount(resp.Identity); err == nil {
				resp.ChatCount = n
			}
		}
		if n, err := s.db.MessageCount(); err == nil {
			resp.MessageCount = n
		}
	}
	return resp, nil
}

func (s *SessionService) SignIn(_ context.Context, req *rpc.SignInRequest) (*rpc.ResultResponse, error) {
	err := s.provider.SignIn(req.Identity)
	if err == nil {
		s.logger.Info("signed in", zap.String("identity", req.Identity))
	}
	return &rpc.ResultResponse{Result: rpc.ResultOf(err)}, nil
}

func (s *SessionService) SignOut(_ context.Context, _ *emptypb.Empty) (*rpc.ResultResponse, error) {
	s.provider.SignOut()
	s.logger.Info("signed out")
	return &rpc.ResultResponse{Result: rpc.ResultOf(nil)}, nil
}

func (s *SessionService) SetOnline(_ context.Context, req *rpc.SetOnlineRequest) (*rpc.ResultResponse, error) {
	s.engine.SetOnline(req.Online)
	return &rpc.ResultResponse{Result: rpc.ResultOf(nil)}, nil
}

func (s *SessionService) WatchEvents(req *rpc.WatchEventsRequest, stream grpc.ServerStreamingServer[rpc.EventEnvelope]) error {
	ch, unsub := s.engine.Bus().Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Warn("unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			if err := stream.Send(&rpc.EventEnvelope{
				EventID:          uuid.New().String(),
				Profile:          s.profile,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Kind:             evt.Kind,
				PayloadVersion:   1,
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
