package api

import (
	"context"

	"github.com/matheus3301/huddle/internal/chatlist"
	"github.com/matheus3301/huddle/internal/engine"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/rpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ChatService implements huddle.v1.ChatService on top of the engine.
type ChatService struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewChatService creates a new chat service.
func NewChatService(e *engine.Engine, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{engine: e, logger: logger}
}

func toFilter(f rpc.ChatFilter) chatlist.Filter {
	return chatlist.Filter{
		Query:     f.Query,
		Unread:    f.Unread,
		Favourite: f.Favourite,
		Group:     f.Group,
		Archived:  f.Archived,
	}
}

func (s *ChatService) self() string {
	if id := s.engine.CurrentIdentity(); id != nil {
		return id.ID
	}
	return ""
}

func (s *ChatService) ListChats(ctx context.Context, req *rpc.ListChatsRequest) (*rpc.ChatsResponse, error) {
	chats, err := s.engine.ListChats(ctx)
	if err != nil {
		return &rpc.ChatsResponse{Result: rpc.ResultOf(err)}, nil
	}
	return &rpc.ChatsResponse{
		Result: rpc.ResultOf(nil),
		Chats:  toFilter(req.Filter).Apply(chats, s.self()),
	}, nil
}

func (s *ChatService) CreateChat(ctx context.Context, req *rpc.CreateChatRequest) (*rpc.ChatResponse, error) {
	chat, err := s.engine.CreateChat(ctx, req.Participants, req.Type, model.ChatMeta{
		DisplayName:   req.DisplayName,
		DisplayAvatar: req.DisplayAvatar,
	})
	if err != nil {
		return &rpc.ChatResponse{Result: rpc.ResultOf(err)}, nil
	}
	return &rpc.ChatResponse{Result: rpc.ResultOf(nil), Chat: &chat}, nil
}

func (s *ChatService) SetChatFlag(ctx context.Context, req *rpc.SetChatFlagRequest) (*rpc.ResultResponse, error) {
	err := s.engine.SetChatFlag(ctx, req.ChatID, req.Flag, req.On)
	return &rpc.ResultResponse{Result: rpc.ResultOf(err)}, nil
}

func (s *ChatService) LoadMessages(ctx context.Context, req *rpc.LoadMessagesRequest) (*rpc.MessagesResponse, error) {
	msgs, err := s.engine.LoadMessages(ctx, req.ChatID, req.Limit, req.Before)
	if err != nil {
		return &rpc.MessagesResponse{Result: rpc.ResultOf(err)}, nil
	}
	return &rpc.MessagesResponse{Result: rpc.ResultOf(nil), Messages: msgs}, nil
}

func (s *ChatService) SendMessage(ctx context.Context, req *rpc.SendMessageRequest) (*rpc.MessageResponse, error) {
	var (
		msg model.Message
		err error
	)
	if req.Attachment != nil {
		msg, err = s.engine.SendAttachment(ctx, req.ChatID, model.Attachment{
			Name:        req.Attachment.Name,
			ContentType: req.Attachment.ContentType,
			Data:        req.Attachment.Data,
		})
	} else {
		msg, err = s.engine.SendMessage(ctx, req.ChatID, req.Text)
	}
	return messageResponse(msg, err), nil
}

func (s *ChatService) ResendMessage(ctx context.Context, req *rpc.ResendMessageRequest) (*rpc.MessageResponse, error) {
	msg, err := s.engine.Resend(ctx, req.ChatID, req.MessageID)
	return messageResponse(msg, err), nil
}

// messageResponse keeps the queued message alongside a send error, so a
// caller can show the row that went offline or failed.
func messageResponse(msg model.Message, err error) *rpc.MessageResponse {
	resp := &rpc.MessageResponse{Result: rpc.ResultOf(err)}
	if msg.ID != "" {
		resp.Message = &msg
	}
	return resp
}

func (s *ChatService) FlushOutbox(ctx context.Context, _ *emptypb.Empty) (*rpc.FlushResponse, error) {
	return &rpc.FlushResponse{Result: rpc.ResultOf(nil), Sent: s.engine.FlushOutbox(ctx)}, nil
}

func (s *ChatService) MarkRead(ctx context.Context, req *rpc.MarkReadRequest) (*rpc.ResultResponse, error) {
	err := s.engine.MarkRead(ctx, req.ChatID, req.MessageIDs)
	return &rpc.ResultResponse{Result: rpc.ResultOf(err)}, nil
}

func (s *ChatService) UpdateUnreadCount(ctx context.Context, req *rpc.UpdateUnreadRequest) (*rpc.ResultResponse, error) {
	err := s.engine.UpdateUnreadCount(ctx, req.ChatID, req.Identity, req.Count)
	return &rpc.ResultResponse{Result: rpc.ResultOf(err)}, nil
}

func (s *ChatService) SetTyping(ctx context.Context, req *rpc.SetTypingRequest) (*rpc.ResultResponse, error) {
	err := s.engine.SetTyping(ctx, req.ChatID, req.Typing)
	return &rpc.ResultResponse{Result: rpc.ResultOf(err)}, nil
}

func (s *ChatService) AddReaction(ctx context.Context, req *rpc.ReactionRequest) (*rpc.ResultResponse, error) {
	err := s.engine.AddReaction(ctx, req.ChatID, req.MessageID, req.Symbol)
	return &rpc.ResultResponse{Result: rpc.ResultOf(err)}, nil
}

func (s *ChatService) RemoveReaction(ctx context.Context, req *rpc.ReactionRequest) (*rpc.ResultResponse, error) {
	err := s.engine.RemoveReaction(ctx, req.ChatID, req.MessageID, req.Symbol)
	return &rpc.ResultResponse{Result: rpc.ResultOf(err)}, nil
}

func (s *ChatService) WatchChats(req *rpc.WatchChatsRequest, stream grpc.ServerStreamingServer[rpc.ChatsResponse]) error {
	filter := toFilter(req.Filter)
	updates := newLatest[[]model.Chat]()
	dispose, err := s.engine.SubscribeChats(updates.put)
	if err != nil {
		return statusError("watch chats", err)
	}
	defer dispose()

	for {
		select {
		case chats := <-updates.ch:
			if err := stream.Send(&rpc.ChatsResponse{
				Result: rpc.ResultOf(nil),
				Chats:  filter.Apply(chats, s.self()),
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *ChatService) WatchMessages(req *rpc.WatchMessagesRequest, stream grpc.ServerStreamingServer[rpc.MessagesResponse]) error {
	updates := newLatest[[]model.Message]()
	if req.MarkRead {
		view, err := s.engine.OpenChat(req.ChatID, updates.put)
		if err != nil {
			return statusError("open chat", err)
		}
		defer view.Close()
	} else {
		dispose, err := s.engine.SubscribeMessages(req.ChatID, updates.put)
		if err != nil {
			return statusError("watch messages", err)
		}
		defer dispose()
	}
	s.logger.Debug("watching messages", zap.String("chat_id", req.ChatID), zap.Bool("mark_read", req.MarkRead))

	for {
		select {
		case msgs := <-updates.ch:
			if err := stream.Send(&rpc.MessagesResponse{Result: rpc.ResultOf(nil), Messages: msgs}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *ChatService) WatchTyping(req *rpc.WatchTypingRequest, stream grpc.ServerStreamingServer[rpc.TypingUpdate]) error {
	updates := newLatest[[]string]()
	dispose, err := s.engine.SubscribeTyping(req.ChatID, updates.put)
	if err != nil {
		return statusError("watch typing", err)
	}
	defer dispose()

	for {
		select {
		case ids := <-updates.ch:
			if err := stream.Send(&rpc.TypingUpdate{ChatID: req.ChatID, Identities: ids}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
