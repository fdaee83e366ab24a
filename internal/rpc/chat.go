package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

const chatService = "huddle.v1.ChatService"

// ChatServer exposes chats, messages, typing, receipts and reactions.
type ChatServer interface {
	ListChats(context.Context, *ListChatsRequest) (*ChatsResponse, error)
	CreateChat(context.Context, *CreateChatRequest) (*ChatResponse, error)
	SetChatFlag(context.Context, *SetChatFlagRequest) (*ResultResponse, error)
	LoadMessages(context.Context, *LoadMessagesRequest) (*MessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*MessageResponse, error)
	ResendMessage(context.Context, *ResendMessageRequest) (*MessageResponse, error)
	FlushOutbox(context.Context, *emptypb.Empty) (*FlushResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*ResultResponse, error)
	UpdateUnreadCount(context.Context, *UpdateUnreadRequest) (*ResultResponse, error)
	SetTyping(context.Context, *SetTypingRequest) (*ResultResponse, error)
	AddReaction(context.Context, *ReactionRequest) (*ResultResponse, error)
	RemoveReaction(context.Context, *ReactionRequest) (*ResultResponse, error)
	WatchChats(*WatchChatsRequest, grpc.ServerStreamingServer[ChatsResponse]) error
	WatchMessages(*WatchMessagesRequest, grpc.ServerStreamingServer[MessagesResponse]) error
	WatchTyping(*WatchTypingRequest, grpc.ServerStreamingServer[TypingUpdate]) error
}

var chatDesc = grpc.ServiceDesc{
	ServiceName: chatService,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(chatService, "ListChats", func(srv any, ctx context.Context, in *ListChatsRequest) (*ChatsResponse, error) {
			return srv.(ChatServer).ListChats(ctx, in)
		}),
		unary(chatService, "CreateChat", func(srv any, ctx context.Context, in *CreateChatRequest) (*ChatResponse, error) {
			return srv.(ChatServer).CreateChat(ctx, in)
		}),
		unary(chatService, "SetChatFlag", func(srv any, ctx context.Context, in *SetChatFlagRequest) (*ResultResponse, error) {
			return srv.(ChatServer).SetChatFlag(ctx, in)
		}),
		unary(chatService, "LoadMessages", func(srv any, ctx context.Context, in *LoadMessagesRequest) (*MessagesResponse, error) {
			return srv.(ChatServer).LoadMessages(ctx, in)
		}),
		unary(chatService, "SendMessage", func(srv any, ctx context.Context, in *SendMessageRequest) (*MessageResponse, error) {
			return srv.(ChatServer).SendMessage(ctx, in)
		}),
		unary(chatService, "ResendMessage", func(srv any, ctx context.Context, in *ResendMessageRequest) (*MessageResponse, error) {
			return srv.(ChatServer).ResendMessage(ctx, in)
		}),
		unary(chatService, "FlushOutbox", func(srv any, ctx context.Context, in *emptypb.Empty) (*FlushResponse, error) {
			return srv.(ChatServer).FlushOutbox(ctx, in)
		}),
		unary(chatService, "MarkRead", func(srv any, ctx context.Context, in *MarkReadRequest) (*ResultResponse, error) {
			return srv.(ChatServer).MarkRead(ctx, in)
		}),
		unary(chatService, "UpdateUnreadCount", func(srv any, ctx context.Context, in *UpdateUnreadRequest) (*ResultResponse, error) {
			return srv.(ChatServer).UpdateUnreadCount(ctx, in)
		}),
		unary(chatService, "SetTyping", func(srv any, ctx context.Context, in *SetTypingRequest) (*ResultResponse, error) {
			return srv.(ChatServer).SetTyping(ctx, in)
		}),
		unary(chatService, "AddReaction", func(srv any, ctx context.Context, in *ReactionRequest) (*ResultResponse, error) {
			return srv.(ChatServer).AddReaction(ctx, in)
		}),
		unary(chatService, "RemoveReaction", func(srv any, ctx context.Context, in *ReactionRequest) (*ResultResponse, error) {
			return srv.(ChatServer).RemoveReaction(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchChats", func(srv any, in *WatchChatsRequest, stream grpc.ServerStreamingServer[ChatsResponse]) error {
			return srv.(ChatServer).WatchChats(in, stream)
		}),
		serverStream("WatchMessages", func(srv any, in *WatchMessagesRequest, stream grpc.ServerStreamingServer[MessagesResponse]) error {
			return srv.(ChatServer).WatchMessages(in, stream)
		}),
		serverStream("WatchTyping", func(srv any, in *WatchTypingRequest, stream grpc.ServerStreamingServer[TypingUpdate]) error {
			return srv.(ChatServer).WatchTyping(in, stream)
		}),
	},
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&chatDesc, srv)
}

// ChatClient is the client side of ChatServer.
type ChatClient struct {
	cc grpc.ClientConnInterface
}

func NewChatClient(cc grpc.ClientConnInterface) *ChatClient {
	return &ChatClient{cc: cc}
}

func (c *ChatClient) ListChats(ctx context.Context, in *ListChatsRequest, opts ...grpc.CallOption) (*ChatsResponse, error) {
	return invoke[ChatsResponse](ctx, c.cc, "/"+chatService+"/ListChats", in, opts...)
}

func (c *ChatClient) CreateChat(ctx context.Context, in *CreateChatRequest, opts ...grpc.CallOption) (*ChatResponse, error) {
	return invoke[ChatResponse](ctx, c.cc, "/"+chatService+"/CreateChat", in, opts...)
}

func (c *ChatClient) SetChatFlag(ctx context.Context, in *SetChatFlagRequest, opts ...grpc.CallOption) (*ResultResponse, error) {
	return invoke[ResultResponse](ctx, c.cc, "/"+chatService+"/SetChatFlag", in, opts...)
}

func (c *ChatClient) LoadMessages(ctx context.Context, in *LoadMessagesRequest, opts ...grpc.CallOption) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c.cc, "/"+chatService+"/LoadMessages", in, opts...)
}

func (c *ChatClient) SendMessage(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c.cc, "/"+chatService+"/SendMessage", in, opts...)
}

func (c *ChatClient) ResendMessage(ctx context.Context, in *ResendMessageRequest, opts ...grpc.CallOption) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c.cc, "/"+chatService+"/ResendMessage", in, opts...)
}

func (c *ChatClient) FlushOutbox(ctx context.Context, opts ...grpc.CallOption) (*FlushResponse, error) {
	return invoke[FlushResponse](ctx, c.cc, "/"+chatService+"/FlushOutbox", &emptypb.Empty{}, opts...)
}

func (c *ChatClient) MarkRead(ctx context.Context, in *MarkReadRequest, opts ...grpc.CallOption) (*ResultResponse, error) {
	return invoke[ResultResponse](ctx, c.cc, "/"+chatService+"/MarkRead", in, opts...)
}

func (c *ChatClient) UpdateUnreadCount(ctx context.Context, in *UpdateUnreadRequest, opts ...grpc.CallOption) (*ResultResponse, error) {
	return invoke[ResultResponse](ctx, c.cc, "/"+chatService+"/UpdateUnreadCount", in, opts...)
}

func (c *ChatClient) SetTyping(ctx context.Context, in *SetTypingRequest, opts ...grpc.CallOption) (*ResultResponse, error) {
	return invoke[ResultResponse](ctx, c.cc, "/"+chatService+"/SetTyping", in, opts...)
}

func (c *ChatClient) AddReaction(ctx context.Context, in *ReactionRequest, opts ...grpc.CallOption) (*ResultResponse, error) {
	return invoke[ResultResponse](ctx, c.cc, "/"+chatService+"/AddReaction", in, opts...)
}

func (c *ChatClient) RemoveReaction(ctx context.Context, in *ReactionRequest, opts ...grpc.CallOption) (*ResultResponse, error) {
	return invoke[ResultResponse](ctx, c.cc, "/"+chatService+"/RemoveReaction", in, opts...)
}

func (c *ChatClient) WatchChats(ctx context.Context, in *WatchChatsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[ChatsResponse], error) {
	return openStream[WatchChatsRequest, ChatsResponse](ctx, c.cc, &chatDesc.Streams[0], "/"+chatService+"/WatchChats", in, opts...)
}

func (c *ChatClient) WatchMessages(ctx context.Context, in *WatchMessagesRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[MessagesResponse], error) {
	return openStream[WatchMessagesRequest, MessagesResponse](ctx, c.cc, &chatDesc.Streams[1], "/"+chatService+"/WatchMessages", in, opts...)
}

func (c *ChatClient) WatchTyping(ctx context.Context, in *WatchTypingRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[TypingUpdate], error) {
	return openStream[WatchTypingRequest, TypingUpdate](ctx, c.cc, &chatDesc.Streams[2], "/"+chatService+"/WatchTyping", in, opts...)
}
