package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/huddle/internal/rpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func (app *cli) cmdWatch(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: huddlectl watch <chats|messages <chat> [-read]|typing <chat>|events [prefix]>")
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "chats":
		err = app.watchChats(ctx)
	case "messages":
		if len(args) < 2 {
			fatalf("watch messages needs a chat id")
		}
		markRead := len(args) > 2 && args[2] == "-read"
		err = app.watchMessages(ctx, args[1], markRead)
	case "typing":
		if len(args) < 2 {
			fatalf("watch typing needs a chat id")
		}
		err = app.watchTyping(ctx, args[1])
	case "events":
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		err = app.watchEvents(ctx, prefix)
	default:
		fatalf("unknown watch target: %s", args[0])
	}
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

// drain prints every value received on stream until it ends.
func drain[T any](stream grpc.ServerStreamingClient[T], err error, print func(*T)) error {
	if err != nil {
		return err
	}
	for {
		v, err := stream.Recv()
		if errors.Is(err, io.EOF) || grpcstatus.Code(err) == codes.Canceled {
			return nil
		}
		if err != nil {
			return err
		}
		print(v)
	}
}

func (app *cli) watchChats(ctx context.Context) error {
	self := app.self(ctx)
	stream, err := app.c.Chat.WatchChats(ctx, &rpc.WatchChatsRequest{})
	return drain(stream, err, func(resp *rpc.ChatsResponse) {
		if app.json {
			outputJSON(resp)
			return
		}
		fmt.Printf("-- %s: %d chats\n", time.Now().Format(time.TimeOnly), len(resp.Chats))
		for _, c := range resp.Chats {
			printChat(c, self)
		}
	})
}

func (app *cli) watchMessages(ctx context.Context, chatID string, markRead bool) error {
	self := app.self(ctx)
	stream, err := app.c.Chat.WatchMessages(ctx, &rpc.WatchMessagesRequest{ChatID: chatID, MarkRead: markRead})
	return drain(stream, err, func(resp *rpc.MessagesResponse) {
		if app.json {
			outputJSON(resp)
			return
		}
		fmt.Printf("-- %s: %d messages\n", time.Now().Format(time.TimeOnly), len(resp.Messages))
		for _, m := range resp.Messages {
			printMessage(m, self)
		}
	})
}

func (app *cli) watchTyping(ctx context.Context, chatID string) error {
	stream, err := app.c.Chat.WatchTyping(ctx, &rpc.WatchTypingRequest{ChatID: chatID})
	return drain(stream, err, func(u *rpc.TypingUpdate) {
		if app.json {
			outputJSON(u)
			return
		}
		if len(u.Identities) == 0 {
			fmt.Println("nobody is typing")
			return
		}
		fmt.Printf("%s typing...\n", strings.Join(u.Identities, ", "))
	})
}

func (app *cli) watchEvents(ctx context.Context, prefix string) error {
	stream, err := app.c.Session.WatchEvents(ctx, &rpc.WatchEventsRequest{Prefix: prefix})
	return drain(stream, err, func(evt *rpc.EventEnvelope) {
		if app.json {
			outputJSON(evt)
			return
		}
		at := time.UnixMilli(evt.OccurredAtUnixMs).Format(time.TimeOnly)
		fmt.Printf("%s %-28s %s\n", at, evt.Kind, evt.Payload)
	})
}
