package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/huddle/internal/lock"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/profile"
	"github.com/matheus3301/huddle/internal/reactions"
	"github.com/matheus3301/huddle/internal/rpc"
)

// enveloped is satisfied by every unary response.
type enveloped interface {
	Err() error
}

// check exits on transport errors and on failed results. In JSON mode the
// response is printed either way.
func (app *cli) check(resp enveloped, err error) {
	if err != nil {
		fatalf("%v", err)
	}
	if app.json {
		outputJSON(resp)
	}
	if rerr := resp.Err(); rerr != nil {
		if !app.json {
			fmt.Fprintf(os.Stderr, "error [%s]: %v\n", model.KindOf(rerr), rerr)
		}
		os.Exit(2)
	}
}

func usage(name string) {
	fmt.Fprintf(os.Stderr, "usage: huddlectl %s\n", commands[name].usage)
	os.Exit(1)
}

func needArgs(name string, args []string, n int) {
	if len(args) < n {
		usage(name)
	}
}

func parseOnOff(name, v string) bool {
	switch v {
	case "on", "true", "1":
		return true
	case "off", "false", "0":
		return false
	}
	usage(name)
	return false
}

func (app *cli) cmdStatus(ctx context.Context, _ []string) {
	resp, err := app.c.Session.GetStatus(ctx)
	app.check(resp, err)
	if app.json {
		return
	}
	identity := resp.Identity
	if identity == "" {
		identity = "(signed out)"
	}
	fmt.Printf("Profile:  %s\n", resp.Profile)
	fmt.Printf("Status:   %s\n", resp.Status)
	fmt.Printf("Identity: %s\n", identity)
	fmt.Printf("Online:   %v\n", resp.Online)
	fmt.Printf("Cached:   %d chats, %d messages\n", resp.ChatCount, resp.MessageCount)
	fmt.Printf("Uptime:   %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
}

func (app *cli) cmdSignIn(ctx context.Context, args []string) {
	needArgs("signin", args, 1)
	resp, err := app.c.Session.SignIn(ctx, &rpc.SignInRequest{Identity: args[0]})
	app.check(resp, err)
	if !app.json {
		fmt.Printf("Signed in as %s\n", args[0])
	}
}

func (app *cli) cmdSignOut(ctx context.Context, _ []string) {
	resp, err := app.c.Session.SignOut(ctx)
	app.check(resp, err)
	if !app.json {
		fmt.Println("Signed out")
	}
}

func (app *cli) cmdOnline(ctx context.Context, _ []string) {
	resp, err := app.c.Session.SetOnline(ctx, &rpc.SetOnlineRequest{Online: true})
	app.check(resp, err)
}

func (app *cli) cmdOffline(ctx context.Context, _ []string) {
	resp, err := app.c.Session.SetOnline(ctx, &rpc.SetOnlineRequest{Online: false})
	app.check(resp, err)
}

func filterFlags(fs *flag.FlagSet) *rpc.ChatFilter {
	f := &rpc.ChatFilter{}
	fs.StringVar(&f.Query, "q", "", "match display name, participant or last message")
	fs.BoolVar(&f.Unread, "unread", false, "only chats with unread messages")
	fs.BoolVar(&f.Favourite, "favourite", false, "only favourite chats")
	fs.BoolVar(&f.Group, "group", false, "only group and team chats")
	fs.BoolVar(&f.Archived, "archived", false, "show archived chats instead")
	return f
}

func (app *cli) cmdChats(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("chats", flag.ExitOnError)
	filter := filterFlags(fs)
	_ = fs.Parse(args)

	resp, err := app.c.Chat.ListChats(ctx, &rpc.ListChatsRequest{Filter: *filter})
	app.check(resp, err)
	if app.json {
		return
	}
	if len(resp.Chats) == 0 {
		fmt.Println("No chats.")
		return
	}
	self := app.self(ctx)
	for _, c := range resp.Chats {
		printChat(c, self)
	}
}

func (app *cli) self(ctx context.Context) string {
	st, err := app.c.Session.GetStatus(ctx)
	if err != nil {
		return ""
	}
	return st.Identity
}

func printChat(c model.Chat, self string) {
	name := c.DisplayName
	if name == "" {
		others := make([]string, 0, len(c.Participants))
		for _, p := range c.Participants {
			if p != self {
				others = append(others, p)
			}
		}
		name = strings.Join(others, ", ")
	}
	var marks []string
	for _, f := range []model.Flag{model.FlagPinned, model.FlagFavourite, model.FlagMuted, model.FlagArchived} {
		if c.FlagValue(f) {
			marks = append(marks, string(f))
		}
	}
	last := ""
	if c.LastMessage != nil {
		last = fmt.Sprintf("%s: %s", c.LastMessage.SenderID, c.LastMessage.Text)
	}
	fmt.Printf("%-36s %-10s %-24s %3d  %-30s %s\n", c.ID, c.Type, name, c.Unread(self), last, strings.Join(marks, ","))
}

func (app *cli) cmdCreate(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	typ := fs.String("type", string(model.Individual), "chat type: individual, group or team")
	name := fs.String("name", "", "display name")
	avatar := fs.String("avatar", "", "display avatar URL")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		usage("create")
	}

	resp, err := app.c.Chat.CreateChat(ctx, &rpc.CreateChatRequest{
		Participants:  fs.Args(),
		Type:          model.ChatType(*typ),
		DisplayName:   *name,
		DisplayAvatar: *avatar,
	})
	app.check(resp, err)
	if !app.json {
		fmt.Println(resp.Chat.ID)
	}
}

func (app *cli) cmdFlag(ctx context.Context, args []string) {
	needArgs("flag", args, 3)
	resp, err := app.c.Chat.SetChatFlag(ctx, &rpc.SetChatFlagRequest{
		ChatID: args[0],
		Flag:   model.Flag(args[1]),
		On:     parseOnOff("flag", args[2]),
	})
	app.check(resp, err)
}

// parseCursor reads "<message id>@<unix ms>".
func parseCursor(v string) (*model.Cursor, error) {
	id, ms, ok := strings.Cut(v, "@")
	if !ok || id == "" {
		return nil, errors.New("cursor must be <message id>@<unix ms>")
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cursor timestamp: %w", err)
	}
	return &model.Cursor{MessageID: id, Timestamp: time.UnixMilli(n).UTC()}, nil
}

func (app *cli) cmdHistory(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", 0, "page size (0 = daemon default)")
	before := fs.String("before", "", "load messages older than <message id>@<unix ms>")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		usage("history")
	}

	req := &rpc.LoadMessagesRequest{ChatID: fs.Arg(0), Limit: *limit}
	if *before != "" {
		cursor, err := parseCursor(*before)
		if err != nil {
			fatalf("%v", err)
		}
		req.Before = cursor
	}
	resp, err := app.c.Chat.LoadMessages(ctx, req)
	app.check(resp, err)
	if app.json {
		return
	}
	self := app.self(ctx)
	for _, m := range resp.Messages {
		printMessage(m, self)
	}
	if n := len(resp.Messages); n > 0 {
		oldest := resp.Messages[0]
		fmt.Printf("-- older: --before %s@%d\n", oldest.ID, oldest.Timestamp.UnixMilli())
	}
}

func printMessage(m model.Message, self string) {
	var reacts []string
	for _, s := range reactions.Summarize(&m, self) {
		reacts = append(reacts, fmt.Sprintf("%s%d", s.Symbol, s.Count))
	}
	text := m.Text
	if m.Type == model.AttachmentMessage {
		text = "[file] " + text
	}
	fmt.Printf("%s  %-12s %-9s %s  %s\n",
		m.Timestamp.Local().Format("Jan 02 15:04"), m.SenderID, m.Status, text, strings.Join(reacts, " "))
}

func (app *cli) cmdSend(ctx context.Context, args []string) {
	needArgs("send", args, 2)
	resp, err := app.c.Chat.SendMessage(ctx, &rpc.SendMessageRequest{
		ChatID: args[0],
		Text:   strings.Join(args[1:], " "),
	})
	app.check(resp, err)
	if !app.json {
		fmt.Printf("%s %s\n", resp.Message.ID, resp.Message.Status)
	}
}

func (app *cli) cmdAttach(ctx context.Context, args []string) {
	needArgs("attach", args, 2)
	data, err := os.ReadFile(args[1])
	if err != nil {
		fatalf("%v", err)
	}
	name := filepath.Base(args[1])
	resp, err := app.c.Chat.SendMessage(ctx, &rpc.SendMessageRequest{
		ChatID: args[0],
		Attachment: &rpc.Attachment{
			Name:        name,
			ContentType: mime.TypeByExtension(filepath.Ext(name)),
			Data:        data,
		},
	})
	app.check(resp, err)
	if !app.json {
		fmt.Printf("%s %s\n", resp.Message.ID, resp.Message.Status)
	}
}

func (app *cli) cmdResend(ctx context.Context, args []string) {
	needArgs("resend", args, 2)
	resp, err := app.c.Chat.ResendMessage(ctx, &rpc.ResendMessageRequest{ChatID: args[0], MessageID: args[1]})
	app.check(resp, err)
	if !app.json {
		fmt.Printf("%s %s\n", resp.Message.ID, resp.Message.Status)
	}
}

func (app *cli) cmdFlush(ctx context.Context, _ []string) {
	resp, err := app.c.Chat.FlushOutbox(ctx)
	app.check(resp, err)
	if !app.json {
		fmt.Printf("Sent %d queued messages\n", resp.Sent)
	}
}

func (app *cli) cmdRead(ctx context.Context, args []string) {
	needArgs("read", args, 2)
	resp, err := app.c.Chat.MarkRead(ctx, &rpc.MarkReadRequest{ChatID: args[0], MessageIDs: args[1:]})
	app.check(resp, err)
}

func (app *cli) cmdUnread(ctx context.Context, args []string) {
	needArgs("unread", args, 3)
	n, err := strconv.Atoi(args[2])
	if err != nil {
		usage("unread")
	}
	resp, err := app.c.Chat.UpdateUnreadCount(ctx, &rpc.UpdateUnreadRequest{ChatID: args[0], Identity: args[1], Count: n})
	app.check(resp, err)
}

func (app *cli) cmdTyping(ctx context.Context, args []string) {
	needArgs("typing", args, 2)
	resp, err := app.c.Chat.SetTyping(ctx, &rpc.SetTypingRequest{ChatID: args[0], Typing: parseOnOff("typing", args[1])})
	app.check(resp, err)
}

func (app *cli) cmdReact(ctx context.Context, args []string) {
	needArgs("react", args, 3)
	resp, err := app.c.Chat.AddReaction(ctx, &rpc.ReactionRequest{ChatID: args[0], MessageID: args[1], Symbol: args[2]})
	app.check(resp, err)
}

func (app *cli) cmdUnreact(ctx context.Context, args []string) {
	needArgs("unreact", args, 3)
	resp, err := app.c.Chat.RemoveReaction(ctx, &rpc.ReactionRequest{ChatID: args[0], MessageID: args[1], Symbol: args[2]})
	app.check(resp, err)
}

func cmdProfiles(jsonOut bool) {
	names, err := profile.List()
	if err != nil {
		fatalf("%v", err)
	}
	type row struct {
		Name          string `json:"name"`
		Path          string `json:"path"`
		DaemonRunning bool   `json:"daemon_running"`
		PID           int    `json:"pid,omitempty"`
		Since         string `json:"since,omitempty"`
	}
	rows := make([]row, 0, len(names))
	for _, name := range names {
		owner, held := lock.Inspect(profile.Dir(name))
		r := row{Name: name, Path: profile.Dir(name), DaemonRunning: held}
		if held {
			r.PID = owner.PID
			if !owner.Started.IsZero() {
				r.Since = owner.Started.Local().Format(time.DateTime)
			}
		}
		rows = append(rows, r)
	}
	if jsonOut {
		outputJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, r := range rows {
		running := "stopped"
		if r.DaemonRunning {
			running = fmt.Sprintf("running, pid %d", r.PID)
			if r.Since != "" {
				running += " since " + r.Since
			}
		}
		fmt.Printf("%-20s %s (%s)\n", r.Name, r.Path, running)
	}
}
