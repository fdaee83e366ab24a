package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/huddle/internal/client"
	"github.com/matheus3301/huddle/internal/profile"
)

type cli struct {
	c       *client.Client
	profile string
	json    bool
}

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 10*time.Second, "timeout for one-shot commands")
	flag.Usage = printUsage
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// profiles does not talk to a daemon.
	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	socketPath := profile.SocketPath(profileName)
	c, err := client.New(socketPath)
	if err != nil {
		fatalf("cannot connect to daemon for profile %q: %v", profileName, err)
	}
	defer func() { _ = c.Close() }()

	app := &cli{c: c, profile: profileName, json: *jsonFlag}

	// watch streams until interrupted; everything else is one-shot.
	if args[0] == "watch" {
		app.cmdWatch(args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	cmd.run(app, ctx, args[1:])
}

type command struct {
	usage string
	help  string
	run   func(app *cli, ctx context.Context, args []string)
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"status":  {"status", "Show daemon status", (*cli).cmdStatus},
		"signin":  {"signin <identity>", "Sign the daemon in", (*cli).cmdSignIn},
		"signout": {"signout", "Sign the daemon out", (*cli).cmdSignOut},
		"online":  {"online", "Mark the device online", (*cli).cmdOnline},
		"offline": {"offline", "Mark the device offline", (*cli).cmdOffline},
		"chats":   {"chats [-q text] [-unread] [-favourite] [-group] [-archived]", "List chats", (*cli).cmdChats},
		"create":  {"create [-type individual|group|team] [-name n] <identity>...", "Create or open a chat", (*cli).cmdCreate},
		"flag":    {"flag <chat> <archived|muted|pinned|favourite> <on|off>", "Toggle a chat flag", (*cli).cmdFlag},
		"history": {"history [-limit n] [-before id@unixms] <chat>", "Load a page of messages", (*cli).cmdHistory},
		"send":    {"send <chat> <text>...", "Send a text message", (*cli).cmdSend},
		"attach":  {"attach <chat> <file>", "Send a file", (*cli).cmdAttach},
		"resend":  {"resend <chat> <message>", "Resend a failed message", (*cli).cmdResend},
		"flush":   {"flush", "Transmit queued messages now", (*cli).cmdFlush},
		"read":    {"read <chat> <message>...", "Mark messages read", (*cli).cmdRead},
		"unread":  {"unread <chat> <identity> <count>", "Set an unread counter", (*cli).cmdUnread},
		"typing":  {"typing <chat> <on|off>", "Set the typing indicator", (*cli).cmdTyping},
		"react":   {"react <chat> <message> <symbol>", "Add a reaction", (*cli).cmdReact},
		"unreact": {"unreact <chat> <message> <symbol>", "Remove a reaction", (*cli).cmdUnreact},
	}
}

var order = []string{
	"status", "signin", "signout", "online", "offline",
	"chats", "create", "flag",
	"history", "send", "attach", "resend", "flush",
	"read", "unread", "typing", "react", "unreact",
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: huddlectl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, name := range order {
		cmd := commands[name]
		fmt.Fprintf(os.Stderr, "  %-58s %s\n", cmd.usage, cmd.help)
	}
	fmt.Fprintf(os.Stderr, "  %-58s %s\n", "watch <chats|messages <chat>|typing <chat>|events [prefix]>", "Stream updates")
	fmt.Fprintf(os.Stderr, "  %-58s %s\n", "profiles", "List known profiles")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
