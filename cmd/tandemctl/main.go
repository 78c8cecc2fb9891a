package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/tandem/internal/api"
	"github.com/matheus3301/tandem/internal/client"
	"github.com/matheus3301/tandem/internal/config"
	"github.com/matheus3301/tandem/internal/domain"
	"github.com/matheus3301/tandem/internal/lock"
	"github.com/matheus3301/tandem/internal/session"
	intsync "github.com/matheus3301/tandem/internal/sync"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := client.New(session.SocketPath(sessionName), *timeout)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "login":
		need(rest, 2, "login <user-id> <token> [name]")
		id := domain.Identity{ID: peerArg(rest[0])}
		if len(rest) > 2 {
			id.Name = strings.Join(rest[2:], " ")
		}
		st, err := c.Login(ctx, id, rest[1])
		check(err)
		output(*jsonFlag, st, func() { fmt.Printf("Logged in as %d, channel %s\n", id.ID, st.ChannelState) })
	case "logout":
		check(c.Logout(ctx))
		fmt.Println("Logged out.")
	case "refresh":
		check(c.Refresh(ctx))
		fmt.Println("Refreshed.")
	case "conversations", "ls":
		convs, err := c.Conversations(ctx)
		check(err)
		output(*jsonFlag, convs, func() { printConversations(convs) })
	case "show":
		need(rest, 1, "show <peer-id>")
		conv, err := c.Conversation(ctx, peerArg(rest[0]))
		check(err)
		output(*jsonFlag, conv, func() { printMessages(conv.Recent) })
	case "history":
		need(rest, 1, "history <peer-id>")
		msgs, err := c.History(ctx, peerArg(rest[0]))
		check(err)
		output(*jsonFlag, msgs, func() { printMessages(msgs) })
	case "send":
		need(rest, 2, "send <peer-id> <text...>")
		m, err := c.Send(ctx, peerArg(rest[0]), strings.Join(rest[1:], " "), domain.MessageText)
		check(err)
		output(*jsonFlag, m, func() { fmt.Printf("Queued %s\n", m.ClientID) })
	case "read":
		need(rest, 1, "read <peer-id>")
		res, err := c.MarkRead(ctx, peerArg(rest[0]))
		check(err)
		output(*jsonFlag, res, func() { printRead(res) })
	case "typing":
		need(rest, 2, "typing <peer-id> on|off")
		check(c.Typing(ctx, peerArg(rest[0]), rest[1] == "on"))
	case "focus":
		need(rest, 1, "focus <peer-id|0>")
		peer, err := strconv.ParseInt(rest[0], 10, 64)
		check(err)
		res, err := c.Focus(ctx, peer)
		check(err)
		if peer != 0 {
			output(*jsonFlag, res, func() { printRead(res) })
		}
	case "delete":
		need(rest, 1, "delete <peer-id>")
		check(c.Delete(ctx, peerArg(rest[0])))
	case "matches":
		matches, err := c.Matches(ctx)
		check(err)
		output(*jsonFlag, matches, func() {
			for _, m := range matches {
				fmt.Printf("%-8d %-24s %s\n", m.Peer.ID, m.Peer.Name, m.MatchedAt.Format(time.DateTime))
			}
		})
	case "unread":
		u, err := c.Unread(ctx)
		check(err)
		output(*jsonFlag, u, func() { fmt.Printf("Unread: %d\n", u.Total) })
	case "events":
		cancel()
		cmdEvents(c, rest)
	case "health":
		st, err := client.Health(ctx, session.HealthSocketPath(sessionName))
		check(err)
		fmt.Println(st.String())
	case "config":
		need(rest, 1, "config init|show")
		cmdConfig(rest[0], *jsonFlag)
	case "who":
		h, err := lock.ReadHolder(session.LockPath(sessionName))
		check(err)
		output(*jsonFlag, h, func() {
			fmt.Printf("Session %s held by pid %d since %s\n", h.Session, h.PID, h.Since.Format(time.DateTime))
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: tandemctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Show session status")
	fmt.Fprintln(os.Stderr, "  login <id> <token> [name] Start a session")
	fmt.Fprintln(os.Stderr, "  logout                    End the session")
	fmt.Fprintln(os.Stderr, "  refresh                   Reload from the backend")
	fmt.Fprintln(os.Stderr, "  conversations             List conversations")
	fmt.Fprintln(os.Stderr, "  show <peer>               Show recent messages")
	fmt.Fprintln(os.Stderr, "  history <peer>            Load full history")
	fmt.Fprintln(os.Stderr, "  send <peer> <text>        Send a message")
	fmt.Fprintln(os.Stderr, "  read <peer>               Mark conversation read")
	fmt.Fprintln(os.Stderr, "  typing <peer> on|off      Publish typing state")
	fmt.Fprintln(os.Stderr, "  focus <peer|0>            Focus a conversation")
	fmt.Fprintln(os.Stderr, "  delete <peer>             Delete a conversation")
	fmt.Fprintln(os.Stderr, "  matches                   List matches")
	fmt.Fprintln(os.Stderr, "  unread                    Show unread counts")
	fmt.Fprintln(os.Stderr, "  events [prefix]           Stream daemon events")
	fmt.Fprintln(os.Stderr, "  health                    Check channel health")
	fmt.Fprintln(os.Stderr, "  config init|show          Write or print the daemon config")
	fmt.Fprintln(os.Stderr, "  who                       Show the daemon holding the session")
}

func cmdConfig(sub string, jsonOut bool) {
	path := session.ConfigPath()
	switch sub {
	case "init":
		if _, err := os.Stat(path); err == nil {
			fatal(fmt.Errorf("%s already exists", path))
		}
		check(config.Save(path, config.Default()))
		fmt.Printf("Wrote %s\n", path)
	case "show":
		cfg, err := config.LoadOrDefault(path)
		check(err)
		check(cfg.ApplyEnv(session.EnvPath()))
		output(jsonOut, cfg, func() { check(toml.NewEncoder(os.Stdout).Encode(cfg)) })
	default:
		fatal(fmt.Errorf("unknown config command: %s", sub))
	}
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	check(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session: %s\n", st.Session)
	if st.Identity != nil {
		fmt.Printf("User:    %s (%d)\n", st.Identity.DisplayName(), st.Identity.ID)
	} else {
		fmt.Println("User:    (none)")
	}
	fmt.Printf("Channel: %s since %s\n", st.ChannelState, st.ChannelSince.Local().Format(time.DateTime))
	if st.PendingReconnect {
		fmt.Println("         reconnect scheduled")
	}
	fmt.Printf("Unread:  %d in %d conversations\n", st.TotalUnread, st.Conversations)
	if len(st.Typing) > 0 {
		fmt.Printf("Typing:  %v\n", st.Typing)
	}
	fmt.Printf("Uptime:  %dms\n", st.UptimeMs)
}

func printRead(res *intsync.ReadResult) {
	fmt.Printf("Cleared %d unread with %d\n", res.Cleared, res.Peer)
	if !res.RemoteSynced {
		fmt.Println("Backend not updated.")
	}
}

func cmdEvents(c *client.Client, args []string) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.Events(ctx, prefix, func(evt api.EventMessage) bool {
		payload, _ := json.Marshal(evt.Payload)
		fmt.Printf("%s %-24s %s\n", time.UnixMilli(evt.Timestamp).Format(time.TimeOnly), evt.Kind, payload)
		return true
	})
	check(err)
}

func printConversations(convs []domain.Conversation) {
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range convs {
		flags := ""
		if c.Online {
			flags += "●"
		}
		if c.Typing {
			flags += " typing…"
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		fmt.Printf("%-8d %-20s %3d %-10s %s\n", c.Peer.ID, c.Peer.Name, c.UnreadCount, flags, last)
	}
}

func printMessages(msgs []domain.Message) {
	for _, m := range msgs {
		state := ""
		switch {
		case m.Failed:
			state = " [failed]"
		case m.Pending:
			state = " [pending]"
		}
		fmt.Printf("%s %d: %s%s\n", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.Content, state)
	}
}

func peerArg(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fatal(fmt.Errorf("invalid id %q", s))
	}
	return id
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: tandemctl %s\n", usage)
		os.Exit(1)
	}
}

func output(jsonOut bool, v any, text func()) {
	if jsonOut {
		outputJSON(v)
		return
	}
	text()
}

func check(err error) {
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	var apiErr *client.Error
	if errors.As(err, &apiErr) && apiErr.Code == api.CodeNoSession {
		fmt.Fprintln(os.Stderr, "error: no active session, run: tandemctl login <id> <token>")
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
