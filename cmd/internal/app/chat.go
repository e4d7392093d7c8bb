package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"emconsole/cmd/internal/chat"
	"emconsole/cmd/internal/ids"
	v1 "emconsole/shared/contracts/feed/v1"
)

// ChatOptions configure the chat command. With credentials the identity comes from
// the login session.
type ChatOptions struct {
	Credentials

	UserID   string
	Username string
	Role     v1.Role

	In  io.Reader
	Out io.Writer
}

const chatHelp = `commands:
  /sessions          list support sessions (admin)
  /select <userId>   open a session's conversation (admin)
  /history           print the current conversation
  /open, /close      open or close the widget (client)
  /quit              leave
anything else is sent as a message
`

// Chat runs an interactive chat session over opts.In until /quit, EOF or ctx is done.
func (a *App) Chat(ctx context.Context, opts ChatOptions) error {
	id, err := a.chatIdentity(ctx, opts)
	if err != nil {
		return err
	}

	feed := chat.NewFeed(a.log, a.loop, a.clock, a.feedMetrics, a.cfg.FeedConfig(a.cfg.ChatURL, a.cfg.ChatRetryMode), id)
	defer feed.Close()

	coord := chat.NewCoordinator(a.log, a.clock, feed, a.chatMetrics, chat.Config{EchoTolerance: a.cfg.EchoTolerance})
	defer coord.Close()

	out := newConsole(opts.Out)
	coord.OnChange(out.chatState)
	coord.Start()
	if coord.Mode() == chat.ModeClient {
		coord.SetOpen(true)
	}
	out.printf("chat as %s (%s, %s). /help for commands\n", id.Username, id.Role, id.UserID)

	lines := make(chan string)
	go scanLines(ctx, opts.In, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.chatCommand(coord, out, line); quit {
				return nil
			}
		}
	}
}

func (a *App) chatCommand(coord *chat.Coordinator, out *console, line string) (quit bool) {
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "/quit", "/exit":
		return true
	case "/help":
		out.printf("%s", chatHelp)
	case "/sessions":
		out.sessions(coord.Sessions())
	case "/select":
		if !coord.SelectSession(strings.TrimSpace(arg)) {
			out.printf("cannot select %q\n", arg)
		}
	case "/history":
		out.history(coord.History())
	case "/open":
		coord.SetOpen(true)
	case "/close":
		coord.SetOpen(false)
	default:
		if !coord.SendMessage(line) {
			out.printf("not sent\n")
		}
	}
	return false
}

func (a *App) chatIdentity(ctx context.Context, opts ChatOptions) (chat.Identity, error) {
	id := chat.Identity{UserID: opts.UserID, Username: opts.Username, Role: opts.Role}
	if opts.Credentials.set() {
		s, err := a.api.Login(ctx, opts.Credentials.Username, opts.Password)
		if err != nil {
			return chat.Identity{}, fmt.Errorf("login: %w", err)
		}
		id.UserID, id.Role = s.UserID, s.Role
		a.log.Info("chat.login", "user_id", s.UserID, "role", s.Role)
	}
	if id.Role == "" {
		id.Role = v1.RoleClient
	}
	if id.Role == v1.RoleBot {
		return chat.Identity{}, errors.New("chat: cannot connect as BOT")
	}
	if id.UserID == "" {
		id.UserID = ids.NewUUID()
	} else {
		uid, err := ids.NormalizeUUID(id.UserID)
		if err != nil {
			return chat.Identity{}, fmt.Errorf("chat: user id: %w", err)
		}
		id.UserID = uid
	}
	if id.Username == "" {
		id.Username = "console-" + id.UserID[:8]
	}
	return id, nil
}

func scanLines(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}
