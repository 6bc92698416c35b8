package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"circle/internal/client"
	"circle/internal/config"
	"circle/internal/history"
	"circle/internal/models"
	"circle/internal/room"
	"circle/internal/session"
)

type JoinOptions struct {
	ServerURL string
	Token     string
	RoomID    string
	In        io.Reader
	Out       io.Writer
}

// outgoingBuffer bounds the lines typed while earlier sends are in flight.
const outgoingBuffer = 32

const helpText = `Commands:
  <text>                  send a message
  /react <n> <reaction>   toggle a reaction on message #n
  /resend <n>             resend failed message #n
  /members                list who is in the room
  /promote <user>         hand the admin role to a member
  /kick <user> [reason]   remove a member (admin only)
  /reasons                list the usual kick reasons
  /leave                  leave the room
`

// Join enters a room and runs a line-oriented chat on in and out until the
// member leaves, is removed or the connection is lost.
func Join(ctx context.Context, cfg *config.Config, opts JoinOptions, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	historyClient := history.NewClient(opts.ServerURL, opts.Token)
	identity, err := historyClient.FetchIdentity(ctx)
	if err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}

	manager := client.NewManager(client.Config{
		Dialer:  &client.WebsocketDialer{BaseURL: opts.ServerURL, Token: opts.Token},
		Backoff: cfg.Backoff(),
		Logger:  logger,
	})

	sess, err := session.Enter(ctx, session.Config{
		Identity:      identity,
		RoomID:        opts.RoomID,
		History:       historyClient,
		Connection:    manager,
		InvokeTimeout: cfg.InvokeTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	return newTerminal(sess, opts.Out).run(ctx, opts.In)
}

type terminal struct {
	sess *session.Session
	view session.View
	out  io.Writer

	// Sends run one at a time off the render loop, in typing order.
	outgoing chan string
	sendErrs chan error

	refs    []string       // message id by display number - 1
	printed map[string]int // message id to display number
}

func newTerminal(sess *session.Session, out io.Writer) *terminal {
	return &terminal{
		sess:     sess,
		view:     sess.View(),
		out:      out,
		outgoing: make(chan string, outgoingBuffer),
		sendErrs: make(chan error, outgoingBuffer),
		printed:  make(map[string]int),
	}
}

func (t *terminal) run(ctx context.Context, in io.Reader) error {
	changes, unsubscribe := t.view.Subscribe()
	defer unsubscribe()

	go t.sendLoop(ctx)
	defer close(t.outgoing)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-t.sess.Done():
				return
			}
		}
	}()

	meta := t.view.Meta()
	fmt.Fprintf(t.out, "== %s ==\n", meta.Name)
	if meta.Topic != "" {
		fmt.Fprintf(t.out, "Topic: %s\n", meta.Topic)
	}
	for _, msg := range t.view.Messages() {
		t.printMessage(msg)
	}
	if len(t.view.Members()) > 0 {
		t.printMembers()
	}
	fmt.Fprintln(t.out, "Type /help for commands.")

	for {
		select {
		case <-ctx.Done():
			_ = t.sess.Leave(context.Background())
			return nil
		case <-t.sess.Done():
			t.drainNotices()
			return t.exitErr()
		case n := <-t.sess.Notices():
			t.printNotice(n)
		case err := <-t.sendErrs:
			fmt.Fprintf(t.out, "! message not sent: %v\n", err)
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			t.render(change)
		case line, ok := <-lines:
			if !ok {
				_ = t.sess.Leave(context.Background())
				return nil
			}
			if done := t.handleLine(ctx, strings.TrimSpace(line)); done {
				return nil
			}
		}
	}
}

func (t *terminal) exitErr() error {
	err := t.sess.Err()
	if err == nil || errors.Is(err, models.ErrKicked) {
		return nil
	}
	return err
}

func (t *terminal) drainNotices() {
	for {
		select {
		case n := <-t.sess.Notices():
			t.printNotice(n)
		default:
			return
		}
	}
}

func (t *terminal) handleLine(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		select {
		case t.outgoing <- line:
		default:
			fmt.Fprintln(t.out, "! too many messages waiting, try again")
		}
		return false
	}

	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/help":
		fmt.Fprint(t.out, helpText)
	case "/leave", "/quit":
		_ = t.sess.Leave(ctx)
		fmt.Fprintln(t.out, "You left the room.")
		return true
	case "/members":
		t.printMembers()
	case "/reasons":
		fmt.Fprintf(t.out, "Kick reasons: %s\n", strings.Join(models.KickReasons, ", "))
	case "/react":
		if len(fields) < 3 {
			fmt.Fprintln(t.out, "usage: /react <n> <reaction>")
			return false
		}
		var id string
		if id, err = t.ref(fields[1]); err == nil {
			err = t.sess.React(ctx, id, fields[2])
		}
	case "/resend":
		if len(fields) < 2 {
			fmt.Fprintln(t.out, "usage: /resend <n>")
			return false
		}
		var id string
		if id, err = t.ref(fields[1]); err == nil {
			err = t.sess.Resend(ctx, id)
		}
	case "/promote":
		if len(fields) < 2 {
			fmt.Fprintln(t.out, "usage: /promote <user>")
			return false
		}
		err = t.sess.Promote(ctx, fields[1])
	case "/kick":
		if len(fields) < 2 {
			fmt.Fprintln(t.out, "usage: /kick <user> [reason]")
			return false
		}
		err = t.sess.Kick(ctx, fields[1], strings.Join(fields[2:], " "))
	default:
		fmt.Fprintf(t.out, "unknown command %s, try /help\n", fields[0])
	}
	if err != nil {
		fmt.Fprintf(t.out, "! %s failed: %v\n", fields[0], err)
	}
	return false
}

func (t *terminal) sendLoop(ctx context.Context) {
	for text := range t.outgoing {
		if _, err := t.sess.SendMessage(ctx, text); err != nil {
			select {
			case t.sendErrs <- err:
			default:
			}
		}
	}
}

func (t *terminal) ref(arg string) (string, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil || n < 1 || n > len(t.refs) {
		return "", fmt.Errorf("no message #%s", arg)
	}
	return t.refs[n-1], nil
}

func (t *terminal) render(change room.Change) {
	switch change.Kind {
	case room.ChangeMessages:
		if msg, ok := t.view.Message(change.MessageID); ok {
			t.printMessage(msg)
		}
	case room.ChangeReactions:
		msg, ok := t.view.Message(change.MessageID)
		if !ok {
			return
		}
		n := t.printed[msg.ID]
		fmt.Fprintf(t.out, "   #%d reactions: %s\n", n, formatReactions(msg.Reactions))
	case room.ChangeMembers:
		t.printMembers()
	case room.ChangeConnection:
		if state := t.view.ConnectionState(); state == models.ConnectionStateConnected {
			fmt.Fprintln(t.out, "* connected")
		}
	}
}

// printMessage prints confirmed messages once and failed placeholders each
// time they fail. Pending placeholders show up when the server confirms them.
func (t *terminal) printMessage(msg models.Message) {
	switch msg.Status {
	case models.MessageStatusPending:
		return
	case models.MessageStatusFailed:
		n := t.number(msg.ID)
		fmt.Fprintf(t.out, "! #%d not delivered: %q (/resend %d)\n", n, msg.Body, n)
		return
	}
	if _, seen := t.printed[msg.ID]; seen {
		return
	}
	n := t.number(msg.ID)
	if msg.IsSystem {
		fmt.Fprintf(t.out, "#%d -- %s\n", n, msg.Body)
		return
	}
	fmt.Fprintf(t.out, "#%d [%s] %s: %s\n", n, msg.CreatedAt.Format("15:04"), msg.Author.DisplayName, msg.Body)
}

func (t *terminal) number(id string) int {
	if n, ok := t.printed[id]; ok {
		return n
	}
	t.refs = append(t.refs, id)
	t.printed[id] = len(t.refs)
	return len(t.refs)
}

func (t *terminal) printMembers() {
	members := t.view.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		name := fmt.Sprintf("%s (%s)", m.DisplayName, m.ID)
		if m.IsAdmin {
			name += " [admin]"
		}
		names = append(names, name)
	}
	fmt.Fprintf(t.out, "* in the room: %s\n", strings.Join(names, ", "))
}

func (t *terminal) printNotice(n models.Notice) {
	if n.Blocking {
		fmt.Fprintf(t.out, "!! %s\n", n.Text)
		return
	}
	fmt.Fprintf(t.out, "* %s\n", n.Text)
}

func formatReactions(summaries []models.ReactionSummary) string {
	if len(summaries) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(summaries))
	for _, s := range summaries {
		part := fmt.Sprintf("%s %d", s.Kind, s.Count)
		if s.ReactedByLocalUser {
			part += " (you)"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
