// Package session coordinates one room membership: it loads history, seeds
// the room store, keeps it in sync with the push channel, and tears
// everything down when the member leaves, is kicked or loses the connection
// for good.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"circle/internal/models"
	"circle/internal/moderation"
	"circle/internal/room"

	"github.com/google/uuid"
)

const (
	defaultInvokeTimeout = 10 * time.Second
	noticeBuffer         = 32

	reconnectingText = "Connection lost, reconnecting."
	disconnectedText = "Disconnected from the room. Please enter it again to continue."
)

var errEmptyMessage = errors.New("message is empty")

type HistoryClient interface {
	FetchRoomMetadata(ctx context.Context, roomID string) (models.RoomMeta, error)
	FetchMessages(ctx context.Context, roomID string) ([]models.Message, error)
}

// Connection is the push channel of the session. *client.Manager
// implements it.
type Connection interface {
	Open(ctx context.Context, roomID, userID string) error
	Close(ctx context.Context) error
	// Abandon tears the connection down without notifying the server.
	Abandon()
	Invoke(ctx context.Context, command models.CommandName, args any) (models.Ack, error)
	On(name models.EventName, handler func(models.RoomEvent)) func()
	OnStateChange(handler func(models.ConnectionState)) func()
	Done() <-chan struct{}
	Err() error
}

// View is the read-only side of the room store handed to presentation.
type View interface {
	LocalUserID() string
	Meta() models.RoomMeta
	Messages() []models.Message
	Message(id string) (models.Message, bool)
	Members() []models.RoomMember
	Member(id string) (models.RoomMember, bool)
	AdminID() string
	IsLocalAdmin() bool
	ConnectionState() models.ConnectionState
	Closed() bool
	Subscribe() (<-chan room.Change, func())
}

type Config struct {
	Identity   models.Identity
	RoomID     string
	History    HistoryClient
	Connection Connection
	// InvokeTimeout bounds a single command round trip.
	InvokeTimeout time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

type Session struct {
	identity      models.Identity
	roomID        string
	conn          Connection
	store         *room.Store
	ctrl          *moderation.Controller
	invokeTimeout time.Duration
	log           *slog.Logger
	now           func() time.Time

	notices chan models.Notice

	// mu serializes echo reconciliation against send acks.
	mu sync.Mutex
	// acked maps server message ids from send acks to their placeholders.
	acked map[string]string

	endMu  sync.Mutex
	ended  bool
	err    error
	unsubs []func()
	done   chan struct{}
}

// Enter loads the room and connects to it. A history failure aborts entry
// with an error wrapping models.ErrHistoryLoadFailed before any connection
// is opened.
func Enter(ctx context.Context, config Config) (*Session, error) {
	if config.Identity.UserID == "" {
		return nil, fmt.Errorf("enter room %s: %w", config.RoomID, models.ErrUnauthorized)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("room_id", config.RoomID, "user_id", config.Identity.UserID)

	meta, err := config.History.FetchRoomMetadata(ctx, config.RoomID)
	if err != nil {
		return nil, fmt.Errorf("enter room %s: %w", config.RoomID, err)
	}
	history, err := config.History.FetchMessages(ctx, config.RoomID)
	if err != nil {
		return nil, fmt.Errorf("enter room %s: %w", config.RoomID, err)
	}

	s := &Session{
		identity:      config.Identity,
		roomID:        config.RoomID,
		conn:          config.Connection,
		invokeTimeout: config.InvokeTimeout,
		log:           logger,
		now:           config.Now,
		notices:       make(chan models.Notice, noticeBuffer),
		acked:         make(map[string]string),
		done:          make(chan struct{}),
	}
	if s.invokeTimeout <= 0 {
		s.invokeTimeout = defaultInvokeTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.store = room.New(room.Config{
		LocalUserID: config.Identity.UserID,
		Meta:        meta,
		Logger:      logger,
	})
	for _, msg := range history {
		msg.Status = models.MessageStatusConfirmed
		msg.Reactions = nil
		s.store.AppendMessage(msg)
	}

	s.ctrl = moderation.New(moderation.Config{
		RoomID:  config.RoomID,
		Store:   s.store,
		Invoker: invokerFunc(s.invoke),
		Notify:  s.notify,
		Logger:  logger,
		Now:     s.now,
	})

	s.bind()

	if err := s.conn.Open(ctx, config.RoomID, config.Identity.UserID); err != nil {
		s.end(err)
		return nil, fmt.Errorf("enter room %s: %w", config.RoomID, err)
	}

	go s.watch()

	logger.Info("entered room", "messages", len(history))
	return s, nil
}

// View returns the change-notifying room state.
func (s *Session) View() View {
	return s.store
}

func (s *Session) Identity() models.Identity {
	return s.identity
}

// Notices delivers user-facing notices. Notices are dropped when nobody
// drains the channel.
func (s *Session) Notices() <-chan models.Notice {
	return s.notices
}

// Done is closed when the session is over.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended: nil after Leave, models.ErrKicked after
// removal, or the connection failure.
func (s *Session) Err() error {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	return s.err
}

// SendMessage appends a pending placeholder and dispatches the text. The
// returned local id names the placeholder; on failure the placeholder is
// marked failed and can be resent.
func (s *Session) SendMessage(ctx context.Context, text string) (string, error) {
	if err := s.checkActive(); err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errEmptyMessage
	}

	author, ok := s.store.Member(s.identity.UserID)
	if !ok {
		author = models.RoomMember{ID: s.identity.UserID, DisplayName: s.identity.DisplayName, IsOnline: true}
	}

	localID := "local-" + uuid.NewString()
	s.store.AppendMessage(models.Message{
		ID:        localID,
		Status:    models.MessageStatusPending,
		Author:    author,
		Body:      text,
		CreatedAt: s.now(),
	})

	return localID, s.dispatchSend(ctx, localID, text)
}

// Resend dispatches a failed placeholder again.
func (s *Session) Resend(ctx context.Context, localID string) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	msg, ok := s.store.Message(localID)
	if !ok || msg.Status != models.MessageStatusFailed {
		return fmt.Errorf("resend %s: %w", localID, models.ErrNotFound)
	}
	s.store.SetMessageStatus(localID, models.MessageStatusPending)
	return s.dispatchSend(ctx, localID, msg.Body)
}

// React toggles kind on a confirmed message. The tally changes when the
// server relays the reaction back.
func (s *Session) React(ctx context.Context, messageID, kind string) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	msg, ok := s.store.Message(messageID)
	if !ok {
		return fmt.Errorf("react to %s: %w", messageID, models.ErrNotFound)
	}
	if msg.IsPending() {
		return fmt.Errorf("react to %s: %w", messageID, models.ErrMessagePending)
	}
	_, err := s.invoke(ctx, models.CommandSendReaction, models.SendReactionArgs{
		MessageID: messageID,
		Kind:      kind,
		UserID:    s.identity.UserID,
		RoomID:    s.roomID,
	})
	return err
}

func (s *Session) Promote(ctx context.Context, targetID string) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	return s.ctrl.Promote(ctx, targetID)
}

func (s *Session) Kick(ctx context.Context, targetID, reason string) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	return s.ctrl.Kick(ctx, targetID, reason)
}

// Leave notifies the server best-effort and ends the session.
func (s *Session) Leave(ctx context.Context) error {
	s.endWith(ctx, nil)
	return nil
}

func (s *Session) dispatchSend(ctx context.Context, localID, text string) error {
	ack, err := s.invoke(ctx, models.CommandSendMessage, models.SendMessageArgs{
		UserID: s.identity.UserID,
		Text:   text,
		RoomID: s.roomID,
	})
	if err != nil {
		s.store.SetMessageStatus(localID, models.MessageStatusFailed)
		return err
	}

	var result models.SendMessageResult
	if err := ack.Decode(&result); err != nil || result.MessageID == "" {
		// The echo is matched by author, body and time instead.
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, echoed := s.store.Message(result.MessageID); echoed {
		if _, stillPending := s.store.Message(localID); stillPending {
			s.store.ReplacePlaceholder(localID, models.Message{ID: result.MessageID})
		}
		return nil
	}
	s.acked[result.MessageID] = localID
	return nil
}

func (s *Session) invoke(ctx context.Context, command models.CommandName, args any) (models.Ack, error) {
	if err := s.checkActive(); err != nil {
		return models.Ack{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.invokeTimeout)
	defer cancel()
	return s.conn.Invoke(ctx, command, args)
}

func (s *Session) bind() {
	for _, name := range []models.EventName{
		models.EventReceiveMessage,
		models.EventUpdateUserList,
		models.EventReceiveReaction,
		models.EventCannotKickCreator,
		models.EventKicked,
		models.EventMemberKicked,
	} {
		s.unsubs = append(s.unsubs, s.conn.On(name, s.handleEvent))
	}
	s.unsubs = append(s.unsubs, s.conn.OnStateChange(s.handleState))
}

func (s *Session) handleEvent(ev models.RoomEvent) {
	if s.isEnded() {
		return
	}
	switch e := ev.(type) {
	case models.MessageReceived:
		s.receiveMessage(e)
	case models.ReactionUpdated:
		for _, r := range e.Reactions {
			s.store.ApplyReactionEvent(e.MessageID, r.ReactorID, r.Kind)
		}
	default:
		if s.ctrl.HandleEvent(ev) && s.markEnded(models.ErrKicked) {
			// Commands are refused from here on. The teardown runs off the
			// dispatch goroutine and does not tell the server we left.
			go s.teardown(context.Background(), models.ErrKicked, false)
		}
	}
}

func (s *Session) receiveMessage(e models.MessageReceived) {
	msg := models.Message{
		ID:        e.ID,
		Status:    models.MessageStatusConfirmed,
		Author:    e.Author,
		Body:      e.Body,
		CreatedAt: e.CreatedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Author.ID == s.identity.UserID {
		if localID, ok := s.acked[e.ID]; ok {
			delete(s.acked, e.ID)
			if s.store.ReplacePlaceholder(localID, msg) {
				return
			}
		} else if localID, ok := s.store.FindPlaceholder(e.Author.ID, e.Body, e.CreatedAt); ok {
			s.store.ReplacePlaceholder(localID, msg)
			return
		}
	}
	s.store.AppendMessage(msg)
}

func (s *Session) handleState(state models.ConnectionState) {
	if s.isEnded() {
		return
	}
	s.store.SetConnectionState(state)
	if state == models.ConnectionStateReconnecting {
		s.notify(models.Notice{Kind: models.NoticeReconnecting, Text: reconnectingText})
	}
}

// watch ends the session when the connection gives up on its own.
func (s *Session) watch() {
	select {
	case <-s.conn.Done():
	case <-s.done:
		return
	}
	err := s.conn.Err()
	if err == nil || s.isEnded() {
		return
	}
	s.log.Warn("connection lost for good", "error", err)
	s.notify(models.Notice{Kind: models.NoticeDisconnected, Text: disconnectedText, Blocking: true})
	s.end(err)
}

func (s *Session) notify(n models.Notice) {
	select {
	case s.notices <- n:
	default:
		s.log.Warn("notice dropped", "kind", n.Kind, "text", n.Text)
	}
}

func (s *Session) end(cause error) {
	s.endWith(context.Background(), cause)
}

func (s *Session) endWith(ctx context.Context, cause error) {
	if s.markEnded(cause) {
		s.teardown(ctx, cause, true)
	}
}

// markEnded records the end of the session and reports whether this call
// ended it. checkActive fails from this point on.
func (s *Session) markEnded(cause error) bool {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	s.err = cause
	return true
}

func (s *Session) teardown(ctx context.Context, cause error, notifyServer bool) {
	s.endMu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.endMu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if notifyServer {
		if err := s.conn.Close(ctx); err != nil {
			s.log.Debug("close connection", "error", err)
		}
	} else {
		s.conn.Abandon()
	}
	s.store.Close()
	close(s.done)

	if cause != nil {
		s.log.Info("left room", "reason", cause)
	} else {
		s.log.Info("left room")
	}
}

func (s *Session) checkActive() error {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	if !s.ended {
		return nil
	}
	if s.err != nil {
		return fmt.Errorf("%w: %w", models.ErrSessionClosed, s.err)
	}
	return models.ErrSessionClosed
}

func (s *Session) isEnded() bool {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	return s.ended
}

type invokerFunc func(ctx context.Context, command models.CommandName, args any) (models.Ack, error)

func (f invokerFunc) Invoke(ctx context.Context, command models.CommandName, args any) (models.Ack, error) {
	return f(ctx, command, args)
}
