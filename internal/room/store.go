package room

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"circle/internal/models"
	"circle/internal/reactions"
)

// DefaultPlaceholderWindow bounds the timestamp drift allowed between a
// local placeholder and the server echo that confirms it.
const DefaultPlaceholderWindow = 30 * time.Second

type ChangeKind string

const (
	ChangeMessages   ChangeKind = "messages"
	ChangeReactions  ChangeKind = "reactions"
	ChangeMembers    ChangeKind = "members"
	ChangeConnection ChangeKind = "connection"
	ChangeClosed     ChangeKind = "closed"
)

// Change tells subscribers which part of the store moved.
// Subscribers re-read the store; changes carry no state.
type Change struct {
	Kind      ChangeKind
	MessageID string
}

type Config struct {
	LocalUserID       string
	Meta              models.RoomMeta
	PlaceholderWindow time.Duration
	Logger            *slog.Logger
}

// Store is the client-side snapshot of one room. All mutations are
// synchronous, serialized by mux, and never fail: input that does not fit
// the current state is logged and dropped.
type Store struct {
	localUserID string
	meta        models.RoomMeta
	window      time.Duration
	log         *slog.Logger

	messages  []*models.Message
	byID      map[string]*models.Message
	reactions map[string]*reactions.Set
	members   []models.RoomMember
	adminID   string
	connState models.ConnectionState
	closed    bool

	subs    map[int]chan Change
	nextSub int

	mux sync.RWMutex
}

func New(config Config) *Store {
	window := config.PlaceholderWindow
	if window <= 0 {
		window = DefaultPlaceholderWindow
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		localUserID: config.LocalUserID,
		meta:        config.Meta,
		window:      window,
		log:         logger.With("room_id", config.Meta.ID),
		byID:        make(map[string]*models.Message),
		reactions:   make(map[string]*reactions.Set),
		connState:   models.ConnectionStateDisconnected,
		subs:        make(map[int]chan Change),
	}
}

// AppendMessage inserts msg by CreatedAt, after any message with an equal
// timestamp. Messages already in the log are never moved. A message whose id
// is already known is ignored.
func (s *Store) AppendMessage(msg models.Message) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		s.log.Debug("append on closed store ignored", "message_id", msg.ID)
		return false
	}
	if msg.ID == "" {
		s.log.Warn("append without message id ignored")
		return false
	}
	if _, ok := s.byID[msg.ID]; ok {
		return false
	}
	if msg.Status == "" {
		msg.Status = models.MessageStatusConfirmed
	}

	m := msg
	m.Reactions = nil
	if set, ok := s.reactions[m.ID]; ok {
		m.Reactions = set.Summarize(s.localUserID)
	}

	i := len(s.messages)
	for i > 0 && s.messages[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	s.messages = slices.Insert(s.messages, i, &m)
	s.byID[m.ID] = &m

	s.notify(Change{Kind: ChangeMessages, MessageID: m.ID})
	return true
}

// ReplacePlaceholder swaps the placeholder localID for its confirmed
// counterpart in place. If the confirmed message is already in the log the
// placeholder is dropped instead.
func (s *Store) ReplacePlaceholder(localID string, serverMsg models.Message) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return false
	}
	placeholder, ok := s.byID[localID]
	if !ok || !placeholder.IsPending() {
		s.log.Warn("placeholder not found", "local_id", localID, "message_id", serverMsg.ID)
		return false
	}

	if _, exists := s.byID[serverMsg.ID]; exists {
		s.removeLocked(localID)
		s.notify(Change{Kind: ChangeMessages, MessageID: serverMsg.ID})
		return true
	}

	delete(s.byID, localID)
	placeholder.ID = serverMsg.ID
	placeholder.Status = models.MessageStatusConfirmed
	placeholder.Author = serverMsg.Author
	placeholder.Body = serverMsg.Body
	placeholder.CreatedAt = serverMsg.CreatedAt
	placeholder.Reactions = nil
	if set, ok := s.reactions[serverMsg.ID]; ok {
		placeholder.Reactions = set.Summarize(s.localUserID)
	}
	s.byID[serverMsg.ID] = placeholder

	s.notify(Change{Kind: ChangeMessages, MessageID: serverMsg.ID})
	return true
}

// FindPlaceholder returns the oldest unconfirmed message by authorID with the
// same body whose timestamp lies within the placeholder window of at.
func (s *Store) FindPlaceholder(authorID, body string, at time.Time) (string, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	for _, m := range s.messages {
		if !m.IsPending() || m.Author.ID != authorID || m.Body != body {
			continue
		}
		drift := at.Sub(m.CreatedAt)
		if drift < 0 {
			drift = -drift
		}
		if drift <= s.window {
			return m.ID, true
		}
	}
	return "", false
}

// SetMessageStatus moves a placeholder between pending and failed.
func (s *Store) SetMessageStatus(localID string, status models.MessageStatus) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return false
	}
	m, ok := s.byID[localID]
	if !ok || !m.IsPending() || status == models.MessageStatusConfirmed {
		s.log.Warn("status change ignored", "local_id", localID, "status", status)
		return false
	}
	m.Status = status
	s.notify(Change{Kind: ChangeMessages, MessageID: localID})
	return true
}

// ApplyReactionEvent toggles (reactorID, kind) on messageID and recomputes the
// message summaries from the full raw set.
func (s *Store) ApplyReactionEvent(messageID, reactorID, kind string) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return false
	}
	m, ok := s.byID[messageID]
	if !ok || m.IsPending() {
		s.log.Warn("reaction for unknown message ignored", "message_id", messageID, "reactor_id", reactorID)
		return false
	}

	set, ok := s.reactions[messageID]
	if !ok {
		set = &reactions.Set{}
		s.reactions[messageID] = set
	}
	set.Toggle(reactorID, kind)
	m.Reactions = set.Summarize(s.localUserID)

	s.notify(Change{Kind: ChangeReactions, MessageID: messageID})
	return true
}

// ApplyPresenceSnapshot replaces the member list wholesale. IsAdmin is
// derived from adminID, never from the flags the snapshot carries.
func (s *Store) ApplyPresenceSnapshot(members []models.RoomMember, adminID string) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return
	}
	next := make([]models.RoomMember, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.IsAdmin = m.ID == adminID
		next = append(next, m)
	}
	s.members = next
	s.adminID = adminID

	s.notify(Change{Kind: ChangeMembers})
}

// ApplyModerationEffect applies a server-confirmed promotion or removal.
// Removal of the local user closes the store.
func (s *Store) ApplyModerationEffect(effect models.ModerationEffect, targetID string) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return
	}
	switch effect {
	case models.EffectPromoted:
		s.adminID = targetID
		for i := range s.members {
			s.members[i].IsAdmin = s.members[i].ID == targetID
		}
		s.notify(Change{Kind: ChangeMembers})
	case models.EffectKicked:
		s.members = slices.DeleteFunc(s.members, func(m models.RoomMember) bool {
			return m.ID == targetID
		})
		s.notify(Change{Kind: ChangeMembers})
		if targetID == s.localUserID {
			s.closeLocked()
		}
	default:
		s.log.Warn("unknown moderation effect ignored", "effect", effect, "target_id", targetID)
	}
}

func (s *Store) SetConnectionState(state models.ConnectionState) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed || s.connState == state {
		return
	}
	s.connState = state
	s.notify(Change{Kind: ChangeConnection})
}

// Close discards the session state. Further mutations are no-ops.
func (s *Store) Close() {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return
	}
	s.closeLocked()
}

func (s *Store) closeLocked() {
	s.notify(Change{Kind: ChangeClosed})
	s.closed = true
	s.connState = models.ConnectionStateDisconnected
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Store) removeLocked(id string) {
	delete(s.byID, id)
	s.messages = slices.DeleteFunc(s.messages, func(m *models.Message) bool {
		return m.ID == id
	})
}

// Subscribe returns a channel of change notifications. Notifications are
// dropped for a subscriber that falls behind; the channel is closed when the
// store closes or cancel is called.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.mux.Lock()
	defer s.mux.Unlock()

	ch := make(chan Change, 64)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.mux.Lock()
		defer s.mux.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *Store) notify(change Change) {
	for _, ch := range s.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
