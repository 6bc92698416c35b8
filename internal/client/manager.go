// Package client owns the push-channel connection of one room membership:
// it connects, joins, routes pushed events, and reconnects with rejoin when
// the transport drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"circle/internal/models"
)

const (
	defaultJoinTimeout  = 10 * time.Second
	defaultLeaveTimeout = 2 * time.Second
)

var errAlreadyOpened = errors.New("connection manager already opened")

type Config struct {
	Dialer       Dialer
	Backoff      Backoff
	JoinTimeout  time.Duration
	LeaveTimeout time.Duration
	Logger       *slog.Logger
}

type pendingCall struct {
	command models.CommandName
	ch      chan callResult
}

type callResult struct {
	ack models.Ack
	err error
}

// Manager is single-use: one Open, one Close.
type Manager struct {
	dialer       Dialer
	backoff      Backoff
	joinTimeout  time.Duration
	leaveTimeout time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	state    models.ConnectionState
	conn     Conn
	gen      uint64
	roomID   string
	userID   string
	pending  map[uint64]pendingCall
	opened   bool
	closing  bool
	terminal error
	// attempts counts reconnect attempts since the last successful rejoin.
	attempts int

	writeMu sync.Mutex
	nextID  atomic.Uint64

	handlersMu    sync.Mutex
	handlers      map[models.EventName]map[int]func(models.RoomEvent)
	stateHandlers map[int]func(models.ConnectionState)
	nextHandler   int

	queue  *eventQueue
	life   context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(config Config) *Manager {
	backoff := config.Backoff
	if backoff.MaxAttempts == 0 && backoff.BaseDelay == 0 {
		backoff = DefaultBackoff()
	}
	joinTimeout := config.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	leaveTimeout := config.LeaveTimeout
	if leaveTimeout <= 0 {
		leaveTimeout = defaultLeaveTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	life, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:        config.Dialer,
		backoff:       backoff,
		joinTimeout:   joinTimeout,
		leaveTimeout:  leaveTimeout,
		log:           logger,
		state:         models.ConnectionStateDisconnected,
		pending:       make(map[uint64]pendingCall),
		handlers:      make(map[models.EventName]map[int]func(models.RoomEvent)),
		stateHandlers: make(map[int]func(models.ConnectionState)),
		queue:         newEventQueue(),
		life:          life,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Open connects to roomID and joins it as userID. A dial failure leaves the
// manager terminally Disconnected with ErrTransportUnavailable.
func (m *Manager) Open(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	if m.opened {
		m.mu.Unlock()
		return errAlreadyOpened
	}
	m.opened = true
	m.roomID = roomID
	m.userID = userID
	m.log = m.log.With("room_id", roomID, "user_id", userID)
	m.setStateLocked(models.ConnectionStateConnecting)
	m.mu.Unlock()

	go m.dispatchLoop()

	conn, err := m.dialer.Dial(ctx, roomID)
	if err != nil {
		err = fmt.Errorf("%w: %v", models.ErrTransportUnavailable, err)
		m.finish(err)
		return err
	}

	if _, ok := m.attach(conn); !ok {
		_ = conn.Close()
		return models.ErrSessionClosed
	}
	if err := m.join(ctx); err != nil {
		m.finish(err)
		return err
	}
	return nil
}

// Close leaves the room best-effort and tears the connection down.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	connected := m.state == models.ConnectionStateConnected
	roomID := m.roomID
	m.mu.Unlock()

	if connected {
		leaveCtx, cancel := context.WithTimeout(ctx, m.leaveTimeout)
		if _, err := m.Invoke(leaveCtx, models.CommandLeaveRoom, models.LeaveRoomArgs{RoomID: roomID}); err != nil {
			m.log.Debug("leave notification failed", "error", err)
		}
		cancel()
	}

	m.finish(nil)
	return nil
}

// Abandon tears the connection down without sending LeaveRoom, for a
// membership the server has already ended.
func (m *Manager) Abandon() {
	m.finish(nil)
}

// Invoke sends a command and waits for its ack. It fails fast with
// ErrNotConnected unless the manager is Connected; nothing is queued.
func (m *Manager) Invoke(ctx context.Context, command models.CommandName, args any) (models.Ack, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return models.Ack{}, fmt.Errorf("%s: %w: %v", command, models.ErrInvokeFailed, err)
	}

	m.mu.Lock()
	if m.state != models.ConnectionStateConnected || m.conn == nil {
		m.mu.Unlock()
		return models.Ack{}, fmt.Errorf("%s: %w", command, models.ErrNotConnected)
	}
	id := m.nextID.Add(1)
	ch := make(chan callResult, 1)
	m.pending[id] = pendingCall{command: command, ch: ch}
	conn := m.conn
	m.mu.Unlock()

	m.writeMu.Lock()
	err = conn.WriteJSON(models.ClientFrame{ID: id, Command: command, Args: data})
	m.writeMu.Unlock()
	if err != nil {
		m.dropPending(id)
		return models.Ack{}, fmt.Errorf("%s: %w: %v", command, models.ErrTransportUnavailable, err)
	}

	select {
	case r := <-ch:
		return r.ack, r.err
	case <-ctx.Done():
		m.dropPending(id)
		return models.Ack{}, fmt.Errorf("%s: %w: %v", command, models.ErrInvokeFailed, ctx.Err())
	}
}

// On registers handler for a pushed event. Handlers run one at a time on the
// dispatch goroutine, in arrival order.
func (m *Manager) On(name models.EventName, handler func(models.RoomEvent)) func() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	id := m.nextHandler
	m.nextHandler++
	if m.handlers[name] == nil {
		m.handlers[name] = make(map[int]func(models.RoomEvent))
	}
	m.handlers[name][id] = handler

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		delete(m.handlers[name], id)
	}
}

// OnStateChange registers handler for state transitions, delivered on the
// dispatch goroutine in order with events.
func (m *Manager) OnStateChange(handler func(models.ConnectionState)) func() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	id := m.nextHandler
	m.nextHandler++
	m.stateHandlers[id] = handler

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		delete(m.stateHandlers, id)
	}
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done is closed once the manager is terminally Disconnected.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the terminal error, nil after an explicit Close.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

func (m *Manager) join(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.joinTimeout)
	defer cancel()

	_, err := m.Invoke(ctx, models.CommandJoinRoom, models.JoinRoomArgs{RoomID: m.roomID, UserID: m.userID})
	return err
}

func (m *Manager) attach(conn Conn) (uint64, bool) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return 0, false
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.setStateLocked(models.ConnectionStateConnected)
	m.mu.Unlock()

	go m.readLoop(gen, conn)
	return gen, true
}

// detach drops the connection of generation gen and reports whether it was
// still current.
func (m *Manager) detach(gen uint64, cause error) bool {
	m.mu.Lock()
	if gen != m.gen || m.closing {
		m.mu.Unlock()
		return false
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	m.failPendingLocked(fmt.Errorf("%w: %v", models.ErrTransportUnavailable, cause))
	m.setStateLocked(models.ConnectionStateReconnecting)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return true
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		var frame models.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if m.detach(gen, err) {
				m.log.Warn("connection lost", "error", err)
				m.reconnect()
			}
			return
		}

		switch frame.Type {
		case models.FrameTypeAck:
			m.resolve(frame)
		case models.FrameTypeEvent:
			ev, err := models.DecodeEvent(frame.Event, frame.Data)
			if err != nil {
				m.log.Warn("dropping malformed event", "event", frame.Event, "error", err)
				continue
			}
			m.queue.push(queueItem{event: ev})
		default:
			m.log.Warn("dropping unknown frame", "type", frame.Type)
		}
	}
}

// reconnect retries with backoff until a rejoin succeeds. A connection that
// drops during its rejoin hands the retry to its reader, which resumes from
// the shared attempt count.
func (m *Manager) reconnect() {
	for {
		attempt, ok := m.nextAttempt()
		if !ok {
			break
		}
		delay := m.backoff.Delay(attempt)
		m.log.Info("reconnecting", "attempt", attempt+1, "max_attempts", m.backoff.MaxAttempts, "delay", delay)

		select {
		case <-time.After(delay):
		case <-m.life.Done():
			return
		}

		dialCtx, cancel := context.WithTimeout(m.life, m.joinTimeout)
		conn, err := m.dialer.Dial(dialCtx, m.roomID)
		cancel()
		if err != nil {
			m.log.Warn("reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		gen, ok := m.attach(conn)
		if !ok {
			_ = conn.Close()
			return
		}

		// Rejoin so that the server sees us present again.
		if err := m.join(m.life); err != nil {
			var cmdErr *models.CommandError
			if errors.As(err, &cmdErr) {
				m.finish(err)
				return
			}
			if !m.detach(gen, err) {
				// The new connection already dropped and its reader owns the retry.
				return
			}
			m.log.Warn("rejoin failed", "attempt", attempt+1, "error", err)
			continue
		}

		m.mu.Lock()
		m.attempts = 0
		m.mu.Unlock()
		m.log.Info("reconnected", "attempt", attempt+1)
		return
	}

	m.finish(fmt.Errorf("%w: gave up after %d reconnect attempts", models.ErrTransportUnavailable, m.backoff.MaxAttempts))
}

func (m *Manager) nextAttempt() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts >= m.backoff.MaxAttempts {
		return 0, false
	}
	attempt := m.attempts
	m.attempts++
	return attempt, true
}

// finish moves the manager to its terminal Disconnected state.
func (m *Manager) finish(cause error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	m.terminal = cause
	m.gen++
	conn := m.conn
	m.conn = nil
	pendingErr := cause
	if pendingErr == nil {
		pendingErr = models.ErrSessionClosed
	}
	m.failPendingLocked(pendingErr)
	m.setStateLocked(models.ConnectionStateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cause != nil {
		m.log.Warn("connection closed", "error", cause)
	}
	m.cancel()
	m.queue.close()
	close(m.done)
}

func (m *Manager) resolve(frame models.ServerFrame) {
	m.mu.Lock()
	call, ok := m.pending[frame.ID]
	delete(m.pending, frame.ID)
	m.mu.Unlock()

	if !ok {
		// Abandoned by its caller.
		return
	}
	if frame.Error != nil {
		call.ch <- callResult{err: &models.CommandError{
			Command: call.command,
			Code:    frame.Error.Code,
			Message: frame.Error.Message,
		}}
		return
	}
	call.ch <- callResult{ack: models.Ack{ID: frame.ID, Result: frame.Result}}
}

func (m *Manager) dropPending(id uint64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Manager) failPendingLocked(err error) {
	for id, call := range m.pending {
		call.ch <- callResult{err: fmt.Errorf("%s: %w", call.command, err)}
		delete(m.pending, id)
	}
}

func (m *Manager) setStateLocked(state models.ConnectionState) {
	if m.state == state {
		return
	}
	m.state = state
	m.queue.push(queueItem{state: state})
}

func (m *Manager) dispatchLoop() {
	for {
		items, ok := m.queue.pop()
		if !ok {
			return
		}
		for _, item := range items {
			m.deliver(item)
		}
	}
}

func (m *Manager) deliver(item queueItem) {
	m.handlersMu.Lock()
	var eventHandlers []func(models.RoomEvent)
	var stateHandlers []func(models.ConnectionState)
	if item.event != nil {
		for _, h := range m.handlers[item.event.Name()] {
			eventHandlers = append(eventHandlers, h)
		}
	} else {
		for _, h := range m.stateHandlers {
			stateHandlers = append(stateHandlers, h)
		}
	}
	m.handlersMu.Unlock()

	for _, h := range eventHandlers {
		h(item.event)
	}
	for _, h := range stateHandlers {
		h(item.state)
	}
}
