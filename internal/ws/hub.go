package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"circle/internal/content"
	"circle/internal/models"

	"github.com/google/uuid"
)

// RoomStore is the persistence the hub needs.
type RoomStore interface {
	GetRoom(id string) (models.RoomMeta, error)
	AppendMessage(record models.ChatRecord) (models.ChatRecord, error)
	HasMessage(roomID, messageID string) (bool, error)
}

// Peer is one client connection bound to a room.
type Peer interface {
	Identity() models.Identity
	RoomID() string
	// Send queues a frame without blocking. It reports false if the frame was dropped.
	Send(frame models.ServerFrame) bool
	// AllowSend reports whether the peer may post another message now.
	AllowSend() bool
}

type Config struct {
	Store   RoomStore
	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type member struct {
	identity models.Identity
	peer     Peer
}

type room struct {
	meta    models.RoomMeta
	members []*member // join order
	adminID string
}

func (r *room) find(userID string) (int, *member) {
	for i, m := range r.members {
		if m.identity.UserID == userID {
			return i, m
		}
	}
	return -1, nil
}

func (r *room) remove(i int) {
	r.members = append(r.members[:i], r.members[i+1:]...)
}

// ensureAdmin keeps the admin seat filled: the earliest-joined member takes
// over from an absent admin, and an empty room reverts to its creator.
func (r *room) ensureAdmin() {
	if len(r.members) == 0 {
		r.adminID = r.meta.CreatorID
	} else if _, m := r.find(r.adminID); m == nil {
		r.adminID = r.members[0].identity.UserID
	}
}

func (r *room) snapshot() models.PresenceUpdated {
	members := make([]models.RoomMember, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, models.RoomMember{
			ID:          m.identity.UserID,
			DisplayName: m.identity.DisplayName,
			IsAdmin:     m.identity.UserID == r.adminID,
			IsOnline:    true,
		})
	}
	return models.PresenceUpdated{Members: members, AdminID: r.adminID}
}

// Hub serializes all commands of all rooms under one lock, so every member
// observes room events in the same order.
type Hub struct {
	store   RoomStore
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub(config Config) *Hub {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Hub{
		store:   config.Store,
		metrics: config.Metrics,
		logger:  config.Logger,
		now:     config.Now,
		rooms:   make(map[string]*room),
	}
}

type rejection struct {
	code    string
	message string
}

func (r *rejection) Error() string {
	return r.code + ": " + r.message
}

func reject(code, format string, args ...any) error {
	return &rejection{code: code, message: fmt.Sprintf(format, args...)}
}

// RoomExists reports whether roomID can be joined.
func (h *Hub) RoomExists(roomID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.loadRoom(roomID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Handle executes one client command and returns its ack. Events caused by
// the command are queued to the affected peers before Handle returns.
func (h *Hub) Handle(p Peer, frame models.ClientFrame) models.ServerFrame {
	start := h.now()

	h.mu.Lock()
	result, err := h.dispatch(p, frame)
	h.mu.Unlock()

	ack := models.ServerFrame{Type: models.FrameTypeAck, ID: frame.ID}
	if err == nil && result != nil {
		ack.Result, err = json.Marshal(result)
	}

	var code string
	if err != nil {
		var rej *rejection
		if !errors.As(err, &rej) {
			h.logger.Error("command failed", "command", frame.Command, "room", p.RoomID(), "error", err)
			rej = &rejection{code: models.CodeInternal, message: "internal error"}
		}
		code = rej.code
		ack.Result = nil
		ack.Error = &models.AckError{Code: rej.code, Message: rej.message}
	}
	h.metrics.command(frame.Command, code, h.now().Sub(start))
	return ack
}

func (h *Hub) dispatch(p Peer, frame models.ClientFrame) (any, error) {
	switch frame.Command {
	case models.CommandJoinRoom:
		var args models.JoinRoomArgs
		if err := decodeArgs(frame, &args); err != nil {
			return nil, err
		}
		return nil, h.join(p, args)
	case models.CommandLeaveRoom:
		var args models.LeaveRoomArgs
		if err := decodeArgs(frame, &args); err != nil {
			return nil, err
		}
		return nil, h.leave(p, args)
	case models.CommandSendMessage:
		var args models.SendMessageArgs
		if err := decodeArgs(frame, &args); err != nil {
			return nil, err
		}
		return h.sendMessage(p, args)
	case models.CommandSendReaction:
		var args models.SendReactionArgs
		if err := decodeArgs(frame, &args); err != nil {
			return nil, err
		}
		return nil, h.sendReaction(p, args)
	case models.CommandPromoteToAdmin:
		var args models.PromoteToAdminArgs
		if err := decodeArgs(frame, &args); err != nil {
			return nil, err
		}
		return nil, h.promote(p, args)
	case models.CommandKickUser:
		var args models.KickUserArgs
		if err := decodeArgs(frame, &args); err != nil {
			return nil, err
		}
		return nil, h.kick(p, args)
	}
	return nil, reject(models.CodeBadRequest, "unknown command %q", frame.Command)
}

func decodeArgs(frame models.ClientFrame, v any) error {
	if len(frame.Args) == 0 {
		return reject(models.CodeBadRequest, "missing arguments")
	}
	if err := json.Unmarshal(frame.Args, v); err != nil {
		return reject(models.CodeBadRequest, "malformed arguments: %v", err)
	}
	return nil
}

// Disconnect removes the peer from its room, if it is still the live
// connection of its user there.
func (h *Hub) Disconnect(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[p.RoomID()]
	if !ok {
		return
	}
	i, m := r.find(p.Identity().UserID)
	if m == nil || m.peer != p {
		return
	}
	r.remove(i)
	r.ensureAdmin()
	h.broadcast(r, r.snapshot())
	h.metrics.roomMembers(r.meta.ID, len(r.members))
}

func (h *Hub) loadRoom(roomID string) (*room, error) {
	if r, ok := h.rooms[roomID]; ok {
		return r, nil
	}
	meta, err := h.store.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	r := &room{meta: meta, adminID: meta.CreatorID}
	h.rooms[roomID] = r
	return r, nil
}

// memberRoom returns the room of p after checking that roomID names it and
// that p has joined it.
func (h *Hub) memberRoom(p Peer, roomID string) (*room, *member, error) {
	if roomID != p.RoomID() {
		return nil, nil, reject(models.CodeBadRequest, "connection is bound to room %s", p.RoomID())
	}
	r, ok := h.rooms[roomID]
	if !ok {
		return nil, nil, reject(models.CodeNotMember, "not a member of room %s", roomID)
	}
	_, m := r.find(p.Identity().UserID)
	if m == nil || m.peer != p {
		return nil, nil, reject(models.CodeNotMember, "not a member of room %s", roomID)
	}
	return r, m, nil
}

func (h *Hub) join(p Peer, args models.JoinRoomArgs) error {
	if args.RoomID != p.RoomID() {
		return reject(models.CodeBadRequest, "connection is bound to room %s", p.RoomID())
	}
	identity := p.Identity()
	if args.UserID != identity.UserID {
		return reject(models.CodeUnauthorized, "cannot join as another user")
	}

	r, err := h.loadRoom(args.RoomID)
	if errors.Is(err, models.ErrNotFound) {
		return reject(models.CodeNotFound, "room %s does not exist", args.RoomID)
	}
	if err != nil {
		return err
	}

	if _, m := r.find(identity.UserID); m != nil {
		// A reconnect can race the teardown of the previous connection.
		m.peer = p
		m.identity = identity
	} else {
		if r.meta.Capacity > 0 && len(r.members) >= r.meta.Capacity {
			return reject(models.CodeRoomFull, "room %s is full", r.meta.ID)
		}
		r.members = append(r.members, &member{identity: identity, peer: p})
	}
	r.ensureAdmin()

	h.logger.Info("member joined", "room", r.meta.ID, "user", identity.UserID, "members", len(r.members))
	h.broadcast(r, r.snapshot())
	h.metrics.roomMembers(r.meta.ID, len(r.members))
	return nil
}

func (h *Hub) leave(p Peer, args models.LeaveRoomArgs) error {
	if args.RoomID != p.RoomID() {
		return reject(models.CodeBadRequest, "connection is bound to room %s", p.RoomID())
	}
	r, ok := h.rooms[args.RoomID]
	if !ok {
		return nil
	}
	i, m := r.find(p.Identity().UserID)
	if m == nil || m.peer != p {
		return nil
	}
	r.remove(i)
	r.ensureAdmin()

	h.logger.Info("member left", "room", r.meta.ID, "user", m.identity.UserID)
	h.broadcast(r, r.snapshot())
	h.metrics.roomMembers(r.meta.ID, len(r.members))
	return nil
}

func (h *Hub) sendMessage(p Peer, args models.SendMessageArgs) (any, error) {
	r, m, err := h.memberRoom(p, args.RoomID)
	if err != nil {
		return nil, err
	}
	if args.UserID != m.identity.UserID {
		return nil, reject(models.CodeUnauthorized, "cannot post as another user")
	}
	if !p.AllowSend() {
		return nil, reject(models.CodeRateLimited, "sending too fast")
	}
	text, err := content.NormalizeBody(args.Text)
	if err != nil {
		return nil, reject(models.CodeBadRequest, "%v", err)
	}

	now := h.now()
	record, err := h.store.AppendMessage(models.ChatRecord{
		ID:        uuid.NewString(),
		RoomID:    r.meta.ID,
		Author:    models.RoomMember{ID: m.identity.UserID, DisplayName: m.identity.DisplayName},
		Text:      text,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	h.broadcast(r, models.MessageReceived{
		ID:        record.ID,
		Author:    record.Author,
		Body:      record.Text,
		CreatedAt: time.UnixMilli(record.Timestamp),
	})
	return models.SendMessageResult{MessageID: record.ID}, nil
}

func (h *Hub) sendReaction(p Peer, args models.SendReactionArgs) error {
	r, m, err := h.memberRoom(p, args.RoomID)
	if err != nil {
		return err
	}
	if args.UserID != m.identity.UserID {
		return reject(models.CodeUnauthorized, "cannot react as another user")
	}
	kind, err := content.NormalizeKind(args.Kind)
	if err != nil {
		return reject(models.CodeBadRequest, "%v", err)
	}
	found, err := h.store.HasMessage(r.meta.ID, args.MessageID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}
	if !found {
		return reject(models.CodeNotFound, "message %s not found", args.MessageID)
	}

	h.broadcast(r, models.ReactionUpdated{
		MessageID: args.MessageID,
		Reactions: []models.RawReaction{{ReactorID: m.identity.UserID, Kind: kind}},
	})
	return nil
}

func (h *Hub) promote(p Peer, args models.PromoteToAdminArgs) error {
	r, m, err := h.memberRoom(p, args.RoomID)
	if err != nil {
		return err
	}
	if args.TargetUserID == m.identity.UserID {
		return reject(models.CodeInvalidTarget, "cannot promote yourself")
	}
	if r.adminID != m.identity.UserID {
		return reject(models.CodeUnauthorized, "only the room admin can promote")
	}
	if _, target := r.find(args.TargetUserID); target == nil {
		return reject(models.CodeNotMember, "%s is not in the room", args.TargetUserID)
	}

	r.adminID = args.TargetUserID
	h.logger.Info("admin promoted", "room", r.meta.ID, "actor", m.identity.UserID, "target", args.TargetUserID)
	h.broadcast(r, r.snapshot())
	return nil
}

func (h *Hub) kick(p Peer, args models.KickUserArgs) error {
	r, m, err := h.memberRoom(p, args.RoomID)
	if err != nil {
		return err
	}
	if args.TargetUserID == r.meta.CreatorID {
		h.push(p, models.CannotKickCreator{TargetID: args.TargetUserID})
		return reject(models.CodeCannotKickCreator, "the room creator cannot be kicked")
	}
	if args.TargetUserID == m.identity.UserID {
		return reject(models.CodeInvalidTarget, "cannot kick yourself")
	}
	if r.adminID != m.identity.UserID {
		return reject(models.CodeUnauthorized, "only the room admin can kick")
	}
	i, target := r.find(args.TargetUserID)
	if target == nil {
		return reject(models.CodeNotMember, "%s is not in the room", args.TargetUserID)
	}

	reason := content.NormalizeReason(args.Reason)
	r.remove(i)
	r.ensureAdmin()

	h.logger.Info("member kicked", "room", r.meta.ID, "actor", m.identity.UserID, "target", target.identity.UserID)
	h.push(target.peer, models.Kicked{Reason: reason, ActorID: m.identity.UserID})
	h.broadcast(r, models.MemberKicked{ActorID: m.identity.UserID, TargetID: target.identity.UserID, Reason: reason})
	h.broadcast(r, r.snapshot())
	h.metrics.roomMembers(r.meta.ID, len(r.members))
	return nil
}

func (h *Hub) broadcast(r *room, ev models.RoomEvent) {
	frame, err := models.EncodeEvent(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "event", ev.Name(), "error", err)
		return
	}
	for _, m := range r.members {
		h.deliver(m.peer, frame)
	}
}

func (h *Hub) push(p Peer, ev models.RoomEvent) {
	frame, err := models.EncodeEvent(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "event", ev.Name(), "error", err)
		return
	}
	h.deliver(p, frame)
}

func (h *Hub) deliver(p Peer, frame models.ServerFrame) {
	if !p.Send(frame) {
		h.logger.Warn("dropped frame for slow client", "room", p.RoomID(), "user", p.Identity().UserID, "event", frame.Event)
		h.metrics.frameDropped()
		return
	}
	h.metrics.eventPushed(frame.Event)
}
