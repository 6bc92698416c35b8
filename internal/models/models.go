package models

import "time"

// Identity is the already-validated local user the engine runs as.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// RoomMember represents a user present in a room presence snapshot.
type RoomMember struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	IsAdmin     bool   `json:"isAdmin"`
	IsOnline    bool   `json:"isOnline"`
}

// RoomMeta is the room metadata served by the history collaborator.
type RoomMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	Capacity  int    `json:"capacity"`
	CreatorID string `json:"creatorId"`
}

type MessageStatus string

const (
	// MessageStatusPending marks a local placeholder waiting for the server echo.
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusConfirmed marks a message carrying a durable server id.
	MessageStatusConfirmed MessageStatus = "confirmed"
	// MessageStatusFailed marks a placeholder whose send was rejected.
	MessageStatusFailed MessageStatus = "failed"
)

// Message is a single entry of a room message log.
// ID holds the local placeholder id while Status is pending or failed and
// the server id once confirmed.
type Message struct {
	ID        string            `json:"id"`
	Status    MessageStatus     `json:"status"`
	Author    RoomMember        `json:"author"`
	Body      string            `json:"body"`
	CreatedAt time.Time         `json:"createdAt"`
	Reactions []ReactionSummary `json:"reactions"`
	IsSystem  bool              `json:"isSystem"`
}

func (m Message) IsPending() bool {
	return m.Status == MessageStatusPending || m.Status == MessageStatusFailed
}

// ReactionSummary is the grouped view of one reaction kind on a message.
type ReactionSummary struct {
	Kind               string `json:"kind"`
	Count              int    `json:"count"`
	ReactedByLocalUser bool   `json:"reactedByLocalUser"`
}

// RawReaction is a single (reactor, kind) toggle.
type RawReaction struct {
	ReactorID string `json:"reactorId"`
	Kind      string `json:"kind"`
}

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

type ModerationAction string

const (
	ModerationPromote ModerationAction = "promote"
	ModerationKick    ModerationAction = "kick"
)

// ModerationIntent lives only for the duration of one promote or kick request.
type ModerationIntent struct {
	Action         ModerationAction
	TargetMemberID string
	Reason         string
}

type ModerationEffect string

const (
	EffectPromoted ModerationEffect = "promoted"
	EffectKicked   ModerationEffect = "kicked"
)

// KickReasonOther is the catch-all reason rendered with a generic notice.
const KickReasonOther = "Other"

// KickReasons lists the reasons offered to a moderator.
var KickReasons = []string{
	"Spamming messages",
	"Harassment",
	"Inappropriate content",
	"Off-topic",
	KickReasonOther,
}

type NoticeKind string

const (
	NoticeKicked            NoticeKind = "kicked"
	NoticeCannotKickCreator NoticeKind = "cannot-kick-creator"
	NoticePromoted          NoticeKind = "promoted"
	NoticeReconnecting      NoticeKind = "reconnecting"
	NoticeDisconnected      NoticeKind = "disconnected"
)

// Notice is a user-facing message raised by the engine.
// Blocking notices must be acknowledged before the view goes away.
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	Text     string     `json:"text"`
	Blocking bool       `json:"blocking"`
}

// ChatRecord is a message as persisted by the server.
type ChatRecord struct {
	Seq       int64
	ID        string
	RoomID    string
	Author    RoomMember
	Text      string
	Timestamp int64 // Unix milliseconds
}

// Payload converts the record to its wire form.
func (r ChatRecord) Payload() ReceiveMessagePayload {
	return ReceiveMessagePayload{
		ID:        r.ID,
		User:      RoomMember{ID: r.Author.ID, DisplayName: r.Author.DisplayName, AvatarRef: r.Author.AvatarRef},
		Text:      r.Text,
		Timestamp: r.Timestamp,
	}
}
