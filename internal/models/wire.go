package models

import "encoding/json"

type CommandName string

const (
	CommandJoinRoom       CommandName = "JoinRoom"
	CommandLeaveRoom      CommandName = "LeaveRoom"
	CommandSendMessage    CommandName = "SendMessage"
	CommandSendReaction   CommandName = "SendReaction"
	CommandPromoteToAdmin CommandName = "PromoteToAdmin"
	CommandKickUser       CommandName = "KickUser"
)

type JoinRoomArgs struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type LeaveRoomArgs struct {
	RoomID string `json:"roomId"`
}

type SendMessageArgs struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
	RoomID string `json:"roomId"`
}

type SendReactionArgs struct {
	MessageID string `json:"messageId"`
	Kind      string `json:"kind"`
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId"`
}

type PromoteToAdminArgs struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
}

type KickUserArgs struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
	Reason       string `json:"reason"`
}

// SendMessageResult is the ack payload of SendMessage.
type SendMessageResult struct {
	MessageID string `json:"messageId"`
}

type FrameType string

const (
	FrameTypeAck   FrameType = "ack"
	FrameTypeEvent FrameType = "event"
)

// ClientFrame is a command invocation sent from the client to the server.
type ClientFrame struct {
	ID      uint64          `json:"id"`
	Command CommandName     `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// ServerFrame is either an ack for a client invocation or a pushed event.
type ServerFrame struct {
	Type   FrameType       `json:"type"`
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *AckError       `json:"error,omitempty"`
	Event  EventName       `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Ack is the resolved outcome of a successful invocation.
type Ack struct {
	ID     uint64
	Result json.RawMessage
}

// Decode unmarshals the ack result into v. An empty result is not an error.
func (a Ack) Decode(v any) error {
	if len(a.Result) == 0 {
		return nil
	}
	return json.Unmarshal(a.Result, v)
}

type EventName string

const (
	EventReceiveMessage    EventName = "ReceiveMessage"
	EventUpdateUserList    EventName = "UpdateUserList"
	EventReceiveReaction   EventName = "ReceiveReaction"
	EventCannotKickCreator EventName = "CannotKickCreator"
	EventKicked            EventName = "Kicked"
	EventMemberKicked      EventName = "MemberKicked"
)

type ReceiveMessagePayload struct {
	ID        string     `json:"id"`
	User      RoomMember `json:"user"`
	Text      string     `json:"text"`
	Timestamp int64      `json:"timestamp"` // Unix milliseconds
}

type UpdateUserListPayload struct {
	Members []RoomMember `json:"members"`
	AdminID string       `json:"adminId"`
}

type ReceiveReactionPayload struct {
	MessageID string        `json:"messageId"`
	Reactions []RawReaction `json:"reactions"`
}

type CannotKickCreatorPayload struct {
	TargetID string `json:"targetId,omitempty"`
}

type KickedPayload struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actorId,omitempty"`
}

type MemberKickedPayload struct {
	ActorID  string `json:"actorId"`
	TargetID string `json:"targetId"`
	Reason   string `json:"reason"`
}
