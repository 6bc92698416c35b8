package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RoomEvent is a server-pushed event decoded at the transport boundary.
// The set of implementations is closed: MessageReceived, PresenceUpdated,
// ReactionUpdated, CannotKickCreator, Kicked and MemberKicked.
type RoomEvent interface {
	Name() EventName
	isRoomEvent()
}

type MessageReceived struct {
	ID        string
	Author    RoomMember
	Body      string
	CreatedAt time.Time
}

type PresenceUpdated struct {
	Members []RoomMember
	AdminID string
}

type ReactionUpdated struct {
	MessageID string
	Reactions []RawReaction
}

type CannotKickCreator struct {
	TargetID string
}

// Kicked is delivered only to the removed member.
type Kicked struct {
	Reason  string
	ActorID string
}

// MemberKicked is delivered to every member remaining in the room.
type MemberKicked struct {
	ActorID  string
	TargetID string
	Reason   string
}

func (MessageReceived) Name() EventName   { return EventReceiveMessage }
func (PresenceUpdated) Name() EventName   { return EventUpdateUserList }
func (ReactionUpdated) Name() EventName   { return EventReceiveReaction }
func (CannotKickCreator) Name() EventName { return EventCannotKickCreator }
func (Kicked) Name() EventName            { return EventKicked }
func (MemberKicked) Name() EventName      { return EventMemberKicked }

func (MessageReceived) isRoomEvent()   {}
func (PresenceUpdated) isRoomEvent()   {}
func (ReactionUpdated) isRoomEvent()   {}
func (CannotKickCreator) isRoomEvent() {}
func (Kicked) isRoomEvent()            {}
func (MemberKicked) isRoomEvent()      {}

// DecodeEvent turns a named wire payload into its RoomEvent.
func DecodeEvent(name EventName, data json.RawMessage) (RoomEvent, error) {
	switch name {
	case EventReceiveMessage:
		var p ReceiveMessagePayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if p.ID == "" || p.User.ID == "" {
			return nil, fmt.Errorf("decode %s: missing message or author id", name)
		}
		return MessageReceived{
			ID:        p.ID,
			Author:    p.User,
			Body:      p.Text,
			CreatedAt: time.UnixMilli(p.Timestamp),
		}, nil
	case EventUpdateUserList:
		var p UpdateUserListPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return PresenceUpdated{Members: p.Members, AdminID: p.AdminID}, nil
	case EventReceiveReaction:
		var p ReceiveReactionPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if p.MessageID == "" {
			return nil, fmt.Errorf("decode %s: missing message id", name)
		}
		return ReactionUpdated{MessageID: p.MessageID, Reactions: p.Reactions}, nil
	case EventCannotKickCreator:
		var p CannotKickCreatorPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return CannotKickCreator{TargetID: p.TargetID}, nil
	case EventKicked:
		var p KickedPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return Kicked{Reason: p.Reason, ActorID: p.ActorID}, nil
	case EventMemberKicked:
		var p MemberKickedPayload
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return MemberKicked{ActorID: p.ActorID, TargetID: p.TargetID, Reason: p.Reason}, nil
	}
	return nil, fmt.Errorf("unknown event %q", name)
}

// EncodeEvent builds the server frame carrying ev.
func EncodeEvent(ev RoomEvent) (ServerFrame, error) {
	var payload any
	switch e := ev.(type) {
	case MessageReceived:
		payload = ReceiveMessagePayload{
			ID:        e.ID,
			User:      e.Author,
			Text:      e.Body,
			Timestamp: e.CreatedAt.UnixMilli(),
		}
	case PresenceUpdated:
		payload = UpdateUserListPayload{Members: e.Members, AdminID: e.AdminID}
	case ReactionUpdated:
		payload = ReceiveReactionPayload{MessageID: e.MessageID, Reactions: e.Reactions}
	case CannotKickCreator:
		payload = CannotKickCreatorPayload{TargetID: e.TargetID}
	case Kicked:
		payload = KickedPayload{Reason: e.Reason, ActorID: e.ActorID}
	case MemberKicked:
		payload = MemberKickedPayload{ActorID: e.ActorID, TargetID: e.TargetID, Reason: e.Reason}
	default:
		return ServerFrame{}, fmt.Errorf("unsupported event %T", ev)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return ServerFrame{}, err
	}
	return ServerFrame{Type: FrameTypeEvent, Event: ev.Name(), Data: data}, nil
}

func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
