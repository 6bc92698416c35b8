// Package moderation validates promote and kick intents, dispatches them to
// the server and applies the confirmed effects to the room store.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"circle/internal/models"

	"github.com/google/uuid"
)

const (
	SystemAuthorID = "system"

	genericKickedText = "You have been removed from the room by the moderator."
	cannotKickText    = "The room creator cannot be removed from the room."
)

type Invoker interface {
	Invoke(ctx context.Context, command models.CommandName, args any) (models.Ack, error)
}

// Store is the part of the room store the controller reads and mutates.
type Store interface {
	LocalUserID() string
	Meta() models.RoomMeta
	AdminID() string
	IsLocalAdmin() bool
	Member(id string) (models.RoomMember, bool)
	AppendMessage(msg models.Message) bool
	ApplyPresenceSnapshot(members []models.RoomMember, adminID string)
	ApplyModerationEffect(effect models.ModerationEffect, targetID string)
}

type Config struct {
	RoomID  string
	Store   Store
	Invoker Invoker
	// Notify receives user-facing notices. It must not block.
	Notify func(models.Notice)
	Logger *slog.Logger
	Now    func() time.Time
}

type Controller struct {
	roomID  string
	store   Store
	invoker Invoker
	notify  func(models.Notice)
	log     *slog.Logger
	now     func() time.Time
}

func New(config Config) *Controller {
	c := &Controller{
		roomID:  config.RoomID,
		store:   config.Store,
		invoker: config.Invoker,
		notify:  config.Notify,
		log:     config.Logger,
		now:     config.Now,
	}
	if c.notify == nil {
		c.notify = func(models.Notice) {}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Validate applies the client-side authorization rules to intent. The server
// checks the same rules again.
func (c *Controller) Validate(intent models.ModerationIntent) error {
	target := intent.TargetMemberID
	if target == "" {
		return fmt.Errorf("%s: empty target: %w", intent.Action, models.ErrNotFound)
	}
	// Creator protection comes first so every caller, the creator included,
	// gets the same answer.
	if intent.Action == models.ModerationKick && target == c.store.Meta().CreatorID {
		return models.ErrCannotKickCreator
	}
	if target == c.store.LocalUserID() {
		return models.ErrSelfTarget
	}
	if !c.store.IsLocalAdmin() {
		return models.ErrUnauthorized
	}
	if _, ok := c.store.Member(target); !ok {
		return fmt.Errorf("%s %s: %w", intent.Action, target, models.ErrNotFound)
	}
	return nil
}

// Promote asks the server to make targetID the room admin. The effect is
// observed through the next presence snapshot.
func (c *Controller) Promote(ctx context.Context, targetID string) error {
	intent := models.ModerationIntent{Action: models.ModerationPromote, TargetMemberID: targetID}
	if err := c.Validate(intent); err != nil {
		return err
	}
	_, err := c.invoker.Invoke(ctx, models.CommandPromoteToAdmin, models.PromoteToAdminArgs{
		RoomID:       c.roomID,
		TargetUserID: targetID,
	})
	return err
}

// Kick asks the server to remove targetID. The effect is observed through
// the MemberKicked event and the next presence snapshot.
func (c *Controller) Kick(ctx context.Context, targetID, reason string) error {
	intent := models.ModerationIntent{Action: models.ModerationKick, TargetMemberID: targetID, Reason: reason}
	if err := c.Validate(intent); err != nil {
		if errors.Is(err, models.ErrCannotKickCreator) {
			c.notify(models.Notice{Kind: models.NoticeCannotKickCreator, Text: cannotKickText})
		}
		return err
	}
	if reason == "" {
		reason = models.KickReasonOther
	}
	_, err := c.invoker.Invoke(ctx, models.CommandKickUser, models.KickUserArgs{
		RoomID:       c.roomID,
		TargetUserID: targetID,
		Reason:       reason,
	})
	return err
}

// HandleEvent applies moderation-relevant events and reports whether the
// event ends the local session.
func (c *Controller) HandleEvent(ev models.RoomEvent) bool {
	switch e := ev.(type) {
	case models.Kicked:
		c.kickedLocally(e.Reason)
		return true
	case models.MemberKicked:
		if e.TargetID == c.store.LocalUserID() {
			c.kickedLocally(e.Reason)
			return true
		}
		c.appendKickRecord(e)
		c.store.ApplyModerationEffect(models.EffectKicked, e.TargetID)
	case models.CannotKickCreator:
		c.notify(models.Notice{Kind: models.NoticeCannotKickCreator, Text: cannotKickText})
	case models.PresenceUpdated:
		prev := c.store.AdminID()
		c.store.ApplyPresenceSnapshot(e.Members, e.AdminID)
		if prev != "" && e.AdminID != "" && e.AdminID != prev {
			c.store.ApplyModerationEffect(models.EffectPromoted, e.AdminID)
			c.notify(models.Notice{Kind: models.NoticePromoted, Text: c.promotedText(e.AdminID)})
		}
	}
	return false
}

func (c *Controller) kickedLocally(reason string) {
	c.log.Info("removed from room", "room_id", c.roomID, "reason", reason)
	c.notify(models.Notice{Kind: models.NoticeKicked, Text: KickedNoticeText(reason), Blocking: true})
	c.store.ApplyModerationEffect(models.EffectKicked, c.store.LocalUserID())
}

func (c *Controller) appendKickRecord(e models.MemberKicked) {
	reason := e.Reason
	if reason == "" {
		reason = models.KickReasonOther
	}
	body := fmt.Sprintf("%s was removed from the room by %s. Reason: %s",
		c.displayName(e.TargetID), c.displayName(e.ActorID), reason)

	c.store.AppendMessage(models.Message{
		ID:        "system-" + uuid.NewString(),
		Status:    models.MessageStatusConfirmed,
		Author:    models.RoomMember{ID: SystemAuthorID, DisplayName: "System"},
		Body:      body,
		CreatedAt: c.now(),
		IsSystem:  true,
	})
}

func (c *Controller) promotedText(adminID string) string {
	if adminID == c.store.LocalUserID() {
		return "You are now the room admin."
	}
	return fmt.Sprintf("%s is now the room admin.", c.displayName(adminID))
}

func (c *Controller) displayName(id string) string {
	if m, ok := c.store.Member(id); ok && m.DisplayName != "" {
		return m.DisplayName
	}
	return id
}

// KickedNoticeText is the blocking notice shown to a removed member.
func KickedNoticeText(reason string) string {
	if reason == "" || reason == models.KickReasonOther {
		return genericKickedText
	}
	return "You have been removed from the room. Reason: " + reason
}
