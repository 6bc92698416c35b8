package moderation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"circle/internal/models"
	"circle/internal/room"

	"github.com/stretchr/testify/require"
)

type invocation struct {
	command models.CommandName
	args    any
}

type fakeInvoker struct {
	calls []invocation
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, command models.CommandName, args any) (models.Ack, error) {
	f.calls = append(f.calls, invocation{command: command, args: args})
	return models.Ack{}, f.err
}

type fixture struct {
	store   *room.Store
	invoker *fakeInvoker
	notices []models.Notice
	ctrl    *Controller
}

// newFixture builds a room created by "carol" whose current admin is adminID.
func newFixture(t *testing.T, localID, adminID string) *fixture {
	t.Helper()
	f := &fixture{invoker: &fakeInvoker{}}
	f.store = room.New(room.Config{
		LocalUserID: localID,
		Meta:        models.RoomMeta{ID: "calm", CreatorID: "carol"},
	})
	f.store.ApplyPresenceSnapshot([]models.RoomMember{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "bob", DisplayName: "Bob"},
		{ID: "carol", DisplayName: "Carol"},
	}, adminID)
	f.ctrl = New(Config{
		RoomID:  "calm",
		Store:   f.store,
		Invoker: f.invoker,
		Notify:  func(n models.Notice) { f.notices = append(f.notices, n) },
		Now:     func() time.Time { return time.Unix(1700000000, 0) },
	})
	return f
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		local   string
		admin   string
		intent  models.ModerationIntent
		wantErr error
	}{
		{"admin kicks member", "alice", "alice", models.ModerationIntent{Action: models.ModerationKick, TargetMemberID: "bob"}, nil},
		{"admin promotes member", "alice", "alice", models.ModerationIntent{Action: models.ModerationPromote, TargetMemberID: "bob"}, nil},
		{"admin promotes creator", "alice", "alice", models.ModerationIntent{Action: models.ModerationPromote, TargetMemberID: "carol"}, nil},
		{"member kicks", "bob", "alice", models.ModerationIntent{Action: models.ModerationKick, TargetMemberID: "alice"}, models.ErrUnauthorized},
		{"member promotes", "bob", "alice", models.ModerationIntent{Action: models.ModerationPromote, TargetMemberID: "bob"}, models.ErrSelfTarget},
		{"admin kicks self", "alice", "alice", models.ModerationIntent{Action: models.ModerationKick, TargetMemberID: "alice"}, models.ErrSelfTarget},
		{"admin kicks stranger", "alice", "alice", models.ModerationIntent{Action: models.ModerationKick, TargetMemberID: "zed"}, models.ErrNotFound},
		{"empty target", "alice", "alice", models.ModerationIntent{Action: models.ModerationKick}, models.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.local, tt.admin)
			err := f.ctrl.Validate(tt.intent)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestKick_CreatorIsProtected(t *testing.T) {
	// Any caller, admin or not, gets the distinguished rejection.
	for _, caller := range []string{"alice", "bob", "carol"} {
		t.Run(caller, func(t *testing.T) {
			f := newFixture(t, caller, "alice")

			err := f.ctrl.Kick(context.Background(), "carol", "Spamming messages")
			require.ErrorIs(t, err, models.ErrCannotKickCreator)
			require.Empty(t, f.invoker.calls, "nothing may be dispatched")
			require.Len(t, f.notices, 1)
			require.Equal(t, models.NoticeCannotKickCreator, f.notices[0].Kind)

			_, stillThere := f.store.Member("carol")
			require.True(t, stillThere)
		})
	}
}

func TestKick_Dispatch(t *testing.T) {
	f := newFixture(t, "alice", "alice")

	require.NoError(t, f.ctrl.Kick(context.Background(), "bob", "Spamming messages"))
	require.Len(t, f.invoker.calls, 1)
	require.Equal(t, models.CommandKickUser, f.invoker.calls[0].command)
	require.Equal(t, models.KickUserArgs{RoomID: "calm", TargetUserID: "bob", Reason: "Spamming messages"}, f.invoker.calls[0].args)

	// The store only changes on the confirmed event.
	_, ok := f.store.Member("bob")
	require.True(t, ok)
}

func TestKick_DefaultReason(t *testing.T) {
	f := newFixture(t, "alice", "alice")
	require.NoError(t, f.ctrl.Kick(context.Background(), "bob", ""))
	require.Equal(t, models.KickReasonOther, f.invoker.calls[0].args.(models.KickUserArgs).Reason)
}

func TestKick_ServerRejection(t *testing.T) {
	f := newFixture(t, "alice", "alice")
	f.invoker.err = &models.CommandError{Command: models.CommandKickUser, Code: models.CodeUnauthorized}

	err := f.ctrl.Kick(context.Background(), "bob", "Harassment")
	require.ErrorIs(t, err, models.ErrUnauthorized)

	var cmdErr *models.CommandError
	require.True(t, errors.As(err, &cmdErr))
}

func TestPromote_Dispatch(t *testing.T) {
	f := newFixture(t, "alice", "alice")
	require.NoError(t, f.ctrl.Promote(context.Background(), "bob"))
	require.Equal(t, models.CommandPromoteToAdmin, f.invoker.calls[0].command)
	require.Equal(t, "alice", f.store.AdminID(), "promotion waits for the snapshot")
}

func TestHandleEvent_KickedLocally(t *testing.T) {
	f := newFixture(t, "bob", "alice")

	terminal := f.ctrl.HandleEvent(models.Kicked{Reason: "Spamming messages", ActorID: "alice"})
	require.True(t, terminal)
	require.Len(t, f.notices, 1)
	require.True(t, f.notices[0].Blocking)
	require.Contains(t, f.notices[0].Text, "Spamming messages")
	require.True(t, f.store.Closed())
}

func TestHandleEvent_KickedGenericReason(t *testing.T) {
	f := newFixture(t, "bob", "alice")
	f.ctrl.HandleEvent(models.Kicked{Reason: models.KickReasonOther})
	require.Equal(t, genericKickedText, f.notices[0].Text)
}

func TestHandleEvent_MemberKicked(t *testing.T) {
	f := newFixture(t, "carol", "alice")

	terminal := f.ctrl.HandleEvent(models.MemberKicked{ActorID: "alice", TargetID: "bob", Reason: "Spamming messages"})
	require.False(t, terminal)

	msgs := f.store.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsSystem)
	require.True(t, strings.Contains(msgs[0].Body, "Bob"), msgs[0].Body)
	require.True(t, strings.Contains(msgs[0].Body, "Alice"), msgs[0].Body)
	require.True(t, strings.Contains(msgs[0].Body, "Spamming messages"), msgs[0].Body)

	_, ok := f.store.Member("bob")
	require.False(t, ok)
}

func TestHandleEvent_MemberKickedTargetsLocalUser(t *testing.T) {
	f := newFixture(t, "bob", "alice")
	require.True(t, f.ctrl.HandleEvent(models.MemberKicked{ActorID: "alice", TargetID: "bob", Reason: "Harassment"}))
	require.Empty(t, f.store.Messages())
	require.True(t, f.store.Closed())
}

func TestHandleEvent_AdminChange(t *testing.T) {
	f := newFixture(t, "bob", "alice")

	f.ctrl.HandleEvent(models.PresenceUpdated{
		Members: []models.RoomMember{{ID: "alice", DisplayName: "Alice"}, {ID: "bob", DisplayName: "Bob"}},
		AdminID: "bob",
	})

	require.True(t, f.store.IsLocalAdmin())
	require.Len(t, f.notices, 1)
	require.Equal(t, models.NoticePromoted, f.notices[0].Kind)
	require.Equal(t, "You are now the room admin.", f.notices[0].Text)

	alice, _ := f.store.Member("alice")
	require.False(t, alice.IsAdmin, "the previous admin is demoted by the snapshot")
}

func TestHandleEvent_CannotKickCreator(t *testing.T) {
	f := newFixture(t, "alice", "alice")
	require.False(t, f.ctrl.HandleEvent(models.CannotKickCreator{TargetID: "carol"}))
	require.Len(t, f.notices, 1)
	require.Equal(t, models.NoticeCannotKickCreator, f.notices[0].Kind)
}
