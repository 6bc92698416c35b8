package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"circle/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	rooms    map[string]models.RoomMeta
	messages map[string][]models.ChatRecord
}

func newFakeStore(rooms ...models.RoomMeta) *fakeStore {
	s := &fakeStore{rooms: make(map[string]models.RoomMeta), messages: make(map[string][]models.ChatRecord)}
	for _, r := range rooms {
		s.rooms[r.ID] = r
	}
	return s
}

func (s *fakeStore) GetRoom(id string) (models.RoomMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return models.RoomMeta{}, fmt.Errorf("room %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func (s *fakeStore) AppendMessage(record models.ChatRecord) (models.ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Seq = int64(len(s.messages[record.RoomID]) + 1)
	s.messages[record.RoomID] = append(s.messages[record.RoomID], record)
	return record, nil
}

func (s *fakeStore) HasMessage(roomID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[roomID] {
		if m.ID == messageID {
			return true, nil
		}
	}
	return false, nil
}

type fakePeer struct {
	identity models.Identity
	roomID   string

	mu      sync.Mutex
	frames  []models.ServerFrame
	limited bool
}

func newPeer(userID, roomID string) *fakePeer {
	return &fakePeer{identity: models.Identity{UserID: userID, DisplayName: userID}, roomID: roomID}
}

func (p *fakePeer) Identity() models.Identity { return p.identity }
func (p *fakePeer) RoomID() string            { return p.roomID }
func (p *fakePeer) AllowSend() bool           { return !p.limited }

func (p *fakePeer) Send(frame models.ServerFrame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return true
}

// events returns and clears the decoded events received so far.
func (p *fakePeer) events(t *testing.T) []models.RoomEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.RoomEvent
	for _, f := range p.frames {
		ev, err := models.DecodeEvent(f.Event, f.Data)
		require.NoError(t, err)
		out = append(out, ev)
	}
	p.frames = nil
	return out
}

func lastSnapshot(t *testing.T, events []models.RoomEvent) models.PresenceUpdated {
	t.Helper()
	for i := len(events) - 1; i >= 0; i-- {
		if s, ok := events[i].(models.PresenceUpdated); ok {
			return s
		}
	}
	t.Fatal("no presence snapshot received")
	return models.PresenceUpdated{}
}

func memberIDs(s models.PresenceUpdated) []string {
	ids := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

var calm = models.RoomMeta{ID: "calm", Name: "Calm corner", Capacity: 3, CreatorID: "carol"}

type hubFixture struct {
	hub     *Hub
	store   *fakeStore
	metrics *Metrics
	seq     uint64
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	store := newFakeStore(calm)
	return &hubFixture{
		hub:     NewHub(Config{Store: store, Metrics: metrics, Now: func() time.Time { return time.UnixMilli(1700000000000) }}),
		store:   store,
		metrics: metrics,
	}
}

func (f *hubFixture) invoke(t *testing.T, p Peer, command models.CommandName, args any) models.ServerFrame {
	t.Helper()
	data, err := json.Marshal(args)
	require.NoError(t, err)
	f.seq++
	ack := f.hub.Handle(p, models.ClientFrame{ID: f.seq, Command: command, Args: data})
	require.Equal(t, models.FrameTypeAck, ack.Type)
	require.Equal(t, f.seq, ack.ID)
	return ack
}

func (f *hubFixture) mustOK(t *testing.T, p Peer, command models.CommandName, args any) models.ServerFrame {
	t.Helper()
	ack := f.invoke(t, p, command, args)
	require.Nil(t, ack.Error, "%s rejected", command)
	return ack
}

func (f *hubFixture) mustReject(t *testing.T, p Peer, command models.CommandName, args any, code string) {
	t.Helper()
	ack := f.invoke(t, p, command, args)
	require.NotNil(t, ack.Error, "%s unexpectedly accepted", command)
	require.Equal(t, code, ack.Error.Code)
}

func (f *hubFixture) join(t *testing.T, p *fakePeer) {
	t.Helper()
	f.mustOK(t, p, models.CommandJoinRoom, models.JoinRoomArgs{RoomID: p.roomID, UserID: p.identity.UserID})
}

func TestHub_JoinAndAdminHandover(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := newPeer("alice", "calm"), newPeer("bob", "calm")

	f.join(t, alice)
	snap := lastSnapshot(t, alice.events(t))
	require.Equal(t, []string{"alice"}, memberIDs(snap))
	require.Equal(t, "alice", snap.AdminID, "first member takes the seat of the absent creator")
	require.True(t, snap.Members[0].IsAdmin)
	require.True(t, snap.Members[0].IsOnline)

	f.join(t, bob)
	snap = lastSnapshot(t, alice.events(t))
	require.Equal(t, []string{"alice", "bob"}, memberIDs(snap))
	require.Equal(t, snap, lastSnapshot(t, bob.events(t)))

	f.mustOK(t, alice, models.CommandLeaveRoom, models.LeaveRoomArgs{RoomID: "calm"})
	snap = lastSnapshot(t, bob.events(t))
	require.Equal(t, []string{"bob"}, memberIDs(snap))
	require.Equal(t, "bob", snap.AdminID)

	// Leaving twice is harmless.
	f.mustOK(t, alice, models.CommandLeaveRoom, models.LeaveRoomArgs{RoomID: "calm"})

	f.hub.Disconnect(bob)
	f.hub.mu.Lock()
	require.Equal(t, "carol", f.hub.rooms["calm"].adminID, "empty room reverts to its creator")
	f.hub.mu.Unlock()

	require.Equal(t, float64(0), testutil.ToFloat64(f.metrics.members.WithLabelValues("calm")))
}

func TestHub_JoinRejections(t *testing.T) {
	f := newHubFixture(t)

	f.mustReject(t, newPeer("alice", "calm"), models.CommandJoinRoom, models.JoinRoomArgs{RoomID: "other", UserID: "alice"}, models.CodeBadRequest)
	f.mustReject(t, newPeer("alice", "calm"), models.CommandJoinRoom, models.JoinRoomArgs{RoomID: "calm", UserID: "mallory"}, models.CodeUnauthorized)
	f.mustReject(t, newPeer("alice", "nowhere"), models.CommandJoinRoom, models.JoinRoomArgs{RoomID: "nowhere", UserID: "alice"}, models.CodeNotFound)

	for _, id := range []string{"a", "b", "c"} {
		f.join(t, newPeer(id, "calm"))
	}
	f.mustReject(t, newPeer("d", "calm"), models.CommandJoinRoom, models.JoinRoomArgs{RoomID: "calm", UserID: "d"}, models.CodeRoomFull)

	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.commands.WithLabelValues(string(models.CommandJoinRoom), models.CodeRoomFull)))
	require.Equal(t, float64(3), testutil.ToFloat64(f.metrics.commands.WithLabelValues(string(models.CommandJoinRoom), "ok")))
}

func TestHub_RejoinReplacesStaleConnection(t *testing.T) {
	f := newHubFixture(t)
	first, second := newPeer("alice", "calm"), newPeer("alice", "calm")

	f.join(t, first)
	f.join(t, second)
	require.Equal(t, []string{"alice"}, memberIDs(lastSnapshot(t, second.events(t))))

	// The stale connection going away must not evict the live one.
	f.hub.Disconnect(first)
	f.hub.mu.Lock()
	require.Len(t, f.hub.rooms["calm"].members, 1)
	f.hub.mu.Unlock()

	f.mustReject(t, first, models.CommandSendMessage, models.SendMessageArgs{RoomID: "calm", UserID: "alice", Text: "hi"}, models.CodeNotMember)
}

func TestHub_SendMessage(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := newPeer("alice", "calm"), newPeer("bob", "calm")
	f.join(t, alice)
	f.join(t, bob)
	alice.events(t)
	bob.events(t)

	ack := f.mustOK(t, alice, models.CommandSendMessage, models.SendMessageArgs{RoomID: "calm", UserID: "alice", Text: "  hello <script>x</script>there "})
	var result models.SendMessageResult
	require.NoError(t, json.Unmarshal(ack.Result, &result))
	require.NotEmpty(t, result.MessageID)

	for _, p := range []*fakePeer{alice, bob} {
		events := p.events(t)
		require.Len(t, events, 1)
		msg, ok := events[0].(models.MessageReceived)
		require.True(t, ok)
		require.Equal(t, result.MessageID, msg.ID)
		require.Equal(t, "alice", msg.Author.ID)
		require.Equal(t, "hello there", msg.Body)
		require.Equal(t, int64(1700000000000), msg.CreatedAt.UnixMilli())
	}

	require.Len(t, f.store.messages["calm"], 1)

	f.mustReject(t, alice, models.CommandSendMessage, models.SendMessageArgs{RoomID: "calm", UserID: "alice", Text: "   "}, models.CodeBadRequest)
	f.mustReject(t, alice, models.CommandSendMessage, models.SendMessageArgs{RoomID: "calm", UserID: "bob", Text: "spoof"}, models.CodeUnauthorized)
	f.mustReject(t, newPeer("eve", "calm"), models.CommandSendMessage, models.SendMessageArgs{RoomID: "calm", UserID: "eve", Text: "hi"}, models.CodeNotMember)

	alice.limited = true
	f.mustReject(t, alice, models.CommandSendMessage, models.SendMessageArgs{RoomID: "calm", UserID: "alice", Text: "again"}, models.CodeRateLimited)
}

func TestHub_SendReaction(t *testing.T) {
	f := newHubFixture(t)
	alice, bob := newPeer("alice", "calm"), newPeer("bob", "calm")
	f.join(t, alice)
	f.join(t, bob)

	ack := f.mustOK(t, alice, models.CommandSendMessage, models.SendMessageArgs{RoomID: "calm", UserID: "alice", Text: "hello"})
	var result models.SendMessageResult
	require.NoError(t, json.Unmarshal(ack.Result, &result))
	alice.events(t)
	bob.events(t)

	f.mustOK(t, bob, models.CommandSendReaction, models.SendReactionArgs{RoomID: "calm", UserID: "bob", MessageID: result.MessageID, Kind: "👍"})
	want := models.ReactionUpdated{MessageID: result.MessageID, Reactions: []models.RawReaction{{ReactorID: "bob", Kind: "👍"}}}
	require.Equal(t, []models.RoomEvent{want}, alice.events(t))
	require.Equal(t, []models.RoomEvent{want}, bob.events(t), "the reactor receives its own toggle")

	f.mustReject(t, bob, models.CommandSendReaction, models.SendReactionArgs{RoomID: "calm", UserID: "bob", MessageID: "missing", Kind: "👍"}, models.CodeNotFound)
	f.mustReject(t, bob, models.CommandSendReaction, models.SendReactionArgs{RoomID: "calm", UserID: "bob", MessageID: result.MessageID, Kind: " "}, models.CodeBadRequest)
}

func TestHub_Promote(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, dave := newPeer("alice", "calm"), newPeer("bob", "calm"), newPeer("dave", "calm")
	f.join(t, alice)
	f.join(t, bob)
	f.join(t, dave)

	f.mustReject(t, bob, models.CommandPromoteToAdmin, models.PromoteToAdminArgs{RoomID: "calm", TargetUserID: "dave"}, models.CodeUnauthorized)
	f.mustReject(t, alice, models.CommandPromoteToAdmin, models.PromoteToAdminArgs{RoomID: "calm", TargetUserID: "alice"}, models.CodeInvalidTarget)
	f.mustReject(t, alice, models.CommandPromoteToAdmin, models.PromoteToAdminArgs{RoomID: "calm", TargetUserID: "zed"}, models.CodeNotMember)
	bob.events(t)

	f.mustOK(t, alice, models.CommandPromoteToAdmin, models.PromoteToAdminArgs{RoomID: "calm", TargetUserID: "bob"})
	snap := lastSnapshot(t, dave.events(t))
	require.Equal(t, "bob", snap.AdminID)
	require.False(t, snap.Members[0].IsAdmin)
	require.True(t, snap.Members[1].IsAdmin)

	// The former admin lost the right to moderate.
	f.mustReject(t, alice, models.CommandKickUser, models.KickUserArgs{RoomID: "calm", TargetUserID: "dave"}, models.CodeUnauthorized)
}

func TestHub_Kick(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, dave := newPeer("alice", "calm"), newPeer("bob", "calm"), newPeer("dave", "calm")
	f.join(t, alice)
	f.join(t, bob)
	f.join(t, dave)
	for _, p := range []*fakePeer{alice, bob, dave} {
		p.events(t)
	}

	f.mustReject(t, bob, models.CommandKickUser, models.KickUserArgs{RoomID: "calm", TargetUserID: "dave"}, models.CodeUnauthorized)
	f.mustReject(t, alice, models.CommandKickUser, models.KickUserArgs{RoomID: "calm", TargetUserID: "alice"}, models.CodeInvalidTarget)

	f.mustOK(t, alice, models.CommandKickUser, models.KickUserArgs{RoomID: "calm", TargetUserID: "bob", Reason: "<b>Spamming messages</b>"})

	require.Equal(t, []models.RoomEvent{models.Kicked{Reason: "Spamming messages", ActorID: "alice"}}, bob.events(t))

	events := dave.events(t)
	require.Len(t, events, 2)
	require.Equal(t, models.MemberKicked{ActorID: "alice", TargetID: "bob", Reason: "Spamming messages"}, events[0])
	require.Equal(t, []string{"alice", "dave"}, memberIDs(lastSnapshot(t, events)))

	// The kicked connection is no longer a member but may still leave cleanly.
	f.mustReject(t, bob, models.CommandSendMessage, models.SendMessageArgs{RoomID: "calm", UserID: "bob", Text: "hi"}, models.CodeNotMember)
	f.mustOK(t, bob, models.CommandLeaveRoom, models.LeaveRoomArgs{RoomID: "calm"})

	f.mustReject(t, alice, models.CommandKickUser, models.KickUserArgs{RoomID: "calm", TargetUserID: "bob"}, models.CodeNotMember)

	f.mustOK(t, alice, models.CommandKickUser, models.KickUserArgs{RoomID: "calm", TargetUserID: "dave"})
	require.Equal(t, []models.RoomEvent{models.Kicked{Reason: models.KickReasonOther, ActorID: "alice"}}, dave.events(t))
}

func TestHub_KickCreator(t *testing.T) {
	f := newHubFixture(t)
	alice, carol := newPeer("alice", "calm"), newPeer("carol", "calm")
	f.join(t, alice)
	f.join(t, carol)
	alice.events(t)
	carol.events(t)

	f.mustReject(t, alice, models.CommandKickUser, models.KickUserArgs{RoomID: "calm", TargetUserID: "carol", Reason: "Off-topic"}, models.CodeCannotKickCreator)

	require.Equal(t, []models.RoomEvent{models.CannotKickCreator{TargetID: "carol"}}, alice.events(t))
	require.Empty(t, carol.events(t))

	// The creator targeting itself gets the same answer.
	f.mustReject(t, carol, models.CommandKickUser, models.KickUserArgs{RoomID: "calm", TargetUserID: "carol"}, models.CodeCannotKickCreator)
	require.Equal(t, []models.RoomEvent{models.CannotKickCreator{TargetID: "carol"}}, carol.events(t))
	require.Empty(t, alice.events(t))

	f.hub.mu.Lock()
	require.Len(t, f.hub.rooms["calm"].members, 2)
	f.hub.mu.Unlock()
}

func TestHub_MalformedCommands(t *testing.T) {
	f := newHubFixture(t)
	alice := newPeer("alice", "calm")

	ack := f.hub.Handle(alice, models.ClientFrame{ID: 1, Command: "Dance", Args: json.RawMessage(`{}`)})
	require.Equal(t, models.CodeBadRequest, ack.Error.Code)

	ack = f.hub.Handle(alice, models.ClientFrame{ID: 2, Command: models.CommandJoinRoom})
	require.Equal(t, models.CodeBadRequest, ack.Error.Code)

	ack = f.hub.Handle(alice, models.ClientFrame{ID: 3, Command: models.CommandJoinRoom, Args: json.RawMessage(`[1,2]`)})
	require.Equal(t, models.CodeBadRequest, ack.Error.Code)
	require.Equal(t, uint64(3), ack.ID)
}

func TestHub_RoomExists(t *testing.T) {
	f := newHubFixture(t)

	ok, err := f.hub.RoomExists("calm")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.hub.RoomExists("nowhere")
	require.NoError(t, err)
	require.False(t, ok)
}
