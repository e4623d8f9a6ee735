// internal/service/coordinator_test.go
package service

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pileplan/pileplan/internal/events"
	"github.com/pileplan/pileplan/internal/history"
	"github.com/pileplan/pileplan/internal/room"
)

// stubValidator accepts exactly the token "token-<uid>" for a given uid,
// standing in for the external credential service.
type stubValidator struct{}

func (stubValidator) Validate(token, uid string) bool {
	return uid != "" && token == "token-"+uid
}

// memorySink collects published room-event telemetry.
type memorySink struct {
	mu      sync.Mutex
	records []history.RoomEventRecord
}

func (ms *memorySink) Publish(_ context.Context, record history.RoomEventRecord) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.records = append(ms.records, record)
}

func (ms *memorySink) types() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]string, 0, len(ms.records))
	for _, rec := range ms.records {
		out = append(out, rec.EventType)
	}
	return out
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestCoordinator(opts ...Option) *Coordinator {
	return New(testLogger(), stubValidator{}, opts...)
}

// send marshals an inbound event and dispatches it as conn's traffic.
func send(t *testing.T, co *Coordinator, c *Conn, ev events.Inbound) {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	co.Dispatch(c.ID, raw)
}

// drain collects everything queued on the connection without blocking.
// Coordinator operations emit synchronously, so no waiting is needed.
func drain(c *Conn) []events.Outbound {
	var out []events.Outbound
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func lastOfType(evs []events.Outbound, typ events.OutboundType) (events.Outbound, bool) {
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == typ {
			return evs[i], true
		}
	}
	return events.Outbound{}, false
}

func countOfType(evs []events.Outbound, typ events.OutboundType) int {
	var n int
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

var rawConfig = json.RawMessage(`{"deck":[1,2,3,5,8,13]}`)

func createRoom(t *testing.T, co *Coordinator, c *Conn, roomID, uid string) {
	t.Helper()
	send(t, co, c, events.Inbound{
		Type: events.TypeCreateRoom, RoomID: roomID, RoomConfig: rawConfig,
		UID: uid, AuthToken: "token-" + uid,
	})
	evs := drain(c)
	_, ok := lastOfType(evs, events.EventCreateSuccess)
	require.True(t, ok, "expected create_success, got %+v", evs)
}

func joinRoom(t *testing.T, co *Coordinator, c *Conn, roomID, nickname, uid string) {
	t.Helper()
	send(t, co, c, events.Inbound{
		Type: events.TypeJoinRoom, RoomID: roomID, Nickname: nickname, UID: uid,
	})
}

func intp(v int) *int { return &v }

func TestCreateRoomLifecycle(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")

	r, ok := co.rooms.Get("R1")
	require.True(t, ok)
	assert.Equal(t, "h1", r.HostUID)
	assert.Equal(t, room.PhaseBidding, r.Phase())
	assert.True(t, r.Empty(), "creating a room does not join the creator")
}

func TestCreateRoomBadToken(t *testing.T) {
	co := newTestCoordinator()
	c := co.Register(nil)

	send(t, co, c, events.Inbound{
		Type: events.TypeCreateRoom, RoomID: "R1", RoomConfig: rawConfig,
		UID: "h1", AuthToken: "token-someone-else",
	})

	ev, ok := lastOfType(drain(c), events.EventNotAuthorized)
	require.True(t, ok)
	assert.Equal(t, "Failed to Create Room", ev.Title)
	assert.Zero(t, co.rooms.Len())
}

func TestCreateDuplicateRoomPreservesOriginal(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	drain(bob)

	send(t, co, host, events.Inbound{
		Type: events.TypeCreateRoom, RoomID: "R1", RoomConfig: rawConfig,
		UID: "h9", AuthToken: "token-h9",
	})

	_, ok := lastOfType(drain(host), events.EventRoomAlreadyCreated)
	require.True(t, ok)

	r, _ := co.rooms.Get("R1")
	assert.Equal(t, "h1", r.HostUID, "duplicate create must not overwrite the room")
	assert.Len(t, r.Members(), 1)
}

func TestJoinUnknownRoom(t *testing.T) {
	co := newTestCoordinator()
	c := co.Register(nil)

	joinRoom(t, co, c, "nope", "Bob", "u2")

	_, ok := lastOfType(drain(c), events.EventRoomInactive)
	assert.True(t, ok)
}

// Full round-trip from the testable-properties scenario: create, join, vote,
// reveal, new round.
func TestVotingRoundFlow(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")

	ev, ok := lastOfType(drain(bob), events.EventMemberUpdate)
	require.True(t, ok)
	users := ev.Payload["users"].([]events.MemberInfo)
	nicknames := map[string]string{}
	for _, u := range users {
		nicknames[u.UID] = u.Nickname
	}
	assert.Equal(t, "Bob", nicknames["u2"])
	drain(host)

	// Bob votes; everyone sees the tally, nobody sees the value.
	send(t, co, bob, events.Inbound{Type: events.TypeUserVote, RoomID: "R1", CardIndex: intp(2)})
	tally, ok := lastOfType(drain(host), events.EventVoteTally)
	require.True(t, ok)
	assert.Equal(t, 1, tally.Payload["voted"])
	assert.Equal(t, 2, tally.Payload["total"])
	assert.NotContains(t, tally.Payload, "votes")
	drain(bob)

	// Host ends bidding; the frozen vote set is revealed.
	send(t, co, host, events.Inbound{Type: events.TypeForceEndBidding, RoomID: "R1", AuthToken: "token-h1"})
	results, ok := lastOfType(drain(bob), events.EventBiddingEnded)
	require.True(t, ok)
	assert.Equal(t, string(room.PhaseResults), results.Payload["phase"])
	assert.Equal(t, map[string]int{"u2": 2}, results.Payload["votes"])

	// New round: phase back to BIDDING, votes empty, Bob still a member.
	send(t, co, host, events.Inbound{Type: events.TypeStartNewRound, RoomID: "R1", AuthToken: "token-h1"})
	_, ok = lastOfType(drain(bob), events.EventNewRound)
	assert.True(t, ok)

	r, _ := co.rooms.Get("R1")
	assert.Equal(t, room.PhaseBidding, r.Phase())
	voted, members := r.Tally()
	assert.Zero(t, voted)
	assert.Equal(t, 2, members)
}

func TestAllVotedAutoReveals(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	drain(host)
	drain(bob)

	send(t, co, host, events.Inbound{Type: events.TypeUserVote, RoomID: "R1", CardIndex: intp(1)})
	send(t, co, bob, events.Inbound{Type: events.TypeUserVote, RoomID: "R1", CardIndex: intp(0)})

	ev, ok := lastOfType(drain(host), events.EventBiddingEnded)
	require.True(t, ok, "last vote of the round must reveal results")
	assert.Equal(t, map[string]int{"h1": 1, "u2": 0}, ev.Payload["votes"])
}

func TestVoteDuringResultsIsSilent(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	send(t, co, host, events.Inbound{Type: events.TypeForceEndBidding, RoomID: "R1", AuthToken: "token-h1"})
	drain(host)
	drain(bob)

	send(t, co, bob, events.Inbound{Type: events.TypeUserVote, RoomID: "R1", CardIndex: intp(3)})

	assert.Empty(t, drain(host), "stale vote must not produce any broadcast")
	assert.Empty(t, drain(bob))
	r, _ := co.rooms.Get("R1")
	voted, _ := r.Tally()
	assert.Zero(t, voted)
}

func TestCancelVote(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	send(t, co, bob, events.Inbound{Type: events.TypeUserVote, RoomID: "R1", CardIndex: intp(2)})
	drain(host)
	drain(bob)

	send(t, co, bob, events.Inbound{Type: events.TypeUserCancelVote, RoomID: "R1"})

	tally, ok := lastOfType(drain(host), events.EventVoteTally)
	require.True(t, ok)
	assert.Equal(t, 0, tally.Payload["voted"])

	// Cancelling again changes nothing and broadcasts nothing.
	send(t, co, bob, events.Inbound{Type: events.TypeUserCancelVote, RoomID: "R1"})
	assert.Empty(t, drain(host))
}

func TestCloseRoomByUIDWhileDisconnected(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	drain(bob)

	// The host never joined the room's socket; close_room works by uid.
	send(t, co, host, events.Inbound{
		Type: events.TypeCloseRoom, RoomID: "R1", UID: "h1", AuthToken: "token-h1",
	})

	_, ok := lastOfType(drain(host), events.EventHostRoomClosedSuccess)
	assert.True(t, ok)
	_, ok = lastOfType(drain(bob), events.EventRoomClosed)
	assert.True(t, ok, "every participant receives a forced-disconnect notification")
	assert.Zero(t, co.rooms.Len())
}

func TestCloseRoomNotAuthorized(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	drain(bob)

	send(t, co, bob, events.Inbound{
		Type: events.TypeCloseRoom, RoomID: "R1", UID: "u2", AuthToken: "token-u2",
	})

	ev, ok := lastOfType(drain(bob), events.EventNotAuthorized)
	require.True(t, ok)
	assert.Equal(t, "Failed to Close Room", ev.Title)
	assert.NotEmpty(t, ev.Message)
	_, stillThere := co.rooms.Get("R1")
	assert.True(t, stillThere)
}

func TestCloseUnknownRoom(t *testing.T) {
	co := newTestCoordinator()
	c := co.Register(nil)

	send(t, co, c, events.Inbound{
		Type: events.TypeCloseRoom, RoomID: "nope", UID: "h1", AuthToken: "token-h1",
	})

	_, ok := lastOfType(drain(c), events.EventHostRoomClosedFailure)
	assert.True(t, ok)
}

func TestKickUser(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	send(t, co, bob, events.Inbound{Type: events.TypeUserVote, RoomID: "R1", CardIndex: intp(2)})
	drain(host)
	drain(bob)

	send(t, co, host, events.Inbound{
		Type: events.TypeKickUser, RoomID: "R1", User: "u2", AuthToken: "token-h1",
	})

	_, ok := lastOfType(drain(bob), events.EventKickedFromRoom)
	assert.True(t, ok)
	update, ok := lastOfType(drain(host), events.EventMemberUpdate)
	require.True(t, ok)
	assert.Len(t, update.Payload["users"], 1)

	r, _ := co.rooms.Get("R1")
	voted, members := r.Tally()
	assert.Zero(t, voted, "kick removes the target's pending vote")
	assert.Equal(t, 1, members)

	// The kicked connection is no longer associated with the room.
	_, inRoom := co.conns.roomOf(bob.ID)
	assert.False(t, inRoom)
}

func TestKickRequiresConnectedHost(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	drain(bob)

	// Valid host token, but the host's connection is not a room member:
	// by-connection authorization resolves no uid and must fail.
	send(t, co, host, events.Inbound{
		Type: events.TypeKickUser, RoomID: "R1", User: "u2", AuthToken: "token-h1",
	})

	ev, ok := lastOfType(drain(host), events.EventNotAuthorized)
	require.True(t, ok)
	assert.Equal(t, "Failed to Kick User", ev.Title)
	r, _ := co.rooms.Get("R1")
	assert.Len(t, r.Members(), 1)
}

func TestKickHostRejected(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	drain(host)

	send(t, co, host, events.Inbound{
		Type: events.TypeKickUser, RoomID: "R1", User: "h1", AuthToken: "token-h1",
	})

	ev, ok := lastOfType(drain(host), events.EventNotAuthorized)
	require.True(t, ok)
	assert.Equal(t, "Failed to Kick User", ev.Title)
	r, _ := co.rooms.Get("R1")
	assert.Len(t, r.Members(), 1)
}

func TestKickUnknownRoomSilent(t *testing.T) {
	co := newTestCoordinator()
	c := co.Register(nil)

	send(t, co, c, events.Inbound{
		Type: events.TypeKickUser, RoomID: "nope", User: "u2", AuthToken: "token-h1",
	})

	assert.Empty(t, drain(c))
}

func TestConcurrentKicksResolveOnce(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	drain(host)
	drain(bob)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			send(t, co, host, events.Inbound{
				Type: events.TypeKickUser, RoomID: "R1", User: "u2", AuthToken: "token-h1",
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, countOfType(drain(bob), events.EventKickedFromRoom),
		"exactly one kick notification for one removal")
	r, _ := co.rooms.Get("R1")
	assert.Len(t, r.Members(), 1)
}

func TestReconnectReplacesConnection(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)

	var staleCancelled bool
	conn1 := co.Register(func() { staleCancelled = true })
	conn2 := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, conn1, "R1", "Bob", "u2")
	joinRoom(t, co, conn2, "R1", "Bob", "u2")

	r, _ := co.rooms.Get("R1")
	assert.Len(t, r.Members(), 1, "a reconnect replaces, never adds")
	assert.True(t, staleCancelled, "the replaced connection is told to close")
	_, inRoom := co.conns.roomOf(conn1.ID)
	assert.False(t, inRoom)
	roomID, inRoom := co.conns.roomOf(conn2.ID)
	require.True(t, inRoom)
	assert.Equal(t, "R1", roomID)
}

func TestDisconnectCleanup(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	send(t, co, bob, events.Inbound{Type: events.TypeUserVote, RoomID: "R1", CardIndex: intp(2)})
	drain(host)

	co.Disconnect(bob.ID)

	update, ok := lastOfType(drain(host), events.EventMemberUpdate)
	require.True(t, ok)
	users := update.Payload["users"].([]events.MemberInfo)
	require.Len(t, users, 1)
	assert.Equal(t, "h1", users[0].UID)

	r, _ := co.rooms.Get("R1")
	voted, members := r.Tally()
	assert.Zero(t, voted, "the leaver's vote leaves the tally denominator")
	assert.Equal(t, 1, members)

	// Running the same cleanup again must be a no-op.
	co.Disconnect(bob.ID)
	assert.Empty(t, drain(host))
}

func TestHostDisconnectPolicyClose(t *testing.T) {
	co := newTestCoordinator() // close is the default
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	drain(bob)

	co.Disconnect(host.ID)

	_, ok := lastOfType(drain(bob), events.EventRoomClosed)
	assert.True(t, ok)
	assert.Zero(t, co.rooms.Len())
}

func TestHostDisconnectPolicyOrphan(t *testing.T) {
	co := newTestCoordinator(WithHostDisconnectPolicy(room.HostDisconnectOrphan))
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	drain(bob)

	co.Disconnect(host.ID)

	r, ok := co.rooms.Get("R1")
	require.True(t, ok, "orphan policy keeps the room registered")
	assert.Len(t, r.Members(), 1)
	assert.Equal(t, "h1", r.HostUID, "host authority stays with the uid")
}

func TestHostDisconnectPolicyWait(t *testing.T) {
	co := newTestCoordinator(WithHostDisconnectPolicy(room.HostDisconnectWait))
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, host, "R1", "Hana", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	drain(bob)

	co.Disconnect(host.ID)

	r, ok := co.rooms.Get("R1")
	require.True(t, ok)
	require.Len(t, r.Members(), 2, "wait policy keeps the host's membership")

	// Host reconnects and resumes control.
	host2 := co.Register(nil)
	joinRoom(t, co, host2, "R1", "Hana", "h1")
	send(t, co, host2, events.Inbound{Type: events.TypeForceEndBidding, RoomID: "R1", AuthToken: "token-h1"})
	_, ok = lastOfType(drain(bob), events.EventBiddingEnded)
	assert.True(t, ok)
}

func TestMalformedPayloadsDroppedSilently(t *testing.T) {
	co := newTestCoordinator()
	c := co.Register(nil)

	// Missing required fields, unknown type, invalid JSON: no notifications.
	send(t, co, c, events.Inbound{Type: events.TypeCreateRoom, RoomID: "R1"})
	send(t, co, c, events.Inbound{Type: events.TypeJoinRoom, Nickname: "Bob"})
	send(t, co, c, events.Inbound{Type: events.TypeUserVote, RoomID: "R1"}) // cardIndex absent
	send(t, co, c, events.Inbound{Type: "no_such_event"})
	co.Dispatch(c.ID, []byte("{not json"))

	assert.Empty(t, drain(c))
	assert.Zero(t, co.rooms.Len())
}

func TestHistorySinkReceivesLifecycle(t *testing.T) {
	sink := &memorySink{}
	co := newTestCoordinator(WithHistory(sink))
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")
	send(t, co, host, events.Inbound{
		Type: events.TypeCloseRoom, RoomID: "R1", UID: "h1", AuthToken: "token-h1",
	})

	assert.Equal(t, []string{"room_created", "user_joined", "room_closed"}, sink.types())
}

func TestShutdownEvictsEverything(t *testing.T) {
	co := newTestCoordinator()
	host := co.Register(nil)
	bob := co.Register(nil)

	createRoom(t, co, host, "R1", "h1")
	joinRoom(t, co, bob, "R1", "Bob", "u2")

	co.Shutdown()

	assert.Zero(t, co.rooms.Len())
	_, ok := co.conns.get(bob.ID)
	assert.False(t, ok)
}
