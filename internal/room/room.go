// internal/room/room.go
package room

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/pileplan/pileplan/internal/events"
)

// Phase is the round state of a room. A room cycles between the two phases
// until it is closed; closure is a registry-level eviction, not a phase.
type Phase string

const (
	PhaseBidding Phase = "BIDDING"
	PhaseResults Phase = "RESULTS"
)

// HostDisconnectPolicy controls what happens to a room when the host's
// connection drops without an explicit close_room.
type HostDisconnectPolicy string

const (
	// HostDisconnectClose evicts the room and force-disconnects everyone.
	HostDisconnectClose HostDisconnectPolicy = "close"
	// HostDisconnectOrphan removes the host's membership and leaves the room
	// running with no host connected. Host authority stays with the uid.
	HostDisconnectOrphan HostDisconnectPolicy = "orphan"
	// HostDisconnectWait keeps the host's membership with no live connection
	// so a reconnect with the same uid reattaches in place.
	HostDisconnectWait HostDisconnectPolicy = "wait"
)

// ParsePolicy maps a config string onto a policy, defaulting to close.
func ParsePolicy(s string) HostDisconnectPolicy {
	switch HostDisconnectPolicy(s) {
	case HostDisconnectOrphan:
		return HostDisconnectOrphan
	case HostDisconnectWait:
		return HostDisconnectWait
	default:
		return HostDisconnectClose
	}
}

// Member is one participant inside a room. Members are keyed by uid, which
// survives reconnects; Conn is the current live connection and is uuid.Nil
// while the member is detached.
type Member struct {
	UID      string
	Nickname string
	Conn     uuid.UUID
}

// VoteResult reports the outcome of a vote or cancel-vote operation.
// Revealed is non-nil when the vote completed the round and the room
// transitioned to RESULTS on its own.
type VoteResult struct {
	Voted    int
	Members  int
	Revealed map[string]int
}

// Room owns one voting session: participant list, votes, phase and host
// identity. All mutating operations on a single room are serialized by its
// mutex; rooms never share locks with each other or with the registry.
type Room struct {
	ID      string
	HostUID string

	// Config is the opaque deck/ruleset value supplied at creation. The core
	// never reads or mutates it.
	Config json.RawMessage

	mu      sync.Mutex
	phase   Phase
	members map[string]*Member
	votes   map[string]int
}

// New creates a room in BIDDING phase with no participants and no votes.
// The creator is not joined; joining is a separate operation.
func New(id string, config json.RawMessage, hostUID string) *Room {
	return &Room{
		ID:      id,
		HostUID: hostUID,
		Config:  config,
		phase:   PhaseBidding,
		members: make(map[string]*Member),
		votes:   make(map[string]int),
	}
}

// Join adds a member, or reattaches an existing uid to a new connection.
// A reconnect replaces the previous connection rather than adding a second
// member; the replaced connection id is returned so the caller can shut the
// stale socket down.
func (r *Room) Join(uid, nickname string, conn uuid.UUID) (replaced uuid.UUID, rejoined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[uid]; ok {
		replaced = m.Conn
		m.Conn = conn
		if nickname != "" {
			m.Nickname = nickname
		}
		return replaced, true
	}
	r.members[uid] = &Member{UID: uid, Nickname: nickname, Conn: conn}
	return uuid.Nil, false
}

// Leave removes a member and any pending vote. Idempotent: removing an
// absent uid reports false and changes nothing.
func (r *Room) Leave(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[uid]; !ok {
		return false
	}
	delete(r.members, uid)
	delete(r.votes, uid)
	return true
}

// Detach clears a member's live connection but keeps the membership, so the
// uid can reattach later. Used by the wait-for-reconnect host policy.
func (r *Room) Detach(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[uid]
	if !ok {
		return false
	}
	m.Conn = uuid.Nil
	return true
}

// Kick removes the target member and any pending vote, returning the
// target's connection so the caller can notify it. Exactly one caller
// observes removed=true for a given membership.
func (r *Room) Kick(uid string) (conn uuid.UUID, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[uid]
	if !ok {
		return uuid.Nil, false
	}
	conn = m.Conn
	delete(r.members, uid)
	delete(r.votes, uid)
	return conn, true
}

// UIDForConn resolves the member uid currently bound to a connection.
// A connection that is not a member resolves to ("", false), which must
// always fail authorization rather than match an empty host uid.
func (r *Room) UIDForConn(conn uuid.UUID) (string, bool) {
	if conn == uuid.Nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for uid, m := range r.members {
		if m.Conn == conn {
			return uid, true
		}
	}
	return "", false
}

// Vote records uid's card choice. Accepted only while BIDDING (ErrWrongPhase
// otherwise) and only for current members (ErrNotMember); a repeat vote
// overwrites the previous entry. When the vote completes the round the room
// transitions to RESULTS under the same lock and the frozen vote set is
// returned in Revealed.
func (r *Room) Vote(uid string, cardIndex int) (VoteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseBidding {
		return VoteResult{}, ErrWrongPhase
	}
	if _, ok := r.members[uid]; !ok {
		return VoteResult{}, ErrNotMember
	}
	r.votes[uid] = cardIndex

	res := VoteResult{Voted: len(r.votes), Members: len(r.members)}
	if len(r.votes) >= len(r.members) {
		r.phase = PhaseResults
		res.Revealed = r.votesCopyLocked()
	}
	return res, nil
}

// CancelVote removes uid's vote entry. Only meaningful while BIDDING; during
// RESULTS the vote set is frozen and ErrWrongPhase is returned.
func (r *Room) CancelVote(uid string) (VoteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseBidding {
		return VoteResult{}, ErrWrongPhase
	}
	if _, ok := r.votes[uid]; !ok {
		return VoteResult{}, ErrNoVote
	}
	delete(r.votes, uid)
	return VoteResult{Voted: len(r.votes), Members: len(r.members)}, nil
}

// ForceEndBidding transitions BIDDING -> RESULTS and reveals the vote set
// as-is. Returns ErrWrongPhase if the room is already in RESULTS, so a
// duplicate request broadcasts nothing.
func (r *Room) ForceEndBidding() (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseBidding {
		return nil, ErrWrongPhase
	}
	r.phase = PhaseResults
	return r.votesCopyLocked(), nil
}

// StartNewRound transitions back to BIDDING and clears every vote. The
// participant list is preserved unchanged.
func (r *Room) StartNewRound() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.phase = PhaseBidding
	r.votes = make(map[string]int)
}

// Phase returns the current phase.
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// IsHost reports whether uid holds host authority for this room. Host
// authority is config-like: it belongs to the uid even while disconnected.
func (r *Room) IsHost(uid string) bool {
	return uid != "" && uid == r.HostUID
}

// Members returns a stable snapshot of the participant list for broadcast.
func (r *Room) Members() []events.MemberInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]events.MemberInfo, 0, len(r.members))
	for uid, m := range r.members {
		_, voted := r.votes[uid]
		out = append(out, events.MemberInfo{
			UID:       uid,
			Nickname:  m.Nickname,
			HasVoted:  voted,
			Connected: m.Conn != uuid.Nil,
		})
	}
	return out
}

// Tally returns the current voted/member counts without revealing values.
func (r *Room) Tally() (voted, members int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.votes), len(r.members)
}

// Conns returns the live connections of every current member.
func (r *Room) Conns() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]uuid.UUID, 0, len(r.members))
	for _, m := range r.members {
		if m.Conn != uuid.Nil {
			out = append(out, m.Conn)
		}
	}
	return out
}

// Empty reports whether the room has no members at all.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

func (r *Room) votesCopyLocked() map[string]int {
	out := make(map[string]int, len(r.votes))
	for uid, idx := range r.votes {
		out[uid] = idx
	}
	return out
}
