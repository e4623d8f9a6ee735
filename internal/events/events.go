// internal/events/events.go
package events

import "encoding/json"

// Inbound event types sent by clients over the room socket.
const (
	TypeCreateRoom      = "create_room"
	TypeJoinRoom        = "join_room"
	TypeCloseRoom       = "close_room"
	TypeKickUser        = "kick_user"
	TypeUserVote        = "user_vote"
	TypeUserCancelVote  = "user_cancel_vote"
	TypeStartNewRound   = "start_new_round"
	TypeForceEndBidding = "force_end_bidding"
)

// Inbound is the envelope for every client-to-server message. Fields are
// required or not depending on Type; the coordinator validates per event.
type Inbound struct {
	Type       string          `json:"type"`
	RoomID     string          `json:"roomID,omitempty"`
	RoomConfig json.RawMessage `json:"roomConfig,omitempty"`
	Nickname   string          `json:"nickname,omitempty"`
	UID        string          `json:"uid,omitempty"`
	AuthToken  string          `json:"authToken,omitempty"`

	// User is the target uid for kick_user.
	User string `json:"user,omitempty"`

	// CardIndex is a pointer so that index 0 survives the "is it present"
	// check. A nil pointer means the field was absent.
	CardIndex *int `json:"cardIndex,omitempty"`
}

// OutboundType is an enum-like type for server-to-client notifications.
type OutboundType string

const (
	// Requester-only signals.
	EventRoomInactive          OutboundType = "room_inactive"
	EventRoomAlreadyCreated    OutboundType = "room_already_created"
	EventCreateSuccess         OutboundType = "create_success"
	EventHostRoomClosedSuccess OutboundType = "host_room_closed_success"
	EventHostRoomClosedFailure OutboundType = "host_room_closed_failure"
	EventNotAuthorized         OutboundType = "not_authorized"

	// Targeted signals.
	EventKickedFromRoom OutboundType = "kicked_from_room"
	EventRoomClosed     OutboundType = "room_closed"

	// Broadcast state updates to every connection joined to the room.
	EventMemberUpdate OutboundType = "member_update"
	EventVoteTally    OutboundType = "vote_tally"
	EventNewRound     OutboundType = "new_round"
	EventBiddingEnded OutboundType = "bidding_ended"
)

// Outbound holds data about a notification in a consistent wire format.
// Title and Message are set on not_authorized events so the client can render
// context-specific messaging; everything else rides in Payload.
type Outbound struct {
	Type    OutboundType           `json:"type"`
	Title   string                 `json:"title,omitempty"`
	Message string                 `json:"message,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// MemberInfo describes one room participant inside member_update payloads.
type MemberInfo struct {
	UID       string `json:"uid"`
	Nickname  string `json:"nickname"`
	HasVoted  bool   `json:"hasVoted"`
	Connected bool   `json:"connected"`
}
