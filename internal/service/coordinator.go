// internal/service/coordinator.go
package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pileplan/pileplan/internal/events"
	"github.com/pileplan/pileplan/internal/history"
	"github.com/pileplan/pileplan/internal/room"
)

// TokenValidator confirms that a presented auth token belongs to the claimed
// uid. The credential issuer is an external collaborator; this core only
// ever asks "is this identity authentic".
type TokenValidator interface {
	Validate(token, uid string) bool
}

// HistorySink receives best-effort room lifecycle telemetry.
type HistorySink interface {
	Publish(ctx context.Context, record history.RoomEventRecord)
}

// outboundQueueSize bounds each connection's notification backlog.
const outboundQueueSize = 32

// Denial descriptions for each privileged action, rendered by the client.
var (
	errCreateDenied = &room.NotAuthorizedError{
		Title:   "Failed to Create Room",
		Message: "We could not authorize your attempt to create a room.",
	}
	errCloseDenied = &room.NotAuthorizedError{
		Title:   "Failed to Close Room",
		Message: "We could not authorize your attempt to close this room.",
	}
	errKickDenied = &room.NotAuthorizedError{
		Title:   "Failed to Kick User",
		Message: "We could not authorize your attempt to kick that user.",
	}
	errKickHostDenied = &room.NotAuthorizedError{
		Title:   "Failed to Kick User",
		Message: "The host cannot be kicked from the room.",
	}
	errNewRoundDenied = &room.NotAuthorizedError{
		Title:   "Failed to Start New Round",
		Message: "We could not authorize your attempt to start a new round.",
	}
	errEndBiddingDenied = &room.NotAuthorizedError{
		Title:   "Failed to Force End Bidding",
		Message: "We could not authorize your attempt to force the bidding round to end.",
	}
)

// Coordinator owns the room registry and the connection registry. It is the
// single entry point for inbound client events: it validates payload shape,
// resolves the target room, performs the authorization check appropriate to
// the action, invokes the room operation and fans the resulting
// notifications out to the affected connections.
//
// Constructed once per process; Shutdown tears down every connection and
// room.
type Coordinator struct {
	logger     *logrus.Logger
	validator  TokenValidator
	rooms      *room.Store
	conns      *connRegistry
	sink       HistorySink
	hostPolicy room.HostDisconnectPolicy
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHistory attaches a room-event telemetry sink.
func WithHistory(sink HistorySink) Option {
	return func(co *Coordinator) {
		co.sink = sink
	}
}

// WithHostDisconnectPolicy overrides the default close-on-host-disconnect
// behavior.
func WithHostDisconnectPolicy(p room.HostDisconnectPolicy) Option {
	return func(co *Coordinator) {
		co.hostPolicy = p
	}
}

// New builds a Coordinator with an empty registry.
func New(logger *logrus.Logger, validator TokenValidator, opts ...Option) *Coordinator {
	co := &Coordinator{
		logger:     logger,
		validator:  validator,
		rooms:      room.NewStore(),
		conns:      newConnRegistry(),
		hostPolicy: room.HostDisconnectClose,
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Rooms exposes the registry for diagnostics endpoints.
func (co *Coordinator) Rooms() *room.Store {
	return co.rooms
}

// Register creates a connection record for a newly accepted socket. The
// cancel function is invoked when the coordinator wants the transport to
// shut the socket down (kick of a stale connection, shutdown).
func (co *Coordinator) Register(cancel context.CancelFunc) *Conn {
	if cancel == nil {
		cancel = func() {}
	}
	c := &Conn{
		ID:     uuid.New(),
		cancel: cancel,
		out:    make(chan events.Outbound, outboundQueueSize),
		logger: co.logger,
	}
	co.conns.add(c)
	co.logger.WithField("conn", c.ID).Debug("connection registered")
	return c
}

// Dispatch decodes one inbound envelope from connID and routes it. Malformed
// payloads are client-programming-error noise: they are logged and dropped
// before any registry lookup, with no notification to any party.
func (co *Coordinator) Dispatch(connID uuid.UUID, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			co.logger.WithFields(logrus.Fields{"conn": connID, "panic": rec}).
				Error("recovered while handling event")
		}
	}()

	c, ok := co.conns.get(connID)
	if !ok {
		co.logger.WithField("conn", connID).Warn("event from unregistered connection")
		return
	}

	var ev events.Inbound
	if err := json.Unmarshal(raw, &ev); err != nil {
		co.logger.WithFields(logrus.Fields{"conn": connID, "error": err}).Warn("invalid event json")
		return
	}

	switch ev.Type {
	case events.TypeCreateRoom:
		co.createRoom(c, ev)
	case events.TypeJoinRoom:
		co.joinRoom(c, ev)
	case events.TypeCloseRoom:
		co.closeRoom(c, ev)
	case events.TypeKickUser:
		co.kickUser(c, ev)
	case events.TypeUserVote:
		co.userVote(c, ev)
	case events.TypeUserCancelVote:
		co.userCancelVote(c, ev)
	case events.TypeStartNewRound:
		co.startNewRound(c, ev)
	case events.TypeForceEndBidding:
		co.forceEndBidding(c, ev)
	default:
		co.logger.WithFields(logrus.Fields{"conn": connID, "type": ev.Type}).Warn("unknown event type")
	}
}

// createRoom registers a new room after an identity-only authorization
// check. The creator is not joined to the room; the duplicate-id check
// happens inside the store under its lock, so a failed create mutates
// nothing.
func (co *Coordinator) createRoom(c *Conn, ev events.Inbound) {
	if ev.RoomID == "" || len(ev.RoomConfig) == 0 || ev.UID == "" || ev.AuthToken == "" {
		co.dropInvalid(c, ev)
		return
	}
	if !co.validator.Validate(ev.AuthToken, ev.UID) {
		co.notAuthorized(c, errCreateDenied)
		return
	}
	if err := co.rooms.Add(room.New(ev.RoomID, ev.RoomConfig, ev.UID)); err != nil {
		c.Send(events.Outbound{Type: events.EventRoomAlreadyCreated})
		return
	}
	c.Send(events.Outbound{Type: events.EventCreateSuccess})
	co.record(ev.RoomID, "room_created", ev.UID, nil)
	co.logger.WithFields(logrus.Fields{"room": ev.RoomID, "host": ev.UID}).Info("room created")
}

// joinRoom is an open action: any user holding the room id may join, no
// token required. A join with a uid that is already a member replaces that
// member's live connection, and the stale socket is told to close.
func (co *Coordinator) joinRoom(c *Conn, ev events.Inbound) {
	if ev.RoomID == "" || ev.Nickname == "" || ev.UID == "" {
		co.dropInvalid(c, ev)
		return
	}
	r, ok := co.rooms.Get(ev.RoomID)
	if !ok {
		c.Send(events.Outbound{Type: events.EventRoomInactive})
		return
	}

	replaced, rejoined := r.Join(ev.UID, ev.Nickname, c.ID)
	if rejoined && replaced != uuid.Nil && replaced != c.ID {
		co.conns.setRoom(replaced, "")
		if stale, ok := co.conns.get(replaced); ok {
			stale.cancel()
		}
	}
	co.conns.setRoom(c.ID, ev.RoomID)

	co.broadcastMembers(r)
	co.record(ev.RoomID, "user_joined", ev.UID, map[string]interface{}{"nickname": ev.Nickname})
}

// closeRoom requires host authorization by uid: the host may close the room
// while not connected to its socket at all.
func (co *Coordinator) closeRoom(c *Conn, ev events.Inbound) {
	if ev.RoomID == "" || ev.UID == "" || ev.AuthToken == "" {
		co.dropInvalid(c, ev)
		return
	}
	r, ok := co.rooms.Get(ev.RoomID)
	if !ok {
		c.Send(events.Outbound{Type: events.EventHostRoomClosedFailure})
		return
	}
	if !r.IsHost(ev.UID) || !co.validator.Validate(ev.AuthToken, ev.UID) {
		co.notAuthorized(c, errCloseDenied)
		return
	}

	co.evictRoom(r)
	c.Send(events.Outbound{Type: events.EventHostRoomClosedSuccess})
	co.record(ev.RoomID, "room_closed", ev.UID, nil)
	co.logger.WithField("room", ev.RoomID).Info("room closed by host")
}

// kickUser requires host authorization resolved from the requesting
// connection's room membership: the host must be actively connected to the
// room to kick from it. An unknown room fails silently.
func (co *Coordinator) kickUser(c *Conn, ev events.Inbound) {
	if ev.RoomID == "" || ev.User == "" || ev.AuthToken == "" {
		co.dropInvalid(c, ev)
		return
	}
	r, ok := co.rooms.Get(ev.RoomID)
	if !ok {
		return
	}
	if !co.hostByConn(r, c.ID, ev.AuthToken) {
		co.notAuthorized(c, errKickDenied)
		return
	}
	if r.IsHost(ev.User) {
		co.notAuthorized(c, errKickHostDenied)
		return
	}

	targetConn, removed := r.Kick(ev.User)
	if !removed {
		return
	}
	if targetConn != uuid.Nil {
		co.conns.setRoom(targetConn, "")
		if target, ok := co.conns.get(targetConn); ok {
			target.Send(events.Outbound{Type: events.EventKickedFromRoom, Payload: map[string]interface{}{
				"roomID": ev.RoomID,
			}})
		}
	}
	co.broadcastMembers(r)
	co.record(ev.RoomID, "user_kicked", ev.User, nil)
}

// userVote records the caller's card choice. The room enforces phase
// legality internally; a vote during RESULTS or from a non-member is a stale
// client message and is dropped without notice. Chosen values stay secret:
// only the tally is broadcast, until the vote set completes the round and
// the results are revealed.
func (co *Coordinator) userVote(c *Conn, ev events.Inbound) {
	if ev.RoomID == "" || ev.CardIndex == nil {
		co.dropInvalid(c, ev)
		return
	}
	r, ok := co.rooms.Get(ev.RoomID)
	if !ok {
		return
	}
	uid, ok := r.UIDForConn(c.ID)
	if !ok {
		return
	}

	res, err := r.Vote(uid, *ev.CardIndex)
	if err != nil {
		co.logger.WithFields(logrus.Fields{"room": r.ID, "uid": uid, "error": err}).
			Debug("vote dropped")
		return
	}
	if res.Revealed != nil {
		co.broadcastResults(r, res.Revealed)
		co.record(ev.RoomID, "bidding_ended", "", map[string]interface{}{"votes": res.Revealed})
		return
	}
	co.broadcastTally(r, res.Voted, res.Members)
}

// userCancelVote removes the caller's vote entry if present.
func (co *Coordinator) userCancelVote(c *Conn, ev events.Inbound) {
	if ev.RoomID == "" {
		co.dropInvalid(c, ev)
		return
	}
	r, ok := co.rooms.Get(ev.RoomID)
	if !ok {
		return
	}
	uid, ok := r.UIDForConn(c.ID)
	if !ok {
		return
	}
	res, err := r.CancelVote(uid)
	if err != nil {
		return
	}
	co.broadcastTally(r, res.Voted, res.Members)
}

// startNewRound transitions RESULTS -> BIDDING, clearing every vote.
// Host-connected authorization, same shape as kickUser.
func (co *Coordinator) startNewRound(c *Conn, ev events.Inbound) {
	if ev.RoomID == "" || ev.AuthToken == "" {
		co.dropInvalid(c, ev)
		return
	}
	r, ok := co.rooms.Get(ev.RoomID)
	if !ok {
		return
	}
	if !co.hostByConn(r, c.ID, ev.AuthToken) {
		co.notAuthorized(c, errNewRoundDenied)
		return
	}

	r.StartNewRound()
	co.broadcast(r, events.Outbound{Type: events.EventNewRound, Payload: map[string]interface{}{
		"roomID": r.ID,
		"phase":  string(room.PhaseBidding),
	}})
	co.broadcastMembers(r)
	co.record(ev.RoomID, "new_round", "", nil)
}

// forceEndBidding transitions BIDDING -> RESULTS and reveals the frozen
// vote set. Host-connected authorization. A duplicate request finds the
// room already in RESULTS and broadcasts nothing.
func (co *Coordinator) forceEndBidding(c *Conn, ev events.Inbound) {
	if ev.RoomID == "" || ev.AuthToken == "" {
		co.dropInvalid(c, ev)
		return
	}
	r, ok := co.rooms.Get(ev.RoomID)
	if !ok {
		return
	}
	if !co.hostByConn(r, c.ID, ev.AuthToken) {
		co.notAuthorized(c, errEndBiddingDenied)
		return
	}

	revealed, err := r.ForceEndBidding()
	if err != nil {
		return
	}
	co.broadcastResults(r, revealed)
	co.record(ev.RoomID, "bidding_ended", "", map[string]interface{}{"votes": revealed})
}

// Disconnect handles connection loss. It is the only cancellation signal in
// the system and must be idempotent: a cleanup running twice for the same
// connection finds no record the second time and stops. Any failure here is
// logged and swallowed; cleanup never takes the process down.
func (co *Coordinator) Disconnect(connID uuid.UUID) {
	defer func() {
		if rec := recover(); rec != nil {
			co.logger.WithFields(logrus.Fields{"conn": connID, "panic": rec}).
				Error("recovered during disconnect cleanup")
		}
	}()

	roomID, _ := co.conns.roomOf(connID)
	c, ok := co.conns.remove(connID)
	if !ok {
		return
	}
	c.cancel()

	if roomID == "" {
		return
	}
	r, ok := co.rooms.Get(roomID)
	if !ok {
		return
	}
	uid, ok := r.UIDForConn(connID)
	if !ok {
		return
	}

	if r.IsHost(uid) {
		co.hostDisconnected(r, uid)
		return
	}
	if r.Leave(uid) {
		co.broadcastMembers(r)
		co.record(roomID, "user_left", uid, nil)
	}
}

// hostDisconnected applies the configured policy when the host's connection
// drops without an explicit close_room.
func (co *Coordinator) hostDisconnected(r *room.Room, uid string) {
	switch co.hostPolicy {
	case room.HostDisconnectOrphan:
		if r.Leave(uid) {
			co.broadcastMembers(r)
			co.record(r.ID, "user_left", uid, nil)
		}
	case room.HostDisconnectWait:
		if r.Detach(uid) {
			co.broadcastMembers(r)
		}
	default:
		co.evictRoom(r)
		co.record(r.ID, "room_closed", uid, map[string]interface{}{"reason": "host_disconnected"})
		co.logger.WithField("room", r.ID).Info("room closed after host disconnect")
	}
}

// Shutdown force-disconnects every connection and evicts every room.
func (co *Coordinator) Shutdown() {
	for _, r := range co.rooms.Rooms() {
		co.evictRoom(r)
	}
	for _, c := range co.conns.all() {
		co.conns.remove(c.ID)
		c.cancel()
	}
}

// evictRoom sends a forced-disconnect notification to every member
// connection, detaches them from the room, and removes the room from the
// registry.
func (co *Coordinator) evictRoom(r *room.Room) {
	for _, cid := range r.Conns() {
		co.conns.setRoom(cid, "")
		if member, ok := co.conns.get(cid); ok {
			member.Send(events.Outbound{Type: events.EventRoomClosed, Payload: map[string]interface{}{
				"roomID": r.ID,
			}})
		}
	}
	co.rooms.Delete(r.ID)
}

// hostByConn resolves the caller's uid from its membership in r, then
// checks host identity and token validity. A connection that is not a
// member resolves to no uid and always fails.
func (co *Coordinator) hostByConn(r *room.Room, connID uuid.UUID, token string) bool {
	uid, ok := r.UIDForConn(connID)
	return ok && r.IsHost(uid) && co.validator.Validate(token, uid)
}

func (co *Coordinator) notAuthorized(c *Conn, denial *room.NotAuthorizedError) {
	c.Send(events.Outbound{Type: events.EventNotAuthorized, Title: denial.Title, Message: denial.Message})
}

func (co *Coordinator) dropInvalid(c *Conn, ev events.Inbound) {
	co.logger.WithFields(logrus.Fields{"conn": c.ID, "type": ev.Type}).
		Warn("invalid event info, dropping")
}

func (co *Coordinator) broadcast(r *room.Room, ev events.Outbound) {
	for _, cid := range r.Conns() {
		if c, ok := co.conns.get(cid); ok {
			c.Send(ev)
		}
	}
}

func (co *Coordinator) broadcastMembers(r *room.Room) {
	co.broadcast(r, events.Outbound{Type: events.EventMemberUpdate, Payload: map[string]interface{}{
		"roomID": r.ID,
		"phase":  string(r.Phase()),
		"users":  r.Members(),
	}})
}

func (co *Coordinator) broadcastTally(r *room.Room, voted, members int) {
	co.broadcast(r, events.Outbound{Type: events.EventVoteTally, Payload: map[string]interface{}{
		"roomID": r.ID,
		"voted":  voted,
		"total":  members,
	}})
}

func (co *Coordinator) broadcastResults(r *room.Room, revealed map[string]int) {
	co.broadcast(r, events.Outbound{Type: events.EventBiddingEnded, Payload: map[string]interface{}{
		"roomID": r.ID,
		"phase":  string(room.PhaseResults),
		"votes":  revealed,
	}})
}

// record publishes best-effort telemetry about a completed room mutation.
func (co *Coordinator) record(roomID, eventType, actorUID string, payload map[string]interface{}) {
	if co.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	co.sink.Publish(ctx, history.RoomEventRecord{
		RoomID:    roomID,
		EventType: eventType,
		ActorUID:  actorUID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}
