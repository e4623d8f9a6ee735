// internal/service/connections.go
package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pileplan/pileplan/internal/events"
)

// Conn is one live duplex channel to a client process. Outbound
// notifications are queued on a buffered channel drained by the transport's
// write pump; the connection's room association lives in the registry, not
// here, so it is always read and written under the registry lock.
type Conn struct {
	ID     uuid.UUID
	cancel context.CancelFunc
	out    chan events.Outbound
	logger *logrus.Logger
}

// Send pushes a notification onto the connection's outbound queue without
// blocking. A full queue means the client has stopped draining; the event is
// dropped and logged rather than stalling a room operation.
func (c *Conn) Send(ev events.Outbound) {
	select {
	case c.out <- ev:
	default:
		c.logger.WithFields(logrus.Fields{
			"conn":  c.ID,
			"event": ev.Type,
		}).Warn("outbound queue full, dropping event")
	}
}

// Events exposes the outbound queue to the transport's write pump.
func (c *Conn) Events() <-chan events.Outbound {
	return c.out
}

// connRegistry maps each live connection to the room it is currently
// associated with, if any. It is leaf-level bookkeeping consumed only by the
// coordinator.
type connRegistry struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*Conn
	rooms map[uuid.UUID]string // connID -> connectedRoomID
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		conns: make(map[uuid.UUID]*Conn),
		rooms: make(map[uuid.UUID]string),
	}
}

func (cr *connRegistry) add(c *Conn) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.conns[c.ID] = c
}

// remove deletes the connection record, returning it once. A second removal
// of the same id reports ok=false so disconnect cleanup stays idempotent.
func (cr *connRegistry) remove(id uuid.UUID) (*Conn, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	c, ok := cr.conns[id]
	if !ok {
		return nil, false
	}
	delete(cr.conns, id)
	delete(cr.rooms, id)
	return c, true
}

func (cr *connRegistry) get(id uuid.UUID) (*Conn, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	c, ok := cr.conns[id]
	return c, ok
}

// setRoom records (or clears, with "") the room a connection is joined to.
func (cr *connRegistry) setRoom(id uuid.UUID, roomID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if _, ok := cr.conns[id]; !ok {
		return
	}
	if roomID == "" {
		delete(cr.rooms, id)
		return
	}
	cr.rooms[id] = roomID
}

func (cr *connRegistry) roomOf(id uuid.UUID) (string, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	roomID, ok := cr.rooms[id]
	return roomID, ok
}

func (cr *connRegistry) all() []*Conn {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	out := make([]*Conn, 0, len(cr.conns))
	for _, c := range cr.conns {
		out = append(out, c)
	}
	return out
}
