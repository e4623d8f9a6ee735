// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pileplan/pileplan/internal/middleware"
	"github.com/pileplan/pileplan/internal/service"
)

// RoomWSHandler upgrades the connection and wires it into the coordinator:
// one read pump decoding inbound envelopes, one write pump draining the
// connection's outbound queue. Disconnect, however it happens, funnels into
// a single coordinator cleanup call after the read pump exits.
func RoomWSHandler(logger *logrus.Logger, coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"pileplan"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "pileplan" {
			c.Close(BadSubprotocolError, "client must speak the pileplan subprotocol")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn := coord.Register(cancel)
		middleware.LogWebSocketConnect(logger, remoteAddr, r.URL.Path)

		go writePump(ctx, c, conn, logger)
		readPump(ctx, c, conn, coord, logger)

		coord.Disconnect(conn.ID)
		middleware.LogWebSocketDisconnect(logger, remoteAddr, r.URL.Path, nil)
	}
}

// readPump reads inbound frames and hands them to the coordinator until the
// socket closes or the context is cancelled.
func readPump(ctx context.Context, c *websocket.Conn, conn *service.Conn, coord *service.Coordinator, logger *logrus.Logger) {
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				logger.WithField("conn", conn.ID).Info("websocket closed normally")
			} else if ctx.Err() == nil {
				logger.WithFields(logrus.Fields{"conn": conn.ID, "error": err}).Warn("websocket read error")
			}
			return
		}
		if typ != websocket.MessageText {
			logger.WithFields(logrus.Fields{"conn": conn.ID, "frame": typ}).Warn("ignoring non-text frame")
			continue
		}
		coord.Dispatch(conn.ID, msg)
	}
}

// writePump drains the connection's outbound queue onto the socket and keeps
// the connection alive with periodic pings.
func writePump(ctx context.Context, c *websocket.Conn, conn *service.Conn, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusGoingAway, "session ended")
			return
		case ev := <-conn.Events():
			data, err := json.Marshal(ev)
			if err != nil {
				logger.WithFields(logrus.Fields{"conn": conn.ID, "error": err}).Warn("failed to marshal outbound event")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.WithFields(logrus.Fields{"conn": conn.ID, "error": err}).Warn("websocket write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.WithFields(logrus.Fields{"conn": conn.ID, "error": err}).Warn("ping failed, assuming disconnect")
				return
			}
		}
	}
}
