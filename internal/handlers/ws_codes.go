// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the room transport. These provide
// more specific reasons for closure than standard codes.
const (
	BadSubprotocolError = 3000 // Client connected with an unsupported subprotocol.
	ConnectionReplaced  = 3001 // A newer connection for the same uid took over this session.
	ServerShuttingDown  = 3002 // Process is terminating.
)
