// internal/handlers/health.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pileplan/pileplan/internal/service"
)

// HealthHandler reports liveness and the current active-room count.
func HealthHandler(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"activeRooms": coord.Rooms().Len(),
		})
	}
}
