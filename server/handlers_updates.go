package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/standup-hub/db"
	"github.com/onnwee/standup-hub/telemetry"
)

// HandleUpdates upgrades a browser connection into the live registry for one
// room. The tenant is named by the oauth_id query parameter; the room by the
// trailing path segment.
func (h *Handlers) HandleUpdates(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context())

	roomID := strings.TrimPrefix(r.URL.Path, "/updates/")
	if roomID == "" || strings.Contains(roomID, "/") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	oauthID := r.URL.Query().Get("oauth_id")
	if oauthID == "" {
		http.Error(w, "missing oauth_id", http.StatusBadRequest)
		return
	}
	// Only installed tenants get a live feed.
	if _, err := db.GetTenant(r.Context(), h.db, oauthID); err != nil {
		if errors.Is(err, db.ErrTenantNotFound) {
			http.Error(w, "unknown tenant", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.live.ServeWS(w, r, oauthID, roomID); err != nil {
		// Upgrade failures have already written a response; attach failures
		// just close the socket.
		log.Debug("live connection ended with error",
			slog.String("room", roomID), slog.Any("error", err))
	}
}
