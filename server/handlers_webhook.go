package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/standup-hub/db"
	"github.com/onnwee/standup-hub/standup"
	"github.com/onnwee/standup-hub/telemetry"
)

// webhookRequest is the room_message webhook payload, reduced to the fields
// the dispatcher needs.
type webhookRequest struct {
	OAuthClientID string `json:"oauth_client_id"`
	Item          struct {
		Message struct {
			Message string       `json:"message"`
			From    standup.User `json:"from"`
		} `json:"message"`
		Room struct {
			ID json.Number `json:"id"`
		} `json:"room"`
	} `json:"item"`
}

// HandleWebhook receives room messages matching the standup pattern and runs
// them through the dispatcher. The platform only needs a 204; user feedback
// travels through room notifications.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed webhook payload", http.StatusBadRequest)
		return
	}
	if req.OAuthClientID == "" {
		http.Error(w, "missing oauth_client_id", http.StatusBadRequest)
		return
	}

	client, err := h.registry.LoadClient(ctx, req.OAuthClientID)
	if err != nil {
		if errors.Is(err, db.ErrTenantNotFound) {
			log.Warn("webhook from unknown tenant", slog.String("oauth_id", req.OAuthClientID))
			http.Error(w, "unknown tenant", http.StatusBadRequest)
			return
		}
		log.Error("tenant load failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	roomID := req.Item.Room.ID.String()
	telemetry.TimeFunc(telemetry.CommandDuration, func() {
		err = h.dispatcher.Dispatch(ctx, client, roomID, req.Item.Message.From, req.Item.Message.Message)
	})
	if err != nil {
		log.Error("command dispatch failed",
			slog.String("oauth_id", req.OAuthClientID),
			slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
