package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/standup-hub/addon"
	"github.com/onnwee/standup-hub/db"
	"github.com/onnwee/standup-hub/hipchat"
	"github.com/onnwee/standup-hub/telemetry"
)

// installRequest is the platform's install callback payload.
type installRequest struct {
	OAuthID         string      `json:"oauthId"`
	OAuthSecret     string      `json:"oauthSecret"`
	CapabilitiesURL string      `json:"capabilitiesUrl"`
	RoomID          json.Number `json:"roomId"`
}

// HandleInstall processes the installation handshake. Validation failures
// answer 400 with the reason; anything else that fails leaves no credential
// behind.
func (h *Handlers) HandleInstall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	err := h.processInstall(r)
	var verr *hipchat.ValidationError
	switch {
	case err == nil:
		telemetry.Inc(telemetry.InstallsSucceeded)
		w.WriteHeader(http.StatusCreated)
	case errors.As(err, &verr):
		log.Error("installation failed", slog.String("reason", verr.Reason))
		telemetry.Inc(telemetry.InstallsRejected)
		http.Error(w, verr.Reason, http.StatusBadRequest)
	default:
		log.Error("installation error", slog.Any("error", err))
		http.Error(w, "installation could not be stored", http.StatusInternalServerError)
	}
}

// processInstall runs the handshake: validate the request shape, fetch and
// self-link-verify the tenant's capability document, prove the credentials by
// acquiring a token, then persist and fire the install event.
func (h *Handlers) processInstall(r *http.Request) error {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return hipchat.Invalid("malformed install payload")
	}
	if req.OAuthID == "" || req.OAuthSecret == "" || req.CapabilitiesURL == "" {
		return hipchat.Invalid("install payload missing oauthId, oauthSecret, or capabilitiesUrl")
	}
	if req.RoomID.String() == "" {
		return hipchat.Invalid("This add-on can only be installed in individual rooms. Please visit the 'Add-ons' link in a room's administration area and install from there.")
	}

	log.Info("retrieving capabilities document", slog.String("url", req.CapabilitiesURL))
	doc, err := hipchat.FetchCapabilities(ctx, h.httpClient, req.CapabilitiesURL)
	if err != nil {
		return hipchat.Invalid("unable to retrieve the capabilities document")
	}
	if doc.Links.Self != req.CapabilitiesURL {
		return hipchat.Invalid("the capabilities URL %s doesn't match the resource's self link %s", req.CapabilitiesURL, doc.Links.Self)
	}

	cred := hipchat.NewCredential(req.OAuthID, req.OAuthSecret, req.RoomID.String(), doc)

	// Prove the credentials work before persisting anything, and learn the
	// group identity from the token response.
	tok, err := h.registry.Tokens.FullToken(ctx, cred, hipchat.DefaultScopes...)
	if err != nil {
		log.Warn("install token validation failed", slog.Any("error", err))
		return hipchat.Invalid("unable to retrieve token using the new OAuth information")
	}
	cred.GroupID = tok.GroupID.String()
	cred.GroupName = tok.GroupName

	if err := db.UpsertTenant(ctx, h.db, cred); err != nil {
		return err
	}
	log.Info("installation accepted",
		slog.String("oauth_id", cred.ID),
		slog.String("group_id", cred.GroupID),
		slog.String("room_id", cred.RoomID))

	client := hipchat.NewClient(cred, h.registry.Tokens, h.httpClient)
	h.registry.FireEvent(ctx, addon.Event{Name: addon.EventInstall, Client: client})
	return nil
}

// HandleUninstall removes a tenant when the platform reports removal. Unknown
// ids answer 204 as well; the platform retries on errors.
func (h *Handlers) HandleUninstall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	oauthID := strings.TrimPrefix(r.URL.Path, "/installable/")
	if oauthID == "" || strings.Contains(oauthID, "/") {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	client, err := h.registry.LoadClient(ctx, oauthID)
	if err != nil {
		if errors.Is(err, db.ErrTenantNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		log.Error("tenant load failed", slog.Any("error", err))
		http.Error(w, "uninstall failed", http.StatusInternalServerError)
		return
	}

	if err := db.DeleteTenant(ctx, h.db, oauthID); err != nil {
		log.Error("tenant delete failed", slog.Any("error", err))
		http.Error(w, "uninstall failed", http.StatusInternalServerError)
		return
	}
	h.registry.Tokens.Invalidate(oauthID)
	log.Info("tenant uninstalled", slog.String("oauth_id", oauthID))

	h.registry.FireEvent(ctx, addon.Event{Name: addon.EventUninstall, Client: client})
	w.WriteHeader(http.StatusNoContent)
}
