package server

import (
	"encoding/json"
	"net/http"

	"github.com/onnwee/standup-hub/standup"
)

// HandleCapabilities serves the add-on's own capability descriptor. The
// platform fetches it when an administrator installs the add-on.
func (h *Handlers) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc := map[string]any{
		"links": map[string]string{
			"self":     h.cfg.CapabilitiesURL(),
			"homepage": h.cfg.BaseURL,
		},
		"key":         h.cfg.AddonKey,
		"name":        h.cfg.AddonName,
		"description": "Chat add-on that supports async standups",
		"vendor": map[string]string{
			"name": h.cfg.AddonName,
			"url":  h.cfg.BaseURL,
		},
		"capabilities": map[string]any{
			"installable": map[string]any{
				"allowGlobal": false,
				"allowRoom":   true,
				"callbackUrl": h.cfg.InstallableURL(),
			},
			"hipchatApiConsumer": map[string]any{
				"scopes":   h.cfg.Scopes,
				"fromName": h.cfg.FromName,
			},
			"webhook": []map[string]string{
				{
					"url":     h.cfg.WebhookURL(),
					"event":   "room_message",
					"pattern": `^` + standup.CommandPrefix + `(\s|$).*`,
				},
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
