// Package server exposes the HTTP surface of the add-on: the capability
// descriptor, the installation lifecycle callbacks, the standup webhook, the
// live-update WebSocket endpoint, and operational probes. It includes
// configurable CORS and injects correlation IDs into request contexts for
// consistent logging.
package server

import (
	"database/sql"
	"net/http"

	"github.com/onnwee/standup-hub/addon"
	"github.com/onnwee/standup-hub/config"
	"github.com/onnwee/standup-hub/live"
	"github.com/onnwee/standup-hub/standup"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg        *config.Config
	db         *sql.DB
	registry   *addon.Registry
	dispatcher *standup.Dispatcher
	live       *live.Registry
	httpClient *http.Client
}

// NewHandlers creates a Handlers instance with the given dependencies.
// httpClient is used for outbound capability fetches; nil means
// http.DefaultClient.
func NewHandlers(cfg *config.Config, db *sql.DB, registry *addon.Registry, dispatcher *standup.Dispatcher, liveReg *live.Registry, httpClient *http.Client) *Handlers {
	return &Handlers{
		cfg:        cfg,
		db:         db,
		registry:   registry,
		dispatcher: dispatcher,
		live:       liveReg,
		httpClient: httpClient,
	}
}
