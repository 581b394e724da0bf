// Package addon ties installed tenants to API clients and fans out
// installation lifecycle events to interested components.
package addon

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"

	"github.com/onnwee/standup-hub/db"
	"github.com/onnwee/standup-hub/hipchat"
)

// Event is an installation lifecycle notification.
type Event struct {
	Name   string // "install" or "uninstall"
	Client *hipchat.Client
}

const (
	EventInstall   = "install"
	EventUninstall = "uninstall"
)

// Listener receives lifecycle events. Implementations must not block for long;
// they run synchronously on the handshake path.
type Listener interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, ev Event) error

func (f ListenerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Registry resolves tenant oauth ids to ready-to-use API clients backed by a
// shared token cache, and dispatches lifecycle events.
type Registry struct {
	DB         *sql.DB
	Tokens     *hipchat.TokenCache
	HTTPClient *http.Client

	mu        sync.RWMutex
	listeners []Listener
}

// NewRegistry builds a registry over the given store and token cache.
func NewRegistry(dbx *sql.DB, tokens *hipchat.TokenCache, hc *http.Client) *Registry {
	return &Registry{DB: dbx, Tokens: tokens, HTTPClient: hc}
}

// LoadClient fetches an installed tenant's credential and wraps it in a
// client. Returns db.ErrTenantNotFound for unknown ids.
func (r *Registry) LoadClient(ctx context.Context, oauthID string) (*hipchat.Client, error) {
	cred, err := db.GetTenant(ctx, r.DB, oauthID)
	if err != nil {
		return nil, err
	}
	return hipchat.NewClient(cred, r.Tokens, r.HTTPClient), nil
}

// AddListener registers a lifecycle listener. Safe to call concurrently with
// FireEvent.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// FireEvent dispatches ev to every registered listener. A failing or
// panicking listener is logged and does not stop delivery to the others, and
// never fails the triggering request.
func (r *Registry) FireEvent(ctx context.Context, ev Event) {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("lifecycle listener panicked",
						slog.String("event", ev.Name),
						slog.Any("panic", rec))
				}
			}()
			if err := l.HandleEvent(ctx, ev); err != nil {
				slog.Warn("lifecycle listener failed",
					slog.String("event", ev.Name),
					slog.Any("error", err))
			}
		}()
	}
}
