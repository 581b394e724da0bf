package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/onnwee/standup-hub/hipchat"
)

// MockPlatformServer mocks the chat platform API: token issuance, the tenant
// capability document, and sinks for notifications, glance updates, and
// webhook registrations.
type MockPlatformServer struct {
	*httptest.Server

	mu            sync.Mutex
	tokenCalls    int
	notifications []map[string]any
	glances       []map[string]any
	webhooks      []map[string]string

	participants []hipchat.Participant

	// TokenStatus overrides the token endpoint response code when non-zero.
	TokenStatus int
	// SelfLink overrides the capability document self link when non-empty.
	SelfLink string
}

// NewMockPlatformServer starts a platform mock. The capability document's
// self link defaults to the mock's own /v2/capabilities URL.
func NewMockPlatformServer(t *testing.T) *MockPlatformServer {
	t.Helper()
	m := &MockPlatformServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/v2/capabilities", func(w http.ResponseWriter, r *http.Request) {
		self := m.SelfLink
		if self == "" {
			self = m.URL + "/v2/capabilities"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"links": {"self": %q, "homepage": %q},
			"capabilities": {"oauth2Provider": {"tokenUrl": %q}}
		}`, self, m.URL, m.URL+"/v2/oauth/token")
	})

	mux.HandleFunc("/v2/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.tokenCalls++
		status := m.TokenStatus
		m.mu.Unlock()
		if status != 0 && status != http.StatusOK {
			http.Error(w, "denied", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "mock-token",
			"expires_in":   3600,
			"token_type":   "bearer",
			"group_id":     42,
			"group_name":   "Mock Group",
		})
	})

	mux.HandleFunc("POST /v2/room/{room}/notification", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.notifications = append(m.notifications, body)
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v2/addon/ui/room/{room}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.glances = append(m.glances, body)
		m.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v2/room/{room}", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		parts := make([]hipchat.Participant, len(m.participants))
		copy(parts, m.participants)
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"participants": parts})
	})

	mux.HandleFunc("POST /v2/room/{room}/webhook", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.webhooks = append(m.webhooks, body)
		n := len(m.webhooks)
		m.mu.Unlock()
		w.Header().Set("Location", fmt.Sprintf("%s/v2/room/%s/webhook/%d", m.URL, r.PathValue("room"), n))
		w.WriteHeader(http.StatusCreated)
	})

	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// Credential returns a tenant credential pointing at this mock.
func (m *MockPlatformServer) Credential(id, roomID string) *hipchat.Credential {
	return &hipchat.Credential{
		ID:              id,
		Secret:          "mock-secret",
		RoomID:          roomID,
		GroupID:         "42",
		GroupName:       "Mock Group",
		Homepage:        m.URL,
		TokenURL:        m.URL + "/v2/oauth/token",
		CapabilitiesURL: m.URL + "/v2/capabilities",
	}
}

// SetParticipants sets the member list served by the room resource.
func (m *MockPlatformServer) SetParticipants(parts []hipchat.Participant) {
	m.mu.Lock()
	m.participants = parts
	m.mu.Unlock()
}

// TokenCalls reports how many issuance requests the mock has served.
func (m *MockPlatformServer) TokenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCalls
}

// Notifications returns the room messages received so far.
func (m *MockPlatformServer) Notifications() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.notifications))
	copy(out, m.notifications)
	return out
}

// Glances returns the glance updates received so far.
func (m *MockPlatformServer) Glances() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.glances))
	copy(out, m.glances)
	return out
}

// Webhooks returns the webhook registrations received so far.
func (m *MockPlatformServer) Webhooks() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]string, len(m.webhooks))
	copy(out, m.webhooks)
	return out
}
