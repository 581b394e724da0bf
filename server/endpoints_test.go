package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/standup-hub/addon"
	"github.com/onnwee/standup-hub/bus"
	"github.com/onnwee/standup-hub/config"
	"github.com/onnwee/standup-hub/db"
	"github.com/onnwee/standup-hub/hipchat"
	"github.com/onnwee/standup-hub/live"
	"github.com/onnwee/standup-hub/standup"
	"github.com/onnwee/standup-hub/testutil"
)

type testEnv struct {
	srv      *httptest.Server
	platform *testutil.MockPlatformServer
	db       *sql.DB
	bus      *bus.MemoryBus
	registry *addon.Registry
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	database := testutil.SetupTestDB(t)
	platform := testutil.NewMockPlatformServer(t)

	cfg := &config.Config{
		BaseURL:   "http://addon.example.com",
		AddonKey:  "standup-hub",
		AddonName: "Standup Hub",
		FromName:  "Standup",
		Scopes:    []string{"view_group", "send_notification"},
	}

	b := bus.NewMemoryBus()
	liveReg := live.NewRegistry(b)
	tokens := hipchat.NewTokenCache(platform.Client())
	registry := addon.NewRegistry(database, tokens, platform.Client())
	dispatcher := standup.NewDispatcher(standup.NewStore(database), b, cfg.AddonKey+".glance")

	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandlers(cfg, database, registry, dispatcher, liveReg, platform.Client())
	srv := httptest.NewServer(NewMux(ctx, h))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		b.Close()
		liveReg.Close()
	})
	return &testEnv{srv: srv, platform: platform, db: database, bus: b, registry: registry}
}

func (e *testEnv) install(t *testing.T, oauthID string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"oauthId":         oauthID,
		"oauthSecret":     "install-secret",
		"capabilitiesUrl": e.platform.URL + "/v2/capabilities",
		"roomId":          100,
	})
	resp, err := http.Post(e.srv.URL+"/installable", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("install request: %v", err)
	}
	t.Cleanup(func() {
		_, _ = e.db.ExecContext(context.Background(), `DELETE FROM tenants WHERE id = $1`, oauthID)
	})
	return resp
}

func TestCapabilitiesDescriptor(t *testing.T) {
	env := setupServer(t)
	resp, err := http.Get(env.srv.URL + "/capabilities")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["key"] != "standup-hub" {
		t.Errorf("key = %v", doc["key"])
	}
	links := doc["links"].(map[string]any)
	if links["self"] != "http://addon.example.com/capabilities" {
		t.Errorf("self = %v", links["self"])
	}
	caps := doc["capabilities"].(map[string]any)
	installable := caps["installable"].(map[string]any)
	if installable["allowGlobal"] != false || installable["allowRoom"] != true {
		t.Errorf("installable flags = %v", installable)
	}
}

func TestInstallHandshake(t *testing.T) {
	env := setupServer(t)
	resp := env.install(t, "install-ok")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cred, err := db.GetTenant(context.Background(), env.db, "install-ok")
	if err != nil {
		t.Fatalf("tenant not stored: %v", err)
	}
	if cred.Secret != "install-secret" || cred.RoomID != "100" {
		t.Errorf("stored credential = %+v", cred)
	}
	// The group identity comes from the validation token response.
	if cred.GroupID != "42" || cred.GroupName != "Mock Group" {
		t.Errorf("group = %q %q", cred.GroupID, cred.GroupName)
	}
	if env.platform.TokenCalls() == 0 {
		t.Error("install accepted without validating the credentials upstream")
	}
}

func TestInstallIdempotentReinstall(t *testing.T) {
	env := setupServer(t)
	for i := 0; i < 2; i++ {
		resp := env.install(t, "install-twice")
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("install %d status = %d", i, resp.StatusCode)
		}
	}
	var count int
	err := env.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM tenants WHERE id = $1`, "install-twice").Scan(&count)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("tenant rows = %d, want 1", count)
	}
}

func TestInstallRejectsSelfLinkMismatch(t *testing.T) {
	env := setupServer(t)
	env.platform.SelfLink = "https://elsewhere.example.com/v2/capabilities"
	resp := env.install(t, "install-badlink")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if _, err := db.GetTenant(context.Background(), env.db, "install-badlink"); err != db.ErrTenantNotFound {
		t.Errorf("credential persisted despite rejected install (err=%v)", err)
	}
}

func TestInstallRejectsBadCredentials(t *testing.T) {
	env := setupServer(t)
	env.platform.TokenStatus = http.StatusUnauthorized
	resp := env.install(t, "install-badcreds")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if _, err := db.GetTenant(context.Background(), env.db, "install-badcreds"); err != db.ErrTenantNotFound {
		t.Errorf("credential persisted despite failed token validation (err=%v)", err)
	}
}

func TestInstallRejectsGlobalInstall(t *testing.T) {
	env := setupServer(t)
	body, _ := json.Marshal(map[string]any{
		"oauthId":         "install-global",
		"oauthSecret":     "s",
		"capabilitiesUrl": env.platform.URL + "/v2/capabilities",
	})
	resp, err := http.Post(env.srv.URL+"/installable", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUninstallRemovesTenant(t *testing.T) {
	env := setupServer(t)
	resp := env.install(t, "uninstall-me")
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/installable/uninstall-me", nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", dresp.StatusCode)
	}
	if _, err := db.GetTenant(context.Background(), env.db, "uninstall-me"); err != db.ErrTenantNotFound {
		t.Errorf("tenant still present after uninstall (err=%v)", err)
	}
}

func webhookBody(oauthID, message string, from standup.User) []byte {
	payload := map[string]any{
		"oauth_client_id": oauthID,
		"item": map[string]any{
			"message": map[string]any{
				"message": message,
				"from":    from,
			},
			"room": map[string]any{"id": 100},
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

func TestWebhookRecordsStatusAndPushesUpdate(t *testing.T) {
	env := setupServer(t)
	resp := env.install(t, "webhook-tenant")
	resp.Body.Close()
	t.Cleanup(func() {
		_, _ = env.db.ExecContext(context.Background(), `DELETE FROM standups WHERE tenant_id = $1`, "webhook-tenant")
	})

	// Open a live socket for the tenant's room first.
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") +
		"/updates/100?oauth_id=webhook-tenant"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	time.Sleep(100 * time.Millisecond)

	from := standup.User{ID: "7", Name: "Dana", MentionName: "dana"}
	wresp, err := http.Post(env.srv.URL+"/standup", "application/json",
		bytes.NewReader(webhookBody("webhook-tenant", "/standup wrote the runbook", from)))
	if err != nil {
		t.Fatalf("webhook post: %v", err)
	}
	wresp.Body.Close()
	if wresp.StatusCode != http.StatusNoContent {
		t.Fatalf("webhook status = %d", wresp.StatusCode)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("live read: %v", err)
	}
	var update standup.UpdatePayload
	if err := json.Unmarshal(data, &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if len(update.Statuses) != 1 || update.Statuses[0].Message != "wrote the runbook" {
		t.Errorf("update = %+v", update)
	}
	if len(env.platform.Glances()) != 1 {
		t.Errorf("glances = %d, want 1", len(env.platform.Glances()))
	}
}

func TestWebhookUnknownTenant(t *testing.T) {
	env := setupServer(t)
	resp, err := http.Post(env.srv.URL+"/standup", "application/json",
		bytes.NewReader(webhookBody("nobody", "/standup hi", standup.User{MentionName: "x"})))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdatesRequiresKnownTenant(t *testing.T) {
	env := setupServer(t)
	resp, err := http.Get(env.srv.URL + "/updates/100?oauth_id=unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	env := setupServer(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStatusSummary(t *testing.T) {
	env := setupServer(t)
	resp := env.install(t, "status-tenant")
	resp.Body.Close()

	sresp, err := http.Get(env.srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer sresp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(sresp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["addon_key"] != "standup-hub" {
		t.Errorf("addon_key = %v", body["addon_key"])
	}
	if n, ok := body["tenants"].(float64); !ok || n < 1 {
		t.Errorf("tenants = %v", body["tenants"])
	}
}

func TestCorrelationIDEcho(t *testing.T) {
	env := setupServer(t)
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation header = %q", got)
	}
}

func TestInstallRateLimited(t *testing.T) {
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "2")
	env := setupServer(t)

	var last int
	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(map[string]any{"oauthId": fmt.Sprintf("rl-%d", i)})
		resp, err := http.Post(env.srv.URL+"/installable", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third install status = %d, want 429", last)
	}
}
