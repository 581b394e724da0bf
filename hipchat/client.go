// Package hipchat implements the OAuth2 tenant client for a HipChat-style
// chat platform: credential handling, capability document fetching, cached
// bearer-token acquisition, and the outbound REST calls the add-on makes
// (room notifications, glance updates, webhook registration).
package hipchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/standup-hub/telemetry"
)

// Credential is one installed tenant's OAuth identity and the platform URLs
// learned from its capability document. ID is immutable after creation; the
// secret is only ever used to authenticate token requests.
type Credential struct {
	ID              string
	Secret          string
	RoomID          string // empty for group-wide installs
	GroupID         string
	GroupName       string
	Homepage        string
	TokenURL        string
	CapabilitiesURL string
}

// APIBaseURL derives the platform API root from the capabilities self link.
func (c *Credential) APIBaseURL() string {
	if i := strings.LastIndex(c.CapabilitiesURL, "/"); i > 0 {
		return c.CapabilitiesURL[:i]
	}
	return c.CapabilitiesURL
}

// RoomBaseURL is the API root for the tenant's install room.
func (c *Credential) RoomBaseURL() string {
	return fmt.Sprintf("%s/room/%s", c.APIBaseURL(), c.RoomID)
}

// Client wraps a tenant credential with token acquisition and outbound API
// calls. All methods are safe for concurrent use.
type Client struct {
	Cred       *Credential
	Tokens     *TokenCache
	HTTPClient *http.Client
}

// NewClient binds a credential to a shared token cache.
func NewClient(cred *Credential, tokens *TokenCache, hc *http.Client) *Client {
	return &Client{Cred: cred, Tokens: tokens, HTTPClient: hc}
}

// Notification is a room message. Exactly one of Text or HTML must be set.
type Notification struct {
	Text        string
	HTML        string
	FromMention string // prepends "@mention " to text messages
}

// SendNotification posts a message to a room. roomIDOrName may be empty to
// target the tenant's install room. Errors are returned but callers on the
// webhook path treat them as best-effort.
func (c *Client) SendNotification(ctx context.Context, roomIDOrName string, n Notification) error {
	if n.Text == "" && n.HTML == "" {
		return fmt.Errorf("notification requires text or html")
	}
	if roomIDOrName == "" {
		roomIDOrName = c.Cred.RoomID
	}
	payload := map[string]string{}
	if n.HTML != "" {
		payload["message"] = n.HTML
		payload["message_format"] = "html"
	} else {
		msg := n.Text
		if n.FromMention != "" {
			msg = "@" + n.FromMention + " " + msg
		}
		payload["message"] = msg
		payload["message_format"] = "text"
	}
	url := fmt.Sprintf("%s/room/%s/notification", c.Cred.APIBaseURL(), roomIDOrName)
	resp, err := c.postJSON(ctx, url, payload, nil)
	if err != nil {
		telemetry.Inc(telemetry.NotifyFailures)
		return err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusNoContent {
		telemetry.Inc(telemetry.NotifyFailures)
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProtocolError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// Glance is the compact summary shown in the platform UI sidebar.
type Glance struct {
	Label  string `json:"label"`
	Status string `json:"status,omitempty"`
}

// UpdateGlance pushes fresh glance content for a room so the platform re-renders
// the add-on's summary without polling.
func (c *Client) UpdateGlance(ctx context.Context, roomIDOrName, glanceKey string, g Glance) error {
	if roomIDOrName == "" {
		roomIDOrName = c.Cred.RoomID
	}
	payload := map[string]any{
		"glance": []map[string]any{{
			"key": glanceKey,
			"content": map[string]any{
				"status": map[string]string{"type": "lozenge", "value": g.Status},
				"label":  map[string]string{"type": "html", "value": g.Label},
			},
		}},
	}
	url := fmt.Sprintf("%s/addon/ui/room/%s", c.Cred.APIBaseURL(), roomIDOrName)
	resp, err := c.postJSON(ctx, url, payload, nil)
	if err != nil {
		return err
	}
	defer drainClose(resp)
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProtocolError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// Participant is a room member with presence expanded. The platform omits the
// presence "show" field for members who are plainly available.
type Participant struct {
	ID          json.Number    `json:"id"`
	Name        string         `json:"name"`
	MentionName string         `json:"mention_name"`
	Timezone    string         `json:"timezone"`
	Presence    map[string]any `json:"presence"`
}

// Available reports whether the member is present without an away/dnd state.
func (p Participant) Available() bool {
	_, away := p.Presence["show"]
	return !away
}

// RoomParticipants fetches the tenant room's member list with presence.
func (c *Client) RoomParticipants(ctx context.Context) ([]Participant, error) {
	token, err := c.Tokens.Token(ctx, c.Cred, "view_group")
	if err != nil {
		return nil, err
	}
	resp, err := doWithRetry(ctx, c.HTTPClient, func(attemptCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.Cred.RoomBaseURL()+"?expand=participants", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var body struct {
		Participants []Participant `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode room participants: %w", err)
	}
	return body.Participants, nil
}

// RegisterWebhook creates a room webhook and returns its resource location.
func (c *Client) RegisterWebhook(ctx context.Context, roomIDOrName, hookURL, event, pattern, name string) (string, error) {
	if roomIDOrName == "" {
		roomIDOrName = c.Cred.RoomID
	}
	payload := map[string]string{"url": hookURL, "event": event, "name": name}
	if pattern != "" {
		payload["pattern"] = pattern
	}
	url := fmt.Sprintf("%s/room/%s/webhook", c.Cred.APIBaseURL(), roomIDOrName)
	resp, err := c.postJSON(ctx, url, payload, []string{"admin_room"})
	if err != nil {
		return "", err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ProtocolError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp.Header.Get("Location"), nil
}

// DeleteWebhook removes a previously registered webhook by its resource URL.
func (c *Client) DeleteWebhook(ctx context.Context, hookURL string) error {
	token, err := c.Tokens.Token(ctx, c.Cred, "admin_room")
	if err != nil {
		return err
	}
	resp, err := doWithRetry(ctx, c.HTTPClient, func(attemptCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodDelete, hookURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ProtocolError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, payload any, scopes []string) (*http.Response, error) {
	token, err := c.Tokens.Token(ctx, c.Cred, scopes...)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return doWithRetry(ctx, c.HTTPClient, func(attemptCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
