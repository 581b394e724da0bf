package hipchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/standup-hub/telemetry"
)

// expiryMargin is subtracted from the issuer-reported lifetime so a token is
// never handed out moments before it expires mid-use.
const expiryMargin = 20 * time.Second

// DefaultScopes is requested when a caller passes no scopes.
var DefaultScopes = []string{"send_notification"}

// TokenResponse is the issuer's client-credentials payload. group_id and
// group_name are non-standard fields used during installation to learn the
// tenant's group.
type TokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   int         `json:"expires_in"`
	TokenType   string      `json:"token_type"`
	Scope       string      `json:"scope"`
	GroupID     json.Number `json:"group_id"`
	GroupName   string      `json:"group_name"`
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// TokenCache caches bearer tokens per (tenant, sorted scope set). Concurrent
// callers for the same key coalesce onto a single in-flight issuance call; all
// waiters receive that call's value or its failure.
type TokenCache struct {
	HTTPClient *http.Client

	mu     sync.RWMutex
	tokens map[string]cachedToken
	flight singleflight.Group
}

// NewTokenCache creates an empty cache using hc for issuance calls
// (http.DefaultClient if nil).
func NewTokenCache(hc *http.Client) *TokenCache {
	return &TokenCache{HTTPClient: hc, tokens: make(map[string]cachedToken)}
}

func cacheKey(tenantID string, scopes []string) string {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	return tenantID + ":" + strings.Join(sorted, ",")
}

// Token returns a valid bearer token for the credential and scopes, issuing a
// new one only on cache miss or expiry.
func (tc *TokenCache) Token(ctx context.Context, cred *Credential, scopes ...string) (string, error) {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	key := cacheKey(cred.ID, scopes)

	tc.mu.RLock()
	if ct, ok := tc.tokens[key]; ok && time.Now().Before(ct.expiresAt) {
		tc.mu.RUnlock()
		telemetry.Inc(telemetry.TokenCacheHits)
		return ct.token, nil
	}
	tc.mu.RUnlock()
	telemetry.Inc(telemetry.TokenCacheMisses)

	v, err, _ := tc.flight.Do(key, func() (any, error) {
		// Recheck: a racing caller may have refreshed between the fast path
		// and joining the flight.
		tc.mu.RLock()
		if ct, ok := tc.tokens[key]; ok && time.Now().Before(ct.expiresAt) {
			tc.mu.RUnlock()
			return ct.token, nil
		}
		tc.mu.RUnlock()

		// The flight serves every coalesced waiter, so issuance must not die
		// with the first caller's request context. The per-attempt timeout in
		// doWithRetry still bounds the call.
		res, err := tc.issue(context.WithoutCancel(ctx), cred, scopes)
		if err != nil {
			return nil, err
		}
		lifetime := time.Duration(res.ExpiresIn)*time.Second - expiryMargin
		if lifetime > 0 {
			tc.mu.Lock()
			tc.tokens[key] = cachedToken{token: res.AccessToken, expiresAt: time.Now().Add(lifetime)}
			tc.mu.Unlock()
		}
		return res.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// FullToken performs an issuance call and returns the complete issuer payload,
// bypassing the cache. Used during installation to validate the secret and
// learn the tenant's group id/name.
func (tc *TokenCache) FullToken(ctx context.Context, cred *Credential, scopes ...string) (*TokenResponse, error) {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return tc.issue(ctx, cred, scopes)
}

// Invalidate drops all cached tokens for a tenant. Called when the issuer
// reports the tenant as revoked.
func (tc *TokenCache) Invalidate(tenantID string) {
	prefix := tenantID + ":"
	tc.mu.Lock()
	for k := range tc.tokens {
		if strings.HasPrefix(k, prefix) {
			delete(tc.tokens, k)
		}
	}
	tc.mu.Unlock()
}

// Len reports the number of cached entries (expired or not).
func (tc *TokenCache) Len() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.tokens)
}

// StartJanitor launches a goroutine that periodically sweeps expired entries.
// Expiry already prevents serving stale tokens; the sweep only bounds memory.
func (tc *TokenCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		initial := time.Duration(rand.Int63n(int64(interval / 2)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(initial):
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				tc.mu.Lock()
				for k, ct := range tc.tokens {
					if now.After(ct.expiresAt) {
						delete(tc.tokens, k)
					}
				}
				tc.mu.Unlock()
			}
		}
	}()
}

func (tc *TokenCache) issue(ctx context.Context, cred *Credential, scopes []string) (*TokenResponse, error) {
	if cred.TokenURL == "" {
		return nil, fmt.Errorf("tenant %s has no token url", cred.ID)
	}
	telemetry.Inc(telemetry.TokenIssueCalls)
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", strings.Join(scopes, " "))
	body := form.Encode()

	start := time.Now()
	resp, err := doWithRetry(ctx, tc.HTTPClient, func(attemptCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, cred.TokenURL, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(cred.ID, cred.Secret)
		return req, nil
	})
	if err != nil {
		telemetry.Inc(telemetry.TokenIssueFailures)
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if obs := telemetry.TokenIssueDuration; obs != nil {
		obs.Observe(time.Since(start).Seconds())
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var res TokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			telemetry.Inc(telemetry.TokenIssueFailures)
			return nil, fmt.Errorf("decode token response: %w", err)
		}
		if res.AccessToken == "" {
			telemetry.Inc(telemetry.TokenIssueFailures)
			return nil, fmt.Errorf("empty access_token in issuer response")
		}
		return &res, nil
	case resp.StatusCode == http.StatusUnauthorized:
		telemetry.Inc(telemetry.TokenIssueFailures)
		slog.Error("tenant credentials rejected by issuer", slog.String("tenant", cred.ID))
		return nil, fmt.Errorf("tenant %s: %w", cred.ID, ErrClientRevoked)
	default:
		telemetry.Inc(telemetry.TokenIssueFailures)
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Body: string(b)}
	}
}
