package hipchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// CapabilityDoc is a tenant-hosted descriptor of its integration endpoints.
type CapabilityDoc struct {
	Links struct {
		Self     string `json:"self"`
		Homepage string `json:"homepage"`
	} `json:"links"`
	Capabilities struct {
		OAuth2Provider struct {
			TokenURL         string `json:"tokenUrl"`
			AuthorizationURL string `json:"authorizationUrl"`
		} `json:"oauth2Provider"`
	} `json:"capabilities"`
}

// FetchCapabilities retrieves and decodes a capability document. The caller is
// responsible for verifying the self link against the requested URL.
func FetchCapabilities(ctx context.Context, hc *http.Client, url string) (*CapabilityDoc, error) {
	resp, err := doWithRetry(ctx, hc, func(attemptCtx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	})
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var doc CapabilityDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode capabilities document: %w", err)
	}
	return &doc, nil
}

// NewCredential builds a provisional credential from an install request and
// the tenant's capability document. Group id/name are filled in later from the
// installation token response.
func NewCredential(oauthID, secret, roomID string, doc *CapabilityDoc) *Credential {
	return &Credential{
		ID:              oauthID,
		Secret:          secret,
		RoomID:          roomID,
		Homepage:        doc.Links.Homepage,
		TokenURL:        doc.Capabilities.OAuth2Provider.TokenURL,
		CapabilitiesURL: doc.Links.Self,
	}
}
