package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultMintURL is the upstream endpoint that issues ephemeral realtime
// credentials in exchange for the long-lived API key.
const DefaultMintURL = "https://api.x.ai/v1/realtime/sessions"

// UpstreamMinter exchanges the configured API key for ephemeral credentials
// and attaches the session presets to each grant.
type UpstreamMinter struct {
	// APIKey is the long-lived upstream key. It never leaves this process.
	APIKey string

	// Model is the realtime model the credential is scoped to.
	Model string

	// VoiceID and InstructionsTemplate are attached to every grant.
	VoiceID              string
	InstructionsTemplate string

	// MintURL overrides [DefaultMintURL]. Used in tests.
	MintURL string

	// HTTPClient overrides the default HTTP client. Used in tests.
	HTTPClient *http.Client

	// now overrides the clock in tests.
	now func() time.Time
}

type mintRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type mintResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint requests one ephemeral credential upstream. Upstream rejections are
// returned as [*CredentialError] with the response body verbatim so the
// failure reason survives the hop to the caller.
func (m *UpstreamMinter) Mint(ctx context.Context) (*Grant, error) {
	body, err := json.Marshal(mintRequest{Model: m.Model, Voice: m.VoiceID})
	if err != nil {
		return nil, fmt.Errorf("token: marshal mint request: %w", err)
	}

	mintURL := m.MintURL
	if mintURL == "" {
		mintURL = DefaultMintURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mintURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("token: build mint request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.APIKey)
	req.Header.Set("Content-Type", "application/json")

	hc := m.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token: mint request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &CredentialError{
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(raw)),
		}
	}

	var mr mintResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("token: decode mint response: %w", err)
	}
	if mr.ClientSecret.Value == "" {
		return nil, fmt.Errorf("token: mint response missing client secret")
	}

	nowFn := m.now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Grant{
		Credential:           mr.ClientSecret.Value,
		ExpiresAt:            time.Unix(mr.ClientSecret.ExpiresAt, 0).UTC(),
		ServerTime:           nowFn().UTC(),
		VoiceID:              m.VoiceID,
		InstructionsTemplate: m.InstructionsTemplate,
	}, nil
}
