// Package token handles ephemeral call credentials.
//
// A call never sees a long-lived API key. Instead the client asks the local
// credential service for a [Grant]: a short-lived bearer token minted
// upstream, plus the session presets (voice, instructions template) and the
// server's clock for composing time-aware instructions. The service side
// lives in server.go; the upstream minting in minter.go.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GrantPath is the route the credential service serves grants on.
const GrantPath = "/api/session"

// maxErrorBody bounds how much of an upstream error response is read back.
const maxErrorBody = 4096

// Grant is one ephemeral call credential with its session presets.
type Grant struct {
	// Credential is the short-lived bearer token for the realtime endpoint.
	Credential string `json:"credential"`

	// ExpiresAt is when the credential stops being accepted.
	ExpiresAt time.Time `json:"expires_at"`

	// ServerTime is the service's clock at mint time, used to compose the
	// current-time preamble of the instructions.
	ServerTime time.Time `json:"server_time"`

	// VoiceID selects the synthesised voice for the call.
	VoiceID string `json:"voice_id"`

	// InstructionsTemplate is the base system prompt the session composes
	// its full instructions from.
	InstructionsTemplate string `json:"instructions_template"`
}

// CredentialError reports a failed grant fetch. Message carries the service's
// response body verbatim so the user sees the real reason (quota, auth, ...).
type CredentialError struct {
	// Status is the HTTP status code of the failed response.
	Status int

	// Message is the response body, verbatim.
	Message string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("token: grant request failed (%d): %s", e.Status, e.Message)
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for grant requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// Client fetches grants from the credential service.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a client against the credential service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch requests one grant. A non-2xx response becomes a [*CredentialError]
// carrying the response body verbatim.
func (c *Client) Fetch(ctx context.Context) (*Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+GrantPath, nil)
	if err != nil {
		return nil, fmt.Errorf("token: build request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token: request grant: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &CredentialError{
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(body)),
		}
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("token: decode grant: %w", err)
	}
	if grant.Credential == "" {
		return nil, fmt.Errorf("token: grant response missing credential")
	}
	return &grant, nil
}
