package token_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AppleLamps/iphone-grok/internal/token"
)

func testGrant() *token.Grant {
	return &token.Grant{
		Credential:           "eph-abc123",
		ExpiresAt:            time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
		ServerTime:           time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		VoiceID:              "ara",
		InstructionsTemplate: "You are Ara.",
	}
}

// ── Client ────────────────────────────────────────────────────────────────────

func TestClientFetch_DecodesGrant(t *testing.T) {
	t.Parallel()

	want := testGrant()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s; want POST", r.Method)
		}
		if r.URL.Path != token.GrantPath {
			t.Errorf("path = %s; want %s", r.URL.Path, token.GrantPath)
		}
		_ = json.NewEncoder(w).Encode(want)
	}))
	t.Cleanup(srv.Close)

	got, err := token.NewClient(srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Credential != want.Credential {
		t.Errorf("Credential = %q; want %q", got.Credential, want.Credential)
	}
	if got.VoiceID != want.VoiceID {
		t.Errorf("VoiceID = %q; want %q", got.VoiceID, want.VoiceID)
	}
	if got.InstructionsTemplate != want.InstructionsTemplate {
		t.Errorf("InstructionsTemplate = %q", got.InstructionsTemplate)
	}
	if !got.ServerTime.Equal(want.ServerTime) {
		t.Errorf("ServerTime = %v; want %v", got.ServerTime, want.ServerTime)
	}
}

func TestClientFetch_NonOK_ReturnsVerbatimMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "monthly quota exceeded", http.StatusPaymentRequired)
	}))
	t.Cleanup(srv.Close)

	_, err := token.NewClient(srv.URL).Fetch(context.Background())

	var cerr *token.CredentialError
	if !errors.As(err, &cerr) {
		t.Fatalf("Fetch error = %v; want *token.CredentialError", err)
	}
	if cerr.Status != http.StatusPaymentRequired {
		t.Errorf("Status = %d; want %d", cerr.Status, http.StatusPaymentRequired)
	}
	if cerr.Message != "monthly quota exceeded" {
		t.Errorf("Message = %q; want verbatim response body", cerr.Message)
	}
}

func TestClientFetch_MissingCredential_Fails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"voice_id":"ara"}`))
	}))
	t.Cleanup(srv.Close)

	if _, err := token.NewClient(srv.URL).Fetch(context.Background()); err == nil {
		t.Fatal("Fetch should fail when the grant has no credential")
	}
}

// ── Server ────────────────────────────────────────────────────────────────────

func TestServerHandler_ServesGrant(t *testing.T) {
	t.Parallel()

	want := testGrant()
	s := token.NewServer("127.0.0.1:0", token.MinterFunc(func(context.Context) (*token.Grant, error) {
		return want, nil
	}))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	got, err := token.NewClient(srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch via server: %v", err)
	}
	if got.Credential != want.Credential {
		t.Errorf("Credential = %q; want %q", got.Credential, want.Credential)
	}
}

func TestServerHandler_UpstreamRejection_PassesThrough(t *testing.T) {
	t.Parallel()

	s := token.NewServer("127.0.0.1:0", token.MinterFunc(func(context.Context) (*token.Grant, error) {
		return nil, &token.CredentialError{Status: http.StatusUnauthorized, Message: "invalid API key"}
	}))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	_, err := token.NewClient(srv.URL).Fetch(context.Background())

	var cerr *token.CredentialError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v; want *token.CredentialError", err)
	}
	if cerr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d; want 401", cerr.Status)
	}
	if cerr.Message != "invalid API key" {
		t.Errorf("Message = %q; want upstream message verbatim", cerr.Message)
	}
}

func TestServerHandler_MintFailure_BadGateway(t *testing.T) {
	t.Parallel()

	s := token.NewServer("127.0.0.1:0", token.MinterFunc(func(context.Context) (*token.Grant, error) {
		return nil, errors.New("upstream unreachable")
	}))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+token.GrantPath, "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d; want 502", resp.StatusCode)
	}
}

func TestServerHandler_RejectsGet(t *testing.T) {
	t.Parallel()

	s := token.NewServer("127.0.0.1:0", token.MinterFunc(func(context.Context) (*token.Grant, error) {
		return testGrant(), nil
	}))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + token.GrantPath)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("GET should not be accepted on the grant route")
	}
}

func TestServerRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	s := token.NewServer("127.0.0.1:0", token.MinterFunc(func(context.Context) (*token.Grant, error) {
		return testGrant(), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v; want nil after graceful shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Run to stop")
	}
}

// ── UpstreamMinter ────────────────────────────────────────────────────────────

func TestUpstreamMinter_MintsGrant(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"client_secret":{"value":"eph-xyz","expires_at":1748779500}}`))
	}))
	t.Cleanup(srv.Close)

	m := &token.UpstreamMinter{
		APIKey:               "xai-secret",
		Model:                "grok-4-realtime",
		VoiceID:              "ara",
		InstructionsTemplate: "You are Ara.",
		MintURL:              srv.URL,
	}
	grant, err := m.Mint(context.Background())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if gotAuth != "Bearer xai-secret" {
		t.Errorf("Authorization = %q; want Bearer xai-secret", gotAuth)
	}
	if gotBody["model"] != "grok-4-realtime" {
		t.Errorf("mint request model = %v", gotBody["model"])
	}
	if grant.Credential != "eph-xyz" {
		t.Errorf("Credential = %q; want eph-xyz", grant.Credential)
	}
	if grant.VoiceID != "ara" || grant.InstructionsTemplate != "You are Ara." {
		t.Errorf("presets not attached: %+v", grant)
	}
	if grant.ExpiresAt.Unix() != 1748779500 {
		t.Errorf("ExpiresAt = %v; want unix 1748779500", grant.ExpiresAt)
	}
	if grant.ServerTime.IsZero() {
		t.Error("ServerTime should be set")
	}
}

func TestUpstreamMinter_Rejection_IsCredentialError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not enabled for this key", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	m := &token.UpstreamMinter{APIKey: "k", Model: "m", MintURL: srv.URL}
	_, err := m.Mint(context.Background())

	var cerr *token.CredentialError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v; want *token.CredentialError", err)
	}
	if cerr.Status != http.StatusForbidden {
		t.Errorf("Status = %d; want 403", cerr.Status)
	}
	if !strings.Contains(cerr.Message, "model not enabled") {
		t.Errorf("Message = %q; want upstream body", cerr.Message)
	}
}

func TestUpstreamMinter_MissingSecret_Fails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	m := &token.UpstreamMinter{APIKey: "k", Model: "m", MintURL: srv.URL}
	if _, err := m.Mint(context.Background()); err == nil {
		t.Fatal("Mint should fail when the response carries no client secret")
	}
}
