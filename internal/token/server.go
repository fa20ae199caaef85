package token

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownGrace is how long an in-flight grant request may finish during
// server shutdown.
const shutdownGrace = 5 * time.Second

// Minter produces grants on demand. The production implementation talks to
// the upstream realtime API; tests use in-memory minters.
type Minter interface {
	Mint(ctx context.Context) (*Grant, error)
}

// MinterFunc adapts a function to the [Minter] interface.
type MinterFunc func(ctx context.Context) (*Grant, error)

func (f MinterFunc) Mint(ctx context.Context) (*Grant, error) { return f(ctx) }

// Server is the local credential service. It exposes [GrantPath] and keeps
// the upstream API key out of the call path.
type Server struct {
	addr   string
	minter Minter
	wrap   func(http.Handler) http.Handler
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithMiddleware wraps the service's handler, typically with
// observe.Middleware for request tracing and metrics.
func WithMiddleware(wrap func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.wrap = wrap }
}

// NewServer creates a credential service listening on addr.
func NewServer(addr string, minter Minter, opts ...ServerOption) *Server {
	s := &Server{addr: addr, minter: minter}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the HTTP handler serving grant requests. Exposed separately
// so tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	// Method patterns ("POST /path") need Go 1.22's ServeMux; guard the
	// method explicitly so the handler builds with older toolchains while
	// behaving the same (405 + Allow header on non-POST).
	mux.HandleFunc(GrantPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleGrant(w, r)
	})
	if s.wrap != nil {
		return s.wrap(mux)
	}
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("credential service listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleGrant mints one grant per request. Upstream failures are passed
// through with their message so the caller can show the real reason.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	grant, err := s.minter.Mint(r.Context())
	if err != nil {
		var uerr *CredentialError
		if errors.As(err, &uerr) {
			slog.Warn("upstream mint rejected", "status", uerr.Status, "message", uerr.Message)
			http.Error(w, uerr.Message, uerr.Status)
			return
		}
		slog.Error("mint failed", "err", err)
		http.Error(w, "credential minting failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(grant); err != nil {
		slog.Error("encode grant", "err", err)
	}
}
