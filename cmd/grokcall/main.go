// Command grokcall is a terminal voice call client: it captures the
// microphone, streams it to the realtime conversational endpoint, and plays
// the synthesised replies while printing the live transcript.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/AppleLamps/iphone-grok/internal/call"
	"github.com/AppleLamps/iphone-grok/internal/config"
	"github.com/AppleLamps/iphone-grok/internal/observe"
	"github.com/AppleLamps/iphone-grok/internal/playback"
	"github.com/AppleLamps/iphone-grok/internal/token"
	"github.com/AppleLamps/iphone-grok/internal/transcript"
	"github.com/AppleLamps/iphone-grok/pkg/device"
	pa "github.com/AppleLamps/iphone-grok/pkg/device/portaudio"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment and configuration ─────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "grokcall: load .env: %v\n", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "grokcall: %v\n", err)
		return 1
	}

	apiKey := cfg.API.Key
	if apiKey == "" {
		apiKey = os.Getenv("XAI_API_KEY")
	}
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "grokcall: no API key — set api.key in the config or the XAI_API_KEY environment variable")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("grokcall starting",
		"config", *configPath,
		"model", cfg.API.Model,
		"voice", cfg.Call.Voice,
		"sample_rate", cfg.Call.SampleRate,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "grokcall"})
	if err != nil {
		slog.Error("init telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Credential service ────────────────────────────────────────────────────
	minter := &token.UpstreamMinter{
		APIKey:               apiKey,
		Model:                cfg.API.Model,
		VoiceID:              cfg.Call.Voice,
		InstructionsTemplate: cfg.Call.Instructions,
		MintURL:              cfg.API.MintURL,
	}
	tokenServer := token.NewServer(cfg.Server.ListenAddr, minter,
		token.WithMiddleware(observe.Middleware(metrics)),
	)
	grants := token.NewClient(localURL(cfg.Server.ListenAddr))

	// ── Audio devices ─────────────────────────────────────────────────────────
	speaker := pa.NewOutput()
	if err := speaker.Open(cfg.Call.SampleRate); err != nil {
		slog.Error("open speaker", "err", err)
		return 1
	}
	defer speaker.Close()

	sched := playback.New(func(c playback.Chunk) {
		if err := speaker.Write(c.PCM); err != nil {
			slog.Warn("speaker write", "err", err)
			return
		}
		metrics.ChunksPlayed.Add(context.Background(), 1)
	}, cfg.Call.SampleRate)
	defer sched.Close()

	// ── Session ───────────────────────────────────────────────────────────────
	sess := call.New(cfg, grants,
		func() device.Capture { return pa.NewCapture() },
		sched,
		call.WithMetrics(metrics),
		call.WithStateListener(func(st call.State) {
			fmt.Printf("— call %s\n", st)
		}),
		call.WithTranscriptListener(func(role transcript.Role, text string) {
			fmt.Printf("%s: %s\n", role, text)
		}),
		call.WithErrorListener(func(err error) {
			fmt.Printf("— call error: %v\n", err)
		}),
	)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tokenServer.Run(gctx) })

	if addr := cfg.Server.MetricsAddr; addr != "" {
		g.Go(func() error { return serveMetrics(gctx, addr) })
	}

	g.Go(func() error {
		commandLoop(gctx, sess, stop)
		return nil
	})

	fmt.Println("commands: call, hangup, mute, speaker, transcript, quit")

	err = g.Wait()
	sess.StopCall(true)
	sess.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads the config file, falling back to defaults when the default
// path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == "config.yaml" {
		slog.Info("no config file found; using defaults")
		return config.Default(), nil
	}
	return cfg, err
}

// commandLoop reads line commands from stdin until quit or ctx cancellation.
func commandLoop(ctx context.Context, sess *call.Session, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch strings.TrimSpace(scanner.Text()) {
		case "call":
			if err := sess.StartCall(ctx); err != nil {
				fmt.Printf("call failed: %v\n", err)
			}
		case "hangup":
			sess.StopCall(true)
		case "mute":
			sess.SetMuted(!sess.Muted())
			fmt.Printf("muted: %v\n", sess.Muted())
		case "speaker":
			sess.SetSpeaker(!sess.SpeakerOn())
			fmt.Printf("speaker: %v\n", sess.SpeakerOn())
		case "transcript":
			if text := sess.Transcript().String(); text != "" {
				fmt.Println(text)
			} else {
				fmt.Println("(empty)")
			}
		case "quit", "exit":
			quit()
			return
		case "":
		default:
			fmt.Println("commands: call, hangup, mute, speaker, transcript, quit")
		}
	}
}

// serveMetrics exposes the Prometheus scrape endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// localURL turns a listen address into a client base URL.
func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
