package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/config"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/fallback"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/httpserver"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/metrics"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/registry"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting hutz-signaling",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"connection_stale_timeout", cfg.ConnectionStaleTimeout,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"turn_rest_enabled", cfg.TurnREST.Enabled(),
		"redis_enabled", cfg.Redis.Enabled(),
	)
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	reg := registry.New(logger, m)

	iceDir, err := httpserver.NewICEDirectory(cfg)
	if err != nil {
		logger.Error("failed to configure ice directory", "err", err)
		os.Exit(2)
	}

	var store fallback.Store
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = fallback.NewRedisStore(client, cfg.FallbackTTL).WithMetrics(m)
	} else {
		store = fallback.NewMemoryStore(cfg.FallbackTTL).WithMetrics(m)
	}

	// New connections get the same ICE directory view as the HTTP endpoint,
	// keyed by their connection id for TURN REST credentials.
	sig := signaling.NewServer(logger, cfg, reg, store, func(connID string) []webrtc.ICEServer {
		return iceDir.ServersFor(connID, false)
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, m, iceDir)

	srv.Mux().HandleFunc("GET /ws", sig.HandleWS)
	srv.Mux().HandleFunc("POST /fallback/{userId}", sig.HandleFallbackPost)
	srv.Mux().HandleFunc("GET /fallback/{userId}", sig.HandleFallbackGet)

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sig.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, builtAt string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if builtAt == "" {
					builtAt = s.Value
				}
			}
		}
	}

	return commit, builtAt
}
