package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/irep/realtime_gateway/internal/api"
	"github.com/irep/realtime_gateway/internal/apperr"
	"github.com/irep/realtime_gateway/internal/auth"
	"github.com/irep/realtime_gateway/internal/backplane"
	"github.com/irep/realtime_gateway/internal/config"
	"github.com/irep/realtime_gateway/internal/gateway"
	"github.com/irep/realtime_gateway/internal/netutil"
	"github.com/irep/realtime_gateway/internal/registry"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load gateway config", "code", apperr.CodeOf(err), "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("realtime_gateway config loaded",
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"allowed_origins", cfg.AllowedOrigins,
		"send_buffer", cfg.SendBuffer,
		"write_timeout_ms", cfg.WriteTimeout.Milliseconds(),
		"ping_interval_ms", cfg.PingInterval.Milliseconds(),
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	if err := run(cfg); err != nil {
		slog.Error("realtime_gateway failed", "code", apperr.CodeOf(err), "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validator, err := auth.NewValidator([]byte(cfg.JWTKey), auth.WithLeeway(cfg.TokenLeeway))
	if err != nil {
		return err
	}

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return apperr.New(apperr.CodeConfigInvalid, "redis url", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Debug("redis client close failed", "error", err)
		}
	}()

	reg := registry.New()
	bridge := backplane.NewBridge(rdb, reg, backplane.Options{
		InitialBackoff: cfg.BackplaneBackoffInitial,
		MaxBackoff:     cfg.BackplaneBackoffMax,
		StartupRetries: cfg.BackplaneStartupRetries,
	})
	if err := bridge.Connect(ctx); err != nil {
		return err
	}

	transports := gateway.NewHandler(validator, reg, gateway.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
	})
	h := api.NewServer(api.Deps{
		Transports:     transports,
		Stats:          reg,
		Backplane:      bridge,
		Publisher:      backplane.NewPublisher(rdb),
		Validator:      validator,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	// Hijacked WebSocket connections are invisible to Shutdown and SSE
	// streams never go idle, so live sessions are closed explicitly once the
	// listener has stopped accepting.
	srv.RegisterOnShutdown(func() {
		n := reg.CloseAll(gateway.ErrShuttingDown)
		slog.Info("closed live connections", "count", n)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bridge.Run(gctx)
	})
	g.Go(func() error {
		addr := ln.Addr().String()
		slog.Info("realtime_gateway listening", "addr", addr, "events", config.EventsPath, "stream", config.EventsStreamPath, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("realtime_gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
