// Platform server - serves the reader API and drives the live voice session
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/versevoice/platform/internal/apperr"
	"github.com/versevoice/platform/internal/config"
	"github.com/versevoice/platform/internal/live"
	"github.com/versevoice/platform/internal/scripture"
	"github.com/versevoice/platform/internal/server"
	"github.com/versevoice/platform/internal/store"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Local chapter store. Falls back to a no-op store when the data
	// directory is unusable so resolution degrades to the network paths.
	st := store.OpenOrNoop(store.Options{Dir: cfg.DataDir})
	defer func() { _ = st.Close() }()

	// Generative backend. A missing key is tolerated at startup: REST
	// resolution still works from the store and the chapter API, and the
	// voice session reports the credential problem on connect.
	var gen scripture.Generator
	if g, err := scripture.NewGemini(ctx, cfg.APIKey, cfg.Model); err != nil {
		slog.Warn("generative backend unavailable", "error", err, "remediation", apperr.Remediation(err))
	} else {
		gen = g
	}

	resolver := scripture.NewResolver(st, gen, cfg.ChapterAPIHost, cfg.Translation)

	// Create HTTP/WebSocket server
	srv := server.New(resolver, st)

	sess := live.NewSession(live.Config{
		APIKey:           cfg.APIKey,
		Model:            cfg.Model,
		VoiceName:        cfg.VoiceName,
		InputSampleRate:  cfg.InputSampleRate,
		OutputSampleRate: cfg.OutputSampleRate,
		CaptureBuffer:    cfg.CaptureBuffer,
	}, srv.BroadcastStatus, srv.BroadcastLevel)
	srv.SetSession(sess)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("platform server starting", "http", cfg.HTTPAddr, "model", cfg.Model)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	sess.Disconnect()
	slog.Info("shutdown complete")
}
