package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/certs"
	"github.com/zsiec/refract/ingest"
	srtingest "github.com/zsiec/refract/ingest/srt"
	"github.com/zsiec/refract/pipeline"
	"github.com/zsiec/refract/relay"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	srtAddr := envOr("SRT_ADDR", ":6000")
	apiAddr := envOr("API_ADDR", ":4444")
	certDir := envOr("CERT_DIR", "")

	cert, err := certs.LoadOrGenerate(certDir, certs.Options{})
	if err != nil {
		slog.Error("failed to obtain cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate ready",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
		"persisted", certDir != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("refract starting",
		"version", version,
		"srt", srtAddr,
		"api", apiAddr,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	a := &app{
		hub: relay.NewHub(nil),
	}

	// Create the registry after the errgroup so the session callback
	// captures the errgroup-derived context, ensuring pipelines shut down
	// when any component fails.
	a.registry = ingest.NewRegistry(func(s *ingest.Session) {
		a.runStream(ctx, s)
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/publish/{key}", ingest.NewHTTPHandler(a.registry, nil))
	relay.NewServer(a.hub, nil).Register(mux)
	mux.HandleFunc("GET /api/streams/{key}/debug", a.handleDebug)

	srtSrv := srtingest.NewServer(srtAddr, a.registry, nil)

	apiSrv := &http.Server{
		Addr:    apiAddr,
		Handler: mux,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.TLSCert},
		},
	}

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	hub      *relay.Hub
	registry *ingest.Registry

	pipelines pipelineMap
}

// runStream is the per-session pipeline driver. Duplicate-key rejection has
// already happened in the registry, so every session that arrives here gets
// a relay and a pipeline.
func (a *app) runStream(ctx context.Context, s *ingest.Session) {
	key := s.Key()
	slog.Info("new stream from ingest", "key", key, "protocol", s.Protocol())

	// Close only this session on the way out, never the registry entry:
	// the key belongs to the transport side, which may already have handed
	// it to a newer publisher by the time this pipeline finishes draining.
	defer s.Close()
	defer a.teardownStream(key)

	r := a.hub.Register(key)

	p := pipeline.New(key, s, r)
	a.pipelines.set(key, p)

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pipeline error", "stream", key, "error", err)
	}
	slog.Info("stream ended", "key", key)
}

// teardownStream removes the stream's relay and pipeline bookkeeping.
func (a *app) teardownStream(key string) {
	a.pipelines.delete(key)
	a.hub.Unregister(key)
}

func (a *app) handleDebug(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	p := a.pipelines.get(key)
	if p == nil {
		http.Error(w, "no such stream", http.StatusNotFound)
		return
	}

	out := struct {
		Pipeline pipeline.Snapshot `json:"pipeline"`
		Ingest   *ingest.Stats     `json:"ingest,omitempty"`
	}{
		Pipeline: p.Snapshot(),
	}
	if s, ok := a.registry.Get(key); ok {
		stats := s.Stats()
		out.Ingest = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Debug("debug encode error", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
