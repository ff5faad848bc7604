// ABOUTME: Gateway orchestrator that wires sessions, conversion, uploads and downloads
// ABOUTME: Manages the scratch directory, event log and HTTP server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/2389/bookdrop/internal/config"
	"github.com/2389/bookdrop/internal/convert"
	"github.com/2389/bookdrop/internal/download"
	"github.com/2389/bookdrop/internal/session"
	"github.com/2389/bookdrop/internal/store"
	"github.com/2389/bookdrop/internal/throttle"
	"github.com/2389/bookdrop/internal/upload"
)

const (
	// throttleTTL is how long an idle client's generate limiter is kept.
	throttleTTL = 10 * time.Minute
	// throttleMaxClients bounds the number of tracked client addresses.
	throttleMaxClients = 10_000
	// pruneInterval is how often expired transfer events are deleted.
	pruneInterval = time.Hour
)

// Gateway orchestrates the bookdrop server components.
type Gateway struct {
	config     *config.Config
	sessions   *session.Store
	profiles   []*convert.Profile
	uploads    *upload.Service
	downloads  *download.Gate
	store      store.EventStore
	httpServer *http.Server
	logger     *slog.Logger

	// throttle limits how often one client address may generate keys
	throttle *throttle.Cache

	now func() time.Time
}

// initStore opens the transfer event log. BOOKDROP_DB_PATH overrides the
// configured path.
func initStore(cfg *config.Config) (store.EventStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BOOKDROP_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// resetScratchDir creates dir if needed and deletes everything inside it.
// Files left by a previous run belong to keys that no longer exist.
func resetScratchDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading scratch directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("emptying scratch directory: %w", err)
		}
	}
	return nil
}

// New creates a new Gateway instance with the given configuration.
// A relative scratch directory is resolved against the working directory
// once, here, since converters run with the scratch directory as theirs.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	scratch, err := filepath.Abs(cfg.Storage.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("resolving scratch directory: %w", err)
	}
	cfg.Storage.ScratchDir = scratch

	if err := resetScratchDir(cfg.Storage.ScratchDir); err != nil {
		return nil, err
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		store:  s,
		logger: logger.With("component", "gateway"),
		now:    time.Now,
	}

	gw.sessions = session.NewStore(session.Config{
		InactivityTimeout: cfg.Sessions.InactivityTimeout,
		AbsoluteTimeout:   cfg.Sessions.AbsoluteTimeout,
		MaxArtifacts:      cfg.Sessions.MaxArtifacts,
		MaxKeys:           cfg.Sessions.MaxKeys,
		OnRemove:          gw.recordRemoval,
	}, logger.With("component", "sessions"))

	gw.profiles = convert.Profiles(convert.Tools{
		Kepubify:       cfg.Conversion.Kepubify,
		Kindlegen:      cfg.Conversion.Kindlegen,
		PDFCropMargins: cfg.Conversion.PDFCropMargins,
	})
	runner := convert.NewRunner(cfg.Conversion.MaxConcurrent, cfg.Conversion.Timeout, logger.With("component", "convert"))

	gw.uploads = upload.NewService(gw.sessions, runner, gw.profiles, upload.Config{
		MaxFiles:    cfg.Uploads.MaxFiles,
		MaxFileSize: cfg.Uploads.MaxFileSize,
	}, logger.With("component", "upload"))
	gw.downloads = download.NewGate(gw.sessions, logger.With("component", "download"))
	gw.throttle = throttle.New(cfg.Limits.GeneratePerMinute, cfg.Limits.GenerateBurst, throttleTTL, throttleMaxClients)

	gw.logToolAvailability()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// logToolAvailability warns about converters that cannot be run.
func (g *Gateway) logToolAvailability() {
	for _, p := range g.profiles {
		if p.Available() {
			g.logger.Info("converter available", "tool", p.Name, "path", p.Tool)
			continue
		}
		g.logger.Warn("converter not found, uploads opting in to it will fail", "tool", p.Name, "path", p.Tool)
	}
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting bookdrop", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = g.gracefulShutdown()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	retentionCtx, stopRetention := context.WithCancel(ctx)
	defer stopRetention()
	go g.runRetention(retentionCtx)

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled when this is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway. Sessions are closed before the
// event log so their removal events are still recorded.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.sessions.Close()
	g.throttle.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the scratch directory and event log are
// usable. Missing converters are reported but do not fail readiness.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if info, err := os.Stat(g.config.Storage.ScratchDir); err != nil || !info.IsDir() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("scratch directory unavailable"))
		return
	}
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}

	var available, missing []string
	for name, ok := range convert.Availability(g.profiles) {
		if ok {
			available = append(available, name)
		} else {
			missing = append(missing, name)
		}
	}
	slices.Sort(available)
	slices.Sort(missing)

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d keys; converters: %s; missing: %s)",
		g.sessions.Len(), listOrNone(available), listOrNone(missing))
}

func listOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
