// Package daemon runs the engine: the orchestrator with its single worker,
// the file-drop watcher and the HTTP API, under one workspace lock.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/webrelay/internal/api"
	"github.com/msageha/webrelay/internal/channel"
	"github.com/msageha/webrelay/internal/events"
	"github.com/msageha/webrelay/internal/idempotency"
	"github.com/msageha/webrelay/internal/lock"
	"github.com/msageha/webrelay/internal/logging"
	"github.com/msageha/webrelay/internal/metrics"
	"github.com/msageha/webrelay/internal/model"
	"github.com/msageha/webrelay/internal/parser"
	"github.com/msageha/webrelay/internal/prompt"
	"github.com/msageha/webrelay/internal/security"
	"github.com/msageha/webrelay/internal/status"
)

// WorkspaceDir holds config, logs, lock and quarantine under the project.
const WorkspaceDir = ".webrelay"

// LockPath is the daemon lock file of a project.
func LockPath(projectDir string) string {
	return filepath.Join(projectDir, WorkspaceDir, "locks", "daemon.lock")
}

// Daemon is the webrelay engine process.
type Daemon struct {
	projectDir string
	dir        string
	config     model.Config
	version    string
	logger     zerolog.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	channel  channel.AnswerChannel
	release  func()

	shutdown sync.Once
}

// New creates a Daemon for projectDir with the configured answer channel.
func New(projectDir string, cfg model.Config, version string) (*Daemon, error) {
	dir := filepath.Join(projectDir, WorkspaceDir)
	logger, logFile, err := logging.Open(cfg.Logging, dir)
	if err != nil {
		return nil, err
	}
	ch, release, err := NewAnswerChannel(cfg, logger)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("answer channel: %w", err)
	}
	return newDaemon(projectDir, cfg, version, logger, logFile, ch, release), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(projectDir string, cfg model.Config, version string, logger zerolog.Logger, closer io.Closer,
	ch channel.AnswerChannel, release func()) *Daemon {
	dir := filepath.Join(projectDir, WorkspaceDir)
	return &Daemon{
		projectDir: projectDir,
		dir:        dir,
		config:     cfg,
		version:    version,
		logger:     logging.Component(logger, "daemon"),
		logFile:    closer,
		fileLock:   lock.NewFileLock(LockPath(projectDir)),
		channel:    ch,
		release:    release,
	}
}

// resolve makes a configured directory absolute against the project.
func (d *Daemon) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.projectDir, p)
}

// Run starts the engine and blocks until ctx is done or a shutdown signal
// arrives, then drains within daemon.shutdown_timeout_sec.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.cleanup()

	if err := os.MkdirAll(filepath.Dir(d.fileLock.Path()), 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer d.fileLock.Unlock()
	d.logger.Info().Int("pid", os.Getpid()).Str("version", d.version).Str("backend", d.channel.Backend()).Msg("daemon_starting")

	if c := d.config.Queue.Concurrency; c != 1 {
		d.logger.Warn().Int("concurrency", c).Msg("queue_concurrency_ignored")
	}

	idem, err := idempotency.New(ctx, d.config.Idempotency)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer idem.Close()

	metrics.MustRegister()
	metrics.SetBuildInfo(d.version, d.channel.Backend())

	bus := events.NewBus(256)
	defer bus.Close()
	tracker := status.NewTracker()
	tracker.Attach(bus)

	orch := NewOrchestrator(OrchestratorConfig{
		Channel:     d.channel,
		Builder:     prompt.New(d.config.Parser.Sentinel, d.config.Parser.MaxFollowupJobs),
		Parser:      parser.New(d.config.Parser.Sentinel, d.config.Parser.MaxFollowupJobs),
		Idempotency: idem,
		Bus:         bus,
		Capacity:    d.config.Queue.Capacity,
		Timeout:     d.config.Backend.Timeout(),
		Logger:      logging.Component(d.logger, "orchestrator"),
	})
	orch.Start()

	watcher := NewWatcher(WatcherConfig{
		InDir:         d.resolve(d.config.Watcher.InDir),
		OutDir:        d.resolve(d.config.Watcher.OutDir),
		QuarantineDir: filepath.Join(d.dir, "quarantine"),
		Debounce:      d.config.Watcher.Debounce(),
	}, orch, logging.Component(d.logger, "watcher"))

	verifier := security.NewVerifier(d.config.Server.HMACSecret, d.config.Server.HMACSkew())
	server := api.NewServer(orch, tracker, verifier, api.Config{
		Version:        d.version,
		Backend:        d.channel.Backend(),
		BodyLimitBytes: d.config.Server.BodyLimitBytes,
		Metrics:        d.config.Metrics.Enabled,
	}, logging.Component(d.logger, "api"))
	if !verifier.Enabled() {
		d.logger.Info().Msg("hmac_disabled")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.waitSignals(ctx, cancel)

	timeout := d.shutdownTimeout()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx, d.config.Server.Addr, timeout) })
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancelClose := context.WithTimeout(context.Background(), timeout)
		defer cancelClose()
		return orch.Close(closeCtx)
	})
	d.logger.Info().Str("addr", d.config.Server.Addr).Msg("daemon_ready")

	err = g.Wait()
	if err != nil {
		d.logger.Error().Err(err).Msg("daemon_stopped_with_error")
		return err
	}
	d.logger.Info().Msg("daemon_stopped")
	return nil
}

func (d *Daemon) shutdownTimeout() time.Duration {
	if t := d.config.Daemon.ShutdownTimeout(); t > 0 {
		return t
	}
	return 30 * time.Second
}

// waitSignals cancels the run on SIGINT/SIGTERM. A second signal forces exit.
func (d *Daemon) waitSignals(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("shutdown_requested")
		cancel()
	}

	select {
	case <-sigCh:
		d.logger.Warn().Msg("second signal, forcing exit")
		os.Exit(1)
	case <-time.After(d.shutdownTimeout() + 5*time.Second):
	}
}

// cleanup releases the surface connection and the log file once.
func (d *Daemon) cleanup() {
	d.shutdown.Do(func() {
		if d.release != nil {
			d.release()
		}
		if d.logFile != nil {
			d.logFile.Close()
		}
	})
}
