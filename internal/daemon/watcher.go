package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/msageha/webrelay/internal/jsonfile"
	"github.com/msageha/webrelay/internal/model"
	"github.com/msageha/webrelay/internal/status"
)

const defaultDebounce = 300 * time.Millisecond

// JobQueue is the part of the Orchestrator the watcher feeds.
type JobQueue interface {
	Enqueue(ctx context.Context, job model.Job, ingress string, done func(model.Result)) error
}

// WatcherConfig locates the drop directories.
type WatcherConfig struct {
	InDir         string
	OutDir        string
	QuarantineDir string
	Debounce      time.Duration
}

// Watcher turns job files dropped into InDir into jobs and publishes their
// results into OutDir.
type Watcher struct {
	cfg    WatcherConfig
	queue  JobQueue
	logger zerolog.Logger

	debounceMu sync.Mutex
	timers     map[string]*time.Timer

	ctx context.Context
	wg  sync.WaitGroup
	now func() time.Time
}

func NewWatcher(cfg WatcherConfig, queue JobQueue, logger zerolog.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	return &Watcher{
		cfg:    cfg,
		queue:  queue,
		logger: logger,
		timers: make(map[string]*time.Timer),
		now:    time.Now,
	}
}

// Run watches InDir until ctx is done. Job files already present are
// scheduled first unless their result is up to date.
func (w *Watcher) Run(ctx context.Context) error {
	for _, dir := range []string{w.cfg.InDir, w.cfg.OutDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.cfg.InDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.InDir, err)
	}

	w.ctx = ctx
	defer w.stop()

	pending := status.PendingFiles(w.cfg.InDir, w.cfg.OutDir)
	for _, name := range pending {
		w.schedule(filepath.Join(w.cfg.InDir, name))
	}
	w.logger.Info().Str("in_dir", w.cfg.InDir).Str("out_dir", w.cfg.OutDir).
		Int("pending", len(pending)).Msg("watcher_started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !model.IsJobFileName(event.Name) {
				continue
			}
			w.logger.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("fsnotify_event")
			w.schedule(event.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("fsnotify_error")
		}
	}
}

// schedule (re)starts the debounce timer of path. Only the last event inside
// the window reads the file.
func (w *Watcher) schedule(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.timers[path]; ok {
		if t.Stop() {
			w.wg.Done()
		}
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.cfg.Debounce, func() {
		defer w.wg.Done()
		w.debounceMu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.debounceMu.Unlock()
		w.process(path)
	})
	w.timers[path] = t
}

// stop cancels pending timers and waits for running ones.
func (w *Watcher) stop() {
	w.debounceMu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.debounceMu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) process(path string) {
	if w.ctx.Err() != nil {
		return
	}
	log := w.logger.With().Str("file", filepath.Base(path)).Logger()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("job_file_unreadable")
		}
		return
	}

	job, err := model.DecodeJob(data, w.now())
	if err != nil {
		w.reject(path, err)
		return
	}

	err = w.queue.Enqueue(w.ctx, job, model.IngressFile, func(res model.Result) {
		w.writeResult(path, res)
	})
	switch {
	case err == nil:
	case errors.Is(err, model.ErrDuplicateJob):
		log.Info().Str("job_id", job.ID).Msg("job_duplicate_skipped")
	case model.IsValidation(err):
		w.reject(path, err)
	default:
		log.Warn().Err(err).Str("job_id", job.ID).Msg("job_not_enqueued")
	}
}

// reject quarantines an undecodable job file and still answers it, keyed by
// the file stem.
func (w *Watcher) reject(path string, cause error) {
	stem := model.FileStem(path)
	moved, err := jsonfile.Quarantine(w.cfg.QuarantineDir, path)
	if err != nil {
		w.logger.Error().Err(err).Str("file", path).Msg("quarantine_failed")
	} else {
		w.logger.Warn().Err(cause).Str("file", path).Str("moved_to", moved).Msg("job_quarantined")
	}
	res := model.Failed(stem, "", "", cause.Error())
	res.Outcome = model.OutcomeValidation
	w.writeResult(path, res)
}

func (w *Watcher) writeResult(jobPath string, res model.Result) {
	out := filepath.Join(w.cfg.OutDir, model.ResultFileName(jobPath))
	if err := jsonfile.WriteIndented(out, res); err != nil {
		w.logger.Error().Err(err).Str("job_id", res.JobID).Str("path", out).Msg("result_write_failed")
		return
	}
	w.logger.Info().Str("job_id", res.JobID).Bool("ok", res.OK).Str("path", out).Msg("result_written")
}
