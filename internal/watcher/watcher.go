// Package watcher supervises ingestion: scan the log root, classify files by
// freshness, queue them, and drain the queue through the ingester.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/reflectd/internal/freshness"
	"github.com/fyrsmithlabs/reflectd/internal/governor"
	"github.com/fyrsmithlabs/reflectd/internal/ingest"
	"github.com/fyrsmithlabs/reflectd/internal/state"
)

const (
	defaultImportFrequency  = 60 * time.Second
	defaultHotCheckInterval = 2 * time.Second
	defaultBatchSize        = 5
	defaultShutdownGrace    = 30 * time.Second
)

// Ingester is the per-file pipeline the watcher drives.
type Ingester interface {
	IngestFile(ctx context.Context, path string) (*ingest.Result, error)
}

// StateReader answers "has this file changed since the last commit".
type StateReader interface {
	Record(path string) (state.FileRecord, bool)
}

// Config tunes the supervision loop.
type Config struct {
	// LogsDir is the root scanned for *.jsonl conversation files.
	LogsDir string
	// ImportFrequency is the idle tick. Default 60s.
	ImportFrequency time.Duration
	// HotCheckInterval is the tick while hot or urgent work is queued.
	// Default 2s.
	HotCheckInterval time.Duration
	// BatchSize caps files pulled per cycle. Default 5.
	BatchSize int
	// Parallelism bounds concurrent per-file pipelines. Default 1.
	Parallelism int
	// MaxQueueSize bounds the priority queue. Default 10000.
	MaxQueueSize int
	// MaxColdFiles caps cold admissions per cycle. Default 3.
	MaxColdFiles int
	// HotWindow, WarmWindow, MaxWarmWait configure the classifier.
	HotWindow   time.Duration
	WarmWindow  time.Duration
	MaxWarmWait time.Duration
	// ShutdownGrace bounds the in-flight drain on shutdown. Default 30s.
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.ImportFrequency <= 0 {
		c.ImportFrequency = defaultImportFrequency
	}
	if c.HotCheckInterval <= 0 {
		c.HotCheckInterval = defaultHotCheckInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
}

// Watcher owns the queue, the classifier, and the cycle cadence.
type Watcher struct {
	cfg        Config
	ingester   Ingester
	states     StateReader
	classifier *freshness.Classifier
	queue      *freshness.Queue
	mem        *governor.MemoryMonitor
	logger     *zap.Logger

	// wake is pulsed by filesystem events to cut the idle tick short.
	wake chan struct{}
}

// New builds a watcher. The memory monitor may be nil.
func New(cfg Config, ingester Ingester, states StateReader, mem *governor.MemoryMonitor, logger *zap.Logger) *Watcher {
	cfg.applyDefaults()
	return &Watcher{
		cfg:        cfg,
		ingester:   ingester,
		states:     states,
		classifier: freshness.NewClassifier(cfg.HotWindow, cfg.WarmWindow, cfg.MaxWarmWait),
		queue:      freshness.NewQueue(cfg.MaxQueueSize, cfg.MaxColdFiles),
		mem:        mem,
		logger:     logger,
		wake:       make(chan struct{}, 1),
	}
}

// QueueMetrics exposes the queue snapshot for the health surface.
func (w *Watcher) QueueMetrics() freshness.Metrics { return w.queue.Metrics() }

// Run loops until ctx is canceled: scan, enqueue, drain one batch, sleep.
// On shutdown the in-flight batch gets ShutdownGrace to commit before its
// context is cut.
func (w *Watcher) Run(ctx context.Context) error {
	// Work runs on its own context so shutdown can grant a drain grace
	// period instead of cutting in-flight commits immediately.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(w.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			w.logger.Warn("shutdown grace expired, canceling in-flight ingestion")
		case <-workCtx.Done():
		}
		cancelWork()
	}()

	notify, err := w.startNotify(ctx)
	if err != nil {
		w.logger.Warn("filesystem notifications unavailable, polling only", zap.Error(err))
	} else {
		defer notify.Close()
	}

	w.logger.Info("watcher running",
		zap.String("logs_dir", w.cfg.LogsDir),
		zap.Int("parallelism", w.cfg.Parallelism))

	for {
		if ctx.Err() != nil {
			break
		}
		w.scan()
		w.drainBatch(workCtx)

		tick := w.cfg.ImportFrequency
		if w.queue.HasHotOrUrgent() {
			tick = w.cfg.HotCheckInterval
		}
		timer := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		case <-w.wake:
			timer.Stop()
		}
	}

	w.logger.Info("watcher shutting down")
	return ctx.Err()
}

// scan walks the log root and enqueues changed *.jsonl files.
func (w *Watcher) scan() {
	var items []freshness.Item
	err := filepath.WalkDir(w.cfg.LogsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("scan error", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if rec, ok := w.states.Record(path); ok &&
			rec.SizeAtLastCommit == info.Size() && rec.LastModified.Equal(info.ModTime()) {
			return nil
		}
		level, priority := w.classifier.Classify(path, info.ModTime())
		items = append(items, freshness.Item{Path: path, Level: level, Priority: priority})
		return nil
	})
	if err != nil {
		w.logger.Warn("scan failed", zap.String("logs_dir", w.cfg.LogsDir), zap.Error(err))
		return
	}
	if added := w.queue.AddCategorized(items); added > 0 {
		w.logger.Debug("enqueued files",
			zap.Int("found", len(items)),
			zap.Int("added", added),
			zap.Int("queue_size", w.queue.Size()))
	}
	queueDepth.Set(float64(w.queue.Size()))
}

// drainBatch pulls one batch and ingests it, bounded by Parallelism. Yielded
// files go back to the queue after memory pressure clears.
func (w *Watcher) drainBatch(ctx context.Context) {
	batch := w.queue.GetBatch(w.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Parallelism)
	for _, item := range batch {
		g.Go(func() error {
			res, err := w.ingester.IngestFile(gctx, item.Path)
			if err != nil {
				// Per-file failures never stop the loop; the next scan
				// retries from the committed offset.
				w.logger.Error("ingest failed",
					zap.String("path", item.Path),
					zap.Error(err))
				return nil
			}
			switch {
			case res.Yielded:
				w.requeue(item)
			case res.UpToDate:
			default:
				w.classifier.Forget(item.Path)
				w.logger.Info("ingested file",
					zap.String("path", item.Path),
					zap.String("collection", res.Collection),
					zap.Int("messages", res.MessagesSeen),
					zap.Int("chunks", res.ChunksWritten),
					zap.Int("corrupt_lines", res.CorruptLines))
			}
			return nil
		})
	}
	_ = g.Wait()
	queueDepth.Set(float64(w.queue.Size()))

	if w.mem != nil {
		if level, _ := w.mem.Level(); level == governor.MemCritical {
			if err := w.mem.WaitUntilBelowWarning(ctx); err != nil {
				return
			}
		}
	}
}

func (w *Watcher) requeue(item freshness.Item) {
	w.queue.AddCategorized([]freshness.Item{item})
}

// startNotify wires fsnotify on the log root and its project directories so
// a hot file cuts the idle tick short instead of waiting out a full cycle.
func (w *Watcher) startNotify(ctx context.Context) (*fsnotify.Watcher, error) {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := notify.Add(w.cfg.LogsDir); err != nil {
		notify.Close()
		return nil, err
	}
	// Project directories are one level down.
	entries, err := os.ReadDir(w.cfg.LogsDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = notify.Add(filepath.Join(w.cfg.LogsDir, e.Name()))
			}
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-notify.Events:
				if !ok {
					return
				}
				if event.Op.Has(fsnotify.Create) {
					// A new project directory needs its own watch.
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = notify.Add(event.Name)
						continue
					}
				}
				if strings.HasSuffix(event.Name, ".jsonl") &&
					(event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create)) {
					select {
					case w.wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-notify.Errors:
				if !ok {
					return
				}
				w.logger.Debug("fsnotify error", zap.Error(err))
			}
		}
	}()
	return notify, nil
}
