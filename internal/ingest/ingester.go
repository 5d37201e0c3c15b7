// Package ingest streams conversation files into the vector store: read from
// the committed offset, chunk, embed, upsert, commit.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/chunker"
	"github.com/fyrsmithlabs/reflectd/internal/embeddings"
	"github.com/fyrsmithlabs/reflectd/internal/governor"
	"github.com/fyrsmithlabs/reflectd/internal/project"
	"github.com/fyrsmithlabs/reflectd/internal/state"
	"github.com/fyrsmithlabs/reflectd/internal/vectorstore"
)

const (
	defaultBatchMessages  = 64
	defaultBatchBytes     = 1 << 20
	defaultCommitInterval = time.Second
	defaultMaxAttempts    = 3

	embedBatchSize = 32
	maxRetryDelay  = 30 * time.Second

	// batchGap is the inter-message pause treated as a natural break.
	batchGap = 30 * time.Minute
)

// Embedder is the slice of the provider contract the ingester needs.
type Embedder interface {
	Dim() int
	Suffix() string
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter is the slice of the store adapter the ingester needs.
type VectorWriter interface {
	EnsureCollection(ctx context.Context, name string, dim uint64) error
	Upsert(ctx context.Context, collection string, points []vectorstore.Point) error
}

// StateStore persists per-file cursors.
type StateStore interface {
	Record(path string) (state.FileRecord, bool)
	Commit(rec state.FileRecord) error
}

// Config tunes batching and retry behavior.
type Config struct {
	// BatchMessages caps messages per micro-batch. Default 64.
	BatchMessages int
	// BatchBytes caps raw bytes per micro-batch. Default 1 MB.
	BatchBytes int
	// CommitInterval rate-limits mid-file state commits. Default 1s.
	CommitInterval time.Duration
	// MaxAttempts bounds retries of transient embed/store failures. Default 3.
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.BatchMessages <= 0 {
		c.BatchMessages = defaultBatchMessages
	}
	if c.BatchBytes <= 0 {
		c.BatchBytes = defaultBatchBytes
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = defaultCommitInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
}

// Result summarizes one IngestFile call.
type Result struct {
	Path          string
	Collection    string
	MessagesSeen  int
	ChunksWritten int
	CorruptLines  int
	// UpToDate means the file needed no work.
	UpToDate bool
	// Yielded means memory pressure returned the file to the queue with a
	// committed partial offset.
	Yielded bool
}

// Ingester processes one file at a time. Within a file the pipeline is
// serial, so offsets and chunk indices advance monotonically.
type Ingester struct {
	vectors  VectorWriter
	embedder Embedder
	state    StateStore
	chunker  *chunker.Chunker
	mem      *governor.MemoryMonitor
	cpu      *governor.CPUMonitor
	logger   *zap.Logger
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an ingester. The governors may be nil, which disables gating.
func New(vectors VectorWriter, embedder Embedder, st StateStore, cfg Config, mem *governor.MemoryMonitor, cpu *governor.CPUMonitor, logger *zap.Logger) *Ingester {
	cfg.applyDefaults()
	return &Ingester{
		vectors:  vectors,
		embedder: embedder,
		state:    st,
		chunker:  chunker.New(),
		mem:      mem,
		cpu:      cpu,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// PointID derives the deterministic chunk identifier: the first 32 hex
// characters of SHA-256("<conversation_id>_<chunk_index>_v2"). Re-ingesting
// the same chunk overwrites the same point.
func PointID(conversationID string, chunkIndex int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s_%d_%s", conversationID, chunkIndex, chunker.Version))
	return hex.EncodeToString(sum[:16])
}

// microBatch accumulates parsed messages until there is enough text to fill
// a chunker window, or the message/byte caps hit, or a long gap suggests a
// natural break.
type microBatch struct {
	texts    []string
	textLen  int
	rawBytes int
	meta     Metadata
	lastTS   time.Time
}

func (b *microBatch) add(msg *Message, rawLen int) {
	if msg.Text != "" {
		// Keep the speaker attached to the turn so stored chunks read as a
		// transcript, not an anonymous wall of text.
		text := msg.Text
		if msg.Role != "" {
			text = msg.Role + ": " + text
		}
		b.texts = append(b.texts, text)
		b.textLen += len(text)
	}
	b.rawBytes += rawLen
	b.meta.merge(msg.Meta)
	if !msg.Timestamp.IsZero() {
		b.lastTS = msg.Timestamp
	}
}

func (b *microBatch) empty() bool { return len(b.texts) == 0 }

func (b *microBatch) closeable(cfg Config) bool {
	return b.textLen >= chunker.DefaultWindow ||
		len(b.texts) >= cfg.BatchMessages ||
		b.rawBytes >= cfg.BatchBytes
}

// gapBreak reports whether the next message's timestamp is far enough from
// the batch tail to close it.
func (b *microBatch) gapBreak(next time.Time) bool {
	if b.empty() || b.lastTS.IsZero() || next.IsZero() {
		return false
	}
	return next.Sub(b.lastTS) > batchGap
}

func (b *microBatch) reset() {
	b.texts = nil
	b.textLen = 0
	b.rawBytes = 0
	b.meta = Metadata{}
	b.lastTS = time.Time{}
}

// IngestFile runs the full pipeline for one file, resuming from the
// committed offset. Errors leave the state at the last committed offset, so
// a retry next cycle loses nothing.
func (i *Ingester) IngestFile(ctx context.Context, path string) (*Result, error) {
	start := time.Now()
	defer func() { ingestDuration.Observe(time.Since(start).Seconds()) }()

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := fi.Size()

	projectName, collection := project.CollectionFor(filepath.Dir(path), i.embedder.Suffix())
	conversationID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	res := &Result{Path: path, Collection: collection}

	rec, known := i.state.Record(path)
	if known && rec.SizeAtLastCommit == size {
		res.UpToDate = true
		return res, nil
	}
	if !known {
		rec = state.FileRecord{
			Path:            path,
			ConversationID:  conversationID,
			Project:         projectName,
			Collection:      collection,
			ChunkingVersion: chunker.Version,
		}
	}
	if rec.ByteOffset > size {
		i.logger.Warn("file shrank since last commit, re-ingesting from start",
			zap.String("path", path),
			zap.Int64("committed_offset", rec.ByteOffset),
			zap.Int64("size", size))
		rec.ByteOffset = 0
		rec.ChunksWritten = 0
		rec.CorruptLines = 0
	}

	if err := i.withRetry(ctx, "ensure_collection", func() error {
		return i.vectors.EnsureCollection(ctx, collection, uint64(i.embedder.Dim()))
	}); err != nil {
		ingestErrorsTotal.Inc()
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if rec.ByteOffset > 0 {
		if _, err := f.Seek(rec.ByteOffset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}
	lr := newLineReader(f, rec.ByteOffset)

	lastCommit := time.Time{}
	commit := func(final bool) error {
		if !final && !lastCommit.IsZero() && time.Since(lastCommit) < i.cfg.CommitInterval {
			return nil
		}
		rec.LastModified = fi.ModTime()
		rec.LastImportedAt = i.now()
		if final {
			rec.SizeAtLastCommit = size
		} else {
			// Mid-file: record only what has been durably upserted.
			rec.SizeAtLastCommit = rec.ByteOffset
		}
		if err := i.state.Commit(rec); err != nil {
			return fmt.Errorf("committing state for %s: %w", path, err)
		}
		lastCommit = time.Now()
		return nil
	}

	var batch microBatch
	flush := func(endOffset int64) error {
		written, err := i.flushBatch(ctx, &batch, &rec, conversationID, projectName, collection)
		if err != nil {
			return err
		}
		res.ChunksWritten += written
		rec.ByteOffset = endOffset
		return commit(false)
	}

	for {
		if i.mem != nil {
			if level, rssMB := i.mem.Level(); level == governor.MemCritical {
				if err := flush(lr.Offset()); err != nil {
					ingestErrorsTotal.Inc()
					return res, err
				}
				lastCommit = time.Time{} // force the commit through the rate limit
				if err := commit(false); err != nil {
					return res, err
				}
				i.logger.Info("yielding file under memory pressure",
					zap.String("path", path),
					zap.Uint64("rss_mb", rssMB))
				memoryYieldsTotal.Inc()
				res.Yielded = true
				return res, nil
			}
		}

		before := lr.Offset()
		line, err := lr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			ingestErrorsTotal.Inc()
			return res, fmt.Errorf("reading %s: %w", path, err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, perr := parseLine(line)
		if perr != nil {
			res.CorruptLines++
			rec.CorruptLines++
			corruptLinesTotal.Inc()
			i.logger.Debug("skipping corrupt line",
				zap.String("path", path),
				zap.Int64("offset", before),
				zap.Error(perr))
			continue
		}
		if msg == nil {
			continue
		}
		res.MessagesSeen++

		if batch.gapBreak(msg.Timestamp) {
			if err := flush(before); err != nil {
				ingestErrorsTotal.Inc()
				return res, err
			}
			i.throttle(ctx)
		}

		batch.add(msg, len(line)+1)

		if batch.closeable(i.cfg) {
			if err := flush(lr.Offset()); err != nil {
				ingestErrorsTotal.Inc()
				return res, err
			}
			i.throttle(ctx)
		}
	}

	if err := flush(lr.Offset()); err != nil {
		ingestErrorsTotal.Inc()
		return res, err
	}
	if err := commit(true); err != nil {
		return res, err
	}
	filesIngestedTotal.Inc()
	return res, nil
}

// flushBatch chunks the batch text, embeds in groups of 32, and upserts. The
// caller advances the offset only after this returns nil.
func (i *Ingester) flushBatch(ctx context.Context, batch *microBatch, rec *state.FileRecord, conversationID, projectName, collection string) (int, error) {
	defer batch.reset()
	if batch.empty() {
		return 0, nil
	}

	text := strings.Join(batch.texts, "\n\n")
	chunks := i.chunker.Split(text)
	if len(chunks) == 0 {
		return 0, nil
	}

	ts := i.now()
	points := make([]vectorstore.Point, 0, len(chunks))
	for gstart := 0; gstart < len(chunks); gstart += embedBatchSize {
		gend := gstart + embedBatchSize
		if gend > len(chunks) {
			gend = len(chunks)
		}
		group := chunks[gstart:gend]

		var vecs [][]float32
		if err := i.withRetry(ctx, "embed", func() error {
			v, err := i.embedder.EmbedDocuments(ctx, group)
			if err != nil {
				return err
			}
			vecs = v
			return nil
		}); err != nil {
			return 0, err
		}

		for j, chunkText := range group {
			index := rec.ChunksWritten + gstart + j
			points = append(points, vectorstore.Point{
				ID:      PointID(conversationID, index),
				Vector:  vecs[j],
				Payload: buildPayload(conversationID, projectName, index, chunkText, batch.meta, ts, index > 0),
			})
		}
	}

	if err := i.withRetry(ctx, "upsert", func() error {
		return i.vectors.Upsert(ctx, collection, points)
	}); err != nil {
		return 0, err
	}

	rec.ChunksWritten += len(chunks)
	chunksWrittenTotal.Add(float64(len(chunks)))
	return len(chunks), nil
}

func buildPayload(conversationID, projectName string, index int, text string, meta Metadata, ts time.Time, overlap bool) map[string]any {
	payload := map[string]any{
		"id":               PointID(conversationID, index),
		"content":          text,
		"conversation_id":  conversationID,
		"project":          projectName,
		"chunk_index":      int64(index),
		"timestamp":        ts.UTC().Format(time.RFC3339),
		"timestamp_ms":     ts.UnixMilli(),
		"chunking_version": chunker.Version,
		"chunk_method":     chunker.Method,
		"chunk_overlap":    overlap,
	}
	if !meta.IsZero() {
		payload["has_file_metadata"] = true
		if len(meta.FilesAnalyzed) > 0 {
			payload["files_analyzed"] = meta.FilesAnalyzed
		}
		if len(meta.FilesEdited) > 0 {
			payload["files_edited"] = meta.FilesEdited
		}
		if len(meta.ToolsUsed) > 0 {
			payload["tools_used"] = meta.ToolsUsed
		}
		if len(meta.Concepts) > 0 {
			payload["concepts"] = meta.Concepts
		}
	}
	return payload
}

// throttle inserts the cooperative sleep while the CPU governor objects.
func (i *Ingester) throttle(ctx context.Context) {
	if i.cpu == nil {
		return
	}
	for i.cpu.ShouldThrottle(ctx) {
		if err := i.sleep(ctx, governor.ThrottleDelay); err != nil {
			return
		}
	}
}

// withRetry retries transient failures with jittered exponential backoff:
// min(30s, 2^attempt seconds) ± 20%.
func (i *Ingester) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		lastErr = err
		if attempt == i.cfg.MaxAttempts {
			break
		}
		delay := retryDelay(attempt)
		i.logger.Warn("transient failure, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := i.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, i.cfg.MaxAttempts, lastErr)
}

func retryDelay(attempt int) time.Duration {
	d := time.Duration(1<<attempt) * time.Second
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// isPermanent classifies errors that retrying cannot fix.
func isPermanent(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, vectorstore.ErrConfigMismatch),
		errors.Is(err, vectorstore.ErrInvalidCollectionName),
		errors.Is(err, embeddings.ErrAuthFailure),
		errors.Is(err, embeddings.ErrInvalidConfig),
		errors.Is(err, embeddings.ErrEmptyInput):
		return true
	}
	return false
}
