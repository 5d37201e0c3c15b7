package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	filesIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reflectd_ingest_files_total",
		Help: "Conversation files fully ingested.",
	})
	chunksWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reflectd_ingest_chunks_total",
		Help: "Chunks embedded and upserted.",
	})
	corruptLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reflectd_ingest_corrupt_lines_total",
		Help: "Malformed JSONL lines skipped.",
	})
	memoryYieldsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reflectd_ingest_memory_yields_total",
		Help: "Files yielded back to the queue under memory pressure.",
	})
	ingestErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reflectd_ingest_errors_total",
		Help: "Files that failed ingestion after retries.",
	})
	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reflectd_ingest_file_duration_seconds",
		Help:    "Wall time spent ingesting one file.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
