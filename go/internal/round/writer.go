package round

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/metrics"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
)

const (
	writeTimeout = 5 * time.Second
	drainTimeout = 10 * time.Second
)

// writeJob is a single write-through operation. Exactly one field is set.
type writeJob struct {
	gameID int64
	code   *models.AccessCode
	entry  *models.EventLogEntry
}

func (j writeJob) kind() string {
	if j.code != nil {
		return "access_code"
	}
	return "event_log"
}

// Writer performs access code and event log writes off the session lock.
// Jobs are sharded by game so writes of one game stay in order.
type Writer struct {
	store   Store
	shards  []chan writeJob
	metrics metrics.Collector
}

// NewWriter creates a writer with the given number of workers, each with its
// own queue of queueSize jobs.
func NewWriter(store Store, workers, queueSize int, m metrics.Collector) *Writer {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if m == nil {
		m = metrics.NoOp{}
	}
	shards := make([]chan writeJob, workers)
	for i := range shards {
		shards[i] = make(chan writeJob, queueSize)
	}
	return &Writer{store: store, shards: shards, metrics: m}
}

// SaveAccessCode queues a write of the code's current state.
func (w *Writer) SaveAccessCode(code models.AccessCode) {
	w.enqueue(writeJob{gameID: code.GameID, code: &code})
}

// AppendEventLog queues an event log entry.
func (w *Writer) AppendEventLog(entry models.EventLogEntry) {
	w.enqueue(writeJob{gameID: entry.GameID, entry: &entry})
}

func (w *Writer) enqueue(job writeJob) {
	shard := w.shards[uint64(job.gameID)%uint64(len(w.shards))]
	select {
	case shard <- job:
	default:
		w.metrics.RecordWriteDropped(job.kind())
		log.Warn().
			Int64("game_id", job.gameID).
			Str("kind", job.kind()).
			Msg("writer queue full, dropping write")
	}
}

// Run starts the workers and blocks until ctx is cancelled. Jobs still queued
// at that point are written before Run returns.
func (w *Writer) Run(ctx context.Context) {
	log.Info().Int("workers", len(w.shards)).Msg("write-through worker pool started")

	var wg sync.WaitGroup
	for i, jobs := range w.shards {
		wg.Add(1)
		go w.worker(ctx, &wg, i, jobs)
	}
	wg.Wait()

	log.Info().Msg("all write-through workers shut down")
}

func (w *Writer) worker(ctx context.Context, wg *sync.WaitGroup, workerID int, jobs <-chan writeJob) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			w.drain(workerID, jobs)
			return
		case job := <-jobs:
			w.process(ctx, workerID, job)
		}
	}
}

func (w *Writer) drain(workerID int, jobs <-chan writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case job := <-jobs:
			w.process(ctx, workerID, job)
		default:
			return
		}
	}
}

func (w *Writer) process(ctx context.Context, workerID int, job writeJob) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var err error
	switch {
	case job.code != nil:
		err = w.store.SaveAccessCode(ctx, *job.code)
	case job.entry != nil:
		err = w.store.AppendEventLog(ctx, *job.entry)
	}
	if err != nil {
		log.Error().
			Err(err).
			Int64("game_id", job.gameID).
			Str("kind", job.kind()).
			Int("worker_id", workerID).
			Msg("write-through failed")
	}
}
