package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tutorstack/quotaledger/internal/config"
	"github.com/tutorstack/quotaledger/internal/events"
	"github.com/tutorstack/quotaledger/internal/metrics"
)

// Sweeper periodically brings overdue quota records current, for users who
// never triggered a lazy reset through consume or status. Every record is
// reset inside its own transaction with a re-check under the row lock, so
// overlapping or duplicate sweep runs never double-reset a record; the
// sweep itself takes no global lock.
type Sweeper struct {
	engine    *Engine
	records   *Repository
	publisher *events.Publisher
	interval  time.Duration
	batchSize int
}

// NewSweeper creates a Sweeper. publisher may be nil.
func NewSweeper(engine *Engine, records *Repository, publisher *events.Publisher, cfg config.SweepConfig) *Sweeper {
	return &Sweeper{
		engine:    engine,
		records:   records,
		publisher: publisher,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

// Start runs sweeps on the configured interval until ctx is cancelled. The
// first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("reset sweeper started", "interval", s.interval, "batch_size", s.batchSize)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		summary, err := s.Run(ctx, time.Now().UTC())
		if err != nil {
			slog.Error("reset sweep aborted", "error", err,
				"processed", summary.Processed, "failed", summary.Failed)
		} else {
			slog.Info("reset sweep completed",
				"processed", summary.Processed, "failed", summary.Failed)
		}

		select {
		case <-ctx.Done():
			slog.Info("reset sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Run sweeps every record whose reset_at has passed as of now and returns
// how many were processed and how many failed. A failure on one record is
// logged and counted but never aborts the rest of the sweep; only a failure
// of the selection query itself does.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (SweepSummary, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	var summary SweepSummary
	var cursor RecordKey

	for {
		keys, err := s.records.SelectDueKeys(ctx, now, cursor, s.batchSize)
		if err != nil {
			return summary, fmt.Errorf("selecting due records: %w", err)
		}
		if len(keys) == 0 {
			break
		}

		for _, key := range keys {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}

			applied, err := s.engine.resetOverdue(ctx, key, now, "sweep")
			if err != nil {
				summary.Failed++
				metrics.SweepRecordsTotal.WithLabelValues("error").Inc()
				slog.Error("resetting quota record", "error", err,
					"user_id", key.UserID, "bucket", key.Bucket)
				continue
			}

			summary.Processed++
			if applied {
				metrics.SweepRecordsTotal.WithLabelValues("reset").Inc()
			} else {
				// Already brought current by a concurrent operation.
				metrics.SweepRecordsTotal.WithLabelValues("skipped").Inc()
			}
		}

		// Keyset pagination: failed records stay due but fall behind the
		// cursor, so the sweep always terminates.
		cursor = keys[len(keys)-1]
		if len(keys) < s.batchSize {
			break
		}
	}

	s.publishSummary(ctx, summary, now, time.Since(start))
	return summary, nil
}

func (s *Sweeper) publishSummary(ctx context.Context, summary SweepSummary, now time.Time, elapsed time.Duration) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishSweepCompleted(ctx, events.SweepCompleted{
		Processed:  summary.Processed,
		Failed:     summary.Failed,
		SweptAsOf:  now,
		DurationMS: elapsed.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("publishing sweep summary event", "error", err)
	}
}
