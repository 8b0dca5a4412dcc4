package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpSettle/internal/access"
	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/projection"
)

// AccessExporter supplies the access table for snapshots.
type AccessExporter interface {
	Export() access.Snapshot
}

// WorkerConfig tunes the persistence worker. Zero values select defaults.
type WorkerConfig struct {
	BatchSize     int
	FlushTimeout  time.Duration
	KeepSnapshots int
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs independently from the engine. The engine's sends on the persist
// channel block, so if this worker falls behind the engine stalls and no
// committed call is lost.
//
// Each flush writes the commits, their events and transfers, the processed
// batch ids, the query projections, the funding history and a snapshot of
// the newest state in one transaction, so the newest snapshot is always the
// chain tip.
type PersistenceWorker struct {
	db        *sql.DB
	writer    *JournalWriter
	projector *StateProjector
	funding   *projection.FundingHistory
	snapshots *SnapshotStore
	access    AccessExporter

	inputChan <-chan core.CoreOutput
	cfg       WorkerConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	acl AccessExporter,
	cfg WorkerConfig,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 50 * time.Millisecond
	}
	if cfg.KeepSnapshots <= 0 {
		cfg.KeepSnapshots = 16
	}
	return &PersistenceWorker{
		db:        db,
		writer:    NewJournalWriter(),
		projector: NewStateProjector(),
		funding:   projection.NewFundingHistory(),
		snapshots: NewSnapshotStore(db),
		access:    acl,
		inputChan: inputChan,
		cfg:       cfg,
		metrics:   metrics,
		logger:    observability.NewLogger("persistence"),
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the channel
// is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.cfg.BatchSize)

	timer := time.NewTimer(pw.cfg.FlushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("outputs", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("outputs", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, output)
			if len(batch) >= pw.cfg.BatchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.cfg.FlushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled; on cancellation one last attempt runs detached from
// ctx.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outs []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("outputs", len(outs)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), outs); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, outs)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, outs []core.CoreOutput) error {
	start := time.Now()

	var (
		commits   = make([]CommitRow, 0, len(outs))
		events    []EventRow
		transfers []TransferRow
	)
	for _, out := range outs {
		rows := RowsFromOutput(out)
		commits = append(commits, rows.Commit)
		events = append(events, rows.Events...)
		transfers = append(transfers, rows.Transfers...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"write_commits", func() error { return pw.writer.WriteCommits(ctx, tx, commits) }},
		{"write_events", func() error { return pw.writer.WriteEvents(ctx, tx, events) }},
		{"write_transfers", func() error { return pw.writer.WriteTransfers(ctx, tx, transfers) }},
		{"write_batches", func() error { return pw.writer.WriteProcessedBatches(ctx, tx, commits) }},
		{"project", func() error { return pw.projector.Project(ctx, tx, outs) }},
		{"project_funding", func() error {
			_, err := pw.funding.Project(ctx, tx, outs)
			return err
		}},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			pw.countError(step.name)
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	last := outs[len(outs)-1]
	snapStart := time.Now()
	var acl *access.Snapshot
	if pw.access != nil {
		a := pw.access.Export()
		acl = &a
	}
	size, err := pw.snapshots.Save(ctx, tx, NewSnapshot(last, acl))
	if err != nil {
		pw.countError("snapshot")
		return err
	}
	if err := pw.snapshots.Prune(ctx, tx, pw.cfg.KeepSnapshots); err != nil {
		pw.countError("snapshot_prune")
		return fmt.Errorf("prune snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if m := pw.metrics; m != nil {
		m.PersistBatchDur.Observe(time.Since(start).Seconds())
		m.PersistEventsWritten.Add(float64(len(events)))
		m.PersistJournalsWritten.Add(float64(len(transfers)))
		m.PersistLastSequence.Set(float64(last.Sequence))
		m.SnapshotTaken.Inc()
		m.SnapshotDuration.Observe(time.Since(snapStart).Seconds())
		m.SnapshotSizeBytes.Set(float64(size))
		m.SnapshotLastSeq.Set(float64(last.Sequence))
	}
	pw.logger.Debug().
		Int64("last_sequence", last.Sequence).
		Int("commits", len(commits)).
		Int("events", len(events)).
		Int("transfers", len(transfers)).
		Msg("flushed")
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
