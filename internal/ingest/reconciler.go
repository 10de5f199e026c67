package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"pawlenx/api/internal/docstore"
	"pawlenx/api/internal/store"
)

type ReconcilerOptions struct {
	Interval  time.Duration
	PerSecond int
	BatchSize int
}

// Reconciler retries remote replication of staged submissions the ledger
// still lists as pending.
type Reconciler struct {
	pipeline *Pipeline
	ledger   store.Ledger
	limiter  *rate.Limiter
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

type ReconcileResult struct {
	Replicated int
	Failed     int
	Abandoned  int
}

func NewReconciler(p *Pipeline, ledger store.Ledger, opts ReconcilerOptions, logger *slog.Logger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.PerSecond <= 0 {
		opts.PerSecond = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	return &Reconciler{
		pipeline: p,
		ledger:   ledger,
		limiter:  rate.NewLimiter(rate.Limit(opts.PerSecond), 1),
		interval: opts.Interval,
		batch:    opts.BatchSize,
		logger:   logger,
	}
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("reconcile pass failed", "error", err)
				continue
			}
			if res.Replicated+res.Failed+res.Abandoned > 0 {
				r.logger.Info("reconcile pass", "replicated", res.Replicated, "failed", res.Failed, "abandoned", res.Abandoned)
			}
		}
	}
}

// RunOnce processes one batch of pending records.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	pending, err := r.ledger.ListPending(ctx, r.batch)
	if err != nil {
		return res, err
	}
	for _, rec := range pending {
		if err := r.limiter.Wait(ctx); err != nil {
			return res, err
		}
		err := r.pipeline.replicate(ctx, rec.Files, "Reconcile "+string(rec.Kind)+" "+rec.Folder)
		switch {
		case err == nil:
			if err := r.ledger.MarkReplicated(ctx, rec.ID, r.pipeline.now().UTC()); err != nil {
				return res, err
			}
			res.Replicated++
		case errors.Is(err, errLocalMissing):
			if err := r.ledger.MarkFailed(ctx, rec.ID, errLocalMissing.Error(), true); err != nil {
				return res, err
			}
			res.Abandoned++
		case errors.Is(err, errRemoteMismatch):
			if err := r.ledger.MarkFailed(ctx, rec.ID, err.Error(), true); err != nil {
				return res, err
			}
			res.Abandoned++
		case ctx.Err() != nil:
			return res, ctx.Err()
		case docstore.IsRetryable(err), docstore.IsRemoteFailure(err):
			if err := r.ledger.MarkFailed(ctx, rec.ID, err.Error(), false); err != nil {
				return res, err
			}
			res.Failed++
		default:
			// The host refused the data itself, so retrying cannot help.
			if err := r.ledger.MarkFailed(ctx, rec.ID, err.Error(), true); err != nil {
				return res, err
			}
			res.Abandoned++
		}
	}
	return res, nil
}
