package sweepsvc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marketpay/model"
	striperepo "marketpay/repository/stripe"
	reconcilesvc "marketpay/service/reconcile"

	"golang.org/x/sync/errgroup"
)

// Summary of one sweep run. Reconciled counts records whose transfer already
// existed externally and was adopted; Failed counts records that errored this
// run (transiently or permanently).
type Summary struct {
	Processed  int `json:"processed"`
	Succeeded  int `json:"succeeded"`
	Reconciled int `json:"reconciled"`
	Failed     int `json:"failed"`
}

type Store interface {
	FindDue(ctx context.Context, now time.Time, limit int) ([]model.TransferRecord, error)
	MarkReady(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, externalTransferID string) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	RecordFailure(ctx context.Context, id int64, cause string, maxRetries int, backoffBase time.Duration, now time.Time) (model.TransferStatus, error)
	SetChargeReference(ctx context.Context, id int64, chargeRef string) error
	AppendAttempt(ctx context.Context, transferID int64, outcome model.AttemptOutcome, detail string) error
}

type Reconciler interface {
	EnsureTransfer(ctx context.Context, rec *model.TransferRecord) (reconcilesvc.Outcome, error)
}

type Service interface {
	Run(ctx context.Context) (Summary, error)
}

type Config struct {
	BatchSize   int
	Workers     int
	MaxRetries  int
	BackoffBase time.Duration
}

type service struct {
	store      Store
	reconciler Reconciler
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
}

func New(store Store, reconciler Reconciler, cfg Config, log *slog.Logger) Service {
	return &service{store: store, reconciler: reconciler, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Run selects due records and drives each toward completion independently:
// one record's failure never aborts the batch. Overlapping runs are tolerated,
// the reconciliation path absorbs any duplication they cause.
func (s *service) Run(ctx context.Context) (Summary, error) {
	now := s.now()
	due, err := s.store.FindDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return Summary{}, err
	}

	var (
		mu  sync.Mutex
		sum = Summary{Processed: len(due)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range due {
		rec := due[i]
		g.Go(func() error {
			outcome := s.process(gctx, &rec, now)
			mu.Lock()
			switch outcome {
			case model.AttemptCreated:
				sum.Succeeded++
			case model.AttemptReconciled:
				sum.Succeeded++
				sum.Reconciled++
			default:
				sum.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are per-record state

	s.log.Info("sweep finished",
		"processed", sum.Processed,
		"succeeded", sum.Succeeded,
		"reconciled", sum.Reconciled,
		"failed", sum.Failed,
	)
	return sum, nil
}

func (s *service) process(ctx context.Context, rec *model.TransferRecord, now time.Time) model.AttemptOutcome {
	if err := s.store.MarkReady(ctx, rec.ID); err != nil {
		s.log.Error("mark ready failed", "record_id", rec.ID, "err", err)
	}

	out, err := s.reconciler.EnsureTransfer(ctx, rec)

	// Persist a resolved charge even when the attempt failed afterwards; the
	// next sweep then skips the resolve round trip.
	if out.ChargeReference != "" && rec.ChargeReference == nil {
		if serr := s.store.SetChargeReference(ctx, rec.ID, out.ChargeReference); serr != nil {
			s.log.Error("persist charge reference failed", "record_id", rec.ID, "err", serr)
		}
	}

	switch {
	case err == nil:
		return s.complete(ctx, rec, out)
	case striperepo.IsTransient(err):
		return s.transientFailure(ctx, rec, err, now)
	default:
		// permanent rejection: straight to manual review, no retries
		s.log.Error("permanent failure, flagging for review", "record_id", rec.ID, "err", err)
		if ferr := s.store.MarkFailed(ctx, rec.ID, err.Error()); ferr != nil {
			s.log.Error("mark failed errored", "record_id", rec.ID, "err", ferr)
		}
		s.appendAttempt(ctx, rec.ID, model.AttemptPermanent, err.Error())
		return model.AttemptPermanent
	}
}

func (s *service) complete(ctx context.Context, rec *model.TransferRecord, out reconcilesvc.Outcome) model.AttemptOutcome {
	// External creation succeeded before this write: local state only ever
	// claims a transfer exists after the processor said so.
	if err := s.store.MarkCompleted(ctx, rec.ID, out.TransferID); err != nil {
		s.log.Error("mark completed failed", "record_id", rec.ID, "transfer_id", out.TransferID, "err", err)
		s.appendAttempt(ctx, rec.ID, model.AttemptTransient, "completed externally but local write failed: "+err.Error())
		return model.AttemptTransient
	}
	att := model.AttemptCreated
	if !out.Created {
		att = model.AttemptReconciled
		s.log.Info("reconciled existing transfer", "record_id", rec.ID, "transfer_id", out.TransferID)
	}
	s.appendAttempt(ctx, rec.ID, att, out.TransferID)
	return att
}

func (s *service) transientFailure(ctx context.Context, rec *model.TransferRecord, err error, now time.Time) model.AttemptOutcome {
	st, rerr := s.store.RecordFailure(ctx, rec.ID, err.Error(), s.cfg.MaxRetries, s.cfg.BackoffBase, now)
	if rerr != nil {
		s.log.Error("record failure errored", "record_id", rec.ID, "err", rerr)
	}
	if st == model.TransferFailed {
		s.log.Error("retries exhausted, flagging for review", "record_id", rec.ID, "err", err)
	} else {
		s.log.Warn("transient failure, will retry", "record_id", rec.ID, "err", err)
	}
	s.appendAttempt(ctx, rec.ID, model.AttemptTransient, err.Error())
	return model.AttemptTransient
}

func (s *service) appendAttempt(ctx context.Context, id int64, outcome model.AttemptOutcome, detail string) {
	if err := s.store.AppendAttempt(ctx, id, outcome, detail); err != nil {
		s.log.Error("append attempt failed", "record_id", id, "err", err)
	}
}
