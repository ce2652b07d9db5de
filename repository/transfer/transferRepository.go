package transferrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketpay/model"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrDuplicatePaymentReference = errors.New("transfer record already exists for payment reference")
	ErrNotFound                  = errors.New("transfer record not found")
	// ErrTransferIDConflict means a record already holds a different external
	// transfer id. This should never happen when the processor is the arbiter;
	// it is surfaced loudly rather than overwritten.
	ErrTransferIDConflict = errors.New("record completed with a different external transfer id")
)

type Repo interface {
	Create(ctx context.Context, rec *model.TransferRecord) error
	FindByPaymentReference(ctx context.Context, paymentRef string) (*model.TransferRecord, error)

	// FindDue returns records eligible for a sweep attempt at now: due status,
	// no external transfer yet, scheduled time reached, backoff elapsed.
	FindDue(ctx context.Context, now time.Time, limit int) ([]model.TransferRecord, error)

	MarkReady(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, externalTransferID string) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	RecordFailure(ctx context.Context, id int64, cause string, maxRetries int, backoffBase time.Duration, now time.Time) (model.TransferStatus, error)

	RescheduleIfLater(ctx context.Context, id int64, newScheduledAt time.Time) (moved bool, err error)
	SetChargeReference(ctx context.Context, id int64, chargeRef string) error

	AppendAttempt(ctx context.Context, transferID int64, outcome model.AttemptOutcome, detail string) error
	ListFailed(ctx context.Context) ([]model.TransferRecord, error)
	ListAttempts(ctx context.Context, transferID int64) ([]model.TransferAttempt, error)
}

type repo struct{ pool *pgxpool.Pool }

func New(pool *pgxpool.Pool) Repo { return &repo{pool: pool} }

const recordCols = `
id, payment_reference, charge_reference, payout_destination,
amount_minor, platform_fee_minor, currency,
service_window_end, payment_confirmed_at, scheduled_at,
status, external_transfer_id, retry_count, last_error, next_attempt_at,
created_at, updated_at`

func (r *repo) Create(ctx context.Context, rec *model.TransferRecord) error {
	const q = `
INSERT INTO transfer_records
  (payment_reference, charge_reference, payout_destination,
   amount_minor, platform_fee_minor, currency,
   service_window_end, payment_confirmed_at, scheduled_at, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q,
		rec.PaymentReference, rec.ChargeReference, rec.PayoutDestination,
		rec.AmountMinor, rec.PlatformFeeMinor, rec.Currency,
		rec.ServiceWindowEnd, rec.PaymentConfirmedAt, rec.ScheduledAt, rec.Status,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicatePaymentReference
		}
		return err
	}
	return nil
}

func (r *repo) FindByPaymentReference(ctx context.Context, paymentRef string) (*model.TransferRecord, error) {
	q := `SELECT ` + recordCols + ` FROM transfer_records WHERE payment_reference=$1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, q, paymentRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (r *repo) FindDue(ctx context.Context, now time.Time, limit int) ([]model.TransferRecord, error) {
	q := `
SELECT ` + recordCols + `
FROM transfer_records
WHERE status IN ('PENDING','READY','APPROVED')
  AND external_transfer_id IS NULL
  AND scheduled_at <= $1
  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
ORDER BY scheduled_at
LIMIT $2`
	rows, err := r.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TransferRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *repo) MarkReady(ctx context.Context, id int64) error {
	const q = `
UPDATE transfer_records
SET status='READY', updated_at=now()
WHERE id=$1 AND status='PENDING'`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// MarkCompleted is idempotent: re-setting the same external id is a no-op.
// The conditional WHERE is what lets two overlapping sweep workers both call
// this safely after converging on the same transfer id.
func (r *repo) MarkCompleted(ctx context.Context, id int64, externalTransferID string) error {
	const q = `
UPDATE transfer_records
SET external_transfer_id=$2, status='COMPLETED', last_error=NULL, next_attempt_at=NULL, updated_at=now()
WHERE id=$1 AND (external_transfer_id IS NULL OR external_transfer_id=$2)`
	tag, err := r.pool.Exec(ctx, q, id, externalTransferID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Zero rows: either the record is gone or it carries another transfer id.
	var existing *string
	const qChk = `SELECT external_transfer_id FROM transfer_records WHERE id=$1`
	if err := r.pool.QueryRow(ctx, qChk, id).Scan(&existing); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if existing != nil && *existing != externalTransferID {
		return fmt.Errorf("%w: have %s, got %s", ErrTransferIDConflict, *existing, externalTransferID)
	}
	return nil
}

func (r *repo) MarkFailed(ctx context.Context, id int64, cause string) error {
	const q = `
UPDATE transfer_records
SET status='FAILED', last_error=$2, next_attempt_at=NULL, updated_at=now()
WHERE id=$1 AND external_transfer_id IS NULL`
	_, err := r.pool.Exec(ctx, q, id, cause)
	return err
}

// RecordFailure bumps the retry counter, stores the cause and pushes the next
// attempt out by backoffBase*2^retries (exponent capped so the delay tops out
// around a day). Crossing maxRetries flips the record to FAILED for manual
// review. Records that completed concurrently are left untouched.
func (r *repo) RecordFailure(ctx context.Context, id int64, cause string, maxRetries int, backoffBase time.Duration, now time.Time) (model.TransferStatus, error) {
	const q = `
UPDATE transfer_records
SET retry_count     = retry_count + 1,
    last_error      = $2,
    next_attempt_at = $3::timestamptz + $4::interval * power(2, LEAST(retry_count, 6)),
    status          = CASE WHEN retry_count + 1 >= $5 THEN 'FAILED' ELSE status END,
    updated_at      = now()
WHERE id=$1 AND external_transfer_id IS NULL AND status <> 'FAILED'
RETURNING status`
	var st string
	err := r.pool.QueryRow(ctx, q, id, cause, now, backoffBase, maxRetries).Scan(&st)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// already completed or already failed; nothing to record
			return "", nil
		}
		return "", err
	}
	return model.TransferStatus(st), nil
}

// RescheduleIfLater never moves a schedule earlier: a recomputation race must
// not shorten a waiting period that was already committed.
func (r *repo) RescheduleIfLater(ctx context.Context, id int64, newScheduledAt time.Time) (bool, error) {
	const q = `
UPDATE transfer_records
SET scheduled_at=$2, updated_at=now()
WHERE id=$1 AND scheduled_at < $2 AND external_transfer_id IS NULL`
	tag, err := r.pool.Exec(ctx, q, id, newScheduledAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repo) SetChargeReference(ctx context.Context, id int64, chargeRef string) error {
	const q = `
UPDATE transfer_records
SET charge_reference=$2, updated_at=now()
WHERE id=$1 AND (charge_reference IS NULL OR charge_reference=$2)`
	tag, err := r.pool.Exec(ctx, q, id, chargeRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("charge reference mismatch for record %d", id)
	}
	return nil
}

func (r *repo) AppendAttempt(ctx context.Context, transferID int64, outcome model.AttemptOutcome, detail string) error {
	const q = `
INSERT INTO transfer_attempts (transfer_id, outcome, detail)
VALUES ($1,$2,NULLIF($3,''))`
	_, err := r.pool.Exec(ctx, q, transferID, outcome, detail)
	return err
}

func (r *repo) ListFailed(ctx context.Context) ([]model.TransferRecord, error) {
	q := `SELECT ` + recordCols + ` FROM transfer_records WHERE status='FAILED' ORDER BY updated_at DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TransferRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *repo) ListAttempts(ctx context.Context, transferID int64) ([]model.TransferAttempt, error) {
	const q = `
SELECT id, transfer_id, outcome, detail, created_at
FROM transfer_attempts
WHERE transfer_id=$1
ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TransferAttempt
	for rows.Next() {
		var a model.TransferAttempt
		var outcome string
		if err := rows.Scan(&a.ID, &a.TransferID, &outcome, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Outcome = model.AttemptOutcome(outcome)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*model.TransferRecord, error) {
	var rec model.TransferRecord
	var status string
	err := row.Scan(
		&rec.ID, &rec.PaymentReference, &rec.ChargeReference, &rec.PayoutDestination,
		&rec.AmountMinor, &rec.PlatformFeeMinor, &rec.Currency,
		&rec.ServiceWindowEnd, &rec.PaymentConfirmedAt, &rec.ScheduledAt,
		&status, &rec.ExternalTransferID, &rec.RetryCount, &rec.LastError, &rec.NextAttemptAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = model.TransferStatus(status)
	return &rec, nil
}
