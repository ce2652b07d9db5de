// model/transfer.go
package model

import "time"

type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferReady     TransferStatus = "READY"
	TransferApproved  TransferStatus = "APPROVED"
	TransferCompleted TransferStatus = "COMPLETED"
	TransferFailed    TransferStatus = "FAILED"
)

// Terminal reports whether no further sweep attempt may touch the record.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed
}

// Due statuses are the ones FindDue may select.
func (s TransferStatus) Due() bool {
	return s == TransferPending || s == TransferReady || s == TransferApproved
}

// TransferRecord is one pending payout per confirmed payment. The payment
// reference is the unique business key; the external transfer id is only ever
// written after the processor confirmed the transfer exists.
type TransferRecord struct {
	ID                 int64          `json:"id"`
	PaymentReference   string         `json:"payment_reference"`
	ChargeReference    *string        `json:"charge_reference,omitempty"`
	PayoutDestination  string         `json:"payout_destination"`
	AmountMinor        int64          `json:"amount_minor"`
	PlatformFeeMinor   int64          `json:"platform_fee_minor"`
	Currency           string         `json:"currency"`
	ServiceWindowEnd   time.Time      `json:"service_window_end"`
	PaymentConfirmedAt time.Time      `json:"payment_confirmed_at"`
	ScheduledAt        time.Time      `json:"scheduled_at"`
	Status             TransferStatus `json:"status"`
	ExternalTransferID *string        `json:"external_transfer_id,omitempty"`
	RetryCount         int            `json:"retry_count"`
	LastError          *string        `json:"last_error,omitempty"`
	NextAttemptAt      *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// PayoutMinor is the amount actually transferred out: gross minus platform fee.
func (r *TransferRecord) PayoutMinor() int64 {
	return r.AmountMinor - r.PlatformFeeMinor
}

type AttemptOutcome string

const (
	AttemptCreated    AttemptOutcome = "CREATED"
	AttemptReconciled AttemptOutcome = "RECONCILED"
	AttemptTransient  AttemptOutcome = "TRANSIENT_ERROR"
	AttemptPermanent  AttemptOutcome = "PERMANENT_ERROR"
)

// TransferAttempt is one sweep attempt against a record, kept for operators.
type TransferAttempt struct {
	ID         int64          `json:"id"`
	TransferID int64          `json:"transfer_id"`
	Outcome    AttemptOutcome `json:"outcome"`
	Detail     *string        `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
