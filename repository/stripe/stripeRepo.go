package striperepo

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransferExists is returned by CreateTransfer when the processor reports
// the charge already has a transfer. Callers treat it exactly like
// GetExistingTransfer returning an id: re-query and adopt whatever exists.
var ErrTransferExists = errors.New("charge already has a transfer")

// TransientError covers network failures, rate limits and processor-side
// outages. Safe to retry on a later sweep.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("transient processor error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a semantic rejection (bad destination, unsettled payment,
// malformed request). Retrying will not help; the record goes to manual review.
type PermanentError struct {
	Code string
	Err  error
}

func (e *PermanentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("permanent processor error (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("permanent processor error: %v", e.Err)
}
func (e *PermanentError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

type CreateTransferReq struct {
	ChargeReference string
	Destination     string
	AmountMinor     int64
	Currency        string
}

type Account struct {
	ID             string
	PayoutsEnabled bool
}

type Repo interface {
	// ResolveCharge maps a payment confirmation reference to its settled
	// charge. Fails permanently if the payment is not settled.
	ResolveCharge(ctx context.Context, paymentRef string) (string, error)

	// GetExistingTransfer returns the id of the transfer already linked to
	// the charge, or "" when none exists. One round trip, transfer expanded.
	GetExistingTransfer(ctx context.Context, chargeRef string) (string, error)

	// CreateTransfer moves the payout amount to the destination account.
	// Returns ErrTransferExists when the processor already holds one.
	CreateTransfer(ctx context.Context, req CreateTransferReq) (string, error)

	// GetAccount fetches the payout destination for validation.
	GetAccount(ctx context.Context, accountID string) (*Account, error)
}
