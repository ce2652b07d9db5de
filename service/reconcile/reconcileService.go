package reconcilesvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketpay/model"
	striperepo "marketpay/repository/stripe"
	"marketpay/util/cache"
)

// Outcome of EnsureTransfer. Created=false with a transfer id is the
// reconciliation path: the processor already held a transfer for the charge
// and local state was synced to it.
type Outcome struct {
	Created         bool
	TransferID      string
	ChargeReference string
}

type Service interface {
	EnsureTransfer(ctx context.Context, rec *model.TransferRecord) (Outcome, error)
}

type service struct {
	processor striperepo.Repo
	accounts  *cache.Cache[striperepo.Account]
	log       *slog.Logger
}

const accountTTL = 10 * time.Minute

func New(processor striperepo.Repo, log *slog.Logger) Service {
	return &service{
		processor: processor,
		// corrupt cache entries are dropped on read and refetched
		accounts: cache.New[striperepo.Account](accountTTL, func(a striperepo.Account) bool {
			return a.ID != ""
		}),
		log: log,
	}
}

// EnsureTransfer guarantees at most one external transfer per charge without
// any distributed lock. It always reads the processor before writing to it,
// and treats "a transfer already exists" as a success to adopt, never as an
// error: the processor is the arbiter when two callers race to step 4.
func (s *service) EnsureTransfer(ctx context.Context, rec *model.TransferRecord) (Outcome, error) {
	chargeRef, err := s.chargeFor(ctx, rec)
	if err != nil {
		return Outcome{}, err
	}

	existing, err := s.processor.GetExistingTransfer(ctx, chargeRef)
	if err != nil {
		return Outcome{ChargeReference: chargeRef}, err
	}
	if existing != "" {
		// processor-side settlement already produced a transfer; sync, don't create
		return Outcome{Created: false, TransferID: existing, ChargeReference: chargeRef}, nil
	}

	if err := s.checkDestination(ctx, rec.PayoutDestination); err != nil {
		return Outcome{ChargeReference: chargeRef}, err
	}

	id, err := s.processor.CreateTransfer(ctx, striperepo.CreateTransferReq{
		ChargeReference: chargeRef,
		Destination:     rec.PayoutDestination,
		AmountMinor:     rec.PayoutMinor(),
		Currency:        rec.Currency,
	})
	if err == nil {
		return Outcome{Created: true, TransferID: id, ChargeReference: chargeRef}, nil
	}
	if !errors.Is(err, striperepo.ErrTransferExists) {
		return Outcome{ChargeReference: chargeRef}, err
	}

	// Lost the race against a concurrent creator (another sweep worker, or
	// the processor itself). Re-query and adopt whatever id exists now.
	s.log.Info("transfer existed on create, adopting", "charge_reference", chargeRef)
	adopted, err := s.processor.GetExistingTransfer(ctx, chargeRef)
	if err != nil {
		return Outcome{ChargeReference: chargeRef}, err
	}
	if adopted == "" {
		// create said it exists but the query cannot see it yet; retry later
		return Outcome{ChargeReference: chargeRef}, &striperepo.TransientError{
			Err: fmt.Errorf("transfer for %s reported existing but not yet visible", chargeRef),
		}
	}
	return Outcome{Created: false, TransferID: adopted, ChargeReference: chargeRef}, nil
}

func (s *service) chargeFor(ctx context.Context, rec *model.TransferRecord) (string, error) {
	if rec.ChargeReference != nil && *rec.ChargeReference != "" {
		return *rec.ChargeReference, nil
	}
	return s.processor.ResolveCharge(ctx, rec.PaymentReference)
}

// checkDestination validates the payout account through the typed cache so a
// batch of records to the same destination costs one lookup.
func (s *service) checkDestination(ctx context.Context, accountID string) error {
	if acct, ok := s.accounts.Get(accountID); ok {
		if !acct.PayoutsEnabled {
			return &striperepo.PermanentError{Err: fmt.Errorf("destination %s has payouts disabled", accountID)}
		}
		return nil
	}

	acct, err := s.processor.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	s.accounts.Set(accountID, *acct)
	if !acct.PayoutsEnabled {
		return &striperepo.PermanentError{Err: fmt.Errorf("destination %s has payouts disabled", accountID)}
	}
	return nil
}
