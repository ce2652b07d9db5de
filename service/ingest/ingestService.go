package ingestsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketpay/model"
	transferrepo "marketpay/repository/transfer"
	"marketpay/service/schedule"

	"github.com/shopspring/decimal"
)

var ErrBadInput = errors.New("bad confirmation payload")

// Confirmation is the structured payment-confirmation payload. Delivery is
// at-least-once; HandleConfirmation must stay idempotent under redelivery.
type Confirmation struct {
	PaymentReference     string
	ChargeReference      string // optional, may arrive only on redelivery
	Destination          string
	Amount               decimal.Decimal
	PlatformFee          decimal.Decimal
	Currency             string
	ServiceWindowEnd     time.Time
	PaymentConfirmedAt   time.Time
	AgingPeriodDays      float64
	ComplaintWindowHours float64
}

type Result struct {
	RecordID    int64
	Created     bool
	ScheduledAt time.Time
}

type Store interface {
	Create(ctx context.Context, rec *model.TransferRecord) error
	FindByPaymentReference(ctx context.Context, paymentRef string) (*model.TransferRecord, error)
	RescheduleIfLater(ctx context.Context, id int64, newScheduledAt time.Time) (bool, error)
	SetChargeReference(ctx context.Context, id int64, chargeRef string) error
}

type Service interface {
	HandleConfirmation(ctx context.Context, ev Confirmation) (*Result, error)
}

type service struct {
	store Store
	log   *slog.Logger

	// fallbacks when the payload carries unusable durations
	defaultAging     time.Duration
	defaultComplaint time.Duration
}

func New(store Store, log *slog.Logger, defaultAging, defaultComplaint time.Duration) Service {
	return &service{
		store:            store,
		log:              log,
		defaultAging:     defaultAging,
		defaultComplaint: defaultComplaint,
	}
}

// HandleConfirmation turns a confirmation event into a transfer record. It
// never calls the processor: transfer creation belongs to the sweep alone, so
// exactly one code path creates external transfers.
func (s *service) HandleConfirmation(ctx context.Context, ev Confirmation) (*Result, error) {
	if err := s.validate(ev); err != nil {
		return nil, err
	}

	scheduledAt, recomputable := s.computeSchedule(ev)

	if ev.PaymentConfirmedAt.After(ev.ServiceWindowEnd) {
		// delayed payment cleared after the appointment already happened;
		// a refund may apply instead of a payout, which is an operator call
		s.log.Warn("possible_refund_case",
			"payment_reference", ev.PaymentReference,
			"payment_confirmed_at", ev.PaymentConfirmedAt,
			"service_window_end", ev.ServiceWindowEnd,
		)
	}

	amountMinor, err := minorUnits(ev.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrBadInput, err)
	}
	feeMinor, err := minorUnits(ev.PlatformFee)
	if err != nil {
		return nil, fmt.Errorf("%w: platform fee: %v", ErrBadInput, err)
	}

	rec := &model.TransferRecord{
		PaymentReference:   ev.PaymentReference,
		PayoutDestination:  ev.Destination,
		AmountMinor:        amountMinor,
		PlatformFeeMinor:   feeMinor,
		Currency:           strings.ToLower(ev.Currency),
		ServiceWindowEnd:   ev.ServiceWindowEnd,
		PaymentConfirmedAt: ev.PaymentConfirmedAt,
		ScheduledAt:        scheduledAt,
		Status:             model.TransferPending,
	}
	if ev.ChargeReference != "" {
		cr := ev.ChargeReference
		rec.ChargeReference = &cr
	}

	err = s.store.Create(ctx, rec)
	if err == nil {
		return &Result{RecordID: rec.ID, Created: true, ScheduledAt: scheduledAt}, nil
	}
	if !errors.Is(err, transferrepo.ErrDuplicatePaymentReference) {
		return nil, err
	}

	// Redelivery of the same confirmation: update, never insert twice.
	return s.updateExisting(ctx, ev, scheduledAt, recomputable)
}

func (s *service) updateExisting(ctx context.Context, ev Confirmation, scheduledAt time.Time, recomputable bool) (*Result, error) {
	existing, err := s.store.FindByPaymentReference(ctx, ev.PaymentReference)
	if err != nil {
		return nil, err
	}

	if ev.ChargeReference != "" && existing.ChargeReference == nil {
		if err := s.store.SetChargeReference(ctx, existing.ID, ev.ChargeReference); err != nil {
			s.log.Error("set charge reference failed", "record_id", existing.ID, "err", err)
		}
	}

	effective := existing.ScheduledAt
	if recomputable {
		moved, err := s.store.RescheduleIfLater(ctx, existing.ID, scheduledAt)
		if err != nil {
			return nil, err
		}
		if moved {
			effective = scheduledAt
			s.log.Info("rescheduled on redelivery",
				"record_id", existing.ID,
				"scheduled_at", scheduledAt,
			)
		}
	}

	return &Result{RecordID: existing.ID, Created: false, ScheduledAt: effective}, nil
}

// computeSchedule returns the eligible time and whether it is trustworthy
// enough to overwrite an existing schedule. Unusable payload durations fall
// back to the configured defaults for a fresh record, but must never
// recompute an already-persisted schedule.
func (s *service) computeSchedule(ev Confirmation) (time.Time, bool) {
	aging, agingErr := schedule.AgingPeriod(ev.AgingPeriodDays)
	complaint, complaintErr := schedule.ComplaintWindow(ev.ComplaintWindowHours)

	if agingErr == nil && complaintErr == nil {
		at, err := schedule.EligibleAt(ev.PaymentConfirmedAt, ev.ServiceWindowEnd, aging, complaint)
		if err == nil {
			return at, true
		}
		s.log.Warn("schedule computation failed, using defaults",
			"payment_reference", ev.PaymentReference, "err", err)
	} else {
		s.log.Warn("unusable durations in payload, using defaults",
			"payment_reference", ev.PaymentReference,
			"aging_days", ev.AgingPeriodDays,
			"complaint_hours", ev.ComplaintWindowHours,
		)
	}

	at, err := schedule.EligibleAt(ev.PaymentConfirmedAt, ev.ServiceWindowEnd, s.defaultAging, s.defaultComplaint)
	if err != nil {
		// timestamps were validated already; keep the pipeline alive anyway
		at = ev.PaymentConfirmedAt.Add(s.defaultAging)
	}
	return at, false
}

func (s *service) validate(ev Confirmation) error {
	switch {
	case ev.PaymentReference == "":
		return fmt.Errorf("%w: missing payment reference", ErrBadInput)
	case ev.Destination == "":
		return fmt.Errorf("%w: missing payout destination", ErrBadInput)
	case len(ev.Currency) != 3:
		return fmt.Errorf("%w: bad currency %q", ErrBadInput, ev.Currency)
	case ev.PaymentConfirmedAt.IsZero() || ev.ServiceWindowEnd.IsZero():
		return fmt.Errorf("%w: missing timestamps", ErrBadInput)
	case ev.Amount.IsNegative() || ev.Amount.IsZero():
		return fmt.Errorf("%w: non-positive amount", ErrBadInput)
	case ev.PlatformFee.IsNegative():
		return fmt.Errorf("%w: negative platform fee", ErrBadInput)
	case ev.PlatformFee.GreaterThanOrEqual(ev.Amount):
		return fmt.Errorf("%w: platform fee swallows amount", ErrBadInput)
	}
	return nil
}

// minorUnits converts a major-unit decimal (e.g. "120.50") to integer minor
// units. Sub-cent precision is rejected rather than rounded.
func minorUnits(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(2)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("sub-cent precision in %s", d)
	}
	return shifted.IntPart(), nil
}
