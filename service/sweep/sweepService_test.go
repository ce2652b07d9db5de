package sweepsvc_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"marketpay/model"
	striperepo "marketpay/repository/stripe"
	reconcilesvc "marketpay/service/reconcile"
	sweepsvc "marketpay/service/sweep"

	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(nopWriter{}, nil))

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func cfg() sweepsvc.Config {
	return sweepsvc.Config{BatchSize: 100, Workers: 4, MaxRetries: 5, BackoffBase: 15 * time.Minute}
}

// fakeStore mimics the conditional-update semantics of the real repository so
// concurrency tests exercise the same idempotency guarantees.
type fakeStore struct {
	mu       sync.Mutex
	records  map[int64]*model.TransferRecord
	attempts []model.TransferAttempt
}

func newFakeStore(recs ...*model.TransferRecord) *fakeStore {
	s := &fakeStore{records: map[int64]*model.TransferRecord{}}
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeStore) FindDue(ctx context.Context, now time.Time, limit int) ([]model.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TransferRecord
	for _, r := range s.records {
		backoffOK := r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
		if r.Status.Due() && r.ExternalTransferID == nil && !r.ScheduledAt.After(now) && backoffOK {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkReady(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.records[id]; r != nil && r.Status == model.TransferPending {
		r.Status = model.TransferReady
	}
	return nil
}

func (s *fakeStore) MarkCompleted(ctx context.Context, id int64, transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	if r == nil {
		return errors.New("not found")
	}
	if r.ExternalTransferID != nil && *r.ExternalTransferID != transferID {
		return fmt.Errorf("conflicting transfer id %s vs %s", *r.ExternalTransferID, transferID)
	}
	r.ExternalTransferID = &transferID
	r.Status = model.TransferCompleted
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.records[id]; r != nil && r.ExternalTransferID == nil {
		r.Status = model.TransferFailed
		r.LastError = &cause
	}
	return nil
}

func (s *fakeStore) RecordFailure(ctx context.Context, id int64, cause string, maxRetries int, backoffBase time.Duration, now time.Time) (model.TransferStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	if r == nil || r.ExternalTransferID != nil || r.Status == model.TransferFailed {
		return "", nil
	}
	r.RetryCount++
	r.LastError = &cause
	next := now.Add(backoffBase * (1 << min(r.RetryCount-1, 6)))
	r.NextAttemptAt = &next
	if r.RetryCount >= maxRetries {
		r.Status = model.TransferFailed
	}
	return r.Status, nil
}

func (s *fakeStore) SetChargeReference(ctx context.Context, id int64, chargeRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.records[id]; r != nil {
		r.ChargeReference = &chargeRef
	}
	return nil
}

func (s *fakeStore) AppendAttempt(ctx context.Context, id int64, outcome model.AttemptOutcome, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, model.TransferAttempt{TransferID: id, Outcome: outcome, Detail: &detail})
	return nil
}

type reconcilerMock struct {
	fn func(ctx context.Context, rec *model.TransferRecord) (reconcilesvc.Outcome, error)
}

func (m *reconcilerMock) EnsureTransfer(ctx context.Context, rec *model.TransferRecord) (reconcilesvc.Outcome, error) {
	return m.fn(ctx, rec)
}

func dueRecord(id int64, paymentRef string) *model.TransferRecord {
	ch := "ch_" + paymentRef
	return &model.TransferRecord{
		ID:                id,
		PaymentReference:  paymentRef,
		ChargeReference:   &ch,
		PayoutDestination: "acct_1",
		AmountMinor:       10000,
		Currency:          "eur",
		ScheduledAt:       time.Now().Add(-time.Hour),
		Status:            model.TransferPending,
	}
}

func TestRun_PerRecordIsolation(t *testing.T) {
	store := newFakeStore(
		dueRecord(1, "pi_ok"),
		dueRecord(2, "pi_reconciled"),
		dueRecord(3, "pi_transient"),
		dueRecord(4, "pi_permanent"),
	)
	rec := &reconcilerMock{fn: func(ctx context.Context, r *model.TransferRecord) (reconcilesvc.Outcome, error) {
		switch r.PaymentReference {
		case "pi_ok":
			return reconcilesvc.Outcome{Created: true, TransferID: "tr_1", ChargeReference: "ch_pi_ok"}, nil
		case "pi_reconciled":
			return reconcilesvc.Outcome{Created: false, TransferID: "tr_2", ChargeReference: "ch_pi_reconciled"}, nil
		case "pi_transient":
			return reconcilesvc.Outcome{}, &striperepo.TransientError{Err: errors.New("processor down")}
		default:
			return reconcilesvc.Outcome{}, &striperepo.PermanentError{Err: errors.New("no such destination")}
		}
	}}

	sum, err := sweepsvc.New(store, rec, cfg(), discard).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, sweepsvc.Summary{Processed: 4, Succeeded: 2, Reconciled: 1, Failed: 2}, sum)

	require.Equal(t, model.TransferCompleted, store.records[1].Status)
	require.Equal(t, "tr_1", *store.records[1].ExternalTransferID)
	require.Equal(t, model.TransferCompleted, store.records[2].Status)

	require.Equal(t, model.TransferReady, store.records[3].Status)
	require.Equal(t, 1, store.records[3].RetryCount)
	require.NotNil(t, store.records[3].NextAttemptAt)

	require.Equal(t, model.TransferFailed, store.records[4].Status)
	require.Equal(t, 0, store.records[4].RetryCount, "permanent failures skip the retry counter")
}

func TestRun_RetryExhaustionFails(t *testing.T) {
	store := newFakeStore(dueRecord(1, "pi_x"))
	rec := &reconcilerMock{fn: func(ctx context.Context, r *model.TransferRecord) (reconcilesvc.Outcome, error) {
		return reconcilesvc.Outcome{}, &striperepo.TransientError{Err: errors.New("still down")}
	}}
	c := cfg()
	c.MaxRetries = 3
	s := sweepsvc.New(store, rec, c, discard)

	for i := 0; i < 3; i++ {
		store.records[1].NextAttemptAt = nil // force due again
		_, err := s.Run(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, model.TransferFailed, store.records[1].Status)
	require.Equal(t, 3, store.records[1].RetryCount)

	// FAILED records are a manual-review queue, not retried further
	store.records[1].NextAttemptAt = nil
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, sum.Processed)
}

func TestRun_PersistsResolvedCharge(t *testing.T) {
	r := dueRecord(1, "pi_1")
	r.ChargeReference = nil
	store := newFakeStore(r)
	rec := &reconcilerMock{fn: func(ctx context.Context, rr *model.TransferRecord) (reconcilesvc.Outcome, error) {
		return reconcilesvc.Outcome{ChargeReference: "ch_late"}, &striperepo.TransientError{Err: errors.New("down")}
	}}

	_, err := sweepsvc.New(store, rec, cfg(), discard).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, store.records[1].ChargeReference)
	require.Equal(t, "ch_late", *store.records[1].ChargeReference)
}

// raceProcessor is a processor whose own state is the arbiter: the second
// CreateTransfer for a charge is rejected, exactly like the real one.
type raceProcessor struct {
	mu        sync.Mutex
	transfers map[string]string
	created   int
}

func (p *raceProcessor) ResolveCharge(ctx context.Context, ref string) (string, error) {
	return "ch_" + ref, nil
}

func (p *raceProcessor) GetExistingTransfer(ctx context.Context, chargeRef string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transfers[chargeRef], nil
}

func (p *raceProcessor) CreateTransfer(ctx context.Context, req striperepo.CreateTransferReq) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.transfers[req.ChargeReference]; ok {
		return "", striperepo.ErrTransferExists
	}
	p.created++
	id := fmt.Sprintf("tr_%d", p.created)
	p.transfers[req.ChargeReference] = id
	return id, nil
}

func (p *raceProcessor) GetAccount(ctx context.Context, id string) (*striperepo.Account, error) {
	return &striperepo.Account{ID: id, PayoutsEnabled: true}, nil
}

func TestRun_ConcurrentSweepsCreateOnce(t *testing.T) {
	// two overlapping sweep runs both select the same due record; the
	// processor must end up with exactly one transfer and both runs converge
	store := newFakeStore(dueRecord(1, "pi_race"))
	processor := &raceProcessor{transfers: map[string]string{}}
	reconciler := reconcilesvc.New(processor, discard)
	s := sweepsvc.New(store, reconciler, cfg(), discard)

	var wg sync.WaitGroup
	sums := make([]sweepsvc.Summary, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sum, err := s.Run(context.Background())
			require.NoError(t, err)
			sums[i] = sum
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, processor.created, "exactly one external transfer")
	require.Equal(t, model.TransferCompleted, store.records[1].Status)
	require.Equal(t, "tr_1", *store.records[1].ExternalTransferID)

	totalOK := sums[0].Succeeded + sums[1].Succeeded
	totalFailed := sums[0].Failed + sums[1].Failed
	require.Zero(t, totalFailed, "losing the race is the reconciliation path, not a failure")
	// both runs may have seen the record, or the second found none due
	require.GreaterOrEqual(t, totalOK, 1)
}
