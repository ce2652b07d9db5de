// Package reviewsvc is the read-only surface for operators: FAILED records
// are a manual-review queue, never auto-deleted.
package reviewsvc

import (
	"context"

	"marketpay/model"
)

type FailedRecord struct {
	model.TransferRecord
	Attempts []model.TransferAttempt `json:"attempts"`
}

type Store interface {
	ListFailed(ctx context.Context) ([]model.TransferRecord, error)
	ListAttempts(ctx context.Context, transferID int64) ([]model.TransferAttempt, error)
}

type Service interface {
	ListFailed(ctx context.Context) ([]FailedRecord, error)
}

type service struct{ store Store }

func New(store Store) Service { return &service{store: store} }

func (s *service) ListFailed(ctx context.Context) ([]FailedRecord, error) {
	recs, err := s.store.ListFailed(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]FailedRecord, 0, len(recs))
	for _, rec := range recs {
		attempts, err := s.store.ListAttempts(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, FailedRecord{TransferRecord: rec, Attempts: attempts})
	}
	return out, nil
}
