package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/racegate/internal/idgen"
)

// Service records and reviews paid-but-unticketed payments.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// RecordUnticketed logs a finalized payment whose issuance failed.
// Recording the same transaction twice is a no-op: the payment is already
// queued for review.
func (s *Service) RecordUnticketed(ctx context.Context, txID, subject, amount, message string) (*Record, error) {
	rec := &Record{
		ID:        idgen.WithPrefix("rec_"),
		TxID:      txID,
		Subject:   subject,
		Amount:    amount,
		Message:   message,
		CreatedAt: time.Now(),
	}

	err := s.store.Create(ctx, rec)
	if errors.Is(err, ErrDuplicateTx) {
		s.logger.Warn("payment already queued for reconciliation", "tx_id", txID)
		return s.store.GetByTxID(ctx, txID)
	}
	if err != nil {
		return nil, fmt.Errorf("record unticketed payment: %w", err)
	}

	s.logger.Error("paid but unticketed payment recorded",
		"record_id", rec.ID,
		"tx_id", txID,
		"subject", subject,
		"amount", amount,
	)
	return rec, nil
}

// Unresolved lists records awaiting operator review.
func (s *Service) Unresolved(ctx context.Context, limit int) ([]*Record, error) {
	return s.store.ListUnresolved(ctx, limit)
}

// Resolve closes a record with an operator-supplied resolution note.
func (s *Service) Resolve(ctx context.Context, id, resolution string) error {
	if resolution == "" {
		return fmt.Errorf("reconcile: resolution note required")
	}
	return s.store.Resolve(ctx, id, resolution)
}
