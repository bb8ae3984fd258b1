// Package reconcile keeps a durable record of payments that completed
// on-chain but never produced an entry ticket.
//
// These are never auto-resolved: resubmitting the transfer would double-charge
// the player, and reissuing without operator review could mint a second
// ticket for one payment. The log exists so a human can reconcile each case
// against the ledger and the issuance backend.
package reconcile

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound = errors.New("reconcile: record not found")
	ErrDuplicateTx    = errors.New("reconcile: transaction already recorded")
)

// Record is one paid-but-unticketed payment awaiting manual review.
type Record struct {
	ID         string     `json:"id"`
	TxID       string     `json:"txId"`
	Subject    string     `json:"subject"`
	Amount     string     `json:"amount"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
}

// Resolved reports whether an operator has closed this record.
func (r *Record) Resolved() bool {
	return r.ResolvedAt != nil
}

// Store persists reconciliation records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByTxID(ctx context.Context, txID string) (*Record, error)
	ListUnresolved(ctx context.Context, limit int) ([]*Record, error)
	Resolve(ctx context.Context, id string, resolution string) error
}
