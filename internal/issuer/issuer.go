// Package issuer exchanges a credential and payment proof for a single-use
// entry ticket.
//
// Issuance is idempotent per payment proof: two calls with the same proof
// yield the same ticket. Retries must therefore always carry the proof of
// the original payment; resubmitting with a new proof is a second charge.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthorized       = errors.New("issuer: unauthorized")
	ErrInsufficientCredit = errors.New("issuer: insufficient credit")
)

// IssuanceError reports a failed issuance with the backend's human-readable
// reason. For paid entries Proof carries the finalized transaction id so the
// caller can surface it for manual reconciliation; it is never dropped.
type IssuanceError struct {
	Reason string
	Proof  string
}

func (e *IssuanceError) Error() string {
	if e.Proof != "" {
		return fmt.Sprintf("issuer: issuance failed (proof %s): %s", e.Proof, e.Reason)
	}
	return fmt.Sprintf("issuer: issuance failed: %s", e.Reason)
}

// Currency identifies how the entry was paid for.
type Currency string

const (
	CurrencyOnChain    Currency = "ON_CHAIN"
	CurrencyFreeCredit Currency = "FREE_CREDIT"
)

// PaymentDescriptor describes the payment backing an issuance request.
type PaymentDescriptor struct {
	GameType  string
	GameID    string
	BetAmount string
	Currency  Currency

	// Proof is the finalized transaction id for on-chain payments, empty
	// for free credit.
	Proof string

	// IdempotencyKey deduplicates the request server-side. Equal to Proof
	// when a proof exists; free-credit entries use a one-shot key minted
	// per attempt.
	IdempotencyKey string
}

// EntryTicket is a single-use token permitting progression to onboarding.
// The backend invalidates it after one redemption.
type EntryTicket struct {
	ID       string
	IssuedAt time.Time
}

// Issuer is the narrow interface the entry flow depends on.
type Issuer interface {
	Issue(ctx context.Context, credential string, desc PaymentDescriptor) (*EntryTicket, error)
}
