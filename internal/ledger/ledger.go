// Package ledger submits entry-fee transfers and reports their finality.
//
// Submission acceptance and finality are separate failure domains: a
// transaction the network accepted can still fail execution, and a
// transaction can be final long before we observe it. Callers must treat
// only a successful AwaitFinality as proof of payment.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Typed errors for programmatic handling
var (
	ErrSubmissionRejected = errors.New("ledger: submission rejected")
	ErrNetwork            = errors.New("ledger: network error")
	ErrFinalityTimeout    = errors.New("ledger: finality timeout")
	ErrInvalidDestination = errors.New("ledger: invalid destination address")
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
)

// ExecutionError reports a transaction that was included but failed
// execution. Distinct from submission failure: funds may have moved
// (gas was spent) and the transaction id is known.
type ExecutionError struct {
	TxID   string
	Reason string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("ledger: transaction %s failed execution: %s", e.TxID, e.Reason)
}

// Client is the narrow interface the entry flow depends on.
//
// SubmitTransfer is never retried by callers: a resubmitted transfer is a
// second payment, not a retry.
type Client interface {
	// SubmitTransfer sends amount (in minor units) to destination and
	// returns the transaction id. Fails with ErrSubmissionRejected or
	// ErrNetwork.
	SubmitTransfer(ctx context.Context, destination string, amount *big.Int) (string, error)

	// AwaitFinality blocks until the transaction with the exact id from
	// SubmitTransfer is irreversible. Fails with ErrFinalityTimeout or
	// an *ExecutionError.
	AwaitFinality(ctx context.Context, txID string) error
}
