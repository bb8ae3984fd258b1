package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/racegate/internal/credit"
	"github.com/mbd888/racegate/internal/identity"
	"github.com/mbd888/racegate/internal/issuer"
	"github.com/mbd888/racegate/internal/ledger"
)

// Sentinel errors for flow control. These report caller mistakes (wrong
// phase, double submission); payment failures use *FlowError instead.
var (
	ErrNoAttempt       = errors.New("session: no live attempt")
	ErrAttemptLive     = errors.New("session: an attempt is already live")
	ErrPaymentInFlight = errors.New("session: a payment is already in flight")
	ErrCancelInFlight  = errors.New("session: cannot cancel while a payment is in flight")
)

// PhaseViolationError reports an operation invoked in a phase that does not permit it.
type PhaseViolationError struct {
	Op    string
	Phase Phase
}

func (e *PhaseViolationError) Error() string {
	return fmt.Sprintf("session: %s not permitted in phase %q", e.Op, e.Phase)
}

// ErrorKind classifies a flow failure for programmatic handling.
type ErrorKind string

const (
	KindAuthMissing        ErrorKind = "AUTH_MISSING"
	KindSubmissionRejected ErrorKind = "SUBMISSION_REJECTED"
	KindNetwork            ErrorKind = "NETWORK"
	KindFinalityTimeout    ErrorKind = "FINALITY_TIMEOUT"
	KindExecutionFailed    ErrorKind = "EXECUTION_FAILED"
	KindUnauthorized       ErrorKind = "UNAUTHORIZED"
	KindInsufficientCredit ErrorKind = "INSUFFICIENT_CREDIT"
	KindIssuanceFailed     ErrorKind = "ISSUANCE_FAILED"
	KindValidationFailed   ErrorKind = "VALIDATION_FAILED"
	KindPaidButUnticketed  ErrorKind = "PAID_BUT_UNTICKETED"
	KindMalformedInput     ErrorKind = "MALFORMED_INPUT"
)

// FlowError is a payment-flow failure: a machine-readable kind plus a
// human-readable message. For failures after a finalized payment, TxID
// carries the transaction id for manual reconciliation.
type FlowError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	TxID    string    `json:"txId,omitempty"`
}

func (e *FlowError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("session: %s (tx %s): %s", e.Kind, e.TxID, e.Message)
	}
	return fmt.Sprintf("session: %s: %s", e.Kind, e.Message)
}

// classify maps a collaborator error to its flow error kind.
func classify(err error) ErrorKind {
	var (
		execErr *ledger.ExecutionError
		issErr  *issuer.IssuanceError
		malErr  *credit.MalformedInputError
	)
	switch {
	case errors.Is(err, identity.ErrNoCredential), errors.Is(err, identity.ErrMalformedToken):
		return KindAuthMissing
	case errors.Is(err, ledger.ErrSubmissionRejected):
		return KindSubmissionRejected
	case errors.Is(err, ledger.ErrFinalityTimeout):
		return KindFinalityTimeout
	case errors.As(err, &execErr):
		return KindExecutionFailed
	case errors.Is(err, ledger.ErrNetwork):
		return KindNetwork
	case errors.Is(err, issuer.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, issuer.ErrInsufficientCredit):
		return KindInsufficientCredit
	case errors.As(err, &issErr):
		return KindIssuanceFailed
	case errors.As(err, &malErr):
		return KindMalformedInput
	default:
		return KindNetwork
	}
}

// flowMessage extracts the human-readable message from a collaborator error
// and applies normalization of known raw substrings.
func flowMessage(err error) string {
	var execErr *ledger.ExecutionError
	if errors.As(err, &execErr) {
		return normalize(execErr.Reason)
	}
	var issErr *issuer.IssuanceError
	if errors.As(err, &issErr) {
		return normalize(issErr.Reason)
	}
	switch {
	case errors.Is(err, issuer.ErrUnauthorized):
		return "Entry not authorized for this account"
	case errors.Is(err, issuer.ErrInsufficientCredit):
		return "Insufficient credit to enter the race"
	}
	return normalize(err.Error())
}

// normalize maps known raw ledger messages to friendlier text.
// Unrecognized messages pass through verbatim.
func normalize(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient funds"):
		return "Insufficient funds to enter the race"
	case strings.Contains(lower, "user rejected"):
		return "Transaction cancelled by user"
	}
	return msg
}
