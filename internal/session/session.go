// Package session owns the payment-to-onboarding state machine.
//
// One attempt runs at a time through pay → paying → onboarding → done, with
// error reachable from paying and retriable back to pay. The orchestrator
// coordinates three independently-failing collaborators (credential
// provider, ledger, entry issuer) under two hard constraints: issuance for
// a paid entry happens only after ledger finality, and at most one issuance
// request is made per payment proof.
package session

import (
	"time"

	"github.com/mbd888/racegate/internal/issuer"
)

// Phase is the state of a live attempt.
type Phase string

const (
	PhasePay        Phase = "pay"
	PhasePaying     Phase = "paying"
	PhaseOnboarding Phase = "onboarding"
	PhaseDone       Phase = "done"
	PhaseError      Phase = "error"
)

// PaymentMethod selects how the entry fee is covered. Chosen once per
// attempt; re-chosen after a retry.
type PaymentMethod string

const (
	MethodOnChain    PaymentMethod = "ON_CHAIN"
	MethodFreeCredit PaymentMethod = "FREE_CREDIT"
)

func (m PaymentMethod) valid() bool {
	return m == MethodOnChain || m == MethodFreeCredit
}

func (m PaymentMethod) currency() issuer.Currency {
	if m == MethodFreeCredit {
		return issuer.CurrencyFreeCredit
	}
	return issuer.CurrencyOnChain
}

// attempt is the mutable aggregate for one end-to-end flow. Created at
// start, destroyed on cancel or successful handoff. Never shared: all
// access goes through the orchestrator's lock.
type attempt struct {
	id        string
	phase     Phase
	method    PaymentMethod
	betAmount string
	proof     string
	ticket    *issuer.EntryTicket
	lastError *FlowError
	startedAt time.Time
}

// Snapshot is a read-only copy of the live attempt's state, safe to hand
// to transports and change listeners.
type Snapshot struct {
	AttemptID string        `json:"attemptId"`
	Phase     Phase         `json:"phase"`
	Method    PaymentMethod `json:"method,omitempty"`
	BetAmount string        `json:"betAmount,omitempty"`
	Proof     string        `json:"proof,omitempty"`
	TicketID  string        `json:"ticketId,omitempty"`
	LastError *FlowError    `json:"lastError,omitempty"`
	StartedAt time.Time     `json:"startedAt"`

	// Live is false on the final snapshot of a destroyed attempt.
	Live bool `json:"live"`
}

func (a *attempt) snapshot(live bool) Snapshot {
	s := Snapshot{
		AttemptID: a.id,
		Phase:     a.phase,
		Method:    a.method,
		BetAmount: a.betAmount,
		Proof:     a.proof,
		LastError: a.lastError,
		StartedAt: a.startedAt,
		Live:      live,
	}
	if a.ticket != nil {
		s.TicketID = a.ticket.ID
	}
	return s
}
