// Package onboarding composes the final session configuration from a
// completed payment flow and an onboarding result.
//
// Validation failures here are local and non-fatal: the caller stays in the
// onboarding phase and may submit a corrected result.
package onboarding

import (
	"fmt"

	"github.com/mbd888/racegate/internal/validation"
)

// maxDisplayNameLength caps client-supplied player names.
const maxDisplayNameLength = 64

// ValidationError reports an onboarding result that cannot be accepted.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("onboarding: %s", e.Message)
}

// Player is one entry in the race roster, in start order.
type Player struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
	IsHuman     bool   `json:"isHuman"`
}

// Result is a completed onboarding submission.
type Result struct {
	Players         []Player `json:"players"`
	DurationMinutes int      `json:"durationMinutes"`
	HumanPlayerKey  string   `json:"humanPlayerKey"`
}

// Entry carries the payment outcome the session configuration is built from.
type Entry struct {
	AuthToken        string
	GameEntryTokenID string
	BetAmount        string
	Currency         string
	PaymentSignature string // finalized transaction id, empty for free credit
}

// SessionConfig is the handoff to gameplay.
type SessionConfig struct {
	Players          []Player `json:"players"`
	DurationMinutes  int      `json:"duration"`
	HumanPlayerKey   string   `json:"humanPlayerKey"`
	BetAmount        string   `json:"betAmount"`
	Currency         string   `json:"currency"`
	PaymentSignature string   `json:"paymentSignature,omitempty"`
	GameEntryTokenID string   `json:"gameEntryTokenId"`
	AuthToken        string   `json:"authToken"`
}

// Collector validates onboarding results and produces session configurations.
type Collector struct {
	minPlayers int
}

// NewCollector creates a collector requiring at least minPlayers in a roster.
func NewCollector(minPlayers int) *Collector {
	if minPlayers < 2 {
		minPlayers = 2
	}
	return &Collector{minPlayers: minPlayers}
}

// Validate checks an onboarding result against the roster rules.
func (c *Collector) Validate(res Result) error {
	if len(res.Players) == 0 {
		return &ValidationError{Message: "Empty player roster"}
	}
	if len(res.Players) < c.minPlayers {
		return &ValidationError{Message: fmt.Sprintf("At least %d players required", c.minPlayers)}
	}
	if res.DurationMinutes <= 0 {
		return &ValidationError{Message: "Invalid race duration"}
	}
	if res.HumanPlayerKey == "" {
		return &ValidationError{Message: "No human player selected"}
	}

	found := false
	for _, p := range res.Players {
		if p.Key == res.HumanPlayerKey {
			found = true
			break
		}
	}
	if !found {
		return &ValidationError{Message: "Selected player is not in the roster"}
	}
	return nil
}

// Compose validates res and builds the session configuration handed off to
// gameplay. Entry fields must still be present: a missing ticket or auth
// token means the attempt state went stale underneath the caller.
func (c *Collector) Compose(res Result, entry Entry) (*SessionConfig, error) {
	if err := c.Validate(res); err != nil {
		return nil, err
	}
	if entry.AuthToken == "" {
		return nil, &ValidationError{Message: "Sign-in expired"}
	}
	if entry.GameEntryTokenID == "" {
		return nil, &ValidationError{Message: "Entry ticket missing"}
	}

	players := make([]Player, len(res.Players))
	for i, p := range res.Players {
		p.DisplayName = validation.SanitizeString(p.DisplayName, maxDisplayNameLength)
		players[i] = p
	}

	return &SessionConfig{
		Players:          players,
		DurationMinutes:  res.DurationMinutes,
		HumanPlayerKey:   res.HumanPlayerKey,
		BetAmount:        entry.BetAmount,
		Currency:         entry.Currency,
		PaymentSignature: entry.PaymentSignature,
		GameEntryTokenID: entry.GameEntryTokenID,
		AuthToken:        entry.AuthToken,
	}, nil
}
