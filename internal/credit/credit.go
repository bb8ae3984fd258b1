// Package credit tracks each player's free-entry allowance.
//
// The balance is a UX guard only: the issuance backend is the authority on
// whether a free entry is actually available. Profile data arrives as
// loosely-typed JSON from the platform; it is validated into a strict record
// at this boundary rather than defaulting missing fields to zero.
package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrProfileNotFound = errors.New("credit: profile not found")

// MalformedInputError reports a profile blob that failed validation.
type MalformedInputError struct {
	Field  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("credit: malformed profile field %q: %s", e.Field, e.Reason)
}

// Profile is the validated form of a platform profile blob.
type Profile struct {
	Subject     string
	DisplayName string
	FreeCredits int
}

// Source fetches raw profile blobs by subject.
type Source interface {
	FetchProfile(ctx context.Context, subject string) ([]byte, error)
}

// ParseProfile validates a raw profile blob into a Profile.
func ParseProfile(raw []byte) (*Profile, error) {
	var blob map[string]any
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, &MalformedInputError{Field: "(root)", Reason: "not a JSON object"}
	}

	subject, ok := blob["subject"].(string)
	if !ok || subject == "" {
		return nil, &MalformedInputError{Field: "subject", Reason: "missing or not a string"}
	}

	// JSON numbers decode as float64; reject fractional credit counts.
	creditsRaw, ok := blob["freeCredits"]
	if !ok {
		return nil, &MalformedInputError{Field: "freeCredits", Reason: "missing"}
	}
	creditsFloat, ok := creditsRaw.(float64)
	if !ok || creditsFloat != float64(int(creditsFloat)) || creditsFloat < 0 {
		return nil, &MalformedInputError{Field: "freeCredits", Reason: "not a non-negative integer"}
	}

	p := &Profile{
		Subject:     subject,
		FreeCredits: int(creditsFloat),
	}
	if name, ok := blob["displayName"].(string); ok {
		p.DisplayName = name
	}
	return p, nil
}

// Service answers free-credit balance queries for the entry flow.
type Service struct {
	source Source
}

// NewService creates a credit service backed by source.
func NewService(source Source) *Service {
	return &Service{source: source}
}

// FreeCredits returns the player's current free-entry allowance.
func (s *Service) FreeCredits(ctx context.Context, subject string) (int, error) {
	raw, err := s.source.FetchProfile(ctx, subject)
	if err != nil {
		return 0, err
	}
	profile, err := ParseProfile(raw)
	if err != nil {
		return 0, err
	}
	return profile.FreeCredits, nil
}
