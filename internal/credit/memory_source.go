package credit

import (
	"context"
	"encoding/json"
	"sync"
)

// MemorySource is an in-memory profile source for demo/development mode.
type MemorySource struct {
	mu       sync.RWMutex
	profiles map[string][]byte
}

// NewMemorySource creates a new in-memory profile source.
func NewMemorySource() *MemorySource {
	return &MemorySource{profiles: make(map[string][]byte)}
}

// SetProfile stores a profile blob for subject.
func (m *MemorySource) SetProfile(subject string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[subject] = raw
}

// SetCredits stores a well-formed profile with the given free-credit count.
func (m *MemorySource) SetCredits(subject string, credits int) {
	raw, _ := json.Marshal(map[string]any{
		"subject":     subject,
		"freeCredits": credits,
	})
	m.SetProfile(subject, raw)
}

func (m *MemorySource) FetchProfile(ctx context.Context, subject string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.profiles[subject]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return raw, nil
}
