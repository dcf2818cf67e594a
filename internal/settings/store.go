package settings

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store defines the persistence contract for settings records.
type Store interface {
	// Get retrieves the record for a user. Returns (nil, nil) when no record
	// exists; absence is not an error. Fails with KindNotAuthorized when the
	// user id is empty.
	Get(ctx context.Context, userID string) (*Record, error)

	// Create inserts a record with default values. Idempotency is the
	// caller's responsibility: call only after Get confirmed absence, and
	// tolerate a KindDuplicate error from a concurrent create.
	Create(ctx context.Context, userID string) (*Record, error)

	// Update applies only the non-nil fields of the patch. Fails with
	// KindNotFound when no record exists and KindTransient for storage
	// failures.
	Update(ctx context.Context, userID string, patch Patch) error
}

// MemoryStore is an in-memory implementation of Store, used in tests and
// for ephemeral deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory settings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, NewError(KindNotAuthorized, "user id is required", nil)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[userID]
	if !ok {
		return nil, nil
	}

	// Return a clone so callers cannot mutate stored state.
	clone := *record
	return &clone, nil
}

func (s *MemoryStore) Create(ctx context.Context, userID string) (*Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, NewError(KindNotAuthorized, "user id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[userID]; exists {
		return nil, NewError(KindDuplicate, "settings record already exists for "+userID, nil)
	}

	record := defaultRecord(userID, s.now())
	s.records[userID] = record

	clone := *record
	return &clone, nil
}

func (s *MemoryStore) Update(ctx context.Context, userID string, patch Patch) error {
	if strings.TrimSpace(userID) == "" {
		return NewError(KindNotAuthorized, "user id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[userID]
	if !ok {
		return NewError(KindNotFound, "settings record not found for "+userID, nil)
	}

	applyPatch(record, patch)
	record.UpdatedAt = s.now()
	return nil
}

func applyPatch(record *Record, patch Patch) {
	if patch.ConnectionStatus != nil {
		record.ConnectionStatus = *patch.ConnectionStatus
	}
	if patch.InstanceURL != nil {
		record.InstanceURL = *patch.InstanceURL
	}
	if patch.BotPrompt != nil {
		record.BotPrompt = *patch.BotPrompt
	}
	if patch.EvolutionURL != nil {
		record.EvolutionURL = *patch.EvolutionURL
	}
	if patch.EvolutionKey != nil {
		record.EvolutionKey = *patch.EvolutionKey
	}
	if patch.LastCheckedAt != nil {
		t := *patch.LastCheckedAt
		record.LastCheckedAt = &t
	}
}
