package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/devicehub/flowengine/pkg/types"
)

// statusEntry is a device status with its expiry deadline.
type statusEntry struct {
	status    string
	expiresAt time.Time
}

// MemoryStore is an in-memory Store. Suitable for development and
// testing; data is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	outcomes map[string]*types.FlowOutcome // runID -> outcome
	last     map[string]*types.FlowOutcome // flowID/deviceID -> outcome
	statuses map[string]statusEntry
	config   *Config

	// now is swappable so expiry is testable without sleeping.
	now func() time.Time
}

// NewMemoryStore creates an in-memory Store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		outcomes: make(map[string]*types.FlowOutcome),
		last:     make(map[string]*types.FlowOutcome),
		statuses: make(map[string]statusEntry),
		config:   cfg,
		now:      time.Now,
	}
}

func lastKey(flowID, deviceID string) string {
	return flowID + "/" + deviceID
}

func (s *MemoryStore) RecordOutcome(ctx context.Context, outcome *types.FlowOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome.RunID] = outcome
	s.last[lastKey(outcome.FlowID, outcome.DeviceID)] = outcome
	return nil
}

func (s *MemoryStore) Outcome(ctx context.Context, runID string) (*types.FlowOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outcome, ok := s.outcomes[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return outcome, nil
}

func (s *MemoryStore) LastOutcome(ctx context.Context, flowID, deviceID string) (*types.FlowOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outcome, ok := s.last[lastKey(flowID, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return outcome, nil
}

func (s *MemoryStore) SetDeviceStatus(ctx context.Context, deviceID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := statusEntry{status: status}
	if s.config.StatusTTL > 0 {
		entry.expiresAt = s.now().Add(s.config.StatusTTL)
	}
	s.statuses[deviceID] = entry
	return nil
}

func (s *MemoryStore) DeviceStatus(ctx context.Context, deviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.statuses[deviceID]
	if !ok {
		return "", ErrNotFound
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		delete(s.statuses, deviceID)
		return "", ErrNotFound
	}
	return entry.status, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
