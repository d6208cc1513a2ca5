package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devicehub/flowengine/pkg/types"
)

func outcome(runID, flowID, deviceID string, status types.RunStatus) *types.FlowOutcome {
	return &types.FlowOutcome{
		RunID:    runID,
		FlowID:   flowID,
		DeviceID: deviceID,
		Status:   status,
		Nodes:    map[string]*types.NodeResult{},
	}
}

func TestRecordAndGetOutcome(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	if err := s.RecordOutcome(ctx, outcome("r1", "f1", "dev", types.RunStatusSucceeded)); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := s.Outcome(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.RunStatusSucceeded {
		t.Errorf("status = %s", got.Status)
	}

	if _, err := s.Outcome(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing run: %v", err)
	}
}

func TestLastOutcomeTracksLatest(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	s.RecordOutcome(ctx, outcome("r1", "f1", "dev", types.RunStatusFailed))
	s.RecordOutcome(ctx, outcome("r2", "f1", "dev", types.RunStatusSucceeded))
	s.RecordOutcome(ctx, outcome("r3", "f1", "other", types.RunStatusFailed))

	got, err := s.LastOutcome(ctx, "f1", "dev")
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if got.RunID != "r2" {
		t.Errorf("last run = %s", got.RunID)
	}

	if _, err := s.LastOutcome(ctx, "f2", "dev"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unrecorded flow: %v", err)
	}
}

func TestDeviceStatusExpires(t *testing.T) {
	s := NewMemoryStore(&Config{StatusTTL: time.Minute})
	ctx := context.Background()

	clock := time.Now()
	s.now = func() time.Time { return clock }

	if err := s.SetDeviceStatus(ctx, "dev-1", "online"); err != nil {
		t.Fatalf("set: %v", err)
	}

	if status, err := s.DeviceStatus(ctx, "dev-1"); err != nil || status != "online" {
		t.Fatalf("status = %q, %v", status, err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := s.DeviceStatus(ctx, "dev-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired status: %v", err)
	}

	// Re-setting refreshes the entry.
	s.SetDeviceStatus(ctx, "dev-1", "offline")
	if status, err := s.DeviceStatus(ctx, "dev-1"); err != nil || status != "offline" {
		t.Errorf("refreshed status = %q, %v", status, err)
	}
}

func TestDeviceStatusNoTTL(t *testing.T) {
	s := NewMemoryStore(&Config{StatusTTL: 0})
	ctx := context.Background()

	clock := time.Now()
	s.now = func() time.Time { return clock }

	s.SetDeviceStatus(ctx, "dev", "online")
	clock = clock.Add(24 * time.Hour)

	if status, err := s.DeviceStatus(ctx, "dev"); err != nil || status != "online" {
		t.Errorf("status = %q, %v", status, err)
	}
}
