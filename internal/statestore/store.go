// Package statestore persists run outcomes and last-known device
// status. The engine works entirely in memory; the store is the
// boundary where results become visible to the rest of the platform.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/devicehub/flowengine/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound = errors.New("not found")
)

// Store defines outcome persistence and device status tracking.
// Implementations must be safe for concurrent use.
type Store interface {
	// RecordOutcome persists a finished run's outcome. It also becomes
	// the flow's last outcome for the device.
	RecordOutcome(ctx context.Context, outcome *types.FlowOutcome) error

	// Outcome returns a run's outcome by run ID.
	Outcome(ctx context.Context, runID string) (*types.FlowOutcome, error)

	// LastOutcome returns the most recent outcome of a flow for a device.
	LastOutcome(ctx context.Context, flowID, deviceID string) (*types.FlowOutcome, error)

	// SetDeviceStatus records a device's reported status. The entry
	// expires after the configured status TTL so stale devices read as
	// unknown rather than reporting an old status forever.
	SetDeviceStatus(ctx context.Context, deviceID, status string) error

	// DeviceStatus returns a device's current status, or ErrNotFound
	// once the entry has expired.
	DeviceStatus(ctx context.Context, deviceID string) (string, error)

	// Close releases the store's resources.
	Close() error
}

// Config holds configuration shared by Store implementations.
type Config struct {
	// OutcomeTTL bounds how long run outcomes are kept (0 = no expiry).
	OutcomeTTL time.Duration

	// StatusTTL bounds how long a device status entry stays fresh.
	StatusTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OutcomeTTL: 7 * 24 * time.Hour,
		StatusTTL:  5 * time.Minute,
	}
}
