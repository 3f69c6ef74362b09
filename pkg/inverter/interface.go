package inverter

import (
	"context"

	"github.com/chargehelm/chargehelm/pkg/types"
)

// Controller defines the interface for controlling one battery inverter.
// Implementations talk to a vendor cloud or local API; a remote ack is not
// proof of applied state, which is why ReadSegment exists for verification.
type Controller interface {
	// GetTelemetry returns the current live reading from the inverter.
	GetTelemetry(ctx context.Context) (types.LiveTelemetry, error)

	// ReadSegment returns the automation-owned segment currently scheduled on
	// the device, or nil if none is present.
	ReadSegment(ctx context.Context) (*types.DeviceSegment, error)

	// WriteSegment schedules the segment on the device, replacing any
	// automation-owned segment already present.
	WriteSegment(ctx context.Context, seg types.DeviceSegment) error

	// ClearSegment removes the automation-owned segment from the device. It
	// succeeds when no segment is present.
	ClearSegment(ctx context.Context) error

	// ApplySettings updates the controller from the user's stored settings.
	ApplySettings(ctx context.Context, settings types.Settings) error
}
