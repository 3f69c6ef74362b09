package inverter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/retry"
	"github.com/chargehelm/chargehelm/pkg/types"
)

var (
	// ErrWriteFailed indicates the device rejected or never acknowledged a
	// write after all retries.
	ErrWriteFailed = errors.New("device write failed")
	// ErrVerificationFailed indicates a write was acknowledged but the
	// read-back did not match the intended state.
	ErrVerificationFailed = errors.New("segment verification failed")
)

// Reconciler applies and clears device segments with bounded retries and
// mandatory post-write verification. A successful ack without a matching
// read-back is reported as failure.
type Reconciler struct {
	policy retry.Policy
	// opTimeout bounds one whole apply/clear sequence. The sequence runs
	// detached from the cycle deadline so a near-expired cycle cannot leave a
	// half-verified device behind.
	opTimeout time.Duration
}

// NewReconciler creates a Reconciler with the given retry policy. A zero
// opTimeout defaults to 30 seconds.
func NewReconciler(policy retry.Policy, opTimeout time.Duration) *Reconciler {
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &Reconciler{policy: policy, opTimeout: opTimeout}
}

// ApplySegment writes seg to the device and verifies it by reading the
// current segment back. Success is reported only when the read-back matches.
func (r *Reconciler) ApplySegment(ctx context.Context, ctrl Controller, seg types.DeviceSegment) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opTimeout)
	defer cancel()

	return r.policy.Do(opCtx, "apply segment", func(ctx context.Context) error {
		if err := ctrl.WriteSegment(ctx, seg); err != nil {
			return fmt.Errorf("%w: %s", ErrWriteFailed, err)
		}

		got, err := ctrl.ReadSegment(ctx)
		if err != nil {
			return fmt.Errorf("%w: read-back failed: %s", ErrVerificationFailed, err)
		}
		if got == nil {
			return fmt.Errorf("%w: device reports no segment after write", ErrVerificationFailed)
		}
		if !got.Equal(seg) {
			log.Ctx(ctx).WarnContext(
				ctx,
				"segment read-back mismatch",
				slog.Time("wantStart", seg.StartTime),
				slog.Time("gotStart", got.StartTime),
				slog.Int("wantWatts", seg.TargetPowerWatts),
				slog.Int("gotWatts", got.TargetPowerWatts),
			)
			return fmt.Errorf("%w: read-back does not match intended segment", ErrVerificationFailed)
		}
		return nil
	})
}

// ClearSegment removes the automation-owned segment and verifies the device
// no longer reports one.
func (r *Reconciler) ClearSegment(ctx context.Context, ctrl Controller) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opTimeout)
	defer cancel()

	return r.policy.Do(opCtx, "clear segment", func(ctx context.Context) error {
		if err := ctrl.ClearSegment(ctx); err != nil {
			return fmt.Errorf("%w: %s", ErrWriteFailed, err)
		}

		got, err := ctrl.ReadSegment(ctx)
		if err != nil {
			return fmt.Errorf("%w: read-back failed: %s", ErrVerificationFailed, err)
		}
		if got != nil {
			return fmt.Errorf("%w: device still reports a segment after clear", ErrVerificationFailed)
		}
		return nil
	})
}
