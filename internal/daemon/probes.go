// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"fmt"

	"github.com/ManuGH/tripsync/internal/buffer"
	"github.com/ManuGH/tripsync/internal/control"
	"github.com/ManuGH/tripsync/internal/health"
)

// newProbes registers the component checks behind /readyz.
func newProbes(version string, store buffer.Store, surface *control.Surface) *health.Manager {
	m := health.NewManager(version)

	m.RegisterChecker(health.CheckFunc{CheckName: "buffer", Fn: func(ctx context.Context) health.CheckResult {
		st, err := store.Stats(ctx)
		if err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
		}
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: fmt.Sprintf("%d pending, %d in flight", st.PendingItems, st.InFlightItems),
		}
	}})

	m.RegisterChecker(health.CheckFunc{CheckName: "capture", Fn: func(ctx context.Context) health.CheckResult {
		snap := surface.GetState(ctx)
		switch {
		case snap.CaptureHalted:
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "capture halted after buffer corruption"}
		case !snap.SensorHealthy:
			return health.CheckResult{Status: health.StatusDegraded, Message: "sensor subsystem reported a failure"}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: string(snap.State)}
	}})

	m.RegisterChecker(health.CheckFunc{CheckName: "sync", Fn: func(ctx context.Context) health.CheckResult {
		snap := surface.GetState(ctx)
		switch {
		case snap.LastSyncError != "":
			return health.CheckResult{Status: health.StatusDegraded, Error: snap.LastSyncError}
		case snap.QuarantinedBatches > 0:
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("%d quarantined batches", snap.QuarantinedBatches),
			}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	}})

	return m
}
