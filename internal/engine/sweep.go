package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fleetsync/internal/events"
	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
	"fleetsync/internal/store"
)

const sweepLock = "sweep"

// Sweep runs one fleet-wide pass. Vehicles with a custom cadence go through
// the scheduler; all others are synced directly. A failing vehicle never
// aborts the pass. A sweep that finds another one running is skipped.
func (e *Engine) Sweep(ctx context.Context) (model.SweepSummary, error) {
	var sum model.SweepSummary
	unlock, ok, err := e.Locker.TryLock(ctx, sweepLock, e.LockTTL)
	if err != nil {
		return sum, fmt.Errorf("sweep lock: %w", err)
	}
	if !ok {
		e.Log.Info("sweep already running; skipping")
		sum.Skipped = true
		return sum, nil
	}
	defer unlock()

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	settings, err := e.Store.GetIntegrationSettings(ctx)
	if err != nil {
		return sum, err
	}
	if !settings.Configured() {
		e.Log.Debug("integration not configured; nothing to sweep")
		return sum, nil
	}
	vehicles, err := e.Store.ListVehicles(ctx, store.VehicleFilter{EnabledOnly: true, DeviceLinkedOnly: true})
	if err != nil {
		return sum, err
	}
	sum.Vehicles = len(vehicles)
	client := e.Client(settings)

	limit := settings.SweepConcurrency
	if limit < 1 {
		limit = 1
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, v := range vehicles {
		g.Go(func() error {
			synced, fired, err := e.sweepOne(gctx, settings, client, v)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				sum.Failed++
			case fired:
				sum.Fired++
			case synced:
				sum.Synced++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.Log.WithFields(log.Fields{
		"vehicles": sum.Vehicles, "synced": sum.Synced, "fired": sum.Fired, "failed": sum.Failed,
		"took": time.Since(start).Round(time.Millisecond).String(),
	}).Info("sweep finished")
	e.Bus.Publish(events.TopicFleet, events.New(events.TypeSweepFinished, "", map[string]any{
		"vehicles": sum.Vehicles, "synced": sum.Synced, "fired": sum.Fired, "failed": sum.Failed,
	}))
	return sum, nil
}

// sweepOne isolates one vehicle: errors and panics are logged and returned,
// never propagated to the other vehicles.
func (e *Engine) sweepOne(ctx context.Context, settings model.IntegrationSettings, client Telemetry, v model.Vehicle) (synced, fired bool, err error) {
	entry := e.Log.WithField("vehicle", v.ID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("vehicle %s: panic: %v", v.ID, r)
		}
		if err != nil {
			entry.WithError(err).Error("vehicle sync failed")
		}
	}()
	if strings.TrimSpace(v.Cadence) != "" {
		fired, _, err = e.Scheduler.Tick(ctx, v)
		return false, fired, err
	}
	res, err := e.syncVehicle(ctx, settings, client, v)
	return res.Outcome == OutcomeLogged, false, err
}
