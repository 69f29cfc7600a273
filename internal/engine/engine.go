// Package engine turns the latest remote position of each vehicle into a
// finalized log record.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"fleetsync/internal/events"
	"fleetsync/internal/geofence"
	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
	"fleetsync/internal/queue"
	"fleetsync/internal/schedule"
	"fleetsync/internal/store"
	"fleetsync/internal/traccar"
)

const maxDiagnostic = 140

// ErrNoPositionData means the device has never reported. It ends the cycle
// without failing it.
var ErrNoPositionData = errors.New("no position data")

// Telemetry is the part of the remote client the engine reads from.
type Telemetry interface {
	LatestPosition(ctx context.Context, deviceID int64) (*traccar.Position, error)
}

// ClientFactory builds a client for one sweep's settings.
type ClientFactory func(model.IntegrationSettings) Telemetry

func DefaultClient(s model.IntegrationSettings) Telemetry { return traccar.New(s) }

// RepairEnqueuer queues draft repair tickets, deduplicated by asset and
// diagnostic prefix.
type RepairEnqueuer interface {
	EnqueueDraftRepair(ctx context.Context, assetID, logID, diagnostic string, failedAt time.Time) (bool, error)
}

type Outcome string

const (
	OutcomeLogged     Outcome = "logged"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeNoPosition Outcome = "no_position"
	OutcomeFailed     Outcome = "failed"
)

// Result describes one sync cycle.
type Result struct {
	VehicleID    string           `json:"vehicleId"`
	Outcome      Outcome          `json:"outcome"`
	Log          *model.LogRecord `json:"log,omitempty"`
	Entered      []string         `json:"entered,omitempty"`
	Exited       []string         `json:"exited,omitempty"`
	RepairQueued bool             `json:"repairQueued,omitempty"`
}

type Engine struct {
	Store     store.Store
	Jobs      RepairEnqueuer
	Bus       events.Bus
	Client    ClientFactory
	Geofences *geofence.Differencer
	Scheduler *schedule.Scheduler
	Locker    queue.Locker
	LockTTL   time.Duration
	Now       func() time.Time
	Log       *log.Entry

	flight singleflight.Group
}

// New wires an engine over a store and task queue with in-process locking.
func New(st store.Store, q queue.Queue, bus events.Bus) *Engine {
	if bus == nil {
		bus = events.Discard{}
	}
	jobs := queue.NewJobs(q)
	return &Engine{
		Store:     st,
		Jobs:      jobs,
		Bus:       bus,
		Client:    DefaultClient,
		Geofences: geofence.NewDifferencer(st),
		Scheduler: schedule.New(st, jobs),
		Locker:    queue.NewMemoryLocker(),
		LockTTL:   10 * time.Minute,
		Now:       time.Now,
		Log:       log.WithField("component", "engine"),
	}
}

// SyncOne loads the current settings and runs one cycle for the vehicle.
// Missing configuration, a missing device and a missing position are not
// errors.
func (e *Engine) SyncOne(ctx context.Context, vehicleID string) (Result, error) {
	settings, err := e.Store.GetIntegrationSettings(ctx)
	if err != nil {
		return Result{VehicleID: vehicleID, Outcome: OutcomeFailed}, err
	}
	v, err := e.Store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return Result{VehicleID: vehicleID, Outcome: OutcomeFailed}, err
	}
	return e.syncVehicle(ctx, settings, e.Client(settings), v)
}

// syncVehicle serializes cycles per vehicle so the read-then-write of the
// prior log record never interleaves.
func (e *Engine) syncVehicle(ctx context.Context, settings model.IntegrationSettings, client Telemetry, v model.Vehicle) (Result, error) {
	out, err, _ := e.flight.Do(v.ID, func() (any, error) {
		return e.syncLocked(ctx, settings, client, v)
	})
	res, _ := out.(Result)
	if res.VehicleID == "" {
		res.VehicleID = v.ID
	}
	if errors.Is(err, ErrNoPositionData) {
		e.Log.WithField("vehicle", v.ID).Warn("no position data for device")
		metrics.SyncOutcomes.WithLabelValues(string(OutcomeNoPosition)).Inc()
		res.Outcome = OutcomeNoPosition
		return res, nil
	}
	if err != nil {
		res.Outcome = OutcomeFailed
	}
	metrics.SyncOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	return res, err
}

func (e *Engine) syncLocked(ctx context.Context, settings model.IntegrationSettings, client Telemetry, v model.Vehicle) (res Result, err error) {
	res = Result{VehicleID: v.ID, Outcome: OutcomeSkipped}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync %s: panic: %v", v.ID, r)
		}
	}()
	entry := e.Log.WithField("vehicle", v.ID)

	// 1-2: settings, device and position
	if !settings.Configured() || !v.HasDevice() {
		return res, nil
	}
	pos, err := client.LatestPosition(ctx, *v.DeviceID)
	if errors.Is(err, traccar.ErrNotConfigured) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("sync %s: %w", v.ID, err)
	}
	if pos == nil {
		return res, ErrNoPositionData
	}

	// 3: prior finalized record
	prior, err := e.Store.LatestLogRecord(ctx, v.ID)
	hasPrior := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("sync %s: prior log: %w", v.ID, err)
	}

	// 4: geofence transitions
	diff, err := e.Geofences.Diff(ctx, geofence.ParseIDs(prior.GeofenceIDs), pos.GeofenceIDs)
	if err != nil {
		return res, fmt.Errorf("sync %s: geofences: %w", v.ID, err)
	}

	// 5-6: driver and odometer
	employee := e.resolveEmployee(ctx, v, pos, prior)
	odometer := Odometer(pos.Attributes.TotalDistance, settings.Factor(), prior.Odometer, hasPrior)

	// 7: durable write
	date := pos.FixTime
	if date.IsZero() {
		date = e.Now()
	}
	rec := model.LogRecord{
		VehicleID:        v.ID,
		Date:             date.UTC(),
		Employee:         employee,
		Odometer:         odometer,
		LastOdometer:     v.LastOdometer,
		Latitude:         pos.Latitude,
		Longitude:        pos.Longitude,
		Speed:            pos.Speed,
		BatteryLevel:     pos.Attributes.BatteryLevel,
		Fuel:             pos.Attributes.Fuel,
		EngineHours:      pos.Attributes.Hours,
		EngineTemp:       pos.Attributes.EngineTemp,
		RPM:              pos.Attributes.RPM,
		Diagnostic:       truncate(pos.Attributes.Diagnostic, maxDiagnostic),
		GeofenceIDs:      geofence.JoinIDs(pos.GeofenceIDs),
		GeofencesEntered: strings.Join(diff.Entered, ","),
		GeofencesExited:  strings.Join(diff.Exited, ","),
	}
	rec, err = e.Store.CreateLogRecord(ctx, rec)
	if err != nil {
		return res, fmt.Errorf("sync %s: create log: %w", v.ID, err)
	}
	res.Outcome = OutcomeLogged
	res.Log = &rec
	res.Entered, res.Exited = diff.Entered, diff.Exited
	entry.WithFields(log.Fields{"odometer": rec.Odometer, "entered": len(diff.Entered), "exited": len(diff.Exited)}).Info("log record created")
	e.publish(rec, diff)

	// 8: repair ticket for diagnostics
	if rec.Diagnostic != "" {
		queued, err := e.queueRepair(ctx, rec)
		if err != nil {
			// the record is already durable; the next diagnostic retries
			entry.WithError(err).Warn("repair enqueue failed")
		}
		res.RepairQueued = queued
	}
	return res, nil
}

// Odometer is floor(total*factor)+1, raised to prior+1 when it would not
// exceed the prior record.
func Odometer(total *float64, factor float64, prior int64, hasPrior bool) int64 {
	var t float64
	if total != nil {
		t = *total
	}
	odo := int64(math.Floor(t*factor)) + 1
	if hasPrior && odo <= prior {
		odo = prior + 1
	}
	return odo
}

func (e *Engine) resolveEmployee(ctx context.Context, v model.Vehicle, pos *traccar.Position, prior model.LogRecord) string {
	entry := e.Log.WithField("vehicle", v.ID)
	if uid := pos.Attributes.DriverUniqueID; uid != "" {
		d, err := e.Store.GetDriver(ctx, uid)
		if err == nil && d.Employee != "" {
			return d.Employee
		}
		entry.WithField("driver", uid).Warn("position driver has no local employee")
	}
	if prior.Employee != "" {
		return prior.Employee
	}
	if len(v.Drivers) > 0 {
		d, err := e.Store.GetDriver(ctx, v.Drivers[0])
		if err == nil {
			return d.Employee
		}
		entry.WithField("driver", v.Drivers[0]).Warn("vehicle driver not found")
	}
	return ""
}

func (e *Engine) queueRepair(ctx context.Context, rec model.LogRecord) (bool, error) {
	asset, err := e.Store.FindAssetByVehicle(ctx, rec.VehicleID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	exists, err := e.Store.RepairTicketExists(ctx, asset.ID, rec.Diagnostic)
	if err != nil || exists {
		return false, err
	}
	queued, err := e.Jobs.EnqueueDraftRepair(ctx, asset.ID, rec.ID, rec.Diagnostic, rec.Date)
	if queued {
		e.Bus.Publish(events.VehicleTopic(rec.VehicleID), events.New(events.TypeRepairQueued, rec.VehicleID,
			map[string]any{"asset": asset.ID, "diagnostic": rec.Diagnostic}))
	}
	return queued, err
}

func (e *Engine) publish(rec model.LogRecord, diff geofence.Diff) {
	topic := events.VehicleTopic(rec.VehicleID)
	created := events.New(events.TypeLogCreated, rec.VehicleID, map[string]any{
		"log":       rec.ID,
		"odometer":  rec.Odometer,
		"latitude":  rec.Latitude,
		"longitude": rec.Longitude,
		"employee":  rec.Employee,
	})
	e.Bus.Publish(topic, created)
	e.Bus.Publish(events.TopicFleet, created)
	for _, name := range diff.Entered {
		e.Bus.Publish(topic, events.New(events.TypeGeofenceEntered, rec.VehicleID, map[string]any{"location": name, "log": rec.ID}))
	}
	for _, name := range diff.Exited {
		e.Bus.Publish(topic, events.New(events.TypeGeofenceExited, rec.VehicleID, map[string]any{"location": name, "log": rec.ID}))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
