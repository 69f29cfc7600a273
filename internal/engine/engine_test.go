package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsync/internal/events"
	"fleetsync/internal/model"
	"fleetsync/internal/queue"
	"fleetsync/internal/store"
	"fleetsync/internal/traccar"
)

type fakeTelemetry struct {
	mu    sync.Mutex
	pos   map[int64]*traccar.Position
	err   map[int64]error
	calls int
	panic bool
}

func (f *fakeTelemetry) LatestPosition(_ context.Context, id int64) (*traccar.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panic && id == 13 {
		panic("bad device")
	}
	if err := f.err[id]; err != nil {
		return nil, err
	}
	return f.pos[id], nil
}

func fptr(f float64) *float64 { return &f }
func iptr(i int64) *int64 { return &i }

var settings = model.IntegrationSettings{Enabled: true, BaseURL: "http://traccar", Username: "u", Password: "p", DistanceFactor: 1, SweepConcurrency: 1}

type fixture struct {
	st  *store.Memory
	q   *queue.Memory
	bus *events.Memory
	tel *fakeTelemetry
	e   *Engine
	now time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		st:  store.NewMemory(),
		q:   queue.NewMemory(),
		bus: events.NewMemory(),
		tel: &fakeTelemetry{pos: map[int64]*traccar.Position{}, err: map[int64]error{}},
		now: time.Date(2025, 3, 1, 10, 2, 30, 0, time.UTC),
	}
	require.NoError(t, f.st.SaveIntegrationSettings(ctx, settings))
	f.e = New(f.st, f.q, f.bus)
	f.e.Client = func(model.IntegrationSettings) Telemetry { return f.tel }
	f.e.Now = func() time.Time { return f.now }
	f.e.Scheduler.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) vehicle(t *testing.T, v model.Vehicle) {
	t.Helper()
	require.NoError(t, f.st.UpsertVehicle(context.Background(), v))
}

func (f *fixture) location(t *testing.T, id string, geofence int64) {
	t.Helper()
	require.NoError(t, f.st.SaveLocation(context.Background(), model.Location{ID: id, Name: id, GeofenceID: iptr(geofence), DefaultActivityType: "Delivery"}))
}

func position(total float64, geofences ...int64) *traccar.Position {
	return &traccar.Position{
		ID: 1, DeviceID: 5, Latitude: 40.1, Longitude: -83.2, Speed: 12,
		FixTime:     time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Attributes:  traccar.Attributes{TotalDistance: fptr(total), BatteryLevel: fptr(88)},
		GeofenceIDs: geofences,
	}
}

func TestSyncOneNoDeviceIsNoop(t *testing.T) {
	f := setup(t)
	f.vehicle(t, model.Vehicle{ID: "V1"})
	res, err := f.e.SyncOne(context.Background(), "V1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Empty(t, f.st.LogRecords("V1"))
	assert.Equal(t, 0, f.tel.calls)
}

func TestSyncOneDisabledIntegrationIsNoop(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.st.SaveIntegrationSettings(context.Background(), model.IntegrationSettings{}))
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
	res, err := f.e.SyncOne(context.Background(), "V1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 0, f.tel.calls)
}

func TestSyncOneNoPositionIsSoft(t *testing.T) {
	f := setup(t)
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
	res, err := f.e.SyncOne(context.Background(), "V1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoPosition, res.Outcome)
	assert.Empty(t, f.st.LogRecords("V1"))
}

func TestSyncOneRemoteErrorSurfaces(t *testing.T) {
	f := setup(t)
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
	f.tel.err[5] = &traccar.RemoteServiceError{Op: "positions.list", Status: 500, Body: "boom"}
	res, err := f.e.SyncOne(context.Background(), "V1")
	var remote *traccar.RemoteServiceError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 500, remote.Status)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestSyncOneCreatesLogRecord(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.NoError(t, f.st.UpsertDriver(ctx, model.Driver{ID: "D1", Employee: "EMP-1"}))
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5), LastOdometer: 10, Drivers: []string{"D1"}})
	f.location(t, "Depot", 7)
	f.location(t, "Farm", 9)
	f.tel.pos[5] = position(1234.9, 7, 9)
	sub := f.bus.Subscribe(events.VehicleTopic("V1"))

	res, err := f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	require.Equal(t, OutcomeLogged, res.Outcome)
	recs := f.st.LogRecords("V1")
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, int64(1235), r.Odometer)
	assert.Equal(t, int64(10), r.LastOdometer)
	assert.Equal(t, "EMP-1", r.Employee)
	assert.Equal(t, "7,9", r.GeofenceIDs)
	assert.Equal(t, "Depot,Farm", r.GeofencesEntered)
	assert.Equal(t, "", r.GeofencesExited)
	assert.Equal(t, 88.0, *r.BatteryLevel)

	v, err := f.st.GetVehicle(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, int64(1235), v.LastOdometer)

	got := <-sub
	assert.Equal(t, events.TypeLogCreated, got.Type)
}

func TestSyncOneGeofenceDiffAgainstPrior(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
	f.location(t, "Depot", 7)
	f.tel.pos[5] = position(100, 7)
	_, err := f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)

	// 9 has no location: dropped
	f.tel.pos[5] = position(200, 7, 9)
	res, err := f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	assert.Empty(t, res.Entered)
	assert.Empty(t, res.Exited)

	f.tel.pos[5] = position(300)
	res, err = f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Depot"}, res.Exited)
}

func TestOdometerStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	for _, factor := range []float64{0.000621371, 1, 1000} {
		f := setup(t)
		s := settings
		s.DistanceFactor = factor
		require.NoError(t, f.st.SaveIntegrationSettings(ctx, s))
		f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
		prev := int64(-1)
		// unchanged and even decreasing totals still move forward
		for _, total := range []float64{0, 0, 10.4, 10.4, 5, 2000} {
			f.tel.pos[5] = position(total)
			res, err := f.e.SyncOne(ctx, "V1")
			require.NoError(t, err)
			assert.Greater(t, res.Log.Odometer, prev, "factor %v total %v", factor, total)
			prev = res.Log.Odometer
		}
	}
}

func TestOdometerFormula(t *testing.T) {
	assert.Equal(t, int64(1), Odometer(nil, 1, 0, false))
	assert.Equal(t, int64(11), Odometer(fptr(10.9), 1, 0, false))
	assert.Equal(t, int64(11), Odometer(fptr(10.9), 1, 6, true))
	assert.Equal(t, int64(11), Odometer(fptr(10.9), 1, 10, true))
	assert.Equal(t, int64(12), Odometer(fptr(10.9), 1, 11, true))
}

func TestDriverResolutionOrder(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.NoError(t, f.st.UpsertDriver(ctx, model.Driver{ID: "D1", Employee: "EMP-1"}))
	require.NoError(t, f.st.UpsertDriver(ctx, model.Driver{ID: "D2", Employee: "EMP-2"}))
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5), Drivers: []string{"D1", "D2"}})

	// vehicle's first driver
	f.tel.pos[5] = position(1)
	res, err := f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "EMP-1", res.Log.Employee)

	// embedded driver wins
	p := position(2)
	p.Attributes.DriverUniqueID = "D2"
	f.tel.pos[5] = p
	res, err = f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "EMP-2", res.Log.Employee)

	// then the prior record's driver
	f.tel.pos[5] = position(3)
	res, err = f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "EMP-2", res.Log.Employee)

	// unknown embedded driver falls through to prior
	p = position(4)
	p.Attributes.DriverUniqueID = "nobody"
	f.tel.pos[5] = p
	res, err = f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "EMP-2", res.Log.Employee)
}

func TestDiagnosticTruncatedAndRepairDeduped(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
	require.NoError(t, f.st.UpsertAsset(ctx, model.Asset{ID: "A1", VehicleID: "V1", Company: "Acme", CostCenter: "Main"}))
	diag := "P0300 random misfire " + strings.Repeat("x", 200)
	p := position(1)
	p.Attributes.Diagnostic = diag
	f.tel.pos[5] = p

	res, err := f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	assert.Len(t, []rune(res.Log.Diagnostic), 140)
	assert.True(t, res.RepairQueued)

	p2 := position(2)
	p2.Attributes.Diagnostic = diag
	f.tel.pos[5] = p2
	res, err = f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	assert.False(t, res.RepairQueued)
	pending := f.q.Pending(queue.QueueTraccar)
	require.Len(t, pending, 1)
	assert.Equal(t, "A1-P0300 random misfire xxxx", pending[0].Key)

	// the worker creates one draft ticket
	w := queue.NewWorker(f.q, 3)
	f.e.Register(w)
	require.NoError(t, f.e.HandleDraftRepair(ctx, pending[0]))
	tickets := f.st.RepairTickets("A1")
	require.Len(t, tickets, 1)
	assert.Equal(t, "draft", tickets[0].Status)
	assert.Equal(t, "Acme", tickets[0].Company)
	assert.Equal(t, "Main", tickets[0].CostCenter)
	assert.Equal(t, p.FixTime, tickets[0].FailureDate)

	// a ticket already mentions the diagnostic: nothing is queued
	require.NoError(t, f.q.Complete(ctx, pending[0]))
	_, _ = f.q.Claim(ctx, queue.QueueTraccar, 10)
	p3 := position(3)
	p3.Attributes.Diagnostic = diag
	f.tel.pos[5] = p3
	res, err = f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	assert.False(t, res.RepairQueued)
	assert.Empty(t, f.q.Pending(queue.QueueTraccar))
}

func TestDiagnosticWithoutAssetQueuesNothing(t *testing.T) {
	f := setup(t)
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
	p := position(1)
	p.Attributes.Diagnostic = "P0420"
	f.tel.pos[5] = p
	res, err := f.e.SyncOne(context.Background(), "V1")
	require.NoError(t, err)
	assert.False(t, res.RepairQueued)
	assert.Empty(t, f.q.Pending(queue.QueueTraccar))
}

func TestSweepIsolatesFailures(t *testing.T) {
	f := setup(t)
	f.tel.panic = true
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
	f.vehicle(t, model.Vehicle{ID: "V2", DeviceID: iptr(6)})
	f.vehicle(t, model.Vehicle{ID: "V3", DeviceID: iptr(13)})
	f.vehicle(t, model.Vehicle{ID: "V4", DeviceID: iptr(8), Disabled: true})
	f.vehicle(t, model.Vehicle{ID: "V5"})
	f.tel.pos[5] = position(1)
	f.tel.err[6] = errors.New("connection refused")
	f.tel.pos[8] = position(1)

	sum, err := f.e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Vehicles)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, 2, sum.Failed)
	assert.Len(t, f.st.LogRecords("V1"), 1)
	assert.Empty(t, f.st.LogRecords("V4"))
}

func TestSweepParallelKeepsOneRecordPerCycle(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	s := settings
	s.SweepConcurrency = 4
	require.NoError(t, f.st.SaveIntegrationSettings(ctx, s))
	for i := int64(1); i <= 8; i++ {
		id := "V" + string(rune('0'+i))
		f.vehicle(t, model.Vehicle{ID: id, DeviceID: iptr(100 + i)})
		f.tel.pos[100+i] = position(float64(i))
	}
	sum, err := f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Synced)
	for i := 1; i <= 8; i++ {
		assert.Len(t, f.st.LogRecords("V"+string(rune('0'+i))), 1)
	}
}

func TestSweepCadenceVehicleFiresOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
	f.tel.pos[5] = position(1)
	v, _ := f.st.GetVehicle(ctx, "V1")
	_, err := f.e.Scheduler.OnCadenceChange(ctx, v, "*/5 * * * *", false)
	require.NoError(t, err)

	// before next execution
	sum, err := f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Fired)
	assert.Empty(t, f.q.Pending(queue.QueueLong))

	f.now = time.Date(2025, 3, 1, 10, 5, 10, 0, time.UTC)
	sum, err = f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fired)
	assert.Len(t, f.q.Pending(queue.QueueLong), 1)

	// second sweep before the new next execution: no duplicate
	f.now = time.Date(2025, 3, 1, 10, 6, 0, 0, time.UTC)
	sum, err = f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Fired)
	assert.Len(t, f.q.Pending(queue.QueueLong), 1)

	// the worker runs the queued sync
	w := queue.NewWorker(f.q, 3)
	f.e.Register(w)
	tasks, err := f.q.Claim(ctx, queue.QueueLong, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, f.e.HandleSync(ctx, tasks[0]))
	assert.Len(t, f.st.LogRecords("V1"), 1)
}

func TestSweepDoesNotCountDedupedFire(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
	v, _ := f.st.GetVehicle(ctx, "V1")
	_, err := f.e.Scheduler.OnCadenceChange(ctx, v, "*/5 * * * *", false)
	require.NoError(t, err)

	f.now = time.Date(2025, 3, 1, 10, 5, 10, 0, time.UTC)
	sum, err := f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fired)

	// due again while the first sync is still queued
	f.now = time.Date(2025, 3, 1, 10, 10, 10, 0, time.UTC)
	sum, err = f.e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Fired)
	assert.Len(t, f.q.Pending(queue.QueueLong), 1)
	v, _ = f.st.GetVehicle(ctx, "V1")
	require.NotNil(t, v.NextRunAt)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC), *v.NextRunAt)
}

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	f := setup(t)
	f.e.Locker = heldLocker{}
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})
	sum, err := f.e.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Skipped)
	assert.Equal(t, 0, f.tel.calls)
}

func TestSweepWithNoVehicles(t *testing.T) {
	f := setup(t)
	sum, err := f.e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SweepSummary{}, sum)
}

func TestStatusAndDwell(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.NoError(t, f.st.UpsertDriver(ctx, model.Driver{ID: "D1", Employee: "EMP-1", EmployeeName: "Ada"}))
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5), Drivers: []string{"D1"}})
	f.location(t, "Farm", 9)

	st, err := f.e.Status(ctx, "V1")
	require.NoError(t, err)
	assert.Nil(t, st.GPSLocation)

	clock := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	f.st.SetClock(func() time.Time { return clock })
	f.tel.pos[5] = position(1, 9)
	_, err = f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)
	clock = clock.Add(90 * time.Minute)
	f.tel.pos[5] = position(2)
	_, err = f.e.SyncOne(ctx, "V1")
	require.NoError(t, err)

	st, err = f.e.Status(ctx, "V1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[-83.2,40.1]}}]}`, string(st.GPSLocation))
	require.NotNil(t, st.MostRecentDriver)
	assert.Equal(t, "D1", st.MostRecentDriver.DriverID)
	assert.Equal(t, "Ada", st.MostRecentDriver.EmployeeName)

	dwell, err := f.e.DwellIntervals(ctx, "EMP-1", clock.Add(-time.Hour*3), clock.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, dwell, 1)
	assert.Equal(t, "Farm", dwell[0].Location)
	assert.Equal(t, "Delivery", dwell[0].ActivityType)
	assert.InDelta(t, 1.5, dwell[0].Hours, 1e-9)

	_, err = f.e.Status(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncThroughRemoteClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/positions", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("deviceId"))
		_, _ = w.Write([]byte(`[{"id":1,"deviceId":5,"latitude":1,"longitude":2,"fixTime":"2025-03-01T10:00:00.000+00:00","attributes":{"totalDistance":41.2,"dtcs":"P0171"},"geofenceIds":[]}]`))
	}))
	defer srv.Close()

	f := setup(t)
	s := settings
	s.BaseURL = srv.URL
	require.NoError(t, f.st.SaveIntegrationSettings(context.Background(), s))
	f.e.Client = DefaultClient
	f.vehicle(t, model.Vehicle{ID: "V1", DeviceID: iptr(5)})

	res, err := f.e.SyncOne(context.Background(), "V1")
	require.NoError(t, err)
	require.Equal(t, OutcomeLogged, res.Outcome)
	assert.Equal(t, int64(42), res.Log.Odometer)
	assert.Equal(t, "P0171", res.Log.Diagnostic)
}

func dptr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestCalendarEventsWithinRange(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.vehicle(t, model.Vehicle{ID: "V1", RegistrationExpiry: dptr(2025, 3, 20), InsuranceEnd: dptr(2025, 3, 5)})
	f.vehicle(t, model.Vehicle{ID: "V2", RegistrationExpiry: dptr(2025, 4, 2)})
	require.NoError(t, f.st.UpsertDriver(ctx, model.Driver{ID: "D1", LicenseExpiry: dptr(2025, 3, 5)}))
	require.NoError(t, f.st.UpsertDriver(ctx, model.Driver{ID: "D2"}))

	// defaults to the current month of the engine clock
	got, err := f.e.CalendarEvents(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.CalendarEvent{Name: "V1", Description: "V1 Insurance Expiration", Date: *dptr(2025, 3, 5), AllDay: true, Type: model.EventInsurance}, got[0])
	assert.Equal(t, model.EventLicense, got[1].Type)
	assert.Equal(t, "D1 License Expiration", got[1].Description)
	assert.Equal(t, model.EventRegistration, got[2].Type)
	assert.Equal(t, "V1", got[2].Name)

	// bounds are inclusive calendar days, whatever the time of day
	got, err = f.e.CalendarEvents(ctx, time.Date(2025, 3, 20, 18, 0, 0, 0, time.UTC), time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "V1", got[0].Name)
	assert.Equal(t, "V2", got[1].Name)
}
