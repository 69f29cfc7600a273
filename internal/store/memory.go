package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetsync/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	vehicles  map[string]model.Vehicle
	drivers   map[string]model.Driver
	locations map[string]model.Location
	logs      map[string][]model.LogRecord // vehicle id -> records in creation order
	assets    map[string]model.Asset
	repairs   map[string][]model.RepairTicket // asset id -> tickets
	settings  model.IntegrationSettings
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		vehicles:  map[string]model.Vehicle{},
		drivers:   map[string]model.Driver{},
		locations: map[string]model.Location{},
		logs:      map[string][]model.LogRecord{},
		assets:    map[string]model.Asset{},
		repairs:   map[string][]model.RepairTicket{},
		settings:  model.IntegrationSettings{DistanceFactor: 1, SweepConcurrency: 1},
		now:       time.Now,
	}
}

// Vehicles

func (m *Memory) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return model.Vehicle{}, ErrNotFound
	}
	return cloneVehicle(v), nil
}

func (m *Memory) ListVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Vehicle{}
	for _, v := range m.vehicles {
		if f.match(v) {
			out = append(out, cloneVehicle(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertVehicle(ctx context.Context, v model.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = cloneVehicle(v)
	return nil
}

func (m *Memory) SetVehicleDevice(ctx context.Context, id string, deviceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	v.DeviceID = &deviceID
	m.vehicles[id] = v
	return nil
}

func (m *Memory) SetSchedule(ctx context.Context, id, cadence string, last, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	v.Cadence = cadence
	v.LastRunAt = copyTime(last)
	v.NextRunAt = copyTime(next)
	m.vehicles[id] = v
	return nil
}

// Drivers

func (m *Memory) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindDriverByEmployee(ctx context.Context, employee string) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.drivers {
		if employee != "" && d.Employee == employee {
			return d, nil
		}
	}
	return model.Driver{}, ErrNotFound
}

func (m *Memory) UpsertDriver(ctx context.Context, d model.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
	return nil
}

func (m *Memory) SetDriverRemoteID(ctx context.Context, id string, remoteID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.RemoteID = &remoteID
	m.drivers[id] = d
	return nil
}

// Locations

func (m *Memory) GetLocation(ctx context.Context, id string) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok {
		return model.Location{}, ErrNotFound
	}
	return cloneLocation(l), nil
}

func (m *Memory) FindLocationByGeofence(ctx context.Context, geofenceID int64) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.locations {
		if l.GeofenceID != nil && *l.GeofenceID == geofenceID {
			return cloneLocation(l), nil
		}
	}
	return model.Location{}, ErrNotFound
}

func (m *Memory) FindLocationsByAddress(ctx context.Context, address string) ([]model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Location{}
	for _, l := range m.locations {
		if address != "" && l.Address == address {
			out = append(out, cloneLocation(l))
		}
	}
	return out, nil
}

func (m *Memory) SaveLocation(ctx context.Context, l model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[l.ID] = cloneLocation(l)
	return nil
}

// Log records

func (m *Memory) CreateLogRecord(ctx context.Context, rec model.LogRecord) (model.LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[rec.VehicleID]
	if !ok {
		return model.LogRecord{}, ErrNotFound
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = m.now().UTC()
	m.logs[rec.VehicleID] = append(m.logs[rec.VehicleID], rec)
	v.LastOdometer = rec.Odometer
	if rec.EngineHours != nil {
		v.LastHours = *rec.EngineHours
	}
	m.vehicles[v.ID] = v
	return rec, nil
}

func (m *Memory) LatestLogRecord(ctx context.Context, vehicleID string) (model.LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.logs[vehicleID]
	if len(recs) == 0 {
		return model.LogRecord{}, ErrNotFound
	}
	return recs[len(recs)-1], nil
}

func (m *Memory) ListLogRecordsByEmployee(ctx context.Context, employee string, from, to time.Time) ([]model.LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.LogRecord{}
	for _, recs := range m.logs {
		for _, r := range recs {
			if r.Employee != employee || r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
				continue
			}
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Assets and repair tickets

func (m *Memory) UpsertAsset(ctx context.Context, a model.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.ID] = a
	return nil
}

func (m *Memory) GetAsset(ctx context.Context, id string) (model.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return model.Asset{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) FindAssetByVehicle(ctx context.Context, vehicleID string) (model.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.assets))
	for id, a := range m.assets {
		if a.VehicleID == vehicleID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return model.Asset{}, ErrNotFound
	}
	sort.Strings(ids)
	return m.assets[ids[0]], nil
}

func (m *Memory) RepairTicketExists(ctx context.Context, assetID, diagnostic string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.repairs[assetID] {
		if strings.Contains(t.Description, diagnostic) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreateRepairTicket(ctx context.Context, t model.RepairTicket) (model.RepairTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[t.AssetID]; !ok {
		return model.RepairTicket{}, ErrNotFound
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	m.repairs[t.AssetID] = append(m.repairs[t.AssetID], t)
	return t, nil
}

// RepairTickets lists an asset's tickets; test and API helper.
func (m *Memory) RepairTickets(assetID string) []model.RepairTicket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RepairTicket(nil), m.repairs[assetID]...)
}

// LogRecords lists a vehicle's records in creation order.
func (m *Memory) LogRecords(vehicleID string) []model.LogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.LogRecord(nil), m.logs[vehicleID]...)
}

// Settings

func (m *Memory) GetIntegrationSettings(ctx context.Context) (model.IntegrationSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *Memory) SaveIntegrationSettings(ctx context.Context, s model.IntegrationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
	return nil
}

// SetClock overrides the creation timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func cloneVehicle(v model.Vehicle) model.Vehicle {
	v.Drivers = append([]string(nil), v.Drivers...)
	if v.DeviceID != nil {
		id := *v.DeviceID
		v.DeviceID = &id
	}
	v.LastRunAt = copyTime(v.LastRunAt)
	v.NextRunAt = copyTime(v.NextRunAt)
	v.RegistrationExpiry = copyTime(v.RegistrationExpiry)
	v.InsuranceEnd = copyTime(v.InsuranceEnd)
	return v
}

func cloneLocation(l model.Location) model.Location {
	l.Vehicles = append([]string(nil), l.Vehicles...)
	l.GeoJSON = append([]byte(nil), l.GeoJSON...)
	if l.GeofenceID != nil {
		id := *l.GeofenceID
		l.GeofenceID = &id
	}
	return l
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
