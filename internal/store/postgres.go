package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fleetsync/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies embedded migrations that have not run yet, in file order.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return err
	}
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Vehicles

const vehicleCols = `id, COALESCE(name,''), COALESCE(model,''), COALESCE(unique_id,''), device_id, disabled, COALESCE(cadence,''), last_run_at, next_run_at, last_odometer, last_hours, COALESCE(uom,''), registration_expiry, insurance_end`

type scanner interface{ Scan(dest ...any) error }

func scanVehicle(row scanner) (model.Vehicle, error) {
	var v model.Vehicle
	var device sql.NullInt64
	var last, next, registration, insurance sql.NullTime
	if err := row.Scan(&v.ID, &v.Name, &v.Model, &v.UniqueID, &device, &v.Disabled, &v.Cadence, &last, &next, &v.LastOdometer, &v.LastHours, &v.UOM, &registration, &insurance); err != nil {
		return v, err
	}
	if registration.Valid {
		v.RegistrationExpiry = &registration.Time
	}
	if insurance.Valid {
		v.InsuranceEnd = &insurance.Time
	}
	if device.Valid {
		v.DeviceID = &device.Int64
	}
	if last.Valid {
		v.LastRunAt = &last.Time
	}
	if next.Valid {
		v.NextRunAt = &next.Time
	}
	return v, nil
}

func (p *Postgres) vehicleDrivers(ctx context.Context, id string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id FROM vehicle_drivers WHERE vehicle_id=$1 ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	v, err := scanVehicle(p.db.QueryRowContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v, ErrNotFound
		}
		return v, err
	}
	v.Drivers, err = p.vehicleDrivers(ctx, id)
	return v, err
}

func (p *Postgres) ListVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error) {
	q := `SELECT ` + vehicleCols + ` FROM vehicles WHERE TRUE`
	if f.EnabledOnly {
		q += ` AND NOT disabled`
	}
	if f.DeviceLinkedOnly {
		q += ` AND device_id IS NOT NULL AND device_id > 0`
	}
	rows, err := p.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	out := []model.Vehicle{}
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Drivers, err = p.vehicleDrivers(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Postgres) UpsertVehicle(ctx context.Context, v model.Vehicle) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `INSERT INTO vehicles (id, name, model, unique_id, device_id, disabled, cadence, last_run_at, next_run_at, last_odometer, last_hours, uom, registration_expiry, insurance_end)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, model=EXCLUDED.model, unique_id=EXCLUDED.unique_id, device_id=EXCLUDED.device_id,
		  disabled=EXCLUDED.disabled, cadence=EXCLUDED.cadence, last_run_at=EXCLUDED.last_run_at, next_run_at=EXCLUDED.next_run_at,
		  last_odometer=EXCLUDED.last_odometer, last_hours=EXCLUDED.last_hours, uom=EXCLUDED.uom,
		  registration_expiry=EXCLUDED.registration_expiry, insurance_end=EXCLUDED.insurance_end, modified_at=now()`,
		v.ID, nullIfEmpty(v.Name), nullIfEmpty(v.Model), nullIfEmpty(v.UniqueID), nullInt(v.DeviceID), v.Disabled, nullIfEmpty(v.Cadence),
		nullTime(v.LastRunAt), nullTime(v.NextRunAt), v.LastOdometer, v.LastHours, nullIfEmpty(v.UOM),
		nullTime(v.RegistrationExpiry), nullTime(v.InsuranceEnd))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vehicle_drivers WHERE vehicle_id=$1`, v.ID); err != nil {
		return err
	}
	for i, d := range v.Drivers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO vehicle_drivers (vehicle_id, driver_id, idx) VALUES ($1,$2,$3)`, v.ID, d, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) SetVehicleDevice(ctx context.Context, id string, deviceID int64) error {
	return expectOne(p.db.ExecContext(ctx, `UPDATE vehicles SET device_id=$2, modified_at=now() WHERE id=$1`, id, deviceID))
}

func (p *Postgres) SetSchedule(ctx context.Context, id, cadence string, last, next *time.Time) error {
	return expectOne(p.db.ExecContext(ctx, `UPDATE vehicles SET cadence=$2, last_run_at=$3, next_run_at=$4 WHERE id=$1`,
		id, nullIfEmpty(cadence), nullTime(last), nullTime(next)))
}

// Drivers

const driverCols = `id, COALESCE(full_name,''), COALESCE(employee,''), COALESCE(employee_name,''), remote_id, license_expiry`

func scanDriver(row scanner) (model.Driver, error) {
	var d model.Driver
	var remote sql.NullInt64
	var expiry sql.NullTime
	if err := row.Scan(&d.ID, &d.FullName, &d.Employee, &d.EmployeeName, &remote, &expiry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, ErrNotFound
		}
		return d, err
	}
	if remote.Valid {
		d.RemoteID = &remote.Int64
	}
	if expiry.Valid {
		d.LicenseExpiry = &expiry.Time
	}
	return d, nil
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE id=$1`, id))
}

func (p *Postgres) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverCols+` FROM drivers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Driver{}
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) FindDriverByEmployee(ctx context.Context, employee string) (model.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE employee=$1 ORDER BY id LIMIT 1`, employee))
}

func (p *Postgres) UpsertDriver(ctx context.Context, d model.Driver) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers (id, full_name, employee, employee_name, remote_id, license_expiry) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET full_name=EXCLUDED.full_name, employee=EXCLUDED.employee, employee_name=EXCLUDED.employee_name,
		  remote_id=EXCLUDED.remote_id, license_expiry=EXCLUDED.license_expiry`,
		d.ID, nullIfEmpty(d.FullName), nullIfEmpty(d.Employee), nullIfEmpty(d.EmployeeName), nullInt(d.RemoteID), nullTime(d.LicenseExpiry))
	return err
}

func (p *Postgres) SetDriverRemoteID(ctx context.Context, id string, remoteID int64) error {
	return expectOne(p.db.ExecContext(ctx, `UPDATE drivers SET remote_id=$2 WHERE id=$1`, id, remoteID))
}

// Locations

const locationCols = `id, name, COALESCE(address,''), geojson, sync_with_traccar, geofence_id, vehicles, COALESCE(default_activity_type,'')`

func scanLocation(row scanner) (model.Location, error) {
	var l model.Location
	var geo, vehicles []byte
	var gid sql.NullInt64
	if err := row.Scan(&l.ID, &l.Name, &l.Address, &geo, &l.SyncWithTraccar, &gid, &vehicles, &l.DefaultActivityType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return l, ErrNotFound
		}
		return l, err
	}
	if len(geo) > 0 {
		l.GeoJSON = json.RawMessage(geo)
	}
	if gid.Valid {
		l.GeofenceID = &gid.Int64
	}
	if len(vehicles) > 0 {
		if err := json.Unmarshal(vehicles, &l.Vehicles); err != nil {
			return l, err
		}
	}
	return l, nil
}

func (p *Postgres) GetLocation(ctx context.Context, id string) (model.Location, error) {
	return scanLocation(p.db.QueryRowContext(ctx, `SELECT `+locationCols+` FROM locations WHERE id=$1`, id))
}

func (p *Postgres) FindLocationByGeofence(ctx context.Context, geofenceID int64) (model.Location, error) {
	return scanLocation(p.db.QueryRowContext(ctx, `SELECT `+locationCols+` FROM locations WHERE geofence_id=$1 ORDER BY id LIMIT 1`, geofenceID))
}

func (p *Postgres) FindLocationsByAddress(ctx context.Context, address string) ([]model.Location, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+locationCols+` FROM locations WHERE address=$1 ORDER BY id`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Location{}
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveLocation(ctx context.Context, l model.Location) error {
	vehicles := l.Vehicles
	if vehicles == nil {
		vehicles = []string{}
	}
	vb, err := json.Marshal(vehicles)
	if err != nil {
		return err
	}
	var geo any
	if len(l.GeoJSON) > 0 {
		geo = string(l.GeoJSON)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO locations (id, name, address, geojson, sync_with_traccar, geofence_id, vehicles, default_activity_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, address=EXCLUDED.address, geojson=EXCLUDED.geojson, sync_with_traccar=EXCLUDED.sync_with_traccar,
		  geofence_id=EXCLUDED.geofence_id, vehicles=EXCLUDED.vehicles, default_activity_type=EXCLUDED.default_activity_type`,
		l.ID, l.Name, nullIfEmpty(l.Address), geo, l.SyncWithTraccar, nullInt(l.GeofenceID), string(vb), nullIfEmpty(l.DefaultActivityType))
	return err
}

// Log records

const logCols = `id, vehicle_id, log_date, created_at, COALESCE(employee,''), odometer, last_odometer, COALESCE(latitude,0), COALESCE(longitude,0), COALESCE(speed,0),
	battery_level, fuel, engine_hours, engine_temp, rpm, COALESCE(diagnostic,''), COALESCE(geofence_ids,''), COALESCE(geofences_entered,''), COALESCE(geofences_exited,'')`

func scanLog(row scanner) (model.LogRecord, error) {
	var r model.LogRecord
	var battery, fuel, hours, temp, rpm sql.NullFloat64
	err := row.Scan(&r.ID, &r.VehicleID, &r.Date, &r.CreatedAt, &r.Employee, &r.Odometer, &r.LastOdometer, &r.Latitude, &r.Longitude, &r.Speed,
		&battery, &fuel, &hours, &temp, &rpm, &r.Diagnostic, &r.GeofenceIDs, &r.GeofencesEntered, &r.GeofencesExited)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, ErrNotFound
		}
		return r, err
	}
	r.BatteryLevel, r.Fuel, r.EngineHours, r.EngineTemp, r.RPM = nullFloat(battery), nullFloat(fuel), nullFloat(hours), nullFloat(temp), nullFloat(rpm)
	return r, nil
}

// CreateLogRecord inserts the record and moves the vehicle's odometer in one
// transaction.
func (p *Postgres) CreateLogRecord(ctx context.Context, rec model.LogRecord) (model.LogRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer func() { _ = tx.Rollback() }()
	err = tx.QueryRowContext(ctx, `INSERT INTO vehicle_logs (id, vehicle_id, log_date, employee, odometer, last_odometer, latitude, longitude, speed,
		battery_level, fuel, engine_hours, engine_temp, rpm, diagnostic, geofence_ids, geofences_entered, geofences_exited)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18) RETURNING created_at`,
		rec.ID, rec.VehicleID, rec.Date, nullIfEmpty(rec.Employee), rec.Odometer, rec.LastOdometer, rec.Latitude, rec.Longitude, rec.Speed,
		rec.BatteryLevel, rec.Fuel, rec.EngineHours, rec.EngineTemp, rec.RPM, nullIfEmpty(rec.Diagnostic),
		nullIfEmpty(rec.GeofenceIDs), nullIfEmpty(rec.GeofencesEntered), nullIfEmpty(rec.GeofencesExited)).Scan(&rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE vehicles SET last_odometer=$2, last_hours=COALESCE($3, last_hours) WHERE id=$1`, rec.VehicleID, rec.Odometer, rec.EngineHours)
	if err := expectOne(res, err); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

func (p *Postgres) LatestLogRecord(ctx context.Context, vehicleID string) (model.LogRecord, error) {
	return scanLog(p.db.QueryRowContext(ctx, `SELECT `+logCols+` FROM vehicle_logs WHERE vehicle_id=$1 ORDER BY seq DESC LIMIT 1`, vehicleID))
}

func (p *Postgres) ListLogRecordsByEmployee(ctx context.Context, employee string, from, to time.Time) ([]model.LogRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+logCols+` FROM vehicle_logs WHERE employee=$1 AND created_at BETWEEN $2 AND $3 ORDER BY created_at, seq`, employee, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.LogRecord{}
	for rows.Next() {
		r, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Assets and repair tickets

func (p *Postgres) UpsertAsset(ctx context.Context, a model.Asset) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO assets (id, name, vehicle_id, company, cost_center) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, vehicle_id=EXCLUDED.vehicle_id, company=EXCLUDED.company, cost_center=EXCLUDED.cost_center`,
		a.ID, nullIfEmpty(a.Name), nullIfEmpty(a.VehicleID), nullIfEmpty(a.Company), nullIfEmpty(a.CostCenter))
	return err
}

func scanAsset(row scanner) (model.Asset, error) {
	var a model.Asset
	if err := row.Scan(&a.ID, &a.Name, &a.VehicleID, &a.Company, &a.CostCenter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, ErrNotFound
		}
		return a, err
	}
	return a, nil
}

const assetCols = `id, COALESCE(name,''), COALESCE(vehicle_id,''), COALESCE(company,''), COALESCE(cost_center,'')`

func (p *Postgres) GetAsset(ctx context.Context, id string) (model.Asset, error) {
	return scanAsset(p.db.QueryRowContext(ctx, `SELECT `+assetCols+` FROM assets WHERE id=$1`, id))
}

func (p *Postgres) FindAssetByVehicle(ctx context.Context, vehicleID string) (model.Asset, error) {
	return scanAsset(p.db.QueryRowContext(ctx, `SELECT `+assetCols+` FROM assets WHERE vehicle_id=$1 ORDER BY id LIMIT 1`, vehicleID))
}

func (p *Postgres) RepairTicketExists(ctx context.Context, assetID, diagnostic string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM repair_tickets WHERE asset_id=$1 AND strpos(description, $2) > 0)`, assetID, diagnostic).Scan(&exists)
	return exists, err
}

func (p *Postgres) CreateRepairTicket(ctx context.Context, t model.RepairTicket) (model.RepairTicket, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = "draft"
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO repair_tickets (id, asset_id, status, failure_date, description, company, cost_center) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.AssetID, t.Status, t.FailureDate, t.Description, nullIfEmpty(t.Company), nullIfEmpty(t.CostCenter))
	return t, err
}

// Settings

func (p *Postgres) GetIntegrationSettings(ctx context.Context) (model.IntegrationSettings, error) {
	s := model.IntegrationSettings{DistanceFactor: 1, SweepConcurrency: 1}
	err := p.db.QueryRowContext(ctx, `SELECT enabled, COALESCE(base_url,''), COALESCE(username,''), COALESCE(password,''), distance_factor, sweep_concurrency FROM integration_settings WHERE id=1`).
		Scan(&s.Enabled, &s.BaseURL, &s.Username, &s.Password, &s.DistanceFactor, &s.SweepConcurrency)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	return s, err
}

func (p *Postgres) SaveIntegrationSettings(ctx context.Context, s model.IntegrationSettings) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO integration_settings (id, enabled, base_url, username, password, distance_factor, sweep_concurrency) VALUES (1,$1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET enabled=EXCLUDED.enabled, base_url=EXCLUDED.base_url, username=EXCLUDED.username, password=EXCLUDED.password,
		  distance_factor=EXCLUDED.distance_factor, sweep_concurrency=EXCLUDED.sweep_concurrency`,
		s.Enabled, nullIfEmpty(s.BaseURL), nullIfEmpty(s.Username), nullIfEmpty(s.Password), s.DistanceFactor, s.SweepConcurrency)
	return err
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
