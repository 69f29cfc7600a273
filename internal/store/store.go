package store

import (
	"context"
	"errors"
	"time"

	"fleetsync/internal/model"
)

// Store is the record store the sync core talks to.
type Store interface {
	// Vehicles
	GetVehicle(ctx context.Context, id string) (model.Vehicle, error)
	ListVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error)
	UpsertVehicle(ctx context.Context, v model.Vehicle) error
	SetVehicleDevice(ctx context.Context, id string, deviceID int64) error
	// SetSchedule writes cadence and timestamps without bumping the record's
	// modification time.
	SetSchedule(ctx context.Context, id, cadence string, last, next *time.Time) error

	// Drivers
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	ListDrivers(ctx context.Context) ([]model.Driver, error)
	FindDriverByEmployee(ctx context.Context, employee string) (model.Driver, error)
	UpsertDriver(ctx context.Context, d model.Driver) error
	SetDriverRemoteID(ctx context.Context, id string, remoteID int64) error

	// Locations
	GetLocation(ctx context.Context, id string) (model.Location, error)
	FindLocationByGeofence(ctx context.Context, geofenceID int64) (model.Location, error)
	FindLocationsByAddress(ctx context.Context, address string) ([]model.Location, error)
	SaveLocation(ctx context.Context, l model.Location) error

	// Log records. CreateLogRecord also stores the odometer on the vehicle in
	// the same write.
	CreateLogRecord(ctx context.Context, rec model.LogRecord) (model.LogRecord, error)
	LatestLogRecord(ctx context.Context, vehicleID string) (model.LogRecord, error)
	ListLogRecordsByEmployee(ctx context.Context, employee string, from, to time.Time) ([]model.LogRecord, error)

	// Assets and repair tickets
	UpsertAsset(ctx context.Context, a model.Asset) error
	FindAssetByVehicle(ctx context.Context, vehicleID string) (model.Asset, error)
	GetAsset(ctx context.Context, id string) (model.Asset, error)
	RepairTicketExists(ctx context.Context, assetID, diagnostic string) (bool, error)
	CreateRepairTicket(ctx context.Context, t model.RepairTicket) (model.RepairTicket, error)

	// Integration settings (single row)
	GetIntegrationSettings(ctx context.Context) (model.IntegrationSettings, error)
	SaveIntegrationSettings(ctx context.Context, s model.IntegrationSettings) error
}

// VehicleFilter narrows ListVehicles.
type VehicleFilter struct {
	EnabledOnly      bool
	DeviceLinkedOnly bool
}

func (f VehicleFilter) match(v model.Vehicle) bool {
	if f.EnabledOnly && v.Disabled {
		return false
	}
	if f.DeviceLinkedOnly && !v.HasDevice() {
		return false
	}
	return true
}

var ErrNotFound = errors.New("not found")
