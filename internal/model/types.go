package model

import (
	"encoding/json"
	"time"
)

// Local fleet records. Remote (Traccar) shapes live in internal/traccar.

type Vehicle struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name,omitempty"`
	Model              string     `json:"model,omitempty"`
	UniqueID           string     `json:"uniqueId,omitempty"` // IMEI
	DeviceID           *int64     `json:"deviceId,omitempty"`
	Disabled           bool       `json:"disabled"`
	Cadence            string     `json:"cadence,omitempty"`
	LastRunAt          *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt          *time.Time `json:"nextRunAt,omitempty"`
	LastOdometer       int64      `json:"lastOdometer"`
	LastHours          float64    `json:"lastHours,omitempty"`
	UOM                string     `json:"uom,omitempty"`
	Drivers            []string   `json:"drivers,omitempty"` // driver ids, first is primary
	RegistrationExpiry *time.Time `json:"registrationExpiry,omitempty"`
	InsuranceEnd       *time.Time `json:"insuranceEnd,omitempty"`
}

// HasDevice reports whether the vehicle is linked to a remote device.
func (v Vehicle) HasDevice() bool { return v.DeviceID != nil && *v.DeviceID > 0 }

type Driver struct {
	ID            string     `json:"id"`
	FullName      string     `json:"fullName,omitempty"`
	Employee      string     `json:"employee,omitempty"`
	EmployeeName  string     `json:"employeeName,omitempty"`
	RemoteID      *int64     `json:"remoteId,omitempty"`
	LicenseExpiry *time.Time `json:"licenseExpiry,omitempty"`
}

// LogRecord is one finalized sync cycle. Rows are never updated after insert.
type LogRecord struct {
	ID               string    `json:"id"`
	VehicleID        string    `json:"vehicleId"`
	Date             time.Time `json:"date"`
	CreatedAt        time.Time `json:"createdAt"`
	Employee         string    `json:"employee,omitempty"`
	Odometer         int64     `json:"odometer"`
	LastOdometer     int64     `json:"lastOdometer"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	Speed            float64   `json:"speed"`
	BatteryLevel     *float64  `json:"batteryLevel,omitempty"`
	Fuel             *float64  `json:"fuel,omitempty"`
	EngineHours      *float64  `json:"engineHours,omitempty"`
	EngineTemp       *float64  `json:"engineTemp,omitempty"`
	RPM              *float64  `json:"rpm,omitempty"`
	Diagnostic       string    `json:"diagnostic,omitempty"`
	GeofenceIDs      string    `json:"geofenceIds,omitempty"`
	GeofencesEntered string    `json:"geofencesEntered,omitempty"`
	GeofencesExited  string    `json:"geofencesExited,omitempty"`
}

type Location struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Address             string          `json:"address,omitempty"`
	GeoJSON             json.RawMessage `json:"geojson,omitempty"`
	SyncWithTraccar     bool            `json:"syncWithTraccar"`
	GeofenceID          *int64          `json:"geofenceId,omitempty"`
	Vehicles            []string        `json:"vehicles,omitempty"`
	DefaultActivityType string          `json:"defaultActivityType,omitempty"`
}

type Asset struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	VehicleID  string `json:"vehicleId"`
	Company    string `json:"company,omitempty"`
	CostCenter string `json:"costCenter,omitempty"`
}

type RepairTicket struct {
	ID          string    `json:"id"`
	AssetID     string    `json:"assetId"`
	Status      string    `json:"status"`
	FailureDate time.Time `json:"failureDate"`
	Description string    `json:"description"`
	Company     string    `json:"company,omitempty"`
	CostCenter  string    `json:"costCenter,omitempty"`
}

// IntegrationSettings is the immutable remote integration config passed down
// each sweep.
type IntegrationSettings struct {
	Enabled          bool    `json:"enabled"`
	BaseURL          string  `json:"baseUrl"`
	Username         string  `json:"username"`
	Password         string  `json:"-"`
	DistanceFactor   float64 `json:"distanceFactor"`
	SweepConcurrency int     `json:"sweepConcurrency"`
}

// Configured reports whether remote calls can be made at all.
func (s IntegrationSettings) Configured() bool {
	return s.Enabled && s.BaseURL != "" && s.Username != ""
}

// Factor returns the distance conversion factor, defaulting to 1.
func (s IntegrationSettings) Factor() float64 {
	if s.DistanceFactor <= 0 {
		return 1
	}
	return s.DistanceFactor
}

// VehicleStatus is the derived view of a vehicle's latest log.
type VehicleStatus struct {
	VehicleID        string          `json:"vehicleId"`
	GPSLocation      json.RawMessage `json:"gpsLocation,omitempty"`
	BatteryLevel     *float64        `json:"batteryLevel,omitempty"`
	MostRecentDriver *DriverRef      `json:"mostRecentDriver,omitempty"`
	LastLogAt        *time.Time      `json:"lastLogAt,omitempty"`
}

type DriverRef struct {
	DriverID     string `json:"driverId,omitempty"`
	EmployeeName string `json:"employeeName,omitempty"`
}

// DwellInterval pairs a geofence entry with the matching exit.
type DwellInterval struct {
	LogID        string    `json:"vehicleLog"`
	Location     string    `json:"location"`
	ActivityType string    `json:"activityType,omitempty"`
	EnteredAt    time.Time `json:"enteredOn"`
	ExitedAt     time.Time `json:"exitedOn"`
	Hours        float64   `json:"hours"`
}

// SweepSummary counts outcomes of one fleet pass.
type SweepSummary struct {
	Vehicles int  `json:"vehicles"`
	Synced   int  `json:"synced"`
	Fired    int  `json:"fired"`
	Failed   int  `json:"failed"`
	Skipped  bool `json:"skipped,omitempty"`
}

// Calendar event kinds.
const (
	EventRegistration = "Registration"
	EventInsurance    = "Insurance"
	EventLicense      = "License"
)

// CalendarEvent is one dated, all-day expiry on the fleet calendar.
type CalendarEvent struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
	AllDay      bool      `json:"allDay"`
	Type        string    `json:"type"`
}
