// Package linker keeps local vehicles, drivers and locations paired with
// their remote counterparts.
package linker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"fleetsync/internal/geometry"
	"fleetsync/internal/model"
	"fleetsync/internal/store"
	"fleetsync/internal/traccar"
)

var ErrValidation = errors.New("validation failed")

// Remote is the slice of the telemetry API the linker drives.
type Remote interface {
	Enabled() bool
	Device(ctx context.Context, uniqueID string) (*traccar.Device, error)
	CreateDevice(ctx context.Context, d traccar.Device) (*traccar.Device, error)
	UpdateDevice(ctx context.Context, id int64, partial map[string]any) (*traccar.Device, error)
	Driver(ctx context.Context, uniqueID string) (*traccar.Driver, error)
	CreateDriver(ctx context.Context, d traccar.Driver) (*traccar.Driver, error)
	CreateGeofence(ctx context.Context, spec traccar.GeofenceSpec) (int64, error)
	UpdateGeofence(ctx context.Context, id int64, partial map[string]any) (*traccar.Geofence, error)
	DeleteGeofence(ctx context.Context, id int64) error
	Link(ctx context.Context, keyA string, idA int64, keyB string, idB int64) error
	Unlink(ctx context.Context, keyA string, idA int64, keyB string, idB int64) error
}

type Linker struct {
	Store  store.Store
	Remote func(model.IntegrationSettings) Remote
	Log    *log.Entry
}

func New(st store.Store) *Linker {
	return &Linker{
		Store:  st,
		Remote: func(s model.IntegrationSettings) Remote { return traccar.New(s) },
		Log:    log.WithField("component", "linker"),
	}
}

// remote returns nil when the integration is off.
func (l *Linker) remote(ctx context.Context) (Remote, error) {
	s, err := l.Store.GetIntegrationSettings(ctx)
	if err != nil {
		return nil, err
	}
	r := l.Remote(s)
	if !r.Enabled() {
		return nil, nil
	}
	return r, nil
}

// EnsureDeviceLinked pairs the vehicle with the remote device carrying its
// unique id, creating the device when none exists.
func (l *Linker) EnsureDeviceLinked(ctx context.Context, vehicleID string) (model.Vehicle, error) {
	v, err := l.Store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return v, err
	}
	if v.UniqueID == "" {
		return v, nil
	}
	r, err := l.remote(ctx)
	if err != nil || r == nil {
		return v, err
	}
	d, err := r.Device(ctx, v.UniqueID)
	if err != nil {
		return v, err
	}
	if d == nil {
		name := v.Name
		if name == "" {
			name = v.ID
		}
		d, err = r.CreateDevice(ctx, traccar.Device{Name: name, UniqueID: v.UniqueID, Disabled: v.Disabled, Model: v.Model})
		if err != nil {
			return v, err
		}
		l.Log.WithFields(log.Fields{"vehicle": v.ID, "device": d.ID}).Info("remote device created")
	}
	if v.DeviceID == nil || *v.DeviceID != d.ID {
		if err := l.Store.SetVehicleDevice(ctx, v.ID, d.ID); err != nil {
			return v, err
		}
		id := d.ID
		v.DeviceID = &id
	}
	return v, nil
}

// EnsureDriverLinked does the same for drivers, using the local id as the
// remote unique id.
func (l *Linker) EnsureDriverLinked(ctx context.Context, driverID string) (model.Driver, error) {
	d, err := l.Store.GetDriver(ctx, driverID)
	if err != nil {
		return d, err
	}
	r, err := l.remote(ctx)
	if err != nil || r == nil {
		return d, err
	}
	rd, err := r.Driver(ctx, d.ID)
	if err != nil {
		return d, err
	}
	if rd == nil {
		name := d.FullName
		if name == "" {
			name = d.ID
		}
		if rd, err = r.CreateDriver(ctx, traccar.Driver{Name: name, UniqueID: d.ID}); err != nil {
			return d, err
		}
		l.Log.WithFields(log.Fields{"driver": d.ID, "remote": rd.ID}).Info("remote driver created")
	}
	if d.RemoteID == nil || *d.RemoteID != rd.ID {
		if err := l.Store.SetDriverRemoteID(ctx, d.ID, rd.ID); err != nil {
			return d, err
		}
		id := rd.ID
		d.RemoteID = &id
	}
	return d, nil
}

// PushVehicle copies name, disabled flag and model to the remote device. An
// unlinked vehicle is linked instead.
func (l *Linker) PushVehicle(ctx context.Context, vehicleID string) error {
	v, err := l.Store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return err
	}
	if !v.HasDevice() {
		_, err := l.EnsureDeviceLinked(ctx, vehicleID)
		return err
	}
	r, err := l.remote(ctx)
	if err != nil || r == nil {
		return err
	}
	_, err = r.UpdateDevice(ctx, *v.DeviceID, map[string]any{"name": v.Name, "disabled": v.Disabled, "model": v.Model})
	return err
}

// ValidateLocation rejects a location that cannot be saved: a synced
// location needs exactly one LineString or Polygon, every linked vehicle
// needs a remote device, and an address has at most one location.
func (l *Linker) ValidateLocation(ctx context.Context, loc model.Location) error {
	if strings.TrimSpace(loc.ID) == "" || strings.TrimSpace(loc.Name) == "" {
		return fmt.Errorf("%w: location needs id and name", ErrValidation)
	}
	if loc.SyncWithTraccar {
		fc, err := geometry.ParseFeatureCollection(loc.GeoJSON)
		if err != nil {
			return err
		}
		if _, err := geometry.GeofenceFeature(fc); err != nil {
			return err
		}
	}
	var missing []string
	for _, id := range loc.Vehicles {
		v, err := l.Store.GetVehicle(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !v.HasDevice()) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing remote device for vehicle(s) %s", ErrValidation, strings.Join(missing, ", "))
	}
	if loc.Address != "" {
		others, err := l.Store.FindLocationsByAddress(ctx, loc.Address)
		if err != nil {
			return err
		}
		for _, o := range others {
			if o.ID != loc.ID {
				return fmt.Errorf("%w: address %q already links location %s", ErrValidation, loc.Address, o.ID)
			}
		}
	}
	return nil
}

// SyncLocationGeofence reconciles the remote geofence of a location against
// its previous saved state and returns the location as it should be stored.
func (l *Linker) SyncLocationGeofence(ctx context.Context, loc model.Location, previous *model.Location) (model.Location, error) {
	r, err := l.remote(ctx)
	if err != nil || r == nil {
		return loc, err
	}
	entry := l.Log.WithField("location", loc.ID)

	switch {
	case !loc.SyncWithTraccar:
		if previous == nil || previous.GeofenceID == nil {
			return loc, nil
		}
		if err := r.DeleteGeofence(ctx, *previous.GeofenceID); err != nil {
			entry.WithError(err).WithField("geofence", *previous.GeofenceID).Error("remote geofence delete failed")
			return loc, nil
		}
		loc.GeofenceID = nil
		loc.Vehicles = nil
		return loc, nil

	case loc.GeofenceID != nil:
		id := *loc.GeofenceID
		area, err := geometry.LocationWKT(loc.GeoJSON)
		if err != nil {
			return loc, err
		}
		if previous == nil || !sameArea(previous.GeoJSON, area) {
			if _, err := r.UpdateGeofence(ctx, id, map[string]any{"area": area}); err != nil {
				return loc, err
			}
		}
		if previous == nil {
			return loc, nil
		}
		added, removed := setDiff(previous.Vehicles, loc.Vehicles)
		for _, vid := range added {
			did, err := l.deviceOf(ctx, vid)
			if err != nil {
				return loc, err
			}
			if err := r.Link(ctx, traccar.KeyDevice, did, traccar.KeyGeofence, id); err != nil {
				return loc, err
			}
		}
		for _, vid := range removed {
			did, err := l.deviceOf(ctx, vid)
			if err != nil {
				return loc, err
			}
			if err := r.Unlink(ctx, traccar.KeyDevice, did, traccar.KeyGeofence, id); err != nil {
				return loc, err
			}
		}
		return loc, nil

	default:
		area, err := geometry.LocationWKT(loc.GeoJSON)
		if err != nil {
			return loc, err
		}
		var devices []int64
		for _, vid := range loc.Vehicles {
			did, err := l.deviceOf(ctx, vid)
			if err != nil {
				return loc, err
			}
			devices = append(devices, did)
		}
		id, err := r.CreateGeofence(ctx, traccar.GeofenceSpec{Name: loc.ID, Description: loc.Name, Area: area, DeviceIDs: devices})
		if id != 0 {
			// keep the id even when a device link failed
			loc.GeofenceID = &id
			entry.WithField("geofence", id).Info("remote geofence created")
		}
		return loc, err
	}
}

// sameArea compares by WKT so a re-serialized document with the same shape
// counts as unchanged.
func sameArea(prev []byte, area string) bool {
	old, err := geometry.LocationWKT(prev)
	return err == nil && old == area
}

func (l *Linker) deviceOf(ctx context.Context, vehicleID string) (int64, error) {
	v, err := l.Store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return 0, err
	}
	if !v.HasDevice() {
		return 0, fmt.Errorf("%w: vehicle %s has no remote device", ErrValidation, vehicleID)
	}
	return *v.DeviceID, nil
}

func setDiff(old, cur []string) (added, removed []string) {
	o := map[string]bool{}
	for _, s := range old {
		o[s] = true
	}
	c := map[string]bool{}
	for _, s := range cur {
		c[s] = true
		if !o[s] {
			added = append(added, s)
		}
	}
	for _, s := range old {
		if !c[s] {
			removed = append(removed, s)
		}
	}
	return added, removed
}
