package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"fleetsync/internal/geometry"
	"fleetsync/internal/model"
	"fleetsync/internal/store"
)

// Status derives the vehicle's current location, battery and driver from its
// latest log record.
func (e *Engine) Status(ctx context.Context, vehicleID string) (model.VehicleStatus, error) {
	st := model.VehicleStatus{VehicleID: vehicleID}
	if _, err := e.Store.GetVehicle(ctx, vehicleID); err != nil {
		return st, err
	}
	rec, err := e.Store.LatestLogRecord(ctx, vehicleID)
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if st.GPSLocation, err = geometry.PointFeatureCollection(rec.Latitude, rec.Longitude); err != nil {
		return st, err
	}
	st.BatteryLevel = rec.BatteryLevel
	created := rec.CreatedAt
	st.LastLogAt = &created
	if rec.Employee != "" {
		ref := &model.DriverRef{}
		if d, err := e.Store.FindDriverByEmployee(ctx, rec.Employee); err == nil {
			ref.DriverID = d.ID
			ref.EmployeeName = d.EmployeeName
		}
		st.MostRecentDriver = ref
	}
	return st, nil
}

type visit struct {
	logID    string
	at       time.Time
	activity string
}

// DwellIntervals pairs each location an employee entered with the next exit
// from it, in log creation order. Entries without an exit are not reported.
func (e *Engine) DwellIntervals(ctx context.Context, employee string, from, to time.Time) ([]model.DwellInterval, error) {
	recs, err := e.Store.ListLogRecordsByEmployee(ctx, employee, from, to)
	if err != nil {
		return nil, err
	}
	open := map[string]visit{}
	out := []model.DwellInterval{}
	for _, r := range recs {
		for _, name := range splitNames(r.GeofencesEntered) {
			open[name] = visit{logID: r.ID, at: r.CreatedAt, activity: e.activityType(ctx, name)}
		}
		for _, name := range splitNames(r.GeofencesExited) {
			in, ok := open[name]
			if !ok {
				continue
			}
			delete(open, name)
			out = append(out, model.DwellInterval{
				LogID:        in.logID,
				Location:     name,
				ActivityType: in.activity,
				EnteredAt:    in.at,
				ExitedAt:     r.CreatedAt,
				Hours:        r.CreatedAt.Sub(in.at).Hours(),
			})
		}
	}
	return out, nil
}

func (e *Engine) activityType(ctx context.Context, location string) string {
	l, err := e.Store.GetLocation(ctx, location)
	if err != nil {
		return ""
	}
	return l.DefaultActivityType
}

func splitNames(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
