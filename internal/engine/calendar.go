package engine

import (
	"context"
	"sort"
	"time"

	"fleetsync/internal/model"
	"fleetsync/internal/store"
)

// CalendarEvents lists vehicle registration and insurance expiries and driver
// license expiries dated within [start, end], compared by calendar day. Zero
// bounds default to the first and last day of the current month.
func (e *Engine) CalendarEvents(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error) {
	now := e.Now().UTC()
	if start.IsZero() {
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if end.IsZero() {
		end = time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC)
	}
	from, to := day(start), day(end)

	var out []model.CalendarEvent
	add := func(name, kind, label string, at *time.Time) {
		if at == nil {
			return
		}
		d := day(*at)
		if d.Before(from) || d.After(to) {
			return
		}
		out = append(out, model.CalendarEvent{Name: name, Description: name + " " + label, Date: d, AllDay: true, Type: kind})
	}

	vehicles, err := e.Store.ListVehicles(ctx, store.VehicleFilter{})
	if err != nil {
		return nil, err
	}
	for _, v := range vehicles {
		add(v.ID, model.EventRegistration, "Registration Expiration", v.RegistrationExpiry)
		add(v.ID, model.EventInsurance, "Insurance Expiration", v.InsuranceEnd)
	}
	drivers, err := e.Store.ListDrivers(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range drivers {
		add(d.ID, model.EventLicense, "License Expiration", d.LicenseExpiry)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// day keeps the date as written, dropping time and zone.
func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
