package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fleetsync/internal/buildinfo"
	"fleetsync/internal/model"
	"fleetsync/internal/store"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
	})
}

// SweepHandler runs one fleet pass synchronously.
func (s *Server) SweepHandler(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Engine.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) SyncVehicleHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.SyncOne(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) VehicleStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.Engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CadenceHandler stores a custom poll cadence. An empty cadence returns the
// vehicle to the default sweep.
func (s *Server) CadenceHandler(w http.ResponseWriter, r *http.Request) {
	var req cadenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.Store.GetVehicle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.Engine.Scheduler.OnCadenceChange(r.Context(), v, req.Cadence, req.Force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicleId": v.ID, "cadence": req.Cadence, "schedule": st})
}

func (s *Server) LinkDeviceHandler(w http.ResponseWriter, r *http.Request) {
	v, err := s.Linker.EnsureDeviceLinked(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) LinkDriverHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.Linker.EnsureDriverLinked(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// LocationHandler validates a location, reconciles its remote geofence and
// saves it.
func (s *Server) LocationHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req locationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, r, err)
		return
	}
	loc := req.location(r.PathValue("id"))

	var previous *model.Location
	prev, err := s.Store.GetLocation(ctx, loc.ID)
	switch {
	case err == nil:
		// the remote geofence id is owned by the server
		loc.GeofenceID = prev.GeofenceID
		previous = &prev
	case !errors.Is(err, store.ErrNotFound):
		writeError(w, r, err)
		return
	}

	if err := s.Linker.ValidateLocation(ctx, loc); err != nil {
		writeError(w, r, err)
		return
	}
	synced, err := s.Linker.SyncLocationGeofence(ctx, loc, previous)
	if err != nil {
		if synced.GeofenceID != nil && loc.GeofenceID == nil {
			// a geofence was created before the failure; keep it reachable
			if serr := s.Store.SaveLocation(ctx, synced); serr != nil {
				s.Log.WithError(serr).WithField("location", loc.ID).Error("save after partial geofence sync failed")
			}
		}
		writeError(w, r, err)
		return
	}
	if err := s.Store.SaveLocation(ctx, synced); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, synced)
}

// DwellHandler lists an employee's geofence dwell intervals. from and to
// accept RFC 3339 or YYYY-MM-DD and default to the last 24 hours.
func (s *Server) DwellHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Bad Request", "invalid to: "+err.Error(), r.URL.Path)
			return
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Bad Request", "invalid from: "+err.Error(), r.URL.Path)
			return
		}
		from = t
	}
	if from.After(to) {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "from is after to", r.URL.Path)
		return
	}
	employee := r.PathValue("employee")
	items, err := s.Engine.DwellIntervals(r.Context(), employee, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.DwellInterval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"employee": employee, "from": from, "to": to, "items": items})
}

// CalendarHandler lists expiry events between start and end, which accept
// RFC 3339 or YYYY-MM-DD and default to the current month.
func (s *Server) CalendarHandler(w http.ResponseWriter, r *http.Request) {
	var start, end time.Time
	for name, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Bad Request", "invalid "+name+": "+err.Error(), r.URL.Path)
			return
		}
		*dst = t
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "start is after end", r.URL.Path)
		return
	}
	items, err := s.Engine.CalendarEvents(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, items)
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}
