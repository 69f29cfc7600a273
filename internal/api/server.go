// Package api serves the fleetsync HTTP API.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"fleetsync/internal/engine"
	"fleetsync/internal/events"
	"fleetsync/internal/linker"
	"fleetsync/internal/metrics"
	"fleetsync/internal/store"
)

type Server struct {
	Store  store.Store
	Engine *engine.Engine
	Linker *linker.Linker
	Bus    events.Bus
	Log    *log.Entry
}

func NewServer(st store.Store, eng *engine.Engine, lk *linker.Linker, bus events.Bus) *Server {
	if bus == nil {
		bus = events.Discard{}
	}
	return &Server{Store: st, Engine: eng, Linker: lk, Bus: bus, Log: log.WithField("component", "api")}
}

// Routes builds the mux wrapped in access logging and request metrics.
func (s *Server) Routes() http.Handler {
	metrics.RegisterDefault()
	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /version", s.VersionHandler)

	// Sync
	mux.HandleFunc("POST /v1/sweep", s.SweepHandler)
	mux.HandleFunc("POST /v1/vehicles/{id}/sync", s.SyncVehicleHandler)
	mux.HandleFunc("GET /v1/vehicles/{id}/status", s.VehicleStatusHandler)
	mux.HandleFunc("PUT /v1/vehicles/{id}/cadence", s.CadenceHandler)

	// Linking
	mux.HandleFunc("POST /v1/vehicles/{id}/device", s.LinkDeviceHandler)
	mux.HandleFunc("POST /v1/drivers/{id}/link", s.LinkDriverHandler)
	mux.HandleFunc("PUT /v1/locations/{id}", s.LocationHandler)

	// Reports
	mux.HandleFunc("GET /v1/drivers/{employee}/dwell", s.DwellHandler)
	mux.HandleFunc("GET /v1/calendar/events", s.CalendarHandler)

	// Events
	mux.HandleFunc("GET /v1/events/ws", s.EventsWSHandler)

	return s.logMiddleware(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)

		// pattern keeps label cardinality bounded
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(dur.Seconds())
		s.Log.WithFields(log.Fields{
			"remote":   r.RemoteAddr,
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": dur,
		}).Debug("request")
	})
}
