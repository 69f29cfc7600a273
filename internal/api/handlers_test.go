package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetsync/internal/engine"
	"fleetsync/internal/events"
	"fleetsync/internal/linker"
	"fleetsync/internal/model"
	"fleetsync/internal/queue"
	"fleetsync/internal/store"
)

const polygon = `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[2,1],[4,3],[2,1]]]}}]}`
const point = `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[2,1]}}]}`

// fakeTraccar answers the endpoints the handlers reach.
func fakeTraccar(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/positions":
			_, _ = w.Write([]byte(`[{"id":1,"deviceId":5,"latitude":1.5,"longitude":2.5,"fixTime":"2025-03-01T10:00:00.000+00:00","attributes":{"totalDistance":10.4},"geofenceIds":[]}]`))
		case r.URL.Path == "/api/devices" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`[]`))
		case r.URL.Path == "/api/devices" && r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"id":77,"name":"Van","uniqueId":"IMEI-2"}`))
		case r.URL.Path == "/api/geofences" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`[{"id":900,"name":"Depot","area":"POLYGON ((1 2, 3 4, 1 2))"}]`))
		case r.URL.Path == "/api/geofences" && r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"id":900,"name":"Depot","area":"POLYGON ((1 2, 3 4, 1 2))"}`))
		case strings.HasPrefix(r.URL.Path, "/api/geofences/") && r.Method == http.MethodPut:
			_, _ = w.Write([]byte(`{"id":900,"name":"Depot","area":"POLYGON ((1 2, 3 4, 1 2))"}`))
		case r.URL.Path == "/api/permissions":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) (*Server, *store.Memory, *events.Memory) {
	t.Helper()
	ctx := context.Background()
	remote := fakeTraccar(t)
	st := store.NewMemory()
	require.NoError(t, st.SaveIntegrationSettings(ctx, model.IntegrationSettings{Enabled: true, BaseURL: remote.URL, Username: "admin", Password: "pw", DistanceFactor: 1, SweepConcurrency: 1}))
	dev := int64(5)
	require.NoError(t, st.UpsertVehicle(ctx, model.Vehicle{ID: "V1", Name: "Truck", DeviceID: &dev}))
	require.NoError(t, st.UpsertVehicle(ctx, model.Vehicle{ID: "V2", Name: "Van", UniqueID: "IMEI-2"}))
	bus := events.NewMemory()
	eng := engine.New(st, queue.NewMemory(), bus)
	return NewServer(st, eng, linker.New(st), bus), st, bus
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthReadyVersionMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Routes()
	for _, path := range []string{"/healthz", "/readyz", "/version", "/metrics"} {
		rr := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPost, "/healthz", "").Code)
}

func TestSyncAndStatus(t *testing.T) {
	s, st, _ := newTestServer(t)
	h := s.Routes()

	rr := do(t, h, http.MethodPost, "/v1/vehicles/V1/sync", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res engine.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, engine.OutcomeLogged, res.Outcome)
	assert.Equal(t, int64(11), res.Log.Odometer)
	assert.Len(t, st.LogRecords("V1"), 1)

	rr = do(t, h, http.MethodGet, "/v1/vehicles/V1/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var status model.VehicleStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.NotNil(t, status.LastLogAt)
	assert.Contains(t, string(status.GPSLocation), "Point")

	rr = do(t, h, http.MethodPost, "/v1/vehicles/nope/sync", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestSweepEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(t, s.Routes(), http.MethodPost, "/v1/sweep", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var sum model.SweepSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.Vehicles)
	assert.Equal(t, 1, sum.Synced)
}

func TestCadence(t *testing.T) {
	s, st, _ := newTestServer(t)
	h := s.Routes()

	rr := do(t, h, http.MethodPut, "/v1/vehicles/V1/cadence", `{"cadence":"every five"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, http.MethodPut, "/v1/vehicles/V1/cadence", `{"cadence":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPut, "/v1/vehicles/V1/cadence", `{"cadence":"*/5 * * * *"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	v, err := st.GetVehicle(context.Background(), "V1")
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", v.Cadence)
	require.NotNil(t, v.NextRunAt)
	assert.Zero(t, v.NextRunAt.Minute()%5)

	rr = do(t, h, http.MethodPut, "/v1/vehicles/V1/cadence", `{"cadence":""}`)
	require.Equal(t, http.StatusOK, rr.Code)
	v, _ = st.GetVehicle(context.Background(), "V1")
	assert.Empty(t, v.Cadence)
	assert.Nil(t, v.NextRunAt)
}

func TestLinkDevice(t *testing.T) {
	s, st, _ := newTestServer(t)
	rr := do(t, s.Routes(), http.MethodPost, "/v1/vehicles/V2/device", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	v, err := st.GetVehicle(context.Background(), "V2")
	require.NoError(t, err)
	require.NotNil(t, v.DeviceID)
	assert.Equal(t, int64(77), *v.DeviceID)
}

func TestLocationSave(t *testing.T) {
	s, st, _ := newTestServer(t)
	h := s.Routes()
	ctx := context.Background()

	rr := do(t, h, http.MethodPut, "/v1/locations/Depot", `{"name":"Depot","syncWithTraccar":true,"geojson":`+point+`}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, "point geometry")

	rr = do(t, h, http.MethodPut, "/v1/locations/Depot", `{"name":"Depot","vehicles":["V2"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, "vehicle without device")

	rr = do(t, h, http.MethodPut, "/v1/locations/Depot", `{"name":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code, "missing name")

	rr = do(t, h, http.MethodPut, "/v1/locations/Depot", `{"name":"Depot","syncWithTraccar":true,"vehicles":["V1"],"geojson":`+polygon+`}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	loc, err := st.GetLocation(ctx, "Depot")
	require.NoError(t, err)
	require.NotNil(t, loc.GeofenceID)
	assert.Equal(t, int64(900), *loc.GeofenceID)

	// the client cannot move the remote geofence id
	rr = do(t, h, http.MethodPut, "/v1/locations/Depot", `{"name":"Depot","syncWithTraccar":true,"vehicles":["V1"],"geojson":`+polygon+`,"geofenceId":1}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	loc, _ = st.GetLocation(ctx, "Depot")
	assert.Equal(t, int64(900), *loc.GeofenceID)
}

func TestDwellEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Routes()
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/drivers/EMP-1/dwell?from=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/drivers/EMP-1/dwell?from=2025-03-02&to=2025-03-01", "").Code)

	rr := do(t, h, http.MethodGet, "/v1/drivers/EMP-1/dwell?from=2025-03-01&to=2025-03-02", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Items []model.DwellInterval `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotNil(t, body.Items)
	assert.Empty(t, body.Items)
}

func TestCalendarEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)
	h := s.Routes()
	ctx := context.Background()
	expiry := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpsertDriver(ctx, model.Driver{ID: "D1", LicenseExpiry: &expiry}))
	v, err := st.GetVehicle(ctx, "V2")
	require.NoError(t, err)
	v.InsuranceEnd = &expiry
	require.NoError(t, st.UpsertVehicle(ctx, v))

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/calendar/events?start=soon", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/calendar/events?start=2025-04-01&end=2025-03-01", "").Code)

	rr := do(t, h, http.MethodGet, "/v1/calendar/events?start=2025-03-01&end=2025-03-31", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var items []model.CalendarEvent
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "V2 Insurance Expiration", items[0].Description)
	assert.Equal(t, "D1 License Expiration", items[1].Description)
	assert.True(t, items[1].AllDay)

	rr = do(t, h, http.MethodGet, "/v1/calendar/events?start=2025-05-01&end=2025-05-31", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestEventsWebsocket(t *testing.T) {
	s, _, bus := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws?vehicle=V1"
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	// the handler subscribes after the upgrade, so keep publishing until read
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
				bus.Publish(events.VehicleTopic("V1"), events.New(events.TypeLogCreated, "V1", map[string]any{"odometer": 11}))
			}
		}
	}()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt events.Event
	require.NoError(t, c.ReadJSON(&evt))
	assert.Equal(t, events.TypeLogCreated, evt.Type)
	assert.Equal(t, "V1", evt.VehicleID)
}
