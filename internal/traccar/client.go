// Package traccar is the HTTP client for the Traccar telemetry API.
package traccar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"fleetsync/internal/buildinfo"
	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodySize    = 8 << 20
)

// Client wraps the Traccar REST API with Basic auth. It never retries; a
// failed call is left for the next sweep.
type Client struct {
	settings model.IntegrationSettings
	http     *http.Client
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker[[]byte]
	log      *log.Entry
	now      func() time.Time
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithRateLimit caps outbound requests per second. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithLogger(l *log.Entry) Option { return func(c *Client) { c.log = l } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func New(settings model.IntegrationSettings, opts ...Option) *Client {
	c := &Client{
		settings: settings,
		http:     &http.Client{Timeout: DefaultTimeout},
		limiter:  rate.NewLimiter(rate.Limit(10), 10),
		log:      log.WithField("component", "traccar"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if settings.BaseURL != "" {
		c.cb = breakerFor("traccar:" + strings.TrimRight(settings.BaseURL, "/"))
	}
	return c
}

// Enabled reports whether calls will reach the network.
func (c *Client) Enabled() bool { return c.settings.Configured() }

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, in, out any) error {
	if !c.settings.Configured() {
		return ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &RemoteServiceError{Op: op, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	start := time.Now()
	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, op, method, path, q, in)
	})
	metrics.RemoteLatency.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		if rejected(err) {
			metrics.RemoteRequests.WithLabelValues(op, "0").Inc()
			return &RemoteServiceError{Op: op, Err: err}
		}
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &RemoteServiceError{Op: op, Status: http.StatusOK, Body: truncate(string(body), maxErrorBodySize), Err: err}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, q url.Values, in any) ([]byte, error) {
	u := strings.TrimRight(c.settings.BaseURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("traccar %s: encode body: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, &RemoteServiceError{Op: op, Err: err}
	}
	req.SetBasicAuth(c.settings.Username, c.settings.Password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RemoteRequests.WithLabelValues(op, "0").Inc()
		return nil, &RemoteServiceError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.RemoteRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rse := &RemoteServiceError{Op: op, Status: resp.StatusCode, Body: readBodyForError(resp.Body)}
		c.log.WithFields(log.Fields{"op": op, "status": resp.StatusCode}).Debug("traccar request failed")
		return nil, rse
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &RemoteServiceError{Op: op, Status: resp.StatusCode, Err: err}
	}
	return b, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func idQuery(key string, id int64) url.Values {
	return url.Values{key: []string{strconv.FormatInt(id, 10)}}
}

// Positions

// LatestPosition returns the newest position for the device, or nil when the
// device has never reported.
func (c *Client) LatestPosition(ctx context.Context, deviceID int64) (*Position, error) {
	var ps []Position
	if err := c.do(ctx, "positions.list", http.MethodGet, "/api/positions", idQuery("deviceId", deviceID), nil, &ps); err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, nil
	}
	p := ps[len(ps)-1]
	return &p, nil
}

// Devices

// Device looks a device up by unique id (IMEI). A nil device means none exists.
func (c *Client) Device(ctx context.Context, uniqueID string) (*Device, error) {
	if uniqueID == "" {
		return nil, fmt.Errorf("%w: empty unique id", ErrInvalidArgument)
	}
	var ds []Device
	q := url.Values{"uniqueId": []string{uniqueID}}
	if err := c.do(ctx, "devices.get", http.MethodGet, "/api/devices", q, nil, &ds); err != nil {
		return nil, err
	}
	for i := range ds {
		if ds[i].UniqueID == uniqueID {
			return &ds[i], nil
		}
	}
	return nil, nil
}

func (c *Client) CreateDevice(ctx context.Context, d Device) (*Device, error) {
	if d.UniqueID == "" || d.Name == "" {
		return nil, fmt.Errorf("%w: device needs name and unique id", ErrInvalidArgument)
	}
	d.ID = 0
	if d.Attributes == nil {
		d.Attributes = map[string]any{}
	}
	var out Device
	if err := c.do(ctx, "devices.create", http.MethodPost, "/api/devices", nil, d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDevice fetches the device, overlays partial, stamps lastUpdate and
// writes the merged object back.
func (c *Client) UpdateDevice(ctx context.Context, id int64, partial map[string]any) (*Device, error) {
	var cur []map[string]any
	if err := c.do(ctx, "devices.get", http.MethodGet, "/api/devices", idQuery("id", id), nil, &cur); err != nil {
		return nil, err
	}
	if len(cur) == 0 {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	merged := cur[0]
	for k, v := range partial {
		merged[k] = v
	}
	merged["id"] = id
	merged["lastUpdate"] = c.now().UTC().Format(time.RFC3339)
	var out Device
	if err := c.do(ctx, "devices.update", http.MethodPut, "/api/devices/"+strconv.FormatInt(id, 10), nil, merged, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteDevice(ctx context.Context, id int64) error {
	return c.do(ctx, "devices.delete", http.MethodDelete, "/api/devices/"+strconv.FormatInt(id, 10), nil, nil, nil)
}

// Drivers

// Driver returns the remote driver with the given unique id, or nil. The API
// has no server-side filter so the full list is scanned.
func (c *Client) Driver(ctx context.Context, uniqueID string) (*Driver, error) {
	var ds []Driver
	if err := c.do(ctx, "drivers.list", http.MethodGet, "/api/drivers", nil, nil, &ds); err != nil {
		return nil, err
	}
	for i := range ds {
		if ds[i].UniqueID == uniqueID {
			return &ds[i], nil
		}
	}
	return nil, nil
}

func (c *Client) CreateDriver(ctx context.Context, d Driver) (*Driver, error) {
	if d.UniqueID == "" {
		return nil, fmt.Errorf("%w: driver needs a unique id", ErrInvalidArgument)
	}
	d.ID = 0
	if d.Attributes == nil {
		d.Attributes = map[string]any{}
	}
	var out Driver
	if err := c.do(ctx, "drivers.create", http.MethodPost, "/api/drivers", nil, d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Geofences

func (c *Client) Geofences(ctx context.Context, f GeofenceFilter) ([]Geofence, error) {
	var q url.Values
	if f.DeviceID > 0 {
		q = idQuery("deviceId", f.DeviceID)
	}
	var gs []Geofence
	if err := c.do(ctx, "geofences.list", http.MethodGet, "/api/geofences", q, nil, &gs); err != nil {
		return nil, err
	}
	if f.GeofenceID == 0 {
		return gs, nil
	}
	out := []Geofence{}
	for _, g := range gs {
		if g.ID == f.GeofenceID {
			out = append(out, g)
		}
	}
	return out, nil
}

// CreateGeofence creates the geofence, then links the spec's devices and
// groups to it. A failed link is returned along with the new id.
func (c *Client) CreateGeofence(ctx context.Context, spec GeofenceSpec) (int64, error) {
	if spec.Name == "" || spec.Area == "" {
		return 0, fmt.Errorf("%w: geofence needs name and area", ErrInvalidArgument)
	}
	attrs := spec.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	in := Geofence{Name: spec.Name, Description: spec.Description, Area: spec.Area, Attributes: attrs}
	var out Geofence
	if err := c.do(ctx, "geofences.create", http.MethodPost, "/api/geofences", nil, in, &out); err != nil {
		return 0, err
	}
	for _, d := range spec.DeviceIDs {
		if err := c.Link(ctx, KeyDevice, d, KeyGeofence, out.ID); err != nil {
			return out.ID, err
		}
	}
	for _, g := range spec.GroupIDs {
		if err := c.Link(ctx, KeyGroup, g, KeyGeofence, out.ID); err != nil {
			return out.ID, err
		}
	}
	return out.ID, nil
}

func (c *Client) UpdateGeofence(ctx context.Context, id int64, partial map[string]any) (*Geofence, error) {
	var all []map[string]any
	if err := c.do(ctx, "geofences.list", http.MethodGet, "/api/geofences", nil, nil, &all); err != nil {
		return nil, err
	}
	var merged map[string]any
	for _, g := range all {
		if n, ok := g["id"].(float64); ok && int64(n) == id {
			merged = g
			break
		}
	}
	if merged == nil {
		return nil, fmt.Errorf("geofence %d: %w", id, ErrNotFound)
	}
	for k, v := range partial {
		merged[k] = v
	}
	merged["id"] = id
	var out Geofence
	if err := c.do(ctx, "geofences.update", http.MethodPut, "/api/geofences/"+strconv.FormatInt(id, 10), nil, merged, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteGeofence(ctx context.Context, id int64) error {
	return c.do(ctx, "geofences.delete", http.MethodDelete, "/api/geofences/"+strconv.FormatInt(id, 10), nil, nil, nil)
}

// Permissions

const (
	KeyUser     = "userId"
	KeyDevice   = "deviceId"
	KeyGroup    = "groupId"
	KeyGeofence = "geofenceId"
	KeyDriver   = "driverId"
)

func permission(keyA string, idA int64, keyB string, idB int64) (map[string]int64, error) {
	switch keyA {
	case KeyUser, KeyDevice, KeyGroup:
	default:
		return nil, fmt.Errorf("%w: permission owner key %q", ErrInvalidArgument, keyA)
	}
	if keyB == "" || keyB == keyA {
		return nil, fmt.Errorf("%w: permission target key %q", ErrInvalidArgument, keyB)
	}
	return map[string]int64{keyA: idA, keyB: idB}, nil
}

// Link grants keyA/idA access to keyB/idB, e.g. a device to a geofence.
func (c *Client) Link(ctx context.Context, keyA string, idA int64, keyB string, idB int64) error {
	body, err := permission(keyA, idA, keyB, idB)
	if err != nil {
		return err
	}
	return c.do(ctx, "permissions.link", http.MethodPost, "/api/permissions", nil, body, nil)
}

func (c *Client) Unlink(ctx context.Context, keyA string, idA int64, keyB string, idB int64) error {
	body, err := permission(keyA, idA, keyB, idB)
	if err != nil {
		return err
	}
	return c.do(ctx, "permissions.unlink", http.MethodDelete, "/api/permissions", nil, body, nil)
}
