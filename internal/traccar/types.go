package traccar

import (
	"time"

	json "github.com/goccy/go-json"
)

// Position is one fix as returned by /api/positions.
type Position struct {
	ID          int64      `json:"id"`
	DeviceID    int64      `json:"deviceId"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	Altitude    float64    `json:"altitude,omitempty"`
	Speed       float64    `json:"speed"`
	Course      float64    `json:"course,omitempty"`
	FixTime     time.Time  `json:"fixTime"`
	Attributes  Attributes `json:"attributes"`
	GeofenceIDs []int64    `json:"geofenceIds"`
}

type Device struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	UniqueID   string         `json:"uniqueId"`
	Status     string         `json:"status,omitempty"`
	Disabled   bool           `json:"disabled"`
	LastUpdate *time.Time     `json:"lastUpdate,omitempty"`
	PositionID int64          `json:"positionId,omitempty"`
	GroupID    int64          `json:"groupId,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Model      string         `json:"model,omitempty"`
	Contact    string         `json:"contact,omitempty"`
	Category   string         `json:"category,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

type Driver struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	UniqueID   string         `json:"uniqueId"`
	Attributes map[string]any `json:"attributes"`
}

type Geofence struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Area        string         `json:"area"`
	CalendarID  int64          `json:"calendarId,omitempty"`
	Attributes  map[string]any `json:"attributes"`
}

// GeofenceSpec is the create payload plus the devices and groups to link
// once the geofence exists.
type GeofenceSpec struct {
	Name        string
	Description string
	Area        string
	Attributes  map[string]any
	DeviceIDs   []int64
	GroupIDs    []int64
}

// GeofenceFilter narrows Geofences. Zero values mean no filter.
type GeofenceFilter struct {
	DeviceID   int64
	GeofenceID int64
}

// Attributes is the typed view over a position's free-form attribute map.
// Unknown keys are kept in Extra.
type Attributes struct {
	BatteryLevel   *float64
	Fuel           *float64
	Hours          *float64
	EngineTemp     *float64
	RPM            *float64
	Diagnostic     string
	DriverUniqueID string
	TotalDistance  *float64
	Extra          map[string]any
}

// keys folded into typed fields; aliases resolve to the same field, first wins
var attributeKeys = map[string]string{
	"batteryLevel":   "battery",
	"fuel":           "fuel",
	"hours":          "hours",
	"engineHours":    "hours",
	"engineTemp":     "temp",
	"temp":           "temp",
	"rpm":            "rpm",
	"dtcs":           "diag",
	"diagnostic":     "diag",
	"driverUniqueId": "driver",
	"totalDistance":  "distance",
}

func (a *Attributes) UnmarshalJSON(b []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*a = Attributes{}
	for _, k := range []string{"batteryLevel", "fuel", "hours", "engineHours", "engineTemp", "temp", "rpm", "diagnostic", "dtcs", "driverUniqueId", "totalDistance"} {
		v, ok := raw[k]
		if !ok {
			continue
		}
		delete(raw, k)
		switch attributeKeys[k] {
		case "battery":
			a.BatteryLevel = firstFloat(a.BatteryLevel, v)
		case "fuel":
			a.Fuel = firstFloat(a.Fuel, v)
		case "hours":
			a.Hours = firstFloat(a.Hours, v)
		case "temp":
			a.EngineTemp = firstFloat(a.EngineTemp, v)
		case "rpm":
			a.RPM = firstFloat(a.RPM, v)
		case "distance":
			a.TotalDistance = firstFloat(a.TotalDistance, v)
		case "diag":
			if s, ok := v.(string); ok && a.Diagnostic == "" {
				a.Diagnostic = s
			}
		case "driver":
			if s, ok := v.(string); ok {
				a.DriverUniqueID = s
			}
		}
	}
	if len(raw) > 0 {
		a.Extra = raw
	}
	return nil
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range a.Extra {
		out[k] = v
	}
	put := func(k string, v *float64) {
		if v != nil {
			out[k] = *v
		}
	}
	put("batteryLevel", a.BatteryLevel)
	put("fuel", a.Fuel)
	put("hours", a.Hours)
	put("engineTemp", a.EngineTemp)
	put("rpm", a.RPM)
	put("totalDistance", a.TotalDistance)
	if a.Diagnostic != "" {
		out["diagnostic"] = a.Diagnostic
	}
	if a.DriverUniqueID != "" {
		out["driverUniqueId"] = a.DriverUniqueID
	}
	return json.Marshal(out)
}

func firstFloat(cur *float64, v any) *float64 {
	if cur != nil {
		return cur
	}
	switch n := v.(type) {
	case float64:
		return &n
	case int64:
		f := float64(n)
		return &f
	}
	return nil
}
