package geometry

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

type Feature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   Geometry       `json:"geometry"`
}

type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// ParseFeatureCollection decodes a stored Location geometry.
func ParseFeatureCollection(raw []byte) (FeatureCollection, error) {
	var fc FeatureCollection
	if len(raw) == 0 {
		return fc, fmt.Errorf("%w: empty geojson", ErrInvalidGeometry)
	}
	if err := json.Unmarshal(raw, &fc); err != nil {
		return fc, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	return fc, nil
}

func eligible(kind string) bool {
	k := strings.ToLower(kind)
	return k == "linestring" || k == "polygon"
}

// GeofenceFeature returns the one LineString or Polygon feature of fc. Zero or
// several eligible features is an error.
func GeofenceFeature(fc FeatureCollection) (Feature, error) {
	var found []Feature
	for _, f := range fc.Features {
		if eligible(f.Geometry.Type) {
			found = append(found, f)
		}
	}
	switch len(found) {
	case 0:
		return Feature{}, fmt.Errorf("%w: a LineString or Polygon feature is required", ErrInvalidGeometry)
	case 1:
		return found[0], nil
	}
	return Feature{}, fmt.Errorf("%w: only one LineString or Polygon feature is allowed, got %d", ErrInvalidGeometry, len(found))
}

// FeatureToWKT flattens a feature's coordinates and renders them as WKT.
func FeatureToWKT(f Feature) (string, error) {
	if !eligible(f.Geometry.Type) {
		return "", fmt.Errorf("%w: unsupported shape %q", ErrInvalidGeometry, f.Geometry.Type)
	}
	coords, err := FlattenCoordinates(f.Geometry.Coordinates)
	if err != nil {
		return "", err
	}
	return ToWKT(f.Geometry.Type, coords)
}

// LocationWKT is the full path from a stored Location geometry to WKT.
func LocationWKT(raw []byte) (string, error) {
	fc, err := ParseFeatureCollection(raw)
	if err != nil {
		return "", err
	}
	f, err := GeofenceFeature(fc)
	if err != nil {
		return "", err
	}
	return FeatureToWKT(f)
}

// PointFeatureCollection encodes a single point. GeoJSON order is lon, lat.
func PointFeatureCollection(lat, lon float64) ([]byte, error) {
	fc := FeatureCollection{
		Type: "FeatureCollection",
		Features: []Feature{{
			Type:       "Feature",
			Properties: map[string]any{},
			Geometry:   Geometry{Type: "Point", Coordinates: []float64{lon, lat}},
		}},
	}
	return json.Marshal(fc)
}
