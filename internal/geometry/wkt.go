// Package geometry translates GeoJSON features into the WKT the telemetry
// service expects for geofence areas.
package geometry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidGeometry = errors.New("invalid geometry")

// Coord is a [lat, lon] pair.
type Coord [2]float64

// FlattenCoordinates walks a nested GeoJSON coordinate structure and returns
// every terminal [lon, lat] pair reversed to [lat, lon], in traversal order.
func FlattenCoordinates(item any) ([]Coord, error) {
	out := []Coord{}
	if err := flatten(item, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(item any, out *[]Coord) error {
	switch v := item.(type) {
	case []float64:
		if len(v) != 2 {
			return fmt.Errorf("%w: position with %d values", ErrInvalidGeometry, len(v))
		}
		*out = append(*out, Coord{v[1], v[0]})
		return nil
	case [][]float64:
		for _, p := range v {
			if err := flatten(p, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if lon, lat, ok := pair(v); ok {
			*out = append(*out, Coord{lat, lon})
			return nil
		}
		for _, child := range v {
			if _, isNum := number(child); isNum {
				return fmt.Errorf("%w: bare number inside coordinate list", ErrInvalidGeometry)
			}
			if err := flatten(child, out); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected coordinate element %T", ErrInvalidGeometry, item)
	}
}

func pair(v []any) (float64, float64, bool) {
	if len(v) != 2 {
		return 0, 0, false
	}
	a, ok1 := number(v[0])
	b, ok2 := number(v[1])
	return a, b, ok1 && ok2
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ToWKT renders lat/lon pairs as a LINESTRING or POLYGON.
func ToWKT(kind string, coords []Coord) (string, error) {
	parts := make([]string, 0, len(coords))
	for _, c := range coords {
		parts = append(parts, formatFloat(c[0])+" "+formatFloat(c[1]))
	}
	body := strings.Join(parts, ", ")
	switch strings.ToLower(kind) {
	case "linestring":
		return "LINESTRING (" + body + ")", nil
	case "polygon":
		return "POLYGON ((" + body + "))", nil
	}
	return "", fmt.Errorf("%w: unsupported shape %q", ErrInvalidGeometry, kind)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
