package geometry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenReversesPairs(t *testing.T) {
	got, err := FlattenCoordinates([]any{[]any{2.0, 1.0}, []any{4.0, 3.0}})
	require.NoError(t, err)
	assert.Equal(t, []Coord{{1, 2}, {3, 4}}, got)

	typed, err := FlattenCoordinates([][]float64{{2, 1}, {4, 3}})
	require.NoError(t, err)
	assert.Equal(t, got, typed)
}

func TestFlattenNestedPolygonKeepsOrder(t *testing.T) {
	poly := []any{
		[]any{[]any{10.0, 50.0}, []any{11.0, 50.0}, []any{11.0, 51.0}, []any{10.0, 50.0}},
	}
	got, err := FlattenCoordinates(poly)
	require.NoError(t, err)
	assert.Equal(t, []Coord{{50, 10}, {50, 11}, {51, 11}, {50, 10}}, got)
}

func TestFlattenMalformed(t *testing.T) {
	_, err := FlattenCoordinates([]any{1.0})
	assert.ErrorIs(t, err, ErrInvalidGeometry)
	_, err = FlattenCoordinates("nope")
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestToWKT(t *testing.T) {
	s, err := ToWKT("Polygon", []Coord{{1, 2}, {3, 4}, {1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "POLYGON ((1 2, 3 4, 1 2))", s)

	s, err = ToWKT("LineString", []Coord{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.Equal(t, "LINESTRING (1 2, 3 4)", s)

	s, err = ToWKT("linestring", []Coord{{1.5, -2.25}})
	require.NoError(t, err)
	assert.Equal(t, "LINESTRING (1.5 -2.25)", s)

	_, err = ToWKT("Point", []Coord{{1, 2}})
	assert.True(t, errors.Is(err, ErrInvalidGeometry))
}

const twoFeatures = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[1,2]}},
 {"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[2,1],[4,3],[2,1]]]}}
]}`

func TestLocationWKT(t *testing.T) {
	s, err := LocationWKT([]byte(twoFeatures))
	require.NoError(t, err)
	assert.Equal(t, "POLYGON ((1 2, 3 4, 1 2))", s)
}

func TestGeofenceFeatureCardinality(t *testing.T) {
	_, err := LocationWKT([]byte(`{"type":"FeatureCollection","features":[]}`))
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	two := `{"type":"FeatureCollection","features":[
	 {"type":"Feature","geometry":{"type":"LineString","coordinates":[[1,2],[3,4]]}},
	 {"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[1,2],[3,4],[1,2]]]}}]}`
	_, err = LocationWKT([]byte(two))
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = LocationWKT([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestPointFeatureCollection(t *testing.T) {
	b, err := PointFeatureCollection(40.5, -74.25)
	require.NoError(t, err)
	fc, err := ParseFeatureCollection(b)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Point", fc.Features[0].Geometry.Type)
	assert.Equal(t, []any{-74.25, 40.5}, fc.Features[0].Geometry.Coordinates)
}
