package geounit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

// square returns a unit MultiPolygon covering [minX,maxX]×[minY,maxY].
func square(minX, minY, maxX, maxY float64) *geom.MultiPolygon {
	mp := geom.NewMultiPolygon(geom.XY).SetSRID(4326)
	ring := geom.NewLinearRingFlat(geom.XY, []float64{
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY,
	})
	poly := geom.NewPolygon(geom.XY)
	if err := poly.Push(ring); err != nil {
		panic(err)
	}
	if err := mp.Push(poly); err != nil {
		panic(err)
	}
	return mp
}

// squareWithHole returns a square with a centered square hole.
func squareWithHole() *geom.MultiPolygon {
	mp := geom.NewMultiPolygon(geom.XY).SetSRID(4326)
	outer := geom.NewLinearRingFlat(geom.XY, []float64{
		0, 0, 10, 0, 10, 10, 0, 10, 0, 0,
	})
	hole := geom.NewLinearRingFlat(geom.XY, []float64{
		4, 4, 6, 4, 6, 6, 4, 6, 4, 4,
	})
	poly := geom.NewPolygon(geom.XY)
	if err := poly.Push(outer); err != nil {
		panic(err)
	}
	if err := poly.Push(hole); err != nil {
		panic(err)
	}
	if err := mp.Push(poly); err != nil {
		panic(err)
	}
	return mp
}

func TestMultiPolygonContains(t *testing.T) {
	mp := square(0, 0, 10, 10)
	assert.True(t, multiPolygonContains(mp, 5, 5))
	assert.False(t, multiPolygonContains(mp, 15, 5))
	assert.False(t, multiPolygonContains(mp, -1, -1))
}

func TestMultiPolygonContains_Hole(t *testing.T) {
	mp := squareWithHole()
	assert.True(t, multiPolygonContains(mp, 2, 2))
	assert.False(t, multiPolygonContains(mp, 5, 5), "point in hole is outside")
	assert.True(t, multiPolygonContains(mp, 7, 7))
}

func TestBBoxContains(t *testing.T) {
	b := BBox{MinLng: -77.1, MinLat: 38.8, MaxLng: -76.9, MaxLat: 39.0}
	assert.True(t, b.Contains(-77.0, 38.9))
	assert.False(t, b.Contains(-78.0, 38.9))
	assert.False(t, b.Contains(-77.0, 40.0))
}

func TestUnitContains_BBoxCoarseFilter(t *testing.T) {
	mp := square(0, 0, 10, 10)
	u := GeographicUnit{GEOID: "11001000100", Geometry: mp, BBox: boundsToBBox(mp)}

	assert.True(t, u.Contains(5, 5))
	assert.False(t, u.Contains(50, 50), "bbox rejects before ray cast")

	noGeom := GeographicUnit{BBox: BBox{MinLng: 0, MinLat: 0, MaxLng: 10, MaxLat: 10}}
	assert.False(t, noGeom.Contains(5, 5), "missing geometry never contains")
}

func TestBoundsToBBox(t *testing.T) {
	b := boundsToBBox(square(-77.1, 38.8, -76.9, 39.0))
	assert.InDelta(t, -77.1, b.MinLng, 1e-9)
	assert.InDelta(t, 38.8, b.MinLat, 1e-9)
	assert.InDelta(t, -76.9, b.MaxLng, 1e-9)
	assert.InDelta(t, 39.0, b.MaxLat, 1e-9)

	assert.Equal(t, BBox{}, boundsToBBox(nil))
}

func TestEncodeDecodeEWKB(t *testing.T) {
	mp := square(0, 0, 1, 1)

	data, err := EncodeEWKB(mp)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded, err := DecodeEWKB(data)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	assert.Equal(t, 1, decoded.NumPolygons())
	assert.Equal(t, 4326, decoded.SRID())
}

func TestEncodeEWKB_Nil(t *testing.T) {
	data, err := EncodeEWKB(nil)
	assert.NoError(t, err)
	assert.Nil(t, data)

	mp, err := DecodeEWKB(nil)
	assert.NoError(t, err)
	assert.Nil(t, mp)
}
