package geounit

import (
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"
)

// shapeToMultiPolygon converts a shapefile Polygon to a geom.MultiPolygon
// with SRID 4326. Returns nil for empty or malformed shapes.
func shapeToMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(4326)

	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		var end int32
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		} else {
			end = int32(len(p.Points))
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		ring := geom.NewLinearRingFlat(geom.XY, flat)
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			zap.L().Debug("geounit: skipping malformed polygon ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("geounit: skipping malformed polygon part", zap.Int32("part", i), zap.Error(err))
			continue
		}
	}

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// EncodeEWKB serializes a MultiPolygon as EWKB with SRID 4326 for storage.
func EncodeEWKB(mp *geom.MultiPolygon) ([]byte, error) {
	if mp == nil {
		return nil, nil
	}
	data, err := ewkb.Marshal(mp, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geounit: encode EWKB")
	}
	return data, nil
}

// DecodeEWKB deserializes stored EWKB bytes back into a MultiPolygon.
// Single polygons are promoted to a one-element MultiPolygon.
func DecodeEWKB(data []byte) (*geom.MultiPolygon, error) {
	if len(data) == 0 {
		return nil, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "geounit: decode EWKB")
	}
	switch t := g.(type) {
	case *geom.MultiPolygon:
		return t, nil
	case *geom.Polygon:
		mp := geom.NewMultiPolygon(geom.XY).SetSRID(t.SRID())
		if err := mp.Push(t); err != nil {
			return nil, eris.Wrap(err, "geounit: promote polygon")
		}
		return mp, nil
	default:
		return nil, eris.Errorf("geounit: unexpected geometry type %T", g)
	}
}

// boundsToBBox derives the unit bounding box from geometry bounds.
func boundsToBBox(mp *geom.MultiPolygon) BBox {
	if mp == nil {
		return BBox{}
	}
	b := mp.Bounds()
	return BBox{
		MinLng: b.Min(0),
		MinLat: b.Min(1),
		MaxLng: b.Max(0),
		MaxLat: b.Max(1),
	}
}

// multiPolygonContains performs an even-odd ray cast across every ring of
// every polygon. Counting crossings of interior rings as well makes holes
// fall outside without special-casing them.
func multiPolygonContains(mp *geom.MultiPolygon, lng, lat float64) bool {
	for i := 0; i < mp.NumPolygons(); i++ {
		poly := mp.Polygon(i)
		crossings := 0
		for r := 0; r < poly.NumLinearRings(); r++ {
			crossings += ringCrossings(poly.LinearRing(r), lng, lat)
		}
		if crossings%2 == 1 {
			return true
		}
	}
	return false
}

// ringCrossings counts how many ring edges a horizontal ray from the point
// toward +lng crosses.
func ringCrossings(ring *geom.LinearRing, lng, lat float64) int {
	coords := ring.FlatCoords()
	stride := ring.Stride()
	n := len(coords) / stride
	if n < 3 {
		return 0
	}

	crossings := 0
	for i := 0; i < n; i++ {
		x1 := coords[i*stride]
		y1 := coords[i*stride+1]
		j := (i + 1) % n
		x2 := coords[j*stride]
		y2 := coords[j*stride+1]

		if (y1 > lat) == (y2 > lat) {
			continue
		}
		// lng of the edge at the ray's latitude.
		xIntersect := x1 + (lat-y1)/(y2-y1)*(x2-x1)
		if xIntersect > lng {
			crossings++
		}
	}
	return crossings
}
