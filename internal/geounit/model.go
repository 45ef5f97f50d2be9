// Package geounit models census geographic units (tracts and counties),
// parses their TIGER/Line boundary shapefiles, and answers containment
// queries against their polygons.
package geounit

import (
	"github.com/twpayne/go-geom"
)

// Level distinguishes the two kinds of geographic unit the pipeline
// designates: 11-digit census tracts and 5-digit counties.
type Level string

const (
	LevelTract  Level = "tract"
	LevelCounty Level = "county"
)

// BBox is a geographic bounding box in lng/lat order.
type BBox struct {
	MinLng float64 `json:"min_lng"`
	MinLat float64 `json:"min_lat"`
	MaxLng float64 `json:"max_lng"`
	MaxLat float64 `json:"max_lat"`
}

// Contains reports whether the point falls inside the box. Used as the
// coarse filter before the exact polygon test.
func (b BBox) Contains(lng, lat float64) bool {
	return lng >= b.MinLng && lng <= b.MaxLng && lat >= b.MinLat && lat <= b.MaxLat
}

// GeographicUnit is a census tract or county: immutable reference data
// refreshed only when upstream boundary vintages change.
type GeographicUnit struct {
	GEOID       string             `json:"geoid"`
	Level       Level              `json:"level"`
	StateFIPS   string             `json:"state_fips"`
	CountyFIPS  string             `json:"county_fips"`
	Name        string             `json:"name,omitempty"`
	LandArea    int64              `json:"aland"`
	WaterArea   int64              `json:"awater"`
	CentroidLat float64            `json:"centroid_lat"`
	CentroidLng float64            `json:"centroid_lng"`
	Geometry    *geom.MultiPolygon `json:"-"`
	BBox        BBox               `json:"bbox"`
}

// Contains reports whether the point lies within the unit's boundary.
// The bounding box rejects most candidates before the exact ray-cast test.
func (u *GeographicUnit) Contains(lng, lat float64) bool {
	if !u.BBox.Contains(lng, lat) {
		return false
	}
	if u.Geometry == nil {
		return false
	}
	return multiPolygonContains(u.Geometry, lng, lat)
}
