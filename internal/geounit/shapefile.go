package geounit

import (
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ParseShapefile reads a TIGER/Line tract or county shapefile and returns
// the geographic units it contains. Records with unparseable geometry are
// skipped with a debug log rather than failing the whole state.
func ParseShapefile(shpPath string, level Level) ([]GeographicUnit, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "geounit: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	// Build field name → index map. DBF field names are padded with NULs.
	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToUpper(name)] = i
	}

	attr := func(name string) string {
		idx, ok := fieldIdx[name]
		if !ok {
			return ""
		}
		val := strings.TrimRight(reader.Attribute(idx), "\x00")
		return strings.TrimSpace(val)
	}

	var units []GeographicUnit
	var skipped int

	for reader.Next() {
		_, shape := reader.Shape()

		poly, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}
		mp := shapeToMultiPolygon(poly)
		if mp == nil {
			skipped++
			continue
		}

		geoid := attr("GEOID")
		if geoid == "" {
			skipped++
			continue
		}

		unit := GeographicUnit{
			GEOID:       geoid,
			Level:       level,
			StateFIPS:   attr("STATEFP"),
			CountyFIPS:  attr("COUNTYFP"),
			Name:        attr("NAMELSAD"),
			LandArea:    parseInt64(attr("ALAND")),
			WaterArea:   parseInt64(attr("AWATER")),
			CentroidLat: parseFloat(attr("INTPTLAT")),
			CentroidLng: parseFloat(attr("INTPTLON")),
			Geometry:    mp,
			BBox:        boundsToBBox(mp),
		}
		if unit.Name == "" {
			unit.Name = attr("NAME")
		}
		units = append(units, unit)
	}

	if skipped > 0 {
		zap.L().Debug("geounit: skipped shapefile records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
		)
	}

	return units, nil
}

func parseInt64(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseFloat handles TIGER's explicit leading "+" on latitudes.
func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimPrefix(s, "+"), 64)
	if err != nil {
		return 0
	}
	return v
}
