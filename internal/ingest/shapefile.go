package ingest

import (
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/model"
)

// parseShapefile reads permit sites from a shapefile: dbf attributes
// feed the column map, the shape geometry supplies the coordinate. A
// polygon footprint collapses to its bounding-box center. Returns the
// mapped locations and the number of records skipped.
func parseShapefile(path string, m *Manifest) ([]model.Location, int, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "ingest: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	header := make([]string, len(fields))
	for i, f := range fields {
		header[i] = strings.TrimRight(f.String(), "\x00")
	}
	idx := newHeaderIndex(header)

	mapper := newRowMapper(m)
	var locs []model.Location
	var skipped int

	for i := 0; reader.Next(); i++ {
		_, shape := reader.Shape()

		pt, ok := shapePoint(shape)
		if !ok || !pt.Valid() {
			skipped++
			continue
		}

		record := make([]string, len(fields))
		for j := range fields {
			record[j] = strings.TrimSpace(strings.TrimRight(reader.Attribute(j), "\x00"))
		}
		src := headerRow{idx: idx, record: record}

		recordID, _ := src.Field(m.Columns.RecordID)
		if recordID == "" {
			// Shapefiles without an id attribute fall back to the
			// record number, which is stable for a given published file.
			recordID = strconv.Itoa(i)
		}

		locs = append(locs, *mapper.mapWithPoint(src, pt, recordID))
	}

	if skipped > 0 {
		zap.L().Debug("ingest: skipped shapefile records",
			zap.String("dataset", m.Name),
			zap.Int("skipped", skipped))
	}
	return locs, skipped, nil
}

// shapePoint reduces a shapefile geometry to one representative WGS84
// coordinate.
func shapePoint(shape shp.Shape) (geo.Point, bool) {
	g := shapeGeom(shape)
	if g == nil {
		return geo.Point{}, false
	}
	b := g.Bounds()
	return geo.Point{
		Lat: (b.Min(1) + b.Max(1)) / 2,
		Lng: (b.Min(0) + b.Max(0)) / 2,
	}, true
}

// shapeGeom converts the go-shp shape types permit datasets carry into
// go-geom geometries. Unsupported or empty shapes return nil.
func shapeGeom(shape shp.Shape) geom.T {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y}).SetSRID(4326)

	case *shp.PolyLine:
		if s == nil || len(s.Points) == 0 {
			return nil
		}
		return geom.NewLineStringFlat(geom.XY, flatPoints(s.Points)).SetSRID(4326)

	case *shp.Polygon:
		if s == nil || len(s.Points) == 0 {
			return nil
		}
		ring := geom.NewLinearRingFlat(geom.XY, flatPoints(s.Points))
		poly := geom.NewPolygon(geom.XY).SetSRID(4326)
		if err := poly.Push(ring); err != nil {
			return nil
		}
		return poly

	default:
		return nil
	}
}

func flatPoints(pts []shp.Point) []float64 {
	flat := make([]float64, 0, len(pts)*2)
	for _, p := range pts {
		flat = append(flat, p.X, p.Y)
	}
	return flat
}
