package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldscope/permitmap/internal/geo"
	"github.com/fieldscope/permitmap/internal/model"
)

// fieldSource yields raw field values by source column name. Each input
// format adapts its records to this so one mapper serves them all.
type fieldSource interface {
	Field(name string) (string, bool)
}

// headerIndex maps lowercased column names to positions in a row.
type headerIndex map[string]int

func newHeaderIndex(header []string) headerIndex {
	idx := make(headerIndex, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return idx
}

// headerRow adapts one positional record (csv, xlsx, dbf) to fieldSource.
type headerRow struct {
	idx    headerIndex
	record []string
}

func (r headerRow) Field(name string) (string, bool) {
	i, ok := r.idx[strings.ToLower(name)]
	if !ok || i >= len(r.record) {
		return "", false
	}
	return strings.TrimSpace(r.record[i]), true
}

// kvRecord adapts a name-value record (xml, json) to fieldSource.
type kvRecord map[string]string

func (r kvRecord) Field(name string) (string, bool) {
	v, ok := r[strings.ToLower(name)]
	return strings.TrimSpace(v), ok
}

// rowMapper turns source records into permit locations per a manifest's
// column map.
type rowMapper struct {
	m *Manifest
}

func newRowMapper(m *Manifest) *rowMapper {
	return &rowMapper{m: m}
}

// Map builds a location from one record. Rows without a usable record id
// or coordinate are rejected; everything else degrades to defaults.
func (rm *rowMapper) Map(src fieldSource) (*model.Location, error) {
	recordID, _ := src.Field(rm.m.Columns.RecordID)
	if recordID == "" {
		return nil, eris.New("ingest: row has no record id")
	}

	pt, err := rm.parsePoint(src)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: record %s", recordID)
	}

	return rm.mapWithPoint(src, pt, recordID), nil
}

// mapWithPoint fills the non-coordinate fields; shapefile records use it
// directly with a geometry-derived point.
func (rm *rowMapper) mapWithPoint(src fieldSource, pt geo.Point, recordID string) *model.Location {
	cols := rm.m.Columns

	loc := &model.Location{
		Dataset:  rm.m.Name,
		RecordID: recordID,
		Lat:      pt.Lat,
		Lng:      pt.Lng,
		JobType:  rm.m.JobType,
		Priority: rm.m.Priority,
	}

	if v, ok := src.Field(cols.Name); ok {
		loc.Name = v
	}
	if v, ok := src.Field(cols.Description); ok {
		loc.Description = v
	}
	if v, ok := src.Field(cols.JobType); ok && v != "" {
		loc.JobType = strings.ToLower(v)
	}
	if v, ok := src.Field(cols.Priority); ok {
		if p := strings.ToLower(v); model.ValidPriority(p) {
			loc.Priority = p
		}
	}
	if v, ok := src.Field(cols.Status); ok {
		loc.PermitStatus = v
	}
	if v, ok := src.Field(cols.Updated); ok && v != "" {
		if ts, err := rm.parseDate(v); err == nil {
			loc.PermitLastUpdated = ts
		}
	}
	loc.Keywords = rm.collectKeywords(src)

	return loc
}

func (rm *rowMapper) parsePoint(src fieldSource) (geo.Point, error) {
	rawLat, _ := src.Field(rm.m.Columns.Lat)
	rawLng, _ := src.Field(rm.m.Columns.Lng)
	if rawLat == "" || rawLng == "" {
		return geo.Point{}, eris.New("missing coordinates")
	}

	lat, err := strconv.ParseFloat(rawLat, 64)
	if err != nil {
		return geo.Point{}, eris.Wrapf(err, "parse lat %q", rawLat)
	}
	lng, err := strconv.ParseFloat(rawLng, 64)
	if err != nil {
		return geo.Point{}, eris.Wrapf(err, "parse lng %q", rawLng)
	}

	pt := geo.Point{Lat: lat, Lng: lng}
	if !pt.Valid() || (lat == 0 && lng == 0) {
		// Null island rows are ungeocoded records, not real sites.
		return geo.Point{}, eris.Errorf("coordinates out of range: %g,%g", lat, lng)
	}
	return pt, nil
}

func (rm *rowMapper) parseDate(v string) (time.Time, error) {
	for _, layout := range rm.m.DateLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("ingest: unparseable date %q", v)
}

// collectKeywords gathers the configured keyword fields, splitting on
// commas and semicolons, lowercasing, and deduplicating in order.
func (rm *rowMapper) collectKeywords(src fieldSource) []string {
	var out []string
	seen := make(map[string]bool)
	for _, field := range rm.m.Columns.Keywords {
		v, ok := src.Field(field)
		if !ok || v == "" {
			continue
		}
		for _, part := range strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ';'
		}) {
			kw := strings.ToLower(strings.TrimSpace(part))
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			out = append(out, kw)
		}
	}
	return out
}
