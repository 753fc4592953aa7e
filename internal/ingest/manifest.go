// Package ingest loads permit datasets into the store. Each dataset is
// described by a yaml manifest: where to fetch it, what format it
// arrives in, and how its columns map onto permit locations.
package ingest

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/fieldscope/permitmap/internal/model"
)

// Supported manifest formats.
const (
	FormatCSV       = "csv"
	FormatXLSX      = "xlsx"
	FormatXML       = "xml"
	FormatJSON      = "json"
	FormatShapefile = "shapefile"
)

// Manifest describes one permit dataset.
type Manifest struct {
	// Name identifies the dataset; it becomes the locations' Dataset
	// field and the cursor key.
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Format string `yaml:"format"`

	// JobType and Priority are defaults applied to rows whose mapped
	// columns are absent or empty.
	JobType  string `yaml:"job_type"`
	Priority string `yaml:"priority"`

	// ZipEntry names the archive member to parse when the download is a
	// zip. Empty with a zip URL means: pick by format extension.
	ZipEntry string `yaml:"zip_entry"`

	CSV  CSVSpec  `yaml:"csv"`
	XLSX XLSXSpec `yaml:"xlsx"`
	XML  XMLSpec  `yaml:"xml"`

	Columns ColumnMap `yaml:"columns"`

	// DateLayouts are tried in order when parsing the updated column.
	DateLayouts []string `yaml:"date_layouts"`
}

// CSVSpec holds csv-specific parsing options.
type CSVSpec struct {
	Delimiter string `yaml:"delimiter"`
	Comment   string `yaml:"comment"`
}

// XLSXSpec holds xlsx-specific parsing options.
type XLSXSpec struct {
	Sheet      string `yaml:"sheet"`
	SheetIndex int    `yaml:"sheet_index"`
}

// XMLSpec holds xml-specific parsing options.
type XMLSpec struct {
	// Element is the local name of the repeated record element.
	Element string `yaml:"element"`
}

// ColumnMap names the source fields that feed each location field.
// Source names are matched case-insensitively against csv/xlsx headers,
// xml child elements, json object keys, or dbf attribute names.
type ColumnMap struct {
	RecordID    string   `yaml:"record_id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Lat         string   `yaml:"lat"`
	Lng         string   `yaml:"lng"`
	JobType     string   `yaml:"job_type"`
	Priority    string   `yaml:"priority"`
	Status      string   `yaml:"status"`
	Updated     string   `yaml:"updated"`
	Keywords    []string `yaml:"keywords"`
}

// defaultDateLayouts cover the formats seen across county open-data
// portals.
var defaultDateLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// LoadManifest reads and validates a dataset manifest. The yaml carries
// a top-level "dataset" key.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read manifest %s", path)
	}

	var wrapper struct {
		Dataset Manifest `yaml:"dataset"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "ingest: parse manifest %s", path)
	}

	m := &wrapper.Dataset
	if m.Priority == "" {
		m.Priority = model.PriorityMid
	}
	if len(m.DateLayouts) == 0 {
		m.DateLayouts = defaultDateLayouts
	}
	if err := m.Validate(); err != nil {
		return nil, eris.Wrapf(err, "ingest: manifest %s", path)
	}
	return m, nil
}

// Validate rejects manifests that cannot produce locations.
func (m *Manifest) Validate() error {
	var problems []string

	if m.Name == "" {
		problems = append(problems, "name is required")
	}
	if m.URL == "" {
		problems = append(problems, "url is required")
	}

	switch m.Format {
	case FormatCSV, FormatXLSX, FormatJSON, FormatShapefile:
	case FormatXML:
		if m.XML.Element == "" {
			problems = append(problems, "xml.element is required for xml datasets")
		}
	case "":
		problems = append(problems, "format is required")
	default:
		problems = append(problems, "format must be csv, xlsx, xml, json, or shapefile")
	}

	if m.Format != FormatShapefile {
		if m.Columns.RecordID == "" {
			problems = append(problems, "columns.record_id is required")
		}
		if m.Columns.Lat == "" || m.Columns.Lng == "" {
			problems = append(problems, "columns.lat and columns.lng are required")
		}
	}

	if !model.ValidPriority(m.Priority) {
		problems = append(problems, "priority must be low, mid, or high")
	}

	if len(problems) > 0 {
		return eris.New(strings.Join(problems, "; "))
	}
	return nil
}
