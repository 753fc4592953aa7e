package ingest

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldscope/permitmap/internal/fetcher"
	"github.com/fieldscope/permitmap/internal/metrics"
	"github.com/fieldscope/permitmap/internal/model"
	"github.com/fieldscope/permitmap/internal/store"
)

// upsertBatchSize is how many locations are sent to the store at once.
const upsertBatchSize = 500

// ftpDownloader is the slice of the FTP fetcher the runner needs.
type ftpDownloader interface {
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Summary reports one dataset run.
type Summary struct {
	Dataset    string        `json:"dataset"`
	NotChanged bool          `json:"not_changed"`
	Parsed     int           `json:"parsed"`
	Invalid    int           `json:"invalid"`
	Upserted   int64         `json:"upserted"`
	Duration   time.Duration `json:"duration"`
}

// Runner fetches datasets described by manifests and loads them into
// the store.
type Runner struct {
	store   store.Store
	http    fetcher.Fetcher
	ftp     ftpDownloader
	tempDir string
}

func NewRunner(st store.Store, httpF fetcher.Fetcher, ftpF ftpDownloader, tempDir string) *Runner {
	return &Runner{store: st, http: httpF, ftp: ftpF, tempDir: tempDir}
}

// RunManifests loads every manifest in order. A dataset failure is
// logged and counted but does not stop the remaining datasets; the
// returned error reflects only manifest loading and context ends.
func (r *Runner) RunManifests(ctx context.Context, paths []string) ([]Summary, error) {
	log := zap.L().With(zap.String("component", "ingest.runner"))

	summaries := make([]Summary, 0, len(paths))
	var failed int
	for _, path := range paths {
		if ctx.Err() != nil {
			return summaries, eris.Wrap(ctx.Err(), "ingest: run canceled")
		}

		m, err := LoadManifest(path)
		if err != nil {
			return summaries, err
		}

		dsLog := log.With(zap.String("dataset", m.Name))
		dsLog.Info("starting dataset load")

		sum, err := r.runDataset(ctx, m)
		if err != nil {
			dsLog.Error("dataset load failed", zap.Error(err))
			failed++
			continue
		}

		dsLog.Info("dataset load complete",
			zap.Int("parsed", sum.Parsed),
			zap.Int("invalid", sum.Invalid),
			zap.Int64("upserted", sum.Upserted),
			zap.Bool("not_changed", sum.NotChanged),
			zap.Duration("elapsed", sum.Duration))
		summaries = append(summaries, sum)
	}

	if failed > 0 {
		return summaries, eris.Errorf("ingest: %d of %d datasets failed", failed, len(paths))
	}
	return summaries, nil
}

func (r *Runner) runDataset(ctx context.Context, m *Manifest) (Summary, error) {
	start := time.Now()
	sum := Summary{Dataset: m.Name}

	path, newCursor, changed, err := r.fetch(ctx, m)
	if err != nil {
		return sum, err
	}
	if !changed {
		sum.NotChanged = true
		sum.Duration = time.Since(start)
		return sum, nil
	}
	defer os.Remove(path) //nolint:errcheck

	if path, err = r.resolveArchive(path, m); err != nil {
		return sum, err
	}

	if err := r.load(ctx, m, path, &sum); err != nil {
		return sum, err
	}

	if newCursor != "" {
		if err := r.store.SetDatasetCursor(ctx, m.Name, newCursor); err != nil {
			return sum, err
		}
	}

	sum.Duration = time.Since(start)
	return sum, nil
}

// fetch downloads the dataset into the temp dir. For HTTP sources the
// stored ETag cursor suppresses re-downloads of unchanged files.
func (r *Runner) fetch(ctx context.Context, m *Manifest) (path, newCursor string, changed bool, err error) {
	u, err := url.Parse(m.URL)
	if err != nil {
		return "", "", false, eris.Wrapf(err, "ingest: parse url for %s", m.Name)
	}

	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return "", "", false, eris.Wrap(err, "ingest: create temp dir")
	}
	path = filepath.Join(r.tempDir, m.Name+downloadExt(u.Path, m))

	if u.Scheme == "ftp" {
		if _, err := r.ftp.DownloadToFile(ctx, m.URL, path); err != nil {
			return "", "", false, eris.Wrapf(err, "ingest: ftp download for %s", m.Name)
		}
		return path, "", true, nil
	}

	etag, err := r.store.DatasetCursor(ctx, m.Name)
	if err != nil {
		return "", "", false, err
	}

	body, newETag, changed, err := r.http.DownloadIfChanged(ctx, m.URL, etag)
	if err != nil {
		return "", "", false, eris.Wrapf(err, "ingest: download for %s", m.Name)
	}
	if !changed {
		return "", "", false, nil
	}
	defer body.Close() //nolint:errcheck

	out, err := os.Create(path)
	if err != nil {
		return "", "", false, eris.Wrap(err, "ingest: create download file")
	}
	defer out.Close() //nolint:errcheck
	if _, err := io.Copy(out, body); err != nil {
		return "", "", false, eris.Wrapf(err, "ingest: write download for %s", m.Name)
	}

	return path, newETag, true, nil
}

// downloadExt preserves the source extension so archive detection works
// on the temp file name.
func downloadExt(urlPath string, m *Manifest) string {
	if ext := filepath.Ext(urlPath); ext != "" {
		return ext
	}
	if m.Format == FormatShapefile {
		return ".zip" // shapefiles ship zipped
	}
	return "." + m.Format
}

// resolveArchive unpacks zip downloads and returns the member file to
// parse.
func (r *Runner) resolveArchive(path string, m *Manifest) (string, error) {
	if filepath.Ext(path) != ".zip" && m.ZipEntry == "" {
		return path, nil
	}

	destDir := strings.TrimSuffix(path, filepath.Ext(path))
	if m.ZipEntry != "" {
		return fetcher.ExtractZIPFile(path, m.ZipEntry, destDir)
	}

	if m.Format == FormatShapefile {
		extracted, err := fetcher.ExtractZIP(path, destDir)
		if err != nil {
			return "", err
		}
		for _, f := range extracted {
			if strings.EqualFold(filepath.Ext(f), ".shp") {
				return f, nil
			}
		}
		return "", eris.Errorf("ingest: no .shp member in archive for %s", m.Name)
	}

	return fetcher.ExtractZIPSingle(path, destDir)
}

// load parses the downloaded file and upserts locations in batches.
func (r *Runner) load(ctx context.Context, m *Manifest, path string, sum *Summary) error {
	mapper := newRowMapper(m)
	batch := make([]model.Location, 0, upsertBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.store.UpsertLocations(ctx, batch)
		if err != nil {
			return err
		}
		sum.Upserted += n
		metrics.IngestRows.WithLabelValues(m.Name, "upserted").Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}

	add := func(loc *model.Location, err error) error {
		if err != nil {
			sum.Invalid++
			metrics.IngestRows.WithLabelValues(m.Name, "invalid").Inc()
			zap.L().Debug("ingest: dropping row", zap.String("dataset", m.Name), zap.Error(err))
			return nil
		}
		sum.Parsed++
		batch = append(batch, *loc)
		if len(batch) >= upsertBatchSize {
			return flush()
		}
		return nil
	}

	switch m.Format {
	case FormatCSV:
		if err := r.loadCSV(ctx, m, path, mapper, add); err != nil {
			return err
		}
	case FormatXLSX:
		if err := r.loadXLSX(m, path, mapper, add); err != nil {
			return err
		}
	case FormatXML:
		if err := r.loadXML(ctx, m, path, mapper, add); err != nil {
			return err
		}
	case FormatJSON:
		if err := r.loadJSON(ctx, m, path, mapper, add); err != nil {
			return err
		}
	case FormatShapefile:
		locs, skipped, err := parseShapefile(path, m)
		if err != nil {
			return err
		}
		sum.Invalid += skipped
		for i := range locs {
			if err := add(&locs[i], nil); err != nil {
				return err
			}
		}
	default:
		return eris.Errorf("ingest: unsupported format %q", m.Format)
	}

	return flush()
}

func (r *Runner) loadCSV(ctx context.Context, m *Manifest, path string, mapper *rowMapper, add func(*model.Location, error) error) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "ingest: open csv for %s", m.Name)
	}
	defer f.Close() //nolint:errcheck

	headerCh := make(chan []string, 1)
	opts := fetcher.CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
		TrimSpace: true,
	}
	if m.CSV.Delimiter != "" {
		opts.Delimiter = rune(m.CSV.Delimiter[0])
	}
	if m.CSV.Comment != "" {
		opts.Comment = rune(m.CSV.Comment[0])
	}

	rowCh, errCh := fetcher.StreamCSV(ctx, f, opts)

	var idx headerIndex
	for record := range rowCh {
		if idx == nil {
			idx = newHeaderIndex(<-headerCh)
		}
		loc, err := mapper.Map(headerRow{idx: idx, record: record})
		if err := add(loc, err); err != nil {
			return err
		}
	}
	return <-errCh
}

func (r *Runner) loadXLSX(m *Manifest, path string, mapper *rowMapper, add func(*model.Location, error) error) error {
	headerCh := make(chan []string, 1)
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{
		SheetName:  m.XLSX.Sheet,
		SheetIndex: m.XLSX.SheetIndex,
		SkipRows:   1,
		HeaderCh:   headerCh,
	})
	if err != nil {
		return eris.Wrapf(err, "ingest: read xlsx for %s", m.Name)
	}
	if len(rows) == 0 {
		return nil
	}

	idx := newHeaderIndex(<-headerCh)
	for _, record := range rows {
		loc, err := mapper.Map(headerRow{idx: idx, record: record})
		if err := add(loc, err); err != nil {
			return err
		}
	}
	return nil
}

// xmlPermit captures one record element's children as name-value pairs,
// whatever the feed's schema calls them.
type xmlPermit struct {
	Fields []xmlField `xml:",any"`
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

func (p xmlPermit) record() kvRecord {
	rec := make(kvRecord, len(p.Fields))
	for _, f := range p.Fields {
		rec[strings.ToLower(f.XMLName.Local)] = f.Value
	}
	return rec
}

func (r *Runner) loadXML(ctx context.Context, m *Manifest, path string, mapper *rowMapper, add func(*model.Location, error) error) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "ingest: open xml for %s", m.Name)
	}
	defer f.Close() //nolint:errcheck

	outCh, errCh := fetcher.StreamXML[xmlPermit](ctx, f, m.XML.Element)
	for p := range outCh {
		loc, err := mapper.Map(p.record())
		if err := add(loc, err); err != nil {
			return err
		}
	}
	return <-errCh
}

func (r *Runner) loadJSON(ctx context.Context, m *Manifest, path string, mapper *rowMapper, add func(*model.Location, error) error) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "ingest: open json for %s", m.Name)
	}
	defer f.Close() //nolint:errcheck

	outCh, errCh := fetcher.DecodeJSONArray[map[string]any](ctx, f)
	for obj := range outCh {
		rec := make(kvRecord, len(obj))
		for k, v := range obj {
			rec[strings.ToLower(k)] = jsonString(v)
		}
		loc, err := mapper.Map(rec)
		if err := add(loc, err); err != nil {
			return err
		}
	}
	return <-errCh
}

// jsonString renders a decoded json value the way the column mapper
// expects: scalars as text, everything else empty.
func jsonString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return fmt.Sprintf("%t", val)
	case nil:
		return ""
	default:
		return ""
	}
}
