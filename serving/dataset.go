package serving

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	spendErrors "spendwise/pkg/errors"
)

// Dataset is an evaluation file read into flat rows. Column names are
// trimmed and NFKC-normalized; values keep their decoded form so the
// ingestion coercion rules apply to them.
type Dataset struct {
	Path    string
	Columns []string
	Rows    []map[string]any
}

// HasColumn reports whether any row carries name.
func (d *Dataset) HasColumn(name string) bool {
	for _, c := range d.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// LoadDataset reads a JSON array of flat objects or a CSV file with a header
// row. The format follows the extension; anything else is sniffed. A byte
// order mark (UTF-8 or UTF-16) is honored and stripped.
func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, spendErrors.NewDatasetNotFoundError("LoadDataset", path, err)
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(transform.NewReader(f, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	var ds *Dataset
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		ds, err = readJSONDataset(r)
	case ".csv":
		ds, err = readCSVDataset(r)
	default:
		if looksLikeJSON(r) {
			ds, err = readJSONDataset(r)
		} else {
			ds, err = readCSVDataset(r)
		}
	}
	if err != nil {
		return nil, err
	}
	ds.Path = path
	return ds, nil
}

func looksLikeJSON(r *bufio.Reader) bool {
	peek, _ := r.Peek(512)
	trimmed := bytes.TrimLeft(peek, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// NormalizeColumn trims a column name and applies NFKC so that
// full-width or composed variants match the canonical names.
func NormalizeColumn(name string) string {
	return norm.NFKC.String(strings.TrimSpace(name))
}

func readJSONDataset(r io.Reader) (*Dataset, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, spendErrors.NewValidationError("LoadDataset", "dataset must be a JSON array of flat objects: "+err.Error())
	}

	ds := &Dataset{Rows: make([]map[string]any, 0, len(raw))}
	seen := make(map[string]bool)
	for _, obj := range raw {
		row := make(map[string]any, len(obj))
		for k, v := range obj {
			name := NormalizeColumn(k)
			row[name] = v
			if !seen[name] {
				seen[name] = true
				ds.Columns = append(ds.Columns, name)
			}
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func readCSVDataset(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return &Dataset{}, nil
	}
	if err != nil {
		return nil, spendErrors.NewValidationError("LoadDataset", "unreadable CSV header: "+err.Error())
	}
	ds := &Dataset{Columns: make([]string, len(header))}
	for i, h := range header {
		ds.Columns[i] = NormalizeColumn(h)
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, spendErrors.NewValidationError("LoadDataset", "unreadable CSV row: "+err.Error())
		}
		row := make(map[string]any, len(ds.Columns))
		for i, col := range ds.Columns {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}
