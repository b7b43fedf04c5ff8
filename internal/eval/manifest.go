package eval

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Row is one manifest entry.
type Row struct {
	Path             string `json:"path"`
	Label            string `json:"label"`
	Set              string `json:"set"`
	GeneratorType    string `json:"generator_type"`
	CompressionLevel string `json:"compression_level"`
}

// Filter selects manifest rows. Empty fields match everything.
type Filter struct {
	GeneratorType    string
	CompressionLevel string
	Set              string
}

func (f Filter) Match(r Row) bool {
	if f.GeneratorType != "" && r.GeneratorType != f.GeneratorType {
		return false
	}
	if f.CompressionLevel != "" && r.CompressionLevel != f.CompressionLevel {
		return false
	}
	if f.Set != "" && r.Set != f.Set {
		return false
	}
	return true
}

// Apply returns the rows matching f, in manifest order.
func (f Filter) Apply(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// LoadManifest reads a CSV manifest with a header row. Only the path column
// is required; unknown columns are ignored.
func LoadManifest(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := ReadManifest(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return rows, nil
}

func ReadManifest(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []Row{}, nil
	}
	if err != nil {
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	if _, ok := cols["path"]; !ok {
		return nil, errors.New(`manifest has no "path" column`)
	}
	get := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	rows := []Row{}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := Row{
			Path:             get(rec, "path"),
			Label:            get(rec, "label"),
			Set:              get(rec, "set"),
			GeneratorType:    get(rec, "generator_type"),
			CompressionLevel: get(rec, "compression_level"),
		}
		if row.Path == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
