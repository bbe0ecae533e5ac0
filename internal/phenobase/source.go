package phenobase

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrMalformedTable indicates the file does not carry the expected two-row
// header. Mid-write reads surface as this or as a csv parse error; both are
// transient from the watcher's point of view.
var ErrMalformedTable = errors.New("phenobase: malformed table")

// Source reads the phenobase CSV from disk.
type Source struct {
	// Path locates the CSV file.
	Path string
	// IdentityColumn designates the unique-per-row column used for diffing.
	// Empty means DefaultIdentityColumn.
	IdentityColumn string
}

func (s Source) identityColumn() string {
	if strings.TrimSpace(s.IdentityColumn) == "" {
		return DefaultIdentityColumn
	}
	return s.IdentityColumn
}

// Count returns the number of data rows currently in the table.
func (s Source) Count() (int, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return 0, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()

	reader := newTableReader(f)
	rows := 0
	for {
		_, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read table: %w", err)
		}
		rows++
	}
	if rows < 2 {
		return 0, fmt.Errorf("%w: %d header rows", ErrMalformedTable, rows)
	}
	return rows - 2, nil
}

// ReadAll returns every data row in table order.
func (s Source) ReadAll() ([]Record, error) {
	records, _, err := s.read()
	return records, err
}

// Tail returns the last n data rows in table order. It returns an error when
// the table holds fewer than n rows, so a caller diffing against a stale
// count notices instead of silently re-reading rows it already saw.
func (s Source) Tail(n int) ([]Record, error) {
	if n < 0 {
		return nil, fmt.Errorf("phenobase: negative tail %d", n)
	}
	records, _, err := s.read()
	if err != nil {
		return nil, err
	}
	if len(records) < n {
		return nil, fmt.Errorf("%w: want tail %d of %d rows", ErrMalformedTable, n, len(records))
	}
	return records[len(records)-n:], nil
}

// Fields returns the field-name header row.
func (s Source) Fields() ([]string, error) {
	_, fields, err := s.read()
	return fields, err
}

func (s Source) read() ([]Record, []string, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open table: %w", err)
	}
	defer f.Close()

	reader := newTableReader(f)

	// Category row: present but carries no field names.
	if _, err := reader.Read(); err != nil {
		return nil, nil, fmt.Errorf("%w: missing category row", ErrMalformedTable)
	}
	fields, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: missing field-name row", ErrMalformedTable)
	}

	index := make(map[string]int, len(fields))
	for i, name := range fields {
		index[strings.TrimSpace(name)] = i
	}
	identity := s.identityColumn()
	if _, ok := index[identity]; !ok {
		return nil, nil, fmt.Errorf("%w: identity column %q not present", ErrMalformedTable, identity)
	}

	var records []Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read table row: %w", err)
		}
		record, err := recordFromRow(row, fields, index, identity)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, record)
	}
	return records, fields, nil
}

func recordFromRow(row []string, fields []string, index map[string]int, identityColumn string) (Record, error) {
	at := func(column string) string {
		i, ok := index[column]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	identity := at(identityColumn)
	if identity == "" {
		return Record{}, fmt.Errorf("%w: empty identity value", ErrMalformedTable)
	}

	position := -1
	if raw := at(PositionColumn); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Record{}, fmt.Errorf("%w: position %q", ErrMalformedTable, raw)
		}
		position = parsed
	}

	patches := make(map[string]string)
	for _, name := range fields {
		name = strings.TrimSpace(name)
		if PatchType(name) == "" {
			continue
		}
		if value := at(name); value != "" {
			patches[name] = value
		}
	}

	filename := at(FilenameColumn)
	return Record{
		Identity:   identity,
		Filename:   filename,
		Position:   position,
		PatchPaths: patches,
		Captured:   ParseCaptureInfo(filename),
	}, nil
}

func newTableReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	// The category row has its own column arity.
	reader.FieldsPerRecord = -1
	return reader
}
