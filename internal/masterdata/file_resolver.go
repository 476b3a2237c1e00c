package masterdata

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/unklstewy/skyfeed/pkg/track"
)

// FileResolver answers aircraft lookups from a flat CSV database on disk.
// The file format is one quoted CSV record per line, a header line naming
// the columns, and data lines sorted ascending by the first column (the
// ICAO hex address, upper case). Sorting lets the resolver binary-search
// byte offsets instead of loading a multi-megabyte fleet list into memory.
//
// Recognized header names: icao24, registration, icaoaircrafttype,
// manufacturername, model, operator, operatoricao, owner. Unknown columns
// are skipped, so the common OpenSky aircraft-database export works as-is.
type FileResolver struct {
	path string

	mu   sync.Mutex
	file *os.File
	size int64

	// cols maps a field index in a data line to its meaning
	cols     map[int]string
	dataFrom int64
}

// NewFileResolver opens the database file and reads its header.
func NewFileResolver(path string) (*FileResolver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open aircraft database: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat aircraft database: %w", err)
	}

	r := &FileResolver{path: path, file: f, size: info.Size()}
	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// readHeader parses the first line and records the column layout.
func (r *FileResolver) readHeader() error {
	buf := make([]byte, 4096)
	n, err := r.file.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return fmt.Errorf("failed to read database header: %w", err)
	}
	nl := bytes.IndexByte(buf[:n], '\n')
	if nl < 0 {
		return fmt.Errorf("aircraft database has no header line")
	}
	r.dataFrom = int64(nl + 1)

	fields, err := parseCSVLine(string(buf[:nl]))
	if err != nil {
		return fmt.Errorf("failed to parse database header: %w", err)
	}

	r.cols = make(map[int]string)
	for i, name := range fields {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "icao24", "icao":
			r.cols[i] = "icao"
		case "registration", "reg":
			r.cols[i] = "reg"
		case "icaoaircrafttype", "typecode", "actype":
			r.cols[i] = "actype"
		case "manufacturername", "manufacturer", "man":
			r.cols[i] = "man"
		case "model", "mdl":
			r.cols[i] = "mdl"
		case "operator", "op":
			r.cols[i] = "op"
		case "operatoricao", "opicao":
			r.cols[i] = "opicao"
		case "owner":
			r.cols[i] = "owner"
		}
	}
	if len(r.cols) < 2 {
		return fmt.Errorf("aircraft database header has no recognizable columns")
	}
	return nil
}

// Name identifies the resolver in logs and status output.
func (r *FileResolver) Name() string {
	return "ac-db-file"
}

// Close releases the underlying file.
func (r *FileResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// Resolve looks up the aircraft by ICAO address. Only aircraft lookups
// for ICAO-keyed aircraft can be answered from the file; everything else
// is a definitive miss and moves on to the next resolver.
func (r *FileResolver) Resolve(_ context.Context, req Request) (track.StaticData, error) {
	if req.Kind != KindAircraft || req.Key.Type != track.KeyICAO {
		return track.StaticData{}, ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := r.seekLine(req.Key.Value)
	if err != nil {
		return track.StaticData{}, err
	}
	if line == "" {
		return track.StaticData{}, ErrNotFound
	}

	fields, err := parseCSVLine(line)
	if err != nil {
		return track.StaticData{}, fmt.Errorf("malformed database line for %s: %w", req.Key, err)
	}

	var data track.StaticData
	for i, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		switch r.cols[i] {
		case "reg":
			data.Registration = field
		case "actype":
			data.AcTypeICAO = field
		case "man":
			data.Manufacturer = field
		case "mdl":
			data.Model = field
		case "op":
			data.Operator = field
		case "opicao":
			data.OperatorICAO = field
		case "owner":
			if data.Operator == "" {
				data.Operator = field
			}
		}
	}
	return data, nil
}

// seekLine binary-searches the sorted data region for the line whose
// first field equals the wanted hex id. Returns "" when absent.
func (r *FileResolver) seekLine(icao string) (string, error) {
	want := strings.ToUpper(icao)
	lo, hi := r.dataFrom, r.size

	for lo < hi {
		mid := lo + (hi-lo)/2

		lineStart, err := r.startOfLine(mid)
		if err != nil {
			return "", err
		}
		line, next, err := r.readLineAt(lineStart)
		if err != nil {
			return "", err
		}
		id := firstField(line)

		switch {
		case id == want:
			return line, nil
		case id < want:
			if next >= hi {
				return "", nil
			}
			lo = next
		default:
			if lineStart <= r.dataFrom {
				return "", nil
			}
			hi = lineStart
		}
	}
	return "", nil
}

// startOfLine walks backwards from pos to the beginning of its line.
func (r *FileResolver) startOfLine(pos int64) (int64, error) {
	const step = 512
	for pos > r.dataFrom {
		from := pos - step
		if from < r.dataFrom {
			from = r.dataFrom
		}
		buf := make([]byte, pos-from)
		if _, err := r.file.ReadAt(buf, from); err != nil {
			return 0, fmt.Errorf("failed to read database: %w", err)
		}
		if nl := bytes.LastIndexByte(buf, '\n'); nl >= 0 {
			return from + int64(nl) + 1, nil
		}
		pos = from
	}
	return r.dataFrom, nil
}

// readLineAt reads the line starting at pos and returns it together with
// the offset of the following line.
func (r *FileResolver) readLineAt(pos int64) (string, int64, error) {
	var line []byte
	buf := make([]byte, 1024)
	for {
		n, err := r.file.ReadAt(buf, pos+int64(len(line)))
		if n > 0 {
			if nl := bytes.IndexByte(buf[:n], '\n'); nl >= 0 {
				line = append(line, buf[:nl]...)
				return string(line), pos + int64(len(line)) + 1, nil
			}
			line = append(line, buf[:n]...)
		}
		if err != nil {
			// Last line without trailing newline
			return string(line), r.size, nil
		}
	}
}

// firstField extracts the (possibly quoted) first CSV field, upper-cased.
func firstField(line string) string {
	if line == "" {
		return ""
	}
	if line[0] == '"' {
		if end := strings.IndexByte(line[1:], '"'); end >= 0 {
			return strings.ToUpper(line[1 : 1+end])
		}
		return ""
	}
	if c := strings.IndexByte(line, ','); c >= 0 {
		return strings.ToUpper(line[:c])
	}
	return strings.ToUpper(line)
}

// parseCSVLine parses one CSV record.
func parseCSVLine(line string) ([]string, error) {
	rd := csv.NewReader(strings.NewReader(line))
	rd.TrimLeadingSpace = true
	return rd.Read()
}
