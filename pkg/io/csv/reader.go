// Package csv reads flow records from CSV files.
//
// Without a header the file is treated as the NSL-KDD layout (43 unnamed
// columns). NSL-KDD carries no addresses or times, so those are synthesized
// from the row index: 192.168.1.<i%255>, 10.0.0.<i%255> and one second per
// row after the base time. Any class other than "normal" is labeled
// "anomaly". With a header, columns are matched by name.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hed1ad/flowguard/pkg/flow"
)

// NSL-KDD column positions.
const (
	kddProtocol = 1
	kddSrcBytes = 4
	kddClass    = 41
	kddColumns  = 42
)

// Column names recognised in headered files.
const (
	ColTimestamp = "timestamp"
	ColSrcIP     = "src_ip"
	ColDstIP     = "dst_ip"
	ColProtocol  = "protocol"
	ColSrcBytes  = "src_bytes"
	ColLabel     = "label"
)

// DefaultBaseTime is the first synthetic timestamp for NSL-KDD rows.
var DefaultBaseTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

// Reader reads flow records from CSV files.
type Reader struct {
	file      *os.File
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	columns   map[string]int
	baseTime  time.Time
	row       int
	skipped   int
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithBaseTime sets the first synthetic timestamp for NSL-KDD rows.
func WithBaseTime(t time.Time) Option {
	return func(r *Reader) {
		r.baseTime = t
	}
}

// NewReader opens filename for reading. NSL-KDD files have no header, so
// the default is WithHeader(false).
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := newReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.file = file
	return r, nil
}

func newReader(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader:   csv.NewReader(src),
		baseTime: DefaultBaseTime,
	}
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		r.headers = headers
		r.columns = make(map[string]int, len(headers))
		for i, h := range headers {
			r.columns[strings.ToLower(strings.TrimSpace(h))] = i
		}
		for _, required := range []string{ColProtocol, ColSrcBytes} {
			if _, ok := r.columns[required]; !ok {
				return nil, fmt.Errorf("header is missing column %q", required)
			}
		}
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped returns the number of malformed rows skipped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns all records in file order.
func (r *Reader) Read() ([]flow.Record, error) {
	var records []flow.Record

	for {
		fields, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				r.skipped++
				continue
			}
			return nil, err
		}

		rec, err := r.parseRow(fields)
		if err != nil {
			r.skipped++
			continue // Skip malformed rows
		}
		records = append(records, rec)
	}

	return records, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) parseRow(fields []string) (flow.Record, error) {
	if r.hasHeader {
		return r.parseNamed(fields)
	}
	return r.parseKDD(fields)
}

// parseKDD maps one NSL-KDD row. The row index advances even for rows
// that are later skipped, so synthetic addresses stay stable per line.
func (r *Reader) parseKDD(fields []string) (flow.Record, error) {
	i := r.row
	r.row++

	if len(fields) < kddColumns {
		return flow.Record{}, fmt.Errorf("row %d: %d columns, want at least %d", i, len(fields), kddColumns)
	}

	srcBytes, err := parseBytes(fields[kddSrcBytes])
	if err != nil {
		return flow.Record{}, fmt.Errorf("row %d: %w", i, err)
	}

	label := "anomaly"
	if strings.TrimSpace(fields[kddClass]) == "normal" {
		label = "normal"
	}

	return flow.Record{
		Timestamp: r.baseTime.Add(time.Duration(i) * time.Second),
		SrcIP:     "192.168.1." + strconv.Itoa(i%255),
		DstIP:     "10.0.0." + strconv.Itoa(i%255),
		Protocol:  strings.TrimSpace(fields[kddProtocol]),
		SrcBytes:  srcBytes,
		Label:     label,
	}, nil
}

func (r *Reader) parseNamed(fields []string) (flow.Record, error) {
	get := func(col string) string {
		idx, ok := r.columns[col]
		if !ok || idx >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[idx])
	}

	srcBytes, err := parseBytes(get(ColSrcBytes))
	if err != nil {
		return flow.Record{}, err
	}
	protocol := get(ColProtocol)
	if protocol == "" {
		return flow.Record{}, errors.New("empty protocol")
	}

	rec := flow.Record{
		SrcIP:    get(ColSrcIP),
		DstIP:    get(ColDstIP),
		Protocol: protocol,
		SrcBytes: srcBytes,
		Label:    get(ColLabel),
	}
	if ts := get(ColTimestamp); ts != "" {
		rec.Timestamp, err = parseTime(ts)
		if err != nil {
			return flow.Record{}, err
		}
	}
	return rec, nil
}

func parseBytes(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("src_bytes: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("src_bytes: negative value %d", n)
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
