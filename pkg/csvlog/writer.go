// Package csvlog persists every acquired sample to an append-only CSV file.
package csvlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/itohio/capgrid/pkg/sample"
)

// FileSuffix is appended to the session timestamp to form the file name.
const FileSuffix = "_raw_cap_data.csv"

// Header returns the column names for a unit scale. A zero scale logs raw
// counts.
func Header(scale float64) []string {
	if scale != 0 {
		return []string{"timestamp", "row_index", "col_index", "capacitance_pF"}
	}
	return []string{"timestamp", "row_index", "col_index", "raw_value"}
}

// FileName returns the log file name for a session started at t.
func FileName(t time.Time) string {
	return t.Format("20060102_150405") + FileSuffix
}

// Writer appends samples to a CSV file and flushes after every row.
// It is not safe for concurrent use; the pipeline writer goroutine owns it.
type Writer struct {
	f     *os.File
	w     *csv.Writer
	path  string
	scale float64
	rows  uint64
	rec   []string
}

// Create opens a new log in dir named after the session start time.
func Create(dir string, scale float64, start time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return Open(filepath.Join(dir, FileName(start)), scale)
}

// Open opens path for appending. The header is written only when the file is
// empty.
func Open(path string, scale float64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat csv log %s: %w", path, err)
	}

	w := &Writer{
		f:     f,
		w:     csv.NewWriter(f),
		path:  path,
		scale: scale,
		rec:   make([]string, 4),
	}
	if info.Size() == 0 {
		if err := w.writeRecord(Header(scale)); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

// Path returns the file being written.
func (w *Writer) Path() string {
	return w.path
}

// Rows returns the number of samples written.
func (w *Writer) Rows() uint64 {
	return w.rows
}

// Write appends one sample and flushes it to the file.
func (w *Writer) Write(s sample.Sample) error {
	w.rec[0] = strconv.FormatFloat(s.Timestamp, 'f', 6, 64)
	w.rec[1] = strconv.FormatUint(uint64(s.Row), 10)
	w.rec[2] = strconv.FormatUint(uint64(s.Col), 10)
	if w.scale != 0 {
		w.rec[3] = strconv.FormatFloat(sample.Capacitance(s.Raw, w.scale), 'g', -1, 64)
	} else {
		w.rec[3] = strconv.FormatInt(s.Raw, 10)
	}
	if err := w.writeRecord(w.rec); err != nil {
		return err
	}
	w.rows++
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.w.Flush()
	flushErr := w.w.Error()
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close csv log %s: %w", w.path, err)
	}
	if flushErr != nil {
		return fmt.Errorf("failed to flush csv log %s: %w", w.path, flushErr)
	}
	return nil
}

func (w *Writer) writeRecord(rec []string) error {
	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write csv log %s: %w", w.path, err)
	}
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return fmt.Errorf("failed to flush csv log %s: %w", w.path, err)
	}
	return nil
}
