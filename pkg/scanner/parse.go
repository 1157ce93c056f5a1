package scanner

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Format selects the line grammar of the firmware.
type Format string

const (
	// FormatAuto picks the grammar per line.
	FormatAuto Format = "auto"
	// FormatCSV is "TIMESTAMP,ROW,COL,VALUE" or "ROW,COL,VALUE".
	FormatCSV Format = "csv"
	// FormatRowCol is "Row R, Col C : VALUE", optionally prefixed by "TIMESTAMP,".
	FormatRowCol Format = "rowcol"
)

var (
	// ErrBanner marks firmware banner and header lines.
	ErrBanner = errors.New("banner line")
	// ErrMalformed marks lines that do not match the active grammar.
	ErrMalformed = errors.New("malformed line")
)

// bannerTokens appear in the firmware's startup and header lines.
var bannerTokens = []string{
	"FDC", "READY", "FAIL", "TIMESTAMP", "ROW_INDEX", "COLUMN_INDEX", "RAW_CAPACITANCE", "SENSOR",
}

var rowColRe = regexp.MustCompile(`^\s*(?:(\d+)\s*,\s*)?Row\s+(\d+)\s*,\s*Col\s+(\d+)\s*:\s*(-?\d+)\s*$`)

// RawSample is one reading as parsed from the wire.
type RawSample struct {
	DeviceMillis int64 // Firmware timestamp, 0 when absent
	Row          uint32
	Col          uint32
	Value        int64
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatCSV, FormatRowCol:
		return f, nil
	default:
		return "", fmt.Errorf("unknown line format %q: expected auto, csv or rowcol", s)
	}
}

// ParseLine parses one line from the scanner. Banner lines return ErrBanner;
// everything else that does not parse returns an error wrapping ErrMalformed.
func ParseLine(line string, format Format) (RawSample, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return RawSample{}, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	upper := strings.ToUpper(line)
	for _, tok := range bannerTokens {
		if strings.Contains(upper, tok) {
			return RawSample{}, ErrBanner
		}
	}

	switch format {
	case FormatCSV:
		return parseCSV(line)
	case FormatRowCol:
		return parseRowCol(line)
	default:
		if strings.Contains(line, "Row") {
			return parseRowCol(line)
		}
		return parseCSV(line)
	}
}

func parseCSV(line string) (RawSample, error) {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var ts string
	switch len(parts) {
	case 3:
	case 4:
		ts, parts = parts[0], parts[1:]
	default:
		return RawSample{}, fmt.Errorf("%w: expected 3 or 4 comma-separated values, got %d", ErrMalformed, len(parts))
	}

	var out RawSample
	if ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return RawSample{}, fmt.Errorf("%w: invalid timestamp: %v", ErrMalformed, err)
		}
		out.DeviceMillis = ms
	}
	return fill(out, parts[0], parts[1], parts[2])
}

func parseRowCol(line string) (RawSample, error) {
	m := rowColRe.FindStringSubmatch(line)
	if m == nil {
		return RawSample{}, fmt.Errorf("%w: not a Row/Col line", ErrMalformed)
	}

	var out RawSample
	if m[1] != "" {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return RawSample{}, fmt.Errorf("%w: invalid timestamp: %v", ErrMalformed, err)
		}
		out.DeviceMillis = ms
	}
	return fill(out, m[2], m[3], m[4])
}

func fill(out RawSample, row, col, value string) (RawSample, error) {
	r, err := strconv.ParseUint(row, 10, 32)
	if err != nil {
		return RawSample{}, fmt.Errorf("%w: invalid row: %v", ErrMalformed, err)
	}
	c, err := strconv.ParseUint(col, 10, 32)
	if err != nil {
		return RawSample{}, fmt.Errorf("%w: invalid col: %v", ErrMalformed, err)
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return RawSample{}, fmt.Errorf("%w: invalid value: %v", ErrMalformed, err)
	}
	out.Row = uint32(r)
	out.Col = uint32(c)
	out.Value = v
	return out, nil
}
