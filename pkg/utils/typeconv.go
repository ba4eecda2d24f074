package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp renderings produced by the source
// drivers and by FormatValue. Values without a zone are taken as UTC.
func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse datetime: %q", v)
}

// ParseInt parses a base-10 integer, tolerating a trailing ".0" left by
// numeric columns rendered as decimals.
func ParseInt(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("empty integer")
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) >= 1<<63 {
		return 0, fmt.Errorf("cannot convert %q to int", v)
	}
	return int64(f), nil
}

// ParseNonNegativeInt is ParseInt restricted to values >= 0.
func ParseNonNegativeInt(v string) (int64, error) {
	n, err := ParseInt(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

// ParseNonNegativeDecimal parses a finite decimal >= 0.
func ParseNonNegativeDecimal(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %q to decimal", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %q", v)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative value %v", f)
	}
	return f, nil
}

// DateKey is the YYYYMMDD smart key of t's calendar day.
func DateKey(t time.Time) int32 {
	y, m, d := t.Date()
	return int32(y*10000 + int(m)*100 + d)
}

// ClockTime renders the time-of-day part of t with millisecond precision.
func ClockTime(t time.Time) string {
	return t.Format("15:04:05.000")
}

// FormatValue renders a database/sql driver value for a CSV cell.
// NULL becomes the empty string.
func FormatValue(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(v)
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", val)
	}
}
