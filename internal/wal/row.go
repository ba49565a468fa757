package wal

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
)

// Pg timestamp layouts seen on the wire, most specific first.
var pgTimeLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// Has reports whether the column was present (non-NULL).
func (r Row) Has(col string) bool {
	_, ok := r[col]
	return ok
}

// String returns the raw text value, "" when NULL.
func (r Row) String(col string) string {
	return r[col]
}

// ID parses a uuid column; zero when NULL or malformed.
func (r Row) ID(col string) model.ID {
	raw, ok := r[col]
	if !ok {
		return model.ZeroID
	}
	id, err := model.ParseID(raw)
	if err != nil {
		return model.ZeroID
	}
	return id
}

// Time parses a timestamptz column; nil when NULL or unparseable.
func (r Row) Time(col string) *time.Time {
	raw, ok := r[col]
	if !ok {
		return nil
	}
	for _, layout := range pgTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// Bool parses a boolean column; false when NULL.
func (r Row) Bool(col string) bool {
	return r[col] == "t" || r[col] == "true"
}

// Int parses an integer column; 0 when NULL or malformed.
func (r Row) Int(col string) int64 {
	n, _ := strconv.ParseInt(r[col], 10, 64)
	return n
}

// Float parses a float column; 0 when NULL or malformed.
func (r Row) Float(col string) (float64, bool) {
	raw, ok := r[col]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// JSON unmarshals a json/jsonb column into dst; reports success.
func (r Row) JSON(col string, dst any) bool {
	raw, ok := r[col]
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), dst) == nil
}
