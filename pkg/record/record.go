// Package record parses JSON log lines into classified log records.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Field names read from each JSON log line.
const (
	FieldTime    = "logtime"
	FieldLevel   = "level"
	FieldClass   = "class"
	FieldMessage = "log"
)

// Placeholder values for missing or unusable fields.
const (
	UnknownLevel = "UNKNOWN"
	UnknownName  = "Unknown"
)

// HourLayout is the layout of the hour bucket used by the timeline rollup.
const HourLayout = "2006-01-02 15:00:00"

// ErrMalformed is returned for lines that are not a JSON object.
var ErrMalformed = errors.New("malformed log line")

// DefaultLevels is the level set used when none is configured.
var DefaultLevels = []string{"TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "FATAL", "CRITICAL"}

// timestampLayouts are tried in order; the first successful parse wins.
var timestampLayouts = []string{
	"2006-01-02 15:04:05,999999",
	"2006-01-02 15:04:05",
	"02/Jan/2006:15:04:05 -0700",
}

// Record is one parsed log line.
type Record struct {
	// Timestamp is the raw logtime value, kept even when it does not parse.
	Timestamp string
	// Hour is the hour bucket of Timestamp, empty when Timestamp is unparseable.
	Hour    string
	Level   string
	Class   string
	Service string
	Message string

	// MissingClass reports that class/service fell back to UnknownName.
	MissingClass bool
}

// HasValidTimestamp reports whether the record contributes to the timeline rollup.
func (r Record) HasValidTimestamp() bool {
	return r.Hour != ""
}

// Parser converts raw lines into records. It holds no mutable state and is
// safe for concurrent use.
type Parser struct {
	levels map[string]struct{}
}

// NewParser creates a parser accepting the given levels. An empty list
// selects DefaultLevels.
func NewParser(levels []string) *Parser {
	if len(levels) == 0 {
		levels = DefaultLevels
	}
	set := make(map[string]struct{}, len(levels))
	for _, l := range levels {
		set[l] = struct{}{}
	}
	return &Parser{levels: set}
}

// Parse decodes one line. Lines that are not a JSON object return an error
// wrapping ErrMalformed; every other line yields a record.
func (p *Parser) Parse(line string) (Record, error) {
	line = strings.TrimSpace(line)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Record{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	rec := Record{Level: UnknownLevel}

	if ts, ok := stringField(fields, FieldTime); ok {
		rec.Timestamp = ts
		if t, ok := ParseTimestamp(ts); ok {
			rec.Hour = t.Format(HourLayout)
		}
	}

	if lvl, ok := stringField(fields, FieldLevel); ok {
		if _, known := p.levels[lvl]; known {
			rec.Level = lvl
		}
	}

	cls, _ := stringField(fields, FieldClass)
	rec.Service, rec.Class, rec.MissingClass = splitClass(cls)

	if raw, ok := fields[FieldMessage]; ok {
		if msg, ok := stringField(fields, FieldMessage); ok {
			rec.Message = msg
		} else if string(raw) != "null" {
			rec.Message = string(raw)
		}
	}

	return rec, nil
}

// splitClass splits a "service.class" value on its first dot.
func splitClass(v string) (service, class string, missing bool) {
	service, class, found := strings.Cut(v, ".")
	if !found || service == "" || class == "" {
		return UnknownName, UnknownName, true
	}
	return service, class, false
}

func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok || len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// ParseTimestamp parses s against the accepted layouts in priority order.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
