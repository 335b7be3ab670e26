package source

import (
	"fmt"
	"strings"
	"time"
)

// HourFormat is the layout of hour folder names and bucket range bounds.
const HourFormat = "20060102-15"

// ParseHour parses a YYYYMMDD-HH value.
func ParseHour(s string) (time.Time, error) {
	t, err := time.Parse(HourFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: datetime %q is not in YYYYMMDD-HH format", ErrConfiguration, s)
	}
	return t, nil
}

// ParseHourRange parses an inclusive hour range and checks start <= end.
func ParseHourRange(start, end string) (time.Time, time.Time, error) {
	s, err := ParseHour(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	e, err := ParseHour(end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if s.After(e) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_datetime %s is after end_datetime %s", ErrConfiguration, start, end)
	}
	return s, e, nil
}

// HourPrefixes returns folder/YYYYMMDD-HH/ for every hour in [start, end].
func HourPrefixes(folder string, start, end time.Time) []string {
	var prefixes []string
	for t := start; !t.After(end); t = t.Add(time.Hour) {
		prefixes = append(prefixes, folder+"/"+t.Format(HourFormat)+"/")
	}
	return prefixes
}

// HourSpan returns the earliest and latest YYYYMMDD-HH folder named in the
// paths of fileIDs. ok is false when no path has an hour folder.
func HourSpan(fileIDs []string) (first, last string, ok bool) {
	for _, id := range fileIDs {
		id = strings.ReplaceAll(id, "\\", "/")
		for _, part := range strings.Split(id, "/") {
			if len(part) != len(HourFormat) {
				continue
			}
			if _, err := time.Parse(HourFormat, part); err != nil {
				continue
			}
			if !ok || part < first {
				first = part
			}
			if !ok || part > last {
				last = part
			}
			ok = true
		}
	}
	return first, last, ok
}
