package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var whenLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ResolveWhen turns an operator-supplied time into an absolute instant.
//
// Accepted forms:
//   - "now"
//   - relative: "+2h", "+90m", "in 2h30m"
//   - clock "HH:MM": the next occurrence in loc (today, else tomorrow)
//   - absolute: RFC3339, "2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02" (loc unless zoned)
func ResolveWhen(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(raw)
	low := strings.ToLower(s)
	switch {
	case s == "":
		return time.Time{}, fmt.Errorf("time required")
	case low == "now":
		return now, nil
	case strings.HasPrefix(low, "+"), strings.HasPrefix(low, "in "):
		rel := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(low, "+"), "in "))
		d, err := time.ParseDuration(rel)
		if err != nil || d < 0 {
			return time.Time{}, fmt.Errorf("invalid relative time %q (use e.g. +2h or in 30m)", raw)
		}
		return now.Add(d), nil
	}

	if reHHMM.MatchString(s) {
		h, m, err := parseHHMM(s)
		if err != nil {
			return time.Time{}, err
		}
		local := now.In(loc)
		at := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
		if !at.After(local) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}

	for _, layout := range whenLayouts {
		if layout == time.RFC3339 {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC3339, 'YYYY-MM-DD HH:MM', HH:MM or +duration)", raw)
}

// parseHHMM reads a 24h clock "HH:MM".
func parseHHMM(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
