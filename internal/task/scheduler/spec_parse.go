package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string split into its trigger kind.
//
// Accepted:
//   - cron: "*/5 * * * *", "@hourly", "@every 55m", or anything after "cron:"
//   - interval: "55m", "2h30m", "01:30" (hours:minutes), optionally after
//     "interval:" or "every:"
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, duration or hhmm
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var errNonPositive = errors.New("interval must be > 0")

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest = strings.TrimSpace(rest); rest == "" {
			return ParsedSpec{}, errors.New("cron expression required after \"cron:\"")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	}
	for _, p := range []string{"interval:", "every:"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return parseInterval(rest)
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	spec, err := parseInterval(s)
	if err != nil && !errors.Is(err, errNonPositive) {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like \"*/5 * * * *\", HH:MM like \"00:30\" or a duration like \"1m\")", raw)
	}
	return spec, err
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	spec := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		spec.Every = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		spec.Source = "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
		}
		spec.Every = d
	}
	if spec.Every <= 0 {
		return ParsedSpec{}, errNonPositive
	}
	return spec, nil
}
