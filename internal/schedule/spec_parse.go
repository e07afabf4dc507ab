package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrBadSpec = errors.New("schedule: invalid spec")

// SpecKind tells a fixed-period loop from a calendar one. Tolerance windows
// are derived from the period, so the distinction matters to callers.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a validated loop spec.
//
// Accepted forms:
//
//	"5s", "1m30s"         period as a Go duration
//	"@every 1m"           the same, cron descriptor style
//	"@hourly", "@daily"   other cron descriptors
//	"*/1 * * * *"         5 or 6 field cron (seconds optional)
//	"cron:..."            forces cron parsing
type ParsedSpec struct {
	Kind  SpecKind
	Every time.Duration // SpecInterval only
	Cron  string        // SpecCron only
}

// specParser is shared with Service so a spec that parses here also
// schedules there.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%w: empty", ErrBadSpec)
	}

	if expr, ok := cutPrefixFold(s, "cron:"); ok {
		return parseCron(raw, strings.TrimSpace(expr))
	}
	if every, ok := cutPrefixFold(s, "@every"); ok {
		return parsePeriod(raw, strings.TrimSpace(every))
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return parseCron(raw, s)
	}
	return parsePeriod(raw, s)
}

func parsePeriod(raw, v string) (ParsedSpec, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("%w: %q (want a duration like 5s, @every 1m or a cron expression)", ErrBadSpec, raw)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("%w: %q: period must be > 0", ErrBadSpec, raw)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

func parseCron(raw, expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("%w: %q: empty cron expression", ErrBadSpec, raw)
	}
	if _, err := specParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("%w: %q: %v", ErrBadSpec, raw, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// CronSpec is the expression handed to the cron scheduler.
func (p ParsedSpec) CronSpec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

// Interval reports the fixed period of raw. Calendar specs report false.
func Interval(raw string) (time.Duration, bool) {
	ps, err := ParseSchedule(raw)
	if err != nil || ps.Kind != SpecInterval {
		return 0, false
	}
	return ps.Every, true
}
