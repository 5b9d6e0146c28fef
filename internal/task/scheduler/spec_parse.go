package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// Parser accepts 5-field and 6-field (leading seconds) cron specs and
// descriptors such as "@hourly".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParsedSpec is a validated schedule.
//
// Accepted forms:
//   - duration: "10s", "2h30m"
//   - HH:MM interval: "00:05" (five minutes)
//   - cron: "*/10 * * * * *", "@every 1m", "@hourly"
//   - explicit prefixes "cron:", "every:" and "interval:"
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string

	sched cron.Schedule
}

// Delay returns the wait from now until the next firing.
func (p ParsedSpec) Delay(now time.Time) time.Duration {
	if p.Kind == SpecInterval || p.sched == nil {
		return p.Every
	}
	next := p.sched.Next(now)
	if next.IsZero() {
		return 0
	}
	return next.Sub(now)
}

// Period approximates the gap between two consecutive firings after now.
func (p ParsedSpec) Period(now time.Time) time.Duration {
	if p.Kind == SpecInterval || p.sched == nil {
		return p.Every
	}
	first := p.sched.Next(now)
	if first.IsZero() {
		return 0
	}
	second := p.sched.Next(first)
	if second.IsZero() {
		return 0
	}
	return second.Sub(first)
}

func (p ParsedSpec) String() string {
	if p.Kind == SpecCron {
		return "cron:" + p.Cron
	}
	return p.Every.String()
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}

	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use a duration like '30s', HH:MM like '00:05', or cron like '*/10 * * * * *')", raw)
	}
	return ps, nil
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron expression required")
	}
	sched, err := Parser.Parse(expr)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	// "@every" is an interval in cron clothing; keep its period for timeouts.
	if cs, ok := sched.(cron.ConstantDelaySchedule); ok {
		return ParsedSpec{Kind: SpecInterval, Every: cs.Delay, Cron: expr, Source: "cron", sched: sched}, nil
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron", sched: sched}, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}
