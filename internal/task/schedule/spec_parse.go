package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskmill/internal/task/manager"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is the normalized form of a user-supplied schedule string.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec accepts either a cron expression ("*/5 * * * *",
// "@hourly") or a plain Go duration ("10m", "1h30m"), with optional
// "cron:" / "interval:" prefixes to force the interpretation.
func ParseSpec(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(s, "cron:"); ok {
		rest = strings.TrimSpace(rest)
		if _, err := specParser.Parse(rest); err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid cron spec %q: %w", rest, err)
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest}, nil
	}
	if rest, ok := strings.CutPrefix(s, "interval:"); ok {
		rest = strings.TrimSpace(rest)
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q", rest)
		}
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}

	// Bare duration first: "90s" parses as a duration, never as cron.
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}
	if _, err := specParser.Parse(s); err == nil {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	return ParsedSpec{}, fmt.Errorf("unrecognized schedule %q", raw)
}

// Add registers a parsed spec under name.
func (s *Service) Add(name, rawSpec string, opts manager.SubmitOptions, work manager.Work) error {
	ps, err := ParseSpec(rawSpec)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, opts, work)
	}
	return s.AddCron(name, ps.Cron, opts, work)
}
