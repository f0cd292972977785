package schedule

import (
	"testing"
	"time"
)

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  SpecKind
		cron  string
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{name: "cron with seconds", raw: "30 */5 * * * *", kind: SpecCron, cron: "30 */5 * * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, cron: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, cron: "0 0 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, every: 10 * time.Minute},
		{name: "compound duration", raw: "1h30m", kind: SpecInterval, every: 90 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, every: 45 * time.Second},
		{name: "whitespace", raw: "  90s  ", kind: SpecInterval, every: 90 * time.Second},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.raw)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if tt.kind == SpecCron && got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
			if tt.kind == SpecInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:bogus", "interval:-5s", "interval:xyz", "-10m"} {
		if _, err := ParseSpec(raw); err == nil {
			t.Fatalf("ParseSpec(%q) succeeded, want error", raw)
		}
	}
}
