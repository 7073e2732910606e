package config

import (
	"errors"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8600 {
		t.Errorf("expected default port 8600, got %d", cfg.Server.Port)
	}
	if cfg.Dispatcher.TickInterval.Std() != time.Minute {
		t.Errorf("expected 1m tick, got %v", cfg.Dispatcher.TickInterval.Std())
	}
	if cfg.Enrichment.TrailingYears != 5 {
		t.Errorf("expected 5 trailing years, got %d", cfg.Enrichment.TrailingYears)
	}
	if cfg.Enrichment.GapPolicy != "skip" {
		t.Errorf("expected gap_policy skip, got %q", cfg.Enrichment.GapPolicy)
	}
}

func TestParseEmbeddedDefault(t *testing.T) {
	cfg, err := Parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("embedded default.yaml should parse: %v", err)
	}
	if len(cfg.Collectors) == 0 {
		t.Fatal("expected collectors in default config")
	}
	for _, c := range cfg.Collectors {
		if c.Schedule.Frequency == "" {
			t.Errorf("collector %q has no frequency", c.ID)
		}
	}
}

func TestParseCollectorOverride(t *testing.T) {
	data := []byte(`
collectors:
  - id: test
    type: http_json
    url: https://example.com/data.json
    schedule:
      frequency: weekly
      weekday: monday
      nominal_time: "08:00"
      holiday_shift: next_business_day
      max_retries: 3
      retry_backoff: 2s
      timeout: 30s
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Collectors) != 1 {
		t.Fatalf("expected 1 collector, got %d", len(cfg.Collectors))
	}
	c := cfg.Collectors[0]
	if c.Schedule.RetryBackoff.Std() != 2*time.Second {
		t.Errorf("expected 2s backoff, got %v", c.Schedule.RetryBackoff.Std())
	}
	if c.Schedule.Timeout.Std() != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", c.Schedule.Timeout.Std())
	}
}

func TestParseRejectsUnknownFrequency(t *testing.T) {
	data := []byte(`
collectors:
  - id: test
    schedule:
      frequency: hourly
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("expected error for unknown frequency")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestParseRejectsDuplicateID(t *testing.T) {
	data := []byte(`
collectors:
  - id: test
    schedule: {frequency: daily}
  - id: test
    schedule: {frequency: daily}
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for duplicate collector id")
	}
}

func TestParseRejectsWeeklyWithoutWeekday(t *testing.T) {
	data := []byte(`
collectors:
  - id: test
    schedule: {frequency: weekly}
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for weekly schedule without weekday")
	}
}

func TestParseRejectsBadHoliday(t *testing.T) {
	data := []byte(`
calendar:
  holidays: ["not-a-date"]
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for bad holiday date")
	}
}

func TestParseRejectsBadGapPolicy(t *testing.T) {
	data := []byte(`
enrichment:
  gap_policy: interpolate
`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for unsupported gap policy")
	}
}

func TestParseWeekday(t *testing.T) {
	d, ok := ParseWeekday("thursday")
	if !ok || d != time.Thursday {
		t.Errorf("expected Thursday, got %v %v", d, ok)
	}
	if _, ok := ParseWeekday("someday"); ok {
		t.Error("expected unknown weekday to fail")
	}
}
