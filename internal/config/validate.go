package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"prayersync/internal/model"
)

// ErrInvalid marks a missing or invalid required setting. It is fatal and
// must stop the process before any external call.
var ErrInvalid = errors.New("config: invalid configuration")

// ValidationError lists every problem found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config: invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Validate checks the settings the sync engine cannot run without.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.CalendarID) == "" {
		add("calendar_id is required")
	}
	if c.EventReminderMinutes < 0 {
		add("event_reminder_minutes must be >= 0")
	}
	if strings.TrimSpace(c.TargetTimezone) == "" {
		add("target_timezone is required")
	} else if _, err := time.LoadLocation(c.TargetTimezone); err != nil {
		add("target_timezone %q is not a known IANA zone", c.TargetTimezone)
	}
	if err := model.ValidateDefinitions(c.Definitions()); err != nil {
		add("prayer_definitions: %v", err)
	}
	if len(c.ManagedPrayerNames) == 0 {
		add("managed_prayer_names is required")
	}
	defined := make(map[string]struct{}, len(c.PrayerDefinitions))
	for _, d := range c.PrayerDefinitions {
		defined[strings.TrimSpace(d.Key)] = struct{}{}
	}
	for _, name := range c.ManagedPrayerNames {
		if _, ok := defined[name]; !ok {
			add("managed_prayer_names entry %q has no prayer definition", name)
		}
	}
	if strings.TrimSpace(c.TimeTableBaseURL) == "" {
		add("time_table_base_url is required")
	} else if u, err := url.Parse(c.TimeTableBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("time_table_base_url %q is not an absolute URL", c.TimeTableBaseURL)
	}
	if c.ProcessingDaysInAdvance < 1 {
		add("processing_days_in_advance must be an integer >= 1 (got %d)", c.ProcessingDaysInAdvance)
	}
	if strings.TrimSpace(c.Location.FallbackAddress) == "" {
		add("location.fallback_address is required")
	}
	if lk := c.Location.LastKnown; lk != nil && lk.Timezone != "" {
		if _, err := time.LoadLocation(lk.Timezone); err != nil {
			add("location.last_known.timezone %q is not a known IANA zone", lk.Timezone)
		}
	}
	if c.Timeouts.PageLoadSeconds > c.Timeouts.OverallProcessSeconds {
		add("timeouts.page_load_seconds must not exceed timeouts.overall_process_seconds")
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		add("schedule %q: %v", c.Schedule, err)
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		add("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func parseLevel(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(strings.TrimSpace(s)), true
	default:
		return "", false
	}
}
