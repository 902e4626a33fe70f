package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PrayerDefinition names the two table labels that bound a prayer window.
type PrayerDefinition struct {
	Key        string
	StartLabel string
	EndLabel   string
}

// ValidateDefinitions checks that keys are unique and labels present.
func ValidateDefinitions(defs []PrayerDefinition) error {
	if len(defs) == 0 {
		return errors.New("model: no prayer definitions")
	}
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if strings.TrimSpace(d.Key) == "" {
			return errors.New("model: prayer definition with empty key")
		}
		if _, dup := seen[d.Key]; dup {
			return fmt.Errorf("model: duplicate prayer definition %q", d.Key)
		}
		seen[d.Key] = struct{}{}
		if strings.TrimSpace(d.StartLabel) == "" || strings.TrimSpace(d.EndLabel) == "" {
			return fmt.Errorf("model: prayer definition %q needs start and end labels", d.Key)
		}
	}
	return nil
}

// Labels returns the set of table labels referenced by defs.
func Labels(defs []PrayerDefinition) map[string]struct{} {
	out := make(map[string]struct{}, len(defs)*2)
	for _, d := range defs {
		out[d.StartLabel] = struct{}{}
		out[d.EndLabel] = struct{}{}
	}
	return out
}

// RawTimeEntry is one scraped table row.
// DateOffsetDays is relative to the queried date and is one of -1, 0, +1.
type RawTimeEntry struct {
	Label          string
	Clock          Clock
	DateOffsetDays int
}

// EntryPair holds the start and end rows for one prayer.
type EntryPair struct {
	Start RawTimeEntry
	End   RawTimeEntry
}

var ErrWindowNotPositive = errors.New("model: window end is not after start")

// PrayerWindow is a named interval whose endpoints may fall on different dates.
type PrayerWindow struct {
	PrayerKey string
	Start     LocalDateTime
	End       LocalDateTime
}

// Localize returns the window's instants in loc, rejecting windows whose
// end is not strictly after the start.
func (w PrayerWindow) Localize(loc *time.Location) (time.Time, time.Time, error) {
	start := w.Start.In(loc)
	end := w.End.In(loc)
	if !end.After(start) {
		return start, end, fmt.Errorf("%w: %s %s..%s", ErrWindowNotPositive, w.PrayerKey, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}

// SummaryFor returns the calendar summary used for a prayer key.
func SummaryFor(key string) string {
	return key + " Prayer"
}

// ManagedEvent is a calendar event owned by the sync engine.
type ManagedEvent struct {
	RemoteID        string
	Summary         string
	Start           time.Time
	End             time.Time
	TimeZone        string
	Description     string
	ReminderMinutes int
}

// Decision is the reconciliation outcome for one (day, prayer).
type Decision string

const (
	DecisionCreate Decision = "create"
	DecisionUpdate Decision = "update"
	DecisionNoOp   Decision = "noop"
	// DecisionSkip marks windows that failed validation and were not written.
	DecisionSkip Decision = "skip"
)
