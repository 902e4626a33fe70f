package engine

import (
	"time"

	"prayersync/internal/model"
)

// Status is the final state of a run.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusCompletedWithSkips Status = "completed_with_skips"
	// StatusAborted: an extraction timed out or the browser failed.
	StatusAborted Status = "aborted"
	// StatusCancelled: the caller stopped the run between days.
	StatusCancelled Status = "cancelled"
	// StatusFatal: configuration or credentials are unusable.
	StatusFatal Status = "fatal"
)

// ExitCode maps a status to the process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusCompleted, StatusCompletedWithSkips, StatusCancelled:
		return 0
	default:
		return 1
	}
}

// DayStatus is the outcome of one day in a run.
type DayStatus string

const (
	DaySynced DayStatus = "synced"
	// DayPartial: some windows were skipped or failed to write.
	DayPartial DayStatus = "partial"
	// DaySkipped: the time table for the day was incomplete.
	DaySkipped DayStatus = "skipped"
	// DayFailed: the calendar could not be listed; nothing was written.
	DayFailed DayStatus = "failed"
	// DayAborted: extraction stopped the run on this day.
	DayAborted DayStatus = "aborted"
)

// DayReport describes one processed day.
type DayReport struct {
	Date          string               `json:"date"`
	Status        DayStatus            `json:"status"`
	Created       int                  `json:"created"`
	Updated       int                  `json:"updated"`
	NoOp          int                  `json:"noop"`
	Skipped       int                  `json:"skipped"`
	WriteFailures int                  `json:"write_failures"`
	Duplicates    int                  `json:"duplicates"`
	Unavailable   []string             `json:"unavailable,omitempty"`
	Error         string               `json:"error,omitempty"`
	Events        []model.ManagedEvent `json:"events,omitempty"`
}

// LocationReport describes the location a run operated in.
type LocationReport struct {
	Label    string `json:"label"`
	Timezone string `json:"timezone"`
	Source   string `json:"source"`
}

// Report is the summary of one run.
type Report struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Status     Status         `json:"status"`
	Location   LocationReport `json:"location"`
	Days       []DayReport    `json:"days"`
	Error      string         `json:"error,omitempty"`
}

// Duration is the wall time of the run.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Totals sums the per-day decision counters.
func (r Report) Totals() (created, updated, noop, skipped int) {
	for _, d := range r.Days {
		created += d.Created
		updated += d.Updated
		noop += d.NoOp
		skipped += d.Skipped
	}
	return created, updated, noop, skipped
}
