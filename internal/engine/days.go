package engine

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"prayersync/internal/model"
)

// LookAheadDays returns n consecutive dates starting at start.
func LookAheadDays(start model.Date, n int) ([]model.Date, error) {
	if n < 1 {
		return nil, fmt.Errorf("engine: look-ahead must be at least one day, got %d", n)
	}
	// Noon UTC keeps every occurrence on its own calendar date.
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Count:   n,
		Dtstart: time.Date(start.Year, start.Month, start.Day, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		return nil, fmt.Errorf("engine: day rule: %w", err)
	}

	occ := r.All()
	out := make([]model.Date, 0, len(occ))
	for _, t := range occ {
		out = append(out, model.DateOf(t))
	}
	return out, nil
}
