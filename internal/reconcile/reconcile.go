// Package reconcile diffs a day's prayer windows against the calendar and
// issues the minimal set of creates and updates.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"prayersync/internal/capture"
	appLog "prayersync/internal/log"
	"prayersync/internal/model"
)

var (
	// ErrCalendarAPI wraps every failure reported by a Store.
	ErrCalendarAPI = errors.New("reconcile: calendar api error")
	// ErrAuthentication is wrapped by Stores when credentials are missing,
	// revoked or cannot be refreshed. Retrying does not help.
	ErrAuthentication = errors.New("calendar credentials rejected")
)

// Store is the calendar the reconciler writes to.
type Store interface {
	// ListEvents returns single (expanded) events overlapping [timeMin, timeMax),
	// ordered by start time.
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]model.ManagedEvent, error)
	// CreateEvent inserts ev and returns its remote id.
	CreateEvent(ctx context.Context, calendarID string, ev model.ManagedEvent) (string, error)
	// UpdateEvent replaces the event identified by ev.RemoteID.
	UpdateEvent(ctx context.Context, calendarID string, ev model.ManagedEvent) error
}

// Options configures a Reconciler.
type Options struct {
	CalendarID      string
	BaseURL         string
	ReminderMinutes int
	// ManagedKeys are the prayer keys whose events this reconciler owns.
	ManagedKeys []string
}

// Outcome is the result for one (day, prayer).
type Outcome struct {
	PrayerKey string
	Decision  model.Decision
	RemoteID  string
	Event     model.ManagedEvent
	// Err is set when the write for a Create/Update decision failed, or
	// carries the validation reason for a Skip.
	Err error
}

// DayResult summarizes one reconciled day.
type DayResult struct {
	Date       model.Date
	Outcomes   []Outcome
	Duplicates int
	// Err is set when the day could not be reconciled at all (listing failed
	// or ctx was cancelled before any write). No writes happened.
	Err error
}

// Count returns the number of outcomes with decision d.
func (r DayResult) Count(d model.Decision) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Decision == d {
			n++
		}
	}
	return n
}

// WriteFailures returns the number of Create/Update outcomes whose write failed.
func (r DayResult) WriteFailures() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil && o.Decision != model.DecisionSkip {
			n++
		}
	}
	return n
}

// Reconciler applies prayer windows to a Store.
type Reconciler struct {
	store   Store
	opts    Options
	managed map[string]struct{}
}

func New(store Store, opts Options) *Reconciler {
	managed := make(map[string]struct{}, len(opts.ManagedKeys))
	for _, k := range opts.ManagedKeys {
		managed[model.SummaryFor(k)] = struct{}{}
	}
	return &Reconciler{store: store, opts: opts, managed: managed}
}

// Description is the event body text for a prayer on a given time-table URL.
func Description(key, url string) string {
	return fmt.Sprintf("Time for %s prayer.\nURL for this day's times: %s", key, url)
}

// ReconcileDay creates or updates one event per valid window of date. An
// existing event matches a window when it has the same summary and starts on
// the same local date as the window, so a window shifted onto the previous or
// next date by a day marker is still found on later runs.
//
// Once listing has succeeded, the writes for the day run to completion even
// if ctx is cancelled.
func (r *Reconciler) ReconcileDay(ctx context.Context, date model.Date, loc model.OperatingLocation, windows []model.PrayerWindow) DayResult {
	res := DayResult{Date: date}
	tz := loc.TZ()
	from, to := listRange(date, tz, windows)

	wanted := make(map[matchKey]struct{}, len(windows))
	for _, w := range windows {
		wanted[matchKey{summary: model.SummaryFor(w.PrayerKey), date: w.Start.Date}] = struct{}{}
	}

	existing, dups, err := r.existing(ctx, tz, from, to, wanted)
	if err != nil {
		res.Err = err
		return res
	}
	res.Duplicates = dups
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	writeCtx := context.WithoutCancel(ctx)
	url := capture.QueryURL(r.opts.BaseURL, loc, date)

	for _, w := range windows {
		out := Outcome{PrayerKey: w.PrayerKey}
		start, end, err := w.Localize(tz)
		if err != nil {
			appLog.Warn("skipping invalid prayer window", "date", date.String(), "prayer", w.PrayerKey, "err", err.Error())
			out.Decision = model.DecisionSkip
			out.Err = err
			res.Outcomes = append(res.Outcomes, out)
			continue
		}

		want := model.ManagedEvent{
			Summary:         model.SummaryFor(w.PrayerKey),
			Start:           start,
			End:             end,
			TimeZone:        loc.TimezoneName,
			Description:     Description(w.PrayerKey, url),
			ReminderMinutes: r.opts.ReminderMinutes,
		}
		out.Event = want

		cur, found := existing[matchKey{summary: want.Summary, date: w.Start.Date}]
		switch {
		case !found:
			out.Decision = model.DecisionCreate
			out.RemoteID, out.Err = r.create(writeCtx, want)
		case unchanged(cur, want):
			out.Decision = model.DecisionNoOp
			out.RemoteID = cur.RemoteID
		default:
			out.Decision = model.DecisionUpdate
			want.RemoteID = cur.RemoteID
			out.Event = want
			out.RemoteID = cur.RemoteID
			out.Err = r.update(writeCtx, want)
		}

		if out.Err != nil {
			appLog.Error("calendar write failed", out.Err, "date", date.String(), "prayer", w.PrayerKey, "decision", string(out.Decision))
		} else {
			appLog.Info("prayer event reconciled",
				"date", date.String(),
				"prayer", w.PrayerKey,
				"decision", string(out.Decision),
				"start", start.Format(time.RFC3339),
				"end", end.Format(time.RFC3339),
			)
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	return res
}

// matchKey identifies the event of one prayer on one local start date.
type matchKey struct {
	summary string
	date    model.Date
}

// listRange covers the local day and every window start, whichever is wider.
func listRange(date model.Date, tz *time.Location, windows []model.PrayerWindow) (time.Time, time.Time) {
	from := date.In(tz)
	to := date.AddDays(1).In(tz)
	for _, w := range windows {
		start := w.Start.In(tz)
		if start.Before(from) {
			from = start
		}
		if !start.Before(to) {
			to = start.Add(time.Nanosecond)
		}
	}
	return from, to
}

// existing indexes the listed managed events by summary and local start
// date, keeping only keys some window asks for. Events that merely overlap
// the range (a previous day's window crossing midnight) have another start
// date and are ignored. On a duplicate key the first event in start order
// wins.
func (r *Reconciler) existing(ctx context.Context, tz *time.Location, from, to time.Time, wanted map[matchKey]struct{}) (map[matchKey]model.ManagedEvent, int, error) {
	events, err := r.store.ListEvents(ctx, r.opts.CalendarID, from, to)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		appLog.Error("list calendar events failed", err, "from", from.Format(time.RFC3339))
		return nil, 0, wrapAPI("list", err)
	}

	out := make(map[matchKey]model.ManagedEvent, len(wanted))
	dups := 0
	for _, ev := range events {
		if _, ok := r.managed[ev.Summary]; !ok {
			continue
		}
		key := matchKey{summary: ev.Summary, date: model.DateOf(ev.Start.In(tz))}
		if _, ok := wanted[key]; !ok {
			continue
		}
		if first, seen := out[key]; seen {
			dups++
			appLog.Warn("duplicate managed event ignored",
				"summary", ev.Summary,
				"date", key.date.String(),
				"kept", first.RemoteID,
				"ignored", ev.RemoteID,
			)
			continue
		}
		out[key] = ev
	}
	return out, dups, nil
}

func (r *Reconciler) create(ctx context.Context, ev model.ManagedEvent) (string, error) {
	id, err := r.store.CreateEvent(ctx, r.opts.CalendarID, ev)
	if err != nil {
		return "", wrapAPI("create "+ev.Summary, err)
	}
	return id, nil
}

func (r *Reconciler) update(ctx context.Context, ev model.ManagedEvent) error {
	if err := r.store.UpdateEvent(ctx, r.opts.CalendarID, ev); err != nil {
		return wrapAPI("update "+ev.Summary, err)
	}
	return nil
}

func unchanged(cur, want model.ManagedEvent) bool {
	return cur.Start.Equal(want.Start) &&
		cur.End.Equal(want.End) &&
		cur.Description == want.Description
}

func wrapAPI(op string, err error) error {
	if errors.Is(err, ErrCalendarAPI) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCalendarAPI, op, err)
}
