// Package engine runs the prayer schedule synchronization: resolve the
// location, then for each day in the look-ahead window extract the time
// table, assemble windows and reconcile them into the calendar.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"prayersync/internal/capture"
	"prayersync/internal/config"
	"prayersync/internal/location"
	appLog "prayersync/internal/log"
	"prayersync/internal/metrics"
	"prayersync/internal/model"
	"prayersync/internal/reconcile"
	"prayersync/internal/window"
)

// ErrAuthentication is the calendar credential failure; it ends a run as fatal.
var ErrAuthentication = reconcile.ErrAuthentication

// LocationResolver picks the operating location for a run.
type LocationResolver interface {
	Resolve(ctx context.Context, last *config.LastKnownFix) (location.Resolution, error)
}

// Extractor reads one day's time table.
type Extractor interface {
	Extract(ctx context.Context, loc model.OperatingLocation, date model.Date) (map[string]model.EntryPair, error)
}

// DayReconciler applies one day's windows to the calendar.
type DayReconciler interface {
	ReconcileDay(ctx context.Context, date model.Date, loc model.OperatingLocation, windows []model.PrayerWindow) reconcile.DayResult
}

// LastKnownStore persists an adopted location fix.
type LastKnownStore interface {
	SaveLastKnown(fix config.LastKnownFix) error
}

// Observer is told about every finished run.
type Observer interface {
	RunFinished(ctx context.Context, r Report) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Resolver   LocationResolver
	Extractor  Extractor
	Reconciler DayReconciler
	LastKnown  LastKnownStore
	Observers  []Observer
}

// Engine executes runs. Runs are serialized; the configuration is read-only.
type Engine struct {
	cfg  *config.Config
	defs []model.PrayerDefinition
	deps Deps
	now  func() time.Time

	runMu sync.Mutex

	mu        sync.RWMutex
	lastKnown *config.LastKnownFix
	last      *Report
}

func New(cfg *config.Config, deps Deps) *Engine {
	var last *config.LastKnownFix
	if cfg.Location.LastKnown != nil {
		f := *cfg.Location.LastKnown
		last = &f
	}
	return &Engine{
		cfg:       cfg,
		defs:      cfg.Definitions(),
		deps:      deps,
		now:       time.Now,
		lastKnown: last,
	}
}

// LastReport returns the report of the most recent run.
func (e *Engine) LastReport() (Report, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return Report{}, false
	}
	return *e.last, true
}

// Run performs one synchronization starting at start (the current date in
// the operating timezone when start is zero). It never panics on collaborator
// errors; the outcome is in the returned Report's Status.
func (e *Engine) Run(ctx context.Context, start model.Date) Report {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	rep := Report{StartedAt: e.now()}
	rep.Status = e.run(ctx, start, &rep)
	rep.FinishedAt = e.now()

	e.mu.Lock()
	r := rep
	e.last = &r
	e.mu.Unlock()

	metrics.RecordRun(string(rep.Status), rep.Duration(), rep.FinishedAt)
	created, updated, noop, skipped := rep.Totals()
	appLog.Info("sync run finished",
		"status", string(rep.Status),
		"days", len(rep.Days),
		"created", created,
		"updated", updated,
		"noop", noop,
		"skipped", skipped,
		"duration", rep.Duration().Round(time.Millisecond).String(),
	)

	obsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	for _, o := range e.deps.Observers {
		if err := o.RunFinished(obsCtx, rep); err != nil {
			appLog.Error("run observer failed", err, "observer", fmt.Sprintf("%T", o))
		}
	}
	return rep
}

func (e *Engine) run(ctx context.Context, start model.Date, rep *Report) Status {
	res, err := e.resolveLocation(ctx)
	if err != nil {
		rep.Error = err.Error()
		if ctx.Err() != nil {
			appLog.Info("run cancelled during location resolution")
			return StatusCancelled
		}
		appLog.Error("location resolution failed", err)
		return StatusFatal
	}
	loc := res.Location
	rep.Location = LocationReport{Label: loc.DisplayLabel, Timezone: loc.TimezoneName, Source: string(res.Source)}

	if start.IsZero() {
		start = model.DateOf(e.now().In(loc.TZ()))
	}
	days, err := LookAheadDays(start, e.cfg.ProcessingDaysInAdvance)
	if err != nil {
		rep.Error = err.Error()
		return StatusFatal
	}
	appLog.Info("sync run started",
		"location", loc.DisplayLabel,
		"timezone", loc.TimezoneName,
		"source", string(res.Source),
		"from", start.String(),
		"days", len(days),
	)

	skips := false
	for _, d := range days {
		if ctx.Err() != nil {
			appLog.Info("run cancelled before day", "date", d.String())
			return StatusCancelled
		}

		day, outcome := e.processDay(ctx, loc, d)
		rep.Days = append(rep.Days, day)

		switch outcome {
		case dayOK:
		case daySkip:
			skips = true
		case dayCancelled:
			return StatusCancelled
		case dayAbort:
			rep.Error = day.Error
			return StatusAborted
		case dayFatal:
			rep.Error = day.Error
			return StatusFatal
		}

		if ctx.Err() != nil {
			appLog.Info("run cancelled after day", "date", d.String())
			return StatusCancelled
		}
	}

	if skips {
		return StatusCompletedWithSkips
	}
	return StatusCompleted
}

func (e *Engine) resolveLocation(ctx context.Context) (location.Resolution, error) {
	e.mu.RLock()
	last := e.lastKnown
	e.mu.RUnlock()

	res, err := e.deps.Resolver.Resolve(ctx, last)
	if err != nil {
		return res, err
	}
	metrics.RecordLocation(string(res.Source))

	if res.ShouldPersist {
		fix := res.Persist
		e.mu.Lock()
		e.lastKnown = &fix
		e.mu.Unlock()
		if e.deps.LastKnown != nil {
			if err := e.deps.LastKnown.SaveLastKnown(fix); err != nil {
				appLog.Error("persist last-known location failed", err)
			}
		}
	}
	return res, nil
}

type dayOutcome int

const (
	dayOK dayOutcome = iota
	daySkip
	dayCancelled
	dayAbort
	dayFatal
)

func (e *Engine) processDay(ctx context.Context, loc model.OperatingLocation, d model.Date) (DayReport, dayOutcome) {
	day := DayReport{Date: d.String()}

	began := e.now()
	pairs, err := e.deps.Extractor.Extract(ctx, loc, d)
	took := e.now().Sub(began)
	if err != nil {
		day.Error = err.Error()
		switch {
		case errors.Is(err, capture.ErrCancelled):
			metrics.RecordExtraction("cancelled", took)
			day.Status = DayAborted
			return day, dayCancelled
		case errors.Is(err, capture.ErrExtractionIncomplete):
			metrics.RecordExtraction("incomplete", took)
			appLog.Warn("time table incomplete; skipping day", "date", d.String(), "err", err.Error())
			day.Status = DaySkipped
			return day, daySkip
		case errors.Is(err, capture.ErrExtractionTimeout):
			metrics.RecordExtraction("timeout", took)
			appLog.Error("extraction timed out; aborting run", err, "date", d.String())
			day.Status = DayAborted
			return day, dayAbort
		default:
			metrics.RecordExtraction("error", took)
			appLog.Error("extraction failed; aborting run", err, "date", d.String())
			day.Status = DayAborted
			return day, dayAbort
		}
	}
	metrics.RecordExtraction("ok", took)

	windows, unavailable := window.Assemble(d, e.defs, pairs)
	day.Unavailable = unavailable
	windows = window.Filter(windows, e.cfg.ManagedPrayerNames)

	res := e.deps.Reconciler.ReconcileDay(ctx, d, loc, windows)
	day.Duplicates = res.Duplicates
	metrics.RecordDuplicates(res.Duplicates)

	if res.Err != nil {
		day.Error = res.Err.Error()
		switch {
		case errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded):
			day.Status = DayAborted
			return day, dayCancelled
		case errors.Is(res.Err, ErrAuthentication):
			appLog.Error("calendar credentials rejected", res.Err)
			day.Status = DayFailed
			return day, dayFatal
		default:
			metrics.RecordCalendarError("list", 1)
			day.Status = DayFailed
			return day, daySkip
		}
	}

	day.Created = res.Count(model.DecisionCreate)
	day.Updated = res.Count(model.DecisionUpdate)
	day.NoOp = res.Count(model.DecisionNoOp)
	day.Skipped = res.Count(model.DecisionSkip)
	day.WriteFailures = res.WriteFailures()
	for _, k := range []model.Decision{model.DecisionCreate, model.DecisionUpdate, model.DecisionNoOp, model.DecisionSkip} {
		metrics.RecordDecisions(string(k), res.Count(k))
	}
	metrics.RecordCalendarError("write", day.WriteFailures)

	var authErr error
	var failures []string
	for _, o := range res.Outcomes {
		switch {
		case o.Decision == model.DecisionSkip:
		case o.Err != nil:
			failures = append(failures, o.PrayerKey)
			if authErr == nil && errors.Is(o.Err, ErrAuthentication) {
				authErr = o.Err
			}
		default:
			day.Events = append(day.Events, eventWithID(o))
		}
	}

	if authErr != nil {
		day.Error = authErr.Error()
		day.Status = DayFailed
		return day, dayFatal
	}
	if day.Skipped > 0 || day.WriteFailures > 0 {
		if len(failures) > 0 {
			day.Error = "write failed: " + strings.Join(failures, ", ")
		}
		day.Status = DayPartial
		return day, daySkip
	}
	day.Status = DaySynced
	return day, dayOK
}

func eventWithID(o reconcile.Outcome) model.ManagedEvent {
	ev := o.Event
	ev.RemoteID = o.RemoteID
	return ev
}
