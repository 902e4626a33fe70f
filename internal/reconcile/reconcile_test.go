package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prayersync/internal/model"
)

// memStore is an in-memory calendar.
type memStore struct {
	events  []model.ManagedEvent
	nextID  int
	creates int
	updates int
	lists   int

	listErr   error
	createErr map[string]error
	onList    func()
}

func (s *memStore) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]model.ManagedEvent, error) {
	s.lists++
	if s.onList != nil {
		s.onList()
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.ManagedEvent
	for _, ev := range s.events {
		if ev.Start.Before(timeMax) && ev.End.After(timeMin) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *memStore) CreateEvent(ctx context.Context, calendarID string, ev model.ManagedEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.createErr[ev.Summary]; err != nil {
		return "", err
	}
	s.creates++
	s.nextID++
	ev.RemoteID = fmt.Sprintf("ev%d", s.nextID)
	s.events = append(s.events, ev)
	return ev.RemoteID, nil
}

func (s *memStore) UpdateEvent(ctx context.Context, calendarID string, ev model.ManagedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := range s.events {
		if s.events[i].RemoteID == ev.RemoteID {
			s.updates++
			s.events[i] = ev
			return nil
		}
	}
	return errors.New("404 not found")
}

const baseURL = "https://www.muwaqqit.com/index"

var (
	day = model.Date{Year: 2025, Month: time.January, Day: 15}
	ny  *time.Location
)

func init() {
	var err error
	ny, err = time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
}

func nyLocation(t *testing.T) model.OperatingLocation {
	t.Helper()
	loc, err := model.NewCoordinateLocation("America/New_York", 40.7128, -74.006, "")
	require.NoError(t, err)
	return loc
}

func clockAt(d model.Date, h, m int) model.LocalDateTime {
	return model.LocalDateTime{Date: d, Clock: model.Clock{Hour: h, Minute: m}}
}

func newReconciler(s Store) *Reconciler {
	return New(s, Options{
		CalendarID:      "primary",
		BaseURL:         baseURL,
		ReminderMinutes: 10,
		ManagedKeys:     []string{"Fajr", "Dhuhr", "Isha"},
	})
}

func fajrWindow() model.PrayerWindow {
	return model.PrayerWindow{PrayerKey: "Fajr", Start: clockAt(day, 5, 0), End: clockAt(day, 6, 30)}
}

func TestReconcileCreatesMissingEvent(t *testing.T) {
	s := &memStore{}
	loc := nyLocation(t)

	res := newReconciler(s).ReconcileDay(context.Background(), day, loc, []model.PrayerWindow{fajrWindow()})
	require.NoError(t, res.Err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, model.DecisionCreate, res.Outcomes[0].Decision)
	assert.Equal(t, 1, s.creates)

	ev := s.events[0]
	assert.Equal(t, "Fajr Prayer", ev.Summary)
	assert.Equal(t, "America/New_York", ev.TimeZone)
	assert.Equal(t, 10, ev.ReminderMinutes)
	assert.True(t, ev.Start.Equal(time.Date(2025, 1, 15, 5, 0, 0, 0, ny)))
	assert.Equal(t,
		"Time for Fajr prayer.\nURL for this day's times: https://www.muwaqqit.com/index?lt=40.7128&ln=-74.006&tz=America%2FNew_York&d=2025-01-15",
		ev.Description)
}

func TestReconcileNoOpWhenUnchanged(t *testing.T) {
	s := &memStore{}
	loc := nyLocation(t)
	r := newReconciler(s)
	windows := []model.PrayerWindow{fajrWindow()}

	first := r.ReconcileDay(context.Background(), day, loc, windows)
	require.NoError(t, first.Err)

	second := r.ReconcileDay(context.Background(), day, loc, windows)
	require.NoError(t, second.Err)
	assert.Equal(t, model.DecisionNoOp, second.Outcomes[0].Decision)
	assert.Equal(t, 1, s.creates)
	assert.Zero(t, s.updates)
}

func TestReconcileUpdatesWhenOneMinuteOff(t *testing.T) {
	s := &memStore{}
	loc := nyLocation(t)
	r := newReconciler(s)
	require.NoError(t, r.ReconcileDay(context.Background(), day, loc, []model.PrayerWindow{fajrWindow()}).Err)

	moved := fajrWindow()
	moved.Start = clockAt(day, 5, 1)
	res := r.ReconcileDay(context.Background(), day, loc, []model.PrayerWindow{moved})
	require.NoError(t, res.Err)
	assert.Equal(t, model.DecisionUpdate, res.Outcomes[0].Decision)
	assert.Equal(t, "ev1", res.Outcomes[0].RemoteID)
	assert.Equal(t, 1, s.updates)
	assert.True(t, s.events[0].Start.Equal(time.Date(2025, 1, 15, 5, 1, 0, 0, ny)))
}

func TestReconcileUpdatesWhenDescriptionChanges(t *testing.T) {
	s := &memStore{}
	r := newReconciler(s)
	require.NoError(t, r.ReconcileDay(context.Background(), day, nyLocation(t), []model.PrayerWindow{fajrWindow()}).Err)

	// Same instants, different operating location.
	other, err := model.NewAddressLocation("America/New_York", "Brooklyn, NY", "")
	require.NoError(t, err)
	res := r.ReconcileDay(context.Background(), day, other, []model.PrayerWindow{fajrWindow()})
	assert.Equal(t, model.DecisionUpdate, res.Outcomes[0].Decision)
}

func TestReconcileIsIdempotentAcrossDays(t *testing.T) {
	s := &memStore{}
	loc := nyLocation(t)
	r := newReconciler(s)

	windowsFor := func(d model.Date) []model.PrayerWindow {
		return []model.PrayerWindow{
			{PrayerKey: "Fajr", Start: clockAt(d, 5, 0), End: clockAt(d, 6, 30)},
			// Crosses midnight into the next day.
			{PrayerKey: "Isha", Start: clockAt(d, 21, 30), End: clockAt(d.AddDays(1), 0, 45)},
		}
	}
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < 3; i++ {
			d := day.AddDays(i)
			res := r.ReconcileDay(context.Background(), d, loc, windowsFor(d))
			require.NoError(t, res.Err)
			if pass == 1 {
				assert.Equal(t, 2, res.Count(model.DecisionNoOp), "day %s", d)
			}
		}
	}
	assert.Equal(t, 6, s.creates)
	assert.Zero(t, s.updates, "a previous day's Isha overlapping midnight must not be mistaken for today's")
}

func TestReconcileShiftedStartIsIdempotent(t *testing.T) {
	tests := []struct {
		name   string
		window model.PrayerWindow
		start  time.Time
	}{
		{
			name:   "previous day start",
			window: model.PrayerWindow{PrayerKey: "Isha", Start: clockAt(day.AddDays(-1), 23, 30), End: clockAt(day, 0, 30)},
			start:  time.Date(2025, 1, 14, 23, 30, 0, 0, ny),
		},
		{
			name:   "next day start",
			window: model.PrayerWindow{PrayerKey: "Isha", Start: clockAt(day.AddDays(1), 0, 20), End: clockAt(day.AddDays(1), 1, 50)},
			start:  time.Date(2025, 1, 16, 0, 20, 0, 0, ny),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &memStore{}
			r := newReconciler(s)
			windows := []model.PrayerWindow{fajrWindow(), tt.window}

			first := r.ReconcileDay(context.Background(), day, nyLocation(t), windows)
			require.NoError(t, first.Err)
			assert.Equal(t, 2, first.Count(model.DecisionCreate))

			for pass := 0; pass < 2; pass++ {
				again := r.ReconcileDay(context.Background(), day, nyLocation(t), windows)
				require.NoError(t, again.Err)
				assert.Equal(t, 2, again.Count(model.DecisionNoOp), "pass %d", pass)
			}
			assert.Equal(t, 2, s.creates)
			assert.Zero(t, s.updates)
			require.Len(t, s.events, 2)
			assert.True(t, s.events[1].Start.Equal(tt.start))
		})
	}
}

func TestReconcileShiftedStartMovedIsUpdated(t *testing.T) {
	s := &memStore{}
	r := newReconciler(s)
	isha := model.PrayerWindow{PrayerKey: "Isha", Start: clockAt(day.AddDays(-1), 23, 30), End: clockAt(day, 0, 30)}
	require.NoError(t, r.ReconcileDay(context.Background(), day, nyLocation(t), []model.PrayerWindow{isha}).Err)

	isha.Start = clockAt(day.AddDays(-1), 23, 31)
	res := r.ReconcileDay(context.Background(), day, nyLocation(t), []model.PrayerWindow{isha})
	require.NoError(t, res.Err)
	assert.Equal(t, model.DecisionUpdate, res.Outcomes[0].Decision)
	assert.Equal(t, 1, s.creates)
	assert.Equal(t, 1, s.updates)
}

func TestReconcileDuplicateSummaryFirstSeenWins(t *testing.T) {
	start := time.Date(2025, 1, 15, 5, 0, 0, 0, ny)
	s := &memStore{events: []model.ManagedEvent{
		{RemoteID: "late", Summary: "Fajr Prayer", Start: start.Add(time.Minute), End: start.Add(time.Hour)},
		{RemoteID: "early", Summary: "Fajr Prayer", Start: start.Add(-time.Minute), End: start.Add(time.Hour)},
		{RemoteID: "other", Summary: "Dentist", Start: start, End: start.Add(time.Hour)},
	}}

	res := newReconciler(s).ReconcileDay(context.Background(), day, nyLocation(t), []model.PrayerWindow{fajrWindow()})
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Duplicates)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, model.DecisionUpdate, res.Outcomes[0].Decision)
	assert.Equal(t, "early", res.Outcomes[0].RemoteID)
	assert.Zero(t, s.creates)
}

func TestReconcileSkipsNonPositiveWindow(t *testing.T) {
	s := &memStore{}
	bad := model.PrayerWindow{PrayerKey: "Isha", Start: clockAt(day, 23, 0), End: clockAt(day, 0, 40)}

	res := newReconciler(s).ReconcileDay(context.Background(), day, nyLocation(t), []model.PrayerWindow{bad, fajrWindow()})
	require.NoError(t, res.Err)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, model.DecisionSkip, res.Outcomes[0].Decision)
	assert.ErrorIs(t, res.Outcomes[0].Err, model.ErrWindowNotPositive)
	assert.Equal(t, model.DecisionCreate, res.Outcomes[1].Decision)
	assert.Equal(t, 1, s.creates)
	assert.Zero(t, res.WriteFailures())
}

func TestReconcileListFailureWritesNothing(t *testing.T) {
	s := &memStore{listErr: errors.New("googleapi: Error 503: backend error")}

	res := newReconciler(s).ReconcileDay(context.Background(), day, nyLocation(t), []model.PrayerWindow{fajrWindow()})
	require.ErrorIs(t, res.Err, ErrCalendarAPI)
	assert.Empty(t, res.Outcomes)
	assert.Zero(t, s.creates)
}

func TestReconcileWriteFailureIsolated(t *testing.T) {
	s := &memStore{createErr: map[string]error{"Fajr Prayer": errors.New("googleapi: Error 403: rate limit")}}
	dhuhr := model.PrayerWindow{PrayerKey: "Dhuhr", Start: clockAt(day, 12, 5), End: clockAt(day, 14, 40)}

	res := newReconciler(s).ReconcileDay(context.Background(), day, nyLocation(t), []model.PrayerWindow{fajrWindow(), dhuhr})
	require.NoError(t, res.Err)
	require.Len(t, res.Outcomes, 2)
	assert.ErrorIs(t, res.Outcomes[0].Err, ErrCalendarAPI)
	assert.NoError(t, res.Outcomes[1].Err)
	assert.Equal(t, 1, res.WriteFailures())
	assert.Equal(t, 1, s.creates)
}

func TestReconcileCancelledDuringListWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &memStore{}
	dhuhr := model.PrayerWindow{PrayerKey: "Dhuhr", Start: clockAt(day, 12, 5), End: clockAt(day, 14, 40)}
	r := newReconciler(s)

	s.onList = cancel
	res := r.ReconcileDay(ctx, day, nyLocation(t), []model.PrayerWindow{fajrWindow(), dhuhr})
	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, s.creates)
}

func TestReconcileDayStartedWritesIgnoreCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &cancelOnFirstCreate{memStore: &memStore{}, cancel: cancel}
	dhuhr := model.PrayerWindow{PrayerKey: "Dhuhr", Start: clockAt(day, 12, 5), End: clockAt(day, 14, 40)}

	res := newReconciler(s).ReconcileDay(ctx, day, nyLocation(t), []model.PrayerWindow{fajrWindow(), dhuhr})
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Count(model.DecisionCreate))
	assert.Zero(t, res.WriteFailures())
	assert.Equal(t, 2, s.creates)
}

type cancelOnFirstCreate struct {
	*memStore
	cancel context.CancelFunc
}

func (c *cancelOnFirstCreate) CreateEvent(ctx context.Context, calendarID string, ev model.ManagedEvent) (string, error) {
	id, err := c.memStore.CreateEvent(ctx, calendarID, ev)
	c.cancel()
	return id, err
}
