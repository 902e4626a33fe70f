package ics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prayersync/internal/engine"
	"prayersync/internal/model"
)

func sydney(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	return loc
}

func prayer(loc *time.Location, key string, day, startH, startM, endH, endM int) model.ManagedEvent {
	start := time.Date(2024, time.March, day, startH, startM, 0, 0, loc)
	end := time.Date(2024, time.March, day, endH, endM, 0, 0, loc)
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return model.ManagedEvent{
		RemoteID: strings.ToLower(key) + "-remote",
		Summary:  model.SummaryFor(key),
		Start:    start,
		End:      end,
		TimeZone: loc.String(),
	}
}

func newTestExporter(t *testing.T, now time.Time) *Exporter {
	t.Helper()
	x := NewExporter(filepath.Join(t.TempDir(), "out", "prayers.ics"))
	x.now = func() time.Time { return now }
	return x
}

func TestUIDUsesLocalStartDate(t *testing.T) {
	loc := sydney(t)
	// 05:10 local on the 11th is still the 10th in UTC.
	ev := prayer(loc, "Fajr", 11, 5, 10, 6, 30)
	assert.Equal(t, "fajr-prayer-20240311@prayersync", UID(ev))
}

func TestRunFinishedWritesEvents(t *testing.T) {
	loc := sydney(t)
	x := newTestExporter(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))

	fajr := prayer(loc, "Fajr", 10, 5, 10, 6, 30)
	fajr.ReminderMinutes = 10
	isha := prayer(loc, "Isha", 10, 20, 5, 0, 40)

	err := x.RunFinished(context.Background(), engine.Report{Days: []engine.DayReport{{
		Date:   "2024-03-10",
		Status: engine.DaySynced,
		Events: []model.ManagedEvent{isha, fajr},
	}}})
	require.NoError(t, err)

	raw, err := os.ReadFile(x.Path)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "BEGIN:VALARM")
	assert.Contains(t, body, "-PT10M")

	entries, err := ReadFile(x.Path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "Fajr Prayer", entries[0].Event.Summary)
	assert.True(t, entries[0].Event.Start.Equal(fajr.Start))
	assert.Equal(t, 10, entries[0].Event.ReminderMinutes)
	assert.Equal(t, "fajr-remote", entries[0].Event.RemoteID)
	assert.Equal(t, "Australia/Sydney", entries[0].Event.TimeZone)

	assert.Equal(t, "Isha Prayer", entries[1].Event.Summary)
	assert.True(t, entries[1].Event.End.Equal(isha.End))
}

func TestExportMergesAndReplaces(t *testing.T) {
	loc := sydney(t)
	x := newTestExporter(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))

	require.NoError(t, x.Export([]model.ManagedEvent{
		prayer(loc, "Fajr", 10, 5, 10, 6, 30),
		prayer(loc, "Dhuhr", 10, 13, 5, 16, 40),
	}))

	moved := prayer(loc, "Fajr", 10, 5, 11, 6, 30)
	require.NoError(t, x.Export([]model.ManagedEvent{
		moved,
		prayer(loc, "Fajr", 11, 5, 12, 6, 31),
	}))

	entries, err := ReadFile(x.Path)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "fajr-prayer-20240310@prayersync", entries[0].UID)
	assert.True(t, entries[0].Event.Start.Equal(moved.Start))
	assert.Equal(t, "dhuhr-prayer-20240310@prayersync", entries[1].UID)
	assert.Equal(t, "fajr-prayer-20240311@prayersync", entries[2].UID)
}

func TestExportDropsExpiredWindows(t *testing.T) {
	loc := sydney(t)
	x := newTestExporter(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, x.Export([]model.ManagedEvent{prayer(loc, "Asr", 2, 16, 40, 19, 20)}))

	x.now = func() time.Time { return time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, x.Export([]model.ManagedEvent{prayer(loc, "Asr", 20, 16, 30, 19, 0)}))

	entries, err := ReadFile(x.Path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "asr-prayer-20240320@prayersync", entries[0].UID)
}

func TestRunWithoutEventsLeavesFileAlone(t *testing.T) {
	x := newTestExporter(t, time.Now())
	require.NoError(t, x.RunFinished(context.Background(), engine.Report{Status: engine.StatusAborted}))
	_, err := os.Stat(x.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestCorruptExportIsRewritten(t *testing.T) {
	loc := sydney(t)
	x := newTestExporter(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, os.MkdirAll(filepath.Dir(x.Path), 0o755))
	require.NoError(t, os.WriteFile(x.Path, []byte("not a calendar"), 0o644))

	require.NoError(t, x.Export([]model.ManagedEvent{prayer(loc, "Maghrib", 10, 19, 20, 20, 40)}))
	entries, err := ReadFile(x.Path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReadFileMissing(t *testing.T) {
	entries, err := ReadFile(filepath.Join(t.TempDir(), "none.ics"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
