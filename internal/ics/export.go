// Package ics mirrors the synchronized prayer windows into an iCalendar
// file that other calendar clients can subscribe to.
package ics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/renameio/v2"

	"prayersync/internal/engine"
	appLog "prayersync/internal/log"
	"prayersync/internal/model"
)

const productID = "-//prayersync//prayer windows//EN"

// DefaultRetention is how long past windows stay in the exported file.
const DefaultRetention = 7 * 24 * time.Hour

// Exporter rewrites the ICS file after every run. Windows from earlier runs
// are kept until they are older than Retention; a window exported again
// (same prayer, same day) replaces the older copy.
type Exporter struct {
	Path      string
	Retention time.Duration

	now func() time.Time
}

var _ engine.Observer = (*Exporter)(nil)

func NewExporter(path string) *Exporter {
	return &Exporter{Path: path, Retention: DefaultRetention, now: time.Now}
}

// RunFinished exports the events of r. Runs that synchronized nothing leave
// the file untouched.
func (x *Exporter) RunFinished(_ context.Context, r engine.Report) error {
	var fresh []model.ManagedEvent
	for _, d := range r.Days {
		fresh = append(fresh, d.Events...)
	}
	if len(fresh) == 0 {
		return nil
	}
	return x.Export(fresh)
}

// Export merges events into the existing file and writes it atomically.
func (x *Exporter) Export(events []model.ManagedEvent) error {
	previous, err := ReadFile(x.Path)
	if err != nil {
		// A corrupt export is regenerated from scratch.
		appLog.Warn("ics export unreadable; rewriting", "path", x.Path, "err", err.Error())
		previous = nil
	}

	byUID := make(map[string]model.ManagedEvent, len(previous)+len(events))
	for _, e := range previous {
		byUID[e.UID] = e.Event
	}
	for _, ev := range events {
		byUID[UID(ev)] = ev
	}

	cutoff := x.clock().Add(-x.retention())
	entries := make([]Entry, 0, len(byUID))
	for uid, ev := range byUID {
		if ev.End.Before(cutoff) {
			continue
		}
		entries = append(entries, Entry{UID: uid, Event: ev})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Event.Start.Equal(entries[j].Event.Start) {
			return entries[i].Event.Start.Before(entries[j].Event.Start)
		}
		return entries[i].UID < entries[j].UID
	})

	body := Render(entries, x.clock())
	if dir := filepath.Dir(x.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ics: create dir: %w", err)
		}
	}
	if err := renameio.WriteFile(x.Path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("ics: write %s: %w", x.Path, err)
	}
	appLog.Info("ics export written", "path", x.Path, "events", len(entries), "new", len(events))
	return nil
}

// Render serializes entries as a VCALENDAR stamped at now.
func Render(entries []Entry, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName("Prayer times")

	for _, e := range entries {
		ev := e.Event
		ve := cal.AddEvent(e.UID)
		ve.SetDtStampTime(now)
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
		ve.SetSummary(ev.Summary)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.TimeZone != "" {
			ve.SetProperty(propTimeZone, ev.TimeZone)
		}
		if ev.RemoteID != "" {
			ve.SetProperty(propRemoteID, ev.RemoteID)
		}
		if ev.ReminderMinutes > 0 {
			ve.SetProperty(propReminder, strconv.Itoa(ev.ReminderMinutes))
			alarm := ve.AddAlarm()
			alarm.SetAction(ical.ActionDisplay)
			alarm.SetTrigger(fmt.Sprintf("-PT%dM", ev.ReminderMinutes))
			alarm.SetProperty(ical.ComponentPropertyDescription, ev.Summary)
		}
	}
	return cal.Serialize()
}

// UID identifies a prayer window by summary and local start date, so the
// same window exported by a later run replaces the earlier one.
func UID(ev model.ManagedEvent) string {
	start := ev.Start
	if ev.TimeZone != "" {
		if loc, err := time.LoadLocation(ev.TimeZone); err == nil {
			start = start.In(loc)
		}
	}
	slug := strings.ToLower(strings.Join(strings.Fields(ev.Summary), "-"))
	return fmt.Sprintf("%s-%s@prayersync", slug, start.Format("20060102"))
}

func (x *Exporter) clock() time.Time {
	if x.now == nil {
		return time.Now()
	}
	return x.now()
}

func (x *Exporter) retention() time.Duration {
	if x.Retention <= 0 {
		return DefaultRetention
	}
	return x.Retention
}
