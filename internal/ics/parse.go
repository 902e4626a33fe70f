package ics

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	ical "github.com/arran4/golang-ical"

	appLog "prayersync/internal/log"
	"prayersync/internal/model"
)

const (
	propTimeZone = ical.ComponentProperty("X-PRAYERSYNC-TZID")
	propReminder = ical.ComponentProperty("X-PRAYERSYNC-REMINDER")
	propRemoteID = ical.ComponentProperty("X-PRAYERSYNC-REMOTE-ID")
)

// Entry is one exported prayer window.
type Entry struct {
	UID   string
	Event model.ManagedEvent
}

// ReadFile loads the entries of a previously exported file. A missing file
// yields no entries and no error.
func ReadFile(path string) ([]Entry, error) {
	body, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(body)
}

// Parse decodes an ICS payload. VEVENTs without a UID or with an unreadable
// DTSTART/DTEND are logged and skipped.
func Parse(body []byte) ([]Entry, error) {
	if len(body) == 0 {
		return nil, nil
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(cal.Events()))
	for _, ve := range cal.Events() {
		e, perr := parseVEvent(ve)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "err", perr.Error())
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseVEvent(ve *ical.VEvent) (Entry, error) {
	var out Entry

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uid.Value

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return out, err
	}
	out.Event.Start = start
	out.Event.End = end

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Event.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Event.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(propTimeZone); p != nil {
		out.Event.TimeZone = p.Value
	}
	if p := ve.GetProperty(propRemoteID); p != nil {
		out.Event.RemoteID = p.Value
	}
	if p := ve.GetProperty(propReminder); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Event.ReminderMinutes = n
		}
	}
	return out, nil
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return textUnescaper.Replace(s)
}
