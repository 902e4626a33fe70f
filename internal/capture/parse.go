package capture

import (
	"sort"
	"strings"

	appLog "prayersync/internal/log"
	"prayersync/internal/model"
)

// Row is the text of one time-table row: the bold label from the first
// cell (empty when the cell has none), the time cell and the date cell.
type Row struct {
	Label  string
	Time   string
	Offset string
}

const (
	markerNextDay = "▲"
	markerPrevDay = "▼"
)

// rangeMarkers separate the start of a time range from its end.
var rangeMarkers = []string{"–", "—"}

// ParseRows turns table rows into entries keyed by label. Rows whose label
// is not wanted are ignored; rows with a malformed time are discarded with
// a warning. When a label repeats, the first valid row wins.
func ParseRows(rows []Row, wanted map[string]struct{}) map[string]model.RawTimeEntry {
	out := make(map[string]model.RawTimeEntry, len(wanted))
	for _, row := range rows {
		label := strings.TrimSpace(row.Label)
		if _, ok := wanted[label]; !ok {
			continue
		}
		if _, seen := out[label]; seen {
			appLog.Debug("duplicate time-table label ignored", "label", label)
			continue
		}

		token := leadingTimeToken(row.Time)
		clock, err := model.ParseClock(token)
		if err != nil {
			appLog.Warn("discarding row with malformed time", "label", label, "token", token, "cell", row.Time)
			continue
		}

		out[label] = model.RawTimeEntry{
			Label:          label,
			Clock:          clock,
			DateOffsetDays: dateOffset(row.Offset),
		}
	}
	return out
}

func leadingTimeToken(cell string) string {
	fields := strings.Fields(cell)
	if len(fields) == 0 {
		return ""
	}
	token := fields[0]
	for _, m := range rangeMarkers {
		if i := strings.Index(token, m); i >= 0 {
			token = token[:i]
		}
	}
	return token
}

func dateOffset(cell string) int {
	switch {
	case strings.Contains(cell, markerNextDay):
		return 1
	case strings.Contains(cell, markerPrevDay):
		return -1
	default:
		return 0
	}
}

// PairEntries assembles the start/end entries for every definition. It
// returns the sorted list of labels that were not found; a non-empty list
// means the day is incomplete and the returned map must not be used.
func PairEntries(defs []model.PrayerDefinition, entries map[string]model.RawTimeEntry) (map[string]model.EntryPair, []string) {
	pairs := make(map[string]model.EntryPair, len(defs))
	missing := make(map[string]struct{})
	for _, d := range defs {
		start, okStart := entries[d.StartLabel]
		end, okEnd := entries[d.EndLabel]
		if !okStart {
			missing[d.StartLabel] = struct{}{}
		}
		if !okEnd {
			missing[d.EndLabel] = struct{}{}
		}
		if okStart && okEnd {
			pairs[d.Key] = model.EntryPair{Start: start, End: end}
		}
	}
	if len(missing) == 0 {
		return pairs, nil
	}
	labels := make([]string, 0, len(missing))
	for l := range missing {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return nil, labels
}
