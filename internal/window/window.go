// Package window turns paired time-table entries into dated prayer windows.
package window

import "prayersync/internal/model"

// Assemble builds one window per definition, in definition order. Each
// endpoint is dated date + DateOffsetDays, so an end marked as next-day
// lands on the following calendar date. Definitions without a pair are
// returned in unavailable.
func Assemble(date model.Date, defs []model.PrayerDefinition, pairs map[string]model.EntryPair) (windows []model.PrayerWindow, unavailable []string) {
	windows = make([]model.PrayerWindow, 0, len(defs))
	for _, d := range defs {
		p, ok := pairs[d.Key]
		if !ok {
			unavailable = append(unavailable, d.Key)
			continue
		}
		windows = append(windows, model.PrayerWindow{
			PrayerKey: d.Key,
			Start:     dated(date, p.Start),
			End:       dated(date, p.End),
		})
	}
	return windows, unavailable
}

// Filter keeps windows whose key is in keys, preserving order.
func Filter(windows []model.PrayerWindow, keys []string) []model.PrayerWindow {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	out := windows[:0:0]
	for _, w := range windows {
		if _, ok := want[w.PrayerKey]; ok {
			out = append(out, w)
		}
	}
	return out
}

func dated(date model.Date, e model.RawTimeEntry) model.LocalDateTime {
	return model.LocalDateTime{Date: date.AddDays(e.DateOffsetDays), Clock: e.Clock}
}
