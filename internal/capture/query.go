package capture

import (
	"net/url"
	"strconv"
	"strings"

	"prayersync/internal/model"
)

// QueryURL builds the time-table URL for loc and date. Parameters are
// appended in a fixed order: coordinates (lt, ln) or address (add), then
// the timezone (tz) and the date (d).
func QueryURL(base string, loc model.OperatingLocation, date model.Date) string {
	params := make([]string, 0, 4)
	switch loc.Kind {
	case model.LocationCoordinates:
		params = append(params,
			"lt="+strconv.FormatFloat(loc.Latitude, 'f', -1, 64),
			"ln="+strconv.FormatFloat(loc.Longitude, 'f', -1, 64),
		)
	default:
		params = append(params, "add="+url.QueryEscape(loc.Address))
	}
	params = append(params,
		"tz="+url.QueryEscape(loc.TimezoneName),
		"d="+date.String(),
	)

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
		if strings.HasSuffix(base, "?") || strings.HasSuffix(base, "&") {
			sep = ""
		}
	}
	return base + sep + strings.Join(params, "&")
}
