package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{in: "05:10:00", want: Clock{5, 10, 0}},
		{in: "23:59:59", want: Clock{23, 59, 59}},
		{in: " 6:32:07 ", want: Clock{6, 32, 7}},
		{in: "05:10", wantErr: true},
		{in: "05:10:00:00", wantErr: true},
		{in: "aa:10:00", wantErr: true},
		{in: "24:00:00", wantErr: true},
		{in: "05::00", wantErr: true},
		{in: "+5:00:00", wantErr: true},
		{in: "-0:10:00", wantErr: true},
		{in: "05:+1:00", wantErr: true},
		{in: "05:10: 0", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClock(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidClock))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDateAddDaysCrossesMonthAndYear(t *testing.T) {
	d := Date{2024, time.February, 29}
	assert.Equal(t, "2024-03-01", d.AddDays(1).String())
	assert.Equal(t, "2024-02-28", d.AddDays(-1).String())
	assert.Equal(t, "2025-01-01", Date{2024, time.December, 31}.AddDays(1).String())
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, Date{2024, time.March, 1}, d)

	_, err = ParseDate("03/01/2024")
	assert.Error(t, err)
}

func TestWindowLocalizeRejectsNonPositive(t *testing.T) {
	loc := time.UTC
	w := PrayerWindow{
		PrayerKey: "Fajr",
		Start:     LocalDateTime{Date{2024, 3, 1}, Clock{6, 0, 0}},
		End:       LocalDateTime{Date{2024, 3, 1}, Clock{6, 0, 0}},
	}
	_, _, err := w.Localize(loc)
	assert.ErrorIs(t, err, ErrWindowNotPositive)

	w.End.Date = Date{2024, 3, 2}
	start, end, err := w.Localize(loc)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}

func TestValidateDefinitions(t *testing.T) {
	ok := []PrayerDefinition{{Key: "Fajr", StartLabel: "Imsak", EndLabel: "Sunrise"}}
	assert.NoError(t, ValidateDefinitions(ok))

	dup := append(ok, PrayerDefinition{Key: "Fajr", StartLabel: "A", EndLabel: "B"})
	assert.Error(t, ValidateDefinitions(dup))

	missing := []PrayerDefinition{{Key: "Isha", StartLabel: "Isha"}}
	assert.Error(t, ValidateDefinitions(missing))

	assert.Error(t, ValidateDefinitions(nil))
}

func TestOperatingLocationConstructors(t *testing.T) {
	loc, err := NewCoordinateLocation("Australia/Sydney", -33.87, 151.21, "")
	require.NoError(t, err)
	assert.Equal(t, LocationCoordinates, loc.Kind)
	assert.True(t, loc.Valid())
	assert.Equal(t, "Australia/Sydney", loc.TZ().String())
	assert.Equal(t, "Lat/Lon: -33.87,151.21", loc.DisplayLabel)

	_, err = NewCoordinateLocation("Australia/Sydney", 91, 0, "")
	assert.ErrorIs(t, err, ErrInvalidLocation)

	_, err = NewCoordinateLocation("", 0, 0, "")
	assert.ErrorIs(t, err, ErrInvalidLocation)

	_, err = NewAddressLocation("Not/AZone", "Sydney", "")
	assert.ErrorIs(t, err, ErrInvalidLocation)

	addr, err := NewAddressLocation("Europe/London", "  London, UK ", "")
	require.NoError(t, err)
	assert.Equal(t, LocationAddress, addr.Kind)
	assert.Equal(t, "London, UK", addr.Address)

	assert.False(t, OperatingLocation{}.Valid())
}
