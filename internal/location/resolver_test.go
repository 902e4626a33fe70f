package location

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prayersync/internal/config"
	"prayersync/internal/model"
)

type fakeGeo struct {
	fix   Fix
	err   error
	calls int
}

func (f *fakeGeo) Lookup(ctx context.Context) (Fix, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return f.fix, f.err
}

func opts() Options {
	return Options{
		Enabled:         true,
		ThresholdKm:     25,
		FallbackAddress: "Sydney NSW, Australia",
		DefaultTimezone: "Australia/Sydney",
	}
}

func lastKnown(lat, lon float64, tz string) *config.LastKnownFix {
	return &config.LastKnownFix{IP: "198.51.100.1", Latitude: &lat, Longitude: &lon, Timezone: tz}
}

// Sydney CBD.
const baseLat, baseLon = -33.8688, 151.2093

func TestResolveDisabledUsesStaticAddress(t *testing.T) {
	o := opts()
	o.Enabled = false
	geo := &fakeGeo{}

	res, err := NewResolver(o, geo).Resolve(context.Background(), lastKnown(baseLat, baseLon, "Australia/Sydney"))
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, res.Source)
	assert.False(t, res.ShouldPersist)
	assert.Equal(t, model.LocationAddress, res.Location.Kind)
	assert.Equal(t, "Sydney NSW, Australia", res.Location.Address)
	assert.Zero(t, geo.calls)
}

func TestResolveLookupFailureWithLastKnown(t *testing.T) {
	geo := &fakeGeo{err: fmt.Errorf("%w: status 503", ErrFixUnavailable)}

	res, err := NewResolver(opts(), geo).Resolve(context.Background(), lastKnown(baseLat, baseLon, "Australia/Sydney"))
	require.NoError(t, err)
	assert.Equal(t, SourceLastKnown, res.Source)
	assert.False(t, res.ShouldPersist)
	assert.Equal(t, model.LocationCoordinates, res.Location.Kind)
	assert.Equal(t, baseLat, res.Location.Latitude)
}

func TestResolveLookupFailureWithoutLastKnown(t *testing.T) {
	geo := &fakeGeo{err: ErrFixUnavailable}

	res, err := NewResolver(opts(), geo).Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.True(t, res.ShouldPersist)
	assert.Equal(t, "Australia/Sydney", res.Persist.Timezone)
	assert.False(t, res.Persist.HasCoordinates())
	assert.Equal(t, model.LocationAddress, res.Location.Kind)
}

func TestResolveTimezoneOnlySeedFallsBackToAddress(t *testing.T) {
	geo := &fakeGeo{err: ErrFixUnavailable}
	seed := &config.LastKnownFix{Timezone: "Australia/Melbourne"}

	res, err := NewResolver(opts(), geo).Resolve(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, SourceLastKnown, res.Source)
	assert.Equal(t, model.LocationAddress, res.Location.Kind)
	assert.Equal(t, "Australia/Melbourne", res.Location.TimezoneName)
}

func TestResolveFirstFixIsAdopted(t *testing.T) {
	geo := &fakeGeo{fix: Fix{IP: "203.0.113.9", Latitude: baseLat, Longitude: baseLon, TimezoneName: "Australia/Sydney"}}

	res, err := NewResolver(opts(), geo).Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFresh, res.Source)
	assert.True(t, res.ShouldPersist)
	require.True(t, res.Persist.HasCoordinates())
	assert.Equal(t, "203.0.113.9", res.Persist.IP)
}

func TestResolveInvalidTimezoneIsTreatedAsUnavailable(t *testing.T) {
	geo := &fakeGeo{fix: Fix{IP: "203.0.113.9", Latitude: baseLat, Longitude: baseLon, TimezoneName: "Nowhere/Land"}}

	res, err := NewResolver(opts(), geo).Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
}

func TestResolveCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewResolver(opts(), &fakeGeo{}).Resolve(ctx, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResolveHysteresis(t *testing.T) {
	last := lastKnown(baseLat, baseLon, "Australia/Sydney")

	tests := []struct {
		name        string
		lat, lon    float64
		tz          string
		wantSource  Source
		wantPersist bool
	}{
		{name: "jitter within threshold", lat: baseLat + 0.05, lon: baseLon, tz: "Australia/Sydney", wantSource: SourceStable},
		{name: "identical fix", lat: baseLat, lon: baseLon, tz: "Australia/Sydney", wantSource: SourceStable},
		// ~0.3 degrees of latitude is about 33 km.
		{name: "beyond threshold", lat: baseLat + 0.3, lon: baseLon, tz: "Australia/Sydney", wantSource: SourceFresh, wantPersist: true},
		{name: "timezone changed nearby", lat: baseLat, lon: baseLon, tz: "Australia/Brisbane", wantSource: SourceFresh, wantPersist: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			geo := &fakeGeo{fix: Fix{IP: "203.0.113.9", Latitude: tt.lat, Longitude: tt.lon, TimezoneName: tt.tz}}
			res, err := NewResolver(opts(), geo).Resolve(context.Background(), last)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, res.Source)
			assert.Equal(t, tt.wantPersist, res.ShouldPersist)
			if tt.wantSource == SourceStable {
				assert.Equal(t, baseLat, res.Location.Latitude, "stable resolution keeps the last-known coordinates")
			}
		})
	}
}

// Below the threshold with the same zone never adopts; at or above always does.
func TestResolveHysteresisMonotonic(t *testing.T) {
	last := lastKnown(baseLat, baseLon, "Australia/Sydney")
	o := opts()
	for step := 0; step <= 60; step++ {
		lat := baseLat + float64(step)*0.01
		d := DistanceKm(baseLat, baseLon, lat, baseLon)
		geo := &fakeGeo{fix: Fix{IP: "203.0.113.9", Latitude: lat, Longitude: baseLon, TimezoneName: "Australia/Sydney"}}

		res, err := NewResolver(o, geo).Resolve(context.Background(), last)
		require.NoError(t, err)
		if d < o.ThresholdKm {
			assert.False(t, res.ShouldPersist, "d=%.2f", d)
			assert.Equal(t, SourceStable, res.Source)
		} else {
			assert.True(t, res.ShouldPersist, "d=%.2f", d)
			assert.Equal(t, SourceFresh, res.Source)
		}
	}
}

func TestDistanceKm(t *testing.T) {
	// Sydney to Melbourne is roughly 713 km.
	d := DistanceKm(-33.8688, 151.2093, -37.8136, 144.9631)
	assert.InDelta(t, 713, d, 5)
	assert.Zero(t, DistanceKm(10, 10, 10, 10))
}
