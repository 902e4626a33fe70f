package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"prayersync/internal/config"
	appLog "prayersync/internal/log"
	"prayersync/internal/model"
)

// Source records which branch produced a Resolution.
type Source string

const (
	SourceStatic    Source = "static"     // tracking disabled
	SourceFresh     Source = "fresh"      // new fix adopted
	SourceStable    Source = "stable"     // new fix within hysteresis, last-known kept
	SourceLastKnown Source = "last_known" // lookup failed, last-known reused
	SourceFallback  Source = "fallback"   // lookup failed, nothing known
)

// Options configures the resolver. It is a copy of the relevant config keys.
type Options struct {
	Enabled         bool
	ThresholdKm     float64
	FallbackAddress string
	DefaultTimezone string
}

// OptionsFromConfig extracts resolver options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Enabled:         cfg.Location.CheckEnabled,
		ThresholdKm:     cfg.Location.ChangeThresholdKm,
		FallbackAddress: cfg.Location.FallbackAddress,
		DefaultTimezone: cfg.TargetTimezone,
	}
}

// Resolution is the location chosen for a run.
type Resolution struct {
	Location model.OperatingLocation
	// ShouldPersist is true when Persist should replace the stored last-known fix.
	ShouldPersist bool
	Persist       config.LastKnownFix
	Source        Source
	// DistanceKm is set when a fresh fix was compared with a last-known one.
	DistanceKm float64
}

// Resolver decides, with hysteresis, which location a run operates in.
type Resolver struct {
	opts Options
	geo  Geolocator
}

func NewResolver(opts Options, geo Geolocator) *Resolver {
	return &Resolver{opts: opts, geo: geo}
}

// Resolve picks the operating location given the last-known fix (nil if none).
// Geolocation failures are absorbed by the fallback chain; the only errors
// returned are context cancellation and an unusable static fallback.
func (r *Resolver) Resolve(ctx context.Context, last *config.LastKnownFix) (Resolution, error) {
	if !r.opts.Enabled {
		loc, err := r.static()
		if err != nil {
			return Resolution{}, err
		}
		appLog.Info("location tracking disabled; using configured address", "address", loc.Address, "timezone", loc.TimezoneName)
		return Resolution{Location: loc, Source: SourceStatic}, nil
	}

	fix, err := r.lookup(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Resolution{}, ctx.Err()
		}
		appLog.Warn("geolocation unavailable; falling back", "err", err.Error(), "has_last_known", last != nil)
		if last != nil {
			loc, lerr := r.fromLastKnown(last)
			if lerr == nil {
				return Resolution{Location: loc, Source: SourceLastKnown}, nil
			}
			appLog.Error("last-known fix unusable; using configured address", lerr)
		}
		loc, serr := r.static()
		if serr != nil {
			return Resolution{}, serr
		}
		return Resolution{
			Location:      loc,
			ShouldPersist: true,
			Persist:       config.LastKnownFix{Timezone: loc.TimezoneName},
			Source:        SourceFallback,
		}, nil
	}

	fresh, err := locationFromFix(fix)
	if err != nil {
		// lookup already validated the fix; this only trips on a zone the
		// local tz database lacks.
		return Resolution{}, err
	}
	persist := persistedFix(fix)

	if last == nil {
		appLog.Info("first location fix adopted", "ip", fix.IP, "timezone", fix.TimezoneName)
		return Resolution{Location: fresh, ShouldPersist: true, Persist: persist, Source: SourceFresh}, nil
	}

	if !last.HasCoordinates() {
		appLog.Info("last-known fix has no coordinates; adopting new fix", "timezone", fix.TimezoneName)
		return Resolution{Location: fresh, ShouldPersist: true, Persist: persist, Source: SourceFresh}, nil
	}

	dist := DistanceKm(*last.Latitude, *last.Longitude, fix.Latitude, fix.Longitude)
	tzChanged := last.Timezone != fix.TimezoneName
	if dist >= r.opts.ThresholdKm || tzChanged {
		appLog.Info("location change detected; adopting new fix",
			"distance_km", dist,
			"threshold_km", r.opts.ThresholdKm,
			"old_timezone", last.Timezone,
			"new_timezone", fix.TimezoneName,
		)
		return Resolution{Location: fresh, ShouldPersist: true, Persist: persist, Source: SourceFresh, DistanceKm: dist}, nil
	}

	loc, err := r.fromLastKnown(last)
	if err != nil {
		appLog.Error("last-known fix unusable; adopting new fix", err)
		return Resolution{Location: fresh, ShouldPersist: true, Persist: persist, Source: SourceFresh, DistanceKm: dist}, nil
	}
	appLog.Debug("location stable; keeping last-known fix", "distance_km", dist, "threshold_km", r.opts.ThresholdKm)
	return Resolution{Location: loc, Source: SourceStable, DistanceKm: dist}, nil
}

func (r *Resolver) lookup(ctx context.Context) (Fix, error) {
	if r.geo == nil {
		return Fix{}, fmt.Errorf("%w: no geolocator configured", ErrFixUnavailable)
	}
	fix, err := r.geo.Lookup(ctx)
	if err != nil {
		return Fix{}, err
	}
	if _, err := time.LoadLocation(fix.TimezoneName); err != nil || fix.TimezoneName == "" {
		return Fix{}, fmt.Errorf("%w: unknown timezone %q", ErrFixUnavailable, fix.TimezoneName)
	}
	if fix.Latitude < -90 || fix.Latitude > 90 || fix.Longitude < -180 || fix.Longitude > 180 {
		return Fix{}, fmt.Errorf("%w: coordinates out of range", ErrFixUnavailable)
	}
	return fix, nil
}

func (r *Resolver) static() (model.OperatingLocation, error) {
	loc, err := model.NewAddressLocation(r.opts.DefaultTimezone, r.opts.FallbackAddress, "")
	if err != nil {
		return model.OperatingLocation{}, fmt.Errorf("location: configured fallback: %w", errors.Join(config.ErrInvalid, err))
	}
	return loc, nil
}

func (r *Resolver) fromLastKnown(last *config.LastKnownFix) (model.OperatingLocation, error) {
	tz := last.Timezone
	if tz == "" {
		tz = r.opts.DefaultTimezone
	}
	if last.HasCoordinates() {
		return model.NewCoordinateLocation(tz, *last.Latitude, *last.Longitude, "")
	}
	return model.NewAddressLocation(tz, r.opts.FallbackAddress, "")
}

func locationFromFix(fix Fix) (model.OperatingLocation, error) {
	label := fmt.Sprintf("IP %s (%v,%v)", fix.IP, fix.Latitude, fix.Longitude)
	return model.NewCoordinateLocation(fix.TimezoneName, fix.Latitude, fix.Longitude, label)
}

func persistedFix(fix Fix) config.LastKnownFix {
	lat, lon := fix.Latitude, fix.Longitude
	return config.LastKnownFix{
		IP:        fix.IP,
		Latitude:  &lat,
		Longitude: &lon,
		Timezone:  fix.TimezoneName,
	}
}
