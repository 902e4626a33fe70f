package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LocationKind discriminates which field of OperatingLocation is
// authoritative for the time-table query.
type LocationKind int

const (
	LocationCoordinates LocationKind = iota + 1
	LocationAddress
)

func (k LocationKind) String() string {
	switch k {
	case LocationCoordinates:
		return "coordinates"
	case LocationAddress:
		return "address"
	default:
		return "unknown"
	}
}

var ErrInvalidLocation = errors.New("model: invalid operating location")

// OperatingLocation is the place and timezone a run extracts times for.
// Build it with NewCoordinateLocation or NewAddressLocation; the zero value
// is not usable.
type OperatingLocation struct {
	Kind         LocationKind
	TimezoneName string
	Latitude     float64
	Longitude    float64
	Address      string
	DisplayLabel string

	tz *time.Location
}

// NewCoordinateLocation builds a location whose query uses latitude/longitude.
func NewCoordinateLocation(timezoneName string, lat, lon float64, label string) (OperatingLocation, error) {
	tz, err := loadZone(timezoneName)
	if err != nil {
		return OperatingLocation{}, err
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return OperatingLocation{}, fmt.Errorf("%w: coordinates out of range (%v, %v)", ErrInvalidLocation, lat, lon)
	}
	if label == "" {
		label = fmt.Sprintf("Lat/Lon: %v,%v", lat, lon)
	}
	return OperatingLocation{
		Kind:         LocationCoordinates,
		TimezoneName: timezoneName,
		Latitude:     lat,
		Longitude:    lon,
		DisplayLabel: label,
		tz:           tz,
	}, nil
}

// NewAddressLocation builds a location whose query uses a free-form address.
func NewAddressLocation(timezoneName, address, label string) (OperatingLocation, error) {
	tz, err := loadZone(timezoneName)
	if err != nil {
		return OperatingLocation{}, err
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return OperatingLocation{}, fmt.Errorf("%w: address is empty", ErrInvalidLocation)
	}
	if label == "" {
		label = address
	}
	return OperatingLocation{
		Kind:         LocationAddress,
		TimezoneName: timezoneName,
		Address:      address,
		DisplayLabel: label,
		tz:           tz,
	}, nil
}

// TZ returns the loaded timezone.
func (l OperatingLocation) TZ() *time.Location {
	if l.tz == nil {
		return time.UTC
	}
	return l.tz
}

// Valid reports whether l was produced by one of the constructors.
func (l OperatingLocation) Valid() bool {
	return l.tz != nil && (l.Kind == LocationCoordinates || l.Kind == LocationAddress)
}

func loadZone(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: timezone name is required", ErrInvalidLocation)
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidLocation, name, err)
	}
	return tz, nil
}
