package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrFixUnavailable covers every way a geolocation lookup can fail.
// Callers treat it as "no fix", never as fatal.
var ErrFixUnavailable = errors.New("location: geolocation fix unavailable")

// Fix is a current IP-based geolocation result.
type Fix struct {
	IP           string
	Latitude     float64
	Longitude    float64
	TimezoneName string
}

// Geolocator resolves the public IP of this host to a Fix.
type Geolocator interface {
	Lookup(ctx context.Context) (Fix, error)
}

// HTTPGeolocator queries a JSON geolocation endpoint that reports
// ip, latitude, longitude and timezone (ipapi.co shape).
type HTTPGeolocator struct {
	url    string
	client *http.Client
}

// NewHTTPGeolocator creates a geolocator for endpoint.
func NewHTTPGeolocator(endpoint string) *HTTPGeolocator {
	return &HTTPGeolocator{
		url: strings.TrimSpace(endpoint),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Lookup fetches the current fix. Every failure wraps ErrFixUnavailable,
// except context cancellation which is returned as-is.
func (g *HTTPGeolocator) Lookup(ctx context.Context) (Fix, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return Fix{}, fmt.Errorf("%w: %v", ErrFixUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "prayersync")

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Fix{}, ctx.Err()
		}
		return Fix{}, fmt.Errorf("%w: %v", ErrFixUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Fix{}, fmt.Errorf("%w: status %d", ErrFixUnavailable, resp.StatusCode)
	}

	var payload struct {
		IP        *string  `json:"ip"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Timezone  *string  `json:"timezone"`
		Error     bool     `json:"error"`
		Reason    string   `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return Fix{}, fmt.Errorf("%w: decode: %v", ErrFixUnavailable, err)
	}
	if payload.Error {
		return Fix{}, fmt.Errorf("%w: %s", ErrFixUnavailable, payload.Reason)
	}
	if payload.IP == nil || payload.Latitude == nil || payload.Longitude == nil || payload.Timezone == nil || *payload.Timezone == "" {
		return Fix{}, fmt.Errorf("%w: response is missing required fields", ErrFixUnavailable)
	}

	return Fix{
		IP:           *payload.IP,
		Latitude:     *payload.Latitude,
		Longitude:    *payload.Longitude,
		TimezoneName: *payload.Timezone,
	}, nil
}
