package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"prayersync/internal/model"
)

// PrayerDefinitionConfig maps a prayer key to the table labels that bound it.
type PrayerDefinitionConfig struct {
	Key       string `yaml:"key" json:"key"`
	StartText string `yaml:"start_text" json:"start_text"`
	EndText   string `yaml:"end_text" json:"end_text"`
}

// LastKnownFix is the persisted geolocation result from a previous run.
// Latitude/Longitude are nil when only a timezone seed was stored.
type LastKnownFix struct {
	IP        string   `yaml:"ip,omitempty" json:"ip,omitempty"`
	Latitude  *float64 `yaml:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude *float64 `yaml:"longitude,omitempty" json:"longitude,omitempty"`
	Timezone  string   `yaml:"timezone" json:"timezone"`
}

// HasCoordinates reports whether both coordinates are present.
func (f *LastKnownFix) HasCoordinates() bool {
	return f != nil && f.Latitude != nil && f.Longitude != nil
}

// LocationConfig controls IP-based location tracking.
type LocationConfig struct {
	CheckEnabled bool `yaml:"check_enabled" json:"check_enabled"`
	// ChangeThresholdKm is the minimum distance before a new fix replaces the last-known one.
	ChangeThresholdKm float64 `yaml:"change_threshold_km" json:"change_threshold_km"`
	// FallbackAddress is used when tracking is off or no fix has ever succeeded.
	FallbackAddress string        `yaml:"fallback_address" json:"fallback_address"`
	GeolocationURL  string        `yaml:"geolocation_url" json:"geolocation_url"`
	LastKnown       *LastKnownFix `yaml:"last_known,omitempty" json:"last_known,omitempty"`
}

// TimeoutConfig bounds the browser-driven extraction.
type TimeoutConfig struct {
	OverallProcessSeconds  float64 `yaml:"overall_process_seconds" json:"overall_process_seconds"`
	PageLoadSeconds        float64 `yaml:"page_load_seconds" json:"page_load_seconds"`
	AdditionalDelaySeconds float64 `yaml:"additional_delay_seconds" json:"additional_delay_seconds"`
}

func (t TimeoutConfig) Overall() time.Duration { return seconds(t.OverallProcessSeconds) }
func (t TimeoutConfig) PageLoad() time.Duration { return seconds(t.PageLoadSeconds) }
func (t TimeoutConfig) RenderDelay() time.Duration { return seconds(t.AdditionalDelaySeconds) }

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// BrowserConfig selects the Chromium binary and debug artifacts.
type BrowserConfig struct {
	// Path to a Chromium-compatible binary (e.g. Brave). Empty uses chromedp's lookup.
	Path string `yaml:"path" json:"path"`
	// DumpDir receives the page source when the time table never appears.
	DumpDir string `yaml:"dump_dir" json:"dump_dir"`
}

// GoogleAuthConfig points at the OAuth client secrets and token cache.
type GoogleAuthConfig struct {
	CredentialsPath string `yaml:"credentials_path" json:"credentials_path"`
	TokenPath       string `yaml:"token_path" json:"token_path"`
	RedirectURI     string `yaml:"redirect_uri" json:"redirect_uri"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	CalendarID           string `yaml:"calendar_id" json:"calendar_id"`
	EventReminderMinutes int    `yaml:"event_reminder_minutes" json:"event_reminder_minutes"`

	// TargetTimezone is the IANA timezone used when no location fix is available.
	TargetTimezone string `yaml:"target_timezone" json:"target_timezone"`

	// ManagedPrayerNames decides which "<name> Prayer" events the engine owns.
	ManagedPrayerNames []string                 `yaml:"managed_prayer_names" json:"managed_prayer_names"`
	PrayerDefinitions  []PrayerDefinitionConfig `yaml:"prayer_definitions" json:"prayer_definitions"`

	TimeTableBaseURL        string `yaml:"time_table_base_url" json:"time_table_base_url"`
	ProcessingDaysInAdvance int    `yaml:"processing_days_in_advance" json:"processing_days_in_advance"`

	Location   LocationConfig   `yaml:"location" json:"location"`
	Timeouts   TimeoutConfig    `yaml:"timeouts" json:"timeouts"`
	Browser    BrowserConfig    `yaml:"browser" json:"browser"`
	GoogleAuth GoogleAuthConfig `yaml:"google_auth" json:"google_auth"`

	// CalendarWritesPerSecond caps calendar API calls.
	CalendarWritesPerSecond float64 `yaml:"calendar_writes_per_second" json:"calendar_writes_per_second"`

	// Schedule is a cron expression for daemon mode (e.g. "15 0 * * *").
	Schedule string `yaml:"schedule" json:"schedule"`

	// Listen is the status server address; empty disables it.
	Listen    string           `yaml:"listen" json:"listen"`
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	HistoryDB     string `yaml:"history_db" json:"history_db"`
	ICSExportPath string `yaml:"ics_export_path" json:"ics_export_path"`
	LogLevel      string `yaml:"log_level" json:"log_level"`
}

const (
	DefaultTimeTableBaseURL = "https://www.muwaqqit.com/index?ea=-18&ia=4.5&isn=-8&fa=-18&ea2=-1&diff=-1&asr=1"
	DefaultGeolocationURL   = "https://ipapi.co/json/"
)

func defaultDefinitions() []PrayerDefinitionConfig {
	return []PrayerDefinitionConfig{
		{Key: "Fajr", StartText: "Fajr", EndText: "Sunrise"},
		{Key: "Dhuhr", StartText: "Zuhr", EndText: "Asr"},
		{Key: "Asr", StartText: "Asr", EndText: "Sunset"},
		{Key: "Maghrib", StartText: "Sunset", EndText: "Isha"},
		{Key: "Isha", StartText: "Isha", EndText: "Midnight"},
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		CalendarID:              "primary",
		EventReminderMinutes:    0,
		TargetTimezone:          "Australia/Sydney",
		ManagedPrayerNames:      []string{"Fajr", "Dhuhr", "Asr", "Maghrib", "Isha"},
		PrayerDefinitions:       defaultDefinitions(),
		TimeTableBaseURL:        DefaultTimeTableBaseURL,
		ProcessingDaysInAdvance: 1,
		Location: LocationConfig{
			CheckEnabled:      true,
			ChangeThresholdKm: 25,
			FallbackAddress:   "Sydney NSW, Australia",
			GeolocationURL:    DefaultGeolocationURL,
		},
		Timeouts: TimeoutConfig{
			OverallProcessSeconds:  60,
			PageLoadSeconds:        25,
			AdditionalDelaySeconds: 5,
		},
		GoogleAuth: GoogleAuthConfig{
			CredentialsPath: "credentials.json",
			TokenPath:       "token.json",
			RedirectURI:     "http://localhost:8080/",
		},
		CalendarWritesPerSecond: 5,
		Schedule:                "15 0 * * *",
		Listen:                  "127.0.0.1:8090",
		LogLevel:                "info",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly. Required keys are left
// alone so Validate can report them.
func (c *Config) Normalize() {
	if c.Timeouts.OverallProcessSeconds <= 0 {
		c.Timeouts.OverallProcessSeconds = 60
	}
	if c.Timeouts.PageLoadSeconds <= 0 {
		c.Timeouts.PageLoadSeconds = 25
	}
	if c.Timeouts.AdditionalDelaySeconds < 0 {
		c.Timeouts.AdditionalDelaySeconds = 0
	}
	if c.Location.GeolocationURL == "" {
		c.Location.GeolocationURL = DefaultGeolocationURL
	}
	if c.Location.ChangeThresholdKm < 0 {
		c.Location.ChangeThresholdKm = 0
	}
	// Managed names default to the defined prayers.
	if len(c.ManagedPrayerNames) == 0 {
		for _, d := range c.PrayerDefinitions {
			c.ManagedPrayerNames = append(c.ManagedPrayerNames, d.Key)
		}
	}
	if c.GoogleAuth.CredentialsPath == "" {
		c.GoogleAuth.CredentialsPath = "credentials.json"
	}
	if c.GoogleAuth.TokenPath == "" {
		c.GoogleAuth.TokenPath = "token.json"
	}
	if c.GoogleAuth.RedirectURI == "" {
		c.GoogleAuth.RedirectURI = "http://localhost:8080/"
	}
	if c.CalendarWritesPerSecond <= 0 {
		c.CalendarWritesPerSecond = 5
	}
	if c.Schedule == "" {
		c.Schedule = "15 0 * * *"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Definitions converts the configured definitions into model records.
func (c *Config) Definitions() []model.PrayerDefinition {
	out := make([]model.PrayerDefinition, 0, len(c.PrayerDefinitions))
	for _, d := range c.PrayerDefinitions {
		out = append(out, model.PrayerDefinition{
			Key:        strings.TrimSpace(d.Key),
			StartLabel: strings.TrimSpace(d.StartText),
			EndLabel:   strings.TrimSpace(d.EndText),
		})
	}
	return out
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read, unmarshalled and normalized.
//
// Load does not validate; callers run Validate before any external call.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to path atomically (fsync + rename)
// with 0600 permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return renameio.WriteFile(path, data, 0o600)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// SaveLastKnown re-reads the file at path, replaces location.last_known and
// writes it back, so edits made while a run was in flight are preserved.
func SaveLastKnown(path string, fix LastKnownFix) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	f := fix
	cfg.Location.LastKnown = &f
	return Save(path, cfg)
}

// FileLastKnownStore persists last-known fixes into a config file.
type FileLastKnownStore struct {
	Path string
}

func (s FileLastKnownStore) SaveLastKnown(fix LastKnownFix) error {
	return SaveLastKnown(s.Path, fix)
}
