package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/beekhof/hangoutcal/internal/domain"
)

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// EnvPrefix prefixes every environment variable, e.g. HANGOUTCAL_CACHE_TTL.
const EnvPrefix = "HANGOUTCAL"

// Config keys.
const (
	KeyGoogleCredentialsPath = "google_credentials_path"
	KeyTokenPath             = "token_path"
	KeySettingsPath          = "settings_path"
	KeyTimezone              = "timezone"
	KeyDefaultBackend        = "default_backend"
	KeyMirrorWrites          = "mirror_writes"
	KeyLogLevel              = "log.level"
	KeyLogFormat             = "log.format"
	KeyCacheTTL              = "cache.ttl"
	KeyRefreshBuffer         = "auth.refresh_buffer"
	KeyMonitorEnabled        = "monitor.enabled"
	KeyMonitorInterval       = "monitor.interval"
	KeyMonitorCooldown       = "monitor.cooldown"
	KeyRemoteCalendarName    = "remote.calendar_name"
	KeyRemoteColorID         = "remote.calendar_color_id"
	KeyRemoteUseAppCalendar  = "remote.use_app_calendar"
	KeyRemoteWatchCalendar   = "remote.watch_calendar_id"
	KeyRemoteRPS             = "remote.requests_per_second"
	KeyRemoteBurst           = "remote.burst"
	KeyLocalStorePath        = "local.store_path"
	KeyLocalCalendarName     = "local.calendar_name"
)

// FlagKeys maps command-line flag names to the config keys they override.
var FlagKeys = map[string]string{
	"credentials": KeyGoogleCredentialsPath,
	"token":       KeyTokenPath,
	"settings":    KeySettingsPath,
	"timezone":    KeyTimezone,
	"backend":     KeyDefaultBackend,
	"mirror":      KeyMirrorWrites,
	"log-level":   KeyLogLevel,
	"log-format":  KeyLogFormat,
	"store":       KeyLocalStorePath,
}

// Config holds the configuration for the hangout calendar engine.
type Config struct {
	// GoogleCredentialsPath is empty when the remote backend is not configured.
	GoogleCredentialsPath string
	TokenPath             string
	SettingsPath          string
	Location              *time.Location
	// DefaultBackend is empty for automatic selection.
	DefaultBackend domain.Source
	MirrorWrites   bool
	LogLevel       slog.Level
	// LogFormat is "text" or "json".
	LogFormat     string
	CacheTTL      time.Duration
	RefreshBuffer time.Duration
	Monitor       MonitorConfig
	Remote        RemoteConfig
	Local         LocalConfig
}

// MonitorConfig configures remote change polling.
type MonitorConfig struct {
	Enabled  bool
	Interval time.Duration
	Cooldown time.Duration
}

// RemoteConfig configures the Google Calendar backend.
type RemoteConfig struct {
	CalendarName      string
	ColorID           string
	UseAppCalendar    bool
	WatchCalendarID   string
	RequestsPerSecond float64
	Burst             int
}

// LocalConfig configures the on-device calendar store.
type LocalConfig struct {
	StorePath    string
	CalendarName string
}

// DefaultDir returns the directory holding config, token and settings files.
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "hangoutcal")
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault(KeyGoogleCredentialsPath, "")
	v.SetDefault(KeyTokenPath, filepath.Join(dir, "token.json"))
	v.SetDefault(KeySettingsPath, filepath.Join(dir, "settings.json"))
	v.SetDefault(KeyTimezone, "Local")
	v.SetDefault(KeyDefaultBackend, "")
	v.SetDefault(KeyMirrorWrites, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyCacheTTL, "5m")
	v.SetDefault(KeyRefreshBuffer, "5m")
	v.SetDefault(KeyMonitorEnabled, true)
	v.SetDefault(KeyMonitorInterval, "5m")
	v.SetDefault(KeyMonitorCooldown, "30s")
	v.SetDefault(KeyRemoteCalendarName, "Hangouts")
	v.SetDefault(KeyRemoteColorID, "7")
	v.SetDefault(KeyRemoteUseAppCalendar, true)
	v.SetDefault(KeyRemoteWatchCalendar, "primary")
	v.SetDefault(KeyRemoteRPS, 5.0)
	v.SetDefault(KeyRemoteBurst, 10)
	v.SetDefault(KeyLocalStorePath, filepath.Join(dir, "calendars"))
	v.SetDefault(KeyLocalCalendarName, "Hangouts")
}

// Load loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags that were set (see FlagKeys)
// 2. Environment variables (HANGOUTCAL_*)
// 3. Config file: configFile, or config.{json,yaml} in DefaultDir if present
// 4. Defaults
// flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	dir := DefaultDir()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, dir)

	// The plain name is what the Google credentials tooling documents.
	_ = v.BindEnv(KeyGoogleCredentialsPath, EnvPrefix+"_GOOGLE_CREDENTIALS_PATH", "GOOGLE_CREDENTIALS_PATH")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		GoogleCredentialsPath: expandHome(v.GetString(KeyGoogleCredentialsPath)),
		TokenPath:             expandHome(v.GetString(KeyTokenPath)),
		SettingsPath:          expandHome(v.GetString(KeySettingsPath)),
		MirrorWrites:          v.GetBool(KeyMirrorWrites),
		LogFormat:             strings.ToLower(v.GetString(KeyLogFormat)),
		Monitor: MonitorConfig{
			Enabled: v.GetBool(KeyMonitorEnabled),
		},
		Remote: RemoteConfig{
			CalendarName:      strings.TrimSpace(v.GetString(KeyRemoteCalendarName)),
			ColorID:           v.GetString(KeyRemoteColorID),
			UseAppCalendar:    v.GetBool(KeyRemoteUseAppCalendar),
			WatchCalendarID:   v.GetString(KeyRemoteWatchCalendar),
			RequestsPerSecond: v.GetFloat64(KeyRemoteRPS),
			Burst:             v.GetInt(KeyRemoteBurst),
		},
		Local: LocalConfig{
			StorePath:    expandHome(v.GetString(KeyLocalStorePath)),
			CalendarName: strings.TrimSpace(v.GetString(KeyLocalCalendarName)),
		},
	}

	var err error
	if cfg.Location, err = time.LoadLocation(v.GetString(KeyTimezone)); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyTimezone, err)
	}
	if cfg.DefaultBackend, err = domain.ParseSource(v.GetString(KeyDefaultBackend)); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyDefaultBackend, err)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyLogLevel, err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid %s: must be 'text' or 'json', got '%s'", KeyLogFormat, cfg.LogFormat)
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		positive bool
	}{
		{KeyCacheTTL, &cfg.CacheTTL, false},
		{KeyRefreshBuffer, &cfg.RefreshBuffer, false},
		{KeyMonitorInterval, &cfg.Monitor.Interval, true},
		{KeyMonitorCooldown, &cfg.Monitor.Cooldown, true},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(v, d.key); err != nil {
			return nil, err
		}
		if *d.dst < 0 || (d.positive && *d.dst == 0) {
			return nil, fmt.Errorf("invalid %s: %s is out of range", d.key, *d.dst)
		}
	}

	if cfg.Remote.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("invalid %s: must be positive, got %v", KeyRemoteRPS, cfg.Remote.RequestsPerSecond)
	}
	if cfg.Remote.Burst < 1 {
		return nil, fmt.Errorf("invalid %s: must be at least 1, got %d", KeyRemoteBurst, cfg.Remote.Burst)
	}
	if cfg.Remote.UseAppCalendar && cfg.Remote.CalendarName == "" {
		return nil, fmt.Errorf("%s must be provided when %s is set", KeyRemoteCalendarName, KeyRemoteUseAppCalendar)
	}
	if cfg.Remote.WatchCalendarID == "" {
		return nil, fmt.Errorf("%s must not be empty", KeyRemoteWatchCalendar)
	}
	if cfg.Local.StorePath == "" {
		return nil, fmt.Errorf("%s must not be empty", KeyLocalStorePath)
	}
	if cfg.Local.CalendarName == "" {
		return nil, fmt.Errorf("%s must not be empty", KeyLocalCalendarName)
	}
	if cfg.TokenPath == "" {
		return nil, fmt.Errorf("%s must not be empty", KeyTokenPath)
	}

	return cfg, nil
}

// RemoteEnabled reports whether Google credentials were configured.
func (c *Config) RemoteEnabled() bool {
	return c.GoogleCredentialsPath != ""
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
