package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SettingsGetter is an interface for retrieving settings from storage
type SettingsGetter interface {
	GetSetting(key string) (string, error)
}

// EnvGetter reads settings from environment variables. The key "reaper.ttl"
// with prefix "PQLMEM" maps to PQLMEM_REAPER_TTL.
type EnvGetter struct {
	Prefix string
}

// EnvKey returns the environment variable name used for key
func (e EnvGetter) EnvKey(key string) string {
	name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	if e.Prefix == "" {
		return name
	}
	return strings.ToUpper(e.Prefix) + "_" + name
}

// GetSetting implements SettingsGetter
func (e EnvGetter) GetSetting(key string) (string, error) {
	return os.Getenv(e.EnvKey(key)), nil
}

// Chain consults each getter in order and returns the first non-empty value
type Chain []SettingsGetter

// GetSetting implements SettingsGetter
func (c Chain) GetSetting(key string) (string, error) {
	for _, g := range c {
		if g == nil {
			continue
		}
		val, err := g.GetSetting(key)
		if err != nil {
			return "", err
		}
		if val != "" {
			return val, nil
		}
	}
	return "", nil
}

// Loader provides typed access to settings with default values
type Loader struct {
	db SettingsGetter
}

// NewLoader creates a new settings loader
func NewLoader(db SettingsGetter) *Loader {
	return &Loader{db: db}
}

// Int retrieves an integer setting, returning defaultVal if not found or invalid
func (l *Loader) Int(key string, defaultVal int) int {
	if val, _ := l.db.GetSetting(key); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			return v
		}
	}
	return defaultVal
}

// Bool retrieves a boolean setting, returning defaultVal if not found
// Accepts the forms understood by strconv.ParseBool
func (l *Loader) Bool(key string, defaultVal bool) bool {
	if val, _ := l.db.GetSetting(key); val != "" {
		if v, err := strconv.ParseBool(val); err == nil {
			return v
		}
	}
	return defaultVal
}

// String retrieves a string setting, returning defaultVal if not found or empty
func (l *Loader) String(key, defaultVal string) string {
	if val, _ := l.db.GetSetting(key); val != "" {
		return val
	}
	return defaultVal
}

// Duration retrieves a duration setting, returning defaultVal if not found or invalid
// Expects the value to be in Go duration format (e.g., "1h30m", "5s")
func (l *Loader) Duration(key string, defaultVal time.Duration) time.Duration {
	if val, _ := l.db.GetSetting(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// DurationMillis retrieves a duration setting stored as milliseconds
func (l *Loader) DurationMillis(key string, defaultMillis int) time.Duration {
	ms := l.Int(key, defaultMillis)
	return time.Duration(ms) * time.Millisecond
}
