// Package config loads keyrelay settings from a flat .properties file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/magiconair/properties"

	"keyrelay/internal/companion"
)

// FileName is the settings file looked up in the working directory first.
const FileName = "keyrelay.config"

// Property keys.
const (
	KeyPort              = "send-key-port"
	KeyCompanionPath     = "companion-path"
	KeyStaticRoot        = "static-root"
	KeyIdleTimeout       = "idle-timeout"
	KeyStatusListen      = "status-listen"
	KeyTitleSearchLength = "title-search-length"
	KeyDaemon            = "daemon"
)

// Defaults and bounds.
const (
	DefaultPort              = 6060
	MinPort                  = 1
	MaxPort                  = 65535
	DefaultTitleSearchLength = 256
	MinTitleSearchLength     = 1
	MaxTitleSearchLength     = 65536
)

// Config holds the effective settings. It is not modified after loading.
type Config struct {
	Port              int           `yaml:"send-key-port"`
	CompanionPath     string        `yaml:"companion-path"`
	StaticRoot        string        `yaml:"static-root"`
	IdleTimeout       time.Duration `yaml:"idle-timeout"`
	StatusListen      string        `yaml:"status-listen"`
	TitleSearchLength int           `yaml:"title-search-length"`
	Daemon            bool          `yaml:"daemon"`

	// Source is the file the settings were read from, empty when none.
	Source string `yaml:"-"`
	// Warnings lists values that were ignored in favor of defaults.
	Warnings []string `yaml:"-"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		Port:              DefaultPort,
		CompanionPath:     companion.DefaultPath(),
		StaticRoot:        ".",
		TitleSearchLength: DefaultTitleSearchLength,
		Daemon:            true,
	}
}

// DefaultPath returns FileName in the working directory when it exists, and
// the per-user config directory location otherwise.
func DefaultPath() (string, error) {
	if _, err := os.Stat(FileName); err == nil {
		return FileName, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

func configDir() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "keyrelay"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "keyrelay"), nil
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "keyrelay"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "keyrelay"), nil
	}
}

// Load reads path, or DefaultPath when path is empty. A missing file yields
// the defaults. An unreadable or unparsable file yields the defaults plus a
// warning. Load never fails on file content.
func Load(path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			cfg := DefaultConfig()
			cfg.warnf("locate config: %v", err)
			return cfg, nil
		}
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		cfg := DefaultConfig()
		if !errors.Is(err, fs.ErrNotExist) {
			cfg.warnf("read %s: %v", path, err)
		}
		return cfg, nil
	}
	cfg, err := Parse(string(data))
	if err != nil {
		cfg.warnf("parse %s: %v", path, err)
		return cfg, nil
	}
	cfg.Source = path
	return cfg, nil
}

// Parse reads settings from properties text.
func Parse(text string) (Config, error) {
	props, err := loader().LoadBytes([]byte(text))
	if err != nil {
		return DefaultConfig(), fmt.Errorf("config: %w", err)
	}
	return FromProperties(props), nil
}

func loader() *properties.Loader {
	return &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
}

// FromProperties applies every known key over the defaults.
func FromProperties(props *properties.Properties) Config {
	cfg := DefaultConfig()
	if v, ok := lookup(props, KeyPort); ok {
		cfg.Port = cfg.intValue(KeyPort, v, DefaultPort, MinPort, MaxPort, false)
	}
	if v, ok := lookup(props, KeyCompanionPath); ok && v != "" {
		cfg.CompanionPath = v
	}
	if v, ok := lookup(props, KeyStaticRoot); ok && v != "" {
		cfg.StaticRoot = v
	}
	if v, ok := lookup(props, KeyIdleTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		switch {
		case err != nil:
			cfg.warnf("%s: %q is not a duration, using %s", KeyIdleTimeout, v, cfg.IdleTimeout)
		case d < 0:
			cfg.warnf("%s: %s is negative, using %s", KeyIdleTimeout, d, cfg.IdleTimeout)
		default:
			cfg.IdleTimeout = d
		}
	}
	if v, ok := lookup(props, KeyStatusListen); ok {
		cfg.StatusListen = v
	}
	if v, ok := lookup(props, KeyTitleSearchLength); ok {
		cfg.TitleSearchLength = cfg.intValue(KeyTitleSearchLength, v, DefaultTitleSearchLength, MinTitleSearchLength, MaxTitleSearchLength, true)
	}
	if v, ok := lookup(props, KeyDaemon); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			cfg.warnf("%s: %q is not a boolean, using %t", KeyDaemon, v, cfg.Daemon)
		} else {
			cfg.Daemon = b
		}
	}
	return cfg
}

// lookup returns the value with any trailing "//" comment removed.
func lookup(props *properties.Properties, key string) (string, bool) {
	v, ok := props.Get(key)
	if !ok {
		return "", false
	}
	return StripComment(v), true
}

// StripComment drops everything from the first "//" and trims the rest.
func StripComment(v string) string {
	if i := strings.Index(v, "//"); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// intValue parses v. Out-of-range values are clamped when clamp is set and
// replaced by def otherwise.
func (c *Config) intValue(key, v string, def, lo, hi int, clamp bool) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		c.warnf("%s: %q is not a number, using %d", key, v, def)
		return def
	}
	if n >= lo && n <= hi {
		return n
	}
	if !clamp {
		c.warnf("%s: %d outside %d..%d, using %d", key, n, lo, hi, def)
		return def
	}
	return max(lo, min(n, hi))
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Validate reports settings that cannot be used even after defaulting. Flag
// and environment overrides bypass the file parser and are checked here.
func (c Config) Validate() error {
	if c.Port < MinPort || c.Port > MaxPort {
		return fmt.Errorf("config: %s %d outside %d..%d", KeyPort, c.Port, MinPort, MaxPort)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("config: %s must not be negative", KeyIdleTimeout)
	}
	if c.TitleSearchLength < MinTitleSearchLength || c.TitleSearchLength > MaxTitleSearchLength {
		return fmt.Errorf("config: %s %d outside %d..%d", KeyTitleSearchLength, c.TitleSearchLength, MinTitleSearchLength, MaxTitleSearchLength)
	}
	return nil
}

// Properties renders the config back into .properties form.
func (c Config) Properties() *properties.Properties {
	p := properties.NewProperties()
	p.DisableExpansion = true
	set := func(k, v string) { p.Set(k, v) }
	set(KeyPort, strconv.Itoa(c.Port))
	set(KeyCompanionPath, c.CompanionPath)
	set(KeyStaticRoot, c.StaticRoot)
	set(KeyIdleTimeout, c.IdleTimeout.String())
	set(KeyStatusListen, c.StatusListen)
	set(KeyTitleSearchLength, strconv.Itoa(c.TitleSearchLength))
	set(KeyDaemon, strconv.FormatBool(c.Daemon))
	return p
}
