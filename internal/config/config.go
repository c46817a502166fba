// Package config handles loading and validating the application
// configuration from a skytry.json file.
//
// The configuration file is a JSON object with the public URL the app is
// served from, the cookie secret, OAuth client settings, resolver tuning,
// and optional PostgreSQL connection details. Without database settings
// sessions are kept in memory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultPath is used when neither the -config flag nor SKYTRY_CONFIG is
// set.
const DefaultPath = "skytry.json"

// EnvPath names the environment variable that overrides DefaultPath.
const EnvPath = "SKYTRY_CONFIG"

// Duration is a time.Duration read from a JSON string such as "30s".
type Duration time.Duration

// UnmarshalJSON accepts a Go duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return errors.New("invalid duration")
	}
	return nil
}

// MarshalJSON writes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all application configuration loaded from skytry.json.
// The file is read once at startup; changes require a restart.
type Config struct {
	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// PublicURL is the externally visible base URL. The OAuth client_id
	// and redirect URI are derived from it.
	PublicURL string `json:"publicURL"`

	// SessionSecret seeds the device cookie signing and encryption keys.
	SessionSecret string `json:"sessionSecret"`

	ClientName string `json:"clientName,omitempty"`

	// Scope overrides the requested OAuth scope.
	Scope string `json:"scope,omitempty"`

	// DefaultPDS is used when sign-in names neither a PDS nor a handle.
	DefaultPDS string `json:"defaultPDS,omitempty"`

	// PLCDirectory is the did:plc directory (default "https://plc.directory").
	PLCDirectory string `json:"plcDirectory,omitempty"`

	RequestTimeout   Duration `json:"requestTimeout,omitempty"`
	RefreshThreshold Duration `json:"refreshThreshold,omitempty"`
	AuthRequestTTL   Duration `json:"authRequestTTL,omitempty"`

	// PLCRateLimit caps directory lookups per second. Zero disables the
	// limiter.
	PLCRateLimit float64 `json:"plcRateLimit,omitempty"`

	// DBConn is the PostgreSQL host:port. When empty sessions are kept in
	// memory and the db* fields are ignored.
	DBConn string `json:"dbConn,omitempty"`
	DBName string `json:"dbName,omitempty"`
	DBUser string `json:"dbUser,omitempty"`
	DBPass string `json:"dbPass,omitempty"`
}

// Path returns the config file location: flagValue if set, then
// SKYTRY_CONFIG, then DefaultPath.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.ClientName == "" {
		c.ClientName = "skytry"
	}
	if c.DefaultPDS == "" {
		c.DefaultPDS = "https://bsky.social"
	}
	if c.PLCDirectory == "" {
		c.PLCDirectory = "https://plc.directory"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(30 * time.Second)
	}
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = Duration(4 * time.Minute)
	}
	if c.AuthRequestTTL == 0 {
		c.AuthRequestTTL = Duration(10 * time.Minute)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.PublicURL == "":
		return fmt.Errorf("config: publicURL is required")
	case len(c.SessionSecret) < 32:
		return fmt.Errorf("config: sessionSecret must be at least 32 characters")
	case c.RequestTimeout < 0 || c.RefreshThreshold < 0 || c.AuthRequestTTL < 0:
		return fmt.Errorf("config: durations must not be negative")
	case c.PLCRateLimit < 0:
		return fmt.Errorf("config: plcRateLimit must not be negative")
	}

	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("config: publicURL %q is not an absolute http(s) URL", c.PublicURL)
	}

	if c.DBConn != "" {
		switch {
		case c.DBName == "":
			return fmt.Errorf("config: dbName is required with dbConn")
		case c.DBUser == "":
			return fmt.Errorf("config: dbUser is required with dbConn")
		}
	}
	return nil
}

// HasDatabase reports whether sessions should be persisted in PostgreSQL.
func (c *Config) HasDatabase() bool {
	return c.DBConn != ""
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}
