package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Database   DatabaseConfig
	Directory  DirectoryConfig
	Extractor  ExtractorConfig
	Matching   MatchingConfig
	Attendance AttendanceConfig
	Session    SessionConfig
	Web        WebConfig
	MQTT       MQTTConfig
	Log        LogConfig
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

// DirectoryConfig points at an external HR database holding the employee roster.
type DirectoryConfig struct {
	DSN string // MariaDB DSN (e.g., hr:hr@tcp(mariadb:3306)/hr?parseTime=true)
}

type ExtractorConfig struct {
	URL     string // defaults to http://localhost:8000
	Timeout time.Duration
}

type MatchingConfig struct {
	Threshold     float64
	MinConfidence float64
	Dimension     int // 0 means inferred from the first enrolled descriptor
}

type AttendanceConfig struct {
	Timezone   string // IANA zone name or "Local"
	LateCutoff string // HH:MM, empty disables late classification
}

type SessionConfig struct {
	Interval        time.Duration
	RefreshInterval time.Duration
}

type WebConfig struct {
	Host           string
	Port           int
	APIToken       string // bearer token for /api/v1, empty disables auth
	AllowedOrigins string
}

type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883, empty disables publishing
	ClientID string
	Username string
	Password string
	Topic    string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// defaultsFile mirrors defaults.yaml.
type defaultsFile struct {
	Matching struct {
		Threshold     float64 `yaml:"threshold"`
		MinConfidence float64 `yaml:"min_confidence"`
		Dimension     int     `yaml:"dimension"`
	} `yaml:"matching"`
	Attendance struct {
		Timezone   string `yaml:"timezone"`
		LateCutoff string `yaml:"late_cutoff"`
	} `yaml:"attendance"`
	Session struct {
		Interval        string `yaml:"interval"`
		RefreshInterval string `yaml:"refresh_interval"`
	} `yaml:"session"`
	Extractor struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"extractor"`
	MQTT struct {
		ClientID string `yaml:"client_id"`
		Topic    string `yaml:"topic"`
	} `yaml:"mqtt"`
}

// Location resolves the configured time zone.
func (c *AttendanceConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Cutoff parses LateCutoff as an offset from local midnight.
// ok is false when late classification is disabled.
func (c *AttendanceConfig) Cutoff() (offset time.Duration, ok bool, err error) {
	if c.LateCutoff == "" {
		return 0, false, nil
	}
	t, err := time.Parse("15:04", c.LateCutoff)
	if err != nil {
		return 0, false, fmt.Errorf("invalid late cutoff %q (want HH:MM): %w", c.LateCutoff, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true, nil
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a non-negative float, falling back to defaultVal.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envDuration reads a Go duration string (e.g. "500ms", "2m").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s, ok := os.LookupEnv(key); ok {
		return s
	}
	return defaultVal
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic("invalid duration in embedded defaults.yaml: " + s)
	}
	return d
}

func Load() *Config {
	var defaults defaultsFile
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	return &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Directory: DirectoryConfig{
			DSN: os.Getenv("DIRECTORY_DSN"),
		},
		Extractor: ExtractorConfig{
			URL:     envString("EXTRACTOR_URL", defaults.Extractor.URL),
			Timeout: envDuration("EXTRACTOR_TIMEOUT", mustDuration(defaults.Extractor.Timeout)),
		},
		Matching: MatchingConfig{
			Threshold:     envFloat("MATCH_THRESHOLD", defaults.Matching.Threshold),
			MinConfidence: envFloat("MATCH_MIN_CONFIDENCE", defaults.Matching.MinConfidence),
			Dimension:     envInt("MATCH_DIMENSION", defaults.Matching.Dimension),
		},
		Attendance: AttendanceConfig{
			Timezone:   envString("ATTENDANCE_TIMEZONE", defaults.Attendance.Timezone),
			LateCutoff: envString("ATTENDANCE_LATE_CUTOFF", defaults.Attendance.LateCutoff),
		},
		Session: SessionConfig{
			Interval:        envDuration("SESSION_INTERVAL", mustDuration(defaults.Session.Interval)),
			RefreshInterval: envDuration("GALLERY_REFRESH_INTERVAL", mustDuration(defaults.Session.RefreshInterval)),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			APIToken:       os.Getenv("WEB_API_TOKEN"),
			AllowedOrigins: os.Getenv("WEB_ALLOWED_ORIGINS"),
		},
		MQTT: MQTTConfig{
			Broker:   os.Getenv("MQTT_BROKER"),
			ClientID: envString("MQTT_CLIENT_ID", defaults.MQTT.ClientID),
			Username: os.Getenv("MQTT_USERNAME"),
			Password: os.Getenv("MQTT_PASSWORD"),
			Topic:    envString("MQTT_TOPIC", defaults.MQTT.Topic),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "text"),
		},
	}
}
