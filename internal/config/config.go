package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration errors. They are reported before any
// network or database access is attempted.
var ErrInvalid = errors.New("invalid configuration")

// Sink kinds.
const (
	SinkSQLite = "sqlite"
	SinkMySQL  = "mysql"
	SinkCSV    = "csv"
	SinkICS    = "ics"
)

// DateLayout is the layout of --start-date / --end-date.
const DateLayout = "2006-01-02"

// Sink describes where synced records go.
type Sink struct {
	Kind string `json:"kind,omitempty" toml:"kind" yaml:"kind"` // "sqlite", "mysql", "csv" or "ics"
	Path string `json:"path,omitempty" toml:"path" yaml:"path"` // SQLite database file or CSV/ICS output file

	// MySQL specific fields
	Host     string `json:"host,omitempty" toml:"host" yaml:"host"`
	Port     int    `json:"port,omitempty" toml:"port" yaml:"port"`
	User     string `json:"user,omitempty" toml:"user" yaml:"user"`
	Password string `json:"password,omitempty" toml:"password" yaml:"password"`
	Database string `json:"database,omitempty" toml:"database" yaml:"database"`
}

// Relational reports whether the sink is a database.
func (s Sink) Relational() bool {
	return s.Kind == SinkSQLite || s.Kind == SinkMySQL
}

// Config holds the configuration for caldb.
type Config struct {
	GoogleCredentialsPath string `json:"google_credentials_path,omitempty" toml:"google_credentials_path" yaml:"google_credentials_path"`
	TokenPath             string `json:"token_path,omitempty" toml:"token_path" yaml:"token_path"`
	CalendarID            string `json:"calendar_id,omitempty" toml:"calendar_id" yaml:"calendar_id"`

	// Sync window. StartDate and EndDate are YYYY-MM-DD; empty StartDate
	// means now, empty EndDate means StartDate + WindowDays.
	StartDate  string `json:"start_date,omitempty" toml:"start_date" yaml:"start_date"`
	EndDate    string `json:"end_date,omitempty" toml:"end_date" yaml:"end_date"`
	WindowDays int    `json:"window_days,omitempty" toml:"window_days" yaml:"window_days"`

	MaxResults   int `json:"max_results,omitempty" toml:"max_results" yaml:"max_results"`
	PageSize     int `json:"page_size,omitempty" toml:"page_size" yaml:"page_size"`
	FetchRetries int `json:"fetch_retries,omitempty" toml:"fetch_retries" yaml:"fetch_retries"`

	HTTPTimeoutSeconds int `json:"http_timeout_seconds,omitempty" toml:"http_timeout_seconds" yaml:"http_timeout_seconds"`
	AuthTimeoutSeconds int `json:"auth_timeout_seconds,omitempty" toml:"auth_timeout_seconds" yaml:"auth_timeout_seconds"`

	Sink Sink `json:"sink" toml:"sink" yaml:"sink"`

	// Web backend
	Listen       string `json:"listen,omitempty" toml:"listen" yaml:"listen"`
	PoolSize     int    `json:"pool_size,omitempty" toml:"pool_size" yaml:"pool_size"`
	SyncSchedule string `json:"sync_schedule,omitempty" toml:"sync_schedule" yaml:"sync_schedule"` // cron expression, empty disables

	LogLevel string `json:"log_level,omitempty" toml:"log_level" yaml:"log_level"`
}

// Flags carries command-line overrides. Zero values mean "not set".
type Flags struct {
	GoogleCredentialsPath string
	TokenPath             string
	CalendarID            string
	SinkKind              string
	SinkPath              string
	StartDate             string
	EndDate               string
	MaxResults            int
	Listen                string
}

// HTTPTimeout is the explicit timeout applied to every Google API request.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// AuthTimeout bounds the interactive authorization flow.
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutSeconds) * time.Second
}

// Window returns the [timeMin, timeMax) sync window in UTC.
func (c *Config) Window(now time.Time) (time.Time, time.Time, error) {
	start := now.UTC()
	if c.StartDate != "" {
		t, err := time.Parse(DateLayout, c.StartDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid start date %q, use YYYY-MM-DD", ErrInvalid, c.StartDate)
		}
		start = t
	}

	end := start.AddDate(0, 0, c.WindowDays)
	if c.EndDate != "" {
		t, err := time.Parse(DateLayout, c.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid end date %q, use YYYY-MM-DD", ErrInvalid, c.EndDate)
		}
		end = t
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end of window %s is not after start %s", ErrInvalid, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return start, end, nil
}

// LoadConfigFromFile loads configuration from a JSON, TOML or YAML file,
// chosen by extension. Unknown extensions are parsed as JSON.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables
// 3. Config file
// 4. Defaults
// Returns an error wrapping ErrInvalid if a required value is missing.
func LoadConfig(configFile string, flags Flags) (*Config, error) {
	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	if err := applyEnv(&config); err != nil {
		return nil, err
	}

	// Step 3: Override with command-line flags (highest priority)
	applyFlags(&config, flags)

	// Step 4: Apply defaults and validate
	applyDefaults(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyEnv(config *Config) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: invalid %s value: %v", ErrInvalid, key, err)
		}
		*dst = n
		return nil
	}

	setString("GOOGLE_CREDENTIALS_PATH", &config.GoogleCredentialsPath)
	setString("TOKEN_PATH", &config.TokenPath)
	setString("CALENDAR_ID", &config.CalendarID)
	setString("SINK_KIND", &config.Sink.Kind)
	setString("SINK_PATH", &config.Sink.Path)
	setString("MYSQL_HOST", &config.Sink.Host)
	setString("MYSQL_USER", &config.Sink.User)
	setString("MYSQL_PASSWORD", &config.Sink.Password)
	setString("MYSQL_DATABASE", &config.Sink.Database)
	setString("LISTEN_ADDR", &config.Listen)
	setString("SYNC_SCHEDULE", &config.SyncSchedule)
	setString("LOG_LEVEL", &config.LogLevel)

	if err := setInt("MYSQL_PORT", &config.Sink.Port); err != nil {
		return err
	}
	if err := setInt("MAX_RESULTS", &config.MaxResults); err != nil {
		return err
	}
	return setInt("WINDOW_DAYS", &config.WindowDays)
}

func applyFlags(config *Config, flags Flags) {
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}
	if flags.TokenPath != "" {
		config.TokenPath = flags.TokenPath
	}
	if flags.CalendarID != "" {
		config.CalendarID = flags.CalendarID
	}
	if flags.SinkKind != "" {
		config.Sink.Kind = flags.SinkKind
	}
	if flags.SinkPath != "" {
		config.Sink.Path = flags.SinkPath
	}
	if flags.StartDate != "" {
		config.StartDate = flags.StartDate
	}
	if flags.EndDate != "" {
		config.EndDate = flags.EndDate
	}
	if flags.MaxResults > 0 {
		config.MaxResults = flags.MaxResults
	}
	if flags.Listen != "" {
		config.Listen = flags.Listen
	}
}

func applyDefaults(config *Config) {
	if config.GoogleCredentialsPath == "" {
		config.GoogleCredentialsPath = "credentials.json"
	}
	if config.TokenPath == "" {
		config.TokenPath = "token.json"
	}
	if config.CalendarID == "" {
		config.CalendarID = "primary"
	}
	if config.WindowDays <= 0 {
		config.WindowDays = 7
	}
	if config.MaxResults == 0 {
		config.MaxResults = 2500
	}
	if config.PageSize <= 0 {
		config.PageSize = 500
	}
	if config.FetchRetries == 0 {
		config.FetchRetries = 3
	}
	if config.HTTPTimeoutSeconds <= 0 {
		config.HTTPTimeoutSeconds = 30
	}
	if config.AuthTimeoutSeconds <= 0 {
		config.AuthTimeoutSeconds = 300
	}
	if config.Listen == "" {
		config.Listen = ":8000"
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 5
	}

	config.Sink.Kind = strings.ToLower(config.Sink.Kind)
	if config.Sink.Kind == "" {
		config.Sink.Kind = SinkSQLite
	}
	if config.Sink.Path == "" {
		switch config.Sink.Kind {
		case SinkSQLite:
			config.Sink.Path = "caldb.db"
		case SinkCSV:
			config.Sink.Path = "events.csv"
		case SinkICS:
			config.Sink.Path = "events.ics"
		}
	}
	if config.Sink.Kind == SinkMySQL {
		if config.Sink.Host == "" {
			config.Sink.Host = "localhost"
		}
		if config.Sink.Port == 0 {
			config.Sink.Port = 3306
		}
	}
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	if c.MaxResults < 1 {
		return fmt.Errorf("%w: max_results must be a positive integer, got %d", ErrInvalid, c.MaxResults)
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("%w: fetch_retries must not be negative, got %d", ErrInvalid, c.FetchRetries)
	}

	switch c.Sink.Kind {
	case SinkSQLite, SinkCSV, SinkICS:
		if c.Sink.Path == "" {
			return fmt.Errorf("%w: sink.path must be provided via --sink-path flag, SINK_PATH environment variable, or config file", ErrInvalid)
		}
	case SinkMySQL:
		if c.Sink.User == "" {
			return fmt.Errorf("%w: sink.user must be provided via MYSQL_USER environment variable or config file", ErrInvalid)
		}
		if c.Sink.Database == "" {
			return fmt.Errorf("%w: sink.database must be provided via MYSQL_DATABASE environment variable or config file", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: sink.kind must be 'sqlite', 'mysql', 'csv' or 'ics', got '%s'", ErrInvalid, c.Sink.Kind)
	}

	return nil
}
