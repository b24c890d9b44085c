package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Run modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ConsoleConfig describes the RCON endpoint.
type ConsoleConfig struct {
	Host        string
	Port        int
	Password    string
	UseTLS      bool
	TLSInsecure bool
	IdleTimeout time.Duration
	DialTimeout time.Duration
}

// SchedulerConfig holds polling and job file settings.
type SchedulerConfig struct {
	PollInterval time.Duration
	JobsFile     string
	UseUTC       bool
}

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings. Retention is the number of runs kept
// per job.
type LogConfig struct {
	Level     string
	Format    string
	Retention int
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL        string
	Enabled    bool
	RatePerSec float64
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Console      ConsoleConfig
	Scheduler    SchedulerConfig
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig

	StateDir      string
	ShutdownGrace time.Duration
	Mode          string
}

const (
	envPrefix = "RCONTAB_"

	defaultHost          = "127.0.0.1"
	defaultPort          = 25575
	defaultIdleTimeout   = 100 * time.Second
	defaultDialTimeout   = 5 * time.Second
	defaultPollInterval  = 500 * time.Millisecond
	defaultAddr          = "127.0.0.1:7070"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultRunLogKeep    = 20
	defaultBarkRate      = 0.2
	defaultShutdownGrace = 5 * time.Second
)

// env reads RCONTAB_* variables and remembers malformed values.
type env struct {
	errs []error
}

func (e *env) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func (e *env) String(key, def string) string {
	if val, ok := e.lookup(key); ok {
		return val
	}
	return def
}

func (e *env) Int(key string, def int) int {
	val, ok := e.lookup(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return i
}

func (e *env) Float(key string, def float64) float64 {
	val, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return f
}

func (e *env) Bool(key string, def bool) bool {
	val, ok := e.lookup(key)
	if !ok {
		return def
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	e.errs = append(e.errs, fmt.Errorf("%s%s: invalid boolean %q", envPrefix, key, val))
	return def
}

func (e *env) Duration(key string, def time.Duration) time.Duration {
	val, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return def
	}
	return d
}

// Parse builds the configuration from args (without the program name).
// Priority: flags > environment variables > .env files > defaults.
func Parse(args []string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	e := &env{}
	cfg := &Config{
		Console: ConsoleConfig{
			Host:        e.String("HOST", defaultHost),
			Port:        e.Int("PORT", defaultPort),
			Password:    e.String("PASSWORD", ""),
			UseTLS:      e.Bool("USE_TLS", false),
			TLSInsecure: e.Bool("TLS_INSECURE", false),
			IdleTimeout: e.Duration("IDLE_TIMEOUT", defaultIdleTimeout),
			DialTimeout: e.Duration("DIAL_TIMEOUT", defaultDialTimeout),
		},
		Scheduler: SchedulerConfig{
			PollInterval: e.Duration("POLL_INTERVAL", defaultPollInterval),
			JobsFile:     e.String("JOBS_FILE", ""),
			UseUTC:       e.Bool("USE_UTC", false),
		},
		Server: ServerConfig{
			Addr:      e.String("ADDR", defaultAddr),
			AuthToken: e.String("AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:     e.String("LOG_LEVEL", defaultLogLevel),
			Format:    e.String("LOG_FORMAT", defaultLogFormat),
			Retention: e.Int("LOG_RETENTION", defaultRunLogKeep),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:        e.String("BARK_URL", ""),
				Enabled:    e.Bool("BARK_ENABLED", false),
				RatePerSec: e.Float("BARK_RATE", defaultBarkRate),
			},
		},
		StateDir:      e.String("STATE_DIR", ""),
		ShutdownGrace: e.Duration("SHUTDOWN_GRACE", defaultShutdownGrace),
		Mode:          e.String("MODE", ModeHTTP),
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %w", errors.Join(e.errs...))
	}

	// Flags default to the values resolved so far, so only flags given on
	// the command line change anything.
	fs := pflag.NewFlagSet("rcontabd", pflag.ContinueOnError)
	fs.StringVar(&cfg.Console.Host, "host", cfg.Console.Host, "RCON host")
	fs.IntVar(&cfg.Console.Port, "port", cfg.Console.Port, "RCON port")
	fs.StringVar(&cfg.Console.Password, "password", cfg.Console.Password, "RCON password (prefer RCONTAB_PASSWORD)")
	fs.BoolVar(&cfg.Console.UseTLS, "tls", cfg.Console.UseTLS, "Wrap the RCON connection in TLS")
	fs.BoolVar(&cfg.Console.TLSInsecure, "tls-insecure", cfg.Console.TLSInsecure, "Skip TLS certificate verification")
	fs.DurationVar(&cfg.Console.IdleTimeout, "idle-timeout", cfg.Console.IdleTimeout, "Disconnect after this long without commands")
	fs.DurationVar(&cfg.Console.DialTimeout, "dial-timeout", cfg.Console.DialTimeout, "Connect and authentication timeout")
	fs.DurationVar(&cfg.Scheduler.PollInterval, "poll-interval", cfg.Scheduler.PollInterval, "Pause between scheduler ticks")
	fs.StringVarP(&cfg.Scheduler.JobsFile, "jobs", "j", cfg.Scheduler.JobsFile, "YAML job file (default <state-dir>/jobs.yaml)")
	fs.BoolVar(&cfg.Scheduler.UseUTC, "use-utc", cfg.Scheduler.UseUTC, "Evaluate jobs in UTC instead of local time")
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Server.AuthToken, "auth-token", cfg.Server.AuthToken, "Bearer token required by the HTTP API")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (text, json)")
	fs.IntVar(&cfg.Log.Retention, "run-log-keep", cfg.Log.Retention, "Number of recent runs to retain per job")
	fs.StringVar(&cfg.Notification.Bark.URL, "bark-url", cfg.Notification.Bark.URL, "Bark device URL for failure alerts")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory to store database and run transcripts")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period when shutting down")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Serve the HTTP API, MCP over stdio, or both (http, mcp, both)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.Changed("bark-url") && cfg.Notification.Bark.URL != "" {
		cfg.Notification.Bark.Enabled = true
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Scheduler.JobsFile == "" {
		cfg.Scheduler.JobsFile = filepath.Join(cfg.StateDir, "jobs.yaml")
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultRunLogKeep
	}
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Console.Host) == "" {
		errs = append(errs, errors.New("console host is required"))
	}
	if c.Console.Port < 1 || c.Console.Port > 65535 {
		errs = append(errs, fmt.Errorf("console port %d out of range", c.Console.Port))
	}
	if c.Console.Password == "" {
		errs = append(errs, fmt.Errorf("console password is required (%sPASSWORD)", envPrefix))
	}
	if c.Console.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle timeout must be positive"))
	}
	if c.Console.DialTimeout <= 0 {
		errs = append(errs, errors.New("dial timeout must be positive"))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	switch c.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Notification.Bark.Enabled {
		if c.Notification.Bark.URL == "" {
			errs = append(errs, errors.New("bark notifications enabled without a url"))
		}
		if c.Notification.Bark.RatePerSec <= 0 {
			errs = append(errs, errors.New("bark rate must be positive"))
		}
	}
	return errors.Join(errs...)
}

// Location returns the zone jobs are evaluated in.
func (c *Config) Location() *time.Location {
	if c.Scheduler.UseUTC {
		return time.UTC
	}
	return time.Local
}

// ServesHTTP reports whether the HTTP API should be started.
func (c *Config) ServesHTTP() bool {
	return c.Mode == ModeHTTP || c.Mode == ModeBoth
}

// ServesMCP reports whether the MCP stdio server should be started.
func (c *Config) ServesMCP() bool {
	return c.Mode == ModeMCP || c.Mode == ModeBoth
}

// loadDotEnv loads .env from the working directory and the user config
// directory. Existing environment variables win. Missing files are fine.
func loadDotEnv() error {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "rcontab", ".env"))
	}
	for _, path := range envFiles {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "rcontab")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
