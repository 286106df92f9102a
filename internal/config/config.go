package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects which front ends the daemon serves.
type Mode string

const (
	// ModeHTTP serves the REST API with the MCP endpoint mounted at /mcp.
	ModeHTTP Mode = "http"
	// ModeMCP serves MCP over stdio only.
	ModeMCP Mode = "mcp"
	// ModeBoth serves HTTP and stdio MCP.
	ModeBoth Mode = "both"
)

// ServesHTTP reports whether the HTTP listener runs in this mode.
func (m Mode) ServesHTTP() bool { return m == ModeHTTP || m == ModeBoth }

// ServesStdio reports whether MCP runs on stdin/stdout in this mode.
func (m Mode) ServesStdio() bool { return m == ModeMCP || m == ModeBoth }

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string
	Retention int
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark          BarkConfig
	RatePerMinute int
}

// TasksConfig locates task entry points.
type TasksConfig struct {
	Dir      string
	GoBinary string
}

// KeepAwakeConfig controls the sleep-prevention helper.
type KeepAwakeConfig struct {
	Enabled bool
	// Command overrides the OS default helper when non-empty.
	Command []string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Tasks        TasksConfig
	KeepAwake    KeepAwakeConfig

	Mode          Mode
	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
}

// SchedulePath is the schedule file inside the state dir.
func (c *Config) SchedulePath() string {
	return filepath.Join(c.StateDir, "schedule.json")
}

// FailuresPath is the failure store file inside the state dir.
func (c *Config) FailuresPath() string {
	return filepath.Join(c.StateDir, "failures.json")
}

// Location is the zone cron expressions and zone-less timestamps use.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

const (
	envPrefix            = "TASKPILOT_"
	defaultAddr          = "127.0.0.1:7171"
	defaultLogLevel      = "info"
	defaultRunLogKeep    = 50
	defaultShutdownGrace = 10 * time.Second
	defaultNotifyRate    = 6
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads configuration from .env files, the environment and the
// process command line.
func Parse() (*Config, error) {
	envFiles := []string{}
	if _, err := os.Stat(".env"); err == nil {
		envFiles = append(envFiles, ".env")
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(configDir, "taskpilot", ".env")
		if _, err := os.Stat(p); err == nil {
			envFiles = append(envFiles, p)
		}
	}
	if len(envFiles) > 0 {
		// godotenv never overrides variables already set in the environment.
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	return ParseArgs(os.Args[1:])
}

// ParseArgs builds the config from the environment and args.
// Priority: CLI flags > environment variables > defaults.
func ParseArgs(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:     getEnvString("LOG_LEVEL", defaultLogLevel),
			Retention: getEnvInt("LOG_RETENTION", defaultRunLogKeep),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
			RatePerMinute: getEnvInt("NOTIFY_RATE", defaultNotifyRate),
		},
		Tasks: TasksConfig{
			Dir:      getEnvString("TASKS_DIR", ""),
			GoBinary: getEnvString("GO_BINARY", "go"),
		},
		KeepAwake: KeepAwakeConfig{
			Enabled: getEnvBool("KEEP_AWAKE", true),
			Command: strings.Fields(getEnvString("KEEP_AWAKE_CMD", "")),
		},
		Mode:          Mode(strings.ToLower(getEnvString("MODE", string(ModeHTTP)))),
		StateDir:      getEnvString("STATE_DIR", ""),
		UseUTC:        getEnvBool("USE_UTC", false),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("taskpilotd", flag.ContinueOnError)
	var (
		addr, logLevel, stateDir, tasksDir, mode, awakeCmd string
		runLogKeep                                         int
		useUTC, keepAwake                                  bool
		shutdownGrace                                      time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory for the schedule, failures, database and run logs")
	fs.StringVar(&tasksDir, "tasks-dir", "", "Directory holding bin/, src/ and scripts/ task entry points")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&mode, "mode", "", "Serving mode: http, mcp or both")
	fs.StringVar(&awakeCmd, "keep-awake-cmd", "", "Command that keeps the host awake while work is pending")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.BoolVar(&keepAwake, "keep-awake", true, "Prevent sleep while scheduled work is pending")
	fs.IntVar(&runLogKeep, "run-log-keep", 0, "Number of recent run logs to retain per task")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if runLogKeep > 0 {
		cfg.Log.Retention = runLogKeep
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if tasksDir != "" {
		cfg.Tasks.Dir = tasksDir
	}
	if mode != "" {
		cfg.Mode = Mode(strings.ToLower(mode))
	}
	if awakeCmd != "" {
		cfg.KeepAwake.Command = strings.Fields(awakeCmd)
	}
	// Bool and duration flags only override when explicitly set.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "keep-awake":
			cfg.KeepAwake.Enabled = keepAwake
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	switch cfg.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return nil, fmt.Errorf("invalid mode %q (want http, mcp or both)", cfg.Mode)
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.Tasks.Dir == "" {
		cfg.Tasks.Dir = filepath.Join(cfg.StateDir, "tasks")
	}
	if cfg.Log.Retention < 1 {
		cfg.Log.Retention = defaultRunLogKeep
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return cfg, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, "taskpilot"), nil
}
