package config

import "time"

// Config represents the complete Sage configuration
type Config struct {
	BaseDir     string            `yaml:"-"`           // Directory containing config file, for resolving relative paths
	Server      ServerConfig      `yaml:"server"`      // Listener and request limits
	Root        string            `yaml:"root"`        // Document root; the server changes into it at startup
	Init        string            `yaml:"init"`        // Script run once in the global scope before serving (relative to root)
	LastResort  string            `yaml:"last_resort"` // URL path routed to when nothing else matches (e.g. "/404.sage")
	Templates   TemplatesConfig   `yaml:"templates"`
	KV          KVConfig          `yaml:"kv"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Compression CompressionConfig `yaml:"compression"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Dev            bool          `yaml:"-"`               // Set via CLI flag, not config
	MaxBody        string        `yaml:"max_body"`        // Largest request body scripts may read (e.g. "32MB")
	ScriptTimeout  time.Duration `yaml:"script_timeout"`  // Longest a page script may run (0 = no limit)
	MaxRedirects   int           `yaml:"max_redirects"`   // Internal redirects followed per request
	MaxConnections int           `yaml:"max_connections"` // Simultaneous connections accepted (0 = unlimited)
	RateLimit      int           `yaml:"rate_limit"`      // Requests per minute from one client (0 = unlimited)
}

// TemplatesConfig holds template settings
type TemplatesConfig struct {
	Extension       string   `yaml:"extension"`         // Files with this extension are compiled and run (default: ".sage")
	Index           []string `yaml:"index"`             // Files tried, in order, when a directory is requested
	MaxIncludeDepth int      `yaml:"max_include_depth"` // Nested includes allowed before compiling fails
	Cache           bool     `yaml:"cache"`             // Keep compiled templates between requests (always off in dev)
}

// KVConfig holds key-value store settings
type KVConfig struct {
	Driver      string        `yaml:"driver"`       // redis, bolt, sqlite, mysql or postgres
	Addr        SecretString  `yaml:"addr"`         // host:port for redis, a file for bolt and sqlite, a DSN otherwise
	DialTimeout time.Duration `yaml:"dial_timeout"` // Connect timeout
	PoolSize    int           `yaml:"pool_size"`    // Open SQL connections
}

// TasksConfig holds background task settings
type TasksConfig struct {
	MaxConcurrent int             `yaml:"max_concurrent"` // Tasks allowed to run at once
	ShutdownGrace time.Duration   `yaml:"shutdown_grace"` // How long shutdown waits for running tasks
	Schedule      []ScheduleEntry `yaml:"schedule"`
}

// ScheduleEntry runs a task script on a cron schedule
type ScheduleEntry struct {
	Cron   string `yaml:"cron"`   // Cron expression (5, 6 or 7 fields)
	Script string `yaml:"script"` // Script path, relative to root
}

// CompressionConfig holds HTTP response compression settings
type CompressionConfig struct {
	Enabled bool   `yaml:"enabled"`  // Enable gzip compression (default: true)
	Level   string `yaml:"level"`    // Compression level: "fastest", "default", "best", "none" (default: "default")
	MinSize int    `yaml:"min_size"` // Minimum response size to compress in bytes (default: 1024)

	// Media types sent uncompressed on top of images, audio, video and archives
	SkipTypes []string `yaml:"skip_types"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
	Output string `yaml:"output"` // stderr, stdout, or file path
	Quiet  bool   `yaml:"quiet"`  // suppress request logs
}

// Defaults returns a Config with sensible defaults
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			MaxBody:       "32MB",
			ScriptTimeout: 30 * time.Second,
			MaxRedirects:  10,
		},
		Root: ".",
		Templates: TemplatesConfig{
			Extension:       ".sage",
			Index:           []string{"index.sage", "index.html", "index.xhtml", "index.htm", "index.txt"},
			MaxIncludeDepth: 32,
			Cache:           true,
		},
		KV: KVConfig{
			Driver:      "redis",
			DialTimeout: 2 * time.Second,
			PoolSize:    8,
		},
		Tasks: TasksConfig{
			MaxConcurrent: 64,
			ShutdownGrace: 10 * time.Second,
		},
		Compression: CompressionConfig{
			Enabled: true,
			Level:     "default",
			MinSize:   1024,
			SkipTypes: []string{"text/event-stream"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}
