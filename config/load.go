package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a file with ENV interpolation.
// If configPath is empty, it searches default locations.
func Load(configPath string, getenv func(string) string) (*Config, error) {
	cfg, _, err := LoadWithPath(configPath, getenv)
	return cfg, err
}

// LoadWithPath reads configuration and returns both the config and the resolved path.
// A config file is optional: when none is found the defaults are returned
// with an empty path and relative paths resolve against the working directory.
func LoadWithPath(configPath string, getenv func(string) string) (*Config, string, error) {
	path, err := resolveConfigPath(configPath, getenv)
	if err != nil {
		return nil, "", err
	}

	cfg := Defaults()
	var absPath, baseDir string
	if path == "" {
		if baseDir, err = os.Getwd(); err != nil {
			return nil, "", fmt.Errorf("failed to get working directory: %w", err)
		}
	} else {
		// Get absolute path and directory for resolving relative paths
		if absPath, err = filepath.Abs(path); err != nil {
			return nil, "", fmt.Errorf("failed to resolve config path: %w", err)
		}
		baseDir = filepath.Dir(absPath)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}

		// Interpolate environment variables
		data = interpolateEnv(data, getenv)

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.BaseDir = baseDir

	// Resolve relative root
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(baseDir, cfg.Root)
	}

	// Resolve relative embedded store files; network addresses and DSNs are left alone
	if addr := cfg.KV.Addr.Value(); addr != "" && (cfg.KV.Driver == "bolt" || cfg.KV.Driver == "sqlite") && !filepath.IsAbs(addr) {
		cfg.KV.Addr = cfg.KV.Addr.WithValue(filepath.Join(baseDir, addr))
	}

	if err := Validate(cfg); err != nil {
		return nil, "", err
	}

	return cfg, absPath, nil
}

// Validate checks the configuration for errors. Call it again after
// applying CLI overrides.
func Validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid port: %d (must be 1-65535)", cfg.Server.Port))
	}
	if _, err := ParseSize(cfg.Server.MaxBody); err != nil {
		errs = append(errs, fmt.Sprintf("server.max_body: %v", err))
	}
	if cfg.Server.ScriptTimeout < 0 {
		errs = append(errs, "server.script_timeout cannot be negative")
	}
	if cfg.Server.MaxRedirects < 0 {
		errs = append(errs, "server.max_redirects cannot be negative")
	}
	if cfg.Server.MaxConnections < 0 {
		errs = append(errs, "server.max_connections cannot be negative")
	}
	if cfg.Server.RateLimit < 0 {
		errs = append(errs, "server.rate_limit cannot be negative")
	}

	// Templates validation
	if !strings.HasPrefix(cfg.Templates.Extension, ".") || len(cfg.Templates.Extension) < 2 {
		errs = append(errs, fmt.Sprintf("templates.extension must start with a dot: %q", cfg.Templates.Extension))
	}
	if cfg.Templates.MaxIncludeDepth < 1 {
		errs = append(errs, "templates.max_include_depth must be at least 1")
	}
	for i, name := range cfg.Templates.Index {
		if name == "" || strings.ContainsRune(name, '/') {
			errs = append(errs, fmt.Sprintf("templates.index[%d]: must be a plain file name", i))
		}
	}

	// Last resort is a URL path routed to internally
	if cfg.LastResort != "" && !strings.HasPrefix(cfg.LastResort, "/") {
		errs = append(errs, fmt.Sprintf("last_resort must be a URL path starting with /: %q", cfg.LastResort))
	}

	// Key-value store validation
	validDrivers := []string{"redis", "bolt", "sqlite", "mysql", "postgres"}
	if !slices.Contains(validDrivers, cfg.KV.Driver) {
		errs = append(errs, fmt.Sprintf("invalid kv driver: %s (must be %s)", cfg.KV.Driver, strings.Join(validDrivers, ", ")))
	}
	if cfg.KV.Driver != "redis" && cfg.KV.Addr.Value() == "" {
		errs = append(errs, fmt.Sprintf("kv.addr is required for the %s driver", cfg.KV.Driver))
	}

	// Tasks validation
	if cfg.Tasks.MaxConcurrent < 1 {
		errs = append(errs, "tasks.max_concurrent must be at least 1")
	}
	for i, e := range cfg.Tasks.Schedule {
		if e.Cron == "" {
			errs = append(errs, fmt.Sprintf("tasks.schedule[%d]: cron is required", i))
		}
		if e.Script == "" {
			errs = append(errs, fmt.Sprintf("tasks.schedule[%d]: script is required", i))
		}
	}

	// Compression validation
	validCompression := map[string]bool{"fastest": true, "default": true, "best": true, "none": true}
	if cfg.Compression.Enabled && !validCompression[cfg.Compression.Level] {
		errs = append(errs, fmt.Sprintf("invalid compression level: %s (must be fastest, default, best, or none)", cfg.Compression.Level))
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", cfg.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be json or text)", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Warnings returns non-fatal configuration issues that should be reported to the user.
// These are problems that won't prevent the server from starting but likely indicate
// a misconfiguration.
func Warnings(cfg *Config) []string {
	var warnings []string

	if info, err := os.Stat(cfg.Root); err != nil || !info.IsDir() {
		warnings = append(warnings, fmt.Sprintf("root %s is not a directory - every request will return 404", cfg.Root))
	}

	if cfg.Init != "" {
		if _, err := os.Stat(filepath.Join(cfg.Root, cfg.Init)); err != nil {
			warnings = append(warnings, fmt.Sprintf("init script %s not found in root", cfg.Init))
		}
	}

	for _, e := range cfg.Tasks.Schedule {
		if _, err := os.Stat(filepath.Join(cfg.Root, e.Script)); err != nil {
			warnings = append(warnings, fmt.Sprintf("scheduled task script %s not found in root", e.Script))
		}
	}

	if cfg.KV.Addr.Value() != "" && !cfg.KV.Addr.IsSecret() && strings.Contains(cfg.KV.Addr.Value(), "@") {
		warnings = append(warnings, "kv.addr looks like it contains credentials - tag it !secret to keep it out of logs")
	}

	if cfg.Server.ScriptTimeout == 0 {
		warnings = append(warnings, "server.script_timeout is 0 - a looping page script will hold its request forever")
	}

	return warnings
}

// resolveConfigPath finds the config file to use.
// Search order: explicit path > SAGE_CONFIG env > ./sage.yaml > ~/.config/sage/sage.yaml
// It returns an empty path when there is no config file to load.
func resolveConfigPath(explicit string, getenv func(string) string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	// Try SAGE_CONFIG environment variable
	if envPath := getenv("SAGE_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("SAGE_CONFIG file not found: %s", envPath)
		}
		return envPath, nil
	}

	// Try ./sage.yaml
	if _, err := os.Stat("sage.yaml"); err == nil {
		return "sage.yaml", nil
	}

	// Try ~/.config/sage/sage.yaml
	home, err := os.UserHomeDir()
	if err == nil {
		xdgPath := filepath.Join(home, ".config", "sage", "sage.yaml")
		if _, err := os.Stat(xdgPath); err == nil {
			return xdgPath, nil
		}
	}

	return "", nil
}

// envPattern matches ${VAR} or ${VAR:-default}
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// interpolateEnv replaces ${VAR} and ${VAR:-default} patterns with environment values.
func interpolateEnv(data []byte, getenv func(string) string) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envPattern.FindSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := string(parts[1])
		value := getenv(varName)

		if value == "" && len(parts) >= 3 && len(parts[2]) > 0 {
			value = string(parts[2])
		}

		return []byte(value)
	})
}

// ParseSize parses a size string like "10MB", "1GB", "500KB" to bytes.
// Supports: B, KB, MB, GB (case insensitive).
// Returns 0 for empty string.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	s = strings.TrimSpace(strings.ToUpper(s))

	// Check suffixes in order of length (longest first) to avoid "B" matching before "MB"
	suffixes := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.suffix) {
			numStr := strings.TrimSuffix(s, sf.suffix)
			numStr = strings.TrimSpace(numStr)
			var num int64
			if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			return num * sf.mult, nil
		}
	}

	// Try parsing as plain number (bytes)
	var num int64
	if _, err := fmt.Sscanf(s, "%d", &num); err != nil {
		return 0, fmt.Errorf("invalid size format: %s (use B, KB, MB, or GB suffix)", s)
	}
	return num, nil
}
