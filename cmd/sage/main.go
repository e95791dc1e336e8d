package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sambeau/sage/config"
	"github.com/sambeau/sage/server"
)

// Version information, set at build time via -ldflags
var (
	Version = "dev"     // -X main.Version=$(git describe --tags --always)
	Commit  = "unknown" // -X main.Commit=$(git rev-parse --short HEAD)
)

func main() {
	ctx := context.Background()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point, designed for testability (Mat Ryer pattern)
func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) error {
	flags := flag.NewFlagSet("sage", flag.ContinueOnError)
	flags.SetOutput(io.Discard) // Suppress default -h output

	var (
		configPath  = flags.String("config", "", "Path to config file")
		devMode     = flags.Bool("dev", false, "Development mode (HTTP on localhost, no template cache)")
		quietMode   = flags.Bool("quiet", false, "Suppress request logs")
		port        = flags.Int("port", 0, "Override listen port")
		workingDir  = flags.String("working-dir", "", "Override the document root")
		initScript  = flags.String("init", "", "Override the init script")
		lastResort  = flags.String("last-resort", "", "Override the last-resort URL path")
		newFolder   = flags.String("new", "", "Create a new Sage site in the specified folder")
		showVersion = flags.Bool("version", false, "Show version")
		showHelp    = flags.Bool("help", false, "Show help")
	)

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(stdout)
			return nil
		}
		printUsage(stderr)
		return err
	}

	if *showHelp {
		printUsage(stdout)
		return nil
	}

	if *showVersion {
		fmt.Fprintf(stdout, "sage version %s (%s)\n", Version, Commit)
		return nil
	}

	if *newFolder != "" {
		return runNewCommand(*newFolder, stdout)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, configFile, err := config.LoadWithPath(*configPath, getenv)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Apply CLI overrides
	if *devMode {
		cfg.Server.Dev = true
	}
	if *quietMode {
		cfg.Logging.Quiet = true
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *workingDir != "" {
		root, err := filepath.Abs(*workingDir)
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		cfg.Root = root
	}
	if *initScript != "" {
		cfg.Init = *initScript
	}
	if *lastResort != "" {
		cfg.LastResort = *lastResort
	}

	// Full validation after CLI overrides applied
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	for _, warning := range config.Warnings(cfg) {
		fmt.Fprintf(stderr, "warning: %s\n", warning)
	}

	logOut, logErr, closeLog, err := openLog(cfg, stdout, stderr)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer closeLog()

	srv, err := server.New(cfg, configFile, logOut, logErr)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// openLog returns the writers the server logs to, per logging.output.
func openLog(cfg *config.Config, stdout, stderr io.Writer) (io.Writer, io.Writer, func(), error) {
	switch cfg.Logging.Output {
	case "", "stderr":
		return stdout, stderr, func() {}, nil
	case "stdout":
		return stdout, stdout, func() {}, nil
	}

	path := cfg.Logging.Output
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.BaseDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, nil, err
	}
	return f, f, func() { f.Close() }, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `sage - A web server for templated scripts

Usage:
  sage [options]

Options:
  --config PATH        Path to config file (default: auto-detect)
  --dev                Development mode (HTTP on localhost, no template cache)
  --quiet              Suppress request logs
  --port PORT          Override listen port
  --working-dir DIR    Override the document root
  --init PATH          Override the init script
  --last-resort PATH   Override the last-resort URL path
  --new FOLDER         Create a new Sage site in the specified folder
  --version            Show version
  --help               Show this help

Config Resolution:
  1. --config flag
  2. SAGE_CONFIG environment variable
  3. ./sage.yaml
  4. ~/.config/sage/sage.yaml

Signals:
  SIGINT/SIGTERM   Graceful shutdown (running tasks get tasks.shutdown_grace)

Examples:
  sage                          Start with auto-detected config
  sage --dev                    Development mode (HTTP on localhost:8080)
  sage --config site.yaml       Use specific config file
  sage --dev --port 3000        Dev mode on port 3000
  sage --last-resort /404.sage  Route unmatched paths to a template
  sage --new mysite             Create a site skeleton in ./mysite

`)
}
