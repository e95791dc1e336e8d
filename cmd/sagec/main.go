// Command sagec compiles Sage templates to script source, checks that the
// result parses, runs a template once, or evaluates template text
// interactively.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sambeau/sage/pkg/script/jsengine"
	"github.com/sambeau/sage/pkg/template"
)

// Version is set at compile time via -ldflags
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("sagec", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	var (
		check       = flags.Bool("check", false, "Check that the compiled script parses")
		execute     = flags.Bool("run", false, "Run the template once and print its body")
		interactive = flags.Bool("i", false, "Evaluate template text interactively")
		maxDepth    = flags.Int("max-depth", template.DefaultMaxDepth, "Nested includes allowed")
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

	switch {
	case *showHelp:
		printUsage(stdout)
		return nil
	case *showVersion:
		fmt.Fprintf(stdout, "sagec version %s\n", Version)
		return nil
	case *interactive:
		return interact(ctx, newSession(stderr, *maxDepth), stdout)
	}

	if flags.NArg() != 1 {
		printUsage(stderr)
		return errors.New("expected exactly one template")
	}
	path := flags.Arg(0)

	compiler := &template.Compiler{MaxDepth: *maxDepth}
	src, _, err := compiler.CompileFile(path)
	if err != nil {
		return err
	}

	switch {
	case *check:
		if _, err := jsengine.New().Parse(src, path); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: ok\n", path)
		return nil
	case *execute:
		body, err := newSession(stderr, *maxDepth).evalScript(ctx, src, path)
		if err != nil {
			return err
		}
		_, err = io.WriteString(stdout, body)
		return err
	}

	_, err = stdout.Write(src)
	return err
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `sagec - Sage template compiler

Usage:
  sagec [options] TEMPLATE
  sagec -i

Options:
  --check          Check that the compiled script parses
  --run            Run the template once and print its body
  -i               Evaluate template text interactively
  --max-depth N    Nested includes allowed (default: %d)
  --version        Show version
  --help           Show this help

Without --check or --run the compiled script is printed.

`, template.DefaultMaxDepth)
}
