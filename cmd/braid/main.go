package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/braidkit/braid"
	"github.com/braidkit/braid/bundle"
	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/lint"
	"github.com/braidkit/braid/logging"
	"github.com/braidkit/braid/session"
	"github.com/braidkit/braid/source"
)

const usage = `braid prepares and runs agent bundles.

Usage:
  braid validate [flags] [path...]   check bundle files without running them
  braid run [flags]                  prepare a bundle and execute a prompt
  braid cache [flags]                show or clear the module cache

Use "braid <command> --help" for command flags.
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("command required")
	}
	switch args[0] {
	case "validate":
		return runValidate(args[1:], out)
	case "run":
		return runRun(args[1:], out)
	case "cache":
		return runCache(args[1:], out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runValidate(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "emit findings as JSON")
	if err := flags.Parse(args); err != nil {
		return err
	}
	paths := flags.Args()
	if len(paths) == 0 {
		paths = []string{"."}
	}

	findings, err := lint.Files(paths...)
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(findings); err != nil {
			return err
		}
	} else {
		for _, f := range findings {
			fmt.Fprintln(out, f.String())
		}
		if len(findings) == 0 {
			fmt.Fprintln(out, "no problems found")
		}
	}

	if lint.HasErrors(findings) {
		errs := 0
		for _, f := range findings {
			if f.Severity == bundle.SeverityError {
				errs++
			}
		}
		return fmt.Errorf("validation failed: %d error(s)", errs)
	}
	return nil
}

// runResult is the --json output of the run command.
type runResult struct {
	SessionID string `json:"session_id"`
	Output    string `json:"output"`
	Turns     int    `json:"turns"`
}

func runRun(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	bundleRef := flags.String("bundle", ".", "bundle directory, file or source locator")
	prompt := flags.String("prompt", "", "prompt to execute")
	sessionID := flags.String("session-id", "", "session id; reuse one to resume a persistent transcript")
	cwd := flags.String("cwd", "", "working directory for filesystem-facing tools")
	jsonOut := flags.Bool("json", false, "print a result object instead of streaming text")
	verbose := flags.Bool("verbose", false, "log runtime diagnostics to stderr")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *prompt == "" {
		return errors.New("run: --prompt is required")
	}

	var optFns []func(o *braid.Options)
	if *verbose {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		optFns = append(optFns, func(o *braid.Options) {
			o.Logger = logging.NewSlogAdapter(slog.New(handler))
		})
	}

	ctx := context.Background()
	b, err := braid.Load(ctx, *bundleRef, optFns...)
	if err != nil {
		return err
	}
	prepared, err := braid.Prepare(ctx, b, optFns...)
	if err != nil {
		return err
	}

	params := session.Params{SessionID: *sessionID, SessionCWD: *cwd}
	if !*jsonOut {
		params.Display = core.NewWriterDisplay(out)
	}
	sess, err := prepared.NewSession(ctx, params)
	if err != nil {
		return err
	}
	defer sess.Close()

	output, err := sess.Execute(ctx, *prompt)
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runResult{SessionID: sess.ID(), Output: output, Turns: sess.Turns()})
	}
	// Streamed deltas carry no trailing newline.
	fmt.Fprintln(out)
	return nil
}

func runCache(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("cache", pflag.ContinueOnError)
	clearAll := flags.Bool("clear", false, "remove cached modules and install state")
	if err := flags.Parse(args); err != nil {
		return err
	}

	resolver := source.NewResolver()
	dir := resolver.CacheDir()

	if *clearAll {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		state := resolver.State()
		state.Clear()
		if err := state.Save(); err != nil {
			return fmt.Errorf("reset install state: %w", err)
		}
		fmt.Fprintf(out, "cleared %s\n", dir)
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(out, "%s: no cached modules\n", dir)
			return nil
		}
		return err
	}
	fmt.Fprintln(out, dir)
	cached := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		fmt.Fprintf(out, "  %s\n", entry.Name())
		cached++
	}
	if cached == 0 {
		fmt.Fprintln(out, "  (no cached modules)")
	}
	return nil
}
