// Package braid turns declarative agent bundles into running sessions.
// Most applications interact with this package by:
//  1. Loading a bundle from a locator (a directory, a bundle file, or a
//     git source) via Load, or composing bundles built in code
//  2. Preparing it once via Prepare: includes resolve and compose,
//     declared modules activate from the registry
//  3. Creating sessions from the PreparedBundle and executing prompts
//
// Preparation is the expensive step; a PreparedBundle is meant to be
// reused across many sessions. All defaults are safe for local use:
// no logging, the process-global module registry, and $BRAID_HOME (or
// ~/.braid) for fetched sources.
package braid

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/braidkit/braid/bundle"
	"github.com/braidkit/braid/events"
	"github.com/braidkit/braid/logging"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/source"

	// Built-in modules register their factories on import.
	_ "github.com/braidkit/braid/orchestrator"
	_ "github.com/braidkit/braid/provider/anthropic"
	_ "github.com/braidkit/braid/provider/openai"
	_ "github.com/braidkit/braid/tool/filesystem"
	_ "github.com/braidkit/braid/tool/shell"
	_ "github.com/braidkit/braid/transcript"
)

// Options configure the braid runtime: where sources cache, how modules
// are looked up, and where events and diagnostics go.
type Options struct {
	// Logger receives preparation and session diagnostics. Defaults to no
	// logging.
	Logger logging.Logger

	// Home is the braid home directory; fetched sources and install state
	// live beneath it. Defaults to $BRAID_HOME or ~/.braid.
	Home string

	// Router distributes session lifecycle events to cross-session
	// consumers such as triggers and background managers. Optional; module
	// factories receive it through their Deps.
	Router *events.Router

	// Registry supplies module factories. Defaults to the process-global
	// registry built-in modules register into.
	Registry *module.Registry
}

func newOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Logger:   logging.NoOpLogger{},
		Home:     source.Home(),
		Registry: module.Default,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Registry == nil {
		opts.Registry = module.Default
	}
	return opts
}

// Load resolves a locator and parses the bundle it names: the file itself
// when the locator points at one, otherwise the bundle.md inside the
// resolved directory.
func Load(ctx context.Context, locator string, optFns ...func(o *Options)) (*bundle.Bundle, error) {
	opts := newOptions(optFns)

	loc, err := source.ParseLocator(locator)
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	if loc.Kind == source.KindLocal || loc.Kind == source.KindPath {
		if info, statErr := os.Stat(filepath.FromSlash(loc.Path)); statErr == nil && !info.IsDir() {
			b, err := bundle.ParseFile(loc.Path)
			if err != nil {
				return nil, fmt.Errorf("load bundle: %w", err)
			}
			return b, nil
		}
	}

	resolver := source.NewResolver(func(o *source.ResolverOptions) {
		o.Home = opts.Home
		o.Logger = opts.Logger
	})
	dir, err := resolver.Resolve(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	b, err := bundle.ParseFile(filepath.Join(dir, "bundle.md"))
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	return b, nil
}

// Compose layers overlays over base, later bundles winning field by
// field, without modifying any input. See bundle.Compose for the merge
// rules.
func Compose(base *bundle.Bundle, overlays ...*bundle.Bundle) *bundle.Bundle {
	if base == nil {
		base = &bundle.Bundle{}
	}
	return base.Compose(overlays...)
}
