package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/braidkit/braid/logging"
)

// Home returns the braid home directory, ~/.braid unless BRAID_HOME
// overrides it.
func Home() string {
	if v := os.Getenv("BRAID_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".braid")
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Home is the braid home directory; the module cache lives in its
	// modules/ subdirectory. Defaults to Home().
	Home string

	// Logger receives cache and fetch activity. Defaults to no logging.
	Logger logging.Logger
}

// Resolver resolves source locators to local directories. Git sources are
// cached under <home>/modules keyed by remote URL; the install state
// fingerprint decides whether a cached copy can be reused.
type Resolver struct {
	home   string
	state  *State
	logger logging.Logger

	mu         sync.RWMutex
	namespaces map[string]string
}

// NewResolver creates a resolver rooted at the braid home directory.
func NewResolver(optFns ...func(o *ResolverOptions)) *Resolver {
	opts := ResolverOptions{
		Home:   Home(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Resolver{
		home:       opts.Home,
		state:      LoadState(opts.Home),
		logger:     opts.Logger,
		namespaces: map[string]string{},
	}
}

// CacheDir returns the directory git sources are materialized into.
func (r *Resolver) CacheDir() string {
	return filepath.Join(r.home, "modules")
}

// State exposes the install-state cache, for invalidation by CLI commands.
func (r *Resolver) State() *State {
	return r.state
}

// AddNamespace registers a directory for namespace references.
func (r *Resolver) AddNamespace(ns, dir string) {
	if ns == "" || dir == "" {
		return
	}
	r.mu.Lock()
	r.namespaces[ns] = dir
	r.mu.Unlock()
}

// ResolveString parses and resolves a locator in one step.
func (r *Resolver) ResolveString(ctx context.Context, s string) (string, error) {
	loc, err := ParseLocator(s)
	if err != nil {
		return "", err
	}
	return r.Resolve(ctx, loc)
}

// Resolve materializes a locator as a local directory. Only git locators
// touch the network; everything else must already exist on disk.
func (r *Resolver) Resolve(ctx context.Context, loc Locator) (string, error) {
	switch loc.Kind {
	case KindGit:
		return r.resolveGit(ctx, loc)
	case KindLocal, KindPath:
		return r.resolvePath(loc)
	case KindNamespace:
		return r.resolveNamespace(loc)
	default:
		return "", fmt.Errorf("source %q: unknown kind %q", loc, loc.Kind)
	}
}

func (r *Resolver) resolvePath(loc Locator) (string, error) {
	abs, err := filepath.Abs(filepath.FromSlash(loc.Path))
	if err != nil {
		return "", fmt.Errorf("source %q: %w", loc, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("source %q: %w", loc, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("source %q: not a directory", loc)
	}
	return abs, nil
}

func (r *Resolver) resolveNamespace(loc Locator) (string, error) {
	r.mu.RLock()
	root, ok := r.namespaces[loc.Namespace]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("source %q: unknown namespace %q", loc, loc.Namespace)
	}
	dir := filepath.Join(root, filepath.FromSlash(loc.Path))
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("source %q: %w", loc, err)
	}
	return dir, nil
}

func (r *Resolver) resolveGit(ctx context.Context, loc Locator) (string, error) {
	dir := filepath.Join(r.CacheDir(), cacheKey(loc))
	fingerprint := Fingerprint(loc.URL, loc.Ref)

	if r.state.IsCurrent(dir, fingerprint) {
		if _, err := os.Stat(dir); err == nil {
			r.logger.Debug("source cache hit", "source", loc.String(), "dir", dir)
			return r.subdir(dir, loc)
		}
	}

	// Stale or missing checkout; fetch fresh.
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("source %q: %w", loc, err)
	}
	if err := os.MkdirAll(r.CacheDir(), 0o755); err != nil {
		return "", fmt.Errorf("source %q: %w", loc, err)
	}
	r.logger.Info("fetching source", "source", loc.String(), "dir", dir)
	if err := gitClone(ctx, loc.URL, loc.Ref, dir); err != nil {
		return "", fmt.Errorf("source %q: %w", loc, err)
	}

	r.state.Mark(dir, fingerprint)
	if err := r.state.Save(); err != nil {
		r.logger.Warn("install state not saved", "error", err)
	}
	return r.subdir(dir, loc)
}

func (r *Resolver) subdir(dir string, loc Locator) (string, error) {
	if loc.Subdir == "" {
		return dir, nil
	}
	sub := filepath.Join(dir, filepath.FromSlash(loc.Subdir))
	if _, err := os.Stat(sub); err != nil {
		return "", fmt.Errorf("source %q: subdirectory %q: %w", loc, loc.Subdir, err)
	}
	return sub, nil
}

// cacheKey derives a stable directory name from the remote URL and ref:
// the repository basename for readability plus a fingerprint prefix for
// uniqueness.
func cacheKey(loc Locator) string {
	base := loc.URL
	if i := strings.LastIndexAny(base, "/:"); i != -1 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, ".git")
	if base == "" {
		base = "repo"
	}
	sum := Fingerprint(loc.URL, loc.Ref)
	return base + "-" + strings.TrimPrefix(sum, "sha256:")[:12]
}
