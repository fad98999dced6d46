// Package lint checks bundle files on disk before any of them is
// prepared. It layers corpus-level checks on top of bundle.Validate:
// include chains are chased across files to find cycles and dangling
// references, context and agent files are checked for existence, and
// every bundle is round-tripped through its codec to prove the
// declaration survives a parse/marshal cycle intact.
//
// Findings carry a severity; callers typically fail on errors and
// print warnings. Only local sources are chased, git and namespace
// locators resolve at prepare time and are skipped here.
package lint

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/braidkit/braid/bundle"
	"github.com/braidkit/braid/source"
)

// Rule names attached to findings.
const (
	RuleParse     = "parse"
	RuleStructure = "structure"
	RuleInclude   = "include"
	RuleCycle     = "include-cycle"
	RuleContext   = "context"
	RuleAgent     = "agent"
	RuleRoundTrip = "round-trip"
)

// Finding is one problem discovered in a bundle file. Path is the
// absolute path of the file the problem was found in.
type Finding struct {
	Severity bundle.Severity `json:"severity"`
	Path     string          `json:"path"`
	Bundle   string          `json:"bundle,omitempty"`
	Rule     string          `json:"rule"`
	Message  string          `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s: %s (%s)", f.Severity, f.Path, f.Message, f.Rule)
}

// HasErrors reports whether any finding is at error severity.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == bundle.SeverityError {
			return true
		}
	}
	return false
}

// Bundles lints every bundle beneath dir. A markdown file counts as a
// bundle when it is named bundle.md or its frontmatter declares a
// bundle name; other markdown, agent definitions included, is left
// alone. Hidden directories are not descended into.
func Bundles(dir string) ([]Finding, error) {
	l := newLinter()
	if err := l.dir(dir); err != nil {
		return nil, err
	}
	return l.results(), nil
}

// Files lints the given paths. Directories are walked as by Bundles;
// files must parse as bundles and are reported when they do not.
func Files(paths ...string) ([]Finding, error) {
	l := newLinter()
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("lint: %w", err)
		}
		if info.IsDir() {
			if err := l.dir(path); err != nil {
				return nil, err
			}
			continue
		}
		l.file(path, true)
	}
	return l.results(), nil
}

// linter accumulates findings across files. Parsed bundles are cached
// by canonical path so include chasing and discovery share one parse,
// and reported cycle signatures are tracked so a cycle surfaces once
// no matter how many of its members are linted.
type linter struct {
	findings []Finding
	parsed   map[string]*bundle.Bundle
	loadErr  map[string]error
	linted   map[string]bool
	cycles   map[string]bool
}

func newLinter() *linter {
	return &linter{
		parsed:  map[string]*bundle.Bundle{},
		loadErr: map[string]error{},
		linted:  map[string]bool{},
		cycles:  map[string]bool{},
	}
}

func (l *linter) dir(dir string) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(d.Name()), ".md") {
			l.file(path, false)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lint: %w", err)
	}
	return nil
}

// file lints a single markdown file. Explicitly named files must be
// bundles; discovered files are skipped quietly unless they are named
// bundle.md or declare a bundle name.
func (l *linter) file(path string, explicit bool) {
	canon := canonical(path)
	mustBeBundle := explicit || filepath.Base(canon) == "bundle.md"

	b, err := l.load(canon)
	if err != nil {
		if mustBeBundle {
			l.report(bundle.SeverityError, canon, "", RuleParse, "%v", err)
		}
		return
	}
	if b.Name == "" && !mustBeBundle {
		return
	}
	if l.linted[canon] {
		return
	}
	l.linted[canon] = true
	l.lintBundle(canon, b)
}

func (l *linter) lintBundle(canon string, b *bundle.Bundle) {
	for _, p := range b.Validate() {
		l.report(p.Severity, canon, b.Name, RuleStructure, "%s", p.Message)
	}
	l.chaseIncludes(canon, b, nil)
	l.checkContext(canon, b)
	l.checkAgents(canon, b)
	l.checkRoundTrip(canon, b)
}

// chaseIncludes follows local includes transitively. stack holds the
// canonical paths on the current include chain; a target already on it
// closes a cycle. Remote and namespaced includes resolve at prepare
// time and are not chased.
func (l *linter) chaseIncludes(canon string, b *bundle.Bundle, stack []string) {
	stack = append(stack, canon)
	baseDir := filepath.Dir(canon)

	for _, inc := range b.Includes {
		loc, err := source.ParseLocator(inc)
		if err != nil {
			l.report(bundle.SeverityError, canon, b.Name, RuleInclude, "include %q: %v", inc, err)
			continue
		}
		if loc.Kind != source.KindLocal && loc.Kind != source.KindPath {
			continue
		}

		target, err := includeFile(baseDir, loc.Path)
		if err != nil {
			l.report(bundle.SeverityError, canon, b.Name, RuleInclude, "include %q: %v", inc, err)
			continue
		}

		if i := indexOf(stack, target); i != -1 {
			l.reportCycle(canon, b.Name, append(stack[i:len(stack):len(stack)], target))
			continue
		}

		tb, err := l.load(target)
		if err != nil {
			l.report(bundle.SeverityError, canon, b.Name, RuleInclude, "include %q: %v", inc, err)
			continue
		}
		l.chaseIncludes(target, tb, stack)
	}
}

// reportCycle emits one finding per distinct cycle. chain starts and
// ends on the repeated file.
func (l *linter) reportCycle(canon, name string, chain []string) {
	members := append([]string(nil), chain[:len(chain)-1]...)
	sort.Strings(members)
	sig := strings.Join(members, "\x00")
	if l.cycles[sig] {
		return
	}
	l.cycles[sig] = true

	labels := make([]string, len(chain))
	for i, c := range chain {
		labels[i] = l.label(c)
	}
	l.report(bundle.SeverityError, canon, name, RuleCycle, "include cycle: %s", strings.Join(labels, " -> "))
}

// label names a file on a cycle chain by its bundle name when it has
// one. bundle.md basenames alone would make every chain read the same.
func (l *linter) label(canon string) string {
	if b := l.parsed[canon]; b != nil && b.Name != "" {
		return b.Name
	}
	return filepath.Join(filepath.Base(filepath.Dir(canon)), filepath.Base(canon))
}

// checkContext verifies every registered context reference points at an
// existing file. Namespaced references stay pending until includes are
// materialized and cannot be checked offline.
func (l *linter) checkContext(canon string, b *bundle.Bundle) {
	refs := make([]string, 0, len(b.Context))
	for ref := range b.Context {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		if _, err := os.Stat(b.Context[ref]); err != nil {
			l.report(bundle.SeverityError, canon, b.Name, RuleContext, "context include %q: file not found", ref)
		}
	}
}

// checkAgents verifies that agents without an inline instruction have a
// definition file to load. Absence is non-fatal at prepare time, so the
// finding is a warning; names that escape the agents directory would
// fail prepare and are errors.
func (l *linter) checkAgents(canon string, b *bundle.Bundle) {
	refs := make([]string, 0, len(b.Agents))
	for ref := range b.Agents {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		if agentInline(b.Agents[ref]) {
			continue
		}
		name := ref
		if ns, rest, ok := strings.Cut(ref, ":"); ok {
			if ns != b.Name {
				continue
			}
			name = rest
		}
		if name == "" || filepath.IsAbs(name) || escapesDir(name) {
			l.report(bundle.SeverityError, canon, b.Name, RuleAgent, "agent %q: name escapes the agents directory", ref)
			continue
		}
		path := filepath.Join(b.BasePath, "agents", filepath.FromSlash(name)+".md")
		if _, err := os.Stat(path); err != nil {
			l.report(bundle.SeverityWarning, canon, b.Name, RuleAgent, "agent %q: no inline instruction and agents/%s.md not found", ref, name)
		}
	}
}

func (l *linter) load(path string) (*bundle.Bundle, error) {
	canon := canonical(path)
	if b, ok := l.parsed[canon]; ok {
		return b, l.loadErr[canon]
	}
	b, err := bundle.ParseFile(canon)
	l.parsed[canon] = b
	l.loadErr[canon] = err
	return b, err
}

func (l *linter) report(sev bundle.Severity, path, name, rule, format string, args ...any) {
	l.findings = append(l.findings, Finding{
		Severity: sev,
		Path:     path,
		Bundle:   name,
		Rule:     rule,
		Message:  fmt.Sprintf(format, args...),
	})
}

// results sorts findings by file, rule and message and drops exact
// duplicates; chasing the same broken include from several roots must
// not report it twice.
func (l *linter) results() []Finding {
	sort.Slice(l.findings, func(i, j int) bool {
		a, b := l.findings[i], l.findings[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		return a.Message < b.Message
	})
	out := l.findings[:0]
	for i, f := range l.findings {
		if i > 0 && f == l.findings[i-1] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// includeFile resolves a local include to the bundle file it names: the
// path itself when it is a file, its bundle.md when it is a directory.
func includeFile(baseDir, path string) (string, error) {
	p := filepath.FromSlash(path)
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("not found")
	}
	if info.IsDir() {
		p = filepath.Join(p, "bundle.md")
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("directory has no bundle.md")
		}
	}
	return canonical(p), nil
}

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func agentInline(a bundle.AgentSpec) bool {
	s, ok := a.System["instruction"].(string)
	return ok && s != ""
}

func escapesDir(name string) bool {
	clean := filepath.Clean(filepath.FromSlash(name))
	return clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

func indexOf(stack []string, target string) int {
	for i, s := range stack {
		if s == target {
			return i
		}
	}
	return -1
}
