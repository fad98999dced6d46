package source

import (
	"fmt"
	"strings"
)

// Kind classifies a source locator.
type Kind string

const (
	KindGit       Kind = "git"
	KindLocal     Kind = "local"
	KindNamespace Kind = "namespace"
	KindPath      Kind = "path"
)

// Locator is a parsed module or bundle source reference.
//
//	git+https://example.com/org/repo@v1.2.0#subdirectory=modules/tool-web
//	local:./modules/tool-web
//	base-tools:behaviors/streaming
//	./modules/tool-web
type Locator struct {
	Kind      Kind
	URL       string // git remote
	Ref       string // git branch or tag
	Subdir    string // optional path inside the git checkout
	Namespace string
	Path      string
}

// ParseLocator parses a source string. Git locators require an explicit
// @ref; the error names the offending string so bundle authors can find it.
func ParseLocator(s string) (Locator, error) {
	if s == "" {
		return Locator{}, fmt.Errorf("empty source locator")
	}

	if rest, ok := strings.CutPrefix(s, "git+"); ok {
		var subdir string
		if i := strings.Index(rest, "#"); i != -1 {
			frag := rest[i+1:]
			rest = rest[:i]
			sub, ok := strings.CutPrefix(frag, "subdirectory=")
			if !ok || sub == "" {
				return Locator{}, fmt.Errorf("git source %q: unsupported fragment %q", s, frag)
			}
			subdir = sub
		}
		// A userinfo @ (git@host) sits before the path; the ref @ sits
		// after it. Only an @ past the first : or / of the host portion
		// separates the ref.
		host := rest
		if i := strings.Index(rest, "://"); i != -1 {
			host = rest[i+3:]
		}
		pathStart := strings.IndexAny(host, ":/")
		at := strings.LastIndex(host, "@")
		if pathStart == -1 || at < pathStart {
			return Locator{}, fmt.Errorf("git source %q: missing @ref", s)
		}
		at += len(rest) - len(host)
		url, ref := rest[:at], rest[at+1:]
		if url == "" || ref == "" {
			return Locator{}, fmt.Errorf("git source %q: missing @ref", s)
		}
		return Locator{Kind: KindGit, URL: url, Ref: ref, Subdir: subdir}, nil
	}

	if path, ok := strings.CutPrefix(s, "local:"); ok {
		if path == "" {
			return Locator{}, fmt.Errorf("local source %q: empty path", s)
		}
		return Locator{Kind: KindLocal, Path: path}, nil
	}

	if ns, path, ok := strings.Cut(s, ":"); ok {
		if ns == "" || path == "" || strings.ContainsAny(ns, "/\\") {
			return Locator{}, fmt.Errorf("source %q: malformed namespace reference", s)
		}
		return Locator{Kind: KindNamespace, Namespace: ns, Path: path}, nil
	}

	return Locator{Kind: KindPath, Path: s}, nil
}

// String renders the locator back to its source form.
func (l Locator) String() string {
	switch l.Kind {
	case KindGit:
		s := "git+" + l.URL + "@" + l.Ref
		if l.Subdir != "" {
			s += "#subdirectory=" + l.Subdir
		}
		return s
	case KindLocal:
		return "local:" + l.Path
	case KindNamespace:
		return l.Namespace + ":" + l.Path
	default:
		return l.Path
	}
}
