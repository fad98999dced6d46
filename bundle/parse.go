package bundle

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// bundleDoc is the on-disk YAML shape. Identity may sit under a nested
// "bundle:" block or at the top level; the nested form wins. Field order
// here fixes the marshal order.
type bundleDoc struct {
	Bundle      *bundleMeta          `yaml:"bundle,omitempty"`
	Name        string               `yaml:"name,omitempty"`
	Version     string               `yaml:"version,omitempty"`
	Description string               `yaml:"description,omitempty"`
	Includes    []string             `yaml:"includes,omitempty"`
	Session     map[string]any       `yaml:"session,omitempty"`
	Providers   []ModuleRef          `yaml:"providers,omitempty"`
	Tools       []ModuleRef          `yaml:"tools,omitempty"`
	Hooks       []ModuleRef          `yaml:"hooks,omitempty"`
	Context     *contextBlock        `yaml:"context,omitempty"`
	Agents      map[string]AgentSpec `yaml:"agents,omitempty"`
	Instruction string               `yaml:"instruction,omitempty"`
}

type bundleMeta struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version,omitempty"`
	Description string `yaml:"description,omitempty"`
}

type contextBlock struct {
	Include []string `yaml:"include,omitempty"`
}

// Parse reads a bundle from either a whole-file YAML document or a markdown
// document with a ----delimited YAML frontmatter block. Markdown body text
// becomes the bundle instruction. basePath anchors relative context
// references; pass the directory the data was read from.
func Parse(data []byte, basePath string) (*Bundle, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	yamlPart := front
	if yamlPart == nil {
		yamlPart = data
		body = nil
	}

	var doc bundleDoc
	if err := yaml.Unmarshal(yamlPart, &doc); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}

	b := &Bundle{
		Name:        doc.Name,
		Version:     doc.Version,
		Description: doc.Description,
		Includes:    doc.Includes,
		Session:     doc.Session,
		Providers:   doc.Providers,
		Tools:       doc.Tools,
		Hooks:       doc.Hooks,
		Agents:      doc.Agents,
		Instruction: doc.Instruction,
		BasePath:    basePath,
	}
	if doc.Bundle != nil {
		if doc.Bundle.Name != "" {
			b.Name = doc.Bundle.Name
		}
		if doc.Bundle.Version != "" {
			b.Version = doc.Bundle.Version
		}
		if doc.Bundle.Description != "" {
			b.Description = doc.Bundle.Description
		}
	}
	if b.Version == "" {
		b.Version = DefaultVersion
	}

	if instruction := strings.TrimSpace(string(body)); instruction != "" {
		b.Instruction = instruction
	}

	if doc.Context != nil {
		for _, ref := range doc.Context.Include {
			if strings.Contains(ref, ":") {
				// Namespace root unknown until the include is resolved.
				b.addPendingContext(ref)
				continue
			}
			b.RegisterContext(ref, filepath.Join(basePath, filepath.FromSlash(ref)))
		}
	}

	return b, nil
}

// ParseFile reads and parses the bundle at path. The file's directory
// becomes the bundle's base path.
func ParseFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Parse(data, filepath.Dir(abs))
}

// Marshal re-serializes the bundle to frontmatter form: a YAML block with
// the declaration followed by the instruction body. Keys and the order of
// includes, tools and hooks survive a Parse/Marshal round-trip.
func (b *Bundle) Marshal() ([]byte, error) {
	doc := bundleDoc{
		Bundle: &bundleMeta{
			Name:        b.Name,
			Version:     b.Version,
			Description: b.Description,
		},
		Includes:  b.Includes,
		Session:   b.Session,
		Providers: b.Providers,
		Tools:     b.Tools,
		Hooks:     b.Hooks,
		Agents:    b.Agents,
	}
	if refs := b.contextRefs(); len(refs) > 0 {
		doc.Context = &contextBlock{Include: refs}
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	buf.WriteString("---\n")
	if b.Instruction != "" {
		buf.WriteString("\n")
		buf.WriteString(b.Instruction)
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// contextRefs rebuilds the context include list: registered references in
// sorted order followed by still-pending namespaced references.
func (b *Bundle) contextRefs() []string {
	if len(b.Context) == 0 && len(b.pendingContext) == 0 {
		return nil
	}
	refs := make([]string, 0, len(b.Context)+len(b.pendingContext))
	for ref := range b.Context {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	refs = append(refs, b.PendingContext()...)
	return refs
}

// splitFrontmatter splits content into a YAML frontmatter block and the
// remaining body. A document without an opening --- line has no
// frontmatter; the caller treats the whole content as YAML.
func splitFrontmatter(data []byte) (front, body []byte, err error) {
	if !bytes.HasPrefix(data, []byte("---\n")) && !bytes.HasPrefix(data, []byte("---\r\n")) {
		return nil, data, nil
	}

	rest := data[bytes.IndexByte(data, '\n')+1:]
	for _, delim := range []string{"\n---\n", "\n---\r\n", "\r\n---\r\n", "\r\n---\n"} {
		if idx := bytes.Index(rest, []byte(delim)); idx != -1 {
			return rest[:idx], rest[idx+len(delim):], nil
		}
	}
	// Closing delimiter at end of file without trailing newline.
	for _, delim := range []string{"\n---", "\r\n---"} {
		if bytes.HasSuffix(rest, []byte(delim)) {
			return rest[:len(rest)-len(delim)], nil, nil
		}
	}
	return nil, nil, fmt.Errorf("parse bundle: unterminated frontmatter block")
}
