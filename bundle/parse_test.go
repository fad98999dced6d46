package bundle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleBundle = `---
bundle:
  name: research
  version: 2.1.0
  description: Research assistant
includes:
  - base-tools
session:
  model: claude-sonnet-4
  max_iterations: 10
providers:
  - module: provider-anthropic
    source: local:./providers
tools:
  - module: tool-filesystem
    config:
      root: ./workspace
  - module: tool-shell
    config:
      timeout: 30
hooks:
  - module: hooks-logging
context:
  include:
    - docs/guide.md
    - base-tools:docs/shared.md
---

Act as a careful research assistant. Cite sources.
`

func TestParse_Frontmatter(t *testing.T) {
	b, err := Parse([]byte(sampleBundle), "/bundles/research")
	assert.NoError(t, err)
	assert.Equal(t, "research", b.Name)
	assert.Equal(t, "2.1.0", b.Version)
	assert.Equal(t, "Research assistant", b.Description)
	assert.Equal(t, []string{"base-tools"}, b.Includes)
	assert.Equal(t, "claude-sonnet-4", b.Session["model"])
	assert.Equal(t, "Act as a careful research assistant. Cite sources.", b.Instruction)
	assert.Equal(t, "/bundles/research", b.BasePath)
}

func TestParse_ModuleOrderPreserved(t *testing.T) {
	b, err := Parse([]byte(sampleBundle), "")
	assert.NoError(t, err)
	if assert.Len(t, b.Tools, 2) {
		assert.Equal(t, "tool-filesystem", b.Tools[0].Module)
		assert.Equal(t, "tool-shell", b.Tools[1].Module)
	}
	assert.Equal(t, "./workspace", b.Tools[0].Config["root"])
	assert.Equal(t, 30, b.Tools[1].Config["timeout"])
	if assert.Len(t, b.Providers, 1) {
		assert.Equal(t, "local:./providers", b.Providers[0].Source)
	}
}

func TestParse_NestedBundleBlockWins(t *testing.T) {
	data := []byte("---\nname: outer\nbundle:\n  name: inner\n  version: 3.0.0\n---\n")
	b, err := Parse(data, "")
	assert.NoError(t, err)
	assert.Equal(t, "inner", b.Name)
	assert.Equal(t, "3.0.0", b.Version)
}

func TestParse_VersionDefault(t *testing.T) {
	b, err := Parse([]byte("---\nname: minimal\n---\n"), "")
	assert.NoError(t, err)
	assert.Equal(t, DefaultVersion, b.Version)
}

func TestParse_WholeDocumentYAML(t *testing.T) {
	b, err := Parse([]byte("name: plain\nversion: 1.2.3\ntools:\n  - module: tool-shell\n"), "")
	assert.NoError(t, err)
	assert.Equal(t, "plain", b.Name)
	assert.Equal(t, "1.2.3", b.Version)
	assert.Len(t, b.Tools, 1)
	assert.Empty(t, b.Instruction)
}

func TestParse_ContextIncludes(t *testing.T) {
	b, err := Parse([]byte(sampleBundle), "/bundles/research")
	assert.NoError(t, err)

	// Plain references register immediately against the base path.
	path, ok := b.ResolveContextPath("docs/guide.md")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/bundles/research", "docs", "guide.md"), path)

	// Namespaced references wait until the namespace root is known.
	assert.Equal(t, []string{"base-tools:docs/shared.md"}, b.PendingContext())
	_, ok = b.ResolveContextPath("base-tools:docs/shared.md")
	assert.False(t, ok)

	b.AddNamespace("base-tools", "/cache/base-tools")
	b.ResolvePendingContext()
	assert.Empty(t, b.PendingContext())
	path, ok = b.ResolveContextPath("base-tools:docs/shared.md")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/cache/base-tools", "docs", "shared.md"), path)
}

func TestParse_SelfNamespaceResolvesToBasePath(t *testing.T) {
	data := []byte("---\nbundle:\n  name: research\ncontext:\n  include:\n    - research:notes/own.md\n---\n")
	b, err := Parse(data, "/bundles/research")
	assert.NoError(t, err)
	b.ResolvePendingContext()
	path, ok := b.ResolveContextPath("research:notes/own.md")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("/bundles/research", "notes", "own.md"), path)
}

func TestParse_UnterminatedFrontmatter(t *testing.T) {
	_, err := Parse([]byte("---\nname: broken\n"), "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated")
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.md")
	err := os.WriteFile(path, []byte(sampleBundle), 0o644)
	assert.NoError(t, err)

	b, err := ParseFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "research", b.Name)
	assert.Equal(t, dir, b.BasePath)

	_, err = ParseFile(filepath.Join(dir, "missing.md"))
	assert.Error(t, err)
}

func TestMarshal_RoundTrip(t *testing.T) {
	b, err := Parse([]byte(sampleBundle), "/bundles/research")
	assert.NoError(t, err)

	out, err := b.Marshal()
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "---\n"))
	assert.Contains(t, string(out), "Act as a careful research assistant.")

	again, err := Parse(out, "/bundles/research")
	assert.NoError(t, err)
	assert.Equal(t, b.Name, again.Name)
	assert.Equal(t, b.Version, again.Version)
	assert.Equal(t, b.Instruction, again.Instruction)
	if assert.Len(t, again.Tools, 2) {
		assert.Equal(t, "tool-filesystem", again.Tools[0].Module)
		assert.Equal(t, "tool-shell", again.Tools[1].Module)
	}
	assert.Equal(t, b.Includes, again.Includes)
}

func TestMarshal_EmptyInstruction(t *testing.T) {
	b := New("bare")
	out, err := b.Marshal()
	assert.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(out), "---\n"))
}

func TestClone_Independent(t *testing.T) {
	b, err := Parse([]byte(sampleBundle), "/bundles/research")
	assert.NoError(t, err)

	c := b.Clone()
	c.Session["model"] = "other"
	c.Tools[0].Config["root"] = "elsewhere"
	c.RegisterContext("extra.md", "/tmp/extra.md")

	assert.Equal(t, "claude-sonnet-4", b.Session["model"])
	assert.Equal(t, "./workspace", b.Tools[0].Config["root"])
	_, ok := b.Context["extra.md"]
	assert.False(t, ok)
}

func TestMountPlan(t *testing.T) {
	b, err := Parse([]byte(sampleBundle), "")
	assert.NoError(t, err)

	plan := b.MountPlan()
	assert.Contains(t, plan, "session")
	assert.Contains(t, plan, "providers")
	assert.Contains(t, plan, "tools")
	assert.Contains(t, plan, "hooks")
	assert.NotContains(t, plan, "agents")

	empty := New("empty")
	assert.Empty(t, empty.MountPlan())
}
