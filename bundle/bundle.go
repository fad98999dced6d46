package bundle

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultVersion is applied when a bundle declares no version.
const DefaultVersion = "1.0.0"

// ModuleRef declares one module mount: which module, where it comes from,
// and its configuration. Source may be empty for modules satisfied from the
// compiled-in registry.
type ModuleRef struct {
	Module string         `yaml:"module" json:"module"`
	Source string         `yaml:"source,omitempty" json:"source,omitempty"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// AgentSpec declares a named agent. System typically carries an
// "instruction" entry loaded from agents/<name>.md. Extra preserves unknown
// keys across a parse/marshal round-trip.
type AgentSpec struct {
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	System      map[string]any `yaml:"system,omitempty" json:"system,omitempty"`
	Tools       []string       `yaml:"tools,omitempty" json:"tools,omitempty"`
	Extra       map[string]any `yaml:",inline" json:"-"`
}

// Bundle is a composable declaration of session configuration. Zero values
// are meaningful: an empty bundle composes as a no-op overlay.
//
// Context maps a registered reference to the absolute path it resolved to.
// SourceBasePaths maps an include namespace (the included bundle's name) to
// the directory it was loaded from; namespaced context references that
// arrive before their namespace is known wait in the unexported pending set
// until ResolvePendingContext.
type Bundle struct {
	Name        string               `json:"name"`
	Version     string               `json:"version,omitempty"`
	Description string               `json:"description,omitempty"`
	Includes    []string             `json:"includes,omitempty"`
	Session     map[string]any       `json:"session,omitempty"`
	Providers   []ModuleRef          `json:"providers,omitempty"`
	Tools       []ModuleRef          `json:"tools,omitempty"`
	Hooks       []ModuleRef          `json:"hooks,omitempty"`
	Agents      map[string]AgentSpec `json:"agents,omitempty"`
	Context     map[string]string    `json:"context,omitempty"`
	Instruction string               `json:"instruction,omitempty"`
	BasePath    string               `json:"base_path,omitempty"`

	SourceBasePaths map[string]string `json:"source_base_paths,omitempty"`

	pendingContext map[string]struct{}
}

// New creates a named bundle with the default version.
func New(name string) *Bundle {
	return &Bundle{Name: name, Version: DefaultVersion}
}

// Clone returns a deep copy. Compose works on clones so neither receiver
// nor overlays are ever mutated.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	c := &Bundle{
		Name:        b.Name,
		Version:     b.Version,
		Description: b.Description,
		Instruction: b.Instruction,
		BasePath:    b.BasePath,
	}
	c.Includes = append([]string(nil), b.Includes...)
	c.Session = deepCopyMap(b.Session)
	c.Providers = cloneRefs(b.Providers)
	c.Tools = cloneRefs(b.Tools)
	c.Hooks = cloneRefs(b.Hooks)
	if b.Agents != nil {
		c.Agents = make(map[string]AgentSpec, len(b.Agents))
		for k, v := range b.Agents {
			c.Agents[k] = cloneAgent(v)
		}
	}
	c.Context = copyStringMap(b.Context)
	c.SourceBasePaths = copyStringMap(b.SourceBasePaths)
	if b.pendingContext != nil {
		c.pendingContext = make(map[string]struct{}, len(b.pendingContext))
		for k := range b.pendingContext {
			c.pendingContext[k] = struct{}{}
		}
	}
	return c
}

// MountPlan projects the bundle into the shape the session assembler
// consumes: session config plus the module reference lists and agents. An
// empty bundle yields an empty plan.
func (b *Bundle) MountPlan() map[string]any {
	plan := map[string]any{}
	if len(b.Session) > 0 {
		plan["session"] = deepCopyMap(b.Session)
	}
	if len(b.Providers) > 0 {
		plan["providers"] = cloneRefs(b.Providers)
	}
	if len(b.Tools) > 0 {
		plan["tools"] = cloneRefs(b.Tools)
	}
	if len(b.Hooks) > 0 {
		plan["hooks"] = cloneRefs(b.Hooks)
	}
	if len(b.Agents) > 0 {
		agents := make(map[string]AgentSpec, len(b.Agents))
		for k, v := range b.Agents {
			agents[k] = cloneAgent(v)
		}
		plan["agents"] = agents
	}
	return plan
}

// RegisterContext records an already-resolved context path under ref.
func (b *Bundle) RegisterContext(ref, path string) {
	if b.Context == nil {
		b.Context = map[string]string{}
	}
	b.Context[ref] = path
}

// ResolveContextPath resolves a context reference to an absolute path.
// Registered context wins; otherwise the reference is tried relative to
// BasePath and must exist on disk.
func (b *Bundle) ResolveContextPath(ref string) (string, bool) {
	if p, ok := b.Context[ref]; ok {
		return p, true
	}
	if b.BasePath != "" {
		p := filepath.Join(b.BasePath, filepath.FromSlash(ref))
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// ResolvePendingContext resolves deferred namespaced context references
// against SourceBasePaths. A reference whose namespace equals the bundle's
// own name resolves against BasePath. References whose namespace is still
// unknown stay pending for a later attempt.
func (b *Bundle) ResolvePendingContext() {
	for ref := range b.pendingContext {
		ns, rest, ok := strings.Cut(ref, ":")
		if !ok {
			continue
		}
		root := ""
		if ns == b.Name && b.BasePath != "" {
			root = b.BasePath
		} else if p, found := b.SourceBasePaths[ns]; found {
			root = p
		}
		if root == "" {
			continue
		}
		b.RegisterContext(ref, filepath.Join(root, filepath.FromSlash(rest)))
		delete(b.pendingContext, ref)
	}
}

// PendingContext returns the still-unresolved namespaced context references
// in sorted order.
func (b *Bundle) PendingContext() []string {
	if len(b.pendingContext) == 0 {
		return nil
	}
	refs := make([]string, 0, len(b.pendingContext))
	for ref := range b.pendingContext {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// AddNamespace records the directory an included bundle was loaded from so
// namespaced context and agent references can resolve against it.
func (b *Bundle) AddNamespace(ns, dir string) {
	if ns == "" || dir == "" {
		return
	}
	if b.SourceBasePaths == nil {
		b.SourceBasePaths = map[string]string{}
	}
	b.SourceBasePaths[ns] = dir
}

func (b *Bundle) addPendingContext(ref string) {
	if b.pendingContext == nil {
		b.pendingContext = map[string]struct{}{}
	}
	b.pendingContext[ref] = struct{}{}
}

func cloneRefs(refs []ModuleRef) []ModuleRef {
	if refs == nil {
		return nil
	}
	out := make([]ModuleRef, len(refs))
	for i, r := range refs {
		out[i] = ModuleRef{Module: r.Module, Source: r.Source, Config: deepCopyMap(r.Config)}
	}
	return out
}

func cloneAgent(a AgentSpec) AgentSpec {
	return AgentSpec{
		Name:        a.Name,
		Description: a.Description,
		System:      deepCopyMap(a.System),
		Tools:       append([]string(nil), a.Tools...),
		Extra:       deepCopyMap(a.Extra),
	}
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// deepCopyMap copies a config tree. Nested map[string]any values are copied
// recursively; slices are copied shallowly per element.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
