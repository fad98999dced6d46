package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// agentFrontmatter is the frontmatter shape of agents/<name>.md files.
type agentFrontmatter struct {
	Meta struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"meta"`
}

// LoadAgentContent reads an agent definition from agents/<name>.md under the
// bundle's base path. A namespaced name ("ns:agent") loads from that
// namespace's root instead; the bundle's own name namespaces to BasePath.
// The file's meta frontmatter supplies name and description; a non-empty
// body becomes the system instruction. Missing files return an error
// wrapping fs.ErrNotExist so callers can treat absence as non-fatal.
//
// Names that escape the agents directory (absolute paths, ".." segments)
// are rejected.
func (b *Bundle) LoadAgentContent(name string) (AgentSpec, error) {
	root := b.BasePath
	agentName := name
	if ns, rest, ok := strings.Cut(name, ":"); ok {
		agentName = rest
		if ns == b.Name {
			root = b.BasePath
		} else if p, found := b.SourceBasePaths[ns]; found {
			root = p
		} else {
			return AgentSpec{}, fmt.Errorf("agent %q: unknown namespace %q", name, ns)
		}
	}
	if root == "" {
		return AgentSpec{}, fmt.Errorf("agent %q: bundle has no base path", name)
	}

	path, err := safeAgentPath(root, agentName)
	if err != nil {
		return AgentSpec{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return AgentSpec{}, fmt.Errorf("agent %q: %w", name, fs.ErrNotExist)
		}
		return AgentSpec{}, fmt.Errorf("agent %q: %w", name, err)
	}

	front, body, err := splitFrontmatter(data)
	if err != nil {
		return AgentSpec{}, fmt.Errorf("agent %q: %w", name, err)
	}

	spec := AgentSpec{Name: agentName}
	if len(front) > 0 {
		var fm agentFrontmatter
		if err := yaml.Unmarshal(front, &fm); err != nil {
			return AgentSpec{}, fmt.Errorf("agent %q: parse frontmatter: %w", name, err)
		}
		if fm.Meta.Name != "" {
			spec.Name = fm.Meta.Name
		}
		spec.Description = fm.Meta.Description
	}
	if instruction := strings.TrimSpace(string(body)); instruction != "" {
		spec.System = map[string]any{"instruction": instruction}
	}
	return spec, nil
}

// ResolveAgents loads file content for declared agents that carry no system
// instruction yet. Fully inline definitions are left untouched; agents whose
// file does not exist keep their declared fields.
func (b *Bundle) ResolveAgents() error {
	for ref, agent := range b.Agents {
		if hasInstruction(agent) {
			continue
		}
		loaded, err := b.LoadAgentContent(ref)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		if agent.Name != "" {
			loaded.Name = agent.Name
		}
		if agent.Description != "" {
			loaded.Description = agent.Description
		}
		if len(agent.Tools) > 0 {
			loaded.Tools = append([]string(nil), agent.Tools...)
		}
		loaded.Extra = deepCopyMap(agent.Extra)
		b.Agents[ref] = loaded
	}
	return nil
}

func hasInstruction(a AgentSpec) bool {
	if a.System == nil {
		return false
	}
	s, ok := a.System["instruction"].(string)
	return ok && s != ""
}

// safeAgentPath joins agents/<name>.md under root and rejects any name that
// resolves outside the agents directory.
func safeAgentPath(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("agent name %q: absolute paths rejected", name)
	}
	agentsDir := filepath.Join(root, "agents")
	path := filepath.Join(agentsDir, filepath.FromSlash(name)+".md")
	rel, err := filepath.Rel(agentsDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("agent name %q: escapes agents directory", name)
	}
	return path, nil
}
