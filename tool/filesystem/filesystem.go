// Package filesystem provides the built-in tool-filesystem module: file
// reads, writes and directory listings scoped under the session working
// directory. Paths that resolve above the working directory are rejected, so
// a session can only touch the tree it was given.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/tool"
)

func init() {
	module.Register(module.KindTool, "tool-filesystem", func(cfg map[string]any, _ module.Deps) (any, error) {
		return NewTool(func(o *Options) {
			if v, ok := cfg["max_read_bytes"]; ok {
				switch n := v.(type) {
				case int:
					o.MaxReadBytes = n
				case int64:
					o.MaxReadBytes = int(n)
				case float64:
					o.MaxReadBytes = int(n)
				}
			}
		}), nil
	})
}

// DefaultMaxReadBytes caps read_file results so a single large file cannot
// blow up the model context.
const DefaultMaxReadBytes = 256 * 1024

// Options configure the filesystem tool.
type Options struct {
	// MaxReadBytes truncates read_file content beyond this size.
	MaxReadBytes int
}

// Tool exposes read_file, write_file and list_dir through a single tool with
// an operation argument. All paths are resolved relative to the session
// working directory from the ToolContext.
type Tool struct {
	opts Options
}

// NewTool creates the filesystem tool.
func NewTool(optFns ...func(o *Options)) *Tool {
	opts := Options{
		MaxReadBytes: DefaultMaxReadBytes,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxReadBytes <= 0 {
		opts.MaxReadBytes = DefaultMaxReadBytes
	}
	return &Tool{opts: opts}
}

// Name returns the tool identifier.
func (t *Tool) Name() string { return "filesystem" }

// Description returns the tool description shown to models.
func (t *Tool) Description() string {
	return "Read, write and list files under the session working directory. " +
		"Supports operations: read_file, write_file, list_dir."
}

// Parameters returns the JSON schema for tool arguments.
func (t *Tool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"read_file", "write_file", "list_dir"},
				"description": "The filesystem operation to perform",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Path relative to the working directory",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "File content for write_file",
			},
		},
		"required": []string{"operation", "path"},
	}
}

// Call implements the Tool interface with structured arguments.
func (t *Tool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	operation, ok := args["operation"].(string)
	if !ok {
		return nil, fmt.Errorf("operation parameter is required")
	}
	rawPath, ok := args["path"].(string)
	if !ok || rawPath == "" {
		return nil, fmt.Errorf("path parameter is required")
	}

	root := tc.CWD()
	if root == "" {
		return nil, tool.NewToolError(t.Name(), "session has no working directory", tool.CodeExecution)
	}

	path, err := resolvePath(root, rawPath)
	if err != nil {
		return nil, tool.NewToolError(t.Name(), err.Error(), tool.CodeValidation)
	}

	switch operation {
	case "read_file":
		return t.handleRead(path, rawPath)
	case "write_file":
		return t.handleWrite(path, rawPath, args)
	case "list_dir":
		return t.handleList(path, rawPath)
	default:
		return nil, fmt.Errorf("unknown operation: %s", operation)
	}
}

// handleRead returns file content, truncated beyond MaxReadBytes.
func (t *Tool) handleRead(path, rawPath string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawPath, err)
	}

	truncated := false
	if len(data) > t.opts.MaxReadBytes {
		data = data[:t.opts.MaxReadBytes]
		truncated = true
	}

	return map[string]any{
		"path":      rawPath,
		"content":   string(data),
		"size":      len(data),
		"truncated": truncated,
	}, nil
}

// handleWrite creates parent directories as needed and writes the file.
func (t *Tool) handleWrite(path, rawPath string, args map[string]any) (any, error) {
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content parameter is required for write_file operation")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("write %s: %w", rawPath, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", rawPath, err)
	}

	return map[string]any{
		"path":    rawPath,
		"size":    len(content),
		"success": true,
	}, nil
}

// handleList returns directory entries with name, kind and size.
func (t *Tool) handleList(path, rawPath string) (any, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rawPath, err)
	}

	entries := make([]map[string]any, 0, len(dirEntries))
	for _, de := range dirEntries {
		entry := map[string]any{
			"name":   de.Name(),
			"is_dir": de.IsDir(),
		}
		if info, err := de.Info(); err == nil && !de.IsDir() {
			entry["size"] = info.Size()
		}
		entries = append(entries, entry)
	}

	return map[string]any{
		"path":    rawPath,
		"entries": entries,
		"count":   len(entries),
	}, nil
}

// resolvePath resolves raw against root and rejects results that escape it.
// Absolute inputs are allowed only when they already point inside root.
func resolvePath(root, raw string) (string, error) {
	resolved := raw
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", fmt.Errorf("path %q is outside the working directory", raw)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the working directory", raw)
	}
	return resolved, nil
}

var _ tool.Tool = (*Tool)(nil)
