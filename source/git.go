package source

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runGit is swappable so resolver tests can stub out the network.
var runGit = gitRun

// gitRun executes a git command and returns stdout. Stderr is captured
// separately and folded into the error on failure.
func gitRun(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// gitClone fetches url at ref into dst, shallow and single-branch.
func gitClone(ctx context.Context, url, ref, dst string) error {
	_, err := runGit(ctx, "clone", "--depth", "1", "--single-branch", "--branch", ref, url, dst)
	return err
}
