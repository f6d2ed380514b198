package delta

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git with args in dir and returns its stdout
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// ExecRunner runs the git binary on PATH
func ExecRunner(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// GitLister lists changes between two git refs of the repository in Dir
type GitLister struct {
	Dir string
	// Paths restricts the diff, usually to the metadata root
	Paths []string
	Run   Runner
}

// NewGitLister creates a lister for the repository in dir
func NewGitLister(dir string, paths ...string) *GitLister {
	return &GitLister{Dir: dir, Paths: paths, Run: ExecRunner}
}

// ListChangedPaths runs git diff --name-status with rename detection. Paths
// are relative to Dir, which need not be the repository root.
func (g *GitLister) ListChangedPaths(ctx context.Context, before, after string) ([]Change, error) {
	args := []string{"diff", "--name-status", "--relative", "-M", before, after}
	if len(g.Paths) > 0 {
		args = append(args, "--")
		args = append(args, g.Paths...)
	}
	out, err := g.Run(ctx, g.Dir, args...)
	if err != nil {
		return nil, err
	}
	return ParseNameStatus(out)
}

// Content returns the file at ref using git show; path is relative to Dir
func (g *GitLister) Content(ctx context.Context, ref, path string) ([]byte, error) {
	return g.Run(ctx, g.Dir, "show", ref+":./"+path)
}

// ParseNameStatus parses the output of git diff --name-status. Copies are
// reported as additions of the destination.
func ParseNameStatus(out []byte) ([]Change, error) {
	var changes []Change
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		status := fields[0]
		if status == "" {
			return nil, fmt.Errorf("malformed git status line %q", line)
		}

		switch status[0] {
		case 'A':
			changes = append(changes, Change{Kind: Added, Path: fields[len(fields)-1]})
		case 'M', 'T':
			changes = append(changes, Change{Kind: Modified, Path: fields[len(fields)-1]})
		case 'D':
			changes = append(changes, Change{Kind: Deleted, Path: fields[len(fields)-1]})
		case 'R':
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed git rename line %q", line)
			}
			changes = append(changes, Change{Kind: Moved, OldPath: fields[1], Path: fields[2]})
		case 'C':
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed git copy line %q", line)
			}
			changes = append(changes, Change{Kind: Added, Path: fields[2]})
		default:
			// unmerged and unknown states carry no deployable change
		}
	}
	return changes, scanner.Err()
}
