// Package git inspects the repository state of a session's working
// directory so users can see what a conversation changed.
package git

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

type Inspector struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Inspector {
	return &Inspector{logger: logger}
}

// Commit is one log entry.
type Commit struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Date    string `json:"date"`
}

// Summary is a snapshot of a working directory's repository state.
type Summary struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Staged    []string `json:"staged"`
	Modified  []string `json:"modified"`
	Untracked []string `json:"untracked"`
	Recent    []Commit `json:"recent"`
}

// Summarize returns branch, divergence, pending changes, and the most
// recent commits for workDir. Fails when workDir is not a repository.
func (g *Inspector) Summarize(workDir string, logLimit int) (*Summary, error) {
	if workDir == "" {
		return nil, fmt.Errorf("workDir is required")
	}

	sum := &Summary{
		Staged:    []string{},
		Modified:  []string{},
		Untracked: []string{},
		Recent:    []Commit{},
	}

	branch, err := g.run(workDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	sum.Branch = strings.TrimSpace(branch)

	// divergence from upstream, absent upstream is not an error
	if ab, err := g.run(workDir, "rev-list", "--left-right", "--count", "HEAD...@{upstream}"); err == nil {
		parts := strings.Fields(strings.TrimSpace(ab))
		if len(parts) == 2 {
			sum.Ahead, _ = strconv.Atoi(parts[0])
			sum.Behind, _ = strconv.Atoi(parts[1])
		}
	}

	status, err := g.run(workDir, "status", "--porcelain=v1")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		file := strings.TrimSpace(line[3:])
		if x == '?' {
			sum.Untracked = append(sum.Untracked, file)
			continue
		}
		if x != ' ' {
			sum.Staged = append(sum.Staged, file)
		}
		if y != ' ' && y != '?' {
			sum.Modified = append(sum.Modified, file)
		}
	}

	if logLimit <= 0 {
		logLimit = 5
	}
	if out, err := g.run(workDir, "log", fmt.Sprintf("--max-count=%d", logLimit), "--format=%H%n%s%n%an%n%aI"); err == nil {
		lines := strings.Split(strings.TrimSpace(out), "\n")
		for i := 0; i+3 < len(lines); i += 4 {
			sum.Recent = append(sum.Recent, Commit{
				Hash:    lines[i][:7],
				Message: lines[i+1],
				Author:  lines[i+2],
				Date:    lines[i+3],
			})
		}
	}

	return sum, nil
}

// Diff returns the working tree diff, against ref when given.
func (g *Inspector) Diff(workDir, ref string) (string, error) {
	if workDir == "" {
		return "", fmt.Errorf("workDir is required")
	}

	args := []string{"diff"}
	if ref != "" {
		if strings.HasPrefix(ref, "-") {
			return "", fmt.Errorf("invalid ref: %s", ref)
		}
		args = append(args, ref, "--")
	}
	return g.run(workDir, args...)
}

func (g *Inspector) run(workDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
