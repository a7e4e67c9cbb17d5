// Package git reads commit history and working-tree state from a local
// repository by shelling out to the git CLI. No credential is involved;
// availability only depends on the binary and the scope path.
package git

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/quickcall-dev/devpulse/internal/feed"
)

const (
	// Field / record separators for log parsing. Unit separators cannot
	// appear in commit subjects the way | or tabs can.
	fieldSep  = "\x1f"
	recordSep = "\x1e"

	logFormat = "%H" + fieldSep + "%an" + fieldSep + "%aI" + fieldSep + "%s" + recordSep

	maxCommits   = 200
	maxPatchSize = 8 * 1024
)

// Source is the local-repository feed adapter.
type Source struct {
	logger *slog.Logger
}

var _ feed.Source = (*Source)(nil)

func New(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{logger: logger}
}

func (s *Source) Provider() feed.Provider { return feed.ProviderGit }

// Available checks the git binary and the scope path without touching
// the repository itself. A scope with no local path is simply not
// applicable to this adapter.
func (s *Source) Available(ctx context.Context, scope feed.Scope) error {
	if scope.Path == "" {
		return feed.ErrNotApplicable
	}
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("%w: git binary not found", feed.ErrTransient)
	}
	if _, err := os.Stat(scope.Path); err != nil {
		return &feed.NotFoundError{What: fmt.Sprintf("path %q", scope.Path)}
	}
	return nil
}

type commitDetail struct {
	Hash  string       `json:"hash"`
	Files []fileChange `json:"files,omitempty"`
}

type fileChange struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
}

type worktreeDetail struct {
	Staged    []string `json:"staged,omitempty"`
	Unstaged  []string `json:"unstaged,omitempty"`
	Patch     string   `json:"patch,omitempty"`
	Truncated bool     `json:"patch_truncated,omitempty"`
}

// Fetch returns commits inside the window, newest first, plus one
// synthetic record for uncommitted changes when the worktree is dirty.
// An empty window in a valid repository yields an empty slice.
func (s *Source) Fetch(ctx context.Context, req feed.Request) ([]feed.Record, error) {
	dir := req.Scope.Path

	if _, err := s.run(ctx, dir, "rev-parse", "--git-dir"); err != nil {
		return nil, &feed.NotFoundError{What: fmt.Sprintf("git repository at %q", dir)}
	}

	records, err := s.commits(ctx, dir, req.Window)
	if err != nil {
		return nil, err
	}

	if wt, ok, err := s.worktree(ctx, dir); err != nil {
		s.logger.Warn("reading worktree state", "error", err)
	} else if ok {
		records = append([]feed.Record{wt}, records...)
	}
	return records, nil
}

func (s *Source) commits(ctx context.Context, dir string, w feed.Window) ([]feed.Record, error) {
	args := []string{"log", "--pretty=format:" + logFormat, "--max-count", strconv.Itoa(maxCommits)}
	if !w.Start.IsZero() {
		args = append(args, "--since", w.Start.Format(time.RFC3339))
	}
	if !w.End.IsZero() {
		args = append(args, "--until", w.End.Format(time.RFC3339))
	}

	out, err := s.run(ctx, dir, args...)
	if err != nil {
		// A repository with no commits at all: log exits non-zero.
		if strings.Contains(err.Error(), "does not have any commits") {
			return nil, nil
		}
		return nil, err
	}

	var records []feed.Record
	for _, raw := range strings.Split(out, recordSep) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, fieldSep, 4)
		if len(parts) != 4 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, parts[2])
		if err != nil {
			continue
		}
		detail, _ := json.Marshal(commitDetail{
			Hash:  parts[0],
			Files: s.numstat(ctx, dir, parts[0]),
		})
		records = append(records, feed.Record{
			Source:    feed.ProviderGit,
			Timestamp: ts.UTC(),
			Actor:     parts[1],
			Summary:   parts[3],
			Detail:    detail,
		})
	}
	return records, nil
}

// numstat is best-effort per-commit file stats; a failure just drops
// the file list from the detail payload.
func (s *Source) numstat(ctx context.Context, dir, hash string) []fileChange {
	out, err := s.run(ctx, dir, "show", "--numstat", "--format=", hash)
	if err != nil {
		return nil
	}
	var files []fileChange
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), "\t", 3)
		if len(parts) != 3 {
			continue
		}
		added, _ := strconv.Atoi(parts[0])   // "-" for binary files parses to 0
		deleted, _ := strconv.Atoi(parts[1])
		files = append(files, fileChange{Path: parts[2], Added: added, Deleted: deleted})
	}
	return files
}

// worktree builds the synthetic uncommitted-changes record. Returns
// ok=false when the worktree is clean.
func (s *Source) worktree(ctx context.Context, dir string) (feed.Record, bool, error) {
	out, err := s.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return feed.Record{}, false, err
	}
	var staged, unstaged []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if line[0] != ' ' && line[0] != '?' {
			staged = append(staged, path)
		}
		if line[1] != ' ' {
			unstaged = append(unstaged, path)
		}
	}
	if len(staged) == 0 && len(unstaged) == 0 {
		return feed.Record{}, false, nil
	}

	patch, truncated := s.patch(ctx, dir)
	detail, _ := json.Marshal(worktreeDetail{
		Staged:    staged,
		Unstaged:  unstaged,
		Patch:     patch,
		Truncated: truncated,
	})
	total := len(staged) + len(unstaged)
	return feed.Record{
		Source:    feed.ProviderGit,
		Timestamp: time.Now().UTC(),
		Actor:     feed.UncommittedActor,
		Summary:   fmt.Sprintf("%d file(s) with uncommitted changes", total),
		Detail:    detail,
	}, true, nil
}

func (s *Source) patch(ctx context.Context, dir string) (string, bool) {
	var b strings.Builder
	for _, args := range [][]string{{"diff", "--cached"}, {"diff"}} {
		out, err := s.run(ctx, dir, args...)
		if err == nil && out != "" {
			b.WriteString(out)
			b.WriteString("\n")
		}
	}
	patch := b.String()
	if len(patch) > maxPatchSize {
		return patch[:maxPatchSize], true
	}
	return patch, false
}

func (s *Source) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}
