package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickcall-dev/devpulse/internal/auth"
	"github.com/quickcall-dev/devpulse/internal/feed"
	"github.com/quickcall-dev/devpulse/internal/source/git"
	"github.com/quickcall-dev/devpulse/internal/source/github"
	"github.com/quickcall-dev/devpulse/internal/source/slack"
	"github.com/quickcall-dev/devpulse/internal/sqlite"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func initRepo(t *testing.T, messages ...string) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=Test Dev", "GIT_AUTHOR_EMAIL=dev@example.com",
			"GIT_COMMITTER_NAME=Test Dev", "GIT_COMMITTER_EMAIL=dev@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-q")
	for _, msg := range messages {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte(msg+"\n"), 0o644))
		run("add", ".")
		run("-c", "commit.gpgsign=false", "commit", "-q", "-m", msg)
	}
	return dir
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// fakeGitHubAPI serves the two endpoints the github source fetches.
func fakeGitHubAPI(t *testing.T, commitDate, prDate string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/owner/repo/commits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{
			"sha": "abc123",
			"commit": map[string]any{
				"message": "bump dependency",
				"author":  map[string]any{"name": "alice", "date": commitDate},
			},
			"author": map[string]any{"login": "alice"},
		}})
	})
	mux.HandleFunc("/repos/owner/repo/pulls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{
			"number":     7,
			"title":      "Add retries",
			"state":      "open",
			"updated_at": prDate,
			"user":       map[string]any{"login": "bob"},
		}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// fakeSlackAPI serves one channel with one message.
func fakeSlackAPI(t *testing.T, msgTS string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "channels": []map[string]any{
			{"id": "C1", "name": "backend", "is_channel": true},
		}})
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "messages": []map[string]any{
			{"type": "message", "user": "U1", "text": "deploy went out", "ts": msgTS},
		}})
	})
	mux.HandleFunc("/users.info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "user": map[string]any{
			"id": "U1", "name": "carol", "profile": map[string]any{"display_name": "carol"},
		}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// TestAggregationAcrossSources runs the real aggregator over a real git
// repository and fake GitHub/Slack backends, and checks the merged
// timeline plus the recorded run.
func TestAggregationAcrossSources(t *testing.T) {
	requireGit(t)
	repo := initRepo(t, "local commit")

	now := time.Now().UTC()
	ghServer := fakeGitHubAPI(t,
		now.Add(-2*time.Hour).Format(time.RFC3339),
		now.Add(-1*time.Hour).Format(time.RFC3339))
	slackServer := fakeSlackAPI(t, fmt.Sprintf("%d.000100", now.Add(-30*time.Minute).Unix()))

	token := func(ctx context.Context) (string, error) { return "test-token", nil }
	ghSource, err := github.NewWithBaseURL(ghServer.Client(), ghServer.URL+"/", token, nil)
	require.NoError(t, err)
	slackSource := slack.NewWithAPIURL(slackServer.URL+"/", token, nil)

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.RunMigrations())
	runLog := sqlite.NewRunLog(db)

	runID := 0
	agg := feed.NewAggregator(
		[]feed.Source{git.New(nil), ghSource, slackSource},
		nil,
		feed.WithRunRecorder(runLog, func() string { runID++; return fmt.Sprintf("run-%d", runID) }),
	)

	result, err := agg.Aggregate(context.Background(), feed.Request{
		Scope: feed.Scope{Path: repo, Repo: "owner/repo", Channel: "backend"},
		Window: feed.Window{
			Start: now.Add(-24 * time.Hour),
			End:   now,
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Records, 4)
	assert.False(t, result.Partial)
	assert.Empty(t, result.Unavailable)

	// Newest first across sources.
	for i := 1; i < len(result.Records); i++ {
		assert.False(t, result.Records[i].Timestamp.After(result.Records[i-1].Timestamp),
			"records must be ordered newest first")
	}

	bySource := make(map[feed.Provider]int)
	for _, rec := range result.Records {
		bySource[rec.Source]++
	}
	assert.Equal(t, 1, bySource[feed.ProviderGit])
	assert.Equal(t, 2, bySource[feed.ProviderGitHub])
	assert.Equal(t, 1, bySource[feed.ProviderSlack])

	runs, err := runLog.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, 4, runs[0].RecordCount)
	assert.False(t, runs[0].Partial)
}

// TestAggregationFailureIsolation drops the Slack credential and checks
// the other sources still deliver.
func TestAggregationFailureIsolation(t *testing.T) {
	requireGit(t)
	repo := initRepo(t, "local commit")

	now := time.Now().UTC()
	ghServer := fakeGitHubAPI(t,
		now.Add(-2*time.Hour).Format(time.RFC3339),
		now.Add(-1*time.Hour).Format(time.RFC3339))

	token := func(ctx context.Context) (string, error) { return "test-token", nil }
	ghSource, err := github.NewWithBaseURL(ghServer.Client(), ghServer.URL+"/", token, nil)
	require.NoError(t, err)

	noSlack := slack.New(func(ctx context.Context) (string, error) {
		return "", auth.ErrNotAuthenticated
	}, nil)

	agg := feed.NewAggregator([]feed.Source{git.New(nil), ghSource, noSlack}, nil)

	result, err := agg.Aggregate(context.Background(), feed.Request{
		Scope:  feed.Scope{Path: repo, Repo: "owner/repo", Channel: "backend"},
		Window: feed.Window{Start: now.Add(-24 * time.Hour), End: now},
	})
	require.NoError(t, err)

	require.Len(t, result.Records, 3)
	assert.True(t, result.Partial)
	assert.Equal(t, feed.ReasonNoCredential, result.Unavailable[feed.ProviderSlack].Reason)
}
