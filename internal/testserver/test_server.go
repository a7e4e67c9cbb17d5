// Package testserver assembles a full devpulse stack for functional
// tests: real aggregator and sources, an in-memory run log, a
// file-backed credential store under a temp dir, and fake QuickCall and
// GitHub APIs. Tool calls go through a real MCP client session.
package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/quickcall-dev/devpulse/internal/auth"
	"github.com/quickcall-dev/devpulse/internal/feed"
	"github.com/quickcall-dev/devpulse/internal/mcp"
	"github.com/quickcall-dev/devpulse/internal/source/git"
	"github.com/quickcall-dev/devpulse/internal/source/github"
	"github.com/quickcall-dev/devpulse/internal/source/slack"
	"github.com/quickcall-dev/devpulse/internal/sqlite"
	"github.com/quickcall-dev/devpulse/internal/transport"
)

type TestServer struct {
	// Session is a connected MCP client session over an in-memory
	// transport; CallTool exercises the full tool surface.
	Session *sdkmcp.ClientSession
	// HTTP serves the same MCP server in HTTP mode behind the router.
	HTTP *httptest.Server
	// Token is the bearer token guarding HTTP /mcp.
	Token string

	Store   *auth.Store
	Workdir string
}

// New builds the stack. workdir anchors scope defaults; pass a temp git
// repository to exercise the git source.
func New(t *testing.T, workdir string) *TestServer {
	t.Helper()

	store := auth.NewStore(filepath.Join(t.TempDir(), "credentials.json"), nil)
	resolver := auth.NewResolver(store, workdir).
		WithEnvLookup(func(string) string { return "" })

	quickcall := newFakeQuickCallAPI(t)
	flow := auth.NewDeviceFlow(quickcall.URL, quickcall.URL, store, nil)

	githubToken := func(ctx context.Context) (string, error) {
		if cred := resolver.GitHub(); cred.Active() {
			return cred.Secret, nil
		}
		return "", auth.ErrNotAuthenticated
	}
	slackToken := func(ctx context.Context) (string, error) {
		if cred := resolver.Slack(); cred.Active() {
			return cred.Secret, nil
		}
		return "", auth.ErrNotAuthenticated
	}
	localCheck := func(has func() bool) func(context.Context) error {
		return func(context.Context) error {
			if has() {
				return nil
			}
			return auth.ErrNotAuthenticated
		}
	}

	githubAPI := newFakeGitHubAPI(t)
	githubSource, err := github.NewWithBaseURL(
		githubAPI.Client(), githubAPI.URL+"/", githubToken, nil,
		github.WithAvailabilityCheck(localCheck(resolver.HasGitHub)),
	)
	require.NoError(t, err)
	slackSource := slack.New(slackToken, nil,
		slack.WithAvailabilityCheck(localCheck(resolver.HasSlack)))

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sqlite.New(dsn)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())
	runLog := sqlite.NewRunLog(db)

	aggregator := feed.NewAggregator(
		[]feed.Source{git.New(nil), githubSource, slackSource},
		nil,
		feed.WithRunRecorder(runLog, newRunID()),
		feed.WithFetchTimeout(10*time.Second),
	)

	srv := mcp.NewServer(mcp.Config{
		Services: mcp.Services{
			Aggregator: aggregator,
			GitHub:     githubSource,
			Slack:      slackSource,
			Runs:       runLog,
			Flow:       flow,
			Store:      store,
		},
		Workdir: workdir,
	})

	ctx, cancel := context.WithCancel(context.Background())

	serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
	serverSession, err := srv.SDK().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	const token = "functional-test-token"
	handler := sdkmcp.NewStreamableHTTPHandler(
		func(r *http.Request) *sdkmcp.Server { return srv.SDK() },
		&sdkmcp.StreamableHTTPOptions{Stateless: true},
	)
	httpServer := httptest.NewServer(transport.NewRouter(handler, token, nil))

	t.Cleanup(func() {
		httpServer.Close()
		session.Close()
		serverSession.Close()
		cancel()
		_ = db.Close()
	})

	return &TestServer{
		Session: session,
		HTTP:    httpServer,
		Token:   token,
		Store:   store,
		Workdir: workdir,
	}
}

// CallTool invokes a tool and returns the structured JSON payload.
func (ts *TestServer) CallTool(t *testing.T, name string, args map[string]any) json.RawMessage {
	t.Helper()

	result, err := ts.Session.CallTool(context.Background(), &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err, "CallTool %s failed", name)
	require.False(t, result.IsError, "Tool %s returned error: %v", name, result.Content)
	require.NotEmpty(t, result.Content)

	for _, content := range result.Content {
		if textContent, ok := content.(*sdkmcp.TextContent); ok {
			return json.RawMessage(textContent.Text)
		}
	}
	t.Fatalf("Tool %s returned no text content", name)
	return nil
}

func newRunID() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("run-%d", n)
	}
}

// newFakeGitHubAPI serves empty result sets for any repository so a
// connected credential exercises the fetch path without real network.
func newFakeGitHubAPI(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// newFakeQuickCallAPI serves the three QuickCall endpoints the device
// flow uses: init, status (immediately complete), and credentials.
func newFakeQuickCallAPI(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/device/init", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-code-1",
			"user_code":        "ABCD-1234",
			"verification_url": "https://quickcall.test/cli/setup",
			"expires_in":       900,
			"interval":         5,
		})
	})
	mux.HandleFunc("GET /api/device/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status":       "complete",
			"device_token": "device-token-1",
			"user_id":      "user-1",
			"username":     "dev",
		})
	})
	mux.HandleFunc("GET /api/cli/credentials", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer device-token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"user": map[string]any{"user_id": "user-1", "username": "dev"},
			"github": map[string]any{
				"connected": true,
				"token":     "ghs_installation",
				"username":  "dev",
			},
			"slack": map[string]any{
				"connected": true,
				"bot_token": "xoxb-test",
				"team_name": "Acme",
			},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}
