package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickcall-dev/devpulse/internal/auth"
	"github.com/quickcall-dev/devpulse/internal/feed"
	"github.com/quickcall-dev/devpulse/internal/source/github"
	"github.com/quickcall-dev/devpulse/internal/source/slack"
)

var testNow = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

type fakeAggregator struct {
	lastRequest feed.Request
	result      *feed.Result
	err         error
}

func (f *fakeAggregator) Aggregate(ctx context.Context, req feed.Request) (*feed.Result, error) {
	f.lastRequest = req
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &feed.Result{Records: []feed.Record{}, Unavailable: map[feed.Provider]feed.Unavailability{}}, nil
}

type fakeGitHub struct {
	repos    []github.Repository
	prs      []github.PullRequest
	commits  []github.Commit
	branches []github.Branch
	issue    *github.IssueResult
	err      error
}

func (f *fakeGitHub) ListRepos(ctx context.Context, limit int) ([]github.Repository, error) {
	return f.repos, f.err
}
func (f *fakeGitHub) ListPullRequests(ctx context.Context, repo, state string, limit int) ([]github.PullRequest, error) {
	return f.prs, f.err
}
func (f *fakeGitHub) ListCommits(ctx context.Context, repo string, since, until time.Time, limit int) ([]github.Commit, error) {
	return f.commits, f.err
}
func (f *fakeGitHub) ListBranches(ctx context.Context, repo string, limit int) ([]github.Branch, error) {
	return f.branches, f.err
}
func (f *fakeGitHub) ManageIssue(ctx context.Context, repo string, req github.IssueRequest) (*github.IssueResult, error) {
	return f.issue, f.err
}

type fakeSlack struct {
	channels []slack.Channel
	messages []slack.Message
	err      error

	sentChannel  string
	sentText     string
	sentThreadTS string
}

func (f *fakeSlack) ListChannels(ctx context.Context) ([]slack.Channel, error) {
	return f.channels, f.err
}
func (f *fakeSlack) ReadMessages(ctx context.Context, channel string, w feed.Window, limit int) (slack.Channel, []slack.Message, error) {
	if f.err != nil {
		return slack.Channel{}, nil, f.err
	}
	return slack.Channel{ID: "C1", Name: channel}, f.messages, nil
}
func (f *fakeSlack) ReadThread(ctx context.Context, channel, threadTS string) (slack.Channel, []slack.Message, error) {
	if f.err != nil {
		return slack.Channel{}, nil, f.err
	}
	return slack.Channel{ID: "C1", Name: channel}, f.messages, nil
}
func (f *fakeSlack) SendMessage(ctx context.Context, channel, text, threadTS string) (slack.Channel, slack.Message, error) {
	if f.err != nil {
		return slack.Channel{}, slack.Message{}, f.err
	}
	f.sentChannel, f.sentText, f.sentThreadTS = channel, text, threadTS
	return slack.Channel{ID: "C1", Name: channel}, slack.Message{Text: text, Timestamp: testNow, ThreadTS: threadTS}, nil
}

type fakeRuns struct {
	runs []feed.Run
}

func (f *fakeRuns) ListRuns(ctx context.Context, limit int) ([]feed.Run, error) {
	return f.runs, nil
}

type fakeFlow struct {
	authz  *auth.Authorization
	cred   *auth.Credential
	remote *auth.RemoteCredentials
	err    error
}

func (f *fakeFlow) Start(ctx context.Context) (*auth.Authorization, error) {
	return f.authz, f.err
}
func (f *fakeFlow) CheckOnce(ctx context.Context, deviceCode string) (*auth.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cred, nil
}
func (f *fakeFlow) FetchRemote(ctx context.Context) (*auth.RemoteCredentials, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.remote, nil
}
func (f *fakeFlow) WebURL() string { return "https://quickcall.test" }

type testEnv struct {
	session    *sdkmcp.ClientSession
	aggregator *fakeAggregator
	store      *auth.Store
	flow       *fakeFlow
}

func newTestEnv(t *testing.T, services Services) *testEnv {
	t.Helper()

	env := &testEnv{
		aggregator: &fakeAggregator{},
		flow:       &fakeFlow{},
		store:      auth.NewStore(filepath.Join(t.TempDir(), "credentials.json"), nil),
	}
	if services.Aggregator == nil {
		services.Aggregator = env.aggregator
	} else if agg, ok := services.Aggregator.(*fakeAggregator); ok {
		env.aggregator = agg
	}
	if services.GitHub == nil {
		services.GitHub = &fakeGitHub{}
	}
	if services.Slack == nil {
		services.Slack = &fakeSlack{}
	}
	if services.Runs == nil {
		services.Runs = &fakeRuns{}
	}
	if services.Flow == nil {
		services.Flow = env.flow
	} else if flow, ok := services.Flow.(*fakeFlow); ok {
		env.flow = flow
	}
	if services.Store == nil {
		services.Store = env.store
	}

	srv := NewServer(Config{Services: services, Workdir: "/work/project"})
	srv.now = func() time.Time { return testNow }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
	serverSession, err := srv.SDK().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { serverSession.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	env.session = session
	return env
}

func (e *testEnv) callTool(t *testing.T, name string, args map[string]any) json.RawMessage {
	t.Helper()
	result, err := e.session.CallTool(context.Background(), &sdkmcp.CallToolParams{
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

func (e *testEnv) callToolError(t *testing.T, name string, args map[string]any) string {
	t.Helper()
	result, err := e.session.CallTool(context.Background(), &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.True(t, result.IsError, "Tool %s should have returned an error", name)
	for _, content := range result.Content {
		if textContent, ok := content.(*sdkmcp.TextContent); ok {
			return textContent.Text
		}
	}
	return ""
}

func TestToolCatalog(t *testing.T) {
	env := newTestEnv(t, Services{})

	tools, err := env.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	toolMap := make(map[string]*sdkmcp.Tool)
	for _, tool := range tools.Tools {
		toolMap[tool.Name] = tool
	}

	expected := []string{
		"get_updates", "get_git_updates", "get_recent_runs", "calculate_date_range",
		"list_github_repos", "list_github_prs", "list_github_commits", "list_github_branches",
		"manage_github_issue",
		"list_slack_channels", "read_slack_messages", "read_slack_thread", "send_slack_message",
		"connect_quickcall", "complete_quickcall_auth", "check_quickcall_status",
		"disconnect_quickcall", "connect_github_pat", "disconnect_github_pat",
	}
	for _, name := range expected {
		require.Contains(t, toolMap, name)
		require.NotEmpty(t, toolMap[name].Description, "tool %s has no description", name)
	}
}

func TestGetUpdatesDefaults(t *testing.T) {
	agg := &fakeAggregator{result: &feed.Result{
		Records: []feed.Record{{
			Source:    feed.ProviderGit,
			Timestamp: testNow.Add(-time.Hour),
			Actor:     "dev",
			Summary:   "fix parser",
		}},
		Unavailable: map[feed.Provider]feed.Unavailability{
			feed.ProviderGitHub: {Reason: feed.ReasonNoCredential},
		},
		Partial: true,
	}}
	env := newTestEnv(t, Services{Aggregator: agg})

	resp := env.callTool(t, "get_updates", nil)

	var out UpdatesResult
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Len(t, out.Records, 1)
	assert.Equal(t, "fix parser", out.Records[0].Summary)
	assert.True(t, out.Partial)
	assert.Contains(t, out.Unavailable, feed.ProviderGitHub)

	// Defaults: working directory scope, 7-day lookback.
	assert.Equal(t, "/work/project", agg.lastRequest.Scope.Path)
	assert.True(t, agg.lastRequest.Window.Start.Equal(testNow.AddDate(0, 0, -7)))
	assert.True(t, agg.lastRequest.Window.End.Equal(testNow))
}

func TestGetGitUpdatesRestrictsSources(t *testing.T) {
	agg := &fakeAggregator{}
	env := newTestEnv(t, Services{Aggregator: agg})

	_ = env.callTool(t, "get_git_updates", map[string]any{"repo": "owner/repo"})

	assert.Equal(t, []feed.Provider{feed.ProviderGit}, agg.lastRequest.Sources)
	assert.Empty(t, agg.lastRequest.Scope.Repo, "repo must not leak into a git-only request")
}

func TestGetUpdatesInvalidSince(t *testing.T) {
	env := newTestEnv(t, Services{})

	msg := env.callToolError(t, "get_updates", map[string]any{"since": "not-a-date"})
	assert.Contains(t, msg, "INVALID_REQUEST")
}

func TestCalculateDateRange(t *testing.T) {
	env := newTestEnv(t, Services{})

	tests := []struct {
		name      string
		args      map[string]any
		wantStart string
		wantEnd   string
	}{
		{"yesterday", map[string]any{"period": "yesterday"}, "2026-08-22T00:00:00Z", "2026-08-23T00:00:00Z"},
		{"today", map[string]any{"period": "today"}, "2026-08-23T00:00:00Z", "2026-08-23T12:00:00Z"},
		// 2026-08-23 is a Sunday; the week started Monday the 17th.
		{"this week", map[string]any{"period": "this_week"}, "2026-08-17T00:00:00Z", "2026-08-23T12:00:00Z"},
		{"last week", map[string]any{"period": "last_week"}, "2026-08-10T00:00:00Z", "2026-08-17T00:00:00Z"},
		{"explicit days", map[string]any{"days": 3}, "2026-08-20T12:00:00Z", "2026-08-23T12:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.callTool(t, "calculate_date_range", tt.args)
			var out DateRangeResult
			require.NoError(t, json.Unmarshal(resp, &out))
			assert.Equal(t, tt.wantStart, out.Start)
			assert.Equal(t, tt.wantEnd, out.End)
		})
	}

	msg := env.callToolError(t, "calculate_date_range", map[string]any{"period": "fortnight"})
	assert.Contains(t, msg, "INVALID_REQUEST")
}

func TestListGitHubPRs(t *testing.T) {
	gh := &fakeGitHub{prs: []github.PullRequest{
		{Number: 7, Title: "Add retries", State: "open", Author: "bob"},
	}}
	env := newTestEnv(t, Services{GitHub: gh})

	resp := env.callTool(t, "list_github_prs", map[string]any{"repo": "owner/repo"})
	var out PRListResult
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Len(t, out.PullRequests, 1)
	assert.Equal(t, 7, out.PullRequests[0].Number)
}

func TestListGitHubRepos(t *testing.T) {
	gh := &fakeGitHub{repos: []github.Repository{
		{FullName: "owner/service", Private: true},
		{FullName: "owner/tooling"},
	}}
	env := newTestEnv(t, Services{GitHub: gh})

	resp := env.callTool(t, "list_github_repos", nil)
	var out RepositoryListResult
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Len(t, out.Repositories, 2)
	assert.Equal(t, "owner/service", out.Repositories[0].FullName)
	assert.True(t, out.Repositories[0].Private)
}

func TestSendSlackMessage(t *testing.T) {
	sl := &fakeSlack{}
	env := newTestEnv(t, Services{Slack: sl})

	resp := env.callTool(t, "send_slack_message", map[string]any{
		"channel":   "deploys",
		"text":      "rollout done",
		"thread_ts": "1755600000.000000",
	})
	var out SendMessageResult
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, "deploys", out.Channel.Name)
	assert.Equal(t, "rollout done", out.Message.Text)
	assert.Equal(t, "deploys", sl.sentChannel)
	assert.Equal(t, "1755600000.000000", sl.sentThreadTS)

	msg := env.callToolError(t, "send_slack_message", map[string]any{"channel": "deploys"})
	assert.Contains(t, msg, "INVALID_REQUEST")
}

func TestManageIssueRequiresRepo(t *testing.T) {
	env := newTestEnv(t, Services{})

	msg := env.callToolError(t, "manage_github_issue", map[string]any{"action": "create", "title": "x"})
	assert.Contains(t, msg, "INVALID_REQUEST")
}

func TestReadSlackMessagesNotFoundSurfacesCandidates(t *testing.T) {
	sl := &fakeSlack{err: &feed.NotFoundError{
		What:       `channel matching "nope"`,
		Candidates: []string{"general", "random"},
	}}
	env := newTestEnv(t, Services{Slack: sl})

	msg := env.callToolError(t, "read_slack_messages", map[string]any{"channel": "nope"})
	assert.Contains(t, msg, "NOT_FOUND")
}

func TestAuthToolRoundtrip(t *testing.T) {
	flow := &fakeFlow{
		authz: &auth.Authorization{
			DeviceCode:      "dev-1",
			UserCode:        "ABCD-1234",
			VerificationURL: "https://quickcall.test/cli/setup",
			ExpiresIn:       900,
			Interval:        5,
		},
		cred: &auth.Credential{Provider: auth.ProviderQuickCall, Status: auth.StatusActive, Identity: "dev"},
	}
	env := newTestEnv(t, Services{Flow: flow})

	resp := env.callTool(t, "connect_quickcall", nil)
	var connect ConnectResult
	require.NoError(t, json.Unmarshal(resp, &connect))
	assert.Equal(t, "dev-1", connect.DeviceCode)
	assert.Contains(t, connect.AuthorizeURL, "code=ABCD-1234")

	resp = env.callTool(t, "complete_quickcall_auth", map[string]any{"device_code": "dev-1"})
	var status AuthStatusResult
	require.NoError(t, json.Unmarshal(resp, &status))
	assert.True(t, status.Connected)
	assert.Equal(t, "dev", status.Identity)
}

func TestCompleteAuthPending(t *testing.T) {
	env := newTestEnv(t, Services{Flow: &fakeFlow{err: auth.ErrFlowPending}})

	msg := env.callToolError(t, "complete_quickcall_auth", map[string]any{"device_code": "dev-1"})
	assert.Contains(t, msg, "AUTH_PENDING")
}

func TestGitHubPATLifecycle(t *testing.T) {
	env := newTestEnv(t, Services{})

	_ = env.callTool(t, "connect_github_pat", map[string]any{"token": "ghp_x", "username": "octocat"})
	stored := env.store.Get(auth.ProviderGitHubPAT)
	assert.True(t, stored.Active())
	assert.Equal(t, "octocat", stored.Identity)

	_ = env.callTool(t, "disconnect_github_pat", nil)
	assert.False(t, env.store.Get(auth.ProviderGitHubPAT).Active())

	msg := env.callToolError(t, "connect_github_pat", nil)
	assert.Contains(t, msg, "INVALID_REQUEST")
}

func TestCheckQuickCallStatusDisconnected(t *testing.T) {
	env := newTestEnv(t, Services{})

	resp := env.callTool(t, "check_quickcall_status", nil)
	var status AuthStatusResult
	require.NoError(t, json.Unmarshal(resp, &status))
	assert.False(t, status.Connected)
	assert.Contains(t, status.Message, "connect_quickcall")
}

func TestCheckQuickCallStatusConnected(t *testing.T) {
	flow := &fakeFlow{remote: &auth.RemoteCredentials{
		Username:        "dev",
		GitHubConnected: true,
		SlackConnected:  false,
	}}
	env := newTestEnv(t, Services{Flow: flow})
	require.NoError(t, env.store.Put(auth.ProviderQuickCall, auth.Credential{Secret: "tok"}))

	resp := env.callTool(t, "check_quickcall_status", nil)
	var status AuthStatusResult
	require.NoError(t, json.Unmarshal(resp, &status))
	assert.True(t, status.Connected)
	assert.True(t, status.GitHub)
	assert.False(t, status.Slack)
}

func TestGetRecentRuns(t *testing.T) {
	runs := &fakeRuns{runs: []feed.Run{{
		ID:          "run-1",
		Requested:   []feed.Provider{feed.ProviderGit},
		RecordCount: 3,
		CreatedAt:   testNow,
	}}}
	env := newTestEnv(t, Services{Runs: runs})

	resp := env.callTool(t, "get_recent_runs", nil)
	var out RecentRunsResult
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Len(t, out.Runs, 1)
	assert.Equal(t, "run-1", out.Runs[0].ID)
	assert.Equal(t, 3, out.Runs[0].RecordCount)
}

func TestDocResources(t *testing.T) {
	env := newTestEnv(t, Services{})
	ctx := context.Background()

	resources, err := env.session.ListResources(ctx, nil)
	require.NoError(t, err)

	uris := make(map[string]*sdkmcp.Resource, len(resources.Resources))
	for _, r := range resources.Resources {
		uris[r.URI] = r
	}
	for _, uri := range []string{"devpulse://docs/index", "devpulse://docs/sources", "devpulse://docs/auth"} {
		r, ok := uris[uri]
		require.True(t, ok, "missing expected doc resource: %s", uri)
		require.Equal(t, "text/markdown", r.MIMEType)
		require.Greater(t, r.Size, int64(0))
	}

	read, err := env.session.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: "devpulse://docs/index"})
	require.NoError(t, err)
	require.NotEmpty(t, read.Contents)
	assert.Contains(t, read.Contents[0].Text, "Agent Docs Index")
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"invalid request", feed.ErrInvalidRequest, "INVALID_REQUEST"},
		{"unauthenticated", feed.ErrUnauthenticated, "NOT_AUTHENTICATED"},
		{"not authenticated", auth.ErrNotAuthenticated, "NOT_AUTHENTICATED"},
		{"not found", &feed.NotFoundError{What: "channel"}, "NOT_FOUND"},
		{"rate limited", &feed.RateLimitError{ResetAt: testNow}, "RATE_LIMITED"},
		{"persistence", auth.ErrPersistence, "STORE_UNWRITABLE"},
		{"pending", auth.ErrFlowPending, "AUTH_PENDING"},
		{"unknown device code", auth.ErrFlowNotFound, "NOT_FOUND"},
		{"expired", auth.ErrFlowExpired, "AUTH_EXPIRED"},
		{"unknown", errors.New("boom"), "TRANSIENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, MapError(tt.err).Code)
		})
	}
	assert.Nil(t, MapError(nil))
}
