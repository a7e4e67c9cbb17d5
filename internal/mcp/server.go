// Package mcp exposes the aggregation, source, and auth operations as
// MCP tools over stdio or streamable HTTP.
package mcp

import (
	"context"
	"log/slog"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quickcall-dev/devpulse/internal/auth"
	"github.com/quickcall-dev/devpulse/internal/feed"
	"github.com/quickcall-dev/devpulse/internal/source/github"
	"github.com/quickcall-dev/devpulse/internal/source/slack"
)

// Aggregator defines the feed operations needed by MCP.
type Aggregator interface {
	Aggregate(ctx context.Context, req feed.Request) (*feed.Result, error)
}

// GitHubService defines the direct GitHub operations needed by MCP.
type GitHubService interface {
	ListRepos(ctx context.Context, limit int) ([]github.Repository, error)
	ListPullRequests(ctx context.Context, repo, state string, limit int) ([]github.PullRequest, error)
	ListCommits(ctx context.Context, repo string, since, until time.Time, limit int) ([]github.Commit, error)
	ListBranches(ctx context.Context, repo string, limit int) ([]github.Branch, error)
	ManageIssue(ctx context.Context, repo string, req github.IssueRequest) (*github.IssueResult, error)
}

// SlackService defines the direct Slack operations needed by MCP.
type SlackService interface {
	ListChannels(ctx context.Context) ([]slack.Channel, error)
	ReadMessages(ctx context.Context, channel string, w feed.Window, limit int) (slack.Channel, []slack.Message, error)
	ReadThread(ctx context.Context, channel, threadTS string) (slack.Channel, []slack.Message, error)
	SendMessage(ctx context.Context, channel, text, threadTS string) (slack.Channel, slack.Message, error)
}

// RunLister reads back the aggregation run log.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]feed.Run, error)
}

// DeviceFlowService defines the QuickCall auth operations needed by MCP.
type DeviceFlowService interface {
	Start(ctx context.Context) (*auth.Authorization, error)
	CheckOnce(ctx context.Context, deviceCode string) (*auth.Credential, error)
	FetchRemote(ctx context.Context) (*auth.RemoteCredentials, error)
	WebURL() string
}

// CredentialStore defines the stored-credential operations needed by MCP.
type CredentialStore interface {
	Get(p auth.Provider) auth.Credential
	Put(p auth.Provider, c auth.Credential) error
	Delete(p auth.Provider) error
}

// Services contains everything the tool surface depends on.
type Services struct {
	Aggregator Aggregator
	GitHub     GitHubService
	Slack      SlackService
	Runs       RunLister
	Flow       DeviceFlowService
	Store      CredentialStore
}

// Config contains server configuration.
type Config struct {
	Services Services
	Version  string
	// Workdir anchors scope defaults when a tool call omits a path.
	Workdir string
	Logger  *slog.Logger
}

// Server wraps the MCP server with the devpulse services.
type Server struct {
	services Services
	workdir  string
	logger   *slog.Logger
	server   *sdkmcp.Server

	// now is swapped in tests for deterministic date ranges.
	now func() time.Time
}

// NewServer creates and configures an MCP server with all tools,
// resources, and middleware.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}

	s := &Server{
		services: cfg.Services,
		workdir:  cfg.Workdir,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}

	s.server = sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "devpulse",
		Version: version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       logger,
	})

	registerDocResources(s.server)

	s.server.AddReceivingMiddleware(trafficLoggingMiddleware(logger, "inbound"))
	s.server.AddSendingMiddleware(trafficLoggingMiddleware(logger, "outbound"))

	s.registerFeedTools()
	s.registerGitHubTools()
	s.registerSlackTools()
	s.registerAuthTools()

	return s
}

// Run serves MCP over the given transport until ctx is cancelled.
func (s *Server) Run(ctx context.Context, transport sdkmcp.Transport) error {
	return s.server.Run(ctx, transport)
}

// SDK exposes the underlying SDK server for transport wiring (HTTP
// handler construction, in-memory test transports).
func (s *Server) SDK() *sdkmcp.Server {
	return s.server
}
