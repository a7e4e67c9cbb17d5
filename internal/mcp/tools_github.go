package mcp

import (
	"context"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quickcall-dev/devpulse/internal/feed"
	"github.com/quickcall-dev/devpulse/internal/source/github"
)

func (s *Server) registerGitHubTools() {
	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "list_github_repos",
		Description: "List GitHub repositories visible to the connected account, most recently pushed first. " +
			"Useful for discovering the owner/name to pass to the other GitHub tools.",
	}, s.handleListRepos)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "list_github_prs",
		Description: "List pull requests for a GitHub repository, newest-updated first. " +
			"Filter by state: open (default), closed, or all.",
	}, s.handleListPRs)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "list_github_commits",
		Description: "List commits on the default branch of a GitHub repository, newest first, optionally bounded by since/until.",
	}, s.handleListCommits)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "list_github_branches",
		Description: "List branches of a GitHub repository.",
	}, s.handleListBranches)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "manage_github_issue",
		Description: "Create, comment on, or close a GitHub issue. " +
			"action=create requires title; action=comment and action=close require number.",
	}, s.handleManageIssue)
}

// RepositoryListArgs defines the input for list_github_repos.
type RepositoryListArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of repositories"`
}

// RepositoryListResult is the output of list_github_repos.
type RepositoryListResult struct {
	Repositories []github.Repository `json:"repositories"`
}

func (s *Server) handleListRepos(ctx context.Context, req *sdkmcp.CallToolRequest, args RepositoryListArgs) (*sdkmcp.CallToolResult, any, error) {
	repos, err := s.services.GitHub.ListRepos(ctx, args.Limit)
	if err != nil {
		return nil, nil, MapError(err)
	}
	if repos == nil {
		repos = []github.Repository{}
	}
	return nil, RepositoryListResult{Repositories: repos}, nil
}

// RepoListArgs is the shared input for the GitHub listing tools.
type RepoListArgs struct {
	Repo  string `json:"repo" jsonschema:"GitHub repository as owner/name"`
	State string `json:"state,omitempty" jsonschema:"Pull request state filter: open, closed, or all (list_github_prs only)"`
	Since string `json:"since,omitempty" jsonschema:"Window start, RFC3339 or YYYY-MM-DD (list_github_commits only)"`
	Until string `json:"until,omitempty" jsonschema:"Window end, RFC3339 or YYYY-MM-DD (list_github_commits only)"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of results"`
}

// PRListResult is the output of list_github_prs.
type PRListResult struct {
	Repo         string               `json:"repo"`
	PullRequests []github.PullRequest `json:"pull_requests"`
}

func (s *Server) handleListPRs(ctx context.Context, req *sdkmcp.CallToolRequest, args RepoListArgs) (*sdkmcp.CallToolResult, any, error) {
	prs, err := s.services.GitHub.ListPullRequests(ctx, args.Repo, args.State, args.Limit)
	if err != nil {
		return nil, nil, MapError(err)
	}
	if prs == nil {
		prs = []github.PullRequest{}
	}
	return nil, PRListResult{Repo: args.Repo, PullRequests: prs}, nil
}

// CommitListResult is the output of list_github_commits.
type CommitListResult struct {
	Repo    string          `json:"repo"`
	Commits []github.Commit `json:"commits"`
}

func (s *Server) handleListCommits(ctx context.Context, req *sdkmcp.CallToolRequest, args RepoListArgs) (*sdkmcp.CallToolResult, any, error) {
	window, err := s.window(args.Since, args.Until, 0)
	if err != nil {
		return nil, nil, MapError(err)
	}
	commits, err := s.services.GitHub.ListCommits(ctx, args.Repo, window.Start, window.End, args.Limit)
	if err != nil {
		return nil, nil, MapError(err)
	}
	if commits == nil {
		commits = []github.Commit{}
	}
	return nil, CommitListResult{Repo: args.Repo, Commits: commits}, nil
}

// BranchListResult is the output of list_github_branches.
type BranchListResult struct {
	Repo     string          `json:"repo"`
	Branches []github.Branch `json:"branches"`
}

func (s *Server) handleListBranches(ctx context.Context, req *sdkmcp.CallToolRequest, args RepoListArgs) (*sdkmcp.CallToolResult, any, error) {
	branches, err := s.services.GitHub.ListBranches(ctx, args.Repo, args.Limit)
	if err != nil {
		return nil, nil, MapError(err)
	}
	if branches == nil {
		branches = []github.Branch{}
	}
	return nil, BranchListResult{Repo: args.Repo, Branches: branches}, nil
}

// IssueArgs defines the input for manage_github_issue.
type IssueArgs struct {
	Repo   string   `json:"repo,omitempty" jsonschema:"GitHub repository as owner/name"`
	Action string   `json:"action" jsonschema:"One of: create, comment, close"`
	Number int      `json:"number,omitempty" jsonschema:"Issue number (required for comment and close)"`
	Title  string   `json:"title,omitempty" jsonschema:"Issue title (required for create)"`
	Body   string   `json:"body,omitempty" jsonschema:"Issue or comment body"`
	Labels []string `json:"labels,omitempty" jsonschema:"Labels to apply on create"`
}

func (s *Server) handleManageIssue(ctx context.Context, req *sdkmcp.CallToolRequest, args IssueArgs) (*sdkmcp.CallToolResult, any, error) {
	if args.Repo == "" {
		return nil, nil, MapError(fmt.Errorf("%w: repo is required", feed.ErrInvalidRequest))
	}
	result, err := s.services.GitHub.ManageIssue(ctx, args.Repo, github.IssueRequest{
		Action: github.IssueAction(args.Action),
		Number: args.Number,
		Title:  args.Title,
		Body:   args.Body,
		Labels: args.Labels,
	})
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, result, nil
}
