// Package github implements the GitHub feed adapter and the direct
// repository operations (pull requests, commits, branches, issues) on
// top of the go-github REST client.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/quickcall-dev/devpulse/internal/auth"
	"github.com/quickcall-dev/devpulse/internal/feed"
)

// TokenFunc yields the GitHub token to use for a call. Installation
// tokens are short-lived, so the token is resolved per call rather
// than bound at construction. Return auth.ErrNotAuthenticated when no
// credential path yields a token.
type TokenFunc func(ctx context.Context) (string, error)

const (
	perPage    = 100
	maxResults = 200
)

// Source is the GitHub feed adapter.
type Source struct {
	base   *gh.Client
	token  TokenFunc
	check  func(ctx context.Context) error
	logger *slog.Logger
}

var _ feed.Source = (*Source)(nil)

// Option configures the adapter.
type Option func(*Source)

// WithAvailabilityCheck replaces the default availability probe (token
// resolution) with a separate check. Required when the token func does
// network work: Available must stay local — credential-store and env
// reads only. The check returns auth.ErrNotAuthenticated when no
// credential path exists.
func WithAvailabilityCheck(check func(ctx context.Context) error) Option {
	return func(s *Source) { s.check = check }
}

// New builds the adapter with the production transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (GitHub REST API client)
func New(token TokenFunc, logger *slog.Logger, opts ...Option) *Source {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	return newSource(gh.NewClient(rateLimitClient), token, logger, opts...)
}

// NewWithBaseURL builds the adapter against a custom base URL with a
// plain http.Client. Intended for httptest servers.
func NewWithBaseURL(httpClient *http.Client, baseURL string, token TokenFunc, logger *slog.Logger, opts ...Option) (*Source, error) {
	client := gh.NewClient(httpClient)
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	client.BaseURL = u
	return newSource(client, token, logger, opts...), nil
}

func newSource(client *gh.Client, token TokenFunc, logger *slog.Logger, opts ...Option) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Source{base: client, token: token, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Provider() feed.Provider { return feed.ProviderGitHub }

// Available checks that a repository is in scope and a credential path
// exists. The availability check never touches the network; a token
// that turns out to be unusable fails at Fetch time instead.
func (s *Source) Available(ctx context.Context, scope feed.Scope) error {
	if scope.Repo == "" {
		return feed.ErrNotApplicable
	}
	err := s.credentialPresent(ctx)
	if errors.Is(err, auth.ErrNotAuthenticated) {
		return feed.ErrUnauthenticated
	}
	return err
}

func (s *Source) credentialPresent(ctx context.Context) error {
	if s.check != nil {
		return s.check(ctx)
	}
	_, err := s.token(ctx)
	return err
}

// client binds the per-call token onto the shared transport stack.
func (s *Source) client(ctx context.Context) (*gh.Client, error) {
	token, err := s.token(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthenticated) {
			return nil, feed.ErrUnauthenticated
		}
		return nil, err
	}
	return s.base.WithAuthToken(token), nil
}

type prDetail struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	URL    string `json:"url,omitempty"`
	Merged bool   `json:"merged,omitempty"`
}

type commitDetail struct {
	SHA string `json:"sha"`
	URL string `json:"url,omitempty"`
}

// Fetch returns commits and pull request activity inside the window,
// mapped to feed records.
func (s *Source) Fetch(ctx context.Context, req feed.Request) ([]feed.Record, error) {
	owner, repo, err := splitRepo(req.Scope.Repo)
	if err != nil {
		return nil, err
	}
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	var records []feed.Record

	commits, err := s.commitsInWindow(ctx, client, owner, repo, req.Window)
	if err != nil {
		return nil, classify(err)
	}
	records = append(records, commits...)

	prs, err := s.pullsInWindow(ctx, client, owner, repo, req.Window)
	if err != nil {
		return nil, classify(err)
	}
	records = append(records, prs...)

	return records, nil
}

func (s *Source) commitsInWindow(ctx context.Context, client *gh.Client, owner, repo string, w feed.Window) ([]feed.Record, error) {
	opts := &gh.CommitsListOptions{
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	if !w.Start.IsZero() {
		opts.Since = w.Start
	}
	if !w.End.IsZero() {
		opts.Until = w.End
	}

	var records []feed.Record
	for {
		commits, resp, err := client.Repositories.ListCommits(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, c := range commits {
			detail, _ := json.Marshal(commitDetail{SHA: c.GetSHA(), URL: c.GetHTMLURL()})
			actor := c.GetCommit().GetAuthor().GetName()
			if login := c.GetAuthor().GetLogin(); login != "" {
				actor = login
			}
			records = append(records, feed.Record{
				Source:    feed.ProviderGitHub,
				Timestamp: c.GetCommit().GetAuthor().GetDate().Time.UTC(),
				Actor:     actor,
				Summary:   firstLine(c.GetCommit().GetMessage()),
				Detail:    detail,
			})
		}
		if resp.NextPage == 0 || len(records) >= maxResults {
			break
		}
		opts.Page = resp.NextPage
	}
	return records, nil
}

func (s *Source) pullsInWindow(ctx context.Context, client *gh.Client, owner, repo string, w feed.Window) ([]feed.Record, error) {
	opts := &gh.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}

	var records []feed.Record
	for {
		prs, resp, err := client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		pastWindow := false
		for _, pr := range prs {
			updated := pr.GetUpdatedAt().Time
			if !w.Start.IsZero() && updated.Before(w.Start) {
				// Sorted by updated desc: everything after is older.
				pastWindow = true
				break
			}
			if !w.End.IsZero() && updated.After(w.End) {
				continue
			}
			detail, _ := json.Marshal(prDetail{
				Number: pr.GetNumber(),
				State:  pr.GetState(),
				URL:    pr.GetHTMLURL(),
				Merged: pr.MergedAt != nil,
			})
			records = append(records, feed.Record{
				Source:    feed.ProviderGitHub,
				Timestamp: updated.UTC(),
				Actor:     pr.GetUser().GetLogin(),
				Summary:   fmt.Sprintf("PR #%d: %s", pr.GetNumber(), pr.GetTitle()),
				Detail:    detail,
			})
		}
		if pastWindow || resp.NextPage == 0 || len(records) >= maxResults {
			break
		}
		opts.Page = resp.NextPage
	}
	return records, nil
}

// PullRequest is the direct-listing projection.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Author    string    `json:"author"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`
	Draft     bool      `json:"draft,omitempty"`
}

// ListPullRequests lists pull requests by state ("open", "closed",
// "all"), newest-updated first.
func (s *Source) ListPullRequests(ctx context.Context, repoFullName, state string, limit int) ([]PullRequest, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	if state == "" {
		state = "open"
	}
	limit = capLimit(limit)

	opts := &gh.PullRequestListOptions{
		State:       state,
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	var out []PullRequest
	for {
		prs, resp, err := client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, pr := range prs {
			out = append(out, PullRequest{
				Number:    pr.GetNumber(),
				Title:     pr.GetTitle(),
				State:     pr.GetState(),
				Author:    pr.GetUser().GetLogin(),
				URL:       pr.GetHTMLURL(),
				UpdatedAt: pr.GetUpdatedAt().Time.UTC(),
				Draft:     pr.GetDraft(),
			})
			if len(out) >= limit {
				return out, nil
			}
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// Commit is the direct-listing projection.
type Commit struct {
	SHA     string    `json:"sha"`
	Author  string    `json:"author"`
	Message string    `json:"message"`
	Date    time.Time `json:"date"`
	URL     string    `json:"url"`
}

// ListCommits lists commits on the default branch, newest first.
func (s *Source) ListCommits(ctx context.Context, repoFullName string, since, until time.Time, limit int) ([]Commit, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	limit = capLimit(limit)

	opts := &gh.CommitsListOptions{
		Since:       since,
		Until:       until,
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	var out []Commit
	for {
		commits, resp, err := client.Repositories.ListCommits(ctx, owner, repo, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, c := range commits {
			out = append(out, Commit{
				SHA:     c.GetSHA(),
				Author:  c.GetCommit().GetAuthor().GetName(),
				Message: firstLine(c.GetCommit().GetMessage()),
				Date:    c.GetCommit().GetAuthor().GetDate().Time.UTC(),
				URL:     c.GetHTMLURL(),
			})
			if len(out) >= limit {
				return out, nil
			}
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// Branch is the direct-listing projection.
type Branch struct {
	Name      string `json:"name"`
	SHA       string `json:"sha"`
	Protected bool   `json:"protected,omitempty"`
}

// ListBranches lists branches for the repository.
func (s *Source) ListBranches(ctx context.Context, repoFullName string, limit int) ([]Branch, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	limit = capLimit(limit)

	opts := &gh.BranchListOptions{
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	var out []Branch
	for {
		branches, resp, err := client.Repositories.ListBranches(ctx, owner, repo, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, b := range branches {
			out = append(out, Branch{
				Name:      b.GetName(),
				SHA:       b.GetCommit().GetSHA(),
				Protected: b.GetProtected(),
			})
			if len(out) >= limit {
				return out, nil
			}
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// Repository is the list_github_repos projection.
type Repository struct {
	FullName    string    `json:"full_name"`
	Description string    `json:"description,omitempty"`
	Private     bool      `json:"private"`
	Fork        bool      `json:"fork,omitempty"`
	URL         string    `json:"url"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListRepos lists repositories visible to the authenticated user, most
// recently pushed first.
func (s *Source) ListRepos(ctx context.Context, limit int) ([]Repository, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	limit = capLimit(limit)

	opts := &gh.RepositoryListByAuthenticatedUserOptions{
		Sort:        "pushed",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	var out []Repository
	for {
		repos, resp, err := client.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, classify(err)
		}
		for _, r := range repos {
			out = append(out, Repository{
				FullName:    r.GetFullName(),
				Description: r.GetDescription(),
				Private:     r.GetPrivate(),
				Fork:        r.GetFork(),
				URL:         r.GetHTMLURL(),
				UpdatedAt:   r.GetUpdatedAt().Time.UTC(),
			})
			if len(out) >= limit {
				return out, nil
			}
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// IssueAction is a manage_github_issue verb.
type IssueAction string

const (
	IssueCreate  IssueAction = "create"
	IssueComment IssueAction = "comment"
	IssueClose   IssueAction = "close"
)

// IssueRequest carries the fields for one issue operation. Number is
// required for comment and close; Title for create.
type IssueRequest struct {
	Action IssueAction
	Number int
	Title  string
	Body   string
	Labels []string
}

// IssueResult reports the outcome of an issue operation.
type IssueResult struct {
	Number int    `json:"number"`
	State  string `json:"state,omitempty"`
	URL    string `json:"url,omitempty"`
}

// ManageIssue creates, comments on, or closes an issue.
func (s *Source) ManageIssue(ctx context.Context, repoFullName string, req IssueRequest) (*IssueResult, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, err
	}
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case IssueCreate:
		if req.Title == "" {
			return nil, fmt.Errorf("%w: issue title is required", feed.ErrInvalidRequest)
		}
		issue, _, err := client.Issues.Create(ctx, owner, repo, &gh.IssueRequest{
			Title:  gh.Ptr(req.Title),
			Body:   gh.Ptr(req.Body),
			Labels: &req.Labels,
		})
		if err != nil {
			return nil, classify(err)
		}
		return &IssueResult{Number: issue.GetNumber(), State: issue.GetState(), URL: issue.GetHTMLURL()}, nil

	case IssueComment:
		if req.Number <= 0 {
			return nil, fmt.Errorf("%w: issue number is required", feed.ErrInvalidRequest)
		}
		comment, _, err := client.Issues.CreateComment(ctx, owner, repo, req.Number, &gh.IssueComment{
			Body: gh.Ptr(req.Body),
		})
		if err != nil {
			return nil, classify(err)
		}
		return &IssueResult{Number: req.Number, URL: comment.GetHTMLURL()}, nil

	case IssueClose:
		if req.Number <= 0 {
			return nil, fmt.Errorf("%w: issue number is required", feed.ErrInvalidRequest)
		}
		issue, _, err := client.Issues.Edit(ctx, owner, repo, req.Number, &gh.IssueRequest{
			State: gh.Ptr("closed"),
		})
		if err != nil {
			return nil, classify(err)
		}
		return &IssueResult{Number: issue.GetNumber(), State: issue.GetState(), URL: issue.GetHTMLURL()}, nil

	default:
		return nil, fmt.Errorf("%w: unknown issue action %q", feed.ErrInvalidRequest, req.Action)
	}
}

// classify maps go-github errors onto the shared failure taxonomy.
func classify(err error) error {
	var rle *gh.RateLimitError
	if errors.As(err, &rle) {
		return &feed.RateLimitError{
			Remaining: rle.Rate.Remaining,
			ResetAt:   rle.Rate.Reset.Time,
		}
	}
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &abuse) {
		limited := &feed.RateLimitError{}
		if abuse.RetryAfter != nil {
			limited.ResetAt = time.Now().Add(*abuse.RetryAfter)
		}
		return limited
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound:
			return &feed.NotFoundError{What: "GitHub resource"}
		case http.StatusUnauthorized, http.StatusForbidden:
			return feed.ErrUnauthenticated
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", feed.ErrTransient, err)
}

func splitRepo(full string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(full, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("%w: repository must be owner/name, got %q", feed.ErrInvalidRequest, full)
	}
	return owner, repo, nil
}

func capLimit(limit int) int {
	if limit <= 0 || limit > maxResults {
		return maxResults
	}
	return limit
}

func firstLine(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
