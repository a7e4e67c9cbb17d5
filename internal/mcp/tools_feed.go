package mcp

import (
	"context"
	"fmt"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quickcall-dev/devpulse/internal/feed"
)

const defaultLookbackDays = 7

func (s *Server) registerFeedTools() {
	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "get_updates",
		Description: "Get a merged timeline of developer activity from every available source: " +
			"local git commits, GitHub commits and pull requests, and Slack messages. " +
			"Sources without credentials are skipped and reported in unavailable_sources, never fail the call. " +
			"SMART DEFAULT: call with no arguments to get the last 7 days for the current working directory.",
	}, s.handleGetUpdates)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "get_git_updates",
		Description: "Get activity from the local git repository only: commits in the window plus a synthetic " +
			"entry for uncommitted changes when the working tree is dirty. Works fully offline, no credentials needed.",
	}, s.handleGetGitUpdates)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "get_recent_runs",
		Description: "List recent aggregation runs from the local run log: what was requested, how many records " +
			"came back, and which sources were unavailable. Useful for debugging missing data.",
	}, s.handleGetRecentRuns)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "calculate_date_range",
		Description: "Convert a named period (today, yesterday, this_week, last_week, last_7_days, last_30_days) " +
			"or a day count into concrete RFC3339 start/end timestamps for use with the other tools.",
	}, s.handleCalculateDateRange)
}

// UpdatesArgs defines the input for get_updates.
type UpdatesArgs struct {
	Path         string   `json:"path,omitempty" jsonschema:"Local repository path (defaults to the server working directory)"`
	Repo         string   `json:"repo,omitempty" jsonschema:"GitHub repository as owner/name (omit to skip GitHub)"`
	Channel      string   `json:"channel,omitempty" jsonschema:"Slack channel name, fuzzy-matched (omit to skip Slack)"`
	Since        string   `json:"since,omitempty" jsonschema:"Window start, RFC3339 or YYYY-MM-DD"`
	Until        string   `json:"until,omitempty" jsonschema:"Window end, RFC3339 or YYYY-MM-DD (defaults to now)"`
	LookbackDays int      `json:"lookback_days,omitempty" jsonschema:"Alternative to since: how many days back to look (default 7)"`
	Sources      []string `json:"sources,omitempty" jsonschema:"Restrict to specific sources: git, github, slack (default all)"`
}

// UpdatesResult is the output of get_updates and get_git_updates.
type UpdatesResult struct {
	Scope       feed.Scope                            `json:"scope"`
	Window      feed.Window                           `json:"window"`
	Records     []feed.Record                         `json:"records"`
	Unavailable map[feed.Provider]feed.Unavailability `json:"unavailable_sources,omitempty"`
	Partial     bool                                  `json:"partial"`
}

func (s *Server) handleGetUpdates(ctx context.Context, req *sdkmcp.CallToolRequest, args UpdatesArgs) (*sdkmcp.CallToolResult, any, error) {
	fr, err := s.feedRequest(args)
	if err != nil {
		return nil, nil, MapError(err)
	}
	result, err := s.services.Aggregator.Aggregate(ctx, fr)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, updatesResult(fr, result), nil
}

func (s *Server) handleGetGitUpdates(ctx context.Context, req *sdkmcp.CallToolRequest, args UpdatesArgs) (*sdkmcp.CallToolResult, any, error) {
	args.Sources = []string{string(feed.ProviderGit)}
	args.Repo = ""
	args.Channel = ""
	fr, err := s.feedRequest(args)
	if err != nil {
		return nil, nil, MapError(err)
	}
	result, err := s.services.Aggregator.Aggregate(ctx, fr)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, updatesResult(fr, result), nil
}

func updatesResult(req feed.Request, result *feed.Result) UpdatesResult {
	out := UpdatesResult{
		Scope:   req.Scope,
		Window:  req.Window,
		Records: result.Records,
		Partial: result.Partial,
	}
	if len(result.Unavailable) > 0 {
		out.Unavailable = result.Unavailable
	}
	return out
}

func (s *Server) feedRequest(args UpdatesArgs) (feed.Request, error) {
	scope := feed.Scope{Path: args.Path, Repo: args.Repo, Channel: args.Channel}
	if scope.Path == "" {
		scope.Path = s.workdir
	}

	window, err := s.window(args.Since, args.Until, args.LookbackDays)
	if err != nil {
		return feed.Request{}, err
	}

	var sources []feed.Provider
	for _, src := range args.Sources {
		sources = append(sources, feed.Provider(src))
	}
	return feed.Request{Scope: scope, Window: window, Sources: sources}, nil
}

// window builds the time window: explicit bounds win, then lookback
// days, then the default lookback.
func (s *Server) window(since, until string, lookbackDays int) (feed.Window, error) {
	now := s.now()
	w := feed.Window{End: now}

	if until != "" {
		t, err := parseTime(until)
		if err != nil {
			return feed.Window{}, fmt.Errorf("%w: invalid until: %v", feed.ErrInvalidRequest, err)
		}
		w.End = t
	}
	switch {
	case since != "":
		t, err := parseTime(since)
		if err != nil {
			return feed.Window{}, fmt.Errorf("%w: invalid since: %v", feed.ErrInvalidRequest, err)
		}
		w.Start = t
	case lookbackDays > 0:
		w.Start = w.End.AddDate(0, 0, -lookbackDays)
	default:
		w.Start = w.End.AddDate(0, 0, -defaultLookbackDays)
	}
	return w, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// RecentRunsArgs defines the input for get_recent_runs.
type RecentRunsArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of runs to return (default 20)"`
}

// RunSummary is one run log entry in the output.
type RunSummary struct {
	ID          string                                `json:"id"`
	Scope       feed.Scope                            `json:"scope"`
	Window      feed.Window                           `json:"window"`
	Requested   []feed.Provider                       `json:"requested"`
	Unavailable map[feed.Provider]feed.Unavailability `json:"unavailable,omitempty"`
	RecordCount int                                   `json:"record_count"`
	Partial     bool                                  `json:"partial"`
	CreatedAt   time.Time                             `json:"created_at"`
}

// RecentRunsResult is the output of get_recent_runs.
type RecentRunsResult struct {
	Runs    []RunSummary `json:"runs"`
	Message string       `json:"message,omitempty"`
}

func (s *Server) handleGetRecentRuns(ctx context.Context, req *sdkmcp.CallToolRequest, args RecentRunsArgs) (*sdkmcp.CallToolResult, any, error) {
	if s.services.Runs == nil {
		return nil, RecentRunsResult{Message: "run log is disabled on this server"}, nil
	}
	runs, err := s.services.Runs.ListRuns(ctx, args.Limit)
	if err != nil {
		return nil, nil, MapError(err)
	}
	out := RecentRunsResult{Runs: []RunSummary{}}
	for _, run := range runs {
		out.Runs = append(out.Runs, RunSummary{
			ID:          run.ID,
			Scope:       run.Scope,
			Window:      run.Window,
			Requested:   run.Requested,
			Unavailable: run.Unavailable,
			RecordCount: run.RecordCount,
			Partial:     run.Partial,
			CreatedAt:   run.CreatedAt,
		})
	}
	return nil, out, nil
}

// DateRangeArgs defines the input for calculate_date_range.
type DateRangeArgs struct {
	Period string `json:"period,omitempty" jsonschema:"Named period: today, yesterday, this_week, last_week, last_7_days, last_30_days"`
	Days   int    `json:"days,omitempty" jsonschema:"Alternative to period: how many days back from now"`
}

// DateRangeResult is the output of calculate_date_range.
type DateRangeResult struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  int    `json:"days"`
}

func (s *Server) handleCalculateDateRange(ctx context.Context, req *sdkmcp.CallToolRequest, args DateRangeArgs) (*sdkmcp.CallToolResult, any, error) {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var start, end time.Time
	switch args.Period {
	case "today":
		start, end = midnight, now
	case "yesterday":
		start, end = midnight.AddDate(0, 0, -1), midnight
	case "this_week":
		// Weeks start on Monday.
		offset := (int(now.Weekday()) + 6) % 7
		start, end = midnight.AddDate(0, 0, -offset), now
	case "last_week":
		offset := (int(now.Weekday()) + 6) % 7
		thisMonday := midnight.AddDate(0, 0, -offset)
		start, end = thisMonday.AddDate(0, 0, -7), thisMonday
	case "last_7_days":
		start, end = now.AddDate(0, 0, -7), now
	case "last_30_days":
		start, end = now.AddDate(0, 0, -30), now
	case "":
		if args.Days <= 0 {
			return nil, nil, MapError(fmt.Errorf("%w: provide period or a positive days value", feed.ErrInvalidRequest))
		}
		start, end = now.AddDate(0, 0, -args.Days), now
	default:
		return nil, nil, MapError(fmt.Errorf("%w: unknown period %q", feed.ErrInvalidRequest, args.Period))
	}

	return nil, DateRangeResult{
		Start: start.Format(time.RFC3339),
		End:   end.Format(time.RFC3339),
		Days:  int(end.Sub(start).Hours() / 24),
	}, nil
}
