package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `devpulse exposes developer activity — local git history, GitHub PRs and commits, Slack messages — as tools.

Core concepts (keep this mental model small):
- Record: one normalized activity event (source, timestamp, actor, summary).
- Scope: what to look at — a local path (git), an owner/name repo (GitHub), a channel (Slack).
- Window: the time range; use calculate_date_range to turn "last week" into timestamps.
- Partial results: sources without credentials are skipped, not errors. Check unavailable_sources.

Rules of engagement (default workflow):
1) Orient: call get_updates with no arguments for the last 7 days of the working directory.
2) Narrow: pass repo/channel for cross-source context, or use the per-source tools
   (get_git_updates, list_github_prs, read_slack_messages) for focused queries.
3) Credentials: if unavailable_sources shows no_credential, offer connect_quickcall
   (full GitHub + Slack) or connect_github_pat (GitHub only). Never ask for raw Slack tokens.
4) Channel names are fuzzy-matched; on NOT_FOUND pick from the returned candidates.
5) Debugging missing data: get_recent_runs shows what past aggregations requested and skipped.

Docs (progressive disclosure):
- devpulse://docs/index (what to read when)
- devpulse://docs/sources (per-source behavior and failure modes)
- devpulse://docs/auth (credential flows and precedence)
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "devpulse://docs/index",
		Name:        "docs_index",
		Title:       "devpulse docs index",
		Description: "Entry point for agent-facing docs: what exists, what to read, and known limitations.",
		Content: `# devpulse: Agent Docs Index

This server is designed for **progressive disclosure**: keep your baseline context small and load deeper docs only when needed.

## Quick start (no deep docs)

1. ` + "`get_updates`" + ` with no arguments — last 7 days for the working directory.
2. Add ` + "`repo`" + ` (owner/name) and ` + "`channel`" + ` for cross-source context.
3. ` + "`calculate_date_range`" + ` converts "yesterday" / "last week" into timestamps.
4. Check ` + "`unavailable_sources`" + ` on every result — a missing source is reported, never fatal.

## Docs (read on demand)

- ` + "`devpulse://docs/sources`" + ` — per-source behavior: windows, caps, fuzzy channel matching, failure classification.
- ` + "`devpulse://docs/auth`" + ` — credential flows (QuickCall device flow, GitHub PAT) and resolution precedence.

## Capabilities & intentional limitations

- The only writes are ` + "`manage_github_issue`" + ` and ` + "`send_slack_message`" + `; everything else is read-only.
- Listing tools cap results (default 200); use ` + "`limit`" + ` and narrower windows to control token usage.
- A commit or message landing while a request executes may or may not appear in that result.
`,
	},
	{
		URI:         "devpulse://docs/sources",
		Name:        "docs_sources",
		Title:       "Sources and failure modes",
		Description: "How each source interprets scope and window, and how failures are classified.",
		Content: `# Sources and failure modes

## git (local)

- Needs only a local path and the git binary; works offline.
- Returns commits in the window, newest first, plus one synthetic record
  with actor ` + "`(uncommitted)`" + ` when the working tree is dirty.
- A path that is not a repository is NOT_FOUND. An empty window is an
  empty result, not an error.

## github

- Needs a repo (owner/name) and a resolvable token.
- Returns commits and pull request activity in the window.
- Rate limits surface as ` + "`rate_limited`" + ` with the reset time in the detail.

## slack

- Needs a channel and a workspace token (via QuickCall or SLACK_BOT_TOKEN).
- Channel references are fuzzy-matched on name tokens; an unresolvable
  reference is NOT_FOUND with the closest candidates listed.
- Thread heads automatically include their replies.

## Failure classification

Every per-source failure maps to one reason: ` + "`no_credential`" + `,
` + "`not_applicable_for_scope`" + `, ` + "`unauthenticated`" + `, ` + "`not_found`" + `,
` + "`rate_limited`" + `, or ` + "`transient`" + `. One source failing never blocks the others;
` + "`partial: true`" + ` flags that something was skipped.
`,
	},
	{
		URI:         "devpulse://docs/auth",
		Name:        "docs_auth",
		Title:       "Credential flows and precedence",
		Description: "QuickCall device flow, GitHub PAT storage, and the token resolution order.",
		Content: `# Credential flows and precedence

## QuickCall device flow

1. ` + "`connect_quickcall`" + ` returns a browser URL and a device_code.
2. The user signs in and authorizes in the browser.
3. ` + "`complete_quickcall_auth`" + ` with the device_code stores the device token
   (returns AUTH_PENDING until the user finishes).

The device token is exchanged for fresh GitHub App and Slack workspace
credentials on each call, so integration changes on the web side apply
immediately. ` + "`check_quickcall_status`" + ` shows which integrations are enabled.

## GitHub token resolution order

1. GITHUB_TOKEN / GITHUB_PAT environment variables
2. .devpulse.env in the project root
3. .devpulse.env in the home directory
4. QuickCall GitHub App installation
5. Stored PAT (` + "`connect_github_pat`" + `)

First match wins: an explicit environment variable always beats a
working QuickCall install.

## Storage

Stored credentials live in ~/.devpulse/credentials.json with owner-only
permissions. Secrets are never logged and never echoed back by tools.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		doc := doc

		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
