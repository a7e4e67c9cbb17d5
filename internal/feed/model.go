package feed

import (
	"encoding/json"
	"time"
)

// Provider identifies a data source queried by the aggregator.
type Provider string

const (
	ProviderGit    Provider = "git"
	ProviderGitHub Provider = "github"
	ProviderSlack  Provider = "slack"
)

// mergePriority is the tie-break order for records with identical
// timestamps: Git before GitHub before Slack. The order is arbitrary
// but must be stable so identical inputs produce identical output.
var mergePriority = map[Provider]int{
	ProviderGit:    0,
	ProviderGitHub: 1,
	ProviderSlack:  2,
}

// AllProviders returns every known provider in merge-priority order.
func AllProviders() []Provider {
	return []Provider{ProviderGit, ProviderGitHub, ProviderSlack}
}

// Record is a single normalized activity event from one source.
// Records are immutable once produced by an adapter.
type Record struct {
	Source    Provider        `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Summary   string          `json:"summary"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// UncommittedActor is the reserved actor marker for the synthetic record
// describing dirty working-tree state, distinguishing it from committed
// history.
const UncommittedActor = "(uncommitted)"

// Scope identifies what to fetch activity for. Adapters consume the field
// that applies to them and report not_applicable_for_scope otherwise.
type Scope struct {
	// Path is a local filesystem path (git adapter).
	Path string `json:"path,omitempty"`
	// Repo is an "owner/name" GitHub repository identifier.
	Repo string `json:"repo,omitempty"`
	// Channel is a Slack channel name or ID; names are fuzzy-matched.
	Channel string `json:"channel,omitempty"`
}

// Window bounds a fetch in time. Start is inclusive. A commit or message
// landing while the request executes may or may not appear; that
// non-determinism is accepted.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Request describes one aggregation call.
type Request struct {
	Scope   Scope      `json:"scope"`
	Window  Window     `json:"window"`
	Sources []Provider `json:"sources,omitempty"` // empty = all providers
}

// Reason explains why a requested source contributed nothing.
type Reason string

const (
	ReasonNoCredential  Reason = "no_credential"
	ReasonNotApplicable Reason = "not_applicable_for_scope"
	ReasonUnauthorized  Reason = "unauthenticated"
	ReasonNotFound      Reason = "not_found"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonTransient     Reason = "transient"
)

// Unavailability carries the classified reason a source was skipped or
// failed, plus human-readable detail (e.g. rate-limit reset time or the
// closest channel candidates).
type Unavailability struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Result is the merged outcome of one aggregation. Partial is true when
// any requested source was skipped or failed.
type Result struct {
	Records     []Record                    `json:"records"`
	Unavailable map[Provider]Unavailability `json:"unavailable_sources"`
	Partial     bool                        `json:"partial"`
}
