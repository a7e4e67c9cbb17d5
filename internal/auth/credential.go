// Package auth manages per-provider authentication state: a file-backed
// credential store, the deterministic GitHub token resolution order, and
// the QuickCall device authorization flow.
package auth

import (
	"errors"
	"time"
)

// Provider identifies an authentication realm. GitHub has two mutually
// exclusive active states: an App install (via QuickCall) and a personal
// access token.
type Provider string

const (
	ProviderQuickCall Provider = "quickcall"
	ProviderGitHubApp Provider = "github_app"
	ProviderGitHubPAT Provider = "github_pat"
	ProviderSlack     Provider = "slack"
)

// Status is the lifecycle state of a credential.
type Status string

const (
	StatusAbsent  Status = "absent"
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Source records where a credential was found, which matters because the
// resolution order decides between two simultaneously valid tokens.
type Source string

const (
	SourceEnvVar        Source = "env_var"
	SourceProjectConfig Source = "project_config_file"
	SourceHomeConfig    Source = "home_config_file"
	SourceDeviceFlow    Source = "device_flow"
	SourceManual        Source = "manual"
)

// Credential is one provider's authentication state. Secret is opaque
// and must never be logged; log Identity and Source instead.
type Credential struct {
	Provider  Provider  `json:"provider"`
	Status    Status    `json:"status"`
	Identity  string    `json:"identity,omitempty"`
	Secret    string    `json:"secret,omitempty"`
	Source    Source    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Absent returns the explicit absent marker for a provider. Store.Get
// returns this instead of an error for missing credentials.
func Absent(p Provider) Credential {
	return Credential{Provider: p, Status: StatusAbsent}
}

// Active reports whether the credential is usable.
func (c Credential) Active() bool {
	return c.Status == StatusActive && c.Secret != ""
}

var (
	// ErrPersistence means the credential file location is unwritable.
	// Fatal to connect/disconnect operations only.
	ErrPersistence = errors.New("credential store unwritable")
	// ErrNotAuthenticated means no usable credential could be resolved.
	ErrNotAuthenticated = errors.New("not authenticated")
)
