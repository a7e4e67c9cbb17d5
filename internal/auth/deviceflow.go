package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Device authorization flow against the QuickCall API:
//
//  1. Start obtains a device_code + user_code pair.
//  2. The user visits {web}/cli/setup?code={user_code} and signs in.
//  3. Poll waits until the authorization completes, then persists the
//     device token as the quickcall credential.
//
// GitHub installation tokens and Slack bot tokens are never stored
// long-term; FetchRemote gets fresh ones per call because integration
// status can change at any time from the web side.

const (
	defaultAPIURL = "https://api.quickcall.dev"
	defaultWebURL = "https://quickcall.dev"

	deviceFlowTimeout = 15 * time.Minute
)

var (
	// ErrFlowExpired means the user code lapsed before authorization.
	ErrFlowExpired = errors.New("device authorization expired")
	// ErrFlowRevoked means the authorization was revoked from the web.
	ErrFlowRevoked = errors.New("device authorization revoked")
	// ErrFlowPending means the user has not completed authorization yet.
	ErrFlowPending = errors.New("device authorization pending")
	// ErrFlowNotFound means the server does not recognize the device code.
	ErrFlowNotFound = errors.New("device authorization not found")
)

// DeviceFlow drives the QuickCall device authorization flow and serves
// fresh integration credentials to the adapters.
type DeviceFlow struct {
	apiURL string
	webURL string
	client *http.Client
	store  *Store
	logger *slog.Logger

	// pollEvery overrides the server-suggested poll interval when set.
	pollEvery time.Duration
}

// NewDeviceFlow creates a flow client. Empty URLs fall back to the
// production endpoints; QUICKCALL_API_URL / QUICKCALL_WEB_URL override
// them through config for local development.
func NewDeviceFlow(apiURL, webURL string, store *Store, logger *slog.Logger) *DeviceFlow {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if webURL == "" {
		webURL = defaultWebURL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DeviceFlow{
		apiURL: apiURL,
		webURL: webURL,
		client: &http.Client{Timeout: 30 * time.Second},
		store:  store,
		logger: logger,
	}
}

// Authorization is the server's answer to Start.
type Authorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// AuthorizeURL is the browser destination including the user code.
func (a Authorization) AuthorizeURL() string {
	return fmt.Sprintf("%s?code=%s", a.VerificationURL, url.QueryEscape(a.UserCode))
}

// Start initializes the device authorization flow.
func (d *DeviceFlow) Start(ctx context.Context) (*Authorization, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiURL+"/api/device/init", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device init: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device init: unexpected status %d", resp.StatusCode)
	}
	var auth Authorization
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("device init: decoding response: %w", err)
	}
	return &auth, nil
}

type deviceStatus struct {
	Status      string `json:"status"`
	DeviceToken string `json:"device_token"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
}

// CheckOnce asks the server for the current authorization state without
// waiting. Returns ErrFlowPending while the user has not finished.
func (d *DeviceFlow) CheckOnce(ctx context.Context, deviceCode string) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiURL+"/api/device/status", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("device_code", deviceCode)
	req.URL.RawQuery = q.Encode()

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("device status: %w", ErrFlowNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device status: unexpected status %d", resp.StatusCode)
	}

	var status deviceStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("device status: decoding response: %w", err)
	}
	switch status.Status {
	case "complete":
		identity := status.Username
		if identity == "" {
			identity = status.UserID
		}
		cred := Credential{
			Provider: ProviderQuickCall,
			Status:   StatusActive,
			Identity: identity,
			Secret:   status.DeviceToken,
			Source:   SourceDeviceFlow,
		}
		if err := d.store.Put(ProviderQuickCall, cred); err != nil {
			return nil, err
		}
		return &cred, nil
	case "expired":
		return nil, ErrFlowExpired
	case "revoked":
		return nil, ErrFlowRevoked
	default:
		return nil, ErrFlowPending
	}
}

// Poll repeatedly checks the authorization until it completes, expires,
// is revoked, or the flow timeout elapses. Cancel via ctx.
func (d *DeviceFlow) Poll(ctx context.Context, auth *Authorization) (*Credential, error) {
	interval := time.Duration(auth.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if d.pollEvery > 0 {
		interval = d.pollEvery
	}
	deadline := time.Now().Add(deviceFlowTimeout)
	if auth.ExpiresIn > 0 {
		deadline = time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	}

	for time.Now().Before(deadline) {
		cred, err := d.CheckOnce(ctx, auth.DeviceCode)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrFlowPending) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, ErrFlowExpired
}

// RemoteCredentials are the fresh integration tokens served by the
// QuickCall API against a device token.
type RemoteCredentials struct {
	UserID   string
	Email    string
	Username string

	GitHubConnected      bool
	GitHubToken          string // installation token, short validity
	GitHubUsername       string
	GitHubInstallationID int64

	SlackConnected bool
	SlackBotToken  string
	SlackTeamName  string
	SlackTeamID    string
}

type remoteCredentialsPayload struct {
	User struct {
		UserID   string `json:"user_id"`
		Email    string `json:"email"`
		Username string `json:"username"`
	} `json:"user"`
	GitHub struct {
		Connected      bool   `json:"connected"`
		Token          string `json:"token"`
		Username       string `json:"username"`
		InstallationID int64  `json:"installation_id"`
	} `json:"github"`
	Slack struct {
		Connected bool   `json:"connected"`
		BotToken  string `json:"bot_token"`
		TeamName  string `json:"team_name"`
		TeamID    string `json:"team_id"`
	} `json:"slack"`
}

// FetchRemote exchanges the stored device token for fresh integration
// credentials. A 401 means the device token was revoked; the stored
// quickcall credential is cleared so the next status check reports
// disconnected instead of failing repeatedly.
func (d *DeviceFlow) FetchRemote(ctx context.Context) (*RemoteCredentials, error) {
	stored := d.store.Get(ProviderQuickCall)
	if !stored.Active() {
		return nil, ErrNotAuthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiURL+"/api/cli/credentials", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+stored.Secret)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		d.logger.Warn("device token invalid or revoked, clearing stored credential")
		if err := d.store.Delete(ProviderQuickCall); err != nil {
			d.logger.Warn("failed to clear revoked credential", "error", err)
		}
		return nil, ErrNotAuthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching credentials: unexpected status %d", resp.StatusCode)
	}

	var payload remoteCredentialsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("fetching credentials: decoding response: %w", err)
	}
	return &RemoteCredentials{
		UserID:               payload.User.UserID,
		Email:                payload.User.Email,
		Username:             payload.User.Username,
		GitHubConnected:      payload.GitHub.Connected,
		GitHubToken:          payload.GitHub.Token,
		GitHubUsername:       payload.GitHub.Username,
		GitHubInstallationID: payload.GitHub.InstallationID,
		SlackConnected:       payload.Slack.Connected,
		SlackBotToken:        payload.Slack.BotToken,
		SlackTeamName:        payload.Slack.TeamName,
		SlackTeamID:          payload.Slack.TeamID,
	}, nil
}

// WebURL returns the QuickCall web frontend base URL.
func (d *DeviceFlow) WebURL() string { return d.webURL }
