package mcp

import (
	"context"
	"errors"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quickcall-dev/devpulse/internal/auth"
	"github.com/quickcall-dev/devpulse/internal/feed"
)

func (s *Server) registerAuthTools() {
	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "connect_quickcall",
		Description: "Start the QuickCall device authorization flow. Returns a URL the user must open in a " +
			"browser and a device_code for complete_quickcall_auth. QuickCall supplies GitHub App and Slack " +
			"workspace credentials once connected.",
	}, s.handleConnectQuickCall)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "complete_quickcall_auth",
		Description: "Check whether the user finished QuickCall sign-in. Call after the user confirms they " +
			"authorized in the browser; returns AUTH_PENDING until they do.",
	}, s.handleCompleteQuickCallAuth)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "check_quickcall_status",
		Description: "Report the QuickCall connection state and which integrations (GitHub, Slack) the " +
			"connected account has enabled.",
	}, s.handleCheckQuickCallStatus)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "disconnect_quickcall",
		Description: "Remove the stored QuickCall device token. Disconnecting when not connected is a no-op.",
	}, s.handleDisconnectQuickCall)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "connect_github_pat",
		Description: "Store a GitHub personal access token for direct GitHub access without QuickCall. " +
			"An environment GITHUB_TOKEN always takes precedence over the stored PAT.",
	}, s.handleConnectGitHubPAT)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "disconnect_github_pat",
		Description: "Remove the stored GitHub personal access token.",
	}, s.handleDisconnectGitHubPAT)
}

// ConnectResult is the output of connect_quickcall.
type ConnectResult struct {
	AuthorizeURL string `json:"authorize_url"`
	UserCode     string `json:"user_code"`
	DeviceCode   string `json:"device_code"`
	ExpiresIn    int    `json:"expires_in"`
	Interval     int    `json:"interval"`
	Message      string `json:"message"`
}

func (s *Server) handleConnectQuickCall(ctx context.Context, req *sdkmcp.CallToolRequest, args struct{}) (*sdkmcp.CallToolResult, any, error) {
	authz, err := s.services.Flow.Start(ctx)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, ConnectResult{
		AuthorizeURL: authz.AuthorizeURL(),
		UserCode:     authz.UserCode,
		DeviceCode:   authz.DeviceCode,
		ExpiresIn:    authz.ExpiresIn,
		Interval:     authz.Interval,
		Message: fmt.Sprintf("Ask the user to open %s and sign in, then call complete_quickcall_auth with the device_code.",
			authz.AuthorizeURL()),
	}, nil
}

// CompleteAuthArgs defines the input for complete_quickcall_auth.
type CompleteAuthArgs struct {
	DeviceCode string `json:"device_code" jsonschema:"The device_code returned by connect_quickcall"`
}

// AuthStatusResult is the output of the auth status tools.
type AuthStatusResult struct {
	Connected bool   `json:"connected"`
	Identity  string `json:"identity,omitempty"`
	GitHub    bool   `json:"github_connected,omitempty"`
	Slack     bool   `json:"slack_connected,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) handleCompleteQuickCallAuth(ctx context.Context, req *sdkmcp.CallToolRequest, args CompleteAuthArgs) (*sdkmcp.CallToolResult, any, error) {
	if args.DeviceCode == "" {
		return nil, nil, MapError(fmt.Errorf("%w: device_code is required", feed.ErrInvalidRequest))
	}
	cred, err := s.services.Flow.CheckOnce(ctx, args.DeviceCode)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, AuthStatusResult{
		Connected: true,
		Identity:  cred.Identity,
		Message:   "QuickCall connected. GitHub and Slack tools now use the account's integrations.",
	}, nil
}

func (s *Server) handleCheckQuickCallStatus(ctx context.Context, req *sdkmcp.CallToolRequest, args struct{}) (*sdkmcp.CallToolResult, any, error) {
	stored := s.services.Store.Get(auth.ProviderQuickCall)
	if !stored.Active() {
		return nil, AuthStatusResult{
			Connected: false,
			Message:   "Not connected. Run connect_quickcall to start, or connect_github_pat for GitHub-only access.",
		}, nil
	}

	remote, err := s.services.Flow.FetchRemote(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthenticated) {
			return nil, AuthStatusResult{
				Connected: false,
				Message:   "The stored QuickCall token was revoked. Run connect_quickcall to reconnect.",
			}, nil
		}
		return nil, nil, MapError(err)
	}
	return nil, AuthStatusResult{
		Connected: true,
		Identity:  remote.Username,
		GitHub:    remote.GitHubConnected,
		Slack:     remote.SlackConnected,
	}, nil
}

// DisconnectResult is the output of the disconnect tools.
type DisconnectResult struct {
	Disconnected bool   `json:"disconnected"`
	Message      string `json:"message,omitempty"`
}

func (s *Server) handleDisconnectQuickCall(ctx context.Context, req *sdkmcp.CallToolRequest, args struct{}) (*sdkmcp.CallToolResult, any, error) {
	if err := s.services.Store.Delete(auth.ProviderQuickCall); err != nil {
		return nil, nil, MapError(err)
	}
	return nil, DisconnectResult{Disconnected: true}, nil
}

// ConnectPATArgs defines the input for connect_github_pat.
type ConnectPATArgs struct {
	Token    string `json:"token,omitempty" jsonschema:"The GitHub personal access token"`
	Username string `json:"username,omitempty" jsonschema:"GitHub username the token belongs to"`
}

func (s *Server) handleConnectGitHubPAT(ctx context.Context, req *sdkmcp.CallToolRequest, args ConnectPATArgs) (*sdkmcp.CallToolResult, any, error) {
	if args.Token == "" {
		return nil, nil, MapError(fmt.Errorf("%w: token is required", feed.ErrInvalidRequest))
	}
	err := s.services.Store.Put(auth.ProviderGitHubPAT, auth.Credential{
		Identity: args.Username,
		Secret:   args.Token,
		Source:   auth.SourceManual,
	})
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, AuthStatusResult{
		Connected: true,
		Identity:  args.Username,
		GitHub:    true,
		Message:   "GitHub PAT stored. A GITHUB_TOKEN environment variable still takes precedence when set.",
	}, nil
}

func (s *Server) handleDisconnectGitHubPAT(ctx context.Context, req *sdkmcp.CallToolRequest, args struct{}) (*sdkmcp.CallToolResult, any, error) {
	if err := s.services.Store.Delete(auth.ProviderGitHubPAT); err != nil {
		return nil, nil, MapError(err)
	}
	return nil, DisconnectResult{Disconnected: true}, nil
}
