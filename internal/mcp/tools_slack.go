package mcp

import (
	"context"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quickcall-dev/devpulse/internal/feed"
	"github.com/quickcall-dev/devpulse/internal/source/slack"
)

func (s *Server) registerSlackTools() {
	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "list_slack_channels",
		Description: "List Slack channels visible to the connected workspace bot.",
	}, s.handleListChannels)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "read_slack_messages",
		Description: "Read messages from a Slack channel, oldest first. The channel name is fuzzy-matched, " +
			"so 'no sleep dev' finds #no-sleep-dev-channel. Thread heads include their replies automatically.",
	}, s.handleReadMessages)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "read_slack_thread",
		Description: "Read a full Slack thread given its channel and the head message timestamp.",
	}, s.handleReadThread)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "send_slack_message",
		Description: "Send a message to a Slack channel as the workspace bot. The channel name is fuzzy-matched; " +
			"pass thread_ts to reply inside a thread instead of posting at the top level.",
	}, s.handleSendMessage)
}

// ChannelListResult is the output of list_slack_channels.
type ChannelListResult struct {
	Channels []slack.Channel `json:"channels"`
}

func (s *Server) handleListChannels(ctx context.Context, req *sdkmcp.CallToolRequest, args struct{}) (*sdkmcp.CallToolResult, any, error) {
	channels, err := s.services.Slack.ListChannels(ctx)
	if err != nil {
		return nil, nil, MapError(err)
	}
	if channels == nil {
		channels = []slack.Channel{}
	}
	return nil, ChannelListResult{Channels: channels}, nil
}

// ReadMessagesArgs defines the input for read_slack_messages.
type ReadMessagesArgs struct {
	Channel      string `json:"channel" jsonschema:"Channel name or ID, fuzzy-matched"`
	Since        string `json:"since,omitempty" jsonschema:"Window start, RFC3339 or YYYY-MM-DD"`
	Until        string `json:"until,omitempty" jsonschema:"Window end, RFC3339 or YYYY-MM-DD (defaults to now)"`
	LookbackDays int    `json:"lookback_days,omitempty" jsonschema:"Alternative to since: how many days back to look (default 7)"`
	Limit        int    `json:"limit,omitempty" jsonschema:"Maximum number of messages (default 100)"`
}

// MessagesResult is the output of read_slack_messages and read_slack_thread.
type MessagesResult struct {
	Channel  slack.Channel   `json:"channel"`
	Messages []slack.Message `json:"messages"`
}

func (s *Server) handleReadMessages(ctx context.Context, req *sdkmcp.CallToolRequest, args ReadMessagesArgs) (*sdkmcp.CallToolResult, any, error) {
	if args.Channel == "" {
		return nil, nil, MapError(fmt.Errorf("%w: channel is required", feed.ErrInvalidRequest))
	}
	window, err := s.window(args.Since, args.Until, args.LookbackDays)
	if err != nil {
		return nil, nil, MapError(err)
	}
	channel, messages, err := s.services.Slack.ReadMessages(ctx, args.Channel, window, args.Limit)
	if err != nil {
		return nil, nil, MapError(err)
	}
	if messages == nil {
		messages = []slack.Message{}
	}
	return nil, MessagesResult{Channel: channel, Messages: messages}, nil
}

// ReadThreadArgs defines the input for read_slack_thread.
type ReadThreadArgs struct {
	Channel  string `json:"channel" jsonschema:"Channel name or ID, fuzzy-matched"`
	ThreadTS string `json:"thread_ts" jsonschema:"Timestamp of the thread head message (e.g. 1755600000.000000)"`
}

func (s *Server) handleReadThread(ctx context.Context, req *sdkmcp.CallToolRequest, args ReadThreadArgs) (*sdkmcp.CallToolResult, any, error) {
	if args.Channel == "" || args.ThreadTS == "" {
		return nil, nil, MapError(fmt.Errorf("%w: channel and thread_ts are required", feed.ErrInvalidRequest))
	}
	channel, messages, err := s.services.Slack.ReadThread(ctx, args.Channel, args.ThreadTS)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, MessagesResult{Channel: channel, Messages: messages}, nil
}

// SendMessageArgs defines the input for send_slack_message.
type SendMessageArgs struct {
	Channel  string `json:"channel" jsonschema:"Channel name or ID, fuzzy-matched"`
	Text     string `json:"text,omitempty" jsonschema:"Message text to post"`
	ThreadTS string `json:"thread_ts,omitempty" jsonschema:"Head message timestamp to reply into a thread"`
}

// SendMessageResult is the output of send_slack_message.
type SendMessageResult struct {
	Channel slack.Channel `json:"channel"`
	Message slack.Message `json:"message"`
}

func (s *Server) handleSendMessage(ctx context.Context, req *sdkmcp.CallToolRequest, args SendMessageArgs) (*sdkmcp.CallToolResult, any, error) {
	if args.Channel == "" || args.Text == "" {
		return nil, nil, MapError(fmt.Errorf("%w: channel and text are required", feed.ErrInvalidRequest))
	}
	channel, message, err := s.services.Slack.SendMessage(ctx, args.Channel, args.Text, args.ThreadTS)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, SendMessageResult{Channel: channel, Message: message}, nil
}
