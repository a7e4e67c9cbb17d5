// Package slack implements the Slack feed adapter: channel listing,
// fuzzy channel resolution, message history, and thread reads on top of
// the slack-go client.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/quickcall-dev/devpulse/internal/auth"
	"github.com/quickcall-dev/devpulse/internal/feed"
)

// TokenFunc yields the Slack bot token for a call. Resolved per call
// because workspace tokens can be refreshed remotely. Return
// auth.ErrNotAuthenticated when no token is configured.
type TokenFunc func(ctx context.Context) (string, error)

const (
	historyLimit = 100
	repliesLimit = 100
	channelLimit = 1000
)

// Source is the Slack feed adapter.
type Source struct {
	token  TokenFunc
	check  func(ctx context.Context) error
	apiURL string
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]string
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

func New(token TokenFunc, logger *slog.Logger, opts ...Option) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Source{token: token, logger: logger, users: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewWithAPIURL points the adapter at a custom API base URL. Intended
// for httptest servers; the URL must end with a slash.
func NewWithAPIURL(apiURL string, token TokenFunc, logger *slog.Logger, opts ...Option) *Source {
	s := New(token, logger, opts...)
	s.apiURL = apiURL
	return s
}

func (s *Source) Provider() feed.Provider { return feed.ProviderSlack }

// Available checks that a channel is in scope and a credential path
// exists. The availability check never touches the network; a token
// that turns out to be unusable fails at Fetch time instead.
func (s *Source) Available(ctx context.Context, scope feed.Scope) error {
	if scope.Channel == "" {
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

func (s *Source) client(ctx context.Context) (*goslack.Client, error) {
	token, err := s.token(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthenticated) {
			return nil, feed.ErrUnauthenticated
		}
		return nil, err
	}
	opts := []goslack.Option{}
	if s.apiURL != "" {
		opts = append(opts, goslack.OptionAPIURL(s.apiURL))
	}
	return goslack.New(token, opts...), nil
}

// Channel is the listing projection.
type Channel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Purpose  string `json:"purpose,omitempty"`
	Members  int    `json:"members,omitempty"`
	Archived bool   `json:"archived,omitempty"`
}

// ListChannels lists channels the bot can see.
func (s *Source) ListChannels(ctx context.Context) ([]Channel, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	channels, err := s.allChannels(ctx, client)
	if err != nil {
		return nil, err
	}
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, Channel{
			ID:       ch.ID,
			Name:     ch.Name,
			Purpose:  ch.Purpose.Value,
			Members:  ch.NumMembers,
			Archived: ch.IsArchived,
		})
	}
	return out, nil
}

func (s *Source) allChannels(ctx context.Context, client *goslack.Client) ([]goslack.Channel, error) {
	params := &goslack.GetConversationsParameters{
		Types:           []string{"public_channel", "private_channel"},
		ExcludeArchived: true,
		Limit:           200,
	}
	var all []goslack.Channel
	for {
		channels, cursor, err := client.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, classify(err)
		}
		all = append(all, channels...)
		if cursor == "" || len(all) >= channelLimit {
			return all, nil
		}
		params.Cursor = cursor
	}
}

// ResolveChannel maps a human channel reference ("no sleep dev") to a
// concrete channel. An unresolvable reference fails with the closest
// candidates attached.
func (s *Source) ResolveChannel(ctx context.Context, query string) (Channel, error) {
	client, err := s.client(ctx)
	if err != nil {
		return Channel{}, err
	}
	return s.resolveChannel(ctx, client, query)
}

func (s *Source) resolveChannel(ctx context.Context, client *goslack.Client, query string) (Channel, error) {
	channels, err := s.allChannels(ctx, client)
	if err != nil {
		return Channel{}, err
	}
	names := make([]string, len(channels))
	byName := make(map[string]goslack.Channel, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name
		byName[ch.Name] = ch
	}

	query = strings.TrimPrefix(strings.TrimSpace(query), "#")
	name, candidates, ok := matchChannel(query, names)
	if !ok {
		return Channel{}, &feed.NotFoundError{
			What:       fmt.Sprintf("channel matching %q", query),
			Candidates: candidates,
		}
	}
	ch := byName[name]
	return Channel{ID: ch.ID, Name: ch.Name, Purpose: ch.Purpose.Value, Members: ch.NumMembers}, nil
}

// Message is a channel message, with thread replies attached when the
// message heads a thread.
type Message struct {
	User       string    `json:"user"`
	Username   string    `json:"username,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	ThreadTS   string    `json:"thread_ts,omitempty"`
	ReplyCount int       `json:"reply_count,omitempty"`
	Replies    []Message `json:"replies,omitempty"`
}

// ReadMessages returns messages in the window for the (fuzzily
// resolved) channel, oldest first. Thread heads include their replies.
func (s *Source) ReadMessages(ctx context.Context, channelQuery string, w feed.Window, limit int) (Channel, []Message, error) {
	client, err := s.client(ctx)
	if err != nil {
		return Channel{}, nil, err
	}
	ch, err := s.resolveChannel(ctx, client, channelQuery)
	if err != nil {
		return Channel{}, nil, err
	}
	msgs, err := s.history(ctx, client, ch.ID, w, limit)
	if err != nil {
		return Channel{}, nil, err
	}
	return ch, msgs, nil
}

func (s *Source) history(ctx context.Context, client *goslack.Client, channelID string, w feed.Window, limit int) ([]Message, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	params := &goslack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Limit:     limit,
	}
	if !w.Start.IsZero() {
		params.Oldest = timeToTS(w.Start)
	}
	if !w.End.IsZero() {
		params.Latest = timeToTS(w.End)
	}

	resp, err := client.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	// History arrives newest first; present oldest first.
	msgs := make([]Message, 0, len(resp.Messages))
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		msg := s.toMessage(ctx, client, m.Msg)
		if m.ReplyCount > 0 && m.ThreadTimestamp == m.Timestamp {
			replies, err := s.replies(ctx, client, channelID, m.Timestamp)
			if err != nil {
				s.logger.Warn("fetching thread replies", "thread", m.Timestamp, "error", err)
			} else {
				msg.Replies = replies
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ReadThread returns the full thread for a head message timestamp.
func (s *Source) ReadThread(ctx context.Context, channelQuery, threadTS string) (Channel, []Message, error) {
	client, err := s.client(ctx)
	if err != nil {
		return Channel{}, nil, err
	}
	ch, err := s.resolveChannel(ctx, client, channelQuery)
	if err != nil {
		return Channel{}, nil, err
	}
	head, err := s.replies(ctx, client, ch.ID, threadTS)
	if err != nil {
		return Channel{}, nil, err
	}
	if len(head) == 0 {
		return Channel{}, nil, &feed.NotFoundError{What: fmt.Sprintf("thread %s in #%s", threadTS, ch.Name)}
	}
	return ch, head, nil
}

// SendMessage posts text to a (fuzzily resolved) channel. A non-empty
// threadTS posts into that thread instead of the channel top level.
func (s *Source) SendMessage(ctx context.Context, channelQuery, text, threadTS string) (Channel, Message, error) {
	client, err := s.client(ctx)
	if err != nil {
		return Channel{}, Message{}, err
	}
	ch, err := s.resolveChannel(ctx, client, channelQuery)
	if err != nil {
		return Channel{}, Message{}, err
	}

	opts := []goslack.MsgOption{goslack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}
	_, ts, err := client.PostMessageContext(ctx, ch.ID, opts...)
	if err != nil {
		return Channel{}, Message{}, classify(err)
	}
	return ch, Message{
		Text:      text,
		Timestamp: tsToTime(ts),
		ThreadTS:  threadTS,
	}, nil
}

// replies returns the whole thread including the head message.
func (s *Source) replies(ctx context.Context, client *goslack.Client, channelID, threadTS string) ([]Message, error) {
	params := &goslack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     repliesLimit,
	}
	msgs, _, _, err := client.GetConversationRepliesContext(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.toMessage(ctx, client, m.Msg))
	}
	return out, nil
}

func (s *Source) toMessage(ctx context.Context, client *goslack.Client, m goslack.Msg) Message {
	return Message{
		User:       m.User,
		Username:   s.username(ctx, client, m.User),
		Text:       m.Text,
		Timestamp:  tsToTime(m.Timestamp),
		ThreadTS:   m.ThreadTimestamp,
		ReplyCount: m.ReplyCount,
	}
}

// username resolves a user ID to a display name, cached for the life of
// the adapter. Lookup failures fall back to the raw ID.
func (s *Source) username(ctx context.Context, client *goslack.Client, userID string) string {
	if userID == "" {
		return ""
	}
	s.mu.Lock()
	if name, ok := s.users[userID]; ok {
		s.mu.Unlock()
		return name
	}
	s.mu.Unlock()

	user, err := client.GetUserInfoContext(ctx, userID)
	name := userID
	if err == nil {
		switch {
		case user.Profile.DisplayName != "":
			name = user.Profile.DisplayName
		case user.RealName != "":
			name = user.RealName
		case user.Name != "":
			name = user.Name
		}
	}
	s.mu.Lock()
	s.users[userID] = name
	s.mu.Unlock()
	return name
}

type messageDetail struct {
	Channel    string `json:"channel"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	ReplyCount int    `json:"reply_count,omitempty"`
}

// Fetch maps channel messages in the window to feed records.
func (s *Source) Fetch(ctx context.Context, req feed.Request) ([]feed.Record, error) {
	client, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := s.resolveChannel(ctx, client, req.Scope.Channel)
	if err != nil {
		return nil, err
	}
	msgs, err := s.history(ctx, client, ch.ID, req.Window, 0)
	if err != nil {
		return nil, err
	}

	records := make([]feed.Record, 0, len(msgs))
	for _, m := range msgs {
		detail, _ := json.Marshal(messageDetail{
			Channel:    ch.Name,
			ThreadTS:   m.ThreadTS,
			ReplyCount: m.ReplyCount,
		})
		actor := m.Username
		if actor == "" {
			actor = m.User
		}
		records = append(records, feed.Record{
			Source:    feed.ProviderSlack,
			Timestamp: m.Timestamp,
			Actor:     actor,
			Summary:   summarize(m.Text),
			Detail:    detail,
		})
	}
	return records, nil
}

const summaryLimit = 140

// summarize collapses whitespace and truncates on a rune boundary so
// multi-byte text never yields an invalid UTF-8 summary.
func summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > summaryLimit {
		return string(runes[:summaryLimit-1]) + "…"
	}
	return text
}

// classify maps slack-go errors onto the shared failure taxonomy. The
// Slack web API reports most failures as error strings on a 200.
func classify(err error) error {
	var rle *goslack.RateLimitedError
	if errors.As(err, &rle) {
		return &feed.RateLimitError{ResetAt: time.Now().Add(rle.RetryAfter)}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "invalid_auth"),
		strings.Contains(msg, "not_authed"),
		strings.Contains(msg, "token_revoked"),
		strings.Contains(msg, "account_inactive"):
		return feed.ErrUnauthenticated
	case strings.Contains(msg, "channel_not_found"),
		strings.Contains(msg, "thread_not_found"):
		return &feed.NotFoundError{What: "Slack channel"}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", feed.ErrTransient, err)
	}
}

// Slack timestamps are "seconds.microseconds" strings.
func timeToTS(t time.Time) string {
	return fmt.Sprintf("%d.000000", t.Unix())
}

func tsToTime(ts string) time.Time {
	secs, micros, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if micros != "" {
		usec, _ = strconv.ParseInt(micros, 10, 64)
	}
	return time.Unix(sec, usec*1000).UTC()
}
