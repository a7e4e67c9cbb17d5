package slack_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/quickcall-dev/devpulse/internal/auth"
	"github.com/quickcall-dev/devpulse/internal/feed"
	slacksource "github.com/quickcall-dev/devpulse/internal/source/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticToken(token string) slacksource.TokenFunc {
	return func(ctx context.Context) (string, error) { return token, nil }
}

func newTestSource(t *testing.T, handler http.Handler) *slacksource.Source {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return slacksource.NewWithAPIURL(server.URL+"/", staticToken("xoxb-test"), nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// slackAPI is a minimal fake of the web API endpoints the adapter uses.
type slackAPI struct {
	channels []map[string]any
	history  []map[string]any
	replies  map[string][]map[string]any
	users    map[string]string
}

func (a *slackAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "channels": a.channels})
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "messages": a.history})
	})
	mux.HandleFunc("/conversations.replies", func(w http.ResponseWriter, r *http.Request) {
		ts := r.FormValue("ts")
		writeJSON(w, map[string]any{"ok": true, "messages": a.replies[ts]})
	})
	mux.HandleFunc("/users.info", func(w http.ResponseWriter, r *http.Request) {
		id := r.FormValue("user")
		name, ok := a.users[id]
		if !ok {
			writeJSON(w, map[string]any{"ok": false, "error": "user_not_found"})
			return
		}
		writeJSON(w, map[string]any{"ok": true, "user": map[string]any{
			"id": id, "name": name, "profile": map[string]any{"display_name": name},
		}})
	})
	return mux
}

func channelJSON(id, name string) map[string]any {
	return map[string]any{
		"id": id, "name": name, "is_channel": true,
		"purpose": map[string]any{"value": "team chat"},
	}
}

func msgJSON(user, text, ts string) map[string]any {
	return map[string]any{"type": "message", "user": user, "text": text, "ts": ts}
}

func TestAvailable(t *testing.T) {
	src := slacksource.New(staticToken("xoxb-test"), nil)
	assert.ErrorIs(t, src.Available(context.Background(), feed.Scope{}), feed.ErrNotApplicable)
	assert.NoError(t, src.Available(context.Background(), feed.Scope{Channel: "general"}))

	unauthed := slacksource.New(func(ctx context.Context) (string, error) {
		return "", auth.ErrNotAuthenticated
	}, nil)
	assert.ErrorIs(t,
		unauthed.Available(context.Background(), feed.Scope{Channel: "general"}),
		feed.ErrUnauthenticated)
}

// TestAvailableUsesLocalCheckOnly pins the availability contract: with
// a check installed, Available never resolves a token, so a token func
// that reaches the network stays untouched until Fetch.
func TestAvailableUsesLocalCheckOnly(t *testing.T) {
	tokenCalls := 0
	counting := func(ctx context.Context) (string, error) {
		tokenCalls++
		return "xoxb-remote", nil
	}

	src := slacksource.New(counting, nil,
		slacksource.WithAvailabilityCheck(func(ctx context.Context) error { return nil }))
	require.NoError(t, src.Available(context.Background(), feed.Scope{Channel: "general"}))
	assert.Zero(t, tokenCalls, "availability must not resolve a token")

	denied := slacksource.New(counting, nil,
		slacksource.WithAvailabilityCheck(func(ctx context.Context) error { return auth.ErrNotAuthenticated }))
	assert.ErrorIs(t,
		denied.Available(context.Background(), feed.Scope{Channel: "general"}),
		feed.ErrUnauthenticated)
	assert.Zero(t, tokenCalls)
}

func TestListChannels(t *testing.T) {
	api := &slackAPI{channels: []map[string]any{
		channelJSON("C1", "general"),
		channelJSON("C2", "backend-alerts"),
	}}
	src := newTestSource(t, api.handler())

	channels, err := src.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "general", channels[0].Name)
	assert.Equal(t, "team chat", channels[0].Purpose)
}

func TestResolveChannelFuzzy(t *testing.T) {
	api := &slackAPI{channels: []map[string]any{
		channelJSON("C1", "general"),
		channelJSON("C2", "no-sleep-dev-channel"),
	}}
	src := newTestSource(t, api.handler())

	ch, err := src.ResolveChannel(context.Background(), "no sleep dev")
	require.NoError(t, err)
	assert.Equal(t, "C2", ch.ID)
	assert.Equal(t, "no-sleep-dev-channel", ch.Name)
}

func TestResolveChannelNotFoundListsCandidates(t *testing.T) {
	api := &slackAPI{channels: []map[string]any{
		channelJSON("C1", "general"),
		channelJSON("C2", "random"),
	}}
	src := newTestSource(t, api.handler())

	_, err := src.ResolveChannel(context.Background(), "totally-unrelated-xyz")
	require.ErrorIs(t, err, feed.ErrNotFound)
	var nf *feed.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.NotEmpty(t, nf.Candidates)
}

func TestReadMessagesOldestFirstWithThreads(t *testing.T) {
	// History arrives newest first; the second message heads a thread.
	api := &slackAPI{
		channels: []map[string]any{channelJSON("C1", "general")},
		history: []map[string]any{
			msgJSON("U2", "newest", "1755600100.000000"),
			{
				"type": "message", "user": "U1", "text": "thread head",
				"ts": "1755600000.000000", "thread_ts": "1755600000.000000",
				"reply_count": 1,
			},
		},
		replies: map[string][]map[string]any{
			"1755600000.000000": {
				msgJSON("U1", "thread head", "1755600000.000000"),
				msgJSON("U2", "a reply", "1755600050.000000"),
			},
		},
		users: map[string]string{"U1": "alice", "U2": "bob"},
	}
	src := newTestSource(t, api.handler())

	ch, msgs, err := src.ReadMessages(context.Background(), "general", feed.Window{}, 0)
	require.NoError(t, err)
	assert.Equal(t, "general", ch.Name)
	require.Len(t, msgs, 2)

	head := msgs[0]
	assert.Equal(t, "thread head", head.Text)
	assert.Equal(t, "alice", head.Username)
	require.Len(t, head.Replies, 2)
	assert.Equal(t, "a reply", head.Replies[1].Text)

	assert.Equal(t, "newest", msgs[1].Text)
	assert.Equal(t, time.Unix(1755600100, 0).UTC(), msgs[1].Timestamp)
}

func TestReadThread(t *testing.T) {
	api := &slackAPI{
		channels: []map[string]any{channelJSON("C1", "general")},
		replies: map[string][]map[string]any{
			"1755600000.000000": {
				msgJSON("U1", "head", "1755600000.000000"),
				msgJSON("U2", "reply", "1755600050.000000"),
			},
		},
		users: map[string]string{"U1": "alice", "U2": "bob"},
	}
	src := newTestSource(t, api.handler())

	_, msgs, err := src.ReadThread(context.Background(), "general", "1755600000.000000")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "reply", msgs[1].Text)

	_, _, err = src.ReadThread(context.Background(), "general", "9999999999.000000")
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

func TestSendMessage(t *testing.T) {
	var posted struct {
		channel  string
		text     string
		threadTS string
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "channels": []map[string]any{
			channelJSON("C1", "deploys"),
		}})
	})
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		posted.channel = r.FormValue("channel")
		posted.text = r.FormValue("text")
		posted.threadTS = r.FormValue("thread_ts")
		writeJSON(w, map[string]any{"ok": true, "channel": "C1", "ts": "1755600200.000100"})
	})
	src := newTestSource(t, mux)

	ch, msg, err := src.SendMessage(context.Background(), "deploys", "rollout done", "1755600000.000000")
	require.NoError(t, err)
	assert.Equal(t, "deploys", ch.Name)
	assert.Equal(t, "C1", posted.channel)
	assert.Equal(t, "rollout done", posted.text)
	assert.Equal(t, "1755600000.000000", posted.threadTS)
	assert.Equal(t, "rollout done", msg.Text)
	assert.Equal(t, time.Unix(1755600200, 100000).UTC(), msg.Timestamp)
}

func TestSendMessageUnknownChannel(t *testing.T) {
	api := &slackAPI{channels: []map[string]any{channelJSON("C1", "general")}}
	src := newTestSource(t, api.handler())

	_, _, err := src.SendMessage(context.Background(), "totally-unrelated-xyz", "hi", "")
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

func TestFetchMapsMessagesToRecords(t *testing.T) {
	api := &slackAPI{
		channels: []map[string]any{channelJSON("C1", "general")},
		history: []map[string]any{
			msgJSON("U1", "deploy went out", "1755600000.000000"),
		},
		users: map[string]string{"U1": "alice"},
	}
	src := newTestSource(t, api.handler())

	records, err := src.Fetch(context.Background(), feed.Request{
		Scope: feed.Scope{Channel: "general"},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, feed.ProviderSlack, records[0].Source)
	assert.Equal(t, "alice", records[0].Actor)
	assert.Equal(t, "deploy went out", records[0].Summary)
	assert.Equal(t, time.Unix(1755600000, 0).UTC(), records[0].Timestamp)
}

func TestFetchTruncatesSummaryOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("héllo wörld — ", 20)
	api := &slackAPI{
		channels: []map[string]any{channelJSON("C1", "general")},
		history: []map[string]any{
			msgJSON("U1", long, "1755600000.000000"),
		},
		users: map[string]string{"U1": "alice"},
	}
	src := newTestSource(t, api.handler())

	records, err := src.Fetch(context.Background(), feed.Request{
		Scope: feed.Scope{Channel: "general"},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	summary := records[0].Summary
	assert.True(t, utf8.ValidString(summary), "summary must be valid UTF-8")
	assert.True(t, strings.HasSuffix(summary, "…"))
	assert.Equal(t, 140, len([]rune(summary)))
}

func TestFetchUnauthenticatedToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": false, "error": "invalid_auth"})
	})
	src := newTestSource(t, mux)

	_, err := src.Fetch(context.Background(), feed.Request{Scope: feed.Scope{Channel: "general"}})
	assert.ErrorIs(t, err, feed.ErrUnauthenticated)
}
