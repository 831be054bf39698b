package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBotAPI answers getMe and replays canned sendMessage replies in order.
type fakeBotAPI struct {
	mu      sync.Mutex
	replies []string
	sent    []map[string]string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"relay","username":"otp_relay_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sent = append(f.sent, map[string]string{
			"chat_id":    r.PostForm.Get("chat_id"),
			"text":       r.PostForm.Get("text"),
			"parse_mode": r.PostForm.Get("parse_mode"),
		})
		reply := `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-1001,"type":"supergroup"}}}`
		if len(f.replies) > 0 {
			reply, f.replies = f.replies[0], f.replies[1:]
		}
		fmt.Fprint(w, reply)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBotAPI) messages() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.sent...)
}

func newTestTelegram(t *testing.T, chatID string, replies ...string) (*Telegram, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{replies: replies}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	tg, err := NewTelegramWithEndpoint("123:abc", chatID, srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)
	return tg, api
}

func TestTelegramSendSuccess(t *testing.T) {
	tg, api := newTestTelegram(t, "-1001")
	assert.Equal(t, "otp_relay_bot", tg.BotName())

	res := tg.Send(context.Background(), "<b>hello</b>")
	assert.Equal(t, Success, res.Status)
	assert.NoError(t, res.Err)

	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "-1001", sent[0]["chat_id"])
	assert.Equal(t, "<b>hello</b>", sent[0]["text"])
	assert.Equal(t, "HTML", sent[0]["parse_mode"])
}

func TestTelegramSendToChannel(t *testing.T) {
	tg, api := newTestTelegram(t, "@otpchannel")

	res := tg.Send(context.Background(), "hi")
	assert.Equal(t, Success, res.Status)
	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "@otpchannel", sent[0]["chat_id"])
}

func TestTelegramSendRateLimited(t *testing.T) {
	tg, _ := newTestTelegram(t, "-1001",
		`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`)

	res := tg.Send(context.Background(), "hi")
	assert.Equal(t, RateLimited, res.Status)
	assert.Equal(t, 7*time.Second, res.RetryAfter)
	assert.False(t, res.Permanent)
	assert.Error(t, res.Err)
}

func TestTelegramSendPermanentFailure(t *testing.T) {
	tg, _ := newTestTelegram(t, "-1001",
		`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)

	res := tg.Send(context.Background(), "<b>broken")
	assert.Equal(t, Failure, res.Status)
	assert.True(t, res.Permanent)
}

func TestTelegramSendServerErrorIsTransient(t *testing.T) {
	tg, _ := newTestTelegram(t, "-1001",
		`{"ok":false,"error_code":502,"description":"Bad Gateway"}`)

	res := tg.Send(context.Background(), "hi")
	assert.Equal(t, Failure, res.Status)
	assert.False(t, res.Permanent)
}

func TestTelegramSendCancelled(t *testing.T) {
	tg, api := newTestTelegram(t, "-1001")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := tg.Send(ctx, "hi")
	assert.Equal(t, Failure, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, api.messages())
}

func TestNewTelegramInvalidChatID(t *testing.T) {
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	_, err := NewTelegramWithEndpoint("123:abc", "not-a-number", srv.URL+"/bot%s/%s", srv.Client())
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"toolongtext", 5, "tool…"},
		{"ñññññ", 3, "ññ…"},
		{"code <code>123</code>", 9, "code …"},
		{"a &amp; b", 5, "a …"},
		{"a &amp; b", 8, "a &amp;…"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := truncate(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "failure", Failure.String())
}
