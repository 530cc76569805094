package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "wadispatch/pkg/logx"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		chat    int64
		thread  int
		wantErr bool
	}{
		{in: "12345", chat: 12345},
		{in: " -100987:42 ", chat: -100987, thread: 42},
		{in: "628111abc", wantErr: true},
		{in: "0", wantErr: true},
		{in: "1:x", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		chat, thread, err := parseTarget(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.chat, chat)
		assert.Equal(t, tt.thread, thread)
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitTelegramText("short", 10, ""))

	long := strings.Repeat("a", 25)
	parts := splitTelegramText(long, 10, "")
	assert.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)}, parts)

	lines := "aaaaaaa\nbbbbbbb\nccc"
	parts = splitTelegramText(lines, 10, "")
	assert.Equal(t, []string{"aaaaaaa", "bbbbbbb", "ccc"}, parts)

	html := "aaaaaaaa<b>x</b>"
	parts = splitTelegramText(html, 10, "HTML")
	require.NotEmpty(t, parts)
	assert.Equal(t, "aaaaaaaa", parts[0], "a tag is never cut in half")
	assert.Equal(t, html, strings.Join(parts, ""))
}

func TestSendUsesBotAPI(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/sendMessage"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77,"date":1700000000,"chat":{"id":12345,"type":"private"}}}`))
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", APIURL: srv.URL, Offline: true}, logx.Nop())
	require.NoError(t, err)

	meta, err := s.Send(context.Background(), "c1", "12345", "hello")
	require.NoError(t, err)
	assert.Equal(t, 77, meta["message_id"])
	assert.Equal(t, 1, meta["parts"])
	assert.Equal(t, int32(1), calls.Load())

	_, err = s.Send(context.Background(), "c1", "not-a-chat", "hello")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Offline: true}, logx.Nop())
	assert.Error(t, err)
}
