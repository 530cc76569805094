package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "wadispatch/pkg/logx"
)

func TestSendPostsPayload(t *testing.T) {
	t.Parallel()
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"wamid.1"}`))
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL, Token: "secret"}, logx.Nop())
	require.NoError(t, err)

	meta, err := s.Send(context.Background(), "c1", "628111", "hello")
	require.NoError(t, err)
	assert.Equal(t, payload{ClientID: "c1", To: "628111", Message: "hello"}, got)
	assert.Equal(t, "wamid.1", meta["message_id"])
	assert.Equal(t, http.StatusOK, meta["http_status"])
}

func TestSendNon2xxIsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "number not on whatsapp", http.StatusBadRequest)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "c1", "628111", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "number not on whatsapp")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL, BreakerFailures: 2, BreakerTimeout: time.Hour}, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Send(ctx, "c1", "1", "x")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, "open", s.State())

	_, err = s.Send(ctx, "c1", "1", "x")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load(), "open breaker does not reach the gateway")
}

func TestRecipientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "number not on whatsapp", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL, BreakerFailures: 2, BreakerTimeout: time.Hour}, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Send(ctx, "c1", "1", "x")
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	}
	assert.Equal(t, "closed", s.State())
	assert.Equal(t, int32(5), calls.Load())
}

func TestRecipientFault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, recipientFault(&StatusError{Code: tt.code}), tt.code)
	}
	assert.False(t, recipientFault(context.DeadlineExceeded))
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
}
