package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wadispatch/internal/outbox"
	"wadispatch/internal/transport/webhook"
	logx "wadispatch/pkg/logx"
)

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	s, err = Open(Config{Driver: "webhook", Webhook: webhook.Config{URL: "http://127.0.0.1:1/send"}}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &webhook.Sender{}, s)

	_, err = Open(Config{Driver: "webhook"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "pigeon"}, logx.Nop())
	assert.Error(t, err)
}

func TestLogSender(t *testing.T) {
	t.Parallel()
	s := NewLogSender(logx.Nop())
	meta, err := s.Send(context.Background(), "c1", "628111", "hi")
	require.NoError(t, err)
	assert.Equal(t, true, meta["dry_run"])
	assert.Equal(t, uint64(1), s.Sent())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Send(ctx, "c1", "628111", "hi")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSenderFunc(t *testing.T) {
	t.Parallel()
	var got string
	var s Sender = SenderFunc(func(_ context.Context, _, to, _ string) (outbox.DeliveryMeta, error) {
		got = to
		return nil, nil
	})
	_, err := s.Send(context.Background(), "c1", "x", "m")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}
