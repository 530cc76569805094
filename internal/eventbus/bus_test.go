package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "wadispatch/pkg/logx"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeEntrySent, ClientID: "c1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, TypeEntrySent, e.Type)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})
	unsub()
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "three"})

	var got []string
	for e := range ch {
		got = append(got, e.Type)
	}
	assert.Equal(t, []string{"one"}, got)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func TestBridgeForwardsToSubjects(t *testing.T) {
	t.Parallel()
	bus := New()
	pub := &recordingPublisher{}
	br := NewBridge(pub, ".events.", logx.Nop())
	assert.Equal(t, "events.run.status", br.Subject(TypeRunStatus))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- br.Run(ctx, bus) }()

	// Run subscribes asynchronously; publish until the first event lands.
	require.Eventually(t, func() bool {
		bus.Publish(Event{Type: TypeRunStatus, ClientID: "c1", Data: RunEvent{RunID: "r1", To: "done"}})
		return pub.count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "events.run.status", pub.subjects[0])
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, "c1", decoded["client_id"])
	assert.Equal(t, "r1", decoded["data"].(map[string]any)["run_id"])
}

func TestNopBus(t *testing.T) {
	t.Parallel()
	b := Nop()
	b.Publish(Event{Type: "x"})
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
}
