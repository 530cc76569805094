// Package eventbus carries best-effort lifecycle notifications (entry enqueued, sent,
// failed, canceled, run status changes) from the dispatch services to observers.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// The bus is never a delivery path: losing an event never loses a message.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeEntryEnqueued = "outbox.enqueued"
	TypeEntrySent     = "outbox.sent"
	TypeEntryFailed   = "outbox.failed"
	TypeEntryCanceled = "outbox.canceled"
	TypeRunStatus     = "run.status"
)

// Event is a small, JSON-serializable signal.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	ClientID string    `json:"client_id"`
	Data     any       `json:"data,omitempty"`
}

// EntryEvent is the Data of the outbox.* events.
type EntryEvent struct {
	EntryID    string `json:"entry_id"`
	To         string `json:"to,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Count      int    `json:"count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunEvent is the Data of run.status events.
type RunEvent struct {
	RunID      string `json:"run_id"`
	CampaignID string `json:"campaign_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	LastError  string `json:"last_error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything; Subscribe returns a channel that is closed on unsubscribe.
func Nop() Bus { return nopBus{} }

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
