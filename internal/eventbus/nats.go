package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	logx "wadispatch/pkg/logx"
)

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// Bridge forwards bus events to NATS subjects "<prefix>.<event type>".
// Plain core NATS publish: no JetStream, no replay.
type Bridge struct {
	pub    Publisher
	nc     *nats.Conn
	prefix string
	log    logx.Logger
}

// ConnectNATS dials the server. The connection retries in the background, so a NATS
// outage never blocks startup.
func ConnectNATS(cfg NATSConfig, log logx.Logger) (*Bridge, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.Name("wadispatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Warn("nats error", logx.Err(err))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b := NewBridge(nc, cfg.SubjectPrefix, log)
	b.nc = nc
	return b, nil
}

// NewBridge wraps any Publisher.
func NewBridge(pub Publisher, prefix string, log logx.Logger) *Bridge {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "wadispatch"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{pub: pub, prefix: prefix, log: log}
}

// Subject returns the NATS subject for an event type.
func (b *Bridge) Subject(eventType string) string { return b.prefix + "." + eventType }

// Run forwards events until ctx is done or the subscription is closed.
func (b *Bridge) Run(ctx context.Context, bus Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			b.forward(e)
		}
	}
}

func (b *Bridge) forward(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.log.Debug("nats bridge encode failed", logx.String("type", e.Type), logx.Err(err))
		return
	}
	if err := b.pub.Publish(b.Subject(e.Type), data); err != nil {
		b.log.Debug("nats bridge publish failed", logx.String("type", e.Type), logx.Err(err))
	}
}

// Close drains the owned connection, if any.
func (b *Bridge) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
