package transport

import (
	"context"
	"sync/atomic"

	"wadispatch/internal/outbox"
	logx "wadispatch/pkg/logx"
)

// LogSender is a dry-run transport: it logs every message and reports success.
type LogSender struct {
	log  logx.Logger
	sent atomic.Uint64
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, clientID, to, message string) (outbox.DeliveryMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.sent.Add(1)
	s.log.Info("dry-run send",
		logx.String("client_id", clientID),
		logx.String("to", to),
		logx.Int("chars", len([]rune(message))),
	)
	return outbox.DeliveryMeta{"dry_run": true, "seq": n}, nil
}

// Sent returns the number of messages accepted so far.
func (s *LogSender) Sent() uint64 { return s.sent.Load() }
