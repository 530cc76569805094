package transport

import (
	"fmt"
	"strings"
	"time"

	"wadispatch/internal/transport/telegram"
	"wadispatch/internal/transport/webhook"
	logx "wadispatch/pkg/logx"
)

// Config selects and configures the delivery adapter.
type Config struct {
	Driver   string // log (default) | webhook | telegram
	Webhook  webhook.Config
	Telegram telegram.Config
}

// Open builds the configured Sender.
func Open(cfg Config, log logx.Logger) (Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log", "dry-run", "dryrun":
		return NewLogSender(log), nil
	case "webhook", "http":
		if cfg.Webhook.Timeout <= 0 {
			cfg.Webhook.Timeout = 10 * time.Second
		}
		return webhook.New(cfg.Webhook, log)
	case "telegram":
		return telegram.New(cfg.Telegram, log)
	default:
		return nil, fmt.Errorf("unknown transport driver: %s", cfg.Driver)
	}
}
