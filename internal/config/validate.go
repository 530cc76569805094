package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"wadispatch/internal/pacing"
	logx "wadispatch/pkg/logx"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	case "":
		add(errors.New("storage.driver is required"))
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	_, err = ParseDurationField("storage.retention", cfg.Storage.Retention)
	add(err)
	if cfg.Storage.CompactEvery < 0 {
		add(errors.New("storage.compact_every must be >= 0"))
	}

	if p := strings.TrimSpace(cfg.Dispatch.DefaultProfile); p != "" {
		if _, ok := pacing.ParseProfile(p); !ok {
			add(fmt.Errorf("dispatch.default_profile: unknown profile %q", p))
		}
	}

	if cfg.Drain.BatchSize < 0 || cfg.Drain.TenantWorkers < 0 || cfg.Drain.TenantRatePerMin < 0 || cfg.Drain.MaxTenants < 0 {
		add(errors.New("drain: counts must be >= 0"))
	}
	_, err = ParseDurationField("drain.send_timeout", cfg.Drain.SendTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "log", "dry-run":
	case "webhook", "http":
		add(validURL("transport.webhook.url", cfg.Transport.Webhook.URL))
	case "telegram":
		if strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
			add(errors.New("transport.telegram.token is required"))
		}
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver))
	}
	_, err = ParseDurationField("transport.webhook.timeout", cfg.Transport.Webhook.Timeout)
	add(err)
	_, err = ParseDurationField("transport.webhook.breaker_timeout", cfg.Transport.Webhook.BreakerTimeout)
	add(err)

	_, err = ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	add(err)
	_, err = ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	add(err)

	if u := strings.TrimSpace(cfg.Events.NATSURL); u != "" {
		add(validURL("events.nats_url", u))
	}
	return errors.Join(errs...)
}

func validURL(field, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: %q is not an absolute url", field, raw)
	}
	return nil
}
