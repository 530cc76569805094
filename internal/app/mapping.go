package app

import (
	"strings"
	"time"

	"wadispatch/internal/config"
	"wadispatch/internal/dispatch"
	"wadispatch/internal/eventbus"
	"wadispatch/internal/pacing"
	"wadispatch/internal/storage"
	"wadispatch/internal/transport"
	"wadispatch/internal/transport/telegram"
	"wadispatch/internal/transport/webhook"
	logx "wadispatch/pkg/logx"
)

// The map* helpers translate validated file config into component configs.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("storage.retention", sc.Retention, 30*24*time.Hour)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		CompactEvery: sc.CompactEvery,
		Retention:    retention,
	}, nil
}

func mapTransportConfig(cfg *config.Config) (transport.Config, error) {
	tc := cfg.Transport
	timeout, err := config.ParseDurationOrDefault("transport.webhook.timeout", tc.Webhook.Timeout, 10*time.Second)
	if err != nil {
		return transport.Config{}, err
	}
	breakerTimeout, err := config.ParseDurationOrDefault("transport.webhook.breaker_timeout", tc.Webhook.BreakerTimeout, 30*time.Second)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		Driver: tc.Driver,
		Webhook: webhook.Config{
			URL:             strings.TrimSpace(tc.Webhook.URL),
			Token:           tc.Webhook.Token,
			Timeout:         timeout,
			BreakerFailures: tc.Webhook.BreakerFailures,
			BreakerTimeout:  breakerTimeout,
		},
		Telegram: telegram.Config{
			Token:     tc.Telegram.Token,
			APIURL:    tc.Telegram.APIURL,
			ParseMode: tc.Telegram.ParseMode,
		},
	}, nil
}

func mapDrainConfig(cfg *config.Config) (dispatch.DrainConfig, error) {
	dc := cfg.Drain
	timeout, err := config.ParseDurationOrDefault("drain.send_timeout", dc.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.DrainConfig{}, err
	}
	return dispatch.DrainConfig{
		Schedule:            strings.TrimSpace(dc.Schedule),
		BatchSize:           dc.BatchSize,
		MaxTenants:          dc.MaxTenants,
		TenantWorkers:       dc.TenantWorkers,
		TenantRatePerMinute: dc.TenantRatePerMin,
		SendTimeout:         timeout,
	}, nil
}

func mapDefaultProfile(cfg *config.Config) pacing.Profile {
	p, _ := pacing.ParseProfile(cfg.Dispatch.DefaultProfile)
	return p
}

func mapNATSConfig(cfg *config.Config) (eventbus.NATSConfig, bool) {
	url := strings.TrimSpace(cfg.Events.NATSURL)
	return eventbus.NATSConfig{URL: url, SubjectPrefix: cfg.Events.SubjectPrefix}, url != ""
}
