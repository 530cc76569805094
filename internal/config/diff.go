package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wadispatch/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and returns
// log-safe fields describing the new values. Secrets are reported as *_set flags only.
//
// restart lists changed sections that only take effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.default_profile", newCfg.Dispatch.DefaultProfile),
			logx.Bool("dispatch.immediate", newCfg.Dispatch.Immediate),
		)
	}

	od, nd := oldCfg.Drain, newCfg.Drain
	if od.IsEnabled() != nd.IsEnabled() || strings.TrimSpace(od.Schedule) != strings.TrimSpace(nd.Schedule) {
		restart = append(restart, "drain")
	}
	od.Enabled, nd.Enabled = nil, nil
	if oldCfg.Drain.IsEnabled() != newCfg.Drain.IsEnabled() || od != nd {
		changed = append(changed, "drain")
		attrs = append(attrs,
			logx.Bool("drain.enabled", newCfg.Drain.IsEnabled()),
			logx.String("drain.schedule", newCfg.Drain.Schedule),
			logx.Int("drain.batch_size", newCfg.Drain.BatchSize),
			logx.Int("drain.tenant_workers", newCfg.Drain.TenantWorkers),
			logx.Int("drain.tenant_rate_per_min", newCfg.Drain.TenantRatePerMin),
			logx.String("drain.send_timeout", newCfg.Drain.SendTimeout),
		)
	}

	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		restart = append(restart, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", newCfg.Transport.Driver),
			logx.Bool("transport.webhook_token_set", newCfg.Transport.Webhook.Token != ""),
			logx.Bool("transport.telegram_token_set", newCfg.Transport.Telegram.Token != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		restart = append(restart, "events")
		attrs = append(attrs,
			logx.Bool("events.nats_set", newCfg.Events.NATSURL != ""),
			logx.String("events.subject_prefix", newCfg.Events.SubjectPrefix),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
