package config

// Config is the daemon configuration file (JSON or YAML).
//
// Every duration is a Go duration string ("500ms", "10s", "1m"). String values may
// reference the environment as ${NAME}; see Parse.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Drain     DrainConfig     `json:"drain"`
	Transport TransportConfig `json:"transport"`
	HTTP      HTTPConfig      `json:"http"`
	Events    EventsConfig    `json:"events"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the outbox backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/outbox.sqlite" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
//	"storage": { "driver": "file", "path": "./data/outbox" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres only (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// CompactEvery is the journal length after which the file backend rewrites its snapshot.
	CompactEvery int `json:"compact_every,omitempty"`
	// Retention bounds how long the file backend keeps resolved entries and finished
	// runs. Default "720h".
	Retention string `json:"retention,omitempty"`
}

type DispatchConfig struct {
	// DefaultProfile applies when a campaign request names none. Defaults to "safe".
	DefaultProfile string `json:"default_profile,omitempty"`
	// Immediate drains a tenant synchronously after an enqueue produced due entries.
	Immediate bool `json:"immediate,omitempty"`
}

// DrainConfig controls the background drain loop.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - schedule: "@every 5s"
//   - batch_size: 50
//   - tenant_workers: 4
//   - tenant_rate_per_min: 0 (unlimited)
//   - send_timeout: "30s"
type DrainConfig struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	Schedule         string `json:"schedule,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	MaxTenants       int    `json:"max_tenants,omitempty"`
	TenantWorkers    int    `json:"tenant_workers,omitempty"`
	TenantRatePerMin int    `json:"tenant_rate_per_min,omitempty"`
	SendTimeout      string `json:"send_timeout,omitempty"`
}

// IsEnabled treats an omitted flag as true.
func (d DrainConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

type TransportConfig struct {
	// Driver is "log" (dry run, default), "webhook" or "telegram".
	Driver   string         `json:"driver,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type WebhookConfig struct {
	URL             string `json:"url"`
	Token           string `json:"token,omitempty"` // bearer token (do not log)
	Timeout         string `json:"timeout,omitempty"`
	BreakerFailures uint32 `json:"breaker_failures,omitempty"`
	BreakerTimeout  string `json:"breaker_timeout,omitempty"`
}

type TelegramConfig struct {
	Token     string `json:"token"` // do not log
	APIURL    string `json:"api_url,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// HTTPConfig controls the operator API.
//
// Security note: bind to localhost unless Token is set.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token        string `json:"token,omitempty"` // optional bearer token (do not log)
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

// EventsConfig enables the NATS bridge. An empty NATSURL keeps events in-process.
type EventsConfig struct {
	NATSURL       string `json:"nats_url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}
