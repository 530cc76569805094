package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/outbox.sqlite", "busy_timeout": "3s"},
  "dispatch": {"default_profile": "balanced"},
  "drain": {"schedule": "@every 10s", "batch_size": 20, "tenant_rate_per_min": 30, "send_timeout": "15s"},
  "transport": {"driver": "webhook", "webhook": {"url": "${WADISPATCH_TEST_GATEWAY}/send", "token": "${WADISPATCH_TEST_TOKEN}"}},
  "http": {"enabled": true, "addr": "127.0.0.1:8080"},
  "events": {"nats_url": "nats://127.0.0.1:4222"}
}`

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/outbox.sqlite
  busy_timeout: 3s
dispatch:
  default_profile: balanced
drain:
  schedule: "@every 10s"
  batch_size: 20
  tenant_rate_per_min: 30
  send_timeout: 15s
transport:
  driver: webhook
  webhook:
    url: ${WADISPATCH_TEST_GATEWAY}/send
    token: ${WADISPATCH_TEST_TOKEN}
http:
  enabled: true
  addr: 127.0.0.1:8080
events:
  nats_url: nats://127.0.0.1:4222
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Setenv("WADISPATCH_TEST_GATEWAY", "http://gw.local")
	t.Setenv("WADISPATCH_TEST_TOKEN", `s3cr$t"x`)

	fromJSON, err := NewManager(writeFile(t, "config.json", sampleJSON)).Load()
	require.NoError(t, err)
	fromYAML, err := NewManager(writeFile(t, "config.yaml", sampleYAML)).Load()
	require.NoError(t, err)

	assert.Equal(t, fromJSON, fromYAML)
	assert.Equal(t, "http://gw.local/send", fromJSON.Transport.Webhook.URL)
	assert.Equal(t, `s3cr$t"x`, fromJSON.Transport.Webhook.Token)
	assert.Equal(t, 30, fromJSON.Drain.TenantRatePerMin)
	assert.True(t, fromJSON.Drain.IsEnabled())
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"storage": {"driver": "file", "path": "x", "pathh": "y"}}`))
	assert.Error(t, err)

	_, err = Decode("c.yaml", []byte("storage:\n  driver: file\nplugins: {}\n"))
	assert.Error(t, err)

	_, err = Decode("c.json", []byte(`{"storage": {"driver": "file", "path": "x"}} {}`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{Storage: StorageConfig{Driver: "file", Path: "./data/outbox"}}
	}
	require.NoError(t, Validate(valid()))

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing driver", func(c *Config) { c.Storage.Driver = "" }, "storage.driver is required"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "unknown driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad profile", func(c *Config) { c.Dispatch.DefaultProfile = "yolo" }, "default_profile"},
		{"bad duration", func(c *Config) { c.Drain.SendTimeout = "soon" }, "drain.send_timeout"},
		{"negative duration", func(c *Config) { c.Storage.BusyTimeout = "-1s" }, ">= 0"},
		{"webhook without url", func(c *Config) { c.Transport.Driver = "webhook" }, "transport.webhook.url"},
		{"relative webhook url", func(c *Config) {
			c.Transport.Driver = "webhook"
			c.Transport.Webhook.URL = "/send"
		}, "absolute"},
		{"telegram without token", func(c *Config) { c.Transport.Driver = "telegram" }, "telegram.token"},
		{"unknown transport", func(c *Config) { c.Transport.Driver = "smoke-signal" }, "transport.driver"},
		{"negative batch", func(c *Config) { c.Drain.BatchSize = -1 }, "drain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := Validate(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOrDefault("x", " 250ms ", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationOrDefault("x", "abc", time.Second)
	assert.Error(t, err)
	assert.Equal(t, time.Second, MustDuration("abc", time.Second))
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"storage": {"driver": "file", "path": "a"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	changed, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte(`{"storage": {"driver": "file", "path": "a"}, "drain": {"batch_size": 7}}`), 0o600))
	changed, err = m.Reload(ctx)
	require.NoError(t, err)
	require.True(t, changed)
	select {
	case cfg := <-ch:
		assert.Equal(t, 7, cfg.Drain.BatchSize)
	default:
		t.Fatal("no config published")
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"storage": {"driver": "mongo", "path": "a"}}`), 0o600))
	_, err = m.Reload(ctx)
	assert.Error(t, err)
	assert.Equal(t, 7, m.Get().Drain.BatchSize, "rejected config is not committed")
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Storage: StorageConfig{Driver: "file", Path: "a"}}
	newCfg := &Config{
		Storage:  StorageConfig{Driver: "file", Path: "a"},
		Logging:  LoggingConfig{Level: "debug"},
		Drain:    DrainConfig{TenantRatePerMin: 10},
		HTTP:     HTTPConfig{Enabled: true, Token: "secret"},
		Dispatch: DispatchConfig{Immediate: true},
	}
	changed, attrs, restart := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"dispatch", "drain", "http", "logging"}, changed)
	assert.Equal(t, []string{"http"}, restart)
	assert.NotEmpty(t, attrs)

	changed, _, restart = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, restart)
}
