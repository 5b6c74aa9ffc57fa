package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDecodeYAMLStrict(t *testing.T) {
	t.Parallel()
	y := []byte(`
logging:
  level: debug
storage:
  driver: sqlite
  path: ./data/mkhub.db
notify:
  enabled: true
  poll_schedule: "* * * * *"
`)
	cfg, err := Decode("config.yaml", y)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || !cfg.Notify.Enabled || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}

	if _, err := Decode("config.json", []byte(`{"nope":1}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("config.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestApplyEnvFillsOnlyEmpty(t *testing.T) {
	t.Parallel()
	cfg := &Config{Push: PushConfig{VAPIDPublicKey: "from-file"}}
	ApplyEnv(cfg, envFrom(map[string]string{
		"VAPID_PUBLIC_KEY":            "from-env",
		"VAPID_PRIVATE_KEY":           "priv",
		"GITHUB_TOKEN":                "ghp_x",
		"DISCORD_BOT_TOKEN":           "tok",
		"DISCORD_SCHEDULE_CHANNEL_ID": "123",
	}))
	if cfg.Push.VAPIDPublicKey != "from-file" {
		t.Fatalf("file value overwritten: %q", cfg.Push.VAPIDPublicKey)
	}
	if cfg.Push.VAPIDPrivateKey != "priv" || cfg.Schedule.GitHub.Token != "ghp_x" {
		t.Fatalf("env not applied: %+v", cfg.Push)
	}
	if cfg.Discord == nil || !cfg.Discord.Enabled || cfg.Discord.ScheduleChannelID != "123" {
		t.Fatalf("discord not enabled from env: %+v", cfg.Discord)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"ok memory", Config{Storage: StorageConfig{Driver: "memory"}}, ""},
		{"missing driver", Config{}, "storage.driver is required"},
		{"sqlite no path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"postgres no dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"bad tz", Config{Storage: StorageConfig{Driver: "memory"}, Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"bad duration", Config{Storage: StorageConfig{Driver: "memory"}, Push: PushConfig{TTL: "soon"}}, "push.ttl"},
		{"redis no url", Config{Storage: StorageConfig{Driver: "memory"}, Ledger: LedgerConfig{Driver: "redis"}}, "ledger.redis_url"},
		{"mqtt qos", Config{Storage: StorageConfig{Driver: "memory"}, MQTT: &MQTTConfig{Enabled: true, Broker: "tcp://x:1883", QoS: 3}}, "mqtt.qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Push: PushConfig{VAPIDPrivateKey: "a"}}
	newCfg := &Config{Push: PushConfig{VAPIDPrivateKey: "b"}, Storage: StorageConfig{Driver: "sqlite"}}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "push,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestResolveDurations(t *testing.T) {
	t.Parallel()
	d, err := ResolveDurations(&Config{})
	if err != nil {
		t.Fatal(err)
	}
	if d.FlushDelay != DefaultFlushDelay || d.CacheTTL != DefaultCacheTTL || d.PollTimeout != DefaultPollTimeout || d.TelegramPoll != DefaultTelegramPoll {
		t.Fatalf("defaults: %+v", d)
	}

	cfg := &Config{Schedule: ScheduleConfig{FlushDelay: "250ms", CacheTTL: "0s"}, Telegram: &TelegramConfig{PollTimeout: "30s"}}
	d, err = ResolveDurations(cfg)
	if err != nil || d.FlushDelay != 250*time.Millisecond || d.CacheTTL != DefaultCacheTTL || d.TelegramPoll != 30*time.Second {
		t.Fatalf("explicit: %+v %v", d, err)
	}

	cfg = &Config{Notify: NotifyConfig{PollTimeout: "-1s"}, Push: PushConfig{TTL: "soon"}}
	_, err = ResolveDurations(cfg)
	if err == nil || !strings.Contains(err.Error(), "notify.poll_timeout") || !strings.Contains(err.Error(), "push.ttl") {
		t.Fatalf("want both fields reported, got %v", err)
	}
}

func TestDecodeYAMLKeys(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("mkhub.yml", nil)
	if err != nil || cfg == nil {
		t.Fatalf("empty yaml: %+v %v", cfg, err)
	}
	_, err = Decode("mkhub.yaml", []byte("schedule:\n  1: x\n"))
	if err == nil || !strings.Contains(err.Error(), "schedule.1") {
		t.Fatalf("non-string key: %v", err)
	}
	_, err = Decode("mkhub.yaml", []byte("notify: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "mkhub.yaml") {
		t.Fatalf("bad yaml: %v", err)
	}
}

func TestManagerReloadPublishesOnChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(level string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(`{"logging":{"level":"`+level+`"},"storage":{"driver":"memory"}}`), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("info")

	m := NewConfigManager(path)
	m.SetEnv(envFrom(nil))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Unchanged content is not republished.
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatal("unexpected publish for unchanged config")
	default:
	}

	write("debug")
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("expected publish after change")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("Get did not return committed config")
	}
}

func TestManagerValidatorRejects(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"memory"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.SetEnv(envFrom(nil))
	m.SetValidator(func(context.Context, *Config) error { return os.ErrInvalid })
	ch := m.Subscribe(1)
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatal("rejected config was published")
	default:
	}
	if m.Get() != nil {
		t.Fatal("rejected config was committed")
	}
}
