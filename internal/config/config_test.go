package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clipforge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CLIPFORGE_CONFIG", "")
	t.Setenv("CLIPFORGE_API_KEYS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error with defaults, got: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("default ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.DBPath != "clipforge.db" {
		t.Errorf("default DBPath = %q, want %q", cfg.DBPath, "clipforge.db")
	}
	if len(cfg.APIKeys) != 0 {
		t.Errorf("default APIKeys = %v, want none", cfg.APIKeys)
	}
	if cfg.Scheduler.PoolSize != 2 || cfg.Scheduler.LeaseTimeout != 30*time.Second {
		t.Errorf("default scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Events.RingSize != 256 || cfg.Events.Retention != 10*time.Minute {
		t.Errorf("default events = %+v", cfg.Events)
	}
	if cfg.Tools.FFmpeg != "ffmpeg" || cfg.Tools.Whisper != "whisper-cli" {
		t.Errorf("default tools = %+v", cfg.Tools)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CLIPFORGE_CONFIG", "")
	t.Setenv("CLIPFORGE_LISTEN_ADDR", ":9090")
	t.Setenv("CLIPFORGE_API_KEYS", "key1, key2,")
	t.Setenv("CLIPFORGE_POOL_SIZE", "4")
	t.Setenv("CLIPFORGE_LEASE_TIMEOUT", "1m")
	t.Setenv("CLIPFORGE_DB_PATH", "/tmp/test.db")
	t.Setenv("CLIPFORGE_FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("CLIPFORGE_WEBHOOK_ALLOW_PRIVATE", "true")
	t.Setenv("CLIPFORGE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if diff := cmp.Diff([]string{"key1", "key2"}, cfg.APIKeys); diff != "" {
		t.Errorf("APIKeys mismatch (-want +got):\n%s", diff)
	}
	if cfg.Scheduler.PoolSize != 4 {
		t.Errorf("PoolSize = %d, want 4", cfg.Scheduler.PoolSize)
	}
	if cfg.Scheduler.LeaseTimeout != time.Minute {
		t.Errorf("LeaseTimeout = %v, want 1m", cfg.Scheduler.LeaseTimeout)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.Tools.FFmpeg != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("FFmpeg = %q", cfg.Tools.FFmpeg)
	}
	if !cfg.Webhook.AllowPrivate {
		t.Error("AllowPrivate = false, want true")
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("CLIPFORGE_TEST_KEY", "from-env")
	t.Setenv("CLIPFORGE_POOL_SIZE", "8")
	t.Setenv("CLIPFORGE_CONFIG", writeConfig(t, `
listenAddr: "127.0.0.1:7000"
apiKeys: ["${CLIPFORGE_TEST_KEY}"]
scheduler:
  poolSize: 3
  pollInterval: 2s
  leaseTimeout: 45s
executor:
  heartbeatInterval: 5s
  stepTimeout: 30m
events:
  ringSize: 64
tools:
  whisperModel: /models/ggml-base.en.bin
`))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if diff := cmp.Diff([]string{"from-env"}, cfg.APIKeys); diff != "" {
		t.Errorf("APIKeys not expanded (-want +got):\n%s", diff)
	}
	// Environment wins over the file.
	if cfg.Scheduler.PoolSize != 8 {
		t.Errorf("PoolSize = %d, want env override 8", cfg.Scheduler.PoolSize)
	}
	if cfg.Scheduler.PollInterval != 2*time.Second || cfg.Scheduler.LeaseTimeout != 45*time.Second {
		t.Errorf("scheduler timing = %+v", cfg.Scheduler)
	}
	if cfg.Executor.StepTimeout != 30*time.Minute {
		t.Errorf("StepTimeout = %v, want 30m", cfg.Executor.StepTimeout)
	}
	if cfg.Events.RingSize != 64 || cfg.Events.SubscriberBuffer != 64 {
		t.Errorf("events = %+v", cfg.Events)
	}
	if cfg.Tools.WhisperModel != "/models/ggml-base.en.bin" {
		t.Errorf("WhisperModel = %q", cfg.Tools.WhisperModel)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "invalid integer",
			env:     map[string]string{"CLIPFORGE_POOL_SIZE": "many"},
			wantErr: "CLIPFORGE_POOL_SIZE",
		},
		{
			name:    "invalid duration",
			env:     map[string]string{"CLIPFORGE_POLL_INTERVAL": "soon"},
			wantErr: "CLIPFORGE_POLL_INTERVAL",
		},
		{
			name:    "negative pool",
			env:     map[string]string{"CLIPFORGE_POOL_SIZE": "-1"},
			wantErr: "poolSize",
		},
		{
			name: "lease shorter than heartbeat margin",
			env: map[string]string{
				"CLIPFORGE_LEASE_TIMEOUT":      "15s",
				"CLIPFORGE_HEARTBEAT_INTERVAL": "10s",
			},
			wantErr: "leaseTimeout",
		},
		{
			name: "slow progress flush stretches the heartbeat gap",
			env: map[string]string{
				"CLIPFORGE_LEASE_TIMEOUT":      "30s",
				"CLIPFORGE_HEARTBEAT_INTERVAL": "10s",
				"CLIPFORGE_PROGRESS_INTERVAL":  "1m",
			},
			wantErr: "leaseTimeout",
		},
		{
			name:    "bad log level",
			env:     map[string]string{"CLIPFORGE_LOG_LEVEL": "loud"},
			wantErr: "logLevel",
		},
		{
			name:    "missing config file",
			env:     map[string]string{"CLIPFORGE_CONFIG": "/does/not/exist.yaml"},
			wantErr: "read config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CLIPFORGE_CONFIG", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	t.Setenv("CLIPFORGE_CONFIG", writeConfig(t, "scheduler: [not, a, map]\n"))
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("error = %v, want parse config error", err)
	}
}
