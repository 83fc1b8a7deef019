package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Broker.ListenAddr != ":9092" {
		t.Errorf("expected default listen addr :9092, got %s", cfg.Broker.ListenAddr)
	}
	if cfg.Channel.MaxRequestSizeBytes != 100*1024*1024 {
		t.Errorf("expected default max request size 100MB, got %d", cfg.Channel.MaxRequestSizeBytes)
	}
	if cfg.Channel.SizeBucketsMB != "0,1,10,50,100" {
		t.Errorf("expected default size buckets 0,1,10,50,100, got %s", cfg.Channel.SizeBucketsMB)
	}
	if len(cfg.Channel.TimeBucketMetrics) != 0 {
		t.Errorf("expected no time bucket metrics enabled by default, got %v", cfg.Channel.TimeBucketMetrics)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestParseThresholds(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []int64
		wantErr bool
	}{
		{"defaults", "0,1,10,50,100", []int64{0, 1, 10, 50, 100}, false},
		{"spaces", " 0, 10 ,30 , 300", []int64{0, 10, 30, 300}, false},
		{"single", "5", []int64{5}, false},
		{"empty", "", nil, true},
		{"non numeric", "0,ten,20", nil, true},
		{"descending", "10,5", nil, true},
		{"duplicate", "0,10,10", nil, true},
		{"float", "0,1.5,10", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseThresholds(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseThresholds(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseThresholds(%q) failed: %v", tt.input, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("threshold %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := Default()
	cfg.Channel.SizeBucketsMB = "0,50,10"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for non-ascending size buckets")
	}

	cfg = Default()
	cfg.Channel.TimeBucketsMs = "0,abc"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for non-numeric time buckets")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kanal.yaml")
	data := []byte(`
broker:
  listenAddr: ":19092"
channel:
  sizeBucketsMB: "0,10,20,200"
  timeBucketMetrics:
    - Produce
    - FetchConsumer
observability:
  logLevel: debug
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Broker.ListenAddr != ":19092" {
		t.Errorf("listen addr = %s, want :19092", cfg.Broker.ListenAddr)
	}
	if cfg.Channel.SizeBucketsMB != "0,10,20,200" {
		t.Errorf("size buckets = %s, want 0,10,20,200", cfg.Channel.SizeBucketsMB)
	}
	if len(cfg.Channel.TimeBucketMetrics) != 2 || cfg.Channel.TimeBucketMetrics[0] != "Produce" {
		t.Errorf("time bucket metrics = %v, want [Produce FetchConsumer]", cfg.Channel.TimeBucketMetrics)
	}
	// Unset fields keep defaults.
	if cfg.Channel.MaxRequestSizeBytes != 100*1024*1024 {
		t.Errorf("max request size = %d, want default", cfg.Channel.MaxRequestSizeBytes)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("channel:\n  sizeBucketsMB: \"10,0\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected Load to fail on descending thresholds")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("KANAL_LISTEN_ADDR", ":29092")
	t.Setenv("KANAL_SIZE_BUCKETS_MB", "0,5,25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Broker.ListenAddr != ":29092" {
		t.Errorf("listen addr = %s, want :29092", cfg.Broker.ListenAddr)
	}
	if cfg.Channel.SizeBucketsMB != "0,5,25" {
		t.Errorf("size buckets = %s, want 0,5,25", cfg.Channel.SizeBucketsMB)
	}
}
