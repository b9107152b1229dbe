package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	groups := [][]string{
		{EnvConfigFile},
		envRealm, envToken, envFunction, envEndpoint, envThreshold, envTimeout,
		envResolution, envLogLevel, envMetricsAddr, envPushgateway, envBrokers, envTopic,
	}
	for _, keys := range groups {
		for _, key := range keys {
			t.Setenv(key, "")
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("FUNCTION_REALM", "us1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Threshold != 10 {
		t.Errorf("expected threshold 10, got %v", cfg.Threshold)
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("expected timeout 60s, got %v", cfg.Timeout)
	}
	if cfg.Resolution != time.Second {
		t.Errorf("expected resolution 1s, got %v", cfg.Resolution)
	}
	if cfg.Endpoint != "wss://stream.us1.signalfx.com" {
		t.Errorf("unexpected endpoint %s", cfg.Endpoint)
	}
	if cfg.Kafka.Enabled() {
		t.Error("kafka must be disabled without brokers")
	}
	if cfg.Kafka.Topic != DefaultTopic {
		t.Errorf("expected default topic, got %s", cfg.Kafka.Topic)
	}
}

func TestLoad_EnvNames(t *testing.T) {
	tests := []struct {
		name          string
		env           map[string]string
		wantThreshold float64
		wantTimeout   time.Duration
	}{
		{
			name:          "primary names",
			env:           map[string]string{"EXPECTED_INVOCATION_COUNT": "3", "TEST_VERIFICATION_TIMEOUT": "1500"},
			wantThreshold: 3,
			wantTimeout:   1500 * time.Millisecond,
		},
		{
			name:          "legacy names",
			env:           map[string]string{"RESULT_WATCH_THRESHOLD": "2.5", "RESULT_WATCH_TIMEOUT": "30000"},
			wantThreshold: 2.5,
			wantTimeout:   30 * time.Second,
		},
		{
			name: "first listed wins",
			env: map[string]string{
				"EXPECTED_INVOCATION_COUNT": "7",
				"RESULT_WATCH_THRESHOLD":    "99",
				"TEST_VERIFICATION_TIMEOUT": "2000",
				"RESULT_WATCH_TIMEOUT":      "9000",
			},
			wantThreshold: 7,
			wantTimeout:   2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Threshold != tt.wantThreshold {
				t.Errorf("expected threshold %v, got %v", tt.wantThreshold, cfg.Threshold)
			}
			if cfg.Timeout != tt.wantTimeout {
				t.Errorf("expected timeout %v, got %v", tt.wantTimeout, cfg.Timeout)
			}
		})
	}
}

func TestLoad_InvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXPECTED_INVOCATION_COUNT", "many")
	t.Setenv("RESULT_WATCH_RESOLUTION", "1s")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid numbers")
	}
	if !strings.Contains(err.Error(), "EXPECTED_INVOCATION_COUNT") || !strings.Contains(err.Error(), "RESULT_WATCH_RESOLUTION") {
		t.Errorf("expected both variables named, got %v", err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "flowprobe.yaml")
	data := `
realm: eu0
token: file-token-0123456789
function_name: from-file
threshold: 4
timeout_ms: 5000
kafka:
  brokers: ["k1:9092", "k2:9092"]
  producer:
    compression: zstd
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv("FUNCTION_NAME", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.FunctionName != "from-env" {
		t.Errorf("environment must override file, got %s", cfg.FunctionName)
	}
	if cfg.Threshold != 4 || cfg.Timeout != 5*time.Second {
		t.Errorf("unexpected threshold/timeout %v %v", cfg.Threshold, cfg.Timeout)
	}
	if cfg.Endpoint != "wss://stream.eu0.signalfx.com" {
		t.Errorf("unexpected endpoint %s", cfg.Endpoint)
	}
	if !cfg.Kafka.Enabled() || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Producer.Compression != "zstd" {
		t.Errorf("expected zstd compression, got %s", cfg.Kafka.Producer.Compression)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoad_Brokers(t *testing.T) {
	clearEnv(t)
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "a:9092" || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Threshold = -1
	cfg.Timeout = 0

	err := cfg.Validate()
	for _, want := range []error{ErrMissingToken, ErrMissingFunction, ErrMissingEndpoint, ErrNegativeLimit, ErrInvalidTimeout} {
		if !errors.Is(err, want) {
			t.Errorf("expected %v in %v", want, err)
		}
	}
	if errors.Is(err, ErrInvalidResolution) {
		t.Error("default resolution must be valid")
	}
}

func TestString_ObfuscatesToken(t *testing.T) {
	cfg := Default()
	cfg.Token = "abcdefghijklmnop"

	out := cfg.String()
	if strings.Contains(out, cfg.Token) {
		t.Error("token must not be printed in full")
	}
	if !strings.Contains(out, "ab...op") {
		t.Errorf("expected obfuscated token, got:\n%s", out)
	}

	cfg.Token = "short"
	if !strings.Contains(cfg.String(), "<invalid token>") {
		t.Error("expected short token to be flagged")
	}
}

func TestValidate_NonFiniteThreshold(t *testing.T) {
	for _, value := range []string{"NaN", "Inf", "-Inf"} {
		t.Run(value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("FUNCTION_REALM", "us1")
			t.Setenv("FUNCTION_TOKEN", "test-token-0123456789")
			t.Setenv("FUNCTION_NAME", "checkout")
			t.Setenv("EXPECTED_INVOCATION_COUNT", value)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}

			err = cfg.Validate()
			if !errors.Is(err, ErrInvalidThreshold) {
				t.Errorf("expected ErrInvalidThreshold for %s, got %v", value, err)
			}
			if errors.Is(err, ErrNegativeLimit) {
				t.Errorf("non-finite threshold must not also report ErrNegativeLimit")
			}
		})
	}
}
