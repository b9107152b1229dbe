package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigFile points at an optional YAML file with the same settings.
	EnvConfigFile = "FLOWPROBE_CONFIG"

	// DefaultTopic receives decision records when KAFKA_TOPIC is unset.
	DefaultTopic = "flowprobe.decisions"

	streamURLFormat = "wss://stream.%s.signalfx.com"
	minTokenLength  = 10
)

// Environment variables. Where two names are listed for one setting the
// first one set wins.
var (
	envRealm       = []string{"FUNCTION_REALM"}
	envToken       = []string{"FUNCTION_TOKEN"}
	envFunction    = []string{"FUNCTION_NAME"}
	envEndpoint    = []string{"SIGNALFLOW_ENDPOINT"}
	envThreshold   = []string{"EXPECTED_INVOCATION_COUNT", "RESULT_WATCH_THRESHOLD"}
	envTimeout     = []string{"TEST_VERIFICATION_TIMEOUT", "RESULT_WATCH_TIMEOUT"}
	envResolution  = []string{"RESULT_WATCH_RESOLUTION"}
	envLogLevel    = []string{"LOG_LEVEL"}
	envMetricsAddr = []string{"METRICS_ADDR"}
	envPushgateway = []string{"PUSHGATEWAY_URL"}
	envBrokers     = []string{"KAFKA_BROKERS"}
	envTopic       = []string{"KAFKA_TOPIC"}
)

// Validation errors
var (
	ErrMissingToken      = errors.New("FUNCTION_TOKEN is not set")
	ErrMissingFunction   = errors.New("FUNCTION_NAME is not set")
	ErrMissingEndpoint   = errors.New("neither FUNCTION_REALM nor SIGNALFLOW_ENDPOINT is set")
	ErrNegativeLimit     = errors.New("threshold must be a non-negative number")
	ErrInvalidThreshold  = errors.New("threshold must be a finite number")
	ErrInvalidTimeout    = errors.New("timeout must be positive")
	ErrInvalidResolution = errors.New("resolution must be positive")
)

// Config holds runtime configuration for the probe.
type Config struct {
	Realm        string `yaml:"realm"`
	Token        string `yaml:"token"`
	FunctionName string `yaml:"function_name"`

	// Endpoint is the SignalFlow websocket base URL; derived from Realm when empty.
	Endpoint   string        `yaml:"endpoint"`
	Threshold  float64       `yaml:"threshold"`
	Timeout    time.Duration `yaml:"-"`
	Resolution time.Duration `yaml:"-"`

	LogLevel       string `yaml:"log_level"`
	MetricsAddr    string `yaml:"metrics_addr"`
	PushgatewayURL string `yaml:"pushgateway_url"`

	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the optional decision publisher.
type KafkaConfig struct {
	Brokers  []string       `yaml:"brokers"`
	Topic    string         `yaml:"topic"`
	Producer ProducerConfig `yaml:"producer"`
}

// Enabled reports whether decisions should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// ProducerConfig tunes the kafka writer.
type ProducerConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// fileConfig mirrors Config for YAML; durations are given in millis like the env vars.
type fileConfig struct {
	Config `yaml:",inline"`

	TimeoutMs    *int64 `yaml:"timeout_ms"`
	ResolutionMs *int64 `yaml:"resolution_ms"`
}

// Default returns the defaults used when nothing is configured.
func Default() *Config {
	return &Config{
		Threshold:  10,
		Timeout:    60 * time.Second,
		Resolution: time.Second,
		LogLevel:   "info",
		Kafka: KafkaConfig{
			Topic: DefaultTopic,
			Producer: ProducerConfig{
				WriteTimeout: 10 * time.Second,
				RequiredAcks: 1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by FLOWPROBE_CONFIG, and the environment, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Endpoint == "" && cfg.Realm != "" {
		cfg.Endpoint = fmt.Sprintf(streamURLFormat, cfg.Realm)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	fc := fileConfig{Config: *c}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: failed to decode YAML %s: %w", path, err)
	}

	*c = fc.Config
	if fc.TimeoutMs != nil {
		c.Timeout = time.Duration(*fc.TimeoutMs) * time.Millisecond
	}
	if fc.ResolutionMs != nil {
		c.Resolution = time.Duration(*fc.ResolutionMs) * time.Millisecond
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error

	setString(&c.Realm, envRealm)
	setString(&c.Token, envToken)
	setString(&c.FunctionName, envFunction)
	setString(&c.Endpoint, envEndpoint)
	setString(&c.LogLevel, envLogLevel)
	setString(&c.MetricsAddr, envMetricsAddr)
	setString(&c.PushgatewayURL, envPushgateway)
	setString(&c.Kafka.Topic, envTopic)

	if key, value, ok := lookup(envThreshold); ok {
		threshold, err := strconv.ParseFloat(value, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid value for %s: %w", key, err))
		} else {
			c.Threshold = threshold
		}
	}

	if err := setMillis(&c.Timeout, envTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := setMillis(&c.Resolution, envResolution); err != nil {
		errs = append(errs, err)
	}

	if _, value, ok := lookup(envBrokers); ok {
		c.Kafka.Brokers = splitCSV(value)
	}

	return errors.Join(errs...)
}

// Validate reports every problem that would stop the probe from running.
func (c *Config) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, ErrMissingToken)
	}
	if c.FunctionName == "" {
		errs = append(errs, ErrMissingFunction)
	}
	if c.Endpoint == "" {
		errs = append(errs, ErrMissingEndpoint)
	}
	if math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) {
		errs = append(errs, ErrInvalidThreshold)
	} else if c.Threshold < 0 {
		errs = append(errs, ErrNegativeLimit)
	}
	if c.Timeout <= 0 {
		errs = append(errs, ErrInvalidTimeout)
	}
	if c.Resolution <= 0 {
		errs = append(errs, ErrInvalidResolution)
	}
	return errors.Join(errs...)
}

func (c *Config) String() string {
	builder := strings.Builder{}
	addLine := func(format string, arg interface{}) { builder.WriteString(fmt.Sprintf(format+"\n", arg)) }

	addLine("Realm          = %v", c.Realm)
	addLine("Endpoint       = %v", c.Endpoint)
	addLine("Token          = %v", obfuscatedToken(c.Token))
	addLine("Function       = %v", c.FunctionName)
	addLine("Threshold      = %v", c.Threshold)
	addLine("Timeout        = %v", c.Timeout)
	addLine("Resolution     = %v", c.Resolution)
	addLine("Kafka brokers  = %v", strings.Join(c.Kafka.Brokers, ","))

	return builder.String()
}

func obfuscatedToken(token string) string {
	if len(token) < minTokenLength {
		return fmt.Sprintf("<invalid token> minimum %v chars required", minTokenLength)
	}
	return fmt.Sprintf("%s...%s", token[0:2], token[len(token)-2:])
}

func lookup(keys []string) (string, string, bool) {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			return key, strings.TrimSpace(value), true
		}
	}
	return "", "", false
}

func setString(dst *string, keys []string) {
	if _, value, ok := lookup(keys); ok {
		*dst = value
	}
}

func setMillis(dst *time.Duration, keys []string) error {
	key, value, ok := lookup(keys)
	if !ok {
		return nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
