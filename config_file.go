package hume

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of a Config.
type fileConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	AccessToken      string        `yaml:"access_token"`
	Timeout          time.Duration `yaml:"timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	OutboundQueue    int           `yaml:"outbound_queue"`
	InboundQueue     int           `yaml:"inbound_queue"`
	Transport        string        `yaml:"transport"`
	LogLevel         string        `yaml:"log_level"`
	TLS              TLSOptions    `yaml:"tls"`
	Retry            *struct {
		MaxAttempts       int           `yaml:"max_attempts"`
		BaseDelay         time.Duration `yaml:"base_delay"`
		MaxDelay          time.Duration `yaml:"max_delay"`
		Jitter            *bool         `yaml:"jitter"`
		RetryStatuses     []int         `yaml:"retry_statuses"`
		RetryServerErrors bool          `yaml:"retry_server_errors"`
		RetryTransport    *bool         `yaml:"retry_transport"`
	} `yaml:"retry"`
}

// LoadConfigFile reads a YAML configuration file. HUME_API_KEY and
// HUME_BASE_URL override the file when set. Durations use Go syntax ("1.5s").
//
// Example:
//
//	base_url: https://api.hume.ai
//	api_key: ${set via HUME_API_KEY}
//	timeout: 30s
//	transport: gorilla
//	retry:
//	  max_attempts: 5
//	  base_delay: 250ms
func LoadConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes YAML into a Config and applies environment overrides.
func ParseConfig(raw []byte) (Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &DecodeError{What: "config yaml", Raw: raw, Err: err}
	}

	cfg := Config{
		BaseURL:           fc.BaseURL,
		Timeout:           fc.Timeout,
		HandshakeTimeout:  fc.HandshakeTimeout,
		OutboundQueueSize: fc.OutboundQueue,
		InboundQueueSize:  fc.InboundQueue,
		TransportBackend:  TransportBackend(fc.Transport),
		TLS:               fc.TLS,
	}
	switch {
	case fc.AccessToken != "":
		c, err := BearerTokenFromJWT(fc.AccessToken)
		if err != nil {
			// Opaque tokens carry no expiry.
			c = BearerToken(fc.AccessToken, "Bearer", 0)
		}
		cfg.Credential = c
	case fc.APIKey != "":
		cfg.Credential = StaticKey(fc.APIKey)
	}
	if fc.LogLevel != "" {
		cfg.StructuredLogger = NewLogger(ParseLogLevel(fc.LogLevel))
	}
	if r := fc.Retry; r != nil {
		p := DefaultRetryPolicy()
		if r.MaxAttempts != 0 {
			p.MaxAttempts = r.MaxAttempts
		}
		if r.BaseDelay != 0 {
			p.BaseDelay = r.BaseDelay
		}
		if r.MaxDelay != 0 {
			p.MaxDelay = r.MaxDelay
		}
		if r.Jitter != nil {
			p.Jitter = *r.Jitter
		}
		if len(r.RetryStatuses) > 0 {
			p.RetryStatuses = r.RetryStatuses
		}
		p.RetryServerErrors = r.RetryServerErrors
		if r.RetryTransport != nil {
			p.RetryTransport = *r.RetryTransport
		}
		cfg.Retry = &p
	}

	applyEnv(&cfg)
	return cfg, ValidateConfig(cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HUME_API_KEY"); v != "" {
		cfg.Credential = StaticKey(v)
	}
	if v := os.Getenv("HUME_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
}
