package hume

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"
)

// DefaultBaseURL is the public Hume API endpoint.
const DefaultBaseURL = "https://api.hume.ai"

// TransportBackend selects the websocket implementation used for sessions.
type TransportBackend string

const (
	// TransportNhooyr uses nhooyr.io/websocket. This is the default.
	TransportNhooyr TransportBackend = "nhooyr"
	// TransportGorilla uses github.com/gorilla/websocket.
	TransportGorilla TransportBackend = "gorilla"
)

// Default queue bounds and timeouts.
const (
	DefaultQueueSize        = 64
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRequestTimeout   = 60 * time.Second
)

// TLSOptions configures the TLS layer shared by HTTP calls and socket dials.
type TLSOptions struct {
	// MinVersion is the minimum TLS version. Zero means TLS 1.2.
	MinVersion uint16 `yaml:"min_version"`

	// CAFile is an optional PEM bundle appended to the system roots.
	CAFile string `yaml:"ca_file"`

	// InsecureSkipVerify disables certificate verification.
	// Only for tests against local servers.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// build returns a *tls.Config, or nil when every option is at its default.
func (o TLSOptions) build() (*tls.Config, error) {
	if o == (TLSOptions{}) {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify}
	if o.MinVersion != 0 {
		cfg.MinVersion = o.MinVersion
	}
	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, NewConfigError("TLS.CAFile", o.CAFile, err.Error())
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, NewConfigError("TLS.CAFile", o.CAFile, "no certificates found")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Config holds all configuration options for creating a Hume client.
// Only Credential is required; everything else has a working default.
type Config struct {
	// BaseURL overrides the API endpoint. Socket URLs are derived from it by
	// switching the scheme to ws/wss.
	// Default: https://api.hume.ai
	BaseURL string

	// Credential authenticates every HTTP call and socket handshake.
	// Use StaticKey for API keys or BearerToken/BearerTokenFromJWT for access tokens.
	// Required: Yes
	Credential Credential

	// Refresher obtains replacement bearer tokens before they expire.
	// Ignored for static keys.
	// Required: No
	Refresher TokenRefresher

	// Timeout bounds a single HTTP attempt, including reading the body.
	// Default: 60 seconds. Per-request timeouts override it.
	Timeout time.Duration

	// Retry controls retries of idempotent failures. The zero value means
	// DefaultRetryPolicy().
	Retry *RetryPolicy

	// CircuitBreaker, if set, short-circuits HTTP calls after repeated failures.
	CircuitBreaker *CircuitBreakerConfig

	// OutboundQueueSize bounds messages waiting to be written on a session.
	// Default: 64
	OutboundQueueSize int

	// InboundQueueSize bounds decoded messages waiting for Receive.
	// A full queue stops reading from the transport.
	// Default: 64
	InboundQueueSize int

	// HandshakeTimeout bounds the wait for the server's ready message after dialing.
	// Default: 10 seconds
	HandshakeTimeout time.Duration

	// TransportBackend selects the websocket library.
	// Default: TransportNhooyr
	TransportBackend TransportBackend

	// Dialer replaces the websocket dialer entirely (e.g. the webrtc package's
	// data-channel dialer). When set, TransportBackend is ignored.
	Dialer Dialer

	// TLS configures certificate verification for HTTP and sockets.
	TLS TLSOptions

	// HTTPClient replaces the default HTTP client. Its Timeout and Transport
	// are used as given; TLS options are not applied to it.
	HTTPClient *http.Client

	// HandshakeHeaders allows adding custom headers to the websocket handshake request.
	// Useful for proxy authentication, tracing headers, etc.
	HandshakeHeaders http.Header

	// UserAgent is sent on every request.
	// Default: "hume-go/<version>"
	UserAgent string

	// Logger is called for significant events and can be used for debugging and monitoring.
	// Events include: request_attempt, session_transition, credential_refreshed.
	// Required: No (if nil, no logging occurs)
	Logger func(event string, fields map[string]any)

	// StructuredLogger provides structured logging with configurable levels.
	// If both Logger and StructuredLogger are provided, StructuredLogger takes precedence.
	// Required: No
	StructuredLogger *Logger

	// Observer receives request attempt and session transition events.
	// Required: No
	Observer Observer
}

// ValidateConfig checks a Config for values that cannot work.
func ValidateConfig(cfg Config) error {
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Host == "" {
			return NewConfigError("BaseURL", cfg.BaseURL, "invalid URL format")
		}
		switch u.Scheme {
		case "http", "https":
		default:
			return NewConfigError("BaseURL", cfg.BaseURL, "scheme must be http or https")
		}
	}

	if cfg.Credential.Kind == CredentialNone || cfg.Credential.Value == "" {
		return NewConfigError("Credential", "", "cannot be empty")
	}

	if cfg.Timeout < 0 {
		return NewConfigError("Timeout", cfg.Timeout.String(), "cannot be negative")
	}
	if cfg.HandshakeTimeout < 0 {
		return NewConfigError("HandshakeTimeout", cfg.HandshakeTimeout.String(), "cannot be negative")
	}
	if cfg.OutboundQueueSize < 0 {
		return NewConfigError("OutboundQueueSize", fmt.Sprint(cfg.OutboundQueueSize), "cannot be negative")
	}
	if cfg.InboundQueueSize < 0 {
		return NewConfigError("InboundQueueSize", fmt.Sprint(cfg.InboundQueueSize), "cannot be negative")
	}

	switch cfg.TransportBackend {
	case "", TransportNhooyr, TransportGorilla:
	default:
		return NewConfigError("TransportBackend", string(cfg.TransportBackend), "must be nhooyr or gorilla")
	}

	if cfg.Retry != nil {
		if err := cfg.Retry.validate(); err != nil {
			return err
		}
	}
	return nil
}

// withDefaults returns a copy of cfg with zero fields filled in.
func (cfg Config) withDefaults() Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.Retry == nil {
		p := DefaultRetryPolicy()
		cfg.Retry = &p
	}
	if cfg.OutboundQueueSize == 0 {
		cfg.OutboundQueueSize = DefaultQueueSize
	}
	if cfg.InboundQueueSize == 0 {
		cfg.InboundQueueSize = DefaultQueueSize
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.TransportBackend == "" {
		cfg.TransportBackend = TransportNhooyr
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "hume-go/" + Version
	}
	return cfg
}

// socketURL derives the ws/wss URL for path from the base URL.
func (cfg Config) socketURL(path string) (*url.URL, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, NewConfigError("BaseURL", cfg.BaseURL, "invalid URL format")
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws" // plain http, mainly for tests
	}
	u.Path = joinURLPath(u.Path, path)
	return u, nil
}
