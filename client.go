package hume

import (
	"context"
)

// Version is the library version reported in the default User-Agent.
const Version = "0.3.0"

// Client is the entry point to the API. It owns the credential, the request
// executor and the socket dialer shared by every call and session made
// through it. A Client is safe for concurrent use and holds no background
// goroutines, so it needs no Close.
type Client struct {
	cfg    Config
	auth   *Authenticator
	exec   *Executor
	dialer Dialer
	log    logSink

	tts          *TTSService
	chat         *ChatService
	expression   *ExpressionService
	configs      *ConfigService
	prompts      *PromptService
	tools        *ToolService
	customVoices *CustomVoiceService
}

// NewClient validates cfg and builds a Client.
//
// Returns a *ConfigError if the configuration cannot work.
func NewClient(cfg Config) (*Client, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	log := newLogSink(&cfg)
	auth := NewAuthenticator(cfg.Credential, WithRefresher(cfg.Refresher))
	auth.log = log.with(map[string]any{"component": "auth"})

	exec, err := NewExecutor(cfg, auth)
	if err != nil {
		return nil, err
	}

	dialer := cfg.Dialer
	if dialer == nil {
		tlsCfg, err := cfg.TLS.build()
		if err != nil {
			return nil, err
		}
		if dialer, err = NewDialer(cfg.TransportBackend, tlsCfg); err != nil {
			return nil, err
		}
	}

	c := &Client{cfg: cfg, auth: auth, exec: exec, dialer: dialer, log: log}
	c.tts = &TTSService{c: c}
	c.chat = &ChatService{c: c}
	c.expression = &ExpressionService{c: c}
	c.configs = &ConfigService{r: resource[EVIConfig]{exec: exec, path: pathConfigs, pageField: "configs_page"}}
	c.prompts = &PromptService{r: resource[Prompt]{exec: exec, path: pathPrompts, pageField: "prompts_page"}}
	c.tools = &ToolService{r: resource[Tool]{exec: exec, path: pathTools, pageField: "tools_page"}}
	c.customVoices = &CustomVoiceService{r: resource[CustomVoice]{exec: exec, path: pathCustomVoices, pageField: "custom_voices_page"}}
	log.debug("client_created", map[string]any{"base_url": cfg.BaseURL, "transport": string(cfg.TransportBackend)})
	return c, nil
}

// NewSession creates an unconnected session. Call Connect on it to open it;
// until then it is in StateConnecting.
func (c *Client) NewSession(opts SessionOptions) *Session {
	return newSession(c.cfg, c.auth, c.dialer, opts)
}

// Connect creates a session and opens it. ctx governs the life of the
// session, not only the handshake.
func (c *Client) Connect(ctx context.Context, opts SessionOptions) (*Session, error) {
	s := c.NewSession(opts)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// TTS returns the text-to-speech endpoints.
func (c *Client) TTS() *TTSService { return c.tts }

// Chat returns the empathic voice chat endpoints.
func (c *Client) Chat() *ChatService { return c.chat }

// Expression returns the expression measurement endpoints.
func (c *Client) Expression() *ExpressionService { return c.expression }

// Configs returns the stored chat configurations.
func (c *Client) Configs() *ConfigService { return c.configs }

// Prompts returns the stored prompts.
func (c *Client) Prompts() *PromptService { return c.prompts }

// Tools returns the stored user-defined tools.
func (c *Client) Tools() *ToolService { return c.tools }

// CustomVoices returns the stored custom voices.
func (c *Client) CustomVoices() *CustomVoiceService { return c.customVoices }

// Executor returns the request executor for endpoints without a typed wrapper.
func (c *Client) Executor() *Executor { return c.exec }

// Authenticator returns the credential holder, e.g. to install a new token.
func (c *Client) Authenticator() *Authenticator { return c.auth }
