package hume

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
)

const (
	pathConfigs      = "/v0/evi/configs"
	pathPrompts      = "/v0/evi/prompts"
	pathTools        = "/v0/evi/tools"
	pathCustomVoices = "/v0/evi/custom_voices"
)

// resource is the CRUD surface shared by the stored EVI objects. pageField
// names the array of a listing body, e.g. "configs_page".
type resource[T any] struct {
	exec      *Executor
	path      string
	pageField string
}

func (r resource[T]) itemPath(id string, rest ...string) string {
	p := r.path + "/" + url.PathEscape(id)
	for _, s := range rest {
		p += "/" + url.PathEscape(s)
	}
	return p
}

func (r resource[T]) list(path string, opts ListOptions) *Paginator[T] {
	return NewPaginator(r.exec, opts.request(path),
		WithCursorParam[T]("page_number"),
		WithPageDecoder(PageNumberCursor[T](r.pageField)),
	)
}

func (r resource[T]) call(ctx context.Context, spec RequestSpec, opts []CallOption) (*T, error) {
	v, err := Execute[T](ctx, r.exec, spec, opts...)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r resource[T]) get(ctx context.Context, id string, opts []CallOption) (*T, error) {
	if id == "" {
		return nil, NewValidationError("id", "cannot be empty")
	}
	return r.call(ctx, NewRequest(http.MethodGet, r.itemPath(id)), opts)
}

func (r resource[T]) version(ctx context.Context, id string, version int, opts []CallOption) (*T, error) {
	if id == "" {
		return nil, NewValidationError("id", "cannot be empty")
	}
	if version < 0 {
		return nil, NewValidationError("version", "cannot be negative")
	}
	return r.call(ctx, NewRequest(http.MethodGet, r.itemPath(id, "versions", strconv.Itoa(version))), opts)
}

func (r resource[T]) versions(id string, opts ListOptions) *Paginator[T] {
	return r.list(r.itemPath(id, "versions"), opts)
}

func (r resource[T]) create(ctx context.Context, body any, opts []CallOption) (*T, error) {
	return r.call(ctx, NewRequest(http.MethodPost, r.path, WithBody(body)), opts)
}

func (r resource[T]) createVersion(ctx context.Context, id string, body any, opts []CallOption) (*T, error) {
	if id == "" {
		return nil, NewValidationError("id", "cannot be empty")
	}
	return r.call(ctx, NewRequest(http.MethodPost, r.itemPath(id, "versions"), WithBody(body)), opts)
}

func (r resource[T]) update(ctx context.Context, id string, body any, opts []CallOption) (*T, error) {
	if id == "" {
		return nil, NewValidationError("id", "cannot be empty")
	}
	return r.call(ctx, NewRequest(http.MethodPatch, r.itemPath(id), WithBody(body)), opts)
}

func (r resource[T]) delete(ctx context.Context, id string, opts []CallOption) error {
	if id == "" {
		return NewValidationError("id", "cannot be empty")
	}
	_, err := r.exec.DoRaw(ctx, NewRequest(http.MethodDelete, r.itemPath(id)), opts...)
	return err
}

// VersionRef points at a stored object, optionally pinned to a version.
type VersionRef struct {
	ID      string `json:"id"`
	Version *int   `json:"version,omitempty"`
}

// LanguageModelSpec selects the model that writes assistant replies.
type LanguageModelSpec struct {
	Provider    string   `json:"model_provider"`
	Resource    string   `json:"model_resource"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// EventMessages sets the fixed messages spoken on chat events.
type EventMessages struct {
	OnNewChat            string `json:"on_new_chat,omitempty"`
	OnInactivityTimeout  string `json:"on_inactivity_timeout,omitempty"`
	OnMaxDurationTimeout string `json:"on_max_duration_timeout,omitempty"`
}

// Timeouts bounds chat length, in seconds.
type Timeouts struct {
	Inactivity  *int `json:"inactivity,omitempty"`
	MaxDuration *int `json:"max_duration,omitempty"`
}

// EVIConfig is a stored chat configuration.
type EVIConfig struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Version            int                `json:"version"`
	VersionDescription string             `json:"version_description,omitempty"`
	Prompt             *VersionRef        `json:"prompt,omitempty"`
	Voice              *VoiceSpec         `json:"voice,omitempty"`
	LanguageModel      *LanguageModelSpec `json:"language_model,omitempty"`
	Tools              []VersionRef       `json:"tools,omitempty"`
	EventMessages      *EventMessages     `json:"event_messages,omitempty"`
	Timeouts           *Timeouts          `json:"timeouts,omitempty"`
	CreatedOn          int64              `json:"created_on,omitempty"` // unix milliseconds
	ModifiedOn         int64              `json:"modified_on,omitempty"`
}

// ConfigRequest creates a config, or a new version of one.
type ConfigRequest struct {
	Name               string             `json:"name,omitempty"`
	VersionDescription string             `json:"version_description,omitempty"`
	Prompt             *VersionRef        `json:"prompt,omitempty"`
	Voice              *VoiceSpec         `json:"voice,omitempty"`
	LanguageModel      *LanguageModelSpec `json:"language_model,omitempty"`
	Tools              []VersionRef       `json:"tools,omitempty"`
	EventMessages      *EventMessages     `json:"event_messages,omitempty"`
	Timeouts           *Timeouts          `json:"timeouts,omitempty"`
}

// ConfigService manages stored chat configurations. Obtain it from
// Client.Configs.
type ConfigService struct {
	r resource[EVIConfig]
}

// List pages through the latest version of every config.
func (s *ConfigService) List(opts ListOptions) *Paginator[EVIConfig] {
	return s.r.list(s.r.path, opts)
}

// Get fetches the latest version of a config.
func (s *ConfigService) Get(ctx context.Context, id string, opts ...CallOption) (*EVIConfig, error) {
	return s.r.get(ctx, id, opts)
}

// Create stores a new config. Name is required.
func (s *ConfigService) Create(ctx context.Context, req ConfigRequest, opts ...CallOption) (*EVIConfig, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "cannot be empty")
	}
	if err := validateVoice("voice", req.Voice); err != nil {
		return nil, err
	}
	return s.r.create(ctx, req, opts)
}

// CreateVersion stores req as a new version of config id.
func (s *ConfigService) CreateVersion(ctx context.Context, id string, req ConfigRequest, opts ...CallOption) (*EVIConfig, error) {
	if err := validateVoice("voice", req.Voice); err != nil {
		return nil, err
	}
	return s.r.createVersion(ctx, id, req, opts)
}

// Rename changes the name shared by every version of a config.
func (s *ConfigService) Rename(ctx context.Context, id, name string, opts ...CallOption) (*EVIConfig, error) {
	if name == "" {
		return nil, NewValidationError("name", "cannot be empty")
	}
	return s.r.update(ctx, id, map[string]string{"name": name}, opts)
}

// Delete removes a config and all its versions.
func (s *ConfigService) Delete(ctx context.Context, id string, opts ...CallOption) error {
	return s.r.delete(ctx, id, opts)
}

// ListVersions pages through the versions of a config.
func (s *ConfigService) ListVersions(id string, opts ListOptions) *Paginator[EVIConfig] {
	return s.r.versions(id, opts)
}

// GetVersion fetches one version of a config.
func (s *ConfigService) GetVersion(ctx context.Context, id string, version int, opts ...CallOption) (*EVIConfig, error) {
	return s.r.version(ctx, id, version, opts)
}

// Prompt is a stored system prompt.
type Prompt struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Text               string `json:"text"`
	Version            int    `json:"version"`
	VersionDescription string `json:"version_description,omitempty"`
	CreatedOn          int64  `json:"created_on,omitempty"`
	ModifiedOn         int64  `json:"modified_on,omitempty"`
}

// PromptRequest creates a prompt, or a new version of one.
type PromptRequest struct {
	Name               string `json:"name,omitempty"`
	Text               string `json:"text"`
	VersionDescription string `json:"version_description,omitempty"`
}

// PromptService manages stored prompts. Obtain it from Client.Prompts.
type PromptService struct {
	r resource[Prompt]
}

// List pages through the latest version of every prompt.
func (s *PromptService) List(opts ListOptions) *Paginator[Prompt] {
	return s.r.list(s.r.path, opts)
}

// Get fetches the latest version of a prompt.
func (s *PromptService) Get(ctx context.Context, id string, opts ...CallOption) (*Prompt, error) {
	return s.r.get(ctx, id, opts)
}

// Create stores a new prompt. Name and Text are required.
func (s *PromptService) Create(ctx context.Context, req PromptRequest, opts ...CallOption) (*Prompt, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "cannot be empty")
	}
	if req.Text == "" {
		return nil, NewValidationError("text", "cannot be empty")
	}
	return s.r.create(ctx, req, opts)
}

// CreateVersion stores new text for prompt id.
func (s *PromptService) CreateVersion(ctx context.Context, id string, req PromptRequest, opts ...CallOption) (*Prompt, error) {
	if req.Text == "" {
		return nil, NewValidationError("text", "cannot be empty")
	}
	req.Name = ""
	return s.r.createVersion(ctx, id, req, opts)
}

// Rename changes the name shared by every version of a prompt.
func (s *PromptService) Rename(ctx context.Context, id, name string, opts ...CallOption) (*Prompt, error) {
	if name == "" {
		return nil, NewValidationError("name", "cannot be empty")
	}
	return s.r.update(ctx, id, map[string]string{"name": name}, opts)
}

// Delete removes a prompt and all its versions.
func (s *PromptService) Delete(ctx context.Context, id string, opts ...CallOption) error {
	return s.r.delete(ctx, id, opts)
}

// ListVersions pages through the versions of a prompt.
func (s *PromptService) ListVersions(id string, opts ListOptions) *Paginator[Prompt] {
	return s.r.versions(id, opts)
}

// GetVersion fetches one version of a prompt.
func (s *PromptService) GetVersion(ctx context.Context, id string, version int, opts ...CallOption) (*Prompt, error) {
	return s.r.version(ctx, id, version, opts)
}

// Tool is a stored user-defined tool. Parameters holds the JSON schema of
// the tool arguments as a string.
type Tool struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Parameters   string `json:"parameters"`
	FallbackText string `json:"fallback_content,omitempty"`
	Version      int    `json:"version"`
	CreatedOn    int64  `json:"created_on,omitempty"`
	ModifiedOn   int64  `json:"modified_on,omitempty"`
}

// ToolRequest creates a tool, or a new version of one.
type ToolRequest struct {
	Name               string `json:"name,omitempty"`
	Description        string `json:"description,omitempty"`
	Parameters         string `json:"parameters"`
	FallbackText       string `json:"fallback_content,omitempty"`
	VersionDescription string `json:"version_description,omitempty"`
}

func (r ToolRequest) validate(named bool) error {
	if named && r.Name == "" {
		return NewValidationError("name", "cannot be empty")
	}
	if !json.Valid([]byte(r.Parameters)) {
		return NewValidationError("parameters", "must be a JSON schema document")
	}
	return nil
}

// ToolService manages stored tools. Obtain it from Client.Tools.
type ToolService struct {
	r resource[Tool]
}

// List pages through the latest version of every tool.
func (s *ToolService) List(opts ListOptions) *Paginator[Tool] {
	return s.r.list(s.r.path, opts)
}

// Get fetches the latest version of a tool.
func (s *ToolService) Get(ctx context.Context, id string, opts ...CallOption) (*Tool, error) {
	return s.r.get(ctx, id, opts)
}

// Create stores a new tool.
func (s *ToolService) Create(ctx context.Context, req ToolRequest, opts ...CallOption) (*Tool, error) {
	if err := req.validate(true); err != nil {
		return nil, err
	}
	return s.r.create(ctx, req, opts)
}

// CreateVersion stores req as a new version of tool id.
func (s *ToolService) CreateVersion(ctx context.Context, id string, req ToolRequest, opts ...CallOption) (*Tool, error) {
	if err := req.validate(false); err != nil {
		return nil, err
	}
	return s.r.createVersion(ctx, id, req, opts)
}

// Delete removes a tool and all its versions.
func (s *ToolService) Delete(ctx context.Context, id string, opts ...CallOption) error {
	return s.r.delete(ctx, id, opts)
}

// ListVersions pages through the versions of a tool.
func (s *ToolService) ListVersions(id string, opts ListOptions) *Paginator[Tool] {
	return s.r.versions(id, opts)
}

// GetVersion fetches one version of a tool.
func (s *ToolService) GetVersion(ctx context.Context, id string, version int, opts ...CallOption) (*Tool, error) {
	return s.r.version(ctx, id, version, opts)
}

// VoiceParameters adjust a base voice.
type VoiceParameters struct {
	Gender        *float64 `json:"gender,omitempty"`
	Assertiveness *float64 `json:"assertiveness,omitempty"`
	Buoyancy      *float64 `json:"buoyancy,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

// CustomVoice is a stored voice derived from a base voice.
type CustomVoice struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	BaseVoice  string           `json:"base_voice"`
	Parameters *VoiceParameters `json:"parameters,omitempty"`
	Version    int              `json:"version"`
	CreatedOn  int64            `json:"created_on,omitempty"`
	ModifiedOn int64            `json:"modified_on,omitempty"`
}

// CustomVoiceRequest creates a custom voice.
type CustomVoiceRequest struct {
	Name       string           `json:"name"`
	BaseVoice  string           `json:"base_voice"`
	Parameters *VoiceParameters `json:"parameters,omitempty"`
}

// CustomVoiceService manages custom voices. Obtain it from
// Client.CustomVoices.
type CustomVoiceService struct {
	r resource[CustomVoice]
}

// List pages through custom voices.
func (s *CustomVoiceService) List(opts ListOptions) *Paginator[CustomVoice] {
	return s.r.list(s.r.path, opts)
}

// Get fetches one custom voice.
func (s *CustomVoiceService) Get(ctx context.Context, id string, opts ...CallOption) (*CustomVoice, error) {
	return s.r.get(ctx, id, opts)
}

// Create stores a new custom voice.
func (s *CustomVoiceService) Create(ctx context.Context, req CustomVoiceRequest, opts ...CallOption) (*CustomVoice, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "cannot be empty")
	}
	if len(req.Name) > 100 {
		return nil, NewValidationError("name", "must be at most 100 characters")
	}
	if req.BaseVoice == "" {
		return nil, NewValidationError("base_voice", "cannot be empty")
	}
	return s.r.create(ctx, req, opts)
}

// Delete removes a custom voice.
func (s *CustomVoiceService) Delete(ctx context.Context, id string, opts ...CallOption) error {
	return s.r.delete(ctx, id, opts)
}
