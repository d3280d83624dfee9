package hume

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"
)

const (
	pathExpressionStream = "/v0/stream/models"
	pathBatchJobs        = "/v0/batch/jobs"
)

// Message types of the expression measurement stream.
const (
	TypeJobDetails  = "job_details"
	TypePredictions = "predictions"
	TypeText        = "text"
	TypeVideoFrame  = "video_frame"
)

// defaultJobPollInterval is used by WaitForJob when no interval is given.
const defaultJobPollInterval = 2 * time.Second

// ExpressionService measures expressions in media, either streamed over a
// socket session or as batch jobs. Obtain it from Client.Expression.
type ExpressionService struct {
	c *Client
}

// ExpressionStreamOptions configures a measurement stream.
type ExpressionStreamOptions struct {
	Models Models

	// StreamWindowMs is the span of audio and video the server keeps for
	// context. Zero leaves the server default.
	StreamWindowMs int

	Header            http.Header
	OutboundQueueSize int
	InboundQueueSize  int
}

// ExpressionStream is an open measurement stream over a Session.
type ExpressionStream struct {
	*Session
}

type streamConfig struct {
	Models         Models `json:"models"`
	StreamWindowMs int    `json:"stream_window_ms,omitempty"`
}

// Connect opens a measurement stream and sends the model configuration.
// The endpoint sends no ready message, so the session opens as soon as the
// transport is up. ctx governs the whole stream.
func (es *ExpressionService) Connect(ctx context.Context, opts ExpressionStreamOptions) (*ExpressionStream, error) {
	if err := opts.Models.Validate(); err != nil {
		return nil, err
	}
	if opts.StreamWindowMs < 0 {
		return nil, NewValidationError("stream_window_ms", "cannot be negative")
	}
	raw, err := json.Marshal(streamConfig{Models: opts.Models, StreamWindowMs: opts.StreamWindowMs})
	if err != nil {
		return nil, fmt.Errorf("hume: encode stream config: %w", err)
	}
	s, err := es.c.Connect(ctx, SessionOptions{
		Path:              pathExpressionStream,
		Header:            opts.Header,
		ReadyOnDial:       true,
		OutboundQueueSize: opts.OutboundQueueSize,
		InboundQueueSize:  opts.InboundQueueSize,
	})
	if err != nil {
		return nil, err
	}
	// The configuration frame is a bare object without a type field.
	if err := s.Send(ctx, ProtocolMessage{Kind: KindControl, Type: "models", Raw: raw}); err != nil {
		_ = s.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return &ExpressionStream{Session: s}, nil
}

// SendText submits text for the language and NER models.
func (e *ExpressionStream) SendText(ctx context.Context, text string) error {
	if text == "" {
		return NewValidationError("text", "cannot be empty")
	}
	if n := utf8.RuneCountInString(text); n > MaxExpressionTextLength {
		return NewValidationError("text", fmt.Sprintf("must be at most %d characters, got %d", MaxExpressionTextLength, n))
	}
	return e.SendJSON(ctx, TypeText, map[string]string{"text": text})
}

// SendAudio submits an encoded audio clip for the prosody and burst models.
func (e *ExpressionStream) SendAudio(ctx context.Context, clip []byte) error {
	return e.sendMedia(ctx, TypeAudio, clip)
}

// SendVideoFrame submits one encoded image for the face model.
func (e *ExpressionStream) SendVideoFrame(ctx context.Context, frame []byte) error {
	return e.sendMedia(ctx, TypeVideoFrame, frame)
}

func (e *ExpressionStream) sendMedia(ctx context.Context, typ string, data []byte) error {
	if len(data) == 0 {
		return NewValidationError("data", "cannot be empty")
	}
	if len(data) > maxAudioChunk {
		return NewValidationError("data", fmt.Sprintf("payload of %d bytes exceeds %d", len(data), maxAudioChunk))
	}
	return e.SendJSON(ctx, typ, map[string]string{"data": base64.StdEncoding.EncodeToString(data)})
}

// Results yields typed stream events until the session ends. It follows
// the same rules as ChatSession.Events.
func (e *ExpressionStream) Results(ctx context.Context) iter.Seq2[MeasurementEvent, error] {
	return func(yield func(MeasurementEvent, error) bool) {
		for msg, err := range e.Messages(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			ev, err := DecodeMeasurement(msg)
			if !yield(ev, err) {
				return
			}
		}
	}
}

// MeasurementEvent is a decoded message of a measurement stream.
type MeasurementEvent interface {
	EventType() string
	measurementEvent()
}

// JobDetails names the job backing a stream.
type JobDetails struct {
	JobID string `json:"job_id"`
}

// Predictions is one batch of streamed model output.
type Predictions struct {
	Models ModelPredictions `json:"predictions"`
}

func (JobDetails) EventType() string  { return TypeJobDetails }
func (Predictions) EventType() string { return TypePredictions }

func (JobDetails) measurementEvent()     {}
func (Predictions) measurementEvent()    {}
func (ErrorMessage) measurementEvent()   {}
func (WarningMessage) measurementEvent() {}
func (UnknownMessage) measurementEvent() {}

// DecodeMeasurement maps a stream message to its typed event.
func DecodeMeasurement(msg ProtocolMessage) (MeasurementEvent, error) {
	switch msg.Kind {
	case KindErrorNotice:
		if se, ok := msg.Err.(*ServerError); ok {
			return ErrorMessage{Code: se.Code, Slug: se.Slug, Message: se.Message}, nil
		}
		return nil, msg.Err
	case KindControl:
	default:
		return nil, fmt.Errorf("hume: cannot decode %s message on a measurement stream", msg.Kind)
	}
	switch msg.Type {
	case TypeJobDetails:
		var v JobDetails
		if err := msg.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TypePredictions:
		var v Predictions
		if err := msg.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeWarning:
		var v WarningMessage
		if err := msg.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return UnknownMessage{Type: msg.Type, Raw: msg.Raw}, nil
	}
}

// StartJob submits a batch job and returns its id.
func (es *ExpressionService) StartJob(ctx context.Context, req JobRequest, opts ...CallOption) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	resp, err := Execute[struct {
		JobID string `json:"job_id"`
	}](ctx, es.c.exec, NewRequest(http.MethodPost, pathBatchJobs, WithBody(req)), opts...)
	if err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", &DecodeError{What: "job id", Err: fmt.Errorf("response has no job_id")}
	}
	return resp.JobID, nil
}

// GetJob fetches the current state of a job.
func (es *ExpressionService) GetJob(ctx context.Context, id string, opts ...CallOption) (*Job, error) {
	if id == "" {
		return nil, NewValidationError("job_id", "cannot be empty")
	}
	job, err := Execute[Job](ctx, es.c.exec, NewRequest(http.MethodGet, jobPath(id)), opts...)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetPredictions fetches the output of a completed job.
func (es *ExpressionService) GetPredictions(ctx context.Context, id string, opts ...CallOption) ([]SourcePredictions, error) {
	if id == "" {
		return nil, NewValidationError("job_id", "cannot be empty")
	}
	return Execute[[]SourcePredictions](ctx, es.c.exec, NewRequest(http.MethodGet, jobPath(id)+"/predictions"), opts...)
}

// GetArtifacts returns the artifact URLs of a job keyed by artifact type.
func (es *ExpressionService) GetArtifacts(ctx context.Context, id string, opts ...CallOption) (map[string][]string, error) {
	if id == "" {
		return nil, NewValidationError("job_id", "cannot be empty")
	}
	resp, err := Execute[struct {
		Artifacts map[string][]string `json:"artifacts"`
	}](ctx, es.c.exec, NewRequest(http.MethodGet, jobPath(id)+"/artifacts"), opts...)
	if err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

// WaitForJob polls a job every interval until it completes or fails. ctx
// bounds the wait. A job that ends FAILED is returned without error; check
// its State.
func (es *ExpressionService) WaitForJob(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = defaultJobPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := es.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Status.Terminal() {
			return job, nil
		}
		es.c.log.debug("job_pending", map[string]any{"job_id": id, "status": string(job.State.Status)})
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, &CancelledError{Err: ctx.Err()}
		}
	}
}

// JobListOptions filters ListJobs.
type JobListOptions struct {
	Limit  int
	Status []JobStatus
}

// ListJobs pages through batch jobs, newest first.
func (es *ExpressionService) ListJobs(opts JobListOptions) *Paginator[Job] {
	reqOpts := []RequestOption{
		WithQuery("limit", itoaPositive(opts.Limit)),
		WithQuery("offset", "0"),
	}
	for _, st := range opts.Status {
		reqOpts = append(reqOpts, WithQuery("status", string(st)))
	}
	return NewPaginator(es.c.exec, NewRequest(http.MethodGet, pathBatchJobs, reqOpts...),
		WithCursorParam[Job]("offset"),
		WithPageDecoder(offsetPage()),
	)
}

// offsetPage decodes {"jobs": [...], "total": n} bodies. The cursor is the
// offset of the next page, so the returned decoder keeps a running count and
// must serve a single paginator.
func offsetPage() PageDecoder[Job] {
	seen := 0
	return func(raw []byte) (*Page[Job], error) {
		var body struct {
			Jobs  []Job `json:"jobs"`
			Total int   `json:"total"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, &DecodeError{What: "page", Raw: raw, Err: err}
		}
		seen += len(body.Jobs)
		page := &Page[Job]{Items: body.Jobs}
		if len(body.Jobs) > 0 && seen < body.Total {
			page.Cursor = strconv.Itoa(seen)
		}
		return page, nil
	}
}

func jobPath(id string) string {
	return pathBatchJobs + "/" + url.PathEscape(id)
}
