package hume

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// MaxExpressionTextLength bounds one text payload sent for measurement.
const MaxExpressionTextLength = 10000

// Granularity values accepted by the language and prosody models.
const (
	GranularityWord      = "word"
	GranularitySentence  = "sentence"
	GranularityUtterance = "utterance"
	GranularityTurn      = "conversational_turn"
)

// Models selects the expression models to run. Nil fields are disabled.
type Models struct {
	Face     *FaceModel     `json:"face,omitempty"`
	Language *LanguageModel `json:"language,omitempty"`
	Prosody  *ProsodyModel  `json:"prosody,omitempty"`
	Burst    *BurstModel    `json:"burst,omitempty"`
	NER      *NERModel      `json:"ner,omitempty"`
}

// FaceModel configures facial expression measurement.
type FaceModel struct {
	IdentifyFaces *bool    `json:"identify_faces,omitempty"`
	MinFaceSize   *int     `json:"min_face_size,omitempty"`
	FPSPred       *float64 `json:"fps_pred,omitempty"`
	ProbThreshold *float64 `json:"prob_threshold,omitempty"`
}

// LanguageModel configures emotional language measurement.
type LanguageModel struct {
	Sentiment   *struct{} `json:"sentiment,omitempty"`
	Toxicity    *struct{} `json:"toxicity,omitempty"`
	Granularity string    `json:"granularity,omitempty"`
}

// ProsodyModel configures speech prosody measurement.
type ProsodyModel struct {
	Granularity string  `json:"granularity,omitempty"`
	Window      *Window `json:"window,omitempty"`
}

// Window is a sliding prosody window, in seconds.
type Window struct {
	Length float64 `json:"length"`
	Step   float64 `json:"step"`
}

// BurstModel enables vocal burst measurement.
type BurstModel struct{}

// NERModel enables named entity measurement.
type NERModel struct{}

// Validate reports whether m enables at least one model with sane settings.
func (m Models) Validate() error {
	if m.Face == nil && m.Language == nil && m.Prosody == nil && m.Burst == nil && m.NER == nil {
		return NewValidationError("models", "enable at least one model")
	}
	if m.Language != nil {
		if err := validateGranularity("models.language.granularity", m.Language.Granularity); err != nil {
			return err
		}
	}
	if m.Prosody != nil {
		if err := validateGranularity("models.prosody.granularity", m.Prosody.Granularity); err != nil {
			return err
		}
		if w := m.Prosody.Window; w != nil && (w.Length <= 0 || w.Step <= 0) {
			return NewValidationError("models.prosody.window", "length and step must be positive")
		}
	}
	if m.Face != nil && m.Face.ProbThreshold != nil && (*m.Face.ProbThreshold < 0 || *m.Face.ProbThreshold > 1) {
		return NewValidationError("models.face.prob_threshold", "must be within [0, 1]")
	}
	return nil
}

func validateGranularity(field, g string) error {
	if g == "" || slices.Contains([]string{GranularityWord, GranularitySentence, GranularityUtterance, GranularityTurn}, g) {
		return nil
	}
	return NewValidationError(field, fmt.Sprintf("unknown granularity %q", g))
}

// EmotionScore is the score of one named emotion.
type EmotionScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Emotions is a list of scores with lookup helpers.
type Emotions []EmotionScore

// Top returns the highest scoring emotion, or false when e is empty.
func (e Emotions) Top() (EmotionScore, bool) {
	if len(e) == 0 {
		return EmotionScore{}, false
	}
	return slices.MaxFunc(e, func(a, b EmotionScore) int {
		switch {
		case a.Score < b.Score:
			return -1
		case a.Score > b.Score:
			return 1
		}
		return 0
	}), true
}

// Score returns the score of the named emotion.
func (e Emotions) Score(name string) (float64, bool) {
	for _, s := range e {
		if s.Name == name {
			return s.Score, true
		}
	}
	return 0, false
}

// TimeRange is an interval of the input media, in milliseconds.
type TimeRange struct {
	StartMs float64 `json:"begin"`
	EndMs   float64 `json:"end"`
}

// BoundingBox locates a face in a frame.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// TextPosition is a character range of the input text.
type TextPosition struct {
	Begin int `json:"begin"`
	End   int `json:"end"`
}

// FacePrediction scores one face in one frame.
type FacePrediction struct {
	Frame    int          `json:"frame"`
	Time     float64      `json:"time"`
	Prob     float64      `json:"prob,omitempty"`
	FaceID   string       `json:"face_id,omitempty"`
	Box      *BoundingBox `json:"box,omitempty"`
	Emotions Emotions     `json:"emotions"`
}

// LanguagePrediction scores one span of text.
type LanguagePrediction struct {
	Text      string         `json:"text"`
	Position  *TextPosition  `json:"position,omitempty"`
	Emotions  Emotions       `json:"emotions"`
	Sentiment []EmotionScore `json:"sentiment,omitempty"`
	Toxicity  []EmotionScore `json:"toxicity,omitempty"`
}

// ProsodyPrediction scores one span of speech.
type ProsodyPrediction struct {
	Text     string     `json:"text,omitempty"`
	Time     *TimeRange `json:"time,omitempty"`
	Emotions Emotions   `json:"emotions"`
}

// BurstPrediction scores one vocal burst.
type BurstPrediction struct {
	Time         *TimeRange     `json:"time,omitempty"`
	Emotions     Emotions       `json:"emotions"`
	Descriptions []EmotionScore `json:"descriptions,omitempty"`
}

// NERPrediction scores one named entity.
type NERPrediction struct {
	Entity   string        `json:"entity"`
	Type     string        `json:"type,omitempty"`
	Position *TextPosition `json:"position,omitempty"`
	Emotions Emotions      `json:"emotions"`
}

// Grouped holds predictions grouped by an identifier such as a face or
// speaker id.
type Grouped[T any] struct {
	ID          string `json:"id,omitempty"`
	Predictions []T    `json:"predictions"`
}

// ModelPredictions is the per-model output for one input.
type ModelPredictions struct {
	Face     *ModelOutput[FacePrediction]     `json:"face,omitempty"`
	Language *ModelOutput[LanguagePrediction] `json:"language,omitempty"`
	Prosody  *ModelOutput[ProsodyPrediction]  `json:"prosody,omitempty"`
	Burst    *ModelOutput[BurstPrediction]    `json:"burst,omitempty"`
	NER      *ModelOutput[NERPrediction]      `json:"ner,omitempty"`
}

// ModelOutput is the output of one model. Streamed results carry
// Predictions directly; batch results carry GroupedPredictions.
type ModelOutput[T any] struct {
	Predictions        []T          `json:"predictions,omitempty"`
	GroupedPredictions []Grouped[T] `json:"grouped_predictions,omitempty"`
	Warning            string       `json:"warning,omitempty"`
}

// All flattens grouped and direct predictions into one slice.
func (o *ModelOutput[T]) All() []T {
	if o == nil {
		return nil
	}
	out := append([]T(nil), o.Predictions...)
	for _, g := range o.GroupedPredictions {
		out = append(out, g.Predictions...)
	}
	return out
}

// SourceKind tags a batch job source.
type SourceKind string

const (
	SourceURL  SourceKind = "url"
	SourceText SourceKind = "text"
	SourceFile SourceKind = "file"
)

// JobSource is one input of a batch job.
type JobSource struct {
	Type        SourceKind `json:"type"`
	URL         string     `json:"url,omitempty"`
	Text        string     `json:"text,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Data        string     `json:"data,omitempty"` // base64
	MD5         string     `json:"md5,omitempty"`
}

// JobRequest starts a batch inference job.
type JobRequest struct {
	Models      Models      `json:"models"`
	Sources     []JobSource `json:"sources"`
	CallbackURL string      `json:"callback_url,omitempty"`
	Notify      *bool       `json:"notify,omitempty"`
}

// Validate checks that r has models and well-formed sources.
func (r JobRequest) Validate() error {
	if err := r.Models.Validate(); err != nil {
		return err
	}
	if len(r.Sources) == 0 {
		return NewValidationError("sources", "at least one source is required")
	}
	for i, s := range r.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		switch s.Type {
		case SourceURL:
			if s.URL == "" {
				return NewValidationError(field+".url", "cannot be empty")
			}
		case SourceText:
			if s.Text == "" {
				return NewValidationError(field+".text", "cannot be empty")
			}
			if len([]rune(s.Text)) > MaxExpressionTextLength {
				return NewValidationError(field+".text", fmt.Sprintf("must be at most %d characters", MaxExpressionTextLength))
			}
		case SourceFile:
			if s.Filename == "" || s.Data == "" {
				return NewValidationError(field, "file sources need a filename and data")
			}
		default:
			return NewValidationError(field+".type", fmt.Sprintf("unknown source type %q", s.Type))
		}
	}
	return nil
}

// JobStatus is the lifecycle status of a batch job.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether the job will not change state again.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// JobState is the status of a job with its timestamps in unix milliseconds.
type JobState struct {
	Status             JobStatus `json:"status"`
	CreatedTimestampMs int64     `json:"created_timestamp_ms"`
	StartedTimestampMs *int64    `json:"started_timestamp_ms,omitempty"`
	EndedTimestampMs   *int64    `json:"ended_timestamp_ms,omitempty"`
	Message            string    `json:"message,omitempty"`
}

// Created returns the creation time.
func (s JobState) Created() time.Time { return time.UnixMilli(s.CreatedTimestampMs) }

// Job is a batch inference job.
type Job struct {
	JobID   string     `json:"job_id"`
	Type    string     `json:"type,omitempty"`
	UserID  string     `json:"user_id,omitempty"`
	Request JobRequest `json:"request"`
	State   JobState   `json:"state"`
}

// SourcePredictions is the output of a job for one source.
type SourcePredictions struct {
	Source  json.RawMessage `json:"source"`
	Results struct {
		Predictions []FilePredictions `json:"predictions"`
		Errors      []PredictionError `json:"errors"`
	} `json:"results"`
	Error string `json:"error,omitempty"`
}

// FilePredictions is the output for one file of a source.
type FilePredictions struct {
	File   string           `json:"file"`
	Models ModelPredictions `json:"models"`
}

// PredictionError reports a file the job could not process.
type PredictionError struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
}
