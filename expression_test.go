package hume

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestExpression_StreamTextPredictions(t *testing.T) {
	ms := NewMockServer(t)
	ms.ready = nil
	ms.onText = func(ctx context.Context, conn *websocket.Conn, msg map[string]any) {
		if msg["type"] != TypeText {
			return
		}
		_ = writeFrame(ctx, conn, rawFrame(`{"type":"predictions","predictions":{"language":{"predictions":[`+
			`{"text":"great","position":{"begin":0,"end":5},"emotions":[{"name":"Joy","score":0.9},{"name":"Anger","score":0.1}]}]}}}`))
	}
	c := newMockClient(t, ms)

	stream, err := c.Expression().Connect(context.Background(), ExpressionStreamOptions{
		Models:         Models{Language: &LanguageModel{Granularity: GranularityWord}},
		StreamWindowMs: 5000,
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer closeSession(t, stream.Session)

	if err := stream.SendText(context.Background(), "great"); err != nil {
		t.Fatal(err)
	}
	got := ms.waitReceived(t, 2)
	cfg := got[0]
	if _, hasType := cfg["type"]; hasType || cfg["stream_window_ms"] != float64(5000) {
		t.Errorf("config message = %v", cfg)
	}
	models, _ := cfg["models"].(map[string]any)
	if lang, _ := models["language"].(map[string]any); lang["granularity"] != GranularityWord {
		t.Errorf("models = %v", cfg["models"])
	}
	if got[1]["type"] != TypeText || got[1]["text"] != "great" {
		t.Errorf("text message = %v", got[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for ev, err := range stream.Results(ctx) {
		if err != nil {
			t.Fatal(err)
		}
		p, ok := ev.(Predictions)
		if !ok {
			t.Fatalf("event = %#v, want Predictions", ev)
		}
		preds := p.Models.Language.All()
		if len(preds) != 1 || preds[0].Position.End != 5 {
			t.Fatalf("language predictions = %+v", preds)
		}
		top, _ := preds[0].Emotions.Top()
		if top.Name != "Joy" {
			t.Errorf("top emotion = %+v", top)
		}
		break
	}
}

func TestExpression_StreamMedia(t *testing.T) {
	ms := NewMockServer(t)
	ms.ready = nil
	c := newMockClient(t, ms)
	stream, err := c.Expression().Connect(context.Background(), ExpressionStreamOptions{
		Models: Models{Face: &FaceModel{}, Prosody: &ProsodyModel{}, Burst: &BurstModel{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, stream.Session)

	ctx := context.Background()
	if err := stream.SendAudio(ctx, []byte("RIFF")); err != nil {
		t.Fatal(err)
	}
	if err := stream.SendVideoFrame(ctx, []byte{0xff, 0xd8}); err != nil {
		t.Fatal(err)
	}
	got := ms.waitReceived(t, 3)
	if got[1]["type"] != TypeAudio || got[1]["data"] != base64.StdEncoding.EncodeToString([]byte("RIFF")) {
		t.Errorf("audio message = %v", got[1])
	}
	if got[2]["type"] != TypeVideoFrame || got[2]["data"] != "/9g=" {
		t.Errorf("video message = %v", got[2])
	}

	for _, err := range []error{
		stream.SendText(ctx, ""),
		stream.SendText(ctx, strings.Repeat("a", MaxExpressionTextLength+1)),
		stream.SendAudio(ctx, nil),
		stream.SendVideoFrame(ctx, make([]byte, maxAudioChunk+1)),
	} {
		if !errors.Is(err, ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	}
}

func TestExpression_ConnectValidatesModels(t *testing.T) {
	ms := NewMockServer(t)
	c := newMockClient(t, ms)
	tests := []struct {
		name  string
		opts  ExpressionStreamOptions
		field string
	}{
		{"no models", ExpressionStreamOptions{}, "models"},
		{"granularity", ExpressionStreamOptions{Models: Models{Prosody: &ProsodyModel{Granularity: "paragraph"}}}, "models.prosody.granularity"},
		{"window", ExpressionStreamOptions{Models: Models{Prosody: &ProsodyModel{Window: &Window{Length: 4}}}}, "models.prosody.window"},
		{"threshold", ExpressionStreamOptions{Models: Models{Face: &FaceModel{ProbThreshold: Ptr(1.5)}}}, "models.face.prob_threshold"},
		{"window ms", ExpressionStreamOptions{Models: Models{NER: &NERModel{}}, StreamWindowMs: -1}, "stream_window_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Expression().Connect(context.Background(), tt.opts)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("err = %v, want ValidationError on %s", err, tt.field)
			}
		})
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.conns != 0 {
		t.Error("invalid options should fail before dialing")
	}
}

func TestDecodeMeasurement(t *testing.T) {
	decode := func(raw string) (MeasurementEvent, error) {
		msg, err := decodeFrame(Frame{Kind: FrameText, Data: []byte(raw)})
		if err != nil {
			t.Fatalf("decodeFrame(%s): %v", raw, err)
		}
		return DecodeMeasurement(msg)
	}

	ev, err := decode(`{"type":"job_details","job_id":"job_1"}`)
	if jd, ok := ev.(JobDetails); err != nil || !ok || jd.JobID != "job_1" {
		t.Errorf("job_details = %#v, %v", ev, err)
	}
	ev, err = decode(`{"type":"warning","message":"no faces"}`)
	if w, ok := ev.(WarningMessage); err != nil || !ok || w.Message != "no faces" {
		t.Errorf("warning = %#v, %v", ev, err)
	}
	ev, err = decode(`{"type":"error","code":"E0101","message":"bad payload"}`)
	if e, ok := ev.(ErrorMessage); err != nil || !ok || e.Code != "E0101" {
		t.Errorf("error = %#v, %v", ev, err)
	}
	ev, err = decode(`{"type":"usage","seconds":3}`)
	if u, ok := ev.(UnknownMessage); err != nil || !ok || u.EventType() != "usage" {
		t.Errorf("unknown = %#v, %v", ev, err)
	}
	if _, err := decode(`{"type":"predictions","predictions":[]}`); !errors.Is(err, ErrDecode) {
		t.Errorf("bad predictions = %v, want ErrDecode", err)
	}
	if _, err := DecodeMeasurement(Audio(0, []byte{1})); err == nil {
		t.Error("audio on a measurement stream should not decode")
	}
}

func TestEmotions(t *testing.T) {
	e := Emotions{{Name: "Calm", Score: 0.2}, {Name: "Joy", Score: 0.7}, {Name: "Awe", Score: 0.1}}
	if top, ok := e.Top(); !ok || top.Name != "Joy" {
		t.Errorf("Top = %+v, %v", top, ok)
	}
	if s, ok := e.Score("Awe"); !ok || s != 0.1 {
		t.Errorf("Score(Awe) = %v, %v", s, ok)
	}
	if _, ok := (Emotions{}).Top(); ok {
		t.Error("Top of no scores should report false")
	}
}

func TestJobRequest_Validate(t *testing.T) {
	models := Models{Language: &LanguageModel{}}
	tests := []struct {
		name  string
		req   JobRequest
		field string
	}{
		{"no models", JobRequest{Sources: []JobSource{{Type: SourceURL, URL: "https://x"}}}, "models"},
		{"no sources", JobRequest{Models: models}, "sources"},
		{"empty url", JobRequest{Models: models, Sources: []JobSource{{Type: SourceURL}}}, "sources[0].url"},
		{"empty text", JobRequest{Models: models, Sources: []JobSource{{Type: SourceText}}}, "sources[0].text"},
		{"file without data", JobRequest{Models: models, Sources: []JobSource{{Type: SourceFile, Filename: "a.wav"}}}, "sources[0]"},
		{"unknown type", JobRequest{Models: models, Sources: []JobSource{{Type: "ftp"}}}, "sources[0].type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ve *ValidationError
			if err := tt.req.Validate(); !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("err = %v, want ValidationError on %s", err, tt.field)
			}
		})
	}
}

func TestExpression_StartAndWaitForJob(t *testing.T) {
	var polls atomic.Int32
	c := newTTSClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == pathBatchJobs:
			var req JobRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Sources) != 1 || req.Sources[0].URL != "https://cdn.example.com/a.mp4" {
				t.Errorf("job request = %+v, %v", req, err)
			}
			fmt.Fprint(w, `{"job_id":"job_1"}`)
		case r.Method == http.MethodGet && r.URL.Path == pathBatchJobs+"/job_1":
			status := JobInProgress
			if polls.Add(1) >= 3 {
				status = JobCompleted
			}
			fmt.Fprintf(w, `{"job_id":"job_1","type":"INFERENCE","request":{"models":{"face":{}},"sources":[]},"state":{"status":%q,"created_timestamp_ms":1700000000000}}`, status)
		case r.URL.Path == pathBatchJobs+"/job_1/predictions":
			fmt.Fprint(w, `[{"source":{"type":"url","url":"https://cdn.example.com/a.mp4"},"results":{"predictions":[`+
				`{"file":"a.mp4","models":{"face":{"grouped_predictions":[{"id":"face_0","predictions":[{"frame":0,"time":0,"emotions":[{"name":"Calm","score":0.8}]}]}]}}}],"errors":[]}}]`)
		case r.URL.Path == pathBatchJobs+"/job_1/artifacts":
			fmt.Fprint(w, `{"artifacts":{"csv":["https://cdn.example.com/a.csv"]}}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.Expression().StartJob(ctx, JobRequest{
		Models:  Models{Face: &FaceModel{}},
		Sources: []JobSource{{Type: SourceURL, URL: "https://cdn.example.com/a.mp4"}},
	})
	if err != nil || id != "job_1" {
		t.Fatalf("StartJob = %q, %v", id, err)
	}
	job, err := c.Expression().WaitForJob(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if job.State.Status != JobCompleted || polls.Load() != 3 || job.State.Created().Year() != 2023 {
		t.Errorf("job = %+v after %d polls", job.State, polls.Load())
	}

	preds, err := c.Expression().GetPredictions(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != 1 || len(preds[0].Results.Predictions) != 1 {
		t.Fatalf("predictions = %+v", preds)
	}
	faces := preds[0].Results.Predictions[0].Models.Face.All()
	if len(faces) != 1 || faces[0].Emotions[0].Name != "Calm" {
		t.Errorf("face predictions = %+v", faces)
	}

	artifacts, err := c.Expression().GetArtifacts(ctx, id)
	if err != nil || len(artifacts["csv"]) != 1 {
		t.Errorf("artifacts = %v, %v", artifacts, err)
	}
}

func TestExpression_WaitForJobHonoursContext(t *testing.T) {
	c := newTTSClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"job_id":"job_1","request":{"models":{},"sources":[]},"state":{"status":"QUEUED","created_timestamp_ms":0}}`)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Expression().WaitForJob(ctx, "job_1", 10*time.Millisecond)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

func TestExpression_JobIDValidation(t *testing.T) {
	c := newTTSClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	})
	ctx := context.Background()
	if _, err := c.Expression().GetJob(ctx, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("GetJob = %v", err)
	}
	if _, err := c.Expression().GetPredictions(ctx, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("GetPredictions = %v", err)
	}
	if _, err := c.Expression().StartJob(ctx, JobRequest{}); !errors.Is(err, ErrValidation) {
		t.Errorf("StartJob = %v", err)
	}
}

func TestExpression_ListJobs(t *testing.T) {
	var offsets []string
	c := newTTSClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "2" || q.Get("status") != string(JobCompleted) {
			t.Errorf("query = %v", q)
		}
		offsets = append(offsets, q.Get("offset"))
		switch q.Get("offset") {
		case "0":
			fmt.Fprint(w, `{"total":3,"jobs":[{"job_id":"j1"},{"job_id":"j2"}]}`)
		default:
			fmt.Fprint(w, `{"total":3,"jobs":[{"job_id":"j3"}]}`)
		}
	})

	var ids []string
	for job, err := range c.Expression().ListJobs(JobListOptions{Limit: 2, Status: []JobStatus{JobCompleted}}).All(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, job.JobID)
	}
	if strings.Join(ids, ",") != "j1,j2,j3" || strings.Join(offsets, ",") != "0,2" {
		t.Errorf("ids %v offsets %v", ids, offsets)
	}
}
