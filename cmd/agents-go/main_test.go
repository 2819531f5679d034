package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/chriscow/agents-go/pkg/ai/llm"
	"github.com/chriscow/agents-go/pkg/turn"
	turnfake "github.com/chriscow/agents-go/pkg/turn/fake"
)

func TestPluginListShowsBuiltins(t *testing.T) {
	is := is.New(t)

	var buf bytes.Buffer
	is.NoErr(runPluginList(&buf, ""))

	out := buf.String()
	is.True(strings.Contains(out, "KIND"))
	is.True(strings.Contains(out, "silero"))
	is.True(strings.Contains(out, "deepgram"))
	is.True(strings.Contains(out, "elevenlabs"))
	is.True(strings.Contains(out, "openai"))
}

func TestPluginListFiltersByKind(t *testing.T) {
	is := is.New(t)

	var buf bytes.Buffer
	is.NoErr(runPluginList(&buf, "vad"))

	out := buf.String()
	is.True(strings.Contains(out, "silero"))
	is.True(!strings.Contains(out, "elevenlabs"))

	buf.Reset()
	is.NoErr(runPluginList(&buf, "nosuchkind"))
	is.True(strings.Contains(buf.String(), "no plugins registered"))
}

func TestTurnPredict(t *testing.T) {
	is := is.New(t)

	detector := turnfake.NewFakeTurnDetectorWithValues(0.9, 0.85)
	in := strings.NewReader(`{"messages":[{"role":"user","content":"see you tomorrow"}]}`)
	var out bytes.Buffer

	is.NoErr(runTurnPredict(in, &out, detector, 0, ""))

	var result map[string]any
	is.NoErr(json.Unmarshal(out.Bytes(), &result))
	is.Equal(result["eou_probability"], 0.9)
	_, hasDecision := result["end_of_turn"]
	is.True(!hasDecision) // no threshold flag, no decision

	calls := detector.Calls()
	is.Equal(len(calls), 1)
	is.Equal(calls[0].Language, "en-US") // default when the document has none
	is.Equal(calls[0].Messages[0].Content, "see you tomorrow")
}

func TestTurnPredictThresholdDecision(t *testing.T) {
	is := is.New(t)

	detector := turnfake.NewFakeTurnDetectorWithValues(0.9, 0.85)
	in := strings.NewReader(`{"messages":[{"role":"user","content":"bye"}],"language":"de-DE"}`)
	var out bytes.Buffer

	is.NoErr(runTurnPredict(in, &out, detector, 0.8, "fr-FR"))

	var result map[string]any
	is.NoErr(json.Unmarshal(out.Bytes(), &result))
	is.Equal(result["end_of_turn"], true)
	is.Equal(result["threshold"], 0.8)

	// The flag wins over the document's language.
	is.Equal(detector.Calls()[0].Language, "fr-FR")
}

func TestTurnPredictRejectsEmptyHistory(t *testing.T) {
	detector := turnfake.NewFakeTurnDetector()

	err := runTurnPredict(strings.NewReader(`{"messages":[]}`), &bytes.Buffer{}, detector, 0, "")
	if err == nil {
		t.Fatal("expected an error for an empty chat history")
	}
	if err := runTurnPredict(strings.NewReader(`not json`), &bytes.Buffer{}, detector, 0, ""); err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestInferenceHandlerServesPredictions(t *testing.T) {
	is := is.New(t)

	detector := turnfake.NewFakeTurnDetectorWithValues(0.72, 0.85)
	srv := httptest.NewServer(inferenceHandler(detector, turn.MethodPredictEOU))
	defer srv.Close()

	body, err := json.Marshal(turn.PredictRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "that is all"}},
		Language: "en-US",
	})
	is.NoErr(err)

	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	is.NoErr(err)
	defer resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)

	var prediction turn.PredictResponse
	is.NoErr(json.NewDecoder(resp.Body).Decode(&prediction))
	is.Equal(prediction.Probability, 0.72)
	is.Equal(prediction.Error, "")
}

func TestInferenceHandlerEncodesPredictionErrors(t *testing.T) {
	is := is.New(t)

	detector := turnfake.NewFakeTurnDetector()
	detector.FailNext(errors.New("model not loaded"))
	srv := httptest.NewServer(inferenceHandler(detector, turn.MethodPredictEOU))
	defer srv.Close()

	body, err := json.Marshal(turn.PredictRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	is.NoErr(err)

	// Failures ride in the body with status 200 so the remote detector
	// can distinguish them from transport problems.
	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	is.NoErr(err)
	defer resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)

	var prediction turn.PredictResponse
	is.NoErr(json.NewDecoder(resp.Body).Decode(&prediction))
	is.Equal(prediction.Error, "model not loaded")
}

func TestInferenceHandlerRejectsNonPost(t *testing.T) {
	srv := httptest.NewServer(inferenceHandler(turnfake.NewFakeTurnDetector(), turn.MethodPredictEOU))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET got status %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestInferenceHandlerServesThresholds(t *testing.T) {
	is := is.New(t)

	detector := turnfake.NewFakeTurnDetectorWithValues(0.9, 0.8)
	srv := httptest.NewServer(inferenceHandler(detector, turn.MethodEOUThreshold))
	defer srv.Close()

	body, err := json.Marshal(turn.ThresholdRequest{Language: "en-US"})
	is.NoErr(err)

	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	is.NoErr(err)
	defer resp.Body.Close()

	var threshold turn.ThresholdResponse
	is.NoErr(json.NewDecoder(resp.Body).Decode(&threshold))
	is.True(threshold.Supported)
	is.Equal(threshold.Threshold, 0.8)
}

func TestProbeWorkerHealth(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","connected":true,"activeJobs":2,"draining":false}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	is.NoErr(probeWorkerHealth(context.Background(), &out, srv.URL))
	is.True(strings.Contains(out.String(), `"activeJobs":2`))
}

func TestProbeWorkerHealthReportsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"ok","connected":false}`))
	}))
	defer srv.Close()

	err := probeWorkerHealth(context.Background(), &bytes.Buffer{}, srv.URL)
	if err == nil {
		t.Fatal("expected an error for a 503 response")
	}
	if !strings.Contains(err.Error(), "unhealthy") {
		t.Fatalf("error %q does not mention the worker being unhealthy", err)
	}
}
