package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/logging"
	"videoSearch/pipeline"
	"videoSearch/providers"
	"videoSearch/search"
	"videoSearch/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.MemoryRecordStore, *storage.MemoryArtifactStore) {
	t.Helper()
	log := logging.New()
	cfg := &config.Config{
		MaxWorkers: 2, BatchSize: 2, MaxStageAttempts: 2, BatchRunBudget: 10,
		StageFailRatio: 1.0, PollInterval: 1, PollMaxInterval: 2, JobDeadline: 60,
		BackendTimeout: 5, FrameInterval: 5,
	}
	records := storage.NewMemoryRecordStore()
	artifacts := storage.NewMemoryArtifactStore()
	embedder := providers.MockEmbedder{}
	speech := storage.NewMemoryTextIndex(core.BackendSpeech)
	captions := storage.NewMemoryTextIndex(core.BackendCaption)
	frameIdx := storage.NewMemoryFrameIndex(embedder)
	transcriber := providers.NewMockTranscriber(1, nil)

	stages := pipeline.NewStageSet(artifacts, providers.MockCaptioner{}, embedder, speech, captions, frameIdx, log)
	dispatcher := pipeline.NewDispatcher(records, stages, cfg, log)
	poller := pipeline.NewPoller(transcriber, artifacts, time.Millisecond, 10*time.Millisecond, log)
	coord := pipeline.NewCoordinator(records, artifacts, dispatcher, poller, transcriber,
		providers.MockFrameExtractor{Frames: 1}, cfg, log)
	engine := search.NewEngine(search.KeywordClassifier{},
		[]storage.SearchBackend{speech, captions, frameIdx}, artifacts, time.Second, log)
	return New(coord, engine, records, artifacts, log), records, artifacts
}

func TestSubmitHandler(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/submit",
		strings.NewReader(`{"source_ref":"mock://talk.mp4"}`))
	w := httptest.NewRecorder()
	srv.SubmitHandler(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ItemID string `json:"item_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.ItemID == "" {
		t.Error("expected an item_id")
	}

	// The record is visible via /status right away.
	req = httptest.NewRequest(http.MethodGet, "/status?item_id="+resp.ItemID, nil)
	w = httptest.NewRecorder()
	srv.StatusHandler(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
}

func TestSubmitHandlerRejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.SubmitHandler(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing source_ref, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/submit", nil)
	w = httptest.NewRecorder()
	srv.SubmitHandler(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestStatusHandlerUnknownItem(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status?item_id=nope", nil)
	w := httptest.NewRecorder()
	srv.StatusHandler(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestTranscriptHandler(t *testing.T) {
	srv, _, artifacts := newTestServer(t)

	tl := &core.Timeline{ItemID: "item-1", Tokens: []core.TimelineToken{
		{Text: "hello", Start: 0, End: 0.4},
	}}
	if err := storage.PutJSON(artifacts, storage.TimelineKey("item-1"), tl); err != nil {
		t.Fatalf("PutJSON failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/transcript?item_id=item-1", nil)
	w := httptest.NewRecorder()
	srv.TranscriptHandler(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got core.Timeline
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if len(got.Tokens) != 1 || got.Tokens[0].Text != "hello" {
		t.Errorf("unexpected timeline: %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/transcript?item_id=missing", nil)
	w = httptest.NewRecorder()
	srv.TranscriptHandler(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing transcript, got %d", w.Code)
	}
}

func TestSearchHandler(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/search",
		strings.NewReader(`{"query":"what did they say about testing"}`))
	w := httptest.NewRecorder()
	srv.SearchHandler(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp search.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Query != "what did they say about testing" {
		t.Errorf("unexpected echo query: %q", resp.Query)
	}
}
