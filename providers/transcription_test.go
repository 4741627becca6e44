package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// wordsServer serves a getstatus endpoint that is already Success, with a
// words URL whose first failN downloads return 500.
func wordsServer(t *testing.T, failN int64) (*httptest.Server, *int64) {
	t.Helper()
	var downloads int64
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/getstatus", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{Code: 200}
		resp.Data.Status = "Success"
		resp.Data.WordsURL = srv.URL + "/words"
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/words", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&downloads, 1) <= failN {
			http.Error(w, "storage hiccup", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode([]wordEntry{
			{Word: "hello", Start: 0, End: 0.4, Confidence: 0.9},
			{Word: "world", Start: 0.4, End: 0.8},
		})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &downloads
}

func TestPollWordsDownloadFailureKeepsJobRunning(t *testing.T) {
	srv, _ := wordsServer(t, 1)
	tr := NewHTTPTranscriber(srv.URL)

	// First poll: job finished server-side but the words download fails.
	// The job must stay pollable rather than fail and trigger a resubmit.
	status, err := tr.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if status.State != JobRunning {
		t.Fatalf("expected JobRunning while the download is retried, got %s (%s)",
			status.State, status.Reason)
	}

	// Next poll succeeds end to end.
	status, err = tr.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("second Poll failed: %v", err)
	}
	if status.State != JobDone {
		t.Fatalf("expected JobDone, got %s (%s)", status.State, status.Reason)
	}
	if len(status.Timeline.Tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(status.Timeline.Tokens))
	}
	if status.Timeline.Tokens[1].Confidence != 1.0 {
		t.Errorf("zero confidence should default to 1.0, got %v", status.Timeline.Tokens[1].Confidence)
	}
}

func TestPollFailedJobIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/getstatus", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{Code: 200, Reason: "decode error"}
		resp.Data.Status = "Failed"
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewHTTPTranscriber(srv.URL)
	status, err := tr.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if status.State != JobFailed || status.Retryable {
		t.Errorf("expected terminal JobFailed, got %s retryable=%v", status.State, status.Retryable)
	}
}
