package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"videoSearch/core"
)

// JobState is the provider-side state of a submitted transcription job.
type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// JobStatus is one poll result. Timeline is set only when State is done;
// Retryable qualifies failures.
type JobStatus struct {
	State     JobState
	Timeline  *core.Timeline
	Reason    string
	Retryable bool
}

// TranscriptionProvider runs speech-to-text as a remote long-running job:
// submit returns immediately with a job id, completion is observed by
// polling. Callers must never block on job duration.
type TranscriptionProvider interface {
	Submit(ctx context.Context, sourceRef string) (string, error)
	Poll(ctx context.Context, jobID string) (*JobStatus, error)
}

// ---------------- HTTP implementation ----------------

// HTTPTranscriber talks to a transcription service with a publish/getstatus
// API: POST /transcribe with the media link, then GET /getstatus?media_id=
// until the job settles. The finished job exposes a word list with
// per-word timings which becomes the item's Timeline.
type HTTPTranscriber struct {
	baseURL string
	client  *http.Client
}

func NewHTTPTranscriber(baseURL string) *HTTPTranscriber {
	return &HTTPTranscriber{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type publishResponse struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
	Data   struct {
		MediaID string `json:"media_id"`
		Status  string `json:"status"`
	} `json:"data"`
}

type statusResponse struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
	Data   struct {
		Status   string `json:"status"` // Queued, Processing, Success, Failed
		WordsURL string `json:"words_url"`
	} `json:"data"`
}

type wordEntry struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

func (t *HTTPTranscriber) Submit(ctx context.Context, sourceRef string) (string, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	_ = w.WriteField("mediaLink", sourceRef)
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/transcribe", &b)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var resp publishResponse
	if err := t.doJSONRequest(req, &resp); err != nil {
		return "", fmt.Errorf("transcribe publish failed: %w", err)
	}
	if resp.Code != 200 || resp.Data.MediaID == "" {
		return "", fmt.Errorf("transcribe publish error: code=%d reason=%s", resp.Code, resp.Reason)
	}
	return resp.Data.MediaID, nil
}

func (t *HTTPTranscriber) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	u, err := url.Parse(t.baseURL + "/getstatus")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("media_id", jobID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	var resp statusResponse
	if err := t.doJSONRequest(req, &resp); err != nil {
		return nil, fmt.Errorf("getstatus failed: %w", err)
	}

	switch resp.Data.Status {
	case "Success":
		timeline, err := t.downloadTimeline(ctx, resp.Data.WordsURL)
		if err != nil {
			// The job is done server-side; keep the handle so only the
			// download is retried on the next poll.
			return &JobStatus{State: JobRunning}, nil
		}
		return &JobStatus{State: JobDone, Timeline: timeline}, nil
	case "Failed":
		return &JobStatus{State: JobFailed, Reason: resp.Reason, Retryable: false}, nil
	case "Queued", "Processing", "":
		return &JobStatus{State: JobRunning}, nil
	default:
		return &JobStatus{State: JobFailed, Reason: "unknown status: " + resp.Data.Status, Retryable: false}, nil
	}
}

func (t *HTTPTranscriber) downloadTimeline(ctx context.Context, wordsURL string) (*core.Timeline, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wordsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download words: %s", body)
	}

	var words []wordEntry
	if err := json.NewDecoder(resp.Body).Decode(&words); err != nil {
		return nil, fmt.Errorf("parse words: %w", err)
	}
	tl := &core.Timeline{Tokens: make([]core.TimelineToken, 0, len(words))}
	for _, w := range words {
		conf := w.Confidence
		if conf == 0 {
			conf = 1.0
		}
		tl.Tokens = append(tl.Tokens, core.TimelineToken{
			Text: w.Word, Start: w.Start, End: w.End, Confidence: conf,
		})
	}
	return tl, nil
}

// doJSONRequest sends the request, retrying transient failures (network
// errors, 5xx) with bounded exponential backoff.
func (t *HTTPTranscriber) doJSONRequest(req *http.Request, target any) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 12 * time.Second

	op := func() error {
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error: %s", body)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("client error %d: %s", resp.StatusCode, body))
		}
		if err := json.Unmarshal(body, target); err != nil {
			return backoff.Permanent(fmt.Errorf("json decode error: %w", err))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(bo, req.Context()))
}
