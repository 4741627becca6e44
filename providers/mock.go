package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"videoSearch/core"
)

// Mock providers keep the pipeline runnable without any external service
// configured, the same way the in-memory vector store keeps search usable.

type MockTranscriber struct {
	// PollsUntilDone controls how many polls report running before done.
	PollsUntilDone int
	Timeline       *core.Timeline

	mu   sync.Mutex
	jobs map[string]int // jobID -> polls seen
	seq  int
}

func NewMockTranscriber(pollsUntilDone int, tl *core.Timeline) *MockTranscriber {
	return &MockTranscriber{PollsUntilDone: pollsUntilDone, Timeline: tl, jobs: map[string]int{}}
}

func (m *MockTranscriber) Submit(ctx context.Context, sourceRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	jobID := fmt.Sprintf("mock-job-%d", m.seq)
	m.jobs[jobID] = 0
	return jobID, nil
}

func (m *MockTranscriber) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	polls, ok := m.jobs[jobID]
	if !ok {
		return &JobStatus{State: JobFailed, Reason: "unknown job", Retryable: false}, nil
	}
	m.jobs[jobID] = polls + 1
	if polls+1 < m.PollsUntilDone {
		return &JobStatus{State: JobRunning}, nil
	}
	tl := m.Timeline
	if tl == nil {
		tl = &core.Timeline{}
	}
	return &JobStatus{State: JobDone, Timeline: tl}, nil
}

type MockCaptioner struct{}

func (MockCaptioner) Describe(ctx context.Context, imageBytes []byte) (string, error) {
	return fmt.Sprintf("frame with %d bytes of image data", len(imageBytes)), nil
}

// MockEmbedder hashes tokens into a small fixed-dimension vector. Not
// meaningful semantically, but stable, which is all the pipeline needs.
type MockEmbedder struct{ Dim int }

func (m MockEmbedder) dim() int {
	if m.Dim > 0 {
		return m.Dim
	}
	return 64
}

func (m MockEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, m.dim())
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := 0
		for _, r := range tok {
			h = h*31 + int(r)
		}
		if h < 0 {
			h = -h
		}
		v[h%len(v)] += 1
	}
	return v, nil
}

func (m MockEmbedder) EmbedImage(ctx context.Context, imageBytes []byte) ([]float32, error) {
	v := make([]float32, m.dim())
	for i, b := range imageBytes {
		v[(i+int(b))%len(v)] += 1
	}
	return v, nil
}

// MockFrameExtractor emits a fixed number of synthetic frame units.
type MockFrameExtractor struct{ Frames int }

func (m MockFrameExtractor) Extract(ctx context.Context, itemID, sourceRef string, intervalSec int) ([]core.UnitInput, error) {
	n := m.Frames
	if n <= 0 {
		n = 4
	}
	if intervalSec <= 0 {
		intervalSec = 5
	}
	units := make([]core.UnitInput, 0, n)
	for i := 0; i < n; i++ {
		units = append(units, core.UnitInput{
			UnitIndex: i,
			Ref:       fmt.Sprintf("mock://%s/frame/%04d", itemID, i),
			Timestamp: float64(i * intervalSec),
		})
	}
	return units, nil
}
