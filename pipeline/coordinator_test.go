package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/logging"
	"videoSearch/providers"
	"videoSearch/storage"
)

type testPipeline struct {
	coord     *Coordinator
	records   *storage.MemoryRecordStore
	artifacts *storage.MemoryArtifactStore
	poller    *Poller
	speech    *storage.MemoryTextIndex
}

func newTestPipeline(t *testing.T, transcriber providers.TranscriptionProvider,
	extractor providers.FrameExtractor, cfg *config.Config) *testPipeline {
	t.Helper()
	log := logging.New()
	records := storage.NewMemoryRecordStore()
	artifacts := storage.NewMemoryArtifactStore()
	embedder := providers.MockEmbedder{}
	speech := storage.NewMemoryTextIndex(core.BackendSpeech)
	captions := storage.NewMemoryTextIndex(core.BackendCaption)
	frameIdx := storage.NewMemoryFrameIndex(embedder)

	stages := NewStageSet(artifacts, providers.MockCaptioner{}, embedder, speech, captions, frameIdx, log)
	dispatcher := NewDispatcher(records, stages, cfg, log)
	poller := NewPoller(transcriber, artifacts, time.Millisecond, 10*time.Millisecond, log)
	coord := NewCoordinator(records, artifacts, dispatcher, poller, transcriber, extractor, cfg, log)
	// Retries fire immediately in tests.
	coord.afterFunc = func(d time.Duration, f func()) *time.Timer {
		go f()
		return time.NewTimer(0)
	}
	return &testPipeline{coord: coord, records: records, artifacts: artifacts, poller: poller, speech: speech}
}

// driveUntil polls the pipeline forward until cond holds or the deadline
// passes.
func (tp *testPipeline) driveUntil(t *testing.T, itemID string, cond func(*core.ItemRecord) bool) *core.ItemRecord {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tp.poller.PollDueJobs(ctx)
		rec, err := tp.records.GetItem(ctx, itemID)
		if err == nil && cond(rec) {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := tp.records.GetItem(ctx, itemID)
	t.Fatalf("condition not reached, last record: %+v", rec)
	return nil
}

func simpleTimeline() *core.Timeline {
	return &core.Timeline{Tokens: []core.TimelineToken{
		{Text: "the", Start: 0.0, End: 0.2},
		{Text: "quick", Start: 0.2, End: 0.5},
		{Text: "brown", Start: 0.5, End: 0.8},
		{Text: "fox", Start: 0.8, End: 1.1},
	}}
}

func TestPipelineRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	transcriber := providers.NewMockTranscriber(2, simpleTimeline())
	tp := newTestPipeline(t, transcriber, providers.MockFrameExtractor{Frames: 3}, testConfig())

	itemID, err := tp.coord.Submit(ctx, "mock://talk.mp4")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	rec := tp.driveUntil(t, itemID, func(r *core.ItemRecord) bool {
		return r.Status == core.StatusCompleted
	})

	for _, stage := range core.RequiredStages() {
		if rec.StageStatus[stage] != core.StageDone {
			t.Errorf("stage %s not done: %s", stage, rec.StageStatus[stage])
		}
	}
	if rec.Error != nil {
		t.Errorf("completed item carries error: %+v", rec.Error)
	}
	if rec.Version <= 1 {
		t.Errorf("expected version to advance, got %d", rec.Version)
	}

	// Caption artifacts were written for every frame.
	keys, err := tp.artifacts.List(itemID + "/captions/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("expected 3 caption artifacts, got %d", len(keys))
	}

	// The transcript is findable via the speech index.
	hits, err := tp.speech.Query(ctx, "quick brown fox", itemID, 5)
	if err != nil {
		t.Fatalf("speech query failed: %v", err)
	}
	if len(hits) == 0 {
		t.Error("expected the transcript chunk to be indexed")
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	transcriber := providers.NewMockTranscriber(1, simpleTimeline())
	tp := newTestPipeline(t, transcriber, providers.MockFrameExtractor{Frames: 1}, testConfig())

	itemID, err := tp.coord.Submit(ctx, "mock://talk.mp4")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	rec := tp.driveUntil(t, itemID, func(r *core.ItemRecord) bool {
		return r.Status == core.StatusCompleted
	})

	again, err := tp.coord.Submit(ctx, "mock://talk.mp4")
	if err != nil {
		t.Fatalf("re-Submit failed: %v", err)
	}
	if again != itemID {
		t.Fatalf("same source must map to the same item, got %s and %s", itemID, again)
	}
	after, err := tp.records.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if after.Status != core.StatusCompleted || after.Version != rec.Version {
		t.Errorf("completed item must not be re-run: status=%s version %d->%d",
			after.Status, rec.Version, after.Version)
	}
}

func TestItemIDForIsStable(t *testing.T) {
	a := ItemIDFor("/media/My Talk.mp4")
	b := ItemIDFor("/media/My Talk.mp4")
	c := ItemIDFor("/media/Other Talk.mp4")
	if a != b {
		t.Errorf("same source must yield the same id: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different sources must yield different ids")
	}
	if !strings.HasPrefix(a, "my_talk_") {
		t.Errorf("unexpected id shape: %s", a)
	}
}

// failingTranscriber rejects every submission.
type failingTranscriber struct{}

func (failingTranscriber) Submit(ctx context.Context, sourceRef string) (string, error) {
	return "", errors.New("transcription service down")
}
func (failingTranscriber) Poll(ctx context.Context, jobID string) (*providers.JobStatus, error) {
	return nil, errors.New("transcription service down")
}

func TestStageRetriesExhaustToFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxStageAttempts = 2
	tp := newTestPipeline(t, failingTranscriber{}, providers.MockFrameExtractor{Frames: 1}, cfg)

	itemID, err := tp.coord.Submit(ctx, "mock://broken.mp4")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	rec := tp.driveUntil(t, itemID, func(r *core.ItemRecord) bool {
		return r.Status == core.StatusFailed
	})

	if rec.Error == nil {
		t.Fatal("failed item must carry its error")
	}
	if rec.Error.Retryable {
		t.Error("exhausted retries must leave a non-retryable error")
	}
	if rec.StageAttempts[core.StageTranscribe] != cfg.MaxStageAttempts {
		t.Errorf("expected %d attempts, got %d", cfg.MaxStageAttempts, rec.StageAttempts[core.StageTranscribe])
	}

	// Terminal states are absorbing.
	status, err := tp.coord.Advance(ctx, itemID)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if status != core.StatusFailed {
		t.Errorf("Advance resurrected a failed item: %s", status)
	}
	tp.coord.ReportStage(ctx, itemID, core.StageTranscribe, nil, nil)
	after, _ := tp.records.GetItem(ctx, itemID)
	if after.Status != core.StatusFailed {
		t.Errorf("late stage report resurrected a failed item: %s", after.Status)
	}
}

func TestStageResultsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	transcriber := providers.NewMockTranscriber(1, simpleTimeline())
	tp := newTestPipeline(t, transcriber, providers.MockFrameExtractor{Frames: 1}, testConfig())

	rec := &core.ItemRecord{
		ItemID:      "item-mono",
		SourceRef:   "mock://a.mp4",
		Status:      core.StatusStagesRunning,
		StageStatus: map[string]core.StageState{},
	}
	for _, stage := range core.RequiredStages() {
		rec.StageStatus[stage] = core.StageRunning
	}
	if err := tp.records.CreateItem(ctx, rec); err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}

	tp.coord.ReportStage(ctx, "item-mono", core.StageFrames, nil, nil)
	// A late failure report for a stage already done must not regress it.
	tp.coord.ReportStage(ctx, "item-mono", core.StageFrames,
		core.NewStageError(core.StageFrames, true, "late straggler"), nil)

	after, err := tp.records.GetItem(ctx, "item-mono")
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if after.StageStatus[core.StageFrames] != core.StageDone {
		t.Errorf("done stage regressed to %s", after.StageStatus[core.StageFrames])
	}
}
