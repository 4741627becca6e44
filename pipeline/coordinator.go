package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/providers"
	"videoSearch/storage"
)

// maxMutateRetries bounds the read-modify-CAS loop on version conflicts.
const maxMutateRetries = 8

// Coordinator is the per-item state machine. It owns every write to the
// item record: submissions, stage reports from the dispatcher and the
// poller, and the status recomputation that follows them.
type Coordinator struct {
	records     storage.RecordStore
	artifacts   storage.ArtifactStore
	dispatcher  *Dispatcher
	poller      *Poller
	transcriber providers.TranscriptionProvider
	extractor   providers.FrameExtractor
	cfg         *config.Config
	log         *logrus.Logger

	// clock is swappable in tests.
	clock func() time.Time
	// afterFunc schedules delayed re-dispatch; swappable in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewCoordinator(records storage.RecordStore, artifacts storage.ArtifactStore,
	dispatcher *Dispatcher, poller *Poller,
	transcriber providers.TranscriptionProvider, extractor providers.FrameExtractor,
	cfg *config.Config, log *logrus.Logger) *Coordinator {

	c := &Coordinator{
		records:     records,
		artifacts:   artifacts,
		dispatcher:  dispatcher,
		poller:      poller,
		transcriber: transcriber,
		extractor:   extractor,
		cfg:         cfg,
		log:         log,
		clock:       time.Now,
		afterFunc:   time.AfterFunc,
	}
	if dispatcher != nil {
		dispatcher.reporter = c
	}
	if poller != nil {
		poller.reporter = c
	}
	return c
}

// ItemIDFor derives a stable item id from the source reference, so
// re-submitting the same media lands on the same record.
func ItemIDFor(sourceRef string) string {
	base := filepath.Base(strings.TrimSuffix(sourceRef, "/"))
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.ToLower(strings.ReplaceAll(name, " ", "_"))
	hash := md5.Sum([]byte(sourceRef))
	return fmt.Sprintf("%s_%s", name, hex.EncodeToString(hash[:])[:8])
}

// Submit creates the item record and fans out the top-level stages:
// the async transcription branch and the frame enrichment branch. It is
// idempotent: a source that is already in flight or completed is not
// re-run; only a previously failed item starts over.
func (c *Coordinator) Submit(ctx context.Context, sourceRef string) (string, error) {
	itemID := ItemIDFor(sourceRef)
	log := c.log.WithField("item_id", itemID)

	rec := &core.ItemRecord{
		ItemID:      itemID,
		SourceRef:   sourceRef,
		Status:      core.StatusCreated,
		StageStatus: map[string]core.StageState{},
	}
	for _, stage := range core.RequiredStages() {
		rec.StageStatus[stage] = core.StagePending
	}

	err := c.records.CreateItem(ctx, rec)
	if errors.Is(err, storage.ErrItemExists) {
		existing, getErr := c.records.GetItem(ctx, itemID)
		if getErr != nil {
			return "", getErr
		}
		if existing.Status != core.StatusFailed {
			log.WithField("status", existing.Status).Info("item already submitted, skipping")
			return itemID, nil
		}
		// Failed items may be re-run from scratch.
		log.Info("re-submitting failed item")
		if _, resetErr := c.mutate(ctx, itemID, func(r *core.ItemRecord) error {
			r.Status = core.StatusCreated
			r.Error = nil
			r.Warnings = nil
			r.StageAttempts = map[string]int{}
			for _, stage := range core.RequiredStages() {
				r.StageStatus[stage] = core.StagePending
			}
			return nil
		}); resetErr != nil {
			return "", resetErr
		}
	} else if err != nil {
		return "", fmt.Errorf("create item %s: %w", itemID, err)
	}

	log.WithField("source_ref", sourceRef).Info("item submitted")
	go c.startStages(itemID, sourceRef)
	return itemID, nil
}

// startStages kicks off both branches. Runs detached from the submit
// request so frame extraction cost never blocks the caller.
func (c *Coordinator) startStages(itemID, sourceRef string) {
	ctx := context.Background()

	if _, err := c.mutate(ctx, itemID, func(r *core.ItemRecord) error {
		r.Status = core.StatusStagesRunning
		r.StageStatus[core.StageTranscribe] = core.StageRunning
		r.StageStatus[core.StageFrames] = core.StageRunning
		return nil
	}); err != nil {
		c.log.WithField("item_id", itemID).WithError(err).Error("failed to mark stages running")
		return
	}

	c.startTranscribe(ctx, itemID, sourceRef)
	c.startFrames(ctx, itemID, sourceRef)
}

func (c *Coordinator) startTranscribe(ctx context.Context, itemID, sourceRef string) {
	log := c.log.WithField("item_id", itemID)
	jobID, err := c.transcriber.Submit(ctx, sourceRef)
	if err != nil {
		log.WithError(err).Error("transcription submit failed")
		c.ReportStage(ctx, itemID, core.StageTranscribe,
			core.NewStageError(core.StageTranscribe, true, "submit: %v", err), nil)
		return
	}
	deadline := c.clock().Add(c.cfg.JobDeadlineDuration())
	if err := c.poller.Register(ctx, itemID, jobID, deadline); err != nil {
		log.WithError(err).Error("failed to register transcription job")
		c.ReportStage(ctx, itemID, core.StageTranscribe,
			core.NewStageError(core.StageTranscribe, true, "register job: %v", err), nil)
		return
	}
	log.WithField("job_id", jobID).Info("transcription job submitted")
}

func (c *Coordinator) startFrames(ctx context.Context, itemID, sourceRef string) {
	log := c.log.WithField("item_id", itemID)
	units, err := c.extractor.Extract(ctx, itemID, sourceRef, c.cfg.FrameInterval)
	if err != nil {
		log.WithError(err).Error("frame extraction failed")
		c.ReportStage(ctx, itemID, core.StageFrames,
			core.NewStageError(core.StageFrames, true, "extract frames: %v", err), nil)
		return
	}
	if len(units) == 0 {
		// No frames is fine for audio-only media; the stage is vacuously done.
		c.ReportStage(ctx, itemID, core.StageFrames, nil, []string{"no frames extracted"})
		return
	}
	log.WithField("frames", len(units)).Info("frames extracted, dispatching")
	c.dispatcher.Dispatch(ctx, itemID, core.StageFrames, units)
}

// startChunk turns the finished timeline into chunk units and dispatches
// them for speech indexing.
func (c *Coordinator) startChunk(ctx context.Context, itemID string) {
	log := c.log.WithField("item_id", itemID)
	tl, err := storage.GetTimeline(c.artifacts, itemID)
	if err != nil {
		log.WithError(err).Error("timeline missing for chunk stage")
		c.ReportStage(ctx, itemID, core.StageChunk,
			core.NewStageError(core.StageChunk, true, "load timeline: %v", err), nil)
		return
	}
	units := ChunkTimeline(tl, chunkDuration, chunkOverlap)
	if len(units) == 0 {
		c.ReportStage(ctx, itemID, core.StageChunk, nil, []string{"empty timeline, nothing to index"})
		return
	}
	if _, err := c.mutate(ctx, itemID, func(r *core.ItemRecord) error {
		r.StageStatus[core.StageChunk] = core.StageRunning
		return nil
	}); err != nil {
		log.WithError(err).Error("failed to mark chunk stage running")
	}
	log.WithField("chunks", len(units)).Info("dispatching transcript chunks")
	c.dispatcher.Dispatch(ctx, itemID, core.StageChunk, units)
}

// ReportStage records a stage outcome and recomputes the item status. A
// retryable failure below the attempt ceiling schedules a backed-off
// re-dispatch instead of failing the item.
func (c *Coordinator) ReportStage(ctx context.Context, itemID, stage string, stageErr *core.StageError, warnings []string) {
	log := c.log.WithField("item_id", itemID).WithField("stage", stage)

	var retryDelay time.Duration
	retryStage := false
	transitioned := false

	rec, err := c.mutate(ctx, itemID, func(r *core.ItemRecord) error {
		// The loop may rerun this on version conflicts; start clean.
		retryStage, transitioned = false, false
		if r.Status.Terminal() {
			return nil
		}
		if r.StageStatus[stage] == core.StageDone {
			// Stage results are monotonic; a late duplicate report is a no-op.
			return nil
		}
		r.Warnings = append(r.Warnings, warnings...)
		transitioned = true

		if stageErr == nil {
			r.StageStatus[stage] = core.StageDone
			recomputeStatus(r)
			return nil
		}

		if r.StageAttempts == nil {
			r.StageAttempts = map[string]int{}
		}
		r.StageAttempts[stage]++
		if stageErr.Retryable && r.StageAttempts[stage] < c.cfg.MaxStageAttempts {
			r.StageStatus[stage] = core.StagePending
			retryStage = true
			retryDelay = retryBackoff(r.StageAttempts[stage])
			return nil
		}

		// Retries exhausted, or the failure was never retryable.
		terminal := *stageErr
		terminal.Retryable = false
		r.StageStatus[stage] = core.StageFailed
		r.Error = &terminal
		recomputeStatus(r)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("failed to record stage report")
		return
	}

	switch {
	case stageErr == nil:
		log.Info("stage done")
	case retryStage:
		log.WithField("attempt", rec.StageAttempts[stage]).WithField("delay", retryDelay).
			Warn("stage failed, scheduling retry")
	default:
		log.WithField("cause", stageErr.Cause).Error("stage failed terminally")
	}

	if retryStage {
		c.afterFunc(retryDelay, func() { c.restartStage(itemID, stage) })
		return
	}
	// Transcription completion unlocks the chunk stage.
	if stageErr == nil && transitioned && stage == core.StageTranscribe && !rec.Status.Terminal() {
		c.startChunk(ctx, itemID)
	}
}

// restartStage re-runs one stage after a retryable failure.
func (c *Coordinator) restartStage(itemID, stage string) {
	ctx := context.Background()
	rec, err := c.records.GetItem(ctx, itemID)
	if err != nil {
		c.log.WithField("item_id", itemID).WithError(err).Error("restart: item lookup failed")
		return
	}
	if rec.Status.Terminal() || rec.StageStatus[stage] != core.StagePending {
		return
	}
	if _, err := c.mutate(ctx, itemID, func(r *core.ItemRecord) error {
		r.StageStatus[stage] = core.StageRunning
		return nil
	}); err != nil {
		c.log.WithField("item_id", itemID).WithError(err).Error("restart: failed to mark stage running")
		return
	}

	switch stage {
	case core.StageTranscribe:
		c.startTranscribe(ctx, itemID, rec.SourceRef)
	case core.StageFrames:
		c.startFrames(ctx, itemID, rec.SourceRef)
	case core.StageChunk:
		c.startChunk(ctx, itemID)
	}
}

// Advance recomputes the item status from the stage map. It is idempotent
// and safe to call at any time; terminal states are absorbing.
func (c *Coordinator) Advance(ctx context.Context, itemID string) (core.ItemStatus, error) {
	rec, err := c.mutate(ctx, itemID, func(r *core.ItemRecord) error {
		recomputeStatus(r)
		return nil
	})
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// GetStatus returns the current record.
func (c *Coordinator) GetStatus(ctx context.Context, itemID string) (*core.ItemRecord, error) {
	return c.records.GetItem(ctx, itemID)
}

// mutate runs a read-modify-conditional-write loop. On version conflict it
// re-reads and reapplies fn against fresh state, so concurrent advances
// linearize on the record version.
func (c *Coordinator) mutate(ctx context.Context, itemID string, fn func(*core.ItemRecord) error) (*core.ItemRecord, error) {
	for attempt := 0; attempt < maxMutateRetries; attempt++ {
		rec, err := c.records.GetItem(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		err = c.records.UpdateItem(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update item %s: %w after %d attempts", itemID, core.ErrVersionConflict, maxMutateRetries)
}

// recomputeStatus derives the item status from stage states. Terminal
// states are never overwritten.
func recomputeStatus(r *core.ItemRecord) {
	if r.Status.Terminal() {
		return
	}
	if r.Error != nil && !r.Error.Retryable {
		r.Status = core.StatusFailed
		return
	}
	allDone := true
	for _, stage := range core.RequiredStages() {
		if r.StageStatus[stage] != core.StageDone {
			allDone = false
			break
		}
	}
	if allDone {
		r.Status = core.StatusCompleted
		return
	}
	if r.Status == core.StatusCreated {
		return
	}
	r.Status = core.StatusStagesRunning
}

// retryBackoff spaces stage re-dispatches: 2s, 4s, 8s, ... capped at 1m.
func retryBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
