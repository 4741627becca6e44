package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"videoSearch/core"
	"videoSearch/providers"
	"videoSearch/storage"
)

// JobHandle tracks one in-flight async transcription job. Handles are
// persisted as artifacts so a restarted process resumes polling where it
// left off.
type JobHandle struct {
	JobID       string    `json:"job_id"`
	ItemID      string    `json:"item_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	PollCount   int       `json:"poll_count"`
	NextPollAt  time.Time `json:"next_poll_at"`
	Deadline    time.Time `json:"deadline"`
}

// Poller drives async transcription jobs to completion. It never blocks
// on a job: each tick it polls only the handles whose NextPollAt has
// passed, then pushes the next poll out on an exponential schedule.
type Poller struct {
	provider  providers.TranscriptionProvider
	artifacts storage.ArtifactStore
	reporter  StageReporter
	log       *logrus.Logger

	interval    time.Duration
	maxInterval time.Duration

	mu      sync.Mutex
	handles map[string]*JobHandle // keyed by job id

	clock func() time.Time
}

func NewPoller(provider providers.TranscriptionProvider, artifacts storage.ArtifactStore,
	interval, maxInterval time.Duration, log *logrus.Logger) *Poller {
	return &Poller{
		provider:    provider,
		artifacts:   artifacts,
		log:         log,
		interval:    interval,
		maxInterval: maxInterval,
		handles:     map[string]*JobHandle{},
		clock:       time.Now,
	}
}

// Register adds a job to the poll set and persists its handle.
func (p *Poller) Register(ctx context.Context, itemID, jobID string, deadline time.Time) error {
	now := p.clock()
	h := &JobHandle{
		JobID:       jobID,
		ItemID:      itemID,
		SubmittedAt: now,
		NextPollAt:  now.Add(p.interval),
		Deadline:    deadline,
	}
	if err := storage.PutJSON(p.artifacts, storage.JobHandleKey(itemID, jobID), h); err != nil {
		return err
	}
	p.mu.Lock()
	p.handles[jobID] = h
	p.mu.Unlock()
	p.log.WithField("item_id", itemID).WithField("job_id", jobID).Info("job registered for polling")
	return nil
}

// LoadHandles reloads persisted handles after a restart.
func (p *Poller) LoadHandles(ctx context.Context) error {
	keys, err := p.artifacts.List("")
	if err != nil {
		return err
	}
	n := 0
	for _, key := range keys {
		if !strings.Contains(key, "/jobs/") {
			continue
		}
		var h JobHandle
		data, err := p.artifacts.Get(key)
		if err != nil {
			continue
		}
		if err := storage.DecodeJSON(data, &h); err != nil {
			p.log.WithField("key", key).WithError(err).Warn("skipping unreadable job handle")
			continue
		}
		p.mu.Lock()
		p.handles[h.JobID] = &h
		p.mu.Unlock()
		n++
	}
	if n > 0 {
		p.log.WithField("jobs", n).Info("restored job handles")
	}
	return nil
}

// Run polls on a ticker until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollDueJobs(ctx)
		}
	}
}

// PollDueJobs polls every handle whose NextPollAt has passed and settles
// jobs that finished, failed, or overran their deadline.
func (p *Poller) PollDueJobs(ctx context.Context) {
	now := p.clock()

	p.mu.Lock()
	var due []*JobHandle
	for _, h := range p.handles {
		if !h.NextPollAt.After(now) {
			due = append(due, h)
		}
	}
	p.mu.Unlock()

	for _, h := range due {
		p.pollOne(ctx, h, now)
	}
}

func (p *Poller) pollOne(ctx context.Context, h *JobHandle, now time.Time) {
	log := p.log.WithField("item_id", h.ItemID).WithField("job_id", h.JobID)

	if now.After(h.Deadline) {
		log.Error("transcription job exceeded deadline")
		p.deregister(h)
		p.reporter.ReportStage(ctx, h.ItemID, core.StageTranscribe,
			core.NewStageError(core.StageTranscribe, false, "job %s exceeded deadline after %d polls", h.JobID, h.PollCount), nil)
		return
	}

	status, err := p.provider.Poll(ctx, h.JobID)
	if err != nil {
		// Poll transport errors are transient; keep the job and back off.
		log.WithError(err).Warn("poll failed, will retry")
		p.reschedule(h, now)
		return
	}

	switch status.State {
	case providers.JobDone:
		tl := status.Timeline
		if tl == nil {
			tl = &core.Timeline{}
		}
		tl.ItemID = h.ItemID
		if err := storage.PutJSON(p.artifacts, storage.TimelineKey(h.ItemID), tl); err != nil {
			log.WithError(err).Warn("failed to persist timeline, will retry")
			p.reschedule(h, now)
			return
		}
		log.WithField("tokens", len(tl.Tokens)).Info("transcription complete")
		p.deregister(h)
		p.reporter.ReportStage(ctx, h.ItemID, core.StageTranscribe, nil, nil)

	case providers.JobFailed:
		log.WithField("reason", status.Reason).Error("transcription job failed")
		p.deregister(h)
		p.reporter.ReportStage(ctx, h.ItemID, core.StageTranscribe,
			core.NewStageError(core.StageTranscribe, status.Retryable, "job %s: %s", h.JobID, status.Reason), nil)

	default:
		p.reschedule(h, now)
	}
}

// reschedule pushes the handle's next poll out on the exponential
// schedule and persists the updated handle.
func (p *Poller) reschedule(h *JobHandle, now time.Time) {
	h.PollCount++
	h.NextPollAt = now.Add(p.nextPollDelay(h.PollCount))
	if err := storage.PutJSON(p.artifacts, storage.JobHandleKey(h.ItemID, h.JobID), h); err != nil {
		p.log.WithField("job_id", h.JobID).WithError(err).Warn("failed to persist job handle")
	}
}

func (p *Poller) deregister(h *JobHandle) {
	p.mu.Lock()
	delete(p.handles, h.JobID)
	p.mu.Unlock()
	if err := p.artifacts.Delete(storage.JobHandleKey(h.ItemID, h.JobID)); err != nil {
		p.log.WithField("job_id", h.JobID).WithError(err).Warn("failed to remove job handle")
	}
}

// nextPollDelay replays the exponential schedule up to pollCount steps.
// Jittered, capped at maxInterval.
func (p *Poller) nextPollDelay(pollCount int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.interval
	bo.MaxInterval = p.maxInterval
	bo.MaxElapsedTime = 0
	d := bo.NextBackOff()
	for i := 1; i < pollCount; i++ {
		d = bo.NextBackOff()
	}
	if d > p.maxInterval {
		d = p.maxInterval
	}
	return d
}

// Pending reports the number of jobs still being polled.
func (p *Poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}
