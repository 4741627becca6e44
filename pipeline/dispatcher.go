package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/storage"
)

// StageRunner executes one unit of work for a stage. Implementations must
// be safe for concurrent use.
type StageRunner interface {
	RunUnit(ctx context.Context, itemID, stage string, unit core.UnitInput) error
}

// StageReporter receives the aggregate outcome of a dispatched stage.
type StageReporter interface {
	ReportStage(ctx context.Context, itemID, stage string, stageErr *core.StageError, warnings []string)
}

// Dispatcher fans stage units out over a bounded worker pool. Unit
// failures are absorbed: the remaining units keep running, and the stage
// outcome is decided by the failure ratio once every unit has settled.
type Dispatcher struct {
	records   storage.RecordStore
	runner    StageRunner
	reporter  StageReporter
	log       *logrus.Logger
	workers   chan struct{}
	batchSize int
	runBudget time.Duration
	failRatio float64
	wg        sync.WaitGroup
}

func NewDispatcher(records storage.RecordStore, runner StageRunner, cfg *config.Config, log *logrus.Logger) *Dispatcher {
	workers := cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 1
	}
	return &Dispatcher{
		records:   records,
		runner:    runner,
		log:       log,
		workers:   make(chan struct{}, workers),
		batchSize: batch,
		runBudget: cfg.BatchRunBudgetDuration(),
		failRatio: cfg.StageFailRatio,
	}
}

// Dispatch records the units as pending and starts the run asynchronously.
// The stage outcome reaches the reporter once every unit has settled.
func (d *Dispatcher) Dispatch(ctx context.Context, itemID, stage string, units []core.UnitInput) {
	now := time.Now().UTC()
	for _, u := range units {
		unit := &core.Unit{
			ParentItemID: itemID,
			Stage:        stage,
			UnitIndex:    u.UnitIndex,
			Status:       core.UnitPending,
			UpdatedAt:    now,
		}
		if err := d.records.PutUnit(ctx, unit); err != nil {
			d.log.WithField("item_id", itemID).WithField("stage", stage).
				WithError(err).Warn("failed to record pending unit")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(itemID, stage, units)
	}()
}

// Wait blocks until every in-flight dispatch has reported. Used by tests
// and by shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(itemID, stage string, units []core.UnitInput) {
	log := d.log.WithField("item_id", itemID).WithField("stage", stage)
	batchID := core.NewID()[:8]
	start := time.Now()

	ctx := context.Background()
	var cancel context.CancelFunc
	if d.runBudget > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.runBudget)
		defer cancel()
	}

	var mu sync.Mutex
	var failed []int
	var firstErr error

	var wg sync.WaitGroup
	for batchStart := 0; batchStart < len(units); batchStart += d.batchSize {
		batchEnd := batchStart + d.batchSize
		if batchEnd > len(units) {
			batchEnd = len(units)
		}
		for _, u := range units[batchStart:batchEnd] {
			unit := u
			d.workers <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-d.workers }()

				err := d.runner.RunUnit(ctx, itemID, stage, unit)
				d.settleUnit(itemID, stage, unit.UnitIndex, err)
				if err != nil {
					mu.Lock()
					failed = append(failed, unit.UnitIndex)
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	total := len(units)
	nFailed := len(failed)
	log = log.WithField("batch", batchID).WithField("units", total).
		WithField("failed", nFailed).WithField("elapsed", time.Since(start).Round(time.Millisecond))

	// The budget context may have expired while units ran; the report's
	// record writes must still go through.
	reportCtx := context.Background()

	switch {
	case nFailed == 0:
		log.Info("stage batch complete")
		d.reporter.ReportStage(reportCtx, itemID, stage, nil, nil)
	case d.tolerable(nFailed, total):
		log.Warn("stage batch complete with unit failures")
		warning := core.UnitFailureWarning(stage, nFailed, total)
		d.reporter.ReportStage(reportCtx, itemID, stage, nil, []string{warning})
	default:
		log.Error("stage batch failed")
		d.reporter.ReportStage(reportCtx, itemID, stage,
			core.AsStageError(stage, firstErr), nil)
	}
}

// tolerable applies the fail-ratio policy. The default ratio of 1.0 means
// a stage succeeds as long as at least one unit made it through.
func (d *Dispatcher) tolerable(failed, total int) bool {
	if failed >= total {
		return false
	}
	return float64(failed)/float64(total) <= d.failRatio
}

func (d *Dispatcher) settleUnit(itemID, stage string, index int, unitErr error) {
	unit := &core.Unit{
		ParentItemID: itemID,
		Stage:        stage,
		UnitIndex:    index,
		Status:       core.UnitDone,
		UpdatedAt:    time.Now().UTC(),
	}
	if unitErr != nil {
		unit.Status = core.UnitFailed
		unit.Error = unitErr.Error()
	}
	if err := d.records.PutUnit(context.Background(), unit); err != nil {
		d.log.WithField("item_id", itemID).WithField("stage", stage).
			WithError(err).Warn("failed to settle unit")
	}
}
