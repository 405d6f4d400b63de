package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hospitaletl/internal/core/domain"
	"hospitaletl/internal/core/ports"
	"hospitaletl/internal/logger"
)

// Orchestrator coordinates one full ETL run.
type Orchestrator struct {
	catalog  ports.Catalog
	detector *Detector
	pool     *Pool
	logger   *logger.Logger
	now      func() time.Time
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	catalog ports.Catalog,
	detector *Detector,
	pool *Pool,
	log *logger.Logger,
) *Orchestrator {
	if log == nil {
		log = logger.Discard()
	}
	return &Orchestrator{
		catalog:  catalog,
		detector: detector,
		pool:     pool,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce queries the catalog, detects changes, processes every changed
// dataset and returns the run summary. Per-dataset failures are reported in
// the summary only; the error is non-nil when the catalog could not be
// queried, in which case nothing was dispatched.
func (o *Orchestrator) RunOnce(ctx context.Context) (*domain.RunSummary, error) {
	summary := &domain.RunSummary{
		RunID:     uuid.New().String(),
		StartedAt: o.now(),
	}
	log := o.logger.With("run_id", summary.RunID)
	log.Info("starting run")

	descriptors, err := o.catalog.ListDatasets(ctx)
	if err != nil {
		summary.FinishedAt = o.now()
		log.Error("catalog query failed", "error", err)
		return summary, fmt.Errorf("%w: %v", domain.ErrCatalogUnavailable, err)
	}
	log.Info("catalog listed", "datasets", len(descriptors))

	tasks := o.detector.Detect(ctx, descriptors)
	pending := 0
	for _, t := range tasks {
		if t.Decision == domain.DecisionNeedsFetch {
			pending++
		}
	}
	log.Info("change detection complete", "total", len(tasks), "to_fetch", pending, "skipped", len(tasks)-pending)

	o.pool.Run(ctx, summary.RunID, tasks)

	summarize(summary, tasks)
	summary.FinishedAt = o.now()

	log.Info("run complete",
		"total", summary.Total,
		"skipped", summary.Skipped,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration", summary.Duration(),
	)
	return summary, nil
}

func summarize(s *domain.RunSummary, tasks []domain.ProcessingTask) {
	s.Total = len(tasks)
	for _, t := range tasks {
		switch {
		case t.Decision == domain.DecisionSkip:
			s.Skipped++
		case t.Outcome != nil && t.Outcome.Success:
			s.Succeeded++
		default:
			s.Failed++
			f := domain.TaskFailure{ID: t.Descriptor.ID}
			if t.Outcome != nil {
				f.Kind = t.Outcome.Kind
				if t.Outcome.Err != nil {
					f.Message = t.Outcome.Err.Error()
				}
			}
			s.Failures = append(s.Failures, f)
		}
	}
}
