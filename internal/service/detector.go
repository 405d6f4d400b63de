package service

import (
	"context"

	"hospitaletl/internal/core/domain"
	"hospitaletl/internal/core/ports"
	"hospitaletl/internal/logger"
)

// Detector decides, per descriptor, whether the dataset must be fetched.
// It only reads from the metadata store.
type Detector struct {
	store  ports.MetadataStore
	logger *logger.Logger
}

// NewDetector creates a Detector backed by store.
func NewDetector(store ports.MetadataStore, log *logger.Logger) *Detector {
	if log == nil {
		log = logger.Discard()
	}
	return &Detector{store: store, logger: log}
}

// Detect returns one task per distinct descriptor ID, in catalog order.
// A descriptor is skipped only when its fingerprint is non-empty and equal to
// the stored one; a failed lookup is treated as a miss.
func (d *Detector) Detect(ctx context.Context, descriptors []domain.DatasetDescriptor) []domain.ProcessingTask {
	tasks := make([]domain.ProcessingTask, 0, len(descriptors))
	seen := make(map[string]struct{}, len(descriptors))

	for _, desc := range descriptors {
		if _, dup := seen[desc.ID]; dup {
			d.logger.Warn("duplicate dataset in catalog, keeping first", "dataset_id", desc.ID)
			continue
		}
		seen[desc.ID] = struct{}{}

		decision, reason, prev := d.decide(ctx, desc)
		tasks = append(tasks, domain.ProcessingTask{
			Descriptor: desc,
			Decision:   decision,
			Reason:     reason,
			Previous:   prev,
		})
		d.logger.Debug("change detection", "dataset_id", desc.ID, "decision", decision, "reason", reason)
	}
	return tasks
}

func (d *Detector) decide(ctx context.Context, desc domain.DatasetDescriptor) (domain.Decision, string, *domain.DatasetRecord) {
	rec, found, err := d.store.Lookup(ctx, desc.ID)
	if err != nil {
		d.logger.Warn("metadata lookup failed, refetching", "dataset_id", desc.ID, "error", err)
		return domain.DecisionNeedsFetch, "metadata lookup failed", nil
	}
	if !found {
		return domain.DecisionNeedsFetch, "new dataset", nil
	}
	if !desc.HasFingerprint() {
		return domain.DecisionNeedsFetch, "no upstream fingerprint", &rec
	}
	if rec.Fingerprint != desc.Fingerprint {
		return domain.DecisionNeedsFetch, "fingerprint changed", &rec
	}
	return domain.DecisionSkip, "unchanged", &rec
}
