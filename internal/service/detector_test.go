package service

import (
	"context"
	"errors"
	"testing"

	"hospitaletl/internal/core/domain"
)

func TestDetector_Decisions(t *testing.T) {
	store := newMemStore()
	store.records["same"] = domain.DatasetRecord{ID: "same", Fingerprint: "2024-01-01"}
	store.records["changed"] = domain.DatasetRecord{ID: "changed", Fingerprint: "2024-01-01"}
	store.records["blank"] = domain.DatasetRecord{ID: "blank", Fingerprint: "2024-01-01"}
	store.lookupErr["broken"] = errors.New("database is locked")

	d := NewDetector(store, nil)
	tasks := d.Detect(context.Background(), []domain.DatasetDescriptor{
		descriptor("same", "2024-01-01"),
		descriptor("changed", "2024-02-01"),
		descriptor("new", "2024-01-01"),
		descriptor("blank", "  "),
		descriptor("broken", "2024-01-01"),
	})

	want := map[string]domain.Decision{
		"same":    domain.DecisionSkip,
		"changed": domain.DecisionNeedsFetch,
		"new":     domain.DecisionNeedsFetch,
		"blank":   domain.DecisionNeedsFetch,
		"broken":  domain.DecisionNeedsFetch,
	}

	if len(tasks) != len(want) {
		t.Fatalf("got %d tasks, want %d", len(tasks), len(want))
	}
	for _, task := range tasks {
		if task.Decision != want[task.Descriptor.ID] {
			t.Errorf("%s: decision = %s (%s), want %s", task.Descriptor.ID, task.Decision, task.Reason, want[task.Descriptor.ID])
		}
		if task.Outcome != nil {
			t.Errorf("%s: detector set an outcome", task.Descriptor.ID)
		}
		// The stored record travels with the task so superseded artifacts can be removed.
		_, stored := store.records[task.Descriptor.ID]
		if got := task.Previous != nil; got != stored {
			t.Errorf("%s: Previous set = %v, want %v", task.Descriptor.ID, got, stored)
		}
		if task.Previous != nil && task.Previous.ID != task.Descriptor.ID {
			t.Errorf("%s: Previous = %+v", task.Descriptor.ID, task.Previous)
		}
	}
}

func TestDetector_EmptyStoredFingerprintDoesNotMatchEmpty(t *testing.T) {
	store := newMemStore()
	store.records["A"] = domain.DatasetRecord{ID: "A", Status: domain.StatusFailed}

	tasks := NewDetector(store, nil).Detect(context.Background(), []domain.DatasetDescriptor{descriptor("A", "")})
	if tasks[0].Decision != domain.DecisionNeedsFetch {
		t.Errorf("decision = %s", tasks[0].Decision)
	}
}

func TestDetector_CollapsesDuplicates(t *testing.T) {
	tasks := NewDetector(newMemStore(), nil).Detect(context.Background(), []domain.DatasetDescriptor{
		descriptor("A", "v1"),
		descriptor("B", "v1"),
		descriptor("A", "v2"),
	})

	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[0].Descriptor.ID != "A" || tasks[0].Descriptor.Fingerprint != "v1" {
		t.Errorf("first task = %+v", tasks[0].Descriptor)
	}
	if tasks[1].Descriptor.ID != "B" {
		t.Errorf("second task = %+v", tasks[1].Descriptor)
	}
}

func TestDetector_NoSideEffects(t *testing.T) {
	store := newMemStore()
	NewDetector(store, nil).Detect(context.Background(), []domain.DatasetDescriptor{descriptor("A", "v1")})

	if len(store.records) != 0 || store.commitCall != 0 {
		t.Errorf("detector wrote to the store: %+v", store.records)
	}
}
