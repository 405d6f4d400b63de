package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"hospitaletl/internal/core/domain"
	"hospitaletl/internal/core/ports"
)

type fakeCatalog struct {
	mu          sync.Mutex
	descriptors []domain.DatasetDescriptor
	err         error
}

func (c *fakeCatalog) set(ds ...domain.DatasetDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.descriptors = ds
}

func (c *fakeCatalog) ListDatasets(ctx context.Context) ([]domain.DatasetDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return append([]domain.DatasetDescriptor(nil), c.descriptors...), nil
}

// fakeDownloader serves fixed bodies keyed by URL and counts calls.
type fakeDownloader struct {
	mu     sync.Mutex
	bodies map[string]string
	fail   map[string]error
	panics map[string]bool
	calls  map[string]int
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		bodies: map[string]string{},
		fail:   map[string]error{},
		panics: map[string]bool{},
		calls:  map[string]int{},
	}
}

func (d *fakeDownloader) Download(ctx context.Context, url string) (*ports.Download, error) {
	d.mu.Lock()
	d.calls[url]++
	body, ok := d.bodies[url]
	err := d.fail[url]
	boom := d.panics[url]
	d.mu.Unlock()

	if boom {
		panic("downloader exploded")
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unexpected status code: 404")
	}
	return &ports.Download{Body: io.NopCloser(strings.NewReader(body)), ContentType: "text/csv"}, nil
}

func (d *fakeDownloader) callCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[url]
}

func (d *fakeDownloader) totalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

// memStore is an in-memory ports.MetadataStore.
type memStore struct {
	mu         sync.Mutex
	records    map[string]domain.DatasetRecord
	lookupErr  map[string]error
	commitErr  error
	commitCall int
}

func newMemStore() *memStore {
	return &memStore{records: map[string]domain.DatasetRecord{}, lookupErr: map[string]error{}}
}

func (s *memStore) Lookup(ctx context.Context, id string) (domain.DatasetRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lookupErr[id]; err != nil {
		return domain.DatasetRecord{}, false, err
	}
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *memStore) Commit(ctx context.Context, req domain.CommitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitCall++
	if s.commitErr != nil {
		return s.commitErr
	}
	s.records[req.ID] = domain.DatasetRecord{
		ID:            req.ID,
		Title:         req.Title,
		Fingerprint:   req.Fingerprint,
		RawPath:       req.RawPath,
		ProcessedPath: req.ProcessedPath,
		LastSuccess:   req.At,
		Status:        domain.StatusSuccess,
		UpdatedAt:     time.Now(),
	}
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id string, kind domain.ErrorKind, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[id]
	rec.ID = id
	rec.Status = domain.StatusFailed
	rec.LastError = string(kind)
	if cause != nil {
		rec.LastError = cause.Error()
	}
	s.records[id] = rec
	return nil
}

func (s *memStore) MarkPending(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[id]
	rec.ID = id
	if title != "" {
		rec.Title = title
	}
	rec.Status = domain.StatusPending
	rec.LastError = ""
	s.records[id] = rec
	return nil
}

func (s *memStore) List(ctx context.Context) ([]domain.DatasetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DatasetRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) record(id string) domain.DatasetRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

// failingArtifacts rejects every Put of the given kind.
type failingArtifacts struct {
	ports.ArtifactStore
	kind ports.ArtifactKind
}

var errDiskFull = errors.New("disk full")

func (f *failingArtifacts) Put(ctx context.Context, kind ports.ArtifactKind, name string, r io.Reader) (string, error) {
	if kind == f.kind {
		return "", errDiskFull
	}
	return f.ArtifactStore.Put(ctx, kind, name, r)
}

func descriptor(id, fingerprint string) domain.DatasetDescriptor {
	return domain.DatasetDescriptor{
		ID:          id,
		Title:       "Hospital " + id,
		DownloadURL: "https://example.org/" + id + ".csv",
		Fingerprint: fingerprint,
	}
}
