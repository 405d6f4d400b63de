package ports

import (
	"context"
	"io"

	"hospitaletl/internal/core/domain"
)

// Catalog defines the contract for discovering datasets from the remote catalog.
type Catalog interface {
	// ListDatasets returns the current descriptors. An error means the catalog
	// could not be reached or its response could not be parsed.
	ListDatasets(ctx context.Context) ([]domain.DatasetDescriptor, error)
}

// Download is an open byte stream for one dataset.
type Download struct {
	Body        io.ReadCloser
	ContentType string
}

// Downloader defines the contract for fetching dataset bytes.
type Downloader interface {
	// Download opens the resource at the given URL.
	// The caller must close the returned body.
	Download(ctx context.Context, url string) (*Download, error)
}

// ArtifactKind selects the artifact root a file belongs to.
type ArtifactKind string

const (
	ArtifactRaw       ArtifactKind = "raw"
	ArtifactProcessed ArtifactKind = "processed"
)

// ArtifactStore defines the contract for persisting raw and processed artifacts.
type ArtifactStore interface {
	// Put stores the full contents of r under kind/name. The artifact becomes
	// visible only once r is fully consumed and written; a failed Put leaves any
	// previous artifact under the same name untouched.
	Put(ctx context.Context, kind ArtifactKind, name string, r io.Reader) (location string, err error)

	// Open returns a reader for a location previously returned by Put.
	Open(ctx context.Context, location string) (io.ReadCloser, error)

	// Remove deletes a location previously returned by Put. Removing a
	// location that no longer exists is not an error.
	Remove(ctx context.Context, location string) error
}

// MetadataStore is the durable record of every dataset's last known state.
type MetadataStore interface {
	// Lookup returns the record for id; found is false when none exists.
	Lookup(ctx context.Context, id string) (rec domain.DatasetRecord, found bool, err error)

	// Commit advances a record's fingerprint and artifact paths. It is the only
	// write path that changes the fingerprint and is durable before it returns.
	Commit(ctx context.Context, req domain.CommitRequest) error

	// MarkFailed records a failed attempt without touching the fingerprint.
	MarkFailed(ctx context.Context, id string, kind domain.ErrorKind, cause error) error

	// MarkPending records that processing of id has started.
	MarkPending(ctx context.Context, id, title string) error

	// List returns every record, ordered by id.
	List(ctx context.Context) ([]domain.DatasetRecord, error)

	Close() error
}
