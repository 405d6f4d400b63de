package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hospitaletl/internal/core/domain"
	"hospitaletl/internal/core/ports"
	"hospitaletl/internal/logger"
	"hospitaletl/internal/normalizer"
)

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	Workers         int
	DownloadTimeout time.Duration // download + raw write
	WriteTimeout    time.Duration // transform + processed write
}

// Pool downloads, transforms and commits datasets concurrently.
type Pool struct {
	downloader  ports.Downloader
	artifacts   ports.ArtifactStore
	store       ports.MetadataStore
	transformer *normalizer.Transformer
	cfg         PoolConfig
	logger      *logger.Logger
	now         func() time.Time
}

// NewPool creates a Pool. Zero config values fall back to 5 workers and 10/5 minute timeouts.
func NewPool(
	downloader ports.Downloader,
	artifacts ports.ArtifactStore,
	store ports.MetadataStore,
	transformer *normalizer.Transformer,
	cfg PoolConfig,
	log *logger.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if transformer == nil {
		transformer = normalizer.NewTransformer(normalizer.FormatCSV)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Pool{
		downloader:  downloader,
		artifacts:   artifacts,
		store:       store,
		transformer: transformer,
		cfg:         cfg,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run executes every needs-fetch task and sets its Outcome. Skipped tasks are
// left untouched. Run returns once all dispatched tasks have finished.
func (p *Pool) Run(ctx context.Context, runID string, tasks []domain.ProcessingTask) {
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	for i := range tasks {
		if tasks[i].Decision != domain.DecisionNeedsFetch {
			continue
		}
		task := &tasks[i]
		g.Go(func() error {
			out := p.process(ctx, runID, task)
			task.Outcome = &out
			// Never return an error: one failure must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) process(ctx context.Context, runID string, task *domain.ProcessingTask) (out domain.Outcome) {
	start := time.Now()
	desc := task.Descriptor
	log := p.logger.With("run_id", runID, "dataset_id", desc.ID)
	stage := domain.KindDownloadFailed
	var written []string

	defer func() {
		if r := recover(); r != nil {
			out = domain.Outcome{Kind: stage, Err: fmt.Errorf("panic: %v", r)}
		}
		out.Duration = time.Since(start)
		if out.Success {
			log.Info("dataset processed", "raw", out.RawPath, "processed", out.ProcessedPath, "duration", out.Duration)
			return
		}
		log.Error("dataset failed", "kind", out.Kind, "error", out.Err, "duration", out.Duration)
		p.markFailed(ctx, desc.ID, out.Kind, out.Err, log)
		// After a failed commit the outcome of the write is unknown, so this
		// attempt's artifacts are left as orphans rather than removed.
		if out.Kind != domain.KindMetadataCommitFailed {
			p.remove(ctx, log, written...)
		}
	}()

	if err := p.store.MarkPending(ctx, desc.ID, desc.Title); err != nil {
		log.Warn("failed to mark pending", "error", err)
	}

	log.Info("downloading dataset", "url", desc.DownloadURL)
	rawPath, contentType, err := p.fetchRaw(ctx, desc, runID)
	if err != nil {
		return failure(err)
	}
	written = append(written, rawPath)

	stage = domain.KindTransformFailed
	processedPath, err := p.transform(ctx, desc, runID, rawPath, contentType)
	if err != nil {
		return failure(err)
	}
	written = append(written, processedPath)

	stage = domain.KindMetadataCommitFailed
	if err := ctx.Err(); err != nil {
		return failure(domain.NewTaskError(domain.KindMetadataCommitFailed, err))
	}
	err = p.store.Commit(ctx, domain.CommitRequest{
		ID:            desc.ID,
		Title:         desc.Title,
		Fingerprint:   desc.Fingerprint,
		RawPath:       rawPath,
		ProcessedPath: processedPath,
		At:            p.now(),
	})
	if err != nil {
		return failure(domain.NewTaskError(domain.KindMetadataCommitFailed, err))
	}

	// The record now points at this attempt; the previous version is garbage.
	if prev := task.Previous; prev != nil {
		var stale []string
		for _, loc := range []string{prev.RawPath, prev.ProcessedPath} {
			if loc != "" && loc != rawPath && loc != processedPath {
				stale = append(stale, loc)
			}
		}
		p.remove(ctx, log, stale...)
	}

	return domain.Outcome{Success: true, RawPath: rawPath, ProcessedPath: processedPath}
}

// remove deletes artifacts best-effort; failures only leave orphans behind.
func (p *Pool) remove(ctx context.Context, log *logger.Logger, locations ...string) {
	if len(locations) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	for _, loc := range locations {
		if err := p.artifacts.Remove(rctx, loc); err != nil {
			log.Warn("failed to remove artifact", "location", loc, "error", err)
		}
	}
}

// fetchRaw streams the download verbatim into the raw artifact.
func (p *Pool) fetchRaw(ctx context.Context, desc domain.DatasetDescriptor, attempt string) (string, string, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
	defer cancel()

	dl, err := p.downloader.Download(dctx, desc.DownloadURL)
	if err != nil {
		return "", "", domain.NewTaskError(domain.KindDownloadFailed, err)
	}
	defer dl.Body.Close()

	body := &trackingReader{r: dl.Body}
	loc, err := p.artifacts.Put(dctx, ports.ArtifactRaw, artifactName(desc.ID, attempt, ".csv"), body)
	if err != nil {
		if body.err != nil || dctx.Err() != nil {
			return "", "", domain.NewTaskError(domain.KindDownloadFailed, err)
		}
		return "", "", domain.NewTaskError(domain.KindWriteFailed, err)
	}

	contentType := dl.ContentType
	if contentType == "" {
		contentType = desc.MediaType
	}
	return loc, contentType, nil
}

type transformResult struct {
	stats *normalizer.TableStats
	err   error
}

// transform reads the raw artifact back and pipes the normalized table into the processed artifact.
func (p *Pool) transform(ctx context.Context, desc domain.DatasetDescriptor, attempt, rawPath, contentType string) (string, error) {
	wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	src, err := p.artifacts.Open(wctx, rawPath)
	if err != nil {
		return "", domain.NewTaskError(domain.KindTransformFailed, err)
	}
	defer src.Close()

	pr, pw := io.Pipe()
	done := make(chan transformResult, 1)
	go func() {
		var res transformResult
		defer func() {
			if r := recover(); r != nil {
				res = transformResult{err: fmt.Errorf("panic: %v", r)}
			}
			pw.CloseWithError(res.err)
			done <- res
		}()
		res.stats, res.err = p.transformer.Transform(src, contentType, pw)
	}()

	name := artifactName(desc.ID, attempt, p.transformer.Format().Extension())
	loc, putErr := p.artifacts.Put(wctx, ports.ArtifactProcessed, name, pr)
	if putErr != nil {
		pr.CloseWithError(putErr)
	}
	res := <-done

	switch {
	case res.err != nil && !errors.Is(res.err, normalizer.ErrSink):
		return "", domain.NewTaskError(domain.KindTransformFailed, res.err)
	case putErr != nil:
		return "", domain.NewTaskError(domain.KindWriteFailed, putErr)
	case res.err != nil:
		return "", domain.NewTaskError(domain.KindWriteFailed, res.err)
	}

	p.logger.Debug("dataset transformed", "dataset_id", desc.ID, "columns", len(res.stats.Columns), "rows", res.stats.Rows)
	return loc, nil
}

// markFailed records the failure even when the run context is already done.
func (p *Pool) markFailed(ctx context.Context, id string, kind domain.ErrorKind, cause error, log *logger.Logger) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.MarkFailed(mctx, id, kind, cause); err != nil {
		log.Warn("failed to record failure", "error", err)
	}
}

func failure(err error) domain.Outcome {
	return domain.Outcome{Kind: domain.KindOf(err), Err: err}
}

// artifactName names one attempt's artifact: <escaped id>@<attempt><ext>.
// escapeID is injective and never emits '@', so distinct datasets and
// distinct attempts never share a name.
func artifactName(id, attempt, ext string) string {
	return escapeID(id) + "@" + escapeID(attempt) + ext
}

// escapeID percent-encodes every byte outside [A-Za-z0-9_-], plus '.' when
// it is not the first byte of the name.
func escapeID(id string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		case c == '.' && i > 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// trackingReader remembers the first read error so a failed Put can be
// attributed to the source rather than the sink.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
