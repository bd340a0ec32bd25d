// Package ingest turns uploaded PDFs into citations and tells the uploader's
// reference list what happened.
package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"refmanager/api/internal/events"
	"refmanager/api/internal/library"
	"refmanager/api/internal/logging"
	"refmanager/api/internal/metrics"
	"refmanager/api/internal/objectstore"
	"refmanager/api/internal/pdfmeta"
	"refmanager/api/internal/search"
	"refmanager/api/internal/store"
	"refmanager/api/internal/uploads"
)

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
)

const defaultCitationType = "ARTICLE"

// ErrRequeued marks a failure after which the pending upload was registered
// again, so the object can be processed once more.
var ErrRequeued = errors.New("pending upload requeued")

type PendingUploads interface {
	Claim(ctx context.Context, objectKey string) (uploads.Pending, error)
	Register(ctx context.Context, p uploads.Pending, ttl time.Duration) error
}

type Objects interface {
	Open(ctx context.Context, key string, maxBytes int64) (objectstore.Object, int64, error)
	Remove(ctx context.Context, key string) error
	Listen(ctx context.Context) <-chan objectstore.Notification
}

type Citations interface {
	FindCitationByHash(ctx context.Context, organizationID, fileHash string) (store.Citation, error)
	InsertCitation(ctx context.Context, c store.Citation) (store.Citation, error)
}

type History interface {
	Record(organizationID string, citation events.Citation, author string) (library.Commit, error)
}

type Indexer interface {
	IndexCitation(record search.CitationRecord)
}

type Publisher interface {
	Publish(ctx context.Context, organizationID, userID string, env events.Envelope) (int64, error)
}

type Config struct {
	Pending     PendingUploads
	Objects     Objects
	Citations   Citations
	History     History
	Search      Indexer
	Publisher   Publisher
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Concurrency int
	MaxBytes    int64
	// PendingTTL bounds a requeued pending upload.
	PendingTTL time.Duration
	// Attempts is how often Run processes one object before giving up.
	Attempts   int
	RetryDelay time.Duration
}

type Worker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewWorker(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = time.Hour
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Worker{cfg: cfg, logger: logging.OrNop(cfg.Logger).Named("ingest"), now: time.Now}
}

// Run processes bucket notifications until ctx is done or the stream ends.
// At most Concurrency objects are processed at once.
func (w *Worker) Run(ctx context.Context) error {
	notifications := w.cfg.Objects.Listen(ctx)

	var group errgroup.Group
	group.SetLimit(w.cfg.Concurrency)
	for n := range notifications {
		if n.Err != nil {
			w.logger.Warn("bucket notification error", zap.Error(n.Err))
			continue
		}
		key := n.Key
		group.Go(func() error {
			w.processWithRetry(ctx, key)
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("bucket notification stream closed")
}

// processWithRetry runs Process again while it reports ErrRequeued, waiting a
// little longer before every attempt.
func (w *Worker) processWithRetry(ctx context.Context, key string) {
	log := w.logger.With(zap.String("object_key", key))
	for attempt := 1; ; attempt++ {
		_, err := w.Process(ctx, key)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrRequeued) || attempt >= w.cfg.Attempts {
			log.Error("ingest failed", zap.Int("attempt", attempt), zap.Error(err))
			return
		}
		log.Warn("ingest failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		timer := time.NewTimer(time.Duration(attempt) * w.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Process ingests one stored object. Failures that leave nothing behind
// register the pending upload again and wrap ErrRequeued.
func (w *Worker) Process(ctx context.Context, key string) (Outcome, error) {
	started := w.now()
	log := w.logger.With(zap.String("object_key", key))

	if _, err := objectstore.ParseUploadKey(key); err != nil {
		log.Debug("object is not an upload, skipping", zap.Error(err))
		w.cfg.Metrics.Ingested(string(OutcomeSkipped), w.now().Sub(started))
		return OutcomeSkipped, nil
	}

	pending, err := w.cfg.Pending.Claim(ctx, key)
	if errors.Is(err, uploads.ErrNotFound) {
		log.Debug("no pending upload for object, skipping")
		w.cfg.Metrics.Ingested(string(OutcomeSkipped), w.now().Sub(started))
		return OutcomeSkipped, nil
	}
	if err != nil {
		w.cfg.Metrics.IngestFailed("claim")
		return "", fmt.Errorf("claim pending upload: %w", err)
	}
	log = log.With(
		zap.String("organization_id", pending.OrganizationID),
		zap.String("user_id", pending.UserID),
		zap.String("correlation_id", pending.CorrelationID),
	)

	hash, meta, err := w.inspect(ctx, key, pending.FileName)
	if err != nil {
		w.cfg.Metrics.IngestFailed("read")
		if errors.Is(err, pdfmeta.ErrNotPDF) || errors.Is(err, objectstore.ErrObjectTooLarge) {
			w.removeObject(ctx, log, key)
			return "", err
		}
		return "", w.requeue(ctx, log, pending, err)
	}

	existing, err := w.cfg.Citations.FindCitationByHash(ctx, pending.OrganizationID, hash)
	switch {
	case err == nil:
		return w.duplicate(ctx, log, key, pending, existing, started)
	case !errors.Is(err, sql.ErrNoRows):
		w.cfg.Metrics.IngestFailed("lookup")
		return "", w.requeue(ctx, log, pending, fmt.Errorf("find citation by hash: %w", err))
	}

	fields := events.Fields{
		Title:     meta.TitleOrFallback(pending.FileName),
		PageCount: meta.PageCount,
	}
	if meta.Author != "" {
		fields.Creators = []string{meta.Author}
	}
	if meta.Subject != "" {
		fields.Abstract = meta.Subject
	}
	if len(meta.Keywords) > 0 {
		fields.Extra = map[string]any{"keywords": meta.Keywords}
	}
	rawFields, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}

	row := store.Citation{
		OrganizationID: pending.OrganizationID,
		CitationType:   defaultCitationType,
		Title:          fields.Title,
		Fields:         rawFields,
		FileName:       pending.FileName,
		FileHash:       &hash,
		ObjectKey:      &key,
		CreatedBy:      pending.UserID,
	}
	if pending.ProjectID != "" {
		project := pending.ProjectID
		row.ProjectID = &project
	}

	inserted, err := w.cfg.Citations.InsertCitation(ctx, row)
	if errors.Is(err, store.ErrDuplicateFile) {
		// Lost a race with a concurrent upload of the same file.
		existing, findErr := w.cfg.Citations.FindCitationByHash(ctx, pending.OrganizationID, hash)
		if findErr != nil {
			w.cfg.Metrics.IngestFailed("lookup")
			return "", w.requeue(ctx, log, pending, fmt.Errorf("find citation after conflict: %w", findErr))
		}
		return w.duplicate(ctx, log, key, pending, existing, started)
	}
	if err != nil {
		w.cfg.Metrics.IngestFailed("insert")
		return "", w.requeue(ctx, log, pending, err)
	}

	citation := inserted.Event()
	if w.cfg.History != nil {
		author := pending.UserName
		if author == "" {
			author = pending.UserID
		}
		if _, err := w.cfg.History.Record(pending.OrganizationID, citation, author); err != nil {
			w.cfg.Metrics.IngestFailed("history")
			log.Warn("record citation history", zap.Error(err))
		}
	}
	if w.cfg.Search != nil {
		w.cfg.Search.IndexCitation(SearchRecord(citation, pending.FileName))
	}

	w.publish(ctx, log, pending, events.Created(citation, pending.CorrelationID))
	w.cfg.Metrics.Ingested(string(OutcomeCreated), w.now().Sub(started))
	log.Info("citation created", zap.String("citation_id", citation.ID), zap.String("title", citation.Fields.Title))
	return OutcomeCreated, nil
}

func (w *Worker) duplicate(ctx context.Context, log *zap.Logger, key string, pending uploads.Pending, existing store.Citation, started time.Time) (Outcome, error) {
	w.removeObject(ctx, log, key)
	w.publish(ctx, log, pending, events.Duplicate(existing.Event(), pending.CorrelationID))
	w.cfg.Metrics.Ingested(string(OutcomeDuplicate), w.now().Sub(started))
	log.Info("duplicate upload", zap.String("citation_id", existing.ID))
	return OutcomeDuplicate, nil
}

// inspect hashes the object and reads its PDF metadata. A PDF that pdfcpu
// cannot parse still ingests with metadata derived from the file name.
func (w *Worker) inspect(ctx context.Context, key, fileName string) (string, pdfmeta.Metadata, error) {
	obj, _, err := w.cfg.Objects.Open(ctx, key, w.cfg.MaxBytes)
	if err != nil {
		return "", pdfmeta.Metadata{}, err
	}
	defer obj.Close()

	h := sha256.New()
	if _, err := io.Copy(h, obj); err != nil {
		return "", pdfmeta.Metadata{}, fmt.Errorf("hash object: %w", err)
	}
	hash := hex.EncodeToString(h.Sum(nil))
	if _, err := obj.Seek(0, io.SeekStart); err != nil {
		return "", pdfmeta.Metadata{}, fmt.Errorf("rewind object: %w", err)
	}

	meta, err := pdfmeta.Extract(obj)
	if errors.Is(err, pdfmeta.ErrNotPDF) {
		return "", pdfmeta.Metadata{}, fmt.Errorf("%s: %w", key, err)
	}
	if err != nil {
		w.logger.Warn("pdf metadata unreadable, using file name", zap.String("object_key", key), zap.Error(err))
		meta = pdfmeta.Metadata{Title: pdfmeta.TitleFromFileName(fileName)}
	}
	return hash, meta, nil
}

// requeue puts the claimed pending upload back so a later attempt can claim it.
func (w *Worker) requeue(ctx context.Context, log *zap.Logger, pending uploads.Pending, cause error) error {
	if err := w.cfg.Pending.Register(ctx, pending, w.cfg.PendingTTL); err != nil {
		log.Error("requeue pending upload", zap.Error(err))
		return cause
	}
	return fmt.Errorf("%w: %w", ErrRequeued, cause)
}

func (w *Worker) removeObject(ctx context.Context, log *zap.Logger, key string) {
	if err := w.cfg.Objects.Remove(ctx, key); err != nil {
		log.Warn("remove object", zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, log *zap.Logger, pending uploads.Pending, env events.Envelope) {
	receivers, err := w.cfg.Publisher.Publish(ctx, pending.OrganizationID, pending.UserID, env)
	if err != nil {
		w.cfg.Metrics.IngestFailed("publish")
		log.Error("publish citation event", zap.Error(err))
		return
	}
	w.cfg.Metrics.EventPublished(string(env.Kind()))
	log.Debug("published citation event", zap.String("kind", string(env.Kind())), zap.Int64("receivers", receivers))
}

// SearchRecord maps a citation to its search document.
func SearchRecord(c events.Citation, fileName string) search.CitationRecord {
	return search.CitationRecord{
		ID:             c.ID,
		Title:          c.Fields.Title,
		Abstract:       c.Fields.Abstract,
		Creators:       c.Fields.Creators,
		OrganizationID: c.OrganizationID,
		ProjectID:      c.ProjectID,
		FileName:       fileName,
		CitationType:   c.CitationType,
	}
}
