package references

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"refmanager/api/internal/logging"
)

// File is one dropped file. Open is called once, from the upload goroutine.
type File struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

var ErrNotPDF = errors.New("only .pdf files are accepted")

// FilesFromPaths turns local paths into Files, rejecting anything that is not
// a regular .pdf file.
func FilesFromPaths(paths []string) ([]File, error) {
	files := make([]File, 0, len(paths))
	for _, path := range paths {
		if !strings.EqualFold(filepath.Ext(path), ".pdf") {
			return nil, fmt.Errorf("%s: %w", path, ErrNotPDF)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%s is not a regular file", path)
		}
		p := path
		files = append(files, File{
			Name: filepath.Base(path),
			Size: info.Size(),
			Open: func() (io.ReadCloser, error) { return os.Open(p) },
		})
	}
	return files, nil
}

type Target struct {
	OrganizationID string
	ProjectID      string
}

// Controller runs the drop flow: placeholders first, then one independent
// issue-and-transfer per file.
type Controller struct {
	ledger   *Ledger
	issuer   UploadTargetIssuer
	transfer BlobTransfer
	notifier Notifier
	target   Target
	slots    chan struct{}
	logger   *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

type ControllerConfig struct {
	Ledger   *Ledger
	Issuer   UploadTargetIssuer
	Transfer BlobTransfer
	Notifier Notifier
	Target   Target
	// MaxConcurrent bounds simultaneous uploads; zero means no bound.
	MaxConcurrent int
	Logger        *zap.Logger
}

func NewController(cfg ControllerConfig) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	transfer := cfg.Transfer
	if transfer == nil {
		transfer = HTTPTransfer{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	c := &Controller{
		ledger:   cfg.Ledger,
		issuer:   cfg.Issuer,
		transfer: transfer,
		notifier: notifier,
		target:   cfg.Target,
		logger:   logging.OrNop(cfg.Logger).Named("uploads"),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.MaxConcurrent > 0 {
		c.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	c.group = &errgroup.Group{}
	return c
}

func (c *Controller) Ledger() *Ledger { return c.ledger }

// HandleFileDrop appends one placeholder per file and starts their uploads.
// It returns the ledger snapshot without waiting for any network call.
func (c *Controller) HandleFileDrop(ctx context.Context, files []File) []Entry {
	if len(files) == 0 {
		return c.ledger.Snapshot()
	}
	descriptors := make([]FileDescriptor, len(files))
	for i, f := range files {
		descriptors[i] = FileDescriptor{Name: f.Name, Size: f.Size}
	}
	snapshot := c.ledger.AppendBatch(descriptors)
	placeholders := snapshot[len(snapshot)-len(files):]

	c.mu.Lock()
	runCtx := c.ctx
	group := c.group
	c.mu.Unlock()

	// Uploads stop on either the caller's context or Close.
	uploadCtx, stop := mergeCancel(ctx, runCtx)
	var wg sync.WaitGroup
	wg.Add(len(files))
	go func() {
		wg.Wait()
		stop()
	}()

	for i := range files {
		file := files[i]
		entry := placeholders[i]
		group.Go(func() error {
			defer wg.Done()
			if !c.acquire(uploadCtx) {
				c.ledger.RemovePlaceholder(entry.ID)
				return nil
			}
			defer c.release()
			c.upload(uploadCtx, entry.ID, file)
			return nil
		})
	}
	return snapshot
}

func (c *Controller) acquire(ctx context.Context) bool {
	if c.slots == nil {
		return ctx.Err() == nil
	}
	select {
	case c.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) release() {
	if c.slots != nil {
		<-c.slots
	}
}

func (c *Controller) upload(ctx context.Context, placeholderID string, file File) {
	logger := c.logger.With(zap.String("file", file.Name), zap.String("correlation_id", placeholderID))

	if err := c.uploadOne(ctx, placeholderID, file); err != nil {
		if ctx.Err() != nil {
			logger.Debug("upload canceled", zap.Error(err))
		} else {
			logger.Warn("upload failed", zap.Error(err))
			c.notifier.Notify(UploadFailedNotice(file.Name, err))
		}
		c.ledger.RemovePlaceholder(placeholderID)
		return
	}
	logger.Debug("upload transferred, awaiting server event")
}

func (c *Controller) uploadOne(ctx context.Context, placeholderID string, file File) error {
	target, err := c.issuer.RequestUploadTarget(ctx, UploadTargetRequest{
		FileName:       file.Name,
		OrganizationID: c.target.OrganizationID,
		ProjectID:      c.target.ProjectID,
		CorrelationID:  placeholderID,
	})
	if err != nil {
		return err
	}
	if file.Open == nil {
		return fmt.Errorf("%s: no content", file.Name)
	}
	body, err := file.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer body.Close()
	return c.transfer.Transfer(ctx, target, body, file.Size, ContentTypePDF)
}

// Wait blocks until every upload started so far has finished.
func (c *Controller) Wait() {
	c.mu.Lock()
	group := c.group
	c.mu.Unlock()
	_ = group.Wait()
}

// Close cancels in-flight uploads and waits for them to unwind. The controller
// can keep accepting drops afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancel()
	group := c.group
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.group = &errgroup.Group{}
	c.mu.Unlock()
	_ = group.Wait()
}

// mergeCancel returns a context done when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
