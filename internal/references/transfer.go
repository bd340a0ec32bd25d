package references

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const ContentTypePDF = "application/pdf"

// TransferError reports a non-2xx status from the storage endpoint.
type TransferError struct {
	Status int
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("blob transfer failed with status %d", e.Status)
}

// BlobTransfer writes raw bytes to a temporary write URL.
type BlobTransfer interface {
	Transfer(ctx context.Context, target string, body io.Reader, size int64, contentType string) error
}

// HTTPTransfer PUTs the body as-is. It never retries.
type HTTPTransfer struct {
	Client *http.Client
}

func (t HTTPTransfer) Transfer(ctx context.Context, target string, body io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = ContentTypePDF
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if size >= 0 {
		req.ContentLength = size
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransferError{Status: resp.StatusCode}
	}
	return nil
}
