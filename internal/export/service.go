package export

import (
	"context"
	"fmt"
	"time"

	"refmanager/api/internal/events"
)

// CitationSource loads citations by id, restricted to one organization.
type CitationSource interface {
	CitationsForExport(ctx context.Context, organizationID string, ids []string) ([]events.Citation, error)
}

// Service provides bibliography export functionality
type Service struct {
	source   CitationSource
	renderer PDFRenderer
	now      func() time.Time
}

// NewService creates a new export service. A nil renderer uses headless Chrome.
func NewService(source CitationSource, renderer PDFRenderer) *Service {
	if renderer == nil {
		renderer = ChromeRenderer{}
	}
	return &Service{source: source, renderer: renderer, now: time.Now}
}

// Export generates a bibliography in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	format, err := ParseFormat(string(req.Format))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, req.Format)
	}
	citations, err := s.source.CitationsForExport(ctx, req.OrganizationID, req.CitationIDs)
	if err != nil {
		return nil, fmt.Errorf("load citations: %w", err)
	}
	if len(citations) == 0 {
		return nil, ErrNoCitations
	}

	title := req.Title
	if title == "" {
		title = "Bibliography"
	}
	html, err := RenderBibliographyHTML(TemplateData{
		Title:       title,
		GeneratedAt: s.now(),
		Entries:     BuildEntries(citations),
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatPDF:
		data, err := s.renderer.RenderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return &Result{Data: []byte(html), Filename: sanitizeFilename(title) + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}
}
