package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"refmanager/api/internal/events"
)

type fakeSource struct {
	citationsFn func(ctx context.Context, organizationID string, ids []string) ([]events.Citation, error)
}

func (f fakeSource) CitationsForExport(ctx context.Context, organizationID string, ids []string) ([]events.Citation, error) {
	return f.citationsFn(ctx, organizationID, ids)
}

type fakeRenderer struct {
	got string
}

func (f *fakeRenderer) RenderPDF(_ context.Context, html string) ([]byte, error) {
	f.got = html
	return []byte("%PDF-1.7 fake"), nil
}

func sampleCitations() []events.Citation {
	return []events.Citation{
		{ID: "c2", Fields: events.Fields{Title: "Zebra Patterns", Creators: []string{"Alan Turing"}, Extra: map[string]any{"year": float64(1952)}}},
		{ID: "c1", Fields: events.Fields{Title: "Notes on the Analytical Engine", Creators: []string{"Ada King Lovelace"}, DOI: "https://doi.org/10.1000/xyz"}},
		{ID: "c3", Fields: events.Fields{Title: "<script>alert(1)</script>"}},
	}
}

func TestExportHTML(t *testing.T) {
	svc := NewService(fakeSource{citationsFn: func(_ context.Context, org string, ids []string) ([]events.Citation, error) {
		if org != "org-1" || len(ids) != 3 {
			t.Fatalf("unexpected args %s %v", org, ids)
		}
		return sampleCitations(), nil
	}}, &fakeRenderer{})
	svc.now = func() time.Time { return time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC) }

	res, err := svc.Export(context.Background(), Request{OrganizationID: "org-1", CitationIDs: []string{"c1", "c2", "c3"}, Title: "My Thesis: Refs"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Filename != "My-Thesis-Refs.html" || !strings.HasPrefix(res.MimeType, "text/html") {
		t.Fatalf("unexpected result meta %q %q", res.Filename, res.MimeType)
	}
	html := string(res.Data)
	for _, want := range []string{"Lovelace, A. K.", "(1952)", "https://doi.org/10.1000/xyz", "3 entries", "Mar 4, 2026"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q", want)
		}
	}
	if strings.Contains(html, "<script>alert") {
		t.Fatal("titles must be escaped")
	}
	if strings.Index(html, "Lovelace") > strings.Index(html, "Turing") {
		t.Fatal("entries should be sorted by author")
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	renderer := &fakeRenderer{}
	svc := NewService(fakeSource{citationsFn: func(context.Context, string, []string) ([]events.Citation, error) {
		return sampleCitations()[:1], nil
	}}, renderer)

	res, err := svc.Export(context.Background(), Request{OrganizationID: "o", CitationIDs: []string{"c2"}, Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.MimeType != "application/pdf" || res.Filename != "Bibliography.pdf" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(renderer.got, "Zebra Patterns") || !strings.Contains(renderer.got, "1 entry") {
		t.Fatal("renderer should receive the bibliography html")
	}
}

func TestExportErrors(t *testing.T) {
	empty := NewService(fakeSource{citationsFn: func(context.Context, string, []string) ([]events.Citation, error) {
		return nil, nil
	}}, &fakeRenderer{})
	if _, err := empty.Export(context.Background(), Request{CitationIDs: []string{"x"}}); !errors.Is(err, ErrNoCitations) {
		t.Fatalf("expected ErrNoCitations, got %v", err)
	}
	if _, err := empty.Export(context.Background(), Request{Format: "docx"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestFormatAuthors(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"Knuth"}, "Knuth"},
		{[]string{"Donald Knuth", "Lovelace, Ada"}, "Knuth, D., & Lovelace, Ada"},
		{[]string{"A B", "C D", "E F"}, "B, A., D, C., & F, E."},
	}
	for _, tc := range tests {
		if got := formatAuthors(tc.in); got != tc.want {
			t.Errorf("formatAuthors(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	if got := percentEncodeForDataURL("a b<é"); got != "a%20b%3C%C3%A9" {
		t.Fatalf("percentEncodeForDataURL() = %q", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"Hello World":              "Hello-World",
		"":                         "bibliography",
		"!!!":                      "bibliography",
		strings.Repeat("x", 80):    strings.Repeat("x", 50),
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
