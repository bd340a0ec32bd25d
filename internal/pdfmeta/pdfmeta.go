// Package pdfmeta reads document information from uploaded PDFs.
package pdfmeta

import (
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var ErrNotPDF = errors.New("not a pdf document")

type Metadata struct {
	Title     string
	Author    string
	Subject   string
	Keywords  []string
	PageCount int
}

// Extract validates the document in relaxed mode and returns its info
// dictionary together with the page count.
func Extract(rs io.ReadSeeker) (Metadata, error) {
	if err := sniff(rs); err != nil {
		return Metadata{}, err
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadAndValidate(rs, conf)
	if err != nil {
		return Metadata{}, fmt.Errorf("read pdf: %w", err)
	}
	return Metadata{
		Title:     clean(ctx.Title),
		Author:    clean(ctx.Author),
		Subject:   clean(ctx.Subject),
		Keywords:  splitKeywords(ctx.Keywords),
		PageCount: ctx.PageCount,
	}, nil
}

func sniff(rs io.ReadSeeker) error {
	head := make([]byte, 5)
	if _, err := io.ReadFull(rs, head); err != nil {
		return fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	if string(head) != "%PDF-" {
		return ErrNotPDF
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	return nil
}

var separators = regexp.MustCompile(`[_\s]+`)

// TitleOrFallback returns the embedded title, or one derived from the file
// name when the document has none.
func (m Metadata) TitleOrFallback(fileName string) string {
	if m.Title != "" {
		return m.Title
	}
	return TitleFromFileName(fileName)
}

func TitleFromFileName(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	title := strings.TrimSpace(separators.ReplaceAllString(base, " "))
	if title == "" || title == "." || title == "/" {
		return "Untitled"
	}
	return title
}

func clean(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

func splitKeywords(s string) []string {
	s = clean(s)
	if s == "" {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
