package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var bibliographyTemplate = template.Must(
	template.New("bibliography.html").Funcs(template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}).ParseFS(templateFS, "templates/bibliography.html"),
)

// TemplateData holds data for bibliography rendering
type TemplateData struct {
	Title       string
	GeneratedAt time.Time
	Entries     []Entry
}

// Entry is one formatted bibliography line.
type Entry struct {
	ID      string
	Authors string
	Year    string
	Title   string
	DOI     string
}

// RenderBibliographyHTML renders the bibliography template with provided data
func RenderBibliographyHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := bibliographyTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
