package export

import (
	"sort"
	"strconv"
	"strings"

	"refmanager/api/internal/events"
)

// BuildEntries formats citations into bibliography entries sorted by first
// author, then title.
func BuildEntries(citations []events.Citation) []Entry {
	entries := make([]Entry, 0, len(citations))
	for _, c := range citations {
		entries = append(entries, Entry{
			ID:      c.ID,
			Authors: formatAuthors(c.Fields.Creators),
			Year:    citationYear(c),
			Title:   strings.TrimSpace(c.Fields.Title),
			DOI:     strings.TrimPrefix(strings.TrimSpace(c.Fields.DOI), "https://doi.org/"),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ki, kj := sortKey(entries[i]), sortKey(entries[j])
		if ki != kj {
			return ki < kj
		}
		return strings.ToLower(entries[i].Title) < strings.ToLower(entries[j].Title)
	})
	return entries
}

func sortKey(e Entry) string {
	if e.Authors != "" {
		return strings.ToLower(e.Authors)
	}
	return strings.ToLower(e.Title)
}

// formatAuthors renders "Last, F." names joined APA style.
func formatAuthors(creators []string) string {
	names := make([]string, 0, len(creators))
	for _, c := range creators {
		if n := invertName(c); n != "" {
			names = append(names, n)
		}
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + ", & " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + ", & " + names[len(names)-1]
	}
}

func invertName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ",") {
		return name
	}
	parts := strings.Fields(name)
	if len(parts) == 1 {
		return parts[0]
	}
	last := parts[len(parts)-1]
	initials := make([]string, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		initials = append(initials, string([]rune(p)[0])+".")
	}
	return last + ", " + strings.Join(initials, " ")
}

func citationYear(c events.Citation) string {
	if y, ok := c.Fields.Extra["year"]; ok {
		switch v := y.(type) {
		case string:
			return v
		case float64:
			return strconv.Itoa(int(v))
		}
	}
	return ""
}
