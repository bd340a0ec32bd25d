package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks citation_entries with plainto_tsquery and ts_rank, using
// ts_headline over the abstract for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	where, args := pgWhere(q)

	var total int
	countSQL := "SELECT count(*) FROM citation_entries c WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id::text, c.title,
			ts_headline('english', coalesce(c.fields->>'abstract', ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			c.organization_id::text, coalesce(c.project_id::text, ''), c.file_name
		FROM citation_entries c
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('english', $1)) DESC, c.created_at DESC
		LIMIT %d OFFSET %d`, where, q.limit(), q.offset())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.OrganizationID, &r.ProjectID, &r.FileName); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func pgWhere(q Query) (string, []any) {
	where := "c.fts @@ plainto_tsquery('english', $1) AND c.organization_id = $2"
	args := []any{q.Text, q.OrganizationID}
	if q.ProjectID != "" {
		where += " AND c.project_id = $3"
		args = append(args, q.ProjectID)
	}
	return where, args
}

// LoadAllRecords returns every citation for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CitationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, title, fields, organization_id::text, coalesce(project_id::text, ''), file_name, citation_type
		FROM citation_entries
	`)
	if err != nil {
		return nil, fmt.Errorf("load citations: %w", err)
	}
	defer rows.Close()

	records := make([]CitationRecord, 0)
	for rows.Next() {
		var (
			r      CitationRecord
			fields []byte
		)
		if err := rows.Scan(&r.ID, &r.Title, &fields, &r.OrganizationID, &r.ProjectID, &r.FileName, &r.CitationType); err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		r.Abstract, r.Creators = recordFields(fields)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate citations: %w", err)
	}
	return records, nil
}

// recordFields pulls the searchable parts out of a citation's fields JSON.
func recordFields(raw []byte) (string, []string) {
	var fields struct {
		Abstract string          `json:"abstract"`
		Creators json.RawMessage `json:"creators"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil {
		return "", nil
	}
	return fields.Abstract, creatorNames(fields.Creators)
}

// creatorNames accepts either a list of strings or a list of
// {firstName,lastName} objects.
func creatorNames(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var names []string
	if json.Unmarshal(raw, &names) == nil {
		return names
	}
	var people []struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Name      string `json:"name"`
	}
	if json.Unmarshal(raw, &people) != nil {
		return nil
	}
	for _, person := range people {
		name := strings.TrimSpace(person.FirstName + " " + person.LastName)
		if name == "" {
			name = person.Name
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
