package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Snippet        string `json:"snippet"`
	OrganizationID string `json:"organizationId"`
	ProjectID      string `json:"projectId,omitempty"`
	FileName       string `json:"fileName,omitempty"`
}

// Query describes a search request. OrganizationID is mandatory; callers
// only ever search inside one organization.
type Query struct {
	Text           string
	OrganizationID string
	ProjectID      string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push citations into a search index.
type Indexer interface {
	IndexCitations(records []CitationRecord) error
	DeleteCitations(ids []string) error
}

// CitationRecord is the data we index for a citation entry.
type CitationRecord struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Abstract       string   `json:"abstract"`
	Creators       []string `json:"creators"`
	OrganizationID string   `json:"organizationId"`
	ProjectID      string   `json:"projectId"`
	FileName       string   `json:"fileName"`
	CitationType   string   `json:"citationType"`
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	if q.Limit > 100 {
		return 100
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
