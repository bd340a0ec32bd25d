package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"refmanager/api/internal/export"
	"refmanager/api/internal/library"
	"refmanager/api/internal/search"
	"refmanager/api/internal/store"
	"refmanager/api/internal/uploads"
)

type fakeStore struct {
	mu            sync.Mutex
	seq           int
	users         map[string]store.User
	organizations map[string]store.Organization
	roles         map[string]string
	projects      []store.Project
	collaborators []store.ProjectCollaborator
	citations     map[string]store.Citation

	pingFn func(ctx context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         map[string]store.User{},
		organizations: map[string]store.Organization{},
		roles:         map[string]string{},
		citations:     map[string]store.Citation{},
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) EnsureUserByName(_ context.Context, name string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.DisplayName == name {
			return u, nil
		}
	}
	u := store.User{ID: f.nextID("user"), DisplayName: name, Email: name + "@example.com", CreatedAt: time.Now()}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) EnsureOrganization(_ context.Context, name, slug string) (store.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if org, ok := f.organizations[slug]; ok {
		return org, nil
	}
	org := store.Organization{ID: f.nextID("org"), Name: name, Slug: slug}
	f.organizations[slug] = org
	return org, nil
}

func (f *fakeStore) UpsertMembership(_ context.Context, org, user, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles[org+"/"+user] == "admin" {
		return nil
	}
	f.roles[org+"/"+user] = role
	return nil
}

func (f *fakeStore) setRole(org, user, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[org+"/"+user] = role
}

func (f *fakeStore) MembershipRole(_ context.Context, org, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[org+"/"+user], nil
}

func (f *fakeStore) ListMemberships(_ context.Context, user string) ([]store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Membership
	for key, role := range f.roles {
		var org, u string
		for i := len(key) - 1; i >= 0; i-- {
			if key[i] == '/' {
				org, u = key[:i], key[i+1:]
				break
			}
		}
		if u == user {
			out = append(out, store.Membership{OrganizationID: org, UserID: u, Role: role})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out, nil
}

func (f *fakeStore) InsertProject(_ context.Context, p store.Project) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = f.nextID("proj")
	p.CreatedAt = time.Now()
	f.projects = append(f.projects, p)
	return p, nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return store.Project{}, sql.ErrNoRows
}

func (f *fakeStore) ListProjects(_ context.Context, org string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Project{}
	for _, p := range f.projects {
		if p.OrganizationID == org {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) AddProjectCollaborator(_ context.Context, projectID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[userID]
	f.collaborators = append(f.collaborators, store.ProjectCollaborator{
		ProjectID: projectID, UserID: userID, DisplayName: u.DisplayName, Email: u.Email, Role: role,
	})
	return nil
}

func (f *fakeStore) ListProjectCollaborators(_ context.Context, org string) ([]store.ProjectCollaborator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inOrg := map[string]bool{}
	for _, p := range f.projects {
		if p.OrganizationID == org {
			inOrg[p.ID] = true
		}
	}
	var out []store.ProjectCollaborator
	for _, c := range f.collaborators {
		if inOrg[c.ProjectID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) addCitation(c store.Citation) store.Citation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = f.nextID("cit")
	}
	f.citations[c.ID] = c
	return c
}

func (f *fakeStore) GetCitation(_ context.Context, id string) (store.Citation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.citations[id]
	if !ok {
		return store.Citation{}, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) GetCitations(_ context.Context, ids []string) ([]store.Citation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Citation{}
	for _, id := range ids {
		if c, ok := f.citations[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ListCitations(_ context.Context, filter store.CitationFilter) ([]store.Citation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Citation{}
	for _, c := range f.citations {
		if c.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.ProjectID != "" && (c.ProjectID == nil || *c.ProjectID != filter.ProjectID) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) DeleteCitations(_ context.Context, ids []string) ([]store.Citation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Citation{}
	for _, id := range ids {
		if c, ok := f.citations[id]; ok {
			out = append(out, c)
			delete(f.citations, id)
		}
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	pending []uploads.Pending
	ttl     time.Duration
	pingFn  func(ctx context.Context) error
}

func (f *fakeRegistry) Register(_ context.Context, p uploads.Pending, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, p)
	f.ttl = ttl
	return nil
}

func (f *fakeRegistry) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeObjects struct {
	mu      sync.Mutex
	ttl     time.Duration
	removed []string
}

func (f *fakeObjects) PresignPut(_ context.Context, key string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl = ttl
	return "https://minio.local/citations/" + key + "?X-Amz-Signature=sig", nil
}

func (f *fakeObjects) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, key)
	return nil
}

type fakeHistory struct {
	mu        sync.Mutex
	removed   map[string][]string
	historyFn func(org, id string, limit int) ([]library.Commit, error)
}

func (f *fakeHistory) Remove(org string, ids []string, _ string) (library.Commit, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed == nil {
		f.removed = map[string][]string{}
	}
	f.removed[org] = append(f.removed[org], ids...)
	return library.Commit{Hash: "abc1234"}, true, nil
}

func (f *fakeHistory) History(org, id string, limit int) ([]library.Commit, error) {
	if f.historyFn != nil {
		return f.historyFn(org, id, limit)
	}
	return nil, library.ErrNoHistory
}

type fakeSearch struct {
	mu      sync.Mutex
	queries []search.Query
	deleted []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{
		Results: []search.Result{{ID: "cit-9", Title: "Attention Is All You Need", OrganizationID: q.OrganizationID}},
		Total:   1,
		Query:   q.Text,
	}
}

func (f *fakeSearch) DeleteCitations(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
}

type fakeExporter struct {
	exportFn func(ctx context.Context, req export.Request) (*export.Result, error)
}

func (f *fakeExporter) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	return f.exportFn(ctx, req)
}
