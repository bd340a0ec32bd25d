package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"refmanager/api/internal/auth"
	"refmanager/api/internal/config"
	"refmanager/api/internal/events"
	"refmanager/api/internal/export"
	"refmanager/api/internal/library"
	"refmanager/api/internal/metrics"
	"refmanager/api/internal/objectstore"
	"refmanager/api/internal/rbac"
	"refmanager/api/internal/search"
	"refmanager/api/internal/store"
	"refmanager/api/internal/uploads"
	"refmanager/api/internal/util"
)

type Session struct {
	Token         string
	UserID        string
	UserName      string
	JTI           string
	ExpiresAt     time.Time
	Organizations []store.Membership
}

type UploadTargetInput struct {
	FileName       string `json:"filename"`
	OrganizationID string `json:"organization_id"`
	ProjectID      string `json:"project_id"`
	CorrelationID  string `json:"correlation_id"`
}

type BibliographyInput struct {
	OrganizationID string   `json:"organization_id"`
	CitationIDs    []string `json:"citation_entry_ids"`
	Format         string   `json:"format"`
	Title          string   `json:"title"`
}

type CreateProjectInput struct {
	OrganizationID string  `json:"organization"`
	Name           string  `json:"project_name"`
	Parent         *string `json:"parent"`
	IsPublic       bool    `json:"is_public"`
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	EnsureOrganization(context.Context, string, string) (store.Organization, error)
	UpsertMembership(context.Context, string, string, string) error
	MembershipRole(context.Context, string, string) (string, error)
	ListMemberships(context.Context, string) ([]store.Membership, error)
	InsertProject(context.Context, store.Project) (store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context, string) ([]store.Project, error)
	AddProjectCollaborator(context.Context, string, string, string) error
	ListProjectCollaborators(context.Context, string) ([]store.ProjectCollaborator, error)
	GetCitation(context.Context, string) (store.Citation, error)
	GetCitations(context.Context, []string) ([]store.Citation, error)
	ListCitations(context.Context, store.CitationFilter) ([]store.Citation, error)
	DeleteCitations(context.Context, []string) ([]store.Citation, error)
	Ping(context.Context) error
}

type pendingRegistry interface {
	Register(context.Context, uploads.Pending, time.Duration) error
	Ping(context.Context) error
}

type objectStorage interface {
	PresignPut(context.Context, string, time.Duration) (string, error)
	Remove(context.Context, string) error
}

type historyLog interface {
	Remove(string, []string, string) (library.Commit, bool, error)
	History(string, string, int) ([]library.Commit, error)
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	DeleteCitations([]string)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type eventSource interface {
	Subscribe(context.Context, string, string) (*events.Subscription, error)
}

// Deps are the collaborators the service talks to. Search, History, Export
// and Events may be nil; the matching endpoints then report unavailable.
type Deps struct {
	Store   dataStore
	Uploads pendingRegistry
	Objects objectStorage
	History historyLog
	Search  searchService
	Export  exporter
	Events  eventSource
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Service struct {
	cfg     config.Config
	store   dataStore
	uploads pendingRegistry
	objects objectStorage
	history historyLog
	search  searchService
	export  exporter
	events  eventSource
	metrics *metrics.Metrics
	logger  *zap.Logger
	issuer  *auth.Issuer

	defaultOrganizationID string
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		store:   deps.Store,
		uploads: deps.Uploads,
		objects: deps.Objects,
		history: deps.History,
		search:  deps.Search,
		export:  deps.Export,
		events:  deps.Events,
		metrics: deps.Metrics,
		logger:  logger,
		issuer:  auth.NewIssuer(cfg.TokenSecret, cfg.AccessTTL),
	}
}

// Bootstrap ensures the default organization exists and has at least one
// project to upload into.
func (s *Service) Bootstrap(ctx context.Context) error {
	name := strings.TrimSpace(s.cfg.DefaultOrganization)
	if name == "" {
		return nil
	}
	org, err := s.store.EnsureOrganization(ctx, name, slugify(name))
	if err != nil {
		return err
	}
	s.defaultOrganizationID = org.ID

	projects, err := s.store.ListProjects(ctx, org.ID)
	if err != nil {
		return err
	}
	if len(projects) > 0 {
		return nil
	}
	if _, err := s.store.InsertProject(ctx, store.Project{OrganizationID: org.ID, Name: "Inbox"}); err != nil {
		return err
	}
	s.logger.Info("bootstrapped default organization", zap.String("organization_id", org.ID), zap.String("name", name))
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	if s.defaultOrganizationID != "" {
		role, ok := rbac.Parse(s.cfg.DefaultRole)
		if !ok {
			role = rbac.RoleEditor
		}
		current, err := s.store.MembershipRole(ctx, s.defaultOrganizationID, user.ID)
		if err != nil {
			return Session{}, err
		}
		if existing, _ := rbac.Parse(current); rbac.Rank(existing) < rbac.Rank(role) {
			if err := s.store.UpsertMembership(ctx, s.defaultOrganizationID, user.ID, string(role)); err != nil {
				return Session{}, err
			}
		}
	}

	token, claims, err := s.issuer.Issue(user.ID, user.DisplayName)
	if err != nil {
		return Session{}, err
	}
	memberships, err := s.store.ListMemberships(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:         token,
		UserID:        user.ID,
		UserName:      user.DisplayName,
		JTI:           claims.JTI,
		ExpiresAt:     time.Unix(claims.Exp, 0),
		Organizations: memberships,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// authorize fails with 403 unless the caller's organization role allows action.
func (s *Service) authorize(ctx context.Context, session Session, organizationID string, action rbac.Action) error {
	raw, err := s.store.MembershipRole(ctx, organizationID, session.UserID)
	if err != nil {
		return err
	}
	role, ok := rbac.Parse(raw)
	if !ok || !rbac.Can(role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// RequestUploadTarget registers a pending upload and returns a presigned PUT
// URL for it.
func (s *Service) RequestUploadTarget(ctx context.Context, session Session, input UploadTargetInput) (string, error) {
	url, err := s.requestUploadTarget(ctx, session, input)
	s.metrics.UploadTargetIssued(err)
	return url, err
}

func (s *Service) requestUploadTarget(ctx context.Context, session Session, input UploadTargetInput) (string, error) {
	fileName := strings.TrimSpace(input.FileName)
	organizationID := strings.TrimSpace(input.OrganizationID)
	projectID := strings.TrimSpace(input.ProjectID)
	if fileName == "" || organizationID == "" || projectID == "" {
		return "", domainError(http.StatusBadRequest, "INVALID_REQUEST", "filename, organization_id and project_id are required", nil)
	}
	if !strings.EqualFold(path.Ext(fileName), ".pdf") {
		return "", domainError(http.StatusUnprocessableEntity, "UNSUPPORTED_FILE_TYPE", "Only PDF files can be uploaded", map[string]any{"filename": fileName})
	}
	if err := s.authorize(ctx, session, organizationID, rbac.ActionWrite); err != nil {
		return "", err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && project.OrganizationID != organizationID) {
		return "", domainError(http.StatusNotFound, "PROJECT_NOT_FOUND", "Project not found", nil)
	}
	if err != nil {
		return "", err
	}

	uploadID := util.NewID("up")
	key := objectstore.UploadKey(organizationID, projectID, uploadID, fileName)
	if err := s.uploads.Register(ctx, uploads.Pending{
		UploadID:       uploadID,
		ObjectKey:      key,
		UserID:         session.UserID,
		UserName:       session.UserName,
		OrganizationID: organizationID,
		ProjectID:      projectID,
		FileName:       fileName,
		CorrelationID:  strings.TrimSpace(input.CorrelationID),
	}, s.cfg.PendingTTL); err != nil {
		return "", err
	}
	url, err := s.objects.PresignPut(ctx, key, s.cfg.UploadURLTTL)
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	s.logger.Debug("issued upload target",
		zap.String("upload_id", uploadID),
		zap.String("object_key", key),
		zap.String("user_id", session.UserID))
	return url, nil
}

func (s *Service) ListCitations(ctx context.Context, session Session, organizationID, projectID string) ([]events.Citation, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_REQUEST", "organization_id is required", nil)
	}
	if err := s.authorize(ctx, session, organizationID, rbac.ActionRead); err != nil {
		return nil, err
	}
	rows, err := s.store.ListCitations(ctx, store.CitationFilter{OrganizationID: organizationID, ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	items := make([]events.Citation, 0, len(rows))
	for _, c := range rows {
		items = append(items, c.Event())
	}
	return items, nil
}

// RemoveCitations deletes the citations the caller may write. Every
// organization touched must grant write, otherwise nothing is removed.
func (s *Service) RemoveCitations(ctx context.Context, session Session, ids []string) (int, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, domainError(http.StatusBadRequest, "INVALID_REQUEST", "citation_entry_ids is required", nil)
	}
	found, err := s.store.GetCitations(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(found) == 0 {
		return 0, nil
	}
	checked := map[string]bool{}
	existing := make([]string, 0, len(found))
	for _, c := range found {
		if !checked[c.OrganizationID] {
			if err := s.authorize(ctx, session, c.OrganizationID, rbac.ActionWrite); err != nil {
				return 0, err
			}
			checked[c.OrganizationID] = true
		}
		existing = append(existing, c.ID)
	}

	deleted, err := s.store.DeleteCitations(ctx, existing)
	if err != nil {
		return 0, err
	}

	byOrg := map[string][]string{}
	removedIDs := make([]string, 0, len(deleted))
	for _, c := range deleted {
		byOrg[c.OrganizationID] = append(byOrg[c.OrganizationID], c.ID)
		removedIDs = append(removedIDs, c.ID)
		if c.ObjectKey != nil && s.objects != nil {
			if err := s.objects.Remove(ctx, *c.ObjectKey); err != nil {
				s.logger.Warn("remove citation object failed", zap.String("object_key", *c.ObjectKey), zap.Error(err))
			}
		}
	}
	if s.history != nil {
		for org, orgIDs := range byOrg {
			if _, _, err := s.history.Remove(org, orgIDs, session.UserName); err != nil {
				s.logger.Warn("record citation removal failed", zap.String("organization_id", org), zap.Error(err))
			}
		}
	}
	if s.search != nil {
		s.search.DeleteCitations(removedIDs)
	}
	return len(deleted), nil
}

func (s *Service) CitationHistory(ctx context.Context, session Session, citationID string, limit int) ([]library.Commit, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "History is not configured", nil)
	}
	citation, err := s.store.GetCitation(ctx, citationID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, session, citation.OrganizationID, rbac.ActionRead); err != nil {
		return nil, err
	}
	commits, err := s.history.History(citation.OrganizationID, citation.ID, limit)
	if errors.Is(err, library.ErrNoHistory) {
		return []library.Commit{}, nil
	}
	return commits, err
}

func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.OrganizationID) == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "INVALID_REQUEST", "organization_id is required", nil)
	}
	if err := s.authorize(ctx, session, q.OrganizationID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if s.search == nil || strings.TrimSpace(q.Text) == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) Bibliography(ctx context.Context, session Session, input BibliographyInput) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	ids := uniqueIDs(input.CitationIDs)
	if strings.TrimSpace(input.OrganizationID) == "" || len(ids) == 0 {
		return nil, domainError(http.StatusBadRequest, "INVALID_REQUEST", "organization_id and citation_entry_ids are required", nil)
	}
	if err := s.authorize(ctx, session, input.OrganizationID, rbac.ActionRead); err != nil {
		return nil, err
	}
	result, err := s.export.Export(ctx, export.Request{
		OrganizationID: input.OrganizationID,
		CitationIDs:    ids,
		Format:         export.Format(strings.ToLower(strings.TrimSpace(input.Format))),
		Title:          strings.TrimSpace(input.Title),
	})
	switch {
	case errors.Is(err, export.ErrUnsupportedFormat):
		return nil, domainError(http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Format must be html or pdf", nil)
	case errors.Is(err, export.ErrNoCitations):
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No citations to export", nil)
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return nil, domainError(http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil)
	case err != nil:
		return nil, err
	}
	return result, nil
}

type collaboratorView struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

type collaboratorsView struct {
	Editors []collaboratorView `json:"editors"`
	Viewers []collaboratorView `json:"viewers"`
}

type ProjectView struct {
	ID            string            `json:"id"`
	Name          string            `json:"project_name"`
	IsPublic      bool              `json:"is_public"`
	Parent        *string           `json:"parent"`
	Collaborators collaboratorsView `json:"collaborators"`
	Children      []ProjectView     `json:"children"`
}

func (s *Service) GetProjects(ctx context.Context, session Session, organizationID string) ([]ProjectView, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_REQUEST", "organization is required", nil)
	}
	if err := s.authorize(ctx, session, organizationID, rbac.ActionRead); err != nil {
		return nil, err
	}
	projects, err := s.store.ListProjects(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	collaborators, err := s.store.ListProjectCollaborators(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return projectViews(store.BuildProjectTree(projects, collaborators)), nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (ProjectView, error) {
	name := strings.TrimSpace(input.Name)
	if strings.TrimSpace(input.OrganizationID) == "" || name == "" {
		return ProjectView{}, domainError(http.StatusBadRequest, "INVALID_REQUEST", "organization and project_name are required", nil)
	}
	if err := s.authorize(ctx, session, input.OrganizationID, rbac.ActionWrite); err != nil {
		return ProjectView{}, err
	}
	var parent *string
	if input.Parent != nil && strings.TrimSpace(*input.Parent) != "" {
		parentProject, err := s.store.GetProject(ctx, *input.Parent)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && parentProject.OrganizationID != input.OrganizationID) {
			return ProjectView{}, domainError(http.StatusNotFound, "PROJECT_NOT_FOUND", "Parent project not found", nil)
		}
		if err != nil {
			return ProjectView{}, err
		}
		parent = &parentProject.ID
	}
	project, err := s.store.InsertProject(ctx, store.Project{
		OrganizationID: input.OrganizationID,
		ParentID:       parent,
		Name:           name,
		IsPublic:       input.IsPublic,
		CreatedBy:      session.UserID,
	})
	if err != nil {
		return ProjectView{}, err
	}
	if err := s.store.AddProjectCollaborator(ctx, project.ID, session.UserID, "editor"); err != nil {
		return ProjectView{}, err
	}
	view := projectView(store.ProjectNode{Project: project})
	view.Collaborators.Editors = append(view.Collaborators.Editors, collaboratorView{ID: session.UserID, FirstName: session.UserName})
	return view, nil
}

// Subscribe opens the caller's event feed for one organization.
func (s *Service) Subscribe(ctx context.Context, session Session, organizationID string) (*events.Subscription, error) {
	if s.events == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EVENTS_UNAVAILABLE", "Event stream is not configured", nil)
	}
	if err := s.authorize(ctx, session, organizationID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.events.Subscribe(ctx, organizationID, session.UserID)
}

// Readiness pings every backing service and reports per-dependency status.
func (s *Service) Readiness(ctx context.Context) (map[string]any, bool) {
	ready := true
	check := func(err error) map[string]any {
		if err != nil {
			ready = false
			return map[string]any{"status": "error", "error": err.Error()}
		}
		return map[string]any{"status": "ok"}
	}
	checks := map[string]any{"database": check(s.store.Ping(ctx))}
	if s.uploads != nil {
		checks["redis"] = check(s.uploads.Ping(ctx))
	}
	return checks, ready
}

func projectViews(nodes []store.ProjectNode) []ProjectView {
	views := make([]ProjectView, 0, len(nodes))
	for _, node := range nodes {
		views = append(views, projectView(node))
	}
	return views
}

func projectView(node store.ProjectNode) ProjectView {
	return ProjectView{
		ID:       node.ID,
		Name:     node.Name,
		IsPublic: node.IsPublic,
		Parent:   node.ParentID,
		Collaborators: collaboratorsView{
			Editors: collaboratorViews(node.Editors),
			Viewers: collaboratorViews(node.Viewers),
		},
		Children: projectViews(node.Children),
	}
}

func collaboratorViews(in []store.ProjectCollaborator) []collaboratorView {
	out := make([]collaboratorView, 0, len(in))
	for _, c := range in {
		first, last, _ := strings.Cut(strings.TrimSpace(c.DisplayName), " ")
		out = append(out, collaboratorView{ID: c.UserID, FirstName: first, LastName: strings.TrimSpace(last), Email: c.Email})
	}
	return out
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "default"
	}
	return slug
}
