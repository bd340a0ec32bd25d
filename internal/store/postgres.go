package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"refmanager/api/internal/events"
)

// ErrDuplicateFile is returned when an organization already holds a citation
// for the same file hash.
var ErrDuplicateFile = errors.New("citation for this file already exists")

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.refmanager.dev'))
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, email, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) EnsureOrganization(ctx context.Context, name, slug string) (Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (name, slug)
		VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING id, name, slug, created_at
	`, name, slug).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt)
	if err != nil {
		return Organization{}, fmt.Errorf("ensure organization: %w", err)
	}
	return org, nil
}

// UpsertMembership grants role in the organization. An existing higher role is
// never downgraded.
func (s *PostgresStore) UpsertMembership(ctx context.Context, organizationID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organization_memberships (organization_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = CASE
			WHEN organization_memberships.role = 'admin' THEN 'admin'
			WHEN organization_memberships.role = 'editor' AND EXCLUDED.role = 'viewer' THEN 'editor'
			ELSE EXCLUDED.role
		END
	`, organizationID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// MembershipRole returns the caller's role, or "" when they are not a member.
func (s *PostgresStore) MembershipRole(ctx context.Context, organizationID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM organization_memberships WHERE organization_id=$1 AND user_id=$2
	`, organizationID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read membership role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, user_id, role
		FROM organization_memberships
		WHERE user_id=$1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.Role); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) (Project, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO citation_projects (organization_id, parent_id, project_name, is_public, created_by)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid)
		RETURNING id, created_at
	`, project.OrganizationID, project.ParentID, project.Name, project.IsPublic, project.CreatedBy).
		Scan(&project.ID, &project.CreatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	var createdBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, parent_id, project_name, is_public, created_by, created_at
		FROM citation_projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.OrganizationID, &project.ParentID, &project.Name, &project.IsPublic, &createdBy, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	project.CreatedBy = createdBy.String
	return project, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, organizationID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, parent_id, project_name, is_public, created_by, created_at
		FROM citation_projects
		WHERE organization_id=$1
		ORDER BY created_at ASC, project_name ASC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var p Project
		var createdBy sql.NullString
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.ParentID, &p.Name, &p.IsPublic, &createdBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedBy = createdBy.String
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddProjectCollaborator(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_collaborators (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("add project collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjectCollaborators(ctx context.Context, organizationID string) ([]ProjectCollaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pc.project_id, u.id, u.display_name, u.email, pc.role
		FROM project_collaborators pc
		JOIN citation_projects p ON p.id = pc.project_id
		JOIN users u ON u.id = pc.user_id
		WHERE p.organization_id=$1
		ORDER BY u.display_name ASC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list project collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectCollaborator, 0)
	for rows.Next() {
		var c ProjectCollaborator
		if err := rows.Scan(&c.ProjectID, &c.UserID, &c.DisplayName, &c.Email, &c.Role); err != nil {
			return nil, fmt.Errorf("scan project collaborator: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project collaborators: %w", err)
	}
	return items, nil
}

const citationColumns = `id, organization_id, project_id, citation_type, title, fields, file_name, file_hash, object_key, created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCitation(row rowScanner) (Citation, error) {
	var c Citation
	var fields []byte
	var createdBy sql.NullString
	if err := row.Scan(&c.ID, &c.OrganizationID, &c.ProjectID, &c.CitationType, &c.Title, &fields,
		&c.FileName, &c.FileHash, &c.ObjectKey, &createdBy, &c.CreatedAt); err != nil {
		return Citation{}, err
	}
	c.Fields = fields
	c.CreatedBy = createdBy.String
	return c, nil
}

// InsertCitation stores a new citation. A second citation for the same file
// hash in one organization fails with ErrDuplicateFile.
func (s *PostgresStore) InsertCitation(ctx context.Context, c Citation) (Citation, error) {
	fields := c.Fields
	if len(fields) == 0 {
		fields = []byte(`{}`)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO citation_entries (organization_id, project_id, citation_type, title, fields, file_name, file_hash, object_key, created_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, NULLIF($9, '')::uuid)
		RETURNING id, created_at
	`, c.OrganizationID, c.ProjectID, c.CitationType, c.Title, string(fields), c.FileName, c.FileHash, c.ObjectKey, c.CreatedBy).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Citation{}, ErrDuplicateFile
		}
		return Citation{}, fmt.Errorf("insert citation: %w", err)
	}
	c.Fields = fields
	return c, nil
}

func (s *PostgresStore) GetCitation(ctx context.Context, citationID string) (Citation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+citationColumns+` FROM citation_entries WHERE id=$1`, citationID)
	return scanCitation(row)
}

// FindCitationByHash returns sql.ErrNoRows when the organization has no
// citation for the hash.
func (s *PostgresStore) FindCitationByHash(ctx context.Context, organizationID, fileHash string) (Citation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+citationColumns+`
		FROM citation_entries WHERE organization_id=$1 AND file_hash=$2`, organizationID, fileHash)
	return scanCitation(row)
}

func (s *PostgresStore) ListCitations(ctx context.Context, filter CitationFilter) ([]Citation, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	query := `SELECT ` + citationColumns + ` FROM citation_entries WHERE organization_id=$1`
	args := []any{filter.OrganizationID}
	if strings.TrimSpace(filter.ProjectID) != "" {
		query += ` AND project_id=$2`
		args = append(args, filter.ProjectID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	return s.queryCitations(ctx, query, args...)
}

func (s *PostgresStore) GetCitations(ctx context.Context, ids []string) ([]Citation, error) {
	if len(ids) == 0 {
		return []Citation{}, nil
	}
	return s.queryCitations(ctx, `SELECT `+citationColumns+`
		FROM citation_entries WHERE id = ANY($1::uuid[])
		ORDER BY title ASC, created_at ASC`, ids)
}

// DeleteCitations removes the given citations and returns the deleted rows.
func (s *PostgresStore) DeleteCitations(ctx context.Context, ids []string) ([]Citation, error) {
	if len(ids) == 0 {
		return []Citation{}, nil
	}
	return s.queryCitations(ctx, `DELETE FROM citation_entries WHERE id = ANY($1::uuid[]) RETURNING `+citationColumns, ids)
}

// CitationsForExport loads the requested citations that belong to the
// organization, in bibliography order.
func (s *PostgresStore) CitationsForExport(ctx context.Context, organizationID string, ids []string) ([]events.Citation, error) {
	if len(ids) == 0 {
		return []events.Citation{}, nil
	}
	rows, err := s.queryCitations(ctx, `SELECT `+citationColumns+`
		FROM citation_entries WHERE organization_id=$1 AND id = ANY($2::uuid[])
		ORDER BY title ASC, created_at ASC`, organizationID, ids)
	if err != nil {
		return nil, err
	}
	items := make([]events.Citation, 0, len(rows))
	for _, c := range rows {
		items = append(items, c.Event())
	}
	return items, nil
}

func (s *PostgresStore) queryCitations(ctx context.Context, query string, args ...any) ([]Citation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query citations: %w", err)
	}
	defer rows.Close()

	items := make([]Citation, 0)
	for rows.Next() {
		c, err := scanCitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate citations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
