package store

import (
	"encoding/json"
	"time"

	"refmanager/api/internal/events"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Organization struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}

type Membership struct {
	OrganizationID string
	UserID         string
	Role           string
}

type Project struct {
	ID             string
	OrganizationID string
	ParentID       *string
	Name           string
	IsPublic       bool
	CreatedBy      string
	CreatedAt      time.Time
}

type ProjectCollaborator struct {
	ProjectID   string
	UserID      string
	DisplayName string
	Email       string
	Role        string
}

// ProjectNode is a project with its collaborators and nested sub-projects.
type ProjectNode struct {
	Project
	Editors  []ProjectCollaborator
	Viewers  []ProjectCollaborator
	Children []ProjectNode
}

type Citation struct {
	ID             string
	OrganizationID string
	ProjectID      *string
	CitationType   string
	Title          string
	Fields         json.RawMessage
	FileName       string
	FileHash       *string
	ObjectKey      *string
	CreatedBy      string
	CreatedAt      time.Time
}

type CitationFilter struct {
	OrganizationID string
	ProjectID      string
	Limit          int
}

// Event converts the stored row to the record pushed to clients. A missing
// fields title falls back to the title column.
func (c Citation) Event() events.Citation {
	var fields events.Fields
	if len(c.Fields) > 0 {
		_ = json.Unmarshal(c.Fields, &fields)
	}
	if fields.Title == "" {
		fields.Title = c.Title
	}
	out := events.Citation{
		ID:             c.ID,
		CitationType:   c.CitationType,
		OrganizationID: c.OrganizationID,
		Fields:         fields,
		CreatedBy:      c.CreatedBy,
		Created:        c.CreatedAt,
	}
	if c.ProjectID != nil {
		out.ProjectID = *c.ProjectID
	}
	return out
}
