package references

// Project is a node of an organization's project tree.
type Project struct {
	ID            string        `json:"id"`
	Name          string        `json:"project_name"`
	IsPublic      bool          `json:"is_public"`
	ParentID      string        `json:"parent,omitempty"`
	Collaborators Collaborators `json:"collaborators"`
	Children      []Project     `json:"children,omitempty"`
}

type Collaborators struct {
	Editors []User `json:"editors"`
	Viewers []User `json:"viewers"`
}

type User struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

type CollaboratorRole string

const (
	RoleEditor CollaboratorRole = "EDITOR"
	RoleViewer CollaboratorRole = "VIEWER"
)

type Collaborator struct {
	User
	Role CollaboratorRole `json:"role"`
}

// ActiveProject is the project uploads are attached to. The zero value is the
// default used when no project is selected.
type ActiveProject struct {
	ProjectID     string         `json:"projectID"`
	ProjectName   string         `json:"projectName"`
	IsPublic      bool           `json:"isPublic"`
	Collaborators []Collaborator `json:"collaborators"`
}

// FindProject searches the tree depth first, checking each node before its
// children.
func FindProject(projects []Project, id string) (*Project, bool) {
	for i := range projects {
		if projects[i].ID == id {
			return &projects[i], true
		}
		if found, ok := FindProject(projects[i].Children, id); ok {
			return found, true
		}
	}
	return nil, false
}

// ResolveActiveProject returns the active project for id, editors first, or
// the default project when id is not in the tree.
func ResolveActiveProject(projects []Project, id string) ActiveProject {
	project, ok := FindProject(projects, id)
	if !ok || id == "" {
		return ActiveProject{}
	}
	collaborators := make([]Collaborator, 0, len(project.Collaborators.Editors)+len(project.Collaborators.Viewers))
	for _, u := range project.Collaborators.Editors {
		collaborators = append(collaborators, Collaborator{User: u, Role: RoleEditor})
	}
	for _, u := range project.Collaborators.Viewers {
		collaborators = append(collaborators, Collaborator{User: u, Role: RoleViewer})
	}
	return ActiveProject{
		ProjectID:     project.ID,
		ProjectName:   project.Name,
		IsPublic:      project.IsPublic,
		Collaborators: collaborators,
	}
}
