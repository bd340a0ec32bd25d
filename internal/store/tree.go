package store

// BuildProjectTree nests projects under their parents and attaches
// collaborators. Projects whose parent is missing are treated as roots; input
// order is kept among siblings.
func BuildProjectTree(projects []Project, collaborators []ProjectCollaborator) []ProjectNode {
	byProject := make(map[string][]ProjectCollaborator)
	for _, c := range collaborators {
		byProject[c.ProjectID] = append(byProject[c.ProjectID], c)
	}

	known := make(map[string]bool, len(projects))
	for _, p := range projects {
		known[p.ID] = true
	}
	children := make(map[string][]Project)
	var roots []Project
	for _, p := range projects {
		if p.ParentID != nil && known[*p.ParentID] && *p.ParentID != p.ID {
			children[*p.ParentID] = append(children[*p.ParentID], p)
			continue
		}
		roots = append(roots, p)
	}

	visited := make(map[string]bool, len(projects))
	var build func(p Project) ProjectNode
	build = func(p Project) ProjectNode {
		visited[p.ID] = true
		node := ProjectNode{Project: p}
		for _, c := range byProject[p.ID] {
			if c.Role == "editor" {
				node.Editors = append(node.Editors, c)
			} else {
				node.Viewers = append(node.Viewers, c)
			}
		}
		for _, child := range children[p.ID] {
			if visited[child.ID] {
				continue
			}
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	tree := make([]ProjectNode, 0, len(roots))
	for _, root := range roots {
		tree = append(tree, build(root))
	}
	return tree
}
