package store

import "testing"

func strPtr(s string) *string { return &s }

func TestBuildProjectTree(t *testing.T) {
	projects := []Project{
		{ID: "root", Name: "Root"},
		{ID: "child", Name: "Child", ParentID: strPtr("root")},
		{ID: "grand", Name: "Grand", ParentID: strPtr("child")},
		{ID: "orphan", Name: "Orphan", ParentID: strPtr("missing")},
		{ID: "second", Name: "Second child", ParentID: strPtr("root")},
	}
	collaborators := []ProjectCollaborator{
		{ProjectID: "child", UserID: "u1", Role: "editor"},
		{ProjectID: "child", UserID: "u2", Role: "viewer"},
	}

	tree := BuildProjectTree(projects, collaborators)
	if len(tree) != 2 {
		t.Fatalf("roots = %d, want 2", len(tree))
	}
	if tree[0].ID != "root" || tree[1].ID != "orphan" {
		t.Fatalf("unexpected roots %s, %s", tree[0].ID, tree[1].ID)
	}
	root := tree[0]
	if len(root.Children) != 2 || root.Children[0].ID != "child" || root.Children[1].ID != "second" {
		t.Fatalf("unexpected children %+v", root.Children)
	}
	child := root.Children[0]
	if len(child.Editors) != 1 || len(child.Viewers) != 1 {
		t.Fatalf("collaborators editors=%d viewers=%d", len(child.Editors), len(child.Viewers))
	}
	if len(child.Children) != 1 || child.Children[0].ID != "grand" {
		t.Fatalf("unexpected grandchildren %+v", child.Children)
	}
}

func TestBuildProjectTreeSelfParent(t *testing.T) {
	tree := BuildProjectTree([]Project{{ID: "a", ParentID: strPtr("a")}}, nil)
	if len(tree) != 1 || len(tree[0].Children) != 0 {
		t.Fatalf("unexpected tree %+v", tree)
	}
}
