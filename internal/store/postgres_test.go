package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestCitationLifecyclePostgres(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	ctx := context.Background()

	user, err := s.EnsureUserByName(ctx, "Ada Lovelace")
	if err != nil {
		t.Fatalf("EnsureUserByName() error = %v", err)
	}
	if user.Email != "ada.lovelace@local.refmanager.dev" {
		t.Fatalf("email = %q", user.Email)
	}
	org, err := s.EnsureOrganization(ctx, "Lab", "lab")
	if err != nil {
		t.Fatalf("EnsureOrganization() error = %v", err)
	}
	if err := s.UpsertMembership(ctx, org.ID, user.ID, "admin"); err != nil {
		t.Fatalf("UpsertMembership() error = %v", err)
	}
	if err := s.UpsertMembership(ctx, org.ID, user.ID, "viewer"); err != nil {
		t.Fatalf("UpsertMembership() error = %v", err)
	}
	if role, _ := s.MembershipRole(ctx, org.ID, user.ID); role != "admin" {
		t.Fatalf("role = %q, want admin kept", role)
	}

	project, err := s.InsertProject(ctx, Project{OrganizationID: org.ID, Name: "Thesis", IsPublic: true, CreatedBy: user.ID})
	if err != nil {
		t.Fatalf("InsertProject() error = %v", err)
	}

	hash := "abc123"
	created, err := s.InsertCitation(ctx, Citation{
		OrganizationID: org.ID,
		ProjectID:      &project.ID,
		CitationType:   "ARTICLE",
		Title:          "Deep Nets",
		Fields:         []byte(`{"title":"Deep Nets"}`),
		FileName:       "paper.pdf",
		FileHash:       &hash,
		CreatedBy:      user.ID,
	})
	if err != nil {
		t.Fatalf("InsertCitation() error = %v", err)
	}

	_, err = s.InsertCitation(ctx, Citation{OrganizationID: org.ID, CitationType: "ARTICLE", FileHash: &hash})
	if !errors.Is(err, ErrDuplicateFile) {
		t.Fatalf("second insert error = %v, want ErrDuplicateFile", err)
	}

	found, err := s.FindCitationByHash(ctx, org.ID, hash)
	if err != nil || found.ID != created.ID {
		t.Fatalf("FindCitationByHash() = %+v, %v", found, err)
	}

	list, err := s.ListCitations(ctx, CitationFilter{OrganizationID: org.ID, ProjectID: project.ID})
	if err != nil || len(list) != 1 {
		t.Fatalf("ListCitations() = %d, %v", len(list), err)
	}

	deleted, err := s.DeleteCitations(ctx, []string{created.ID})
	if err != nil || len(deleted) != 1 {
		t.Fatalf("DeleteCitations() = %d, %v", len(deleted), err)
	}
	if _, err := s.GetCitation(ctx, created.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetCitation() after delete error = %v", err)
	}
}
