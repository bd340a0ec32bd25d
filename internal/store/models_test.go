package store

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCitationEvent(t *testing.T) {
	project := "p1"
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c := Citation{
		ID:             "c1",
		OrganizationID: "o1",
		ProjectID:      &project,
		CitationType:   "ARTICLE",
		Title:          "Column title",
		Fields:         json.RawMessage(`{"title":"Fields title","creators":["Ada Lovelace"],"page_count":3}`),
		CreatedBy:      "u1",
		CreatedAt:      created,
	}
	ev := c.Event()
	if ev.Fields.Title != "Fields title" || ev.ProjectID != "p1" || ev.Fields.PageCount != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ev.Created.Equal(created) {
		t.Fatalf("created = %v", ev.Created)
	}

	c.Fields = json.RawMessage(`{}`)
	c.ProjectID = nil
	ev = c.Event()
	if ev.Fields.Title != "Column title" || ev.ProjectID != "" {
		t.Fatalf("unexpected fallback event %+v", ev)
	}
}
