package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("up")
	if !strings.HasPrefix(id, "up_") || len(id) != len("up_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("ids must be unique")
	}
}
