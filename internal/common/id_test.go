package common

import (
	"strings"
	"testing"
)

func TestNewJobIDFormat(t *testing.T) {
	id := NewJobID("parsing", "user-42")

	if !strings.HasPrefix(id, "parsing") {
		t.Errorf("expected id to start with job type, got %s", id)
	}
	if !strings.HasSuffix(id, "_user42") {
		t.Errorf("expected id to end with owner tail, got %s", id)
	}
}

func TestNewJobIDWithoutOwner(t *testing.T) {
	id := NewJobID("generation", "")

	if strings.Contains(id, "_") {
		t.Errorf("expected no owner tail separator, got %s", id)
	}
	if !strings.HasPrefix(id, "generation") {
		t.Errorf("expected id to start with job type, got %s", id)
	}
}

func TestNewJobIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewJobID("evaluation", "owner")
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestOwnerTailTruncates(t *testing.T) {
	tail := ownerTail("user-abcdefghijklmnop")
	if len(tail) != 8 {
		t.Errorf("expected 8 char tail, got %q", tail)
	}
	if tail != "ijklmnop" {
		t.Errorf("expected last 8 alphanumeric chars, got %q", tail)
	}
}

func TestPrefixedIDs(t *testing.T) {
	if id := NewSubscriptionID(); !strings.HasPrefix(id, "sub_") {
		t.Errorf("unexpected subscription id %s", id)
	}
	if id := NewDeliveryID(); !strings.HasPrefix(id, "del_") {
		t.Errorf("unexpected delivery id %s", id)
	}
	if id := NewRecordID(); !strings.HasPrefix(id, "rec_") {
		t.Errorf("unexpected record id %s", id)
	}
}
