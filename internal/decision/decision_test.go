package decision

import (
	"net/http"
	"testing"
)

func TestNewTagsAlwaysHasAll(t *testing.T) {
	tags := NewTags()
	if tags[TagAll] != LocationRequest {
		t.Fatalf("expected all tag at request, got %q", tags[TagAll])
	}

	other := Tags{TagAll: LocationBody, "sqli": LocationArgs}
	tags.Extend(other)
	if tags[TagAll] != LocationRequest {
		t.Fatalf("extend replaced all tag location: %q", tags[TagAll])
	}
	if !tags.Has("sqli") {
		t.Fatalf("expected sqli tag after extend")
	}
}

func TestTagsInsertTidiesNames(t *testing.T) {
	tags := NewTags()
	tags.Insert("  Bad  Bot ", LocationHeaders)
	if !tags.Has("bad-bot") {
		t.Fatalf("expected tidied tag, got %v", tags.Names())
	}
	tags.Insert("   ", LocationHeaders)
	if len(tags) != 2 {
		t.Fatalf("expected blank tag to be ignored, got %v", tags.Names())
	}
}

func TestTagsInsertKeepsAllAtRequest(t *testing.T) {
	tags := NewTags()
	tags.Insert("ALL", LocationArgs)
	tags.Insert(" all ", LocationBody)
	if tags[TagAll] != LocationRequest {
		t.Fatalf("insert moved all tag to %q", tags[TagAll])
	}

	empty := Tags{}
	empty.Insert("All", LocationHeaders)
	if empty[TagAll] != LocationHeaders {
		t.Fatalf("expected all tag inserted into empty tags, got %q", empty[TagAll])
	}
}

func TestBodyTooLarge(t *testing.T) {
	action, reason := BodyTooLarge(1000, 10000)
	if action.Type != ActionBlock || !action.BlockMode {
		t.Fatalf("expected blocking action, got %+v", action)
	}
	if action.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", action.Status)
	}
	if reason.Initiator != InitiatorBodyTooLarge {
		t.Fatalf("unexpected initiator %q", reason.Initiator)
	}
	if reason.Fields["actual"] != "10000" || reason.Fields["expected"] != "1000" {
		t.Fatalf("unexpected fields %v", reason.Fields)
	}
}

func TestPassIsNotBlocked(t *testing.T) {
	d := Pass(nil)
	if d.Blocked() {
		t.Fatalf("pass decision reported blocked")
	}
	if !Block(DefaultBlockAction(0, ""), nil).Blocked() {
		t.Fatalf("block decision not reported blocked")
	}
}
