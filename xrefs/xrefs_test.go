package xrefs

import (
	"testing"
)

func TestStore(t *testing.T) {
	s := NewStore()
	s.Set(0x1000, 0x2000, Call)
	s.Set(0x1000, 0x3000, Code)
	s.Set(0x1000, 0x3000, Code) // idempotent
	s.Set(0x1005, 0x4000, Data)

	refs := s.From(0x1000)
	if len(refs) != 2 {
		t.Fatalf("expected 2 references, got %d", len(refs))
	}
	if refs[0].To != 0x2000 || refs[0].Kind != Call {
		t.Errorf("unexpected first reference %v", refs[0])
	}
	if refs[1].To != 0x3000 || refs[1].Kind != Code {
		t.Errorf("unexpected second reference %v", refs[1])
	}

	s.Delete(0x1000, 0x3000, Code)
	if refs := s.From(0x1000); len(refs) != 1 {
		t.Errorf("expected 1 reference after delete, got %d", len(refs))
	}
	// Deleting an absent reference is a no-op.
	s.Delete(0x9000, 0x9001, Call)

	if got := Kind(250).String(); got != "unknown" {
		t.Errorf("unexpected kind name %q", got)
	}
}
