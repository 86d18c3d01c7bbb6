package cookie

import (
	"math/rand"
	"testing"
)

func TestInsertGetDelete(t *testing.T) {
	tbl := New()

	if _, ok := tbl.Get(1000); ok {
		t.Fatal("expected miss on empty table")
	}

	if !tbl.Insert(1000, 0) {
		t.Fatal("expected fresh insert to report ok=true")
	}
	if tbl.Insert(1000, 1) {
		t.Fatal("expected re-insert of existing key to report ok=false")
	}

	idx, ok := tbl.Get(1000)
	if !ok || idx != 1 {
		t.Fatalf("Get(1000) = (%d, %v), want (1, true)", idx, ok)
	}

	if !tbl.Delete(1000) {
		t.Fatal("expected Delete to report true for present key")
	}
	if tbl.Delete(1000) {
		t.Fatal("expected Delete to report false for already-removed key")
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tbl.Len())
	}
}

func TestManyInsertsStayBalancedAndRetrievable(t *testing.T) {
	tbl := New()
	const n = 2000

	keys := rand.Perm(n)
	for i, k := range keys {
		tbl.Insert(uint64(k)+1000, i)
	}
	if tbl.Len() != n {
		t.Fatalf("Len() = %d, want %d", tbl.Len(), n)
	}

	for i, k := range keys {
		idx, ok := tbl.Get(uint64(k) + 1000)
		if !ok || idx != i {
			t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", k+1000, idx, ok, i)
		}
	}

	for _, k := range keys[:n/2] {
		tbl.Delete(uint64(k) + 1000)
	}
	if tbl.Len() != n/2 {
		t.Fatalf("Len() after half-delete = %d, want %d", tbl.Len(), n/2)
	}

	var prev uint64
	first := true
	tbl.ForEach(func(key uint64, _ int) {
		if !first && key <= prev {
			t.Fatalf("ForEach not in ascending order: %d after %d", key, prev)
		}
		prev = key
		first = false
	})
}

func TestReplyCookieNamespaceDoesNotCollide(t *testing.T) {
	tbl := New()
	const replyOffset = 10_000_000_000_000_000_000

	tbl.Insert(1000, 0)
	tbl.Insert(1000+replyOffset, 1)

	cmdIdx, ok := tbl.Get(1000)
	if !ok || cmdIdx != 0 {
		t.Fatalf("Get(cmd cookie) = (%d, %v), want (0, true)", cmdIdx, ok)
	}
	replyIdx, ok := tbl.Get(1000 + replyOffset)
	if !ok || replyIdx != 1 {
		t.Fatalf("Get(reply cookie) = (%d, %v), want (1, true)", replyIdx, ok)
	}
}
