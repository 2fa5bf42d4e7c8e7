package dedup

import (
	"fmt"
	"testing"
)

func TestDeduplicator_SuppressesRepeat(t *testing.T) {
	d := New()

	if d.Check("0xhash-1") {
		t.Fatal("first delivery should not be a duplicate")
	}
	if !d.Check("0xhash-1") {
		t.Fatal("second delivery should be a duplicate")
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d, want 1", d.Len())
	}
}

func TestDeduplicator_EmptyIDAlwaysNew(t *testing.T) {
	d := New()

	for i := 0; i < 3; i++ {
		if d.Check("") {
			t.Fatalf("empty id reported as duplicate on delivery %d", i+1)
		}
	}
	if d.Len() != 0 {
		t.Errorf("empty ids should not be stored, Len = %d", d.Len())
	}
}

func TestDeduplicator_CompactsToNewest(t *testing.T) {
	d := New()

	for i := 0; i < DefaultCapacity; i++ {
		d.Record(fmt.Sprintf("id-%d", i))
	}
	if d.Len() != DefaultCapacity {
		t.Fatalf("Len = %d, want %d before overflow", d.Len(), DefaultCapacity)
	}

	// The 10,001st insert triggers compaction.
	d.Record(fmt.Sprintf("id-%d", DefaultCapacity))

	if d.Len() != DefaultRetain {
		t.Fatalf("Len = %d, want %d after compaction", d.Len(), DefaultRetain)
	}
	if d.Seen("id-0") {
		t.Error("oldest id should have been discarded")
	}
	if d.Seen(fmt.Sprintf("id-%d", DefaultCapacity-DefaultRetain)) {
		t.Error("id just outside the retained window should be discarded")
	}
	if !d.Seen(fmt.Sprintf("id-%d", DefaultCapacity-DefaultRetain+1)) {
		t.Error("oldest retained id should still be present")
	}
	if !d.Seen(fmt.Sprintf("id-%d", DefaultCapacity)) {
		t.Error("newest id should be present")
	}
	if d.Evicted() != DefaultCapacity+1-DefaultRetain {
		t.Errorf("Evicted = %d, want %d", d.Evicted(), DefaultCapacity+1-DefaultRetain)
	}
}

func TestDeduplicator_RecordIdempotent(t *testing.T) {
	d := NewWithBounds(4, 2)
	d.Record("a")
	d.Record("a")
	d.Record("b")
	if d.Len() != 2 {
		t.Errorf("Len = %d, want 2", d.Len())
	}
}
