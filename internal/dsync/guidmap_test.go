package dsync

import (
	"testing"

	"github.com/fenilsonani/mailstore/internal/guid"
)

func TestGUIDMapInsertionOrder(t *testing.T) {
	m := NewGUIDMap()
	g1, g2, g3 := guid.New(), guid.New(), guid.New()
	m.Insert(g2, 1, 10)
	m.Insert(g1, 2, 20)
	m.Insert(g3, 3, 30)
	m.Insert(g2, 4, 40) // second instance, no new order slot

	var order []guid.GUID
	m.Iterate(func(g guid.GUID, instances []GUIDInstance) bool {
		order = append(order, g)
		return true
	})
	want := []guid.GUID{g2, g1, g3}
	if len(order) != 3 {
		t.Fatalf("iterated %d guids, want 3", len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] wrong", i)
		}
	}
}

func TestGUIDMapMarkSearchedSkipsIssued(t *testing.T) {
	m := NewGUIDMap()
	g := guid.New()
	m.Insert(g, 1, 10)
	m.Insert(g, 2, 20)

	inst, ok := m.MarkSearched(g)
	if !ok || inst.UID != 10 {
		t.Fatalf("first instance = %+v ok=%v, want uid 10", inst, ok)
	}
	inst, ok = m.MarkSearched(g)
	if !ok || inst.UID != 20 {
		t.Fatalf("retry = %+v ok=%v, want uid 20", inst, ok)
	}
	if _, ok := m.MarkSearched(g); ok {
		t.Error("third search should find nothing")
	}
}

func TestGUIDMapExpungedInstancesSkipped(t *testing.T) {
	m := NewGUIDMap()
	g := guid.New()
	m.Insert(g, 1, 10)
	m.Insert(g, 2, 20)
	m.MarkExpunged(g, 10)

	inst, ok := m.MarkSearched(g)
	if !ok || inst.UID != 20 {
		t.Fatalf("expunged instance not skipped: %+v ok=%v", inst, ok)
	}
}

func TestGUIDMapRequested(t *testing.T) {
	m := NewGUIDMap()
	g := guid.New()
	m.Insert(g, 1, 10)
	if m.Requested(g) {
		t.Error("unrequested guid reports requested")
	}
	m.MarkRequested(g)
	if !m.Requested(g) {
		t.Error("requested flag lost")
	}
}
