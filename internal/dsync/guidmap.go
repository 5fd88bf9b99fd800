package dsync

import (
	"github.com/fenilsonani/mailstore/internal/guid"
)

// GUIDInstance is one occurrence of a message body in a mailbox.
type GUIDInstance struct {
	Seq uint32
	UID uint32

	// searched marks instances already issued to the message store
	// search; a retry after an expunge takes the next one.
	searched bool
	// expunged marks instances known to be gone.
	expunged bool
}

type guidEntry struct {
	instances []GUIDInstance
	requested bool
}

// GUIDMap is the exporter's fingerprint map: every GUID maps to the list
// of (seq, uid) instances carrying that body, so a body requested by the
// remote end can be served from any surviving instance.
type GUIDMap struct {
	order   []guid.GUID
	entries map[guid.GUID]*guidEntry
}

// NewGUIDMap returns an empty map.
func NewGUIDMap() *GUIDMap {
	return &GUIDMap{entries: make(map[guid.GUID]*guidEntry)}
}

// Insert appends an instance to the per-GUID list.
func (m *GUIDMap) Insert(g guid.GUID, seq, uid uint32) {
	e, ok := m.entries[g]
	if !ok {
		e = &guidEntry{}
		m.entries[g] = e
		m.order = append(m.order, g)
	}
	e.instances = append(e.instances, GUIDInstance{Seq: seq, UID: uid})
}

// MarkRequested records that the remote end wants this GUID's body.
func (m *GUIDMap) MarkRequested(g guid.GUID) {
	if e, ok := m.entries[g]; ok {
		e.requested = true
	}
}

// Requested reports whether the remote end asked for this GUID.
func (m *GUIDMap) Requested(g guid.GUID) bool {
	e, ok := m.entries[g]
	return ok && e.requested
}

// Iterate yields every (guid, instances) pair in insertion order. The
// instance slices are live; callers must not retain them across map
// mutations.
func (m *GUIDMap) Iterate(fn func(g guid.GUID, instances []GUIDInstance) bool) {
	for _, g := range m.order {
		if !fn(g, m.entries[g].instances) {
			return
		}
	}
}

// MarkSearched issues the first still-present unsearched instance of g to
// the caller and marks it searched, so a later retry skips it and takes
// the next one. Returns false when no instances remain.
func (m *GUIDMap) MarkSearched(g guid.GUID) (GUIDInstance, bool) {
	e, ok := m.entries[g]
	if !ok {
		return GUIDInstance{}, false
	}
	for i := range e.instances {
		inst := &e.instances[i]
		if inst.searched || inst.expunged {
			continue
		}
		inst.searched = true
		return *inst, true
	}
	return GUIDInstance{}, false
}

// MarkExpunged records that the instance carrying uid is gone.
func (m *GUIDMap) MarkExpunged(g guid.GUID, uid uint32) {
	e, ok := m.entries[g]
	if !ok {
		return
	}
	for i := range e.instances {
		if e.instances[i].UID == uid {
			e.instances[i].expunged = true
		}
	}
}

// Len returns the number of distinct GUIDs.
func (m *GUIDMap) Len() int { return len(m.order) }
