package dsync

import (
	"sort"
	"strings"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/mailerr"
)

// NodeID addresses a node inside a Tree's arena. Nodes are never freed
// during a sync; the arena dies with the tree.
type NodeID int32

// NilNode is the null arena id.
const NilNode NodeID = -1

// Existence is a tree node's lifecycle state.
type Existence int

const (
	// ExistenceNonexistent marks a placeholder (a directory that only
	// exists because of its children, or a node created mid-sync).
	ExistenceNonexistent Existence = iota
	// ExistenceExists marks a live mailbox or directory.
	ExistenceExists
	// ExistenceDeleted marks a mailbox deleted locally but remembered
	// so the deletion propagates.
	ExistenceDeleted
)

// Node is one mailbox or directory in a tree. Parent, FirstChild and
// NextSibling are arena ids, not references.
type Node struct {
	ID          NodeID
	Name        string
	Parent      NodeID
	FirstChild  NodeID
	NextSibling NodeID

	Existence   Existence
	MailboxGUID guid.GUID
	UIDValidity uint32
	UIDNext     uint32

	// LastRenamedOrCreated decides rename conflicts: the younger name
	// wins, the older side is renamed away.
	LastRenamedOrCreated int64

	Subscribed             bool
	LastSubscriptionChange int64

	// SyncTempName marks a node renamed to a temporary name during the
	// rename pass to resolve a name collision. No later pass rewrites the
	// temporary name; the node keeps it.
	SyncTempName bool
}

// IsDir reports whether the node is a pure directory (no mailbox GUID).
func (n *Node) IsDir() bool { return n.MailboxGUID.Empty() }

// Tree is one side's mailbox hierarchy: an arena of nodes under an
// unnamed root, plus a guid hash for rename pairing.
type Tree struct {
	nodes []Node
	root  NodeID
	byGUID map[guid.GUID]NodeID

	// Sep is the hierarchy separator in full names.
	Sep byte
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	t := &Tree{byGUID: make(map[guid.GUID]NodeID), Sep: '/'}
	t.root = t.alloc("", NilNode)
	t.nodes[t.root].Existence = ExistenceExists
	return t
}

func (t *Tree) alloc(name string, parent NodeID) NodeID {
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, Node{
		ID:          id,
		Name:        name,
		Parent:      parent,
		FirstChild:  NilNode,
		NextSibling: NilNode,
	})
	return id
}

// Root returns the root node id.
func (t *Tree) Root() NodeID { return t.root }

// Node returns a pointer into the arena. Valid until the tree is
// discarded; the arena only grows.
func (t *Tree) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return &t.nodes[id]
}

// ByGUID finds the node carrying a mailbox GUID.
func (t *Tree) ByGUID(g guid.GUID) (NodeID, bool) {
	id, ok := t.byGUID[g]
	return id, ok
}

// SetGUID binds a mailbox GUID to a node, maintaining the hash.
func (t *Tree) SetGUID(id NodeID, g guid.GUID) {
	n := t.Node(id)
	if !n.MailboxGUID.Empty() {
		delete(t.byGUID, n.MailboxGUID)
	}
	n.MailboxGUID = g
	if !g.Empty() {
		t.byGUID[g] = id
	}
}

// ClearGUID removes a node's mailbox GUID.
func (t *Tree) ClearGUID(id NodeID) { t.SetGUID(id, guid.GUID{}) }

// Child finds a direct child by name.
func (t *Tree) Child(parent NodeID, name string) (NodeID, bool) {
	for id := t.Node(parent).FirstChild; id != NilNode; id = t.Node(id).NextSibling {
		if t.Node(id).Name == name {
			return id, true
		}
	}
	return NilNode, false
}

// EnsureChild finds or creates a direct child by name. Created nodes are
// nonexistent placeholders inserted at the sorted position.
func (t *Tree) EnsureChild(parent NodeID, name string) NodeID {
	if id, ok := t.Child(parent, name); ok {
		return id
	}
	id := t.alloc(name, parent)
	t.insertSorted(parent, id)
	return id
}

// insertSorted links id into parent's child list at its name-sorted slot.
func (t *Tree) insertSorted(parent, id NodeID) {
	name := t.Node(id).Name
	prev := NilNode
	for cur := t.Node(parent).FirstChild; cur != NilNode; cur = t.Node(cur).NextSibling {
		if t.Node(cur).Name > name {
			break
		}
		prev = cur
	}
	if prev == NilNode {
		t.Node(id).NextSibling = t.Node(parent).FirstChild
		t.Node(parent).FirstChild = id
	} else {
		t.Node(id).NextSibling = t.Node(prev).NextSibling
		t.Node(prev).NextSibling = id
	}
	t.Node(id).Parent = parent
}

// unlink detaches id from its parent's child list.
func (t *Tree) unlink(id NodeID) {
	parent := t.Node(id).Parent
	if parent == NilNode {
		return
	}
	if t.Node(parent).FirstChild == id {
		t.Node(parent).FirstChild = t.Node(id).NextSibling
	} else {
		for cur := t.Node(parent).FirstChild; cur != NilNode; cur = t.Node(cur).NextSibling {
			if t.Node(cur).NextSibling == id {
				t.Node(cur).NextSibling = t.Node(id).NextSibling
				break
			}
		}
	}
	t.Node(id).NextSibling = NilNode
	t.Node(id).Parent = NilNode
}

// Move re-parents and/or renames a node, keeping siblings sorted. Moving
// a node under its own descendant would create a cycle; such a move is
// redirected under the root.
func (t *Tree) Move(id, newParent NodeID, newName string) {
	if t.isDescendant(newParent, id) {
		newParent = t.root
	}
	t.unlink(id)
	t.Node(id).Name = newName
	t.insertSorted(newParent, id)
}

// isDescendant reports whether node is id or below id.
func (t *Tree) isDescendant(node, id NodeID) bool {
	for cur := node; cur != NilNode; cur = t.Node(cur).Parent {
		if cur == id {
			return true
		}
	}
	return false
}

// AddBox inserts (or completes) a mailbox at the /-joined path, creating
// nonexistent directory placeholders along the way.
func (t *Tree) AddBox(path string, g guid.GUID, uidValidity uint32) (NodeID, error) {
	if path == "" {
		return NilNode, mailerr.New(mailerr.KindNotFound, "empty mailbox path")
	}
	parts := strings.Split(path, string(t.Sep))
	cur := t.root
	for _, part := range parts {
		if part == "" {
			return NilNode, mailerr.New(mailerr.KindCorrupted, "empty component in path %q", path)
		}
		cur = t.EnsureChild(cur, part)
	}
	n := t.Node(cur)
	n.Existence = ExistenceExists
	n.UIDValidity = uidValidity
	t.SetGUID(cur, g)
	return cur, nil
}

// AddDir inserts an existing pure directory at the path.
func (t *Tree) AddDir(path string) (NodeID, error) {
	return t.AddBox(path, guid.GUID{}, 0)
}

// FullName joins the node's path from the root.
func (t *Tree) FullName(id NodeID) string {
	var parts []string
	for cur := id; cur != t.root && cur != NilNode; cur = t.Node(cur).Parent {
		parts = append(parts, t.Node(cur).Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, string(t.Sep))
}

// SortChildren re-sorts every sibling group by name. Children are kept
// sorted as an invariant; this repairs trees built out of order.
func (t *Tree) SortChildren() {
	var walk func(id NodeID)
	walk = func(id NodeID) {
		var kids []NodeID
		for c := t.Node(id).FirstChild; c != NilNode; c = t.Node(c).NextSibling {
			kids = append(kids, c)
		}
		sort.SliceStable(kids, func(i, j int) bool {
			return t.Node(kids[i]).Name < t.Node(kids[j]).Name
		})
		prev := NilNode
		for _, c := range kids {
			if prev == NilNode {
				t.Node(id).FirstChild = c
			} else {
				t.Node(prev).NextSibling = c
			}
			t.Node(c).NextSibling = NilNode
			prev = c
		}
		for _, c := range kids {
			walk(c)
		}
	}
	walk(t.root)
}

// Walk visits every node breadth-first in sorted sibling order, the
// traversal order tree sync relies on.
func (t *Tree) Walk(fn func(id NodeID) bool) {
	queue := []NodeID{t.root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id != t.root {
			if !fn(id) {
				return
			}
		}
		for c := t.Node(id).FirstChild; c != NilNode; c = t.Node(c).NextSibling {
			queue = append(queue, c)
		}
	}
}

// Children returns a parent's child ids in sibling order.
func (t *Tree) Children(parent NodeID) []NodeID {
	var out []NodeID
	for c := t.Node(parent).FirstChild; c != NilNode; c = t.Node(c).NextSibling {
		out = append(out, c)
	}
	return out
}

// HasExistingChildren reports whether any descendant exists.
func (t *Tree) HasExistingChildren(id NodeID) bool {
	for c := t.Node(id).FirstChild; c != NilNode; c = t.Node(c).NextSibling {
		if t.Node(c).Existence == ExistenceExists || t.HasExistingChildren(c) {
			return true
		}
	}
	return false
}
