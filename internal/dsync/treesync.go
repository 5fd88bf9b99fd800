package dsync

import (
	"fmt"
	"sort"

	"github.com/fenilsonani/mailstore/internal/guid"
	"github.com/fenilsonani/mailstore/internal/logging"
)

// SyncChangeType enumerates the tree changes a sync emits.
type SyncChangeType int

const (
	ChangeCreateBox SyncChangeType = iota + 1
	ChangeDeleteBox
	ChangeCreateDir
	ChangeDeleteDir
	ChangeRename
	ChangeSubscribe
	ChangeUnsubscribe
)

func (t SyncChangeType) String() string {
	switch t {
	case ChangeCreateBox:
		return "create-box"
	case ChangeDeleteBox:
		return "delete-box"
	case ChangeCreateDir:
		return "create-dir"
	case ChangeDeleteDir:
		return "delete-dir"
	case ChangeRename:
		return "rename"
	case ChangeSubscribe:
		return "subscribe"
	case ChangeUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// SyncChange is one change to apply locally. The remote side runs the
// mirror algorithm and produces the mirror list.
type SyncChange struct {
	Type        SyncChangeType
	Name        string
	OldName     string // renames only
	GUID        guid.GUID
	UIDValidity uint32
	Subscribed  bool
}

func (c SyncChange) String() string {
	if c.Type == ChangeRename {
		return fmt.Sprintf("%s %s -> %s", c.Type, c.OldName, c.Name)
	}
	return fmt.Sprintf("%s %s", c.Type, c.Name)
}

// TreeSync reconciles a local and a remote mailbox tree. The produced
// change list, applied locally, yields the same merged tree the remote's
// mirror run yields there, regardless of which side is called local.
type TreeSync struct {
	local  *Tree
	remote *Tree
	log    *logging.Logger

	changes []SyncChange
}

// NewTreeSync prepares a reconciliation of the two trees. Both trees are
// mutated as decisions are applied.
func NewTreeSync(local, remote *Tree, logger *logging.Logger) *TreeSync {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TreeSync{local: local, remote: remote, log: logger.Dsync()}
}

// Sync runs every pass and returns the ordered local change list.
func (ts *TreeSync) Sync() []SyncChange {
	// Pass 1: sorted sibling groups, then deletions.
	ts.local.SortChildren()
	ts.remote.SortChildren()
	ts.deletePass()

	// Pass 2+3: rename resolution, including temp names for collisions.
	ts.renamePass()

	// Pass 4: create missing mailboxes.
	ts.createPass()

	// Pass 5: directory reconciliation.
	ts.dirPass()

	// Pass 6: subscription merge.
	ts.subscriptionPass()

	return ts.changes
}

func (ts *TreeSync) emit(c SyncChange) {
	ts.changes = append(ts.changes, c)
}

// deletePass propagates mailbox deletions: a mailbox marked deleted on
// one side is deleted where it still exists, and its GUID cleared from
// both trees so later passes ignore it.
func (ts *TreeSync) deletePass() {
	ts.propagateDeletes(ts.remote, ts.local, true)
	ts.propagateDeletes(ts.local, ts.remote, false)
}

func (ts *TreeSync) propagateDeletes(from, to *Tree, emitLocal bool) {
	var deleted []NodeID
	from.Walk(func(id NodeID) bool {
		n := from.Node(id)
		if n.Existence == ExistenceDeleted && !n.IsDir() {
			deleted = append(deleted, id)
		}
		return true
	})
	for _, id := range deleted {
		g := from.Node(id).MailboxGUID
		if other, ok := to.ByGUID(g); ok && to.Node(other).Existence == ExistenceExists {
			if emitLocal {
				ts.emit(SyncChange{
					Type: ChangeDeleteBox,
					Name: to.FullName(other),
					GUID: g,
				})
			}
			to.Node(other).Existence = ExistenceDeleted
		}
		// Cleared on both sides so the mailbox cannot resurrect.
		if other, ok := to.ByGUID(g); ok {
			to.ClearGUID(other)
		}
		from.ClearGUID(id)
	}
}

// nameDecision is where a mailbox should live in the merged tree.
type nameDecision struct {
	g        guid.GUID
	name     string
	localID  NodeID
	remoteID NodeID
	ts       int64
}

// renamePass decides each common mailbox's merged name: the side that
// renamed or created it later wins, ties break toward the lexically
// smaller name so both sides choose identically. Name collisions between
// distinct mailboxes rename the older one to a temporary name derived
// from its own GUID.
func (ts *TreeSync) renamePass() {
	decisions := ts.decideNames()

	// Collision resolution: two mailboxes wanting one name.
	byName := make(map[string][]*nameDecision)
	for i := range decisions {
		d := &decisions[i]
		byName[d.name] = append(byName[d.name], d)
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		group := byName[name]
		if len(group) < 2 {
			continue
		}
		// The newest keeps the name (tie: larger guid). Everyone else
		// moves to a temp name unique to its own GUID and keeps it; no
		// later pass restores the original name.
		sort.Slice(group, func(i, j int) bool {
			if group[i].ts != group[j].ts {
				return group[i].ts > group[j].ts
			}
			return group[i].g.Compare(group[j].g) > 0
		})
		for _, loser := range group[1:] {
			loser.name = tempName(name, loser.g)
			ts.markTemp(loser)
		}
	}

	// Apply renames to the local tree.
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].name < decisions[j].name })
	for _, d := range decisions {
		if d.localID == NilNode {
			continue
		}
		oldName := ts.local.FullName(d.localID)
		if oldName == d.name {
			continue
		}
		parent, leaf := ts.ensureParent(ts.local, d.name)
		ts.emit(SyncChange{
			Type:    ChangeRename,
			OldName: oldName,
			Name:    d.name,
			GUID:    d.g,
		})
		ts.local.Move(d.localID, parent, leaf)
	}

	// Mirror the merged names into the remote tree so later passes see
	// both trees converged.
	for _, d := range decisions {
		if d.remoteID == NilNode {
			continue
		}
		if ts.remote.FullName(d.remoteID) != d.name {
			parent, leaf := ts.ensureParent(ts.remote, d.name)
			ts.remote.Move(d.remoteID, parent, leaf)
		}
	}
}

// decideNames computes the merged name of every mailbox GUID present on
// either side.
func (ts *TreeSync) decideNames() []nameDecision {
	seen := make(map[guid.GUID]bool)
	var out []nameDecision

	collect := func(t *Tree) []guid.GUID {
		var gs []guid.GUID
		t.Walk(func(id NodeID) bool {
			n := t.Node(id)
			if !n.IsDir() && n.Existence == ExistenceExists {
				gs = append(gs, n.MailboxGUID)
			}
			return true
		})
		return gs
	}

	for _, g := range append(collect(ts.local), collect(ts.remote)...) {
		if seen[g] {
			continue
		}
		seen[g] = true

		d := nameDecision{g: g, localID: NilNode, remoteID: NilNode}
		var localName, remoteName string
		var localTS, remoteTS int64
		if id, ok := ts.local.ByGUID(g); ok {
			d.localID = id
			localName = ts.local.FullName(id)
			localTS = ts.local.Node(id).LastRenamedOrCreated
		}
		if id, ok := ts.remote.ByGUID(g); ok {
			d.remoteID = id
			remoteName = ts.remote.FullName(id)
			remoteTS = ts.remote.Node(id).LastRenamedOrCreated
		}

		switch {
		case d.localID == NilNode:
			d.name, d.ts = remoteName, remoteTS
		case d.remoteID == NilNode:
			d.name, d.ts = localName, localTS
		case localName == remoteName:
			d.name, d.ts = localName, maxInt64(localTS, remoteTS)
		case localTS > remoteTS:
			// The later rename wins; the older name is forgotten.
			d.name, d.ts = localName, localTS
		case remoteTS > localTS:
			d.name, d.ts = remoteName, remoteTS
		default:
			// Same timestamp, different names: both sides must agree
			// without talking, so take the smaller name.
			d.name, d.ts = minString(localName, remoteName), localTS
		}
		out = append(out, d)
	}
	return out
}

func (ts *TreeSync) markTemp(d *nameDecision) {
	if d.localID != NilNode {
		ts.local.Node(d.localID).SyncTempName = true
	}
	if d.remoteID != NilNode {
		ts.remote.Node(d.remoteID).SyncTempName = true
	}
}

// tempName derives the unique temporary name for a conflicting node from
// its own GUID, so both sides generate the same one.
func tempName(name string, g guid.GUID) string {
	return name + "-" + g.Suffix()
}

// ensureParent resolves name's parent chain in t, creating nonexistent
// placeholder directories, and returns (parentID, leafName).
func (ts *TreeSync) ensureParent(t *Tree, name string) (NodeID, string) {
	parent := t.Root()
	leaf := name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == t.Sep {
			dir := name[:i]
			leaf = name[i+1:]
			for _, part := range splitPath(dir, t.Sep) {
				parent = t.EnsureChild(parent, part)
			}
			break
		}
	}
	return parent, leaf
}

func splitPath(path string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == sep {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// createPass emits CreateBox for every mailbox the local tree lacks,
// copying uid_validity and GUID from the remote node.
func (ts *TreeSync) createPass() {
	var missing []NodeID
	ts.remote.Walk(func(id NodeID) bool {
		n := ts.remote.Node(id)
		if n.IsDir() || n.Existence != ExistenceExists {
			return true
		}
		if _, ok := ts.local.ByGUID(n.MailboxGUID); !ok {
			missing = append(missing, id)
		}
		return true
	})

	// Parents before children: BFS order already guarantees it.
	for _, id := range missing {
		n := ts.remote.Node(id)
		name := ts.remote.FullName(id)
		ts.emit(SyncChange{
			Type:        ChangeCreateBox,
			Name:        name,
			GUID:        n.MailboxGUID,
			UIDValidity: n.UIDValidity,
		})
		newID, err := ts.local.AddBox(name, n.MailboxGUID, n.UIDValidity)
		if err != nil {
			ts.log.WithError(err).Warn("cannot place mailbox locally", "name", name)
			continue
		}
		ln := ts.local.Node(newID)
		ln.LastRenamedOrCreated = n.LastRenamedOrCreated
		ln.Subscribed = n.Subscribed
		ln.LastSubscriptionChange = n.LastSubscriptionChange
		ln.SyncTempName = n.SyncTempName
	}
}

// dirPass aligns pure directories: explicit remote directories missing
// locally are created; local directories whose remote namesake is marked
// deleted and that shelter no existing children on either side are
// deleted. A local directory with no remote namesake is kept.
func (ts *TreeSync) dirPass() {
	ts.remote.Walk(func(id NodeID) bool {
		n := ts.remote.Node(id)
		if !n.IsDir() || n.Existence != ExistenceExists {
			return true
		}
		name := ts.remote.FullName(id)
		if lid := ts.findByName(ts.local, name); lid == NilNode {
			ts.emit(SyncChange{Type: ChangeCreateDir, Name: name})
			ts.local.AddDir(name)
		} else if ts.local.Node(lid).Existence != ExistenceExists {
			ts.emit(SyncChange{Type: ChangeCreateDir, Name: name})
			ts.local.Node(lid).Existence = ExistenceExists
		}
		return true
	})

	// Directories deleted remotely disappear locally only when no
	// existing children remain on either side.
	var doomed []NodeID
	ts.local.Walk(func(id NodeID) bool {
		n := ts.local.Node(id)
		if !n.IsDir() || n.Existence != ExistenceExists {
			return true
		}
		name := ts.local.FullName(id)
		rid := ts.findByName(ts.remote, name)
		remoteDeleted := rid != NilNode && ts.remote.Node(rid).Existence == ExistenceDeleted
		if !remoteDeleted {
			return true
		}
		if ts.local.HasExistingChildren(id) {
			return true
		}
		if rid != NilNode && ts.remote.HasExistingChildren(rid) {
			return true
		}
		doomed = append(doomed, id)
		return true
	})
	for _, id := range doomed {
		ts.emit(SyncChange{Type: ChangeDeleteDir, Name: ts.local.FullName(id)})
		ts.local.Node(id).Existence = ExistenceNonexistent
	}
}

// findByName resolves a full name in t, NilNode when absent.
func (ts *TreeSync) findByName(t *Tree, name string) NodeID {
	cur := t.Root()
	for _, part := range splitPath(name, t.Sep) {
		id, ok := t.Child(cur, part)
		if !ok {
			return NilNode
		}
		cur = id
	}
	if cur == t.Root() {
		return NilNode
	}
	return cur
}

// subscriptionPass merges subscriptions: the later change wins, a tie
// keeps the subscription.
func (ts *TreeSync) subscriptionPass() {
	ts.remote.Walk(func(id NodeID) bool {
		rn := ts.remote.Node(id)
		name := ts.remote.FullName(id)
		lid := ts.findByName(ts.local, name)
		if lid == NilNode {
			return true
		}
		ln := ts.local.Node(lid)

		var want bool
		switch {
		case rn.LastSubscriptionChange > ln.LastSubscriptionChange:
			want = rn.Subscribed
		case rn.LastSubscriptionChange < ln.LastSubscriptionChange:
			want = ln.Subscribed
		default:
			want = rn.Subscribed || ln.Subscribed
		}

		if want != ln.Subscribed {
			typ := ChangeSubscribe
			if !want {
				typ = ChangeUnsubscribe
			}
			ts.emit(SyncChange{Type: typ, Name: name, Subscribed: want})
			ln.Subscribed = want
			if rn.LastSubscriptionChange > ln.LastSubscriptionChange {
				ln.LastSubscriptionChange = rn.LastSubscriptionChange
			}
		}
		return true
	})
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minString(a, b string) string {
	if a < b {
		return a
	}
	return b
}
