package dsync

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/mailerr"
	"github.com/fenilsonani/mailstore/internal/maildir"
)

// Hierarchy maps a Maildir++ layout to mailbox tree names: the root
// directory is INBOX, a mailbox "A/B" lives in the dot-directory ".A.B",
// and subscriptions are lines in a root "subscriptions" file.
type Hierarchy struct {
	Root string
	cfg  maildir.MailboxConfig
	log  *logging.Logger
}

// subscriptionsFile is the subscription list's name in the root.
const subscriptionsFile = "subscriptions"

// NewHierarchy wraps the Maildir++ layout rooted at root.
func NewHierarchy(root string, cfg maildir.MailboxConfig, logger *logging.Logger) *Hierarchy {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hierarchy{Root: root, cfg: cfg, log: logger.Dsync().WithFields("root", root)}
}

// MailboxPath maps a tree name onto its directory.
func (h *Hierarchy) MailboxPath(name string) string {
	if name == "INBOX" {
		return h.Root
	}
	return filepath.Join(h.Root, "."+strings.ReplaceAll(name, "/", "."))
}

// ListMailboxes returns the tree names of every mailbox under the root.
func (h *Hierarchy) ListMailboxes() ([]string, error) {
	names := []string{}
	if hasMaildirLayout(h.Root) {
		names = append(names, "INBOX")
	}
	entries, err := os.ReadDir(h.Root)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindTransient, h.Root, err)
	}
	for _, ent := range entries {
		if !ent.IsDir() || !strings.HasPrefix(ent.Name(), ".") || ent.Name() == "." || ent.Name() == ".." {
			continue
		}
		name := strings.ReplaceAll(strings.TrimPrefix(ent.Name(), "."), ".", "/")
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func hasMaildirLayout(dir string) bool {
	for _, sub := range []string{"cur", "new"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			return false
		}
	}
	return true
}

// BuildTree constructs the mailbox tree of this hierarchy: one node per
// mailbox, carrying GUID, uid_validity and subscription state.
func (h *Hierarchy) BuildTree() (*Tree, error) {
	tree := NewTree()
	names, err := h.ListMailboxes()
	if err != nil {
		return nil, err
	}
	subs, err := h.readSubscriptions()
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		path := h.MailboxPath(name)
		if !hasMaildirLayout(path) {
			// A dot-directory without maildir structure is a pure
			// directory node.
			id, err := tree.AddDir(name)
			if err != nil {
				return nil, err
			}
			if fi, err := os.Stat(path); err == nil {
				tree.Node(id).LastRenamedOrCreated = fi.ModTime().Unix()
			}
			continue
		}

		m, err := maildir.OpenMailbox(path, h.cfg, logging.Discard())
		if err != nil {
			// Corruption with reset-on-corruption off is an operator
			// decision, not something to skip past.
			if mailerr.IsKind(err, mailerr.KindCorrupted) {
				return nil, err
			}
			h.log.WithError(err).Warn("cannot open mailbox", "name", name)
			continue
		}
		hdr := m.Index.Header()
		if hdr.MailboxGUID.Empty() || hdr.LogTailOffset == 0 {
			// Persist the identity assigned at open so both sides see
			// a stable GUID.
			if err := m.Index.Write(); err != nil {
				m.Close()
				return nil, err
			}
			hdr = m.Index.Header()
		}
		m.Close()

		id, err := tree.AddBox(name, hdr.MailboxGUID, hdr.UIDValidity)
		if err != nil {
			return nil, err
		}
		n := tree.Node(id)
		n.UIDNext = hdr.NextUID
		n.Subscribed = subs[name]
		if fi, err := os.Stat(path); err == nil {
			n.LastRenamedOrCreated = fi.ModTime().Unix()
		}
	}
	return tree, nil
}

// Apply executes tree sync changes against the filesystem. Each failing
// change is logged and skipped; the remainder still applies.
func (h *Hierarchy) Apply(changes []SyncChange) []error {
	var errs []error
	fail := func(c SyncChange, err error) {
		h.log.WithError(err).Warn("tree change failed", "change", c.String())
		errs = append(errs, fmt.Errorf("%s: %w", c, err))
	}

	for _, c := range changes {
		switch c.Type {
		case ChangeCreateBox:
			m, err := maildir.OpenMailbox(h.MailboxPath(c.Name), h.cfg, logging.Discard())
			if err != nil {
				fail(c, err)
				continue
			}
			m.Index.SetMailboxGUID(c.GUID)
			if c.UIDValidity != 0 {
				m.Index.SetUIDValidity(c.UIDValidity)
			}
			if err := m.Index.Write(); err != nil {
				fail(c, err)
			}
			m.Close()
		case ChangeDeleteBox:
			if err := os.RemoveAll(h.MailboxPath(c.Name)); err != nil {
				fail(c, err)
			}
		case ChangeCreateDir:
			if err := os.MkdirAll(h.MailboxPath(c.Name), 0700); err != nil {
				fail(c, err)
			}
		case ChangeDeleteDir:
			if err := os.Remove(h.MailboxPath(c.Name)); err != nil && !os.IsNotExist(err) {
				fail(c, err)
			}
		case ChangeRename:
			oldPath := h.MailboxPath(c.OldName)
			newPath := h.MailboxPath(c.Name)
			if err := os.Rename(oldPath, newPath); err != nil {
				fail(c, err)
				continue
			}
			// Maildir++ children are separate dot-dirs; carry them
			// along.
			h.renameChildren(c.OldName, c.Name)
		case ChangeSubscribe, ChangeUnsubscribe:
			if err := h.setSubscribed(c.Name, c.Type == ChangeSubscribe); err != nil {
				fail(c, err)
			}
		}
	}
	return errs
}

// renameChildren moves every dot-directory under oldName to newName.
func (h *Hierarchy) renameChildren(oldName, newName string) {
	entries, err := os.ReadDir(h.Root)
	if err != nil {
		return
	}
	oldPrefix := "." + strings.ReplaceAll(oldName, "/", ".") + "."
	newPrefix := "." + strings.ReplaceAll(newName, "/", ".") + "."
	for _, ent := range entries {
		if !strings.HasPrefix(ent.Name(), oldPrefix) {
			continue
		}
		os.Rename(
			filepath.Join(h.Root, ent.Name()),
			filepath.Join(h.Root, newPrefix+strings.TrimPrefix(ent.Name(), oldPrefix)),
		)
	}
}

// readSubscriptions loads the subscription set.
func (h *Hierarchy) readSubscriptions() (map[string]bool, error) {
	subs := make(map[string]bool)
	f, err := os.Open(filepath.Join(h.Root, subscriptionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return subs, nil
		}
		return nil, mailerr.Wrap(mailerr.KindTransient, subscriptionsFile, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			subs[line] = true
		}
	}
	return subs, sc.Err()
}

// setSubscribed rewrites the subscription file with name added or
// removed, via temp-and-rename like every other published file.
func (h *Hierarchy) setSubscribed(name string, subscribed bool) error {
	subs, err := h.readSubscriptions()
	if err != nil {
		return err
	}
	if subs[name] == subscribed {
		return nil
	}
	if subscribed {
		subs[name] = true
	} else {
		delete(subs, name)
	}

	names := make([]string, 0, len(subs))
	for n := range subs {
		names = append(names, n)
	}
	sort.Strings(names)

	path := filepath.Join(h.Root, subscriptionsFile)
	tmp := path + ".tmp"
	var sb strings.Builder
	for _, n := range names {
		sb.WriteString(n)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(sb.String()), 0600); err != nil {
		return mailerr.Wrap(mailerr.KindTransient, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return mailerr.Wrap(mailerr.KindTransient, path, err)
	}
	return nil
}
