package btree

import (
	"bytes"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/pager"
)

// PageReader is the read surface both pager guards provide.
type PageReader interface {
	Page(id pager.PageID) ([]byte, error)
}

// Tree is a handle on one B+tree. Root changes are reflected in Root; the
// caller persists them to the meta page.
type Tree struct {
	Root           pager.PageID
	overflowThresh int
	pageSize       int
}

// New wraps an existing tree rooted at root.
func New(root pager.PageID, pageSize int) *Tree {
	return &Tree{Root: root, overflowThresh: overflowThresholdFor(pageSize), pageSize: pageSize}
}

// Create allocates a new tree with an empty leaf root.
func Create(w *pager.WriteGuard, pageSize int) (*Tree, error) {
	rootID, err := w.AllocPage()
	if err != nil {
		return nil, err
	}
	pm, err := w.PageMut(rootID)
	if err != nil {
		return nil, err
	}
	initNode(pm.Data(), rootID, true)
	pm.Release()
	return New(rootID, pageSize), nil
}

func overflowThresholdFor(pageSize int) int {
	t := (pageSize - nodeSlotDirOff - 64) / 4
	if t < 256 {
		t = 256
	}
	return t
}

// ───────────────────────────────────────────────────────────────────────────
// Lookup
// ───────────────────────────────────────────────────────────────────────────

// Get returns the value for key, or (nil, false).
func (t *Tree) Get(r PageReader, key []byte) ([]byte, bool, error) {
	leafID, err := t.findLeafPage(r, key)
	if err != nil {
		return nil, false, err
	}
	buf, err := r.Page(leafID)
	if err != nil {
		return nil, false, err
	}
	n := wrapNode(buf)
	pos, found := n.findLeaf(key)
	if !found {
		return nil, false, nil
	}
	e := n.leafEntry(pos)
	if e.overflow {
		v, err := readOverflow(r, e.overflowPage, e.totalSize)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}
	return e.value, true, nil
}

func (t *Tree) findLeafPage(r PageReader, key []byte) (pager.PageID, error) {
	id := t.Root
	for {
		buf, err := r.Page(id)
		if err != nil {
			return 0, err
		}
		n := wrapNode(buf)
		if hdr, err := pager.DecodePageHeader(buf); err != nil {
			return 0, err
		} else if hdr.Kind != pager.PageKindLeaf && hdr.Kind != pager.PageKindInternal {
			return 0, dberr.Corruption("page %d is %s, expected btree node", id, hdr.Kind)
		}
		if n.isLeaf() {
			return id, nil
		}
		id = n.searchChild(key)
		if id == 0 {
			return 0, dberr.Corruption("btree internal node has nil child")
		}
	}
}

// pathToLeaf records the internal pages visited on the way to key's leaf.
func (t *Tree) pathToLeaf(r PageReader, key []byte) ([]pager.PageID, error) {
	var path []pager.PageID
	id := t.Root
	for {
		path = append(path, id)
		buf, err := r.Page(id)
		if err != nil {
			return nil, err
		}
		n := wrapNode(buf)
		if n.isLeaf() {
			return path, nil
		}
		id = n.searchChild(key)
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Insert
// ───────────────────────────────────────────────────────────────────────────

// Put inserts or overwrites key. Values above the overflow threshold are
// spilled to an overflow chain so a leaf record never spans pages.
func (t *Tree) Put(w *pager.WriteGuard, key, value []byte) error {
	entry := leafEntry{key: key}
	if len(value) > t.overflowThresh {
		head, err := writeOverflow(w, t.pageSize, value)
		if err != nil {
			return err
		}
		entry.overflow = true
		entry.overflowPage = head
		entry.totalSize = uint32(len(value))
	} else {
		entry.value = value
	}

	path, err := t.pathToLeaf(w, key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	pm, err := w.PageMut(leafID)
	if err != nil {
		return err
	}
	n := wrapNode(pm.Data())
	if pos, found := n.findLeaf(key); found {
		old := n.leafEntry(pos)
		if old.overflow {
			if err := freeOverflow(w, old.overflowPage); err != nil {
				pm.Release()
				return err
			}
		}
		if err := n.replaceRecordAt(pos, marshalLeaf(entry)); err == nil {
			pm.Release()
			return nil
		}
		n.deleteRecordAt(pos)
		// fall through to fresh insert, possibly splitting
	}
	if err := n.insertRecordAt(n.searchLeaf(key), marshalLeaf(entry)); err == nil {
		pm.Release()
		return nil
	}
	pm.Release()
	return t.splitLeafInsert(w, path, entry)
}

// splitLeafInsert rewrites a full leaf as two siblings and pushes the
// separator up.
func (t *Tree) splitLeafInsert(w *pager.WriteGuard, path []pager.PageID, entry leafEntry) error {
	leafID := path[len(path)-1]
	pm, err := w.PageMut(leafID)
	if err != nil {
		return err
	}
	n := wrapNode(pm.Data())

	entries := n.allLeaf()
	merged := make([]leafEntry, 0, len(entries)+1)
	inserted := false
	for _, e := range entries {
		if !inserted && bytes.Compare(entry.key, e.key) <= 0 {
			merged = append(merged, entry)
			inserted = true
		}
		if bytes.Equal(e.key, entry.key) {
			continue // replaced
		}
		merged = append(merged, e)
	}
	if !inserted {
		merged = append(merged, entry)
	}

	mid := len(merged) / 2
	left, right := merged[:mid], merged[mid:]
	splitKey := right[0].key

	oldNext, oldPrev := n.nextLeaf(), n.prevLeaf()

	rightID, err := w.AllocPage()
	if err != nil {
		pm.Release()
		return err
	}

	// Rewrite the left leaf in place, reusing its page id so references from
	// the parent stay valid for keys below the separator.
	ln := initNode(pm.Data(), leafID, true)
	for _, e := range left {
		if err := ln.insertRecordAt(ln.slotCount(), marshalLeaf(e)); err != nil {
			pm.Release()
			return dberr.Invalid("leaf split left overflow: %v", err)
		}
	}
	ln.setNextLeaf(rightID)
	ln.setPrevLeaf(oldPrev)
	pm.Release()

	rpm, err := w.PageMut(rightID)
	if err != nil {
		return err
	}
	rn := initNode(rpm.Data(), rightID, true)
	for _, e := range right {
		if err := rn.insertRecordAt(rn.slotCount(), marshalLeaf(e)); err != nil {
			rpm.Release()
			return dberr.Invalid("leaf split right overflow: %v", err)
		}
	}
	rn.setPrevLeaf(leafID)
	rn.setNextLeaf(oldNext)
	rpm.Release()

	if oldNext != 0 {
		npm, err := w.PageMut(oldNext)
		if err != nil {
			return err
		}
		wrapNode(npm.Data()).setPrevLeaf(rightID)
		npm.Release()
	}

	return t.insertSeparator(w, path[:len(path)-1], leafID, splitKey, rightID)
}

// insertSeparator adds (key → left/right) into the parent, splitting upward
// as needed.
func (t *Tree) insertSeparator(w *pager.WriteGuard, path []pager.PageID, leftID pager.PageID, key []byte, rightID pager.PageID) error {
	if len(path) == 0 {
		rootID, err := w.AllocPage()
		if err != nil {
			return err
		}
		pm, err := w.PageMut(rootID)
		if err != nil {
			return err
		}
		rn := initNode(pm.Data(), rootID, false)
		if err := rn.insertRecordAt(0, marshalInternal(internalEntry{child: leftID, key: key})); err != nil {
			pm.Release()
			return err
		}
		rn.setRightChild(rightID)
		pm.Release()
		t.Root = rootID
		return nil
	}

	parentID := path[len(path)-1]
	pm, err := w.PageMut(parentID)
	if err != nil {
		return err
	}
	n := wrapNode(pm.Data())

	// Build the corrected entry list in memory: insert the separator with
	// the left pointer, then repoint whatever used to follow it at rightID.
	entries := n.allInternal()
	rightChild := n.rightChild()
	pos := 0
	for pos < len(entries) && bytes.Compare(entries[pos].key, key) < 0 {
		pos++
	}
	entries = append(entries, internalEntry{})
	copy(entries[pos+1:], entries[pos:])
	entries[pos] = internalEntry{child: leftID, key: key}
	if pos+1 < len(entries) {
		entries[pos+1].child = rightID
	} else {
		rightChild = rightID
	}

	// Try to rewrite the page with the new entry set.
	rewritten := initNode(pm.Data(), parentID, false)
	fits := true
	for _, e := range entries {
		if err := rewritten.insertRecordAt(rewritten.slotCount(), marshalInternal(e)); err != nil {
			fits = false
			break
		}
	}
	if fits {
		rewritten.setRightChild(rightChild)
		pm.Release()
		return nil
	}

	// Split the internal node: push the middle separator up.
	mid := len(entries) / 2
	pushKey := entries[mid].key
	leftEntries := entries[:mid]
	midChild := entries[mid].child
	rightEntries := entries[mid+1:]

	newRightID, err := w.AllocPage()
	if err != nil {
		pm.Release()
		return err
	}

	ln := initNode(pm.Data(), parentID, false)
	for _, e := range leftEntries {
		if err := ln.insertRecordAt(ln.slotCount(), marshalInternal(e)); err != nil {
			pm.Release()
			return err
		}
	}
	ln.setRightChild(midChild)
	pm.Release()

	rpm, err := w.PageMut(newRightID)
	if err != nil {
		return err
	}
	rn := initNode(rpm.Data(), newRightID, false)
	for _, e := range rightEntries {
		if err := rn.insertRecordAt(rn.slotCount(), marshalInternal(e)); err != nil {
			rpm.Release()
			return err
		}
	}
	rn.setRightChild(rightChild)
	rpm.Release()

	return t.insertSeparator(w, path[:len(path)-1], parentID, pushKey, newRightID)
}

// ───────────────────────────────────────────────────────────────────────────
// Delete
// ───────────────────────────────────────────────────────────────────────────

// Delete removes key, returning whether it was present. Leaves are not
// merged on underflow; a leaf emptied by deletes stays in the tree.
func (t *Tree) Delete(w *pager.WriteGuard, key []byte) (bool, error) {
	leafID, err := t.findLeafPage(w, key)
	if err != nil {
		return false, err
	}
	pm, err := w.PageMut(leafID)
	if err != nil {
		return false, err
	}
	n := wrapNode(pm.Data())
	pos, found := n.findLeaf(key)
	if !found {
		pm.Release()
		return false, nil
	}
	e := n.leafEntry(pos)
	if e.overflow {
		if err := freeOverflow(w, e.overflowPage); err != nil {
			pm.Release()
			return false, err
		}
	}
	n.deleteRecordAt(pos)
	pm.Release()
	return true, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Range scans
// ───────────────────────────────────────────────────────────────────────────

// Cursor streams key/value pairs in ascending key order.
type Cursor struct {
	t        *Tree
	r        PageReader
	leafID   pager.PageID
	pos      int
	high     []byte
	highIncl bool
	done     bool
}

// Range returns a cursor over [low, high] with configurable bound
// inclusivity. Nil bounds are unbounded.
func (t *Tree) Range(r PageReader, low, high []byte, lowIncl, highIncl bool) (*Cursor, error) {
	var start []byte
	if low != nil {
		start = low
	}
	leafID, err := t.findLeafPage(r, start)
	if err != nil {
		return nil, err
	}
	c := &Cursor{t: t, r: r, leafID: leafID, high: high, highIncl: highIncl}
	if low != nil {
		buf, err := r.Page(leafID)
		if err != nil {
			return nil, err
		}
		n := wrapNode(buf)
		c.pos = n.searchLeaf(low)
		if !lowIncl {
			if p, found := n.findLeaf(low); found {
				c.pos = p + 1
			}
		}
	}
	return c, nil
}

// Next returns the next pair, or ok=false at the end of the range.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	for !c.done {
		if c.leafID == 0 {
			c.done = true
			return nil, nil, false, nil
		}
		buf, err := c.r.Page(c.leafID)
		if err != nil {
			return nil, nil, false, err
		}
		n := wrapNode(buf)
		if c.pos >= n.slotCount() {
			c.leafID = n.nextLeaf()
			c.pos = 0
			continue
		}
		e := n.leafEntry(c.pos)
		c.pos++
		if c.high != nil {
			cmp := bytes.Compare(e.key, c.high)
			if cmp > 0 || (cmp == 0 && !c.highIncl) {
				c.done = true
				return nil, nil, false, nil
			}
		}
		val := e.value
		if e.overflow {
			val, err = readOverflow(c.r, e.overflowPage, e.totalSize)
			if err != nil {
				return nil, nil, false, err
			}
		}
		return e.key, val, true, nil
	}
	return nil, nil, false, nil
}

// ForEachWithWrite scans every entry under a write guard, letting fn rewrite
// or delete entries in place. Used by vacuum.
//
// fn returns (replacement, delete): a nil replacement keeps the value.
func (t *Tree) ForEachWithWrite(w *pager.WriteGuard, fn func(key, value []byte) (replacement []byte, del bool, err error)) error {
	// Find the leftmost leaf.
	id := t.Root
	for {
		buf, err := w.Page(id)
		if err != nil {
			return err
		}
		n := wrapNode(buf)
		if n.isLeaf() {
			break
		}
		if n.slotCount() > 0 {
			id = n.internalEntry(0).child
		} else {
			id = n.rightChild()
		}
	}
	for id != 0 {
		buf, err := w.Page(id)
		if err != nil {
			return err
		}
		n := wrapNode(buf)
		next := n.nextLeaf()

		type change struct {
			key         []byte
			replacement []byte
			del         bool
		}
		var changes []change
		for i := 0; i < n.slotCount(); i++ {
			e := n.leafEntry(i)
			val := e.value
			if e.overflow {
				val, err = readOverflow(w, e.overflowPage, e.totalSize)
				if err != nil {
					return err
				}
			}
			repl, del, err := fn(e.key, val)
			if err != nil {
				return err
			}
			if del || repl != nil {
				changes = append(changes, change{key: e.key, replacement: repl, del: del})
			}
		}
		for _, ch := range changes {
			if ch.del {
				if _, err := t.Delete(w, ch.key); err != nil {
					return err
				}
			} else {
				if err := t.Put(w, ch.key, ch.replacement); err != nil {
					return err
				}
			}
		}
		id = next
	}
	return nil
}

// Count walks the leaf chain and returns the number of entries.
func (t *Tree) Count(r PageReader) (int, error) {
	id := t.Root
	for {
		buf, err := r.Page(id)
		if err != nil {
			return 0, err
		}
		n := wrapNode(buf)
		if n.isLeaf() {
			break
		}
		if n.slotCount() > 0 {
			id = n.internalEntry(0).child
		} else {
			id = n.rightChild()
		}
	}
	count := 0
	for id != 0 {
		buf, err := r.Page(id)
		if err != nil {
			return 0, err
		}
		n := wrapNode(buf)
		count += n.slotCount()
		id = n.nextLeaf()
	}
	return count, nil
}

// FreeAll releases every page owned by the tree, overflow chains included.
func (t *Tree) FreeAll(w *pager.WriteGuard) error {
	return t.freeSubtree(w, t.Root)
}

func (t *Tree) freeSubtree(w *pager.WriteGuard, id pager.PageID) error {
	if id == 0 {
		return nil
	}
	buf, err := w.Page(id)
	if err != nil {
		return err
	}
	n := wrapNode(buf)
	if n.isLeaf() {
		for i := 0; i < n.slotCount(); i++ {
			e := n.leafEntry(i)
			if e.overflow {
				if err := freeOverflow(w, e.overflowPage); err != nil {
					return err
				}
			}
		}
		return w.FreePage(id)
	}
	children := make([]pager.PageID, 0, n.slotCount()+1)
	for i := 0; i < n.slotCount(); i++ {
		children = append(children, n.internalEntry(i).child)
	}
	children = append(children, n.rightChild())
	for _, c := range children {
		if err := t.freeSubtree(w, c); err != nil {
			return err
		}
	}
	return w.FreePage(id)
}

// ───────────────────────────────────────────────────────────────────────────
// Overflow chains
// ───────────────────────────────────────────────────────────────────────────

func writeOverflow(w *pager.WriteGuard, pageSize int, data []byte) (pager.PageID, error) {
	chunk := OverflowCapacity(pageSize)
	var head, prev pager.PageID
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		id, err := w.AllocPage()
		if err != nil {
			return 0, err
		}
		pm, err := w.PageMut(id)
		if err != nil {
			return 0, err
		}
		initOverflow(pm.Data(), id)
		overflowSetData(pm.Data(), data[off:end])
		pm.Release()
		if prev != 0 {
			ppm, err := w.PageMut(prev)
			if err != nil {
				return 0, err
			}
			overflowSetNext(ppm.Data(), id)
			ppm.Release()
		} else {
			head = id
		}
		prev = id
	}
	return head, nil
}

func readOverflow(r PageReader, head pager.PageID, total uint32) ([]byte, error) {
	out := make([]byte, 0, total)
	id := head
	for id != 0 {
		buf, err := r.Page(id)
		if err != nil {
			return nil, err
		}
		if hdr, err := pager.DecodePageHeader(buf); err != nil {
			return nil, err
		} else if hdr.Kind != pager.PageKindOverflow {
			return nil, dberr.Corruption("page %d is %s, expected overflow", id, hdr.Kind)
		}
		out = append(out, overflowData(buf)...)
		id = overflowNext(buf)
	}
	if uint32(len(out)) != total {
		return nil, dberr.Corruption("overflow chain yields %d bytes, expected %d", len(out), total)
	}
	return out, nil
}

func freeOverflow(w *pager.WriteGuard, head pager.PageID) error {
	id := head
	for id != 0 {
		buf, err := w.Page(id)
		if err != nil {
			return err
		}
		next := overflowNext(buf)
		if err := w.FreePage(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
