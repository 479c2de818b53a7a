// Package btree implements the ordered byte-keyed B+tree stored in pager
// pages. It serves both as primary index (id → row) and, via composite key
// encodings, as the adjacency and secondary index trees.
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Node page format
// ───────────────────────────────────────────────────────────────────────────
//
// Internal and leaf pages share the slotted-page structure. Records grow
// downward from the end of usable space (the CRC trailer is excluded); the
// slot directory grows upward after the node header.
//
// Node header (after the 16-byte common page header):
//   [16]     IsLeaf      (1 byte)
//   [17:25]  RightChild  (uint64 LE, internal) / NextLeaf (leaf)
//   [25:33]  PrevLeaf    (uint64 LE, leaf only)
//   [33:35]  SlotCount   (uint16 LE)
//   [35:37]  FreeSpaceEnd (uint16 LE)
//   [37:...] Slot directory — 4 bytes per slot: offset uint16, length uint16
//
// Internal record: [0:8] ChildID, [8:10] KeyLen, key
//   ChildID is the subtree holding keys < Key; RightChild holds the rest.
// Leaf record: [0:2] KeyLen, key, [k:k+2] Flags
//   overflow set:   [k+2:k+10] OverflowPage, [k+10:k+14] TotalSize
//   overflow clear: [k+2:k+4] ValLen, value

const (
	nodeIsLeafOff   = pager.PageHeaderSize
	nodeRightOff    = nodeIsLeafOff + 1
	nodeNextLeafOff = nodeRightOff
	nodePrevLeafOff = nodeRightOff + 8
	nodeSlotCntOff  = nodePrevLeafOff + 8
	nodeFreeEndOff  = nodeSlotCntOff + 2
	nodeSlotDirOff  = nodeFreeEndOff + 2
	slotEntrySize   = 4

	leafFlagOverflow uint16 = 1 << 0
)

type nodePage struct {
	buf []byte
}

func wrapNode(buf []byte) nodePage { return nodePage{buf: buf} }

func initNode(buf []byte, id pager.PageID, leaf bool) nodePage {
	kind := pager.PageKindInternal
	if leaf {
		kind = pager.PageKindLeaf
	}
	pager.InitPage(buf, kind, id)
	n := nodePage{buf: buf}
	if leaf {
		buf[nodeIsLeafOff] = 1
	} else {
		buf[nodeIsLeafOff] = 0
	}
	n.setRightChild(0)
	n.setPrevLeaf(0)
	n.setSlotCount(0)
	n.setFreeEnd(len(buf) - 4) // exclude CRC trailer
	return n
}

func (n nodePage) isLeaf() bool { return n.buf[nodeIsLeafOff] == 1 }

func (n nodePage) rightChild() pager.PageID {
	return binary.LittleEndian.Uint64(n.buf[nodeRightOff:])
}
func (n nodePage) setRightChild(id pager.PageID) {
	binary.LittleEndian.PutUint64(n.buf[nodeRightOff:], id)
}
func (n nodePage) nextLeaf() pager.PageID { return n.rightChild() }
func (n nodePage) setNextLeaf(id pager.PageID) {
	n.setRightChild(id)
}
func (n nodePage) prevLeaf() pager.PageID {
	return binary.LittleEndian.Uint64(n.buf[nodePrevLeafOff:])
}
func (n nodePage) setPrevLeaf(id pager.PageID) {
	binary.LittleEndian.PutUint64(n.buf[nodePrevLeafOff:], id)
}

func (n nodePage) slotCount() int {
	return int(binary.LittleEndian.Uint16(n.buf[nodeSlotCntOff:]))
}
func (n nodePage) setSlotCount(c int) {
	binary.LittleEndian.PutUint16(n.buf[nodeSlotCntOff:], uint16(c))
}
func (n nodePage) freeEnd() int {
	return int(binary.LittleEndian.Uint16(n.buf[nodeFreeEndOff:]))
}
func (n nodePage) setFreeEnd(off int) {
	binary.LittleEndian.PutUint16(n.buf[nodeFreeEndOff:], uint16(off))
}
func (n nodePage) slotDirEnd() int { return nodeSlotDirOff + n.slotCount()*slotEntrySize }
func (n nodePage) freeSpace() int  { return n.freeEnd() - n.slotDirEnd() - slotEntrySize }

type slotEntry struct {
	off, length uint16
}

func (n nodePage) slot(i int) slotEntry {
	o := nodeSlotDirOff + i*slotEntrySize
	return slotEntry{
		off:    binary.LittleEndian.Uint16(n.buf[o:]),
		length: binary.LittleEndian.Uint16(n.buf[o+2:]),
	}
}
func (n nodePage) setSlot(i int, e slotEntry) {
	o := nodeSlotDirOff + i*slotEntrySize
	binary.LittleEndian.PutUint16(n.buf[o:], e.off)
	binary.LittleEndian.PutUint16(n.buf[o+2:], e.length)
}
func (n nodePage) record(i int) []byte {
	e := n.slot(i)
	return n.buf[e.off : int(e.off)+int(e.length)]
}

// insertRecordAt places data at slot pos, shifting later slots.
func (n nodePage) insertRecordAt(pos int, data []byte) error {
	if n.freeSpace() < len(data) {
		return dberr.Invalid("node page full: need %d, have %d", len(data), n.freeSpace())
	}
	end := n.freeEnd() - len(data)
	copy(n.buf[end:], data)
	n.setFreeEnd(end)
	sc := n.slotCount()
	n.setSlotCount(sc + 1)
	for i := sc; i > pos; i-- {
		n.setSlot(i, n.slot(i-1))
	}
	n.setSlot(pos, slotEntry{off: uint16(end), length: uint16(len(data))})
	return nil
}

// deleteRecordAt removes slot pos. Record bytes are left behind; space is
// reclaimed when the page is rewritten on split.
func (n nodePage) deleteRecordAt(pos int) {
	sc := n.slotCount()
	for i := pos; i < sc-1; i++ {
		n.setSlot(i, n.slot(i+1))
	}
	n.setSlot(sc-1, slotEntry{})
	n.setSlotCount(sc - 1)
}

// replaceRecordAt swaps the record at pos for data, in place when it fits.
func (n nodePage) replaceRecordAt(pos int, data []byte) error {
	old := n.slot(pos)
	if int(old.length) >= len(data) {
		copy(n.buf[old.off:], data)
		n.setSlot(pos, slotEntry{off: old.off, length: uint16(len(data))})
		return nil
	}
	if n.freeSpace()+slotEntrySize < len(data) {
		return dberr.Invalid("node page full on update: need %d", len(data))
	}
	end := n.freeEnd() - len(data)
	copy(n.buf[end:], data)
	n.setFreeEnd(end)
	n.setSlot(pos, slotEntry{off: uint16(end), length: uint16(len(data))})
	return nil
}

// ── Internal records ───────────────────────────────────────────────────────

type internalEntry struct {
	child pager.PageID
	key   []byte
}

func marshalInternal(e internalEntry) []byte {
	rec := make([]byte, 8+2+len(e.key))
	binary.LittleEndian.PutUint64(rec[0:8], e.child)
	binary.LittleEndian.PutUint16(rec[8:10], uint16(len(e.key)))
	copy(rec[10:], e.key)
	return rec
}

func unmarshalInternal(rec []byte) internalEntry {
	kl := int(binary.LittleEndian.Uint16(rec[8:10]))
	key := make([]byte, kl)
	copy(key, rec[10:10+kl])
	return internalEntry{child: binary.LittleEndian.Uint64(rec[0:8]), key: key}
}

func (n nodePage) internalEntry(i int) internalEntry {
	return unmarshalInternal(n.record(i))
}

func (n nodePage) allInternal() []internalEntry {
	sc := n.slotCount()
	out := make([]internalEntry, sc)
	for i := 0; i < sc; i++ {
		out[i] = n.internalEntry(i)
	}
	return out
}

// searchChild returns the child page to follow for key: the first separator
// greater than key wins, otherwise the right child.
func (n nodePage) searchChild(key []byte) pager.PageID {
	sc := n.slotCount()
	lo, hi := 0, sc
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(key, n.internalEntry(mid).key) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo < sc {
		return n.internalEntry(lo).child
	}
	return n.rightChild()
}

// ── Leaf records ───────────────────────────────────────────────────────────

type leafEntry struct {
	key          []byte
	value        []byte
	overflow     bool
	overflowPage pager.PageID
	totalSize    uint32
}

func marshalLeaf(e leafEntry) []byte {
	kl := len(e.key)
	if e.overflow {
		rec := make([]byte, 2+kl+2+8+4)
		binary.LittleEndian.PutUint16(rec[0:2], uint16(kl))
		copy(rec[2:2+kl], e.key)
		off := 2 + kl
		binary.LittleEndian.PutUint16(rec[off:], leafFlagOverflow)
		binary.LittleEndian.PutUint64(rec[off+2:], e.overflowPage)
		binary.LittleEndian.PutUint32(rec[off+10:], e.totalSize)
		return rec
	}
	rec := make([]byte, 2+kl+2+2+len(e.value))
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kl))
	copy(rec[2:2+kl], e.key)
	off := 2 + kl
	binary.LittleEndian.PutUint16(rec[off:], 0)
	binary.LittleEndian.PutUint16(rec[off+2:], uint16(len(e.value)))
	copy(rec[off+4:], e.value)
	return rec
}

func unmarshalLeaf(rec []byte) leafEntry {
	kl := int(binary.LittleEndian.Uint16(rec[0:2]))
	key := make([]byte, kl)
	copy(key, rec[2:2+kl])
	off := 2 + kl
	flags := binary.LittleEndian.Uint16(rec[off:])
	if flags&leafFlagOverflow != 0 {
		return leafEntry{
			key:          key,
			overflow:     true,
			overflowPage: binary.LittleEndian.Uint64(rec[off+2:]),
			totalSize:    binary.LittleEndian.Uint32(rec[off+10:]),
		}
	}
	vl := int(binary.LittleEndian.Uint16(rec[off+2:]))
	val := make([]byte, vl)
	copy(val, rec[off+4:off+4+vl])
	return leafEntry{key: key, value: val}
}

func (n nodePage) leafEntry(i int) leafEntry { return unmarshalLeaf(n.record(i)) }

func (n nodePage) allLeaf() []leafEntry {
	sc := n.slotCount()
	out := make([]leafEntry, sc)
	for i := 0; i < sc; i++ {
		out[i] = n.leafEntry(i)
	}
	return out
}

// searchLeaf returns the sorted position for key.
func (n nodePage) searchLeaf(key []byte) int {
	lo, hi := 0, n.slotCount()
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.leafEntry(mid).key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// findLeaf returns (pos, true) on exact match.
func (n nodePage) findLeaf(key []byte) (int, bool) {
	pos := n.searchLeaf(key)
	if pos < n.slotCount() && bytes.Equal(n.leafEntry(pos).key, key) {
		return pos, true
	}
	return -1, false
}

// ── Overflow pages ─────────────────────────────────────────────────────────
//
// Overflow page layout after the common header:
//   [16:24] Next overflow page (0 = end)
//   [24:28] Chunk length (uint32 LE)
//   [28:...] data

const (
	ovNextOff = pager.PageHeaderSize
	ovLenOff  = ovNextOff + 8
	ovDataOff = ovLenOff + 4
)

// OverflowCapacity returns the data bytes one overflow page holds.
func OverflowCapacity(pageSize int) int { return pageSize - ovDataOff - 4 }

func initOverflow(buf []byte, id pager.PageID) {
	pager.InitPage(buf, pager.PageKindOverflow, id)
	binary.LittleEndian.PutUint64(buf[ovNextOff:], 0)
	binary.LittleEndian.PutUint32(buf[ovLenOff:], 0)
}

func overflowNext(buf []byte) pager.PageID {
	return binary.LittleEndian.Uint64(buf[ovNextOff:])
}

func overflowSetNext(buf []byte, id pager.PageID) {
	binary.LittleEndian.PutUint64(buf[ovNextOff:], id)
}

func overflowData(buf []byte) []byte {
	n := int(binary.LittleEndian.Uint32(buf[ovLenOff:]))
	return buf[ovDataOff : ovDataOff+n]
}

func overflowSetData(buf []byte, chunk []byte) {
	binary.LittleEndian.PutUint32(buf[ovLenOff:], uint32(len(chunk)))
	copy(buf[ovDataOff:], chunk)
}
