package pager

import (
	"encoding/binary"
	"sort"

	"github.com/sombra-db/sombra/internal/dberr"
)

// ───────────────────────────────────────────────────────────────────────────
// Free list
// ───────────────────────────────────────────────────────────────────────────
//
// On disk the free list is a singly linked chain of pages, each holding a
// vector of free extents. In memory the pager keeps a FreeCache of sorted,
// coalesced extents that allocation pops from.
//
// Free-list page layout:
//   [0:16]   Common page header (Kind=FreeList)
//   [16:24]  Next free-list page (0 = end)
//   [24:28]  Extent count (uint32 LE)
//   [28:...] Extents — 16 bytes each: start uint64, length uint64
//   [len-4:] CRC trailer

const (
	flNextOff   = PageHeaderSize
	flCountOff  = flNextOff + 8
	flDataOff   = flCountOff + 4
	flExtentLen = 16
)

// Extent is a contiguous run of free pages.
type Extent struct {
	Start PageID
	Len   uint64
}

// End returns the first page past the extent.
func (e Extent) End() PageID { return e.Start + e.Len }

// FreeListCapacity returns how many extents fit in one free-list page.
func FreeListCapacity(pageSize int) int {
	return (pageSize - flDataOff - pageCRCSize) / flExtentLen
}

// EncodeFreeListPage serializes one chain page.
func EncodeFreeListPage(buf []byte, id PageID, next PageID, extents []Extent) {
	InitPage(buf, PageKindFreeList, id)
	binary.LittleEndian.PutUint64(buf[flNextOff:], next)
	binary.LittleEndian.PutUint32(buf[flCountOff:], uint32(len(extents)))
	off := flDataOff
	for _, e := range extents {
		binary.LittleEndian.PutUint64(buf[off:], e.Start)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Len)
		off += flExtentLen
	}
}

// DecodeFreeListPage parses one chain page, returning the next pointer.
func DecodeFreeListPage(buf []byte) (next PageID, extents []Extent, err error) {
	h, err := DecodePageHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	if h.Kind != PageKindFreeList {
		return 0, nil, dberr.Corruption("expected free-list page, found %s", h.Kind)
	}
	next = binary.LittleEndian.Uint64(buf[flNextOff:])
	n := int(binary.LittleEndian.Uint32(buf[flCountOff:]))
	if n > FreeListCapacity(len(buf)) {
		return 0, nil, dberr.Corruption("free-list page claims %d extents", n)
	}
	extents = make([]Extent, n)
	for i := 0; i < n; i++ {
		off := flDataOff + i*flExtentLen
		extents[i] = Extent{
			Start: binary.LittleEndian.Uint64(buf[off:]),
			Len:   binary.LittleEndian.Uint64(buf[off+8:]),
		}
	}
	return next, extents, nil
}

// FreeCache is the in-memory extent set. Extents are kept sorted by start
// and never overlap.
type FreeCache struct {
	extents []Extent
}

// Clone returns a deep copy for shadow-transaction snapshots.
func (fc *FreeCache) Clone() FreeCache {
	out := make([]Extent, len(fc.extents))
	copy(out, fc.extents)
	return FreeCache{extents: out}
}

// Extents exposes the sorted extent list.
func (fc *FreeCache) Extents() []Extent { return fc.extents }

// Count returns the number of free pages.
func (fc *FreeCache) Count() uint64 {
	var n uint64
	for _, e := range fc.extents {
		n += e.Len
	}
	return n
}

// Alloc pops one page from the lowest extent, or 0 when empty.
func (fc *FreeCache) Alloc() PageID {
	if len(fc.extents) == 0 {
		return 0
	}
	e := &fc.extents[0]
	id := e.Start
	e.Start++
	e.Len--
	if e.Len == 0 {
		fc.extents = fc.extents[1:]
	}
	return id
}

// Free adds one page, merging into adjacent extents.
func (fc *FreeCache) Free(id PageID) {
	fc.AddExtent(Extent{Start: id, Len: 1})
}

// AddExtent inserts an extent, coalescing neighbors.
func (fc *FreeCache) AddExtent(ext Extent) {
	if ext.Len == 0 {
		return
	}
	i := sort.Search(len(fc.extents), func(i int) bool {
		return fc.extents[i].Start >= ext.Start
	})
	fc.extents = append(fc.extents, Extent{})
	copy(fc.extents[i+1:], fc.extents[i:])
	fc.extents[i] = ext
	// Merge with the left neighbor, then fold any following extents the
	// merged run now touches.
	j := i
	if j > 0 && fc.extents[j-1].End() >= fc.extents[j].Start {
		j--
	}
	for j+1 < len(fc.extents) && fc.extents[j].End() >= fc.extents[j+1].Start {
		right := fc.extents[j+1]
		if right.End() > fc.extents[j].End() {
			fc.extents[j].Len = right.End() - fc.extents[j].Start
		}
		fc.extents = append(fc.extents[:j+1], fc.extents[j+2:]...)
	}
}

// Contains reports whether id is in the free set.
func (fc *FreeCache) Contains(id PageID) bool {
	i := sort.Search(len(fc.extents), func(i int) bool {
		return fc.extents[i].End() > id
	})
	return i < len(fc.extents) && fc.extents[i].Start <= id
}

// Pages enumerates every free page id in ascending order.
func (fc *FreeCache) Pages() []PageID {
	var out []PageID
	for _, e := range fc.extents {
		for p := e.Start; p < e.End(); p++ {
			out = append(out, p)
		}
	}
	return out
}

// ExtentsFromPages converts a sorted, deduplicated page list to extents.
func ExtentsFromPages(pages []PageID) []Extent {
	var out []Extent
	for _, p := range pages {
		if n := len(out); n > 0 && out[n-1].End() == p {
			out[n-1].Len++
		} else {
			out = append(out, Extent{Start: p, Len: 1})
		}
	}
	return out
}
