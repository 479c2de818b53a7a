package graph

import (
	"encoding/binary"
	"sort"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/mvcc"
)

// PropEntry is one property on a node or edge.
type PropEntry struct {
	Prop  PropID
	Value Value
}

// NodeRow is the payload of a node version.
type NodeRow struct {
	Labels []LabelID
	Props  []PropEntry
}

// EdgeRow is the payload of an edge version. Src, Dst, and Type are
// immutable for the life of the edge.
type EdgeRow struct {
	Src   NodeID
	Dst   NodeID
	Type  TypeID
	Props []PropEntry
}

// HasLabel reports whether the row carries the label.
func (r *NodeRow) HasLabel(l LabelID) bool {
	for _, x := range r.Labels {
		if x == l {
			return true
		}
	}
	return false
}

// Prop returns the value for prop, or (Null, false) when absent.
func (r *NodeRow) Prop(p PropID) (Value, bool) {
	for _, e := range r.Props {
		if e.Prop == p {
			return e.Value, true
		}
	}
	return Null(), false
}

// Prop returns the value for prop, or (Null, false) when absent.
func (r *EdgeRow) Prop(p PropID) (Value, bool) {
	for _, e := range r.Props {
		if e.Prop == p {
			return e.Value, true
		}
	}
	return Null(), false
}

func sortProps(props []PropEntry) {
	sort.Slice(props, func(i, j int) bool { return props[i].Prop < props[j].Prop })
}

// ───────────────────────────────────────────────────────────────────────────
// Row payload codecs
// ───────────────────────────────────────────────────────────────────────────
//
// Node payload: [labelCount u16][labels u32...][propCount u16][prop u32,
// value]...
// Edge payload: [src u64][dst u64][type u32][propCount u16][prop u32,
// value]...

// EncodeNodeRow renders the node payload.
func EncodeNodeRow(r *NodeRow) []byte {
	out := make([]byte, 0, 16+8*len(r.Labels)+16*len(r.Props))
	var b [8]byte
	binary.LittleEndian.PutUint16(b[:2], uint16(len(r.Labels)))
	out = append(out, b[:2]...)
	for _, l := range r.Labels {
		binary.LittleEndian.PutUint32(b[:4], l)
		out = append(out, b[:4]...)
	}
	binary.LittleEndian.PutUint16(b[:2], uint16(len(r.Props)))
	out = append(out, b[:2]...)
	for _, p := range r.Props {
		binary.LittleEndian.PutUint32(b[:4], p.Prop)
		out = append(out, b[:4]...)
		out = EncodeValue(out, p.Value)
	}
	return out
}

// DecodeNodeRow parses a node payload.
func DecodeNodeRow(buf []byte) (*NodeRow, error) {
	if len(buf) < 2 {
		return nil, dberr.Serialization("node row truncated")
	}
	nl := int(binary.LittleEndian.Uint16(buf[0:2]))
	off := 2
	if len(buf) < off+4*nl+2 {
		return nil, dberr.Serialization("node row labels truncated")
	}
	r := &NodeRow{Labels: make([]LabelID, nl)}
	for i := 0; i < nl; i++ {
		r.Labels[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	np := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	r.Props = make([]PropEntry, 0, np)
	for i := 0; i < np; i++ {
		if len(buf) < off+4 {
			return nil, dberr.Serialization("node row property truncated")
		}
		pid := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		v, n, err := DecodeValue(buf[off:])
		if err != nil {
			return nil, err
		}
		off += n
		r.Props = append(r.Props, PropEntry{Prop: pid, Value: v})
	}
	return r, nil
}

// EncodeEdgeRow renders the edge payload.
func EncodeEdgeRow(r *EdgeRow) []byte {
	out := make([]byte, 0, 24+16*len(r.Props))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], r.Src)
	out = append(out, b[:]...)
	binary.LittleEndian.PutUint64(b[:], r.Dst)
	out = append(out, b[:]...)
	binary.LittleEndian.PutUint32(b[:4], r.Type)
	out = append(out, b[:4]...)
	binary.LittleEndian.PutUint16(b[:2], uint16(len(r.Props)))
	out = append(out, b[:2]...)
	for _, p := range r.Props {
		binary.LittleEndian.PutUint32(b[:4], p.Prop)
		out = append(out, b[:4]...)
		out = EncodeValue(out, p.Value)
	}
	return out
}

// DecodeEdgeRow parses an edge payload.
func DecodeEdgeRow(buf []byte) (*EdgeRow, error) {
	if len(buf) < 22 {
		return nil, dberr.Serialization("edge row truncated")
	}
	r := &EdgeRow{
		Src:  binary.LittleEndian.Uint64(buf[0:8]),
		Dst:  binary.LittleEndian.Uint64(buf[8:16]),
		Type: binary.LittleEndian.Uint32(buf[16:20]),
	}
	np := int(binary.LittleEndian.Uint16(buf[20:22]))
	off := 22
	r.Props = make([]PropEntry, 0, np)
	for i := 0; i < np; i++ {
		if len(buf) < off+4 {
			return nil, dberr.Serialization("edge row property truncated")
		}
		pid := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		v, n, err := DecodeValue(buf[off:])
		if err != nil {
			return nil, err
		}
		off += n
		r.Props = append(r.Props, PropEntry{Prop: pid, Value: v})
	}
	return r, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Versioned row envelope
// ───────────────────────────────────────────────────────────────────────────
//
// Tree value layout for nodes and edges:
//   [0:25]  Version header
//   [25:33] PrevPtr into the version log (0 = none)
//   [33:37] InlineLen (uint32 LE, 0 = no inline previous image)
//   [37:..] Inline previous image: header(25) | prevPtr(8) | payload
//   [..:..] Row payload

// VersionedRow is the decoded tree value for a node or edge.
type VersionedRow struct {
	Header  mvcc.Header
	PrevPtr mvcc.VersionPtr
	Inline  *InlineVersion // previous image embedded inline, if any
	Payload []byte
}

// InlineVersion is the optional embedded previous version.
type InlineVersion struct {
	Header  mvcc.Header
	PrevPtr mvcc.VersionPtr
	Payload []byte
}

// EncodeVersionedRow renders the tree value.
func EncodeVersionedRow(v *VersionedRow) []byte {
	inlineLen := 0
	if v.Inline != nil {
		inlineLen = mvcc.HeaderSize + 8 + len(v.Inline.Payload)
	}
	out := make([]byte, mvcc.HeaderSize+8+4+inlineLen+len(v.Payload))
	mvcc.EncodeHeader(v.Header, out)
	binary.LittleEndian.PutUint64(out[25:33], v.PrevPtr)
	binary.LittleEndian.PutUint32(out[33:37], uint32(inlineLen))
	off := 37
	if v.Inline != nil {
		mvcc.EncodeHeader(v.Inline.Header, out[off:])
		binary.LittleEndian.PutUint64(out[off+25:], v.Inline.PrevPtr)
		copy(out[off+33:], v.Inline.Payload)
		off += inlineLen
	}
	copy(out[off:], v.Payload)
	return out
}

// DecodeVersionedRow parses the tree value.
func DecodeVersionedRow(buf []byte) (*VersionedRow, error) {
	if len(buf) < mvcc.HeaderSize+12 {
		return nil, dberr.Corruption("versioned row truncated")
	}
	h, err := mvcc.DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	v := &VersionedRow{
		Header:  h,
		PrevPtr: binary.LittleEndian.Uint64(buf[25:33]),
	}
	inlineLen := int(binary.LittleEndian.Uint32(buf[33:37]))
	off := 37
	if inlineLen > 0 {
		if inlineLen < mvcc.HeaderSize+8 || len(buf) < off+inlineLen {
			return nil, dberr.Corruption("inline version truncated")
		}
		ih, err := mvcc.DecodeHeader(buf[off:])
		if err != nil {
			return nil, err
		}
		v.Inline = &InlineVersion{
			Header:  ih,
			PrevPtr: binary.LittleEndian.Uint64(buf[off+25:]),
			Payload: append([]byte(nil), buf[off+33:off+inlineLen]...),
		}
		off += inlineLen
	}
	v.Payload = append([]byte(nil), buf[off:]...)
	return v, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Versioned unit values (adjacency and index entries)
// ───────────────────────────────────────────────────────────────────────────

// EncodeUnit renders a unit value: just the version header.
func EncodeUnit(h mvcc.Header) []byte {
	out := make([]byte, mvcc.HeaderSize)
	mvcc.EncodeHeader(h, out)
	return out
}

// DecodeUnit parses a unit value.
func DecodeUnit(buf []byte) (mvcc.Header, error) {
	return mvcc.DecodeHeader(buf)
}

// UnitVisibleAt is the snapshot rule for unit entries: the commit window
// decides; the tombstone flag only marks the entry for vacuum.
func UnitVisibleAt(h mvcc.Header, s mvcc.CommitID) bool {
	if h.Pending() {
		return false
	}
	return h.CommitBegin <= s && s < h.CommitEnd
}
