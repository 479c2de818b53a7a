package graph

import (
	"encoding/binary"

	"github.com/sombra-db/sombra/internal/dberr"
)

// ───────────────────────────────────────────────────────────────────────────
// Tree key encodings
// ───────────────────────────────────────────────────────────────────────────
//
// All composite keys are big-endian so byte order matches numeric order:
//
//   nodes:      node id (8)
//   edges:      edge id (8)
//   fwd adj:    src (8) | type (4) | dst (8) | edge id (8)
//   rev adj:    dst (8) | type (4) | src (8) | edge id (8)
//   label idx:  label (4) | node id (8)
//   prop idx:   label (4) | prop (4) | value (order-preserving) | node id (8)

// NodeKey encodes a node id.
func NodeKey(id NodeID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// EdgeKey encodes an edge id.
func EdgeKey(id EdgeID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// DecodeID reads an 8-byte big-endian id key.
func DecodeID(k []byte) (uint64, error) {
	if len(k) != 8 {
		return 0, dberr.Corruption("id key has %d bytes", len(k))
	}
	return binary.BigEndian.Uint64(k), nil
}

// AdjKey encodes one adjacency entry: (a, type, b, edge).
func AdjKey(a NodeID, ty TypeID, b NodeID, edge EdgeID) []byte {
	k := make([]byte, 28)
	binary.BigEndian.PutUint64(k[0:8], a)
	binary.BigEndian.PutUint32(k[8:12], ty)
	binary.BigEndian.PutUint64(k[12:20], b)
	binary.BigEndian.PutUint64(k[20:28], edge)
	return k
}

// AdjEntry is a decoded adjacency key.
type AdjEntry struct {
	From NodeID // src for forward, dst for reverse
	Type TypeID
	To   NodeID // dst for forward, src for reverse
	Edge EdgeID
}

// DecodeAdjKey parses an adjacency key.
func DecodeAdjKey(k []byte) (AdjEntry, error) {
	if len(k) != 28 {
		return AdjEntry{}, dberr.Corruption("adjacency key has %d bytes", len(k))
	}
	return AdjEntry{
		From: binary.BigEndian.Uint64(k[0:8]),
		Type: binary.BigEndian.Uint32(k[8:12]),
		To:   binary.BigEndian.Uint64(k[12:20]),
		Edge: binary.BigEndian.Uint64(k[20:28]),
	}, nil
}

// AdjPrefixNode is the scan prefix for every edge at a node.
func AdjPrefixNode(a NodeID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], a)
	return k[:]
}

// AdjPrefixType is the scan prefix for edges of one type at a node.
func AdjPrefixType(a NodeID, ty TypeID) []byte {
	k := make([]byte, 12)
	binary.BigEndian.PutUint64(k[0:8], a)
	binary.BigEndian.PutUint32(k[8:12], ty)
	return k
}

// LabelKey encodes a label index entry.
func LabelKey(label LabelID, node NodeID) []byte {
	k := make([]byte, 12)
	binary.BigEndian.PutUint32(k[0:4], label)
	binary.BigEndian.PutUint64(k[4:12], node)
	return k
}

// DecodeLabelKey parses a label index key.
func DecodeLabelKey(k []byte) (LabelID, NodeID, error) {
	if len(k) != 12 {
		return 0, 0, dberr.Corruption("label key has %d bytes", len(k))
	}
	return binary.BigEndian.Uint32(k[0:4]), binary.BigEndian.Uint64(k[4:12]), nil
}

// LabelPrefix is the scan prefix for one label.
func LabelPrefix(label LabelID) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], label)
	return k[:]
}

// PropKey encodes a property index entry.
func PropKey(label LabelID, prop PropID, v Value, node NodeID) ([]byte, error) {
	k := make([]byte, 8, 32)
	binary.BigEndian.PutUint32(k[0:4], label)
	binary.BigEndian.PutUint32(k[4:8], prop)
	k, err := IndexEncodeValue(k, v)
	if err != nil {
		return nil, err
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], node)
	return append(k, n[:]...), nil
}

// PropKeyNode extracts the trailing node id from a property index key.
func PropKeyNode(k []byte) (NodeID, error) {
	if len(k) < 16 {
		return 0, dberr.Corruption("property key has %d bytes", len(k))
	}
	return binary.BigEndian.Uint64(k[len(k)-8:]), nil
}

// PropPrefixEq is the scan prefix for one (label, prop, value) triple.
func PropPrefixEq(label LabelID, prop PropID, v Value) ([]byte, error) {
	k := make([]byte, 8, 24)
	binary.BigEndian.PutUint32(k[0:4], label)
	binary.BigEndian.PutUint32(k[4:8], prop)
	return IndexEncodeValue(k, v)
}

// PropPrefix is the scan prefix for one (label, prop) pair.
func PropPrefix(label LabelID, prop PropID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint32(k[0:4], label)
	binary.BigEndian.PutUint32(k[4:8], prop)
	return k
}

// PrefixSuccessor returns the smallest key greater than every key with the
// given prefix, or nil when the prefix is all 0xFF.
func PrefixSuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
