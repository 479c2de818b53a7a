// Package mvcc provides multi-version concurrency control over the page
// store: version headers stamped into every row, the in-memory commit table
// readers register snapshots against, the version log holding superseded row
// images, and the vacuum horizon computation.
package mvcc

import (
	"encoding/binary"

	"github.com/sombra-db/sombra/internal/dberr"
)

// CommitID is the MVCC commit identifier; it equals the pager LSN assigned
// at commit time.
type CommitID = uint64

// CommitMax marks a version as still live.
const CommitMax = ^CommitID(0)

// Version header flag bits.
const (
	FlagTombstone uint8 = 1 << 0
	FlagPending   uint8 = 1 << 1
)

// HeaderSize is the on-wire size of a version header.
const HeaderSize = 25

// Header is the version metadata prefixed to every row image.
//
// Wire layout (25 bytes, little-endian):
//   [0:8]   CommitBegin — commit that created this version
//   [8:16]  CommitEnd   — commit that superseded it, CommitMax if live
//   [16]    Flags       — TOMBSTONE, PENDING
//   [17:25] Reserved
type Header struct {
	CommitBegin CommitID
	CommitEnd   CommitID
	Flags       uint8
}

// Tombstone reports the deletion flag.
func (h Header) Tombstone() bool { return h.Flags&FlagTombstone != 0 }

// Pending reports whether the creating transaction has not finalized yet.
func (h Header) Pending() bool { return h.Flags&FlagPending != 0 }

// VisibleAt implements the snapshot rule: a version is visible at snapshot s
// iff commitBegin <= s < commitEnd, it is not pending, and not a tombstone.
func (h Header) VisibleAt(s CommitID) bool {
	if h.Pending() || h.Tombstone() {
		return false
	}
	return h.CommitBegin <= s && s < h.CommitEnd
}

// EncodeHeader writes h into buf.
func EncodeHeader(h Header, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.CommitBegin)
	binary.LittleEndian.PutUint64(buf[8:16], h.CommitEnd)
	buf[16] = h.Flags
	for i := 17; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

// DecodeHeader parses a header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, dberr.Corruption("version header truncated: %d bytes", len(buf))
	}
	return Header{
		CommitBegin: binary.LittleEndian.Uint64(buf[0:8]),
		CommitEnd:   binary.LittleEndian.Uint64(buf[8:16]),
		Flags:       buf[16],
	}, nil
}

// WrapValue prefixes payload with an encoded header.
func WrapValue(h Header, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	EncodeHeader(h, out)
	copy(out[HeaderSize:], payload)
	return out
}

// SplitValue separates a versioned value into header and payload.
func SplitValue(buf []byte) (Header, []byte, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	return h, buf[HeaderSize:], nil
}
