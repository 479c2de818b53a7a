package mvcc

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/sombra-db/sombra/internal/btree"
	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Version log
// ───────────────────────────────────────────────────────────────────────────
//
// Superseded row images are appended to a B+tree keyed by a monotonically
// assigned version pointer. Each entry links to the previous version of the
// same logical row, forming the version chain readers walk during
// visibility checks.

// Space tags which logical keyspace a version belongs to.
type Space uint8

const (
	SpaceNode Space = 1
	SpaceEdge Space = 2
)

// Codec selects version-log payload compression.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecZlib Codec = 1
)

// VersionPtr addresses one version-log entry; 0 terminates a chain.
type VersionPtr = uint64

// LogEntry is one superseded version.
//
// Wire layout (little-endian):
//   [0]     Space
//   [1]     Codec
//   [2:10]  ID        — node or edge id
//   [10:35] Header    — the superseded version's header
//   [35:43] PrevPtr   — next-older version, 0 = end of chain
//   [43:47] RawLen    — payload length before compression
//   [47:51] StoredLen — payload length as stored
//   [51:..] Payload
type LogEntry struct {
	Space   Space
	ID      uint64
	Header  Header
	PrevPtr VersionPtr
	Payload []byte // decoded row image
}

const logEntryHdrLen = 51

// Log wraps the version-log tree with pointer encoding and the compression
// codec.
type Log struct {
	Tree        *btree.Tree
	Codec       Codec
	CompressMin int // only compress when the saving is at least this many bytes
}

// EncodeKey renders a version pointer as a big-endian tree key.
func EncodeKey(ptr VersionPtr) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], ptr)
	return k[:]
}

func encodeLogEntry(e *LogEntry, codec Codec, compressMin int) ([]byte, error) {
	payload := e.Payload
	used := CodecNone
	if codec == CodecZlib && len(payload) > 0 {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(payload); err == nil && zw.Close() == nil {
			if len(payload)-buf.Len() >= compressMin {
				payload = buf.Bytes()
				used = CodecZlib
			}
		}
	}
	out := make([]byte, logEntryHdrLen+len(payload))
	out[0] = byte(e.Space)
	out[1] = byte(used)
	binary.LittleEndian.PutUint64(out[2:10], e.ID)
	EncodeHeader(e.Header, out[10:35])
	binary.LittleEndian.PutUint64(out[35:43], e.PrevPtr)
	binary.LittleEndian.PutUint32(out[43:47], uint32(len(e.Payload)))
	binary.LittleEndian.PutUint32(out[47:51], uint32(len(payload)))
	copy(out[logEntryHdrLen:], payload)
	return out, nil
}

func decodeLogEntry(buf []byte) (*LogEntry, error) {
	if len(buf) < logEntryHdrLen {
		return nil, dberr.Corruption("version log entry truncated")
	}
	space := Space(buf[0])
	if space != SpaceNode && space != SpaceEdge {
		return nil, dberr.Corruption("version log entry has unknown space 0x%02x", buf[0])
	}
	codec := Codec(buf[1])
	h, err := DecodeHeader(buf[10:35])
	if err != nil {
		return nil, err
	}
	rawLen := binary.LittleEndian.Uint32(buf[43:47])
	storedLen := binary.LittleEndian.Uint32(buf[47:51])
	if int(storedLen) != len(buf)-logEntryHdrLen {
		return nil, dberr.Corruption("version log entry length mismatch")
	}
	stored := buf[logEntryHdrLen:]
	var payload []byte
	switch codec {
	case CodecNone:
		payload = append([]byte(nil), stored...)
	case CodecZlib:
		zr, err := zlib.NewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, dberr.Corruption("version log zlib header: %v", err)
		}
		payload, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, dberr.Corruption("version log zlib payload: %v", err)
		}
	default:
		return nil, dberr.Corruption("version log entry has unknown codec 0x%02x", buf[1])
	}
	if uint32(len(payload)) != rawLen {
		return nil, dberr.Corruption("version log payload %d bytes, expected %d", len(payload), rawLen)
	}
	return &LogEntry{
		Space:   space,
		ID:      binary.LittleEndian.Uint64(buf[2:10]),
		Header:  h,
		PrevPtr: binary.LittleEndian.Uint64(buf[35:43]),
		Payload: payload,
	}, nil
}

// Append writes entry under ptr.
func (l *Log) Append(w *pager.WriteGuard, ptr VersionPtr, e *LogEntry) error {
	buf, err := encodeLogEntry(e, l.Codec, l.CompressMin)
	if err != nil {
		return err
	}
	return l.Tree.Put(w, EncodeKey(ptr), buf)
}

// Get reads the entry at ptr.
func (l *Log) Get(r btree.PageReader, ptr VersionPtr) (*LogEntry, error) {
	buf, ok, err := l.Tree.Get(r, EncodeKey(ptr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberr.NotFound("version log entry %d", ptr)
	}
	return decodeLogEntry(buf)
}

// Delete removes the entry at ptr.
func (l *Log) Delete(w *pager.WriteGuard, ptr VersionPtr) (bool, error) {
	return l.Tree.Delete(w, EncodeKey(ptr))
}
