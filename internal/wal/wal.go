// Package wal implements the append-only write-ahead log: full page images
// framed with per-frame CRCs and a running chain CRC linking consecutive
// frames, plus a background committer that coalesces group commits.
package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"sync"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/fileio"
)

// ───────────────────────────────────────────────────────────────────────────
// WAL file format
// ───────────────────────────────────────────────────────────────────────────
//
// File layout: [FileHeader: 32B][Frame]*
//
// File header:
//   [0:4]   Magic      "SOMW"
//   [4:6]   Version    uint16 LE (currently 1)
//   [6:8]   Reserved   zero
//   [8:12]  PageSize   uint32 LE
//   [12:20] WalSalt    uint64 LE
//   [20:28] StartLSN   uint64 LE
//   [28:32] HeaderCRC  uint32 LE — CRC32-C of bytes [0:28]
//
// Frame: [FrameHeader: 32B][payload: PageSize]
//   [0:8]   FrameLSN   uint64 LE
//   [8:16]  PageID     uint64 LE
//   [16:24] PrevChain  uint64 LE — (frameSize << 32) | running CRC over the
//                       previous frame's (prevChain || header || payload);
//                       for the first frame the running CRC is seeded from
//                       the file header bytes.
//   [24:28] PayloadCRC uint32 LE
//   [28:32] HeaderCRC  uint32 LE — CRC32-C of bytes [0:28]

const (
	Magic          = "SOMW"
	FormatVersion  = uint16(1)
	FileHeaderSize = 32
	FrameHeaderSize = 32
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// LSN is the log sequence number assigned per commit.
type LSN = uint64

// Options configures a WAL file.
type Options struct {
	PageSize uint32
	WalSalt  uint64
	StartLSN LSN
}

// Stats are cumulative counters for one WAL handle.
type Stats struct {
	FramesAppended uint64
	BytesAppended  uint64
	Syncs          uint64
	Resets         uint64
}

// Frame is one page image destined for the log.
type Frame struct {
	LSN     LSN
	PageID  uint64
	Payload []byte // exactly PageSize bytes
}

// WAL is the append-only log over a single file.
type WAL struct {
	mu        sync.Mutex
	io        fileio.File
	pageSize  uint32
	salt      uint64
	startLSN  LSN
	writePos  int64
	lastChain uint32 // running CRC of the most recently appended frame
	lastLSN   LSN
	stats     Stats

	// Batching limits for one vectored append call.
	maxBatchFrames int
	maxSlices      int
}

const (
	defaultMaxBatchFrames = 128
	// Two slices per frame (header + payload); stay well under IOV_MAX.
	defaultMaxSlices = 256
)

// Open validates an existing WAL file header or writes a fresh one.
func Open(io fileio.File, opts Options) (*WAL, error) {
	w := &WAL{
		io:             io,
		pageSize:       opts.PageSize,
		salt:           opts.WalSalt,
		startLSN:       opts.StartLSN,
		maxBatchFrames: defaultMaxBatchFrames,
		maxSlices:      defaultMaxSlices,
	}
	size, err := io.Len()
	if err != nil {
		return nil, err
	}
	if size < FileHeaderSize {
		if err := w.writeHeader(opts.StartLSN); err != nil {
			return nil, err
		}
		w.writePos = FileHeaderSize
		w.lastChain = w.headerSeed()
		w.lastLSN = 0
		return w, nil
	}
	hdr, err := w.readHeader()
	if err != nil {
		return nil, err
	}
	if hdr.pageSize != opts.PageSize {
		return nil, dberr.Corruption("wal page size %d does not match database %d", hdr.pageSize, opts.PageSize)
	}
	if hdr.salt != opts.WalSalt {
		return nil, dberr.Corruption("wal salt mismatch")
	}
	w.startLSN = hdr.startLSN
	// Scan forward to find the end of the valid frame run so appends resume
	// at the right chain value.
	it, err := w.iterLocked()
	if err != nil {
		return nil, err
	}
	for {
		f, err := it.Next()
		if err != nil {
			return nil, err
		}
		if f == nil {
			break
		}
	}
	w.writePos = int64(it.ValidUpTo())
	w.lastChain = it.chain
	w.lastLSN = it.lastLSN
	return w, nil
}

type fileHeader struct {
	pageSize uint32
	salt     uint64
	startLSN LSN
}

func (w *WAL) headerBytes(startLSN LSN) [FileHeaderSize]byte {
	var h [FileHeaderSize]byte
	copy(h[0:4], Magic)
	binary.LittleEndian.PutUint16(h[4:6], FormatVersion)
	binary.LittleEndian.PutUint32(h[8:12], w.pageSize)
	binary.LittleEndian.PutUint64(h[12:20], w.salt)
	binary.LittleEndian.PutUint64(h[20:28], startLSN)
	binary.LittleEndian.PutUint32(h[28:32], crc32.Checksum(h[:28], crcTable))
	return h
}

func (w *WAL) writeHeader(startLSN LSN) error {
	h := w.headerBytes(startLSN)
	if err := w.io.WriteAt(0, h[:]); err != nil {
		return err
	}
	return w.io.Sync()
}

func (w *WAL) readHeader() (fileHeader, error) {
	var h [FileHeaderSize]byte
	if err := w.io.ReadAt(0, h[:]); err != nil {
		return fileHeader{}, err
	}
	if string(h[0:4]) != Magic {
		return fileHeader{}, dberr.Corruption("bad wal magic")
	}
	if v := binary.LittleEndian.Uint16(h[4:6]); v != FormatVersion {
		return fileHeader{}, dberr.Corruption("unsupported wal format version %d", v)
	}
	stored := binary.LittleEndian.Uint32(h[28:32])
	if stored != crc32.Checksum(h[:28], crcTable) {
		return fileHeader{}, dberr.Corruption("wal header crc mismatch")
	}
	return fileHeader{
		pageSize: binary.LittleEndian.Uint32(h[8:12]),
		salt:     binary.LittleEndian.Uint64(h[12:20]),
		startLSN: binary.LittleEndian.Uint64(h[20:28]),
	}, nil
}

// headerSeed is the initial chain CRC before any frame exists.
func (w *WAL) headerSeed() uint32 {
	h := w.headerBytes(w.startLSN)
	return crc32.Checksum(h[:], crcTable)
}

// frameSize is the on-disk size of one frame.
func (w *WAL) frameSize() uint32 { return FrameHeaderSize + w.pageSize }

func (w *WAL) marshalFrameHeader(f Frame, prevChain uint64) [FrameHeaderSize]byte {
	var h [FrameHeaderSize]byte
	binary.LittleEndian.PutUint64(h[0:8], f.LSN)
	binary.LittleEndian.PutUint64(h[8:16], f.PageID)
	binary.LittleEndian.PutUint64(h[16:24], prevChain)
	binary.LittleEndian.PutUint32(h[24:28], crc32.Checksum(f.Payload, crcTable))
	binary.LittleEndian.PutUint32(h[28:32], crc32.Checksum(h[:28], crcTable))
	return h
}

// chainOver computes the running CRC over one serialized frame.
func chainOver(hdr []byte, payload []byte) uint32 {
	c := crc32.Checksum(hdr, crcTable)
	return crc32.Update(c, crcTable, payload)
}

// AppendFrames appends the frames in order with vectored writes. Every
// payload must be exactly one page; LSNs must not precede the start LSN.
func (w *WAL) AppendFrames(frames []Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(frames)
}

func (w *WAL) appendLocked(frames []Frame) error {
	for i := 0; i < len(frames); {
		end := i + w.maxBatchFrames
		if end > len(frames) {
			end = len(frames)
		}
		if (end-i)*2 > w.maxSlices {
			end = i + w.maxSlices/2
		}
		if err := w.appendChunk(frames[i:end]); err != nil {
			return err
		}
		i = end
	}
	return nil
}

func (w *WAL) appendChunk(frames []Frame) error {
	slices := make([][]byte, 0, len(frames)*2)
	chain := w.lastChain
	pos := w.writePos
	newLast := w.lastLSN
	for _, f := range frames {
		if uint32(len(f.Payload)) != w.pageSize {
			return dberr.Invalid("wal frame payload %d bytes, want %d", len(f.Payload), w.pageSize)
		}
		if f.LSN < w.startLSN {
			return dberr.Invalid("wal frame lsn %d precedes start lsn %d", f.LSN, w.startLSN)
		}
		prevChain := uint64(w.frameSize())<<32 | uint64(chain)
		hdr := w.marshalFrameHeader(f, prevChain)
		h := make([]byte, FrameHeaderSize)
		copy(h, hdr[:])
		slices = append(slices, h, f.Payload)
		chain = chainOver(h, f.Payload)
		if f.LSN > newLast {
			newLast = f.LSN
		}
	}
	if err := w.io.WritevAt(pos, slices); err != nil {
		return err
	}
	for _, s := range slices {
		w.writePos += int64(len(s))
		w.stats.BytesAppended += uint64(len(s))
	}
	w.stats.FramesAppended += uint64(len(frames))
	w.lastChain = chain
	w.lastLSN = newLast
	return nil
}

// Sync flushes the log to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.io.Sync(); err != nil {
		return err
	}
	w.stats.Syncs++
	return nil
}

// Reset rewrites the file header with a new start LSN and truncates away
// every frame. Used after a successful checkpoint.
func (w *WAL) Reset(startLSN LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.startLSN = startLSN
	if err := w.writeHeader(startLSN); err != nil {
		return err
	}
	if err := w.io.Truncate(FileHeaderSize); err != nil {
		return err
	}
	w.writePos = FileHeaderSize
	w.lastChain = w.headerSeed()
	w.lastLSN = 0
	w.stats.Resets++
	return nil
}

// Len returns the current byte length of the log.
func (w *WAL) Len() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writePos, nil
}

// Stats returns a copy of the cumulative counters.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// StartLSN returns the LSN recorded in the file header.
func (w *WAL) StartLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startLSN
}

// ───────────────────────────────────────────────────────────────────────────
// Iteration
// ───────────────────────────────────────────────────────────────────────────

// Iterator walks frames from just after the file header. It stops cleanly at
// the first header/chain/payload CRC mismatch or LSN regression: those mark
// the torn tail of an interrupted append, not corruption of earlier frames.
type Iterator struct {
	w       *WAL
	pos     int64
	chain   uint32
	lastLSN LSN
	done    bool
}

// Iter returns an iterator positioned at the first frame.
func (w *WAL) Iter() (*Iterator, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.iterLocked()
}

func (w *WAL) iterLocked() (*Iterator, error) {
	return &Iterator{w: w, pos: FileHeaderSize, chain: w.headerSeed()}, nil
}

// Next returns the next valid frame, or nil when the validated run ends.
func (it *Iterator) Next() (*Frame, error) {
	if it.done {
		return nil, nil
	}
	hdr := make([]byte, FrameHeaderSize)
	if err := it.w.io.ReadAt(it.pos, hdr); err != nil {
		if errors.Is(err, dberr.ErrShortRead) {
			it.done = true
			return nil, nil
		}
		return nil, err
	}
	storedHdrCRC := binary.LittleEndian.Uint32(hdr[28:32])
	if storedHdrCRC != crc32.Checksum(hdr[:28], crcTable) {
		it.done = true
		return nil, nil
	}
	lsn := binary.LittleEndian.Uint64(hdr[0:8])
	pageID := binary.LittleEndian.Uint64(hdr[8:16])
	prevChain := binary.LittleEndian.Uint64(hdr[16:24])
	wantChain := uint64(it.w.frameSize())<<32 | uint64(it.chain)
	if prevChain != wantChain {
		it.done = true
		return nil, nil
	}
	if lsn < it.lastLSN {
		it.done = true
		return nil, nil
	}
	payload := make([]byte, it.w.pageSize)
	if err := it.w.io.ReadAt(it.pos+FrameHeaderSize, payload); err != nil {
		if errors.Is(err, dberr.ErrShortRead) {
			it.done = true
			return nil, nil
		}
		return nil, err
	}
	if binary.LittleEndian.Uint32(hdr[24:28]) != crc32.Checksum(payload, crcTable) {
		it.done = true
		return nil, nil
	}
	it.chain = chainOver(hdr, payload)
	it.pos += int64(it.w.frameSize())
	it.lastLSN = lsn
	return &Frame{LSN: lsn, PageID: pageID, Payload: payload}, nil
}

// ValidUpTo returns the file offset up to which frames were validated.
func (it *Iterator) ValidUpTo() uint64 { return uint64(it.pos) }
