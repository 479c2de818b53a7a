// Package pager implements the buffer-cached, WAL-backed page store: a
// single-writer multi-reader transactional layer providing atomic multi-page
// commits, snapshot reads, checkpointing, and crash recovery.
//
// The database file is an array of fixed-size pages. Page 0 is the meta
// page; every other page carries a 16-byte header and a 4-byte CRC32-C
// trailer domain-separated by the database salt and the page id.
package pager

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/sombra-db/sombra/internal/dberr"
)

// PageID addresses one page in the database file. Page 0 is the meta page.
type PageID = uint64

// LSN is the log sequence number; it doubles as the MVCC commit id.
type LSN = uint64

// ───────────────────────────────────────────────────────────────────────────
// Page format
// ───────────────────────────────────────────────────────────────────────────
//
// Header (16 bytes):
//   [0]     Kind      (1 byte)
//   [1]     Flags     (1 byte)
//   [2:4]   Reserved  (zero)
//   [4:8]   PageSize  (uint32 LE)
//   [8:16]  PageNo    (uint64 LE)
// Trailer (last 4 bytes): CRC32-C over salt || page id || page[:len-4].

const (
	// PageHeaderSize is the common header length at the start of each page.
	PageHeaderSize = 16
	pageCRCSize    = 4

	// DefaultPageSize is the default page size in bytes.
	DefaultPageSize = 4096
	// MinPageSize is the smallest allowed page size.
	MinPageSize = 512
	// MaxPageSize bounds page size so in-page offsets fit in 16 bits.
	MaxPageSize = 32768
)

// PageKind identifies the structure stored in a page.
type PageKind uint8

const (
	PageKindMeta     PageKind = 0x01
	PageKindInternal PageKind = 0x02
	PageKindLeaf     PageKind = 0x03
	PageKindOverflow PageKind = 0x04
	PageKindFreeList PageKind = 0x05
)

func (k PageKind) String() string {
	switch k {
	case PageKindMeta:
		return "Meta"
	case PageKindInternal:
		return "BTree-Internal"
	case PageKindLeaf:
		return "BTree-Leaf"
	case PageKindOverflow:
		return "Overflow"
	case PageKindFreeList:
		return "FreeList"
	default:
		return "Unknown"
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// PageHeader is the decoded common header.
type PageHeader struct {
	Kind     PageKind
	Flags    uint8
	PageSize uint32
	PageNo   PageID
}

// InitPage stamps a fresh header into buf.
func InitPage(buf []byte, kind PageKind, id PageID) {
	for i := range buf[:PageHeaderSize] {
		buf[i] = 0
	}
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	binary.LittleEndian.PutUint64(buf[8:16], id)
}

// DecodePageHeader parses and sanity-checks the header of buf.
func DecodePageHeader(buf []byte) (PageHeader, error) {
	if len(buf) < PageHeaderSize {
		return PageHeader{}, dberr.Corruption("page shorter than header")
	}
	h := PageHeader{
		Kind:     PageKind(buf[0]),
		Flags:    buf[1],
		PageSize: binary.LittleEndian.Uint32(buf[4:8]),
		PageNo:   binary.LittleEndian.Uint64(buf[8:16]),
	}
	switch h.Kind {
	case PageKindMeta, PageKindInternal, PageKindLeaf, PageKindOverflow, PageKindFreeList:
	default:
		return PageHeader{}, dberr.Corruption("unknown page kind 0x%02x", buf[0])
	}
	return h, nil
}

// pageCRC computes the page checksum, domain-separated by the database salt
// and the page id so identical content on different pages (or databases)
// hashes differently.
func pageCRC(id PageID, salt uint64, content []byte) uint32 {
	var pre [16]byte
	binary.LittleEndian.PutUint64(pre[0:8], salt)
	binary.LittleEndian.PutUint64(pre[8:16], id)
	c := crc32.Checksum(pre[:], crcTable)
	return crc32.Update(c, crcTable, content)
}

// StampPageCRC computes and writes the trailer checksum.
func StampPageCRC(id PageID, salt uint64, buf []byte) {
	crc := pageCRC(id, salt, buf[:len(buf)-pageCRCSize])
	binary.LittleEndian.PutUint32(buf[len(buf)-pageCRCSize:], crc)
}

// VerifyPageCRC checks the trailer checksum and the header identity fields.
func VerifyPageCRC(id PageID, salt uint64, buf []byte) error {
	stored := binary.LittleEndian.Uint32(buf[len(buf)-pageCRCSize:])
	computed := pageCRC(id, salt, buf[:len(buf)-pageCRCSize])
	if stored != computed {
		return dberr.Corruption("page %d crc mismatch: stored=%08x computed=%08x", id, stored, computed)
	}
	return nil
}

// VerifyPage validates header identity and the CRC trailer for a non-meta page.
func VerifyPage(id PageID, salt uint64, pageSize uint32, buf []byte) error {
	h, err := DecodePageHeader(buf)
	if err != nil {
		return err
	}
	if h.PageNo != id {
		return dberr.Corruption("page %d header claims page %d", id, h.PageNo)
	}
	if h.PageSize != pageSize {
		return dberr.Corruption("page %d size %d, database uses %d", id, h.PageSize, pageSize)
	}
	return VerifyPageCRC(id, salt, buf)
}

func pageOffset(id PageID, pageSize uint32) int64 {
	return int64(id) * int64(pageSize)
}
