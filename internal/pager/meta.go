package pager

import (
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"

	"github.com/sombra-db/sombra/internal/dberr"
)

// ───────────────────────────────────────────────────────────────────────────
// Meta page
// ───────────────────────────────────────────────────────────────────────────
//
// Page 0 holds the database identity and the roots of every persistent tree.
// Layout (little-endian unless noted):
//
//   [0:4]    Magic "SOMB"
//   [4:6]    FormatVersion (uint16 BE)
//   [6:8]    Reserved zero
//   [8:12]   PageSize
//   [12:20]  Salt            — domain-separates page CRCs
//   [20:28]  WalSalt
//   [28:36]  LastCheckpointLSN
//   [36:44]  NextPage
//   [44:52]  FreeHead        — first free-list page, 0 = none
//   [52:60]  NextNodeID
//   [60:68]  NextEdgeID
//   [68:76]  NextVersionPtr
//   [76:132] Tree roots      — 7 × uint64: nodes, edges, fwd adjacency,
//                              rev adjacency, label index, property index,
//                              version log
//   [len-4:] CRC32 over the rest of the page

const (
	MetaMagic         = "SOMB"
	MetaFormatVersion = uint16(1)
)

// Root indices into Meta.Roots.
const (
	TreeNodes = iota
	TreeEdges
	TreeFwdAdj
	TreeRevAdj
	TreeLabelIndex
	TreePropIndex
	TreeVersionLog
	NumTrees
)

// Meta is the in-memory form of the meta page.
type Meta struct {
	PageSize          uint32
	Salt              uint64
	WalSalt           uint64
	LastCheckpointLSN LSN
	NextPage          PageID
	FreeHead          PageID
	NextNodeID        uint64
	NextEdgeID        uint64
	NextVersionPtr    uint64
	Roots             [NumTrees]PageID
}

// NewMeta builds the meta for a freshly created database.
func NewMeta(pageSize uint32) (Meta, error) {
	var salts [16]byte
	if _, err := rand.Read(salts[:]); err != nil {
		return Meta{}, dberr.Io(err, "generate database salts")
	}
	return Meta{
		PageSize:   pageSize,
		Salt:       binary.LittleEndian.Uint64(salts[0:8]),
		WalSalt:    binary.LittleEndian.Uint64(salts[8:16]),
		NextPage:   1,
		NextNodeID: 1,
		NextEdgeID: 1,
		// Version pointer 0 is the nil chain terminator.
		NextVersionPtr: 1,
	}, nil
}

// EncodeMeta serializes m into a page-sized buffer, stamping the CRC.
func EncodeMeta(m *Meta, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[0:4], MetaMagic)
	binary.BigEndian.PutUint16(buf[4:6], MetaFormatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], m.PageSize)
	binary.LittleEndian.PutUint64(buf[12:20], m.Salt)
	binary.LittleEndian.PutUint64(buf[20:28], m.WalSalt)
	binary.LittleEndian.PutUint64(buf[28:36], m.LastCheckpointLSN)
	binary.LittleEndian.PutUint64(buf[36:44], m.NextPage)
	binary.LittleEndian.PutUint64(buf[44:52], m.FreeHead)
	binary.LittleEndian.PutUint64(buf[52:60], m.NextNodeID)
	binary.LittleEndian.PutUint64(buf[60:68], m.NextEdgeID)
	binary.LittleEndian.PutUint64(buf[68:76], m.NextVersionPtr)
	for i, root := range m.Roots {
		binary.LittleEndian.PutUint64(buf[76+8*i:84+8*i], root)
	}
	crc := crc32.Checksum(buf[:len(buf)-pageCRCSize], crcTable)
	binary.LittleEndian.PutUint32(buf[len(buf)-pageCRCSize:], crc)
}

// DecodeMeta parses and validates a meta page image.
func DecodeMeta(buf []byte) (Meta, error) {
	if string(buf[0:4]) != MetaMagic {
		return Meta{}, dberr.Corruption("bad database magic")
	}
	if v := binary.BigEndian.Uint16(buf[4:6]); v != MetaFormatVersion {
		return Meta{}, dberr.Corruption("unsupported format version %d", v)
	}
	stored := binary.LittleEndian.Uint32(buf[len(buf)-pageCRCSize:])
	computed := crc32.Checksum(buf[:len(buf)-pageCRCSize], crcTable)
	if stored != computed {
		return Meta{}, dberr.Corruption("meta page crc mismatch")
	}
	m := Meta{
		PageSize:          binary.LittleEndian.Uint32(buf[8:12]),
		Salt:              binary.LittleEndian.Uint64(buf[12:20]),
		WalSalt:           binary.LittleEndian.Uint64(buf[20:28]),
		LastCheckpointLSN: binary.LittleEndian.Uint64(buf[28:36]),
		NextPage:          binary.LittleEndian.Uint64(buf[36:44]),
		FreeHead:          binary.LittleEndian.Uint64(buf[44:52]),
		NextNodeID:        binary.LittleEndian.Uint64(buf[52:60]),
		NextEdgeID:        binary.LittleEndian.Uint64(buf[60:68]),
		NextVersionPtr:    binary.LittleEndian.Uint64(buf[68:76]),
	}
	for i := range m.Roots {
		m.Roots[i] = binary.LittleEndian.Uint64(buf[76+8*i : 84+8*i])
	}
	if uint32(len(buf)) != m.PageSize {
		return Meta{}, dberr.Corruption("meta page size %d, buffer %d", m.PageSize, len(buf))
	}
	if m.NextPage == 0 {
		return Meta{}, dberr.Corruption("meta next page is zero")
	}
	return m, nil
}
