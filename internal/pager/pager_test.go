package pager

import (
	"path/filepath"
	"testing"

	"github.com/sombra-db/sombra/internal/dberr"
)

func tmpPager(t *testing.T, opts Options) *Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "test.db"), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func testOptions() Options {
	o := DefaultOptions()
	o.PageSize = 512
	o.CachePages = 8
	return o
}

func TestMeta_EncodeDecodeRoundTrip(t *testing.T) {
	m, err := NewMeta(512)
	if err != nil {
		t.Fatal(err)
	}
	m.LastCheckpointLSN = 7
	m.NextPage = 42
	m.FreeHead = 9
	m.NextNodeID = 3
	m.NextEdgeID = 4
	m.NextVersionPtr = 5
	m.Roots = [NumTrees]PageID{1, 2, 3, 4, 5, 6, 7}
	buf := make([]byte, 512)
	EncodeMeta(&m, buf)
	m2, err := DecodeMeta(buf)
	if err != nil {
		t.Fatal(err)
	}
	if m2 != m {
		t.Fatalf("meta roundtrip mismatch:\n%+v\n%+v", m, m2)
	}
}

func TestMeta_BadMagicRejected(t *testing.T) {
	m, _ := NewMeta(512)
	buf := make([]byte, 512)
	EncodeMeta(&m, buf)
	buf[0] = 'X'
	if _, err := DecodeMeta(buf); !dberr.IsCorruption(err) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func TestPageCRC_DetectsFlips(t *testing.T) {
	buf := make([]byte, 512)
	InitPage(buf, PageKindLeaf, 3)
	StampPageCRC(3, 0xABCD, buf)
	if err := VerifyPage(3, 0xABCD, 512, buf); err != nil {
		t.Fatal(err)
	}
	buf[100] ^= 1
	if err := VerifyPage(3, 0xABCD, 512, buf); !dberr.IsCorruption(err) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func TestPageCRC_SaltSeparatesDomains(t *testing.T) {
	buf := make([]byte, 512)
	InitPage(buf, PageKindLeaf, 3)
	StampPageCRC(3, 1, buf)
	if err := VerifyPageCRC(3, 2, buf); err == nil {
		t.Fatal("different salt must fail verification")
	}
}

func TestPager_CommitPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")
	p, err := Open(path, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	id, err := g.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	pm, err := g.PageMut(id)
	if err != nil {
		t.Fatal(err)
	}
	InitPage(pm.Data(), PageKindLeaf, id)
	copy(pm.Data()[PageHeaderSize:], "hello")
	pm.Release()
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := Open(path, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()
	r := p2.BeginRead()
	defer r.Release()
	buf, err := r.Page(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[PageHeaderSize:PageHeaderSize+5]) != "hello" {
		t.Fatal("committed data lost across reopen")
	}
}

func TestPager_RecoveryWithoutCheckpoint(t *testing.T) {
	// Commit but skip the close-time checkpoint by reopening from the
	// files directly: recovery must replay the WAL.
	dir := t.TempDir()
	path := filepath.Join(dir, "recover.db")
	opts := testOptions()
	p, err := Open(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	id, err := g.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	pm, err := g.PageMut(id)
	if err != nil {
		t.Fatal(err)
	}
	InitPage(pm.Data(), PageKindOverflow, id)
	copy(pm.Data()[PageHeaderSize+12:], "durable")
	pm.Release()
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}
	// Abandon without checkpoint: drop the lock file the hard way.
	p.comm.Close()
	p.dbIO.Close()
	p.walIO.Close()
	p.releaseLockFile()

	p2, err := Open(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()
	r := p2.BeginRead()
	defer r.Release()
	buf, err := r.Page(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[PageHeaderSize+12:PageHeaderSize+19]) != "durable" {
		t.Fatal("wal recovery lost committed page")
	}
}

func TestPager_RollbackRestoresState(t *testing.T) {
	p := tmpPager(t, testOptions())

	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	id, err := g.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	pm, err := g.PageMut(id)
	if err != nil {
		t.Fatal(err)
	}
	InitPage(pm.Data(), PageKindLeaf, id)
	pm.Release()
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}
	metaBefore := p.Meta()

	g2, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	pm2, err := g2.PageMut(id)
	if err != nil {
		t.Fatal(err)
	}
	copy(pm2.Data()[PageHeaderSize:], "scribble")
	pm2.Release()
	if _, err := g2.AllocPage(); err != nil {
		t.Fatal(err)
	}
	if err := g2.Rollback(); err != nil {
		t.Fatal(err)
	}

	if p.Meta() != metaBefore {
		t.Fatal("rollback did not restore meta")
	}
	r := p.BeginRead()
	defer r.Release()
	buf, err := r.Page(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[PageHeaderSize:PageHeaderSize+8]) == "scribble" {
		t.Fatal("rollback left scribbles visible")
	}
}

func TestPager_SingleWriterConflict(t *testing.T) {
	p := tmpPager(t, testOptions())
	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer g.Rollback()
	if _, err := p.Begin(); !dberr.IsKind(err, dberr.KindInvalid) {
		t.Fatalf("expected writer lock conflict, got %v", err)
	}
}

func TestPager_ReaderDoesNotSeeDirtyPages(t *testing.T) {
	p := tmpPager(t, testOptions())

	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	id, err := g.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	pm, err := g.PageMut(id)
	if err != nil {
		t.Fatal(err)
	}
	InitPage(pm.Data(), PageKindLeaf, id)
	copy(pm.Data()[PageHeaderSize:], "v1")
	pm.Release()
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}

	g2, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	pm2, err := g2.PageMut(id)
	if err != nil {
		t.Fatal(err)
	}
	copy(pm2.Data()[PageHeaderSize:], "v2")
	pm2.Release()

	r := p.BeginRead()
	buf, err := r.Page(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[PageHeaderSize:PageHeaderSize+2]) != "v1" {
		t.Fatal("reader observed uncommitted image")
	}
	r.Release()
	if _, err := g2.Commit(); err != nil {
		t.Fatal(err)
	}

	r2 := p.BeginRead()
	defer r2.Release()
	buf2, err := r2.Page(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf2[PageHeaderSize:PageHeaderSize+2]) != "v2" {
		t.Fatal("reader missed committed image")
	}
}

func TestPager_CheckpointIdempotent(t *testing.T) {
	p := tmpPager(t, testOptions())
	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	id, err := g.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	pm, err := g.PageMut(id)
	if err != nil {
		t.Fatal(err)
	}
	InitPage(pm.Data(), PageKindLeaf, id)
	pm.Release()
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := p.Checkpoint(CheckpointForce); err != nil {
		t.Fatal(err)
	}
	m1 := p.Meta()
	if err := p.Checkpoint(CheckpointForce); err != nil {
		t.Fatal(err)
	}
	if p.Meta() != m1 {
		t.Fatal("second checkpoint changed the meta page")
	}
	if n, err := p.walLog.Len(); err != nil || n != int64(32) {
		t.Fatalf("wal not reset after checkpoint: %d, %v", n, err)
	}
}

func TestFreeCache_MergesExtents(t *testing.T) {
	fc := FreeCache{}
	fc.Free(5)
	fc.Free(7)
	fc.Free(6)
	ext := fc.Extents()
	if len(ext) != 1 || ext[0].Start != 5 || ext[0].Len != 3 {
		t.Fatalf("expected one merged extent [5,3], got %+v", ext)
	}
	if id := fc.Alloc(); id != 5 {
		t.Fatalf("alloc returned %d, want 5", id)
	}
}

func TestFreelist_AllocFreeReuse(t *testing.T) {
	p := tmpPager(t, testOptions())

	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	var pages []PageID
	for i := 0; i < 5; i++ {
		id, err := g.AllocPage()
		if err != nil {
			t.Fatal(err)
		}
		pm, err := g.PageMut(id)
		if err != nil {
			t.Fatal(err)
		}
		InitPage(pm.Data(), PageKindLeaf, id)
		pm.Release()
		pages = append(pages, id)
	}
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}

	g2, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range pages[1:4] {
		if err := g2.FreePage(id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := g2.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := p.Checkpoint(CheckpointForce); err != nil {
		t.Fatal(err)
	}

	nextBefore := p.Meta().NextPage
	g3, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	id, err := g3.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if id >= nextBefore {
		t.Fatalf("allocation %d extended the file instead of reusing a free page < %d", id, nextBefore)
	}
	_ = g3.Rollback()
}

func TestFreelist_AllocThenFreeLeavesNextPageUnchanged(t *testing.T) {
	p := tmpPager(t, testOptions())
	// Establish a baseline.
	g0, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	id0, err := g0.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	pm, err := g0.PageMut(id0)
	if err != nil {
		t.Fatal(err)
	}
	InitPage(pm.Data(), PageKindLeaf, id0)
	pm.Release()
	if _, err := g0.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := p.Checkpoint(CheckpointForce); err != nil {
		t.Fatal(err)
	}
	next := p.Meta().NextPage

	g, err := p.Begin()
	if err != nil {
		t.Fatal(err)
	}
	id, err := g.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if err := g.FreePage(id); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := p.Checkpoint(CheckpointForce); err != nil {
		t.Fatal(err)
	}
	if got := p.Meta().NextPage; got != next {
		t.Fatalf("next page %d after alloc+free+checkpoint, want %d", got, next)
	}
}

func TestPager_ReopenTwiceYieldsSameMeta(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.db")
	p, err := Open(path, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	p1, err := Open(path, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	m1 := p1.Meta()
	if err := p1.Close(); err != nil {
		t.Fatal(err)
	}
	p2, err := Open(path, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	m2 := p2.Meta()
	if err := p2.Close(); err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Fatal("recovery not idempotent: meta differs across reopens")
	}
}
