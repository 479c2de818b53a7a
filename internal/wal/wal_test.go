package wal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sombra-db/sombra/internal/fileio"
)

const testPageSize = 512

func tmpWAL(t *testing.T) *WAL {
	t.Helper()
	dir := t.TempDir()
	f, err := fileio.Open(filepath.Join(dir, "test-wal"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	w, err := Open(f, Options{PageSize: testPageSize, WalSalt: 0xDEAD, StartLSN: 1})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func frame(lsn LSN, pageID uint64, fill byte) Frame {
	payload := make([]byte, testPageSize)
	for i := range payload {
		payload[i] = fill
	}
	return Frame{LSN: lsn, PageID: pageID, Payload: payload}
}

func TestWAL_AppendAndIterate(t *testing.T) {
	w := tmpWAL(t)
	frames := []Frame{frame(1, 5, 0xAA), frame(1, 6, 0xBB), frame(2, 5, 0xCC)}
	if err := w.AppendFrames(frames); err != nil {
		t.Fatal(err)
	}
	it, err := w.Iter()
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range frames {
		got, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatalf("frame %d missing", i)
		}
		if got.LSN != want.LSN || got.PageID != want.PageID {
			t.Fatalf("frame %d: got (%d,%d) want (%d,%d)", i, got.LSN, got.PageID, want.LSN, want.PageID)
		}
		if got.Payload[0] != want.Payload[0] {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
	if f, err := it.Next(); err != nil || f != nil {
		t.Fatalf("expected clean end, got %v, %v", f, err)
	}
}

func TestWAL_RejectsWrongPayloadSize(t *testing.T) {
	w := tmpWAL(t)
	err := w.AppendFrames([]Frame{{LSN: 1, PageID: 1, Payload: make([]byte, 100)}})
	if err == nil {
		t.Fatal("expected error for short payload")
	}
}

func TestWAL_RejectsLSNBelowStart(t *testing.T) {
	w := tmpWAL(t)
	if err := w.Reset(10); err != nil {
		t.Fatal(err)
	}
	err := w.AppendFrames([]Frame{frame(5, 1, 0x00)})
	if err == nil {
		t.Fatal("expected error for lsn below start")
	}
}

func TestWAL_TornTailTruncatesIteration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "torn-wal")
	f, err := fileio.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w, err := Open(f, Options{PageSize: testPageSize, WalSalt: 1, StartLSN: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendFrames([]Frame{frame(1, 1, 0x11), frame(2, 2, 0x22), frame(3, 3, 0x33)}); err != nil {
		t.Fatal(err)
	}
	// Flip one payload bit in the last frame.
	lastPayloadOff := int64(FileHeaderSize + 2*(FrameHeaderSize+testPageSize) + FrameHeaderSize + 10)
	b := make([]byte, 1)
	if err := f.ReadAt(lastPayloadOff, b); err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0xFF
	if err := f.WriteAt(lastPayloadOff, b); err != nil {
		t.Fatal(err)
	}

	it, err := w.Iter()
	if err != nil {
		t.Fatal(err)
	}
	var lsns []LSN
	for {
		fr, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if fr == nil {
			break
		}
		lsns = append(lsns, fr.LSN)
	}
	if len(lsns) != 2 || lsns[0] != 1 || lsns[1] != 2 {
		t.Fatalf("expected frames 1,2 before the corrupt tail, got %v", lsns)
	}
	wantValid := uint64(FileHeaderSize + 2*(FrameHeaderSize+testPageSize))
	if it.ValidUpTo() != wantValid {
		t.Fatalf("valid offset %d, want %d", it.ValidUpTo(), wantValid)
	}
}

func TestWAL_ResetYieldsZeroFrames(t *testing.T) {
	w := tmpWAL(t)
	if err := w.AppendFrames([]Frame{frame(1, 1, 0x01)}); err != nil {
		t.Fatal(err)
	}
	if err := w.Reset(2); err != nil {
		t.Fatal(err)
	}
	it, err := w.Iter()
	if err != nil {
		t.Fatal(err)
	}
	if f, err := it.Next(); err != nil || f != nil {
		t.Fatalf("expected empty wal after reset, got %v, %v", f, err)
	}
	if w.StartLSN() != 2 {
		t.Fatalf("start lsn %d, want 2", w.StartLSN())
	}
}

func TestWAL_ReopenResumesChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume-wal")
	f, err := fileio.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := Open(f, Options{PageSize: testPageSize, WalSalt: 7, StartLSN: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendFrames([]Frame{frame(1, 1, 0x01)}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	f2, err := fileio.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()
	w2, err := Open(f2, Options{PageSize: testPageSize, WalSalt: 7, StartLSN: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.AppendFrames([]Frame{frame(2, 2, 0x02)}); err != nil {
		t.Fatal(err)
	}
	it, err := w2.Iter()
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for {
		fr, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if fr == nil {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 chained frames across reopen, got %d", count)
	}
}

func TestCommitter_BatchesAndCompletes(t *testing.T) {
	w := tmpWAL(t)
	c := NewCommitter(w, CommitConfig{MaxBatchCommits: 8, MaxBatchFrames: 64, MaxBatchWait: time.Millisecond}, zerolog.Nop())
	defer c.Close()

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		lsn := LSN(i + 1)
		go func() {
			done <- c.Commit([]Frame{frame(lsn, uint64(lsn), byte(lsn))}, SyncImmediate)
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
	st := w.Stats()
	if st.FramesAppended != 10 {
		t.Fatalf("frames appended %d, want 10", st.FramesAppended)
	}
	if st.Syncs == 0 || st.Syncs > 10 {
		t.Fatalf("sync count %d out of range", st.Syncs)
	}
}

func TestCommitter_DeferredSyncCoalesces(t *testing.T) {
	w := tmpWAL(t)
	c := NewCommitter(w, CommitConfig{DeferredDelay: 5 * time.Millisecond}, zerolog.Nop())
	defer c.Close()
	for i := 1; i <= 5; i++ {
		if err := c.Commit([]Frame{frame(LSN(i), uint64(i), byte(i))}, SyncDeferred); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	st := w.Stats()
	if st.Syncs == 0 {
		t.Fatal("deferred sync never fired")
	}
	if st.Syncs >= 5 {
		t.Fatalf("deferred syncs not coalesced: %d", st.Syncs)
	}
}
