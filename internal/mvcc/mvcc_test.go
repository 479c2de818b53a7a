package mvcc

import (
	"testing"
	"time"
)

func TestHeader_Visibility(t *testing.T) {
	live := Header{CommitBegin: 5, CommitEnd: CommitMax}
	cases := []struct {
		name string
		h    Header
		snap CommitID
		want bool
	}{
		{"live at begin", live, 5, true},
		{"live after begin", live, 9, true},
		{"before begin", live, 4, false},
		{"closed window inside", Header{CommitBegin: 2, CommitEnd: 5}, 3, true},
		{"closed window at end", Header{CommitBegin: 2, CommitEnd: 5}, 5, false},
		{"pending never visible", Header{CommitBegin: 1, CommitEnd: CommitMax, Flags: FlagPending}, 9, false},
		{"tombstone never visible", Header{CommitBegin: 1, CommitEnd: CommitMax, Flags: FlagTombstone}, 9, false},
	}
	for _, c := range cases {
		if got := c.h.VisibleAt(c.snap); got != c.want {
			t.Errorf("%s: VisibleAt(%d) = %v, want %v", c.name, c.snap, got, c.want)
		}
	}
}

func TestHeader_EncodeRoundTrip(t *testing.T) {
	h := Header{CommitBegin: 7, CommitEnd: 11, Flags: FlagTombstone}
	buf := make([]byte, HeaderSize)
	EncodeHeader(h, buf)
	h2, err := DecodeHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if h2 != h {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", h, h2)
	}
}

func TestCommitTable_HorizonTracksReaders(t *testing.T) {
	tbl := NewTable(0, time.Minute)
	tbl.BeginPending(1)
	tbl.MarkCommitted(1)
	tbl.BeginPending(2)
	tbl.MarkCommitted(2)

	if got := tbl.LatestCommitted(); got != 2 {
		t.Fatalf("latest = %d", got)
	}
	if got := tbl.Horizon(); got != 2 {
		t.Fatalf("horizon without readers = %d, want 2", got)
	}

	ref := tbl.RegisterReader(1)
	if ref != 1 {
		t.Fatalf("registered against %d, want 1", ref)
	}
	if got := tbl.Horizon(); got != 1 {
		t.Fatalf("horizon with reader at 1 = %d", got)
	}
	if got := tbl.OldestVisible(); got != 1 {
		t.Fatalf("oldest visible = %d", got)
	}

	tbl.UnregisterReader(ref)
	if got := tbl.Horizon(); got != 2 {
		t.Fatalf("horizon after release = %d", got)
	}
	if got := tbl.ReleasedUpTo(); got != 2 {
		t.Fatalf("released up to = %d", got)
	}
}

func TestCommitTable_AbortDropsPending(t *testing.T) {
	tbl := NewTable(0, time.Minute)
	tbl.BeginPending(3)
	tbl.Abort(3)
	st := tbl.Status()
	if st.Pending != 0 {
		t.Fatalf("pending after abort = %d", st.Pending)
	}
}

func TestVersionLog_EncodeDecode(t *testing.T) {
	e := &LogEntry{
		Space:   SpaceNode,
		ID:      42,
		Header:  Header{CommitBegin: 1, CommitEnd: 3},
		PrevPtr: 9,
		Payload: []byte("hello versioned world"),
	}
	buf, err := encodeLogEntry(e, CodecNone, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeLogEntry(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Space != e.Space || got.ID != e.ID || got.PrevPtr != e.PrevPtr ||
		got.Header != e.Header || string(got.Payload) != string(e.Payload) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestVersionLog_ZlibCodec(t *testing.T) {
	payload := make([]byte, 1024) // zeros compress well
	e := &LogEntry{Space: SpaceEdge, ID: 1, Header: Header{CommitBegin: 1, CommitEnd: 2}, Payload: payload}
	buf, err := encodeLogEntry(e, CodecZlib, 16)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) >= logEntryHdrLen+len(payload) {
		t.Fatalf("compressible payload not compressed: %d bytes", len(buf))
	}
	got, err := decodeLogEntry(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Payload) != len(payload) {
		t.Fatalf("decompressed %d bytes, want %d", len(got.Payload), len(payload))
	}
}

func TestCache_LRUEvictionAndSignal(t *testing.T) {
	c := NewCache(2)
	e := func(id uint64) *LogEntry { return &LogEntry{Space: SpaceNode, ID: id} }
	c.Put(1, e(1))
	c.Put(2, e(2))
	if _, ok := c.Get(1); !ok {
		t.Fatal("entry 1 missing")
	}
	c.Put(3, e(3)) // evicts 2 (least recent)
	if _, ok := c.Get(2); ok {
		t.Fatal("entry 2 should have been evicted")
	}
	if !c.TakeMicroGCSignal() {
		t.Fatal("miss should raise the micro-gc signal")
	}
	if c.TakeMicroGCSignal() {
		t.Fatal("signal must clear after take")
	}
	if _, ok := c.Get(1); !ok {
		t.Fatal("entry 1 evicted prematurely")
	}
	if _, ok := c.Get(3); !ok {
		t.Fatal("entry 3 missing")
	}
}
