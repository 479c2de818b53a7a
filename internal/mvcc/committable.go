package mvcc

import (
	"sort"
	"sync"
	"time"
)

// ───────────────────────────────────────────────────────────────────────────
// Commit table
// ───────────────────────────────────────────────────────────────────────────
//
// The commit table is shared in-memory state: every commit in flight or
// recently committed has an entry with its status, wall-clock commit time,
// and the number of readers holding it as a snapshot. It feeds the vacuum
// horizon and the slow-reader diagnostics.

// Status of a commit table entry.
type Status uint8

const (
	StatusPending Status = iota
	StatusCommitted
)

type commitEntry struct {
	status     Status
	commitWall time.Time
	readerRefs int
	openedWall time.Time // earliest reader registration, for slow-reader report
}

// SlowReader describes a long-held snapshot.
type SlowReader struct {
	Commit CommitID
	Held   time.Duration
	Refs   int
}

// Table is the commit table.
type Table struct {
	mu              sync.Mutex
	entries         map[CommitID]*commitEntry
	latestCommitted CommitID
	releasedUpTo    CommitID
	slowThreshold   time.Duration
}

// NewTable builds a commit table seeded at the recovered commit horizon.
func NewTable(latestCommitted CommitID, slowThreshold time.Duration) *Table {
	if slowThreshold <= 0 {
		slowThreshold = 30 * time.Second
	}
	return &Table{
		entries:         make(map[CommitID]*commitEntry),
		latestCommitted: latestCommitted,
		releasedUpTo:    latestCommitted,
		slowThreshold:   slowThreshold,
	}
}

// BeginPending records a reserved commit id.
func (t *Table) BeginPending(id CommitID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &commitEntry{status: StatusPending}
}

// MarkCommitted finalizes a pending commit.
func (t *Table) MarkCommitted(id CommitID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &commitEntry{}
		t.entries[id] = e
	}
	e.status = StatusCommitted
	e.commitWall = time.Now()
	if id > t.latestCommitted {
		t.latestCommitted = id
	}
	t.advanceReleasedLocked()
}

// Abort drops a pending commit that rolled back.
func (t *Table) Abort(id CommitID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok && e.status == StatusPending && e.readerRefs == 0 {
		delete(t.entries, id)
	}
}

// LatestCommitted returns the newest committed id.
func (t *Table) LatestCommitted() CommitID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latestCommitted
}

// RegisterReader takes a reference on the newest committed commit at or
// below snapshot and returns it. When no committed entry is at or below
// snapshot, a committed entry is created at snapshot itself and referenced;
// only snapshot 0 refs nothing and returns 0.
func (t *Table) RegisterReader(snapshot CommitID) CommitID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best CommitID
	for id, e := range t.entries {
		if e.status == StatusCommitted && id <= snapshot && id > best {
			best = id
		}
	}
	if best == 0 {
		// Nothing tracked at or below the snapshot; pin a synthetic entry at
		// the snapshot itself so the horizon cannot pass the reader.
		best = snapshot
		if best == 0 {
			return 0
		}
		if _, ok := t.entries[best]; !ok {
			t.entries[best] = &commitEntry{status: StatusCommitted}
		}
	}
	e := t.entries[best]
	if e.readerRefs == 0 {
		e.openedWall = time.Now()
	}
	e.readerRefs++
	return best
}

// UnregisterReader drops a reference taken by RegisterReader.
func (t *Table) UnregisterReader(id CommitID) {
	if id == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return
	}
	if e.readerRefs > 0 {
		e.readerRefs--
	}
	t.advanceReleasedLocked()
}

// advanceReleasedLocked recomputes the greatest commit below which no
// reader holds a reference.
func (t *Table) advanceReleasedLocked() {
	low := t.latestCommitted
	for id, e := range t.entries {
		if e.readerRefs > 0 && id < low {
			low = id
		}
	}
	t.releasedUpTo = low
}

// ReleasedUpTo returns the greatest commit below which no reader holds a ref.
func (t *Table) ReleasedUpTo() CommitID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releasedUpTo
}

// OldestVisible returns the minimum snapshot currently held by any reader,
// or the latest commit when no readers are active.
func (t *Table) OldestVisible() CommitID {
	t.mu.Lock()
	defer t.mu.Unlock()
	oldest := t.latestCommitted
	for id, e := range t.entries {
		if e.readerRefs > 0 && id < oldest {
			oldest = id
		}
	}
	return oldest
}

// Horizon returns the vacuum horizon: versions whose commitEnd is at or
// below it are reclaimable.
func (t *Table) Horizon() CommitID {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.latestCommitted
	for id, e := range t.entries {
		if e.readerRefs > 0 && id < h {
			h = id
		}
	}
	return h
}

// SlowReaders lists snapshots held longer than the configured threshold.
func (t *Table) SlowReaders() []SlowReader {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []SlowReader
	now := time.Now()
	for id, e := range t.entries {
		if e.readerRefs > 0 {
			if held := now.Sub(e.openedWall); held >= t.slowThreshold {
				out = append(out, SlowReader{Commit: id, Held: held, Refs: e.readerRefs})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Commit < out[j].Commit })
	return out
}

// Prune discards committed entries with no readers below the released
// horizon, bounding table growth.
func (t *Table) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.status == StatusCommitted && e.readerRefs == 0 && id < t.releasedUpTo {
			delete(t.entries, id)
		}
	}
}

// TableStatus reports the table state for diagnostics.
type TableStatus struct {
	LatestCommitted CommitID
	ReleasedUpTo    CommitID
	OldestVisible   CommitID
	Pending         int
	Committed       int
	ActiveReaders   int
	SlowReaders     []SlowReader
}

// Status returns a consistent snapshot of the table.
func (t *Table) Status() TableStatus {
	t.mu.Lock()
	var pending, committed, readers int
	oldest := t.latestCommitted
	for id, e := range t.entries {
		switch e.status {
		case StatusPending:
			pending++
		case StatusCommitted:
			committed++
		}
		if e.readerRefs > 0 {
			readers += e.readerRefs
			if id < oldest {
				oldest = id
			}
		}
	}
	st := TableStatus{
		LatestCommitted: t.latestCommitted,
		ReleasedUpTo:    t.releasedUpTo,
		OldestVisible:   oldest,
		Pending:         pending,
		Committed:       committed,
		ActiveReaders:   readers,
	}
	t.mu.Unlock()
	st.SlowReaders = t.SlowReaders()
	return st
}
