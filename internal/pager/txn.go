package pager

import (
	"sort"
	"time"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/metrics"
	"github.com/sombra-db/sombra/internal/wal"
)

// ───────────────────────────────────────────────────────────────────────────
// Read guard
// ───────────────────────────────────────────────────────────────────────────

// ReadGuard is a snapshot read handle at the newest committed LSN. Clean
// and committed-but-uncheckpointed frames are served from the cache, and
// row version headers decide what the snapshot sees; a frame dirtied by the
// live writer is served from its saved committed image. Cached images are
// not bypassed by re-reading the page from disk.
type ReadGuard struct {
	p        *Pager
	snapshot LSN
	released bool
}

// BeginRead acquires a read guard at the newest committed snapshot.
func (p *Pager) BeginRead() *ReadGuard {
	return &ReadGuard{p: p, snapshot: p.lastCommitted.Load()}
}

// Snapshot returns the guard's snapshot LSN.
func (g *ReadGuard) Snapshot() LSN { return g.snapshot }

// Release ends the read guard. Safe to call twice.
func (g *ReadGuard) Release() { g.released = true }

// Page returns a copy of the page as of the guard's snapshot.
func (g *ReadGuard) Page(id PageID) ([]byte, error) {
	if g.released {
		return nil, dberr.Invalid("read guard already released")
	}
	p := g.p
	p.inner.Lock()
	salt := p.inner.meta.Salt
	if idx, ok := p.inner.cache.lookup(id); ok {
		f := &p.inner.cache.frames[idx]
		if f.needsRefresh {
			buf, err := p.readPageFromDisk(id, salt)
			if err != nil {
				p.inner.Unlock()
				return nil, err
			}
			copy(f.buf, buf)
			f.dirty = false
			f.pendingCheckpoint = false
			f.newlyAllocated = false
			f.needsRefresh = false
			p.inner.stats.CacheMisses++
			p.inner.Unlock()
			p.sink.Inc(metrics.PagerCacheMisses, 1)
			return buf, nil
		}
		// Committed images are served from the cache; row-level version
		// headers filter what the snapshot may see. Only a writer's
		// uncommitted scribbles are refused: the reader gets the saved
		// pre-dirty image instead. Newly allocated pages have no committed
		// image anywhere, so the cache copy (pending rows only) is served.
		if !f.dirty || f.newlyAllocated {
			out := make([]byte, len(f.buf))
			copy(out, f.buf)
			f.reference = true
			p.inner.stats.CacheHits++
			p.inner.Unlock()
			p.sink.Inc(metrics.PagerCacheHits, 1)
			return out, nil
		}
	}
	// A dirtied (possibly evicted-and-flushed) page still serves its saved
	// committed image until the writer resolves.
	if img, ok := p.inner.dirtyOrig[id]; ok {
		out := make([]byte, len(img))
		copy(out, img)
		p.inner.stats.CacheHits++
		p.inner.Unlock()
		p.sink.Inc(metrics.PagerCacheHits, 1)
		return out, nil
	}
	p.inner.stats.CacheMisses++
	p.inner.Unlock()
	p.sink.Inc(metrics.PagerCacheMisses, 1)
	// Cache miss: the disk image is the newest durable one.
	return p.readPageFromDisk(id, salt)
}

// ───────────────────────────────────────────────────────────────────────────
// Write guard
// ───────────────────────────────────────────────────────────────────────────

// WriteGuard is the exclusive writer handle. It shadows every piece of
// mutable pager state so rollback is bit-exact, and tracks the original
// image of each page it touches.
type WriteGuard struct {
	p *Pager

	metaSnap          Meta
	metaDirtySnap     bool
	freeCacheSnap     FreeCache
	freelistPagesSnap []PageID
	pendingFreeSnap   []PageID

	dirty     map[PageID]struct{}
	original  map[PageID][]byte
	allocated map[PageID]struct{}
	freed     []PageID

	freelistReloaded bool
	freeDiverged     bool
	reservedCommit   LSN

	// ext is a per-transaction blackboard for higher layers (commit-id
	// reservations, index build state).
	ext map[string]any

	committed bool
	finished  bool
	lockHeld  bool
}

// Begin acquires the single-writer lock. A concurrent writer yields
// Invalid("writer lock already held"); callers retry with backoff.
func (p *Pager) Begin() (*WriteGuard, error) {
	if !p.writerMu.TryLock() {
		return nil, dberr.Invalid("writer lock already held")
	}
	p.inner.Lock()
	g := &WriteGuard{
		p:                 p,
		metaSnap:          p.inner.meta,
		metaDirtySnap:     p.inner.metaDirty,
		freeCacheSnap:     p.inner.freeCache.Clone(),
		freelistPagesSnap: append([]PageID(nil), p.inner.freelistPages...),
		pendingFreeSnap:   append([]PageID(nil), p.inner.pendingFree...),
		dirty:             make(map[PageID]struct{}),
		original:          make(map[PageID][]byte),
		allocated:         make(map[PageID]struct{}),
		ext:               make(map[string]any),
		lockHeld:          true,
	}
	p.inner.Unlock()
	return g, nil
}

// Snapshot returns the newest committed LSN visible to this writer.
func (g *WriteGuard) Snapshot() LSN { return g.p.lastCommitted.Load() }

// ReserveCommitID returns the commit id this transaction will publish under.
// It equals the LSN the commit will be assigned.
func (g *WriteGuard) ReserveCommitID() LSN {
	if g.reservedCommit == 0 {
		g.p.inner.Lock()
		g.reservedCommit = g.p.inner.nextLSN
		g.p.inner.Unlock()
	}
	return g.reservedCommit
}

// Ext returns the per-transaction blackboard value for key.
func (g *WriteGuard) Ext(key string) (any, bool) {
	v, ok := g.ext[key]
	return v, ok
}

// SetExt stores a per-transaction blackboard value.
func (g *WriteGuard) SetExt(key string, v any) { g.ext[key] = v }

// Page returns a copy of the page, including this writer's own mutations.
func (g *WriteGuard) Page(id PageID) ([]byte, error) {
	if g.finished {
		return nil, dberr.Invalid("write guard already finished")
	}
	p := g.p
	p.inner.Lock()
	defer p.inner.Unlock()
	idx, err := p.ensureFrame(id)
	if err != nil {
		return nil, err
	}
	f := &p.inner.cache.frames[idx]
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out, nil
}

// PageMut is a pinned, mutable handle on a cached page. The underlying
// buffer is shared with the cache; Release unpins it.
type PageMut struct {
	g        *WriteGuard
	id       PageID
	idx      int
	buf      []byte
	released bool
}

// ID returns the page id.
func (m *PageMut) ID() PageID { return m.id }

// Data returns the mutable page buffer.
func (m *PageMut) Data() []byte { return m.buf }

// Release unpins the page. Safe to call twice.
func (m *PageMut) Release() {
	if m.released {
		return
	}
	m.released = true
	p := m.g.p
	p.inner.Lock()
	if idx, ok := p.inner.cache.lookup(m.id); ok {
		f := &p.inner.cache.frames[idx]
		if f.pinCount > 0 {
			f.pinCount--
		}
	}
	p.inner.Unlock()
}

// PageMut loads the page, pins it, marks it dirty, and records the original
// image on first mutable access.
func (g *WriteGuard) PageMut(id PageID) (*PageMut, error) {
	if g.finished {
		return nil, dberr.Invalid("write guard already finished")
	}
	if id == 0 {
		return nil, dberr.Invalid("meta page is mutated via UpdateMeta")
	}
	p := g.p
	p.inner.Lock()
	defer p.inner.Unlock()
	idx, err := p.ensureFrame(id)
	if err != nil {
		return nil, err
	}
	f := &p.inner.cache.frames[idx]
	if _, seen := g.original[id]; !seen {
		if _, alloc := g.allocated[id]; !alloc {
			img := make([]byte, len(f.buf))
			copy(img, f.buf)
			g.original[id] = img
			// Readers fall back to this image while the frame is dirty.
			p.inner.dirtyOrig[id] = img
		}
	}
	f.pinCount++
	f.dirty = true
	f.reference = true
	g.dirty[id] = struct{}{}
	return &PageMut{g: g, id: id, idx: idx, buf: f.buf}, nil
}

// AllocPage allocates a page from the free cache, reloading the on-disk
// freelist at most once per transaction, or extends the file.
func (g *WriteGuard) AllocPage() (PageID, error) {
	if g.finished {
		return 0, dberr.Invalid("write guard already finished")
	}
	p := g.p
	p.inner.Lock()
	defer p.inner.Unlock()

	id := p.inner.freeCache.Alloc()
	if id == 0 && !g.freelistReloaded && len(g.dirty) == 0 && !p.inner.metaDirty &&
		(p.inner.meta.FreeHead != 0 || len(p.inner.freelistPages) > 0) {
		// The cache may be stale right after open; reload once.
		g.freelistReloaded = true
		if err := p.loadFreelistLocked(); err != nil {
			return 0, err
		}
		id = p.inner.freeCache.Alloc()
	}
	if id != 0 {
		// The durable chain no longer matches the in-memory free set. Until
		// the next checkpoint rewrites it, recovery must not trust it.
		g.freeDiverged = true
		if p.inner.meta.FreeHead != 0 {
			p.inner.meta.FreeHead = 0
		}
		p.inner.metaDirty = true
	} else {
		id = p.inner.meta.NextPage
		p.inner.meta.NextPage++
		p.inner.metaDirty = true
	}
	g.allocated[id] = struct{}{}

	// Install a zeroed frame so the first PageMut does not read stale disk.
	c := p.inner.cache
	var idx int
	if i, ok := c.lookup(id); ok {
		idx = i
	} else {
		i, err := p.grabFrame()
		if err != nil {
			return 0, err
		}
		idx = i
		c.pageTable[id] = idx
		c.setState(idx, c.noteLoad(id))
		c.adjustColdBalance()
	}
	f := &c.frames[idx]
	f.id = id
	f.present = true
	f.reference = true
	f.dirty = false
	f.pinCount = 0
	f.pendingCheckpoint = false
	f.newlyAllocated = true
	f.needsRefresh = false
	for i := range f.buf {
		f.buf[i] = 0
	}
	return id, nil
}

// FreePage queues the page onto the pending-free list; it is merged into the
// persistent freelist at the next checkpoint.
func (g *WriteGuard) FreePage(id PageID) error {
	if g.finished {
		return dberr.Invalid("write guard already finished")
	}
	if id == 0 {
		return dberr.Invalid("cannot free meta page")
	}
	p := g.p
	p.inner.Lock()
	defer p.inner.Unlock()
	c := p.inner.cache
	if idx, ok := c.lookup(id); ok {
		if c.frames[idx].pinCount != 0 {
			return dberr.Invalid("cannot free pinned page %d", id)
		}
		delete(c.pageTable, id)
		c.setState(idx, frameTest)
		c.frames[idx].present = false
		c.frames[idx].dirty = false
	}
	p.inner.pendingFree = append(p.inner.pendingFree, id)
	p.inner.metaDirty = true
	g.freeDiverged = true
	g.freed = append(g.freed, id)
	delete(g.dirty, id)
	delete(g.original, id)
	return nil
}

// Meta returns a copy of the in-memory metadata.
func (g *WriteGuard) Meta() Meta {
	p := g.p
	p.inner.Lock()
	defer p.inner.Unlock()
	return p.inner.meta
}

// UpdateMeta applies f to the in-memory meta and includes the meta page in
// this transaction's commit.
func (g *WriteGuard) UpdateMeta(f func(*Meta)) {
	p := g.p
	p.inner.Lock()
	f(&p.inner.meta)
	p.inner.metaDirty = true
	p.inner.Unlock()
	g.dirty[0] = struct{}{}
}

// ───────────────────────────────────────────────────────────────────────────
// Commit / rollback
// ───────────────────────────────────────────────────────────────────────────

// Commit serializes every dirty page as WAL frames under one LSN, releases
// the writer lock, and waits for the group committer. Returns the commit
// LSN.
func (g *WriteGuard) Commit() (LSN, error) {
	if g.finished {
		return 0, dberr.Invalid("write guard already finished")
	}
	p := g.p

	p.inner.Lock()
	lsn := p.inner.nextLSN
	if g.reservedCommit != 0 && g.reservedCommit != lsn {
		p.inner.Unlock()
		g.rollbackLocked()
		return 0, dberr.Invalid("reserved commit id %d stale (next lsn %d)", g.reservedCommit, lsn)
	}

	ids := make([]PageID, 0, len(g.dirty)+1)
	for id := range g.dirty {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	sortPageIDs(ids)
	metaDirty := p.inner.metaDirty

	frames := make([]wal.Frame, 0, len(ids)+1)
	for _, id := range ids {
		// A dirty page evicted under cache pressure was flushed to disk;
		// reload it so its current image enters the WAL.
		idx, err := p.ensureFrame(id)
		if err != nil {
			p.inner.Unlock()
			g.rollbackLocked()
			return 0, err
		}
		f := &p.inner.cache.frames[idx]
		StampPageCRC(id, p.inner.meta.Salt, f.buf)
		payload := make([]byte, len(f.buf))
		copy(payload, f.buf)
		f.dirty = false
		f.pendingCheckpoint = true
		f.newlyAllocated = false
		f.lsn = lsn
		frames = append(frames, wal.Frame{LSN: lsn, PageID: id, Payload: payload})
	}
	if metaDirty {
		payload := make([]byte, p.pageSize)
		EncodeMeta(&p.inner.meta, payload)
		frames = append(frames, wal.Frame{LSN: lsn, PageID: 0, Payload: payload})
		p.inner.metaDirty = false
	}
	// Frames are committed from here on; readers may see the new images.
	p.inner.dirtyOrig = make(map[PageID][]byte)
	p.inner.nextLSN = lsn + 1
	mode := p.opts.Synchronous.walMode()
	p.inner.Unlock()

	if len(frames) == 0 {
		// Read-only transaction: nothing to log.
		g.finish()
		return lsn, nil
	}

	// Enqueue while still holding the writer lock so frames enter the log
	// in LSN order, then release it before awaiting durability so the next
	// writer can queue behind the committer.
	ticket, err := p.comm.Enqueue(frames, mode)
	g.lockHeld = false
	p.writerMu.Unlock()
	if err == nil {
		err = ticket.Wait()
	}
	if err != nil {
		// Reacquire and roll back; the WAL rejected the commit.
		p.writerMu.Lock()
		g.lockHeld = true
		g.rollbackLocked()
		return 0, err
	}

	p.lastCommitted.Store(lsn)
	p.inner.Lock()
	p.inner.stats.Commits++
	p.inner.Unlock()
	p.sink.Inc(metrics.PagerCommits, 1)
	g.committed = true
	g.finished = true
	p.maybeAutocheckpoint()
	return lsn, nil
}

// Rollback restores the shadow snapshot: meta, free cache, freelist pages,
// pending frees, and the original image of every touched page.
func (g *WriteGuard) Rollback() error {
	if g.finished {
		return nil
	}
	return g.rollbackLocked()
}

// rollbackLocked assumes the caller still holds the writer lock.
func (g *WriteGuard) rollbackLocked() error {
	p := g.p
	p.inner.Lock()
	p.inner.meta = g.metaSnap
	p.inner.metaDirty = g.metaDirtySnap
	p.inner.freeCache = g.freeCacheSnap.Clone()
	p.inner.freelistPages = append([]PageID(nil), g.freelistPagesSnap...)
	p.inner.pendingFree = append([]PageID(nil), g.pendingFreeSnap...)
	p.inner.dirtyOrig = make(map[PageID][]byte)

	var restoreErr error
	c := p.inner.cache
	for id, img := range g.original {
		idx, ok := c.lookup(id)
		if !ok {
			// Evicted mid-transaction: the flush wrote uncommitted bytes to
			// disk, so put the original image back.
			if err := p.dbIO.WriteAt(pageOffset(id, p.pageSize), img); err != nil {
				restoreErr = err
			}
			continue
		}
		f := &c.frames[idx]
		if len(img) != len(f.buf) {
			restoreErr = dberr.Corruption("rollback image for page %d has wrong size", id)
			continue
		}
		// The image is the last committed content of the page; it may still
		// be ahead of the checkpointed file, so the frame stays
		// pending-checkpoint rather than being re-read from disk.
		copy(f.buf, img)
		f.dirty = false
		f.pendingCheckpoint = true
		f.newlyAllocated = false
		f.needsRefresh = false
		f.pinCount = 0
	}
	// Pages allocated by this transaction have no durable image; drop them.
	for id := range g.allocated {
		if idx, ok := c.lookup(id); ok {
			delete(c.pageTable, id)
			c.setState(idx, frameTest)
			c.frames[idx].present = false
			c.frames[idx].dirty = false
			c.frames[idx].pinCount = 0
		}
	}
	p.inner.stats.Rollbacks++
	p.inner.Unlock()
	p.sink.Inc(metrics.PagerRollbacks, 1)
	g.finish()
	if restoreErr != nil {
		// The in-memory state no longer matches any durable image; the
		// database must be closed.
		return restoreErr
	}
	return nil
}

func (g *WriteGuard) finish() {
	g.finished = true
	if g.lockHeld {
		g.lockHeld = false
		g.p.writerMu.Unlock()
	}
}

// maybeAutocheckpoint runs a best-effort checkpoint when the WAL crossed the
// byte threshold or the wall-clock interval elapsed.
func (p *Pager) maybeAutocheckpoint() {
	should := false
	if p.opts.AutocheckpointPages > 0 {
		if n, err := p.walLog.Len(); err == nil &&
			uint64(n) >= p.opts.AutocheckpointPages*uint64(p.pageSize) {
			should = true
		}
	}
	if !should && p.opts.AutocheckpointEvery > 0 {
		p.inner.Lock()
		if time.Since(p.inner.lastCheckpoint) >= p.opts.AutocheckpointEvery {
			should = true
		}
		p.inner.Unlock()
	}
	if should {
		if err := p.Checkpoint(CheckpointBestEffort); err != nil {
			p.log.Warn().Err(err).Msg("autocheckpoint failed")
		}
	}
}

func sortPageIDs(ids []PageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
