package pager

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/fileio"
	"github.com/sombra-db/sombra/internal/metrics"
	"github.com/sombra-db/sombra/internal/wal"
)

// Synchronous selects the durability level for commits.
type Synchronous uint8

const (
	// SyncFull fsyncs the WAL inside every commit batch.
	SyncFull Synchronous = iota
	// SyncNormal batches fsyncs in the background (debounced).
	SyncNormal
	// SyncOff never fsyncs. Unsafe.
	SyncOff
)

func (s Synchronous) walMode() wal.SyncMode {
	switch s {
	case SyncFull:
		return wal.SyncImmediate
	case SyncNormal:
		return wal.SyncDeferred
	default:
		return wal.SyncOff
	}
}

// Options drives durability and cache behavior.
type Options struct {
	PageSize            uint32        // must be a power of two, >= 512
	CachePages          int           // buffer cache capacity
	Synchronous         Synchronous   // Full / Normal / Off
	AutocheckpointPages uint64        // WAL byte threshold = pages × page size; 0 disables
	AutocheckpointEvery time.Duration // wall-clock threshold; 0 disables
	WalMaxBatchCommits  int
	WalMaxBatchFrames   int
	WalCoalesceWait     time.Duration
	VerifyChecksums     bool
	Logger              zerolog.Logger
	Metrics             metrics.Sink
}

// DefaultOptions returns the standard configuration.
func DefaultOptions() Options {
	return Options{
		PageSize:            DefaultPageSize,
		CachePages:          128,
		Synchronous:         SyncFull,
		AutocheckpointPages: 1024,
		VerifyChecksums:     true,
		Logger:              zerolog.Nop(),
		Metrics:             metrics.Nop{},
	}
}

// Stats are cumulative pager counters.
type Stats struct {
	CacheHits       uint64
	CacheMisses     uint64
	Evictions       uint64
	DirtyWritebacks uint64
	Commits         uint64
	Rollbacks       uint64
	Checkpoints     uint64
}

// Pager is the page store. One Pager owns the database file, its WAL, and
// its lock file.
type Pager struct {
	path     string
	pageSize uint32
	opts     Options
	log      zerolog.Logger
	sink     metrics.Sink

	dbIO   fileio.File
	walIO  fileio.File
	walLog *wal.WAL
	comm   *wal.Committer

	lockPath  string
	lockToken string

	// writerMu is the single-writer lock. checkpointMu serializes
	// checkpoints; it never blocks writers.
	writerMu     sync.Mutex
	checkpointMu sync.Mutex

	// lastCommitted is the newest durable-in-WAL commit LSN; read guards
	// snapshot it without taking inner.
	lastCommitted atomic.Uint64

	verifyChecksums atomic.Bool

	inner struct {
		sync.Mutex
		meta          Meta
		metaDirty     bool
		cache         *cache
		freeCache     FreeCache
		freelistPages []PageID // pages occupied by the on-disk chain
		pendingFree   []PageID // freed this txn, merged at checkpoint
		// dirtyOrig holds the last committed image of every page the
		// current writer has dirtied, so readers are never served an
		// uncommitted image.
		dirtyOrig      map[PageID][]byte
		nextLSN        LSN
		lastCheckpoint time.Time
		stats          Stats
	}
}

// Open opens or creates the database at path. `path`-wal and `path`-lock
// are created alongside.
func Open(path string, opts Options) (*Pager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize < MinPageSize || opts.PageSize > MaxPageSize || opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, dberr.Invalid("page size %d: must be a power of two in [%d, %d]", opts.PageSize, MinPageSize, MaxPageSize)
	}
	if opts.CachePages <= 0 {
		opts.CachePages = DefaultOptions().CachePages
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}

	p := &Pager{
		path:     path,
		pageSize: opts.PageSize,
		opts:     opts,
		log:      opts.Logger.With().Str("db", path).Logger(),
		sink:     opts.Metrics,
		lockPath: path + "-lock",
	}
	p.verifyChecksums.Store(opts.VerifyChecksums)

	if err := p.acquireLockFile(); err != nil {
		return nil, err
	}

	dbIO, err := fileio.Open(path)
	if err != nil {
		p.releaseLockFile()
		return nil, err
	}
	p.dbIO = dbIO

	size, err := dbIO.Len()
	if err != nil {
		p.closeOnOpenError()
		return nil, err
	}
	if size == 0 {
		m, err := NewMeta(opts.PageSize)
		if err != nil {
			p.closeOnOpenError()
			return nil, err
		}
		buf := make([]byte, opts.PageSize)
		EncodeMeta(&m, buf)
		if err := dbIO.WriteAt(0, buf); err != nil {
			p.closeOnOpenError()
			return nil, err
		}
		if err := dbIO.Sync(); err != nil {
			p.closeOnOpenError()
			return nil, err
		}
		p.inner.meta = m
	} else {
		buf := make([]byte, opts.PageSize)
		if err := dbIO.ReadAt(0, buf); err != nil {
			p.closeOnOpenError()
			return nil, dberr.Corruption("meta page unreadable: %v", err)
		}
		m, err := DecodeMeta(buf)
		if err != nil {
			p.closeOnOpenError()
			return nil, err
		}
		if m.PageSize != opts.PageSize && opts.PageSize != DefaultPageSize {
			p.closeOnOpenError()
			return nil, dberr.Corruption("database page size %d, requested %d", m.PageSize, opts.PageSize)
		}
		if m.PageSize != p.pageSize {
			// Honor the on-disk page size when the caller used the default.
			p.pageSize = m.PageSize
		}
		p.inner.meta = m
	}

	walIO, err := fileio.Open(path + "-wal")
	if err != nil {
		p.closeOnOpenError()
		return nil, err
	}
	p.walIO = walIO
	w, err := wal.Open(walIO, wal.Options{
		PageSize: p.pageSize,
		WalSalt:  p.inner.meta.WalSalt,
		StartLSN: p.inner.meta.LastCheckpointLSN + 1,
	})
	if err != nil {
		walIO.Close()
		p.closeOnOpenError()
		return nil, err
	}
	p.walLog = w

	p.inner.cache = newCache(opts.CachePages, p.pageSize)
	p.inner.dirtyOrig = make(map[PageID][]byte)
	p.inner.nextLSN = p.inner.meta.LastCheckpointLSN + 1
	p.inner.lastCheckpoint = time.Now()

	if err := p.recover(); err != nil {
		walIO.Close()
		p.closeOnOpenError()
		return nil, err
	}
	p.lastCommitted.Store(p.inner.meta.LastCheckpointLSN)

	if err := p.loadFreelist(); err != nil {
		walIO.Close()
		p.closeOnOpenError()
		return nil, err
	}

	cfg := wal.CommitConfig{
		MaxBatchCommits: opts.WalMaxBatchCommits,
		MaxBatchFrames:  opts.WalMaxBatchFrames,
		MaxBatchWait:    opts.WalCoalesceWait,
	}
	p.comm = wal.NewCommitter(w, cfg, p.log)
	return p, nil
}

func (p *Pager) closeOnOpenError() {
	_ = p.dbIO.Close()
	p.releaseLockFile()
}

// acquireLockFile creates the advisory lock file. An existing lock file means
// another process owns the database.
func (p *Pager) acquireLockFile() error {
	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return dberr.Invalid("database is locked by another process")
		}
		return dberr.Io(err, "create lock file")
	}
	p.lockToken = uuid.NewString()
	if _, err := f.WriteString(p.lockToken + "\n"); err != nil {
		f.Close()
		os.Remove(p.lockPath)
		return dberr.Io(err, "write lock file")
	}
	return f.Close()
}

func (p *Pager) releaseLockFile() {
	if p.lockToken != "" {
		_ = os.Remove(p.lockPath)
		p.lockToken = ""
	}
}

// PageSize returns the page size in bytes.
func (p *Pager) PageSize() uint32 { return p.pageSize }

// Path returns the database file path.
func (p *Pager) Path() string { return p.path }

// SetVerifyChecksums toggles CRC verification on reads.
func (p *Pager) SetVerifyChecksums(on bool) { p.verifyChecksums.Store(on) }

// Meta returns a copy of the current metadata.
func (p *Pager) Meta() Meta {
	p.inner.Lock()
	defer p.inner.Unlock()
	return p.inner.meta
}

// LastCheckpointLSN returns the checkpoint high-water mark.
func (p *Pager) LastCheckpointLSN() LSN {
	p.inner.Lock()
	defer p.inner.Unlock()
	return p.inner.meta.LastCheckpointLSN
}

// LastCommittedLSN returns the newest committed LSN.
func (p *Pager) LastCommittedLSN() LSN { return p.lastCommitted.Load() }

// FreePageIDs lists every page currently in the free set (free cache,
// pending frees, and the chain pages holding the on-disk freelist).
func (p *Pager) FreePageIDs() []PageID {
	p.inner.Lock()
	defer p.inner.Unlock()
	out := p.inner.freeCache.Pages()
	out = append(out, p.inner.pendingFree...)
	out = append(out, p.inner.freelistPages...)
	return out
}

// Stats returns a copy of the cumulative counters.
func (p *Pager) Stats() Stats {
	p.inner.Lock()
	defer p.inner.Unlock()
	return p.inner.stats
}

// WalStats exposes the WAL counters (appends, syncs, resets).
func (p *Pager) WalStats() wal.Stats { return p.walLog.Stats() }

// Close checkpoints and releases every file handle.
func (p *Pager) Close() error {
	cerr := p.Checkpoint(CheckpointForce)
	p.comm.Close()
	if err := p.walIO.Close(); err != nil && cerr == nil {
		cerr = err
	}
	if err := p.dbIO.Close(); err != nil && cerr == nil {
		cerr = err
	}
	p.releaseLockFile()
	return cerr
}

// ───────────────────────────────────────────────────────────────────────────
// Page loading and eviction
// ───────────────────────────────────────────────────────────────────────────

// readPageFromDisk reads and validates one page, zero-filling past EOF.
func (p *Pager) readPageFromDisk(id PageID, salt uint64) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	err := p.dbIO.ReadAt(pageOffset(id, p.pageSize), buf)
	fresh := false
	if err != nil {
		if errors.Is(err, dberr.ErrShortRead) {
			for i := range buf {
				buf[i] = 0
			}
			fresh = true
		} else {
			return nil, err
		}
	}
	if !fresh && id != 0 && p.verifyChecksums.Load() {
		if err := VerifyPage(id, salt, p.pageSize, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ensureFrame returns the frame index for id, loading the page into the
// cache when absent. Caller holds inner.
func (p *Pager) ensureFrame(id PageID) (int, error) {
	c := p.inner.cache
	if idx, ok := c.lookup(id); ok {
		f := &c.frames[idx]
		if f.needsRefresh {
			buf, err := p.readPageFromDisk(id, p.inner.meta.Salt)
			if err != nil {
				return -1, err
			}
			copy(f.buf, buf)
			f.dirty = false
			f.pendingCheckpoint = false
			f.newlyAllocated = false
			f.needsRefresh = false
		}
		f.reference = true
		p.inner.stats.CacheHits++
		p.sink.Inc(metrics.PagerCacheHits, 1)
		return idx, nil
	}
	p.inner.stats.CacheMisses++
	p.sink.Inc(metrics.PagerCacheMisses, 1)

	idx, err := p.grabFrame()
	if err != nil {
		return -1, err
	}
	f := &c.frames[idx]
	f.id = id
	f.present = true
	f.reference = true
	f.dirty = false
	f.pinCount = 0
	f.pendingCheckpoint = false
	f.newlyAllocated = false
	f.needsRefresh = false
	f.lsn = 0
	c.pageTable[id] = idx
	c.setState(idx, c.noteLoad(id))
	c.adjustColdBalance()

	buf, err := p.readPageFromDisk(id, p.inner.meta.Salt)
	if err != nil {
		// Unwind the partially installed frame.
		delete(c.pageTable, id)
		f.present = false
		c.setState(idx, frameTest)
		return -1, err
	}
	copy(f.buf, buf)
	return idx, nil
}

// grabFrame finds a reusable slot, evicting a clock victim if needed.
func (p *Pager) grabFrame() (int, error) {
	c := p.inner.cache
	if idx, ok := c.freeSlot(); ok {
		return idx, nil
	}
	idx := c.runClock()
	if idx < 0 {
		return -1, dberr.Invalid("no eviction candidate available: all pages pinned")
	}
	if err := p.evictFrame(idx); err != nil {
		return -1, err
	}
	return idx, nil
}

// evictFrame flushes a dirty victim, writes back a committed image not yet
// checkpointed, and turns the slot into a Test ghost.
func (p *Pager) evictFrame(idx int) error {
	c := p.inner.cache
	f := &c.frames[idx]
	if f.dirty {
		if err := p.flushFrame(idx); err != nil {
			return err
		}
	} else if f.present && f.pendingCheckpoint {
		// The committed image is ahead of the database file until the next
		// checkpoint; write it back so a reload does not read older bytes.
		StampPageCRC(f.id, p.inner.meta.Salt, f.buf)
		if err := p.dbIO.WriteAt(pageOffset(f.id, p.pageSize), f.buf); err != nil {
			return err
		}
	}
	if f.present {
		delete(c.pageTable, f.id)
		if f.id != 0 {
			c.addTestPage(f.id)
		}
	}
	c.setState(idx, frameTest)
	f.present = false
	f.reference = false
	f.dirty = false
	f.pinCount = 0
	f.pendingCheckpoint = false
	f.newlyAllocated = false
	f.needsRefresh = false
	p.inner.stats.Evictions++
	p.sink.Inc(metrics.PagerEvictions, 1)
	return nil
}

// flushFrame writes a dirty frame back to the database file. Flushing a
// pinned frame is a hard error: the owning writer still holds it.
func (p *Pager) flushFrame(idx int) error {
	c := p.inner.cache
	f := &c.frames[idx]
	if !f.dirty {
		return nil
	}
	if f.pinCount != 0 {
		return dberr.Invalid("cannot flush pinned page %d", f.id)
	}
	StampPageCRC(f.id, p.inner.meta.Salt, f.buf)
	if err := p.dbIO.WriteAt(pageOffset(f.id, p.pageSize), f.buf); err != nil {
		return err
	}
	f.dirty = false
	p.inner.stats.DirtyWritebacks++
	p.sink.Inc(metrics.PagerDirtyWrites, 1)
	return nil
}

// loadFreelist walks the on-disk chain into the free cache, pruning extents
// that reach past next page.
func (p *Pager) loadFreelist() error {
	p.inner.Lock()
	defer p.inner.Unlock()
	return p.loadFreelistLocked()
}

func (p *Pager) loadFreelistLocked() error {
	p.inner.freeCache = FreeCache{}
	p.inner.freelistPages = nil
	next := p.inner.meta.FreeHead
	seen := make(map[PageID]bool)
	for next != 0 {
		if seen[next] {
			return dberr.Corruption("free-list chain cycles at page %d", next)
		}
		seen[next] = true
		buf, err := p.readPageFromDisk(next, p.inner.meta.Salt)
		if err != nil {
			return err
		}
		nxt, extents, err := DecodeFreeListPage(buf)
		if err != nil {
			return err
		}
		for _, e := range extents {
			if e.Start >= p.inner.meta.NextPage {
				continue
			}
			if e.End() > p.inner.meta.NextPage {
				e.Len = p.inner.meta.NextPage - e.Start
			}
			p.inner.freeCache.AddExtent(e)
		}
		p.inner.freelistPages = append(p.inner.freelistPages, next)
		next = nxt
	}
	return nil
}
