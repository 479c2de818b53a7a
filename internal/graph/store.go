package graph

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sombra-db/sombra/internal/btree"
	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/metrics"
	"github.com/sombra-db/sombra/internal/mvcc"
	"github.com/sombra-db/sombra/internal/pager"
)

// Options drives MVCC, vacuum, and version-cache behavior.
type Options struct {
	InlineHistory         bool
	InlineHistoryMaxBytes int
	VersionCodec          mvcc.Codec
	VersionCompressMin    int
	VersionCacheSize      int

	SnapshotPoolSize   int
	SnapshotPoolMaxAge time.Duration

	DistinctNeighborsDefault bool

	GCInterval           time.Duration
	MinVersionsPerRecord int
	ScanBatchSize        int
	SlowReaderThreshold  time.Duration

	Logger  zerolog.Logger
	Metrics metrics.Sink
}

// DefaultOptions returns the standard graph configuration.
func DefaultOptions() Options {
	return Options{
		InlineHistory:         true,
		InlineHistoryMaxBytes: 256,
		VersionCodec:          mvcc.CodecNone,
		VersionCompressMin:    64,
		VersionCacheSize:      1024,
		SnapshotPoolSize:      8,
		SnapshotPoolMaxAge:    50 * time.Millisecond,
		GCInterval:            30 * time.Second,
		ScanBatchSize:         256,
		Logger:                zerolog.Nop(),
		Metrics:               metrics.Nop{},
	}
}

// Store is the graph layer over one pager.
type Store struct {
	pg   *pager.Pager
	opts Options
	log  zerolog.Logger
	sink metrics.Sink

	commits *mvcc.Table
	vcache  *mvcc.Cache

	poolMu sync.Mutex
	pool   []*ReadTx

	vacuumStop chan struct{}
	vacuumDone chan struct{}
}

// Open builds the graph store, bootstrapping the trees on a fresh database.
func Open(pg *pager.Pager, opts Options) (*Store, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.VersionCacheSize <= 0 {
		opts.VersionCacheSize = DefaultOptions().VersionCacheSize
	}
	if opts.ScanBatchSize <= 0 {
		opts.ScanBatchSize = DefaultOptions().ScanBatchSize
	}
	s := &Store{
		pg:      pg,
		opts:    opts,
		log:     opts.Logger,
		sink:    opts.Metrics,
		commits: mvcc.NewTable(pg.LastCommittedLSN(), opts.SlowReaderThreshold),
		vcache:  mvcc.NewCache(opts.VersionCacheSize),
	}
	meta := pg.Meta()
	if meta.Roots[pager.TreeNodes] == 0 {
		if err := s.bootstrap(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// bootstrap creates the seven persistent trees in one transaction.
func (s *Store) bootstrap() error {
	g, err := s.pg.Begin()
	if err != nil {
		return err
	}
	var roots [pager.NumTrees]pager.PageID
	for i := 0; i < pager.NumTrees; i++ {
		t, err := btree.Create(g, int(s.pg.PageSize()))
		if err != nil {
			_ = g.Rollback()
			return err
		}
		roots[i] = t.Root
	}
	g.UpdateMeta(func(m *pager.Meta) {
		m.Roots = roots
	})
	if _, err := g.Commit(); err != nil {
		return err
	}
	s.commits.MarkCommitted(s.pg.LastCommittedLSN())
	return nil
}

// Pager exposes the underlying page store (admin and tests).
func (s *Store) Pager() *pager.Pager { return s.pg }

// CommitTable exposes the MVCC commit table (diagnostics).
func (s *Store) CommitTable() *mvcc.Table { return s.commits }

// VersionCache exposes the version cache (diagnostics).
func (s *Store) VersionCache() *mvcc.Cache { return s.vcache }

// Options returns the store configuration.
func (s *Store) Options() Options { return s.opts }

// versionLog builds the log handle for the current meta roots.
func (s *Store) versionLog(roots [pager.NumTrees]pager.PageID) *mvcc.Log {
	return &mvcc.Log{
		Tree:        btree.New(roots[pager.TreeVersionLog], int(s.pg.PageSize())),
		Codec:       s.opts.VersionCodec,
		CompressMin: s.opts.VersionCompressMin,
	}
}

// Close stops background work. The pager is closed by the owner.
func (s *Store) Close() {
	s.StopVacuum()
}

// ───────────────────────────────────────────────────────────────────────────
// Read transactions
// ───────────────────────────────────────────────────────────────────────────

// ReadTx is a snapshot read transaction.
type ReadTx struct {
	s        *Store
	guard    *pager.ReadGuard
	snapshot mvcc.CommitID
	reffed   mvcc.CommitID
	trees    [pager.NumTrees]*btree.Tree
	vlog     *mvcc.Log
	openedAt time.Time
	released bool
}

// BeginRead opens a read transaction at the newest committed snapshot,
// reusing a pooled one when it is still current.
func (s *Store) BeginRead() *ReadTx {
	now := time.Now()
	current := s.pg.LastCommittedLSN()
	s.poolMu.Lock()
	for len(s.pool) > 0 {
		tx := s.pool[len(s.pool)-1]
		s.pool = s.pool[:len(s.pool)-1]
		if tx.snapshot == current && now.Sub(tx.openedAt) <= s.opts.SnapshotPoolMaxAge {
			tx.released = false
			s.poolMu.Unlock()
			return tx
		}
		tx.guard.Release()
		s.commits.UnregisterReader(tx.reffed)
	}
	s.poolMu.Unlock()

	guard := s.pg.BeginRead()
	tx := &ReadTx{
		s:        s,
		guard:    guard,
		snapshot: guard.Snapshot(),
		openedAt: now,
	}
	tx.reffed = s.commits.RegisterReader(tx.snapshot)
	meta := s.pg.Meta()
	pageSize := int(s.pg.PageSize())
	for i := range tx.trees {
		tx.trees[i] = btree.New(meta.Roots[i], pageSize)
	}
	tx.vlog = s.versionLog(meta.Roots)
	return tx
}

// Snapshot returns the transaction's snapshot commit id.
func (tx *ReadTx) Snapshot() mvcc.CommitID { return tx.snapshot }

// Release ends the transaction. The snapshot may be pooled for quick reuse.
func (tx *ReadTx) Release() {
	if tx.released {
		return
	}
	tx.released = true
	s := tx.s
	if s.opts.SnapshotPoolSize > 0 &&
		time.Since(tx.openedAt) <= s.opts.SnapshotPoolMaxAge &&
		tx.snapshot == s.pg.LastCommittedLSN() {
		s.poolMu.Lock()
		if len(s.pool) < s.opts.SnapshotPoolSize {
			// Keep the guard and the commit-table ref alive for reuse.
			s.pool = append(s.pool, tx)
			s.poolMu.Unlock()
			return
		}
		s.poolMu.Unlock()
	}
	tx.guard.Release()
	s.commits.UnregisterReader(tx.reffed)
}

func (tx *ReadTx) reader() btree.PageReader { return tx.guard }

// ───────────────────────────────────────────────────────────────────────────
// Write transactions
// ───────────────────────────────────────────────────────────────────────────

const extCommitReservation = "graph.commit-id"

// WriteTx is the single-writer mutation transaction.
type WriteTx struct {
	s      *Store
	guard  *pager.WriteGuard
	commit mvcc.CommitID
	trees  [pager.NumTrees]*btree.Tree
	vlog   *mvcc.Log

	// touched records every tree value written with a PENDING header so
	// commit can clear the flags in one finalization sweep.
	touched []touchedKey
	done    bool
}

type touchedKey struct {
	tree int
	key  []byte
}

// Begin opens a write transaction. A concurrent writer yields
// Invalid("writer lock already held").
func (s *Store) Begin() (*WriteTx, error) {
	guard, err := s.pg.Begin()
	if err != nil {
		return nil, err
	}
	tx := &WriteTx{s: s, guard: guard}
	tx.commit = guard.ReserveCommitID()
	guard.SetExt(extCommitReservation, tx.commit)
	s.commits.BeginPending(tx.commit)
	meta := guard.Meta()
	pageSize := int(s.pg.PageSize())
	for i := range tx.trees {
		tx.trees[i] = btree.New(meta.Roots[i], pageSize)
	}
	tx.vlog = s.versionLog(meta.Roots)
	return tx, nil
}

// CommitID returns the commit id reserved for this transaction.
func (tx *WriteTx) CommitID() mvcc.CommitID { return tx.commit }

// Snapshot returns the snapshot this writer reads at: everything committed
// before it began.
func (tx *WriteTx) Snapshot() mvcc.CommitID { return tx.guard.Snapshot() }

func (tx *WriteTx) markTouched(tree int, key []byte) {
	k := append([]byte(nil), key...)
	tx.touched = append(tx.touched, touchedKey{tree: tree, key: k})
}

// syncRoots persists any root page changes caused by splits.
func (tx *WriteTx) syncRoots() {
	meta := tx.guard.Meta()
	changed := false
	var roots [pager.NumTrees]pager.PageID
	for i, t := range tx.trees {
		roots[i] = t.Root
		if meta.Roots[i] != t.Root {
			changed = true
		}
	}
	if changed {
		tx.guard.UpdateMeta(func(m *pager.Meta) {
			m.Roots = roots
		})
	}
}

// Commit finalizes every pending header written by this transaction, then
// commits the pager transaction. On success the commit becomes visible to
// new snapshots.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return dberr.Invalid("transaction already finished")
	}
	for _, t := range tx.touched {
		val, ok, err := tx.trees[t.tree].Get(tx.guard, t.key)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if !ok {
			continue // superseded within the same transaction
		}
		if len(val) < mvcc.HeaderSize {
			_ = tx.Rollback()
			return dberr.Corruption("pending value shorter than version header")
		}
		if val[16]&mvcc.FlagPending == 0 {
			continue
		}
		val[16] &^= mvcc.FlagPending
		if err := tx.trees[t.tree].Put(tx.guard, t.key, val); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	tx.syncRoots()
	if _, err := tx.guard.Commit(); err != nil {
		tx.s.commits.Abort(tx.commit)
		tx.done = true
		return err
	}
	tx.s.commits.MarkCommitted(tx.commit)
	tx.s.commits.Prune()
	tx.done = true
	return nil
}

// Rollback restores the pre-transaction state; the pending versions written
// by this transaction leave no trace.
func (tx *WriteTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	err := tx.guard.Rollback()
	tx.s.commits.Abort(tx.commit)
	return err
}
