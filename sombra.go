// Package sombra is an embeddable transactional graph database: a
// page-oriented MVCC storage engine with write-ahead logging, a labeled
// property graph stored in B+trees, and a streaming query executor.
//
// One process opens a database file at a time; within it, a single writer
// runs alongside any number of snapshot readers.
//
//	db, err := sombra.Open("graph.db", sombra.DefaultOptions())
//	...
//	tx, err := db.Begin()
//	id, err := tx.CreateNode(graph.NodeSpec{Labels: []graph.LabelID{person}})
//	err = tx.Commit()
package sombra

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sombra-db/sombra/internal/graph"
	"github.com/sombra-db/sombra/internal/metrics"
	"github.com/sombra-db/sombra/internal/pager"
	"github.com/sombra-db/sombra/internal/query"
)

// Re-exported option and mode types.
type (
	// PagerOptions drives durability and cache behavior.
	PagerOptions = pager.Options
	// GraphOptions drives MVCC, vacuum, and version-cache behavior.
	GraphOptions = graph.Options
)

// Options configures a database.
type Options struct {
	Pager   PagerOptions
	Graph   GraphOptions
	Logger  zerolog.Logger
	Metrics metrics.Sink

	// StartVacuum launches the background vacuum worker on open.
	StartVacuum bool
}

// DefaultOptions returns the standard configuration.
func DefaultOptions() Options {
	return Options{
		Pager:       pager.DefaultOptions(),
		Graph:       graph.DefaultOptions(),
		Logger:      zerolog.Nop(),
		Metrics:     metrics.Nop{},
		StartVacuum: true,
	}
}

// DB is an open database handle.
type DB struct {
	pg    *pager.Pager
	store *graph.Store
	log   zerolog.Logger
	cron  *cron.Cron
}

// Open opens or creates the database at path. `path`-wal and `path`-lock
// are managed alongside it.
func Open(path string, opts Options) (*DB, error) {
	opts.Pager.Logger = opts.Logger
	opts.Graph.Logger = opts.Logger
	if opts.Metrics != nil {
		opts.Pager.Metrics = opts.Metrics
		opts.Graph.Metrics = opts.Metrics
	}
	// The wall-clock autocheckpoint runs on the scheduler below; the pager
	// keeps only the WAL-size trigger.
	interval := opts.Pager.AutocheckpointEvery
	opts.Pager.AutocheckpointEvery = 0

	pg, err := pager.Open(path, opts.Pager)
	if err != nil {
		return nil, err
	}
	store, err := graph.Open(pg, opts.Graph)
	if err != nil {
		_ = pg.Close()
		return nil, err
	}
	db := &DB{pg: pg, store: store, log: opts.Logger}
	if opts.StartVacuum {
		store.StartVacuum()
	}
	if interval > 0 {
		db.cron = cron.New()
		spec := "@every " + interval.Round(time.Second).String()
		if _, err := db.cron.AddFunc(spec, func() {
			if err := pg.Checkpoint(pager.CheckpointBestEffort); err != nil {
				db.log.Warn().Err(err).Msg("scheduled checkpoint failed")
			}
		}); err != nil {
			db.log.Warn().Err(err).Msg("scheduling autocheckpoint failed")
		} else {
			db.cron.Start()
		}
	}
	return db, nil
}

// Close stops background workers, checkpoints, and releases the files.
func (db *DB) Close() error {
	if db.cron != nil {
		db.cron.Stop()
	}
	db.store.Close()
	return db.pg.Close()
}

// Store exposes the graph layer.
func (db *DB) Store() *graph.Store { return db.store }

// Pager exposes the page store (diagnostics and tests).
func (db *DB) Pager() *pager.Pager { return db.pg }

// Begin opens a write transaction. Only one writer runs at a time; a
// concurrent writer receives Invalid("writer lock already held").
func (db *DB) Begin() (*graph.WriteTx, error) { return db.store.Begin() }

// BeginRead opens a snapshot read transaction.
func (db *DB) BeginRead() *graph.ReadTx { return db.store.BeginRead() }

// Checkpoint forces a checkpoint.
func (db *DB) Checkpoint() error { return db.pg.Checkpoint(pager.CheckpointForce) }

// Vacuum runs one vacuum pass immediately.
func (db *DB) Vacuum() (graph.VacuumStats, error) { return db.store.VacuumOnce() }

// Stats bundles the engine counters.
type Stats struct {
	Pager pager.Stats
	Wal   struct {
		FramesAppended uint64
		BytesAppended  uint64
		Syncs          uint64
		Resets         uint64
	}
}

// Stats returns cumulative engine counters.
func (db *DB) Stats() Stats {
	var s Stats
	s.Pager = db.pg.Stats()
	ws := db.pg.WalStats()
	s.Wal.FramesAppended = ws.FramesAppended
	s.Wal.BytesAppended = ws.BytesAppended
	s.Wal.Syncs = ws.Syncs
	s.Wal.Resets = ws.Resets
	return s
}

// Query executes a physical plan against a snapshot and returns the result
// stream. The caller releases tx after draining the result.
func (db *DB) Query(tx *graph.ReadTx, plan query.Plan, project []query.Field, opts query.ExecOptions) (*query.Result, error) {
	if opts.Log.GetLevel() == zerolog.Disabled {
		opts.Log = db.log
	}
	return query.Execute(tx, plan, project, opts)
}
