package graph

import (
	"encoding/binary"
	"time"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/metrics"
	"github.com/sombra-db/sombra/internal/mvcc"
	"github.com/sombra-db/sombra/internal/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Vacuum
// ───────────────────────────────────────────────────────────────────────────
//
// The vacuum worker computes the GC horizon from the commit table and prunes
// version-log entries, closed unit entries, and dead row heads whose commit
// window ended at or below it. Work happens in bounded batches; the writer
// lock is yielded between batches so vacuum never starves writers.

// VacuumStats reports one pass.
type VacuumStats struct {
	Horizon        mvcc.CommitID
	VersionsPruned int
	UnitsPruned    int
	RowsPruned     int
}

// VacuumOnce runs a single vacuum pass.
func (s *Store) VacuumOnce() (VacuumStats, error) {
	horizon := s.commits.Horizon()
	stats := VacuumStats{Horizon: horizon}
	if horizon == 0 {
		return stats, nil
	}

	n, err := s.pruneVersionLog(horizon)
	if err != nil {
		return stats, err
	}
	stats.VersionsPruned = n

	for _, tree := range []int{pager.TreeFwdAdj, pager.TreeRevAdj, pager.TreeLabelIndex, pager.TreePropIndex} {
		u, err := s.pruneUnits(tree, horizon)
		if err != nil {
			return stats, err
		}
		stats.UnitsPruned += u
	}

	r, err := s.pruneRows(horizon)
	if err != nil {
		return stats, err
	}
	stats.RowsPruned = r

	s.commits.Prune()
	s.sink.Inc(metrics.VacuumPasses, 1)
	if stats.VersionsPruned > 0 {
		s.sink.Inc(metrics.MvccVersionsPruned, uint64(stats.VersionsPruned))
	}
	s.log.Debug().
		Uint64("horizon", horizon).
		Int("versions", stats.VersionsPruned).
		Int("units", stats.UnitsPruned).
		Int("rows", stats.RowsPruned).
		Msg("vacuum pass")
	return stats, nil
}

// pruneVersionLog removes chain entries no snapshot can reach. Work is
// batched: each batch runs in its own write transaction so the writer lock
// is released between batches.
func (s *Store) pruneVersionLog(horizon mvcc.CommitID) (int, error) {
	total := 0
	var resume []byte
	for {
		tx, err := s.beginVacuumTx()
		if err != nil {
			return total, err
		}
		type victim struct {
			ptr mvcc.VersionPtr
		}
		var victims []victim
		perRecord := make(map[[9]byte]int)
		cur, err := tx.trees[pager.TreeVersionLog].Range(tx.guard, resume, nil, resume == nil, true)
		if err != nil {
			_ = tx.Rollback()
			return total, err
		}
		scanned := 0
		for scanned < s.opts.ScanBatchSize {
			k, v, ok, err := cur.Next()
			if err != nil {
				_ = tx.Rollback()
				return total, err
			}
			if !ok {
				resume = nil
				break
			}
			scanned++
			resume = append([]byte(nil), k...)
			if len(v) < logEntrySpaceIDLen {
				continue
			}
			entry, err := decodePruneProbe(v)
			if err != nil {
				continue
			}
			if entry.end == mvcc.CommitMax || entry.end > horizon {
				continue
			}
			var rk [9]byte
			rk[0] = byte(entry.space)
			binary.BigEndian.PutUint64(rk[1:], entry.id)
			perRecord[rk]++
			if s.opts.MinVersionsPerRecord > 0 && perRecord[rk] <= s.opts.MinVersionsPerRecord {
				continue
			}
			ptr := binary.BigEndian.Uint64(k)
			victims = append(victims, victim{ptr: ptr})
		}
		for _, v := range victims {
			if _, err := tx.trees[pager.TreeVersionLog].Delete(tx.guard, mvcc.EncodeKey(v.ptr)); err != nil {
				_ = tx.Rollback()
				return total, err
			}
			s.vcache.Drop(v.ptr)
			total++
		}
		if err := tx.commitVacuum(); err != nil {
			return total, err
		}
		if resume == nil {
			return total, nil
		}
	}
}

// decodePruneProbe reads just the fields vacuum needs from a raw log entry.
type pruneProbe struct {
	space mvcc.Space
	id    uint64
	end   mvcc.CommitID
}

const logEntrySpaceIDLen = 35

func decodePruneProbe(v []byte) (pruneProbe, error) {
	if len(v) < logEntrySpaceIDLen {
		return pruneProbe{}, dberr.Corruption("version log entry truncated")
	}
	h, err := mvcc.DecodeHeader(v[10:35])
	if err != nil {
		return pruneProbe{}, err
	}
	return pruneProbe{
		space: mvcc.Space(v[0]),
		id:    binary.LittleEndian.Uint64(v[2:10]),
		end:   h.CommitEnd,
	}, nil
}

// pruneUnits deletes closed or stale-pending unit entries below the horizon.
func (s *Store) pruneUnits(treeIdx int, horizon mvcc.CommitID) (int, error) {
	latest := s.commits.LatestCommitted()
	total := 0
	tx, err := s.beginVacuumTx()
	if err != nil {
		return 0, err
	}
	err = tx.trees[treeIdx].ForEachWithWrite(tx.guard, func(key, value []byte) ([]byte, bool, error) {
		h, err := DecodeUnit(value)
		if err != nil {
			return nil, false, nil // leave undecodable entries for verify
		}
		// Closed windows nothing can see anymore.
		if h.CommitEnd != mvcc.CommitMax && h.CommitEnd <= horizon {
			total++
			return nil, true, nil
		}
		// Pending leftovers from a transaction that never finalized: the
		// single-writer lock means any pending entry at or below the latest
		// commit belongs to a crashed transaction.
		if h.Pending() && h.CommitBegin <= latest {
			total++
			return nil, true, nil
		}
		return nil, false, nil
	})
	if err != nil {
		_ = tx.Rollback()
		return total, err
	}
	if err := tx.commitVacuum(); err != nil {
		return total, err
	}
	return total, nil
}

// pruneRows removes tombstoned row heads below the horizon and repairs
// stale pending heads left by a crash.
func (s *Store) pruneRows(horizon mvcc.CommitID) (int, error) {
	latest := s.commits.LatestCommitted()
	total := 0
	for _, treeIdx := range []int{pager.TreeNodes, pager.TreeEdges} {
		tx, err := s.beginVacuumTx()
		if err != nil {
			return total, err
		}
		err = tx.trees[treeIdx].ForEachWithWrite(tx.guard, func(key, value []byte) ([]byte, bool, error) {
			head, err := DecodeVersionedRow(value)
			if err != nil {
				return nil, false, nil
			}
			if head.Header.Pending() && head.Header.CommitBegin <= latest {
				// Crash leftover: resurrect the previous image when one
				// exists, otherwise drop the row.
				if head.Inline != nil {
					prev := &VersionedRow{
						Header:  head.Inline.Header,
						PrevPtr: head.Inline.PrevPtr,
						Payload: head.Inline.Payload,
					}
					prev.Header.CommitEnd = mvcc.CommitMax
					total++
					return EncodeVersionedRow(prev), false, nil
				}
				if head.PrevPtr != 0 {
					entry, err := tx.vlog.Get(tx.guard, head.PrevPtr)
					if err == nil {
						prev := &VersionedRow{
							Header:  entry.Header,
							PrevPtr: entry.PrevPtr,
							Payload: entry.Payload,
						}
						prev.Header.CommitEnd = mvcc.CommitMax
						total++
						return EncodeVersionedRow(prev), false, nil
					}
				}
				total++
				return nil, true, nil
			}
			// Fully dead rows: tombstoned before any live snapshot, with no
			// reachable chain left.
			if head.Header.Tombstone() && !head.Header.Pending() && head.Header.CommitBegin <= horizon {
				total++
				return nil, true, nil
			}
			return nil, false, nil
		})
		if err != nil {
			_ = tx.Rollback()
			return total, err
		}
		if err := tx.commitVacuum(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// beginVacuumTx opens a write transaction for vacuum, retrying briefly when
// a writer holds the lock.
func (s *Store) beginVacuumTx() (*WriteTx, error) {
	for attempt := 0; ; attempt++ {
		tx, err := s.Begin()
		if err == nil {
			return tx, nil
		}
		if !dberr.IsKind(err, dberr.KindInvalid) || attempt >= 50 {
			return nil, err
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// commitVacuum commits a vacuum batch, tolerating empty batches.
func (tx *WriteTx) commitVacuum() error {
	return tx.Commit()
}

// ───────────────────────────────────────────────────────────────────────────
// Background worker
// ───────────────────────────────────────────────────────────────────────────

// StartVacuum launches the periodic vacuum goroutine. Micro-GC passes run
// between full passes when the version cache reports misses.
func (s *Store) StartVacuum() {
	if s.vacuumStop != nil {
		return
	}
	interval := s.opts.GCInterval
	if interval <= 0 {
		return
	}
	s.vacuumStop = make(chan struct{})
	s.vacuumDone = make(chan struct{})
	go func() {
		defer close(s.vacuumDone)
		ticker := time.NewTicker(interval)
		micro := time.NewTicker(interval / 10)
		defer ticker.Stop()
		defer micro.Stop()
		for {
			select {
			case <-s.vacuumStop:
				return
			case <-ticker.C:
				if _, err := s.VacuumOnce(); err != nil {
					s.log.Warn().Err(err).Msg("vacuum pass failed")
				}
			case <-micro.C:
				if s.vcache.TakeMicroGCSignal() {
					if _, err := s.VacuumOnce(); err != nil {
						s.log.Warn().Err(err).Msg("micro vacuum failed")
					}
				}
			}
		}
	}()
}

// StopVacuum stops the background worker, waiting for the current pass.
func (s *Store) StopVacuum() {
	if s.vacuumStop == nil {
		return
	}
	close(s.vacuumStop)
	<-s.vacuumDone
	s.vacuumStop = nil
	s.vacuumDone = nil
}
