package pager

import (
	"sort"
	"time"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/metrics"
)

// CheckpointMode selects blocking behavior on the checkpoint lock.
type CheckpointMode uint8

const (
	// CheckpointForce blocks until the checkpoint lock is available.
	CheckpointForce CheckpointMode = iota
	// CheckpointBestEffort returns immediately if another checkpoint runs.
	CheckpointBestEffort
)

// Checkpoint applies the WAL to the database file, rebuilds the on-disk
// freelist, advances the checkpoint LSN, and resets the WAL.
func (p *Pager) Checkpoint(mode CheckpointMode) error {
	switch mode {
	case CheckpointForce:
		p.checkpointMu.Lock()
	case CheckpointBestEffort:
		if !p.checkpointMu.TryLock() {
			return nil
		}
	}
	defer p.checkpointMu.Unlock()
	return p.performCheckpoint()
}

func (p *Pager) performCheckpoint() error {
	p.inner.Lock()
	defer p.inner.Unlock()

	it, err := p.walLog.Iter()
	if err != nil {
		return err
	}
	maxLSN := p.inner.meta.LastCheckpointLSN
	applied := 0
	for {
		f, err := it.Next()
		if err != nil {
			return err
		}
		if f == nil {
			break
		}
		if f.LSN <= p.inner.meta.LastCheckpointLSN {
			continue
		}
		if err := p.applyWalFrame(f.PageID, f.LSN, f.Payload); err != nil {
			return err
		}
		if f.LSN > maxLSN {
			maxLSN = f.LSN
		}
		applied++
	}

	if err := p.rebuildFreelist(); err != nil {
		return err
	}
	if err := p.dbIO.Sync(); err != nil {
		return err
	}

	p.inner.meta.LastCheckpointLSN = maxLSN
	metaBuf := make([]byte, p.pageSize)
	EncodeMeta(&p.inner.meta, metaBuf)
	if err := p.dbIO.WriteAt(0, metaBuf); err != nil {
		return err
	}
	p.inner.metaDirty = false
	if err := p.dbIO.Sync(); err != nil {
		return err
	}

	if err := p.walLog.Reset(maxLSN + 1); err != nil {
		return err
	}
	if p.inner.nextLSN <= maxLSN {
		p.inner.nextLSN = maxLSN + 1
	}
	p.inner.lastCheckpoint = time.Now()
	p.inner.stats.Checkpoints++
	p.sink.Inc(metrics.PagerCheckpoints, 1)
	p.log.Debug().Uint64("lsn", maxLSN).Int("frames", applied).Msg("checkpoint complete")
	return nil
}

// applyWalFrame writes one WAL payload to the database file and refreshes
// any cached copy. Caller holds inner.
func (p *Pager) applyWalFrame(id PageID, lsn LSN, payload []byte) error {
	if err := p.dbIO.WriteAt(pageOffset(id, p.pageSize), payload); err != nil {
		return err
	}
	if id == 0 {
		m, err := DecodeMeta(payload)
		if err != nil {
			return err
		}
		// Preserve the checkpoint cursor we are advancing; take everything
		// else from the logged image.
		ckpt := p.inner.meta.LastCheckpointLSN
		p.inner.meta = m
		p.inner.meta.LastCheckpointLSN = ckpt
		return nil
	}
	if idx, ok := p.inner.cache.lookup(id); ok {
		f := &p.inner.cache.frames[idx]
		copy(f.buf, payload)
		f.dirty = false
		f.pendingCheckpoint = false
		f.lsn = lsn
	}
	return nil
}

// rebuildFreelist merges the pending-free list and the released chain pages
// into the free set, shrinks the file when trailing pages are free, writes a
// fresh chain, and points meta.FreeHead at it. Caller holds inner.
func (p *Pager) rebuildFreelist() error {
	originalNextPage := p.inner.meta.NextPage

	all := p.inner.freeCache.Pages()
	all = append(all, p.inner.pendingFree...)
	all = append(all, p.inner.freelistPages...)
	p.inner.pendingFree = nil
	if len(all) == 0 {
		p.inner.freeCache = FreeCache{}
		p.inner.meta.FreeHead = 0
		p.inner.freelistPages = nil
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	all = dedupPageIDs(all)

	// Shrink: trailing free pages come off the end of the file.
	truncated := false
	for len(all) > 0 && p.inner.meta.NextPage > 1 && all[len(all)-1] == p.inner.meta.NextPage-1 {
		all = all[:len(all)-1]
		p.inner.meta.NextPage--
		truncated = true
	}
	if truncated {
		// Drop cache entries past the new end of file.
		c := p.inner.cache
		for id, idx := range c.pageTable {
			if id >= p.inner.meta.NextPage {
				delete(c.pageTable, id)
				c.setState(idx, frameTest)
				c.frames[idx].present = false
				c.frames[idx].dirty = false
				c.frames[idx].pinCount = 0
				c.removeTestPage(id)
			}
		}
	}
	// Defensive: never track pages past the end of the file.
	for len(all) > 0 && all[len(all)-1] >= p.inner.meta.NextPage {
		all = all[:len(all)-1]
	}

	if len(all) == 0 {
		p.inner.freeCache = FreeCache{}
		p.inner.meta.FreeHead = 0
		p.inner.freelistPages = nil
		if truncated && p.inner.meta.NextPage < originalNextPage {
			return p.dbIO.Truncate(pageOffset(p.inner.meta.NextPage, p.pageSize))
		}
		return nil
	}

	capacity := FreeListCapacity(int(p.pageSize))
	if capacity == 0 {
		return dberr.Invalid("page size too small for freelist")
	}

	// Chain pages are carved off the tail of the free set itself; extend the
	// file only when the set cannot spare them.
	extents := ExtentsFromPages(all)
	needed := (len(extents) + capacity - 1) / capacity
	var chainPages []PageID
	for len(chainPages) < needed {
		if len(all) > needed-len(chainPages) {
			last := all[len(all)-1]
			all = all[:len(all)-1]
			chainPages = append(chainPages, last)
			extents = ExtentsFromPages(all)
			needed = (len(extents) + capacity - 1) / capacity
		} else {
			chainPages = append(chainPages, p.inner.meta.NextPage)
			p.inner.meta.NextPage++
		}
	}
	sort.Slice(chainPages, func(i, j int) bool { return chainPages[i] < chainPages[j] })

	fc := FreeCache{}
	for _, e := range extents {
		fc.AddExtent(e)
	}
	p.inner.freeCache = fc

	for i, id := range chainPages {
		lo := i * capacity
		hi := lo + capacity
		if hi > len(extents) {
			hi = len(extents)
		}
		var next PageID
		if i+1 < len(chainPages) {
			next = chainPages[i+1]
		}
		buf := make([]byte, p.pageSize)
		EncodeFreeListPage(buf, id, next, extents[lo:hi])
		StampPageCRC(id, p.inner.meta.Salt, buf)
		if err := p.dbIO.WriteAt(pageOffset(id, p.pageSize), buf); err != nil {
			return err
		}
		// The chain page may have a stale cached image.
		if idx, ok := p.inner.cache.lookup(id); ok {
			c := p.inner.cache
			delete(c.pageTable, id)
			c.setState(idx, frameTest)
			c.frames[idx].present = false
			c.frames[idx].dirty = false
		}
	}
	p.inner.meta.FreeHead = chainPages[0]
	p.inner.freelistPages = chainPages

	if truncated && p.inner.meta.NextPage < originalNextPage {
		return p.dbIO.Truncate(pageOffset(p.inner.meta.NextPage, p.pageSize))
	}
	return nil
}

func dedupPageIDs(ids []PageID) []PageID {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// Recovery
// ───────────────────────────────────────────────────────────────────────────

// recover applies committed WAL frames past the checkpoint boundary to the
// database file on open, then resets the WAL. Corruption at the log tail is
// truncation; corruption before the checkpoint boundary is fatal.
func (p *Pager) recover() error {
	p.inner.Lock()
	defer p.inner.Unlock()

	it, err := p.walLog.Iter()
	if err != nil {
		return err
	}
	ckpt := p.inner.meta.LastCheckpointLSN
	maxLSN := ckpt
	applied := 0
	var lastValid LSN
	for {
		f, err := it.Next()
		if err != nil {
			return err
		}
		if f == nil {
			break
		}
		lastValid = f.LSN
		if f.LSN <= ckpt {
			continue
		}
		if err := p.dbIO.WriteAt(pageOffset(f.PageID, p.pageSize), f.Payload); err != nil {
			return err
		}
		if f.PageID == 0 {
			m, err := DecodeMeta(f.Payload)
			if err != nil {
				return err
			}
			m.LastCheckpointLSN = p.inner.meta.LastCheckpointLSN
			p.inner.meta = m
		}
		if f.LSN > maxLSN {
			maxLSN = f.LSN
		}
		applied++
	}
	if walLen, lenErr := p.walLog.Len(); lenErr == nil {
		if uint64(walLen) > it.ValidUpTo() && lastValid != 0 && lastValid < ckpt {
			// The log tore before reaching the checkpoint boundary: frames
			// the meta page claims durable are unreadable.
			return dberr.Corruption("wal corrupt before checkpoint boundary (lsn %d < %d)", lastValid, ckpt)
		}
	}

	if applied > 0 {
		if err := p.dbIO.Sync(); err != nil {
			return err
		}
		p.inner.meta.LastCheckpointLSN = maxLSN
		metaBuf := make([]byte, p.pageSize)
		EncodeMeta(&p.inner.meta, metaBuf)
		if err := p.dbIO.WriteAt(0, metaBuf); err != nil {
			return err
		}
		if err := p.dbIO.Sync(); err != nil {
			return err
		}
		p.log.Info().Int("frames", applied).Uint64("lsn", maxLSN).Msg("recovered from wal")
	}
	if err := p.walLog.Reset(p.inner.meta.LastCheckpointLSN + 1); err != nil {
		return err
	}
	p.inner.nextLSN = p.inner.meta.LastCheckpointLSN + 1
	return nil
}
