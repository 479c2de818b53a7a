package graph

import (
	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/metrics"
	"github.com/sombra-db/sombra/internal/mvcc"
	"github.com/sombra-db/sombra/internal/pager"
)

// NodeSpec describes a node to create.
type NodeSpec struct {
	Labels []LabelID
	Props  []PropEntry
}

// NodePatch describes an update to apply to a node.
type NodePatch struct {
	AddLabels    []LabelID
	RemoveLabels []LabelID
	SetProps     []PropEntry // add or replace
	RemoveProps  []PropID
}

// EdgePatch describes a property update on an edge. Endpoints and type are
// immutable.
type EdgePatch struct {
	SetProps    []PropEntry
	RemoveProps []PropID
}

// DeleteMode selects edge behavior when deleting a node.
type DeleteMode uint8

const (
	// DeleteRestrict fails when the node still has incident edges.
	DeleteRestrict DeleteMode = iota
	// DeleteDetach cascades: incident edges are deleted with the node.
	DeleteDetach
)

// DeleteNodeOpts configures DeleteNode.
type DeleteNodeOpts struct {
	Mode DeleteMode
}

// ───────────────────────────────────────────────────────────────────────────
// Node writes
// ───────────────────────────────────────────────────────────────────────────

// CreateNode allocates an id and writes the node with a pending version
// header, plus its label and property index entries.
func (tx *WriteTx) CreateNode(spec NodeSpec) (NodeID, error) {
	if tx.done {
		return 0, dberr.Invalid("transaction already finished")
	}
	var id NodeID
	tx.guard.UpdateMeta(func(m *pager.Meta) {
		id = m.NextNodeID
		m.NextNodeID++
	})

	row := &NodeRow{Labels: append([]LabelID(nil), spec.Labels...), Props: append([]PropEntry(nil), spec.Props...)}
	sortProps(row.Props)
	v := &VersionedRow{
		Header: mvcc.Header{
			CommitBegin: tx.commit,
			CommitEnd:   mvcc.CommitMax,
			Flags:       mvcc.FlagPending,
		},
		Payload: EncodeNodeRow(row),
	}
	key := NodeKey(id)
	if err := tx.trees[pager.TreeNodes].Put(tx.guard, key, EncodeVersionedRow(v)); err != nil {
		return 0, err
	}
	tx.markTouched(pager.TreeNodes, key)

	if err := tx.writeNodeIndexEntries(id, row, nil); err != nil {
		return 0, err
	}
	tx.syncRoots()
	tx.s.sink.Inc(metrics.MvccVersionsWritten, 1)
	return id, nil
}

// writeNodeIndexEntries reconciles label and property index entries between
// old (may be nil) and new row states.
func (tx *WriteTx) writeNodeIndexEntries(id NodeID, row *NodeRow, old *NodeRow) error {
	live := mvcc.Header{CommitBegin: tx.commit, CommitEnd: mvcc.CommitMax, Flags: mvcc.FlagPending}

	// Labels added.
	for _, l := range row.Labels {
		if old != nil && old.HasLabel(l) {
			continue
		}
		k := LabelKey(l, id)
		if err := tx.trees[pager.TreeLabelIndex].Put(tx.guard, k, EncodeUnit(live)); err != nil {
			return err
		}
		tx.markTouched(pager.TreeLabelIndex, k)
		// Property entries exist per (label, prop); a new label indexes
		// every current property under it.
		for _, p := range row.Props {
			if p.Value.IsNull() {
				continue
			}
			pk, err := PropKey(l, p.Prop, p.Value, id)
			if err != nil {
				return err
			}
			if err := tx.trees[pager.TreePropIndex].Put(tx.guard, pk, EncodeUnit(live)); err != nil {
				return err
			}
			tx.markTouched(pager.TreePropIndex, pk)
		}
	}
	// Labels removed: close the index windows.
	if old != nil {
		for _, l := range old.Labels {
			if row.HasLabel(l) {
				continue
			}
			if err := tx.closeUnit(pager.TreeLabelIndex, LabelKey(l, id)); err != nil {
				return err
			}
			for _, p := range old.Props {
				if p.Value.IsNull() {
					continue
				}
				pk, err := PropKey(l, p.Prop, p.Value, id)
				if err != nil {
					return err
				}
				if err := tx.closeUnit(pager.TreePropIndex, pk); err != nil {
					return err
				}
			}
		}
	}
	// Property changes under labels kept.
	for _, l := range row.Labels {
		if old != nil && !old.HasLabel(l) {
			continue // handled as a label addition above
		}
		for _, p := range row.Props {
			if p.Value.IsNull() {
				continue
			}
			if old != nil {
				if ov, ok := old.Prop(p.Prop); ok && ov.Equal(p.Value) {
					continue // unchanged
				}
			}
			pk, err := PropKey(l, p.Prop, p.Value, id)
			if err != nil {
				return err
			}
			if err := tx.trees[pager.TreePropIndex].Put(tx.guard, pk, EncodeUnit(live)); err != nil {
				return err
			}
			tx.markTouched(pager.TreePropIndex, pk)
		}
		if old != nil {
			for _, p := range old.Props {
				if p.Value.IsNull() {
					continue
				}
				nv, present := row.Prop(p.Prop)
				if present && nv.Equal(p.Value) {
					continue
				}
				pk, err := PropKey(l, p.Prop, p.Value, id)
				if err != nil {
					return err
				}
				if err := tx.closeUnit(pager.TreePropIndex, pk); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// closeUnit sets CommitEnd on a live unit entry and marks it a tombstone
// for vacuum. Missing entries are ignored.
func (tx *WriteTx) closeUnit(tree int, key []byte) error {
	val, ok, err := tx.trees[tree].Get(tx.guard, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	h, err := DecodeUnit(val)
	if err != nil {
		return err
	}
	if h.CommitEnd != mvcc.CommitMax {
		return nil // already closed
	}
	h.CommitEnd = tx.commit
	h.Flags |= mvcc.FlagTombstone
	return tx.trees[tree].Put(tx.guard, key, EncodeUnit(h))
}

// loadRowForWrite fetches the current head visible to this writer. The head
// must be live: invisible or tombstoned rows fail with NotFound.
func (tx *WriteTx) loadRowForWrite(tree int, key []byte) (*VersionedRow, error) {
	val, ok, err := tx.trees[tree].Get(tx.guard, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberr.NotFound("row not present")
	}
	v, err := DecodeVersionedRow(val)
	if err != nil {
		return nil, err
	}
	if v.Header.Tombstone() {
		return nil, dberr.NotFound("row deleted")
	}
	// Another transaction's pending head cannot exist under the single
	// writer lock; our own pending head (multi-op transaction) is fine.
	if v.Header.Pending() && v.Header.CommitBegin != tx.commit {
		return nil, dberr.Corruption("foreign pending head")
	}
	if !v.Header.Pending() && v.Header.CommitBegin > tx.Snapshot() {
		return nil, dberr.NotFound("row not visible to writer")
	}
	return v, nil
}

// supersede pushes the current head into the version log with its window
// closed at this commit and returns the pointer for the new head. Heads
// written by this same transaction are replaced in place instead.
func (tx *WriteTx) supersede(space mvcc.Space, id uint64, head *VersionedRow) (mvcc.VersionPtr, *InlineVersion, error) {
	if head.Header.Pending() && head.Header.CommitBegin == tx.commit {
		// Same-transaction rewrite: the old image was never visible.
		return head.PrevPtr, head.Inline, nil
	}
	closed := head.Header
	closed.CommitEnd = tx.commit

	var ptr mvcc.VersionPtr
	tx.guard.UpdateMeta(func(m *pager.Meta) {
		ptr = m.NextVersionPtr
		m.NextVersionPtr++
	})
	entry := &mvcc.LogEntry{
		Space:   space,
		ID:      id,
		Header:  closed,
		PrevPtr: head.PrevPtr,
		Payload: head.Payload,
	}
	if err := tx.vlog.Append(tx.guard, ptr, entry); err != nil {
		return 0, nil, err
	}
	tx.s.vcache.Drop(ptr)

	var inline *InlineVersion
	if tx.s.opts.InlineHistory && len(head.Payload) <= tx.s.opts.InlineHistoryMaxBytes {
		inline = &InlineVersion{Header: closed, PrevPtr: head.PrevPtr, Payload: head.Payload}
	}
	return ptr, inline, nil
}

// UpdateNode applies a patch to a node, chaining the previous version.
func (tx *WriteTx) UpdateNode(id NodeID, patch NodePatch) error {
	if tx.done {
		return dberr.Invalid("transaction already finished")
	}
	key := NodeKey(id)
	head, err := tx.loadRowForWrite(pager.TreeNodes, key)
	if err != nil {
		return err
	}
	old, err := DecodeNodeRow(head.Payload)
	if err != nil {
		return err
	}
	row := applyNodePatch(old, patch)

	ptr, inline, err := tx.supersede(mvcc.SpaceNode, id, head)
	if err != nil {
		return err
	}
	v := &VersionedRow{
		Header: mvcc.Header{
			CommitBegin: tx.commit,
			CommitEnd:   mvcc.CommitMax,
			Flags:       mvcc.FlagPending,
		},
		PrevPtr: ptr,
		Inline:  inline,
		Payload: EncodeNodeRow(row),
	}
	if err := tx.trees[pager.TreeNodes].Put(tx.guard, key, EncodeVersionedRow(v)); err != nil {
		return err
	}
	tx.markTouched(pager.TreeNodes, key)

	if err := tx.writeNodeIndexEntries(id, row, old); err != nil {
		return err
	}
	tx.syncRoots()
	tx.s.sink.Inc(metrics.MvccVersionsWritten, 1)
	return nil
}

func applyNodePatch(old *NodeRow, patch NodePatch) *NodeRow {
	row := &NodeRow{}
	for _, l := range old.Labels {
		removed := false
		for _, r := range patch.RemoveLabels {
			if r == l {
				removed = true
				break
			}
		}
		if !removed {
			row.Labels = append(row.Labels, l)
		}
	}
	for _, l := range patch.AddLabels {
		if !row.HasLabel(l) {
			row.Labels = append(row.Labels, l)
		}
	}
	for _, p := range old.Props {
		drop := false
		for _, r := range patch.RemoveProps {
			if r == p.Prop {
				drop = true
				break
			}
		}
		for _, sp := range patch.SetProps {
			if sp.Prop == p.Prop {
				drop = true // replaced below
				break
			}
		}
		if !drop {
			row.Props = append(row.Props, p)
		}
	}
	row.Props = append(row.Props, patch.SetProps...)
	sortProps(row.Props)
	return row
}

// DeleteNode writes a tombstone head. Detach mode cascades to incident
// edges; Restrict fails when any exist.
func (tx *WriteTx) DeleteNode(id NodeID, opts DeleteNodeOpts) error {
	if tx.done {
		return dberr.Invalid("transaction already finished")
	}
	key := NodeKey(id)
	head, err := tx.loadRowForWrite(pager.TreeNodes, key)
	if err != nil {
		return err
	}
	old, err := DecodeNodeRow(head.Payload)
	if err != nil {
		return err
	}

	incident, err := tx.incidentEdges(id)
	if err != nil {
		return err
	}
	if len(incident) > 0 {
		if opts.Mode == DeleteRestrict {
			return dberr.Invalid("node %d has %d incident edges", id, len(incident))
		}
		for _, e := range incident {
			if err := tx.DeleteEdge(e); err != nil && !dberr.IsNotFound(err) {
				return err
			}
		}
	}

	ptr, inline, err := tx.supersede(mvcc.SpaceNode, id, head)
	if err != nil {
		return err
	}
	v := &VersionedRow{
		Header: mvcc.Header{
			CommitBegin: tx.commit,
			CommitEnd:   mvcc.CommitMax,
			Flags:       mvcc.FlagPending | mvcc.FlagTombstone,
		},
		PrevPtr: ptr,
		Inline:  inline,
	}
	if err := tx.trees[pager.TreeNodes].Put(tx.guard, key, EncodeVersionedRow(v)); err != nil {
		return err
	}
	tx.markTouched(pager.TreeNodes, key)

	// Close every index window the node occupied.
	for _, l := range old.Labels {
		if err := tx.closeUnit(pager.TreeLabelIndex, LabelKey(l, id)); err != nil {
			return err
		}
		for _, p := range old.Props {
			if p.Value.IsNull() {
				continue
			}
			pk, err := PropKey(l, p.Prop, p.Value, id)
			if err != nil {
				return err
			}
			if err := tx.closeUnit(pager.TreePropIndex, pk); err != nil {
				return err
			}
		}
	}
	tx.syncRoots()
	return nil
}

// incidentEdges lists edges visible to this writer that touch the node.
func (tx *WriteTx) incidentEdges(id NodeID) ([]EdgeID, error) {
	snap := tx.writerSnapshot()
	var out []EdgeID
	seen := make(map[EdgeID]bool)
	for _, tree := range []int{pager.TreeFwdAdj, pager.TreeRevAdj} {
		prefix := AdjPrefixNode(id)
		cur, err := tx.trees[tree].Range(tx.guard, prefix, PrefixSuccessor(prefix), true, false)
		if err != nil {
			return nil, err
		}
		for {
			k, val, ok, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			h, err := DecodeUnit(val)
			if err != nil {
				return nil, err
			}
			if !tx.unitLiveForWriter(h, snap) {
				continue
			}
			e, err := DecodeAdjKey(k)
			if err != nil {
				return nil, err
			}
			if !seen[e.Edge] {
				seen[e.Edge] = true
				out = append(out, e.Edge)
			}
		}
	}
	return out, nil
}

// writerSnapshot is the visibility point for the writer's own reads:
// committed state plus its own pending writes.
func (tx *WriteTx) writerSnapshot() mvcc.CommitID { return tx.guard.Snapshot() }

// unitLiveForWriter accepts committed-visible units and this transaction's
// own pending ones.
func (tx *WriteTx) unitLiveForWriter(h mvcc.Header, snap mvcc.CommitID) bool {
	if h.Pending() {
		return h.CommitBegin == tx.commit && h.CommitEnd == mvcc.CommitMax
	}
	if h.CommitEnd == tx.commit {
		return false // closed by this transaction
	}
	return h.CommitBegin <= snap && snap < h.CommitEnd
}

// ───────────────────────────────────────────────────────────────────────────
// Edge writes
// ───────────────────────────────────────────────────────────────────────────

// CreateEdge writes the edge row and its forward and reverse adjacency
// entries. Both endpoints must be live.
func (tx *WriteTx) CreateEdge(src, dst NodeID, ty TypeID, props []PropEntry) (EdgeID, error) {
	if tx.done {
		return 0, dberr.Invalid("transaction already finished")
	}
	if _, err := tx.loadRowForWrite(pager.TreeNodes, NodeKey(src)); err != nil {
		return 0, dberr.NotFound("source node %d", src)
	}
	if _, err := tx.loadRowForWrite(pager.TreeNodes, NodeKey(dst)); err != nil {
		return 0, dberr.NotFound("destination node %d", dst)
	}

	var id EdgeID
	tx.guard.UpdateMeta(func(m *pager.Meta) {
		id = m.NextEdgeID
		m.NextEdgeID++
	})
	row := &EdgeRow{Src: src, Dst: dst, Type: ty, Props: append([]PropEntry(nil), props...)}
	sortProps(row.Props)
	v := &VersionedRow{
		Header: mvcc.Header{
			CommitBegin: tx.commit,
			CommitEnd:   mvcc.CommitMax,
			Flags:       mvcc.FlagPending,
		},
		Payload: EncodeEdgeRow(row),
	}
	key := EdgeKey(id)
	if err := tx.trees[pager.TreeEdges].Put(tx.guard, key, EncodeVersionedRow(v)); err != nil {
		return 0, err
	}
	tx.markTouched(pager.TreeEdges, key)

	live := mvcc.Header{CommitBegin: tx.commit, CommitEnd: mvcc.CommitMax, Flags: mvcc.FlagPending}
	fk := AdjKey(src, ty, dst, id)
	if err := tx.trees[pager.TreeFwdAdj].Put(tx.guard, fk, EncodeUnit(live)); err != nil {
		return 0, err
	}
	tx.markTouched(pager.TreeFwdAdj, fk)
	rk := AdjKey(dst, ty, src, id)
	if err := tx.trees[pager.TreeRevAdj].Put(tx.guard, rk, EncodeUnit(live)); err != nil {
		return 0, err
	}
	tx.markTouched(pager.TreeRevAdj, rk)
	tx.syncRoots()
	tx.s.sink.Inc(metrics.MvccVersionsWritten, 1)
	return id, nil
}

// UpdateEdge patches edge properties, chaining the previous version. The
// adjacency keys never change: endpoints and type are immutable.
func (tx *WriteTx) UpdateEdge(id EdgeID, patch EdgePatch) error {
	if tx.done {
		return dberr.Invalid("transaction already finished")
	}
	key := EdgeKey(id)
	head, err := tx.loadRowForWrite(pager.TreeEdges, key)
	if err != nil {
		return err
	}
	old, err := DecodeEdgeRow(head.Payload)
	if err != nil {
		return err
	}
	row := &EdgeRow{Src: old.Src, Dst: old.Dst, Type: old.Type}
	for _, p := range old.Props {
		drop := false
		for _, r := range patch.RemoveProps {
			if r == p.Prop {
				drop = true
				break
			}
		}
		for _, sp := range patch.SetProps {
			if sp.Prop == p.Prop {
				drop = true
				break
			}
		}
		if !drop {
			row.Props = append(row.Props, p)
		}
	}
	row.Props = append(row.Props, patch.SetProps...)
	sortProps(row.Props)

	ptr, inline, err := tx.supersede(mvcc.SpaceEdge, id, head)
	if err != nil {
		return err
	}
	v := &VersionedRow{
		Header: mvcc.Header{
			CommitBegin: tx.commit,
			CommitEnd:   mvcc.CommitMax,
			Flags:       mvcc.FlagPending,
		},
		PrevPtr: ptr,
		Inline:  inline,
		Payload: EncodeEdgeRow(row),
	}
	if err := tx.trees[pager.TreeEdges].Put(tx.guard, key, EncodeVersionedRow(v)); err != nil {
		return err
	}
	tx.markTouched(pager.TreeEdges, key)
	tx.syncRoots()
	tx.s.sink.Inc(metrics.MvccVersionsWritten, 1)
	return nil
}

// DeleteEdge tombstones the edge row and closes both adjacency entries.
func (tx *WriteTx) DeleteEdge(id EdgeID) error {
	if tx.done {
		return dberr.Invalid("transaction already finished")
	}
	key := EdgeKey(id)
	head, err := tx.loadRowForWrite(pager.TreeEdges, key)
	if err != nil {
		return err
	}
	row, err := DecodeEdgeRow(head.Payload)
	if err != nil {
		return err
	}

	ptr, inline, err := tx.supersede(mvcc.SpaceEdge, id, head)
	if err != nil {
		return err
	}
	v := &VersionedRow{
		Header: mvcc.Header{
			CommitBegin: tx.commit,
			CommitEnd:   mvcc.CommitMax,
			Flags:       mvcc.FlagPending | mvcc.FlagTombstone,
		},
		PrevPtr: ptr,
		Inline:  inline,
	}
	if err := tx.trees[pager.TreeEdges].Put(tx.guard, key, EncodeVersionedRow(v)); err != nil {
		return err
	}
	tx.markTouched(pager.TreeEdges, key)

	if err := tx.closeUnit(pager.TreeFwdAdj, AdjKey(row.Src, row.Type, row.Dst, id)); err != nil {
		return err
	}
	if err := tx.closeUnit(pager.TreeRevAdj, AdjKey(row.Dst, row.Type, row.Src, id)); err != nil {
		return err
	}
	tx.syncRoots()
	return nil
}
