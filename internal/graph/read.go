package graph

import (
	"github.com/sombra-db/sombra/internal/btree"
	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/metrics"
	"github.com/sombra-db/sombra/internal/mvcc"
	"github.com/sombra-db/sombra/internal/pager"
)

// Direction selects adjacency orientation for traversal.
type Direction uint8

const (
	DirOut Direction = iota
	DirIn
)

// NeighborOpts configures a neighbor cursor.
type NeighborOpts struct {
	Type          *TypeID // nil = any type
	DistinctNodes bool    // deduplicate by neighbor id
}

// ───────────────────────────────────────────────────────────────────────────
// Point reads
// ───────────────────────────────────────────────────────────────────────────

// visibleRow walks a version chain to the version visible at snap: head
// first, then the inline previous image, then the version log via prevPtr.
func (s *Store) visibleRow(r btree.PageReader, tree *btree.Tree, vlog *mvcc.Log,
	space mvcc.Space, id uint64, key []byte, snap mvcc.CommitID) ([]byte, bool, error) {
	val, ok, err := tree.Get(r, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	head, err := DecodeVersionedRow(val)
	if err != nil {
		return nil, false, err
	}
	if head.Header.VisibleAt(snap) {
		return head.Payload, true, nil
	}
	// A tombstone whose window opened at or before the snapshot means the
	// row is deleted for this reader.
	if head.Header.Tombstone() && !head.Header.Pending() && head.Header.CommitBegin <= snap {
		return nil, false, nil
	}
	ptr := head.PrevPtr
	if head.Inline != nil {
		if head.Inline.Header.VisibleAt(snap) {
			return head.Inline.Payload, true, nil
		}
		ptr = head.Inline.PrevPtr
	}
	for ptr != 0 {
		entry, hit := s.vcache.Get(ptr)
		if hit {
			s.sink.Inc(metrics.MvccCacheHits, 1)
		} else {
			s.sink.Inc(metrics.MvccCacheMisses, 1)
			entry, err = vlog.Get(r, ptr)
			if err != nil {
				if dberr.IsNotFound(err) {
					// Pruned by vacuum; nothing older can be visible.
					return nil, false, nil
				}
				return nil, false, err
			}
			s.vcache.Put(ptr, entry)
		}
		if entry.Space != space || entry.ID != id {
			// Defensive: a chain must never cross rows.
			ptr = entry.PrevPtr
			continue
		}
		if entry.Header.VisibleAt(snap) {
			return entry.Payload, true, nil
		}
		ptr = entry.PrevPtr
	}
	return nil, false, nil
}

// GetNode returns the node visible at the transaction snapshot.
func (tx *ReadTx) GetNode(id NodeID) (*NodeRow, error) {
	payload, ok, err := tx.s.visibleRow(tx.reader(), tx.trees[pager.TreeNodes], tx.vlog,
		mvcc.SpaceNode, id, NodeKey(id), tx.snapshot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberr.NotFound("node %d", id)
	}
	return DecodeNodeRow(payload)
}

// GetEdge returns the edge visible at the transaction snapshot.
func (tx *ReadTx) GetEdge(id EdgeID) (*EdgeRow, error) {
	payload, ok, err := tx.s.visibleRow(tx.reader(), tx.trees[pager.TreeEdges], tx.vlog,
		mvcc.SpaceEdge, id, EdgeKey(id), tx.snapshot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberr.NotFound("edge %d", id)
	}
	return DecodeEdgeRow(payload)
}

// GetNode inside a write transaction sees committed state plus this
// transaction's own writes.
func (tx *WriteTx) GetNode(id NodeID) (*NodeRow, error) {
	head, err := tx.loadRowForWrite(pager.TreeNodes, NodeKey(id))
	if err != nil {
		return nil, err
	}
	return DecodeNodeRow(head.Payload)
}

// GetEdge inside a write transaction.
func (tx *WriteTx) GetEdge(id EdgeID) (*EdgeRow, error) {
	head, err := tx.loadRowForWrite(pager.TreeEdges, EdgeKey(id))
	if err != nil {
		return nil, err
	}
	return DecodeEdgeRow(head.Payload)
}

// ───────────────────────────────────────────────────────────────────────────
// Neighbor cursor
// ───────────────────────────────────────────────────────────────────────────

// Neighbor is one adjacency hit.
type Neighbor struct {
	Node NodeID
	Edge EdgeID
	Type TypeID
}

// NeighborCursor streams adjacency entries in sorted key order, filtered by
// snapshot visibility.
type NeighborCursor struct {
	cur      *btree.Cursor
	snapshot mvcc.CommitID
	distinct bool
	seen     map[NodeID]bool
	done     bool
}

// Neighbors streams the node's adjacency in the given direction, optionally
// restricted to one edge type.
func (tx *ReadTx) Neighbors(id NodeID, dir Direction, opts NeighborOpts) (*NeighborCursor, error) {
	tree := tx.trees[pager.TreeFwdAdj]
	if dir == DirIn {
		tree = tx.trees[pager.TreeRevAdj]
	}
	var prefix []byte
	if opts.Type != nil {
		prefix = AdjPrefixType(id, *opts.Type)
	} else {
		prefix = AdjPrefixNode(id)
	}
	cur, err := tree.Range(tx.reader(), prefix, PrefixSuccessor(prefix), true, false)
	if err != nil {
		return nil, err
	}
	distinct := opts.DistinctNodes || tx.s.opts.DistinctNeighborsDefault
	nc := &NeighborCursor{cur: cur, snapshot: tx.snapshot, distinct: distinct}
	if distinct {
		nc.seen = make(map[NodeID]bool)
	}
	return nc, nil
}

// Next returns the next visible neighbor, or ok=false at the end.
func (c *NeighborCursor) Next() (Neighbor, bool, error) {
	for !c.done {
		k, v, ok, err := c.cur.Next()
		if err != nil {
			return Neighbor{}, false, err
		}
		if !ok {
			c.done = true
			break
		}
		h, err := DecodeUnit(v)
		if err != nil {
			return Neighbor{}, false, err
		}
		if !UnitVisibleAt(h, c.snapshot) {
			continue
		}
		e, err := DecodeAdjKey(k)
		if err != nil {
			return Neighbor{}, false, err
		}
		if c.distinct {
			if c.seen[e.To] {
				continue
			}
			c.seen[e.To] = true
		}
		return Neighbor{Node: e.To, Edge: e.Edge, Type: e.Type}, true, nil
	}
	return Neighbor{}, false, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Index scans
// ───────────────────────────────────────────────────────────────────────────

// NodeIDCursor streams node ids in ascending order.
type NodeIDCursor struct {
	cur      *btree.Cursor
	snapshot mvcc.CommitID
	decode   func(key []byte) (NodeID, error)
	last     NodeID
	started  bool
	done     bool
}

// Next returns the next visible node id, deduplicated, or ok=false.
func (c *NodeIDCursor) Next() (NodeID, bool, error) {
	for !c.done {
		k, v, ok, err := c.cur.Next()
		if err != nil {
			return 0, false, err
		}
		if !ok {
			c.done = true
			break
		}
		h, err := DecodeUnit(v)
		if err != nil {
			return 0, false, err
		}
		if !UnitVisibleAt(h, c.snapshot) {
			continue
		}
		id, err := c.decode(k)
		if err != nil {
			return 0, false, err
		}
		if c.started && id == c.last {
			continue
		}
		c.started = true
		c.last = id
		return id, true, nil
	}
	return 0, false, nil
}

// LabelScan streams node ids carrying the label, ascending and deduplicated.
func (tx *ReadTx) LabelScan(label LabelID) (*NodeIDCursor, error) {
	prefix := LabelPrefix(label)
	cur, err := tx.trees[pager.TreeLabelIndex].Range(tx.reader(), prefix, PrefixSuccessor(prefix), true, false)
	if err != nil {
		return nil, err
	}
	return &NodeIDCursor{
		cur:      cur,
		snapshot: tx.snapshot,
		decode: func(k []byte) (NodeID, error) {
			_, id, err := DecodeLabelKey(k)
			return id, err
		},
	}, nil
}

// PropScanEq streams node ids whose property equals value under the label.
func (tx *ReadTx) PropScanEq(label LabelID, prop PropID, value Value) (*NodeIDCursor, error) {
	prefix, err := PropPrefixEq(label, prop, value)
	if err != nil {
		return nil, err
	}
	cur, err := tx.trees[pager.TreePropIndex].Range(tx.reader(), prefix, PrefixSuccessor(prefix), true, false)
	if err != nil {
		return nil, err
	}
	return &NodeIDCursor{cur: cur, snapshot: tx.snapshot, decode: PropKeyNode}, nil
}

// Bound is one end of a property range scan.
type Bound struct {
	Value     Value
	Inclusive bool
}

// PropScanRange streams node ids whose property falls in the given range.
// Bounds may be nil (unbounded). Mixed-kind bounds are rejected; binary
// order comparisons are only defined within one value kind.
func (tx *ReadTx) PropScanRange(label LabelID, prop PropID, lower, upper *Bound) (*NodeIDCursor, error) {
	if lower != nil && upper != nil && lower.Value.Kind != upper.Value.Kind {
		return nil, dberr.Invalid("range bounds mix %s and %s", lower.Value.Kind, upper.Value.Kind)
	}
	base := PropPrefix(label, prop)
	low := base
	lowIncl := true
	if lower != nil {
		k, err := PropPrefixEq(label, prop, lower.Value)
		if err != nil {
			return nil, err
		}
		if lower.Inclusive {
			low = k
		} else {
			low = PrefixSuccessor(k)
		}
	}
	var high []byte
	if upper != nil {
		k, err := PropPrefixEq(label, prop, upper.Value)
		if err != nil {
			return nil, err
		}
		if upper.Inclusive {
			high = PrefixSuccessor(k)
		} else {
			high = k
		}
	} else {
		high = PrefixSuccessor(base)
	}
	cur, err := tx.trees[pager.TreePropIndex].Range(tx.reader(), low, high, lowIncl, false)
	if err != nil {
		return nil, err
	}
	return &NodeIDCursor{cur: cur, snapshot: tx.snapshot, decode: PropKeyNode}, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Convenience reads
// ───────────────────────────────────────────────────────────────────────────

// NodesByLabel collects a label scan into a slice.
func (tx *ReadTx) NodesByLabel(label LabelID) ([]NodeID, error) {
	cur, err := tx.LabelScan(label)
	if err != nil {
		return nil, err
	}
	var out []NodeID
	for {
		id, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, id)
	}
}

// EdgesBetween lists visible edges from src to dst, any type.
func (tx *ReadTx) EdgesBetween(src, dst NodeID) ([]EdgeID, error) {
	prefix := AdjPrefixNode(src)
	cur, err := tx.trees[pager.TreeFwdAdj].Range(tx.reader(), prefix, PrefixSuccessor(prefix), true, false)
	if err != nil {
		return nil, err
	}
	var out []EdgeID
	for {
		k, v, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		h, err := DecodeUnit(v)
		if err != nil {
			return nil, err
		}
		if !UnitVisibleAt(h, tx.snapshot) {
			continue
		}
		e, err := DecodeAdjKey(k)
		if err != nil {
			return nil, err
		}
		if e.To == dst {
			out = append(out, e.Edge)
		}
	}
}

// CountNodes returns the number of nodes visible at the snapshot.
func (tx *ReadTx) CountNodes() (int, error) {
	return tx.countVisible(tx.trees[pager.TreeNodes], mvcc.SpaceNode)
}

// CountEdges returns the number of edges visible at the snapshot.
func (tx *ReadTx) CountEdges() (int, error) {
	return tx.countVisible(tx.trees[pager.TreeEdges], mvcc.SpaceEdge)
}

// AllNodeIDs lists every node id visible at the snapshot.
func (tx *ReadTx) AllNodeIDs() ([]NodeID, error) {
	cur, err := tx.trees[pager.TreeNodes].Range(tx.reader(), nil, nil, true, true)
	if err != nil {
		return nil, err
	}
	var out []NodeID
	for {
		k, _, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		id, err := DecodeID(k)
		if err != nil {
			return nil, err
		}
		_, visible, err := tx.s.visibleRow(tx.reader(), tx.trees[pager.TreeNodes], tx.vlog,
			mvcc.SpaceNode, id, k, tx.snapshot)
		if err != nil {
			return nil, err
		}
		if visible {
			out = append(out, id)
		}
	}
}

// VersionLogSize counts version-log entries (diagnostics).
func (tx *ReadTx) VersionLogSize() (int, error) {
	return tx.trees[pager.TreeVersionLog].Count(tx.reader())
}

func (tx *ReadTx) countVisible(tree *btree.Tree, space mvcc.Space) (int, error) {
	cur, err := tree.Range(tx.reader(), nil, nil, true, true)
	if err != nil {
		return 0, err
	}
	count := 0
	for {
		k, _, ok, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return count, nil
		}
		id, err := DecodeID(k)
		if err != nil {
			return 0, err
		}
		_, visible, err := tx.s.visibleRow(tx.reader(), tree, tx.vlog, space, id, k, tx.snapshot)
		if err != nil {
			return 0, err
		}
		if visible {
			count++
		}
	}
}
