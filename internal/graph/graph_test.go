package graph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/pager"
)

const (
	labelAlpha LabelID = 1
	labelBeta  LabelID = 2
	labelGamma LabelID = 3
	propName   PropID  = 10
	propAge    PropID  = 11
	typeKnows  TypeID  = 100
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	opts := pager.DefaultOptions()
	opts.PageSize = 512
	opts.CachePages = 64
	pg, err := pager.Open(path, opts)
	require.NoError(t, err)
	s, err := Open(pg, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		pg.Close()
	})
	return s
}

func tmpStore(t *testing.T) *Store {
	return openStore(t, filepath.Join(t.TempDir(), "graph.db"))
}

func createNode(t *testing.T, s *Store, spec NodeSpec) NodeID {
	t.Helper()
	tx, err := s.Begin()
	require.NoError(t, err)
	id, err := tx.CreateNode(spec)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return id
}

func TestCreateNode_RoundTrip(t *testing.T) {
	s := tmpStore(t)
	spec := NodeSpec{
		Labels: []LabelID{labelAlpha},
		Props: []PropEntry{
			{Prop: propName, Value: StrValue("ada")},
			{Prop: propAge, Value: IntValue(36)},
		},
	}
	id := createNode(t, s, spec)

	tx := s.BeginRead()
	defer tx.Release()
	row, err := tx.GetNode(id)
	require.NoError(t, err)
	require.Equal(t, spec.Labels, row.Labels)
	name, ok := row.Prop(propName)
	require.True(t, ok)
	require.Equal(t, "ada", name.Str)
	age, ok := row.Prop(propAge)
	require.True(t, ok)
	require.Equal(t, int64(36), age.Int)
}

// Commit, checkpoint, reopen: the second labeled node must be findable by
// label scan alone.
func TestCommitCheckpointReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	opts := pager.DefaultOptions()
	opts.PageSize = 512
	pg, err := pager.Open(path, opts)
	require.NoError(t, err)
	s, err := Open(pg, DefaultOptions())
	require.NoError(t, err)

	createNode(t, s, NodeSpec{Labels: []LabelID{labelAlpha}})
	beta := createNode(t, s, NodeSpec{Labels: []LabelID{labelBeta}})
	createNode(t, s, NodeSpec{Labels: []LabelID{labelGamma}})

	require.NoError(t, pg.Checkpoint(pager.CheckpointForce))
	s.Close()
	require.NoError(t, pg.Close())

	s2 := openStore(t, path)
	tx := s2.BeginRead()
	defer tx.Release()
	ids, err := tx.NodesByLabel(labelBeta)
	require.NoError(t, err)
	require.Equal(t, []NodeID{beta}, ids)
}

// Rollback hides writes, and the rolled-back id is reused by the next
// transaction.
func TestRollbackHidesWritesAndReusesID(t *testing.T) {
	s := tmpStore(t)

	tx, err := s.Begin()
	require.NoError(t, err)
	id1, err := tx.CreateNode(NodeSpec{Props: []PropEntry{{Prop: propName, Value: StrValue("X")}}})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	r := s.BeginRead()
	_, err = r.GetNode(id1)
	require.True(t, dberr.IsNotFound(err), "rolled-back node visible: %v", err)
	r.Release()

	tx2, err := s.Begin()
	require.NoError(t, err)
	id2, err := tx2.CreateNode(NodeSpec{Props: []PropEntry{{Prop: propName, Value: StrValue("X")}}})
	require.NoError(t, err)
	require.NoError(t, tx2.Commit())
	require.Equal(t, id1, id2, "node id not reused after rollback")

	r2 := s.BeginRead()
	defer r2.Release()
	row, err := r2.GetNode(id2)
	require.NoError(t, err)
	v, _ := row.Prop(propName)
	require.Equal(t, "X", v.Str)
}

// Snapshot isolation: a reader keeps its view until released and reopened.
func TestSnapshotIsolation(t *testing.T) {
	s := tmpStore(t)
	createNode(t, s, NodeSpec{Labels: []LabelID{labelAlpha}})

	readerA := s.BeginRead()

	n2 := createNode(t, s, NodeSpec{Labels: []LabelID{labelAlpha}})

	ids, err := readerA.NodesByLabel(labelAlpha)
	require.NoError(t, err)
	require.Len(t, ids, 1, "reader A must not see the new commit")
	readerA.Release()

	readerB := s.BeginRead()
	defer readerB.Release()
	ids, err = readerB.NodesByLabel(labelAlpha)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Contains(t, ids, n2)
}

func TestUpdateNode_OldSnapshotWalksChain(t *testing.T) {
	s := tmpStore(t)
	id := createNode(t, s, NodeSpec{
		Labels: []LabelID{labelAlpha},
		Props:  []PropEntry{{Prop: propAge, Value: IntValue(1)}},
	})

	old := s.BeginRead()
	defer old.Release()

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.UpdateNode(id, NodePatch{SetProps: []PropEntry{{Prop: propAge, Value: IntValue(2)}}}))
	require.NoError(t, tx.Commit())

	row, err := old.GetNode(id)
	require.NoError(t, err)
	v, _ := row.Prop(propAge)
	require.Equal(t, int64(1), v.Int, "old snapshot must see the superseded version")

	fresh := s.BeginRead()
	defer fresh.Release()
	row2, err := fresh.GetNode(id)
	require.NoError(t, err)
	v2, _ := row2.Prop(propAge)
	require.Equal(t, int64(2), v2.Int)
}

func TestEdges_AdjacencyMirror(t *testing.T) {
	s := tmpStore(t)
	a := createNode(t, s, NodeSpec{Labels: []LabelID{labelAlpha}})
	b := createNode(t, s, NodeSpec{Labels: []LabelID{labelBeta}})

	tx, err := s.Begin()
	require.NoError(t, err)
	e, err := tx.CreateEdge(a, b, typeKnows, []PropEntry{{Prop: propName, Value: StrValue("since-2019")}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	r := s.BeginRead()
	out, err := r.Neighbors(a, DirOut, NeighborOpts{})
	require.NoError(t, err)
	n, ok, err := out.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b, n.Node)
	require.Equal(t, e, n.Edge)

	in, err := r.Neighbors(b, DirIn, NeighborOpts{})
	require.NoError(t, err)
	m, ok, err := in.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, m.Node)
	require.Equal(t, e, m.Edge)
	r.Release()

	// Delete and verify both directions are gone, and the edge row reads
	// as NotFound.
	tx2, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, tx2.DeleteEdge(e))
	require.NoError(t, tx2.Commit())

	r2 := s.BeginRead()
	defer r2.Release()
	_, err = r2.GetEdge(e)
	require.True(t, dberr.IsNotFound(err))
	out2, err := r2.Neighbors(a, DirOut, NeighborOpts{})
	require.NoError(t, err)
	_, ok, err = out2.Next()
	require.NoError(t, err)
	require.False(t, ok, "forward adjacency survived delete")
	in2, err := r2.Neighbors(b, DirIn, NeighborOpts{})
	require.NoError(t, err)
	_, ok, err = in2.Next()
	require.NoError(t, err)
	require.False(t, ok, "reverse adjacency survived delete")
}

func TestDeleteNode_RestrictAndDetach(t *testing.T) {
	s := tmpStore(t)
	a := createNode(t, s, NodeSpec{})
	b := createNode(t, s, NodeSpec{})

	tx, err := s.Begin()
	require.NoError(t, err)
	e, err := tx.CreateEdge(a, b, typeKnows, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := s.Begin()
	require.NoError(t, err)
	err = tx2.DeleteNode(a, DeleteNodeOpts{Mode: DeleteRestrict})
	require.True(t, dberr.IsKind(err, dberr.KindInvalid), "restrict delete must fail: %v", err)
	require.NoError(t, tx2.Rollback())

	tx3, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, tx3.DeleteNode(a, DeleteNodeOpts{Mode: DeleteDetach}))
	require.NoError(t, tx3.Commit())

	r := s.BeginRead()
	defer r.Release()
	_, err = r.GetNode(a)
	require.True(t, dberr.IsNotFound(err))
	_, err = r.GetEdge(e)
	require.True(t, dberr.IsNotFound(err), "detach must cascade to edges")
	row, err := r.GetNode(b)
	require.NoError(t, err)
	require.NotNil(t, row)
}

func TestPropScans(t *testing.T) {
	s := tmpStore(t)
	mk := func(age int64) NodeID {
		return createNode(t, s, NodeSpec{
			Labels: []LabelID{labelAlpha},
			Props:  []PropEntry{{Prop: propAge, Value: IntValue(age)}},
		})
	}
	n20 := mk(20)
	n30 := mk(30)
	n40 := mk(40)

	r := s.BeginRead()
	defer r.Release()

	eq, err := r.PropScanEq(labelAlpha, propAge, IntValue(30))
	require.NoError(t, err)
	id, ok, err := eq.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, n30, id)
	_, ok, err = eq.Next()
	require.NoError(t, err)
	require.False(t, ok)

	collect := func(lower, upper *Bound) []NodeID {
		cur, err := r.PropScanRange(labelAlpha, propAge, lower, upper)
		require.NoError(t, err)
		var out []NodeID
		for {
			id, ok, err := cur.Next()
			require.NoError(t, err)
			if !ok {
				return out
			}
			out = append(out, id)
		}
	}
	got := collect(&Bound{Value: IntValue(25), Inclusive: true}, nil)
	require.ElementsMatch(t, []NodeID{n30, n40}, got)
	got = collect(&Bound{Value: IntValue(20), Inclusive: false}, &Bound{Value: IntValue(40), Inclusive: false})
	require.Equal(t, []NodeID{n30}, got)
	got = collect(nil, &Bound{Value: IntValue(30), Inclusive: true})
	require.ElementsMatch(t, []NodeID{n20, n30}, got)
}

func TestVacuum_PrunesDeadVersions(t *testing.T) {
	s := tmpStore(t)
	id := createNode(t, s, NodeSpec{Props: []PropEntry{{Prop: propAge, Value: IntValue(0)}}})
	for i := int64(1); i <= 5; i++ {
		tx, err := s.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.UpdateNode(id, NodePatch{SetProps: []PropEntry{{Prop: propAge, Value: IntValue(i)}}}))
		require.NoError(t, tx.Commit())
	}
	r := s.BeginRead()
	before, err := r.VersionLogSize()
	require.NoError(t, err)
	require.Equal(t, 5, before)
	r.Release()

	stats, err := s.VacuumOnce()
	require.NoError(t, err)
	require.Greater(t, stats.VersionsPruned, 0)

	r2 := s.BeginRead()
	defer r2.Release()
	after, err := r2.VersionLogSize()
	require.NoError(t, err)
	require.Less(t, after, before)
	row, err := r2.GetNode(id)
	require.NoError(t, err)
	v, _ := row.Prop(propAge)
	require.Equal(t, int64(5), v.Int)
}

func TestVacuum_RespectsActiveReaders(t *testing.T) {
	s := tmpStore(t)
	id := createNode(t, s, NodeSpec{Props: []PropEntry{{Prop: propAge, Value: IntValue(1)}}})

	old := s.BeginRead()
	defer old.Release()

	tx, err := s.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.UpdateNode(id, NodePatch{SetProps: []PropEntry{{Prop: propAge, Value: IntValue(2)}}}))
	require.NoError(t, tx.Commit())

	_, err = s.VacuumOnce()
	require.NoError(t, err)

	// The old reader's version must have survived.
	row, err := old.GetNode(id)
	require.NoError(t, err)
	v, _ := row.Prop(propAge)
	require.Equal(t, int64(1), v.Int)
}

func TestWriterConflictSurfacesInvalid(t *testing.T) {
	s := tmpStore(t)
	tx, err := s.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = s.Begin()
	require.True(t, dberr.IsKind(err, dberr.KindInvalid))
}
