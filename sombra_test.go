package sombra

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sombra-db/sombra/internal/admin"
	"github.com/sombra-db/sombra/internal/graph"
	"github.com/sombra-db/sombra/internal/pager"
	"github.com/sombra-db/sombra/internal/query"
)

const (
	labelUser graph.LabelID = 1
	propName  graph.PropID  = 1
	propAge   graph.PropID  = 2
	typeKnows graph.TypeID  = 7
)

func openTmp(t *testing.T, mutate func(*Options)) *DB {
	t.Helper()
	opts := DefaultOptions()
	opts.Pager.PageSize = 512
	opts.StartVacuum = false
	if mutate != nil {
		mutate(&opts)
	}
	db, err := Open(filepath.Join(t.TempDir(), "e2e.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func addUser(t *testing.T, db *DB, name string, age int64) graph.NodeID {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	id, err := tx.CreateNode(graph.NodeSpec{
		Labels: []graph.LabelID{labelUser},
		Props: []graph.PropEntry{
			{Prop: propName, Value: graph.StrValue(name)},
			{Prop: propAge, Value: graph.IntValue(age)},
		},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return id
}

func TestEndToEnd_GraphAndQuery(t *testing.T) {
	db := openTmp(t, nil)
	ada := addUser(t, db, "ada", 36)
	bob := addUser(t, db, "bob", 20)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.CreateEdge(ada, bob, typeKnows, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	r := db.BeginRead()
	defer r.Release()
	res, err := db.Query(r,
		&query.Expand{
			Input: &query.LabelScan{Label: labelUser, Var: "a"},
			From:  "a", To: "b", Dir: graph.DirOut,
		},
		[]query.Field{{Var: "b", Alias: "friend"}},
		query.ExecOptions{PropNames: map[graph.PropID]string{propName: "name"}},
	)
	require.NoError(t, err)
	rows, err := res.Collect()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, bob, rows[0]["friend"].Object.ID)
	require.Equal(t, "bob", rows[0]["friend"].Object.Props["name"].Str)
}

// Group commit: with Normal sync, many small commits coalesce to few
// fsyncs; with Full sync every commit is covered by at least one.
func TestGroupCommit_SyncCounts(t *testing.T) {
	const commits = 100

	normal := openTmp(t, func(o *Options) {
		o.Pager.Synchronous = pager.SyncNormal
	})
	for i := 0; i < commits; i++ {
		addUser(t, normal, "u", int64(i))
	}
	ns := normal.Stats()
	require.Less(t, ns.Wal.Syncs, uint64(commits/2),
		"deferred sync should coalesce: %d syncs for %d commits", ns.Wal.Syncs, commits)

	full := openTmp(t, func(o *Options) {
		o.Pager.Synchronous = pager.SyncFull
	})
	for i := 0; i < commits; i++ {
		addUser(t, full, "u", int64(i))
	}
	fs := full.Stats()
	require.GreaterOrEqual(t, fs.Wal.Syncs, uint64(1))
	require.GreaterOrEqual(t, fs.Pager.Commits, uint64(commits))
}

func TestAdmin_VerifyAndStatus(t *testing.T) {
	db := openTmp(t, nil)
	a := addUser(t, db, "a", 1)
	b := addUser(t, db, "b", 2)
	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.CreateEdge(a, b, typeKnows, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Checkpoint())

	report, err := admin.Verify(db.Store())
	require.NoError(t, err)
	require.True(t, report.Ok(), "verify problems: %v", report.Problems)
	require.Equal(t, 2, report.NodesSeen)
	require.Equal(t, 1, report.EdgesSeen)
	require.Equal(t, report.AdjForward, report.AdjReverse)

	st, err := admin.Status(db.Store())
	require.NoError(t, err)
	require.NotZero(t, st.Commits.LatestCommitted)
	require.Equal(t, uint64(3), st.NextNodeID)
	require.Equal(t, uint64(2), st.NextEdgeID)
}

func TestReopen_PreservesGraph(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")
	opts := DefaultOptions()
	opts.Pager.PageSize = 512
	opts.StartVacuum = false

	db, err := Open(path, opts)
	require.NoError(t, err)
	id := addUser(t, db, "persist", 50)
	require.NoError(t, db.Close())

	db2, err := Open(path, opts)
	require.NoError(t, err)
	defer db2.Close()
	r := db2.BeginRead()
	defer r.Release()
	row, err := r.GetNode(id)
	require.NoError(t, err)
	v, ok := row.Prop(propName)
	require.True(t, ok)
	require.Equal(t, "persist", v.Str)
}

func TestVacuumEntryPoint(t *testing.T) {
	db := openTmp(t, nil)
	id := addUser(t, db, "v", 1)
	for i := 0; i < 3; i++ {
		tx, err := db.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.UpdateNode(id, graph.NodePatch{
			SetProps: []graph.PropEntry{{Prop: propAge, Value: graph.IntValue(int64(i))}},
		}))
		require.NoError(t, tx.Commit())
	}
	stats, err := db.Vacuum()
	require.NoError(t, err)
	require.NotZero(t, stats.Horizon)
}
