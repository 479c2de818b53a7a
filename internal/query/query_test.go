package query

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/graph"
	"github.com/sombra-db/sombra/internal/pager"
)

const (
	labelUser graph.LabelID = 1
	propA     graph.PropID  = 1
	propAge   graph.PropID  = 2
	typeKnows graph.TypeID  = 5
)

func tmpStore(t *testing.T) *graph.Store {
	t.Helper()
	opts := pager.DefaultOptions()
	opts.PageSize = 512
	opts.CachePages = 64
	pg, err := pager.Open(filepath.Join(t.TempDir(), "query.db"), opts)
	require.NoError(t, err)
	s, err := graph.Open(pg, graph.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		pg.Close()
	})
	return s
}

func addUser(t *testing.T, s *graph.Store, props ...graph.PropEntry) graph.NodeID {
	t.Helper()
	tx, err := s.Begin()
	require.NoError(t, err)
	id, err := tx.CreateNode(graph.NodeSpec{Labels: []graph.LabelID{labelUser}, Props: props})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return id
}

func run(t *testing.T, s *graph.Store, plan Plan, fields []Field) []OutputRow {
	t.Helper()
	tx := s.BeginRead()
	t.Cleanup(tx.Release)
	res, err := Execute(tx, plan, fields, ExecOptions{Log: zerolog.Nop()})
	require.NoError(t, err)
	rows, err := res.Collect()
	require.NoError(t, err)
	return rows
}

func bindings(t *testing.T, s *graph.Store, plan Plan) []*Binding {
	t.Helper()
	tx := s.BeginRead()
	t.Cleanup(tx.Release)
	ctx := NewExecContext(tx, nil, zerolog.Nop())
	stream, err := plan.open(ctx)
	require.NoError(t, err)
	var out []*Binding
	for {
		b, err := stream.TryNext()
		require.NoError(t, err)
		if b == nil {
			return out
		}
		out = append(out, b)
	}
}

func TestLabelScan_SortedDistinct(t *testing.T) {
	s := tmpStore(t)
	a := addUser(t, s)
	b := addUser(t, s)
	rows := bindings(t, s, &LabelScan{Label: labelUser, Var: "n"})
	require.Len(t, rows, 2)
	id0, _ := rows[0].Get("n")
	id1, _ := rows[1].Get("n")
	require.Equal(t, a, id0)
	require.Equal(t, b, id1)
}

// Predicate NULL semantics over {a: Int(1)}, {a: Null}, {}.
func TestFilter_NullSemantics(t *testing.T) {
	s := tmpStore(t)
	withInt := addUser(t, s, graph.PropEntry{Prop: propA, Value: graph.IntValue(1)})
	withNull := addUser(t, s, graph.PropEntry{Prop: propA, Value: graph.Null()})
	without := addUser(t, s)

	ids := func(pred Predicate) []graph.NodeID {
		rows := bindings(t, s, &Filter{
			Input: &LabelScan{Label: labelUser, Var: "n"},
			Var:   "n",
			Pred:  pred,
		})
		var out []graph.NodeID
		for _, b := range rows {
			id, _ := b.Get("n")
			out = append(out, id)
		}
		return out
	}

	// a = NULL matches absent or explicitly null.
	require.ElementsMatch(t, []graph.NodeID{withNull, without},
		ids(Cmp{Prop: propA, Op: OpEq, Value: graph.Null()}))
	// a IS NULL matches the same rows.
	require.ElementsMatch(t, []graph.NodeID{withNull, without},
		ids(IsNull{Prop: propA}))
	// a IS NOT NULL matches only the Int row.
	require.Equal(t, []graph.NodeID{withInt}, ids(IsNotNull{Prop: propA}))
	// a = 1 matches only the Int row.
	require.Equal(t, []graph.NodeID{withInt},
		ids(Cmp{Prop: propA, Op: OpEq, Value: graph.IntValue(1)}))
}

func TestFilter_TypeMismatchDoesNotPoisonStream(t *testing.T) {
	s := tmpStore(t)
	addUser(t, s, graph.PropEntry{Prop: propA, Value: graph.BytesValue([]byte{1})})
	good := addUser(t, s, graph.PropEntry{Prop: propA, Value: graph.IntValue(5)})

	tx := s.BeginRead()
	defer tx.Release()
	ctx := NewExecContext(tx, nil, zerolog.Nop())
	stream, err := (&Filter{
		Input: &LabelScan{Label: labelUser, Var: "n"},
		Var:   "n",
		Pred:  Cmp{Prop: propA, Op: OpGt, Value: graph.IntValue(0)},
	}).open(ctx)
	require.NoError(t, err)

	// First row: bytes > int is an Invalid error for that row only.
	_, err = stream.TryNext()
	require.True(t, dberr.IsKind(err, dberr.KindInvalid))
	// The stream continues with the next row.
	b, err := stream.TryNext()
	require.NoError(t, err)
	require.NotNil(t, b)
	id, _ := b.Get("n")
	require.Equal(t, good, id)
	end, err := stream.TryNext()
	require.NoError(t, err)
	require.Nil(t, end)
}

// Hash join narrows: users aged {20, 35}; join LabelScan(a) against
// Filter(age >= 30)(LabelScan(b)) on a = b yields one row with a = b.
func TestHashJoin_Narrows(t *testing.T) {
	s := tmpStore(t)
	addUser(t, s, graph.PropEntry{Prop: propAge, Value: graph.IntValue(20)})
	n35 := addUser(t, s, graph.PropEntry{Prop: propAge, Value: graph.IntValue(35)})

	rows := bindings(t, s, &HashJoin{
		Left:    &LabelScan{Label: labelUser, Var: "a"},
		LeftVar: "a",
		Right: &Filter{
			Input: &LabelScan{Label: labelUser, Var: "b"},
			Var:   "b",
			Pred:  Cmp{Prop: propAge, Op: OpGe, Value: graph.IntValue(30)},
		},
		RightVar: "b",
	})
	require.Len(t, rows, 1)
	a, _ := rows[0].Get("a")
	b, _ := rows[0].Get("b")
	require.Equal(t, n35, a)
	require.Equal(t, a, b)
}

func TestExpand_TraversesAndSkipsEmpty(t *testing.T) {
	s := tmpStore(t)
	a := addUser(t, s)
	b := addUser(t, s)
	addUser(t, s) // isolated

	tx, err := s.Begin()
	require.NoError(t, err)
	_, err = tx.CreateEdge(a, b, typeKnows, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	rows := bindings(t, s, &Expand{
		Input: &LabelScan{Label: labelUser, Var: "x"},
		From:  "x",
		To:    "y",
		Dir:   graph.DirOut,
	})
	require.Len(t, rows, 1)
	x, _ := rows[0].Get("x")
	y, _ := rows[0].Get("y")
	require.Equal(t, a, x)
	require.Equal(t, b, y)
}

func TestUnionIntersectDistinct(t *testing.T) {
	s := tmpStore(t)
	young := addUser(t, s, graph.PropEntry{Prop: propAge, Value: graph.IntValue(20)})
	old := addUser(t, s, graph.PropEntry{Prop: propAge, Value: graph.IntValue(40)})

	scan := func() Plan { return &LabelScan{Label: labelUser, Var: "n"} }
	union := bindings(t, s, &Union{Inputs: []Plan{scan(), scan()}, Dedup: false})
	require.Len(t, union, 4)
	dedup := bindings(t, s, &Union{Inputs: []Plan{scan(), scan()}, Dedup: true})
	require.Len(t, dedup, 2)

	inter := bindings(t, s, &Intersect{
		Inputs: []Plan{
			scan(),
			&Filter{Input: scan(), Var: "n", Pred: Cmp{Prop: propAge, Op: OpGt, Value: graph.IntValue(30)}},
		},
		Vars: []Var{"n"},
	})
	require.Len(t, inter, 1)
	id, _ := inter[0].Get("n")
	require.Equal(t, old, id)

	distinct := bindings(t, s, &Distinct{Input: &Union{Inputs: []Plan{scan(), scan()}}})
	require.Len(t, distinct, 2)
	_ = young
}

func TestPropIndexScanPlan(t *testing.T) {
	s := tmpStore(t)
	addUser(t, s, graph.PropEntry{Prop: propAge, Value: graph.IntValue(20)})
	n35 := addUser(t, s, graph.PropEntry{Prop: propAge, Value: graph.IntValue(35)})

	eq35 := graph.IntValue(35)
	rows := bindings(t, s, &PropIndexScan{
		Label: labelUser, Prop: propAge,
		Pred: IndexPred{Eq: &eq35},
		Var:  "n",
	})
	require.Len(t, rows, 1)
	id, _ := rows[0].Get("n")
	require.Equal(t, n35, id)

	rows = bindings(t, s, &PropIndexScan{
		Label: labelUser, Prop: propAge,
		Pred: IndexPred{Lower: &graph.Bound{Value: graph.IntValue(30), Inclusive: true}},
		Var:  "n",
	})
	require.Len(t, rows, 1)
}

func TestCancellation(t *testing.T) {
	s := tmpStore(t)
	addUser(t, s)
	addUser(t, s)

	tx := s.BeginRead()
	defer tx.Release()
	var cancel Cancel
	ctx := NewExecContext(tx, &cancel, zerolog.Nop())
	stream, err := (&LabelScan{Label: labelUser, Var: "n"}).open(ctx)
	require.NoError(t, err)

	b, err := stream.TryNext()
	require.NoError(t, err)
	require.NotNil(t, b)

	cancel.Store(true)
	_, err = stream.TryNext()
	require.True(t, dberr.IsCancelled(err))
}

func TestProjection(t *testing.T) {
	s := tmpStore(t)
	id := addUser(t, s,
		graph.PropEntry{Prop: propA, Value: graph.StrValue("ada")},
		graph.PropEntry{Prop: propAge, Value: graph.IntValue(36)},
	)

	tx := s.BeginRead()
	defer tx.Release()
	age := propAge
	res, err := Execute(tx, &LabelScan{Label: labelUser, Var: "n"},
		[]Field{
			{Var: "n", Alias: "user"},
			{Var: "n", Prop: &age, PropName: "age", Alias: "years"},
		},
		ExecOptions{
			PropNames: map[graph.PropID]string{propA: "name", propAge: "age"},
			Log:       zerolog.Nop(),
		})
	require.NoError(t, err)
	rows, err := res.Collect()
	require.NoError(t, err)
	require.Len(t, rows, 1)

	user := rows[0]["user"]
	require.Equal(t, OutObject, user.Kind)
	require.Equal(t, id, user.Object.ID)
	require.Equal(t, "ada", user.Object.Props["name"].Str)

	years := rows[0]["years"]
	require.Equal(t, OutScalar, years.Kind)
	require.Equal(t, int64(36), years.Scalar.Int)

	require.NotEmpty(t, res.QueryID())
	require.NotZero(t, res.Profile()["LabelScan"])
}
