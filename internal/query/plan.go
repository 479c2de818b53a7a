package query

import (
	"sort"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/graph"
)

// Plan is one physical operator node. Opening a plan builds its stream tree.
type Plan interface {
	open(ctx *ExecContext) (Stream, error)
}

// ───────────────────────────────────────────────────────────────────────────
// LabelScan
// ───────────────────────────────────────────────────────────────────────────

// LabelScan emits {Var → id} for each node in the label index, ascending and
// deduplicated.
type LabelScan struct {
	Label graph.LabelID
	Var   Var
}

type labelScanStream struct {
	ctx *ExecContext
	cur *graph.NodeIDCursor
	v   Var
}

func (p *LabelScan) open(ctx *ExecContext) (Stream, error) {
	cur, err := ctx.Tx.LabelScan(p.Label)
	if err != nil {
		return nil, err
	}
	return &labelScanStream{ctx: ctx, cur: cur, v: p.Var}, nil
}

func (s *labelScanStream) TryNext() (*Binding, error) {
	if err := s.ctx.cancelled(); err != nil {
		return nil, err
	}
	id, ok, err := s.cur.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	s.ctx.countRow("LabelScan")
	return NewBinding().Extend(s.v, id), nil
}

// ───────────────────────────────────────────────────────────────────────────
// PropIndexScan
// ───────────────────────────────────────────────────────────────────────────

// IndexPred is the restricted predicate an index scan accepts: equality or
// a bounded range. Anything richer belongs in a Filter above the scan.
type IndexPred struct {
	Eq    *graph.Value
	Lower *graph.Bound
	Upper *graph.Bound
}

// PropIndexScan emits {Var → id} from the property index.
type PropIndexScan struct {
	Label graph.LabelID
	Prop  graph.PropID
	Pred  IndexPred
	Var   Var
}

func (p *PropIndexScan) open(ctx *ExecContext) (Stream, error) {
	var cur *graph.NodeIDCursor
	var err error
	switch {
	case p.Pred.Eq != nil:
		if p.Pred.Lower != nil || p.Pred.Upper != nil {
			return nil, dberr.Invalid("index scan predicate mixes equality and range")
		}
		cur, err = ctx.Tx.PropScanEq(p.Label, p.Prop, *p.Pred.Eq)
	case p.Pred.Lower != nil || p.Pred.Upper != nil:
		cur, err = ctx.Tx.PropScanRange(p.Label, p.Prop, p.Pred.Lower, p.Pred.Upper)
	default:
		return nil, dberr.Invalid("index scan requires an equality or range predicate")
	}
	if err != nil {
		return nil, err
	}
	return &labelScanStream{ctx: ctx, cur: cur, v: p.Var}, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Expand
// ───────────────────────────────────────────────────────────────────────────

// Expand traverses adjacency from From to To for every input row.
type Expand struct {
	Input    Plan
	From     Var
	To       Var
	Dir      graph.Direction
	Type     *graph.TypeID
	Distinct bool
}

type expandStream struct {
	ctx   *ExecContext
	p     *Expand
	input Stream
	row   *Binding
	cur   *graph.NeighborCursor
}

func (p *Expand) open(ctx *ExecContext) (Stream, error) {
	in, err := p.Input.open(ctx)
	if err != nil {
		return nil, err
	}
	return &expandStream{ctx: ctx, p: p, input: in}, nil
}

func (s *expandStream) TryNext() (*Binding, error) {
	for {
		if err := s.ctx.cancelled(); err != nil {
			return nil, err
		}
		if s.cur == nil {
			row, err := s.input.TryNext()
			if err != nil {
				return nil, err
			}
			if row == nil {
				return nil, nil
			}
			from, ok := row.Get(s.p.From)
			if !ok {
				return nil, dberr.Invalid("expand source variable %q unbound", s.p.From)
			}
			cur, err := s.ctx.Tx.Neighbors(from, s.p.Dir, graph.NeighborOpts{
				Type:          s.p.Type,
				DistinctNodes: s.p.Distinct,
			})
			if err != nil {
				return nil, err
			}
			s.row = row
			s.cur = cur
		}
		n, ok, err := s.cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			s.cur = nil
			continue
		}
		// When the target is already bound the expansion is a semi-join.
		if bound, has := s.row.Get(s.p.To); has {
			if bound != n.Node {
				continue
			}
			s.ctx.countRow("Expand")
			return s.row, nil
		}
		s.ctx.countRow("Expand")
		return s.row.Extend(s.p.To, n.Node), nil
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Filter
// ───────────────────────────────────────────────────────────────────────────

// Filter drops rows whose bound node fails the predicate. Predicate type
// errors surface per row without ending the stream.
type Filter struct {
	Input Plan
	Var   Var
	Pred  Predicate
}

type filterStream struct {
	ctx   *ExecContext
	p     *Filter
	input Stream
}

func (p *Filter) open(ctx *ExecContext) (Stream, error) {
	in, err := p.Input.open(ctx)
	if err != nil {
		return nil, err
	}
	return &filterStream{ctx: ctx, p: p, input: in}, nil
}

func (s *filterStream) TryNext() (*Binding, error) {
	for {
		if err := s.ctx.cancelled(); err != nil {
			return nil, err
		}
		row, err := s.input.TryNext()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, nil
		}
		id, ok := row.Get(s.p.Var)
		if !ok {
			return nil, dberr.Invalid("filter variable %q unbound", s.p.Var)
		}
		node, err := s.ctx.Node(id)
		if err != nil {
			if dberr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		match, err := s.p.Pred.Eval(node)
		if err != nil {
			// Type mismatches poison only this row.
			return nil, err
		}
		if match {
			s.ctx.countRow("Filter")
			return row, nil
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Union
// ───────────────────────────────────────────────────────────────────────────

// Union concatenates its children, optionally suppressing repeated binding
// sets.
type Union struct {
	Inputs []Plan
	Dedup  bool
}

type unionStream struct {
	ctx     *ExecContext
	p       *Union
	streams []Stream
	idx     int
	seen    map[string]bool
}

func (p *Union) open(ctx *ExecContext) (Stream, error) {
	streams := make([]Stream, len(p.Inputs))
	for i, in := range p.Inputs {
		s, err := in.open(ctx)
		if err != nil {
			return nil, err
		}
		streams[i] = s
	}
	us := &unionStream{ctx: ctx, p: p, streams: streams}
	if p.Dedup {
		us.seen = make(map[string]bool)
	}
	return us, nil
}

func (s *unionStream) TryNext() (*Binding, error) {
	for s.idx < len(s.streams) {
		if err := s.ctx.cancelled(); err != nil {
			return nil, err
		}
		row, err := s.streams[s.idx].TryNext()
		if err != nil {
			return nil, err
		}
		if row == nil {
			s.idx++
			continue
		}
		if s.seen != nil {
			k := row.key()
			if s.seen[k] {
				continue
			}
			s.seen[k] = true
		}
		s.ctx.countRow("Union")
		return row, nil
	}
	return nil, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Intersect
// ───────────────────────────────────────────────────────────────────────────

// Intersect materializes every child and merges rows that agree on the
// first variable in Vars (and on every shared variable).
type Intersect struct {
	Inputs []Plan
	Vars   []Var
}

type intersectStream struct {
	ctx  *ExecContext
	rows []*Binding
	pos  int
}

func (p *Intersect) open(ctx *ExecContext) (Stream, error) {
	if len(p.Vars) == 0 {
		return nil, dberr.Invalid("intersect requires at least one variable")
	}
	if len(p.Inputs) == 0 {
		return &intersectStream{ctx: ctx}, nil
	}
	key := p.Vars[0]
	groups := make([]map[graph.NodeID][]*Binding, len(p.Inputs))
	for i, in := range p.Inputs {
		st, err := in.open(ctx)
		if err != nil {
			return nil, err
		}
		groups[i] = make(map[graph.NodeID][]*Binding)
		for {
			if err := ctx.cancelled(); err != nil {
				return nil, err
			}
			row, err := st.TryNext()
			if err != nil {
				return nil, err
			}
			if row == nil {
				break
			}
			id, ok := row.Get(key)
			if !ok {
				return nil, dberr.Invalid("intersect variable %q unbound in child %d", key, i)
			}
			groups[i][id] = append(groups[i][id], row)
		}
	}
	// Keys present in every child, ascending.
	var keys []graph.NodeID
	for id := range groups[0] {
		ok := true
		for _, g := range groups[1:] {
			if _, present := g[id]; !present {
				ok = false
				break
			}
		}
		if ok {
			keys = append(keys, id)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []*Binding
	for _, id := range keys {
		merged := groups[0][id]
		for _, g := range groups[1:] {
			var next []*Binding
			for _, a := range merged {
				for _, b := range g[id] {
					if a.Compatible(b) {
						next = append(next, a.Merge(b))
					}
				}
			}
			merged = next
			if len(merged) == 0 {
				break
			}
		}
		out = append(out, merged...)
	}
	return &intersectStream{ctx: ctx, rows: out}, nil
}

func (s *intersectStream) TryNext() (*Binding, error) {
	if err := s.ctx.cancelled(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.rows) {
		return nil, nil
	}
	row := s.rows[s.pos]
	s.pos++
	s.ctx.countRow("Intersect")
	return row, nil
}

// ───────────────────────────────────────────────────────────────────────────
// HashJoin
// ───────────────────────────────────────────────────────────────────────────

// HashJoin materializes the left input keyed by LeftVar and probes with the
// right stream keyed by RightVar. Joined rows bind both sides.
type HashJoin struct {
	Left     Plan
	Right    Plan
	LeftVar  Var
	RightVar Var
}

type hashJoinStream struct {
	ctx     *ExecContext
	p       *HashJoin
	table   map[graph.NodeID][]*Binding
	right   Stream
	current *Binding
	matches []*Binding
	mi      int
}

func (p *HashJoin) open(ctx *ExecContext) (Stream, error) {
	left, err := p.Left.open(ctx)
	if err != nil {
		return nil, err
	}
	table := make(map[graph.NodeID][]*Binding)
	for {
		if err := ctx.cancelled(); err != nil {
			return nil, err
		}
		row, err := left.TryNext()
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}
		id, ok := row.Get(p.LeftVar)
		if !ok {
			return nil, dberr.Invalid("join variable %q unbound on left side", p.LeftVar)
		}
		table[id] = append(table[id], row)
	}
	right, err := p.Right.open(ctx)
	if err != nil {
		return nil, err
	}
	return &hashJoinStream{ctx: ctx, p: p, table: table, right: right}, nil
}

func (s *hashJoinStream) TryNext() (*Binding, error) {
	for {
		if err := s.ctx.cancelled(); err != nil {
			return nil, err
		}
		if s.mi < len(s.matches) {
			left := s.matches[s.mi]
			s.mi++
			if !left.Compatible(s.current) {
				continue
			}
			s.ctx.countRow("HashJoin")
			// Join rows also equate the two join variables.
			merged := left.Merge(s.current)
			return merged, nil
		}
		row, err := s.right.TryNext()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, nil
		}
		id, ok := row.Get(s.p.RightVar)
		if !ok {
			return nil, dberr.Invalid("join variable %q unbound on right side", s.p.RightVar)
		}
		s.current = row
		s.matches = s.table[id]
		s.mi = 0
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Distinct
// ───────────────────────────────────────────────────────────────────────────

// Distinct deduplicates by the full binding map.
type Distinct struct {
	Input Plan
}

type distinctStream struct {
	ctx   *ExecContext
	input Stream
	seen  map[string]bool
}

func (p *Distinct) open(ctx *ExecContext) (Stream, error) {
	in, err := p.Input.open(ctx)
	if err != nil {
		return nil, err
	}
	return &distinctStream{ctx: ctx, input: in, seen: make(map[string]bool)}, nil
}

func (s *distinctStream) TryNext() (*Binding, error) {
	for {
		if err := s.ctx.cancelled(); err != nil {
			return nil, err
		}
		row, err := s.input.TryNext()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, nil
		}
		k := row.key()
		if s.seen[k] {
			continue
		}
		s.seen[k] = true
		s.ctx.countRow("Distinct")
		return row, nil
	}
}
