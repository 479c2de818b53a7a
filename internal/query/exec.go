// Package query implements the physical plan executor: pull-based streaming
// operators producing binding rows over snapshot reads, with cooperative
// cancellation and a per-query node cache.
package query

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/graph"
	"github.com/sombra-db/sombra/internal/metrics"
)

// Var names a query variable bound to a node id.
type Var = string

// Binding is one executor row: an ordered mapping Var → NodeID.
type Binding struct {
	vars []Var
	ids  []graph.NodeID
}

// NewBinding returns an empty binding row.
func NewBinding() *Binding { return &Binding{} }

// Get returns the id bound to v.
func (b *Binding) Get(v Var) (graph.NodeID, bool) {
	for i, name := range b.vars {
		if name == v {
			return b.ids[i], true
		}
	}
	return 0, false
}

// Extend returns a copy of b with v bound to id.
func (b *Binding) Extend(v Var, id graph.NodeID) *Binding {
	nb := &Binding{
		vars: append(append([]Var(nil), b.vars...), v),
		ids:  append(append([]graph.NodeID(nil), b.ids...), id),
	}
	return nb
}

// Vars lists the bound variables in binding order.
func (b *Binding) Vars() []Var { return b.vars }

// Compatible reports whether two bindings agree on every shared variable.
func (b *Binding) Compatible(o *Binding) bool {
	for i, v := range b.vars {
		if id, ok := o.Get(v); ok && id != b.ids[i] {
			return false
		}
	}
	return true
}

// Merge unions two compatible bindings.
func (b *Binding) Merge(o *Binding) *Binding {
	out := &Binding{
		vars: append([]Var(nil), b.vars...),
		ids:  append([]graph.NodeID(nil), b.ids...),
	}
	for i, v := range o.vars {
		if _, ok := out.Get(v); !ok {
			out.vars = append(out.vars, v)
			out.ids = append(out.ids, o.ids[i])
		}
	}
	return out
}

// key is the canonical dedup form: sorted var=id pairs.
func (b *Binding) key() string {
	idx := make([]int, len(b.vars))
	for i := range idx {
		idx[i] = i
	}
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && b.vars[idx[j]] < b.vars[idx[j-1]]; j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
	out := make([]byte, 0, len(b.vars)*12)
	for _, i := range idx {
		out = append(out, b.vars[i]...)
		out = append(out, '=')
		id := b.ids[i]
		for s := 56; s >= 0; s -= 8 {
			out = append(out, byte(id>>uint(s)))
		}
		out = append(out, ';')
	}
	return string(out)
}

// ───────────────────────────────────────────────────────────────────────────
// Streams and execution context
// ───────────────────────────────────────────────────────────────────────────

// Stream is a pull-based operator output. TryNext returns (nil, nil) at the
// end of the stream. A non-nil error does not necessarily end the stream:
// per-row predicate failures surface as errors while the stream remains
// usable.
type Stream interface {
	TryNext() (*Binding, error)
}

// Cancel is the shared cancellation flag checked between rows.
type Cancel = atomic.Bool

// ExecContext carries per-query state shared across operators.
type ExecContext struct {
	Tx      *graph.ReadTx
	Cancel  *Cancel
	QueryID string
	Log     zerolog.Logger

	nodeMu    sync.Mutex
	nodeCache map[graph.NodeID]*graph.NodeRow

	profileMu sync.Mutex
	profile   map[string]uint64
}

// NewExecContext builds the context for one query.
func NewExecContext(tx *graph.ReadTx, cancel *Cancel, log zerolog.Logger) *ExecContext {
	if cancel == nil {
		cancel = &atomic.Bool{}
	}
	return &ExecContext{
		Tx:        tx,
		Cancel:    cancel,
		QueryID:   uuid.NewString(),
		Log:       log,
		nodeCache: make(map[graph.NodeID]*graph.NodeRow),
		profile:   make(map[string]uint64),
	}
}

func (c *ExecContext) cancelled() error {
	if c.Cancel.Load() {
		return dberr.Cancelled()
	}
	return nil
}

// Node fetches a node row through the per-query cache.
func (c *ExecContext) Node(id graph.NodeID) (*graph.NodeRow, error) {
	c.nodeMu.Lock()
	if row, ok := c.nodeCache[id]; ok {
		c.nodeMu.Unlock()
		return row, nil
	}
	c.nodeMu.Unlock()
	row, err := c.Tx.GetNode(id)
	if err != nil {
		return nil, err
	}
	c.nodeMu.Lock()
	c.nodeCache[id] = row
	c.nodeMu.Unlock()
	return row, nil
}

func (c *ExecContext) countRow(op string) {
	c.profileMu.Lock()
	c.profile[op]++
	c.profileMu.Unlock()
}

// Profile returns per-operator emitted row counts.
func (c *ExecContext) Profile() map[string]uint64 {
	c.profileMu.Lock()
	defer c.profileMu.Unlock()
	out := make(map[string]uint64, len(c.profile))
	for k, v := range c.profile {
		out[k] = v
	}
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// Output rows
// ───────────────────────────────────────────────────────────────────────────

// OutKind tags an output value.
type OutKind uint8

const (
	OutScalar OutKind = iota // a property value (or null)
	OutNodeID
	OutObject
)

// NodeObject is a projected node: its id plus resolved property names.
type NodeObject struct {
	ID    graph.NodeID
	Props map[string]graph.Value
}

// OutValue is one projected output value.
type OutValue struct {
	Kind   OutKind
	Scalar graph.Value
	Node   graph.NodeID
	Object *NodeObject
}

// OutputRow maps aliases to projected values.
type OutputRow map[string]OutValue

// Field selects what Project emits for one output column.
type Field struct {
	// Var projection: emit the bound node as an object.
	Var   Var
	Alias string
	// Prop projection: emit one property of the bound node as a scalar.
	Prop     *graph.PropID
	PropName string
}

// ExecOptions configures Execute.
type ExecOptions struct {
	Cancel    *Cancel
	Profile   bool
	PropNames map[graph.PropID]string // resolves ids in Var projections
	Log       zerolog.Logger
	Metrics   metrics.Sink
}

// Result is a terminal stream of output rows.
type Result struct {
	ctx    *ExecContext
	stream Stream
	fields []Field
	names  map[graph.PropID]string
	sink   metrics.Sink
}

// Execute builds the operator tree for plan and returns the result stream.
func Execute(tx *graph.ReadTx, plan Plan, project []Field, opts ExecOptions) (*Result, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	ctx := NewExecContext(tx, opts.Cancel, opts.Log)
	stream, err := plan.open(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{ctx: ctx, stream: stream, fields: project, names: opts.PropNames, sink: opts.Metrics}, nil
}

// TryNext returns the next output row, or (nil, nil) at the end.
func (r *Result) TryNext() (OutputRow, error) {
	b, err := r.stream.TryNext()
	if err != nil {
		if dberr.IsCancelled(err) {
			r.sink.Inc(metrics.QueryCancelled, 1)
		}
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	row := make(OutputRow, len(r.fields))
	for _, f := range r.fields {
		alias := f.Alias
		if alias == "" {
			alias = f.Var
		}
		id, ok := b.Get(f.Var)
		if !ok {
			return nil, dberr.Invalid("projection references unbound variable %q", f.Var)
		}
		if f.Prop != nil {
			node, err := r.ctx.Node(id)
			if err != nil {
				if dberr.IsNotFound(err) {
					row[alias] = OutValue{Kind: OutScalar, Scalar: graph.Null()}
					continue
				}
				return nil, err
			}
			v, present := node.Prop(*f.Prop)
			if !present {
				v = graph.Null()
			}
			row[alias] = OutValue{Kind: OutScalar, Scalar: v}
			continue
		}
		node, err := r.ctx.Node(id)
		if err != nil {
			if dberr.IsNotFound(err) {
				row[alias] = OutValue{Kind: OutNodeID, Node: id}
				continue
			}
			return nil, err
		}
		obj := &NodeObject{ID: id, Props: make(map[string]graph.Value, len(node.Props))}
		for _, p := range node.Props {
			name, ok := r.names[p.Prop]
			if !ok {
				continue
			}
			obj.Props[name] = p.Value
		}
		row[alias] = OutValue{Kind: OutObject, Object: obj}
	}
	r.sink.Inc(metrics.QueryRowsEmitted, 1)
	return row, nil
}

// Profile returns per-operator row counts collected during execution.
func (r *Result) Profile() map[string]uint64 { return r.ctx.Profile() }

// QueryID returns the diagnostic id attached to this query's log events.
func (r *Result) QueryID() string { return r.ctx.QueryID }

// Collect drains the stream. Per-row predicate errors abort the collect;
// use TryNext directly to skip bad rows.
func (r *Result) Collect() ([]OutputRow, error) {
	var out []OutputRow
	for {
		row, err := r.TryNext()
		if err != nil {
			return out, err
		}
		if row == nil {
			return out, nil
		}
		out = append(out, row)
	}
}
