package query

import (
	"github.com/sombra-db/sombra/internal/dberr"
	"github.com/sombra-db/sombra/internal/graph"
)

// ───────────────────────────────────────────────────────────────────────────
// Predicates
// ───────────────────────────────────────────────────────────────────────────
//
// Predicates evaluate against one node row with explicit null semantics:
//
//   p = NULL        matches when the property is absent or explicitly null
//   p IS NULL       same
//   p IS NOT NULL   matches only a present, non-null value
//   p = v           a null or absent property never equals a value
//   p < v, p > v …  false when the property is absent or null; an error
//                   when v is null or of a different type than p
//
// Cross-kind comparisons (bytes vs int) fail with Invalid; the error is
// surfaced for that row only.

// CmpOp is a comparison operator.
type CmpOp uint8

const (
	OpEq CmpOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (o CmpOp) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return "?"
	}
}

// Predicate tests one node row.
type Predicate interface {
	Eval(node *graph.NodeRow) (bool, error)
}

// Cmp compares a property against a constant.
type Cmp struct {
	Prop  graph.PropID
	Op    CmpOp
	Value graph.Value
}

func (c Cmp) Eval(node *graph.NodeRow) (bool, error) {
	v, present := node.Prop(c.Prop)
	isNull := !present || v.IsNull()
	if c.Value.IsNull() {
		// Equality against null matches absent-or-null; inequality matches
		// the rest. Ordering against null is meaningless.
		switch c.Op {
		case OpEq:
			return isNull, nil
		case OpNe:
			return !isNull, nil
		default:
			return false, dberr.Invalid("cannot order against null")
		}
	}
	if isNull {
		return false, nil // null equals and orders with nothing
	}
	switch c.Op {
	case OpEq:
		return v.Equal(c.Value), nil
	case OpNe:
		if v.Kind != c.Value.Kind {
			return true, nil
		}
		return !v.Equal(c.Value), nil
	}
	cmp, err := v.Compare(c.Value)
	if err != nil {
		return false, err
	}
	switch c.Op {
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	}
	return false, dberr.Invalid("unknown comparison operator %d", c.Op)
}

// Between tests Lo <= p <= Hi.
type Between struct {
	Prop   graph.PropID
	Lo, Hi graph.Value
}

func (b Between) Eval(node *graph.NodeRow) (bool, error) {
	v, present := node.Prop(b.Prop)
	if !present || v.IsNull() {
		return false, nil
	}
	lo, err := v.Compare(b.Lo)
	if err != nil {
		return false, err
	}
	if lo < 0 {
		return false, nil
	}
	hi, err := v.Compare(b.Hi)
	if err != nil {
		return false, err
	}
	return hi <= 0, nil
}

// In tests membership in a constant list. Null list elements never match.
type In struct {
	Prop   graph.PropID
	Values []graph.Value
}

func (i In) Eval(node *graph.NodeRow) (bool, error) {
	v, present := node.Prop(i.Prop)
	if !present || v.IsNull() {
		return false, nil
	}
	for _, c := range i.Values {
		if v.Equal(c) {
			return true, nil
		}
	}
	return false, nil
}

// Exists tests that the property is present, regardless of value.
type Exists struct {
	Prop graph.PropID
}

func (e Exists) Eval(node *graph.NodeRow) (bool, error) {
	_, present := node.Prop(e.Prop)
	return present, nil
}

// IsNull matches an absent or explicitly null property.
type IsNull struct {
	Prop graph.PropID
}

func (p IsNull) Eval(node *graph.NodeRow) (bool, error) {
	v, present := node.Prop(p.Prop)
	return !present || v.IsNull(), nil
}

// IsNotNull matches only a present, non-null value.
type IsNotNull struct {
	Prop graph.PropID
}

func (p IsNotNull) Eval(node *graph.NodeRow) (bool, error) {
	v, present := node.Prop(p.Prop)
	return present && !v.IsNull(), nil
}

// HasLabel tests label membership.
type HasLabel struct {
	Label graph.LabelID
}

func (h HasLabel) Eval(node *graph.NodeRow) (bool, error) {
	return node.HasLabel(h.Label), nil
}

// ───────────────────────────────────────────────────────────────────────────
// Boolean composition — explicit short-circuit
// ───────────────────────────────────────────────────────────────────────────

// And is short-circuit conjunction.
type And []Predicate

func (a And) Eval(node *graph.NodeRow) (bool, error) {
	for _, p := range a {
		ok, err := p.Eval(node)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Or is short-circuit disjunction.
type Or []Predicate

func (o Or) Eval(node *graph.NodeRow) (bool, error) {
	for _, p := range o {
		ok, err := p.Eval(node)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Not negates its operand.
type Not struct {
	P Predicate
}

func (n Not) Eval(node *graph.NodeRow) (bool, error) {
	ok, err := n.P.Eval(node)
	if err != nil {
		return false, err
	}
	return !ok, nil
}
