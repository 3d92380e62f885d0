package cypher

import (
	"strings"

	"github.com/ysankpia/nervusdb/pkg/value"
)

// PlanOperator is one line of an EXPLAIN listing.
type PlanOperator struct {
	Operator string
	Details  string
	Depth    int
}

// Describe lists the plan's operators, root first; children are indented
// one level deeper than their parent.
func (p *Plan) Describe() []PlanOperator {
	var out []PlanOperator
	var visit func(op operator, depth int)
	visit = func(op operator, depth int) {
		name, details := op.describe()
		if _, isArg := op.(*argOp); !isArg {
			out = append(out, PlanOperator{Operator: name, Details: details, Depth: depth})
			depth++
		}
		for _, c := range op.children() {
			visit(c, depth)
		}
	}
	visit(p.root, 0)
	return out
}

// String renders the plan as an indented tree.
func (p *Plan) String() string {
	var sb strings.Builder
	for _, op := range p.Describe() {
		sb.WriteString(strings.Repeat("  ", op.Depth))
		sb.WriteString("+")
		sb.WriteString(op.Operator)
		if op.Details != "" {
			sb.WriteString(" ")
			sb.WriteString(op.Details)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// explainResult returns the plan as rows of (operator, details) without
// executing anything.
func explainResult(p *Plan) *Result {
	var rows []Row
	for _, op := range p.Describe() {
		rows = append(rows, Row{
			value.String(strings.Repeat("  ", op.Depth) + op.Operator),
			value.String(op.Details),
		})
	}
	return &Result{columns: []string{"operator", "details"}, it: &sliceIter{rows: rows}}
}
