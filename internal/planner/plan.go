package planner

import (
	"fmt"
	"math"
	"strings"

	"duckdp/internal/domain"
	"duckdp/internal/metadata"
	"duckdp/internal/noise"
)

// DefaultMinGroupSize is the suppression threshold used when none is configured.
const DefaultMinGroupSize = 5

// Options configures planning.
type Options struct {
	Epsilon float64 // total epsilon for the query, split across measurements

	// Mechanism is the noise mechanism the plan is calibrated for. Delta is
	// the total δ of a Gaussian query and is split across measurements like
	// epsilon; it is ignored for Laplace.
	Mechanism noise.Kind
	Delta     float64

	// MinGroupSize is the smallest true group size that may be released.
	// 0 disables suppression. A table's min_group_size overrides it.
	MinGroupSize int
}

// Measurement is one noisy statistic released per group. Outputs are
// derived from measurements: AVG is a noisy SUM over a noisy COUNT.
type Measurement struct {
	Func        domain.AggregateFunc // AggCount, AggSum, AggMin or AggMax
	Column      *metadata.Column     // nil for COUNT(*)
	Sensitivity float64
	Epsilon     float64
	Delta       float64 // 0 unless the plan is Gaussian
}

// String renders the measurement as SQL-like text, e.g. "SUM(income)".
func (m Measurement) String() string {
	if m.Column == nil {
		return m.Func.String() + "(*)"
	}
	return fmt.Sprintf("%s(%s)", m.Func, m.Column.Name)
}

// AggregateSpec describes one aggregate output of the plan.
type AggregateSpec struct {
	Output       int // index into Query.Outputs
	Func         domain.AggregateFunc
	Column       *metadata.Column
	Sensitivity  float64 // AVG: sensitivity of the numerator
	Type         domain.ValueType
	Measurements []int // indexes into AggregationPlan.Measurements; AVG is [sum, count]
}

// AggregationPlan is the executable form of a bound query.
type AggregationPlan struct {
	Query        *Query
	Table        *metadata.Table
	GroupBy      []*metadata.Column
	Aggregates   []AggregateSpec
	Measurements []Measurement
	Epsilon      float64
	Mechanism    noise.Kind
	Delta        float64 // composed δ over all measurements

	// MinGroupSize is the effective suppression threshold; Suppress is false
	// when the query has no GROUP BY or the table opts out.
	MinGroupSize int
	Suppress     bool
}

// ValidateEpsilon fails with InvalidBudgetError unless eps is finite and positive.
func ValidateEpsilon(eps float64) error {
	if math.IsNaN(eps) || math.IsInf(eps, 0) || eps <= 0 {
		return domain.ErrInvalidBudget("epsilon must be a positive finite number, got %g", eps)
	}
	return nil
}

// Plan derives sensitivities and noisy measurements for a bound query.
// Fails with UnboundedColumnError when SUM, AVG, MIN or MAX target a column
// without both bounds.
func Plan(q *Query, opts Options) (*AggregationPlan, error) {
	if err := ValidateEpsilon(opts.Epsilon); err != nil {
		return nil, err
	}
	if opts.MinGroupSize < 0 {
		return nil, domain.ErrValidation("min group size must be >= 0, got %d", opts.MinGroupSize)
	}
	kind := opts.Mechanism
	if kind == "" {
		kind = noise.KindLaplace
	}
	delta := 0.0
	if kind == noise.KindGaussian {
		if math.IsNaN(opts.Delta) || opts.Delta <= 0 || opts.Delta >= 1 {
			return nil, domain.ErrInvalidBudget("delta must be in (0, 1), got %g", opts.Delta)
		}
		delta = opts.Delta
	}

	t := q.Table
	p := &AggregationPlan{
		Query:     q,
		Table:     t,
		GroupBy:   q.GroupBy,
		Epsilon:   opts.Epsilon,
		Mechanism: kind,
		Delta:     delta,
	}
	maxIDs := float64(t.MaxIDs)

	for i, out := range q.Outputs {
		if out.Kind != OutputAggregate {
			continue
		}
		spec := AggregateSpec{Output: i, Func: out.Func, Column: out.Column}

		switch out.Func {
		case domain.AggCount:
			spec.Sensitivity = maxIDs
			spec.Type = domain.ValueInt
			spec.Measurements = []int{p.measure(domain.AggCount, countTarget(out.Column), maxIDs)}

		case domain.AggSum:
			if err := requireBounds(t, out); err != nil {
				return nil, err
			}
			spec.Sensitivity = out.Column.MaxAbs() * maxIDs
			spec.Type = domain.ValueTypeOf(out.Column.Type)
			spec.Measurements = []int{p.measure(domain.AggSum, out.Column, spec.Sensitivity)}

		case domain.AggAvg:
			if err := requireBounds(t, out); err != nil {
				return nil, err
			}
			spec.Sensitivity = out.Column.MaxAbs() * maxIDs
			spec.Type = domain.ValueFloat
			spec.Measurements = []int{
				p.measure(domain.AggSum, out.Column, spec.Sensitivity),
				p.measure(domain.AggCount, countTarget(out.Column), maxIDs),
			}

		case domain.AggMin, domain.AggMax:
			if err := requireBounds(t, out); err != nil {
				return nil, err
			}
			spec.Sensitivity = out.Column.Range() * maxIDs
			spec.Type = domain.ValueTypeOf(out.Column.Type)
			spec.Measurements = []int{p.measure(out.Func, out.Column, spec.Sensitivity)}

		default:
			return nil, domain.ErrUnsupported("aggregate %s is not supported", out.Func)
		}
		p.Aggregates = append(p.Aggregates, spec)
	}

	n := float64(len(p.Measurements))
	for i := range p.Measurements {
		p.Measurements[i].Epsilon = opts.Epsilon / n
		p.Measurements[i].Delta = delta / n
	}

	p.MinGroupSize = opts.MinGroupSize
	if t.MinGroupSize != nil {
		p.MinGroupSize = *t.MinGroupSize
	}
	p.Suppress = len(p.GroupBy) > 0 && t.CensorDims && p.MinGroupSize > 0
	return p, nil
}

// measure returns the index of the measurement, adding it when new.
func (p *AggregationPlan) measure(fn domain.AggregateFunc, col *metadata.Column, sensitivity float64) int {
	for i, m := range p.Measurements {
		if m.Func == fn && m.Column == col {
			return i
		}
	}
	p.Measurements = append(p.Measurements, Measurement{Func: fn, Column: col, Sensitivity: sensitivity})
	return len(p.Measurements) - 1
}

// countTarget folds COUNT(col) into COUNT(*) when col can never be NULL.
func countTarget(col *metadata.Column) *metadata.Column {
	if col == nil || !col.Nullable {
		return nil
	}
	return col
}

func requireBounds(t *metadata.Table, out Output) error {
	if !out.Column.Bounded() {
		return &domain.UnboundedColumnError{Table: t.QualifiedName(), Column: out.Column.Name, Function: out.Func.String()}
	}
	return nil
}

// String renders a human-readable summary of the plan.
func (p *AggregationPlan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "table: %s (max_ids=%d)\n", p.Table.QualifiedName(), p.Table.MaxIDs)
	if len(p.GroupBy) > 0 {
		names := make([]string, len(p.GroupBy))
		for i, c := range p.GroupBy {
			names[i] = c.Name
		}
		fmt.Fprintf(&b, "group by: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "epsilon: %g across %d measurements\n", p.Epsilon, len(p.Measurements))
	if p.Delta > 0 {
		fmt.Fprintf(&b, "delta: %g across %d measurements\n", p.Delta, len(p.Measurements))
	}
	for _, m := range p.Measurements {
		fmt.Fprintf(&b, "  %-24s sensitivity=%g epsilon=%g\n", m.String(), m.Sensitivity, m.Epsilon)
	}
	if p.Suppress {
		fmt.Fprintf(&b, "suppress groups with fewer than %d rows\n", p.MinGroupSize)
	} else {
		b.WriteString("no group suppression\n")
	}
	return b.String()
}
