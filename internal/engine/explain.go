package engine

import (
	"fmt"
	"strings"

	"duckdp/internal/datasource"
	"duckdp/internal/planner"
)

// explainAlpha is the confidence level reported by Explain (95%).
const explainAlpha = 0.05

// MeasurementInfo describes the noise applied to one measurement.
type MeasurementInfo struct {
	Measurement string  `json:"measurement"`
	Sensitivity float64 `json:"sensitivity"`
	Epsilon     float64 `json:"epsilon"`
	Delta       float64 `json:"delta,omitempty"`
	Scale       float64 `json:"scale"`
	Accuracy95  float64 `json:"accuracy_95"`
}

// Explanation is the privacy plan of a query.
type Explanation struct {
	Table        string            `json:"table"`
	Mechanism    string            `json:"mechanism"`
	Epsilon      float64           `json:"epsilon"`
	Delta        float64           `json:"delta,omitempty"`
	Measurements []MeasurementInfo `json:"measurements"`
	MinGroupSize int               `json:"min_group_size"`
	Suppress     bool              `json:"suppress"`
	PushdownSQL  string            `json:"pushdown_sql,omitempty"`

	plan *planner.AggregationPlan
}

// Explain plans sqlText for the given epsilon and reports sensitivities,
// noise scales and 95% accuracy per measurement. No budget is spent.
func (r *PrivateReader) Explain(sqlText string, epsilon float64) (*Explanation, error) {
	plan, err := r.plan(sqlText, epsilon)
	if err != nil {
		return nil, err
	}

	e := &Explanation{
		Table:        plan.Table.QualifiedName(),
		Mechanism:    string(r.cfg.Mechanism.Kind()),
		Epsilon:      plan.Epsilon,
		Delta:        plan.Delta,
		MinGroupSize: plan.MinGroupSize,
		Suppress:     plan.Suppress,
		plan:         plan,
	}
	mechs, err := r.mechanisms(plan)
	if err != nil {
		return nil, err
	}
	for i, m := range plan.Measurements {
		scale, err := mechs[i].Scale(m.Sensitivity, m.Epsilon)
		if err != nil {
			return nil, err
		}
		acc, err := mechs[i].Accuracy(m.Sensitivity, m.Epsilon, explainAlpha)
		if err != nil {
			return nil, err
		}
		e.Measurements = append(e.Measurements, MeasurementInfo{
			Measurement: m.String(),
			Sensitivity: m.Sensitivity,
			Epsilon:     m.Epsilon,
			Delta:       m.Delta,
			Scale:       scale,
			Accuracy95:  acc,
		})
	}
	if agg, ok := r.source.(datasource.Aggregator); ok && r.cfg.Pushdown {
		e.PushdownSQL = planner.RenderSQL(plan, agg.Relation())
	}
	return e, nil
}

// String renders the explanation as text.
func (e *Explanation) String() string {
	var b strings.Builder
	b.WriteString(e.plan.String())
	fmt.Fprintf(&b, "mechanism: %s\n", e.Mechanism)
	for _, m := range e.Measurements {
		fmt.Fprintf(&b, "  %-24s scale=%.6g accuracy95=%.6g\n", m.Measurement, m.Scale, m.Accuracy95)
	}
	if e.PushdownSQL != "" {
		fmt.Fprintf(&b, "pushdown: %s\n", e.PushdownSQL)
	}
	return b.String()
}
