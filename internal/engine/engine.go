// Package engine executes differentially private aggregation queries: it
// plans a query, computes exact aggregates, debits the privacy budget, adds
// calibrated noise, suppresses small groups and returns typed rows.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"duckdp/internal/budget"
	"duckdp/internal/datasource"
	"duckdp/internal/domain"
	"duckdp/internal/metadata"
	"duckdp/internal/noise"
	"duckdp/internal/planner"
	"duckdp/internal/result"
)

// Config configures a PrivateReader.
type Config struct {
	// Mechanism perturbs measurements. Nil selects Laplace over crypto/rand.
	Mechanism noise.Mechanism

	// MinGroupSize is the suppression threshold for grouped queries; 0
	// disables it. Tables may override it with min_group_size.
	MinGroupSize int

	// Pushdown computes exact aggregates inside the source when it
	// implements datasource.Aggregator.
	Pushdown bool

	// Workers bounds the partitions of the in-process scan; <= 0 uses GOMAXPROCS.
	Workers int

	Logger *slog.Logger
	Audit  domain.AuditRepository
}

// DefaultConfig returns the configuration used by Execute.
func DefaultConfig() Config {
	return Config{MinGroupSize: planner.DefaultMinGroupSize, Pushdown: true}
}

// PrivateReader answers SQL aggregation queries over one data source with
// differential privacy. It is safe for concurrent use; every execution
// debits the session passed to it.
type PrivateReader struct {
	catalog *metadata.Catalog
	source  datasource.DataSource
	cfg     Config
	logger  *slog.Logger
}

// NewPrivateReader creates a reader over src described by cat.
func NewPrivateReader(cat *metadata.Catalog, src datasource.DataSource, cfg Config) (*PrivateReader, error) {
	if cat == nil || src == nil {
		return nil, domain.ErrValidation("catalog and data source are required")
	}
	if cfg.MinGroupSize < 0 {
		return nil, domain.ErrValidation("min group size must be >= 0, got %d", cfg.MinGroupSize)
	}
	if cfg.Mechanism == nil {
		cfg.Mechanism = noise.NewLaplace(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PrivateReader{catalog: cat, source: src, cfg: cfg, logger: logger}, nil
}

// Execute runs sqlText against the data source in a single call with the
// default configuration.
func Execute(ctx context.Context, sqlText string, cat *metadata.Catalog, src datasource.DataSource, session *budget.Session, epsilon float64) (*result.Result, error) {
	r, err := NewPrivateReader(cat, src, DefaultConfig())
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, session, sqlText, epsilon)
}

// Catalog returns the reader's schema catalog.
func (r *PrivateReader) Catalog() *metadata.Catalog { return r.catalog }

// Mechanism returns the noise mechanism in use.
func (r *PrivateReader) Mechanism() noise.Mechanism { return r.cfg.Mechanism }

// Execute answers sqlText with total privacy cost epsilon, debited from
// session before any noise is drawn. Either a complete result is returned or
// an error; on failure after the debit the epsilon is refunded.
func (r *PrivateReader) Execute(ctx context.Context, session *budget.Session, sqlText string, epsilon float64) (*result.Result, error) {
	start := time.Now()
	queryID := uuid.NewString()

	res, suppressed, err := r.execute(ctx, session, queryID, sqlText, epsilon)

	r.record(ctx, session, queryID, sqlText, epsilon, res, suppressed, time.Since(start), err)
	return res, err
}

func (r *PrivateReader) execute(ctx context.Context, session *budget.Session, queryID, sqlText string, epsilon float64) (*result.Result, int, error) {
	if session == nil {
		return nil, 0, domain.ErrValidation("a budget session is required")
	}
	if err := planner.ValidateEpsilon(epsilon); err != nil {
		return nil, 0, err
	}

	plan, err := r.plan(sqlText, epsilon)
	if err != nil {
		return nil, 0, err
	}

	groups, err := r.exact(ctx, plan)
	if err != nil {
		return nil, 0, err
	}

	charge := budget.Charge{QueryID: queryID, Query: sqlText, Epsilon: epsilon}
	if err := session.Spend(ctx, charge); err != nil {
		return nil, 0, err
	}

	res, suppressed, err := r.release(plan, groups)
	if err != nil {
		if rerr := session.Refund(ctx, charge); rerr != nil {
			r.logger.Error("refund failed", "query_id", queryID, "session", session.ID(), "error", rerr)
		}
		return nil, 0, err
	}
	return res, suppressed, nil
}

func (r *PrivateReader) plan(sqlText string, epsilon float64) (*planner.AggregationPlan, error) {
	q, err := planner.Parse(sqlText, r.catalog)
	if err != nil {
		return nil, err
	}
	plan, err := planner.Plan(q, planner.Options{
		Epsilon:      epsilon,
		Mechanism:    r.cfg.Mechanism.Kind(),
		Delta:        noise.DeltaOf(r.cfg.Mechanism),
		MinGroupSize: r.cfg.MinGroupSize,
	})
	if err != nil {
		return nil, err
	}
	if q.Table.QualifiedName() != r.source.Name() && q.Table.Name != r.source.Name() {
		return nil, domain.ErrValidation("table %s is not backed by data source %s", q.Table.QualifiedName(), r.source.Name())
	}
	return plan, nil
}

// mechanisms returns the noise mechanism for each measurement, calibrated
// to its share of the plan's δ.
func (r *PrivateReader) mechanisms(plan *planner.AggregationPlan) ([]noise.Mechanism, error) {
	out := make([]noise.Mechanism, len(plan.Measurements))
	for i, m := range plan.Measurements {
		mech, err := noise.ForShare(r.cfg.Mechanism, m.Delta)
		if err != nil {
			return nil, err
		}
		out[i] = mech
	}
	return out, nil
}

// exact computes the true per-group statistics, pushing down when possible.
func (r *PrivateReader) exact(ctx context.Context, plan *planner.AggregationPlan) ([]exactGroup, error) {
	if agg, ok := r.source.(datasource.Aggregator); ok && r.cfg.Pushdown {
		return pushdownAggregate(ctx, plan, agg)
	}
	return scanAggregate(ctx, plan, r.source, r.cfg.Workers)
}

// release suppresses small groups, noises every measurement, derives the
// output values and applies ORDER BY and LIMIT.
func (r *PrivateReader) release(plan *planner.AggregationPlan, groups []exactGroup) (*result.Result, int, error) {
	q := plan.Query
	res := &result.Result{Columns: make([]result.Column, len(q.Outputs))}

	aggOf := make(map[int]planner.AggregateSpec, len(plan.Aggregates))
	for _, spec := range plan.Aggregates {
		aggOf[spec.Output] = spec
	}
	for i, out := range q.Outputs {
		res.Columns[i].Name = out.Name
		if out.Kind == planner.OutputKey {
			res.Columns[i].Type = domain.ValueTypeOf(out.Column.Type)
		} else {
			res.Columns[i].Type = aggOf[i].Type
		}
	}

	mechs, err := r.mechanisms(plan)
	if err != nil {
		return nil, 0, err
	}

	suppressed := 0
	noisy := make([]float64, len(plan.Measurements))
	for _, g := range groups {
		if plan.Suppress && g.Rows < int64(plan.MinGroupSize) {
			suppressed++
			continue
		}
		for i, m := range plan.Measurements {
			v, err := mechs[i].AddNoise(g.Values[i], m.Sensitivity, m.Epsilon)
			if err != nil {
				return nil, 0, err
			}
			noisy[i] = v
		}

		row := make([]any, len(q.Outputs))
		for i, out := range q.Outputs {
			if out.Kind == planner.OutputKey {
				row[i] = g.Key[out.Key]
				continue
			}
			row[i] = derive(plan, aggOf[i], noisy)
		}
		res.Rows = append(res.Rows, row)
	}

	if len(q.OrderBy) > 0 {
		sort.SliceStable(res.Rows, func(i, j int) bool {
			for _, k := range q.OrderBy {
				c := compareValues(res.Rows[i][k.Output], res.Rows[j][k.Output])
				if c == 0 {
					continue
				}
				if k.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Limit != nil && int64(len(res.Rows)) > *q.Limit {
		res.Rows = res.Rows[:*q.Limit]
	}
	if res.Rows == nil {
		res.Rows = [][]any{}
	}
	return res, suppressed, nil
}

// derive computes one output value from the noisy measurements.
func derive(plan *planner.AggregationPlan, spec planner.AggregateSpec, noisy []float64) any {
	switch spec.Func {
	case domain.AggCount:
		v := noisy[spec.Measurements[0]]
		if plan.Table.ClampCounts {
			v = math.Max(0, v)
		}
		return roundInt(v)

	case domain.AggSum:
		return typed(spec.Type, noisy[spec.Measurements[0]])

	case domain.AggAvg:
		sum, count := noisy[spec.Measurements[0]], noisy[spec.Measurements[1]]
		return spec.Column.Clamp(sum / math.Max(count, 1))

	case domain.AggMin, domain.AggMax:
		return typed(spec.Type, spec.Column.Clamp(noisy[spec.Measurements[0]]))

	default:
		return nil
	}
}

func typed(t domain.ValueType, v float64) any {
	if t == domain.ValueInt {
		return roundInt(v)
	}
	return v
}

// record logs the execution and appends it to the audit log.
func (r *PrivateReader) record(ctx context.Context, session *budget.Session, queryID, sqlText string, epsilon float64,
	res *result.Result, suppressed int, elapsed time.Duration, err error) {
	sessionID := ""
	if session != nil {
		sessionID = session.ID()
	}
	principal, _ := domain.PrincipalFromContext(ctx)

	entry := &domain.AuditEntry{
		ID:         uuid.NewString(),
		Principal:  principal.Name,
		Session:    sessionID,
		QueryID:    queryID,
		SQL:        sqlText,
		Epsilon:    epsilon,
		Status:     StatusAnswered,
		Suppressed: int64(suppressed),
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err != nil {
		entry.Status = Status(err)
		msg := err.Error()
		entry.ErrorMessage = &msg
		r.logger.Warn("query failed", "query_id", queryID, "session", sessionID, "epsilon", epsilon, "status", entry.Status, "error", err)
	} else {
		entry.RowsReturned = int64(len(res.Rows))
		r.logger.Info("query answered", "query_id", queryID, "session", sessionID, "epsilon", epsilon,
			"groups", len(res.Rows), "suppressed", suppressed, "duration_ms", entry.DurationMs)
	}

	if r.cfg.Audit == nil {
		return
	}
	// The audit write must not be cancelled with the request.
	if aerr := r.cfg.Audit.Insert(context.WithoutCancel(ctx), entry); aerr != nil {
		r.logger.Warn("audit insert failed", "query_id", queryID, "error", aerr)
	}
}

// Audit statuses.
const (
	StatusAnswered = "ANSWERED"
	StatusRejected = "REJECTED"
	StatusError    = "ERROR"
)

// Status classifies an execution error for the audit log: rejections are
// caller errors (bad query, bad budget), anything else is an ERROR.
func Status(err error) string {
	var (
		unsupported *domain.UnsupportedQueryError
		unknown     *domain.UnknownColumnError
		groupBy     *domain.GroupByMismatchError
		unbounded   *domain.UnboundedColumnError
		invalid     *domain.InvalidBudgetError
		exhausted   *domain.BudgetExhaustedError
		validation  *domain.ValidationError
	)
	switch {
	case err == nil:
		return StatusAnswered
	case errors.As(err, &unsupported), errors.As(err, &unknown), errors.As(err, &groupBy),
		errors.As(err, &unbounded), errors.As(err, &invalid), errors.As(err, &exhausted),
		errors.As(err, &validation):
		return StatusRejected
	default:
		return StatusError
	}
}
