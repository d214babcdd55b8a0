package engine

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"duckdp/internal/datasource"
	"duckdp/internal/domain"
	"duckdp/internal/planner"
)

// exactGroup holds the true statistics of one group: its key values in
// GROUP BY order, its row count and one value per plan measurement.
type exactGroup struct {
	Key    []any
	Rows   int64
	Values []float64
}

// accumulator is the running state of one measurement within one group.
type accumulator struct {
	count    int64
	sum      float64
	min, max float64
	seen     bool
}

func (a *accumulator) add(v float64) {
	a.count++
	a.sum += v
	if !a.seen || v < a.min {
		a.min = v
	}
	if !a.seen || v > a.max {
		a.max = v
	}
	a.seen = true
}

func (a *accumulator) merge(b accumulator) {
	if !b.seen {
		a.count += b.count
		return
	}
	if !a.seen || b.min < a.min {
		a.min = b.min
	}
	if !a.seen || b.max > a.max {
		a.max = b.max
	}
	a.count += b.count
	a.sum += b.sum
	a.seen = true
}

type partialGroup struct {
	key  []any
	rows int64
	accs []accumulator
}

// scanAggregate computes exact aggregates by scanning the source in
// row-range partitions concurrently, then merging partitions in order.
func scanAggregate(ctx context.Context, p *planner.AggregationPlan, src datasource.DataSource, workers int) ([]exactGroup, error) {
	keyCols := make([]*datasource.Column, len(p.GroupBy))
	for i, col := range p.GroupBy {
		c, err := src.Column(col.Name)
		if err != nil {
			return nil, err
		}
		keyCols[i] = c
	}
	measureCols := make([]*datasource.Column, len(p.Measurements))
	for i, m := range p.Measurements {
		if m.Column == nil {
			continue
		}
		c, err := src.Column(m.Column.Name)
		if err != nil {
			return nil, err
		}
		measureCols[i] = c
	}

	n := src.RowCount()
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = max(1, min(workers, n/1024+1))

	parts := make([]map[string]*partialGroup, workers)
	orders := make([][]string, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo, hi := w*n/workers, (w+1)*n/workers
		g.Go(func() error {
			groups := make(map[string]*partialGroup)
			var order []string
			for r := lo; r < hi; r++ {
				if (r-lo)%4096 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				key := make([]any, len(keyCols))
				for i, c := range keyCols {
					key[i] = c.Values[r]
				}
				ks := groupKey(key)
				pg, ok := groups[ks]
				if !ok {
					pg = &partialGroup{key: key, accs: make([]accumulator, len(p.Measurements))}
					groups[ks] = pg
					order = append(order, ks)
				}
				pg.rows++
				for i, m := range p.Measurements {
					if m.Column == nil {
						pg.accs[i].count++
						continue
					}
					v := measureCols[i].Values[r]
					if v == nil {
						continue
					}
					f, err := toFloat(v)
					if err != nil {
						return fmt.Errorf("column %s row %d: %w", m.Column.Name, r+1, err)
					}
					pg.accs[i].add(m.Column.Clamp(f))
				}
			}
			parts[w] = groups
			orders[w] = order
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]*partialGroup)
	var order []string
	for w := range parts {
		for _, ks := range orders[w] {
			pg := parts[w][ks]
			into, ok := merged[ks]
			if !ok {
				merged[ks] = pg
				order = append(order, ks)
				continue
			}
			into.rows += pg.rows
			for i := range into.accs {
				into.accs[i].merge(pg.accs[i])
			}
		}
	}

	// A global aggregate over no rows still yields one row.
	if len(p.GroupBy) == 0 && len(merged) == 0 {
		merged[""] = &partialGroup{accs: make([]accumulator, len(p.Measurements))}
		order = append(order, "")
	}

	out := make([]exactGroup, 0, len(order))
	for _, ks := range order {
		pg := merged[ks]
		eg := exactGroup{Key: pg.key, Rows: pg.rows, Values: make([]float64, len(p.Measurements))}
		for i, m := range p.Measurements {
			eg.Values[i] = finalValue(m, pg.accs[i])
		}
		out = append(out, eg)
	}
	sortGroups(out)
	return out, nil
}

// finalValue reads a measurement out of its accumulator. MIN and MAX over
// no values fall back to the column bounds so that nothing data-dependent
// is released for an all-NULL group.
func finalValue(m planner.Measurement, a accumulator) float64 {
	switch m.Func {
	case domain.AggCount:
		return float64(a.count)
	case domain.AggSum:
		return a.sum
	case domain.AggMin:
		if !a.seen {
			return *m.Column.Lower
		}
		return a.min
	case domain.AggMax:
		if !a.seen {
			return *m.Column.Upper
		}
		return a.max
	default:
		return 0
	}
}

// pushdownAggregate evaluates the plan's exact-aggregate SQL inside the source.
func pushdownAggregate(ctx context.Context, p *planner.AggregationPlan, agg datasource.Aggregator) ([]exactGroup, error) {
	rows, err := agg.Aggregate(ctx, planner.RenderSQL(p, agg.Relation()))
	if err != nil {
		return nil, err
	}

	nk := len(p.GroupBy)
	want := nk + 1 + len(p.Measurements)
	out := make([]exactGroup, 0, len(rows))
	for _, row := range rows {
		if len(row) != want {
			return nil, fmt.Errorf("aggregate returned %d columns, expected %d", len(row), want)
		}
		n, err := toFloat(row[nk])
		if err != nil {
			return nil, fmt.Errorf("row count: %w", err)
		}
		eg := exactGroup{Key: row[:nk], Rows: int64(n), Values: make([]float64, len(p.Measurements))}
		for i, m := range p.Measurements {
			v := row[nk+1+i]
			if v == nil {
				eg.Values[i] = finalValue(m, accumulator{})
				continue
			}
			f, err := toFloat(v)
			if err != nil {
				return nil, fmt.Errorf("measurement %s: %w", m, err)
			}
			eg.Values[i] = f
		}
		out = append(out, eg)
	}
	sortGroups(out)
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case int32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case float32:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("non-numeric value %v (%T)", v, v)
	}
}

// groupKey encodes key values into a map key. Type tags keep 1 and "1" apart.
func groupKey(key []any) string {
	var b strings.Builder
	for _, v := range key {
		fmt.Fprintf(&b, "%T:%v\x00", v, v)
	}
	return b.String()
}

func sortGroups(groups []exactGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i].Key, groups[j].Key
		for k := range a {
			if c := compareValues(a[k], b[k]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// compareValues orders result values: NULL first, then false before true,
// numbers numerically and strings lexically.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch x := a.(type) {
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	default:
		fx, errx := toFloat(a)
		fy, erry := toFloat(b)
		if errx == nil && erry == nil {
			switch {
			case fx < fy:
				return -1
			case fx > fy:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// roundInt rounds a float to the nearest int64, half away from zero.
func roundInt(v float64) int64 {
	return int64(math.Round(v))
}
