package budget

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckdp/internal/domain"
)

// memLedger is an in-memory domain.BudgetLedger.
type memLedger struct {
	mu      sync.Mutex
	entries []domain.BudgetEntry
	failing bool
}

func (m *memLedger) Append(_ context.Context, e *domain.BudgetEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memLedger) Spent(ctx context.Context, session string) (float64, error) {
	entries, _ := m.List(ctx, session)
	var total float64
	for _, e := range entries {
		total += e.Epsilon
	}
	return total, nil
}

func (m *memLedger) List(_ context.Context, session string) ([]domain.BudgetEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BudgetEntry
	for _, e := range m.entries {
		if e.Session == session {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLedger) Reset(_ context.Context, session string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.Session != session {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

func (m *memLedger) Sessions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range m.entries {
		if !seen[e.Session] {
			seen[e.Session] = true
			out = append(out, e.Session)
		}
	}
	return out, nil
}

func TestNewSession_InvalidTotal(t *testing.T) {
	for _, total := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := NewSession(total)
		var ibe *domain.InvalidBudgetError
		assert.ErrorAs(t, err, &ibe, "total=%v", total)
	}
}

func TestSession_SequentialSpends(t *testing.T) {
	ctx := context.Background()
	s, err := NewSession(3.0)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())

	spends := []float64{0.5, 1.0, 0.25, 0.75}
	var want float64
	for i, eps := range spends {
		require.NoError(t, s.Spend(ctx, Charge{QueryID: string(rune('a' + i)), Epsilon: eps}))
		want += eps
		assert.InDelta(t, want, s.Spent(), 1e-12)
	}
	assert.InDelta(t, 0.5, s.Remaining(), 1e-12)
	assert.Len(t, s.History(), 4)

	err = s.Spend(ctx, Charge{QueryID: "over", Epsilon: 0.6})
	var bee *domain.BudgetExhaustedError
	require.ErrorAs(t, err, &bee)
	assert.Equal(t, s.ID(), bee.Session)
	assert.InDelta(t, 0.6, bee.Requested, 0)
	assert.InDelta(t, 2.5, bee.Spent, 1e-12)
	assert.InDelta(t, 3.0, bee.Total, 0)

	// A rejected spend debits nothing.
	assert.InDelta(t, 2.5, s.Spent(), 1e-12)
	assert.Len(t, s.History(), 4)

	// The remainder can still be spent exactly.
	require.NoError(t, s.Spend(ctx, Charge{Epsilon: 0.5}))
	assert.InDelta(t, 0, s.Remaining(), 1e-12)
}

func TestSession_FloatTolerance(t *testing.T) {
	s, err := NewSession(1.0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Spend(context.Background(), Charge{Epsilon: 0.1}), "spend %d", i)
	}
}

func TestSession_InvalidSpend(t *testing.T) {
	s, err := NewSession(1.0)
	require.NoError(t, err)
	for _, eps := range []float64{0, -0.5, math.NaN(), math.Inf(1)} {
		err := s.Spend(context.Background(), Charge{Epsilon: eps})
		var ibe *domain.InvalidBudgetError
		assert.ErrorAs(t, err, &ibe, "eps=%v", eps)
	}
	assert.Zero(t, s.Spent())
}

func TestSession_ConcurrentSpendsNeverOverspend(t *testing.T) {
	s, err := NewSession(10.0)
	require.NoError(t, err)

	var ok, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Spend(context.Background(), Charge{Epsilon: 0.25})
			var bee *domain.BudgetExhaustedError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &bee):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(40), ok.Load())
	assert.Equal(t, int64(160), rejected.Load())
	assert.InDelta(t, 10.0, s.Spent(), 1e-9)
}

func TestSession_Refund(t *testing.T) {
	ctx := context.Background()
	s, err := NewSession(1.0)
	require.NoError(t, err)

	require.NoError(t, s.Spend(ctx, Charge{QueryID: "q1", Epsilon: 0.8}))
	require.NoError(t, s.Refund(ctx, Charge{QueryID: "q1", Epsilon: 0.8}))
	assert.Zero(t, s.Spent())

	h := s.History()
	require.Len(t, h, 2)
	assert.InDelta(t, -0.8, h[1].Epsilon, 0)

	require.Error(t, s.Refund(ctx, Charge{Epsilon: 0}))
}

func TestSession_LedgerAndRestore(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s, err := NewSession(2.0, WithID("s-1"), WithLedger(ledger), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	require.NoError(t, s.Spend(ctx, Charge{QueryID: "q1", Query: "SELECT COUNT(*) FROM t", Epsilon: 0.5}))
	require.NoError(t, s.Spend(ctx, Charge{QueryID: "q2", Epsilon: 1.0}))
	require.NoError(t, s.Refund(ctx, Charge{QueryID: "q2", Epsilon: 1.0}))
	require.NoError(t, s.Spend(ctx, Charge{QueryID: "q3", Epsilon: 0.25}))

	require.Len(t, ledger.entries, 4)
	assert.Equal(t, "s-1", ledger.entries[0].Session)
	assert.Equal(t, fixed, ledger.entries[0].CreatedAt)
	assert.Equal(t, "SELECT COUNT(*) FROM t", ledger.entries[0].Query)

	restored, err := Restore(ctx, "s-1", 2.0, ledger)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, restored.Spent(), 1e-12)
	assert.Len(t, restored.History(), 4)

	err = restored.Spend(ctx, Charge{Epsilon: 1.5})
	var bee *domain.BudgetExhaustedError
	require.ErrorAs(t, err, &bee)

	require.NoError(t, restored.Reset(ctx))
	assert.Zero(t, restored.Spent())
	assert.Empty(t, ledger.entries)
}

func TestSession_LedgerFailureDebitsNothing(t *testing.T) {
	ledger := &memLedger{failing: true}
	s, err := NewSession(1.0, WithLedger(ledger))
	require.NoError(t, err)

	err = s.Spend(context.Background(), Charge{Epsilon: 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, s.Spent())
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	r, err := NewRegistry(1.0, ledger)
	require.NoError(t, err)

	alice, err := r.Session(ctx, "alice")
	require.NoError(t, err)
	again, err := r.Session(ctx, "alice")
	require.NoError(t, err)
	assert.Same(t, alice, again)
	assert.Equal(t, SessionID("alice"), alice.ID())

	anon, err := r.Session(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, alice.ID(), anon.ID())
	assert.Equal(t, []string{"alice", AnonymousPrincipal}, r.Principals())

	require.NoError(t, alice.Spend(ctx, Charge{Epsilon: 0.75}))

	// A new registry over the same ledger picks up alice's spend.
	r2, err := NewRegistry(1.0, ledger)
	require.NoError(t, err)
	alice2, err := r2.Session(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, alice2.Spent(), 1e-12)

	require.NoError(t, r2.ResetAll(ctx))
	assert.Zero(t, alice2.Spent())

	_, err = NewRegistry(0, nil)
	require.Error(t, err)
}

func TestRegistry_ResetAllClearsLedgerSessions(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	r, err := NewRegistry(2.0, ledger)
	require.NoError(t, err)
	alice, err := r.Session(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, alice.Spend(ctx, Charge{Epsilon: 1.5}))

	// After a restart nobody has asked for alice's session yet.
	restarted, err := NewRegistry(2.0, ledger)
	require.NoError(t, err)
	require.Empty(t, restarted.Principals())
	require.NoError(t, restarted.ResetAll(ctx))

	spent, err := ledger.Spent(ctx, SessionID("alice"))
	require.NoError(t, err)
	assert.Zero(t, spent)

	alice2, err := restarted.Session(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, alice2.Spent())
	assert.InDelta(t, 2.0, alice2.Remaining(), 1e-12)
}

func TestRenewer(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	_, err := NewRenewer("not a schedule", nil, logger)
	require.Error(t, err)

	r, err := NewRegistry(1.0, nil)
	require.NoError(t, err)
	s, err := r.Session(context.Background(), "bob")
	require.NoError(t, err)
	require.NoError(t, s.Spend(context.Background(), Charge{Epsilon: 1.0}))

	renewer, err := NewRenewer("@every 1s", r, logger)
	require.NoError(t, err)
	renewer.Start()
	defer renewer.Stop()

	assert.Eventually(t, func() bool { return s.Spent() == 0 }, 3*time.Second, 20*time.Millisecond)
}
