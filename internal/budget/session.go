// Package budget tracks cumulative epsilon spent per privacy session.
package budget

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"duckdp/internal/domain"
)

// tolerance absorbs float rounding when epsilon shares are summed back up.
const tolerance = 1e-9

// Charge is one debit or refund against a session.
type Charge struct {
	QueryID string
	Query   string
	Epsilon float64
}

// Spend is one entry of a session's history. Refunds have negative Epsilon.
type Spend struct {
	QueryID string
	Query   string
	Epsilon float64
	At      time.Time
}

// Session is a privacy budget: a total epsilon and the running spend
// against it. All debits go through one mutex, so concurrent queries can
// never jointly overspend.
type Session struct {
	id     string
	total  float64
	ledger domain.BudgetLedger
	now    func() time.Time

	mu      sync.Mutex
	spent   float64
	history []Spend
}

// Option configures a Session.
type Option func(*Session)

// WithID sets the session id. The default is a random UUID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithLedger makes every debit durable. The ledger is appended to while
// the session lock is held.
func WithLedger(l domain.BudgetLedger) Option {
	return func(s *Session) { s.ledger = l }
}

// WithClock overrides time.Now for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// NewSession creates a session with the given total epsilon.
func NewSession(total float64, opts ...Option) (*Session, error) {
	if math.IsNaN(total) || math.IsInf(total, 0) || total <= 0 {
		return nil, domain.ErrInvalidBudget("total budget must be a positive finite number, got %g", total)
	}
	s := &Session{total: total, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	return s, nil
}

// Restore creates a session whose spend and history are loaded from the ledger.
func Restore(ctx context.Context, id string, total float64, ledger domain.BudgetLedger, opts ...Option) (*Session, error) {
	opts = append(opts, WithID(id), WithLedger(ledger))
	s, err := NewSession(total, opts...)
	if err != nil {
		return nil, err
	}

	entries, err := ledger.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restore budget session %s: %w", id, err)
	}
	for _, e := range entries {
		s.spent += e.Epsilon
		s.history = append(s.history, Spend{QueryID: e.QueryID, Query: e.Query, Epsilon: e.Epsilon, At: e.CreatedAt})
	}
	if s.spent < 0 {
		s.spent = 0
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Total returns the configured total epsilon.
func (s *Session) Total() float64 { return s.total }

// Spent returns the cumulative epsilon spent.
func (s *Session) Spent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spent
}

// Remaining returns total minus spent, never negative.
func (s *Session) Remaining() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return math.Max(0, s.total-s.spent)
}

// History returns a copy of all debits and refunds in order.
func (s *Session) History() []Spend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Spend, len(s.history))
	copy(out, s.history)
	return out
}

// Spend atomically checks and debits c.Epsilon. Fails with
// InvalidBudgetError for a non-positive epsilon and BudgetExhaustedError when
// the debit would exceed the total; in both cases nothing is debited.
func (s *Session) Spend(ctx context.Context, c Charge) error {
	if math.IsNaN(c.Epsilon) || math.IsInf(c.Epsilon, 0) || c.Epsilon <= 0 {
		return domain.ErrInvalidBudget("epsilon must be a positive finite number, got %g", c.Epsilon)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spent+c.Epsilon > s.total+tolerance {
		return &domain.BudgetExhaustedError{Session: s.id, Requested: c.Epsilon, Spent: s.spent, Total: s.total}
	}
	at, err := s.record(ctx, c.QueryID, c.Query, c.Epsilon)
	if err != nil {
		return err
	}
	s.spent += c.Epsilon
	s.history = append(s.history, Spend{QueryID: c.QueryID, Query: c.Query, Epsilon: c.Epsilon, At: at})
	return nil
}

// Refund returns epsilon from a debit whose query failed before releasing
// any result.
func (s *Session) Refund(ctx context.Context, c Charge) error {
	if math.IsNaN(c.Epsilon) || c.Epsilon <= 0 {
		return domain.ErrInvalidBudget("refund must be positive, got %g", c.Epsilon)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at, err := s.record(ctx, c.QueryID, c.Query, -c.Epsilon)
	if err != nil {
		return err
	}
	s.spent = math.Max(0, s.spent-c.Epsilon)
	s.history = append(s.history, Spend{QueryID: c.QueryID, Query: c.Query, Epsilon: -c.Epsilon, At: at})
	return nil
}

// Reset clears the spend, for periodic budget renewal.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger != nil {
		if err := s.ledger.Reset(ctx, s.id); err != nil {
			return fmt.Errorf("reset budget session %s: %w", s.id, err)
		}
	}
	s.spent = 0
	s.history = nil
	return nil
}

// record appends to the ledger, if any. Caller holds s.mu.
func (s *Session) record(ctx context.Context, queryID, query string, eps float64) (time.Time, error) {
	at := s.now().UTC()
	if s.ledger == nil {
		return at, nil
	}
	err := s.ledger.Append(ctx, &domain.BudgetEntry{
		ID:        uuid.New().String(),
		Session:   s.id,
		QueryID:   queryID,
		Epsilon:   eps,
		Query:     query,
		CreatedAt: at,
	})
	if err != nil {
		return at, fmt.Errorf("record budget entry: %w", err)
	}
	return at, nil
}
