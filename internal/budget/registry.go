package budget

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"duckdp/internal/domain"
)

// AnonymousPrincipal owns the budget of unauthenticated callers.
const AnonymousPrincipal = "anonymous"

// sessionNamespace derives stable session ids from principal names, so a
// restarted server finds the same ledger entries.
var sessionNamespace = uuid.MustParse("6f1c8a52-3b7e-4c1d-9a0e-2d5b7c4e8f10")

// SessionID returns the stable session id for a principal.
func SessionID(principal string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(principal)).String()
}

// Registry hands out one session per principal.
type Registry struct {
	total  float64
	ledger domain.BudgetLedger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose sessions each get total epsilon.
// A nil ledger keeps budgets in memory only.
func NewRegistry(total float64, ledger domain.BudgetLedger) (*Registry, error) {
	// Validate the total once up front.
	if _, err := NewSession(total); err != nil {
		return nil, err
	}
	return &Registry{total: total, ledger: ledger, sessions: make(map[string]*Session)}, nil
}

// Session returns the principal's session, creating it (and restoring its
// spend from the ledger) on first use.
func (r *Registry) Session(ctx context.Context, principal string) (*Session, error) {
	if principal == "" {
		principal = AnonymousPrincipal
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[principal]; ok {
		return s, nil
	}

	id := SessionID(principal)
	var (
		s   *Session
		err error
	)
	if r.ledger != nil {
		s, err = Restore(ctx, id, r.total, r.ledger)
	} else {
		s, err = NewSession(r.total, WithID(id))
	}
	if err != nil {
		return nil, err
	}
	r.sessions[principal] = s
	return s, nil
}

// Principals returns the principals with a live session, sorted.
func (r *Registry) Principals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for p := range r.sessions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ResetAll resets every live session and, with a ledger, every session the
// ledger knows about, so principals not seen since a restart start fresh
// too. It stops at the first failure.
func (r *Registry) ResetAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	live := make(map[string]bool, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
		live[s.ID()] = true
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Reset(ctx); err != nil {
			return err
		}
	}
	if r.ledger == nil {
		return nil
	}

	ids, err := r.ledger.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("list budget sessions: %w", err)
	}
	for _, id := range ids {
		if live[id] {
			continue
		}
		if err := r.ledger.Reset(ctx, id); err != nil {
			return fmt.Errorf("reset budget session %s: %w", id, err)
		}
	}
	return nil
}
