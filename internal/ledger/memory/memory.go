// Package memory is an in-process ledger. It backs dry-run evaluation and
// local development; counters are seeded from the reservation baseline.
package memory

import (
	"context"
	"sync"

	"github.com/utafrali/promotion-engine/internal/ledger"
)

type counters struct {
	usage int64
	spent int64
	users map[string]int64
	rules map[string]int64
}

// Ledger is a mutex-guarded ledger.Ledger.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*counters
}

// New creates an empty in-memory ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[string]*counters)}
}

func key(r ledger.Reservation) string {
	return string(r.Kind) + ":" + r.ID
}

// entry returns the counters for r, seeding them from the baseline on first use.
func (l *Ledger) entry(r ledger.Reservation) *counters {
	e, ok := l.entries[key(r)]
	if !ok {
		e = &counters{
			usage: r.Baseline.Usage,
			spent: r.Baseline.Spent,
			users: make(map[string]int64),
			rules: make(map[string]int64),
		}
		l.entries[key(r)] = e
	}
	if _, ok := e.users[r.CustomerID]; !ok {
		e.users[r.CustomerID] = r.Baseline.UserUsage
	}
	if r.RuleID != "" {
		if _, ok := e.rules[r.RuleID]; !ok {
			e.rules[r.RuleID] = r.Baseline.RuleApplications
		}
	}
	return e
}

// Reserve checks every limit and increments all counters under one lock.
func (l *Ledger) Reserve(ctx context.Context, r ledger.Reservation) (ledger.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(r)
	outcome := ledger.Check(r, ledger.Counters{
		Usage:            e.usage,
		UserUsage:        e.users[r.CustomerID],
		Spent:            e.spent,
		RuleApplications: e.rules[r.RuleID],
	})
	if outcome != ledger.OutcomeReserved {
		return outcome, nil
	}

	e.usage++
	e.spent += r.Amount
	e.users[r.CustomerID]++
	if r.RuleID != "" {
		e.rules[r.RuleID]++
	}
	return ledger.OutcomeReserved, nil
}

// Release undoes one Reserve. Counters never go below zero.
func (l *Ledger) Release(_ context.Context, r ledger.Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key(r)]
	if !ok {
		return nil
	}
	e.usage = max(e.usage-1, 0)
	e.spent = max(e.spent-r.Amount, 0)
	if n, ok := e.users[r.CustomerID]; ok {
		e.users[r.CustomerID] = max(n-1, 0)
	}
	if n, ok := e.rules[r.RuleID]; ok && r.RuleID != "" {
		e.rules[r.RuleID] = max(n-1, 0)
	}
	return nil
}

// Usage returns the global usage and spent budget recorded for a campaign or
// coupon id.
func (l *Ledger) Usage(kind ledger.Kind, id string) (usage, spent int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[string(kind)+":"+id]
	if !ok {
		return 0, 0
	}
	return e.usage, e.spent
}
