package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/promotion-engine/internal/ledger"
)

func setupLedger(t *testing.T, ttl time.Duration) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "", ttl), mr
}

func campaignReservation(customer string) ledger.Reservation {
	return ledger.Reservation{
		Kind:       ledger.KindCampaign,
		ID:         "camp-1",
		RuleID:     "rule-1",
		CustomerID: customer,
		Amount:     1000,
		Limits:     ledger.Limits{MaxUsage: 3, MaxUsagePerUser: 1, Budget: 10000},
	}
}

func TestLedger_ReserveIncrementsAllCounters(t *testing.T) {
	l, mr := setupLedger(t, 0)
	r := campaignReservation("cust-1")
	r.Baseline = ledger.Baseline{Usage: 1, Spent: 2500}

	outcome, err := l.Reserve(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeReserved, outcome)

	base := "promotions:ledger:{campaign:camp-1}"
	usage, _ := mr.Get(base + ":usage")
	spent, _ := mr.Get(base + ":spent")
	user, _ := mr.Get(base + ":user:cust-1")
	rule, _ := mr.Get(base + ":rule:rule-1")
	assert.Equal(t, "2", usage)
	assert.Equal(t, "3500", spent)
	assert.Equal(t, "1", user)
	assert.Equal(t, "1", rule)
}

func TestLedger_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ledger.Reservation)
		want   ledger.Outcome
	}{
		{"usage", func(r *ledger.Reservation) { r.Baseline.Usage = 3 }, ledger.OutcomeUsageLimitReached},
		{"per user", func(r *ledger.Reservation) { r.Baseline.UserUsage = 1 }, ledger.OutcomeUserLimitReached},
		{"rule", func(r *ledger.Reservation) {
			r.Limits.RuleMaxApplications = 2
			r.Baseline.RuleApplications = 2
		}, ledger.OutcomeRuleLimitReached},
		{"budget", func(r *ledger.Reservation) { r.Baseline.Spent = 9500 }, ledger.OutcomeBudgetExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := setupLedger(t, 0)
			r := campaignReservation("cust-1")
			tt.mutate(&r)

			outcome, err := l.Reserve(context.Background(), r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)
		})
	}
}

func TestLedger_BaselineOnlySeedsMissingCounters(t *testing.T) {
	l, _ := setupLedger(t, 0)
	ctx := context.Background()

	first := campaignReservation("cust-1")
	outcome, err := l.Reserve(ctx, first)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeReserved, outcome)

	// A stale snapshot must not reset the live counter.
	second := campaignReservation("cust-2")
	second.Baseline.Usage = 0
	second.Limits.MaxUsage = 1
	outcome, err = l.Reserve(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeUsageLimitReached, outcome)
}

func TestLedger_ExpiredCountersReseedFromCommittedBaseline(t *testing.T) {
	l, mr := setupLedger(t, time.Hour)
	ctx := context.Background()

	for _, customer := range []string{"cust-1", "cust-2", "cust-3"} {
		outcome, err := l.Reserve(ctx, campaignReservation(customer))
		require.NoError(t, err)
		require.Equal(t, ledger.OutcomeReserved, outcome)
	}

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("promotions:ledger:{campaign:camp-1}:usage"))

	// The committed uses are now part of the stored counters.
	var reserved int
	for _, customer := range []string{"cust-4", "cust-5", "cust-6"} {
		r := campaignReservation(customer)
		r.Baseline = ledger.Baseline{Usage: 3, Spent: 3000, RuleApplications: 3}
		outcome, err := l.Reserve(ctx, r)
		require.NoError(t, err)
		if outcome == ledger.OutcomeReserved {
			reserved++
		} else {
			assert.Equal(t, ledger.OutcomeUsageLimitReached, outcome)
		}
	}
	assert.Zero(t, reserved)
}

func TestLedger_CouponWithoutRule(t *testing.T) {
	l, mr := setupLedger(t, time.Hour)
	r := ledger.Reservation{
		Kind:       ledger.KindCoupon,
		ID:         "coupon-1",
		Code:       "SAVE10",
		CustomerID: "cust-1",
		Amount:     500,
		Limits:     ledger.Limits{MaxUsage: 1},
	}

	outcome, err := l.Reserve(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeReserved, outcome)
	assert.False(t, mr.Exists("promotions:ledger:{coupon:coupon-1}:rule:"))
	assert.Equal(t, time.Hour, mr.TTL("promotions:ledger:{coupon:coupon-1}:usage"))

	outcome, err = l.Reserve(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeUsageLimitReached, outcome)
}

func TestLedger_ReleaseFloorsAtZero(t *testing.T) {
	l, mr := setupLedger(t, 0)
	ctx := context.Background()
	r := campaignReservation("cust-1")

	_, err := l.Reserve(ctx, r)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, r))
	require.NoError(t, l.Release(ctx, r))

	base := "promotions:ledger:{campaign:camp-1}"
	usage, _ := mr.Get(base + ":usage")
	spent, _ := mr.Get(base + ":spent")
	assert.Equal(t, "0", usage)
	assert.Equal(t, "0", spent)

	outcome, err := l.Reserve(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeReserved, outcome)
}

func TestLedger_ConnectionError(t *testing.T) {
	l, mr := setupLedger(t, 0)
	mr.Close()

	_, err := l.Reserve(context.Background(), campaignReservation("cust-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserve campaign camp-1")
}

func TestLedger_ConcurrentReservationsRespectCap(t *testing.T) {
	l, _ := setupLedger(t, 0)
	ctx := context.Background()

	var reserved atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := campaignReservation(string(rune('a' + i)))
			outcome, err := l.Reserve(ctx, r)
			if assert.NoError(t, err) && outcome == ledger.OutcomeReserved {
				reserved.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(3), reserved.Load())
}
