// Package redis implements the usage ledger with Lua scripts over plain
// string counters. All counters of one campaign or coupon share a hash tag,
// so a script touches a single slot in cluster mode.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/promotion-engine/internal/ledger"
	"github.com/utafrali/promotion-engine/pkg/database"
)

// KEYS: usage, spent, user, rule.
// ARGV: amount, max usage, max per user, budget, rule max, has rule,
// baseline usage, baseline spent, baseline user, baseline rule, ttl seconds.
var reserveScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local ttl = tonumber(ARGV[11])
local function seed(key, base)
	if redis.call("SETNX", key, base) == 1 and ttl > 0 then
		redis.call("EXPIRE", key, ttl)
	end
	return tonumber(redis.call("GET", key))
end

local usage = seed(KEYS[1], ARGV[7])
local spent = seed(KEYS[2], ARGV[8])
local user = seed(KEYS[3], ARGV[9])
local hasRule = ARGV[6] == "1"
local rule = 0
if hasRule then
	rule = seed(KEYS[4], ARGV[10])
end

local maxUsage = tonumber(ARGV[2])
local maxUser = tonumber(ARGV[3])
local budget = tonumber(ARGV[4])
local ruleMax = tonumber(ARGV[5])

if maxUsage > 0 and usage >= maxUsage then
	return "usage_limit_reached"
end
if maxUser > 0 and user >= maxUser then
	return "user_limit_reached"
end
if hasRule and ruleMax > 0 and rule >= ruleMax then
	return "rule_limit_reached"
end
if budget > 0 and spent + amount > budget then
	return "budget_exceeded"
end

redis.call("INCR", KEYS[1])
redis.call("INCRBY", KEYS[2], amount)
redis.call("INCR", KEYS[3])
if hasRule then
	redis.call("INCR", KEYS[4])
end
return "reserved"
`)

// KEYS: usage, spent, user, rule. ARGV: amount, has rule.
var releaseScript = redis.NewScript(`
local function dec(key, by)
	local v = tonumber(redis.call("GET", key))
	if v == nil then
		return
	end
	if v < by then
		by = v
	end
	redis.call("DECRBY", key, by)
end

dec(KEYS[1], 1)
dec(KEYS[2], tonumber(ARGV[1]))
dec(KEYS[3], 1)
if ARGV[2] == "1" then
	dec(KEYS[4], 1)
end
return 1
`)

// DefaultKeyPrefix namespaces ledger keys.
const DefaultKeyPrefix = "promotions:ledger"

// Ledger is a ledger.Ledger backed by Redis. Missing counters are seeded from
// the reservation baseline on first use.
type Ledger struct {
	client redis.Scripter
	prefix string
	ttl    time.Duration
}

// New creates a Redis ledger. A zero ttl keeps counters forever.
func New(client redis.Scripter, prefix string, ttl time.Duration) *Ledger {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Ledger{client: client, prefix: prefix, ttl: ttl}
}

// keys returns the usage, spent, user and rule keys of r.
func (l *Ledger) keys(r ledger.Reservation) []string {
	base := fmt.Sprintf("%s:{%s:%s}", l.prefix, r.Kind, r.ID)
	return []string{
		base + ":usage",
		base + ":spent",
		base + ":user:" + r.CustomerID,
		base + ":rule:" + r.RuleID,
	}
}

func hasRule(r ledger.Reservation) string {
	if r.RuleID != "" {
		return "1"
	}
	return "0"
}

// Reserve runs the check-and-increment script.
func (l *Ledger) Reserve(ctx context.Context, r ledger.Reservation) (_ ledger.Outcome, err error) {
	ctx, end := database.TraceRedis(ctx, "LedgerReserve", "EVALSHA reserve")
	defer func() { end(err) }()

	res, err := reserveScript.Run(ctx, l.client, l.keys(r),
		r.Amount,
		r.Limits.MaxUsage,
		r.Limits.MaxUsagePerUser,
		r.Limits.Budget,
		r.Limits.RuleMaxApplications,
		hasRule(r),
		r.Baseline.Usage,
		r.Baseline.Spent,
		r.Baseline.UserUsage,
		r.Baseline.RuleApplications,
		int64(l.ttl/time.Second),
	).Text()
	if err != nil {
		return "", fmt.Errorf("reserve %s %s: %w", r.Kind, r.ID, err)
	}

	switch outcome := ledger.Outcome(res); outcome {
	case ledger.OutcomeReserved, ledger.OutcomeUsageLimitReached, ledger.OutcomeUserLimitReached,
		ledger.OutcomeRuleLimitReached, ledger.OutcomeBudgetExceeded:
		return outcome, nil
	default:
		return "", fmt.Errorf("reserve %s %s: unexpected script result %q", r.Kind, r.ID, res)
	}
}

// Release runs the floored decrement script.
func (l *Ledger) Release(ctx context.Context, r ledger.Reservation) (err error) {
	ctx, end := database.TraceRedis(ctx, "LedgerRelease", "EVALSHA release")
	defer func() { end(err) }()

	if err = releaseScript.Run(ctx, l.client, l.keys(r), r.Amount, hasRule(r)).Err(); err != nil {
		return fmt.Errorf("release %s %s: %w", r.Kind, r.ID, err)
	}
	return nil
}
