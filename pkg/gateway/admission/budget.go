/*
Copyright The OpenInfer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BudgetStore accounts daily token consumption per tenant. Reserve
// returns the remaining budget after the reservation, or a negative
// number when the reservation would exceed it (nothing is consumed in
// that case). Adjust reconciles estimates against actual usage and may
// be negative. Counters roll over at UTC midnight.
type BudgetStore interface {
	Reserve(ctx context.Context, tenant string, tokens, budget int64) (int64, error)
	Adjust(ctx context.Context, tenant string, delta int64) error
}

const budgetKeyPrefix = "openinfer:budget:"

func dayKey(tenant string, now time.Time) string {
	return fmt.Sprintf("%s%s:%s", budgetKeyPrefix, tenant, now.UTC().Format("2006-01-02"))
}

// reserveScript atomically checks and consumes daily budget. Returns
// the remaining budget, or -1 when the reservation does not fit.
const reserveScript = `
	local key = KEYS[1]
	local tokens = tonumber(ARGV[1])
	local budget = tonumber(ARGV[2])
	local expire_seconds = tonumber(ARGV[3])

	local used = tonumber(redis.call('get', key) or '0')
	if used + tokens > budget then
		return -1
	end

	used = redis.call('incrby', key, tokens)
	redis.call('expire', key, expire_seconds)
	return budget - used
`

// RedisBudget shares the daily counters across gateway replicas.
type RedisBudget struct {
	client *redis.Client
}

func NewRedisBudget(client *redis.Client) *RedisBudget {
	return &RedisBudget{client: client}
}

func (b *RedisBudget) Reserve(ctx context.Context, tenant string, tokens, budget int64) (int64, error) {
	// counters expire two days out so a rollover never races the check
	result := b.client.Eval(ctx, reserveScript, []string{dayKey(tenant, time.Now())},
		tokens, budget, int((48 * time.Hour).Seconds()))
	if result.Err() != nil {
		return 0, fmt.Errorf("budget reserve for %s: %w", tenant, result.Err())
	}
	remaining, ok := result.Val().(int64)
	if !ok {
		return 0, fmt.Errorf("budget reserve for %s: unexpected result %T", tenant, result.Val())
	}
	return remaining, nil
}

func (b *RedisBudget) Adjust(ctx context.Context, tenant string, delta int64) error {
	return b.client.IncrBy(ctx, dayKey(tenant, time.Now()), delta).Err()
}

// MemoryBudget is the single-process fallback when Redis is not
// configured.
type MemoryBudget struct {
	mu   sync.Mutex
	day  string
	used map[string]int64
}

func NewMemoryBudget() *MemoryBudget {
	return &MemoryBudget{used: make(map[string]int64)}
}

func (b *MemoryBudget) rollover(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != b.day {
		b.day = day
		b.used = make(map[string]int64)
	}
}

func (b *MemoryBudget) Reserve(ctx context.Context, tenant string, tokens, budget int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover(time.Now())
	if b.used[tenant]+tokens > budget {
		return -1, nil
	}
	b.used[tenant] += tokens
	return budget - b.used[tenant], nil
}

func (b *MemoryBudget) Adjust(ctx context.Context, tenant string, delta int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover(time.Now())
	b.used[tenant] += delta
	if b.used[tenant] < 0 {
		b.used[tenant] = 0
	}
	return nil
}
