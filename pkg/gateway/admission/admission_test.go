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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

func TestResolveTenant(t *testing.T) {
	assert.Equal(t, "default", ResolveTenant(""))
	assert.Equal(t, "acme", ResolveTenant("acme"))
}

func TestReserve_RateLimit(t *testing.T) {
	cfg := Config{Default: TenantQuota{RPS: 1, Burst: 2}}
	c := NewController(cfg, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.Reserve(ctx, "t", 10))
	require.NoError(t, c.Reserve(ctx, "t", 10))

	err := c.Reserve(ctx, "t", 10)
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassRateLimit, ge.Class)
	assert.True(t, ge.Retryable)
}

func TestReserve_ConcurrencyCap(t *testing.T) {
	cfg := Config{Default: TenantQuota{MaxConcurrent: 2}}
	c := NewController(cfg, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.Reserve(ctx, "t", 0))
	require.NoError(t, c.Reserve(ctx, "t", 0))
	assert.Equal(t, 2, c.InFlight("t"))

	err := c.Reserve(ctx, "t", 0)
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassQuota, ge.Class)

	c.Release(ctx, "t", 0, 0)
	assert.Equal(t, 1, c.InFlight("t"))
	require.NoError(t, c.Reserve(ctx, "t", 0))
}

func TestReserve_PerTenantOverride(t *testing.T) {
	cfg := Config{
		Default: TenantQuota{MaxConcurrent: 1},
		Tenants: map[string]TenantQuota{"gold": {MaxConcurrent: 3}},
	}
	c := NewController(cfg, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.Reserve(ctx, "gold", 0))
	require.NoError(t, c.Reserve(ctx, "gold", 0))
	require.NoError(t, c.Reserve(ctx, "gold", 0))

	require.NoError(t, c.Reserve(ctx, "bronze", 0))
	require.Error(t, c.Reserve(ctx, "bronze", 0))
}

func TestDailyBudget_RedisReserveAndReconcile(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	budget := NewRedisBudget(client)
	ctx := context.Background()

	remaining, err := budget.Reserve(ctx, "acme", 400, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(600), remaining)

	remaining, err = budget.Reserve(ctx, "acme", 600, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)

	// exhausted; nothing was consumed by the failed reservation
	remaining, err = budget.Reserve(ctx, "acme", 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), remaining)

	// actual usage came in under the estimate
	require.NoError(t, budget.Adjust(ctx, "acme", -500))
	remaining, err = budget.Reserve(ctx, "acme", 100, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(400), remaining)

	// tenants do not share counters
	remaining, err = budget.Reserve(ctx, "other", 100, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(900), remaining)
}

func TestController_BudgetExhaustionReleasesSlot(t *testing.T) {
	cfg := Config{Default: TenantQuota{MaxConcurrent: 5, DailyTokenBudget: 100}}
	c := NewController(cfg, NewMemoryBudget(), nil)
	ctx := context.Background()

	require.NoError(t, c.Reserve(ctx, "t", 80))

	err := c.Reserve(ctx, "t", 30)
	require.Error(t, err)
	ge, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.ClassQuota, ge.Class)
	// the rejected request must not leak a concurrency slot
	assert.Equal(t, 1, c.InFlight("t"))
}

func TestMemoryBudget_AdjustFloorsAtZero(t *testing.T) {
	b := NewMemoryBudget()
	ctx := context.Background()

	_, err := b.Reserve(ctx, "t", 10, 100)
	require.NoError(t, err)
	require.NoError(t, b.Adjust(ctx, "t", -50))

	remaining, err := b.Reserve(ctx, "t", 100, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}
