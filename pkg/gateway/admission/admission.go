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

// Package admission gates requests before they reach the orchestrator:
// tenant resolution, per-tenant rate limiting, a concurrency cap and a
// daily token budget.
package admission

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/metrics"
)

// DefaultTenant is used when multitenancy is disabled or the caller
// sends no tenant header.
const DefaultTenant = "default"

// TenantHeader carries the tenant id on the wire.
const TenantHeader = "X-Tenant-ID"

// TenantQuota is the per-tenant envelope. Zero fields mean unlimited.
type TenantQuota struct {
	RPS              float64 `json:"rps"`
	Burst            int     `json:"burst"`
	MaxConcurrent    int     `json:"maxConcurrent"`
	DailyTokenBudget int64   `json:"dailyTokenBudget"`
}

// Config maps tenant ids to quotas; Default applies to tenants with no
// explicit entry.
type Config struct {
	Default TenantQuota            `json:"default"`
	Tenants map[string]TenantQuota `json:"tenants"`
}

// ResolveTenant normalizes the tenant header value.
func ResolveTenant(headerValue string) string {
	if headerValue == "" {
		return DefaultTenant
	}
	return headerValue
}

type tenantState struct {
	quota    TenantQuota
	limiter  *rate.Limiter // nil when RPS unlimited
	inFlight int
}

// Controller applies the admission chain. Reserve admits a request and
// holds a concurrency slot plus an estimated token reservation; Release
// returns the slot and reconciles the budget against actual usage.
type Controller struct {
	cfg    Config
	budget BudgetStore
	pub    *metrics.Publisher

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// NewController builds the admission chain. A nil budget store disables
// the daily budget check.
func NewController(cfg Config, budget BudgetStore, pub *metrics.Publisher) *Controller {
	return &Controller{
		cfg:     cfg,
		budget:  budget,
		pub:     pub,
		tenants: make(map[string]*tenantState),
	}
}

func (c *Controller) state(tenant string) *tenantState {
	if s, ok := c.tenants[tenant]; ok {
		return s
	}
	quota, ok := c.cfg.Tenants[tenant]
	if !ok {
		quota = c.cfg.Default
	}
	s := &tenantState{quota: quota}
	if quota.RPS > 0 {
		burst := quota.Burst
		if burst <= 0 {
			burst = int(quota.RPS)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(rate.Limit(quota.RPS), burst)
	}
	c.tenants[tenant] = s
	return s
}

// Reserve runs the admission chain for one request with an estimated
// token cost. On success the caller must pair it with Release.
func (c *Controller) Reserve(ctx context.Context, tenant string, estimatedTokens int64) error {
	c.mu.Lock()
	s := c.state(tenant)

	if s.limiter != nil && !s.limiter.Allow() {
		c.mu.Unlock()
		c.pub.RecordQuotaRejection(tenant, "rate_limit")
		return apierror.RateLimit("tenant %s exceeded %g requests/s", tenant, s.quota.RPS)
	}
	if s.quota.MaxConcurrent > 0 && s.inFlight >= s.quota.MaxConcurrent {
		c.mu.Unlock()
		c.pub.RecordQuotaRejection(tenant, "concurrency")
		return apierror.Quota("tenant %s at concurrency limit %d", tenant, s.quota.MaxConcurrent)
	}
	s.inFlight++
	dailyBudget := s.quota.DailyTokenBudget
	c.mu.Unlock()

	if c.budget != nil && dailyBudget > 0 {
		remaining, err := c.budget.Reserve(ctx, tenant, estimatedTokens, dailyBudget)
		if err != nil {
			// budget backend outages never reject traffic
			klog.Errorf("budget check failed for tenant %s: %v", tenant, err)
			return nil
		}
		if remaining < 0 {
			c.release(tenant)
			c.pub.RecordQuotaRejection(tenant, "daily_budget")
			return apierror.Quota("tenant %s exhausted daily token budget of %d", tenant, dailyBudget)
		}
	}
	return nil
}

// Release frees the concurrency slot and reconciles the budget with the
// actual token usage.
func (c *Controller) Release(ctx context.Context, tenant string, estimatedTokens, actualTokens int64) {
	c.release(tenant)

	c.mu.Lock()
	dailyBudget := c.state(tenant).quota.DailyTokenBudget
	c.mu.Unlock()
	if c.budget == nil || dailyBudget <= 0 {
		return
	}
	if delta := actualTokens - estimatedTokens; delta != 0 {
		if err := c.budget.Adjust(ctx, tenant, delta); err != nil {
			klog.Errorf("budget reconcile failed for tenant %s: %v", tenant, err)
		}
	}
}

func (c *Controller) release(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state(tenant)
	if s.inFlight > 0 {
		s.inFlight--
	}
}

// InFlight reports a tenant's current concurrency.
func (c *Controller) InFlight(tenant string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(tenant).inFlight
}
