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

// Package metrics publishes the gateway's request, batching, cache and
// reliability telemetry to a dedicated Prometheus registry.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/kvcache"
	"github.com/openinfer/openinfer/pkg/gateway/scheduler"
)

const namespace = "openinfer"

// Registry holds every gateway collector. Dedicated so tests and
// embedders never collide with the global default registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		requestsTotal,
		requestDuration,
		timeToFirstToken,
		timePerOutputToken,
		tokensTotal,
		costTotal,
		breakerTransitionsTotal,
		quotaRejectionsTotal,
		batchQueueDepth,
		runningBatches,
		batchesDispatchedTotal,
		kvCacheBlocks,
		kvCacheUtilization,
		kvCachePrefixReusedBlocks,
		activeJobs,
	)
}

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Number of inference requests. Labeled by tenant, model, provider, stage and outcome.",
	},
	[]string{"tenant", "model", "provider", "stage", "outcome"},
)

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "End-to-end inference latency in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	},
	[]string{"tenant", "model", "provider", "stage"},
)

var timeToFirstToken = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "time_to_first_token_seconds",
		Help:      "Latency until the first streamed token.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	},
	[]string{"model", "provider"},
)

var timePerOutputToken = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "time_per_output_token_seconds",
		Help:      "Mean inter-token latency of a completed stream.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	},
	[]string{"model", "provider"},
)

var tokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "tokens_total",
		Help:      "Prompt and completion tokens processed. Labeled by direction.",
	},
	[]string{"tenant", "model", "direction"},
)

var costTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "cost_dollars_total",
		Help:      "Attributed inference cost per tenant and model in dollars.",
	},
	[]string{"tenant", "model"},
)

var breakerTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reliability",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions. Labeled by provider, from and to state.",
	},
	[]string{"provider", "from", "to"},
)

var quotaRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "quota_rejections_total",
		Help:      "Requests rejected at admission. Labeled by tenant and reason.",
	},
	[]string{"tenant", "reason"},
)

var batchQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Requests waiting in the batch queue.",
	},
)

var runningBatches = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "running_batches",
		Help:      "Batches currently executing.",
	},
)

var batchesDispatchedTotal = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "batches_dispatched_total",
		Help:      "Batches dispatched since start.",
	},
)

var kvCacheBlocks = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "kvcache",
		Name:      "blocks",
		Help:      "KV-cache block counts. Labeled by state.",
	},
	[]string{"state"},
)

var kvCacheUtilization = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "kvcache",
		Name:      "utilization",
		Help:      "Fraction of KV-cache blocks in use.",
	},
)

var kvCachePrefixReusedBlocks = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "kvcache",
		Name:      "prefix_reused_blocks",
		Help:      "Cumulative full blocks whose prefix hash matched a recently seen prompt.",
	},
)

var activeJobs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Async jobs by state.",
	},
	[]string{"state"},
)

// Handler serves the gateway registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Publisher is the recording surface handed to the orchestrator and
// friends. A nil *Publisher is a no-op, so wiring stays optional in
// tests.
type Publisher struct {
	slo *BurnTracker
}

func NewPublisher() *Publisher {
	return &Publisher{slo: NewBurnTracker(DefaultSLOTarget, time.Minute, 60)}
}

// outcome collapses the error taxonomy into a low-cardinality label,
// lowercased per metric label convention.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if ge, ok := apierror.As(err); ok {
		return strings.ToLower(string(ge.Class))
	}
	return "internal"
}

// RecordRequest accounts one finished request: outcome, latency, token
// usage and attributed cost.
func (p *Publisher) RecordRequest(req api.InferenceRequest, resp api.InferenceResponse, provider string, duration time.Duration, costPerMTokens float64, err error) {
	if p == nil {
		return
	}
	stage := string(req.Stage)
	if stage == "" {
		stage = string(api.StageUnresolved)
	}
	requestsTotal.WithLabelValues(req.TenantID, req.Model, provider, stage, outcome(err)).Inc()
	requestDuration.WithLabelValues(req.TenantID, req.Model, provider, stage).Observe(duration.Seconds())
	p.slo.Record(err == nil || !apierror.IsServerFault(err))
	if err != nil {
		return
	}
	tokensTotal.WithLabelValues(req.TenantID, req.Model, "prompt").Add(float64(resp.PromptTokens))
	tokensTotal.WithLabelValues(req.TenantID, req.Model, "completion").Add(float64(resp.CompletionTokens))
	if costPerMTokens > 0 && resp.TokensUsed > 0 {
		costTotal.WithLabelValues(req.TenantID, req.Model).Add(costPerMTokens * float64(resp.TokensUsed) / 1e6)
	}
}

// RecordFirstToken observes streaming TTFT.
func (p *Publisher) RecordFirstToken(model, provider string, d time.Duration) {
	if p == nil {
		return
	}
	timeToFirstToken.WithLabelValues(model, provider).Observe(d.Seconds())
}

// RecordOutputTokens observes mean inter-token latency for a completed
// stream of n tokens over total duration d.
func (p *Publisher) RecordOutputTokens(model, provider string, n int, d time.Duration) {
	if p == nil || n <= 1 {
		return
	}
	timePerOutputToken.WithLabelValues(model, provider).Observe(d.Seconds() / float64(n-1))
}

// RecordQuotaRejection accounts an admission failure.
func (p *Publisher) RecordQuotaRejection(tenant, reason string) {
	if p == nil {
		return
	}
	quotaRejectionsTotal.WithLabelValues(tenant, reason).Inc()
}

// BreakerListener adapts the collector to the reliability envelope's
// transition callback.
func (p *Publisher) BreakerListener(provider string, from, to gobreaker.State) {
	breakerTransitionsTotal.WithLabelValues(provider, from.String(), to.String()).Inc()
}

// ObserveScheduler refreshes the batching gauges from a snapshot.
func (p *Publisher) ObserveScheduler(m scheduler.BatchMetrics) {
	if p == nil {
		return
	}
	batchQueueDepth.Set(float64(m.QueueDepth))
	runningBatches.Set(float64(m.RunningBatches))
	batchesDispatchedTotal.Set(float64(m.BatchesDispatched))
}

// ObserveKVCache refreshes the cache gauges from a stats snapshot.
func (p *Publisher) ObserveKVCache(s kvcache.Stats) {
	if p == nil {
		return
	}
	kvCacheBlocks.WithLabelValues("used").Set(float64(s.AllocatedBlocks))
	kvCacheBlocks.WithLabelValues("free").Set(float64(s.FreeBlocks))
	kvCachePrefixReusedBlocks.Set(float64(s.PrefixReusedBlocks))
	if s.TotalBlocks > 0 {
		kvCacheUtilization.Set(float64(s.AllocatedBlocks) / float64(s.TotalBlocks))
	}
}

// ObserveJobs refreshes the per-state job gauge.
func (p *Publisher) ObserveJobs(byState map[api.JobState]int) {
	if p == nil {
		return
	}
	for state, n := range byState {
		activeJobs.WithLabelValues(string(state)).Set(float64(n))
	}
}

// BurnRate reports the current SLO error-budget burn rate.
func (p *Publisher) BurnRate() float64 {
	if p == nil {
		return 0
	}
	return p.slo.BurnRate()
}
