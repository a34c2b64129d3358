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

// Package app assembles the gateway from its configuration: providers,
// scheduler, job pool, quota controller and the HTTP server.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/accesslog"
	"github.com/openinfer/openinfer/pkg/gateway/admission"
	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/audit"
	"github.com/openinfer/openinfer/pkg/gateway/config"
	"github.com/openinfer/openinfer/pkg/gateway/jobs"
	"github.com/openinfer/openinfer/pkg/gateway/kvcache"
	"github.com/openinfer/openinfer/pkg/gateway/logger"
	"github.com/openinfer/openinfer/pkg/gateway/metrics"
	"github.com/openinfer/openinfer/pkg/gateway/orchestrator"
	"github.com/openinfer/openinfer/pkg/gateway/plugin"
	"github.com/openinfer/openinfer/pkg/gateway/provider"
	"github.com/openinfer/openinfer/pkg/gateway/provider/local"
	"github.com/openinfer/openinfer/pkg/gateway/provider/native"
	"github.com/openinfer/openinfer/pkg/gateway/provider/openai"
	"github.com/openinfer/openinfer/pkg/gateway/reliability"
	"github.com/openinfer/openinfer/pkg/gateway/server"
	"github.com/openinfer/openinfer/pkg/gateway/session"
	"github.com/openinfer/openinfer/pkg/gateway/tokenizer"
)

const gaugeRefreshInterval = 5 * time.Second

// Run builds the gateway from the config file and serves until the
// context is cancelled.
func Run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Configure(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			klog.Warningf("redis %s unreachable, falling back to in-memory quota and job state: %v", cfg.Redis.Addr, err)
			redisClient = nil
		}
	}

	kv, err := kvcache.NewManager(cfg.KVCache)
	if err != nil {
		return err
	}

	pub := metrics.NewPublisher()
	trail := audit.NewMemoryStore(0)

	registry := provider.NewRegistry()
	if err := registerProviders(registry, cfg, kv, pub); err != nil {
		return err
	}
	defer shutdownProviders(registry)
	for modelID, providerID := range cfg.ModelMappings {
		registry.SetModelMapping(modelID, providerID)
	}

	counter := tokenizer.NewTikToken()
	orch := orchestrator.New(cfg.OrchestratorConfig(), registry, cfg.SchedulerConfig(), counter, pub, trail)
	defer orch.Close()

	var jobStore jobs.Store
	if redisClient != nil {
		jobStore = jobs.NewRedisStore(redisClient)
	}
	mgr := jobs.NewManager(cfg.JobsManagerConfig(),
		func(ctx context.Context, req api.InferenceRequest) (api.InferenceResponse, error) {
			return orch.Execute(ctx, req, provider.RoutingContext{Priority: req.Priority})
		}, jobStore)
	defer mgr.Close()

	var budget admission.BudgetStore
	if redisClient != nil {
		budget = admission.NewRedisBudget(redisClient)
	} else {
		budget = admission.NewMemoryBudget()
	}
	controller := admission.NewController(cfg.Quota, budget, pub)

	pipe, err := buildPipeline(ctx)
	if err != nil {
		return err
	}
	defer pipe.Shutdown()

	stopGauges := startGaugeRefresher(orch, kv, mgr, pub)
	defer stopGauges()

	srv := server.New(server.Deps{
		Config:    cfg,
		Registry:  registry,
		Orch:      orch,
		Jobs:      mgr,
		Admission: controller,
		Pipeline:  pipe,
		Trail:     trail,
		Publisher: pub,
		Counter:   counter,
		AccessLog: accesslog.NewFileLogger(),
	})
	return srv.Run(ctx)
}

// registerProviders builds one provider per config entry, each wrapped
// in its reliability envelope.
func registerProviders(registry *provider.Registry, cfg config.Config, kv *kvcache.Manager, pub *metrics.Publisher) error {
	for _, pc := range cfg.Providers {
		var p provider.Provider
		switch pc.Type {
		case "openai":
			p = openai.New(openai.Config{
				ID:             pc.ID,
				Version:        pc.Version,
				Endpoint:       pc.Endpoint,
				APIKey:         pc.APIKey,
				Timeout:        pc.Timeout.Std(),
				MaxRetries:     pc.MaxRetries,
				Models:         pc.Models,
				CostPerMTokens: pc.CostPerMTokens,
				MaxContext:     pc.MaxContext,
			})
		case "gguf", "torch":
			sessCfg := session.Config{
				ModelPath:             pc.ModelPath,
				Device:                pc.Device,
				ContextLen:            pc.ContextLen,
				Threads:               pc.Threads,
				MaxConcurrentRequests: pc.MaxConcurrentRequests,
				Timeout:               pc.Timeout.Std(),
				MaxRetries:            pc.MaxRetries,
				Prewarm:               pc.Prewarm,
			}
			// TODO: swap SimLoader for the cgo-backed loaders once the
			// native bindings land in the build.
			loader := &native.SimLoader{}
			if pc.Type == "gguf" {
				p = local.NewGGUF(loader, kv, sessCfg, pc.Version, pc.Models)
			} else {
				p = local.NewTorch(loader, kv, sessCfg, pc.Version, pc.Models)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q", pc.ID, pc.Type)
		}

		envCfg := reliability.DefaultConfig()
		envCfg.Breaker = cfg.BreakerConfig()
		if pc.Timeout > 0 {
			envCfg.CallTimeout = pc.Timeout.Std()
		}
		if pc.MaxConcurrentRequests > 0 {
			envCfg.BulkheadSize = pc.MaxConcurrentRequests
			envCfg.BulkheadQueueSize = 2 * pc.MaxConcurrentRequests
		}
		if pc.MaxRetries > 0 {
			envCfg.Retry.MaxRetries = pc.MaxRetries
		}

		registry.Register(&provider.Registered{
			Provider: p,
			Envelope: reliability.NewEnvelope(pc.ID, envCfg, pub.BreakerListener),
		})
	}
	return nil
}

func shutdownProviders(registry *provider.Registry) {
	for _, entry := range registry.All() {
		entry.Provider.Shutdown()
	}
}

// buildPipeline instantiates every registered plugin builder.
func buildPipeline(ctx context.Context) (*plugin.Pipeline, error) {
	pipe := plugin.NewPipeline()
	for _, name := range []string{"prompt-length-guard", "request-validation", "content-safety"} {
		build, ok := plugin.GetBuilder(name)
		if !ok {
			return nil, fmt.Errorf("plugin %q not registered", name)
		}
		pipe.Add(build(nil))
	}
	if err := pipe.Init(ctx); err != nil {
		return nil, err
	}
	return pipe, nil
}

// startGaugeRefresher keeps the sampled gauges current.
func startGaugeRefresher(orch *orchestrator.Orchestrator, kv *kvcache.Manager, mgr *jobs.Manager, pub *metrics.Publisher) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(gaugeRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pub.ObserveScheduler(orch.Scheduler().Metrics())
				pub.ObserveKVCache(kv.Stats())
				pub.ObserveJobs(mgr.CountByState())
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
