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

// Package config loads the gateway's YAML configuration with
// environment-variable overrides for deployment-specific values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/openinfer/openinfer/pkg/gateway/admission"
	"github.com/openinfer/openinfer/pkg/gateway/jobs"
	"github.com/openinfer/openinfer/pkg/gateway/kvcache"
	"github.com/openinfer/openinfer/pkg/gateway/orchestrator"
	"github.com/openinfer/openinfer/pkg/gateway/reliability"
	"github.com/openinfer/openinfer/pkg/gateway/scheduler"
)

// Duration accepts "50ms"-style strings in YAML/JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr            string   `json:"addr"`
	NodeName        string   `json:"nodeName"`
	EnableTLS       bool     `json:"enableTls"`
	TLSCertFile     string   `json:"tlsCertFile"`
	TLSKeyFile      string   `json:"tlsKeyFile"`
	ShutdownTimeout Duration `json:"shutdownTimeout"`
}

// LoggingConfig covers the rotating file logger.
type LoggingConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
	Compress   bool   `json:"compress"`
}

// SchedulerConfig mirrors scheduler.Config plus the stage-resolution
// knobs that live alongside it in the file.
type SchedulerConfig struct {
	Strategy             string   `json:"strategy"`
	MaxBatchSize         int      `json:"maxBatchSize"`
	MaxWaitTime          Duration `json:"maxWaitTime"`
	MaxConcurrentBatches int      `json:"maxConcurrentBatches"`
	MaxQueueDepth        int      `json:"maxQueueDepth"`
	SmallPromptThreshold int      `json:"smallPromptThreshold"`
	Disaggregation       bool     `json:"disaggregation"`
}

// CircuitBreakerConfig mirrors reliability.BreakerConfig.
type CircuitBreakerConfig struct {
	RequestVolumeThreshold uint32   `json:"requestVolumeThreshold"`
	FailureRatio           float64  `json:"failureRatio"`
	Delay                  Duration `json:"delay"`
	SuccessThreshold       uint32   `json:"successThreshold"`
}

// ProviderConfig declares one provider instance.
type ProviderConfig struct {
	ID                    string   `json:"id"`
	Type                  string   `json:"type"` // openai | gguf | torch
	Version               string   `json:"version"`
	Endpoint              string   `json:"endpoint"`
	APIKey                string   `json:"apiKey"`
	Timeout               Duration `json:"timeout"`
	MaxRetries            int      `json:"maxRetries"`
	Models                []string `json:"models"`
	ModelPath             string   `json:"modelPath"`
	Device                string   `json:"device"`
	ContextLen            int      `json:"contextLen"`
	Threads               int      `json:"threads"`
	MaxConcurrentRequests int      `json:"maxConcurrentRequests"`
	Prewarm               bool     `json:"prewarm"`
	CostPerMTokens        float64  `json:"costPerMTokens"`
	MaxContext            int      `json:"maxContextTokens"`
}

// RedisConfig enables the shared quota counters and job mirror.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Config is the whole gateway configuration file.
type Config struct {
	Server         ServerConfig         `json:"server"`
	Logging        LoggingConfig        `json:"logging"`
	Scheduler      SchedulerConfig      `json:"scheduler"`
	KVCache        kvcache.Config       `json:"kvcache"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker"`
	Quota          admission.Config     `json:"quota"`
	Jobs           JobsConfig           `json:"jobs"`
	Redis          RedisConfig          `json:"redis"`
	Providers      []ProviderConfig     `json:"providers"`
	ModelMappings  map[string]string    `json:"modelMappings"`
}

// JobsConfig mirrors jobs.Config.
type JobsConfig struct {
	Workers      int      `json:"workers"`
	MaxQueued    int      `json:"maxQueued"`
	ResultTTL    Duration `json:"resultTtl"`
	PollInterval Duration `json:"pollInterval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Scheduler: SchedulerConfig{
			Strategy:             string(scheduler.StrategyDynamic),
			MaxBatchSize:         8,
			MaxWaitTime:          Duration(50 * time.Millisecond),
			MaxConcurrentBatches: 4,
			MaxQueueDepth:        256,
			SmallPromptThreshold: 32,
		},
		KVCache: kvcache.DefaultConfig(),
		CircuitBreaker: CircuitBreakerConfig{
			RequestVolumeThreshold: 20,
			FailureRatio:           0.5,
			Delay:                  Duration(30 * time.Second),
			SuccessThreshold:       3,
		},
		Quota: admission.Config{
			Default: admission.TenantQuota{RPS: 50, Burst: 100, MaxConcurrent: 32},
		},
		Jobs: JobsConfig{
			Workers:      4,
			MaxQueued:    1024,
			ResultTTL:    Duration(time.Hour),
			PollInterval: Duration(100 * time.Millisecond),
		},
	}
}

// Load reads the YAML file (optional) and applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-specific values. Secrets in particular
// should come from the environment, not the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENINFER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("OPENINFER_NODE_NAME"); v != "" {
		c.Server.NodeName = v
	}
	if v := os.Getenv("OPENINFER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OPENINFER_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("OPENINFER_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("OPENINFER_SCHEDULER_STRATEGY"); v != "" {
		c.Scheduler.Strategy = v
	}
	if v := os.Getenv("OPENINFER_DISAGGREGATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.Disaggregation = b
		}
	}
	for i := range c.Providers {
		key := "OPENINFER_PROVIDER_" + envKey(c.Providers[i].ID) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			c.Providers[i].APIKey = v
		}
	}
}

func envKey(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			out = append(out, ch-('a'-'A'))
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			out = append(out, ch)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch scheduler.Strategy(c.Scheduler.Strategy) {
	case scheduler.StrategyStatic, scheduler.StrategyDynamic, scheduler.StrategyContinuous:
	default:
		return fmt.Errorf("scheduler.strategy: unknown strategy %q", c.Scheduler.Strategy)
	}
	if c.KVCache.BlockSize <= 0 || c.KVCache.TotalBlocks <= 0 {
		return fmt.Errorf("kvcache: blockSize and totalBlocks must be positive")
	}
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers: id is required")
		}
		key := p.ID + "/" + p.Version
		if seen[key] {
			return fmt.Errorf("providers: duplicate %s", key)
		}
		seen[key] = true
		switch p.Type {
		case "openai":
			if p.Endpoint == "" {
				return fmt.Errorf("provider %s: endpoint is required", p.ID)
			}
		case "gguf", "torch":
			if p.ModelPath == "" {
				return fmt.Errorf("provider %s: modelPath is required", p.ID)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
	}
	return nil
}

// SchedulerConfig converts to the scheduler's own type.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Strategy:             scheduler.Strategy(c.Scheduler.Strategy),
		MaxBatchSize:         c.Scheduler.MaxBatchSize,
		MaxWaitTime:          c.Scheduler.MaxWaitTime.Std(),
		MaxConcurrentBatches: c.Scheduler.MaxConcurrentBatches,
		MaxQueueDepth:        c.Scheduler.MaxQueueDepth,
	}
}

// OrchestratorConfig converts the stage-resolution knobs.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Disaggregation:       c.Scheduler.Disaggregation,
		SmallPromptThreshold: c.Scheduler.SmallPromptThreshold,
	}
}

// BreakerConfig converts to the reliability envelope's type.
func (c *Config) BreakerConfig() reliability.BreakerConfig {
	return reliability.BreakerConfig{
		RequestVolumeThreshold: c.CircuitBreaker.RequestVolumeThreshold,
		FailureRatio:           c.CircuitBreaker.FailureRatio,
		Delay:                  c.CircuitBreaker.Delay.Std(),
		SuccessThreshold:       c.CircuitBreaker.SuccessThreshold,
	}
}

// JobsManagerConfig converts to the job manager's type.
func (c *Config) JobsManagerConfig() jobs.Config {
	return jobs.Config{
		Workers:      c.Jobs.Workers,
		MaxQueued:    c.Jobs.MaxQueued,
		ResultTTL:    c.Jobs.ResultTTL.Std(),
		PollInterval: c.Jobs.PollInterval.Std(),
	}
}
