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

// Package server is the gateway's HTTP surface: inference endpoints,
// model and provider administration, health probes and metrics.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/accesslog"
	"github.com/openinfer/openinfer/pkg/gateway/admission"
	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/audit"
	"github.com/openinfer/openinfer/pkg/gateway/config"
	"github.com/openinfer/openinfer/pkg/gateway/jobs"
	"github.com/openinfer/openinfer/pkg/gateway/metrics"
	"github.com/openinfer/openinfer/pkg/gateway/orchestrator"
	"github.com/openinfer/openinfer/pkg/gateway/plugin"
	"github.com/openinfer/openinfer/pkg/gateway/provider"
	"github.com/openinfer/openinfer/pkg/gateway/tokenizer"
)

// Deps are the composed components the server fronts. The composition
// root (cmd/gateway) builds them from config.
type Deps struct {
	Config    config.Config
	Registry  *provider.Registry
	Orch      *orchestrator.Orchestrator
	Jobs      *jobs.Manager
	Admission *admission.Controller
	Pipeline  *plugin.Pipeline
	Trail     audit.Store
	Publisher *metrics.Publisher
	Counter   tokenizer.Tokenizer
	AccessLog accesslog.Logger
}

// Server owns the HTTP listener and the in-flight cancellation table.
type Server struct {
	deps   Deps
	models *modelCatalog

	mu        sync.Mutex
	inflight  map[string]context.CancelFunc // requestID -> cancel
	jobByReq  map[string]string             // requestID -> jobID
	jobQuota  map[string]jobReservation     // jobID -> admission hold
	readyFunc func() bool
}

// jobReservation is the admission hold carried by a queued or running
// async job, released when the job reaches a terminal state.
type jobReservation struct {
	tenant    string
	estimated int64
}

func New(deps Deps) *Server {
	if deps.Counter == nil {
		deps.Counter = tokenizer.NewSimpleEstimateTokenizer()
	}
	s := &Server{
		deps:     deps,
		models:   newModelCatalog(),
		inflight: make(map[string]context.CancelFunc),
		jobByReq: make(map[string]string),
		jobQuota: make(map[string]jobReservation),
	}
	if deps.Jobs != nil {
		deps.Jobs.SetOnTerminal(s.releaseJobQuota)
	}
	return s
}

// SetReadyFunc overrides the readiness probe (defaults to always ready).
func (s *Server) SetReadyFunc(f func() bool) { s.readyFunc = f }

// Engine builds the gin handler tree.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if s.deps.AccessLog != nil {
		engine.Use(accesslog.Middleware(s.deps.AccessLog))
	}

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	engine.GET("/readyz", func(c *gin.Context) {
		if s.readyFunc == nil || s.readyFunc() {
			c.JSON(http.StatusOK, gin.H{"message": "gateway is ready"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "gateway is not ready"})
	})
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/v1")
	{
		v1.POST("/infer/completions", s.handleCompletions)
		v1.POST("/infer/stream", s.handleStream)
		v1.POST("/infer/async", s.handleAsyncSubmit)
		v1.GET("/infer/async/:jobId", s.handleAsyncStatus)
		v1.POST("/infer/batch", s.handleBatch)
		v1.DELETE("/infer/:requestId", s.handleCancel)

		v1.GET("/models", s.handleListModels)
		v1.GET("/models/:id", s.handleGetModel)
		v1.POST("/models", s.handleRegisterModel)
		v1.PUT("/models/:id", s.handleUpdateModel)
		v1.DELETE("/models/:id", s.handleDeleteModel)

		v1.GET("/providers", s.handleListProviders)
		v1.GET("/providers/:id", s.handleGetProvider)
		v1.POST("/providers/:id/circuit-breaker/reset", s.handleBreakerReset)

		v1.GET("/audit/:requestId", s.handleAuditTrail)
	}
	return engine
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.deps.Config.Server.Addr,
		Handler: s.Engine().Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.deps.Config.Server.EnableTLS {
			err = srv.ListenAndServeTLS(s.deps.Config.Server.TLSCertFile, s.deps.Config.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	klog.Infof("gateway listening on %s", s.deps.Config.Server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	klog.Info("shutting down HTTP server")
	timeout := s.deps.Config.Server.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("server shutdown failed: %v", err)
		return err
	}
	klog.Info("HTTP server exited")
	return nil
}

func (s *Server) trackRequest(requestID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[requestID] = cancel
}

func (s *Server) untrackRequest(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, requestID)
}

func (s *Server) trackJob(requestID, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobByReq[requestID] = jobID
}

// trackJobQuota records the admission hold for a submitted job. The job
// may already have finished by the time the hold is recorded, so the
// terminal state is re-checked to avoid leaking the reservation.
func (s *Server) trackJobQuota(jobID, tenant string, estimated int64) {
	s.mu.Lock()
	s.jobQuota[jobID] = jobReservation{tenant: tenant, estimated: estimated}
	s.mu.Unlock()

	if rec, err := s.deps.Jobs.Status(context.Background(), jobID); err == nil && rec.State.Terminal() {
		s.releaseJobQuota(rec)
	}
}

// releaseJobQuota returns the admission hold once the job terminates,
// reconciling the estimate against actual usage.
func (s *Server) releaseJobQuota(rec api.AsyncJob) {
	s.mu.Lock()
	res, ok := s.jobQuota[rec.JobID]
	delete(s.jobQuota, rec.JobID)
	s.mu.Unlock()
	if !ok {
		return
	}
	var actual int64
	if rec.Result != nil {
		actual = int64(rec.Result.TokensUsed)
	}
	s.deps.Admission.Release(context.Background(), res.tenant, res.estimated, actual)
}

// cancelRequest delivers a cancellation signal for a request id,
// whether it is an in-flight call or an async job.
func (s *Server) cancelRequest(requestID string) bool {
	s.mu.Lock()
	cancel, inflight := s.inflight[requestID]
	jobID, isJob := s.jobByReq[requestID]
	s.mu.Unlock()

	if inflight {
		cancel()
		return true
	}
	if isJob {
		return s.deps.Jobs.Cancel(jobID)
	}
	return false
}
