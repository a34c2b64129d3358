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

package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/openinfer/openinfer/pkg/gateway/accesslog"
	"github.com/openinfer/openinfer/pkg/gateway/admission"
	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
	"github.com/openinfer/openinfer/pkg/gateway/plugin"
	"github.com/openinfer/openinfer/pkg/gateway/provider"
	"github.com/openinfer/openinfer/pkg/gateway/streaming"
)

// inferRequestDTO is the inbound body: the OpenAI chat shape plus
// gateway extensions.
type inferRequestDTO struct {
	api.ChatCompletionRequest
	Priority       int    `json:"priority,omitempty"`
	InferenceStage string `json:"inferenceStage,omitempty"`
	TopK           int    `json:"top_k,omitempty"`
}

// writeError renders the typed error payload with origin stamped.
func (s *Server) writeError(c *gin.Context, requestID string, err error) {
	ge := apierror.Wrap(err).WithOrigin(s.deps.Config.Server.NodeName, requestID)
	accesslog.SetError(c, string(ge.Class), ge.Message)
	c.JSON(ge.HTTPStatus(), ge)
}

// buildRequest converts the DTO into the internal request, applying
// tenant resolution and running the admission plugin phases.
func (s *Server) buildRequest(c *gin.Context, dto inferRequestDTO, streamingReq bool) (api.InferenceRequest, error) {
	tenant := admission.ResolveTenant(c.GetHeader(admission.TenantHeader))
	accesslog.SetTenant(c, tenant)
	accesslog.SetModel(c, dto.Model)

	params := api.SamplingParams{
		MaxTokens: dto.MaxTokens,
		Stop:      dto.Stop,
		TopK:      dto.TopK,
	}
	if dto.Temperature != nil {
		params.Temperature = *dto.Temperature
	}
	if dto.TopP != nil {
		params.TopP = *dto.TopP
	}
	if dto.Seed != nil {
		params.Seed = *dto.Seed
	}

	builder := api.NewRequest(tenant, dto.Model).
		RequestID(accesslog.RequestID(c)).
		Messages(dto.Messages...).
		Params(params).
		Tools(dto.Tools).
		Priority(dto.Priority).
		Streaming(streamingReq)
	if dto.InferenceStage != "" {
		builder = builder.Stage(api.InferenceStage(dto.InferenceStage))
	}
	req, err := builder.Build()
	if err != nil {
		return api.InferenceRequest{}, apierror.Validation("invalid request: %v", err)
	}

	rc := plugin.NewRequestContext(req)
	if err := s.deps.Pipeline.RunAdmission(c.Request.Context(), rc); err != nil {
		return api.InferenceRequest{}, err
	}
	// PRE phases may rewrite the request
	return rc.Request, nil
}

// estimateTokens is the admission-time cost estimate: prompt chars/4
// plus the output budget.
func (s *Server) estimateTokens(req api.InferenceRequest) int64 {
	n, err := s.deps.Counter.CalculateTokenNum(req.Prompt())
	if err != nil {
		n = len(req.Prompt()) / 4
	}
	return int64(n + req.Params.MaxTokens)
}

func routingFromHeaders(c *gin.Context) provider.RoutingContext {
	rctx := provider.RoutingContext{
		PreferredProvider: c.GetHeader("X-Preferred-Provider"),
		DeviceHint:        c.GetHeader("X-Device-Hint"),
	}
	if v := c.GetHeader("X-Cost-Sensitive"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			rctx.CostSensitive = b
		}
	}
	return rctx
}

func (s *Server) handleCompletions(c *gin.Context) {
	var dto inferRequestDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		s.writeError(c, accesslog.RequestID(c), apierror.Validation("malformed request body").WithCause(err))
		return
	}
	req, err := s.buildRequest(c, dto, false)
	if err != nil {
		s.writeError(c, accesslog.RequestID(c), err)
		return
	}

	estimated := s.estimateTokens(req)
	if err := s.deps.Admission.Reserve(c.Request.Context(), req.TenantID, estimated); err != nil {
		s.writeError(c, req.RequestID, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	s.trackRequest(req.RequestID, cancel)
	defer func() {
		cancel()
		s.untrackRequest(req.RequestID)
	}()

	rc := plugin.NewRequestContext(req)
	resp, err := s.deps.Orch.Execute(ctx, req, routingFromHeaders(c))
	rc.Response, rc.Err = &resp, err
	if perr := s.deps.Pipeline.RunCompletion(c.Request.Context(), rc); perr != nil && err == nil {
		err = perr
	}

	s.deps.Admission.Release(c.Request.Context(), req.TenantID, estimated, int64(resp.TokensUsed))
	if err != nil {
		s.writeError(c, req.RequestID, err)
		return
	}
	accesslog.SetProvider(c, resp.Provider)
	accesslog.SetTokenCounts(c, resp.PromptTokens, resp.CompletionTokens)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStream(c *gin.Context) {
	var dto inferRequestDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		s.writeError(c, accesslog.RequestID(c), apierror.Validation("malformed request body").WithCause(err))
		return
	}
	req, err := s.buildRequest(c, dto, true)
	if err != nil {
		s.writeError(c, accesslog.RequestID(c), err)
		return
	}

	estimated := s.estimateTokens(req)
	if err := s.deps.Admission.Reserve(c.Request.Context(), req.TenantID, estimated); err != nil {
		s.writeError(c, req.RequestID, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	s.trackRequest(req.RequestID, cancel)
	defer func() {
		cancel()
		s.untrackRequest(req.RequestID)
	}()

	stream, err := s.deps.Orch.Stream(ctx, req, routingFromHeaders(c))
	if err != nil {
		s.deps.Admission.Release(c.Request.Context(), req.TenantID, estimated, 0)
		s.writeError(c, req.RequestID, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := streaming.NewSSEWriter(c.Writer)
	var emitted int
	for chunk := range stream.Chunks() {
		if err := writer.WriteChunk(chunk); err != nil {
			// client went away; stop the generation loop
			stream.Cancel()
			break
		}
		if !chunk.IsComplete {
			emitted++
		}
	}
	if err := writer.WriteDone(); err != nil {
		klog.V(4).Infof("request %s: client closed before DONE", req.RequestID)
	}
	s.deps.Admission.Release(context.Background(), req.TenantID, estimated, int64(req.PromptTokenCount+emitted))
	accesslog.SetTokenCounts(c, req.PromptTokenCount, emitted)
}

func (s *Server) handleAsyncSubmit(c *gin.Context) {
	var dto inferRequestDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		s.writeError(c, accesslog.RequestID(c), apierror.Validation("malformed request body").WithCause(err))
		return
	}
	req, err := s.buildRequest(c, dto, false)
	if err != nil {
		s.writeError(c, accesslog.RequestID(c), err)
		return
	}

	estimated := s.estimateTokens(req)
	if err := s.deps.Admission.Reserve(c.Request.Context(), req.TenantID, estimated); err != nil {
		s.writeError(c, req.RequestID, err)
		return
	}

	jobID, err := s.deps.Jobs.Submit(c.Request.Context(), req)
	if err != nil {
		s.deps.Admission.Release(c.Request.Context(), req.TenantID, estimated, 0)
		s.writeError(c, req.RequestID, err)
		return
	}
	s.trackJob(req.RequestID, jobID)
	s.trackJobQuota(jobID, req.TenantID, estimated)
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID, "requestId": req.RequestID})
}

func (s *Server) handleAsyncStatus(c *gin.Context) {
	rec, err := s.deps.Jobs.Status(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		s.writeError(c, accesslog.RequestID(c), err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type batchRequestDTO struct {
	Requests []inferRequestDTO `json:"requests"`
}

func (s *Server) handleBatch(c *gin.Context) {
	var dto batchRequestDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		s.writeError(c, accesslog.RequestID(c), apierror.Validation("malformed request body").WithCause(err))
		return
	}
	if len(dto.Requests) == 0 {
		s.writeError(c, accesslog.RequestID(c), apierror.Validation("requests must not be empty"))
		return
	}

	batchID := uuid.NewString()
	jobIDs := make([]string, 0, len(dto.Requests))
	for i, item := range dto.Requests {
		req, err := s.buildRequest(c, item, false)
		if err != nil {
			s.writeError(c, accesslog.RequestID(c), apierror.Wrap(err))
			return
		}
		// each entry gets its own request id; the header id names the batch
		req.RequestID = batchID + "-" + strconv.Itoa(i)
		estimated := s.estimateTokens(req)
		if err := s.deps.Admission.Reserve(c.Request.Context(), req.TenantID, estimated); err != nil {
			s.writeError(c, req.RequestID, err)
			return
		}
		jobID, err := s.deps.Jobs.Submit(c.Request.Context(), req)
		if err != nil {
			s.deps.Admission.Release(c.Request.Context(), req.TenantID, estimated, 0)
			s.writeError(c, req.RequestID, err)
			return
		}
		s.trackJob(req.RequestID, jobID)
		s.trackJobQuota(jobID, req.TenantID, estimated)
		jobIDs = append(jobIDs, jobID)
	}
	c.JSON(http.StatusAccepted, gin.H{"batchId": batchID, "jobIds": jobIDs})
}

func (s *Server) handleCancel(c *gin.Context) {
	requestID := c.Param("requestId")
	cancelled := s.cancelRequest(requestID)
	if !cancelled {
		s.writeError(c, requestID, apierror.NotFound("no cancellable request %s", requestID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleAuditTrail(c *gin.Context) {
	rows, err := s.deps.Trail.ByRequest(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		s.writeError(c, accesslog.RequestID(c), err)
		return
	}
	if len(rows) == 0 {
		s.writeError(c, accesslog.RequestID(c), apierror.NotFound("no records for request %s", c.Param("requestId")))
		return
	}
	c.JSON(http.StatusOK, rows)
}
