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

package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

func TestPublisher_RecordRequestAndCost(t *testing.T) {
	p := NewPublisher()
	req := api.InferenceRequest{TenantID: "acme", Model: "llama-3-8b", Stage: api.StageCombined}
	resp := api.InferenceResponse{PromptTokens: 100, CompletionTokens: 50, TokensUsed: 150}

	p.RecordRequest(req, resp, "gguf", 120*time.Millisecond, 2.0, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		requestsTotal.WithLabelValues("acme", "llama-3-8b", "gguf", "COMBINED", "success")))
	assert.Equal(t, 100.0, testutil.ToFloat64(
		tokensTotal.WithLabelValues("acme", "llama-3-8b", "prompt")))
	assert.InDelta(t, 2.0*150/1e6, testutil.ToFloat64(
		costTotal.WithLabelValues("acme", "llama-3-8b")), 1e-9)
}

func TestPublisher_ErrorOutcomeLabel(t *testing.T) {
	p := NewPublisher()
	req := api.InferenceRequest{TenantID: "t", Model: "m", Stage: api.StagePrefill}

	p.RecordRequest(req, api.InferenceResponse{}, "gguf", time.Millisecond, 0,
		apierror.Overloaded("busy"))

	assert.Equal(t, 1.0, testutil.ToFloat64(
		requestsTotal.WithLabelValues("t", "m", "gguf", "PREFILL", "overloaded")))
}

func TestBurnTracker_RatesAndWindowExpiry(t *testing.T) {
	b := NewBurnTracker(0.99, time.Minute, 10)
	for i := 0; i < 99; i++ {
		b.Record(true)
	}
	b.Record(false)
	// 1% errors against a 1% budget burns at exactly 1x
	assert.InDelta(t, 1.0, b.BurnRate(), 1e-9)

	quiet := NewBurnTracker(0.99, time.Minute, 10)
	assert.Zero(t, quiet.BurnRate())
}

func TestScrapeURL_ParsesRunnerFamilies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "# TYPE vllm_num_requests_running gauge\n")
		fmt.Fprint(w, "vllm_num_requests_running 3\n")
		fmt.Fprint(w, "# TYPE vllm_time_to_first_token_seconds histogram\n")
		fmt.Fprint(w, "vllm_time_to_first_token_seconds_sum 4.5\n")
		fmt.Fprint(w, "vllm_time_to_first_token_seconds_count 9\n")
	}))
	defer srv.Close()

	families, err := ScrapeURL(srv.URL)
	require.NoError(t, err)

	gauges := CounterAndGaugeValues(families, []string{"vllm_num_requests_running", "missing"})
	assert.Equal(t, 3.0, gauges["vllm_num_requests_running"])
	assert.NotContains(t, gauges, "missing")

	hists := HistogramAverages(families, []string{"vllm_time_to_first_token_seconds"})
	assert.InDelta(t, 0.5, hists["vllm_time_to_first_token_seconds"], 1e-9)
}
