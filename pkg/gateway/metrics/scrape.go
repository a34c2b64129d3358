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

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// ScrapeURL fetches and parses a runner's Prometheus text endpoint,
// e.g. a colocated vLLM or llama.cpp server exposing /metrics.
func ScrapeURL(url string) (map[string]*dto.MetricFamily, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metrics from %s: %w", url, err)
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error parsing metric families from %s: %w", url, err)
	}
	return families, nil
}

// CounterAndGaugeValues extracts the plain numeric value for each named
// counter or gauge family.
func CounterAndGaugeValues(families map[string]*dto.MetricFamily, names []string) map[string]float64 {
	values := make(map[string]float64)
	for _, name := range names {
		family, ok := families[name]
		if !ok {
			continue
		}
		for _, m := range family.Metric {
			if c := m.GetCounter(); c != nil {
				values[name] = c.GetValue()
			} else if g := m.GetGauge(); g != nil {
				values[name] = g.GetValue()
			}
		}
	}
	return values
}

// HistogramAverages extracts the lifetime mean of each named histogram
// family.
func HistogramAverages(families map[string]*dto.MetricFamily, names []string) map[string]float64 {
	values := make(map[string]float64)
	for _, name := range names {
		family, ok := families[name]
		if !ok {
			continue
		}
		for _, m := range family.Metric {
			h := m.GetHistogram()
			if h == nil || h.GetSampleCount() == 0 {
				continue
			}
			values[name] = h.GetSampleSum() / float64(h.GetSampleCount())
		}
	}
	return values
}

// WindowAverage returns the mean over the delta between two scrapes of
// the same histogram. With no new samples it falls back to the lifetime
// mean of the previous scrape.
func WindowAverage(previous, current *dto.Histogram) float64 {
	deltaSum := current.GetSampleSum() - previous.GetSampleSum()
	deltaCount := current.GetSampleCount() - previous.GetSampleCount()
	if deltaCount == 0 {
		if previous.GetSampleCount() == 0 {
			return 0
		}
		return previous.GetSampleSum() / float64(previous.GetSampleCount())
	}
	return deltaSum / float64(deltaCount)
}
