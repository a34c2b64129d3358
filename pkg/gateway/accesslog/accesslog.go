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

// Package accesslog records one structured line per API request to the
// rotating file logger.
package accesslog

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openinfer/openinfer/pkg/gateway/logger"
)

// Entry is one access log line.
type Entry struct {
	RequestID    string
	TenantID     string
	Method       string
	Path         string
	Proto        string
	Model        string
	Provider     string
	StatusCode   int
	InputTokens  int
	OutputTokens int
	ErrorType    string
	ErrorMessage string
	Duration     time.Duration
}

// Logger writes entries. File-backed by default; tests swap in a capture.
type Logger interface {
	Log(e Entry) error
}

// FileLogger writes entries through the rotating file logger.
type FileLogger struct {
	entry *logrus.Entry
}

func NewFileLogger() *FileLogger {
	return &FileLogger{entry: logger.NewFileLogger("access")}
}

func (f *FileLogger) Log(e Entry) error {
	fields := logrus.Fields{
		"requestId":  e.RequestID,
		"tenantId":   e.TenantID,
		"method":     e.Method,
		"path":       e.Path,
		"proto":      e.Proto,
		"status":     e.StatusCode,
		"durationMs": e.Duration.Milliseconds(),
	}
	if e.Model != "" {
		fields["model"] = e.Model
	}
	if e.Provider != "" {
		fields["provider"] = e.Provider
	}
	if e.InputTokens > 0 || e.OutputTokens > 0 {
		fields["inputTokens"] = e.InputTokens
		fields["outputTokens"] = e.OutputTokens
	}

	line := f.entry.WithFields(fields)
	if e.ErrorType != "" {
		line.WithField("errorType", e.ErrorType).WithField("error", e.ErrorMessage).Warn("request failed")
		return nil
	}
	line.Info("request completed")
	return nil
}
