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

package accesslog

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

const (
	// ContextKey stores the in-flight Entry in gin.Context.
	ContextKey = "access_log_entry"

	// RequestIDHeader is propagated back to the caller.
	RequestIDHeader = "X-Request-ID"
)

// Middleware tracks request timing and metadata, generating a request
// id when the caller sends none.
func Middleware(log Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/readyz" {
			c.Next()
			return
		}

		requestID := c.Request.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			c.Request.Header.Set(RequestIDHeader, requestID)
		}
		c.Header(RequestIDHeader, requestID)

		entry := &Entry{
			RequestID: requestID,
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Proto:     c.Request.Proto,
		}
		c.Set(ContextKey, entry)

		start := time.Now()
		c.Next()

		entry.Duration = time.Since(start)
		entry.StatusCode = c.Writer.Status()
		if err := log.Log(*entry); err != nil {
			klog.Errorf("failed to write access log: %v", err)
		}
	}
}

// FromContext retrieves the in-flight entry.
func FromContext(c *gin.Context) *Entry {
	if v, exists := c.Get(ContextKey); exists {
		if entry, ok := v.(*Entry); ok {
			return entry
		}
	}
	return nil
}

// RequestID returns the request id assigned by the middleware.
func RequestID(c *gin.Context) string {
	if entry := FromContext(c); entry != nil {
		return entry.RequestID
	}
	return uuid.NewString()
}

// SetModel annotates the entry once the request body is parsed.
func SetModel(c *gin.Context, model string) {
	if entry := FromContext(c); entry != nil {
		entry.Model = model
	}
}

// SetTenant annotates the entry with the resolved tenant.
func SetTenant(c *gin.Context, tenant string) {
	if entry := FromContext(c); entry != nil {
		entry.TenantID = tenant
	}
}

// SetProvider annotates the entry with the serving provider.
func SetProvider(c *gin.Context, provider string) {
	if entry := FromContext(c); entry != nil {
		entry.Provider = provider
	}
}

// SetTokenCounts annotates the entry with usage.
func SetTokenCounts(c *gin.Context, input, output int) {
	if entry := FromContext(c); entry != nil {
		entry.InputTokens = input
		entry.OutputTokens = output
	}
}

// SetError annotates the entry with the failure.
func SetError(c *gin.Context, errorType, message string) {
	if entry := FromContext(c); entry != nil {
		entry.ErrorType = errorType
		entry.ErrorMessage = message
	}
}
