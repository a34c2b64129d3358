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

package plugin

import (
	"context"
	"strings"

	"github.com/openinfer/openinfer/pkg/gateway/api"
	"github.com/openinfer/openinfer/pkg/gateway/apierror"
)

const (
	ValidationPluginName    = "request-validation"
	ContentSafetyPluginName = "content-safety"
	PromptLengthPluginName  = "prompt-length-guard"
)

func init() {
	RegisterBuilder(ValidationPluginName, func(arg map[string]interface{}) Plugin {
		return &ValidationPlugin{}
	})
	RegisterBuilder(ContentSafetyPluginName, func(arg map[string]interface{}) Plugin {
		p := &ContentSafetyPlugin{}
		if raw, ok := arg["blocklist"].([]interface{}); ok {
			for _, term := range raw {
				if s, ok := term.(string); ok {
					p.blocklist = append(p.blocklist, strings.ToLower(s))
				}
			}
		}
		return p
	})
	RegisterBuilder(PromptLengthPluginName, func(arg map[string]interface{}) Plugin {
		p := &PromptLengthPlugin{maxChars: 1 << 20}
		if v, ok := arg["maxChars"].(float64); ok && v > 0 {
			p.maxChars = int(v)
		}
		return p
	})
}

// ValidationPlugin enforces the structural request contract.
type ValidationPlugin struct{}

func (v *ValidationPlugin) Name() string { return ValidationPluginName }
func (v *ValidationPlugin) Phase() Phase { return PhaseValidate }
func (v *ValidationPlugin) Order() int   { return 0 }

func (v *ValidationPlugin) Run(ctx context.Context, rc *RequestContext) error {
	req := rc.Request
	if req.Model == "" {
		return apierror.Validation("model is required")
	}
	if len(req.Messages) == 0 {
		return apierror.Validation("messages must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case api.RoleSystem, api.RoleUser, api.RoleAssistant, api.RoleTool:
		default:
			return apierror.Validation("messages[%d]: unknown role %q", i, m.Role)
		}
		if m.Content == "" && m.Role != api.RoleAssistant {
			return apierror.Validation("messages[%d]: empty content", i)
		}
	}
	return nil
}

// PromptLengthPlugin rejects degenerate oversized prompts before any
// token counting happens.
type PromptLengthPlugin struct {
	maxChars int
}

func (p *PromptLengthPlugin) Name() string { return PromptLengthPluginName }
func (p *PromptLengthPlugin) Phase() Phase { return PhasePreValidate }
func (p *PromptLengthPlugin) Order() int   { return 0 }

func (p *PromptLengthPlugin) Run(ctx context.Context, rc *RequestContext) error {
	var total int
	for _, m := range rc.Request.Messages {
		total += len(m.Content)
	}
	if total > p.maxChars {
		return apierror.ContextTooLong("prompt of %d characters exceeds limit %d", total, p.maxChars)
	}
	return nil
}

// ContentSafetyPlugin blocks prompts containing configured terms.
type ContentSafetyPlugin struct {
	blocklist []string
}

func (c *ContentSafetyPlugin) Name() string { return ContentSafetyPluginName }
func (c *ContentSafetyPlugin) Phase() Phase { return PhasePreInfer }
func (c *ContentSafetyPlugin) Order() int   { return 0 }

func (c *ContentSafetyPlugin) Run(ctx context.Context, rc *RequestContext) error {
	if len(c.blocklist) == 0 {
		return nil
	}
	prompt := strings.ToLower(rc.Request.Prompt())
	for _, term := range c.blocklist {
		if strings.Contains(prompt, term) {
			return apierror.UnsafeContent("prompt rejected by content policy")
		}
	}
	return nil
}
