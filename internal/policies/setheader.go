/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package policies holds the general purpose policies shipped with the
// engine.
package policies

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
)

// HeaderAction is the modification applied by the set-header policy.
type HeaderAction string

const (
	ActionSet    HeaderAction = "SET"
	ActionAppend HeaderAction = "APPEND"
	ActionDelete HeaderAction = "DELETE"
)

// SetHeaderConfig is the step configuration of set-header.
type SetHeaderConfig struct {
	Action      HeaderAction `mapstructure:"action"`
	HeaderName  string       `mapstructure:"headerName"`
	HeaderValue string       `mapstructure:"headerValue"`
}

// Validate checks the configuration and normalizes the action.
func (c *SetHeaderConfig) Validate() error {
	c.Action = HeaderAction(strings.ToUpper(string(c.Action)))
	switch c.Action {
	case ActionSet, ActionAppend:
		if c.HeaderValue == "" {
			return fmt.Errorf("headerValue is required for %s action", c.Action)
		}
	case ActionDelete:
	case "":
		return fmt.Errorf("action parameter is required")
	default:
		return fmt.Errorf("action must be SET, APPEND, or DELETE")
	}
	if strings.TrimSpace(c.HeaderName) == "" {
		return fmt.Errorf("headerName cannot be empty")
	}
	return nil
}

// SetHeader modifies one header of the request, the response or the
// current message depending on the phase it runs in.
type SetHeader struct {
	config SetHeaderConfig
}

// NewSetHeader is the set-header factory.
func NewSetHeader(_ policy.Metadata, config map[string]interface{}) (policy.Policy, error) {
	var cfg SetHeaderConfig
	if err := mapstructure.Decode(config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid set-header configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid set-header configuration: %w", err)
	}
	return &SetHeader{config: cfg}, nil
}

func (p *SetHeader) ID() string { return SetHeaderID }

func (p *SetHeader) OnRequest(_ context.Context, ec *execution.Context, chain policy.Chain) {
	p.apply(ec.Request().Headers)
	chain.Next()
}

func (p *SetHeader) OnResponse(_ context.Context, ec *execution.Context, chain policy.Chain) {
	p.apply(ec.Response().Headers)
	chain.Next()
}

func (p *SetHeader) OnMessageRequest(_ context.Context, ec *execution.Context, chain policy.Chain) {
	p.applyMessage(ec.Message())
	chain.Next()
}

func (p *SetHeader) OnMessageResponse(_ context.Context, ec *execution.Context, chain policy.Chain) {
	p.applyMessage(ec.Message())
	chain.Next()
}

func (p *SetHeader) applyMessage(msg *execution.Message) {
	if msg == nil {
		return
	}
	if msg.Headers == nil {
		msg.Headers = http.Header{}
	}
	p.apply(msg.Headers)
}

func (p *SetHeader) apply(h http.Header) {
	switch p.config.Action {
	case ActionSet:
		h.Set(p.config.HeaderName, p.config.HeaderValue)
	case ActionAppend:
		h.Add(p.config.HeaderName, p.config.HeaderValue)
	case ActionDelete:
		h.Del(p.config.HeaderName)
	}
}
