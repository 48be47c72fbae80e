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

// Package definition holds the immutable, deployed description of APIs:
// their plans, flows, selectors and policy steps.
package definition

import (
	"strings"
	"time"
)

// ApiType distinguishes request/response proxies from message APIs.
type ApiType string

const (
	ApiTypeProxy   ApiType = "PROXY"
	ApiTypeMessage ApiType = "MESSAGE"
)

// FlowMode controls how many API flows may apply to one request.
type FlowMode string

const (
	// FlowModeDefault applies every matching flow in declaration order.
	FlowModeDefault FlowMode = "DEFAULT"
	// FlowModeBestMatch applies only the most specific matching flow.
	FlowModeBestMatch FlowMode = "BEST_MATCH"
)

// FlowExecution configures API flow selection.
type FlowExecution struct {
	Mode FlowMode `yaml:"mode"`

	// MatchRequired rejects requests for which no API flow matches.
	MatchRequired bool `yaml:"matchRequired"`
}

// Api is a deployed API definition.
type Api struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Version       string            `yaml:"version"`
	Type          ApiType           `yaml:"type"`
	ContextPath   string            `yaml:"contextPath"`
	FlowExecution FlowExecution     `yaml:"flowExecution"`
	Plans         []Plan            `yaml:"plans"`
	Flows         []Flow            `yaml:"flows"`
	Properties    map[string]string `yaml:"properties"`

	// Timeout overrides the engine request timeout when positive.
	Timeout time.Duration `yaml:"timeout"`
}

// Organization carries the platform level flows applied to every API.
type Organization struct {
	ID    string `yaml:"id"`
	Flows []Flow `yaml:"flows"`
}

// Plan exposes a security scheme and its own flows.
type Plan struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Security      Security `yaml:"security"`
	SelectionRule string   `yaml:"selectionRule"`
	Order         int      `yaml:"order"`
	Flows         []Flow   `yaml:"flows"`

	// Index is the declaration position of the plan in its API.
	Index int `yaml:"-"`
}

// Security is the declared security scheme of a plan. Configuration is
// handed to the security policy untouched.
type Security struct {
	Type          string                 `yaml:"type"`
	Configuration map[string]interface{} `yaml:"configuration"`
}

// NormalizedType lower-cases the security type and replaces underscores with
// hyphens, so API_KEY and api-key designate the same scheme.
func (s Security) NormalizedType() string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s.Type)), "_", "-")
}

// Plan returns the plan declared with id.
func (a *Api) Plan(id string) (*Plan, bool) {
	for i := range a.Plans {
		if a.Plans[i].ID == id {
			return &a.Plans[i], true
		}
	}
	return nil, false
}

// BestMatch reports whether the API selects a single most specific flow.
func (a *Api) BestMatch() bool {
	return a.FlowExecution.Mode == FlowModeBestMatch
}
