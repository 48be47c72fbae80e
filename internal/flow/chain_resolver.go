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

package flow

import (
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/condition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
)

// ChainResolver expands the flows of an axis into the ordered policy steps of
// a phase.
type ChainResolver struct {
	flows  *Resolver
	filter *condition.Filter
}

func NewChainResolver(flows *Resolver, filter *condition.Filter) *ChainResolver {
	if filter == nil {
		filter = condition.NewFilter(nil, nil)
	}
	return &ChainResolver{flows: flows, filter: filter}
}

func (c *ChainResolver) Axis() Axis { return c.flows.Axis() }

// Resolve lists the steps of every resolved flow for phase, flow by flow in
// resolution order. A step is kept when its condition passes and it is
// enabled. Message conditions are carried along and evaluated per message.
func (c *ChainResolver) Resolve(ec *execution.Context, phase definition.Phase) []policy.Metadata {
	var metas []policy.Metadata
	for _, f := range c.flows.Resolve(ec) {
		for _, step := range f.Steps(phase) {
			if !c.filter.Passes(ec, step.Condition, "step "+stepName(step)) {
				continue
			}
			if !step.IsEnabled() {
				continue
			}
			metas = append(metas, policy.Metadata{
				PolicyID:         step.Policy,
				Configuration:    step.Configuration,
				Stage:            phase,
				Flow:             f.DisplayName(),
				MessageCondition: step.MessageCondition,
			})
		}
	}
	return metas
}

func stepName(s definition.Step) string {
	if s.Name != "" {
		return s.Name
	}
	return s.Policy
}
