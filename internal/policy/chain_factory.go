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

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/condition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

// ChainFactory turns resolved metadata into policy instances. Instances are
// cached per policy id, phase and configuration, so they are shared between
// concurrent requests and must not keep per-request state.
type ChainFactory struct {
	registry *Registry
	filter   *condition.Filter

	mu        sync.RWMutex
	instances map[string]Policy
}

// NewChainFactory creates a chain factory. filter evaluates message conditions.
func NewChainFactory(registry *Registry, filter *condition.Filter) *ChainFactory {
	if filter == nil {
		filter = condition.NewFilter(nil, nil)
	}
	return &ChainFactory{
		registry:  registry,
		filter:    filter,
		instances: make(map[string]Policy),
	}
}

// Create instantiates the policies of a chain, in order.
func (f *ChainFactory) Create(phase definition.Phase, metas []Metadata) ([]Policy, error) {
	policies := make([]Policy, 0, len(metas))
	for _, meta := range metas {
		meta.Stage = phase
		p, err := f.instance(meta)
		if err != nil {
			return nil, err
		}
		if phase.IsMessage() && meta.MessageCondition != "" {
			p = &messageConditionPolicy{
				inner:     p,
				condition: meta.MessageCondition,
				filter:    f.filter,
			}
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func (f *ChainFactory) instance(meta Metadata) (Policy, error) {
	key, err := cacheKey(meta)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	p, ok := f.instances[key]
	f.mu.RUnlock()
	if ok {
		return p, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.instances[key]; ok {
		return p, nil
	}

	p, err = f.registry.CreateInstance(meta)
	if err != nil {
		return nil, err
	}
	f.instances[key] = p
	return p, nil
}

// Size returns the number of cached instances.
func (f *ChainFactory) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.instances)
}

func cacheKey(meta Metadata) (string, error) {
	h := fnv.New64a()
	if meta.Configuration != nil {
		// encoding/json sorts map keys, which keeps the key stable
		raw, err := json.Marshal(meta.Configuration)
		if err != nil {
			return "", fmt.Errorf("invalid configuration for policy %s: %w", meta.PolicyID, err)
		}
		_, _ = h.Write(raw)
	}
	return fmt.Sprintf("%s|%s|%x", meta.PolicyID, meta.Stage, h.Sum64()), nil
}

// messageConditionPolicy runs the wrapped policy only for messages matching
// the step message condition.
type messageConditionPolicy struct {
	inner     Policy
	condition string
	filter    *condition.Filter
}

func (p *messageConditionPolicy) ID() string { return p.inner.ID() }

func (p *messageConditionPolicy) OnMessageRequest(ctx context.Context, ec *execution.Context, chain Chain) {
	p.run(ctx, definition.PhaseMessageRequest, ec, chain)
}

func (p *messageConditionPolicy) OnMessageResponse(ctx context.Context, ec *execution.Context, chain Chain) {
	p.run(ctx, definition.PhaseMessageResponse, ec, chain)
}

func (p *messageConditionPolicy) run(ctx context.Context, phase definition.Phase, ec *execution.Context, chain Chain) {
	if !p.filter.Passes(ec, p.condition, "message condition of "+p.inner.ID()) {
		chain.Next()
		return
	}
	Invoke(ctx, p.inner, phase, ec, chain)
}
