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
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
)

var (
	// ErrPolicyNotFound is returned when no factory is registered for a policy id.
	ErrPolicyNotFound = errors.New("policy factory not found")

	// ErrSecurityNotFound is returned when no factory is registered for a security type.
	ErrSecurityNotFound = errors.New("security policy factory not found")
)

// Registry maps policy ids to factories and security types to security
// factories. It is populated at startup, then only read.
type Registry struct {
	mu sync.RWMutex

	factories         map[string]Factory
	securityFactories map[string]SecurityFactory

	resolver *ConfigResolver
}

// NewRegistry creates an empty registry. rawConfig backs $config(...)
// references and may be nil.
func NewRegistry(rawConfig map[string]interface{}) *Registry {
	return &Registry{
		factories:         make(map[string]Factory),
		securityFactories: make(map[string]SecurityFactory),
		resolver:          NewConfigResolver(rawConfig),
	}
}

// Register registers the factory for a policy id
func (r *Registry) Register(policyID string, factory Factory) error {
	if policyID == "" || factory == nil {
		return fmt.Errorf("policy id and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[policyID]; exists {
		return fmt.Errorf("policy already registered: %s", policyID)
	}
	r.factories[policyID] = factory
	return nil
}

// RegisterSecurity registers the factory for a security type. The type is
// normalized the same way plan security types are.
func (r *Registry) RegisterSecurity(securityType string, factory SecurityFactory) error {
	key := definition.Security{Type: securityType}.NormalizedType()
	if key == "" || factory == nil {
		return fmt.Errorf("security type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.securityFactories[key]; exists {
		return fmt.Errorf("security policy already registered: %s", key)
	}
	r.securityFactories[key] = factory
	return nil
}

// Factory retrieves the factory registered for a policy id
func (r *Registry) Factory(policyID string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[policyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}
	return factory, nil
}

// SecurityFactory retrieves the factory for an already normalized security type
func (r *Registry) SecurityFactory(securityType string) (SecurityFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.securityFactories[securityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecurityNotFound, securityType)
	}
	return factory, nil
}

// CreateInstance creates a policy instance for resolved metadata
func (r *Registry) CreateInstance(meta Metadata) (Policy, error) {
	factory, err := r.Factory(meta.PolicyID)
	if err != nil {
		return nil, err
	}
	instance, err := factory(meta, r.resolver.ResolveMap(meta.Configuration))
	if err != nil {
		return nil, fmt.Errorf("failed to create policy instance %s: %w", meta.PolicyID, err)
	}
	return instance, nil
}

// CreateSecurityInstance creates the security policy guarding a plan
func (r *Registry) CreateSecurityInstance(plan definition.Plan) (SecurityPolicy, error) {
	securityType := plan.Security.NormalizedType()
	factory, err := r.SecurityFactory(securityType)
	if err != nil {
		return nil, err
	}
	instance, err := factory(plan, r.resolver.ResolveMap(plan.Security.Configuration))
	if err != nil {
		return nil, fmt.Errorf("failed to create security policy %s for plan %s: %w", securityType, plan.ID, err)
	}
	return instance, nil
}

// DumpPolicies returns the sorted registered policy ids and security types
func (r *Registry) DumpPolicies() (policies []string, securityTypes []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id := range r.factories {
		policies = append(policies, id)
	}
	for t := range r.securityFactories {
		securityTypes = append(securityTypes, t)
	}
	slices.Sort(policies)
	slices.Sort(securityTypes)
	return policies, securityTypes
}

// String is used in debug logs
func (r *Registry) String() string {
	p, s := r.DumpPolicies()
	return fmt.Sprintf("policies=[%s] security=[%s]", strings.Join(p, ","), strings.Join(s, ","))
}
