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

// Package policy defines the capability interfaces implemented by gateway
// policies, the registry mapping policy ids to factories, and the factory
// that turns resolved metadata into ready to run policy instances.
package policy

import (
	"context"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

// Chain is the handle a policy uses to hand control back to the executor.
// Exactly one of Next or Fail must eventually be called, possibly from
// another goroutine once an external call has completed.
type Chain interface {
	// Next advances to the following policy.
	Next()

	// Fail ends the chain with a client visible failure.
	Fail(f *execution.Failure)
}

// Policy is the common part of every policy implementation.
type Policy interface {
	ID() string
}

// RequestPolicy participates in the REQUEST phase.
type RequestPolicy interface {
	Policy
	OnRequest(ctx context.Context, ec *execution.Context, chain Chain)
}

// ResponsePolicy participates in the RESPONSE phase.
type ResponsePolicy interface {
	Policy
	OnResponse(ctx context.Context, ec *execution.Context, chain Chain)
}

// MessageRequestPolicy processes each published message. The message is
// available through ec.Message().
type MessageRequestPolicy interface {
	Policy
	OnMessageRequest(ctx context.Context, ec *execution.Context, chain Chain)
}

// MessageResponsePolicy processes each message delivered to subscribers.
type MessageResponsePolicy interface {
	Policy
	OnMessageResponse(ctx context.Context, ec *execution.Context, chain Chain)
}

// SecurityPolicy authenticates requests for a plan.
type SecurityPolicy interface {
	RequestPolicy

	// Support reports whether the request carries what this scheme needs.
	// It runs during plan selection, before OnRequest.
	Support(ec *execution.Context) bool

	// Order ranks schemes during plan selection; lower runs first.
	Order() int
}

// Metadata is a resolved step ready for instantiation.
type Metadata struct {
	PolicyID      string
	Configuration map[string]interface{}

	// Stage is the phase the step was resolved for.
	Stage definition.Phase

	// Flow names the flow the step comes from, for tracing.
	Flow string

	// MessageCondition gates the policy per message in message phases.
	MessageCondition string
}

// Factory creates a policy instance from a resolved step. The configuration
// has $config(...) references already resolved.
type Factory func(meta Metadata, config map[string]interface{}) (Policy, error)

// SecurityFactory creates the security policy guarding a plan.
type SecurityFactory func(plan definition.Plan, config map[string]interface{}) (SecurityPolicy, error)

// Supports reports whether p implements the callback for phase.
func Supports(p Policy, phase definition.Phase) bool {
	switch phase {
	case definition.PhaseRequest:
		_, ok := p.(RequestPolicy)
		return ok
	case definition.PhaseResponse:
		_, ok := p.(ResponsePolicy)
		return ok
	case definition.PhaseMessageRequest:
		_, ok := p.(MessageRequestPolicy)
		return ok
	case definition.PhaseMessageResponse:
		_, ok := p.(MessageResponsePolicy)
		return ok
	default:
		return false
	}
}

// Invoke dispatches to the phase callback of p. Policies that do not
// implement the phase are passed through.
func Invoke(ctx context.Context, p Policy, phase definition.Phase, ec *execution.Context, chain Chain) {
	switch phase {
	case definition.PhaseRequest:
		if rp, ok := p.(RequestPolicy); ok {
			rp.OnRequest(ctx, ec, chain)
			return
		}
	case definition.PhaseResponse:
		if rp, ok := p.(ResponsePolicy); ok {
			rp.OnResponse(ctx, ec, chain)
			return
		}
	case definition.PhaseMessageRequest:
		if mp, ok := p.(MessageRequestPolicy); ok {
			mp.OnMessageRequest(ctx, ec, chain)
			return
		}
	case definition.PhaseMessageResponse:
		if mp, ok := p.(MessageResponsePolicy); ok {
			mp.OnMessageResponse(ctx, ec, chain)
			return
		}
	}
	chain.Next()
}
