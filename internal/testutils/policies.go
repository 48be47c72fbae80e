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

// Package testutils provides policies, contexts and streams shared by tests.
package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
)

// Recorder collects "policy:phase" entries in invocation order.
type Recorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *Recorder) Record(entry string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}

// =============================================================================
// MockPolicy
// =============================================================================

// MockPolicy implements every phase. By default it records its invocation
// and calls Next; the fields switch it to the misbehaviours the executor has
// to cope with.
type MockPolicy struct {
	Name     string
	Recorder *Recorder

	// Mutate runs before the transition.
	Mutate func(ec *execution.Context, phase definition.Phase)

	// Failure ends the chain with Fail.
	Failure *execution.Failure

	// Panic makes the callback panic.
	Panic bool

	// Stall returns without any transition.
	Stall bool

	// Delay moves the transition to another goroutine after the delay.
	Delay time.Duration

	// Twice calls Next a second time after the first transition.
	Twice bool
}

func (p *MockPolicy) ID() string { return p.Name }

func (p *MockPolicy) OnRequest(ctx context.Context, ec *execution.Context, chain policy.Chain) {
	p.run(ctx, definition.PhaseRequest, ec, chain)
}

func (p *MockPolicy) OnResponse(ctx context.Context, ec *execution.Context, chain policy.Chain) {
	p.run(ctx, definition.PhaseResponse, ec, chain)
}

func (p *MockPolicy) OnMessageRequest(ctx context.Context, ec *execution.Context, chain policy.Chain) {
	p.run(ctx, definition.PhaseMessageRequest, ec, chain)
}

func (p *MockPolicy) OnMessageResponse(ctx context.Context, ec *execution.Context, chain policy.Chain) {
	p.run(ctx, definition.PhaseMessageResponse, ec, chain)
}

func (p *MockPolicy) run(_ context.Context, phase definition.Phase, ec *execution.Context, chain policy.Chain) {
	p.Recorder.Record(p.Name + ":" + string(phase))
	if p.Panic {
		panic("mock policy " + p.Name + " panicked")
	}
	if p.Stall {
		return
	}

	transition := func() {
		if p.Mutate != nil {
			p.Mutate(ec, phase)
		}
		if p.Failure != nil {
			chain.Fail(p.Failure)
		} else {
			chain.Next()
		}
		if p.Twice {
			chain.Next()
		}
	}

	if p.Delay > 0 {
		go func() {
			time.Sleep(p.Delay)
			transition()
		}()
		return
	}
	transition()
}

// RequestOnlyPolicy implements only the REQUEST phase.
type RequestOnlyPolicy struct {
	Name     string
	Recorder *Recorder
}

func (p *RequestOnlyPolicy) ID() string { return p.Name }

func (p *RequestOnlyPolicy) OnRequest(_ context.Context, _ *execution.Context, chain policy.Chain) {
	p.Recorder.Record(p.Name + ":" + string(definition.PhaseRequest))
	chain.Next()
}

// Factory returns a policy factory that creates MockPolicy instances named
// after the policy id, all recording into rec.
func Factory(rec *Recorder) policy.Factory {
	return func(meta policy.Metadata, _ map[string]interface{}) (policy.Policy, error) {
		return &MockPolicy{Name: meta.PolicyID, Recorder: rec}, nil
	}
}

// FailingFactory creates policies that fail every phase with f.
func FailingFactory(rec *Recorder, f *execution.Failure) policy.Factory {
	return func(meta policy.Metadata, _ map[string]interface{}) (policy.Policy, error) {
		return &MockPolicy{Name: meta.PolicyID, Recorder: rec, Failure: f}, nil
	}
}
