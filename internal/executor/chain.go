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

// Package executor drives policy chains as a chain of responsibility where
// every step hands control back through an explicit Next or Fail call.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/metrics"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
)

// ErrAlreadyExecuted is returned when Execute is called on a chain that has
// left the READY state.
var ErrAlreadyExecuted = errors.New("policy chain already executed")

// State is the lifecycle state of a chain.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ChainExecutor creates and runs policy chains. It holds no per-request
// state and is shared by every request.
type ChainExecutor struct {
	tracer trace.Tracer
}

// NewChainExecutor creates an executor. A nil tracer uses the global provider.
func NewChainExecutor(tracer trace.Tracer) *ChainExecutor {
	if tracer == nil {
		tracer = otel.Tracer("flow-engine/executor")
	}
	return &ChainExecutor{tracer: tracer}
}

// NewChain prepares a chain for one phase of one request.
func (e *ChainExecutor) NewChain(name string, phase definition.Phase, policies []policy.Policy) *Chain {
	return &Chain{
		name:     name,
		phase:    phase,
		policies: policies,
		tracer:   e.tracer,
	}
}

// Execute builds and runs a chain in one call.
func (e *ChainExecutor) Execute(ctx context.Context, ec *execution.Context, name string,
	phase definition.Phase, policies []policy.Policy) error {
	return e.NewChain(name, phase, policies).Execute(ctx, ec)
}

// Chain is a single run of an ordered policy list.
type Chain struct {
	name     string
	phase    definition.Phase
	policies []policy.Policy
	tracer   trace.Tracer
	state    atomic.Int32
}

func (c *Chain) State() State { return State(c.state.Load()) }

func (c *Chain) Phase() definition.Phase { return c.phase }

func (c *Chain) Len() int { return len(c.policies) }

// Execute runs every policy in order and returns once the chain completed,
// failed or ctx was cancelled.
//
// A step advances the chain only by calling Next on its handle, possibly
// from another goroutine. A step that calls Fail interrupts the execution
// context and the failure is returned. A panicking step fails the chain with
// a generic internal error. When ctx is done no further step is started and
// ctx.Err() is returned; a step still running in the background owns its own
// cancellation.
func (c *Chain) Execute(ctx context.Context, ec *execution.Context) error {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) {
		return ErrAlreadyExecuted
	}

	log := ec.Logger().With("chain", c.name, "phase", c.phase)
	if len(c.policies) == 0 {
		c.finish(StateCompleted)
		return nil
	}

	for _, p := range c.policies {
		if err := ctx.Err(); err != nil {
			log.Debug("Chain cancelled before next step", "policy", p.ID(), "error", err)
			c.finish(StateFailed)
			return err
		}

		sig, err := c.step(ctx, ec, p)
		if err != nil {
			log.Debug("Chain cancelled while waiting for step", "policy", p.ID(), "error", err)
			c.finish(StateFailed)
			return err
		}
		if sig.failure != nil {
			ec.Interrupt(sig.failure)
			c.finish(StateFailed)
			return sig.failure
		}
	}

	c.finish(StateCompleted)
	return nil
}

func (c *Chain) finish(s State) {
	c.state.Store(int32(s))
	metrics.ChainExecutionsTotal.WithLabelValues(string(c.phase), s.String()).Inc()
}

// step invokes one policy and waits for its transition.
func (c *Chain) step(ctx context.Context, ec *execution.Context, p policy.Policy) (signal, error) {
	start := time.Now()
	spanCtx, span := c.tracer.Start(ctx, fmt.Sprintf(constants.SpanPolicyFormat, c.phase, p.ID()),
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String(constants.AttrSpanPolicyID, p.ID()),
			attribute.String(constants.AttrSpanPolicyStage, string(c.phase)),
		)
	}

	h := newHandle(ec, p.ID(), c.phase)
	if failure := c.invoke(spanCtx, ec, p, h); failure != nil {
		c.observe(p, "panicked", start)
		if span.IsRecording() {
			span.SetAttributes(attribute.Bool(constants.AttrSpanPolicyPanicked, true))
		}
		span.SetStatus(codes.Error, "policy panicked")
		return signal{failure: failure}, nil
	}

	select {
	case sig := <-h.done:
		elapsed := time.Since(start)
		if span.IsRecording() {
			span.SetAttributes(attribute.Int64(constants.AttrSpanPolicyDurationNS, elapsed.Nanoseconds()))
		}
		if sig.failure != nil {
			c.observe(p, "failed", start)
			metrics.ShortCircuitsTotal.WithLabelValues(p.ID(), string(c.phase)).Inc()
			if span.IsRecording() {
				span.SetAttributes(
					attribute.Bool(constants.AttrSpanPolicyFailed, true),
					attribute.String(constants.AttrSpanFailureKey, sig.failure.Key),
					attribute.Int(constants.AttrSpanFailureStatusCode, sig.failure.StatusCode),
				)
			}
			return sig, nil
		}
		c.observe(p, "completed", start)
		return sig, nil
	case <-ctx.Done():
		h.abandon()
		c.observe(p, "cancelled", start)
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "chain cancelled")
		return signal{}, ctx.Err()
	}
}

// invoke calls the policy callback and converts a panic into an internal
// error failure. The panic detail is logged, never returned to the client.
func (c *Chain) invoke(ctx context.Context, ec *execution.Context, p policy.Policy, h *handle) (failure *execution.Failure) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		h.abandon()
		f, errorID := execution.InternalError()
		ec.Logger().Error("Policy panicked",
			"policy", p.ID(),
			"phase", c.phase,
			"chain", c.name,
			"error_id", errorID,
			"panic", r,
			"stack", string(debug.Stack()))
		metrics.PanicRecoveriesTotal.WithLabelValues("executor").Inc()
		failure = f
	}()

	policy.Invoke(ctx, p, c.phase, ec, h)
	return nil
}

func (c *Chain) observe(p policy.Policy, status string, start time.Time) {
	metrics.PolicyExecutionsTotal.WithLabelValues(p.ID(), string(c.phase), status).Inc()
	metrics.PolicyDurationSeconds.WithLabelValues(p.ID(), string(c.phase)).Observe(time.Since(start).Seconds())
}
