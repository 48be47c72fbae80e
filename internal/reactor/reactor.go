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

// Package reactor runs the full lifecycle of a request against one deployed
// API: request chains, security, backend invocation and response chains.
package reactor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/condition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/executor"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/flow"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/metrics"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/security"
)

// DefaultRequestTimeout applies when neither the API nor the engine set one.
const DefaultRequestTimeout = 30 * time.Second

// Invoker calls the backend once the request phase has succeeded.
type Invoker interface {
	Invoke(ctx context.Context, ec *execution.Context) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, ec *execution.Context) error

func (f InvokerFunc) Invoke(ctx context.Context, ec *execution.Context) error { return f(ctx, ec) }

// Reporter receives the metrics of every finished request.
type Reporter interface {
	Report(m *execution.Metrics)
}

// Dependencies are the engine wide components shared by every reactor.
type Dependencies struct {
	Registry *policy.Registry
	Filter   *condition.Filter
	// Chains instantiates policies. The kernel builds one per deployment.
	Chains         *policy.ChainFactory
	Executor       *executor.ChainExecutor
	Reporter       Reporter
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Reactor handles the requests of one API. It is immutable once built and
// shared by all concurrent requests of the API.
type Reactor struct {
	api      *definition.Api
	platform *flow.ChainResolver
	plan     *flow.ChainResolver
	flows    *flow.ChainResolver
	apiFlows *flow.Resolver
	security *security.Resolver
	chains   *policy.ChainFactory
	executor *executor.ChainExecutor
	reporter Reporter
	timeout  time.Duration
	logger   *slog.Logger
	pending  atomic.Int64
}

// New builds the reactor of api. org carries the platform flows and may be nil.
func New(api *definition.Api, org *definition.Organization, deps Dependencies) *Reactor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	filter := deps.Filter
	if filter == nil {
		filter = condition.NewFilter(nil, logger)
	}
	registry := deps.Registry
	if registry == nil {
		registry = policy.NewRegistry(nil)
	}
	chains := deps.Chains
	if chains == nil {
		chains = policy.NewChainFactory(registry, filter)
	}
	exec := deps.Executor
	if exec == nil {
		exec = executor.NewChainExecutor(nil)
	}
	timeout := deps.RequestTimeout
	if api.Timeout > 0 {
		timeout = api.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	selector := flow.NewSelector(filter)
	apiFlows := flow.NewResolver(flow.AxisAPI, selector, flow.APISource())
	return &Reactor{
		api:      api,
		platform: flow.NewChainResolver(flow.NewResolver(flow.AxisPlatform, selector, flow.PlatformSource(org)), filter),
		plan:     flow.NewChainResolver(flow.NewResolver(flow.AxisPlan, selector, flow.PlanSource()), filter),
		flows:    flow.NewChainResolver(apiFlows, filter),
		apiFlows: apiFlows,
		security: security.NewResolver(api, registry, filter, logger),
		chains:   chains,
		executor: exec,
		reporter: deps.Reporter,
		timeout:  timeout,
		logger:   logger.With("api", api.ID),
	}
}

func (r *Reactor) API() *definition.Api { return r.api }

// Security exposes the plan resolver, mostly for inspection.
func (r *Reactor) Security() *security.Resolver { return r.security }

// Timeout is the effective request timeout of the API.
func (r *Reactor) Timeout() time.Duration { return r.timeout }

// Pending is the number of requests currently being handled.
func (r *Reactor) Pending() int64 { return r.pending.Load() }

// Handle runs a request end to end: request phase, backend, response phase,
// then reporting. The request phase and backend call share the API timeout;
// on expiry the request is interrupted with a 504 and the response phase
// still runs under a fresh timeout.
func (r *Reactor) Handle(ctx context.Context, ec *execution.Context, invoker Invoker) {
	r.Begin()
	defer r.Complete(ec)

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	r.HandleRequest(reqCtx, ec)
	if !ec.Interrupted() && !skipInvoker(ec) && invoker != nil {
		r.invoke(reqCtx, ec, invoker)
	}
	cancel()

	respCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	r.HandleResponse(respCtx, ec)
}

// Begin counts a request as pending. Transports that drive the phases
// separately pair it with Complete.
func (r *Reactor) Begin() {
	r.pending.Add(1)
	metrics.PendingRequests.Inc()
}

func (r *Reactor) invoke(ctx context.Context, ec *execution.Context, invoker Invoker) {
	start := time.Now()
	err := invoker.Invoke(ctx, ec)
	ec.Metrics().EndpointResponseTime = time.Since(start)
	if err == nil {
		return
	}
	if r.interruptOnContext(ec, err) {
		return
	}
	ec.Logger().Error("Backend invocation failed", "error", err)
	ec.Interrupt(execution.NewFailure(http.StatusBadGateway, constants.KeyBackendError, "Bad Gateway"))
}

// HandleRequest runs the request phase: platform flows, security, plan flows
// then API flows. It stops at the first interruption.
func (r *Reactor) HandleRequest(ctx context.Context, ec *execution.Context) {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		ec.Metrics().RequestPhaseDuration = d
		metrics.RequestDurationSeconds.WithLabelValues(r.api.ID, "request").Observe(d.Seconds())
	}()

	ec.Decorate(&execution.TransactionDecoration{})

	if !r.runChain(ctx, ec, r.platform, definition.PhaseRequest) {
		return
	}
	if !r.runSecurity(ctx, ec) {
		return
	}
	if !r.runChain(ctx, ec, r.plan, definition.PhaseRequest) {
		return
	}
	if r.api.FlowExecution.MatchRequired && len(r.apiFlows.Resolve(ec)) == 0 {
		ec.Interrupt(execution.NewFailure(http.StatusNotFound, constants.KeyFlowNotFound, "No flow matches the request"))
		return
	}
	r.runChain(ctx, ec, r.flows, definition.PhaseRequest)
}

// HandleResponse runs the response phase. Plan and API response flows run
// only when the request was not interrupted; platform response flows always
// run and see the failure already rendered on the response.
func (r *Reactor) HandleResponse(ctx context.Context, ec *execution.Context) {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		ec.Metrics().ResponsePhaseDuration = d
		metrics.RequestDurationSeconds.WithLabelValues(r.api.ID, "response").Observe(d.Seconds())
	}()

	rendered := ec.Failure()
	if rendered != nil {
		ec.Response().ApplyFailure(rendered)
	} else if r.runChain(ctx, ec, r.plan, definition.PhaseResponse) {
		r.runChain(ctx, ec, r.flows, definition.PhaseResponse)
	}

	r.runChain(ctx, ec, r.platform, definition.PhaseResponse)

	if f := ec.Failure(); f != nil && f != rendered {
		ec.Response().ApplyFailure(f)
	}
	ec.DecorateResponse()
}

// HandleMessage runs the message chains of the phase over msg. It returns
// false when a policy dropped the message or the chain failed.
func (r *Reactor) HandleMessage(ctx context.Context, ec *execution.Context, phase definition.Phase, msg *execution.Message) bool {
	ec.SetMessage(msg)
	defer ec.SetMessage(nil)
	ec.Metrics().MessageCount++

	order := []*flow.ChainResolver{r.platform, r.plan, r.flows}
	if phase == definition.PhaseMessageResponse {
		order = []*flow.ChainResolver{r.plan, r.flows, r.platform}
	}
	for _, cr := range order {
		if !r.runChain(ctx, ec, cr, phase) {
			return false
		}
		if msg.Dropped {
			return false
		}
	}
	return true
}

// Complete finalizes the metrics, hands them to the reporter and releases
// the context.
func (r *Reactor) Complete(ec *execution.Context) {
	defer func() {
		r.pending.Add(-1)
		metrics.PendingRequests.Dec()
	}()

	m := ec.FinalizeMetrics()
	metrics.RequestsTotal.WithLabelValues(r.api.ID, metrics.StatusClass(m.Status)).Inc()
	if f := ec.Failure(); f != nil {
		metrics.InterruptionsTotal.WithLabelValues(r.api.ID, f.Key).Inc()
	}
	r.report(ec, m)
	ec.Release()
}

func (r *Reactor) report(ec *execution.Context, m *execution.Metrics) {
	if r.reporter == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			ec.Logger().Warn("Reporter panicked", "panic", rec)
			metrics.PanicRecoveriesTotal.WithLabelValues("reporter").Inc()
		}
	}()
	r.reporter.Report(m)
}

func (r *Reactor) runSecurity(ctx context.Context, ec *execution.Context) bool {
	sp, failure := r.security.Resolve(ec)
	if failure != nil {
		ec.Interrupt(failure)
		return false
	}
	err := r.executor.Execute(ctx, ec, "security", definition.PhaseRequest, []policy.Policy{sp.Policy})
	return r.settle(ec, err)
}

// runChain resolves, instantiates and executes the chain of an axis. It
// reports whether processing may continue.
func (r *Reactor) runChain(ctx context.Context, ec *execution.Context, cr *flow.ChainResolver, phase definition.Phase) bool {
	metas := cr.Resolve(ec, phase)
	policies, err := r.chains.Create(phase, metas)
	if err != nil {
		f, errorID := execution.InternalError()
		ec.Logger().Error("Failed to create policy chain",
			"axis", cr.Axis(),
			"phase", phase,
			"error_id", errorID,
			"error", err)
		ec.Interrupt(f)
		return false
	}
	err = r.executor.Execute(ctx, ec, string(cr.Axis()), phase, policies)
	return r.settle(ec, err)
}

func (r *Reactor) settle(ec *execution.Context, err error) bool {
	if err == nil {
		return true
	}
	var failure *execution.Failure
	if errors.As(err, &failure) {
		return false
	}
	if !r.interruptOnContext(ec, err) {
		f, errorID := execution.InternalError()
		ec.Logger().Error("Policy chain failed", "error_id", errorID, "error", err)
		ec.Interrupt(f)
	}
	return false
}

// interruptOnContext converts context expiry into the matching failure.
func (r *Reactor) interruptOnContext(ec *execution.Context, err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		metrics.RequestTimeoutsTotal.WithLabelValues(r.api.ID).Inc()
		ec.Logger().Warn("Request timed out", "timeout", r.timeout)
		ec.Interrupt(execution.NewFailure(http.StatusGatewayTimeout, constants.KeyRequestTimeout, "Request timeout"))
		return true
	case errors.Is(err, context.Canceled):
		ec.Logger().Debug("Client closed the request")
		ec.Interrupt(execution.NewFailure(499, constants.KeyClientClosed, "Client closed request"))
		return true
	default:
		return false
	}
}

func skipInvoker(ec *execution.Context) bool {
	v, _ := ec.Attribute(constants.AttrInvokerSkip)
	return v == true
}
