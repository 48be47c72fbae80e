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

// Package security turns the plans of an API into security plans and picks
// the one that guards each request.
package security

import (
	"cmp"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/condition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/metrics"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
)

// SecurityPlan pairs a plan with the security policy built for it.
type SecurityPlan struct {
	Plan          *definition.Plan
	Policy        policy.SecurityPolicy
	SelectionRule string
	Type          string
}

func (p *SecurityPlan) ID() string { return p.Plan.ID }

// Resolver selects the security plan of each request for one API. It is
// built at deploy time and shared by every request of the API.
type Resolver struct {
	api     *definition.Api
	plans   []*SecurityPlan
	dropped []string
	filter  *condition.Filter
}

// NewResolver builds the security plans of api. A plan whose security type
// has no registered factory, or whose factory fails, is dropped with a
// warning and can never be selected.
func NewResolver(api *definition.Api, registry *policy.Registry, filter *condition.Filter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = condition.NewFilter(nil, logger)
	}
	r := &Resolver{api: api, filter: filter}

	for i := range api.Plans {
		plan := &api.Plans[i]
		securityType := plan.Security.NormalizedType()
		sp, err := registry.CreateSecurityInstance(*plan)
		if err != nil {
			logger.Warn("Dropping plan, security policy unavailable",
				"api", api.ID,
				"plan", plan.ID,
				"security_type", securityType,
				"error", err)
			metrics.PlansDroppedTotal.WithLabelValues(api.ID, securityType).Inc()
			r.dropped = append(r.dropped, plan.ID)
			continue
		}
		r.plans = append(r.plans, &SecurityPlan{
			Plan:          plan,
			Policy:        sp,
			SelectionRule: plan.SelectionRule,
			Type:          securityType,
		})
	}

	slices.SortStableFunc(r.plans, func(a, b *SecurityPlan) int {
		if c := cmp.Compare(keylessRank(a), keylessRank(b)); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Policy.Order(), b.Policy.Order()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Plan.Order, b.Plan.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Plan.Index, b.Plan.Index)
	})
	return r
}

func keylessRank(p *SecurityPlan) int {
	if p.Type == TypeKeyless {
		return 1
	}
	return 0
}

// Plans returns the selectable plans in evaluation order.
func (r *Resolver) Plans() []*SecurityPlan { return r.plans }

// Dropped lists the ids of the plans that could not be built.
func (r *Resolver) Dropped() []string { return r.dropped }

// Resolve returns the plan guarding the request. The result is computed once
// per request and cached in the context, so the request and response paths
// always agree. When no plan applies a 401 failure is returned.
func (r *Resolver) Resolve(ec *execution.Context) (*SecurityPlan, *execution.Failure) {
	if v, ok := ec.Internal(constants.AttrSecurityResolved); ok {
		if sp, ok := v.(*SecurityPlan); ok && sp != nil {
			return sp, nil
		}
		return nil, unresolvable()
	}

	selected := r.selectPlan(ec)
	ec.SetInternal(constants.AttrSecurityResolved, selected)
	if selected == nil {
		metrics.PlanResolutionsTotal.WithLabelValues(r.api.ID, "none").Inc()
		ec.Logger().Debug("No plan matches the request")
		return nil, unresolvable()
	}

	ec.SetAttribute(constants.AttrPlan, selected.ID())
	ec.Metrics().PlanID = selected.ID()
	ec.Metrics().SecurityType = selected.Type
	metrics.PlanResolutionsTotal.WithLabelValues(r.api.ID, selected.Type).Inc()
	ec.Logger().Debug("Resolved plan", "plan", selected.ID(), "security_type", selected.Type)
	return selected, nil
}

func (r *Resolver) selectPlan(ec *execution.Context) *SecurityPlan {
	for _, sp := range r.plans {
		if !sp.Policy.Support(ec) {
			continue
		}
		if !r.filter.Passes(ec, sp.SelectionRule, fmt.Sprintf("plan %s selection rule", sp.ID())) {
			continue
		}
		return sp
	}
	return nil
}

func unresolvable() *execution.Failure {
	return execution.NewFailure(http.StatusUnauthorized, constants.KeyPlanUnresolvable, "Unauthorized")
}
