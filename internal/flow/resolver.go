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
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/metrics"
)

// Axis names a source of flows.
type Axis string

const (
	AxisPlatform Axis = "platform"
	AxisPlan     Axis = "plan"
	AxisAPI      Axis = "api"
)

// Source describes the flows an axis offers for a request.
type Source struct {
	Type  definition.ApiType
	Mode  definition.FlowMode
	Flows []definition.Flow
}

// SourceFunc returns the flows of an axis for the request. ok is false when
// the axis has nothing to offer, e.g. no plan was selected yet.
type SourceFunc func(ec *execution.Context) (src Source, ok bool)

// Resolver resolves the flows of one axis once per request. The request and
// response phases see the same flows even when a request policy changed the
// path or headers in between.
type Resolver struct {
	axis     Axis
	selector *Selector
	source   SourceFunc
}

func NewResolver(axis Axis, selector *Selector, source SourceFunc) *Resolver {
	return &Resolver{axis: axis, selector: selector, source: source}
}

func (r *Resolver) Axis() Axis { return r.axis }

// Resolve returns the flows of the axis, computing them on first use and
// caching the result, empty or not, in the context.
func (r *Resolver) Resolve(ec *execution.Context) []*definition.Flow {
	key := constants.AttrResolvedFlowsPrefix + string(r.axis)
	if cached, ok := ec.Attribute(key); ok {
		if flows, ok := cached.([]*definition.Flow); ok {
			return flows
		}
	}

	var flows []*definition.Flow
	if src, ok := r.source(ec); ok {
		flows = r.selector.Resolve(ec, src.Type, src.Mode, src.Flows, TargetOf(ec))
	}
	if flows == nil {
		flows = []*definition.Flow{}
	}

	result := "matched"
	if len(flows) == 0 {
		result = "none"
	}
	metrics.FlowResolutionsTotal.WithLabelValues(string(r.axis), result).Inc()
	ec.Logger().Debug("Resolved flows",
		"axis", r.axis,
		"count", len(flows))

	ec.SetAttribute(key, flows)
	return flows
}

// TargetOf builds the match target from the request. Message APIs match
// their channel on the path below the context path.
func TargetOf(ec *execution.Context) Target {
	req := ec.Request()
	path := req.PathInfo
	if path == "" {
		path = "/"
	}
	return Target{
		Path:      path,
		Channel:   path,
		Method:    req.Method,
		Operation: ec.StringAttribute(constants.AttrMessageOperation),
	}
}

// PlatformSource offers the organization flows. They are always resolved in
// default mode and may use either selector type.
func PlatformSource(org *definition.Organization) SourceFunc {
	return func(*execution.Context) (Source, bool) {
		if org == nil || len(org.Flows) == 0 {
			return Source{}, false
		}
		return Source{Mode: definition.FlowModeDefault, Flows: org.Flows}, true
	}
}

// APISource offers the flows of the API bound to the request.
func APISource() SourceFunc {
	return func(ec *execution.Context) (Source, bool) {
		api := ec.API()
		if api == nil {
			return Source{}, false
		}
		return Source{Type: api.Type, Mode: api.FlowExecution.Mode, Flows: api.Flows}, true
	}
}

// PlanSource offers the flows of the plan selected during security
// resolution. Plan flows follow the flow mode of their API.
func PlanSource() SourceFunc {
	return func(ec *execution.Context) (Source, bool) {
		api := ec.API()
		planID := ec.StringAttribute(constants.AttrPlan)
		if api == nil || planID == "" {
			return Source{}, false
		}
		plan, ok := api.Plan(planID)
		if !ok {
			return Source{}, false
		}
		return Source{Type: api.Type, Mode: api.FlowExecution.Mode, Flows: plan.Flows}, true
	}
}
