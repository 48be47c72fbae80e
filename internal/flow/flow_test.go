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
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/condition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

func httpFlow(index int, name, path string, op definition.Operator, methods ...string) definition.Flow {
	return definition.Flow{
		Name:  name,
		Index: index,
		Selectors: []definition.Selector{
			{Type: definition.SelectorHTTP, Path: path, PathOperator: op, Methods: methods},
		},
	}
}

func withCondition(f definition.Flow, expression string) definition.Flow {
	f.Selectors = append(f.Selectors, definition.Selector{Type: definition.SelectorCondition, Condition: expression})
	return f
}

func newContext(method, path string) *execution.Context {
	headers := http.Header{}
	headers.Set("X-Tier", "gold")
	return execution.NewContext(&definition.Api{ID: "petstore", Type: definition.ApiTypeProxy}, execution.NewRequest(method, path, headers), nil)
}

func newSelector() *Selector {
	return NewSelector(condition.NewFilter(condition.NewExprEvaluator(), nil))
}

func names(flows []*definition.Flow) []string {
	out := make([]string, 0, len(flows))
	for _, f := range flows {
		out = append(out, f.Name)
	}
	return out
}

// =============================================================================
// Path matching
// =============================================================================

func TestMatchPath(t *testing.T) {
	tests := []struct {
		pattern string
		op      definition.Operator
		value   string
		want    bool
	}{
		{"/", definition.OperatorStartsWith, "/anything", true},
		{"/", definition.OperatorStartsWith, "/", true},
		{"/pet", definition.OperatorStartsWith, "/petstore", false},
		{"/pet", definition.OperatorStartsWith, "/pet/1", true},
		{"/pet", definition.OperatorStartsWith, "/pet", true},
		{"/pet/", definition.OperatorStartsWith, "/pet/1", true},
		{"/pets", definition.OperatorExact, "/pets/", true},
		{"/pets/", definition.OperatorExact, "/pets", true},
		{"/pets", definition.OperatorExact, "/pets/1", false},
		{"/", definition.OperatorExact, "/", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.op)+" "+tt.pattern+" "+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, matchPath(tt.pattern, tt.op, tt.value))
		})
	}
}

// =============================================================================
// Best match
// =============================================================================

func TestBestMatch_LongestPrefixWins(t *testing.T) {
	flows := []definition.Flow{
		httpFlow(0, "a", "/a", definition.OperatorStartsWith),
		httpFlow(1, "a-b", "/a/b", definition.OperatorStartsWith),
		httpFlow(2, "a-bcd", "/a/bcd", definition.OperatorStartsWith),
	}
	ec := newContext("GET", "/a/b/c")

	got := newSelector().BestMatch(ec, definition.ApiTypeProxy, flows, TargetOf(ec))
	require.NotNil(t, got)
	assert.Equal(t, "a-b", got.Name)
}

func TestBestMatch_MoreSpecificSiblingDoesNotMatch(t *testing.T) {
	flows := []definition.Flow{
		httpFlow(0, "root", "/", definition.OperatorStartsWith),
		httpFlow(1, "pets", "/pets", definition.OperatorStartsWith),
		httpFlow(2, "pets-special", "/pets/special", definition.OperatorStartsWith),
	}
	ec := newContext("GET", "/pets/42")

	got := newSelector().BestMatch(ec, definition.ApiTypeProxy, flows, TargetOf(ec))
	require.NotNil(t, got)
	assert.Equal(t, "pets", got.Name)
}

func TestBestMatch_TieKeepsDeclarationOrder(t *testing.T) {
	flows := []definition.Flow{
		httpFlow(0, "first", "/pets", definition.OperatorStartsWith),
		httpFlow(1, "second", "/pets", definition.OperatorStartsWith),
	}
	ec := newContext("GET", "/pets")
	sel := newSelector()

	for i := 0; i < 10; i++ {
		got := sel.BestMatch(ec, definition.ApiTypeProxy, flows, TargetOf(ec))
		require.NotNil(t, got)
		assert.Equal(t, "first", got.Name)
	}
}

func TestBestMatch_DisabledFlowNeverSelected(t *testing.T) {
	disabled := false
	specific := httpFlow(1, "specific", "/pets", definition.OperatorStartsWith)
	specific.Enabled = &disabled
	flows := []definition.Flow{
		httpFlow(0, "root", "/", definition.OperatorStartsWith),
		specific,
	}
	ec := newContext("GET", "/pets")

	got := newSelector().BestMatch(ec, definition.ApiTypeProxy, flows, TargetOf(ec))
	require.NotNil(t, got)
	assert.Equal(t, "root", got.Name)
}

func TestBestMatch_MethodMismatchFallsBack(t *testing.T) {
	flows := []definition.Flow{
		httpFlow(0, "root", "/", definition.OperatorStartsWith),
		httpFlow(1, "pets-post", "/pets", definition.OperatorStartsWith, "POST"),
	}
	ec := newContext("GET", "/pets")

	got := newSelector().BestMatch(ec, definition.ApiTypeProxy, flows, TargetOf(ec))
	require.NotNil(t, got)
	assert.Equal(t, "root", got.Name)
}

func TestBestMatch_ConditionFailureContinuesToNextCandidate(t *testing.T) {
	flows := []definition.Flow{
		httpFlow(0, "root", "/", definition.OperatorStartsWith),
		withCondition(httpFlow(1, "broken", "/pets", definition.OperatorStartsWith), "request.method +"),
		withCondition(httpFlow(2, "silver", "/pets/1", definition.OperatorStartsWith), `request.headers["x-tier"] == "silver"`),
	}
	ec := newContext("GET", "/pets/1")

	got := newSelector().BestMatch(ec, definition.ApiTypeProxy, flows, TargetOf(ec))
	require.NotNil(t, got)
	assert.Equal(t, "root", got.Name)
}

func TestBestMatch_NoCandidate(t *testing.T) {
	flows := []definition.Flow{
		httpFlow(0, "orders", "/orders", definition.OperatorStartsWith),
	}
	ec := newContext("GET", "/pets")

	assert.Nil(t, newSelector().BestMatch(ec, definition.ApiTypeProxy, flows, TargetOf(ec)))
	assert.Empty(t, newSelector().Resolve(ec, definition.ApiTypeProxy, definition.FlowModeBestMatch, flows, TargetOf(ec)))
}

func TestBestMatch_IgnoresFlowsOfOtherApiType(t *testing.T) {
	channel := definition.Flow{
		Name:      "orders",
		Selectors: []definition.Selector{{Type: definition.SelectorChannel, Channel: "/orders"}},
	}
	ec := newContext("GET", "/orders")

	assert.Nil(t, newSelector().BestMatch(ec, definition.ApiTypeProxy, []definition.Flow{channel}, TargetOf(ec)))
}

// =============================================================================
// Default mode
// =============================================================================

func TestAll_KeepsEveryMatchInDeclarationOrder(t *testing.T) {
	flows := []definition.Flow{
		httpFlow(0, "pets", "/pets", definition.OperatorStartsWith),
		httpFlow(1, "root", "/", definition.OperatorStartsWith),
		httpFlow(2, "orders", "/orders", definition.OperatorStartsWith),
		withCondition(httpFlow(3, "gold", "/", definition.OperatorStartsWith), `request.headers["x-tier"] == "gold"`),
		httpFlow(4, "exact", "/pets", definition.OperatorExact),
	}
	ec := newContext("GET", "/pets/")

	got := newSelector().Resolve(ec, definition.ApiTypeProxy, definition.FlowModeDefault, flows, TargetOf(ec))
	assert.Equal(t, []string{"pets", "root", "gold", "exact"}, names(got))
}

func TestAll_ChannelOperations(t *testing.T) {
	flows := []definition.Flow{
		{Name: "publish", Index: 0, Selectors: []definition.Selector{
			{Type: definition.SelectorChannel, Channel: "/orders", ChannelOperator: definition.OperatorStartsWith, Operations: []string{"PUBLISH"}},
		}},
		{Name: "subscribe", Index: 1, Selectors: []definition.Selector{
			{Type: definition.SelectorChannel, Channel: "/orders", ChannelOperator: definition.OperatorStartsWith, Operations: []string{"SUBSCRIBE"}},
		}},
	}
	ec := newContext("GET", "/orders/eu")
	ec.SetAttribute(constants.AttrMessageOperation, "SUBSCRIBE")

	got := newSelector().All(ec, definition.ApiTypeMessage, flows, TargetOf(ec))
	assert.Equal(t, []string{"subscribe"}, names(got))
}

// =============================================================================
// Resolver
// =============================================================================

func TestResolver_CachesAcrossPhases(t *testing.T) {
	flows := []definition.Flow{
		httpFlow(0, "pets", "/pets", definition.OperatorStartsWith),
		httpFlow(1, "orders", "/orders", definition.OperatorStartsWith),
	}
	calls := 0
	source := func(*execution.Context) (Source, bool) {
		calls++
		return Source{Type: definition.ApiTypeProxy, Mode: definition.FlowModeDefault, Flows: flows}, true
	}
	r := NewResolver(AxisAPI, newSelector(), source)
	ec := newContext("GET", "/pets")

	first := r.Resolve(ec)
	ec.Request().PathInfo = "/orders"
	second := r.Resolve(ec)

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"pets"}, names(first))
	assert.Equal(t, names(first), names(second))
}

func TestResolver_CachesEmptyResult(t *testing.T) {
	calls := 0
	source := func(*execution.Context) (Source, bool) {
		calls++
		return Source{}, false
	}
	r := NewResolver(AxisPlan, newSelector(), source)
	ec := newContext("GET", "/")

	assert.Empty(t, r.Resolve(ec))
	assert.Empty(t, r.Resolve(ec))
	assert.Equal(t, 1, calls)

	_, ok := ec.Attribute(constants.AttrResolvedFlowsPrefix + "plan")
	assert.True(t, ok)
}

func TestResolver_AxesAreIndependent(t *testing.T) {
	platform := &definition.Organization{Flows: []definition.Flow{httpFlow(0, "platform", "/", definition.OperatorStartsWith)}}
	ec := newContext("GET", "/pets")
	ec.API().Flows = []definition.Flow{httpFlow(0, "api", "/pets", definition.OperatorStartsWith)}

	p := NewResolver(AxisPlatform, newSelector(), PlatformSource(platform))
	a := NewResolver(AxisAPI, newSelector(), APISource())

	assert.Equal(t, []string{"platform"}, names(p.Resolve(ec)))
	assert.Equal(t, []string{"api"}, names(a.Resolve(ec)))
}

func TestPlanSource(t *testing.T) {
	ec := newContext("GET", "/pets")
	ec.API().Plans = []definition.Plan{
		{ID: "gold", Flows: []definition.Flow{httpFlow(0, "gold-flow", "/", definition.OperatorStartsWith)}},
	}
	r := NewResolver(AxisPlan, newSelector(), PlanSource())

	_, ok := PlanSource()(ec)
	assert.False(t, ok, "no plan selected yet")

	ec.SetAttribute(constants.AttrPlan, "gold")
	assert.Equal(t, []string{"gold-flow"}, names(r.Resolve(ec)))
}

// =============================================================================
// Chain resolver
// =============================================================================

func TestChainResolver_ExpandsStepsInOrder(t *testing.T) {
	disabled := false
	flows := []definition.Flow{
		{
			Name: "a", Index: 0,
			Selectors: []definition.Selector{{Type: definition.SelectorHTTP, Path: "/", PathOperator: definition.OperatorStartsWith}},
			Request: []definition.Step{
				{Policy: "one", Configuration: map[string]interface{}{"k": "v"}},
				{Policy: "skipped-condition", Condition: `request.method == "POST"`},
				{Policy: "skipped-disabled", Enabled: &disabled},
				{Policy: "broken-condition", Condition: "request.method +"},
			},
			Response: []definition.Step{{Policy: "resp"}},
		},
		{
			Name: "b", Index: 1,
			Selectors: []definition.Selector{{Type: definition.SelectorHTTP, Path: "/pets", PathOperator: definition.OperatorStartsWith}},
			Request:   []definition.Step{{Policy: "two", Condition: `request.method == "GET"`}},
			Publish:   []definition.Step{{Policy: "per-message", MessageCondition: `message.headers["type"] == "order"`}},
		},
	}
	ec := newContext("GET", "/pets")
	ec.API().Flows = flows
	filter := condition.NewFilter(condition.NewExprEvaluator(), nil)
	cr := NewChainResolver(NewResolver(AxisAPI, NewSelector(filter), APISource()), filter)

	req := cr.Resolve(ec, definition.PhaseRequest)
	require.Len(t, req, 2)
	assert.Equal(t, "one", req[0].PolicyID)
	assert.Equal(t, "v", req[0].Configuration["k"])
	assert.Equal(t, definition.PhaseRequest, req[0].Stage)
	assert.Equal(t, "a", req[0].Flow)
	assert.Equal(t, "two", req[1].PolicyID)

	resp := cr.Resolve(ec, definition.PhaseResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, "resp", resp[0].PolicyID)

	pub := cr.Resolve(ec, definition.PhaseMessageRequest)
	require.Len(t, pub, 1)
	assert.Equal(t, `message.headers["type"] == "order"`, pub[0].MessageCondition)
}
