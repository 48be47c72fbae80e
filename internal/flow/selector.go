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

// Package flow selects the flows that apply to a request and expands them
// into ordered policy chains.
package flow

import (
	"cmp"
	"slices"
	"strings"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/condition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

// Target is what the flows are matched against.
type Target struct {
	// Path is matched by http selectors, Channel by channel selectors.
	Path    string
	Channel string

	// Method is the HTTP method; Operation the message operation
	// (PUBLISH or SUBSCRIBE). Empty values match any selector.
	Method    string
	Operation string
}

// Selector picks the flows matching a target. It has no state besides the
// condition filter, so the same input always selects the same flows.
type Selector struct {
	filter *condition.Filter
}

func NewSelector(filter *condition.Filter) *Selector {
	if filter == nil {
		filter = condition.NewFilter(nil, nil)
	}
	return &Selector{filter: filter}
}

// Resolve applies the selection mode: best-match yields at most one flow,
// default yields every matching flow in declaration order.
func (s *Selector) Resolve(ec *execution.Context, apiType definition.ApiType, mode definition.FlowMode,
	flows []definition.Flow, target Target) []*definition.Flow {
	if mode == definition.FlowModeBestMatch {
		if f := s.BestMatch(ec, apiType, flows, target); f != nil {
			return []*definition.Flow{f}
		}
		return nil
	}
	return s.All(ec, apiType, flows, target)
}

// BestMatch returns the most specific flow for the target, or nil.
//
// Candidates are the enabled flows whose selector for the API type matches
// the target path or channel. They are ranked by selector path length,
// longest first, then by declaration order. The first candidate whose method
// and condition also pass wins.
func (s *Selector) BestMatch(ec *execution.Context, apiType definition.ApiType,
	flows []definition.Flow, target Target) *definition.Flow {
	type candidate struct {
		flow   *definition.Flow
		length int
	}

	candidates := make([]candidate, 0, len(flows))
	for i := range flows {
		f := &flows[i]
		if !f.IsEnabled() {
			continue
		}
		sel := selectorFor(f, apiType)
		if sel == nil {
			continue
		}
		pattern, value, op := matchInput(sel, target)
		if !matchPath(pattern, op, value) {
			continue
		}
		candidates = append(candidates, candidate{flow: f, length: len(trimSlash(pattern))})
	}

	slices.SortStableFunc(candidates, func(a, b candidate) int {
		if c := cmp.Compare(b.length, a.length); c != 0 {
			return c
		}
		return cmp.Compare(a.flow.Index, b.flow.Index)
	})

	for _, c := range candidates {
		if !matchVerb(selectorFor(c.flow, apiType), target) {
			continue
		}
		if !s.filter.Passes(ec, c.flow.Condition(), "flow "+c.flow.DisplayName()) {
			continue
		}
		return c.flow
	}
	return nil
}

// All returns every matching flow in declaration order.
func (s *Selector) All(ec *execution.Context, apiType definition.ApiType,
	flows []definition.Flow, target Target) []*definition.Flow {
	var matched []*definition.Flow
	for i := range flows {
		f := &flows[i]
		if !f.IsEnabled() {
			continue
		}
		sel := selectorFor(f, apiType)
		if sel == nil {
			continue
		}
		pattern, value, op := matchInput(sel, target)
		if !matchPath(pattern, op, value) || !matchVerb(sel, target) {
			continue
		}
		if !s.filter.Passes(ec, f.Condition(), "flow "+f.DisplayName()) {
			continue
		}
		matched = append(matched, f)
	}
	return matched
}

// selectorFor returns the selector a flow is matched with for the API type.
// Platform flows are resolved without a type and may use either selector.
func selectorFor(f *definition.Flow, apiType definition.ApiType) *definition.Selector {
	switch apiType {
	case definition.ApiTypeProxy:
		return f.HTTPSelector()
	case definition.ApiTypeMessage:
		return f.ChannelSelector()
	default:
		if s := f.HTTPSelector(); s != nil {
			return s
		}
		return f.ChannelSelector()
	}
}

func matchInput(sel *definition.Selector, t Target) (pattern, value string, op definition.Operator) {
	if sel.Type == definition.SelectorChannel {
		return sel.Channel, t.Channel, sel.ChannelOperator
	}
	return sel.Path, t.Path, sel.PathOperator
}

func matchVerb(sel *definition.Selector, t Target) bool {
	if sel.Type == definition.SelectorChannel {
		return matchAny(sel.Operations, t.Operation)
	}
	return matchAny(sel.Methods, t.Method)
}

func matchAny(allowed []string, value string) bool {
	if len(allowed) == 0 || value == "" {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, value) {
			return true
		}
	}
	return false
}

// matchPath compares a request path with a selector path.
//
// EXACT compares both after trimming a single trailing slash. STARTS_WITH
// requires a prefix match ending on a segment boundary, so /pet does not
// match /petstore.
func matchPath(pattern string, op definition.Operator, value string) bool {
	p := trimSlash(pattern)
	if op == definition.OperatorExact {
		return p == trimSlash(value)
	}
	if !strings.HasPrefix(value, p) {
		return false
	}
	return len(value) == len(p) || value[len(p)] == '/'
}

func trimSlash(s string) string {
	return strings.TrimSuffix(s, "/")
}
