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

package definition

import "strings"

// Phase identifies which step list and which policy callback applies.
type Phase string

const (
	PhaseRequest         Phase = "REQUEST"
	PhaseResponse        Phase = "RESPONSE"
	PhaseMessageRequest  Phase = "MESSAGE_REQUEST"
	PhaseMessageResponse Phase = "MESSAGE_RESPONSE"
)

// IsMessage reports whether the phase processes individual messages.
func (p Phase) IsMessage() bool {
	return p == PhaseMessageRequest || p == PhaseMessageResponse
}

// SelectorType is the kind of structural match a selector performs.
type SelectorType string

const (
	SelectorHTTP      SelectorType = "http"
	SelectorChannel   SelectorType = "channel"
	SelectorCondition SelectorType = "condition"
)

// Operator is the path or channel comparison used by a selector.
type Operator string

const (
	OperatorExact      Operator = "EXACT"
	OperatorStartsWith Operator = "STARTS_WITH"
)

// Selector is a structural match criterion attached to a flow.
type Selector struct {
	Type SelectorType `yaml:"type"`

	// http
	Path         string   `yaml:"path"`
	PathOperator Operator `yaml:"pathOperator"`
	Methods      []string `yaml:"methods"`

	// channel
	Channel         string   `yaml:"channel"`
	ChannelOperator Operator `yaml:"channelOperator"`
	Operations      []string `yaml:"operations"`

	// condition
	Condition string `yaml:"condition"`
}

// Step is a single policy invocation inside a flow.
type Step struct {
	Name             string                 `yaml:"name"`
	Policy           string                 `yaml:"policy"`
	Configuration    map[string]interface{} `yaml:"configuration"`
	Condition        string                 `yaml:"condition"`
	MessageCondition string                 `yaml:"messageCondition"`
	Enabled          *bool                  `yaml:"enabled"`
}

// IsEnabled defaults to true when the flag is not declared.
func (s Step) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Flow is a named, conditionally enabled sequence of policy steps scoped to
// a path or a channel.
type Flow struct {
	Name      string     `yaml:"name"`
	Enabled   *bool      `yaml:"enabled"`
	Selectors []Selector `yaml:"selectors"`
	Request   []Step     `yaml:"request"`
	Response  []Step     `yaml:"response"`
	Publish   []Step     `yaml:"publish"`
	Subscribe []Step     `yaml:"subscribe"`

	// Index is the declaration position of the flow, used for tie-breaks.
	Index int `yaml:"-"`
}

func (f *Flow) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// Steps returns the ordered steps of the flow for a phase.
func (f *Flow) Steps(phase Phase) []Step {
	switch phase {
	case PhaseRequest:
		return f.Request
	case PhaseResponse:
		return f.Response
	case PhaseMessageRequest:
		return f.Publish
	case PhaseMessageResponse:
		return f.Subscribe
	default:
		return nil
	}
}

func (f *Flow) selector(t SelectorType) *Selector {
	for i := range f.Selectors {
		if f.Selectors[i].Type == t {
			return &f.Selectors[i]
		}
	}
	return nil
}

func (f *Flow) HTTPSelector() *Selector { return f.selector(SelectorHTTP) }

func (f *Flow) ChannelSelector() *Selector { return f.selector(SelectorChannel) }

func (f *Flow) ConditionSelector() *Selector { return f.selector(SelectorCondition) }

// Condition returns the guard expression of the flow, or "".
func (f *Flow) Condition() string {
	if s := f.ConditionSelector(); s != nil {
		return s.Condition
	}
	return ""
}

// DisplayName gives a readable flow label for logs.
func (f *Flow) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	if s := f.HTTPSelector(); s != nil {
		return strings.Join(s.Methods, ",") + " " + s.Path
	}
	if s := f.ChannelSelector(); s != nil {
		return s.Channel
	}
	return "unnamed"
}
