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

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bundle is the unit of deployment: the platform flows plus every API.
type Bundle struct {
	Organization Organization `yaml:"organization"`
	Apis         []*Api       `yaml:"apis"`

	// Rejected maps the id of each API that failed validation to the reason.
	Rejected map[string]error `yaml:"-"`
}

// LoadFile reads and prepares a bundle from a YAML file.
func LoadFile(path string, logger *slog.Logger) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file %s: %w", path, err)
	}
	bundle, err := Parse(data, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to parse definitions file %s: %w", path, err)
	}
	return bundle, nil
}

// Parse decodes a bundle and prepares it for serving. APIs that fail
// validation are left out of the bundle and reported in Rejected; they never
// reach request processing. Platform flows apply to every API, so a malformed
// one fails the whole bundle.
func Parse(data []byte, logger *slog.Logger) (*Bundle, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var raw Bundle
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	if err := raw.Organization.Validate(); err != nil {
		return nil, fmt.Errorf("invalid organization %q: %w", raw.Organization.ID, err)
	}

	bundle := &Bundle{
		Organization: raw.Organization,
		Rejected:     make(map[string]error),
	}
	bundle.Organization.Flows = prepareFlows(raw.Organization.Flows, "", logger.With("organization", raw.Organization.ID))

	seen := make(map[string]struct{}, len(raw.Apis))
	for i, api := range raw.Apis {
		if api == nil {
			continue
		}
		if err := api.Validate(); err != nil {
			key := api.ID
			if key == "" {
				key = fmt.Sprintf("apis[%d]", i)
			}
			logger.Error("Rejecting invalid API definition", "api", key, "error", err)
			bundle.Rejected[key] = err
			continue
		}
		if _, dup := seen[api.ID]; dup {
			err := fmt.Errorf("duplicate api id %q", api.ID)
			logger.Error("Rejecting invalid API definition", "api", api.ID, "error", err)
			bundle.Rejected[api.ID] = err
			continue
		}
		seen[api.ID] = struct{}{}

		api.Prepare(logger)
		bundle.Apis = append(bundle.Apis, api)
	}

	return bundle, nil
}

// Validate checks the static shape of the API. All problems are reported
// together.
func (a *Api) Validate() error {
	var errs []error

	if a.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	switch ApiType(strings.ToUpper(string(a.Type))) {
	case "", ApiTypeProxy, ApiTypeMessage:
	default:
		errs = append(errs, fmt.Errorf("unknown api type %q", a.Type))
	}
	switch normalizeMode(a.FlowExecution.Mode) {
	case FlowModeDefault, FlowModeBestMatch:
	default:
		errs = append(errs, fmt.Errorf("unknown flow execution mode %q", a.FlowExecution.Mode))
	}

	for i := range a.Flows {
		if err := validateFlow(&a.Flows[i]); err != nil {
			errs = append(errs, fmt.Errorf("flows[%d]: %w", i, err))
		}
	}

	planIDs := make(map[string]struct{}, len(a.Plans))
	for i := range a.Plans {
		p := &a.Plans[i]
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("plans[%d]: id is required", i))
		} else if _, dup := planIDs[p.ID]; dup {
			errs = append(errs, fmt.Errorf("plans[%d]: duplicate plan id %q", i, p.ID))
		} else {
			planIDs[p.ID] = struct{}{}
		}
		if strings.TrimSpace(p.Security.Type) == "" {
			errs = append(errs, fmt.Errorf("plans[%d]: security type is required", i))
		}
		for j := range p.Flows {
			if err := validateFlow(&p.Flows[j]); err != nil {
				errs = append(errs, fmt.Errorf("plans[%d].flows[%d]: %w", i, j, err))
			}
		}
	}

	return errors.Join(errs...)
}

// Validate checks the platform flows.
func (o *Organization) Validate() error {
	var errs []error
	for i := range o.Flows {
		if err := validateFlow(&o.Flows[i]); err != nil {
			errs = append(errs, fmt.Errorf("flows[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func validateFlow(f *Flow) error {
	var errs []error
	for i, s := range f.Selectors {
		switch SelectorType(strings.ToLower(string(s.Type))) {
		case SelectorHTTP:
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("selectors[%d]: http selector path cannot be empty", i))
			}
			if _, ok := normalizeOperator(s.PathOperator); !ok {
				errs = append(errs, fmt.Errorf("selectors[%d]: unknown path operator %q", i, s.PathOperator))
			}
		case SelectorChannel:
			if strings.TrimSpace(s.Channel) == "" {
				errs = append(errs, fmt.Errorf("selectors[%d]: channel selector channel cannot be empty", i))
			}
			if _, ok := normalizeOperator(s.ChannelOperator); !ok {
				errs = append(errs, fmt.Errorf("selectors[%d]: unknown channel operator %q", i, s.ChannelOperator))
			}
		case SelectorCondition:
		default:
			errs = append(errs, fmt.Errorf("selectors[%d]: unknown selector type %q", i, s.Type))
		}
	}
	for _, steps := range [][]Step{f.Request, f.Response, f.Publish, f.Subscribe} {
		for i, st := range steps {
			if st.Policy == "" {
				errs = append(errs, fmt.Errorf("step %d (%s): policy is required", i, st.Name))
			}
		}
	}
	return errors.Join(errs...)
}

// Prepare normalizes a validated API and drops the flows that can never be
// selected for its type. It must run once, before the API serves traffic.
func (a *Api) Prepare(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	a.Type = ApiType(strings.ToUpper(string(a.Type)))
	if a.Type == "" {
		a.Type = ApiTypeProxy
	}
	a.FlowExecution.Mode = normalizeMode(a.FlowExecution.Mode)
	if a.ContextPath != "" && !strings.HasPrefix(a.ContextPath, "/") {
		a.ContextPath = "/" + a.ContextPath
	}

	log := logger.With("api", a.ID)
	a.Flows = prepareFlows(a.Flows, a.Type, log)
	for i := range a.Plans {
		a.Plans[i].Index = i
		a.Plans[i].Flows = prepareFlows(a.Plans[i].Flows, a.Type, log.With("plan", a.Plans[i].ID))
	}
}

// prepareFlows assigns declaration indexes and normalizes selectors. With a
// non-empty apiType, flows lacking the selector for that type are excluded.
func prepareFlows(flows []Flow, apiType ApiType, logger *slog.Logger) []Flow {
	kept := make([]Flow, 0, len(flows))
	for i := range flows {
		f := flows[i]
		f.Index = i
		for j := range f.Selectors {
			normalizeSelector(&f.Selectors[j])
		}

		required := requiredSelector(apiType)
		switch {
		case required != "" && f.selector(required) == nil:
			logger.Warn("Excluding flow without a selector for the api type",
				"flow", f.DisplayName(),
				"api_type", apiType,
				"required_selector", required)
			continue
		case required == "" && f.HTTPSelector() == nil && f.ChannelSelector() == nil:
			logger.Warn("Excluding flow without http or channel selector", "flow", f.DisplayName())
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func requiredSelector(apiType ApiType) SelectorType {
	switch apiType {
	case ApiTypeProxy:
		return SelectorHTTP
	case ApiTypeMessage:
		return SelectorChannel
	default:
		return ""
	}
}

func normalizeSelector(s *Selector) {
	s.Type = SelectorType(strings.ToLower(string(s.Type)))
	switch s.Type {
	case SelectorHTTP:
		if !strings.HasPrefix(s.Path, "/") {
			s.Path = "/" + s.Path
		}
		s.PathOperator, _ = normalizeOperator(s.PathOperator)
		for i, m := range s.Methods {
			s.Methods[i] = strings.ToUpper(m)
		}
	case SelectorChannel:
		s.ChannelOperator, _ = normalizeOperator(s.ChannelOperator)
		for i, op := range s.Operations {
			s.Operations[i] = strings.ToUpper(op)
		}
	}
}

func normalizeOperator(op Operator) (Operator, bool) {
	switch strings.ReplaceAll(strings.ToUpper(string(op)), "-", "_") {
	case "", string(OperatorStartsWith):
		return OperatorStartsWith, true
	case string(OperatorExact), "EQUALS":
		return OperatorExact, true
	default:
		return op, false
	}
}

func normalizeMode(m FlowMode) FlowMode {
	switch strings.ReplaceAll(strings.ToUpper(string(m)), "-", "_") {
	case "", string(FlowModeDefault):
		return FlowModeDefault
	case string(FlowModeBestMatch):
		return FlowModeBestMatch
	default:
		return m
	}
}
