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

package admin

import (
	"sort"
	"strings"
	"time"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/kernel"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/reactor"
)

// ConfigDumpResponse is the body of GET /config_dump.
type ConfigDumpResponse struct {
	Timestamp  time.Time      `json:"timestamp"`
	Deployment DeploymentDump `json:"deployment"`
	Registry   RegistryDump   `json:"registry"`
}

type DeploymentDump struct {
	Version    int64             `json:"version"`
	DeployedAt time.Time         `json:"deployed_at"`
	TotalApis  int               `json:"total_apis"`
	Apis       []ApiDump         `json:"apis"`
	Rejected   map[string]string `json:"rejected,omitempty"`
	Platform   []FlowDump        `json:"platform_flows"`
}

type RegistryDump struct {
	Policies      []string `json:"policies"`
	SecurityTypes []string `json:"security_types"`
}

type ApiDump struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Version       string     `json:"version,omitempty"`
	Type          string     `json:"type"`
	ContextPath   string     `json:"context_path"`
	FlowMode      string     `json:"flow_mode"`
	MatchRequired bool       `json:"match_required"`
	Timeout       string     `json:"timeout"`
	Pending       int64      `json:"pending_requests"`
	Plans         []PlanDump `json:"plans"`
	DroppedPlans  []string   `json:"dropped_plans,omitempty"`
	Flows         []FlowDump `json:"flows"`
}

// PlanDump lists plans in security resolution order.
type PlanDump struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	SecurityType  string     `json:"security_type"`
	SelectionRule string     `json:"selection_rule,omitempty"`
	Order         int        `json:"order"`
	Flows         []FlowDump `json:"flows"`
}

type FlowDump struct {
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	Selectors []string   `json:"selectors"`
	Condition string     `json:"condition,omitempty"`
	Steps     []StepDump `json:"steps"`
}

// StepDump omits the step configuration, which may hold credentials.
type StepDump struct {
	Phase     string `json:"phase"`
	Policy    string `json:"policy"`
	Name      string `json:"name,omitempty"`
	Enabled   bool   `json:"enabled"`
	Condition string `json:"condition,omitempty"`
}

// DumpConfig dumps the active deployment and the registry.
func DumpConfig(k *kernel.Kernel, reg *policy.Registry) *ConfigDumpResponse {
	return &ConfigDumpResponse{
		Timestamp:  time.Now(),
		Deployment: dumpDeployment(k.Current()),
		Registry:   dumpRegistry(reg),
	}
}

func dumpRegistry(reg *policy.Registry) RegistryDump {
	if reg == nil {
		return RegistryDump{Policies: []string{}, SecurityTypes: []string{}}
	}
	policies, securityTypes := reg.DumpPolicies()
	if policies == nil {
		policies = []string{}
	}
	if securityTypes == nil {
		securityTypes = []string{}
	}
	return RegistryDump{Policies: policies, SecurityTypes: securityTypes}
}

func dumpDeployment(d *kernel.Deployment) DeploymentDump {
	dump := DeploymentDump{
		Version:    d.Version,
		DeployedAt: d.DeployedAt,
		TotalApis:  d.Len(),
		Apis:       dumpApis(d),
		Platform:   dumpFlows(d.Bundle.Organization.Flows),
	}
	if len(d.Bundle.Rejected) > 0 {
		dump.Rejected = make(map[string]string, len(d.Bundle.Rejected))
		for id, err := range d.Bundle.Rejected {
			dump.Rejected[id] = err.Error()
		}
	}
	return dump
}

func dumpApis(d *kernel.Deployment) []ApiDump {
	reactors := d.Reactors()
	out := make([]ApiDump, 0, len(reactors))
	for _, r := range reactors {
		out = append(out, dumpApi(r))
	}
	return out
}

func dumpApi(r *reactor.Reactor) ApiDump {
	api := r.API()
	dump := ApiDump{
		ID:            api.ID,
		Name:          api.Name,
		Version:       api.Version,
		Type:          string(api.Type),
		ContextPath:   api.ContextPath,
		FlowMode:      string(api.FlowExecution.Mode),
		MatchRequired: api.FlowExecution.MatchRequired,
		Timeout:       r.Timeout().String(),
		Pending:       r.Pending(),
		DroppedPlans:  r.Security().Dropped(),
		Flows:         dumpFlows(api.Flows),
	}
	for _, sp := range r.Security().Plans() {
		dump.Plans = append(dump.Plans, PlanDump{
			ID:            sp.Plan.ID,
			Name:          sp.Plan.Name,
			SecurityType:  sp.Type,
			SelectionRule: sp.SelectionRule,
			Order:         sp.Plan.Order,
			Flows:         dumpFlows(sp.Plan.Flows),
		})
	}
	if dump.Plans == nil {
		dump.Plans = []PlanDump{}
	}
	return dump
}

func dumpFlows(flows []definition.Flow) []FlowDump {
	out := make([]FlowDump, 0, len(flows))
	for i := range flows {
		f := &flows[i]
		fd := FlowDump{
			Name:      f.DisplayName(),
			Enabled:   f.IsEnabled(),
			Selectors: dumpSelectors(f.Selectors),
			Condition: f.Condition(),
			Steps:     []StepDump{},
		}
		for _, phase := range []definition.Phase{
			definition.PhaseRequest,
			definition.PhaseResponse,
			definition.PhaseMessageRequest,
			definition.PhaseMessageResponse,
		} {
			for _, st := range f.Steps(phase) {
				fd.Steps = append(fd.Steps, StepDump{
					Phase:     string(phase),
					Policy:    st.Policy,
					Name:      st.Name,
					Enabled:   st.IsEnabled(),
					Condition: st.Condition,
				})
			}
		}
		out = append(out, fd)
	}
	return out
}

func dumpSelectors(selectors []definition.Selector) []string {
	out := make([]string, 0, len(selectors))
	for _, s := range selectors {
		switch s.Type {
		case definition.SelectorHTTP:
			methods := append([]string(nil), s.Methods...)
			sort.Strings(methods)
			out = append(out, describe("http", string(s.PathOperator), s.Path, methods))
		case definition.SelectorChannel:
			out = append(out, describe("channel", string(s.ChannelOperator), s.Channel, s.Operations))
		}
	}
	return out
}

func describe(kind, op, target string, verbs []string) string {
	d := kind + " " + op + " " + target
	if len(verbs) > 0 {
		d += " [" + strings.Join(verbs, ",") + "]"
	}
	return d
}
