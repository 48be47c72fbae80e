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

// Package kernel hosts the deployed APIs behind Envoy's external processing
// filter.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/providers/file"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/metrics"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/reactor"
)

// Deployment is an immutable snapshot of the deployed APIs. Requests keep the
// snapshot they started with even when a newer one is swapped in.
type Deployment struct {
	Version    int64
	DeployedAt time.Time
	Bundle     *definition.Bundle

	reactors map[string]*reactor.Reactor
	chains   *policy.ChainFactory

	// byContext is ordered by context path length, longest first
	byContext []*reactor.Reactor
}

// NewDeployment builds one reactor per API of the bundle. Every policy step
// an API can run is instantiated up front; an API with a step that cannot be
// instantiated is moved to the bundle's Rejected set and is not served. The
// deployment owns its chain factory, so cached policy instances are released
// together with the snapshot.
func NewDeployment(bundle *definition.Bundle, deps reactor.Dependencies) *Deployment {
	if bundle == nil {
		bundle = &definition.Bundle{}
	}
	if bundle.Rejected == nil {
		bundle.Rejected = make(map[string]error)
	}
	if deps.Registry == nil {
		deps.Registry = policy.NewRegistry(nil)
	}
	deps.Chains = policy.NewChainFactory(deps.Registry, deps.Filter)
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Deployment{
		DeployedAt: time.Now(),
		Bundle:     bundle,
		reactors:   make(map[string]*reactor.Reactor, len(bundle.Apis)),
		chains:     deps.Chains,
	}
	platformErr := instantiateFlows(deps.Chains, "platform", bundle.Organization.Flows)
	apis := make([]*definition.Api, 0, len(bundle.Apis))
	for _, api := range bundle.Apis {
		if err := instantiateApi(deps.Chains, api, platformErr); err != nil {
			logger.Error("Rejecting API, policy chain cannot be built", "api", api.ID, "error", err)
			metrics.ApisRejectedTotal.WithLabelValues(api.ID).Inc()
			bundle.Rejected[api.ID] = err
			continue
		}
		apis = append(apis, api)

		r := reactor.New(api, &bundle.Organization, deps)
		d.reactors[api.ID] = r
		if api.ContextPath != "" {
			d.byContext = append(d.byContext, r)
		}
	}
	bundle.Apis = apis
	sort.SliceStable(d.byContext, func(i, j int) bool {
		return len(d.byContext[i].API().ContextPath) > len(d.byContext[j].API().ContextPath)
	})
	return d
}

func instantiateApi(chains *policy.ChainFactory, api *definition.Api, platformErr error) error {
	errs := []error{platformErr}
	for i := range api.Plans {
		errs = append(errs, instantiateFlows(chains, "plan "+api.Plans[i].ID, api.Plans[i].Flows))
	}
	errs = append(errs, instantiateFlows(chains, "api", api.Flows))
	return errors.Join(errs...)
}

// instantiateFlows creates the policies of every enabled step of the enabled
// flows, phase by phase.
func instantiateFlows(chains *policy.ChainFactory, scope string, flows []definition.Flow) error {
	var errs []error
	for i := range flows {
		f := &flows[i]
		if !f.IsEnabled() {
			continue
		}
		for _, phase := range phases {
			var metas []policy.Metadata
			for _, step := range f.Steps(phase) {
				if !step.IsEnabled() {
					continue
				}
				metas = append(metas, policy.Metadata{
					PolicyID:         step.Policy,
					Configuration:    step.Configuration,
					Flow:             f.DisplayName(),
					MessageCondition: step.MessageCondition,
				})
			}
			if _, err := chains.Create(phase, metas); err != nil {
				errs = append(errs, fmt.Errorf("%s flow %q %s: %w", scope, f.DisplayName(), phase, err))
			}
		}
	}
	return errors.Join(errs...)
}

var phases = []definition.Phase{
	definition.PhaseRequest,
	definition.PhaseResponse,
	definition.PhaseMessageRequest,
	definition.PhaseMessageResponse,
}

// Reactor returns the reactor of the API with id, or nil.
func (d *Deployment) Reactor(id string) *reactor.Reactor {
	return d.reactors[id]
}

// Match finds the API whose context path is the longest prefix of path.
// A context path only matches on a segment boundary.
func (d *Deployment) Match(path string) *reactor.Reactor {
	for _, r := range d.byContext {
		cp := strings.TrimSuffix(r.API().ContextPath, "/")
		if cp == "" {
			return r
		}
		if strings.HasPrefix(path, cp) && (len(path) == len(cp) || path[len(cp)] == '/') {
			return r
		}
	}
	return nil
}

// Reactors lists the deployed reactors ordered by API id.
func (d *Deployment) Reactors() []*reactor.Reactor {
	out := make([]*reactor.Reactor, 0, len(d.reactors))
	for _, r := range d.reactors {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].API().ID < out[j].API().ID })
	return out
}

// PolicyInstances is the number of policy instances cached by the deployment.
func (d *Deployment) PolicyInstances() int { return d.chains.Size() }

// Len is the number of deployed APIs.
func (d *Deployment) Len() int { return len(d.reactors) }

// Kernel owns the active deployment and swaps it on redeploy.
type Kernel struct {
	current atomic.Pointer[Deployment]
	version atomic.Int64
	deps    reactor.Dependencies
	logger  *slog.Logger
}

// NewKernel creates a kernel with an empty deployment.
func NewKernel(deps reactor.Dependencies) *Kernel {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	k := &Kernel{deps: deps, logger: logger}
	k.current.Store(NewDeployment(nil, deps))
	return k
}

// Current returns the active deployment.
func (k *Kernel) Current() *Deployment {
	return k.current.Load()
}

// Deploy replaces the active deployment with one built from bundle.
func (k *Kernel) Deploy(bundle *definition.Bundle) *Deployment {
	d := NewDeployment(bundle, k.deps)
	d.Version = k.version.Add(1)
	k.current.Store(d)

	metrics.ApisDeployed.Set(float64(d.Len()))
	metrics.DeploymentsTotal.WithLabelValues("success").Inc()
	k.logger.Info("Deployed API definitions",
		"version", d.Version,
		"apis", d.Len(),
		"rejected", len(d.Bundle.Rejected))
	return d
}

// LoadFile parses the bundle at path and deploys it. The active deployment
// is kept when the file cannot be read or parsed.
func (k *Kernel) LoadFile(path string) error {
	bundle, err := definition.LoadFile(path, k.logger)
	if err != nil {
		metrics.DeploymentsTotal.WithLabelValues("failure").Inc()
		return err
	}
	k.Deploy(bundle)
	return nil
}

// Watch redeploys the bundle at path each time the file changes, until ctx
// is done.
func (k *Kernel) Watch(ctx context.Context, path string) error {
	provider := file.Provider(path)
	err := provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			k.logger.Error("Definitions watch error", "path", path, "error", err)
			return
		}
		k.logger.Info("Definitions file changed, redeploying", "path", path)
		if err := k.LoadFile(path); err != nil {
			k.logger.Error("Failed to redeploy definitions, keeping the active deployment",
				"path", path,
				"error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch definitions file %s: %w", path, err)
	}

	go func() {
		<-ctx.Done()
		if err := provider.Unwatch(); err != nil {
			k.logger.Debug("Failed to stop definitions watch", "error", err)
		}
	}()
	return nil
}
