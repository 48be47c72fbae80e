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

package security

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/go-viper/mapstructure/v2"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
)

const (
	TypeKeyless = "key-less"
	TypeAPIKey  = "api-key"

	orderAPIKey  = 500
	orderKeyless = 1000
)

// RegisterBuiltins registers the security schemes shipped with the engine.
func RegisterBuiltins(registry *policy.Registry) error {
	if err := registry.RegisterSecurity(TypeKeyless, NewKeyless); err != nil {
		return err
	}
	return registry.RegisterSecurity(TypeAPIKey, NewAPIKey)
}

// =============================================================================
// Key-less
// =============================================================================

// Keyless accepts every request no other scheme has identified.
type Keyless struct {
	planID string
}

func NewKeyless(plan definition.Plan, _ map[string]interface{}) (policy.SecurityPolicy, error) {
	return &Keyless{planID: plan.ID}, nil
}

func (k *Keyless) ID() string { return TypeKeyless }

func (k *Keyless) Order() int { return orderKeyless }

// Support is false once a credential was seen, so a request carrying a bad
// key is rejected instead of silently downgraded to the public plan.
func (k *Keyless) Support(ec *execution.Context) bool {
	identified, _ := ec.Attribute(constants.AttrTokenIdentified)
	return identified != true
}

func (k *Keyless) OnRequest(_ context.Context, _ *execution.Context, chain policy.Chain) {
	chain.Next()
}

// =============================================================================
// API key
// =============================================================================

// APIKeyConfig is the security configuration of an api-key plan.
type APIKeyConfig struct {
	Keys         []string          `mapstructure:"keys"`
	Applications map[string]string `mapstructure:"applications"`
	Header       string            `mapstructure:"header"`
	Query        string            `mapstructure:"query"`
	Propagate    bool              `mapstructure:"propagate"`
}

// APIKey authenticates requests with a key from a header or query parameter.
type APIKey struct {
	planID string
	config APIKeyConfig
}

func NewAPIKey(plan definition.Plan, config map[string]interface{}) (policy.SecurityPolicy, error) {
	var cfg APIKeyConfig
	if err := mapstructure.Decode(config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid api-key configuration for plan %s: %w", plan.ID, err)
	}
	if cfg.Header == "" {
		cfg.Header = constants.HeaderAPIKey
	}
	if cfg.Query == "" {
		cfg.Query = constants.QueryAPIKey
	}
	return &APIKey{planID: plan.ID, config: cfg}, nil
}

func (a *APIKey) ID() string { return TypeAPIKey }

func (a *APIKey) Order() int { return orderAPIKey }

// Support reports whether the request carries a key and marks the request
// as identified when it does.
func (a *APIKey) Support(ec *execution.Context) bool {
	key := a.extract(ec.Request())
	if key == "" {
		return false
	}
	ec.SetAttribute(constants.AttrTokenIdentified, true)
	return true
}

func (a *APIKey) OnRequest(_ context.Context, ec *execution.Context, chain policy.Chain) {
	req := ec.Request()
	key := a.extract(req)
	if key == "" {
		chain.Fail(execution.NewFailure(http.StatusUnauthorized, constants.KeyAPIKeyMissing, "Unauthorized"))
		return
	}
	if !slices.Contains(a.config.Keys, key) {
		ec.Logger().Debug("Rejecting unknown api key", "plan", a.planID)
		chain.Fail(execution.NewFailure(http.StatusUnauthorized, constants.KeyAPIKeyInvalid, "Unauthorized"))
		return
	}

	ec.SetAttribute(constants.AttrAPIKey, key)
	if app, ok := a.config.Applications[key]; ok {
		ec.SetAttribute(constants.AttrApplication, app)
		ec.Metrics().Application = app
	}
	if !a.config.Propagate {
		req.Headers.Del(a.config.Header)
		req.Query.Del(a.config.Query)
	}
	chain.Next()
}

func (a *APIKey) extract(req *execution.Request) string {
	if v := req.Headers.Get(a.config.Header); v != "" {
		return v
	}
	return req.Query.Get(a.config.Query)
}
