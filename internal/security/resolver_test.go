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
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/condition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/executor"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/testutils"
)

func newRegistry(t *testing.T) *policy.Registry {
	t.Helper()
	reg := policy.NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(reg))
	return reg
}

func newFilter() *condition.Filter {
	return condition.NewFilter(condition.NewExprEvaluator(), nil)
}

// keyedApi declares the key-less plan first so ordering is proven by the
// resolver, not by declaration.
func keyedApi() *definition.Api {
	api := testutils.NewTestApi()
	api.Plans = []definition.Plan{
		{ID: "public", Index: 0, Security: definition.Security{Type: "KEY_LESS"}},
		{ID: "keyed", Index: 1, Security: definition.Security{
			Type: "API_KEY",
			Configuration: map[string]interface{}{
				"keys":         []interface{}{"secret"},
				"applications": map[string]interface{}{"secret": "mobile-app"},
			},
		}},
	}
	return api
}

func contextWithKey(api *definition.Api, key string) *execution.Context {
	headers := http.Header{}
	if key != "" {
		headers.Set(constants.HeaderAPIKey, key)
	}
	return testutils.NewTestContextWithHeaders(api, http.MethodGet, "/test/pets", headers)
}

func runSecurity(t *testing.T, ec *execution.Context, sp *SecurityPlan) error {
	t.Helper()
	exec := executor.NewChainExecutor(noop.NewTracerProvider().Tracer("test"))
	return exec.Execute(context.Background(), ec, "security", definition.PhaseRequest, []policy.Policy{sp.Policy})
}

// =============================================================================
// Build
// =============================================================================

func TestNewResolver_OrdersKeylessLast(t *testing.T) {
	r := NewResolver(keyedApi(), newRegistry(t), newFilter(), nil)

	require.Len(t, r.Plans(), 2)
	assert.Equal(t, "keyed", r.Plans()[0].ID())
	assert.Equal(t, "public", r.Plans()[1].ID())
	assert.Empty(t, r.Dropped())
}

func TestNewResolver_DropsUnknownSecurityType(t *testing.T) {
	api := keyedApi()
	api.Plans = append(api.Plans, definition.Plan{ID: "jwt", Index: 2, Security: definition.Security{Type: "JWT"}})

	r := NewResolver(api, newRegistry(t), newFilter(), nil)

	assert.Equal(t, []string{"jwt"}, r.Dropped())
	for _, sp := range r.Plans() {
		assert.NotEqual(t, "jwt", sp.ID())
	}
}

func TestNewResolver_OrdersByPlanOrderWithinScheme(t *testing.T) {
	api := testutils.NewTestApi()
	api.Plans = []definition.Plan{
		{ID: "second", Index: 0, Order: 2, Security: definition.Security{Type: "api-key"}},
		{ID: "first", Index: 1, Order: 1, Security: definition.Security{Type: "api-key"}},
		{ID: "third", Index: 2, Order: 2, Security: definition.Security{Type: "api-key"}},
	}

	r := NewResolver(api, newRegistry(t), newFilter(), nil)

	ids := make([]string, 0, 3)
	for _, sp := range r.Plans() {
		ids = append(ids, sp.ID())
	}
	assert.Equal(t, []string{"first", "second", "third"}, ids)
}

// =============================================================================
// Resolve
// =============================================================================

func TestResolve_FallbackOrdering(t *testing.T) {
	api := keyedApi()
	r := NewResolver(api, newRegistry(t), newFilter(), nil)

	withKey := contextWithKey(api, "secret")
	sp, failure := r.Resolve(withKey)
	require.Nil(t, failure)
	assert.Equal(t, "keyed", sp.ID())
	assert.Equal(t, "keyed", withKey.StringAttribute(constants.AttrPlan))
	assert.Equal(t, TypeAPIKey, withKey.Metrics().SecurityType)

	anonymous := contextWithKey(api, "")
	sp, failure = r.Resolve(anonymous)
	require.Nil(t, failure)
	assert.Equal(t, "public", sp.ID())
}

func TestResolve_InvalidKeyIsNotDowngraded(t *testing.T) {
	api := keyedApi()
	r := NewResolver(api, newRegistry(t), newFilter(), nil)
	ec := contextWithKey(api, "wrong")

	sp, failure := r.Resolve(ec)
	require.Nil(t, failure)
	require.Equal(t, "keyed", sp.ID())

	err := runSecurity(t, ec, sp)
	var f *execution.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, http.StatusUnauthorized, f.StatusCode)
	assert.Equal(t, constants.KeyAPIKeyInvalid, f.Key)
}

func TestResolve_NoPlanIsUnauthorized(t *testing.T) {
	api := testutils.NewTestApi()
	api.Plans = []definition.Plan{
		{ID: "keyed", Security: definition.Security{Type: "api-key"}},
	}
	r := NewResolver(api, newRegistry(t), newFilter(), nil)
	ec := contextWithKey(api, "")

	sp, failure := r.Resolve(ec)
	assert.Nil(t, sp)
	require.NotNil(t, failure)
	assert.Equal(t, http.StatusUnauthorized, failure.StatusCode)
	assert.Equal(t, constants.KeyPlanUnresolvable, failure.Key)
	assert.Equal(t, "Unauthorized", failure.Message)

	_, again := r.Resolve(ec)
	assert.NotNil(t, again)
}

func TestResolve_SelectionRule(t *testing.T) {
	api := testutils.NewTestApi()
	api.Plans = []definition.Plan{
		{ID: "gold", Index: 0, SelectionRule: `{#request.headers["x-tier"] == "gold"}`,
			Security: definition.Security{Type: "api-key", Configuration: map[string]interface{}{"keys": []interface{}{"k"}}}},
		{ID: "standard", Index: 1,
			Security: definition.Security{Type: "api-key", Configuration: map[string]interface{}{"keys": []interface{}{"k"}}}},
	}
	r := NewResolver(api, newRegistry(t), newFilter(), nil)

	gold := contextWithKey(api, "k")
	gold.Request().Headers.Set("X-Tier", "gold")
	sp, failure := r.Resolve(gold)
	require.Nil(t, failure)
	assert.Equal(t, "gold", sp.ID())

	standard := contextWithKey(api, "k")
	sp, failure = r.Resolve(standard)
	require.Nil(t, failure)
	assert.Equal(t, "standard", sp.ID())
}

func TestResolve_EvaluatedOncePerRequest(t *testing.T) {
	api := keyedApi()
	r := NewResolver(api, newRegistry(t), newFilter(), nil)
	ec := contextWithKey(api, "secret")

	first, _ := r.Resolve(ec)
	ec.Request().Headers.Del(constants.HeaderAPIKey)
	second, _ := r.Resolve(ec)

	assert.Same(t, first, second)
}

// =============================================================================
// Built-in schemes
// =============================================================================

func TestAPIKey_SuccessStripsCredential(t *testing.T) {
	api := keyedApi()
	r := NewResolver(api, newRegistry(t), newFilter(), nil)
	ec := testutils.NewTestContextWithHeaders(api, http.MethodGet, "/test/pets?api-key=secret", nil)

	sp, failure := r.Resolve(ec)
	require.Nil(t, failure)
	require.NoError(t, runSecurity(t, ec, sp))

	assert.Equal(t, "secret", ec.StringAttribute(constants.AttrAPIKey))
	assert.Equal(t, "mobile-app", ec.StringAttribute(constants.AttrApplication))
	assert.Equal(t, "mobile-app", ec.Metrics().Application)
	assert.Empty(t, ec.Request().Query.Get(constants.QueryAPIKey))
}

func TestAPIKey_PropagateKeepsCredential(t *testing.T) {
	sp, err := NewAPIKey(definition.Plan{ID: "p"}, map[string]interface{}{
		"keys":      []interface{}{"k"},
		"header":    "X-Key",
		"propagate": true,
	})
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set("X-Key", "k")
	ec := testutils.NewTestContextWithHeaders(testutils.NewTestApi(), http.MethodGet, "/test", headers)

	require.True(t, sp.Support(ec))
	require.NoError(t, runSecurity(t, ec, &SecurityPlan{Plan: &definition.Plan{ID: "p"}, Policy: sp}))
	assert.Equal(t, "k", ec.Request().Headers.Get("X-Key"))
}

func TestAPIKey_MissingKey(t *testing.T) {
	sp, err := NewAPIKey(definition.Plan{ID: "p"}, nil)
	require.NoError(t, err)
	ec := testutils.NewTestContext(testutils.NewTestApi(), "/test")

	assert.False(t, sp.Support(ec))
	err = runSecurity(t, ec, &SecurityPlan{Plan: &definition.Plan{ID: "p"}, Policy: sp})
	var f *execution.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, constants.KeyAPIKeyMissing, f.Key)
}

func TestKeyless_YieldsToIdentifiedRequests(t *testing.T) {
	sp, err := NewKeyless(definition.Plan{ID: "public"}, nil)
	require.NoError(t, err)
	ec := testutils.NewTestContext(testutils.NewTestApi(), "/test")

	assert.True(t, sp.Support(ec))
	ec.SetAttribute(constants.AttrTokenIdentified, true)
	assert.False(t, sp.Support(ec))
}

func TestRegisterBuiltins_Twice(t *testing.T) {
	reg := newRegistry(t)
	assert.Error(t, RegisterBuiltins(reg))
}
