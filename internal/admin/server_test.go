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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/kernel"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/reactor"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/security"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/testutils"
)

const bundleYAML = `
organization:
  flows:
    - name: platform
      selectors:
        - type: http
          path: /
      request:
        - policy: transform
apis:
  - id: petstore
    name: Petstore
    contextPath: /petstore
    flowExecution:
      mode: best-match
    plans:
      - id: open
        security:
          type: key-less
      - id: keyed
        security:
          type: api-key
          configuration:
            keys: ["secret-key"]
      - id: jwt
        security:
          type: jwt
    flows:
      - name: pets
        selectors:
          - type: http
            path: /pets
            methods: [post, get]
        request:
          - policy: transform
            condition: "{#request.headers['x-debug'] != null}"
            configuration:
              secret: do-not-dump
  - id: ""
`

func newTestRouter(t *testing.T, allowed ...string) (http.Handler, *kernel.Kernel) {
	t.Helper()
	reg := policy.NewRegistry(nil)
	require.NoError(t, security.RegisterBuiltins(reg))
	require.NoError(t, reg.Register("transform", testutils.Factory(nil)))

	k := kernel.NewKernel(reactor.Dependencies{Registry: reg})
	bundle, err := definition.Parse([]byte(bundleYAML), nil)
	require.NoError(t, err)
	k.Deploy(bundle)

	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	return NewRouter(allowed, k, reg, nil), k
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t)
	w := get(t, h, "/health")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "UP", body["status"])
	assert.Equal(t, float64(1), body["apis"])
	assert.Equal(t, float64(1), body["deployment_version"])
}

func TestListApis(t *testing.T) {
	h, _ := newTestRouter(t)
	w := get(t, h, "/apis")
	require.Equal(t, http.StatusOK, w.Code)

	var apis []ApiDump
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apis))
	require.Len(t, apis, 1)

	api := apis[0]
	assert.Equal(t, "petstore", api.ID)
	assert.Equal(t, "BEST_MATCH", api.FlowMode)
	assert.Equal(t, "30s", api.Timeout)
	assert.Equal(t, []string{"jwt"}, api.DroppedPlans)

	require.Len(t, api.Plans, 2)
	assert.Equal(t, "keyed", api.Plans[0].ID, "key-less plans resolve last")
	assert.Equal(t, "open", api.Plans[1].ID)

	require.Len(t, api.Flows, 1)
	assert.Equal(t, []string{"http STARTS_WITH /pets [GET,POST]"}, api.Flows[0].Selectors)
	require.Len(t, api.Flows[0].Steps, 1)
	assert.Equal(t, "REQUEST", api.Flows[0].Steps[0].Phase)
	assert.NotContains(t, w.Body.String(), "do-not-dump")
	assert.NotContains(t, w.Body.String(), "secret-key")
}

func TestGetApi(t *testing.T) {
	h, _ := newTestRouter(t)

	w := get(t, h, "/apis/petstore")
	require.Equal(t, http.StatusOK, w.Code)
	var api ApiDump
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &api))
	assert.Equal(t, "Petstore", api.Name)

	w = get(t, h, "/apis/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "api not found")
}

func TestListPolicies(t *testing.T) {
	h, _ := newTestRouter(t)
	w := get(t, h, "/policies")
	require.Equal(t, http.StatusOK, w.Code)

	var reg RegistryDump
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))
	assert.Equal(t, []string{"transform"}, reg.Policies)
	assert.Equal(t, []string{"api-key", "key-less"}, reg.SecurityTypes)
}

func TestConfigDump(t *testing.T) {
	h, _ := newTestRouter(t)
	w := get(t, h, "/config_dump")
	require.Equal(t, http.StatusOK, w.Code)

	var dump ConfigDumpResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dump))
	assert.Equal(t, int64(1), dump.Deployment.Version)
	assert.Equal(t, 1, dump.Deployment.TotalApis)
	assert.Contains(t, dump.Deployment.Rejected, "apis[1]")
	require.Len(t, dump.Deployment.Platform, 1)
	assert.Equal(t, "platform", dump.Deployment.Platform[0].Name)
	assert.False(t, dump.Timestamp.IsZero())
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/config_dump", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestIPAllowList(t *testing.T) {
	// httptest requests come from 192.0.2.1
	h, _ := newTestRouter(t, "10.0.0.0/8")
	assert.Equal(t, http.StatusForbidden, get(t, h, "/health").Code)

	h, _ = newTestRouter(t, "192.0.2.0/24")
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)

	h, _ = newTestRouter(t, "192.0.2.1")
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestIsIPAllowed(t *testing.T) {
	tests := []struct {
		ip      string
		allowed []string
		want    bool
	}{
		{"127.0.0.1", []string{"*"}, true},
		{"127.0.0.1", []string{"127.0.0.1"}, true},
		{"127.0.0.2", []string{"127.0.0.1"}, false},
		{"10.1.2.3", []string{"10.0.0.0/8"}, true},
		{"::1", []string{"::1/128"}, true},
		{"not-an-ip", []string{"10.0.0.0/8"}, false},
		{"127.0.0.1", nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isIPAllowed(tt.ip, tt.allowed), "%s in %v", tt.ip, tt.allowed)
	}
}
