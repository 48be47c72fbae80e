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

package testutils

import (
	"net/http"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

// NewTestApi returns a proxy API with a single catch-all flow.
func NewTestApi() *definition.Api {
	return &definition.Api{
		ID:          "test-api",
		Name:        "TestAPI",
		Version:     "1.0",
		Type:        definition.ApiTypeProxy,
		ContextPath: "/test",
		FlowExecution: definition.FlowExecution{
			Mode: definition.FlowModeDefault,
		},
		Flows: []definition.Flow{{
			Name: "all",
			Selectors: []definition.Selector{
				{Type: definition.SelectorHTTP, Path: "/", PathOperator: definition.OperatorStartsWith},
			},
		}},
	}
}

// NewTestContext creates an execution context for a GET on path against api.
func NewTestContext(api *definition.Api, path string) *execution.Context {
	return NewTestContextWithHeaders(api, http.MethodGet, path, nil)
}

// NewTestContextWithHeaders creates an execution context with custom method and headers.
func NewTestContextWithHeaders(api *definition.Api, method, path string, headers http.Header) *execution.Context {
	req := execution.NewRequest(method, path, headers)
	req.Host = "api.example.com"
	req.RemoteAddr = "10.0.0.1"
	return execution.NewContext(api, req, nil)
}
