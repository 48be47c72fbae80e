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

package policies

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/testutils"
)

type chainSpy struct {
	next    int
	failure *execution.Failure
}

func (c *chainSpy) Next()                     { c.next++ }
func (c *chainSpy) Fail(f *execution.Failure) { c.failure = f }

func newSetHeader(t *testing.T, config map[string]interface{}) *SetHeader {
	t.Helper()
	p, err := NewSetHeader(policy.Metadata{PolicyID: SetHeaderID}, config)
	require.NoError(t, err)
	return p.(*SetHeader)
}

func TestSetHeader_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]interface{}
		wantErr string
	}{
		{"missing action", map[string]interface{}{"headerName": "x"}, "action parameter is required"},
		{"unknown action", map[string]interface{}{"action": "REPLACE", "headerName": "x", "headerValue": "v"}, "must be SET, APPEND, or DELETE"},
		{"missing value", map[string]interface{}{"action": "SET", "headerName": "x"}, "headerValue is required"},
		{"blank name", map[string]interface{}{"action": "DELETE", "headerName": "  "}, "headerName cannot be empty"},
		{"wrong type", map[string]interface{}{"action": "SET", "headerName": []int{1}, "headerValue": "v"}, "invalid set-header configuration"},
		{"lowercase action", map[string]interface{}{"action": "delete", "headerName": "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSetHeader(policy.Metadata{PolicyID: SetHeaderID}, tt.config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetHeader_Request(t *testing.T) {
	ec := testutils.NewTestContextWithHeaders(testutils.NewTestApi(), http.MethodGet, "/test/a",
		http.Header{"X-Env": []string{"dev"}, "X-Secret": []string{"s"}})

	for _, config := range []map[string]interface{}{
		{"action": "SET", "headerName": "X-Env", "headerValue": "prod"},
		{"action": "APPEND", "headerName": "X-Trace", "headerValue": "a"},
		{"action": "APPEND", "headerName": "X-Trace", "headerValue": "b"},
		{"action": "DELETE", "headerName": "x-secret"},
	} {
		chain := &chainSpy{}
		newSetHeader(t, config).OnRequest(context.Background(), ec, chain)
		assert.Equal(t, 1, chain.next)
		assert.Nil(t, chain.failure)
	}

	h := ec.Request().Headers
	assert.Equal(t, []string{"prod"}, h.Values("X-Env"))
	assert.Equal(t, []string{"a", "b"}, h.Values("X-Trace"))
	assert.Empty(t, h.Values("X-Secret"))
}

func TestSetHeader_Response(t *testing.T) {
	ec := testutils.NewTestContext(testutils.NewTestApi(), "/test/a")
	chain := &chainSpy{}

	newSetHeader(t, map[string]interface{}{"action": "SET", "headerName": "X-Served-By", "headerValue": "engine"}).
		OnResponse(context.Background(), ec, chain)

	assert.Equal(t, "engine", ec.Response().Headers.Get("X-Served-By"))
	assert.Empty(t, ec.Request().Headers.Get("X-Served-By"))
	assert.Equal(t, 1, chain.next)
}

func TestSetHeader_Message(t *testing.T) {
	ec := testutils.NewTestContext(testutils.NewTestApi(), "/test/a")
	p := newSetHeader(t, map[string]interface{}{"action": "SET", "headerName": "X-Tenant", "headerValue": "acme"})

	t.Run("without message", func(t *testing.T) {
		chain := &chainSpy{}
		p.OnMessageRequest(context.Background(), ec, chain)
		assert.Equal(t, 1, chain.next)
	})

	t.Run("message without headers", func(t *testing.T) {
		msg := &execution.Message{ID: "m1", Payload: []byte("{}")}
		ec.SetMessage(msg)
		chain := &chainSpy{}
		p.OnMessageResponse(context.Background(), ec, chain)
		assert.Equal(t, "acme", msg.Headers.Get("X-Tenant"))
		assert.Equal(t, 1, chain.next)
	})
}

func TestMock(t *testing.T) {
	p, err := NewMock(policy.Metadata{PolicyID: MockID}, map[string]interface{}{
		"status":  "201",
		"body":    `{"id":1}`,
		"headers": map[string]interface{}{"Content-Type": "application/json"},
	})
	require.NoError(t, err)

	ec := testutils.NewTestContext(testutils.NewTestApi(), "/test/a")
	chain := &chainSpy{}
	p.(policy.RequestPolicy).OnRequest(context.Background(), ec, chain)

	assert.Equal(t, 1, chain.next)
	assert.Equal(t, 201, ec.Response().Status)
	assert.Equal(t, `{"id":1}`, string(ec.Response().Body))
	assert.Equal(t, "application/json", ec.Response().Headers.Get("Content-Type"))
	skip, ok := ec.Attribute(constants.AttrInvokerSkip)
	require.True(t, ok)
	assert.Equal(t, true, skip)
}

func TestMock_Defaults(t *testing.T) {
	p, err := NewMock(policy.Metadata{PolicyID: MockID}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, p.(*Mock).config.Status)

	_, err = NewMock(policy.Metadata{PolicyID: MockID}, map[string]interface{}{"status": 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestRegister(t *testing.T) {
	reg := policy.NewRegistry(nil)
	require.NoError(t, Register(reg))

	names, _ := reg.DumpPolicies()
	assert.ElementsMatch(t, []string{SetHeaderID, MockID}, names)
	assert.Error(t, Register(reg), "duplicate registration must fail")
}
