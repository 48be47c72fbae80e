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

package kernel

import (
	"context"
	"errors"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/testutils"
)

func newServer(f *fixture) *ExternalProcessorServer {
	return NewExternalProcessorServer(f.kernel, "", nil)
}

func setHeaders(m *extprocv3.HeaderMutation) map[string]string {
	out := make(map[string]string)
	if m == nil {
		return out
	}
	for _, h := range m.SetHeaders {
		out[h.Header.Key] = string(h.Header.RawValue)
	}
	return out
}

func TestProcess_UnknownAPIIsPassedThrough(t *testing.T) {
	f := newFixture(t)
	stream := testutils.NewMockExtProcStream(testutils.RequestHeaders("GET", "/nowhere", nil))

	require.NoError(t, newServer(f).Process(stream))

	require.Len(t, stream.Responses, 1)
	resp := stream.Responses[0]
	assert.NotNil(t, resp.GetRequestHeaders())
	require.NotNil(t, resp.ModeOverride)
	assert.Empty(t, f.rec.Entries())
	assert.Empty(t, f.reporter.all())
}

func TestProcess_FullExchange(t *testing.T) {
	f := newFixture(t)
	stream := testutils.NewMockExtProcStream(
		testutils.RequestHeaders("GET", "/petstore/pets?limit=5", map[string]string{
			"x-request-id": "req-1",
			"x-remove":     "gone",
		}),
		testutils.ResponseHeaders(200, map[string]string{"content-type": "application/json"}),
	)

	require.NoError(t, newServer(f).Process(stream))
	require.Len(t, stream.Responses, 2)

	reqMutation := stream.Responses[0].GetRequestHeaders().GetResponse().GetHeaderMutation()
	set := setHeaders(reqMutation)
	assert.Equal(t, "yes", set["x-added"])
	assert.Equal(t, "/petstore/v2/pets?limit=5", set[":path"])
	assert.Equal(t, "req-1", set["x-gravitee-transaction-id"])
	assert.Equal(t, "req-1", set["x-gravitee-request-id"])
	assert.Contains(t, reqMutation.RemoveHeaders, "x-remove")

	respSet := setHeaders(stream.Responses[1].GetResponseHeaders().GetResponse().GetHeaderMutation())
	assert.Equal(t, "flow-engine", respSet["x-served-by"])
	assert.Equal(t, "req-1", respSet["x-gravitee-transaction-id"])
	assert.NotContains(t, respSet, "content-type")

	assert.Equal(t, []string{
		"platform:REQUEST",
		"rewrite:REQUEST",
		"rewrite:RESPONSE",
		"platform:RESPONSE",
	}, f.rec.Entries())

	reports := f.reporter.all()
	require.Len(t, reports, 1)
	assert.Equal(t, "req-1", reports[0].RequestID)
	assert.Equal(t, "petstore", reports[0].APIID)
	assert.Equal(t, "open", reports[0].PlanID)
	assert.Equal(t, 200, reports[0].Status)
	assert.Equal(t, int64(0), f.kernel.Current().Reactor("petstore").Pending())
}

func TestProcess_InterruptionBecomesImmediateResponse(t *testing.T) {
	f := newFixture(t)
	stream := testutils.NewMockExtProcStream(
		testutils.RequestHeaders("GET", "/petstore/admin/users", nil),
	)

	require.NoError(t, newServer(f).Process(stream))
	require.Len(t, stream.Responses, 1)

	imm := stream.Responses[0].GetImmediateResponse()
	require.NotNil(t, imm)
	assert.Equal(t, int32(401), int32(imm.Status.Code))
	assert.Contains(t, string(imm.Body), "Unauthorized")
	assert.Equal(t, []string{"platform:REQUEST", "platform:RESPONSE"}, f.rec.Entries())

	reports := f.reporter.all()
	require.Len(t, reports, 1)
	assert.Equal(t, 401, reports[0].Status)
	assert.Equal(t, "GATEWAY_PLAN_UNRESOLVABLE", reports[0].ErrorKey)
}

func TestProcess_ValidKeyReachesAPIFlows(t *testing.T) {
	f := newFixture(t)
	stream := testutils.NewMockExtProcStream(
		testutils.RequestHeaders("GET", "/petstore/admin/users", map[string]string{"x-gravitee-api-key": "k1"}),
		testutils.ResponseHeaders(204, nil),
	)

	require.NoError(t, newServer(f).Process(stream))
	require.Len(t, stream.Responses, 2)

	reqMutation := stream.Responses[0].GetRequestHeaders().GetResponse().GetHeaderMutation()
	assert.Contains(t, reqMutation.RemoveHeaders, "x-gravitee-api-key")
	assert.Equal(t, []string{"platform:REQUEST", "api:REQUEST", "platform:RESPONSE"}, f.rec.Entries())
	assert.Equal(t, 204, f.reporter.all()[0].Status)
}

func TestProcess_RouteMetadataSelectsAPI(t *testing.T) {
	f := newFixture(t)
	req := testutils.WithRoute(testutils.RequestHeaders("GET", "/anything", nil), "route-1", "mocked")
	stream := testutils.NewMockExtProcStream(req)

	require.NoError(t, newServer(f).Process(stream))
	require.Len(t, stream.Responses, 1)
	imm := stream.Responses[0].GetImmediateResponse()
	require.NotNil(t, imm)
	assert.Equal(t, int32(201), int32(imm.Status.Code))
}

func TestProcess_InvokerSkipAnswersDirectly(t *testing.T) {
	f := newFixture(t)
	stream := testutils.NewMockExtProcStream(testutils.RequestHeaders("POST", "/mock/orders", nil))

	require.NoError(t, newServer(f).Process(stream))
	require.Len(t, stream.Responses, 1)

	imm := stream.Responses[0].GetImmediateResponse()
	require.NotNil(t, imm)
	assert.Equal(t, int32(201), int32(imm.Status.Code))
	assert.JSONEq(t, `{"mocked":true}`, string(imm.Body))
	assert.Equal(t, []string{"platform:REQUEST", "mock:REQUEST", "platform:RESPONSE"}, f.rec.Entries())
}

func TestProcess_ResponsePhaseFailure(t *testing.T) {
	f := newFixture(t)
	stream := testutils.NewMockExtProcStream(
		testutils.RequestHeaders("GET", "/fragile/items", nil),
		testutils.ResponseHeaders(200, nil),
	)

	require.NoError(t, newServer(f).Process(stream))
	require.Len(t, stream.Responses, 2)

	imm := stream.Responses[1].GetImmediateResponse()
	require.NotNil(t, imm)
	assert.Equal(t, int32(503), int32(imm.Status.Code))
	assert.Equal(t, 503, f.reporter.all()[0].Status)
}

func TestProcess_StreamEndsBeforeResponse(t *testing.T) {
	f := newFixture(t)
	stream := testutils.NewMockExtProcStream(testutils.RequestHeaders("GET", "/petstore/pets", nil))

	require.NoError(t, newServer(f).Process(stream))

	reports := f.reporter.all()
	require.Len(t, reports, 1)
	assert.Equal(t, 499, reports[0].Status)
	assert.Equal(t, "CLIENT_ABORTED", reports[0].ErrorKey)
	assert.Equal(t, int64(0), f.kernel.Current().Reactor("petstore").Pending())
}

func TestProcess_ReceiveErrors(t *testing.T) {
	f := newFixture(t)

	stream := testutils.NewMockExtProcStream().WithRecvError(errors.New("connection reset"))
	err := newServer(f).Process(stream)
	require.Error(t, err)
	assert.Equal(t, grpccodes.Unknown, status.Code(err))

	stream = testutils.NewMockExtProcStream().WithRecvError(status.Error(grpccodes.Canceled, "canceled"))
	assert.NoError(t, newServer(f).Process(stream))

	stream = testutils.NewMockExtProcStream().WithRecvError(context.Canceled)
	assert.NoError(t, newServer(f).Process(stream))
}

func TestProcess_SendError(t *testing.T) {
	f := newFixture(t)
	stream := testutils.NewMockExtProcStream(testutils.RequestHeaders("GET", "/nowhere", nil)).
		WithSendError(errors.New("broken pipe"))

	err := newServer(f).Process(stream)
	assert.Equal(t, grpccodes.Unknown, status.Code(err))
}

func TestProcess_BodiesPassThrough(t *testing.T) {
	f := newFixture(t)
	stream := testutils.NewMockExtProcStream(
		&extprocv3.ProcessingRequest{Request: &extprocv3.ProcessingRequest_RequestBody{RequestBody: &extprocv3.HttpBody{Body: []byte("x")}}},
		&extprocv3.ProcessingRequest{Request: &extprocv3.ProcessingRequest_ResponseBody{ResponseBody: &extprocv3.HttpBody{}}},
		testutils.ResponseHeaders(200, nil),
	)

	require.NoError(t, newServer(f).Process(stream))
	require.Len(t, stream.Responses, 3)
	assert.NotNil(t, stream.Responses[0].GetRequestBody())
	assert.NotNil(t, stream.Responses[1].GetResponseBody())
	assert.NotNil(t, stream.Responses[2].GetResponseHeaders())
}

func TestHeaderMutation(t *testing.T) {
	before := map[string][]string{"A": {"1"}, "B": {"2"}, "C": {"3"}}
	after := map[string][]string{"A": {"1"}, "B": {"20", "21"}, "D": {"4"}}

	m := headerMutation(before, after)
	require.NotNil(t, m)
	require.Len(t, m.SetHeaders, 3)
	assert.Equal(t, "b", m.SetHeaders[0].Header.Key)
	assert.Equal(t, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD, m.SetHeaders[0].AppendAction)
	assert.Equal(t, "21", string(m.SetHeaders[1].Header.RawValue))
	assert.Equal(t, corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD, m.SetHeaders[1].AppendAction)
	assert.Equal(t, "d", m.SetHeaders[2].Header.Key)
	assert.Equal(t, []string{"c"}, m.RemoveHeaders)

	assert.Nil(t, headerMutation(before, before))
}
