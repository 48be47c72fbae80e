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
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// MockExtProcStream implements extprocv3.ExternalProcessor_ProcessServer by
// replaying Requests and recording what the server sends back.
type MockExtProcStream struct {
	Requests  []*extprocv3.ProcessingRequest
	Responses []*extprocv3.ProcessingResponse
	RecvIndex int
	RecvErr   error
	SendErr   error
	Ctx       context.Context
}

func NewMockExtProcStream(requests ...*extprocv3.ProcessingRequest) *MockExtProcStream {
	return &MockExtProcStream{
		Requests: requests,
		Ctx:      context.Background(),
	}
}

func (m *MockExtProcStream) Send(resp *extprocv3.ProcessingResponse) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Responses = append(m.Responses, resp)
	return nil
}

// Recv returns the next request, then RecvErr or io.EOF once exhausted.
func (m *MockExtProcStream) Recv() (*extprocv3.ProcessingRequest, error) {
	if m.RecvIndex >= len(m.Requests) {
		if m.RecvErr != nil {
			return nil, m.RecvErr
		}
		return nil, io.EOF
	}
	req := m.Requests[m.RecvIndex]
	m.RecvIndex++
	return req, nil
}

func (m *MockExtProcStream) SetHeader(metadata.MD) error  { return nil }
func (m *MockExtProcStream) SendHeader(metadata.MD) error { return nil }
func (m *MockExtProcStream) SetTrailer(metadata.MD)       {}
func (m *MockExtProcStream) Context() context.Context     { return m.Ctx }
func (m *MockExtProcStream) SendMsg(interface{}) error    { return nil }
func (m *MockExtProcStream) RecvMsg(interface{}) error    { return nil }

// WithRecvError makes Recv fail with err after the queued requests.
func (m *MockExtProcStream) WithRecvError(err error) *MockExtProcStream {
	m.RecvErr = err
	return m
}

func (m *MockExtProcStream) WithSendError(err error) *MockExtProcStream {
	m.SendErr = err
	return m
}

// RequestHeaders builds a request headers message for method and path.
func RequestHeaders(method, path string, headers map[string]string) *extprocv3.ProcessingRequest {
	all := map[string]string{
		":method":    method,
		":path":      path,
		":authority": "gateway.local",
		":scheme":    "http",
	}
	for k, v := range headers {
		all[k] = v
	}
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extprocv3.HttpHeaders{Headers: headerMap(all), EndOfStream: true},
		},
	}
}

// ResponseHeaders builds a response headers message.
func ResponseHeaders(status int, headers map[string]string) *extprocv3.ProcessingRequest {
	all := map[string]string{":status": strconv.Itoa(status)}
	for k, v := range headers {
		all[k] = v
	}
	return &extprocv3.ProcessingRequest{
		Request: &extprocv3.ProcessingRequest_ResponseHeaders{
			ResponseHeaders: &extprocv3.HttpHeaders{Headers: headerMap(all)},
		},
	}
}

// WithRoute attaches route metadata designating apiID, the way the ext_proc
// filter forwards xds.route_metadata.
func WithRoute(req *extprocv3.ProcessingRequest, routeName, apiID string) *extprocv3.ProcessingRequest {
	text := fmt.Sprintf(`filter_metadata { key: "flow_engine.route" value { fields { key: "api_id" value { string_value: %q } } } }`, apiID)
	req.Attributes = map[string]*structpb.Struct{
		"envoy.filters.http.ext_proc": {
			Fields: map[string]*structpb.Value{
				"xds.route_name":     structpb.NewStringValue(routeName),
				"xds.route_metadata": structpb.NewStringValue(text),
			},
		},
	}
	return req
}

func headerMap(headers map[string]string) *corev3.HeaderMap {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hm := &corev3.HeaderMap{}
	for _, k := range keys {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: k, RawValue: []byte(headers[k])})
	}
	return hm
}
