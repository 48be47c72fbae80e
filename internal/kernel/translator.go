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
	"net/http"
	"sort"
	"strconv"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

// envoyHeaders is the decoded form of an ext_proc header map. Pseudo headers
// are kept apart from the regular ones.
type envoyHeaders struct {
	method    string
	path      string
	authority string
	scheme    string
	status    int
	requestID string
	headers   http.Header
}

func decodeHeaders(h *extprocv3.HttpHeaders) envoyHeaders {
	out := envoyHeaders{headers: http.Header{}}
	if h == nil || h.Headers == nil {
		return out
	}
	for _, header := range h.Headers.GetHeaders() {
		key := header.Key
		value := string(header.RawValue)
		if value == "" {
			value = header.Value
		}
		switch key {
		case ":path":
			out.path = value
		case ":method":
			out.method = value
		case ":authority":
			out.authority = value
		case ":scheme":
			out.scheme = value
		case ":status":
			out.status, _ = strconv.Atoi(value)
		default:
			if strings.HasPrefix(key, ":") {
				continue
			}
			if key == "x-request-id" && out.requestID == "" {
				out.requestID = value
			}
			out.headers.Add(key, value)
		}
	}
	return out
}

// buildRequest converts the decoded headers of a request. PathInfo is the
// path below the API context path.
func buildRequest(h envoyHeaders, contextPath string) *execution.Request {
	req := execution.NewRequest(h.method, h.path, h.headers)
	req.ID = h.requestID
	req.Host = h.authority
	if fwd := h.headers.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		req.RemoteAddr = strings.TrimSpace(first)
	}
	req.PathInfo = stripContextPath(req.Path, contextPath)
	return req
}

func stripContextPath(path, contextPath string) string {
	cp := strings.TrimSuffix(contextPath, "/")
	if cp == "" || !strings.HasPrefix(path, cp) {
		return path
	}
	rest := path[len(cp):]
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

// headerMutation diffs the headers seen by the chains against the original
// ones. Changed headers are overwritten with all of their values and
// missing ones are removed.
func headerMutation(before, after http.Header) *extprocv3.HeaderMutation {
	mutation := &extprocv3.HeaderMutation{}

	keys := make([]string, 0, len(after))
	for k := range after {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := after[k]
		if equalValues(before[k], values) {
			continue
		}
		if len(values) == 0 {
			mutation.RemoveHeaders = append(mutation.RemoveHeaders, strings.ToLower(k))
			continue
		}
		for i, v := range values {
			action := corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD
			if i == 0 {
				action = corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD
			}
			mutation.SetHeaders = append(mutation.SetHeaders, setHeader(k, v, action))
		}
	}

	removed := make([]string, 0)
	for k := range before {
		if _, ok := after[k]; !ok {
			removed = append(removed, strings.ToLower(k))
		}
	}
	sort.Strings(removed)
	mutation.RemoveHeaders = append(mutation.RemoveHeaders, removed...)

	if len(mutation.SetHeaders) == 0 && len(mutation.RemoveHeaders) == 0 {
		return nil
	}
	return mutation
}

func setHeader(key, value string, action corev3.HeaderValueOption_HeaderAppendAction) *corev3.HeaderValueOption {
	return &corev3.HeaderValueOption{
		Header: &corev3.HeaderValue{
			Key:      strings.ToLower(key),
			RawValue: []byte(value),
		},
		AppendAction: action,
	}
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// requestHeadersResponse continues the request upstream with the mutations
// applied by the request phase. A rewritten path or query is sent as :path.
func requestHeadersResponse(ec *execution.Context, before http.Header, originalURI string) *extprocv3.ProcessingResponse {
	mutation := headerMutation(before, ec.Request().Headers)
	if uri := ec.Request().URI(); uri != originalURI {
		if mutation == nil {
			mutation = &extprocv3.HeaderMutation{}
		}
		mutation.SetHeaders = append(mutation.SetHeaders,
			setHeader(":path", uri, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD))
	}
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{
				Response: &extprocv3.CommonResponse{HeaderMutation: mutation},
			},
		},
	}
}

func responseHeadersResponse(ec *execution.Context, before http.Header) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extprocv3.HeadersResponse{
				Response: &extprocv3.CommonResponse{
					HeaderMutation: headerMutation(before, ec.Response().Headers),
				},
			},
		},
	}
}

// immediateResponse answers the client directly with the response held by
// the context.
func immediateResponse(resp *execution.Response) *extprocv3.ProcessingResponse {
	var headers *extprocv3.HeaderMutation
	if len(resp.Headers) > 0 {
		headers = headerMutation(nil, resp.Headers)
	}
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status:  &typev3.HttpStatus{Code: typev3.StatusCode(resp.Status)},
				Headers: headers,
				Body:    resp.Body,
			},
		},
	}
}
