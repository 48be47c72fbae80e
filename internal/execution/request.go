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

package execution

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is the transport independent view of an inbound request.
// Policies may mutate headers, path and query during the request phase.
type Request struct {
	ID            string
	TransactionID string
	Method        string
	Host          string
	RemoteAddr    string

	// Path is the full request path; PathInfo is the path below the API context path.
	Path     string
	PathInfo string

	Headers http.Header
	Query   url.Values
	Body    io.Reader

	Timestamp time.Time
}

// NewRequest creates a request from a raw request target (path plus optional query).
func NewRequest(method, target string, headers http.Header) *Request {
	if headers == nil {
		headers = http.Header{}
	}
	path, rawQuery, _ := strings.Cut(target, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		query = url.Values{}
	}
	return &Request{
		Method:    strings.ToUpper(method),
		Path:      path,
		PathInfo:  path,
		Headers:   headers,
		Query:     query,
		Timestamp: time.Now(),
	}
}

// URI returns the path with its encoded query string.
func (r *Request) URI() string {
	if len(r.Query) == 0 {
		return r.Path
	}
	return r.Path + "?" + r.Query.Encode()
}

// Response is the mutable response handle. It is populated by the backend
// invocation and then by response phase policies.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// NewResponse creates an empty 200 response.
func NewResponse() *Response {
	return &Response{
		Status:  http.StatusOK,
		Headers: http.Header{},
	}
}

// ApplyFailure overwrites the response with the client rendering of a failure.
func (r *Response) ApplyFailure(f *Failure) {
	body, contentType := f.RenderBody()
	r.Status = f.StatusCode
	r.Body = body
	r.Headers.Set("Content-Type", contentType)
	for name, value := range f.Headers {
		r.Headers.Set(name, value)
	}
}

// Message is a single in-flight message of a MESSAGE API.
type Message struct {
	ID       string
	Headers  http.Header
	Payload  []byte
	Metadata map[string]interface{}

	// Dropped marks the message as filtered out by a message policy.
	Dropped bool
}
