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
	"log/slog"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
)

// Context carries the state of a single request through every phase.
// It is created when the request arrives and released once the response
// phase has finished or the client went away.
//
// A Context is owned by exactly one in-flight request and is not safe for
// concurrent mutation.
type Context struct {
	api      *definition.Api
	request  *Request
	response *Response
	message  *Message

	// attributes are visible to policies and conditions
	attributes map[string]interface{}

	// internal holds engine state that policies must not depend on
	internal map[string]interface{}

	decorations []Decoration
	metrics     *Metrics
	failure     *Failure
	logger      *slog.Logger
	released    bool
}

// NewContext creates the execution context for a request targeting api.
// The request id is generated when the transport did not supply one.
func NewContext(api *definition.Api, req *Request, logger *slog.Logger) *Context {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ec := &Context{
		api:        api,
		request:    req,
		response:   NewResponse(),
		attributes: make(map[string]interface{}),
		internal:   make(map[string]interface{}),
		metrics:    newMetrics(req),
		logger:     logger.With("request_id", req.ID),
	}

	if api != nil {
		ec.attributes[constants.AttrAPI] = api.ID
		ec.attributes[constants.AttrContextPath] = api.ContextPath
		ec.metrics.APIID = api.ID
		ec.metrics.APIName = api.Name
		ec.metrics.APIVersion = api.Version
		ec.logger = ec.logger.With("api_id", api.ID)
	}
	return ec
}

func (c *Context) API() *definition.Api { return c.api }

func (c *Context) Request() *Request { return c.request }

func (c *Context) Response() *Response { return c.response }

func (c *Context) Metrics() *Metrics { return c.metrics }

func (c *Context) Logger() *slog.Logger { return c.logger }

// Message returns the message currently flowing through a message chain, if any.
func (c *Context) Message() *Message { return c.message }

// SetMessage binds the message processed by the next message chain.
func (c *Context) SetMessage(msg *Message) { c.message = msg }

// Attribute returns the value stored under key.
func (c *Context) Attribute(key string) (interface{}, bool) {
	v, ok := c.attributes[key]
	return v, ok
}

// StringAttribute returns the attribute as a string, or "" when absent or not a string.
func (c *Context) StringAttribute(key string) string {
	if v, ok := c.attributes[key].(string); ok {
		return v
	}
	return ""
}

func (c *Context) SetAttribute(key string, value interface{}) {
	if c.released {
		return
	}
	c.attributes[key] = value
}

func (c *Context) RemoveAttribute(key string) {
	delete(c.attributes, key)
}

// Attributes returns a snapshot of the attribute bag.
func (c *Context) Attributes() map[string]interface{} {
	return maps.Clone(c.attributes)
}

// Internal returns engine private state stored under key.
func (c *Context) Internal(key string) (interface{}, bool) {
	v, ok := c.internal[key]
	return v, ok
}

func (c *Context) SetInternal(key string, value interface{}) {
	if c.released {
		return
	}
	c.internal[key] = value
}

// Interrupt records a failure that ends normal processing of the request.
// A later interruption replaces an earlier one, so a failing response policy
// decides what the client finally sees.
func (c *Context) Interrupt(f *Failure) {
	if f == nil {
		return
	}
	if c.failure != nil {
		c.logger.Debug("Replacing previous interruption",
			"previous_key", c.failure.Key,
			"key", f.Key)
	}
	c.failure = f
	c.metrics.ErrorKey = f.Key
	c.metrics.ErrorMessage = f.Message
}

// Failure returns the current interruption, or nil.
func (c *Context) Failure() *Failure { return c.failure }

func (c *Context) Interrupted() bool { return c.failure != nil }

// Decorate applies a decoration to the current request and remembers it so
// the matching response side can be applied by DecorateResponse.
func (c *Context) Decorate(d Decoration) {
	c.decorations = append(c.decorations, d)
	d.DecorateRequest(c.request)
}

// DecorateResponse applies every registered decoration to the response in
// registration order.
func (c *Context) DecorateResponse() {
	for _, d := range c.decorations {
		d.DecorateResponse(c.response)
	}
}

// Decorations returns the names of the applied decorations in order.
func (c *Context) Decorations() []string {
	names := make([]string, 0, len(c.decorations))
	for _, d := range c.decorations {
		names = append(names, d.Name())
	}
	return names
}

// Released reports whether Release has been called.
func (c *Context) Released() bool { return c.released }

// Release drops per-request state. Further attribute writes are ignored.
func (c *Context) Release() {
	if c.released {
		return
	}
	c.released = true
	clear(c.attributes)
	clear(c.internal)
	c.message = nil
}

// Variables builds the variable bag exposed to condition expressions.
func (c *Context) Variables() map[string]interface{} {
	vars := map[string]interface{}{
		"request":  c.requestVariables(),
		"response": c.responseVariables(),
		"context": map[string]interface{}{
			"attributes": c.Attributes(),
		},
		"api":     c.apiVariables(),
		"plan":    map[string]interface{}{"id": c.metrics.PlanID},
		"message": c.messageVariables(),
	}
	return vars
}

func (c *Context) requestVariables() map[string]interface{} {
	params := make(map[string]interface{}, len(c.request.Query))
	for k, v := range c.request.Query {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return map[string]interface{}{
		"id":            c.request.ID,
		"transactionId": c.request.TransactionID,
		"method":        c.request.Method,
		"path":          c.request.Path,
		"pathInfo":      c.request.PathInfo,
		"uri":           c.request.URI(),
		"host":          c.request.Host,
		"remoteAddress": c.request.RemoteAddr,
		"headers":       flattenHeaders(c.request.Headers),
		"params":        params,
	}
}

func (c *Context) responseVariables() map[string]interface{} {
	return map[string]interface{}{
		"status":  int64(c.response.Status),
		"headers": flattenHeaders(c.response.Headers),
	}
}

func (c *Context) apiVariables() map[string]interface{} {
	if c.api == nil {
		return map[string]interface{}{}
	}
	props := make(map[string]interface{}, len(c.api.Properties))
	for k, v := range c.api.Properties {
		props[k] = v
	}
	return map[string]interface{}{
		"id":         c.api.ID,
		"name":       c.api.Name,
		"version":    c.api.Version,
		"properties": props,
	}
}

func (c *Context) messageVariables() map[string]interface{} {
	if c.message == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":       c.message.ID,
		"headers":  flattenHeaders(c.message.Headers),
		"content":  string(c.message.Payload),
		"metadata": maps.Clone(c.message.Metadata),
	}
}

// flattenHeaders keeps the first value of each header under its lower-cased name.
func flattenHeaders(h map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}
