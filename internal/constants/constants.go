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

// Package constants holds the attribute keys, header names, failure keys and
// tracing names shared across the engine.
package constants

const (
	// Reserved execution context attribute keys
	AttrPrefix              = "flow-engine."
	AttrResolvedFlowsPrefix = AttrPrefix + "resolved-flows."
	AttrPlan                = AttrPrefix + "plan"
	AttrSecurityResolved    = AttrPrefix + "security-resolved"
	AttrTokenIdentified     = AttrPrefix + "token-identified"
	AttrInvokerSkip         = AttrPrefix + "invoker.skip"
	AttrAPI                 = AttrPrefix + "api"
	AttrContextPath         = AttrPrefix + "context-path"
	AttrApplication         = AttrPrefix + "application"
	AttrAPIKey              = AttrPrefix + "api-key"
	AttrMessageOperation    = AttrPrefix + "message.operation"

	// Gateway headers
	HeaderTransactionID = "X-Gravitee-Transaction-Id"
	HeaderRequestID     = "X-Gravitee-Request-Id"
	HeaderAPIKey        = "X-Gravitee-Api-Key"
	HeaderErrorID       = "X-Error-Id"
	QueryAPIKey         = "api-key"

	// Failure keys
	KeyPlanUnresolvable = "GATEWAY_PLAN_UNRESOLVABLE"
	KeyFlowNotFound     = "GATEWAY_FLOW_NOT_FOUND"
	KeyRequestTimeout   = "REQUEST_TIMEOUT"
	KeyInternalError    = "GATEWAY_INTERNAL_ERROR"
	KeyAPIKeyMissing    = "API_KEY_MISSING"
	KeyAPIKeyInvalid    = "API_KEY_INVALID"
	KeyClientClosed     = "CLIENT_ABORTED"
	KeyBackendError     = "GATEWAY_CLIENT_CONNECTION_ERROR"

	// Envoy integration
	ExtProcFilter       = "envoy.filters.http.ext_proc"
	RouteMetadataFilter = "flow_engine.route"
	RouteMetadataAPIID  = "api_id"

	// Tracing span names
	SpanExternalProcessingProcess = "external_processing.process"
	SpanProcessRequestHeaders     = "external_processing.process_request_headers"
	SpanProcessResponseHeaders    = "external_processing.process_response_headers"
	SpanPolicyFormat              = "policy.%s.%s"

	// Tracing attributes
	AttrSpanAPIID             = "api.id"
	AttrSpanPolicyID          = "policy.id"
	AttrSpanPolicyStage       = "policy.stage"
	AttrSpanPolicyFailed      = "policy.failed"
	AttrSpanPolicyPanicked    = "policy.panicked"
	AttrSpanPolicyDurationNS  = "policy.execution_time_ns"
	AttrSpanFailureKey        = "failure.key"
	AttrSpanFailureStatusCode = "failure.status_code"
)
