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

import "time"

// Metrics is the per-request record handed to the reporter once the
// response phase has completed.
type Metrics struct {
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"requestId"`
	TransactionID string    `json:"transactionId"`
	APIID         string    `json:"apiId,omitempty"`
	APIName       string    `json:"apiName,omitempty"`
	APIVersion    string    `json:"apiVersion,omitempty"`
	PlanID        string    `json:"planId,omitempty"`
	SecurityType  string    `json:"securityType,omitempty"`
	Application   string    `json:"application,omitempty"`

	HTTPMethod    string `json:"httpMethod"`
	URI           string `json:"uri"`
	Host          string `json:"host,omitempty"`
	RemoteAddress string `json:"remoteAddress,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`

	Status       int    `json:"status"`
	ErrorKey     string `json:"errorKey,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	RequestPhaseDuration  time.Duration `json:"requestPhaseDuration"`
	ResponsePhaseDuration time.Duration `json:"responsePhaseDuration"`
	EndpointResponseTime  time.Duration `json:"endpointResponseTime"`
	GatewayLatency        time.Duration `json:"gatewayLatency"`
	ResponseTime          time.Duration `json:"responseTime"`

	ResponseContentLength int64 `json:"responseContentLength"`
	MessageCount          int64 `json:"messageCount,omitempty"`

	RequestHeaders  map[string][]string `json:"-"`
	ResponseHeaders map[string][]string `json:"-"`
}

func newMetrics(req *Request) *Metrics {
	return &Metrics{
		Timestamp:     req.Timestamp,
		RequestID:     req.ID,
		TransactionID: req.TransactionID,
		HTTPMethod:    req.Method,
		URI:           req.URI(),
		Host:          req.Host,
		RemoteAddress: req.RemoteAddr,
		UserAgent:     req.Headers.Get("User-Agent"),
	}
}

// FinalizeMetrics copies the final response state into the metrics record.
func (c *Context) FinalizeMetrics() *Metrics {
	m := c.metrics
	m.TransactionID = c.request.TransactionID
	m.Status = c.response.Status
	m.ResponseContentLength = int64(len(c.response.Body))
	if !m.Timestamp.IsZero() {
		m.ResponseTime = time.Since(m.Timestamp)
	}
	m.GatewayLatency = m.ResponseTime - m.EndpointResponseTime
	if m.GatewayLatency < 0 {
		m.GatewayLatency = 0
	}
	m.RequestHeaders = c.request.Headers.Clone()
	m.ResponseHeaders = c.response.Headers.Clone()
	return m
}
