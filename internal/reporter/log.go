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

package reporter

import (
	"log/slog"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

// LogPublisher writes one structured log line per request.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("publisher", PublisherLog)}
}

func (p *LogPublisher) Name() string { return PublisherLog }

func (p *LogPublisher) Publish(m *execution.Metrics) error {
	attrs := []any{
		"request_id", m.RequestID,
		"transaction_id", m.TransactionID,
		"api_id", m.APIID,
		"plan_id", m.PlanID,
		"method", m.HTTPMethod,
		"uri", m.URI,
		"status", m.Status,
		"response_time_ms", m.ResponseTime.Milliseconds(),
		"gateway_latency_ms", m.GatewayLatency.Milliseconds(),
		"endpoint_response_time_ms", m.EndpointResponseTime.Milliseconds(),
	}
	if m.Application != "" {
		attrs = append(attrs, "application", m.Application)
	}
	if m.ErrorKey != "" {
		attrs = append(attrs, "error_key", m.ErrorKey)
	}
	if m.MessageCount > 0 {
		attrs = append(attrs, "message_count", m.MessageCount)
	}
	p.logger.Info("Request completed", attrs...)
	return nil
}

func (p *LogPublisher) Close() {}
