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
	"fmt"
	"net/http"

	"github.com/go-viper/mapstructure/v2"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
)

// MockConfig is the step configuration of the mock policy.
type MockConfig struct {
	Status  int               `mapstructure:"status"`
	Body    string            `mapstructure:"body"`
	Headers map[string]string `mapstructure:"headers"`
}

// Mock answers the request itself: it fills the response and tells the
// engine to skip the backend call.
type Mock struct {
	config MockConfig
}

// NewMock is the mock factory. The status defaults to 200.
func NewMock(_ policy.Metadata, config map[string]interface{}) (policy.Policy, error) {
	cfg := MockConfig{Status: http.StatusOK}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("invalid mock configuration: %w", err)
	}
	if cfg.Status < 100 || cfg.Status > 599 {
		return nil, fmt.Errorf("invalid mock configuration: status %d out of range", cfg.Status)
	}
	return &Mock{config: cfg}, nil
}

func (p *Mock) ID() string { return MockID }

func (p *Mock) OnRequest(_ context.Context, ec *execution.Context, chain policy.Chain) {
	resp := ec.Response()
	resp.Status = p.config.Status
	resp.Body = []byte(p.config.Body)
	for k, v := range p.config.Headers {
		resp.Headers.Set(k, v)
	}
	ec.SetAttribute(constants.AttrInvokerSkip, true)
	chain.Next()
}
