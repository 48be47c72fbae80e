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

package condition

import (
	"log/slog"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/metrics"
)

// Filter applies guard expressions with soft-fail semantics: an empty
// expression passes, false drops the candidate, and an evaluation error also
// drops it with a warning. Errors never propagate to the caller.
type Filter struct {
	evaluator Evaluator
	logger    *slog.Logger
}

// NewFilter creates a filter backed by evaluator. A nil evaluator makes every
// non-empty condition fail.
func NewFilter(evaluator Evaluator, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{evaluator: evaluator, logger: logger}
}

// Passes reports whether the candidate described by subject may be kept.
func (f *Filter) Passes(ec *execution.Context, expression, subject string) bool {
	if expression == "" {
		return true
	}
	if f.evaluator == nil {
		f.log(ec).Warn("No condition evaluator configured, excluding candidate",
			"subject", subject,
			"condition", expression)
		metrics.ConditionEvaluationsTotal.WithLabelValues("error").Inc()
		return false
	}

	ok, err := f.evaluator.Evaluate(expression, ec)
	if err != nil {
		f.log(ec).Warn("Condition evaluation failed, excluding candidate",
			"subject", subject,
			"condition", expression,
			"error", err)
		metrics.ConditionEvaluationsTotal.WithLabelValues("error").Inc()
		return false
	}
	if ok {
		metrics.ConditionEvaluationsTotal.WithLabelValues("true").Inc()
	} else {
		metrics.ConditionEvaluationsTotal.WithLabelValues("false").Inc()
	}
	return ok
}

func (f *Filter) log(ec *execution.Context) *slog.Logger {
	if ec != nil {
		return ec.Logger()
	}
	return f.logger
}
