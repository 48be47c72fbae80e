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
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

// ExprEvaluator evaluates expr-lang expressions, for deployments whose
// conditions are written as `request.method == "GET" && api.properties.tier == "gold"`.
type ExprEvaluator struct {
	programs *programCache[*vm.Program]
}

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{programs: newProgramCache(func(expression string) (*vm.Program, error) {
		program, err := expr.Compile(expression)
		if err != nil {
			return nil, fmt.Errorf("expr compilation failed: %w", err)
		}
		return program, nil
	})}
}

func (e *ExprEvaluator) Evaluate(expression string, ec *execution.Context) (bool, error) {
	program, err := e.programs.get(normalize(expression))
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, ec.Variables())
	if err != nil {
		return false, fmt.Errorf("expr evaluation failed: %w", err)
	}
	return asBool("expr", out)
}
