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

	"github.com/google/cel-go/cel"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

// CELEvaluator evaluates CEL expressions over the variables of an execution
// context: request, response, context, api, plan and message, each a map.
type CELEvaluator struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEvaluator() (*CELEvaluator, error) {
	vars := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("request", vars),
		cel.Variable("response", vars),
		cel.Variable("context", vars),
		cel.Variable("api", vars),
		cel.Variable("plan", vars),
		cel.Variable("message", vars),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &CELEvaluator{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEvaluator) Evaluate(expression string, ec *execution.Context) (bool, error) {
	program, err := e.programs.get(normalize(expression))
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(ec.Variables())
	if err != nil {
		return false, fmt.Errorf("CEL evaluation failed: %w", err)
	}
	return asBool("CEL", out.Value())
}

func (e *CELEvaluator) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation failed: %w", issues.Err())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed: %w", err)
	}
	return program, nil
}
