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

// Package condition evaluates the guard expressions attached to flows, steps,
// plan selection rules and message conditions.
package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

// Evaluator evaluates a boolean expression against a live execution context.
type Evaluator interface {
	Evaluate(expression string, ec *execution.Context) (bool, error)
}

const (
	EngineCEL  = "cel"
	EngineExpr = "expr"
)

// NewEvaluator creates the evaluator for the named engine.
func NewEvaluator(engine string) (Evaluator, error) {
	switch engine {
	case EngineCEL, "":
		return NewCELEvaluator()
	case EngineExpr:
		return NewExprEvaluator(), nil
	default:
		return nil, fmt.Errorf("unknown condition engine %q", engine)
	}
}

// normalize strips the template delimiters `{#` and `}` that definitions
// exported from the management console wrap around expressions.
func normalize(expression string) string {
	e := strings.TrimSpace(expression)
	if strings.HasPrefix(e, "{#") && strings.HasSuffix(e, "}") {
		e = strings.TrimSpace(e[2 : len(e)-1])
	}
	return e
}

// programCache memoizes compiled programs by normalized expression text.
// Expressions come from deployed definitions, so the set is bounded by the
// deployment.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
	compile  func(expression string) (P, error)
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{programs: make(map[string]P), compile: compile}
}

func (c *programCache[P]) get(expression string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return p, err
	}
	c.programs[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// asBool rejects non boolean expression results.
func asBool(engine string, v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s expression must return boolean, got %T", engine, v)
	}
	return b, nil
}
