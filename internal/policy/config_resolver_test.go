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

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigResolver_ResolveValue(t *testing.T) {
	resolver := NewConfigResolver(map[string]interface{}{
		"policy_configurations": map[string]interface{}{
			"ratelimit": map[string]interface{}{
				"limit":  100,
				"header": "X-Rate-Limit",
			},
		},
	})

	tests := []struct {
		name     string
		input    interface{}
		expected interface{}
	}{
		{name: "resolve config reference", input: "$config(policy_configurations.ratelimit.header)", expected: "X-Rate-Limit"},
		{name: "resolve integer config", input: "$config(policy_configurations.ratelimit.limit)", expected: 100},
		{name: "case-insensitive fallback", input: "$config(policy_configurations.RateLimit.limit)", expected: 100},
		{name: "non-config string unchanged", input: "Bearer", expected: "Bearer"},
		{name: "integer unchanged", input: 401, expected: 401},
		{name: "unknown path unchanged", input: "$config(nonexistent.path)", expected: "$config(nonexistent.path)"},
		{name: "path through scalar unchanged", input: "$config(policy_configurations.ratelimit.limit.x)", expected: "$config(policy_configurations.ratelimit.limit.x)"},
		{name: "malformed reference unchanged", input: "$config(incomplete", expected: "$config(incomplete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resolver.ResolveValue(tt.input))
		})
	}
}

func TestConfigResolver_ResolveMapNested(t *testing.T) {
	resolver := NewConfigResolver(map[string]interface{}{
		"keys": []interface{}{"a", "b"},
	})

	got := resolver.ResolveMap(map[string]interface{}{
		"nested": map[string]interface{}{"keys": "$config(keys)"},
		"array":  []interface{}{"$config(keys)", "plain"},
		"status": 401,
	})

	assert.Equal(t, []interface{}{"a", "b"}, got["nested"].(map[string]interface{})["keys"])
	assert.Equal(t, []interface{}{"a", "b"}, got["array"].([]interface{})[0])
	assert.Equal(t, "plain", got["array"].([]interface{})[1])
	assert.Equal(t, 401, got["status"])
}

func TestConfigResolver_NilConfig(t *testing.T) {
	var resolver *ConfigResolver
	assert.Equal(t, "$config(a)", resolver.ResolveValue("$config(a)"))

	empty := NewConfigResolver(nil)
	assert.Equal(t, map[string]interface{}{}, empty.ResolveMap(nil))
	assert.Equal(t, map[string]interface{}{"a": "$config(a)"}, empty.ResolveMap(map[string]interface{}{"a": "$config(a)"}))
}
