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
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// configRef matches a whole-value reference such as
// $config(policy_configurations.ratelimit.limit).
var configRef = regexp.MustCompile(`^\$config\(([^)]+)\)$`)

// ConfigResolver substitutes $config(path) references in step
// configurations with values from the engine configuration, so that
// secrets and shared settings live in one place.
type ConfigResolver struct {
	config map[string]interface{}
}

func NewConfigResolver(config map[string]interface{}) *ConfigResolver {
	return &ConfigResolver{config: config}
}

// ResolveValue resolves value when it is a reference. Anything else, and
// references to missing paths, come back unchanged.
func (r *ConfigResolver) ResolveValue(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok || r == nil || r.config == nil {
		return value
	}
	m := configRef.FindStringSubmatch(s)
	if m == nil {
		return value
	}
	resolved, err := lookup(r.config, strings.Split(strings.TrimSpace(m[1]), "."))
	if err != nil {
		slog.Warn("Unresolved config reference left as is", "reference", s, "error", err)
		return value
	}
	return resolved
}

// ResolveMap returns a resolved deep copy of m. A nil map yields an empty one.
func (r *ConfigResolver) ResolveMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = r.resolve(v)
	}
	return out
}

func (r *ConfigResolver) resolve(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return r.ResolveMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = r.resolve(t[i])
		}
		return out
	default:
		return r.ResolveValue(v)
	}
}

// lookup follows keys through nested maps. Each key is tried as written,
// then lower-cased, since koanf lower-cases environment overrides.
func lookup(node interface{}, keys []string) (interface{}, error) {
	for depth, key := range keys {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s is not an object", strings.Join(keys[:depth], "."))
		}
		next, found := m[key]
		if !found {
			next, found = m[strings.ToLower(key)]
		}
		if !found {
			return nil, fmt.Errorf("%s not found", strings.Join(keys[:depth+1], "."))
		}
		node = next
	}
	return node, nil
}
