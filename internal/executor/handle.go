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

package executor

import (
	"sync/atomic"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/definition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

type signal struct {
	failure *execution.Failure
}

// handle is the policy.Chain given to one step. Only its first transition
// counts; the channel is buffered so a late call never blocks the caller.
type handle struct {
	ec       *execution.Context
	policyID string
	phase    definition.Phase
	fired    atomic.Bool
	done     chan signal
}

func newHandle(ec *execution.Context, policyID string, phase definition.Phase) *handle {
	return &handle{
		ec:       ec,
		policyID: policyID,
		phase:    phase,
		done:     make(chan signal, 1),
	}
}

func (h *handle) Next() {
	h.transition(signal{}, "next")
}

func (h *handle) Fail(f *execution.Failure) {
	if f == nil {
		f, _ = execution.InternalError()
	}
	h.transition(signal{failure: f}, "fail")
}

func (h *handle) transition(sig signal, verb string) {
	if !h.fired.CompareAndSwap(false, true) {
		h.ec.Logger().Warn("Ignoring repeated chain transition",
			"policy", h.policyID,
			"phase", h.phase,
			"transition", verb)
		return
	}
	h.done <- sig
}

// abandon makes any later transition a no-op.
func (h *handle) abandon() {
	h.fired.Store(true)
}
