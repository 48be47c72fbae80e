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

package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/kernel"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
)

type handlers struct {
	kernel   *kernel.Kernel
	registry *policy.Registry
	logger   *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	d := h.kernel.Current()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "UP",
		"deployment_version": d.Version,
		"apis":               d.Len(),
	})
}

func (h *handlers) listApis(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, dumpApis(h.kernel.Current()))
}

func (h *handlers) getApi(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "apiID")
	rc := h.kernel.Current().Reactor(id)
	if rc == nil {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "api not found", "id": id})
		return
	}
	h.writeJSON(w, http.StatusOK, dumpApi(rc))
}

func (h *handlers) listPolicies(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, dumpRegistry(h.registry))
}

func (h *handlers) configDump(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, DumpConfig(h.kernel, h.registry))
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to encode admin response", "error", err)
	}
}
