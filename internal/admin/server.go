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

// Package admin serves the read-only inspection API of the flow engine.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/config"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/kernel"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
)

// Server is the admin HTTP server
type Server struct {
	cfg        *config.AdminConfig
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new admin server
func NewServer(cfg *config.AdminConfig, k *kernel.Kernel, reg *policy.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewRouter(cfg.AllowedIPs, k, reg, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter builds the admin routes behind the IP allow-list.
func NewRouter(allowedIPs []string, k *kernel.Kernel, reg *policy.Registry, logger *slog.Logger) http.Handler {
	h := &handlers{kernel: k, registry: reg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(ipAllowListMiddleware(allowedIPs, logger))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "flow-engine-admin")
	})

	r.Get("/health", h.health)
	r.Get("/apis", h.listApis)
	r.Get("/apis/{apiID}", h.getApi)
	r.Get("/policies", h.listPolicies)
	r.Get("/config_dump", h.configDump)
	return r
}

// Start starts the admin HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting admin HTTP server",
		"port", s.cfg.Port,
		"allowed_ips", s.cfg.AllowedIPs)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the admin HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// ipAllowListMiddleware rejects requests whose client IP is not allowed.
// Entries are addresses, CIDR ranges or "*".
func ipAllowListMiddleware(allowedIPs []string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := extractClientIP(r)
			if !isIPAllowed(clientIP, allowedIPs) {
				logger.Warn("Blocked admin request from unauthorized IP",
					"client_ip", clientIP,
					"path", r.URL.Path)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractClientIP uses RemoteAddr only; proxy headers are not trusted for
// admin endpoints.
func extractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isIPAllowed(clientIP string, allowedIPs []string) bool {
	ip := net.ParseIP(clientIP)
	for _, allowed := range allowedIPs {
		if allowed == "*" {
			return true
		}
		if clientIP == allowed {
			return true
		}
		if _, network, err := net.ParseCIDR(allowed); err == nil && ip != nil && network.Contains(ip) {
			return true
		}
	}
	return false
}
