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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/admin"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/condition"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/config"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/executor"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/kernel"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/metrics"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policies"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/policy"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/reactor"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/reporter"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/security"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/tracing"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var (
	configFile      = flag.String("config", "", "Path to configuration file")
	definitionsFile = flag.String("definitions", "", "Path to the API definitions bundle (overrides flow_engine.definitions.path)")
	watch           = flag.Bool("watch", false, "Redeploy the definitions bundle when the file changes")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration from %q: %v\n", *configFile, err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg)

	// Must happen before any metric is touched so that disabled metrics stay no-op
	metrics.SetEnabled(cfg.FlowEngine.Metrics.Enabled)
	metrics.Init()

	logger := setupLogger(cfg)
	slog.SetDefault(logger)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	slog.InfoContext(ctx, "Flow Engine starting",
		"version", Version,
		"git_commit", GitCommit,
		"build_date", BuildDate,
		"config_file", *configFile,
		"definitions", cfg.FlowEngine.Definitions.Path,
		"server_mode", serverMode(cfg))

	tracingShutdown, err := tracing.InitTracer(cfg)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to initialize tracer", "error", err)
		os.Exit(1)
	}

	reg, err := newRegistry(cfg)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to register policies", "error", err)
		os.Exit(1)
	}
	names, securityTypes := reg.DumpPolicies()
	slog.InfoContext(ctx, "Policies registered", "policies", names, "security_types", securityTypes)

	evaluator, err := condition.NewEvaluator(cfg.FlowEngine.Condition.Engine)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to create condition evaluator", "error", err)
		os.Exit(1)
	}
	filter := condition.NewFilter(evaluator, logger)

	rep, err := reporter.New(cfg.Reporter, logger)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to create reporter", "error", err)
		os.Exit(1)
	}

	k := kernel.NewKernel(reactor.Dependencies{
		Registry:       reg,
		Filter:         filter,
		Executor:       executor.NewChainExecutor(otel.Tracer(cfg.FlowEngine.TracingServiceName)),
		Reporter:       rep,
		RequestTimeout: cfg.FlowEngine.RequestTimeout,
		Logger:         logger,
	})

	definitions := cfg.FlowEngine.Definitions
	if err := k.LoadFile(definitions.Path); err != nil {
		slog.ErrorContext(ctx, "Failed to load API definitions", "path", definitions.Path, "error", err)
		os.Exit(1)
	}
	if definitions.Watch {
		if err := k.Watch(ctx, definitions.Path); err != nil {
			slog.ErrorContext(ctx, "Failed to watch API definitions", "error", err)
			os.Exit(1)
		}
		slog.InfoContext(ctx, "Watching API definitions for changes", "path", definitions.Path)
	}

	lis, err := listen(ctx, cfg)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to listen", "error", err)
		os.Exit(1)
	}

	grpcServer := grpc.NewServer()
	extprocv3.RegisterExternalProcessorServer(grpcServer,
		kernel.NewExternalProcessorServer(k, cfg.FlowEngine.TracingServiceName, logger))

	var adminServer *admin.Server
	if cfg.FlowEngine.Admin.Enabled {
		adminServer = admin.NewServer(&cfg.FlowEngine.Admin, k, reg, logger)
		go func() {
			if err := adminServer.Start(ctx); err != nil {
				slog.ErrorContext(ctx, "Admin server error", "error", err)
			}
		}()
	}

	var metricsServer *metrics.Server
	if cfg.FlowEngine.Metrics.Enabled {
		metricsServer = metrics.NewServer(&cfg.FlowEngine.Metrics, logger)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				slog.ErrorContext(ctx, "Metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			serverErrCh <- err
		}
	}()

	select {
	case sig := <-sigChan:
		slog.InfoContext(ctx, "Received signal, shutting down gracefully", "signal", sig)
	case err := <-serverErrCh:
		slog.ErrorContext(ctx, "Server error", "error", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.FlowEngine.ShutdownTimeout)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Stop(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "Error stopping admin server", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "Error stopping metrics server", "error", err)
		}
	}

	grpcServer.GracefulStop()

	// In-flight exchanges are done, drain what they reported.
	if err := rep.Close(shutdownCtx); err != nil {
		slog.WarnContext(shutdownCtx, "Reporter did not drain before shutdown timeout", "error", err)
	}

	if serverMode(cfg) == "uds" {
		if err := os.Remove(cfg.FlowEngine.Server.SocketPath); err != nil && !os.IsNotExist(err) {
			slog.WarnContext(shutdownCtx, "Failed to cleanup socket file on shutdown",
				"path", cfg.FlowEngine.Server.SocketPath, "error", err)
		}
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		slog.WarnContext(shutdownCtx, "Failed to flush traces", "error", err)
	}

	slog.InfoContext(shutdownCtx, "Flow Engine shut down successfully")
}

// applyFlagOverrides applies command-line flag overrides to the configuration
func applyFlagOverrides(cfg *config.Config) {
	if *definitionsFile != "" {
		cfg.FlowEngine.Definitions.Path = *definitionsFile
	}
	if *watch {
		cfg.FlowEngine.Definitions.Watch = true
	}
}

func serverMode(cfg *config.Config) string {
	if cfg.FlowEngine.Server.Mode == "tcp" {
		return "tcp"
	}
	return "uds"
}

// newRegistry builds the policy registry with every shipped policy and
// security type.
func newRegistry(cfg *config.Config) (*policy.Registry, error) {
	reg := policy.NewRegistry(cfg.FlowEngine.RawConfig)
	if err := security.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	if err := policies.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func listen(ctx context.Context, cfg *config.Config) (net.Listener, error) {
	server := cfg.FlowEngine.Server
	if serverMode(cfg) == "tcp" {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", server.ExtProcPort))
		if err != nil {
			return nil, fmt.Errorf("failed to listen on port %d: %w", server.ExtProcPort, err)
		}
		slog.InfoContext(ctx, "Flow Engine listening on TCP port", "port", server.ExtProcPort)
		return lis, nil
	}

	// Stale socket left by a previous run
	if err := os.Remove(server.SocketPath); err != nil && !os.IsNotExist(err) {
		slog.WarnContext(ctx, "Failed to remove existing socket file", "path", server.SocketPath, "error", err)
	}
	lis, err := net.Listen("unix", server.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on unix socket %s: %w", server.SocketPath, err)
	}
	if err := os.Chmod(server.SocketPath, 0660); err != nil {
		slog.WarnContext(ctx, "Failed to set socket permissions", "path", server.SocketPath, "error", err)
	}
	slog.InfoContext(ctx, "Flow Engine listening on Unix socket", "path", server.SocketPath)
	return lis, nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.FlowEngine.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.FlowEngine.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
