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

// Package tracing configures OpenTelemetry for the flow engine and carries
// trace context from Envoy into the ext_proc stream.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/config"
)

const (
	defaultServiceName    = "flow-engine"
	defaultServiceVersion = "1.0.0"
	defaultBatchTimeout   = time.Second
	defaultMaxBatch       = 512
)

// Shutdown flushes pending spans and stops the provider.
type Shutdown func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitTracer installs the global tracer provider and propagator described by
// cfg. When tracing is disabled the global no-op provider stays in place and
// the returned Shutdown does nothing.
func InitTracer(cfg *config.Config) (Shutdown, error) {
	if cfg == nil || !cfg.TracingConfig.Enabled {
		slog.Info("Tracing is disabled by configuration")
		return noopShutdown, nil
	}
	tc := cfg.TracingConfig
	ctx := context.Background()

	exporter, err := newExporter(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter for %s: %w", tc.Endpoint, err)
	}
	res, err := newResource(ctx, cfg.FlowEngine.TracingServiceName, tc.ServiceVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOptions(tc)...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(tc.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(Propagator())

	slog.Info("OpenTelemetry tracer initialized",
		"endpoint", tc.Endpoint,
		"sampling_rate", tc.SamplingRate)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, tc config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tc.Endpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newResource(ctx context.Context, name, version string) (*resource.Resource, error) {
	if name == "" {
		name = defaultServiceName
	}
	if version == "" {
		version = defaultServiceVersion
	}
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	))
}

func batchOptions(tc config.TracingConfig) []sdktrace.BatchSpanProcessorOption {
	timeout := tc.BatchTimeout
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}
	size := tc.MaxExportBatchSize
	if size <= 0 {
		size = defaultMaxBatch
	}
	return []sdktrace.BatchSpanProcessorOption{
		sdktrace.WithBatchTimeout(timeout),
		sdktrace.WithMaxExportBatchSize(size),
	}
}

// Propagator is the W3C trace context and baggage propagator Envoy speaks.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// Sampler returns the sampler for a ratio; 0 or anything at or above 1 samples everything.
func Sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// metadataCarrier adapts incoming gRPC metadata to a TextMapCarrier.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, strings.ToLower(k))
	}
	return keys
}

// ExtractTraceContext continues the trace Envoy started for the ext_proc
// call, as carried by the traceparent and tracestate metadata.
func ExtractTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	extracted := otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
	if sc := trace.SpanContextFromContext(extracted); sc.IsValid() {
		slog.DebugContext(ctx, "Continuing Envoy trace", "trace_id", sc.TraceID().String())
	}
	return extracted
}
