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

package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	core "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocconfigv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_proc/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/prototext"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/constants"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/metrics"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/reactor"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/tracing"
)

// ExternalProcessorServer implements the Envoy external processor service.
// One stream carries one HTTP exchange: the request headers message runs
// the request phase, Envoy calls the backend, and the response headers
// message runs the response phase.
type ExternalProcessorServer struct {
	extprocv3.UnimplementedExternalProcessorServer

	kernel *Kernel
	tracer trace.Tracer
	logger *slog.Logger
}

// NewExternalProcessorServer creates the ext_proc service over kernel.
func NewExternalProcessorServer(kernel *Kernel, tracingServiceName string, logger *slog.Logger) *ExternalProcessorServer {
	if tracingServiceName == "" {
		tracingServiceName = "flow-engine"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExternalProcessorServer{
		kernel: kernel,
		tracer: otel.Tracer(tracingServiceName),
		logger: logger,
	}
}

// exchange is the state of a request between its two header messages.
type exchange struct {
	reactor       *reactor.Reactor
	ec            *execution.Context
	upstreamStart time.Time
}

// Process implements the bidirectional streaming RPC handler.
func (s *ExternalProcessorServer) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	traceCtx := tracing.ExtractTraceContext(stream.Context())
	ctx, span := s.tracer.Start(traceCtx, constants.SpanExternalProcessingProcess,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	var ex *exchange
	defer func() {
		if ex != nil {
			s.abandon(ex)
		}
	}()

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || status.Code(err) == grpccodes.Canceled {
				s.logger.DebugContext(ctx, "Stream closed due to context cancellation")
				return nil
			}
			s.logger.ErrorContext(ctx, "Error receiving from stream", "error", err)
			metrics.StreamErrorsTotal.WithLabelValues("receive").Inc()
			return status.Errorf(grpccodes.Unknown, "failed to receive request: %v", err)
		}

		resp := s.handleProcessingPhase(ctx, req, &ex)

		if err := stream.Send(resp); err != nil {
			s.logger.ErrorContext(ctx, "Error sending response", "error", err)
			metrics.StreamErrorsTotal.WithLabelValues("send").Inc()
			return status.Errorf(grpccodes.Unknown, "failed to send response: %v", err)
		}
	}
}

func (s *ExternalProcessorServer) handleProcessingPhase(ctx context.Context, req *extprocv3.ProcessingRequest, ex **exchange) *extprocv3.ProcessingResponse {
	switch req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		ctx, span := s.tracer.Start(ctx, constants.SpanProcessRequestHeaders,
			trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()
		return s.processRequestHeaders(ctx, req, ex, span)

	case *extprocv3.ProcessingRequest_ResponseHeaders:
		ctx, span := s.tracer.Start(ctx, constants.SpanProcessResponseHeaders,
			trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()
		return s.processResponseHeaders(ctx, req.GetResponseHeaders(), ex)

	case *extprocv3.ProcessingRequest_RequestBody:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_RequestBody{RequestBody: &extprocv3.BodyResponse{}},
		}

	case *extprocv3.ProcessingRequest_ResponseBody:
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseBody{ResponseBody: &extprocv3.BodyResponse{}},
		}

	default:
		s.logger.WarnContext(ctx, "Unknown request type", "type", fmt.Sprintf("%T", req.Request))
		metrics.StreamErrorsTotal.WithLabelValues("unknown_type").Inc()
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ImmediateResponse{
				ImmediateResponse: &extprocv3.ImmediateResponse{
					Status: &typev3.HttpStatus{Code: typev3.StatusCode_InternalServerError},
				},
			},
		}
	}
}

func (s *ExternalProcessorServer) processRequestHeaders(ctx context.Context, req *extprocv3.ProcessingRequest, ex **exchange, span trace.Span) *extprocv3.ProcessingResponse {
	headers := decodeHeaders(req.GetRequestHeaders())
	route := extractRouteMetadata(req, s.logger)

	r := s.lookup(route, headers.path)
	if r == nil {
		s.logger.DebugContext(ctx, "No API deployed for request, skipping processing",
			"route", route.RouteName,
			"path", headers.path)
		return skipAllProcessing()
	}

	api := r.API()
	ec := execution.NewContext(api, buildRequest(headers, api.ContextPath), s.logger)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String(constants.AttrSpanAPIID, api.ID),
			attribute.String("http.request_id", ec.Request().ID),
		)
	}

	before := ec.Request().Headers.Clone()
	originalURI := ec.Request().URI()

	r.Begin()
	reqCtx, cancel := context.WithTimeout(ctx, r.Timeout())
	r.HandleRequest(reqCtx, ec)
	cancel()

	if ec.Interrupted() || skipInvoker(ec) {
		s.respond(ctx, r, ec)
		resp := immediateResponse(ec.Response())
		r.Complete(ec)
		return resp
	}

	*ex = &exchange{reactor: r, ec: ec, upstreamStart: time.Now()}
	return requestHeadersResponse(ec, before, originalURI)
}

func (s *ExternalProcessorServer) processResponseHeaders(ctx context.Context, headers *extprocv3.HttpHeaders, ex **exchange) *extprocv3.ProcessingResponse {
	current := *ex
	if current == nil {
		return &extprocv3.ProcessingResponse{
			Response: &extprocv3.ProcessingResponse_ResponseHeaders{ResponseHeaders: &extprocv3.HeadersResponse{}},
		}
	}
	*ex = nil

	ec := current.ec
	ec.Metrics().EndpointResponseTime = time.Since(current.upstreamStart)

	decoded := decodeHeaders(headers)
	resp := ec.Response()
	if decoded.status > 0 {
		resp.Status = decoded.status
	}
	resp.Headers = decoded.headers
	before := resp.Headers.Clone()
	upstreamStatus := resp.Status

	s.respond(ctx, current.reactor, ec)

	var out *extprocv3.ProcessingResponse
	if ec.Interrupted() {
		out = immediateResponse(resp)
	} else {
		out = responseHeadersResponse(ec, before)
		if resp.Status != upstreamStatus {
			common := out.GetResponseHeaders().Response
			if common.HeaderMutation == nil {
				common.HeaderMutation = &extprocv3.HeaderMutation{}
			}
			common.HeaderMutation.SetHeaders = append(common.HeaderMutation.SetHeaders,
				setHeader(":status", strconv.Itoa(resp.Status), core.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD))
		}
	}
	current.reactor.Complete(ec)
	return out
}

// respond runs the response phase under a fresh timeout.
func (s *ExternalProcessorServer) respond(ctx context.Context, r *reactor.Reactor, ec *execution.Context) {
	respCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.Timeout())
	defer cancel()
	r.HandleResponse(respCtx, ec)
}

// abandon completes an exchange whose response never arrived.
func (s *ExternalProcessorServer) abandon(ex *exchange) {
	ec := ex.ec
	if !ec.Interrupted() {
		f := execution.NewFailure(499, constants.KeyClientClosed, "Client closed request")
		ec.Interrupt(f)
		ec.Response().ApplyFailure(f)
	}
	ec.Logger().Debug("Stream ended before the response phase")
	ex.reactor.Complete(ec)
}

func (s *ExternalProcessorServer) lookup(route RouteMetadata, path string) *reactor.Reactor {
	d := s.kernel.Current()
	if route.APIID != "" {
		if r := d.Reactor(route.APIID); r != nil {
			return r
		}
	}
	p, _, _ := strings.Cut(path, "?")
	return d.Match(p)
}

func skipInvoker(ec *execution.Context) bool {
	v, _ := ec.Attribute(constants.AttrInvokerSkip)
	return v == true
}

// skipAllProcessing lets Envoy forward the exchange untouched.
func skipAllProcessing() *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{},
		},
		ModeOverride: &extprocconfigv3.ProcessingMode{
			ResponseHeaderMode:  extprocconfigv3.ProcessingMode_SKIP,
			RequestTrailerMode:  extprocconfigv3.ProcessingMode_SKIP,
			ResponseTrailerMode: extprocconfigv3.ProcessingMode_SKIP,
			RequestBodyMode:     extprocconfigv3.ProcessingMode_NONE,
			ResponseBodyMode:    extprocconfigv3.ProcessingMode_NONE,
		},
	}
}

// RouteMetadata is what the Envoy route tells about the targeted API.
type RouteMetadata struct {
	RouteName string
	APIID     string
}

// extractRouteMetadata reads the route name and the flow_engine.route filter
// metadata forwarded by the ext_proc filter.
func extractRouteMetadata(req *extprocv3.ProcessingRequest, logger *slog.Logger) RouteMetadata {
	metadata := RouteMetadata{}
	if req.Attributes == nil {
		return metadata
	}
	attrs, ok := req.Attributes[constants.ExtProcFilter]
	if !ok || attrs.Fields == nil {
		return metadata
	}

	if v, ok := attrs.Fields["xds.route_name"]; ok {
		metadata.RouteName = v.GetStringValue()
	}

	v, ok := attrs.Fields["xds.route_metadata"]
	if !ok || v.GetStringValue() == "" {
		return metadata
	}
	var envoyMetadata core.Metadata
	if err := prototext.Unmarshal([]byte(v.GetStringValue()), &envoyMetadata); err != nil {
		logger.Warn("Failed to unmarshal route metadata", "error", err)
		return metadata
	}
	if routeStruct, ok := envoyMetadata.FilterMetadata[constants.RouteMetadataFilter]; ok && routeStruct.Fields != nil {
		if id, ok := routeStruct.Fields[constants.RouteMetadataAPIID]; ok {
			metadata.APIID = id.GetStringValue()
		}
	}
	return metadata
}
