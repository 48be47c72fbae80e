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

// Package reporter ships the metrics of finished requests to publishers
// without ever blocking request processing.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/config"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/metrics"
)

const (
	PublisherLog    = "log"
	PublisherMoesif = "moesif"
)

// Publisher sends request metrics to a sink.
type Publisher interface {
	Name() string
	Publish(m *execution.Metrics) error
	Close()
}

// Reporter queues metrics in a bounded buffer drained by worker goroutines.
// When the buffer is full the record is dropped and counted.
type Reporter struct {
	queue      chan *execution.Metrics
	publishers []Publisher
	logger     *slog.Logger
	wg         sync.WaitGroup
	closeOnce  sync.Once
	mu         sync.RWMutex
	closed     bool
}

// New builds the reporter and its publishers from configuration. It returns
// nil when reporting is disabled.
func New(cfg config.ReporterConfig, logger *slog.Logger) (*Reporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	publishers := make([]Publisher, 0, len(cfg.Publishers))
	for i := range cfg.Publishers {
		pc := &cfg.Publishers[i]
		if !pc.Enabled {
			continue
		}
		switch pc.Type {
		case PublisherLog:
			publishers = append(publishers, NewLogPublisher(logger))
		case PublisherMoesif:
			p, err := NewMoesif(pc, logger)
			if err != nil {
				for _, built := range publishers {
					built.Close()
				}
				return nil, fmt.Errorf("failed to create moesif publisher: %w", err)
			}
			publishers = append(publishers, p)
		default:
			return nil, fmt.Errorf("unknown publisher type %q", pc.Type)
		}
		logger.Info("Reporter publisher added", "type", pc.Type)
	}
	if len(publishers) == 0 {
		logger.Debug("No publishers configured, request metrics will not be published")
	}

	return NewWithPublishers(cfg.QueueSize, cfg.Workers, publishers, logger), nil
}

// NewWithPublishers starts a reporter over explicit publishers.
func NewWithPublishers(queueSize, workers int, publishers []Publisher, logger *slog.Logger) *Reporter {
	if queueSize <= 0 {
		queueSize = 1
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		queue:      make(chan *execution.Metrics, queueSize),
		publishers: publishers,
		logger:     logger,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Report enqueues m and returns immediately.
func (r *Reporter) Report(m *execution.Metrics) {
	if r == nil || m == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.ReporterDroppedTotal.Inc()
		return
	}
	select {
	case r.queue <- m:
	default:
		metrics.ReporterDroppedTotal.Inc()
		r.logger.Debug("Reporter queue full, dropping metrics", "request_id", m.RequestID)
	}
}

func (r *Reporter) worker() {
	defer r.wg.Done()
	for m := range r.queue {
		for _, p := range r.publishers {
			r.publish(p, m)
		}
	}
}

// publish shields the worker from publisher errors and panics.
func (r *Reporter) publish(p Publisher, m *execution.Metrics) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.PanicRecoveriesTotal.WithLabelValues("reporter").Inc()
			r.logger.Error("Publisher panicked", "publisher", p.Name(), "panic", rec)
		}
	}()
	if err := p.Publish(m); err != nil {
		metrics.ReporterPublishErrorsTotal.WithLabelValues(p.Name()).Inc()
		r.logger.Warn("Failed to publish metrics", "publisher", p.Name(), "error", err)
	}
}

// Close stops accepting metrics, drains the queue until ctx is done and
// closes the publishers.
func (r *Reporter) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		for _, p := range r.publishers {
			p.Close()
		}
	})
	return err
}
