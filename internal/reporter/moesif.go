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

package reporter

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/moesif/moesifapi-go"
	"github.com/moesif/moesifapi-go/models"

	"github.com/gravitee-io/gravitee-api-management-sub109/internal/config"
	"github.com/gravitee-io/gravitee-api-management-sub109/internal/execution"
)

const anonymous = "anonymous"

// eventQueue is the part of the Moesif client the publisher uses.
type eventQueue interface {
	QueueEvents(events []*models.EventModel) error
}

// MoesifConfig holds the settings of the Moesif publisher.
type MoesifConfig struct {
	ApplicationID      string `mapstructure:"application_id"`
	BaseURL            string `mapstructure:"moesif_base_url"`
	PublishInterval    int    `mapstructure:"publish_interval"`
	EventQueueSize     int    `mapstructure:"event_queue_size"`
	BatchSize          int    `mapstructure:"batch_size"`
	TimerWakeupSeconds int    `mapstructure:"timer_wakeup_seconds"`
}

// Moesif batches request events and flushes them to Moesif periodically.
type Moesif struct {
	api       eventQueue
	logger    *slog.Logger
	mu        sync.Mutex
	events    []*models.EventModel
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMoesif creates the publisher. The application id is read from the
// MOESIF_KEY environment variable first, then from the settings.
func NewMoesif(pc *config.PublisherConfig, logger *slog.Logger) (*Moesif, error) {
	cfg := MoesifConfig{
		PublishInterval:    5,
		EventQueueSize:     10000,
		BatchSize:          50,
		TimerWakeupSeconds: 3,
	}
	if err := mapstructure.Decode(pc.Settings, &cfg); err != nil {
		return nil, fmt.Errorf("invalid moesif settings: %w", err)
	}
	if key := os.Getenv("MOESIF_KEY"); key != "" {
		cfg.ApplicationID = key
	}
	if cfg.ApplicationID == "" {
		return nil, fmt.Errorf("moesif application_id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.moesif.net"
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 5
	}

	client := moesifapi.NewAPI(cfg.ApplicationID, &cfg.BaseURL, cfg.EventQueueSize, cfg.BatchSize, cfg.TimerWakeupSeconds)
	return newMoesif(client, time.Duration(cfg.PublishInterval)*time.Second, logger), nil
}

func newMoesif(api eventQueue, interval time.Duration, logger *slog.Logger) *Moesif {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Moesif{
		api:    api,
		logger: logger.With("publisher", PublisherMoesif),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop(interval)
	return m
}

func (m *Moesif) loop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			m.flush()
			return
		case <-ticker.C:
			m.flush()
		}
	}
}

func (m *Moesif) flush() {
	m.mu.Lock()
	events := m.events
	m.events = nil
	m.mu.Unlock()

	if len(events) == 0 {
		return
	}
	m.logger.Debug("Publishing events to Moesif", "count", len(events))
	if err := m.api.QueueEvents(events); err != nil {
		m.logger.Error("Error publishing events to Moesif", "error", err)
	}
}

func (m *Moesif) Name() string { return PublisherMoesif }

// Publish converts the metrics into a Moesif event and buffers it.
func (m *Moesif) Publish(metrics *execution.Metrics) error {
	event := toEvent(metrics)
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// Close flushes the pending events and stops the publishing loop. Safe to
// call more than once.
func (m *Moesif) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

func toEvent(mt *execution.Metrics) *models.EventModel {
	reqTime := mt.Timestamp
	respTime := reqTime.Add(mt.ResponseTime)
	apiVersion := mt.APIVersion
	remote := mt.RemoteAddress

	userID := anonymous
	if mt.Application != "" {
		userID = mt.Application
	}

	metadata := map[string]interface{}{
		"requestId":        mt.RequestID,
		"transactionId":    mt.TransactionID,
		"apiId":            mt.APIID,
		"apiName":          mt.APIName,
		"planId":           mt.PlanID,
		"securityType":     mt.SecurityType,
		"gatewayLatencyMs": mt.GatewayLatency.Milliseconds(),
	}
	if mt.ErrorKey != "" {
		metadata["errorKey"] = mt.ErrorKey
	}

	return &models.EventModel{
		Request: models.EventRequestModel{
			Time:       &reqTime,
			Uri:        mt.URI,
			Verb:       mt.HTTPMethod,
			ApiVersion: &apiVersion,
			IpAddress:  &remote,
			Headers:    flatten(mt.RequestHeaders),
		},
		Response: models.EventResponseModel{
			Time:    &respTime,
			Status:  mt.Status,
			Headers: flatten(mt.ResponseHeaders),
		},
		UserId:   &userID,
		Metadata: metadata,
	}
}

func flatten(h map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ",")
	}
	return out
}
