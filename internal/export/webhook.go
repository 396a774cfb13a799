// Package export ships cycle summaries and circuit breaker trips to an external webhook.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/crossyield-keeper/internal/circuitbreaker"
	"github.com/yourorg/crossyield-keeper/internal/model"
)

// Event types posted to the webhook
const (
	EventCycle = "cycle"
	EventTrip  = "circuit_breaker_trip"
)

// ExporterConfig holds configuration for summary exporting
type ExporterConfig struct {
	WebhookURL    string        `json:"webhook_url"`
	WebhookAPIKey string        `json:"webhook_api_key,omitempty"`
	Timeout       time.Duration `json:"timeout"`
	RetryMax      int           `json:"retry_max"`
}

// Event is the webhook body
type Event struct {
	Type       string      `json:"type"`
	ExportTime string      `json:"export_time"`
	Data       interface{} `json:"data"`
}

// Exporter posts events to a webhook. A nil or disabled exporter drops everything.
type Exporter struct {
	config ExporterConfig
	client *retryablehttp.Client
	logger logrus.FieldLogger

	mutex      sync.RWMutex
	lastExport time.Time
	exported   int
	failed     int
	wg         sync.WaitGroup
}

// NewExporter creates an exporter. An empty webhook URL disables it.
func NewExporter(config ExporterConfig, logger logrus.FieldLogger) *Exporter {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RetryMax <= 0 {
		config.RetryMax = 3
	}

	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = config.Timeout
	client.Logger = nil

	return &Exporter{config: config, client: client, logger: logger}
}

// Enabled reports whether a webhook is configured
func (e *Exporter) Enabled() bool {
	return e != nil && e.config.WebhookURL != ""
}

// ExportCycle posts a cycle summary in the background
func (e *Exporter) ExportCycle(result model.CycleResult, cycleErr error) {
	if !e.Enabled() || result.CycleID == "" {
		return
	}
	summary := result.Summary()
	e.async(Event{Type: EventCycle, Data: summary})
	if cycleErr != nil {
		e.logger.WithField("cycle_id", result.CycleID).Debug("Exported summary of failed cycle")
	}
}

// ExportTrip posts a circuit breaker trip in the background
func (e *Exporter) ExportTrip(trip circuitbreaker.Trip) {
	if !e.Enabled() {
		return
	}
	e.async(Event{Type: EventTrip, Data: trip})
}

func (e *Exporter) async(ev Event) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.config.Timeout*time.Duration(e.config.RetryMax+1))
		defer cancel()
		if err := e.Send(ctx, ev); err != nil {
			e.logger.WithError(err).WithField("type", ev.Type).Error("Failed to export to webhook")
		}
	}()
}

// Send posts one event synchronously
func (e *Exporter) Send(ctx context.Context, ev Event) error {
	if !e.Enabled() {
		return fmt.Errorf("webhook URL not configured")
	}
	if ev.ExportTime == "" {
		ev.ExportTime = time.Now().UTC().Format(time.RFC3339)
	}

	jsonData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.config.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.WebhookAPIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.record(false)
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		e.record(false)
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}

	e.record(true)
	return nil
}

func (e *Exporter) record(ok bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if ok {
		e.exported++
		e.lastExport = time.Now()
		return
	}
	e.failed++
}

// Flush waits for background exports to finish
func (e *Exporter) Flush() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

// Status returns the current status of the exporter
func (e *Exporter) Status() map[string]interface{} {
	if e == nil {
		return map[string]interface{}{"enabled": false}
	}
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	status := map[string]interface{}{
		"enabled":  e.Enabled(),
		"exported": e.exported,
		"failed":   e.failed,
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.UTC().Format(time.RFC3339)
	}
	return status
}
