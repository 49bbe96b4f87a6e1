package heuristics

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/intel-engine/pkg/models"
)

// Alert & Webhook System
//
// Watchlist alerts are:
//   1. Broadcast via WebSocket to connected dashboards
//   2. Pushed to registered webhook endpoints (Slack, Discord, SIEM)
//   3. Handed to sinks (Kafka topic, Postgres) for durable delivery
//   4. Kept in memory for the recent alert history
//
// Alerts are immutable: the manager only assigns the id and timestamp of
// alerts that arrive without one.

// AlertSink is a durable destination for alerts.
type AlertSink interface {
	PublishAlert(ctx context.Context, alert models.WatchlistAlert) error
}

// WebhookEndpoint is a registered webhook receiver
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity models.Severity   `json:"min_severity"`
}

// AlertManager handles alert emission and webhook delivery
type AlertManager struct {
	mu            sync.RWMutex
	webhooks      []WebhookEndpoint
	sinks         []AlertSink
	recentAlerts  []models.WatchlistAlert
	maxHistory    int
	httpClient    *http.Client
	alertCallback func(models.WatchlistAlert) // WebSocket broadcast callback
	onEmit        func(models.WatchlistAlert)
}

// NewAlertManager creates a new alert system
func NewAlertManager(broadcastFn func(models.WatchlistAlert)) *AlertManager {
	return &AlertManager{
		webhooks:      make([]WebhookEndpoint, 0),
		recentAlerts:  make([]models.WatchlistAlert, 0),
		maxHistory:    1000,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		alertCallback: broadcastFn,
	}
}

// SetBroadcast replaces the websocket callback. The API hub is created after
// the manager, so main wires it late.
func (am *AlertManager) SetBroadcast(fn func(models.WatchlistAlert)) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.alertCallback = fn
}

// OnEmit registers a hook called for every emitted alert (metrics).
func (am *AlertManager) OnEmit(fn func(models.WatchlistAlert)) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.onEmit = fn
}

// AddSink registers a durable alert destination.
func (am *AlertManager) AddSink(s AlertSink) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.sinks = append(am.sinks, s)
}

// RegisterWebhook adds a webhook endpoint
func (am *AlertManager) RegisterWebhook(name, url string, minSeverity models.Severity, headers map[string]string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.webhooks = append(am.webhooks, WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	})

	log.Printf("[AlertManager] Registered webhook: %s → %s (min: %s)", name, url, minSeverity)
}

// RemoveWebhook removes a webhook by name
func (am *AlertManager) RemoveWebhook(name string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	for i, wh := range am.webhooks {
		if wh.Name == name {
			am.webhooks = append(am.webhooks[:i], am.webhooks[i+1:]...)
			return
		}
	}
}

// LoadHistory seeds the in-memory history, oldest first. Used at startup to
// warm the alert list from persistent storage.
func (am *AlertManager) LoadHistory(alerts []models.WatchlistAlert) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.recentAlerts = append(am.recentAlerts, alerts...)
	if len(am.recentAlerts) > am.maxHistory {
		am.recentAlerts = am.recentAlerts[len(am.recentAlerts)-am.maxHistory:]
	}
}

// EmitAlert records and distributes an alert and returns it with its id set.
func (am *AlertManager) EmitAlert(ctx context.Context, alert models.WatchlistAlert) models.WatchlistAlert {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	// Store in history
	am.mu.Lock()
	am.recentAlerts = append(am.recentAlerts, alert)
	if len(am.recentAlerts) > am.maxHistory {
		am.recentAlerts = am.recentAlerts[len(am.recentAlerts)-am.maxHistory:]
	}
	webhooks := make([]WebhookEndpoint, len(am.webhooks))
	copy(webhooks, am.webhooks)
	sinks := append([]AlertSink(nil), am.sinks...)
	callback, onEmit := am.alertCallback, am.onEmit
	am.mu.Unlock()

	for _, s := range sinks {
		if err := s.PublishAlert(ctx, alert); err != nil {
			log.Printf("[Alert] sink delivery failed for %s: %v", alert.ID, err)
		}
	}

	// Broadcast via WebSocket callback
	if callback != nil {
		callback(alert)
	}
	if onEmit != nil {
		onEmit(alert)
	}

	// Send to webhooks (async, non-blocking)
	for _, wh := range webhooks {
		if !wh.Enabled {
			continue
		}
		if !severityMeetsThreshold(alert.Severity, wh.MinSeverity) {
			continue
		}
		go am.sendWebhook(wh, alert)
	}

	log.Printf("[Alert] [%s] %s: %s (address: %s)", alert.Severity, alert.ID, alert.Title, alert.AddressID)
	return alert
}

// GetRecentAlerts returns the most recent alerts, newest first
func (am *AlertManager) GetRecentAlerts(limit int) []models.WatchlistAlert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if limit <= 0 || limit > len(am.recentAlerts) {
		limit = len(am.recentAlerts)
	}

	start := len(am.recentAlerts) - limit
	result := make([]models.WatchlistAlert, limit)
	for i := 0; i < limit; i++ {
		result[i] = am.recentAlerts[start+limit-1-i]
	}
	return result
}

// GetAlertsBySeverity returns up to limit alerts at or above minSeverity,
// newest first. A non-positive limit returns every match.
func (am *AlertManager) GetAlertsBySeverity(minSeverity models.Severity, limit int) []models.WatchlistAlert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	var filtered []models.WatchlistAlert
	for i := len(am.recentAlerts) - 1; i >= 0; i-- {
		if limit > 0 && len(filtered) == limit {
			break
		}
		if alert := am.recentAlerts[i]; severityMeetsThreshold(alert.Severity, minSeverity) {
			filtered = append(filtered, alert)
		}
	}
	return filtered
}

// sendWebhook delivers an alert to a webhook endpoint
func (am *AlertManager) sendWebhook(wh WebhookEndpoint, alert models.WatchlistAlert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		log.Printf("[Webhook] Failed to marshal alert: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		log.Printf("[Webhook] Failed to create request for %s: %v", wh.Name, err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}

	resp, err := am.httpClient.Do(req)
	if err != nil {
		log.Printf("[Webhook] Failed to send to %s: %v", wh.Name, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("[Webhook] %s returned status %d", wh.Name, resp.StatusCode)
	}
}

var severityLevels = map[models.Severity]int{
	models.SeverityInfo:     0,
	models.SeverityWarning:  1,
	models.SeverityCritical: 2,
}

// severityMeetsThreshold checks if a severity level meets the minimum
func severityMeetsThreshold(severity, minimum models.Severity) bool {
	return severityLevels[severity] >= severityLevels[minimum]
}
