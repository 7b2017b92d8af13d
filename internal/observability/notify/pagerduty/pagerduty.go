// Package pagerduty raises PagerDuty incidents for failed research jobs.
package pagerduty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/target/researchq/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	// Endpoint defaults to APIEndpoint.
	Endpoint   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client publishes trigger events via PagerDuty's Events API v2.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	retryLimit int
	client     *http.Client
}

// NewClient constructs a PagerDuty events client. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		routingKey: key,
		source:     notify.Fallback(strings.TrimSpace(cfg.Source), "researchq"),
		component:  notify.Fallback(strings.TrimSpace(cfg.Component), "research-worker"),
		endpoint:   notify.Fallback(strings.TrimSpace(cfg.Endpoint), APIEndpoint),
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}, nil
}

// SendJobFailure submits a trigger event to PagerDuty.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.buildEvent(payload))
	if err != nil {
		return fmt.Errorf("encode pagerduty payload: %w", err)
	}
	return notify.PostJSON(ctx, c.client, c.endpoint, "pagerduty api", body, c.retryLimit)
}

type event struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     eventPayload `json:"payload"`
}

type eventPayload struct {
	Summary       string         `json:"summary"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	Component     string         `json:"component"`
	Group         string         `json:"group,omitempty"`
	Class         string         `json:"class,omitempty"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details"`
}

func (c *Client) buildEvent(payload notify.JobFailurePayload) event {
	custom := map[string]any{
		"job_id":      payload.JobID,
		"asset":       payload.Asset,
		"client_id":   payload.ClientID,
		"error_kind":  payload.ErrorKind,
		"error":       payload.Error,
		"error_class": payload.ErrorClass,
		"retry_count": payload.RetryCount,
		"max_retries": payload.MaxRetries,
	}
	for k, v := range payload.Metadata {
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	return event{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		// One incident per job; repeated alerts for the same job collapse.
		DedupKey: "research:" + notify.Fallback(payload.JobID, "unknown"),
		Payload: eventPayload{
			Summary: fmt.Sprintf("Research job %s for %s failed (%s)",
				notify.Fallback(payload.JobID, "unknown"),
				notify.Fallback(payload.Asset, "unknown asset"),
				notify.Fallback(payload.ErrorKind, "unknown"),
			),
			Severity:      payload.Level(),
			Source:        c.source,
			Component:     c.component,
			Group:         payload.Asset,
			Class:         payload.ErrorKind,
			Timestamp:     payload.At().Format(time.RFC3339),
			CustomDetails: custom,
		},
	}
}
