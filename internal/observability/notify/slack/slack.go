// Package slack delivers research job failure alerts to a Slack incoming webhook.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/target/researchq/internal/observability/notify"
)

// Config captures the Slack webhook settings.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// StatusURLPrefix, when set, links the job id to its status endpoint.
	StatusURLPrefix string
}

// Client delivers job failure notifications to a Slack webhook.
type Client struct {
	webhookURL   string
	channel      string
	username     string
	retryLimit   int
	statusPrefix *url.URL
	client       *http.Client
}

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	var prefix *url.URL
	if raw := strings.TrimSpace(cfg.StatusURLPrefix); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid slack status url prefix %q", raw)
		}
		prefix = u
	}

	return &Client{
		webhookURL:   webhookURL,
		channel:      strings.TrimSpace(cfg.Channel),
		username:     notify.Fallback(strings.TrimSpace(cfg.Username), "researchq"),
		retryLimit:   max(cfg.RetryLimit, 0),
		statusPrefix: prefix,
		client:       hc,
	}, nil
}

// SendJobFailure posts a formatted message to Slack.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return notify.PostJSON(ctx, c.client, c.webhookURL, "slack webhook", body, c.retryLimit)
}

func (c *Client) formatMessage(payload notify.JobFailurePayload) map[string]any {
	var text strings.Builder
	text.WriteString("*Research job failed*")
	if payload.JobID != "" {
		text.WriteString(" ")
		text.WriteString(c.jobRef(payload.JobID))
	}
	if payload.Asset != "" {
		text.WriteString(" (")
		text.WriteString(escape(payload.Asset))
		text.WriteByte(')')
	}
	text.WriteByte('\n')

	writeField(&text, "Severity", payload.Level())
	writeField(&text, "Client", escape(payload.ClientID))
	writeField(&text, "Error kind", payload.ErrorKind)
	writeField(&text, "Error class", payload.ErrorClass)
	if payload.MaxRetries > 0 {
		writeField(&text, "Retries", strconv.Itoa(payload.RetryCount)+"/"+strconv.Itoa(payload.MaxRetries))
	}
	writeField(&text, "Error", escape(payload.Error))
	writeMetadata(&text, payload.Metadata)
	text.WriteString("• Timestamp: ")
	text.WriteString(payload.At().Format(time.RFC3339))

	msg := map[string]any{
		"text":     text.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

// jobRef renders the job id, as a link to its status endpoint when configured.
func (c *Client) jobRef(jobID string) string {
	id := escape(jobID)
	if c.statusPrefix == nil {
		return "`" + id + "`"
	}
	return fmt.Sprintf("<%s|%s>", c.statusPrefix.JoinPath(jobID).String(), id)
}

func escape(value string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(value)
}

func writeField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	fmt.Fprintf(text, "• %s: %s\n", label, value)
}

func writeMetadata(text *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	text.WriteString("• Metadata:\n")
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(text, "    • %s: %s\n", k, escape(metadata[k]))
	}
}
