package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/saltyorg/pqlmem/internal/httpclient"
)

// WebhookConfig holds generic webhook configuration
type WebhookConfig struct {
	URL         string
	Method      string            // HTTP method (POST, PUT, etc.)
	Body        string            // Template for request body
	Headers     map[string]string // Custom headers
	ContentType string
}

// WebhookProvider sends notifications via generic HTTP webhooks
type WebhookProvider struct {
	config WebhookConfig
	tmpl   *template.Template
	client *http.Client
}

// NewWebhookProvider creates a generic webhook provider. The body template is
// parsed once here so a bad template fails at startup.
func NewWebhookProvider(config WebhookConfig) (*WebhookProvider, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("webhook URL not configured")
	}
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.ContentType == "" {
		config.ContentType = "application/json"
	}
	body := config.Body
	if body == "" {
		body = DefaultWebhookBody
	}
	tmpl, err := template.New("webhook").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("invalid body template: %w", err)
	}

	return &WebhookProvider{
		config: config,
		tmpl:   tmpl,
		client: httpclient.NewTraceClient("webhook", sendTimeout),
	}, nil
}

// Name returns the provider name
func (w *WebhookProvider) Name() string {
	return "webhook"
}

// webhookTemplateData holds the data available for template rendering
type webhookTemplateData struct {
	Type       string
	Title      string
	Message    string
	Timestamp  string
	Fields     map[string]string
	FieldsJSON string
}

// Send sends a notification via the webhook
func (w *WebhookProvider) Send(ctx context.Context, event Event) error {
	body, err := w.renderBody(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, w.config.Method, w.config.URL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.config.ContentType)
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}

	return doRequest(w.client, req)
}

// Test sends a test notification
func (w *WebhookProvider) Test(ctx context.Context) error {
	return w.Send(ctx, testEvent("webhook"))
}

func (w *WebhookProvider) renderBody(event Event) (string, error) {
	fields := event.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w", err)
	}

	data := webhookTemplateData{
		Type:       string(event.Type),
		Title:      event.Title,
		Message:    event.Message,
		Timestamp:  event.Timestamp.Format(time.RFC3339),
		Fields:     fields,
		FieldsJSON: string(fieldsJSON),
	}

	var buf bytes.Buffer
	if err := w.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// DefaultWebhookBody is the body template used when none is configured
const DefaultWebhookBody = `{
  "event": "{{.Type}}",
  "title": "{{.Title}}",
  "message": "{{.Message}}",
  "timestamp": "{{.Timestamp}}",
  "fields": {{.FieldsJSON}}
}`

// ParseWebhookHeaders parses "Key: value" pairs, one per entry
func ParseWebhookHeaders(lines []string) map[string]string {
	headers := make(map[string]string)
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key != "" {
			headers[key] = strings.TrimSpace(value)
		}
	}
	return headers
}
