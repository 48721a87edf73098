package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"caseline/internal/config"
)

// OperationClass for outbound notifications in the executor.
const OperationClass = "notification-dispatch"

const defaultWebhookTimeout = 5 * time.Second

// Known template keys. Webhooks may restrict themselves to a subset.
const (
	TemplateRequestCreated = "request_created"
	TemplateStageAdvanced  = "stage_advanced"
	TemplateRequestClosed  = "request_closed"
)

// Message is one notification bound for the role that now holds a request.
type Message struct {
	Template      string            `json:"template"`
	RequestID     string            `json:"request_id"`
	WorkflowType  string            `json:"workflow_type"`
	RecipientRole string            `json:"recipient_role"`
	ActorID       string            `json:"actor_id"`
	Action        string            `json:"action,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	TS            string            `json:"ts"`
}

// Dispatcher delivers a single notification message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// WebhookDispatcher posts messages to every configured endpoint that
// accepts the message's template.
type WebhookDispatcher struct {
	Org      string
	Webhooks []config.WebhookConfig
	Client   *http.Client
	Log      *log.Logger
}

func NewWebhookDispatcher(cfg *config.Config) *WebhookDispatcher {
	return &WebhookDispatcher{
		Org:      cfg.Org.ID,
		Webhooks: cfg.Notifications.Webhooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
	}
}

func (d *WebhookDispatcher) logger() *log.Logger {
	if d.Log != nil {
		return d.Log
	}
	return log.Default()
}

// Dispatch delivers msg to all matching webhooks. The first delivery
// failure is returned so the caller's retry policy can take over.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, msg Message) error {
	for _, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !templateMatch(hook.Templates, msg.Template) {
			continue
		}
		if err := d.post(ctx, hook, msg); err != nil {
			d.logger().Printf("notify: deliver to %s failed: %v", hook.URL, err)
			return err
		}
	}
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	client := d.Client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseline-Template", msg.Template)
	req.Header.Set("X-Caseline-Request", msg.RequestID)
	req.Header.Set("X-Caseline-Org", d.Org)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Caseline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func templateMatch(templates []string, key string) bool {
	if len(templates) == 0 {
		return true
	}
	for _, t := range templates {
		if strings.TrimSpace(t) == key {
			return true
		}
	}
	return false
}

// Discard drops every message; used when no webhooks are configured.
type Discard struct{}

func (Discard) Dispatch(context.Context, Message) error { return nil }
