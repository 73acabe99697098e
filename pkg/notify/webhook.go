// Package notify delivers fire-and-forget webhook notifications for
// approval lifecycle events. Delivery failures are logged, never surfaced
// to the request that triggered them.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Event types dispatched by the approval queue.
const (
	EventApprovalCreated  = "approval.created"
	EventApprovalApproved = "approval.approved"
	EventApprovalDenied   = "approval.denied"
)

// SignatureHeader carries the HMAC of the body when a secret is configured.
const SignatureHeader = "x-agentguard-signature"

// Payload is the webhook body. Context is set on approval.created;
// DecisionReason and DecidedBy on decision events.
type Payload struct {
	Event          string         `json:"event"`
	Timestamp      time.Time      `json:"timestamp"`
	ApprovalID     string         `json:"approval_id"`
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name,omitempty"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	DecidedBy      string         `json:"decided_by,omitempty"`
}

// Dispatcher posts payloads to a configured webhook URL. A nil Dispatcher
// or empty URL makes Send a no-op.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	clock  func() time.Time
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. timeout bounds each delivery attempt.
func NewDispatcher(url, secret string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		clock:  time.Now,
		logger: slog.Default().With("component", "notify"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// Send dispatches the payload in a background goroutine and returns
// immediately. Slack incoming-webhook URLs are detected and receive a
// Slack-formatted message instead of the raw payload.
func (d *Dispatcher) Send(p Payload) {
	if d == nil || d.url == "" {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = d.clock().UTC()
	}

	var body []byte
	var err error
	slack := strings.Contains(d.url, "hooks.slack.com")
	if slack {
		body, err = json.Marshal(slackMessage(p))
	} else {
		body, err = json.Marshal(p)
	}
	if err != nil {
		d.logger.Warn("webhook payload marshal failed", "event", p.Event, "error", err)
		return
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if d.secret != "" && !slack {
		mac := hmac.New(sha256.New, []byte(d.secret))
		mac.Write(body)
		headers.Set(SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	go d.deliver(body, headers, p.Event)
}

func (d *Dispatcher) deliver(body []byte, headers http.Header, event string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("webhook request build failed", "event", event, "error", err)
		return
	}
	req.Header = headers

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook delivery failed", "event", event, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	d.logger.Debug("webhook delivered", "event", event, "status", resp.StatusCode)
}

// slackMessage formats the event as a Slack attachment.
func slackMessage(p Payload) map[string]any {
	name := p.AgentName
	if name == "" {
		name = p.AgentID
	}
	resourcePart := ""
	if p.Resource != "" {
		resourcePart = fmt.Sprintf(" on `%s`", p.Resource)
	}

	var text, color string
	switch p.Event {
	case EventApprovalCreated:
		text = fmt.Sprintf("*AgentGuard — Human Approval Required*\nAgent *%s* wants to perform `%s`%s.", name, p.Action, resourcePart)
		color = "#F59E0B"
	case EventApprovalApproved:
		text = fmt.Sprintf("*AgentGuard — Request Approved*\nAgent *%s* action `%s`%s was *approved*.", name, p.Action, resourcePart)
		color = "#10B981"
	default:
		text = fmt.Sprintf("*AgentGuard — Request Denied*\nAgent *%s* action `%s`%s was *denied*.", name, p.Action, resourcePart)
		color = "#EF4444"
	}
	if p.DecisionReason != "" && p.Event != EventApprovalCreated {
		text += "\n> " + p.DecisionReason
	}

	return map[string]any{
		"attachments": []map[string]any{{
			"color":  color,
			"text":   text,
			"footer": "AgentGuard | " + p.Timestamp.Format("2006-01-02 15:04 UTC"),
		}},
	}
}
