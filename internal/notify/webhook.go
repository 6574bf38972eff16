package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tinytelemetry/faultline/internal/grouping"
)

// Embed colors.
const (
	colorRed    = 15548997 // 0xed4245
	colorYellow = 16776960 // 0xffff00
)

const maxDescription = 2000

// httpClient abstracts HTTP operations.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookSink posts a Discord-compatible embed per flushed group.
type WebhookSink struct {
	url        string
	username   string
	client     httpClient
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

// WebhookOption configures WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c httpClient) WebhookOption {
	return func(w *WebhookSink) {
		w.client = c
	}
}

// WithUsername sets the display name of the posting bot.
func WithUsername(name string) WebhookOption {
	return func(w *WebhookSink) {
		w.username = name
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) WebhookOption {
	return func(w *WebhookSink) {
		if n < 0 {
			n = 0
		}
		w.maxRetries = uint64(n)
	}
}

// WithBackOff replaces the retry schedule.
func WithBackOff(fn func() backoff.BackOff) WebhookOption {
	return func(w *WebhookSink) {
		w.newBackOff = fn
	}
}

func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	w := &WebhookSink{
		url:        url,
		username:   "faultline",
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookSink) Name() string { return "webhook" }

type webhookPayload struct {
	Username string  `json:"username"`
	Embeds   []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Send posts the snapshot. 429 and 5xx responses and network errors are
// retried; other 4xx responses fail immediately.
func (w *WebhookSink) Send(ctx context.Context, snap grouping.Snapshot) error {
	if snap.Count() == 0 {
		return nil
	}
	body, err := json.Marshal(w.payload(snap))
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("webhook: create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: send request: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("webhook: status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("webhook: status %d", resp.StatusCode))
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), w.maxRetries), ctx)
	return backoff.Retry(op, b)
}

func (w *WebhookSink) payload(snap grouping.Snapshot) webhookPayload {
	first := snap.Errors[0]

	title := first.Type()
	if title == "" {
		title = "Error"
	}
	if n := snap.Count(); n > 1 {
		title = fmt.Sprintf("%s (%d occurrences)", title, n)
	}

	desc := first.Message()
	if len(desc) > maxDescription {
		desc = desc[:maxDescription] + "…"
	}

	color := colorYellow
	fields := []embedField{
		{Name: "Application", Value: first.Application(), Inline: true},
		{Name: "Trigger", Value: string(snap.Trigger), Inline: true},
		{Name: "Group", Value: snap.Key},
	}
	if code := first.StatusCode(); code != 0 {
		fields = append(fields, embedField{Name: "Status", Value: strconv.Itoa(code), Inline: true})
		if code >= 500 {
			color = colorRed
		}
	}
	if u := first.URL(); u != "" {
		fields = append(fields, embedField{Name: "URL", Value: u})
	}
	if first.Host() != "" {
		fields = append(fields, embedField{Name: "Host", Value: first.Host(), Inline: true})
	}
	fields = append(fields,
		embedField{Name: "First seen", Value: snap.FirstSeen.UTC().Format(time.RFC3339), Inline: true},
		embedField{Name: "Last seen", Value: snap.LastSeen.UTC().Format(time.RFC3339), Inline: true},
	)

	return webhookPayload{
		Username: w.username,
		Embeds: []embed{{
			Title:       title,
			Description: desc,
			Color:       color,
			Fields:      fields,
			Timestamp:   snap.FlushedAt.UTC().Format(time.RFC3339),
		}},
	}
}
