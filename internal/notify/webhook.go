// Package notify delivers outbound directory-sync signals. When a
// provider-linked group with sync enabled changes membership, the group
// workflow asks for a sync and this package posts a signed event to the
// operator's webhook endpoint. The external directory connector consumes
// the event and reconciles the group on its side.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// syncEvent is the webhook payload. Delivery is at-least-once; consumers
// dedupe on (tenant_id, group_id, timestamp).
type syncEvent struct {
	Event     string    `json:"event"`
	TenantID  int64     `json:"tenant_id"`
	GroupID   int64     `json:"group_id"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookNotifier posts group sync events to a single configured endpoint.
// Requests are signed with HMAC-SHA256 over the raw body when a secret is
// configured; the signature travels in X-Elder-Signature as "sha256=<hex>".
type WebhookNotifier struct {
	endpoint string
	secret   []byte
	client   *http.Client
	wg       sync.WaitGroup
}

// NewWebhook creates a notifier for the given endpoint. secret may be empty,
// which disables request signing.
func NewWebhook(endpoint, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		endpoint: endpoint,
		secret:   []byte(secret),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GroupSyncRequested dispatches asynchronously. The caller holds an open
// store transaction, so delivery must not block it and must not inherit its
// cancellation.
func (n *WebhookNotifier) GroupSyncRequested(_ context.Context, tenantID, groupID int64) {
	event := syncEvent{
		Event:     "group.sync_requested",
		TenantID:  tenantID,
		GroupID:   groupID,
		Timestamp: time.Now().UTC(),
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(event)
	}()
}

// Close waits for in-flight deliveries to finish.
func (n *WebhookNotifier) Close() {
	n.wg.Wait()
}

func (n *WebhookNotifier) deliver(event syncEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	body, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("sync event marshal failed")
		return
	}

	attempt := func() error {
		return n.post(ctx, body, event)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		log.Warn().
			Err(err).
			Int64("tenant_id", event.TenantID).
			Int64("group_id", event.GroupID).
			Str("endpoint", n.endpoint).
			Msg("sync webhook delivery failed")
		return
	}
	log.Debug().
		Int64("tenant_id", event.TenantID).
		Int64("group_id", event.GroupID).
		Msg("sync webhook delivered")
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte, event syncEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Elder-Event", event.Event)
	if len(n.secret) > 0 {
		req.Header.Set("X-Elder-Signature", "sha256="+sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// The endpoint rejected the event; retrying the same body is futile.
		return backoff.Permanent(fmt.Errorf("sync webhook rejected: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("sync webhook: status %d", resp.StatusCode)
	}
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
