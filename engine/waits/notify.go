package waits

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier posts wait notifications to an HTTP endpoint, typically
// a chat hook or approval inbox.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier creates a notifier with a 10s request timeout
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts the wait's context to the webhook
func (n *WebhookNotifier) Notify(executionID, nodeID string, payload map[string]interface{}) error {
	body := map[string]interface{}{
		"executionId": executionID,
		"nodeId":      nodeID,
		"payload":     payload,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	resp, err := n.Client.Post(n.URL, "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
