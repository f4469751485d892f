package tasks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"

	"labguard/internal/service"
)

const TypeAlertNotify = "notify:alert"

// NewAlertNotifyTask wraps a critical alert for out-of-band delivery.
func NewAlertNotifyTask(p service.AlertPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAlertNotify, payload, asynq.MaxRetry(5), asynq.Timeout(20*time.Second)), nil
}

// NotifyClient enqueues alert notifications; it satisfies service.Notifier so
// the alert engine never touches the queue directly.
type NotifyClient struct {
	client *asynq.Client
}

func NewNotifyClient(client *asynq.Client) *NotifyClient {
	return &NotifyClient{client: client}
}

func (c *NotifyClient) NotifyCriticalAlert(ctx context.Context, p service.AlertPayload) error {
	task, err := NewAlertNotifyTask(p)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	return err
}

// AlertNotifyHandler posts critical alerts to the configured webhook with an
// HMAC-SHA256 signature over the body.
type AlertNotifyHandler struct {
	webhookURL string
	webhookKey string
	client     *http.Client
}

func NewAlertNotifyHandler(webhookURL, webhookKey string) *AlertNotifyHandler {
	return &AlertNotifyHandler{
		webhookURL: webhookURL,
		webhookKey: webhookKey,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *AlertNotifyHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if h.webhookURL == "" {
		// No destination configured: drop silently rather than retrying.
		return nil
	}

	var p service.AlertPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	body := t.Payload()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Labguard-Event", "alert.fired")

	retryCount, _ := asynq.GetRetryCount(ctx)
	req.Header.Set("X-Labguard-Attempt", fmt.Sprintf("%d", retryCount+1))

	if h.webhookKey != "" {
		mac := hmac.New(sha256.New, []byte(h.webhookKey))
		mac.Write(body)
		req.Header.Set("X-Labguard-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	zlog.Info().Int64("alert_id", p.AlertID).Str("rule", p.RuleName).Msg("critical alert delivered")
	return nil
}
