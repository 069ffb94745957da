package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stagegate/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookGateway POSTs each request as JSON to a mail relay or similar.
type WebhookGateway struct {
	URL    string
	Secret string
	Client *http.Client
}

type webhookBody struct {
	Type       string              `json:"type"`
	CaseID     string              `json:"case_id"`
	Recipients []string            `json:"recipients"`
	Subject    string              `json:"subject"`
	BodyHTML   string              `json:"body_html"`
	Attachment []domain.Attachment `json:"attachments"`
}

func (g WebhookGateway) Enqueue(ctx context.Context, req domain.DispatchRequest) error {
	if strings.TrimSpace(g.URL) == "" {
		return fmt.Errorf("webhook url not configured")
	}
	attachments := req.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	data, err := json.Marshal(webhookBody{
		Type:       "case.approved",
		CaseID:     req.CaseID,
		Recipients: req.Recipients,
		Subject:    req.Subject,
		BodyHTML:   req.BodyHTML,
		Attachment: attachments,
	})
	if err != nil {
		return err
	}
	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Stagegate-Event", "case.approved")
	// one delivery per case; receivers can dedupe on it
	httpReq.Header.Set("X-Stagegate-Delivery", req.CaseID)
	if strings.TrimSpace(g.Secret) != "" {
		httpReq.Header.Set("X-Stagegate-Secret", g.Secret)
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
