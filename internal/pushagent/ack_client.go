package pushagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const ackPath = "/push/ack"

// AckRecord is the delivery receipt posted to the backend. It is built and
// discarded within the handling of a single push.
type AckRecord struct {
	MessageID  string `json:"message_id"`
	DeviceID   string `json:"device_id"`
	Status     string `json:"status"`
	ReceivedAt string `json:"received_at"`
	Platform   string `json:"platform"`
}

type AckClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	Now        func() time.Time
}

// AckHTTPClient posts delivery acknowledgments. Acks are at-most-once: one
// POST, no retry, response body never parsed.
type AckHTTPClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	now        func() time.Time
}

func NewAckHTTPClient(opts AckClientOptions) *AckHTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &AckHTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		now:        now,
	}
}

// Acknowledge posts one delivery receipt for messageID. The caller owns the
// failure policy; this method never blocks beyond the client timeout.
func (c *AckHTTPClient) Acknowledge(ctx context.Context, messageID, deviceID string) error {
	if c == nil {
		return fmt.Errorf("ack client is nil")
	}
	messageID = strings.TrimSpace(messageID)
	deviceID = strings.TrimSpace(deviceID)
	if messageID == "" || deviceID == "" {
		return ErrInvalidInput
	}

	record := AckRecord{
		MessageID:  messageID,
		DeviceID:   deviceID,
		Status:     "delivered",
		ReceivedAt: c.now().UTC().Format(time.RFC3339),
		Platform:   "web_push",
	}
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ackPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push ack failed: status=%d", resp.StatusCode)
	}
	return nil
}
