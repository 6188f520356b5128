package pushagent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestAckHTTPClientSendsExpectedRequest(t *testing.T) {
	var capturedPath string
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	fixedNow := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	client := NewAckHTTPClient(AckClientOptions{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Now:        func() time.Time { return fixedNow },
	})
	if err := client.Acknowledge(context.Background(), "msg-42", "device-1"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	if capturedPath != "/push/ack" {
		t.Fatalf("expected /push/ack, got %s", capturedPath)
	}
	if capturedBody["message_id"] != "msg-42" || capturedBody["device_id"] != "device-1" {
		t.Fatalf("unexpected ids in body: %+v", capturedBody)
	}
	if capturedBody["status"] != "delivered" {
		t.Fatalf("expected delivered status, got %+v", capturedBody)
	}
	if capturedBody["platform"] != "web_push" {
		t.Fatalf("expected web_push platform, got %+v", capturedBody)
	}
	if capturedBody["received_at"] != fixedNow.Format(time.RFC3339) {
		t.Fatalf("expected RFC3339 received_at, got %+v", capturedBody["received_at"])
	}
}

func TestAckHTTPClientReportsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewAckHTTPClient(AckClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	if err := client.Acknowledge(context.Background(), "msg-1", "device-1"); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestAckHTTPClientNeverRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewAckHTTPClient(AckClientOptions{BaseURL: server.URL, HTTPClient: server.Client()})
	_ = client.Acknowledge(context.Background(), "msg-1", "device-1")
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one attempt, got %d", got)
	}
}

func TestAckHTTPClientRejectsEmptyIDs(t *testing.T) {
	client := NewAckHTTPClient(AckClientOptions{})
	if err := client.Acknowledge(context.Background(), "", "device-1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := client.Acknowledge(context.Background(), "msg-1", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
