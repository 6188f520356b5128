package pushagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu    sync.Mutex
	shown []NotificationDescriptor
	err   error
}

func (n *recordingNotifier) Show(ctx context.Context, desc NotificationDescriptor) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.shown = append(n.shown, desc)
	return nil
}

func (n *recordingNotifier) last(t *testing.T) NotificationDescriptor {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.shown) == 0 {
		t.Fatalf("expected a displayed notification")
	}
	return n.shown[len(n.shown)-1]
}

// syncExtend runs lifetime-extended work inline so tests observe it.
func syncExtend(name string, fn func(ctx context.Context)) {
	fn(context.Background())
}

func newTestHandler(notifier Notifier, ackURL string, client *http.Client) *PushHandler {
	var acks *AckHTTPClient
	if ackURL != "" {
		acks = NewAckHTTPClient(AckClientOptions{BaseURL: ackURL, HTTPClient: client})
	}
	return NewPushHandler(PushHandlerOptions{
		Identity: NewDeviceIdentityStore(NewInMemoryIdentityBackend(), nil),
		Acks:     acks,
		Notifier: notifier,
		Extend:   syncExtend,
	})
}

func TestHandlePushDisplaysDefaultsForEmptyPayload(t *testing.T) {
	notifier := &recordingNotifier{}
	handler := newTestHandler(notifier, "", nil)

	if err := handler.HandlePush(context.Background(), nil); err != nil {
		t.Fatalf("handle push failed: %v", err)
	}
	desc := notifier.last(t)
	if desc.Title != DefaultTitle || desc.Body != DefaultBody {
		t.Fatalf("expected default descriptor, got %+v", desc)
	}
	if len(desc.Vibrate) == 0 {
		t.Fatalf("expected vibration pattern merged in")
	}
	if desc.Timestamp.IsZero() {
		t.Fatalf("expected timestamp merged in")
	}
}

func TestHandlePushMalformedPayloadNeverFails(t *testing.T) {
	notifier := &recordingNotifier{}
	handler := newTestHandler(notifier, "", nil)

	raw := "not json at all {"
	if err := handler.HandlePush(context.Background(), []byte(raw)); err != nil {
		t.Fatalf("expected parse failure absorbed, got %v", err)
	}
	if got := notifier.last(t).Body; got != raw {
		t.Fatalf("expected raw text body, got %q", got)
	}
}

func TestHandlePushAckFailureDoesNotBlockDisplay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	// Closed server: every ack POST fails at the dial.
	ackURL := server.URL
	server.Close()

	notifier := &recordingNotifier{}
	handler := newTestHandler(notifier, ackURL, nil)

	err := handler.HandlePush(context.Background(), []byte(`{"title":"T","message_id":"msg-9"}`))
	if err != nil {
		t.Fatalf("expected ack failure absorbed, got %v", err)
	}
	if notifier.last(t).Title != "T" {
		t.Fatalf("expected notification displayed despite ack failure")
	}
}

func TestHandlePushEndToEndAckBody(t *testing.T) {
	var mu sync.Mutex
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := &recordingNotifier{}
	identity := NewDeviceIdentityStore(NewInMemoryIdentityBackend(), nil)
	handler := NewPushHandler(PushHandlerOptions{
		Identity: identity,
		Acks:     NewAckHTTPClient(AckClientOptions{BaseURL: server.URL, HTTPClient: server.Client()}),
		Notifier: notifier,
		Extend:   syncExtend,
	})

	payload := `{"title":"Device Offline","body":"pos-terminal-003 stopped responding","message_id":"msg-42"}`
	if err := handler.HandlePush(context.Background(), []byte(payload)); err != nil {
		t.Fatalf("handle push failed: %v", err)
	}

	deviceID, err := identity.GetOrCreateDeviceID(context.Background())
	if err != nil {
		t.Fatalf("identity lookup failed: %v", err)
	}
	mu.Lock()
	body := capturedBody
	mu.Unlock()
	if body["message_id"] != "msg-42" {
		t.Fatalf("expected msg-42 acked, got %+v", body)
	}
	if body["device_id"] != deviceID {
		t.Fatalf("expected ack to carry the created device id %q, got %+v", deviceID, body)
	}
	if _, err := time.Parse(time.RFC3339, body["received_at"].(string)); err != nil {
		t.Fatalf("expected RFC3339 received_at, got %v", body["received_at"])
	}

	desc := notifier.last(t)
	if desc.Title != "Device Offline" || desc.Body != "pos-terminal-003 stopped responding" {
		t.Fatalf("unexpected displayed descriptor: %+v", desc)
	}
	if desc.Icon != DefaultIcon || desc.Badge != DefaultBadge || desc.Tag != DefaultTag {
		t.Fatalf("expected default icon/badge/tag, got %+v", desc)
	}
}

func TestHandlePushNoMessageIDSkipsAck(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := &recordingNotifier{}
	handler := newTestHandler(notifier, server.URL, server.Client())
	if err := handler.HandlePush(context.Background(), []byte(`{"title":"T"}`)); err != nil {
		t.Fatalf("handle push failed: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no ack without a message id, got %d calls", calls)
	}
}

func TestHandlePushStorageUnavailableDegradesAckToNoop(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := &recordingNotifier{}
	handler := NewPushHandler(PushHandlerOptions{
		Identity: NewDeviceIdentityStore(nil, nil),
		Acks:     NewAckHTTPClient(AckClientOptions{BaseURL: server.URL, HTTPClient: server.Client()}),
		Notifier: notifier,
		Extend:   syncExtend,
	})
	if err := handler.HandlePush(context.Background(), []byte(`{"message_id":"msg-1"}`)); err != nil {
		t.Fatalf("expected storage failure absorbed, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected ack skipped without identity, got %d calls", calls)
	}
	notifier.last(t)
}

func TestHandlePushDisplayFailureSurfaces(t *testing.T) {
	notifier := &recordingNotifier{err: fmt.Errorf("no display surface")}
	handler := newTestHandler(notifier, "", nil)
	if err := handler.HandlePush(context.Background(), []byte(`{"title":"T"}`)); err == nil {
		t.Fatalf("expected display failure to surface")
	}
}
