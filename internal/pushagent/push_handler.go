package pushagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Notifier displays a fully populated descriptor. Display is the last step
// of push handling and the only one allowed to fail it.
type Notifier interface {
	Show(ctx context.Context, desc NotificationDescriptor) error
}

type PushHandlerOptions struct {
	Identity *DeviceIdentityStore
	Acks     *AckHTTPClient
	Notifier Notifier
	Extend   func(name string, fn func(ctx context.Context))
	Logger   *zap.Logger
	Now      func() time.Time
}

// PushHandler turns inbound push payloads into displayed notifications and
// best-effort delivery acks. Parsing and ack failures degrade silently;
// only a display failure surfaces.
type PushHandler struct {
	identity *DeviceIdentityStore
	acks     *AckHTTPClient
	notifier Notifier
	extend   func(name string, fn func(ctx context.Context))
	log      *zap.Logger
	now      func() time.Time
}

func NewPushHandler(opts PushHandlerOptions) *PushHandler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	extend := opts.Extend
	if extend == nil {
		extend = func(name string, fn func(ctx context.Context)) { fn(context.Background()) }
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PushHandler{
		identity: opts.Identity,
		acks:     opts.Acks,
		notifier: opts.Notifier,
		extend:   extend,
		log:      log.Named("push"),
		now:      now,
	}
}

// HandlePush processes one push event. The ack, when the payload carries a
// message id, is dispatched as extended background work and is unordered
// relative to the display; neither depends on the other succeeding.
func (h *PushHandler) HandlePush(ctx context.Context, payload []byte) error {
	if h == nil {
		return fmt.Errorf("push handler is nil")
	}
	if len(payload) > 0 && json.Valid(payload) {
		if err := ValidatePushPayload(payload); err != nil {
			h.log.Warn("push payload failed schema validation", zap.Error(err))
		}
	}

	desc := BuildDescriptor(payload)
	desc.Vibrate = defaultVibration()
	desc.Timestamp = h.now().UTC()

	if desc.MessageID != "" {
		messageID := desc.MessageID
		h.extend("push-ack:"+messageID, func(ctx context.Context) {
			h.acknowledge(ctx, messageID)
		})
	}

	if h.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	if err := h.notifier.Show(ctx, desc); err != nil {
		return fmt.Errorf("notification display: %w", err)
	}
	return nil
}

// acknowledge posts the delivery receipt. Missing identity storage degrades
// to a no-op; an ack failure is logged once and never retried.
func (h *PushHandler) acknowledge(ctx context.Context, messageID string) {
	if h.acks == nil {
		return
	}
	deviceID, err := h.identity.GetOrCreateDeviceID(ctx)
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			h.log.Warn("device identity unavailable, skipping ack", zap.String("message_id", messageID))
			return
		}
		h.log.Warn("device identity lookup failed", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	if err := h.acks.Acknowledge(ctx, messageID, deviceID); err != nil {
		h.log.Warn("push ack failed", zap.String("message_id", messageID), zap.Error(err))
	}
}
