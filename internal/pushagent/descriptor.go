package pushagent

import (
	"encoding/json"
	"time"
)

const (
	DefaultTitle    = "HomePot"
	DefaultBody     = "You have a new notification."
	DefaultIcon     = "/icons/icon-192x192.png"
	DefaultBadge    = "/icons/badge-72x72.png"
	DefaultTag      = "homepot-notification"
	DefaultClickURL = "/dashboard"
)

// NotificationAction is a button the foreground window renders on a
// displayed notification. The "dismiss" action is recognized by the router.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationDescriptor is the normalized form of one inbound push. It is
// built fresh per push, fully populated, and never persisted.
type NotificationDescriptor struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon"`
	Badge              string               `json:"badge"`
	Image              string               `json:"image,omitempty"`
	Data               map[string]any       `json:"data,omitempty"`
	Tag                string               `json:"tag"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Actions            []NotificationAction `json:"actions"`
	Vibrate            []int                `json:"vibrate,omitempty"`
	Timestamp          time.Time            `json:"timestamp,omitempty"`
	TrackDismiss       bool                 `json:"trackDismiss,omitempty"`
	MessageID          string               `json:"messageId,omitempty"`
}

type pushPayload struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Message            string               `json:"message"`
	Icon               string               `json:"icon"`
	Badge              string               `json:"badge"`
	Image              string               `json:"image"`
	Data               json.RawMessage      `json:"data"`
	Tag                string               `json:"tag"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Actions            []NotificationAction `json:"actions"`
	MessageID          string               `json:"message_id"`
	TrackDismiss       bool                 `json:"track_dismiss"`
}

func defaultVibration() []int {
	return []int{200, 100, 200}
}

func defaultDescriptor() NotificationDescriptor {
	return NotificationDescriptor{
		Title:   DefaultTitle,
		Body:    DefaultBody,
		Icon:    DefaultIcon,
		Badge:   DefaultBadge,
		Tag:     DefaultTag,
		Actions: []NotificationAction{},
	}
}

// BuildDescriptor normalizes a raw push payload into a descriptor. An empty
// payload produces the default descriptor; a payload that does not parse as
// a JSON object produces the default descriptor with the raw text as body.
// It never fails.
func BuildDescriptor(payload []byte) NotificationDescriptor {
	desc := defaultDescriptor()
	if len(payload) == 0 {
		return desc
	}

	var parsed pushPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		desc.Body = string(payload)
		return desc
	}

	if parsed.Title != "" {
		desc.Title = parsed.Title
	}
	switch {
	case parsed.Body != "":
		desc.Body = parsed.Body
	case parsed.Message != "":
		desc.Body = parsed.Message
	}
	if parsed.Icon != "" {
		desc.Icon = parsed.Icon
	}
	if parsed.Badge != "" {
		desc.Badge = parsed.Badge
	}
	if parsed.Image != "" {
		desc.Image = parsed.Image
	}
	if parsed.Tag != "" {
		desc.Tag = parsed.Tag
	}
	desc.RequireInteraction = parsed.RequireInteraction
	if len(parsed.Actions) > 0 {
		desc.Actions = parsed.Actions
	}
	desc.MessageID = parsed.MessageID
	desc.TrackDismiss = parsed.TrackDismiss

	desc.Data = descriptorData(parsed.Data, payload)
	return desc
}

// descriptorData prefers the explicit data field and falls back to the whole
// payload, so click handlers always see what the backend sent.
func descriptorData(explicit json.RawMessage, payload []byte) map[string]any {
	if len(explicit) > 0 {
		var data map[string]any
		if err := json.Unmarshal(explicit, &data); err == nil {
			return data
		}
	}
	var whole map[string]any
	if err := json.Unmarshal(payload, &whole); err != nil {
		return nil
	}
	return whole
}
