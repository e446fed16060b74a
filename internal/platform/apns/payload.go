package apns

import (
	"strings"
	"unicode/utf8"

	"github.com/tinywideclouds/go-push-gateway/pkg/notification"
)

const (
	// MaxFieldLength caps each user-supplied display string so one field
	// cannot eat the whole payload budget.
	MaxFieldLength = 1024
	// MaxJSONBodySize is the encoded payload budget enforced by Truncate
	// before every send.
	MaxJSONBodySize = 4096
)

// truncateField cuts s down to MaxFieldLength bytes on a rune boundary.
func truncateField(s string) string {
	if len(s) <= MaxFieldLength {
		return s
	}
	cut := MaxFieldLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func cloneJSONValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneJSONMap(v)
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cloneJSONValue(v[i])
		}
		return out
	default:
		return v
	}
}

// cloneJSONMap deep-copies a decoded JSON object so payload construction and
// truncation never write into the caller's device data.
func cloneJSONMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneJSONValue(v)
	}
	return dst
}

// eventIDOnlyPayload builds the fallback body used when the homeserver sent
// only an event reference (event_id present, type absent): the device's
// default_payload plus the event coordinates and unread counters.
func eventIDOnlyPayload(n *notification.Notification, defaultPayload map[string]any) map[string]any {
	payload := cloneJSONMap(defaultPayload)

	if n.RoomID != "" {
		payload["room_id"] = n.RoomID
	}
	if n.EventID != "" {
		payload["event_id"] = n.EventID
	}
	if n.Counts.Unread != nil {
		payload["unread_count"] = *n.Counts.Unread
	}
	if n.Counts.MissedCalls != nil {
		payload["missed_calls"] = *n.Counts.MissedCalls
	}
	return payload
}

// localizedAlert picks the client-side localization key and its arguments
// for the event. An empty key means the event carries no alert text.
func localizedAlert(n *notification.Notification) (locKey string, locArgs []any) {
	fromDisplay := " "
	if n.SenderDisplayName != "" {
		fromDisplay = n.SenderDisplayName
	} else if n.Sender != "" {
		fromDisplay = n.Sender
	}
	fromDisplay = truncateField(fromDisplay)

	roomDisplay := n.RoomName
	if roomDisplay == "" {
		roomDisplay = n.RoomAlias
	}
	roomDisplay = truncateField(roomDisplay)

	switch n.Type {
	case "m.room.message", "m.room.encrypted":
		var contentDisplay, actionDisplay string
		isImage := false
		if msgtype, ok := n.Content["msgtype"].(string); ok {
			if body, ok := n.Content["body"].(string); ok {
				switch msgtype {
				case "m.text":
					contentDisplay = body
				case "m.emote":
					actionDisplay = body
				default:
					// The body of an m.room.message is always meant to be
					// user-visible text, so fall back to showing it.
					contentDisplay = body
				}
			}
			isImage = msgtype == "m.image"
		}
		contentDisplay = truncateField(contentDisplay)
		actionDisplay = truncateField(actionDisplay)

		if roomDisplay != "" {
			switch {
			case isImage:
				return "IMAGE_FROM_USER_IN_ROOM", []any{fromDisplay, contentDisplay, roomDisplay}
			case contentDisplay != "":
				return "MSG_FROM_USER_IN_ROOM_WITH_CONTENT", []any{fromDisplay, roomDisplay, contentDisplay}
			case actionDisplay != "":
				return "ACTION_FROM_USER_IN_ROOM", []any{roomDisplay, fromDisplay, actionDisplay}
			default:
				return "MSG_FROM_USER_IN_ROOM", []any{fromDisplay, roomDisplay}
			}
		}
		switch {
		case isImage:
			return "IMAGE_FROM_USER", []any{fromDisplay, contentDisplay}
		case contentDisplay != "":
			return "MSG_FROM_USER_WITH_CONTENT", []any{fromDisplay, contentDisplay}
		case actionDisplay != "":
			return "ACTION_FROM_USER", []any{fromDisplay, actionDisplay}
		default:
			return "MSG_FROM_USER", []any{fromDisplay}
		}

	case "m.call.invite":
		// Video call detection only works for homeservers that signal
		// calls over WebRTC.
		if offer, ok := n.Content["offer"].(map[string]any); ok {
			if sdp, ok := offer["sdp"].(string); ok && strings.Contains(sdp, "m=video") {
				return "VIDEO_CALL_FROM_USER", []any{fromDisplay}
			}
		}
		return "VOICE_CALL_FROM_USER", []any{fromDisplay}

	case "m.room.member":
		if !n.UserIsTarget || n.Membership != "invite" {
			return "", nil
		}
		if roomDisplay != "" {
			return "USER_INVITE_TO_NAMED_ROOM", []any{fromDisplay, roomDisplay}
		}
		return "USER_INVITE_TO_CHAT", []any{fromDisplay}

	case "":
		return "", nil

	default:
		// An event type we know nothing about, but it was important enough
		// for a push to reach us.
		return "MSG_FROM_USER", []any{fromDisplay}
	}
}

// fullPayload builds the regular notification body: a localized alert under
// aps, the badge count, and the event coordinates as siblings. The device's
// default_payload is merged underneath whenever there is an alert. Returns
// nil when the event produces neither alert nor badge.
func fullPayload(n *notification.Notification, defaultPayload map[string]any) map[string]any {
	locKey, locArgs := localizedAlert(n)

	var badge *int
	if n.Counts.Unread != nil {
		b := *n.Counts.Unread
		badge = &b
	}
	if n.Counts.MissedCalls != nil {
		if badge == nil {
			badge = new(int)
		}
		*badge += *n.Counts.MissedCalls
	}

	if locKey == "" && badge == nil {
		return nil
	}

	payload := map[string]any{}
	if locKey != "" {
		payload = cloneJSONMap(defaultPayload)
	}
	aps, ok := payload["aps"].(map[string]any)
	if !ok {
		aps = map[string]any{}
		payload["aps"] = aps
	}

	if locKey != "" {
		alert := map[string]any{"loc-key": locKey}
		if len(locArgs) > 0 {
			alert["loc-args"] = locArgs
		}
		aps["alert"] = alert

		if n.RoomID != "" {
			payload["room_id"] = n.RoomID
		}
		if n.EventID != "" {
			payload["event_id"] = n.EventID
		}
	}
	if badge != nil {
		aps["badge"] = *badge
	}
	return payload
}
