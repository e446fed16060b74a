// Package notification contains the domain model for the Matrix push
// gateway: the wire format accepted on /_matrix/push/v1/notify, its target
// devices, and the request-scoped context threaded through dispatch.
package notification

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Priority is the urgency hint a homeserver attaches to a notification.
// Anything that is not PrioLow behaves as PrioHigh.
type Priority string

const (
	PrioHigh Priority = "high"
	PrioLow  Priority = "low"
)

// Tweaks are per-device presentation hints.
type Tweaks struct {
	Sound string
}

// Device identifies one push target: which backend handles it (AppID) and
// the provider-issued routing secret (Pushkey). Pushkeys must never appear
// in logs.
type Device struct {
	AppID     string
	Pushkey   string
	PushkeyTS int64
	Data      map[string]any
	Tweaks    Tweaks
}

// DefaultPayload returns the device's data.default_payload object, or nil
// when absent. ok is false when the key is present but not a JSON object;
// backends treat that as a permanently rejected pushkey.
func (d *Device) DefaultPayload() (payload map[string]any, ok bool) {
	if d.Data == nil {
		return nil, true
	}
	raw, present := d.Data["default_payload"]
	if !present {
		return nil, true
	}
	m, isMap := raw.(map[string]any)
	if !isMap {
		return nil, false
	}
	return m, true
}

// Counts carries unread/missed-call badges. Pointers distinguish "absent"
// from an explicit zero.
type Counts struct {
	Unread      *int
	MissedCalls *int
}

// Notification is one inbound push event fanned out to every listed device.
// All fields other than Devices are optional on the wire.
type Notification struct {
	EventID           string
	RoomID            string
	Type              string
	Sender            string
	SenderDisplayName string
	RoomName          string
	RoomAlias         string
	Membership        string
	UserIsTarget      bool
	Prio              Priority
	Content           map[string]any
	Counts            Counts
	Devices           []Device
}

// Context carries request-scoped identifiers through the dispatch pipeline
// for log correlation and latency accounting.
type Context struct {
	RequestID string
	Start     time.Time
}

// ValidationError reports a request body that does not conform to the push
// gateway wire format. The api layer maps it to a 400 response whose body
// is the error text.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func invalidf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Typed accessors over the decoded JSON object. A present key of the wrong
// type is a validation error; an absent key yields the zero value.

func stringKey(raw map[string]any, key string) (string, error) {
	v, present := raw[key]
	if !present || v == nil {
		return "", nil
	}
	s, isString := v.(string)
	if !isString {
		return "", invalidf("%s is of invalid type", key)
	}
	return s, nil
}

func boolKey(raw map[string]any, key string) (bool, error) {
	v, present := raw[key]
	if !present || v == nil {
		return false, nil
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, invalidf("%s is of invalid type", key)
	}
	return b, nil
}

func mapKey(raw map[string]any, key string) (map[string]any, error) {
	v, present := raw[key]
	if !present || v == nil {
		return nil, nil
	}
	m, isMap := v.(map[string]any)
	if !isMap {
		return nil, invalidf("%s is of invalid type", key)
	}
	return m, nil
}

// intKey returns nil when the key is absent. JSON numbers decode as
// float64; a fractional value is invalid.
func intKey(raw map[string]any, key string) (*int, error) {
	v, present := raw[key]
	if !present || v == nil {
		return nil, nil
	}
	f, isNumber := v.(float64)
	if !isNumber || f != math.Trunc(f) {
		return nil, invalidf("%s is of invalid type", key)
	}
	n := int(f)
	return &n, nil
}

func parseDevice(raw map[string]any) (Device, error) {
	var d Device

	appID, present := raw["app_id"].(string)
	if !present {
		return d, invalidf("Device with missing or non-string app_id")
	}
	d.AppID = appID

	pushkey, present := raw["pushkey"].(string)
	if !present {
		return d, invalidf("Device with missing or non-string pushkey")
	}
	d.Pushkey = pushkey

	ts, err := intKey(raw, "pushkey_ts")
	if err != nil {
		return d, err
	}
	if ts != nil {
		d.PushkeyTS = int64(*ts)
	}

	if d.Data, err = mapKey(raw, "data"); err != nil {
		return d, err
	}

	tweaks, err := mapKey(raw, "tweaks")
	if err != nil {
		return d, err
	}
	if tweaks != nil {
		if d.Tweaks.Sound, err = stringKey(tweaks, "sound"); err != nil {
			return d, err
		}
	}
	return d, nil
}

func parseCounts(raw map[string]any) (Counts, error) {
	var c Counts
	var err error
	if c.Unread, err = intKey(raw, "unread"); err != nil {
		return c, err
	}
	if c.MissedCalls, err = intKey(raw, "missed_calls"); err != nil {
		return c, err
	}
	return c, nil
}

// parsePrio normalizes the priority hint. Homeservers send "high"/"low";
// older ones sent the numeric levels 5 (low) and 10 (high).
func parsePrio(raw map[string]any) Priority {
	switch v := raw["prio"].(type) {
	case string:
		if v == "low" || v == "5" {
			return PrioLow
		}
	case float64:
		if v == 5 {
			return PrioLow
		}
	}
	return PrioHigh
}

// Parse builds a Notification from the decoded "notification" JSON object.
func Parse(raw map[string]any) (*Notification, error) {
	n := &Notification{Prio: parsePrio(raw)}

	stringFields := []struct {
		key string
		dst *string
	}{
		{"event_id", &n.EventID},
		{"room_id", &n.RoomID},
		{"type", &n.Type},
		{"sender", &n.Sender},
		{"sender_display_name", &n.SenderDisplayName},
		{"room_name", &n.RoomName},
		{"room_alias", &n.RoomAlias},
		{"membership", &n.Membership},
	}
	for _, f := range stringFields {
		v, err := stringKey(raw, f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	var err error
	if n.UserIsTarget, err = boolKey(raw, "user_is_target"); err != nil {
		return nil, err
	}
	if n.Content, err = mapKey(raw, "content"); err != nil {
		return nil, err
	}

	if counts, err := mapKey(raw, "counts"); err != nil {
		return nil, err
	} else if counts != nil {
		if n.Counts, err = parseCounts(counts); err != nil {
			return nil, err
		}
	}

	devicesRaw, present := raw["devices"].([]any)
	if !present {
		return nil, invalidf("Expected list in 'devices' key")
	}
	n.Devices = make([]Device, 0, len(devicesRaw))
	for _, item := range devicesRaw {
		deviceRaw, isMap := item.(map[string]any)
		if !isMap {
			return nil, invalidf("Device is not an object")
		}
		d, err := parseDevice(deviceRaw)
		if err != nil {
			return nil, err
		}
		n.Devices = append(n.Devices, d)
	}
	return n, nil
}

// ParseRequest decodes the JSON body of a /_matrix/push/v1/notify request
// and extracts the notification object. Every failure is a *ValidationError
// whose text is the response body the caller should send.
func ParseRequest(body []byte) (*Notification, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, invalidf("Expected JSON request body")
	}
	envelope, isMap := decoded.(map[string]any)
	if !isMap {
		return nil, invalidf("Invalid notification: expecting object in 'notification' key")
	}
	rawNotif, isMap := envelope["notification"].(map[string]any)
	if !isMap {
		return nil, invalidf("Invalid notification: expecting object in 'notification' key")
	}
	return Parse(rawNotif)
}
