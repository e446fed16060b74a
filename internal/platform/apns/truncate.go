package apns

import (
	"bytes"
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// ErrBodyTooLong is returned when an APNs payload exceeds the maximum
// encoded size and none of its fields can be shortened any further.
var ErrBodyTooLong = errors.New("apns: payload too large and cannot be truncated")

// encodePayload renders the payload the way it will go over the wire:
// compact JSON without HTML escaping, so byte counts match what APNs sees.
func encodePayload(payload map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// A choppable identifies one of the payload fields that is safe to shorten:
// the alert string itself, the alert body, or a single localisation argument.
type choppable struct {
	field string
	index int
}

func choppablesFor(aps map[string]any) []choppable {
	switch alert := aps["alert"].(type) {
	case string:
		return []choppable{{field: "alert"}}
	case map[string]any:
		var out []choppable
		if _, ok := alert["body"].(string); ok {
			out = append(out, choppable{field: "alert.body"})
		}
		if args, ok := alert["loc-args"].([]any); ok {
			for i := range args {
				if _, ok := args[i].(string); ok {
					out = append(out, choppable{field: "alert.loc-args", index: i})
				}
			}
		}
		return out
	default:
		return nil
	}
}

func (c choppable) get(aps map[string]any) string {
	switch c.field {
	case "alert":
		s, _ := aps["alert"].(string)
		return s
	case "alert.body":
		alert, _ := aps["alert"].(map[string]any)
		s, _ := alert["body"].(string)
		return s
	case "alert.loc-args":
		alert, _ := aps["alert"].(map[string]any)
		args, _ := alert["loc-args"].([]any)
		s, _ := args[c.index].(string)
		return s
	}
	return ""
}

func (c choppable) put(aps map[string]any, val string) {
	switch c.field {
	case "alert":
		aps["alert"] = val
	case "alert.body":
		alert, _ := aps["alert"].(map[string]any)
		alert["body"] = val
	case "alert.loc-args":
		alert, _ := aps["alert"].(map[string]any)
		args, _ := alert["loc-args"].([]any)
		args[c.index] = val
	}
}

// longestChoppable picks the candidate with the most UTF-8 bytes left.
// Ties go to the earlier field so repeated chopping alternates stably.
func longestChoppable(aps map[string]any) (choppable, bool) {
	var longest choppable
	length := 0
	for _, c := range choppablesFor(aps) {
		if n := len(c.get(aps)); n > length {
			longest = c
			length = n
		}
	}
	return longest, length > 0
}

// Truncate shortens the safe-to-chop alert fields of an APNs payload, one
// whole character at a time from whichever is longest, until the JSON
// encoding fits in maxLength bytes. The payload is modified in place.
// ErrBodyTooLong is reported when nothing chopable remains and the payload
// still does not fit.
func Truncate(payload map[string]any, maxLength int) error {
	aps, _ := payload["aps"].(map[string]any)
	for {
		encoded, err := encodePayload(payload)
		if err != nil {
			return err
		}
		if len(encoded) <= maxLength {
			return nil
		}
		c, ok := longestChoppable(aps)
		if !ok {
			return ErrBodyTooLong
		}
		txt := c.get(aps)
		_, size := utf8.DecodeLastRuneInString(txt)
		c.put(aps, txt[:len(txt)-size])
	}
}
