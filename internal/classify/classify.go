// Package classify categorizes a trimmed stdout frame from the engine child
// process as telemetry, a response, or malformed.
package classify

import (
	"bytes"
	"encoding/json"
)

// Kind is the classification of a frame.
type Kind int

const (
	// Empty frames are ignored entirely (no Kind value — see Classify's
	// second return value).
	Telemetry Kind = iota
	Response
	Malformed
)

// MetricPrefix is the literal prefix that marks a telemetry frame.
const MetricPrefix = "METRIC:"

// Result is the outcome of classifying one frame.
type Result struct {
	Kind Kind
	// Object is the parsed JSON object for Telemetry and Response frames.
	// Nil for Malformed.
	Object map[string]any
	// Raw is the original (trimmed) frame bytes, used for malformed-frame
	// logging with a bounded preview length.
	Raw []byte
}

// Classify applies the frame classification rules:
//  1. An empty frame (after trimming) is ignored — ok is false.
//  2. A frame beginning with "METRIC:" has its suffix parsed as a JSON
//     object; success yields Telemetry, failure yields Malformed.
//  3. Otherwise the whole frame is parsed as a JSON object; success yields
//     Response, failure yields Malformed.
func Classify(frame []byte) (res Result, ok bool) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return Result{}, false
	}

	if bytes.HasPrefix(trimmed, []byte(MetricPrefix)) {
		suffix := bytes.TrimSpace(trimmed[len(MetricPrefix):])
		obj, err := parseObject(suffix)
		if err != nil {
			return Result{Kind: Malformed, Raw: trimmed}, true
		}
		return Result{Kind: Telemetry, Object: obj, Raw: trimmed}, true
	}

	obj, err := parseObject(trimmed)
	if err != nil {
		return Result{Kind: Malformed, Raw: trimmed}, true
	}
	return Result{Kind: Response, Object: obj, Raw: trimmed}, true
}

// parseObject requires the JSON root to be an object (Go map), not an array,
// string, number, or scalar — matching the spec's "root type is a map"
// requirement for response/telemetry frames.
func parseObject(b []byte) (map[string]any, error) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	// A bare "null" decodes without error into a nil map.
	if obj == nil {
		return nil, errNotObject
	}
	// Reject trailing garbage after the object (e.g. "{}garbage").
	if dec.More() {
		return nil, errTrailingData
	}
	return obj, nil
}

var errTrailingData = trailingDataError{}

type trailingDataError struct{}

func (trailingDataError) Error() string { return "trailing data after JSON object" }

var errNotObject = notObjectError{}

type notObjectError struct{}

func (notObjectError) Error() string { return "JSON root is not an object" }

// SafePreview truncates raw bytes to a bounded length for safe logging.
func SafePreview(raw []byte, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 200
	}
	if len(raw) <= maxLen {
		return string(raw)
	}
	return string(raw[:maxLen]) + "...(truncated)"
}
