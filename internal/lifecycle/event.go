package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chemist-sh/chemist/internal/chemerr"
	"github.com/chemist-sh/chemist/internal/model"
)

// wireEvent mirrors the §6 cloud event message JSON shape. Unknown fields
// are ignored by encoding/json by default; required-field validation
// happens in parseEvent.
type wireEvent struct {
	Kind       string `json:"kind"`
	ASGName    string `json:"asgName"`
	InstanceID string `json:"instanceId"`
	Time       string `json:"time"`
}

// CloudEvent is a decoded, validated lifecycle message.
type CloudEvent struct {
	Kind       model.EventKind
	ASG        string
	InstanceID string
	Timestamp  time.Time
}

// parseEvent decodes and validates a raw cloud event message body.
// Non-parseable or incomplete messages produce ErrMessageParseError; the
// caller (Interpreter.Run) deletes the message regardless, per §4.4's
// poison-pill avoidance.
func parseEvent(raw []byte) (CloudEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return CloudEvent{}, fmt.Errorf("%w: %v", chemerr.ErrMessageParseError, err)
	}
	if w.InstanceID == "" {
		return CloudEvent{}, fmt.Errorf("%w: missing instanceId", chemerr.ErrMessageParseError)
	}
	var kind model.EventKind
	switch w.Kind {
	case string(model.Launch):
		kind = model.Launch
	case string(model.Terminate):
		kind = model.Terminate
	default:
		return CloudEvent{}, fmt.Errorf("%w: unrecognized kind %q", chemerr.ErrMessageParseError, w.Kind)
	}

	ts := time.Now()
	if w.Time != "" {
		parsed, err := time.Parse(time.RFC3339, w.Time)
		if err != nil {
			return CloudEvent{}, fmt.Errorf("%w: bad timestamp %q", chemerr.ErrMessageParseError, w.Time)
		}
		ts = parsed
	}

	return CloudEvent{Kind: kind, ASG: w.ASGName, InstanceID: w.InstanceID, Timestamp: ts}, nil
}
