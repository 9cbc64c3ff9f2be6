// Package patch applies out-of-band telemetry events (power readings and
// switch states) directly onto rendered scene elements.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates telemetry events.
type Kind string

const (
	KindMeasurement Kind = "measurement"
	KindState       Kind = "state"
)

// TriState is the state carried by a switch event.
type TriState int8

const (
	StateUnknown TriState = iota
	StateClosed
	StateOpen
)

func (s TriState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Bool returns the open flag, or nil when the state is unknown.
func (s TriState) Bool() *bool {
	switch s {
	case StateOpen:
		open := true
		return &open
	case StateClosed:
		open := false
		return &open
	default:
		return nil
	}
}

// Event is one telemetry update addressed to a scene element id.
type Event struct {
	Kind  Kind
	ID    string
	Value float64
	State TriState
}

// Measurement builds a measurement event.
func Measurement(id string, value float64) Event {
	return Event{Kind: KindMeasurement, ID: id, Value: value}
}

// State builds a switch state event.
func State(id string, state TriState) Event {
	return Event{Kind: KindState, ID: id, State: state}
}

// ErrInvalidEvent reports a payload that does not describe a telemetry event.
var ErrInvalidEvent = errors.New("invalid telemetry event")

type wireEvent struct {
	Kind  string          `json:"kind"`
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// UnmarshalJSON decodes {"kind":"measurement","id":..,"value":<number>} and
// {"kind":"state","id":..,"value":true|false|null}. A true state value means
// open.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw wireEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	value := bytes.TrimSpace(raw.Value)
	switch Kind(raw.Kind) {
	case KindMeasurement:
		var v float64
		if len(value) == 0 {
			return fmt.Errorf("%w: measurement %s without value", ErrInvalidEvent, raw.ID)
		}
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("%w: measurement %s: %v", ErrInvalidEvent, raw.ID, err)
		}
		*e = Measurement(raw.ID, v)
	case KindState:
		state, err := decodeState(value)
		if err != nil {
			return fmt.Errorf("%w: state %s: %v", ErrInvalidEvent, raw.ID, err)
		}
		*e = State(raw.ID, state)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, raw.Kind)
	}
	return nil
}

func decodeState(value []byte) (TriState, error) {
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return StateUnknown, nil
	}
	var open bool
	if err := json.Unmarshal(value, &open); err == nil {
		if open {
			return StateOpen, nil
		}
		return StateClosed, nil
	}
	var text string
	if err := json.Unmarshal(value, &text); err != nil {
		return StateUnknown, err
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "open":
		return StateOpen, nil
	case "closed", "close":
		return StateClosed, nil
	case "", "unknown":
		return StateUnknown, nil
	default:
		return StateUnknown, fmt.Errorf("unsupported state %q", text)
	}
}

// MarshalJSON renders the wire form accepted by UnmarshalJSON.
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind  Kind   `json:"kind"`
		ID    string `json:"id"`
		Value any    `json:"value"`
	}{Kind: e.Kind, ID: e.ID}
	if e.Kind == KindState {
		out.Value = e.State.Bool()
	} else {
		out.Value = e.Value
	}
	return json.Marshal(out)
}

// DecodeEvents decodes a payload holding one event object or an array of
// events.
func DecodeEvents(payload []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidEvent)
	}
	if trimmed[0] == '[' {
		var events []Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var ev Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}
