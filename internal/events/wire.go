package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEvent is the JSON envelope used when events cross a process boundary
// (e.g. a Pub/Sub subscription feeding the bus).
type wireEvent struct {
	Channel string          `json:"channel"`
	RunID   string          `json:"run_id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes an Event into its wire form.
func Marshal(evt Event) ([]byte, error) {
	w := wireEvent{
		Channel: string(evt.Channel),
		RunID:   evt.RunID,
		TS:      evt.TS,
	}
	if evt.Payload != nil {
		data, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", evt.Channel, err)
		}
		w.Payload = data
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal event envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a wire envelope into a typed Event. The payload is
// decoded according to the channel; unknown channels are an error so callers
// can drop them.
func Unmarshal(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	evt := Event{
		Channel: Channel(w.Channel),
		RunID:   w.RunID,
		TS:      w.TS,
	}
	payload, err := decodePayload(evt.Channel, w.Payload)
	if err != nil {
		return Event{}, err
	}
	evt.Payload = payload
	return evt, nil
}

func decodePayload(ch Channel, raw json.RawMessage) (any, error) {
	switch ch {
	case ChanPerfStarted:
		return nil, nil
	case ChanPerfProgress:
		var p PerfProgress
		return p, decodeInto(ch, raw, &p)
	case ChanPerfStageChanged:
		var p StageChanged
		return p, decodeInto(ch, raw, &p)
	case ChanPerfRequestCompleted:
		var p RequestCompleted
		return p, decodeInto(ch, raw, &p)
	case ChanPerfCompleted, ChanScenarioCompleted:
		var p RunCompleted
		return p, decodeInto(ch, raw, &p)
	case ChanScenarioStarted:
		var p ScenarioStarted
		return p, decodeInto(ch, raw, &p)
	case ChanStepStarted:
		var p StepStarted
		return p, decodeInto(ch, raw, &p)
	case ChanStepCompleted:
		var p StepCompleted
		return p, decodeInto(ch, raw, &p)
	default:
		return nil, fmt.Errorf("unknown channel %q", ch)
	}
}

func decodeInto(ch Channel, raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%s requires a payload", ch)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", ch, err)
	}
	return nil
}
