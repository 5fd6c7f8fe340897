package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an event payload for the event log and the outbound bus.
func Encode(evt Event) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return payload, nil
}

// Decode rebuilds a typed event from a stored payload.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeVoteCast:
		evt = &VoteCast{}
	case EventTypePrizesReleased:
		evt = &PrizesReleased{}
	case EventTypeWithdrawal:
		evt = &Withdrawal{}
	case EventTypeParamsUpdated:
		evt = &ParamsUpdated{}
	case EventTypePauseChanged:
		evt = &PauseChanged{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
