package event

import (
	"encoding/json"
	"fmt"
)

// Marshal renders ev as its wire envelope. Events must be stamped before
// marshalling; an empty event id means the caller skipped Stamp.
func Marshal(ev Event) ([]byte, error) {
	if ev.header().Meta.EventID == "" {
		return nil, fmt.Errorf("marshal %s: event not stamped", ev.EventType())
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	return b, nil
}

// Decode parses a raw envelope into its concrete event. It probes the type
// discriminator first and then unmarshals the full payload, so the caller
// gets a typed event without knowing the kind up front. Decode is purely
// structural; boundary schema checks live in Validate.
func Decode(raw []byte) (Event, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var ev Event
	switch probe.Type {
	case TypePurchaseConfirmed:
		ev = &PurchaseConfirmed{}
	case TypePurchaseCreated:
		ev = &PurchaseCreated{}
	case TypeTrainerAllocated:
		ev = &TrainerAllocated{}
	case TypeSessionsGenerated:
		ev = &SessionsGenerated{}
	case TypeDeadLetter:
		ev = &DeadLetter{}
	case "":
		return nil, fmt.Errorf("decode envelope: missing type")
	default:
		return nil, fmt.Errorf("decode envelope: unknown event type %q", probe.Type)
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", probe.Type, err)
	}
	return ev, nil
}
