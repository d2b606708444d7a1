package event

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tutorlinkhq/tutorlink/schedule"
)

// Metadata is the free-form metadata object carried by purchase events and
// persisted on purchases and allocations. Producers attach arbitrary keys;
// the pipeline only interprets the typed core below and round-trips
// everything else untouched through Extra.
type Metadata struct {
	// PurchaseTier is the number of sessions bought (10, 20 or 30).
	// Zero means absent.
	PurchaseTier int
	// TimeSlot is the preferred wall-clock slot, e.g. "16:00" or "4:00 PM".
	TimeSlot string
	// ClassType selects the session plan shape.
	ClassType schedule.ClassType
	// DeliveryMode selects the session calendar.
	DeliveryMode schedule.DeliveryMode
	// StartDate is the first session date in ISO form (2006-01-02).
	StartDate string
	// CityID scopes zone resolution when the student record has none.
	CityID string
	// Extra holds every key the pipeline does not interpret.
	Extra map[string]any
}

// Metadata JSON keys interpreted by the pipeline.
const (
	keyPurchaseTier = "purchaseTier"
	keyTimeSlot     = "timeSlot"
	keyClassType    = "classType"
	keyDeliveryMode = "deliveryMode"
	keyStartDate    = "startDate"
	keyCityID       = "cityId"
)

// MarshalJSON flattens the typed core and Extra into a single object.
// Typed zero values are omitted so absent stays absent on the wire.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.PurchaseTier != 0 {
		out[keyPurchaseTier] = m.PurchaseTier
	}
	if m.TimeSlot != "" {
		out[keyTimeSlot] = m.TimeSlot
	}
	if m.ClassType != "" {
		out[keyClassType] = string(m.ClassType)
	}
	if m.DeliveryMode != "" {
		out[keyDeliveryMode] = string(m.DeliveryMode)
	}
	if m.StartDate != "" {
		out[keyStartDate] = m.StartDate
	}
	if m.CityID != "" {
		out[keyCityID] = m.CityID
	}
	return json.Marshal(out)
}

// UnmarshalJSON pulls the typed core out of the object and keeps the rest
// in Extra. Tier values arriving as JSON strings are coerced; any other
// shape for a typed key is an error so malformed producers fail loudly at
// the boundary instead of deep inside a worker.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		switch k {
		case keyPurchaseTier:
			tier, err := asInt(v)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", keyPurchaseTier, err)
			}
			m.PurchaseTier = tier
		case keyTimeSlot:
			s, err := asString(v)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", keyTimeSlot, err)
			}
			m.TimeSlot = s
		case keyClassType:
			s, err := asString(v)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", keyClassType, err)
			}
			m.ClassType = schedule.ClassType(s)
		case keyDeliveryMode:
			s, err := asString(v)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", keyDeliveryMode, err)
			}
			m.DeliveryMode = schedule.DeliveryMode(s)
		case keyStartDate:
			s, err := asString(v)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", keyStartDate, err)
			}
			m.StartDate = s
		case keyCityID:
			s, err := asString(v)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", keyCityID, err)
			}
			m.CityID = s
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = v
		}
	}
	return nil
}

// IsZero reports whether no key, typed or extra, is set.
func (m Metadata) IsZero() bool {
	return m.PurchaseTier == 0 && m.TimeSlot == "" && m.ClassType == "" &&
		m.DeliveryMode == "" && m.StartDate == "" && m.CityID == "" && len(m.Extra) == 0
}

func asInt(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}
