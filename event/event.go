// Package event defines the business events carried on the event log,
// their envelope, and the boundary validation applied when events cross
// process edges.
//
// Every message published to the log is a flat JSON object: an embedded
// envelope header (`_metadata`, `type`, `timestamp`, `userId`, `role`)
// plus the event-specific fields. The `_metadata.correlationId` carries
// the id of the step that caused the emission, so a whole causal chain
// shares one correlation id; the topic partition key is the event's own
// identity, so one entity's events serialise through one partition.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Version is the envelope schema version stamped on every event.
const Version = "1.0.0"

type (
	// Type identifies the kind of a business event.
	Type string

	// Role identifies the acting principal recorded on the envelope.
	Role string

	// Meta is the event envelope metadata. It travels under the
	// `_metadata` key of every message.
	Meta struct {
		// EventID uniquely identifies this emission.
		EventID string `json:"eventId"`
		// CorrelationID ties causally related events together: it is the
		// id of the step that caused this emission, propagated from the
		// consumed event down the chain.
		CorrelationID string `json:"correlationId"`
		// Timestamp is the emission time in milliseconds since epoch.
		Timestamp int64 `json:"timestamp"`
		// Source names the producing component.
		Source string `json:"source"`
		// Version is the envelope schema version.
		Version string `json:"version"`
	}

	// Header is embedded by every concrete event and carries the
	// envelope fields shared across event types.
	Header struct {
		Meta      Meta  `json:"_metadata"`
		Type      Type  `json:"type"`
		Timestamp int64 `json:"timestamp"`
		UserID    string `json:"userId,omitempty"`
		Role      Role   `json:"role,omitempty"`
	}

	// Event is implemented by all concrete event types.
	Event interface {
		// EventType returns the event kind.
		EventType() Type
		// PartitionKey returns the entity id used to key the destination
		// topic partition.
		PartitionKey() string
		// header exposes the embedded Header for stamping.
		header() *Header
	}
)

// Event types carried on the log.
const (
	TypePurchaseConfirmed Type = "PURCHASE_CONFIRMED"
	TypePurchaseCreated   Type = "PURCHASE_CREATED"
	TypeTrainerAllocated  Type = "TRAINER_ALLOCATED"
	TypeSessionsGenerated Type = "SESSIONS_GENERATED"
	TypeDeadLetter        Type = "DEAD_LETTER"
)

// Envelope roles.
const (
	RoleStudent Role = "student"
	RoleTrainer Role = "trainer"
	RoleAdmin   Role = "admin"
)

// Topics, one per event type, plus the dead-letter topic.
const (
	TopicPurchaseConfirmed = "purchase-confirmed"
	TopicPurchaseCreated   = "purchase-created"
	TopicTrainerAllocated  = "trainer-allocated"
	TopicSessionsGenerated = "sessions-generated"
	TopicDeadLetter        = "dead-letter-queue"
)

// Topic returns the topic an event type is published to. Unknown types map
// to the empty string.
func (t Type) Topic() string {
	switch t {
	case TypePurchaseConfirmed:
		return TopicPurchaseConfirmed
	case TypePurchaseCreated:
		return TopicPurchaseCreated
	case TypeTrainerAllocated:
		return TopicTrainerAllocated
	case TypeSessionsGenerated:
		return TopicSessionsGenerated
	case TypeDeadLetter:
		return TopicDeadLetter
	}
	return ""
}

// Topics lists every business topic plus the dead-letter topic, in the
// order they appear in the pipeline. Used by topic provisioning.
func Topics() []string {
	return []string{
		TopicPurchaseConfirmed,
		TopicPurchaseCreated,
		TopicTrainerAllocated,
		TopicSessionsGenerated,
		TopicDeadLetter,
	}
}

func (h *Header) header() *Header { return h }

// EventType returns the event kind recorded on the header.
func (h *Header) EventType() Type { return h.Type }

// Stamp fills the envelope metadata of ev: a fresh event id, the given
// correlation id and source, the current time, and the envelope version.
// It returns the generated event id.
func Stamp(ev Event, correlationID, source string) string {
	h := ev.header()
	now := time.Now().UnixMilli()
	h.Meta = Meta{
		EventID:       uuid.NewString(),
		CorrelationID: correlationID,
		Timestamp:     now,
		Source:        source,
		Version:       Version,
	}
	h.Type = ev.EventType()
	h.Timestamp = now
	return h.Meta.EventID
}

type (
	// PurchaseConfirmed is produced by the payment subsystem once a
	// payment settles. Partition key: payment id.
	PurchaseConfirmed struct {
		Header
		PaymentID   string   `json:"paymentId"`
		StudentID   string   `json:"studentId"`
		CourseID    string   `json:"courseId"`
		AmountCents int64    `json:"amountCents"`
		Metadata    Metadata `json:"metadata,omitempty"`
	}

	// PurchaseCreated is emitted by the purchase worker after the durable
	// purchase record exists. Partition key: purchase id.
	PurchaseCreated struct {
		Header
		PurchaseID   string   `json:"purchaseId"`
		StudentID    string   `json:"studentId"`
		CourseID     string   `json:"courseId"`
		PurchaseTier int      `json:"purchaseTier"`
		Metadata     Metadata `json:"metadata,omitempty"`
	}

	// TrainerAllocated is emitted by the allocation worker. TrainerID is
	// empty when the allocation was waitlisted; downstream consumers must
	// tolerate that and defer. Partition key: allocation id.
	TrainerAllocated struct {
		Header
		AllocationID string `json:"allocationId"`
		TrainerID    string `json:"trainerId"`
		StudentID    string `json:"studentId"`
		CourseID     string `json:"courseId"`
		SessionCount int    `json:"sessionCount"`
		StartDate    string `json:"startDate,omitempty"`
		EndDate      string `json:"endDate,omitempty"`
	}

	// SessionsGenerated is emitted by the session worker after new session
	// rows materialise. Partition key: allocation id.
	SessionsGenerated struct {
		Header
		AllocationID string   `json:"allocationId"`
		TrainerID    string   `json:"trainerId"`
		StudentID    string   `json:"studentId"`
		CourseID     string   `json:"courseId"`
		SessionCount int      `json:"sessionCount"`
		SessionIDs   []string `json:"sessionIds"`
		StartDate    string   `json:"startDate,omitempty"`
	}

	// DeadLetter wraps an event whose handling exhausted its retry policy,
	// together with enough context for operators to replay it.
	DeadLetter struct {
		Header
		OriginalEvent     []byte `json:"originalEvent"`
		OriginalType      Type   `json:"originalType"`
		OriginalTopic     string `json:"originalTopic"`
		OriginalPartition int32  `json:"originalPartition"`
		OriginalOffset    int64  `json:"originalOffset"`
		FailureReason     string `json:"failureReason"`
		FailureTimestamp  int64  `json:"failureTimestamp"`
		Attempts          int    `json:"attempts"`
		CorrelationID     string `json:"correlationId"`
		EventID           string `json:"eventId"`
	}
)

// EventType implementations pin each concrete type to its kind so a zero
// value still reports correctly before stamping.

func (PurchaseConfirmed) EventType() Type { return TypePurchaseConfirmed }
func (PurchaseCreated) EventType() Type   { return TypePurchaseCreated }
func (TrainerAllocated) EventType() Type  { return TypeTrainerAllocated }
func (SessionsGenerated) EventType() Type { return TypeSessionsGenerated }
func (DeadLetter) EventType() Type        { return TypeDeadLetter }

func (e PurchaseConfirmed) PartitionKey() string { return e.PaymentID }
func (e PurchaseCreated) PartitionKey() string   { return e.PurchaseID }
func (e TrainerAllocated) PartitionKey() string  { return e.AllocationID }
func (e SessionsGenerated) PartitionKey() string { return e.AllocationID }
func (d DeadLetter) PartitionKey() string        { return d.CorrelationID }
