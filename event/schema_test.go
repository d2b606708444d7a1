package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsStampedEvents(t *testing.T) {
	events := []Event{
		&PurchaseConfirmed{PaymentID: "pay-1", StudentID: "stu-1", CourseID: "course-1", AmountCents: 50000},
		&PurchaseCreated{PurchaseID: "pur-1", StudentID: "stu-1", CourseID: "course-1", PurchaseTier: 10},
		&TrainerAllocated{AllocationID: "alloc-1", TrainerID: "tr-1", StudentID: "stu-1", CourseID: "course-1", SessionCount: 10, StartDate: "2024-06-03", EndDate: "2024-06-14"},
		&SessionsGenerated{AllocationID: "alloc-1", TrainerID: "tr-1", StudentID: "stu-1", CourseID: "course-1", SessionCount: 7, SessionIDs: []string{"s-1"}},
		&DeadLetter{OriginalTopic: TopicPurchaseCreated, FailureReason: "boom", Attempts: 3},
	}
	for _, ev := range events {
		Stamp(ev, "corr-1", "test")
		raw, err := Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, Validate(raw), "type %s", ev.EventType())
	}
}

func TestValidateToleratesWaitlistedTrainer(t *testing.T) {
	ev := &TrainerAllocated{AllocationID: "alloc-1", StudentID: "stu-1", CourseID: "course-1", SessionCount: 10}
	Stamp(ev, "alloc-1", "test")
	raw, err := Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, Validate(raw))
}

func TestValidateToleratesNullOriginalEvent(t *testing.T) {
	// A dead letter built from an unreadable message has no original
	// payload; it marshals as JSON null, not a string.
	ev := &DeadLetter{OriginalTopic: TopicPurchaseCreated, FailureReason: "unreadable payload", Attempts: 1}
	Stamp(ev, "c-1", "test")
	raw, err := Marshal(ev)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"originalEvent":null`)
	require.NoError(t, Validate(raw))
}

func TestValidateRejectsMalformedPayloads(t *testing.T) {
	meta := `"_metadata":{"eventId":"e-1","correlationId":"c-1","timestamp":1717401600000,"source":"test","version":"1.0.0"}`
	cases := []struct {
		name string
		raw  string
	}{
		{"missing envelope metadata", `{"type":"PURCHASE_CONFIRMED","timestamp":1,"paymentId":"p","studentId":"s","courseId":"c","amountCents":1}`},
		{"missing payment id", `{` + meta + `,"type":"PURCHASE_CONFIRMED","timestamp":1,"studentId":"s","courseId":"c","amountCents":1}`},
		{"amount as string", `{` + meta + `,"type":"PURCHASE_CONFIRMED","timestamp":1,"paymentId":"p","studentId":"s","courseId":"c","amountCents":"1"}`},
		{"tier as float", `{` + meta + `,"type":"PURCHASE_CREATED","timestamp":1,"purchaseId":"p","studentId":"s","courseId":"c","purchaseTier":10.5}`},
		{"bad start date", `{` + meta + `,"type":"TRAINER_ALLOCATED","timestamp":1,"allocationId":"a","studentId":"s","courseId":"c","sessionCount":10,"startDate":"June 3rd"}`},
		{"unknown role", `{` + meta + `,"type":"PURCHASE_CREATED","timestamp":1,"role":"parent","purchaseId":"p","studentId":"s","courseId":"c","purchaseTier":10}`},
		{"unknown type", `{` + meta + `,"type":"PURCHASE_REFUNDED","timestamp":1}`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, Validate([]byte(tt.raw)))
		})
	}
}
