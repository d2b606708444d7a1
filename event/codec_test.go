package event

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tutorlinkhq/tutorlink/schedule"
)

func TestMarshalRejectsUnstampedEvents(t *testing.T) {
	_, err := Marshal(&PurchaseConfirmed{PaymentID: "pay-1"})
	require.ErrorContains(t, err, "not stamped")
}

func TestDecodeDispatchesOnType(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
	}{
		{"purchase confirmed", &PurchaseConfirmed{
			PaymentID:   "pay-1",
			StudentID:   "stu-1",
			CourseID:    "course-1",
			AmountCents: 99900,
			Metadata: Metadata{
				PurchaseTier: 30,
				TimeSlot:     "16:00",
				ClassType:    schedule.ClassOneOnOne,
				DeliveryMode: schedule.WeekdayDaily,
				StartDate:    "2024-06-03",
			},
		}},
		{"purchase created", &PurchaseCreated{
			PurchaseID:   "pur-1",
			StudentID:    "stu-1",
			CourseID:     "course-1",
			PurchaseTier: 20,
		}},
		{"trainer allocated", &TrainerAllocated{
			AllocationID: "alloc-1",
			TrainerID:    "tr-1",
			StudentID:    "stu-1",
			CourseID:     "course-1",
			SessionCount: 30,
			StartDate:    "2024-06-03",
			EndDate:      "2024-07-12",
		}},
		{"sessions generated", &SessionsGenerated{
			AllocationID: "alloc-1",
			TrainerID:    "tr-1",
			StudentID:    "stu-1",
			CourseID:     "course-1",
			SessionCount: 7,
			SessionIDs:   []string{"s-1", "s-2"},
			StartDate:    "2024-06-03",
		}},
		{"dead letter", &DeadLetter{
			OriginalEvent: []byte(`{"type":"PURCHASE_CREATED"}`),
			OriginalType:  TypePurchaseCreated,
			OriginalTopic: TopicPurchaseCreated,
			FailureReason: "course not found",
			Attempts:      3,
			CorrelationID: "pur-1",
		}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			Stamp(tt.ev, tt.ev.PartitionKey(), "test")
			raw, err := Marshal(tt.ev)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			require.Equal(t, tt.ev.EventType(), got.EventType())
			require.Equal(t, tt.ev, got)
		})
	}
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", `{"type":`, "decode envelope"},
		{"missing type", `{"paymentId":"pay-1"}`, "missing type"},
		{"unknown type", `{"type":"PURCHASE_REFUNDED"}`, "unknown event type"},
		{"payload shape mismatch", `{"type":"PURCHASE_CREATED","purchaseTier":"a lot"}`, "decode PURCHASE_CREATED"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestMetadataRoundTripKeepsExtraKeys(t *testing.T) {
	ev := &PurchaseCreated{
		PurchaseID:   "pur-1",
		StudentID:    "stu-1",
		CourseID:     "course-1",
		PurchaseTier: 10,
		Metadata: Metadata{
			PurchaseTier: 10,
			TimeSlot:     "4:00 PM",
			ClassType:    schedule.ClassHybrid,
			DeliveryMode: schedule.SundayOnly,
			StartDate:    "2024-06-02",
			CityID:       "city-7",
			Extra: map[string]any{
				"campaign": "summer",
				"students": float64(2),
			},
		},
	}
	Stamp(ev, "pur-1", "test")
	raw, err := Marshal(ev)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	created, ok := got.(*PurchaseCreated)
	require.True(t, ok)
	require.Equal(t, ev.Metadata, created.Metadata)
}

func TestMetadataCoercesStringTier(t *testing.T) {
	var m Metadata
	require.NoError(t, m.UnmarshalJSON([]byte(`{"purchaseTier":"30","timeSlot":"16:00"}`)))
	require.Equal(t, 30, m.PurchaseTier)
	require.Equal(t, "16:00", m.TimeSlot)
}

func TestMetadataRejectsWrongShapes(t *testing.T) {
	var m Metadata
	require.Error(t, m.UnmarshalJSON([]byte(`{"purchaseTier":{"n":30}}`)))
	require.Error(t, m.UnmarshalJSON([]byte(`{"timeSlot":1600}`)))
}
