package assign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/tutorlinkhq/tutorlink/retry"
	"github.com/tutorlinkhq/tutorlink/store"
	"github.com/tutorlinkhq/tutorlink/store/memory"
)

// fakeDirectory returns canned trainers or an error.
type fakeDirectory struct {
	trainers []Trainer
	err      error
	calls    int
}

func (d *fakeDirectory) Search(context.Context, Filters) ([]Trainer, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.trainers, nil
}

// The test zone is centred on Bangalore with a 10 km service disc.
var testZone = store.Zone{
	ID:        "z1",
	CityID:    "blr",
	CenterLat: 12.9716,
	CenterLng: 77.5946,
	RadiusKM:  10,
	Active:    true,
}

func testRequest() Request {
	return Request{
		StudentID: "stu-1",
		CourseID:  "crs-1",
		Lat:       12.9716,
		Lng:       77.5946,
		Zone:      testZone,
		TimeSlot:  "16:00",
		StartDate: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
	}
}

// nearbyTrainer is active, certified and inside the zone.
func nearbyTrainer(id string, rating float64) Trainer {
	return Trainer{
		ID:          id,
		Active:      true,
		Courses:     []string{"crs-1"},
		Lat:         12.9720,
		Lng:         77.5950,
		HasLocation: true,
		Rating:      rating,
		AcceptMore:  true,
	}
}

func noRetry() retry.Config {
	return retry.Config{MaxAttempts: 1}
}

func TestCapForRating(t *testing.T) {
	cases := []struct {
		rating float64
		cap    int
	}{
		{5.0, 8}, {4.6, 8}, {4.5, 7}, {4.1, 7}, {4.0, 6}, {3.6, 6},
		{3.5, 5}, {3.1, 5}, {3.0, 4}, {2.1, 4}, {2.0, 3}, {0, 3},
	}
	for _, c := range cases {
		require.Equal(t, c.cap, CapForRating(c.rating), "rating %.1f", c.rating)
	}
}

func TestAssignPicksNearestTrainer(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	far := nearbyTrainer("t-far", 5.0)
	far.Lat, far.Lng = 13.02, 77.64 // ~7 km out, still in zone
	dir := &fakeDirectory{trainers: []Trainer{far, nearbyTrainer("t-near", 3.0)}}
	e := NewEngine(dir, st.Allocations(), st.Sessions(), noRetry())

	out, err := e.Assign(ctx, testRequest())
	require.NoError(t, err)
	require.Equal(t, Assigned, out.Result)
	require.Equal(t, "t-near", out.TrainerID)

	a, err := st.Allocations().Get(ctx, out.AllocationID)
	require.NoError(t, err)
	require.Equal(t, store.AllocationApproved, a.Status)
	require.Equal(t, "t-near", a.TrainerID)
}

func TestAssignFiltersHard(t *testing.T) {
	inactive := nearbyTrainer("t-inactive", 5.0)
	inactive.Active = false

	uncertified := nearbyTrainer("t-uncertified", 5.0)
	uncertified.Courses = []string{"other"}

	outOfZone := nearbyTrainer("t-outofzone", 5.0)
	outOfZone.Lat, outOfZone.Lng = 13.20, 77.80 // ~30 km away

	ctx := context.Background()
	st := memory.New()
	dir := &fakeDirectory{trainers: []Trainer{inactive, uncertified, outOfZone}}
	e := NewEngine(dir, st.Allocations(), st.Sessions(), noRetry())

	out, err := e.Assign(ctx, testRequest())
	require.NoError(t, err)
	require.Equal(t, Waitlisted, out.Result)
	require.Empty(t, out.TrainerID)
}

func TestAssignSkipsSlotConflict(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	req := testRequest()

	// t-busy already teaches at the requested slot on the start date.
	_, err := st.Sessions().Upsert(ctx, []store.Session{{
		ID: "s1", AllocationID: "other", TrainerID: "t-busy",
		ScheduledDate: req.StartDate, ScheduledTime: req.TimeSlot,
		Status: store.SessionScheduled, Number: 1,
	}})
	require.NoError(t, err)

	dir := &fakeDirectory{trainers: []Trainer{nearbyTrainer("t-busy", 5.0), nearbyTrainer("t-free", 3.0)}}
	e := NewEngine(dir, st.Allocations(), st.Sessions(), noRetry())

	out, err := e.Assign(ctx, req)
	require.NoError(t, err)
	require.Equal(t, Assigned, out.Result)
	require.Equal(t, "t-free", out.TrainerID)
}

func TestAssignRespectsLoadCap(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	// Rating 2.0 caps at 3; fill the trainer up.
	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, st.Allocations().Insert(ctx, store.Allocation{
			ID: id, StudentID: "other" + string(rune('a'+i)), CourseID: "crs-1",
			TrainerID: "t-full", Status: store.AllocationActive,
		}))
	}

	dir := &fakeDirectory{trainers: []Trainer{nearbyTrainer("t-full", 2.0)}}
	e := NewEngine(dir, st.Allocations(), st.Sessions(), noRetry())

	out, err := e.Assign(ctx, testRequest())
	require.NoError(t, err)
	require.Equal(t, Waitlisted, out.Result)
}

func TestAssignOptOutFreezesCap(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	// One existing allocation and opted out: cap freezes at 1, so load >= cap.
	require.NoError(t, st.Allocations().Insert(ctx, store.Allocation{
		ID: "a1", StudentID: "other", CourseID: "crs-1",
		TrainerID: "t-optout", Status: store.AllocationActive,
	}))
	optOut := nearbyTrainer("t-optout", 5.0)
	optOut.AcceptMore = false

	dir := &fakeDirectory{trainers: []Trainer{optOut}}
	e := NewEngine(dir, st.Allocations(), st.Sessions(), noRetry())

	out, err := e.Assign(ctx, testRequest())
	require.NoError(t, err)
	require.Equal(t, Waitlisted, out.Result)
}

func TestAssignFallsThroughOnCapacityRace(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	// t-first has cap 3 already holding 3: InsertCapped refuses, the engine
	// moves on to t-second. CountByTrainer ran before the fill in real
	// races; simulate by filling after ranking is deterministic anyway.
	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, st.Allocations().Insert(ctx, store.Allocation{
			ID: id, StudentID: "other" + string(rune('a'+i)), CourseID: "crs-1",
			TrainerID: "t-first", Status: store.AllocationActive,
		}))
	}

	first := nearbyTrainer("t-first", 2.0) // cap 3, at cap -> filtered by load already
	second := nearbyTrainer("t-second", 2.0)
	second.Lat, second.Lng = 13.00, 77.62 // further away, ranks second

	dir := &fakeDirectory{trainers: []Trainer{first, second}}
	e := NewEngine(dir, st.Allocations(), st.Sessions(), noRetry())

	out, err := e.Assign(ctx, testRequest())
	require.NoError(t, err)
	require.Equal(t, Assigned, out.Result)
	require.Equal(t, "t-second", out.TrainerID)
}

func TestAssignDirectoryDownWaitlists(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	dir := &fakeDirectory{err: errors.New("directory down")}
	e := NewEngine(dir, st.Allocations(), st.Sessions(), noRetry())

	out, err := e.Assign(ctx, testRequest())
	require.NoError(t, err)
	require.Equal(t, Waitlisted, out.Result)
	require.NotEmpty(t, out.AllocationID)

	a, err := st.Allocations().Get(ctx, out.AllocationID)
	require.NoError(t, err)
	require.Equal(t, store.AllocationWaitlisted, a.Status)
	require.Empty(t, a.TrainerID)
}

func TestAssignDirectoryRetries(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	dir := &fakeDirectory{err: errors.New("flaky")}
	cfg := retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 1}
	e := NewEngine(dir, st.Allocations(), st.Sessions(), cfg)

	_, err := e.Assign(ctx, testRequest())
	require.NoError(t, err) // waitlisted, not failed
	require.Equal(t, 3, dir.calls)
}

func TestAssignNoZoneWaitlistsImmediately(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	dir := &fakeDirectory{trainers: []Trainer{nearbyTrainer("t1", 5.0)}}
	e := NewEngine(dir, st.Allocations(), st.Sessions(), noRetry())

	req := testRequest()
	req.Zone = store.Zone{}
	out, err := e.Assign(ctx, req)
	require.NoError(t, err)
	require.Equal(t, Waitlisted, out.Result)
	require.Zero(t, dir.calls)
}

func TestAssignDuplicatePairReturnsExisting(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	dir := &fakeDirectory{trainers: []Trainer{nearbyTrainer("t1", 5.0)}}
	e := NewEngine(dir, st.Allocations(), st.Sessions(), noRetry())

	first, err := e.Assign(ctx, testRequest())
	require.NoError(t, err)
	require.Equal(t, Assigned, first.Result)

	second, err := e.Assign(ctx, testRequest())
	require.NoError(t, err)
	require.Equal(t, first.AllocationID, second.AllocationID)
	require.Equal(t, Assigned, second.Result)
}

func TestRankOrdering(t *testing.T) {
	cands := []Candidate{
		{Trainer: Trainer{ID: "d", Rating: 4.0}, Distance: 2, Load: 1},
		{Trainer: Trainer{ID: "a", Rating: 3.0}, Distance: 1, Load: 2},
		{Trainer: Trainer{ID: "b", Rating: 5.0}, Distance: 1, Load: 1},
		{Trainer: Trainer{ID: "c", Rating: 5.0}, Distance: 1, Load: 1},
	}
	Rank(cands)
	got := make([]string, len(cands))
	for i, c := range cands {
		got[i] = c.Trainer.ID
	}
	// distance asc, then load asc, then rating desc, then id.
	require.Equal(t, []string{"b", "c", "a", "d"}, got)
}

func TestRankProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	genCand := gopter.CombineGens(
		gen.Float64Range(0, 50),
		gen.IntRange(0, 8),
		gen.Float64Range(0, 5),
		gen.Identifier(),
	).Map(func(vals []interface{}) Candidate {
		return Candidate{
			Trainer:  Trainer{ID: vals[3].(string), Rating: vals[2].(float64)},
			Distance: vals[0].(float64),
			Load:     vals[1].(int),
		}
	})

	properties := gopter.NewProperties(parameters)
	properties.Property("ranking is a total preorder respected pairwise", prop.ForAll(
		func(cands []Candidate) bool {
			Rank(cands)
			for i := 1; i < len(cands); i++ {
				a, b := cands[i-1], cands[i]
				switch {
				case a.Distance != b.Distance:
					if a.Distance > b.Distance {
						return false
					}
				case a.Load != b.Load:
					if a.Load > b.Load {
						return false
					}
				case a.Trainer.Rating != b.Trainer.Rating:
					if a.Trainer.Rating < b.Trainer.Rating {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genCand),
	))
	properties.TestingRun(t)
}
