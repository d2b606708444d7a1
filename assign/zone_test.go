package assign

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tutorlinkhq/tutorlink/store"
	"github.com/tutorlinkhq/tutorlink/store/memory"
)

func TestHaversine(t *testing.T) {
	// Bangalore to Chennai, roughly 290 km.
	d := Haversine(12.9716, 77.5946, 13.0827, 80.2707)
	require.InDelta(t, 290, d, 10)

	// Same point is zero.
	require.Zero(t, Haversine(12.9716, 77.5946, 12.9716, 77.5946))

	// Symmetric.
	require.InDelta(t,
		Haversine(12.97, 77.59, 13.08, 80.27),
		Haversine(13.08, 80.27, 12.97, 77.59),
		1e-9)
}

func TestInZone(t *testing.T) {
	z := store.Zone{CenterLat: 12.9716, CenterLng: 77.5946, RadiusKM: 10}
	require.True(t, InZone(z, 12.9716, 77.5946))
	require.True(t, InZone(z, 13.02, 77.64))      // ~7 km
	require.False(t, InZone(z, 13.0827, 80.2707)) // Chennai
}

func TestCoveringZonesNearestFirst(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	require.NoError(t, st.Zones().Insert(ctx, store.Zone{
		ID: "z-near", CityID: "blr", CenterLat: 12.9716, CenterLng: 77.5946, RadiusKM: 10, Active: true,
	}))
	require.NoError(t, st.Zones().Insert(ctx, store.Zone{
		ID: "z-far", CityID: "blr", CenterLat: 13.02, CenterLng: 77.64, RadiusKM: 15, Active: true,
	}))
	require.NoError(t, st.Zones().Insert(ctx, store.Zone{
		ID: "z-inactive", CityID: "blr", CenterLat: 12.9716, CenterLng: 77.5946, RadiusKM: 10, Active: false,
	}))
	require.NoError(t, st.Zones().Insert(ctx, store.Zone{
		ID: "z-other-city", CityID: "del", CenterLat: 12.9716, CenterLng: 77.5946, RadiusKM: 10, Active: true,
	}))

	got, err := CoveringZones(ctx, st.Zones(), "blr", 12.9716, 77.5946)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "z-near", got[0].ID)
	require.Equal(t, "z-far", got[1].ID)
}

func TestCoveringZonesNoneCovers(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Zones().Insert(ctx, store.Zone{
		ID: "z1", CityID: "blr", CenterLat: 12.9716, CenterLng: 77.5946, RadiusKM: 5, Active: true,
	}))

	_, err := CoveringZones(ctx, st.Zones(), "blr", 13.0827, 80.2707)
	require.ErrorIs(t, err, ErrServiceNotAvailable)
}
