package assign

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/tutorlinkhq/tutorlink/store"
)

const earthRadiusKM = 6371.0

// Haversine returns the great-circle distance in kilometres between two
// points given in degrees.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// InZone reports whether the point lies inside the zone's service disc.
func InZone(z store.Zone, lat, lng float64) bool {
	return Haversine(z.CenterLat, z.CenterLng, lat, lng) <= z.RadiusKM
}

// CoveringZones returns the active zones whose disc covers the point,
// nearest centre first, optionally scoped to a city. An empty result is
// reported as ErrServiceNotAvailable.
func CoveringZones(ctx context.Context, zones store.ZoneRepo, cityID string, lat, lng float64) ([]store.Zone, error) {
	all, err := zones.ListActive(ctx, cityID)
	if err != nil {
		return nil, fmt.Errorf("assign: list zones: %w", err)
	}
	type zd struct {
		zone store.Zone
		dist float64
	}
	var covering []zd
	for _, z := range all {
		d := Haversine(z.CenterLat, z.CenterLng, lat, lng)
		if d <= z.RadiusKM {
			covering = append(covering, zd{zone: z, dist: d})
		}
	}
	if len(covering) == 0 {
		return nil, ErrServiceNotAvailable
	}
	sort.Slice(covering, func(i, j int) bool {
		if covering[i].dist != covering[j].dist {
			return covering[i].dist < covering[j].dist
		}
		return covering[i].zone.ID < covering[j].zone.ID
	})
	out := make([]store.Zone, len(covering))
	for i, c := range covering {
		out[i] = c.zone
	}
	return out, nil
}
