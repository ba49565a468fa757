package presence

import (
	"math"
	"math/rand"
	"sort"

	"github.com/firezone/firezone-sub012/internal/model"
)

const earthRadiusKm = 6371.0

// haversine returns the great-circle distance in kilometers.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// SelectRelays picks up to two relays from the pool, load-balanced by
// distance: relays are grouped by location, the two nearest groups win,
// and one member is drawn at random from each so colocated relays share
// load. With no usable location the pool is shuffled instead.
func SelectRelays(pool []*model.Relay, lat, lon float64, locationKnown bool) []*model.Relay {
	if len(pool) == 0 {
		return nil
	}

	if !locationKnown {
		shuffled := make([]*model.Relay, len(pool))
		copy(shuffled, pool)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		if len(shuffled) > 2 {
			shuffled = shuffled[:2]
		}
		return shuffled
	}

	type location struct{ lat, lon float64 }
	groups := make(map[location][]*model.Relay)
	var unlocated []*model.Relay
	for _, relay := range pool {
		if !relay.HasLocation {
			unlocated = append(unlocated, relay)
			continue
		}
		key := location{relay.Lat, relay.Lon}
		groups[key] = append(groups[key], relay)
	}
	if len(groups) == 0 {
		return SelectRelays(unlocated, 0, 0, false)
	}

	type ranked struct {
		distance float64
		members  []*model.Relay
	}
	rankedGroups := make([]ranked, 0, len(groups))
	for loc, members := range groups {
		rankedGroups = append(rankedGroups, ranked{
			distance: haversine(lat, lon, loc.lat, loc.lon),
			members:  members,
		})
	}
	sort.Slice(rankedGroups, func(i, j int) bool {
		return rankedGroups[i].distance < rankedGroups[j].distance
	})

	var out []*model.Relay
	for _, g := range rankedGroups {
		out = append(out, g.members[rand.Intn(len(g.members))])
		if len(out) == 2 {
			break
		}
	}
	return out
}
