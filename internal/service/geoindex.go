package service

import (
	"sort"
	"sync"

	"github.com/visiblelabs/visible/internal/geo"
)

// shardKey partitions the index by category so radius queries only touch
// providers that can serve the request.
type shardKey struct {
	main string
	sub  string
}

type geoEntry struct {
	userID string
	lat    float64
	lng    float64
}

// NearbyProvider is one radius-query hit, ordered by ascending distance.
type NearbyProvider struct {
	UserID     string  `json:"user_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	DistanceKm float64 `json:"distance_km"`
}

// GeoIndex answers "which active providers serve (main, sub) within radius R
// of point P" from memory. Results are snapshots; concurrent toggles may win
// or lose the race, the durable record is the database.
//
// Shards use a plain linear scan, which holds up well past 10⁴ providers per
// category pair.
type GeoIndex struct {
	mu     sync.RWMutex
	shards map[shardKey]map[string]geoEntry
	// byUser tracks each provider's current shard so a category change
	// removes the stale entry.
	byUser map[string]shardKey
}

func NewGeoIndex() *GeoIndex {
	return &GeoIndex{
		shards: make(map[shardKey]map[string]geoEntry),
		byUser: make(map[string]shardKey),
	}
}

// Upsert places a provider in its category shard, migrating it out of a
// previous shard when the categories changed.
func (g *GeoIndex) Upsert(userID string, lat, lng float64, main, sub string) {
	key := shardKey{main: main, sub: sub}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.byUser[userID]; ok && prev != key {
		g.removeLocked(userID, prev)
	}

	shard, ok := g.shards[key]
	if !ok {
		shard = make(map[string]geoEntry)
		g.shards[key] = shard
	}
	shard[userID] = geoEntry{userID: userID, lat: lat, lng: lng}
	g.byUser[userID] = key
}

// Remove drops a provider from the index. Unknown providers are a no-op.
func (g *GeoIndex) Remove(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if key, ok := g.byUser[userID]; ok {
		g.removeLocked(userID, key)
	}
}

func (g *GeoIndex) removeLocked(userID string, key shardKey) {
	if shard, ok := g.shards[key]; ok {
		delete(shard, userID)
		if len(shard) == 0 {
			delete(g.shards, key)
		}
	}
	delete(g.byUser, userID)
}

// Nearby returns every provider of (main, sub) within radiusKm of the point,
// ordered by ascending distance. Providers exactly at the radius are
// included. Ties break on ascending user id.
func (g *GeoIndex) Nearby(lat, lng, radiusKm float64, main, sub string) []NearbyProvider {
	g.mu.RLock()
	shard := g.shards[shardKey{main: main, sub: sub}]
	entries := make([]geoEntry, 0, len(shard))
	for _, e := range shard {
		entries = append(entries, e)
	}
	g.mu.RUnlock()

	result := make([]NearbyProvider, 0, len(entries))
	for _, e := range entries {
		// Compare on the rounded value so a provider reported at exactly
		// radius_km is included.
		d := geo.RoundKm(geo.DistanceKm(lat, lng, e.lat, e.lng))
		if d <= radiusKm {
			result = append(result, NearbyProvider{
				UserID:     e.userID,
				Latitude:   e.lat,
				Longitude:  e.lng,
				DistanceKm: d,
			})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].DistanceKm != result[j].DistanceKm {
			return result[i].DistanceKm < result[j].DistanceKm
		}
		return result[i].UserID < result[j].UserID
	})

	return result
}

// Location returns the provider's indexed position, if it is active.
func (g *GeoIndex) Location(userID string) (lat, lng float64, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	key, ok := g.byUser[userID]
	if !ok {
		return 0, 0, false
	}
	e := g.shards[key][userID]
	return e.lat, e.lng, true
}
