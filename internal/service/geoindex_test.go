package service

import "testing"

func TestNearbyOrderedByDistance(t *testing.T) {
	idx := NewGeoIndex()
	idx.Upsert("p-far", 11.3000, 75.9000, "MS0001", "SS0001")
	idx.Upsert("p-near", 11.2590, 75.8580, "MS0001", "SS0001")

	got := idx.Nearby(11.2588, 75.8577, 5, "MS0001", "SS0001")
	if len(got) != 1 {
		t.Fatalf("expected 1 provider inside 5 km, got %d", len(got))
	}
	if got[0].UserID != "p-near" {
		t.Errorf("got %q", got[0].UserID)
	}
	if got[0].DistanceKm != 0.04 {
		t.Errorf("expected distance 0.04, got %v", got[0].DistanceKm)
	}
}

func TestNearbyBoundaryInclusive(t *testing.T) {
	idx := NewGeoIndex()
	// ~1 degree of latitude is ~111.19 km; probe with a radius equal to the
	// rounded distance to confirm <= comparison.
	idx.Upsert("p1", 1.0, 0.0, "MS0001", "SS0001")

	d := idx.Nearby(0, 0, 200, "MS0001", "SS0001")
	if len(d) != 1 {
		t.Fatalf("expected provider, got none")
	}

	at := idx.Nearby(0, 0, d[0].DistanceKm, "MS0001", "SS0001")
	if len(at) != 1 {
		t.Errorf("provider exactly at radius must be included")
	}
}

func TestNearbyTieBreaksOnUserID(t *testing.T) {
	idx := NewGeoIndex()
	idx.Upsert("p-b", 11.2590, 75.8580, "MS0001", "SS0001")
	idx.Upsert("p-a", 11.2590, 75.8580, "MS0001", "SS0001")

	got := idx.Nearby(11.2588, 75.8577, 5, "MS0001", "SS0001")
	if len(got) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(got))
	}
	if got[0].UserID != "p-a" || got[1].UserID != "p-b" {
		t.Errorf("tie not broken by user id: %q, %q", got[0].UserID, got[1].UserID)
	}
}

func TestNearbyScopedToShard(t *testing.T) {
	idx := NewGeoIndex()
	idx.Upsert("p1", 11.2590, 75.8580, "MS0001", "SS0001")
	idx.Upsert("p2", 11.2590, 75.8580, "MS0001", "SS0002")

	got := idx.Nearby(11.2588, 75.8577, 5, "MS0001", "SS0001")
	if len(got) != 1 || got[0].UserID != "p1" {
		t.Errorf("expected only p1, got %v", got)
	}
}

func TestUpsertMigratesShards(t *testing.T) {
	idx := NewGeoIndex()
	idx.Upsert("p1", 11.2590, 75.8580, "MS0001", "SS0001")
	idx.Upsert("p1", 11.2590, 75.8580, "MS0002", "SS0009")

	if got := idx.Nearby(11.2588, 75.8577, 5, "MS0001", "SS0001"); len(got) != 0 {
		t.Errorf("expected provider gone from old shard, got %v", got)
	}
	if got := idx.Nearby(11.2588, 75.8577, 5, "MS0002", "SS0009"); len(got) != 1 {
		t.Errorf("expected provider in new shard, got %v", got)
	}
}

func TestRemove(t *testing.T) {
	idx := NewGeoIndex()
	idx.Upsert("p1", 11.2590, 75.8580, "MS0001", "SS0001")
	idx.Remove("p1")

	if got := idx.Nearby(11.2588, 75.8577, 5, "MS0001", "SS0001"); len(got) != 0 {
		t.Errorf("expected empty, got %v", got)
	}
	if _, _, ok := idx.Location("p1"); ok {
		t.Error("expected location gone")
	}
}
