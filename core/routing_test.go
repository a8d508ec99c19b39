package core

import "testing"

func TestFindRoutesDirectPath(t *testing.T) {
	reg := NewRegistry()
	reg.Announce(Profile{
		EntityId: "alice", Timestamp: 1,
		AccountCapacities: []CapacityEntry{
			{Neighbor: "bob", Token: "USD", Capacity: 1000, FeeBase: 1, FeePpm: 1000},
		},
	})
	routes, err := FindRoutes(reg, "alice", "bob", "USD", 100, DefaultAlpha, 1)
	if err != nil {
		t.Fatalf("FindRoutes: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("want 1 route got %d", len(routes))
	}
	r := routes[0]
	if len(r.Hops) != 2 || r.Hops[0] != "alice" || r.Hops[1] != "bob" {
		t.Fatalf("unexpected hops: %v", r.Hops)
	}
	wantFee := int64(1) + 100*1000/1_000_000
	if r.PerHopFees[0] != wantFee {
		t.Fatalf("fee mismatch: want %d got %d", wantFee, r.PerHopFees[0])
	}
	if r.AmountToSend != 100+wantFee {
		t.Fatalf("amountToSend mismatch: got %d", r.AmountToSend)
	}
}

func TestFindRoutesMultiHopThroughHub(t *testing.T) {
	reg := NewRegistry()
	reg.Announce(Profile{
		EntityId: "alice", Timestamp: 1,
		AccountCapacities: []CapacityEntry{{Neighbor: "hub", Token: "USD", Capacity: 1000, FeeBase: 0, FeePpm: 0}},
	})
	reg.Announce(Profile{
		EntityId: "hub", Timestamp: 1,
		AccountCapacities: []CapacityEntry{{Neighbor: "bob", Token: "USD", Capacity: 1000, FeeBase: 2, FeePpm: 0}},
	})
	routes, err := FindRoutes(reg, "alice", "bob", "USD", 100, DefaultAlpha, 1)
	if err != nil {
		t.Fatalf("FindRoutes: %v", err)
	}
	r := routes[0]
	if len(r.Hops) != 3 || r.Hops[1] != "hub" {
		t.Fatalf("expected route through hub, got %v", r.Hops)
	}
	if r.AmountToSend != 102 {
		t.Fatalf("want amountToSend 102 got %d", r.AmountToSend)
	}
}

func TestFindRoutesPrunesInsufficientCapacity(t *testing.T) {
	reg := NewRegistry()
	reg.Announce(Profile{
		EntityId: "alice", Timestamp: 1,
		AccountCapacities: []CapacityEntry{{Neighbor: "bob", Token: "USD", Capacity: 10, FeeBase: 0, FeePpm: 0}},
	})
	if _, err := FindRoutes(reg, "alice", "bob", "USD", 100, DefaultAlpha, 1); err == nil {
		t.Fatalf("expected no feasible route when capacity is insufficient")
	}
}

func TestRouterCachesResults(t *testing.T) {
	reg := NewRegistry()
	reg.Announce(Profile{
		EntityId: "alice", Timestamp: 1,
		AccountCapacities: []CapacityEntry{{Neighbor: "bob", Token: "USD", Capacity: 1000, FeeBase: 1, FeePpm: 0}},
	})
	router, err := NewRouter(reg, 16)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	first, err := router.Route("alice", "bob", "USD", 50, 1)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if router.cache.Len() != 1 {
		t.Fatalf("expected the first route query to be cached, cache has %d entries", router.cache.Len())
	}
	second, err := router.Route("alice", "bob", "USD", 50, 1)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("cached result shape mismatch")
	}
}
