package core

import (
	"container/heap"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PaymentRoute is one ranked path returned by the path finder, per
// spec §4.8.
type PaymentRoute struct {
	Hops               []EntityId
	PerHopFees         []int64
	AmountToSend       int64
	SuccessProbability float64
}

// DefaultAlpha is the success-probability decay constant used when a
// caller does not supply one: exp(-alpha*utilization).
const DefaultAlpha = 2.0

type edge struct {
	to       EntityId
	capacity int64
	feeBase  int64
	feePpm   int64
}

// buildGraph indexes every announced capacity entry for the requested
// token into an adjacency list keyed by the sending entity.
func buildGraph(profiles []Profile, token TokenId) map[EntityId][]edge {
	graph := make(map[EntityId][]edge)
	for _, p := range profiles {
		for _, c := range p.AccountCapacities {
			if c.Token != token {
				continue
			}
			graph[p.EntityId] = append(graph[p.EntityId], edge{
				to: c.Neighbor, capacity: c.Capacity, feeBase: c.FeeBase, feePpm: c.FeePpm,
			})
		}
	}
	return graph
}

// fee computes the fee a hop charges to forward amount, per spec §4.8:
// feeBase + amount*feePpm/1_000_000.
func fee(e edge, amount int64) int64 {
	return e.feeBase + amount*e.feePpm/1_000_000
}

type pqItem struct {
	node     EntityId
	required int64 // amount that must be forwarded out of this node toward dest
}

type priorityQueue []pqItem

func (q priorityQueue) Len() int            { return len(q) }
func (q priorityQueue) Less(i, j int) bool  { return q[i].required < q[j].required }
func (q priorityQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x interface{}) { *q = append(*q, x.(pqItem)) }
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// shortestByFee runs the backwards-from-destination modified Dijkstra of
// spec §4.8 over the reversed graph (reversed so traversal starts at dest
// and accumulates the amount-plus-fees a predecessor must forward), with
// excludeFirstHop letting callers compute alternative paths by forbidding
// a specific first hop out of source.
func shortestByFee(graph map[EntityId][]edge, source, dest EntityId, amount int64, excludeFirstHop EntityId) ([]EntityId, []int64, int64, bool) {
	reverse := make(map[EntityId][]struct {
		from EntityId
		e    edge
	})
	for from, edges := range graph {
		for _, e := range edges {
			reverse[e.to] = append(reverse[e.to], struct {
				from EntityId
				e    edge
			}{from, e})
		}
	}

	dist := map[EntityId]int64{dest: amount}
	prevHop := make(map[EntityId]EntityId)
	prevFee := make(map[EntityId]int64)
	visited := make(map[EntityId]bool)

	pq := &priorityQueue{{node: dest, required: amount}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true
		if cur.node == source {
			break
		}
		for _, inbound := range reverse[cur.node] {
			if excludeFirstHop != "" && inbound.from == source && cur.node == excludeFirstHop {
				continue
			}
			if inbound.e.capacity < cur.required {
				continue // pruned: insufficient residual capacity for this hop
			}
			hopFee := fee(inbound.e, cur.required)
			candidate := cur.required + hopFee
			existing, seen := dist[inbound.from]
			if !seen || candidate < existing {
				dist[inbound.from] = candidate
				prevHop[inbound.from] = cur.node
				prevFee[inbound.from] = hopFee
				heap.Push(pq, pqItem{node: inbound.from, required: candidate})
			}
		}
	}

	if !visited[source] {
		return nil, nil, 0, false
	}

	hops := []EntityId{source}
	fees := []int64{}
	node := source
	for node != dest {
		fees = append(fees, prevFee[node])
		node = prevHop[node]
		hops = append(hops, node)
	}
	return hops, fees, dist[source], true
}

func successProbability(graph map[EntityId][]edge, hops []EntityId, amounts []int64, alpha float64) float64 {
	prob := 1.0
	for i := 0; i+1 < len(hops); i++ {
		for _, e := range graph[hops[i]] {
			if e.to == hops[i+1] {
				util := float64(amounts[i]) / float64(e.capacity)
				prob *= math.Exp(-alpha * util)
				break
			}
		}
	}
	return prob
}

// amountsAlongPath reconstructs the forwarded amount at each hop (the
// destination amount plus downstream fees accumulated so far), for use
// in success-probability scoring.
func amountsAlongPath(dest int64, fees []int64) []int64 {
	out := make([]int64, len(fees)+1)
	out[len(out)-1] = dest
	running := dest
	for i := len(fees) - 1; i >= 0; i-- {
		running += fees[i]
		out[i] = running
	}
	return out
}

// FindRoutes returns up to topK ranked PaymentRoutes from source to dest
// for the given token and destination amount, per spec §4.8: backwards
// fee accumulation, capacity pruning, and a composite fee/success-
// probability ranking. Alternative routes are found by iteratively
// forbidding the best route's first hop — a simplified k-alternative
// search, not full k-shortest-paths, adequate for the topology sizes this
// core targets.
func FindRoutes(reg *Registry, source, dest EntityId, token TokenId, amount int64, alpha float64, topK int) ([]PaymentRoute, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("core: route amount must be positive, got %d", amount)
	}
	if topK <= 0 {
		topK = 1
	}
	graph := buildGraph(reg.All(), token)

	var routes []PaymentRoute
	excluded := EntityId("")
	for i := 0; i < topK; i++ {
		hops, fees, total, ok := shortestByFee(graph, source, dest, amount, excluded)
		if !ok {
			break
		}
		amounts := amountsAlongPath(amount, fees)
		routes = append(routes, PaymentRoute{
			Hops:               hops,
			PerHopFees:         fees,
			AmountToSend:       total,
			SuccessProbability: successProbability(graph, hops, amounts, alpha),
		})
		if len(hops) > 1 {
			excluded = hops[1]
		} else {
			break
		}
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("core: no feasible route from %s to %s", source, dest)
	}
	return routes, nil
}

// Router wraps a Registry with an LRU cache of recent route queries. The
// Router does not observe the Registry: the cache is cleared only when a
// caller invokes InvalidateAll. The cache is a pure
// performance addition per SPEC_FULL.md: a cache miss always falls back
// to a full Dijkstra search, never a correctness dependency.
type Router struct {
	registry *Registry
	cache    *lru.Cache[routeCacheKey, []PaymentRoute]
}

type routeCacheKey struct {
	source, dest EntityId
	token        TokenId
	amount       int64
}

// NewRouter builds a Router over reg with a bounded result cache of the
// given size.
func NewRouter(reg *Registry, cacheSize int) (*Router, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[routeCacheKey, []PaymentRoute](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("core: build route cache: %w", err)
	}
	return &Router{registry: reg, cache: cache}, nil
}

// Route returns cached routes if present, otherwise computes and caches
// them. Cached results stay in use until InvalidateAll is called.
func (r *Router) Route(source, dest EntityId, token TokenId, amount int64, topK int) ([]PaymentRoute, error) {
	key := routeCacheKey{source, dest, token, amount}
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}
	routes, err := FindRoutes(r.registry, source, dest, token, amount, DefaultAlpha, topK)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, routes)
	return routes, nil
}

// InvalidateAll drops every cached route result; callers invoke it after
// any profile update accepted by the underlying Registry.
func (r *Router) InvalidateAll() { r.cache.Purge() }
