package core

// host_selector.go implements HostSelector (spec §4.7): filtering, ranking
// strategies, round-robin load balancing, and success feedback over a
// HostDiscovery snapshot.
//
// Grounded on the teacher's core/amm.go edge-scoring idiom (price
// normalization across a candidate set) for the min-max composite score.

import (
	"sort"
	"sync"
)

// RankWeights are the composite-strategy weights (spec §4.7 rankHosts).
type RankWeights struct {
	Price       float64
	Latency     float64
	Reliability float64
}

// Ranked pairs a host with its composite score and per-metric breakdown.
type Ranked struct {
	Host      Host
	Score     float64
	Breakdown map[string]float64
}

// HostSelector filters and ranks a Host snapshot; HostDiscovery exclusively
// owns the Host cache, HostSelector only ever receives snapshots (spec §3
// Ownership).
type HostSelector struct {
	mu sync.Mutex

	// round-robin state
	lastSetKey string
	rrIndex    int

	successCount map[string]int
	failureCount map[string]int
}

// NewHostSelector returns a ready-to-use selector.
func NewHostSelector() *HostSelector {
	return &HostSelector{
		successCount: make(map[string]int),
		failureCount: make(map[string]int),
	}
}

// Requirements narrows a candidate set (spec §4.7 filterByRequirements).
type Requirements struct {
	Models       []string
	Capabilities []string
	MaxPrice     float64
	MaxLatencyMs float64
}

// FilterByRequirements returns hosts passing every present constraint. A
// host with missing data for a present constraint fails that constraint
// (spec §4.7).
func FilterByRequirements(hosts []Host, req Requirements) []Host {
	out := make([]Host, 0, len(hosts))
	for _, h := range hosts {
		if !passesModels(h, req.Models) {
			continue
		}
		if !passesCapabilities(h, req.Capabilities) {
			continue
		}
		if req.MaxPrice > 0 && h.PricePerTokenStable > req.MaxPrice {
			continue
		}
		if req.MaxLatencyMs > 0 {
			if h.LatencyMs == nil || *h.LatencyMs > req.MaxLatencyMs {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

func passesModels(h Host, models []string) bool {
	if len(models) == 0 {
		return true
	}
	for _, m := range models {
		if _, ok := h.Models[m]; !ok {
			return false
		}
	}
	return true
}

func passesCapabilities(h Host, caps []string) bool {
	if len(caps) == 0 {
		return true
	}
	for _, c := range caps {
		if _, ok := h.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

//---------------------------------------------------------------------
// Single-criterion strategies
//---------------------------------------------------------------------

// ByPrice sorts hosts ascending by PricePerTokenStable.
func ByPrice(hosts []Host) []Host {
	out := append([]Host(nil), hosts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PricePerTokenStable < out[j].PricePerTokenStable })
	return out
}

// ByLatency sorts ascending by LatencyMs, breaking ties by preferredRegion.
func ByLatency(hosts []Host, preferredRegion string) []Host {
	out := append([]Host(nil), hosts...)
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := latencyOrMax(out[i]), latencyOrMax(out[j])
		if li != lj {
			return li < lj
		}
		return out[i].Region == preferredRegion && out[j].Region != preferredRegion
	})
	return out
}

func latencyOrMax(h Host) float64 {
	if h.LatencyMs == nil {
		return 1e18
	}
	return *h.LatencyMs
}

// ByCapability ranks hosts that serve model and hold every required
// capability, ordering by count of preferred (bonus) capabilities held.
func ByCapability(hosts []Host, model string, required, preferred []string) []Host {
	candidates := FilterByRequirements(hosts, Requirements{Models: []string{model}, Capabilities: required})
	sort.SliceStable(candidates, func(i, j int) bool {
		return countHeld(candidates[i], preferred) > countHeld(candidates[j], preferred)
	})
	return candidates
}

func countHeld(h Host, caps []string) int {
	n := 0
	for _, c := range caps {
		if _, ok := h.Capabilities[c]; ok {
			n++
		}
	}
	return n
}

//---------------------------------------------------------------------
// Composite ranking
//---------------------------------------------------------------------

// RankHosts min-max normalizes each metric across the candidate set
// (lower-is-better metrics inverted), then linearly combines by weights.
// A missing metric contributes a neutral 0.5 (spec §4.7).
func (hs *HostSelector) RankHosts(hosts []Host, weights RankWeights) []Ranked {
	priceNorm := normalizeLowerBetter(hosts, func(h Host) (float64, bool) { return h.PricePerTokenStable, true })
	latencyNorm := normalizeLowerBetter(hosts, func(h Host) (float64, bool) {
		if h.LatencyMs == nil {
			return 0, false
		}
		return *h.LatencyMs, true
	})
	reliabilityNorm := normalizeHigherBetter(hosts, func(h Host) (float64, bool) {
		if h.ReliabilityScore == nil {
			return 0, false
		}
		return *h.ReliabilityScore, true
	})

	out := make([]Ranked, len(hosts))
	for i, h := range hosts {
		p := priceNorm[i]
		l := latencyNorm[i]
		r := reliabilityNorm[i]
		score := weights.Price*p + weights.Latency*l + weights.Reliability*r
		out[i] = Ranked{Host: h, Score: score, Breakdown: map[string]float64{
			"price": p, "latency": l, "reliability": r,
		}}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func normalizeLowerBetter(hosts []Host, get func(Host) (float64, bool)) []float64 {
	vals := make([]float64, len(hosts))
	present := make([]bool, len(hosts))
	min, max := 1e18, -1e18
	for i, h := range hosts {
		v, ok := get(h)
		vals[i], present[i] = v, ok
		if ok {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	out := make([]float64, len(hosts))
	for i := range hosts {
		if !present[i] {
			out[i] = 0.5
			continue
		}
		if max == min {
			out[i] = 1.0
			continue
		}
		out[i] = 1 - (vals[i]-min)/(max-min)
	}
	return out
}

func normalizeHigherBetter(hosts []Host, get func(Host) (float64, bool)) []float64 {
	vals := make([]float64, len(hosts))
	present := make([]bool, len(hosts))
	min, max := 1e18, -1e18
	for i, h := range hosts {
		v, ok := get(h)
		vals[i], present[i] = v, ok
		if ok {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	out := make([]float64, len(hosts))
	for i := range hosts {
		if !present[i] {
			out[i] = 0.5
			continue
		}
		if max == min {
			out[i] = 1.0
			continue
		}
		out[i] = (vals[i] - min) / (max - min)
	}
	return out
}

//---------------------------------------------------------------------
// Round robin
//---------------------------------------------------------------------

func hostSetKey(hosts []Host) string {
	ids := make([]string, len(hosts))
	for i, h := range hosts {
		ids[i] = h.ID
	}
	sort.Strings(ids)
	key := ""
	for _, id := range ids {
		key += id + "|"
	}
	return key
}

// LoadBalance returns the next host in round-robin order. History resets
// whenever the input set differs by id-set from the previous call (spec
// §4.7).
func (hs *HostSelector) LoadBalance(hosts []Host) (Host, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hosts) == 0 {
		return Host{}, false
	}
	key := hostSetKey(hosts)
	if key != hs.lastSetKey {
		hs.lastSetKey = key
		hs.rrIndex = 0
	}
	ordered := append([]Host(nil), hosts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	h := ordered[hs.rrIndex%len(ordered)]
	hs.rrIndex++
	return h, true
}

// RecordSuccess updates a session-local success count used only by the
// composite strategy's reliability weight.
func (hs *HostSelector) RecordSuccess(hostID string, ok bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if ok {
		hs.successCount[hostID]++
	} else {
		hs.failureCount[hostID]++
	}
}

// SuccessRate returns hostID's locally observed success rate, or (0.5,
// false) if no feedback has been recorded.
func (hs *HostSelector) SuccessRate(hostID string) (float64, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	s, f := hs.successCount[hostID], hs.failureCount[hostID]
	if s+f == 0 {
		return 0.5, false
	}
	return float64(s) / float64(s+f), true
}
