package core

// host_discovery.go implements HostDiscovery (spec §4.6): multi-source
// discovery (local multicast, DHT, HTTP registry, bootstrap), dedup/merge,
// TTL cache, blacklist, preferred peers, reputation and connection metrics.
//
// Grounded on the teacher's core/network.go goroutine-per-source style and
// core/peer_management.go reputation bookkeeping; the LRU+TTL cache follows
// github.com/hashicorp/golang-lru/v2, already an indirect dependency of the
// teacher's libp2p stack and promoted here to a direct one.

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logrus "github.com/sirupsen/logrus"
)

// HostFilter narrows a discovery query (spec §4.6 discoverAll(filter?)).
type HostFilter struct {
	Models       []string
	Capabilities []string
	MaxPrice     float64
	MaxLatencyMs float64
}

// HostSource is the interface each concrete discovery channel
// implements (localMulticast, dht, httpRegistry, bootstrap).
type HostSource interface {
	Name() DiscoverySource
	Discover(ctx context.Context, filter *HostFilter) ([]DiscoveryObservation, error)
}

// SourceStats tracks per-source discovery outcomes for HostDiscovery.Statistics.
type SourceStats struct {
	Attempts  int
	Successes int
	Failures  int
	AvgTimeMs float64
}

// ConnectionBucket is the qualitative latency/loss bucket reported by
// ConnectionMetrics.
type ConnectionBucket string

const (
	BucketExcellent ConnectionBucket = "excellent"
	BucketGood      ConnectionBucket = "good"
	BucketFair      ConnectionBucket = "fair"
	BucketPoor      ConnectionBucket = "poor"
)

// ConnectionMetrics is an EWMA-smoothed latency/loss view of one host.
type ConnectionMetrics struct {
	EWMALatencyMs float64
	PacketLoss    float64
	Bucket        ConnectionBucket
}

type blacklistEntry struct {
	reason    string
	expiresAt time.Time // zero means never
}

type cacheEntry struct {
	hosts     []Host
	cachedAt  time.Time
}

// staleLatencyThreshold drops an observation's latency if it is older than
// this (spec §4.6 merge rules).
const staleLatencyThreshold = 2 * time.Minute

// HostDiscovery owns the merged Host cache and all discovery bookkeeping.
type HostDiscovery struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	sources  []HostSource
	enabled  map[DiscoverySource]bool
	priority []DiscoverySource

	cacheTTL time.Duration
	cache    *lru.Cache[string, cacheEntry]
	hits     int
	misses   int

	blacklist map[string]blacklistEntry
	preferred map[string]int // hostID -> priority, higher wins ties

	stats map[DiscoverySource]*SourceStats

	reputation map[string]float64
	connMetric map[string]ConnectionMetrics

	totalSelections int
}

// NewHostDiscovery wires a HostDiscovery over the given sources, in the
// order supplied (first = highest priority).
func NewHostDiscovery(sources []HostSource, logger *logrus.Logger) *HostDiscovery {
	if logger == nil {
		logger = logrus.New()
	}
	cache, _ := lru.New[string, cacheEntry](256)
	hd := &HostDiscovery{
		logger:     logger,
		sources:    sources,
		enabled:    make(map[DiscoverySource]bool),
		cacheTTL:   30 * time.Second,
		cache:      cache,
		blacklist:  make(map[string]blacklistEntry),
		preferred:  make(map[string]int),
		stats:      make(map[DiscoverySource]*SourceStats),
		reputation: make(map[string]float64),
		connMetric: make(map[string]ConnectionMetrics),
	}
	for _, s := range sources {
		hd.enabled[s.Name()] = true
		hd.priority = append(hd.priority, s.Name())
		hd.stats[s.Name()] = &SourceStats{}
	}
	return hd
}

// SetPriority reorders the source priority chain used for fallback and
// tie-breaking.
func (hd *HostDiscovery) SetPriority(order []DiscoverySource) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	hd.priority = append([]DiscoverySource(nil), order...)
}

// EnableSource toggles whether a source participates in discoverAll.
func (hd *HostDiscovery) EnableSource(source DiscoverySource, on bool) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	hd.enabled[source] = on
}

// SetCacheTTL changes how long merged results remain valid.
func (hd *HostDiscovery) SetCacheTTL(ttl time.Duration) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	hd.cacheTTL = ttl
}

const discoveryCacheKey = "merged"

// DiscoverAll queries all enabled sources in priority order, merges and
// dedups the results, applies filter, and caches the merged set under TTL.
// A per-source failure never aborts the whole discovery (spec §4.6).
func (hd *HostDiscovery) DiscoverAll(ctx context.Context, filter *HostFilter, forceRefresh bool) ([]Host, error) {
	hd.mu.Lock()
	ttl := hd.cacheTTL
	if !forceRefresh {
		if ent, ok := hd.cache.Get(discoveryCacheKey); ok && time.Since(ent.cachedAt) < ttl {
			hd.hits++
			hosts := applyFilter(ent.hosts, filter)
			hd.mu.Unlock()
			return hosts, nil
		}
	}
	hd.misses++
	sources := append([]HostSource(nil), hd.sources...)
	priority := append([]DiscoverySource(nil), hd.priority...)
	enabled := make(map[DiscoverySource]bool, len(hd.enabled))
	for k, v := range hd.enabled {
		enabled[k] = v
	}
	hd.mu.Unlock()

	ordered := orderSources(sources, priority)

	merged := make(map[string]Host)
	observedAt := make(map[string]time.Time)
	observedSource := make(map[string]DiscoverySource)

	var anySucceeded bool
	for _, src := range ordered {
		if !enabled[src.Name()] {
			continue
		}
		start := time.Now()
		hd.recordAttempt(src.Name())

		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		obs, err := src.Discover(sctx, filter)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			hd.recordFailure(src.Name(), elapsed)
			hd.logger.Warnf("host discovery: source %s failed: %v", src.Name(), err)
			continue
		}
		hd.recordSuccess(src.Name(), elapsed)
		anySucceeded = true

		for _, o := range obs {
			mergeObservation(merged, observedAt, observedSource, o, priority)
		}
	}

	hosts := make([]Host, 0, len(merged))
	for id, h := range merged {
		if hd.isBlacklisted(id) {
			continue
		}
		if h.LatencyMs != nil && time.Since(observedAt[id]) > staleLatencyThreshold {
			h.LatencyMs = nil
		}
		hosts = append(hosts, h)
	}
	sortPreferredFirst(hosts, hd.preferredSnapshot())

	hd.mu.Lock()
	if anySucceeded || len(hosts) > 0 {
		hd.cache.Add(discoveryCacheKey, cacheEntry{hosts: hosts, cachedAt: time.Now()})
	}
	var cached []Host
	if ent, ok := hd.cache.Get(discoveryCacheKey); ok {
		cached = ent.hosts
	}
	hd.mu.Unlock()

	if !anySucceeded {
		// Fallback chain exhausted: return cached data if any, else empty.
		if cached != nil {
			return applyFilter(cached, filter), nil
		}
		return nil, nil
	}
	return applyFilter(hosts, filter), nil
}

func orderSources(sources []HostSource, priority []DiscoverySource) []HostSource {
	rank := make(map[DiscoverySource]int, len(priority))
	for i, s := range priority {
		rank[s] = i
	}
	ordered := append([]HostSource(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, oki := rank[ordered[i].Name()]
		rj, okj := rank[ordered[j].Name()]
		if !oki {
			ri = len(priority)
		}
		if !okj {
			rj = len(priority)
		}
		return ri < rj
	})
	return ordered
}

// mergeObservation applies the spec's newer-wins, priority-tiebreak merge
// rule, field by field is approximated at the whole-Host granularity here
// since Host fields are set atomically per observation by each source.
func mergeObservation(merged map[string]Host, observedAt map[string]time.Time, observedSource map[string]DiscoverySource, o DiscoveryObservation, priority []DiscoverySource) {
	existingAt, seen := observedAt[o.HostID]
	if !seen {
		merged[o.HostID] = o.Host.Clone()
		observedAt[o.HostID] = o.ObservedAt
		observedSource[o.HostID] = o.Source
		return
	}
	if o.ObservedAt.After(existingAt) {
		merged[o.HostID] = o.Host.Clone()
		observedAt[o.HostID] = o.ObservedAt
		observedSource[o.HostID] = o.Source
		return
	}
	if o.ObservedAt.Equal(existingAt) {
		rank := func(s DiscoverySource) int {
			for i, p := range priority {
				if p == s {
					return i
				}
			}
			return len(priority)
		}
		if rank(o.Source) < rank(observedSource[o.HostID]) {
			merged[o.HostID] = o.Host.Clone()
			observedSource[o.HostID] = o.Source
		}
	}
}

func applyFilter(hosts []Host, filter *HostFilter) []Host {
	// DiscoverAll returns at most one Host per id (spec §8 invariant); this
	// dedup is already guaranteed by the merge map, filter only narrows.
	if filter == nil {
		return hosts
	}
	out := make([]Host, 0, len(hosts))
	for _, h := range hosts {
		if len(filter.Models) > 0 {
			ok := false
			for _, m := range filter.Models {
				if _, has := h.Models[m]; has {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		if filter.MaxPrice > 0 && h.PricePerTokenStable > filter.MaxPrice {
			continue
		}
		if filter.MaxLatencyMs > 0 {
			if h.LatencyMs == nil || *h.LatencyMs > filter.MaxLatencyMs {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

func (hd *HostDiscovery) preferredSnapshot() map[string]int {
	hd.mu.RLock()
	defer hd.mu.RUnlock()
	out := make(map[string]int, len(hd.preferred))
	for k, v := range hd.preferred {
		out[k] = v
	}
	return out
}

func sortPreferredFirst(hosts []Host, preferred map[string]int) {
	sort.SliceStable(hosts, func(i, j int) bool {
		return preferred[hosts[i].ID] > preferred[hosts[j].ID]
	})
}

//---------------------------------------------------------------------
// Statistics
//---------------------------------------------------------------------

// DiscoveryStatistics is the aggregate view returned by Statistics.
type DiscoveryStatistics struct {
	PerSource       map[DiscoverySource]SourceStats
	CacheHitRate    float64
	TotalSelections int
}

func (hd *HostDiscovery) recordAttempt(s DiscoverySource) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	hd.stats[s].Attempts++
}

func (hd *HostDiscovery) recordSuccess(s DiscoverySource, elapsed time.Duration) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	st := hd.stats[s]
	st.Successes++
	st.AvgTimeMs = runningAvg(st.AvgTimeMs, st.Successes+st.Failures, float64(elapsed.Milliseconds()))
}

func (hd *HostDiscovery) recordFailure(s DiscoverySource, elapsed time.Duration) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	st := hd.stats[s]
	st.Failures++
	st.AvgTimeMs = runningAvg(st.AvgTimeMs, st.Successes+st.Failures, float64(elapsed.Milliseconds()))
}

func runningAvg(prevAvg float64, n int, sample float64) float64 {
	if n <= 1 {
		return sample
	}
	return prevAvg + (sample-prevAvg)/float64(n)
}

// Statistics returns a snapshot of per-source outcomes and cache behavior.
func (hd *HostDiscovery) Statistics() DiscoveryStatistics {
	hd.mu.RLock()
	defer hd.mu.RUnlock()
	out := DiscoveryStatistics{PerSource: make(map[DiscoverySource]SourceStats, len(hd.stats)), TotalSelections: hd.totalSelections}
	for k, v := range hd.stats {
		out.PerSource[k] = *v
	}
	total := hd.hits + hd.misses
	if total > 0 {
		out.CacheHitRate = float64(hd.hits) / float64(total)
	}
	return out
}

//---------------------------------------------------------------------
// Blacklist / preferred peers / reputation
//---------------------------------------------------------------------

// Blacklist excludes hostID from future DiscoverAll results for ttl (0 = forever).
func (hd *HostDiscovery) Blacklist(hostID, reason string, ttl time.Duration) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	hd.blacklist[hostID] = blacklistEntry{reason: reason, expiresAt: exp}
}

func (hd *HostDiscovery) isBlacklisted(hostID string) bool {
	hd.mu.RLock()
	ent, ok := hd.blacklist[hostID]
	hd.mu.RUnlock()
	if !ok {
		return false
	}
	if !ent.expiresAt.IsZero() && time.Now().After(ent.expiresAt) {
		hd.mu.Lock()
		delete(hd.blacklist, hostID)
		hd.mu.Unlock()
		return false
	}
	return true
}

// AddPreferredPeer surfaces hostID first on priority ties.
func (hd *HostDiscovery) AddPreferredPeer(hostID string, priority int) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	hd.preferred[hostID] = priority
}

// ReportHost records a caller-observed issue against a host; repeated
// reports feed the same reputation bookkeeping as UpdateReputation.
func (hd *HostDiscovery) ReportHost(hostID, issue string) {
	hd.logger.Warnf("host discovery: report against %s: %s", hostID, issue)
	hd.UpdateReputation(hostID, 0, 1)
}

// UpdateReputation folds successful/failed request counts into a [0,1]
// reputation score using simple Laplace smoothing.
func (hd *HostDiscovery) UpdateReputation(hostID string, successfulRequests, failedRequests int) {
	hd.mu.Lock()
	defer hd.mu.Unlock()
	total := float64(successfulRequests + failedRequests + 2)
	score := float64(successfulRequests+1) / total
	if prev, ok := hd.reputation[hostID]; ok {
		hd.reputation[hostID] = (prev + score) / 2
	} else {
		hd.reputation[hostID] = score
	}
}

// Reputation returns hostID's current [0,1] score, defaulting to 0.5 when
// unobserved.
func (hd *HostDiscovery) Reputation(hostID string) float64 {
	hd.mu.RLock()
	defer hd.mu.RUnlock()
	if v, ok := hd.reputation[hostID]; ok {
		return v
	}
	return 0.5
}

// recordConnectionSample updates the EWMA latency/loss view of hostID.
func (hd *HostDiscovery) recordConnectionSample(hostID string, latencyMs float64, lost bool) {
	const alpha = 0.3
	hd.mu.Lock()
	defer hd.mu.Unlock()
	m := hd.connMetric[hostID]
	if m.EWMALatencyMs == 0 {
		m.EWMALatencyMs = latencyMs
	} else {
		m.EWMALatencyMs = alpha*latencyMs + (1-alpha)*m.EWMALatencyMs
	}
	lossSample := 0.0
	if lost {
		lossSample = 1.0
	}
	m.PacketLoss = alpha*lossSample + (1-alpha)*m.PacketLoss
	m.Bucket = bucketFor(m.EWMALatencyMs, m.PacketLoss)
	hd.connMetric[hostID] = m
}

func bucketFor(latencyMs, loss float64) ConnectionBucket {
	switch {
	case latencyMs < 50 && loss < 0.01:
		return BucketExcellent
	case latencyMs < 150 && loss < 0.05:
		return BucketGood
	case latencyMs < 400 && loss < 0.15:
		return BucketFair
	default:
		return BucketPoor
	}
}

// ConnectionMetricsFor returns the EWMA-smoothed latency/loss view of hostID.
func (hd *HostDiscovery) ConnectionMetricsFor(hostID string) ConnectionMetrics {
	hd.mu.RLock()
	defer hd.mu.RUnlock()
	return hd.connMetric[hostID]
}

//---------------------------------------------------------------------
// Ping
//---------------------------------------------------------------------

// PingHost measures round-trip latency to url, returning -1 on timeout.
func (hd *HostDiscovery) PingHost(ctx context.Context, url string, pinger func(context.Context, string) (time.Duration, error)) float64 {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	d, err := pinger(ctx, url)
	if err != nil {
		hd.logger.Debugf("host discovery: ping %s failed: %v", url, err)
		return -1
	}
	ms := float64(d.Milliseconds())
	hd.recordConnectionSample(urlToHostKey(url), ms, false)
	return ms
}

func urlToHostKey(url string) string {
	return fmt.Sprintf("url:%s", url)
}
