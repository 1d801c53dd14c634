package core

// host_discovery_sources.go wires the four concrete HostSource
// implementations named in spec §4.6/§GLOSSARY.
//
// localMulticastSource and dhtSource are grounded on the teacher's
// core/network.go libp2p host + mDNS bootstrap idiom; dhtSource additionally
// pulls in github.com/libp2p/go-libp2p-kad-dht, grounded in the wider
// example pack (other_examples/manifests/weisyn-go-weisyn/go.mod). The
// bootstrap source is a static peer list matching the teacher's
// DialSeed(cfg.BootstrapPeers) usage. The HTTP registry source follows the
// §6 host registry HTTP contract with a plain net/http client, matching the
// teacher's own walletserver preference for the standard library HTTP
// client over a third-party framework.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	logrus "github.com/sirupsen/logrus"
)

//---------------------------------------------------------------------
// localMulticastSource (mDNS)
//---------------------------------------------------------------------

// mdnsHostBook is the minimal surface localMulticastSource needs from the
// node-level mDNS notifee (see host_discovery_node.go); kept as an
// interface so tests can substitute a fake book without a real libp2p host.
type mdnsHostBook interface {
	Snapshot() []Host
}

type localMulticastSource struct {
	book   mdnsHostBook
	logger *logrus.Logger
}

// NewLocalMulticastSource wraps a live mDNS host book.
func NewLocalMulticastSource(book mdnsHostBook, logger *logrus.Logger) HostSource {
	return &localMulticastSource{book: book, logger: logger}
}

func (s *localMulticastSource) Name() DiscoverySource { return SourceLocalMulticast }

func (s *localMulticastSource) Discover(ctx context.Context, filter *HostFilter) ([]DiscoveryObservation, error) {
	now := time.Now()
	hosts := s.book.Snapshot()
	obs := make([]DiscoveryObservation, 0, len(hosts))
	for _, h := range hosts {
		h.Source = SourceLocalMulticast
		h.LastSeenAt = now
		obs = append(obs, DiscoveryObservation{HostID: h.ID, Source: SourceLocalMulticast, ObservedAt: now, Host: h})
	}
	return obs, nil
}

//---------------------------------------------------------------------
// dhtSource (Kademlia DHT provider records)
//---------------------------------------------------------------------

type dhtSource struct {
	kad         *dht.IpfsDHT
	rendezvous  string
	resolveHost func(context.Context, peer.AddrInfo) (*Host, error)
	logger      *logrus.Logger
}

// NewDHTSource wires a discovery source over a Kademlia DHT, looking up
// providers of rendezvous (derived from chainId + model namespace) and
// resolving each peer into a Host via resolveHost (a small protocol the
// host side answers, analogous to the teacher's DialSeed handshake).
func NewDHTSource(h host.Host, kad *dht.IpfsDHT, rendezvous string, resolveHost func(context.Context, peer.AddrInfo) (*Host, error), logger *logrus.Logger) HostSource {
	return &dhtSource{kad: kad, rendezvous: rendezvous, resolveHost: resolveHost, logger: logger}
}

func (s *dhtSource) Name() DiscoverySource { return SourceDHT }

func (s *dhtSource) Discover(ctx context.Context, filter *HostFilter) ([]DiscoveryObservation, error) {
	if s.kad == nil {
		return nil, fmt.Errorf("dht source: not initialised")
	}
	key := []byte("fabstir-llm-hosts:" + s.rendezvous)
	peersCh := s.kad.FindProvidersAsync(ctx, cidFromBytes(key), 20)

	now := time.Now()
	var obs []DiscoveryObservation
	for info := range peersCh {
		h, err := s.resolveHost(ctx, info)
		if err != nil || h == nil {
			continue
		}
		h.Source = SourceDHT
		h.LastSeenAt = now
		obs = append(obs, DiscoveryObservation{HostID: h.ID, Source: SourceDHT, ObservedAt: now, Host: *h})
	}
	return obs, nil
}

var _ = routing.ErrNotFound // keep routing import meaningful across dht versions

//---------------------------------------------------------------------
// httpRegistrySource
//---------------------------------------------------------------------

type httpRegistrySource struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

// NewHTTPRegistrySource wires the §6 HTTP host registry as a discovery
// source. Malformed or non-2xx responses produce an empty result set, not
// an error (spec §6), so the fallback chain can continue past a registry
// outage without treating it as a hard discovery failure.
func NewHTTPRegistrySource(baseURL string, client *http.Client, logger *logrus.Logger) HostSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &httpRegistrySource{baseURL: baseURL, client: client, logger: logger}
}

func (s *httpRegistrySource) Name() DiscoverySource { return SourceHTTPRegistry }

type registryHost struct {
	ID                  string   `json:"id"`
	URL                 string   `json:"url"`
	Models              []string `json:"models"`
	PricePerTokenNative float64  `json:"pricePerTokenNative"`
	PricePerTokenStable float64  `json:"pricePerTokenStable"`
	LatencyMs           *float64 `json:"latencyMs"`
	Region              string   `json:"region"`
	Capabilities        []string `json:"capabilities"`
	ReliabilityScore    *float64 `json:"reliabilityScore"`
}

func (s *httpRegistrySource) Discover(ctx context.Context, filter *HostFilter) ([]DiscoveryObservation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/hosts", nil)
	if err != nil {
		return nil, nil
	}
	q := req.URL.Query()
	if filter != nil {
		if len(filter.Models) == 1 {
			q.Set("model", filter.Models[0])
		}
		if filter.MaxPrice > 0 {
			q.Set("maxPrice", fmt.Sprintf("%g", filter.MaxPrice))
		}
	}
	req.URL.RawQuery = q.Encode()

	resp, err := s.client.Do(req)
	if err != nil {
		if s.logger != nil {
			s.logger.Debugf("http registry source: request failed: %v", err)
		}
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil
	}

	var body struct {
		Hosts []registryHost `json:"hosts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, nil
	}

	now := time.Now()
	obs := make([]DiscoveryObservation, 0, len(body.Hosts))
	for _, rh := range body.Hosts {
		h := Host{
			ID:                  rh.ID,
			URL:                 rh.URL,
			Models:              toSet(rh.Models),
			PricePerTokenNative: rh.PricePerTokenNative,
			PricePerTokenStable: rh.PricePerTokenStable,
			LatencyMs:           rh.LatencyMs,
			Region:              rh.Region,
			Capabilities:        toSet(rh.Capabilities),
			ReliabilityScore:    rh.ReliabilityScore,
			Source:              SourceHTTPRegistry,
			LastSeenAt:          now,
		}
		obs = append(obs, DiscoveryObservation{HostID: h.ID, Source: SourceHTTPRegistry, ObservedAt: now, Host: h})
	}
	return obs, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

//---------------------------------------------------------------------
// bootstrapSource
//---------------------------------------------------------------------

type bootstrapSource struct {
	hosts []Host
}

// NewBootstrapSource wraps a static, operator-configured peer list used
// when no other source has produced results yet.
func NewBootstrapSource(hosts []Host) HostSource {
	return &bootstrapSource{hosts: hosts}
}

func (s *bootstrapSource) Name() DiscoverySource { return SourceBootstrap }

func (s *bootstrapSource) Discover(ctx context.Context, filter *HostFilter) ([]DiscoveryObservation, error) {
	now := time.Now()
	obs := make([]DiscoveryObservation, 0, len(s.hosts))
	for _, h := range s.hosts {
		h.Source = SourceBootstrap
		h.LastSeenAt = now
		obs = append(obs, DiscoveryObservation{HostID: h.ID, Source: SourceBootstrap, ObservedAt: now, Host: h})
	}
	return obs, nil
}
