package core

// host_discovery_node.go implements the live mDNS host book backing
// localMulticastSource, grounded directly on the teacher's core/network.go
// NewNode/HandlePeerFound pattern: a libp2p host registers an mDNS notifee
// and accumulates discovered peers, except here each discovered peer is
// resolved into a Host advertisement rather than a bare connection.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	logrus "github.com/sirupsen/logrus"
)

// MdnsHostNode bootstraps a libp2p host advertising/discovering Hosts over
// local multicast DNS.
type MdnsHostNode struct {
	host        host.Host
	discoveryTag string
	resolve     func(context.Context, peer.AddrInfo) (*Host, error)
	logger      *logrus.Logger

	mu    sync.RWMutex
	peers map[string]Host
}

// NewMdnsHostNode creates and bootstraps a local-multicast discovery node.
// resolve turns a discovered peer's address info into a Host advertisement
// by dialing the host's well-known handshake (outside this package's
// scope; injected so core stays transport-agnostic about that handshake).
func NewMdnsHostNode(listenAddr, discoveryTag string, resolve func(context.Context, peer.AddrInfo) (*Host, error), logger *logrus.Logger) (*MdnsHostNode, error) {
	if logger == nil {
		logger = logrus.New()
	}
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("mdns host node: %w", err)
	}
	n := &MdnsHostNode{
		host:         h,
		discoveryTag: discoveryTag,
		resolve:      resolve,
		logger:       logger,
		peers:        make(map[string]Host),
	}
	mdns.NewMdnsService(h, discoveryTag, n)
	return n, nil
}

// HandlePeerFound implements mdns.Notifee.
func (n *MdnsHostNode) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.mu.RLock()
	_, known := n.peers[info.ID.String()]
	n.mu.RUnlock()
	if known {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := n.resolve(ctx, info)
	if err != nil || h == nil {
		n.logger.Debugf("mdns host node: could not resolve host for peer %s: %v", info.ID, err)
		return
	}

	n.mu.Lock()
	n.peers[info.ID.String()] = *h
	n.mu.Unlock()
	n.logger.Infof("mdns host node: discovered host %s via local multicast", h.ID)
}

// Snapshot returns the currently known hosts, satisfying mdnsHostBook.
func (n *MdnsHostNode) Snapshot() []Host {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Host, 0, len(n.peers))
	for _, h := range n.peers {
		out = append(out, h)
	}
	return out
}

// Close shuts down the underlying libp2p host.
func (n *MdnsHostNode) Close() error {
	return n.host.Close()
}

var _ mdns.Notifee = (*MdnsHostNode)(nil)
