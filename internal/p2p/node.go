// Package p2p is the session room: a libp2p host whose gossipsub topic
// membership defines who is in the party, plus one ping channel per pair of
// members.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/petervdpas/goparty/internal/channel"
	"github.com/petervdpas/goparty/internal/entangle"
	"github.com/petervdpas/goparty/internal/identity"
	"github.com/petervdpas/goparty/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("mdns", "warn")
	_ = logging.SetLogLevel("pubsub", "warn")
}

const connectTimeout = 10 * time.Second

type Options struct {
	ListenHost string // default 0.0.0.0
	ListenPort int

	// Empty disables LAN discovery.
	MdnsTag string

	// Multiaddrs with a /p2p/<id> suffix.
	Bootstrap []string

	Topic string
}

type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	peers *pubsub.TopicEventHandler

	sockets *entangle.Manager
	mdns    mdns.Service

	selfKey []byte
	opts    Options

	mu        sync.Mutex
	members   []peer.ID // join order, self excluded
	listeners []chan [][]byte
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// New starts the host, joins the session topic, and registers the ping
// protocol. Call Run to follow membership.
func New(ctx context.Context, priv crypto.PrivKey, opts Options) (*Node, error) {
	if opts.Topic == "" {
		return nil, errors.New("p2p: topic is required")
	}
	if opts.ListenHost == "" {
		opts.ListenHost = "0.0.0.0"
	}

	selfKey, err := identity.Marshal(priv.GetPublic())
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", opts.ListenHost, opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Host:    h,
		selfKey: selfKey,
		opts:    opts,
		sockets: entangle.New(h),
	}

	if err := n.join(ctx); err != nil {
		n.sockets.Close()
		_ = h.Close()
		return nil, err
	}

	if opts.MdnsTag != "" {
		n.mdns = mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := n.mdns.Start(); err != nil {
			_ = n.Close()
			return nil, err
		}
	}

	log.Infow("node started", "id", n.ID(), "addrs", h.Addrs(), "topic", opts.Topic)
	return n, nil
}

func (n *Node) join(ctx context.Context) error {
	ps, err := pubsub.NewGossipSub(ctx, n.Host)
	if err != nil {
		return err
	}
	topic, err := ps.Join(n.opts.Topic)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return err
	}
	peers, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		_ = topic.Close()
		return err
	}
	n.ps, n.topic, n.sub, n.peers = ps, topic, sub, peers
	return nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// SelfKey is the marshalled public key of the local peer.
func (n *Node) SelfKey() []byte {
	return slices.Clone(n.selfKey)
}

// Run connects to bootstrap peers and follows topic membership until ctx
// ends.
func (n *Node) Run(ctx context.Context) error {
	n.bootstrap(ctx)

	// Nothing is published on the topic; the subscription exists so this
	// peer counts as a member and its queue has to be drained.
	go func() {
		for {
			if _, err := n.sub.Next(ctx); err != nil {
				return
			}
		}
	}()

	n.publish()
	for {
		ev, err := n.peers.NextPeerEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch ev.Type {
		case pubsub.PeerJoin:
			n.addMember(ev.Peer)
		case pubsub.PeerLeave:
			n.removeMember(ev.Peer)
		}
	}
}

func (n *Node) bootstrap(ctx context.Context) {
	for _, s := range n.opts.Bootstrap {
		pi, err := peer.AddrInfoFromString(s)
		if err != nil {
			log.Warnw("bad bootstrap address", "addr", s, "err", err)
			continue
		}
		go func() {
			cctx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()
			if err := n.Host.Connect(cctx, *pi); err != nil {
				log.Warnw("bootstrap connect failed", "peer", pi.ID.String(), "err", err)
				return
			}
			log.Infow("bootstrap connected", "peer", pi.ID.String())
		}()
	}
}

func (n *Node) addMember(pid peer.ID) {
	if pid == n.Host.ID() {
		return
	}
	n.mu.Lock()
	if slices.Contains(n.members, pid) {
		n.mu.Unlock()
		return
	}
	n.members = append(n.members, pid)
	n.mu.Unlock()

	log.Infow("member joined", "peer", pid.String())
	n.publish()
}

func (n *Node) removeMember(pid peer.ID) {
	n.mu.Lock()
	i := slices.Index(n.members, pid)
	if i < 0 {
		n.mu.Unlock()
		return
	}
	n.members = slices.Delete(n.members, i, i+1)
	n.mu.Unlock()

	log.Infow("member left", "peer", pid.String())
	n.sockets.Drop(pid)
	n.publish()
}

// Members returns the member keys: self first, then peers in join order.
func (n *Node) Members() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.membersLocked()
}

func (n *Node) membersLocked() [][]byte {
	keys := make([][]byte, 0, len(n.members)+1)
	keys = append(keys, slices.Clone(n.selfKey))
	for _, pid := range n.members {
		k, err := identity.KeyOf(pid)
		if err != nil {
			log.Debugw("member without extractable key", "peer", pid.String(), "err", err)
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func (n *Node) publish() {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := n.membersLocked()
	for _, ch := range n.listeners {
		util.Offer(ch, keys)
	}
}

// SubscribeMembers returns a channel that receives the current member list
// and every later change. A slow reader only sees the latest list.
func (n *Node) SubscribeMembers() chan [][]byte {
	ch := make(chan [][]byte, 1)
	n.mu.Lock()
	n.listeners = append(n.listeners, ch)
	ch <- n.membersLocked()
	n.mu.Unlock()
	return ch
}

func (n *Node) UnsubscribeMembers(ch chan [][]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.listeners {
		if c == ch {
			n.listeners = slices.Delete(n.listeners, i, i+1)
			return
		}
	}
}

// GetSocket returns the ping channel to the peer owning key.
func (n *Node) GetSocket(ctx context.Context, key []byte) (channel.Channel, error) {
	pid, err := identity.PeerID(key)
	if err != nil {
		return nil, err
	}
	return n.sockets.Get(ctx, pid)
}

func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	n.sockets.Close()
	if n.peers != nil {
		n.peers.Cancel()
	}
	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.topic != nil {
		_ = n.topic.Close()
	}
	return n.Host.Close()
}
