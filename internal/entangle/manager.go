// Package entangle keeps one persistent ping channel open between each pair
// of session members.
//
// Protocol: /goparty/ping/1.0.0, newline-delimited JSON in both directions.
//
// Only the peer with the lexicographically lower ID opens the stream. The
// other side waits for it to arrive through the stream handler. When both
// sides dial at once each inbound stream resets the other's outbound one and
// the pair never settles, so exactly one side dials.
package entangle

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/goparty/internal/channel"
	"github.com/petervdpas/goparty/internal/proto"
)

var log = logging.Logger("entangle")

var (
	ErrSelf      = errors.New("entangle: no channel to self")
	ErrNoInbound = errors.New("entangle: peer did not open the channel")
	ErrClosed    = errors.New("entangle: manager closed")
)

const (
	dialTimeout  = 15 * time.Second
	awaitTimeout = 15 * time.Second
)

// dialCall is an outbound dial in flight; concurrent callers share it.
type dialCall struct {
	done chan struct{}
	ch   *channel.Conn
	err  error
}

// Manager owns the ping channel to every peer.
type Manager struct {
	host host.Host
	self peer.ID

	mu       sync.Mutex
	conns    map[peer.ID]*channel.Conn
	dialing  map[peer.ID]*dialCall
	arrivals map[peer.ID]chan struct{} // closed when an inbound channel lands
	closed   bool
}

// New registers the ping protocol handler on h.
func New(h host.Host) *Manager {
	m := &Manager{
		host:     h,
		self:     h.ID(),
		conns:    make(map[peer.ID]*channel.Conn),
		dialing:  make(map[peer.ID]*dialCall),
		arrivals: make(map[peer.ID]chan struct{}),
	}
	h.SetStreamHandler(protocol.ID(proto.PingProtoID), m.handleIncoming)
	log.Debugw("registered handler", "proto", proto.PingProtoID)
	return m
}

// Dials reports whether the local side opens the channel to pid.
func (m *Manager) Dials(pid peer.ID) bool {
	return m.self.String() < pid.String()
}

// Get returns the open channel to pid. The lower-ID side dials; the
// higher-ID side blocks until the stream arrives, ctx ends, or a
// timeout passes.
func (m *Manager) Get(ctx context.Context, pid peer.ID) (channel.Channel, error) {
	if pid == m.self {
		return nil, ErrSelf
	}
	if m.Dials(pid) {
		return m.dial(ctx, pid)
	}
	return m.await(ctx, pid)
}

func (m *Manager) dial(ctx context.Context, pid peer.ID) (channel.Channel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if c := m.liveLocked(pid); c != nil {
		m.mu.Unlock()
		return c, nil
	}
	if call, ok := m.dialing[pid]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			if call.err != nil {
				return nil, call.err
			}
			return call.ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &dialCall{done: make(chan struct{})}
	m.dialing[pid] = call
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	s, err := m.host.NewStream(dialCtx, pid, protocol.ID(proto.PingProtoID))
	cancel()

	m.mu.Lock()
	delete(m.dialing, pid)
	switch {
	case err != nil:
		call.err = err
	case m.closed:
		_ = s.Reset()
		call.err = ErrClosed
	default:
		call.ch = m.adoptLocked(pid, s)
	}
	close(call.done)
	m.mu.Unlock()

	if call.err != nil {
		log.Debugw("dial failed", "peer", short(pid), "err", call.err)
		return nil, call.err
	}
	log.Infow("entangled", "peer", short(pid), "dir", "out")
	return call.ch, nil
}

func (m *Manager) await(ctx context.Context, pid peer.ID) (channel.Channel, error) {
	timeout := time.NewTimer(awaitTimeout)
	defer timeout.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if c := m.liveLocked(pid); c != nil {
			m.mu.Unlock()
			return c, nil
		}
		arrived, ok := m.arrivals[pid]
		if !ok {
			arrived = make(chan struct{})
			m.arrivals[pid] = arrived
		}
		m.mu.Unlock()

		select {
		case <-arrived:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, ErrNoInbound
		}
	}
}

func (m *Manager) handleIncoming(s network.Stream) {
	pid := s.Conn().RemotePeer()

	m.mu.Lock()
	if m.closed || m.liveLocked(pid) != nil {
		// Keep the first channel; a duplicate means both sides dialled.
		m.mu.Unlock()
		_ = s.Reset()
		return
	}
	m.adoptLocked(pid, s)
	m.mu.Unlock()

	log.Infow("entangled", "peer", short(pid), "dir", "in")
}

// adoptLocked wraps s, wakes waiters, and forgets the channel once it closes.
func (m *Manager) adoptLocked(pid peer.ID, s network.Stream) *channel.Conn {
	c := channel.New(s)
	m.conns[pid] = c
	if arrived, ok := m.arrivals[pid]; ok {
		close(arrived)
		delete(m.arrivals, pid)
	}

	go func() {
		<-c.Done()
		m.mu.Lock()
		if m.conns[pid] == c {
			delete(m.conns, pid)
		}
		m.mu.Unlock()
		log.Infow("disentangled", "peer", short(pid))
	}()
	return c
}

func (m *Manager) liveLocked(pid peer.ID) *channel.Conn {
	c := m.conns[pid]
	if c == nil || c.IsClosed() {
		return nil
	}
	return c
}

// Drop closes the channel to pid, if any.
func (m *Manager) Drop(pid peer.ID) {
	m.mu.Lock()
	c := m.conns[pid]
	delete(m.conns, pid)
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
}

// Close shuts every channel and stops accepting new ones.
func (m *Manager) Close() {
	m.host.RemoveStreamHandler(protocol.ID(proto.PingProtoID))

	m.mu.Lock()
	m.closed = true
	conns := m.conns
	m.conns = make(map[peer.ID]*channel.Conn)
	for pid, arrived := range m.arrivals {
		close(arrived)
		delete(m.arrivals, pid)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func short(pid peer.ID) string {
	s := pid.String()
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}
