// Package pingpong measures round-trip latency to one peer over a duplex
// message channel and answers that peer's pings.
//
//	→ {"type":"ping","pingId":0.42} every interval until answered
//	← {"type":"pong","pingId":0.42}
//
// A round resends its ping every interval until the matching pong arrives.
// While waiting, the elapsed time is reported whenever it exceeds the best
// figure seen so far, so a slow or lost reply still shows a growing latency.
// The reply itself always sets the latency.
package pingpong

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"

	"github.com/petervdpas/goparty/internal/channel"
	"github.com/petervdpas/goparty/internal/proto"
)

var log = logging.Logger("pingpong")

const (
	DefaultInterval     = 1000 * time.Millisecond
	DefaultRecentWindow = 10
)

// Dialer yields the channel to a peer. GetSocket may block until the peer
// is reachable or ctx ends.
type Dialer interface {
	GetSocket(ctx context.Context, peerKey []byte) (channel.Channel, error)
}

// LatencySink receives the measurements for one peer.
type LatencySink interface {
	PeerID() string
	SetLatency(d time.Duration)
}

type Options struct {
	// Interval between resends within a round and between rounds.
	Interval time.Duration
	// RecentWindow is how many answered ping ids the responder remembers.
	RecentWindow int

	// Channel acquisition policy. AcquireAttempts 0 retries until ctx ends.
	AcquireAttempts uint
	AcquireDelay    time.Duration
	AcquireMaxDelay time.Duration

	Clock     clock.Clock
	NewPingID func() float64
}

func DefaultOptions() Options {
	return Options{
		Interval:        DefaultInterval,
		RecentWindow:    DefaultRecentWindow,
		AcquireAttempts: 0,
		AcquireDelay:    500 * time.Millisecond,
		AcquireMaxDelay: 30 * time.Second,
		Clock:           clock.New(),
		NewPingID:       rand.Float64,
	}
}

// Engine runs ping loops on behalf of the local peer.
type Engine struct {
	dialer  Dialer
	selfKey []byte
	opts    Options
}

func New(d Dialer, selfKey []byte, opts Options) *Engine {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = def.RecentWindow
	}
	if opts.AcquireDelay <= 0 {
		opts.AcquireDelay = def.AcquireDelay
	}
	if opts.AcquireMaxDelay <= 0 {
		opts.AcquireMaxDelay = def.AcquireMaxDelay
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.NewPingID == nil {
		opts.NewPingID = def.NewPingID
	}
	return &Engine{dialer: d, selfKey: bytes.Clone(selfKey), opts: opts}
}

// Run acquires the channel to peerKey and serves it until the channel closes
// (nil) or ctx ends (ctx.Err()). The local peer is never pinged.
func (e *Engine) Run(ctx context.Context, peerKey []byte, sink LatencySink) error {
	if bytes.Equal(peerKey, e.selfKey) {
		return nil
	}
	l := log.With("peer", short(sink.PeerID()))

	ch, err := e.acquire(ctx, peerKey, l)
	if err != nil {
		return err
	}
	return e.serve(ctx, ch, sink, l)
}

// Serve answers pings on ch and measures latency until ch closes or ctx ends.
func (e *Engine) Serve(ctx context.Context, ch channel.Channel, sink LatencySink) error {
	return e.serve(ctx, ch, sink, log.With("peer", short(sink.PeerID())))
}

func (e *Engine) serve(ctx context.Context, ch channel.Channel, sink LatencySink, l *zap.SugaredLogger) error {
	off, err := Respond(ch, e.opts.RecentWindow)
	if err != nil {
		return err
	}
	defer off()

	l.Debugw("ping loop started")
	defer l.Debugw("ping loop stopped")

	var lastPing time.Duration
	for !ch.IsClosed() {
		elapsed, err := e.round(ctx, ch, sink, &lastPing, l)
		if err != nil {
			return closedIsDone(err)
		}
		sink.SetLatency(elapsed)
		lastPing = elapsed

		if err := e.sleep(ctx, ch, e.opts.Interval); err != nil {
			return closedIsDone(err)
		}
	}
	return nil
}

// Respond installs the pong responder on ch. Each ping id is answered once
// among the last window distinct ids seen; older ids are forgotten first.
func Respond(ch channel.Channel, window int) (off func(), err error) {
	recent, err := lru.New[float64, struct{}](window)
	if err != nil {
		return nil, fmt.Errorf("recent ping window: %w", err)
	}
	return ch.OnMessage(func(raw json.RawMessage) {
		id, ok := proto.ParsePing(raw)
		if !ok {
			return
		}
		// ContainsOrAdd leaves recency untouched for a hit, so eviction is
		// by arrival order.
		if seen, _ := recent.ContainsOrAdd(id, struct{}{}); seen {
			return
		}
		if err := ch.Send(proto.Pong(id)); err != nil {
			log.Debugw("pong send failed", "err", err)
		}
	}), nil
}

// round sends one ping and returns the round-trip time of its pong.
func (e *Engine) round(ctx context.Context, ch channel.Channel, sink LatencySink, lastPing *time.Duration, l *zap.SugaredLogger) (time.Duration, error) {
	clk := e.opts.Clock
	pingStart := clk.Now()
	pingID := e.opts.NewPingID()

	replied := make(chan time.Time, 1)
	off := ch.OnMessage(func(raw json.RawMessage) {
		id, ok := proto.ParsePong(raw)
		if !ok {
			return
		}
		if id != pingID {
			l.Warnw("received pong with unexpected pingId", "got", id, "want", pingID)
			return
		}
		select {
		case replied <- clk.Now():
		default:
		}
	})
	defer off()

	var resolved atomic.Bool
	rctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.resend(rctx, ch, pingID, pingStart, &resolved, lastPing, sink, l)
	}()
	// The resender is joined before the caller applies the reply, so no
	// interim figure can land after it.
	defer wg.Wait()
	defer stop()

	select {
	case pingEnd := <-replied:
		resolved.Store(true)
		return pingEnd.Sub(pingStart), nil
	case <-ch.Done():
		return 0, channel.ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// resend retransmits pingID every interval until the round resolves,
// reporting the growing elapsed time when it beats lastPing.
func (e *Engine) resend(ctx context.Context, ch channel.Channel, pingID float64, pingStart time.Time, resolved *atomic.Bool, lastPing *time.Duration, sink LatencySink, l *zap.SugaredLogger) {
	clk := e.opts.Clock
	for {
		if err := ch.Send(proto.Ping(pingID)); err != nil && !errors.Is(err, channel.ErrClosed) {
			l.Debugw("ping send failed", "err", err)
		}

		t := clk.Timer(e.opts.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-ch.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if resolved.Load() || ctx.Err() != nil {
			return
		}

		if elapsed := clk.Since(pingStart); elapsed > *lastPing {
			*lastPing = elapsed
			sink.SetLatency(elapsed)
		}
	}
}

func (e *Engine) sleep(ctx context.Context, ch channel.Channel, d time.Duration) error {
	t := e.opts.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch.Done():
		return channel.ErrClosed
	case <-t.C:
		return nil
	}
}

func (e *Engine) acquire(ctx context.Context, peerKey []byte, l *zap.SugaredLogger) (channel.Channel, error) {
	var ch channel.Channel
	err := retry.Do(func() error {
		c, err := e.dialer.GetSocket(ctx, peerKey)
		if err != nil {
			return err
		}
		ch = c
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(e.opts.AcquireAttempts),
		retry.Delay(e.opts.AcquireDelay),
		retry.MaxDelay(e.opts.AcquireMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.Warnw("socket acquire retry", "attempt", n, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire socket: %w", err)
	}
	return ch, nil
}

func closedIsDone(err error) error {
	if errors.Is(err, channel.ErrClosed) {
		return nil
	}
	return err
}

func short(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
