package party

import (
	"context"
	"time"

	"github.com/petervdpas/goparty/internal/pingpong"
)

// Party is one peer's presence record as published in a Roster.
type Party struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Item  string `json:"item"`
	Ready bool   `json:"ready"`
	// LatencyMs is nil until the first measurement.
	LatencyMs *int64 `json:"latencyMs,omitempty"`
}

// Latency returns the measured round-trip time, if any.
func (p Party) Latency() (time.Duration, bool) {
	if p.LatencyMs == nil {
		return 0, false
	}
	return time.Duration(*p.LatencyMs) * time.Millisecond, true
}

func (p Party) clone() Party {
	if p.LatencyMs != nil {
		ms := *p.LatencyMs
		p.LatencyMs = &ms
	}
	return p
}

// Roster is the ordered snapshot of current members, in membership order.
type Roster []Party

// Members is the membership-changed source of a session.
type Members interface {
	// SubscribeMembers delivers the full member key list on every change.
	SubscribeMembers() chan [][]byte
	UnsubscribeMembers(ch chan [][]byte)
}

// Room is a session: a membership source that also hands out per-peer
// channels.
type Room interface {
	Members
	pingpong.Dialer
}

// Pinger runs the latency loop for one peer until its channel closes or ctx
// ends. *pingpong.Engine is the production implementation.
type Pinger interface {
	Run(ctx context.Context, peerKey []byte, sink pingpong.LatencySink) error
}
