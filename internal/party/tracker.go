// Package party keeps the roster of a peer-to-peer session: one presence
// record per member, in membership order, with a ping loop per remote member
// feeding its latency.
package party

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goparty/internal/identity"
	"github.com/petervdpas/goparty/internal/util"
)

var log = logging.Logger("party")

const listenerBuf = 16

// task is the handle of one running ping loop.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// slot owns one member's record. The ping loop of that member holds the
// slot as its LatencySink and can reach no other record.
type slot struct {
	t       *Tracker
	party   Party
	task    *task
	removed bool
}

func (s *slot) PeerID() string { return s.party.ID }

// SetLatency records d and republishes. Writes through a slot whose member
// has left are dropped.
func (s *slot) SetLatency(d time.Duration) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.removed {
		return
	}
	ms := d.Milliseconds()
	s.party.LatencyMs = &ms
	s.t.publishLocked()
}

// Tracker owns the roster of one session.
type Tracker struct {
	codec   identity.Codec
	members Members
	pinger  Pinger
	selfKey []byte
	selfID  string

	mu        sync.Mutex
	memberIDs []string
	slots     map[string]*slot
	listeners []chan Roster
	closed    bool
}

// New creates a Tracker for the local peer selfKey. Run must be called to
// follow membership changes of members.
func New(selfKey []byte, codec identity.Codec, members Members, pinger Pinger) (*Tracker, error) {
	selfID, err := codec.ID(selfKey)
	if err != nil {
		return nil, fmt.Errorf("self identity: %w", err)
	}
	return &Tracker{
		codec:     codec,
		members:   members,
		pinger:    pinger,
		selfKey:   selfKey,
		selfID:    selfID,
		slots:     make(map[string]*slot),
		listeners: make([]chan Roster, 0),
	}, nil
}

func (t *Tracker) SelfID() string { return t.selfID }

// Run applies every membership change until ctx ends or the membership
// source goes away, then closes the tracker.
func (t *Tracker) Run(ctx context.Context) error {
	ch := t.members.SubscribeMembers()
	defer t.members.UnsubscribeMembers(ch)
	defer t.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case keys, ok := <-ch:
			if !ok {
				return nil
			}
			log.Debugw("members changed", "count", len(keys))
			t.SetMembers(keys)
		}
	}
}

// SetMembers replaces the membership with keys. New members get a fresh
// record and, unless they are the local peer, a ping loop. Records of
// members not in keys are dropped and their loops stopped before
// SetMembers returns. The roster is published on every call.
func (t *Tracker) SetMembers(keys [][]byte) {
	ids := make([]string, 0, len(keys))
	keyOf := make(map[string][]byte, len(keys))
	for _, k := range keys {
		id, err := t.codec.ID(k)
		if err != nil {
			log.Warnw("skipping undecodable member key", "err", err)
			continue
		}
		if _, dup := keyOf[id]; dup {
			continue
		}
		keyOf[id] = k
		ids = append(ids, id)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.memberIDs = ids

	for _, id := range ids {
		if _, ok := t.slots[id]; ok {
			continue
		}
		s := &slot{t: t, party: Party{ID: id}}
		t.slots[id] = s
		if id != t.selfID {
			s.task = t.startLocked(keyOf[id], s)
		}
	}

	var retired []*task
	for id, s := range t.slots {
		if _, ok := keyOf[id]; ok {
			continue
		}
		s.removed = true
		delete(t.slots, id)
		if s.task != nil {
			retired = append(retired, s.task)
		}
	}

	t.publishLocked()
	t.mu.Unlock()

	stopAll(retired)
}

func (t *Tracker) startLocked(key []byte, s *slot) *task {
	ctx, cancel := context.WithCancel(context.Background())
	tk := &task{cancel: cancel, done: make(chan struct{})}
	id := s.party.ID

	go func() {
		defer close(tk.done)
		err := t.pinger.Run(ctx, key, s)
		switch {
		case err == nil:
			log.Debugw("ping loop ended", "peer", id)
		case errors.Is(err, context.Canceled):
		default:
			log.Warnw("ping loop abandoned", "peer", id, "err", err)
		}
	}()
	return tk
}

func stopAll(tasks []*task) {
	for _, tk := range tasks {
		tk.cancel()
	}
	for _, tk := range tasks {
		<-tk.done
	}
}

// Self returns the local peer's record, creating it if needed. It neither
// starts a ping loop nor publishes.
func (t *Tracker) Self() Party {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfSlotLocked().party.clone()
}

// UpdateSelf edits the local peer's name, item and readiness and publishes
// the roster.
func (t *Tracker) UpdateSelf(fn func(p *Party)) Party {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.selfSlotLocked()
	p := s.party.clone()
	fn(&p)
	p.ID = s.party.ID
	p.LatencyMs = s.party.LatencyMs
	s.party = p

	t.publishLocked()
	return p.clone()
}

func (t *Tracker) selfSlotLocked() *slot {
	s, ok := t.slots[t.selfID]
	if !ok {
		s = &slot{t: t, party: Party{ID: t.selfID}}
		t.slots[t.selfID] = s
	}
	return s
}

// Roster returns the current snapshot.
func (t *Tracker) Roster() Roster {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosterLocked()
}

func (t *Tracker) rosterLocked() Roster {
	r := make(Roster, 0, len(t.memberIDs))
	for _, id := range t.memberIDs {
		if s, ok := t.slots[id]; ok {
			r = append(r, s.party.clone())
		}
	}
	return r
}

// Subscribe returns a channel receiving a Roster on every change. A slow
// reader skips intermediate rosters but always gets the latest one.
func (t *Tracker) Subscribe() chan Roster {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Roster, listenerBuf)
	if t.closed {
		close(ch)
		return ch
	}
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Tracker) Unsubscribe(ch chan Roster) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Tracker) publishLocked() {
	for _, ch := range t.listeners {
		util.Offer(ch, t.rosterLocked())
	}
}

// Close stops every ping loop and closes all subscriptions.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true

	var tasks []*task
	for _, s := range t.slots {
		s.removed = true
		if s.task != nil {
			tasks = append(tasks, s.task)
		}
	}
	for _, ch := range t.listeners {
		close(ch)
	}
	t.listeners = nil
	t.mu.Unlock()

	stopAll(tasks)
}
