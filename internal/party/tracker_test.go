package party

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goparty/internal/pingpong"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

// plainCodec uses the key bytes as the id.
type plainCodec struct{}

func (plainCodec) ID(key []byte) (string, error) {
	if len(key) == 0 {
		return "", errors.New("empty key")
	}
	return string(key), nil
}

// fakePinger blocks until cancelled and remembers every loop it ran.
type fakePinger struct {
	mu      sync.Mutex
	started map[string]int
	stopped map[string]int
	sinks   map[string]pingpong.LatencySink
}

func newFakePinger() *fakePinger {
	return &fakePinger{
		started: map[string]int{},
		stopped: map[string]int{},
		sinks:   map[string]pingpong.LatencySink{},
	}
}

func (p *fakePinger) Run(ctx context.Context, key []byte, sink pingpong.LatencySink) error {
	p.mu.Lock()
	p.started[string(key)]++
	p.sinks[string(key)] = sink
	p.mu.Unlock()

	<-ctx.Done()

	p.mu.Lock()
	p.stopped[string(key)]++
	p.mu.Unlock()
	return ctx.Err()
}

func (p *fakePinger) counts(key string) (started, stopped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started[key], p.stopped[key]
}

func (p *fakePinger) sink(key string) pingpong.LatencySink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sinks[key]
}

type fakeMembers struct {
	mu  sync.Mutex
	chs []chan [][]byte
}

func (m *fakeMembers) SubscribeMembers() chan [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan [][]byte, 4)
	m.chs = append(m.chs, ch)
	return ch
}

func (m *fakeMembers) UnsubscribeMembers(ch chan [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.chs {
		if c == ch {
			m.chs = append(m.chs[:i], m.chs[i+1:]...)
			return
		}
	}
}

func (m *fakeMembers) emit(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.chs {
		ch <- toKeys(keys...)
	}
}

func (m *fakeMembers) subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chs)
}

func toKeys(ids ...string) [][]byte {
	keys := make([][]byte, len(ids))
	for i, id := range ids {
		keys[i] = []byte(id)
	}
	return keys
}

func ids(r Roster) []string {
	out := make([]string, len(r))
	for i, p := range r {
		out[i] = p.ID
	}
	return out
}

func newTracker(t *testing.T) (*Tracker, *fakePinger, *fakeMembers) {
	t.Helper()
	p := newFakePinger()
	m := &fakeMembers{}
	tr, err := New([]byte("S"), plainCodec{}, m, p)
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr, p, m
}

func next(t *testing.T, ch chan Roster) Roster {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(wait):
		t.Fatal("no roster published")
		return nil
	}
}

func TestRosterFollowsMembershipOrder(t *testing.T) {
	tr, p, _ := newTracker(t)

	tr.SetMembers(toKeys("X", "Y", "Z"))
	assert.Equal(t, []string{"X", "Y", "Z"}, ids(tr.Roster()))

	tr.SetMembers(toKeys("Z", "X"))
	assert.Equal(t, []string{"Z", "X"}, ids(tr.Roster()))

	tr.mu.Lock()
	_, hasY := tr.slots["Y"]
	tr.mu.Unlock()
	assert.False(t, hasY, "Y's record is dropped")

	started, stopped := p.counts("Y")
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped, "Y's loop is stopped before SetMembers returns")

	_, stopped = p.counts("X")
	assert.Equal(t, 0, stopped)
}

func TestEveryMemberHasExactlyOneRecord(t *testing.T) {
	tr, p, _ := newTracker(t)

	steps := [][]string{
		{"A", "B"},
		{"B", "C", "D"},
		{"D"},
		{"A", "D", "B"},
		{},
	}
	for _, step := range steps {
		tr.SetMembers(toKeys(step...))

		tr.mu.Lock()
		assert.Len(t, tr.slots, len(step))
		for _, id := range step {
			assert.Contains(t, tr.slots, id)
		}
		tr.mu.Unlock()
		assert.Equal(t, step, ids(tr.Roster()))
	}

	started, stopped := p.counts("A")
	assert.Equal(t, 2, started, "a returning member gets a new loop")
	assert.Equal(t, 2, stopped)
}

func TestSetMembersAlwaysPublishes(t *testing.T) {
	tr, _, _ := newTracker(t)
	sub := tr.Subscribe()

	tr.SetMembers(toKeys("X", "Y"))
	assert.Equal(t, []string{"X", "Y"}, ids(next(t, sub)))

	tr.SetMembers(toKeys("X", "Y"))
	assert.Equal(t, []string{"X", "Y"}, ids(next(t, sub)), "unchanged membership still publishes")
}

func TestSelfIsNeverPinged(t *testing.T) {
	tr, p, _ := newTracker(t)

	tr.SetMembers(toKeys("S", "X"))
	assert.Equal(t, []string{"S", "X"}, ids(tr.Roster()))

	started, _ := p.counts("S")
	assert.Equal(t, 0, started)
	require.Eventually(t, func() bool {
		started, _ := p.counts("X")
		return started == 1
	}, wait, tick)
}

func TestSelfDoesNotPublish(t *testing.T) {
	tr, p, _ := newTracker(t)
	sub := tr.Subscribe()

	self := tr.Self()
	assert.Equal(t, "S", self.ID)
	assert.Empty(t, self.Name)
	assert.Nil(t, self.LatencyMs)
	assert.Len(t, sub, 0)

	started, _ := p.counts("S")
	assert.Equal(t, 0, started)

	// Not a member yet, so not in the roster.
	assert.Empty(t, tr.Roster())
}

func TestUpdateSelfPublishesAndSurvivesMembership(t *testing.T) {
	tr, _, _ := newTracker(t)
	sub := tr.Subscribe()

	tr.UpdateSelf(func(p *Party) {
		p.ID = "spoofed"
		p.Name = "alice"
		p.Item = "sword"
		p.Ready = true
	})
	assert.Empty(t, next(t, sub), "self is not a member yet")

	tr.SetMembers(toKeys("X", "S"))
	r := next(t, sub)
	require.Len(t, r, 2)
	assert.Equal(t, Party{ID: "S", Name: "alice", Item: "sword", Ready: true}, r[1])

	tr.SetMembers(toKeys("X"))
	next(t, sub)
	assert.Empty(t, tr.Self().Name, "self record is dropped when self leaves")
}

func TestLatencyUpdatesPublish(t *testing.T) {
	tr, p, _ := newTracker(t)
	sub := tr.Subscribe()

	tr.SetMembers(toKeys("X", "Y"))
	next(t, sub)

	require.Eventually(t, func() bool { return p.sink("Y") != nil }, wait, tick)
	s := p.sink("Y")
	assert.Equal(t, "Y", s.PeerID())

	s.SetLatency(42 * time.Millisecond)
	r := next(t, sub)
	require.Len(t, r, 2)
	assert.Nil(t, r[0].LatencyMs)
	require.NotNil(t, r[1].LatencyMs)
	assert.Equal(t, int64(42), *r[1].LatencyMs)

	d, ok := r[1].Latency()
	assert.True(t, ok)
	assert.Equal(t, 42*time.Millisecond, d)
}

func TestRemovedMemberCannotWriteItsOldSlot(t *testing.T) {
	tr, p, _ := newTracker(t)
	sub := tr.Subscribe()

	tr.SetMembers(toKeys("X"))
	next(t, sub)
	require.Eventually(t, func() bool { return p.sink("X") != nil }, wait, tick)
	stale := p.sink("X")

	tr.SetMembers(toKeys())
	next(t, sub)

	tr.SetMembers(toKeys("X"))
	next(t, sub)

	stale.SetLatency(time.Second)
	assert.Len(t, sub, 0, "a write through a removed slot publishes nothing")

	r := tr.Roster()
	require.Len(t, r, 1)
	assert.Nil(t, r[0].LatencyMs, "the re-added member starts from a zero record")
}

func TestUndecodableAndDuplicateKeys(t *testing.T) {
	tr, p, _ := newTracker(t)

	tr.SetMembers([][]byte{[]byte("X"), nil, []byte("Y"), []byte("X")})
	assert.Equal(t, []string{"X", "Y"}, ids(tr.Roster()))

	require.Eventually(t, func() bool {
		started, _ := p.counts("X")
		return started == 1
	}, wait, tick)
	assert.Never(t, func() bool {
		started, _ := p.counts("X")
		return started > 1
	}, 30*time.Millisecond, tick)
}

func TestRunFollowsMembersAndCleansUp(t *testing.T) {
	tr, p, m := newTracker(t)
	sub := tr.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.Eventually(t, func() bool { return m.subscribers() == 1 }, wait, tick)
	m.emit("X", "Y")
	assert.Equal(t, []string{"X", "Y"}, ids(next(t, sub)))

	m.emit("Y")
	assert.Equal(t, []string{"Y"}, ids(next(t, sub)))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(wait):
		t.Fatal("Run did not return")
	}

	_, stopped := p.counts("Y")
	assert.Equal(t, 1, stopped, "Close stops remaining loops")
	assert.Equal(t, 0, m.subscribers())

	_, open := <-sub
	assert.False(t, open, "subscriptions are closed")

	tr.SetMembers(toKeys("Z"))
	started, _ := p.counts("Z")
	assert.Equal(t, 0, started, "a closed tracker starts nothing")
}

func TestUnsubscribe(t *testing.T) {
	tr, _, _ := newTracker(t)
	sub := tr.Subscribe()
	tr.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)

	tr.SetMembers(toKeys("X"))
}
