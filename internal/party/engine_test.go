package party

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goparty/internal/channel"
	"github.com/petervdpas/goparty/internal/pingpong"
)

// pipeRoom hands out one end of a pre-made pipe per remote key.
type pipeRoom struct {
	fakeMembers
	socks map[string]channel.Channel
}

func (r *pipeRoom) GetSocket(ctx context.Context, key []byte) (channel.Channel, error) {
	if ch, ok := r.socks[string(key)]; ok {
		return ch, nil
	}
	return nil, errors.New("unknown peer")
}

func TestTwoTrackersMeasureEachOther(t *testing.T) {
	a, b := channel.Pipe()
	defer a.Close()
	defer b.Close()

	roomA := &pipeRoom{socks: map[string]channel.Channel{"B": a}}
	roomB := &pipeRoom{socks: map[string]channel.Channel{"A": b}}

	opts := pingpong.Options{Interval: 10 * time.Millisecond}
	trA, err := New([]byte("A"), plainCodec{}, roomA, pingpong.New(roomA, []byte("A"), opts))
	require.NoError(t, err)
	defer trA.Close()
	trB, err := New([]byte("B"), plainCodec{}, roomB, pingpong.New(roomB, []byte("B"), opts))
	require.NoError(t, err)
	defer trB.Close()

	trA.SetMembers(toKeys("A", "B"))
	trB.SetMembers(toKeys("A", "B"))

	find := func(tr *Tracker, id string) Party {
		for _, p := range tr.Roster() {
			if p.ID == id {
				return p
			}
		}
		return Party{}
	}
	require.Eventually(t, func() bool {
		return find(trA, "B").LatencyMs != nil && find(trB, "A").LatencyMs != nil
	}, wait, tick)

	require.Nil(t, find(trA, "A").LatencyMs, "self is never measured")
	require.Nil(t, find(trB, "B").LatencyMs, "self is never measured")

	// Dropping B stops A's loop; A's record of B disappears.
	trA.SetMembers(toKeys("A"))
	require.Equal(t, []string{"A"}, ids(trA.Roster()))
}
