package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goparty/internal/identity"
)

const topic = "goparty/session/test"

func startNode(t *testing.T, ctx context.Context, bootstrap ...string) *Node {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)

	n, err := New(ctx, priv, Options{
		ListenHost: "127.0.0.1",
		Topic:      topic,
		Bootstrap:  bootstrap,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	go func() { _ = n.Run(ctx) }()
	return n
}

func addrOf(n *Node) string {
	return fmt.Sprintf("%s/p2p/%s", n.Host.Addrs()[0], n.ID())
}

func hasKey(keys [][]byte, k []byte) bool {
	for _, x := range keys {
		if bytes.Equal(x, k) {
			return true
		}
	}
	return false
}

func TestMembersStartWithSelf(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startNode(t, ctx)

	sub := a.SubscribeMembers()
	defer a.UnsubscribeMembers(sub)

	keys := <-sub
	require.Len(t, keys, 1)
	assert.Equal(t, a.SelfKey(), keys[0])

	id, err := identity.PeerCodec{}.ID(keys[0])
	require.NoError(t, err)
	assert.Equal(t, a.ID(), id)
}

func TestTwoNodesSeeEachOtherAndTalk(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startNode(t, ctx)
	b := startNode(t, ctx, addrOf(a))

	require.Eventually(t, func() bool {
		return hasKey(a.Members(), b.SelfKey()) && hasKey(b.Members(), a.SelfKey())
	}, 15*time.Second, 50*time.Millisecond)

	am := a.Members()
	require.Len(t, am, 2)
	assert.Equal(t, a.SelfKey(), am[0], "self comes first")

	dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
	defer dcancel()

	type got struct {
		ch  interface{ Send(any) error }
		err error
	}
	fromB := make(chan got, 1)
	go func() {
		c, err := b.GetSocket(dctx, a.SelfKey())
		fromB <- got{c, err}
	}()
	ca, err := a.GetSocket(dctx, b.SelfKey())
	require.NoError(t, err)
	gb := <-fromB
	require.NoError(t, gb.err)

	msgs := make(chan string, 1)
	ca.OnMessage(func(raw json.RawMessage) {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			msgs <- s
		}
	})
	require.NoError(t, gb.ch.Send("hi"))
	select {
	case s := <-msgs:
		assert.Equal(t, "hi", s)
	case <-dctx.Done():
		t.Fatal("message not delivered")
	}

	// b leaving the topic drops it from a's members and closes the socket.
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		return !hasKey(a.Members(), b.SelfKey())
	}, 15*time.Second, 50*time.Millisecond)
	select {
	case <-ca.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("socket to departed peer stayed open")
	}
}

func TestGetSocketRejectsBadKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startNode(t, ctx)

	_, err := a.GetSocket(ctx, []byte("nope"))
	assert.ErrorIs(t, err, identity.ErrInvalidKey)
}
