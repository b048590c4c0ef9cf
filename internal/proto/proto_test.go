package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePingPong(t *testing.T) {
	b, err := json.Marshal(Ping(0.42))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","pingId":0.42}`, string(b))

	id, ok := ParsePing(b)
	require.True(t, ok)
	assert.Equal(t, 0.42, id)

	_, ok = ParsePong(b)
	assert.False(t, ok, "a ping is not a pong")

	id, ok = ParsePong(json.RawMessage(`{"type":"pong","pingId":7}`))
	require.True(t, ok)
	assert.Equal(t, 7.0, id)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`{"type":"ping"}`,
		`{"type":"ping","pingId":"0.42"}`,
		`{"type":"hello","pingId":1}`,
		`{"pingId":1}`,
		`[1,2,3]`,
		`"ping"`,
		`not json`,
	} {
		_, ok := ParsePing(json.RawMessage(raw))
		assert.False(t, ok, raw)
		_, ok = ParsePong(json.RawMessage(raw))
		assert.False(t, ok, raw)
	}
}

func TestSessionTopic(t *testing.T) {
	assert.Equal(t, "goparty/session/abc", SessionTopic("", "abc"))
	assert.Equal(t, "x/abc", SessionTopic("x/", "abc"))
}
