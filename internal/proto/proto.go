package proto

import (
	"encoding/json"
	"time"
)

const (
	// libp2p stream protocol ID carrying the per-pair ping/pong channel
	PingProtoID = "/goparty/ping/1.0.0"

	// gossipsub topic prefix; the session id is appended
	SessionTopicPrefix = "goparty/session/"

	MdnsTag = "goparty-mdns"
)

const (
	TypePing = "ping"
	TypePong = "pong"
)

// PingMsg is the wire type for both pings and pongs.
// Newline-delimited JSON on the pair stream.
type PingMsg struct {
	Type   string  `json:"type"` // ping|pong
	PingID float64 `json:"pingId"`
}

// Ping builds a ping carrying id.
func Ping(id float64) PingMsg { return PingMsg{Type: TypePing, PingID: id} }

// Pong builds the reply to the ping carrying id.
func Pong(id float64) PingMsg { return PingMsg{Type: TypePong, PingID: id} }

// ParsePing reports the id of raw if it is a well-formed ping.
func ParsePing(raw json.RawMessage) (float64, bool) {
	return parse(raw, TypePing)
}

// ParsePong reports the id of raw if it is a well-formed pong.
func ParsePong(raw json.RawMessage) (float64, bool) {
	return parse(raw, TypePong)
}

func parse(raw json.RawMessage, typ string) (float64, bool) {
	var m struct {
		Type   string   `json:"type"`
		PingID *float64 `json:"pingId"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0, false
	}
	if m.Type != typ || m.PingID == nil {
		return 0, false
	}
	return *m.PingID, true
}

// SessionTopic returns the gossipsub topic for a session id.
func SessionTopic(prefix, sessionID string) string {
	if prefix == "" {
		prefix = SessionTopicPrefix
	}
	return prefix + sessionID
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// Millis converts d to whole milliseconds for the roster.
func Millis(d time.Duration) int64 { return d.Milliseconds() }
