package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Engine.IO v4 packet types, as the first byte of a text frame.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// Socket.IO v5 packet types, following an Engine.IO message byte.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

// openPacket is the Engine.IO handshake payload.
type openPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // ms
	PingTimeout  int      `json:"pingTimeout"`  // ms
	MaxPayload   int      `json:"maxPayload"`
}

// packet is a decoded Socket.IO frame.
type packet struct {
	eio       byte
	sio       byte
	namespace string
	data      []byte
}

func decodePacket(frame string) (packet, error) {
	if frame == "" {
		return packet{}, fmt.Errorf("empty frame")
	}
	p := packet{eio: frame[0]}
	rest := frame[1:]
	if p.eio != eioMessage {
		p.data = []byte(rest)
		return p, nil
	}
	if rest == "" {
		return packet{}, fmt.Errorf("message frame without socket.io type")
	}
	p.sio = rest[0]
	rest = rest[1:]

	// Binary attachment count ("451-") is not used by this client.
	if i := strings.IndexByte(rest, '-'); i > 0 && isDigits(rest[:i]) {
		return packet{}, fmt.Errorf("binary packets are not supported")
	}
	p.namespace = "/"
	if strings.HasPrefix(rest, "/") {
		comma := strings.IndexByte(rest, ',')
		if comma < 0 {
			p.namespace, rest = rest, ""
		} else {
			p.namespace, rest = rest[:comma], rest[comma+1:]
		}
	}
	// Optional ack id.
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	p.data = []byte(rest[i:])
	return p, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// nsPrefix renders the namespace part of a frame; the root namespace is implicit.
func nsPrefix(ns string) string {
	if ns == "" || ns == "/" {
		return ""
	}
	return ns + ","
}

func encodeConnect(ns string) string {
	return string([]byte{eioMessage, sioConnect}) + strings.TrimSuffix(nsPrefix(ns), ",")
}

func encodeDisconnect(ns string) string {
	return string([]byte{eioMessage, sioDisconnect}) + strings.TrimSuffix(nsPrefix(ns), ",")
}

func encodeEvent(ns, event string, payload any) (string, error) {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", event, err)
	}
	return string([]byte{eioMessage, sioEvent}) + nsPrefix(ns) + string(b), nil
}

// decodeEvent splits an event array into its name and first argument.
func decodeEvent(data []byte) (string, json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return "", nil, fmt.Errorf("event payload: %w", err)
	}
	if len(arr) == 0 {
		return "", nil, fmt.Errorf("event payload: empty array")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name: %w", err)
	}
	if len(arr) == 1 {
		return name, json.RawMessage("null"), nil
	}
	return name, bytes.TrimSpace(arr[1]), nil
}
