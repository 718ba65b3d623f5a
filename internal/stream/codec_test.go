package stream

import (
	"testing"
	"time"
)

func TestDecodePacket(t *testing.T) {
	t.Parallel()
	tests := []struct {
		frame string
		eio   byte
		sio   byte
		ns    string
		data  string
	}{
		{frame: "2", eio: eioPing},
		{frame: `0{"sid":"a"}`, eio: eioOpen, data: `{"sid":"a"}`},
		{frame: "40", eio: eioMessage, sio: sioConnect, ns: "/"},
		{frame: `40{"sid":"x"}`, eio: eioMessage, sio: sioConnect, ns: "/", data: `{"sid":"x"}`},
		{frame: `42["new_record",{"name":"Ana"}]`, eio: eioMessage, sio: sioEvent, ns: "/", data: `["new_record",{"name":"Ana"}]`},
		{frame: `42/att,["x",1]`, eio: eioMessage, sio: sioEvent, ns: "/att", data: `["x",1]`},
		{frame: `4213["x",{"a":"-"}]`, eio: eioMessage, sio: sioEvent, ns: "/", data: `["x",{"a":"-"}]`},
		{frame: "41/att", eio: eioMessage, sio: sioDisconnect, ns: "/att"},
	}
	for _, tt := range tests {
		p, err := decodePacket(tt.frame)
		if err != nil {
			t.Fatalf("decodePacket(%q): %v", tt.frame, err)
		}
		if p.eio != tt.eio || p.sio != tt.sio || p.namespace != tt.ns || string(p.data) != tt.data {
			t.Fatalf("decodePacket(%q) = %+v (data %q)", tt.frame, p, p.data)
		}
	}
	for _, bad := range []string{"", "4", `451-["bin",{"_placeholder":true}]`} {
		if _, err := decodePacket(bad); err == nil {
			t.Fatalf("decodePacket(%q) accepted", bad)
		}
	}
}

func TestEncodeEvent(t *testing.T) {
	t.Parallel()
	got, err := encodeEvent("/", "request_update", nil)
	if err != nil || got != `42["request_update"]` {
		t.Fatalf("encodeEvent = %q, %v", got, err)
	}
	got, err = encodeEvent("/att", "ping", map[string]int{"n": 1})
	if err != nil || got != `42/att,["ping",{"n":1}]` {
		t.Fatalf("encodeEvent ns = %q, %v", got, err)
	}
	if encodeConnect("/") != "40" || encodeConnect("/att") != "40/att" || encodeDisconnect("/") != "41" {
		t.Fatal("connect/disconnect frames")
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()
	name, payload, err := decodeEvent([]byte(`["counter_update", {"total_records": 3}, "extra"]`))
	if err != nil || name != "counter_update" || string(payload) != `{"total_records": 3}` {
		t.Fatalf("decodeEvent = %q %s %v", name, payload, err)
	}
	name, payload, err = decodeEvent([]byte(`["dashboard_refresh"]`))
	if err != nil || name != "dashboard_refresh" || string(payload) != "null" {
		t.Fatalf("decodeEvent no args = %q %s %v", name, payload, err)
	}
	for _, bad := range []string{`[]`, `{}`, `[1,2]`} {
		if _, _, err := decodeEvent([]byte(bad)); err == nil {
			t.Fatalf("decodeEvent(%s) accepted", bad)
		}
	}
}

func TestSocketEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, endpoint, origin string
	}{
		{in: "http://host:5000", endpoint: "ws://host:5000/socket.io/?EIO=4&transport=websocket", origin: "http://host:5000"},
		{in: "https://example.org/", endpoint: "wss://example.org/socket.io/?EIO=4&transport=websocket", origin: "https://example.org"},
		{in: "ws://h/custom/io/", endpoint: "ws://h/custom/io/?EIO=4&transport=websocket", origin: "http://h"},
	}
	for _, tt := range tests {
		ep, origin, err := socketEndpoint(tt.in)
		if err != nil || ep != tt.endpoint || origin != tt.origin {
			t.Fatalf("socketEndpoint(%q) = %q %q %v", tt.in, ep, origin, err)
		}
	}
	for _, bad := range []string{"", "ftp://h", "host:5000"} {
		if _, _, err := socketEndpoint(bad); err == nil {
			t.Fatalf("socketEndpoint(%q) accepted", bad)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	b := Backoff{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Delay(i+1, 0); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	fixed := Backoff{InitialDelay: 2 * time.Second, Multiplier: 1}
	if fixed.Delay(7, 0) != 2*time.Second {
		t.Fatal("multiplier 1 must give a fixed delay")
	}
	if got := (Backoff{InitialDelay: 10 * time.Millisecond}).Delay(1, 0); got < time.Second {
		t.Fatalf("initial delay below 1s not clamped: %v", got)
	}
	j := Backoff{InitialDelay: time.Second, Jitter: 0.5}
	if got := j.Delay(1, 0.999); got <= time.Second || got >= 1500*time.Millisecond {
		t.Fatalf("jittered delay = %v", got)
	}
}
