package enode

import (
	"net"
	"testing"
)

func TestParseURIDefaultsDiscportToTCP(t *testing.T) {
	id := Identity{}
	for i := range id {
		id[i] = byte(i)
	}
	raw := "enode://" + id.String() + "@127.0.0.1:30303"
	rec, err := ParseURI(raw)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TCPPort != 30303 {
		t.Fatalf("tcp port: got %d, want 30303", rec.TCPPort)
	}
	if rec.UDPPort != 30303 {
		t.Fatalf("udp port should default to tcp port: got %d, want 30303", rec.UDPPort)
	}
	if !rec.IP.Equal(net.ParseIP("127.0.0.1")) {
		t.Fatalf("ip mismatch: got %v", rec.IP)
	}
}

func TestParseURIExplicitDiscport(t *testing.T) {
	id := Identity{}
	raw := "enode://" + id.String() + "@10.0.0.1:30304?discport=30302"
	rec, err := ParseURI(raw)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TCPPort != 30304 || rec.UDPPort != 30302 {
		t.Fatalf("got tcp=%d udp=%d, want tcp=30304 udp=30302", rec.TCPPort, rec.UDPPort)
	}
}

func TestParseURIRejectsBadScheme(t *testing.T) {
	if _, err := ParseURI("http://example.com"); err != ErrInvalidScheme {
		t.Fatalf("got %v, want ErrInvalidScheme", err)
	}
}

func TestFormatURIRoundTrip(t *testing.T) {
	var id Identity
	for i := range id {
		id[i] = byte(255 - i)
	}
	uri := FormatURI(id, net.ParseIP("192.168.1.5"), 30303, 30301)
	rec, err := ParseURI(uri)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != id || rec.TCPPort != 30303 || rec.UDPPort != 30301 {
		t.Fatalf("round-trip mismatch: %+v", rec)
	}
}

func TestDistCmpOrdersByXORDistance(t *testing.T) {
	var target, a, b Identity
	target[0] = 0x00
	a[0] = 0x01 // distance 1
	b[0] = 0x02 // distance 2
	if DistCmp(target, a, b) >= 0 {
		t.Fatal("expected a to be closer than b")
	}
}

func TestLogDistanceZeroForEqual(t *testing.T) {
	var a Identity
	if LogDistance(a, a) != 0 {
		t.Fatal("identical ids must have log-distance 0")
	}
}

func TestLogDistanceHighestDifferingBit(t *testing.T) {
	var a, b Identity
	b[0] = 0x01 // differs in the lowest bit of the first byte
	got := LogDistance(a, b)
	want := IdentityLen*8 - 7
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}
