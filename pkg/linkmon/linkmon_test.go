package linkmon

import (
	"net"
	"testing"
)

func loopbackPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted
	return client.(*net.TCPConn), server.(*net.TCPConn)
}

func TestSampleReadsRealTCPInfo(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	l := Watch(client, "rank-1")
	snap, err := l.Sample()
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if snap.At.IsZero() {
		t.Error("snapshot has zero timestamp")
	}
}

func TestCountersAccumulate(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	l := Watch(client, "rank-2")
	l.TrackWrite(10)
	l.TrackWrite(5)
	l.TrackRead(3)
	l.SetReconnects(2)

	tx, rx, reconnects := l.Counters()
	if tx != 15 || rx != 3 || reconnects != 2 {
		t.Errorf("Counters() = (%d, %d, %d), want (15, 3, 2)", tx, rx, reconnects)
	}
}

func TestDegradedFalseWithoutRetransmits(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	l := Watch(client, "rank-3")
	if _, err := l.Sample(); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if l.Degraded() {
		t.Error("fresh loopback connection should not be degraded")
	}
}
