// SPDX-License-Identifier: Apache-2.0

package queuetransport

import (
	"net"
	"testing"
	"time"

	"github.com/patagonaa/CoAP.Net/pkg/recordparser"
)

func mustAddr(t *testing.T, s string) net.Addr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr(%q): %v", s, err)
	}
	return addr
}

func TestReadReturnsEnqueuedPayload(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	tr := New(local, remote, 1500, func([]byte, net.Addr) error { return nil }, nil)

	tr.EnqueueReceived([]byte("hello"), remote, recordparser.SequenceInfo{}, false, false)

	buf := make([]byte, 32)
	n, err := tr.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Read() = %q, want %q", buf[:n], "hello")
	}
}

func TestReadBlocksThenUnblocksOnEnqueue(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	tr := New(local, remote, 1500, func([]byte, net.Addr) error { return nil }, nil)

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 32)
		n, err := tr.Read(buf)
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- string(buf[:n])
	}()

	time.Sleep(20 * time.Millisecond)
	tr.EnqueueReceived([]byte("later"), remote, recordparser.SequenceInfo{}, false, false)

	select {
	case got := <-done:
		if got != "later" {
			t.Fatalf("Read() = %q, want %q", got, "later")
		}
	case <-time.After(time.Second):
		t.Fatal("Read() did not unblock after EnqueueReceived")
	}
}

func TestReadDeadline(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	tr := New(local, remote, 1500, func([]byte, net.Addr) error { return nil }, nil)

	if err := tr.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}

	buf := make([]byte, 32)
	_, err := tr.Read(buf)
	if err == nil {
		t.Fatal("Read() error = nil, want timeout")
	}
	ne, ok := err.(net.Error)
	if !ok || !ne.Timeout() {
		t.Fatalf("Read() error = %v, want a net.Error with Timeout() == true", err)
	}
}

func TestEnqueueReceivedAfterCloseIsDropped(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	tr := New(local, remote, 1500, func([]byte, net.Addr) error { return nil }, nil)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	tr.EnqueueReceived([]byte("too late"), remote, recordparser.SequenceInfo{}, false, false)

	buf := make([]byte, 32)
	_, err := tr.Read(buf)
	if err != net.ErrClosed {
		t.Fatalf("Read() after close error = %v, want net.ErrClosed", err)
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	tr := New(local, remote, 1500, func([]byte, net.Addr) error { return nil }, nil)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Read(make([]byte, 32))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != net.ErrClosed {
			t.Fatalf("Read() error = %v, want net.ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read() did not unblock after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	tr := New(local, remote, 1500, func([]byte, net.Addr) error { return nil }, nil)

	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestWriteRoutesToCurrentEndpoint(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")

	var gotTarget net.Addr
	var gotPayload []byte
	tr := New(local, remote, 1500, func(b []byte, target net.Addr) error {
		gotPayload = b
		gotTarget = target
		return nil
	}, nil)

	n, err := tr.Write([]byte("response"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("response") {
		t.Fatalf("Write() n = %d, want %d", n, len("response"))
	}
	if gotTarget.String() != remote.String() {
		t.Fatalf("send target = %v, want %v", gotTarget, remote)
	}
	if string(gotPayload) != "response" {
		t.Fatalf("send payload = %q, want %q", gotPayload, "response")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	tr := New(local, remote, 1500, func([]byte, net.Addr) error { return nil }, nil)
	_ = tr.Close()

	if _, err := tr.Write([]byte("x")); err != net.ErrClosed {
		t.Fatalf("Write() after close error = %v, want net.ErrClosed", err)
	}
}

func TestEndpointCandidateCallback(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	newRemote := mustAddr(t, "10.0.0.2:40000")

	var candidates []net.Addr
	tr := New(local, remote, 1500, func([]byte, net.Addr) error { return nil }, func(candidate net.Addr) {
		candidates = append(candidates, candidate)
	})

	tr.EnqueueReceived([]byte("same"), remote, recordparser.SequenceInfo{}, false, false)
	tr.EnqueueReceived([]byte("moved"), newRemote, recordparser.SequenceInfo{}, false, true)

	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1", len(candidates))
	}
	if candidates[0].String() != newRemote.String() {
		t.Fatalf("candidate = %v, want %v", candidates[0], newRemote)
	}
}

func TestUpdateEndpointChangesWriteTarget(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	newRemote := mustAddr(t, "10.0.0.2:40000")

	var gotTarget net.Addr
	tr := New(local, remote, 1500, func(b []byte, target net.Addr) error {
		gotTarget = target
		return nil
	}, nil)

	tr.UpdateEndpoint(newRemote)
	if _, err := tr.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if gotTarget.String() != newRemote.String() {
		t.Fatalf("send target = %v, want %v", gotTarget, newRemote)
	}
	if tr.RemoteAddr().String() != newRemote.String() {
		t.Fatalf("RemoteAddr() = %v, want %v", tr.RemoteAddr(), newRemote)
	}
}

func TestPopPendingMetaFIFO(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	tr := New(local, remote, 1500, func([]byte, net.Addr) error { return nil }, nil)

	seq1 := recordparser.SequenceInfo{Epoch: 1, Sequence: 1}
	seq2 := recordparser.SequenceInfo{Epoch: 1, Sequence: 2}
	tr.EnqueueReceived([]byte("a"), remote, seq1, true, true)
	tr.EnqueueReceived([]byte("b"), remote, seq2, true, true)

	buf := make([]byte, 8)
	if _, err := tr.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, err := tr.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	d1, ok := tr.PopPendingMeta()
	if !ok || d1.Seq != seq1 {
		t.Fatalf("PopPendingMeta() #1 = %+v, %v, want seq %+v", d1, ok, seq1)
	}
	d2, ok := tr.PopPendingMeta()
	if !ok || d2.Seq != seq2 {
		t.Fatalf("PopPendingMeta() #2 = %+v, %v, want seq %+v", d2, ok, seq2)
	}
	if _, ok := tr.PopPendingMeta(); ok {
		t.Fatalf("PopPendingMeta() #3 ok = true, want false")
	}
}

func TestReceiveAndSendLimits(t *testing.T) {
	local := mustAddr(t, "127.0.0.1:5684")
	remote := mustAddr(t, "10.0.0.1:40000")
	tr := New(local, remote, 1500, func([]byte, net.Addr) error { return nil }, nil)

	if got, want := tr.ReceiveLimit(), 1500-20-8; got != want {
		t.Errorf("ReceiveLimit() = %d, want %d", got, want)
	}
	if got, want := tr.SendLimit(), 1500-84-8; got != want {
		t.Errorf("SendLimit() = %d, want %d", got, want)
	}
}
