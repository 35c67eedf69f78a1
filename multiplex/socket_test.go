package multiplex

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/user/nearby-connections/platform"
)

func newPair(t *testing.T, listeners *Listeners) (*Socket, *Socket) {
	t.Helper()
	a, b := net.Pipe()
	opts := Options{Listeners: listeners, ResponseTimeout: time.Second}
	out := CreateOutgoing(a, platform.WifiLan, "svc", opts)
	in := CreateIncoming(b, platform.WifiLan, "svc", opts)
	t.Cleanup(func() {
		out.Shutdown()
		in.Shutdown()
	})
	return out, in
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, buf)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Failed to read %d bytes: %v", n, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out reading %d bytes", n)
	}
	return buf
}

func TestFrameRoundTripAndRejection(t *testing.T) {
	f := newControlFrame("svc", "salt", ConnectionResponse)
	f.Response = NotListening
	got, err := UnmarshalFrame(f.Marshal())
	if err != nil {
		t.Fatalf("Failed to parse frame: %v", err)
	}
	if got.Control != ConnectionResponse || got.Response != NotListening || got.Salt != "salt" {
		t.Errorf("Unexpected frame %+v", got)
	}

	if _, err := UnmarshalFrame([]byte("just some channel payload")); err == nil {
		t.Error("Expected arbitrary payload to be rejected")
	}
	if _, err := UnmarshalFrame(nil); err == nil {
		t.Error("Expected empty payload to be rejected")
	}
}

func TestDisabledPassThrough(t *testing.T) {
	out, in := newPair(t, nil)

	payload := []byte("offline frame")
	var framed bytes.Buffer
	binary.Write(&framed, binary.BigEndian, uint32(len(payload)))
	framed.Write(payload)

	vsOut := out.GetVirtualSocket("svc")
	if vsOut == nil {
		t.Fatal("Expected outgoing first virtual socket")
	}
	go vsOut.Write(framed.Bytes())

	vsIn := in.GetVirtualSocket("svc")
	got := readN(t, vsIn, framed.Len())
	if !bytes.Equal(got, framed.Bytes()) {
		t.Errorf("Expected length-prefixed pass-through %q, got %q", framed.Bytes(), got)
	}
	if in.IsEnabled() {
		t.Error("Expected incoming side to stay disabled for offline frames")
	}
}

func TestEnabledDataFramesRemapFirstSocket(t *testing.T) {
	out, in := newPair(t, nil)
	out.Enable()
	in.Enable()

	vsOut := out.GetVirtualSocket("svc")
	vsIn := in.GetVirtualSocket("svc")
	fakeKey := vsIn.Key()

	go vsOut.Write([]byte("hello"))
	if got := readN(t, vsIn, 5); string(got) != "hello" {
		t.Errorf("Expected hello, got %q", got)
	}
	if vsIn.Key() == fakeKey {
		t.Error("Expected incoming first socket to be remapped to the real salt")
	}
	if vsIn.Key() != vsOut.Key() {
		t.Errorf("Expected both sides to agree on key, got %s vs %s", vsIn.Key(), vsOut.Key())
	}

	go vsIn.Write([]byte("world"))
	if got := readN(t, vsOut, 5); string(got) != "world" {
		t.Errorf("Expected world, got %q", got)
	}
}

func TestEstablishVirtualSocket(t *testing.T) {
	listeners := NewListeners()
	incoming := make(chan *VirtualSocket, 1)
	listeners.Listen("upgrade", platform.WifiLan, func(serviceID string, vs *VirtualSocket) {
		incoming <- vs
	})

	out, in := newPair(t, listeners)
	out.Enable()

	ctx := context.Background()
	vs, err := out.EstablishVirtualSocket(ctx, "upgrade")
	if err != nil {
		t.Fatalf("Failed to establish virtual socket: %v", err)
	}

	var remote *VirtualSocket
	select {
	case remote = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected incoming callback for upgrade")
	}
	if remote.ServiceID() != "upgrade" {
		t.Errorf("Expected service id upgrade, got %s", remote.ServiceID())
	}
	if in.VirtualSocketCount() != 2 || out.VirtualSocketCount() != 2 {
		t.Errorf("Expected 2 virtual sockets per side, got out=%d in=%d", out.VirtualSocketCount(), in.VirtualSocketCount())
	}

	go vs.Write([]byte("ping"))
	if got := readN(t, remote, 4); string(got) != "ping" {
		t.Errorf("Expected ping, got %q", got)
	}

	if _, err := out.EstablishVirtualSocket(ctx, "nobody"); err != ErrNotListening {
		t.Errorf("Expected ErrNotListening, got %v", err)
	}
}

func TestEstablishRequiresEnabled(t *testing.T) {
	out, _ := newPair(t, nil)
	if _, err := out.EstablishVirtualSocket(context.Background(), "svc"); err != ErrDisabled {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
}

func TestClosingLastVirtualSocketShutsDown(t *testing.T) {
	out, in := newPair(t, nil)

	out.GetVirtualSocket("svc").Close()
	if !out.IsShutdown() {
		t.Error("Expected coordinator to shut down after last virtual socket closed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !in.IsShutdown() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !in.IsShutdown() {
		t.Error("Expected remote coordinator to shut down after physical close")
	}
	if in.GetVirtualSocket("svc") != nil || in.VirtualSocketCount() != 0 {
		t.Errorf("Expected remote virtual sockets to be gone, got %d", in.VirtualSocketCount())
	}
}
