package client

import (
	"errors"
	"testing"
	"time"

	"github.com/user/nearby-connections/platform"
)

func TestLocalEndpointID(t *testing.T) {
	p := NewProxy()
	defer p.Close()

	id := p.LocalEndpointID()
	if len(id) != EndpointIDLength {
		t.Fatalf("Expected %d character endpoint id, got %q", EndpointIDLength, id)
	}
	if again := p.LocalEndpointID(); again != id {
		t.Errorf("Expected stable endpoint id %s, got %s", id, again)
	}

	p.StartedAdvertising("svc", ConnectionListener{}, ConnectionOptions{})
	if p.LocalEndpointID() != id {
		t.Error("Expected endpoint id to survive while advertising")
	}
	p.StoppedAdvertising()

	// Idle again, so the id is regenerated. Collisions over four base64
	// characters are possible but vanishingly rare; retry a few times.
	changed := false
	for i := 0; i < 5 && !changed; i++ {
		p.StartedAdvertising("svc", ConnectionListener{}, ConnectionOptions{})
		p.StoppedAdvertising()
		changed = p.LocalEndpointID() != id
	}
	if !changed {
		t.Error("Expected endpoint id to be regenerated once idle")
	}
}

func TestAdvertisingAndDiscoveryState(t *testing.T) {
	p := NewProxy()
	defer p.Close()

	if p.GetServiceID() != IdleServiceID {
		t.Errorf("Expected %s, got %s", IdleServiceID, p.GetServiceID())
	}

	opts := ConnectionOptions{AllowedMediums: []platform.Medium{platform.WifiLan}}
	p.StartedDiscovery("disc", DiscoveryListener{}, opts)
	if !p.IsDiscovering() || !p.IsDiscoveringServiceID("disc") || p.IsDiscoveringServiceID("other") {
		t.Error("Expected discovery of disc only")
	}
	if p.GetServiceID() != "disc" {
		t.Errorf("Expected disc, got %s", p.GetServiceID())
	}

	p.StartedAdvertising("adv", ConnectionListener{}, opts)
	if p.GetServiceID() != "adv" {
		t.Errorf("Expected advertising service to win, got %s", p.GetServiceID())
	}

	p.StoppedAdvertising()
	p.StoppedDiscovery()
	if p.IsAdvertising() || p.IsDiscovering() {
		t.Error("Expected proxy to be idle")
	}
	if got := p.GetDiscoveryOptions().AllowedMediums; len(got) != 1 || got[0] != platform.WifiLan {
		t.Errorf("Expected discovery options to outlive discovery, got %v", got)
	}
}

func TestEndpointFoundDedup(t *testing.T) {
	p := NewProxy()
	defer p.Close()

	var found, lost []string
	listener := DiscoveryListener{
		EndpointFound: func(id string, _ []byte, _ string) { found = append(found, id) },
		EndpointLost:  func(id string) { lost = append(lost, id) },
	}

	p.OnEndpointFound("svc", "AAAA", nil, platform.Ble)
	if len(found) != 0 {
		t.Error("Expected found event to be ignored when not discovering")
	}

	p.StartedDiscovery("svc", listener, ConnectionOptions{})
	p.OnEndpointFound("svc", "AAAA", []byte("info"), platform.Ble)
	p.OnEndpointFound("svc", "AAAA", []byte("info"), platform.Bluetooth)
	p.OnEndpointFound("other", "BBBB", nil, platform.Ble)
	p.OnEndpointLost("svc", "CCCC")
	p.OnEndpointLost("svc", "AAAA")
	p.OnEndpointLost("svc", "AAAA")

	if len(found) != 1 || found[0] != "AAAA" {
		t.Errorf("Expected one found AAAA, got %v", found)
	}
	if len(lost) != 1 || lost[0] != "AAAA" {
		t.Errorf("Expected one lost AAAA, got %v", lost)
	}

	p.OnEndpointFound("svc", "AAAA", nil, platform.Ble)
	p.StoppedDiscovery()
	p.StartedDiscovery("svc", listener, ConnectionOptions{})
	p.OnEndpointFound("svc", "AAAA", nil, platform.Ble)
	if len(found) != 3 {
		t.Errorf("Expected a new discovery session to report AAAA again, got %v", found)
	}
}

func TestConnectionHandshake(t *testing.T) {
	p := NewProxy()
	defer p.Close()

	var accepted []string
	listener := ConnectionListener{
		Accepted: func(id string) { accepted = append(accepted, id) },
	}
	p.OnConnectionInitiated("EP01", ConnectionResponseInfo{IsIncomingConnection: true}, ConnectionOptions{}, listener)

	if !p.HasPendingConnectionToEndpoint("EP01") || p.IsConnectedToEndpoint("EP01") {
		t.Fatal("Expected pending connection")
	}
	if p.GetCancellationFlag("EP01") == nil {
		t.Error("Expected a cancellation flag for an incoming connection")
	}

	var payloads []string
	p.LocalEndpointAcceptedConnection("EP01", PayloadListener{
		Payload: func(_ string, b []byte) { payloads = append(payloads, string(b)) },
	})
	p.LocalEndpointRejectedConnection("EP01")
	if !p.HasLocalEndpointResponded("EP01") || p.HasRemoteEndpointResponded("EP01") {
		t.Error("Expected only the local side to have responded")
	}
	if p.IsConnectionRejected("EP01") {
		t.Error("Expected second local response to be ignored")
	}

	p.OnPayload("EP01", []byte("early"))
	p.RemoteEndpointAcceptedConnection("EP01")
	if !p.IsConnectionAccepted("EP01") {
		t.Fatal("Expected connection to be accepted by both sides")
	}

	p.OnConnectionAccepted("EP01")
	if !p.IsConnectedToEndpoint("EP01") || p.HasPendingConnectionToEndpoint("EP01") {
		t.Error("Expected connected endpoint")
	}
	if len(accepted) != 1 {
		t.Errorf("Expected one accepted callback, got %v", accepted)
	}
	p.OnConnectionAccepted("EP01")
	if len(accepted) != 1 {
		t.Errorf("Expected accept of a connected endpoint to be ignored, got %v", accepted)
	}

	p.OnPayload("EP01", []byte("hello"))
	if len(payloads) != 1 || payloads[0] != "hello" {
		t.Errorf("Expected only the post-connect payload, got %v", payloads)
	}

	if got := p.GetNumIncomingConnections(); got != 1 {
		t.Errorf("Expected 1 incoming connection, got %d", got)
	}
	if got := p.GetNumOutgoingConnections(); got != 0 {
		t.Errorf("Expected 0 outgoing connections, got %d", got)
	}
}

func TestConnectionRejected(t *testing.T) {
	p := NewProxy()
	defer p.Close()

	var rejected error
	disconnected := 0
	listener := ConnectionListener{
		Rejected:     func(_ string, err error) { rejected = err },
		Disconnected: func(string) { disconnected++ },
	}
	p.OnConnectionInitiated("EP02", ConnectionResponseInfo{}, ConnectionOptions{}, listener)
	p.RemoteEndpointRejectedConnection("EP02")
	if !p.IsConnectionRejected("EP02") {
		t.Error("Expected connection to be rejected")
	}

	reason := errors.New("rejected by peer")
	p.OnConnectionRejected("EP02", reason)
	if rejected != reason {
		t.Errorf("Expected rejection reason %v, got %v", reason, rejected)
	}
	if disconnected != 0 {
		t.Error("Expected rejection not to notify disconnection")
	}
	if p.HasPendingConnectionToEndpoint("EP02") {
		t.Error("Expected rejected connection to be forgotten")
	}
}

func TestDisconnectCancelsEndpoint(t *testing.T) {
	p := NewProxy()
	defer p.Close()

	disconnected := 0
	listener := ConnectionListener{Disconnected: func(string) { disconnected++ }}
	p.OnConnectionInitiated("EP03", ConnectionResponseInfo{IsIncomingConnection: true}, ConnectionOptions{}, listener)
	p.OnConnectionInitiated("EP04", ConnectionResponseInfo{}, ConnectionOptions{}, listener)
	flag := p.GetCancellationFlag("EP03")

	if got := p.GetPendingConnectedEndpoints(); len(got) != 2 || got[0] != "EP03" || got[1] != "EP04" {
		t.Errorf("Expected [EP03 EP04], got %v", got)
	}

	p.OnDisconnected("EP03", true)
	p.OnDisconnected("EP04", false)
	if disconnected != 1 {
		t.Errorf("Expected 1 disconnect notification, got %d", disconnected)
	}
	if !flag.Cancelled() {
		t.Error("Expected endpoint cancellation flag to be cancelled")
	}
	if p.GetCancellationFlag("EP03") != nil {
		t.Error("Expected cancellation flag to be removed")
	}
	if len(p.GetPendingConnectedEndpoints()) != 0 {
		t.Error("Expected no connections left")
	}
}

func TestResetForgetsEverything(t *testing.T) {
	p := NewProxy()
	defer p.Close()

	p.StartedAdvertising("svc", ConnectionListener{}, ConnectionOptions{})
	p.StartedDiscovery("svc", DiscoveryListener{}, ConnectionOptions{})
	p.OnConnectionInitiated("EP05", ConnectionResponseInfo{}, ConnectionOptions{}, ConnectionListener{})
	p.Reset()

	if p.IsAdvertising() || p.IsDiscovering() || p.HasPendingConnectionToEndpoint("EP05") {
		t.Error("Expected reset proxy to be idle")
	}
}

func TestSubscribeReceivesEventsInOrder(t *testing.T) {
	p := NewProxy()
	defer p.Close()

	sub := p.Subscribe()
	defer sub.Cancel()

	p.StartedDiscovery("svc", DiscoveryListener{}, ConnectionOptions{})
	p.OnEndpointFound("svc", "EP06", nil, platform.WifiLan)
	p.OnConnectionInitiated("EP06", ConnectionResponseInfo{}, ConnectionOptions{}, ConnectionListener{})
	p.OnConnectionAccepted("EP06")
	p.OnDisconnected("EP06", true)

	want := []EventType{DiscoveryStarted, EndpointFound, ConnectionInitiated, ConnectionAccepted, Disconnected}
	for _, w := range want {
		select {
		case ev := <-sub.C:
			if ev.Type != w {
				t.Fatalf("Expected %s, got %s", w, ev.Type)
			}
			if w == EndpointFound && ev.Medium != platform.WifiLan {
				t.Errorf("Expected WIFI_LAN medium, got %s", ev.Medium)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for %s", w)
		}
	}
}
