package mediums

import (
	"testing"
	"time"

	"github.com/user/nearby-connections/platform"
)

func TestWifiLanAdvertisingRequiresAccepting(t *testing.T) {
	medium := newFakeWifiLan()
	m := NewWifiLan(medium, Options{})
	defer m.Close()

	info := platform.NsdServiceInfo{ServiceName: "endpoint-1"}
	if m.StartAdvertising("svc", info) {
		t.Fatal("Expected advertising without an accept loop to fail")
	}

	if !m.StartAcceptingConnections("svc", nil) {
		t.Fatal("Failed to start accepting connections")
	}
	if !m.StartAdvertising("svc", info) {
		t.Fatal("Failed to start advertising")
	}
	if m.StartAdvertising("svc", info) {
		t.Error("Expected second StartAdvertising to fail")
	}
	if !m.IsAdvertising("svc") {
		t.Error("Expected svc to still be advertising")
	}

	advertised, ok := medium.advertised[GenerateServiceType("svc")]
	if !ok {
		t.Fatal("Expected the platform to advertise the generated service type")
	}
	ip, port := m.GetCredentials("svc")
	if advertised.Port != port || advertised.IPAddress != ip {
		t.Errorf("Expected advertisement to carry %s:%d, got %s:%d", ip, port, advertised.IPAddress, advertised.Port)
	}

	if !m.StopAdvertising("svc") {
		t.Error("Expected StopAdvertising to succeed")
	}
	if m.StopAdvertising("svc") {
		t.Error("Expected second StopAdvertising to report false")
	}
}

func TestWifiLanRejectsInvalidInput(t *testing.T) {
	medium := newFakeWifiLan()
	m := NewWifiLan(medium, Options{})
	defer m.Close()

	if m.StartAcceptingConnections("", nil) {
		t.Error("Expected empty service id to be rejected")
	}
	m.StartAcceptingConnections("svc", nil)
	if m.StartAdvertising("svc", platform.NsdServiceInfo{}) {
		t.Error("Expected invalid NsdServiceInfo to be rejected")
	}
	if m.StartDiscovery("", platform.DiscoveredServiceCallback{}) {
		t.Error("Expected discovery with empty service id to be rejected")
	}

	medium.valid = false
	if m.IsAvailable() {
		t.Error("Expected manager to be unavailable with an invalid medium")
	}
	if m.StartAcceptingConnections("other", nil) {
		t.Error("Expected accepting on an unavailable medium to fail")
	}
}

func TestWifiLanDerivesPortFromRange(t *testing.T) {
	medium := newFakeWifiLan()
	medium.portRange = platform.PortRange{First: 40000, Second: 40100}
	medium.hasRange = true
	m := NewWifiLan(medium, Options{})
	defer m.Close()

	if !m.StartAcceptingConnections("svc", nil) {
		t.Fatal("Failed to start accepting connections")
	}
	want := GeneratePort("svc", medium.portRange)
	if _, port := m.GetCredentials("svc"); port != want {
		t.Errorf("Expected derived port %d, got %d", want, port)
	}
	if ip, port := m.GetCredentials("unknown"); ip != "" || port != 0 {
		t.Errorf("Expected empty credentials for unknown service, got %s:%d", ip, port)
	}
}

func TestWifiLanDiscoveryDedup(t *testing.T) {
	medium := newFakeWifiLan()
	m := NewWifiLan(medium, Options{})
	defer m.Close()

	var found, lost []string
	cb := platform.DiscoveredServiceCallback{
		ServiceDiscovered: func(info platform.NsdServiceInfo, _ string) { found = append(found, info.ServiceName) },
		ServiceLost:       func(info platform.NsdServiceInfo, _ string) { lost = append(lost, info.ServiceName) },
	}
	if !m.StartDiscovery("svc", cb) {
		t.Fatal("Failed to start discovery")
	}
	if m.StartDiscovery("svc", cb) {
		t.Error("Expected duplicate discovery to fail")
	}

	serviceType := GenerateServiceType("svc")
	platformCb := medium.discoveryCallback(serviceType)
	a := platform.NsdServiceInfo{ServiceName: "a", ServiceType: serviceType}
	b := platform.NsdServiceInfo{ServiceName: "b", ServiceType: serviceType}

	platformCb.ServiceDiscovered(a, serviceType)
	platformCb.ServiceDiscovered(a, serviceType)
	platformCb.ServiceLost(b, serviceType)
	platformCb.ServiceLost(a, serviceType)

	if len(found) != 1 || found[0] != "a" {
		t.Errorf("Expected a found once, got %v", found)
	}
	if len(lost) != 1 || lost[0] != "a" {
		t.Errorf("Expected only a lost, got %v", lost)
	}

	if !m.StopDiscovery("svc") || m.IsDiscovering("svc") {
		t.Error("Expected discovery to stop")
	}
}

func TestWifiLanAcceptLoopsQueueBehindPool(t *testing.T) {
	medium := newFakeWifiLan()
	m := NewWifiLan(medium, Options{})

	ids := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	for _, id := range ids {
		if !m.StartAcceptingConnections(id, nil) {
			t.Fatalf("Failed to start accepting connections for %s", id)
		}
	}
	waitFor(t, "five running accept loops", func() bool {
		return m.pool.Running() == MaxConcurrentAcceptLoops && m.pool.Pending() == 1
	})
	for _, id := range ids {
		if !m.IsAcceptingConnections(id) {
			t.Errorf("Expected %s to be accepting", id)
		}
	}

	m.StopAcceptingConnections("s1")
	waitFor(t, "queued accept loop to start", func() bool {
		return m.pool.Running() == MaxConcurrentAcceptLoops && m.pool.Pending() == 0
	})

	closesWithin(t, 2*time.Second, m.Close)
	for i := range ids {
		if !medium.server(i).IsClosed() {
			t.Errorf("Expected server %d to be closed", i)
		}
	}
}

func TestWifiLanDeliversAcceptedSockets(t *testing.T) {
	medium := newFakeWifiLan()
	m := NewWifiLan(medium, Options{})
	defer m.Close()

	accepted := make(chan string, 1)
	m.StartAcceptingConnections("svc", func(serviceID string, socket platform.Socket) {
		accepted <- serviceID
	})
	medium.server(0).conns <- newNopSocket()

	select {
	case id := <-accepted:
		if id != "svc" {
			t.Errorf("Expected accepted socket for svc, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected accepted socket to be delivered")
	}
}

func TestWifiLanStopAcceptingThenCloseDoesNotHang(t *testing.T) {
	m := NewWifiLan(newFakeWifiLan(), Options{})
	m.StartAcceptingConnections("svc", nil)
	if !m.StopAcceptingConnections("svc") {
		t.Fatal("Failed to stop accepting connections")
	}
	if m.StopAcceptingConnections("svc") {
		t.Error("Expected second StopAcceptingConnections to fail")
	}
	closesWithin(t, time.Second, m.Close)
}

func TestWifiLanConnect(t *testing.T) {
	medium := newFakeWifiLan()
	m := NewWifiLan(medium, Options{})
	defer m.Close()

	cancel := platform.NewCancellationFlag()
	cancel.Cancel()
	if s := m.ConnectToAddress("svc", "192.168.1.20", 4000, cancel); s != nil {
		t.Error("Expected cancelled connect to return nil")
	}
	if medium.connectCount() != 0 {
		t.Errorf("Expected no platform connect after cancel, got %d", medium.connectCount())
	}

	info := platform.NsdServiceInfo{ServiceName: "peer", IPAddress: "192.168.1.20", Port: 4000}
	if s := m.Connect("svc", info, nil); s == nil {
		t.Error("Expected connect to succeed")
	}
	if s := m.Connect("", info, nil); s != nil {
		t.Error("Expected connect with empty service id to fail")
	}
	if medium.connectCount() != 1 {
		t.Errorf("Expected one platform connect, got %d", medium.connectCount())
	}
}
