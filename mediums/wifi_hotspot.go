package mediums

import (
	"github.com/user/nearby-connections/executor"
	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
)

const hotspotPrefix = "hotspot"

type wifiHotspotState struct {
	hotspotStarted bool
	connected      bool
	credentials    platform.HotspotCredentials
	servers        map[string]platform.IPServerSocket
}

func (s *wifiHotspotState) isAccepting(serviceID string) bool {
	_, ok := s.servers[serviceID]
	return ok
}

// WifiHotspot runs a soft AP for upgrades (the AP side) or joins one (the
// client side), and serves sockets over it.
type WifiHotspot struct {
	medium platform.WifiHotspotMedium
	opts   Options
	pool   *executor.MultiThread
	state  guarded[wifiHotspotState]
}

func NewWifiHotspot(medium platform.WifiHotspotMedium, opts Options) *WifiHotspot {
	m := &WifiHotspot{
		medium: medium,
		opts:   opts,
		pool:   newAcceptPool(opts),
	}
	m.state.s.servers = make(map[string]platform.IPServerSocket)
	return m
}

func (m *WifiHotspot) isAPAvailable() bool {
	return m.medium != nil && m.medium.IsValid() && m.medium.IsInterfaceValid()
}

func (m *WifiHotspot) isClientAvailable() bool {
	return m.medium != nil && m.medium.IsValid()
}

// IsAPAvailable reports whether this device can host a hotspot.
func (m *WifiHotspot) IsAPAvailable() bool {
	_, unlock := m.state.lock()
	defer unlock()
	return m.isAPAvailable()
}

// IsClientAvailable reports whether this device can join a hotspot.
func (m *WifiHotspot) IsClientAvailable() bool {
	_, unlock := m.state.lock()
	defer unlock()
	return m.isClientAvailable()
}

func (m *WifiHotspot) IsHotspotStarted() bool {
	st, unlock := m.state.lock()
	defer unlock()
	return st.hotspotStarted
}

// StartWifiHotspot is a no-op returning true when already started.
func (m *WifiHotspot) StartWifiHotspot() bool {
	st, unlock := m.state.lock()
	defer unlock()
	if st.hotspotStarted {
		logger.Info(hotspotPrefix, "no need to start hotspot, it is already started")
		return true
	}
	creds := platform.HotspotCredentials{}
	if err := m.medium.StartWifiHotspot(&creds); err != nil {
		logger.Warn(hotspotPrefix, "failed to start hotspot: %v", err)
		return false
	}
	st.hotspotStarted = true
	st.credentials = creds
	logger.Info(hotspotPrefix, "hotspot started ssid=%s gateway=%s", creds.SSID, creds.Gateway)
	return true
}

// StopWifiHotspot is a no-op returning true when not started.
func (m *WifiHotspot) StopWifiHotspot() bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.stopHotspot(st)
}

func (m *WifiHotspot) stopHotspot(st *wifiHotspotState) bool {
	if !st.hotspotStarted {
		logger.Info(hotspotPrefix, "no need to stop hotspot, it is not started")
		return true
	}
	st.hotspotStarted = false
	st.credentials = platform.HotspotCredentials{}
	if err := m.medium.StopWifiHotspot(); err != nil {
		logger.Warn(hotspotPrefix, "stop hotspot: %v", err)
	}
	return true
}

func (m *WifiHotspot) IsConnectedToHotspot() bool {
	st, unlock := m.state.lock()
	defer unlock()
	return st.connected
}

// ConnectWifiHotspot joins the hotspot described by creds. Returns true when
// already connected.
func (m *WifiHotspot) ConnectWifiHotspot(creds platform.HotspotCredentials) bool {
	st, unlock := m.state.lock()
	defer unlock()
	if st.connected {
		logger.Info(hotspotPrefix, "no need to connect to hotspot, it is already connected")
		return true
	}
	if err := m.medium.ConnectWifiHotspot(creds); err != nil {
		logger.Warn(hotspotPrefix, "failed to connect to hotspot %s: %v", creds.SSID, err)
		return false
	}
	st.connected = true
	return true
}

func (m *WifiHotspot) DisconnectWifiHotspot() bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.disconnect(st)
}

func (m *WifiHotspot) disconnect(st *wifiHotspotState) bool {
	if !st.connected {
		logger.Info(hotspotPrefix, "no need to disconnect from hotspot, it is not connected")
		return true
	}
	st.connected = false
	if err := m.medium.DisconnectWifiHotspot(); err != nil {
		logger.Warn(hotspotPrefix, "disconnect hotspot: %v", err)
	}
	return true
}

// GetCredentials returns the running hotspot's credentials, with address and
// port taken from serviceID's server socket when there is one.
func (m *WifiHotspot) GetCredentials(serviceID string) platform.HotspotCredentials {
	st, unlock := m.state.lock()
	defer unlock()
	creds := st.credentials
	server, ok := st.servers[serviceID]
	if !ok {
		logger.Info(hotspotPrefix, "no server socket found for %s, using default credentials", serviceID)
		return creds
	}
	creds.Gateway = server.IPAddress()
	creds.IPAddress = server.IPAddress()
	creds.Port = server.Port()
	return creds
}

// StartAcceptingConnections listens on an OS-assigned port.
func (m *WifiHotspot) StartAcceptingConnections(serviceID string, cb AcceptedSocketCallback) bool {
	st, unlock := m.state.lock()
	defer unlock()

	if serviceID == "" {
		logger.Info(hotspotPrefix, "can not start accepting connections, service_id is empty")
		return false
	}
	if !m.isAPAvailable() {
		logger.Info(hotspotPrefix, "can't start accepting connections for %s, hotspot not available", serviceID)
		return false
	}
	if st.isAccepting(serviceID) {
		logger.Info(hotspotPrefix, "refusing to start accepting connections for %s, server already running with the same name", serviceID)
		return false
	}

	server, err := m.medium.ListenForService(0)
	if err != nil {
		logger.Info(hotspotPrefix, "failed to start accepting connections for %s: %v", serviceID, err)
		return false
	}
	st.servers[serviceID] = server

	acceptLoop[platform.Socket]{
		prefix:    hotspotPrefix,
		name:      "wifi-hotspot-accept",
		medium:    platform.WifiHotspot,
		serviceID: serviceID,
		accept:    server.Accept,
		close:     server.Close,
		metrics:   m.opts.Metrics,
		onAccepted: func(socket platform.Socket) {
			if cb != nil {
				cb(serviceID, socket)
			}
		},
	}.run(m.pool)
	return true
}

func (m *WifiHotspot) StopAcceptingConnections(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.stopAccepting(st, serviceID)
}

func (m *WifiHotspot) stopAccepting(st *wifiHotspotState, serviceID string) bool {
	if serviceID == "" {
		logger.Info(hotspotPrefix, "unable to stop accepting connections, service_id is empty")
		return false
	}
	server, ok := st.servers[serviceID]
	if !ok {
		logger.Info(hotspotPrefix, "can't stop accepting connections for %s, it was never started", serviceID)
		return false
	}
	delete(st.servers, serviceID)
	if err := server.Close(); err != nil {
		logger.Info(hotspotPrefix, "failed to close server socket for %s: %v", serviceID, err)
		return false
	}
	return true
}

func (m *WifiHotspot) IsAcceptingConnections(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return st.isAccepting(serviceID)
}

// Connect dials ip:port on the joined hotspot under the manager lock.
// Returns nil on failure.
func (m *WifiHotspot) Connect(serviceID, ip string, port int, cancel *platform.CancellationFlag) platform.Socket {
	_, unlock := m.state.lock()
	defer unlock()

	if serviceID == "" {
		logger.Info(hotspotPrefix, "refusing to create client socket, service_id is empty")
		return nil
	}
	if !m.isClientAvailable() {
		logger.Info(hotspotPrefix, "can't create client socket for %s, hotspot isn't available", serviceID)
		return nil
	}
	if cancel.Cancelled() {
		logger.Info(hotspotPrefix, "can't create client socket for %s due to cancel", serviceID)
		return nil
	}
	socket, err := m.medium.ConnectToService(ip, port, cancel)
	if err != nil {
		logger.Info(hotspotPrefix, "failed to connect service_id=%s: %v", serviceID, err)
		m.opts.Metrics.ConnectAttempt(platform.WifiHotspot.String(), false)
		return nil
	}
	m.opts.Metrics.ConnectAttempt(platform.WifiHotspot.String(), true)
	return socket
}

// Close stops every accept loop, tears the hotspot down and leaves any
// joined hotspot before draining the pool.
func (m *WifiHotspot) Close() {
	st, unlock := m.state.lock()
	for id := range st.servers {
		m.stopAccepting(st, id)
	}
	m.stopHotspot(st)
	m.disconnect(st)
	unlock()

	m.pool.Shutdown()
}
