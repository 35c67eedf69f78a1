package mediums

import (
	"context"

	"github.com/user/nearby-connections/executor"
	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/multiplex"
	"github.com/user/nearby-connections/platform"
)

const lanPrefix = "wifi_lan"

// AcceptedSocketCallback receives every socket accepted for serviceID. It
// runs on the accept-loop worker.
type AcceptedSocketCallback func(serviceID string, socket platform.Socket)

type wifiLanState struct {
	advertising map[string]platform.NsdServiceInfo
	discovering map[string]struct{}
	servers     map[string]platform.IPServerSocket
	multiplexed multiplexSockets
}

func (s *wifiLanState) isAdvertising(serviceID string) bool {
	_, ok := s.advertising[serviceID]
	return ok
}

func (s *wifiLanState) isDiscovering(serviceID string) bool {
	_, ok := s.discovering[serviceID]
	return ok
}

func (s *wifiLanState) isAccepting(serviceID string) bool {
	_, ok := s.servers[serviceID]
	return ok
}

// WifiLan advertises and discovers services over mDNS and serves them on
// TCP server sockets.
type WifiLan struct {
	medium platform.WifiLanMedium
	opts   Options
	pool   *executor.MultiThread
	seen   *discoveryCache
	state  guarded[wifiLanState]
}

func NewWifiLan(medium platform.WifiLanMedium, opts Options) *WifiLan {
	if opts.Multiplex && opts.Listeners == nil {
		opts.Listeners = multiplex.NewListeners()
	}
	m := &WifiLan{
		medium: medium,
		opts:   opts,
		pool:   newAcceptPool(opts),
		seen:   newDiscoveryCache(),
	}
	m.state.s = wifiLanState{
		advertising: make(map[string]platform.NsdServiceInfo),
		discovering: make(map[string]struct{}),
		servers:     make(map[string]platform.IPServerSocket),
		multiplexed: make(multiplexSockets),
	}
	return m
}

func (m *WifiLan) isAvailable() bool {
	return m.medium != nil && m.medium.IsValid()
}

// IsAvailable reports whether the platform medium is usable.
func (m *WifiLan) IsAvailable() bool {
	_, unlock := m.state.lock()
	defer unlock()
	return m.isAvailable()
}

// StartAdvertising publishes info for serviceID. Accepting connections must
// already be running for serviceID: the advertisement carries the server
// socket's address and port.
func (m *WifiLan) StartAdvertising(serviceID string, info platform.NsdServiceInfo) bool {
	st, unlock := m.state.lock()
	defer unlock()

	if !m.isAvailable() {
		logger.Info(lanPrefix, "can't turn on advertising, WifiLan is not available")
		return false
	}
	if !info.IsValid() {
		logger.Info(lanPrefix, "refusing to turn on advertising, nsd service info is not valid")
		return false
	}
	if st.isAdvertising(serviceID) {
		logger.Info(lanPrefix, "failed to advertise %s, already advertising", serviceID)
		return false
	}
	if !st.isAccepting(serviceID) {
		logger.Info(lanPrefix, "failed to advertise service_name=%s service_id=%s, should accept connections before advertising",
			info.ServiceName, serviceID)
		return false
	}

	info.ServiceType = GenerateServiceType(serviceID)
	if server, ok := st.servers[serviceID]; ok {
		info.IPAddress = server.IPAddress()
		info.Port = server.Port()
	}
	if err := m.medium.StartAdvertising(info); err != nil {
		logger.Info(lanPrefix, "failed to advertise service_name=%s service_id=%s: %v", info.ServiceName, serviceID, err)
		m.opts.Metrics.Advertising(platform.WifiLan.String(), false)
		return false
	}

	logger.Info(lanPrefix, "turned on advertising service_name=%s service_type=%s service_id=%s port=%d",
		info.ServiceName, info.ServiceType, serviceID, info.Port)
	m.opts.Metrics.Advertising(platform.WifiLan.String(), true)
	st.advertising[serviceID] = info
	return true
}

// StopAdvertising reports false if serviceID was not advertising, otherwise
// the platform result. The entry is removed either way.
func (m *WifiLan) StopAdvertising(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.stopAdvertising(st, serviceID)
}

func (m *WifiLan) stopAdvertising(st *wifiLanState, serviceID string) bool {
	info, ok := st.advertising[serviceID]
	if !ok {
		logger.Info(lanPrefix, "can't turn off advertising for %s, it is already off", serviceID)
		return false
	}
	logger.Info(lanPrefix, "turned off advertising service_id=%s", serviceID)
	err := m.medium.StopAdvertising(info)
	delete(st.advertising, serviceID)
	if err != nil {
		logger.Warn(lanPrefix, "stop advertising %s: %v", serviceID, err)
		return false
	}
	return true
}

func (m *WifiLan) IsAdvertising(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return st.isAdvertising(serviceID)
}

// StartDiscovery browses for serviceID's service type. Repeated sightings of
// the same service name are dropped, as are lost events for names never
// reported found.
func (m *WifiLan) StartDiscovery(serviceID string, cb platform.DiscoveredServiceCallback) bool {
	st, unlock := m.state.lock()
	defer unlock()

	if serviceID == "" {
		logger.Info(lanPrefix, "refusing to start discovery with empty service_id")
		return false
	}
	if !m.isAvailable() {
		logger.Info(lanPrefix, "can't discover services because WifiLan isn't available")
		return false
	}
	if st.isDiscovering(serviceID) {
		logger.Info(lanPrefix, "refusing to start discovery for %s, another discovery is in progress", serviceID)
		return false
	}

	serviceType := GenerateServiceType(serviceID)
	if err := m.medium.StartDiscovery(serviceID, serviceType, m.dedup(cb)); err != nil {
		logger.Info(lanPrefix, "failed to start discovery of %s: %v", serviceType, err)
		return false
	}
	logger.Info(lanPrefix, "turned on discovery service_id=%s service_type=%s", serviceID, serviceType)
	st.discovering[serviceID] = struct{}{}
	return true
}

func (m *WifiLan) dedup(cb platform.DiscoveredServiceCallback) platform.DiscoveredServiceCallback {
	return platform.DiscoveredServiceCallback{
		ServiceDiscovered: func(info platform.NsdServiceInfo, serviceType string) {
			if !m.seen.found(serviceType, info.ServiceName) {
				logger.Trace(lanPrefix, "dropping repeated sighting of %s", info.ServiceName)
				return
			}
			m.opts.Metrics.Discovered(platform.WifiLan.String())
			if cb.ServiceDiscovered != nil {
				cb.ServiceDiscovered(info, serviceType)
			}
		},
		ServiceLost: func(info platform.NsdServiceInfo, serviceType string) {
			if !m.seen.lost(serviceType, info.ServiceName) {
				return
			}
			if cb.ServiceLost != nil {
				cb.ServiceLost(info, serviceType)
			}
		},
	}
}

func (m *WifiLan) StopDiscovery(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.stopDiscovery(st, serviceID)
}

func (m *WifiLan) stopDiscovery(st *wifiLanState, serviceID string) bool {
	if !st.isDiscovering(serviceID) {
		logger.Info(lanPrefix, "can't turn off discovery for %s, it never started", serviceID)
		return false
	}
	serviceType := GenerateServiceType(serviceID)
	logger.Info(lanPrefix, "turned off discovery service_id=%s service_type=%s", serviceID, serviceType)
	err := m.medium.StopDiscovery(serviceType)
	delete(st.discovering, serviceID)
	m.seen.forget(serviceType)
	if err != nil {
		logger.Warn(lanPrefix, "stop discovery %s: %v", serviceType, err)
		return false
	}
	return true
}

func (m *WifiLan) IsDiscovering(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return st.isDiscovering(serviceID)
}

// StartAcceptingConnections binds a server socket for serviceID and runs its
// accept loop on the manager's pool. With a dynamic port range the port is
// derived from the service id.
func (m *WifiLan) StartAcceptingConnections(serviceID string, cb AcceptedSocketCallback) bool {
	st, unlock := m.state.lock()
	defer unlock()

	if serviceID == "" {
		logger.Info(lanPrefix, "refusing to start accepting connections, service_id is empty")
		return false
	}
	if !m.isAvailable() {
		logger.Info(lanPrefix, "can't start accepting connections for %s, WifiLan not available", serviceID)
		return false
	}
	if st.isAccepting(serviceID) {
		logger.Info(lanPrefix, "refusing to start accepting connections for %s, server already running with the same name", serviceID)
		return false
	}

	port := 0
	if r, ok := m.medium.GetDynamicPortRange(); ok && r.IsValid() {
		port = GeneratePort(serviceID, r)
	}
	server, err := m.medium.ListenForService(port)
	if err != nil {
		logger.Info(lanPrefix, "failed to start accepting connections for %s: %v", serviceID, err)
		return false
	}
	st.servers[serviceID] = server

	if m.opts.Multiplex {
		m.opts.Listeners.Listen(serviceID, platform.WifiLan, func(sid string, vs *multiplex.VirtualSocket) {
			if cb != nil {
				cb(sid, vs)
			}
		})
	}

	loop := acceptLoop[platform.Socket]{
		prefix:    lanPrefix,
		name:      "wifi-lan-accept",
		medium:    platform.WifiLan,
		serviceID: serviceID,
		accept:    server.Accept,
		close:     server.Close,
		metrics:   m.opts.Metrics,
		onAccepted: func(socket platform.Socket) {
			socket = m.maybeWrapIncoming(serviceID, socket)
			if socket != nil && cb != nil {
				cb(serviceID, socket)
			}
		},
	}
	loop.run(m.pool)
	logger.Info(lanPrefix, "accepting connections service_id=%s ip=%s port=%d", serviceID, server.IPAddress(), server.Port())
	return true
}

func (m *WifiLan) maybeWrapIncoming(serviceID string, socket platform.Socket) platform.Socket {
	if !m.opts.Multiplex {
		return socket
	}
	st, unlock := m.state.lock()
	defer unlock()
	addr := remoteHost(socket)
	vs := wrapIncoming(st.multiplexed, m.opts, platform.WifiLan, serviceID, addr, socket)
	if vs == nil {
		return socket
	}
	logger.Info(lanPrefix, "multiplex virtual socket created for %s", addr)
	return vs
}

// StopAcceptingConnections closes serviceID's server socket, which ends its
// accept loop. The entry is dropped even when the close fails.
func (m *WifiLan) StopAcceptingConnections(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return m.stopAccepting(st, serviceID)
}

func (m *WifiLan) stopAccepting(st *wifiLanState, serviceID string) bool {
	if serviceID == "" {
		logger.Info(lanPrefix, "unable to stop accepting connections, service_id is empty")
		return false
	}
	server, ok := st.servers[serviceID]
	if !ok {
		logger.Info(lanPrefix, "can't stop accepting connections for %s, it was never started", serviceID)
		return false
	}
	if m.opts.Multiplex {
		m.opts.Listeners.StopListening(serviceID, platform.WifiLan)
	}
	delete(st.servers, serviceID)
	if err := server.Close(); err != nil {
		logger.Info(lanPrefix, "failed to close server socket for %s: %v", serviceID, err)
		return false
	}
	return true
}

func (m *WifiLan) IsAcceptingConnections(serviceID string) bool {
	st, unlock := m.state.lock()
	defer unlock()
	return st.isAccepting(serviceID)
}

// Connect dials the service described by info.
func (m *WifiLan) Connect(serviceID string, info platform.NsdServiceInfo, cancel *platform.CancellationFlag) platform.Socket {
	return m.ConnectToAddress(serviceID, info.IPAddress, info.Port, cancel)
}

// ConnectToAddress dials ip:port. The manager lock is held for the whole
// dial, so concurrent connects on one manager run one at a time. Returns nil
// on failure.
func (m *WifiLan) ConnectToAddress(serviceID, ip string, port int, cancel *platform.CancellationFlag) platform.Socket {
	st, unlock := m.state.lock()
	defer unlock()

	if serviceID == "" {
		logger.Info(lanPrefix, "refusing to create client socket, service_id is empty")
		return nil
	}
	if !m.isAvailable() {
		logger.Info(lanPrefix, "can't create client socket for %s, WifiLan isn't available", serviceID)
		return nil
	}
	if cancel.Cancelled() {
		logger.Info(lanPrefix, "can't create client socket for %s due to cancel", serviceID)
		return nil
	}

	if m.opts.Multiplex {
		if ms := st.multiplexed.reusable(lanPrefix, ip); ms != nil {
			ctx, stop := cancel.Context(context.Background())
			vs, err := ms.EstablishVirtualSocket(ctx, serviceID)
			stop()
			if err == nil {
				logger.Info(lanPrefix, "connected %s over existing multiplex socket to %s", serviceID, ip)
				m.opts.Metrics.ConnectAttempt(platform.WifiLan.String(), true)
				return vs
			}
			logger.Info(lanPrefix, "multiplex connect for %s failed: %v", serviceID, err)
		}
	}

	socket, err := m.medium.ConnectToService(ip, port, cancel)
	if err != nil {
		logger.Info(lanPrefix, "failed to connect service_id=%s: %v", serviceID, err)
		m.opts.Metrics.ConnectAttempt(platform.WifiLan.String(), false)
		return nil
	}
	m.opts.Metrics.ConnectAttempt(platform.WifiLan.String(), true)

	if m.opts.Multiplex {
		if vs := wrapOutgoing(st.multiplexed, m.opts, platform.WifiLan, serviceID, ip, socket); vs != nil {
			logger.Info(lanPrefix, "connected via multiplex service_id=%s", serviceID)
			return vs
		}
	}
	logger.Info(lanPrefix, "connected service_id=%s", serviceID)
	return socket
}

// GetCredentials returns the address and port serviceID is accepting on, or
// zero values.
func (m *WifiLan) GetCredentials(serviceID string) (string, int) {
	st, unlock := m.state.lock()
	defer unlock()
	server, ok := st.servers[serviceID]
	if !ok {
		return "", 0
	}
	return server.IPAddress(), server.Port()
}

// Close stops discovery, accepting and advertising for every service id,
// shuts down multiplex sockets, then waits for the accept loops to exit.
// Server sockets are closed before the pool is drained so no loop is left
// blocked in Accept.
func (m *WifiLan) Close() {
	st, unlock := m.state.lock()
	for id := range st.discovering {
		m.stopDiscovery(st, id)
	}
	for id := range st.servers {
		m.stopAccepting(st, id)
	}
	for id := range st.advertising {
		m.stopAdvertising(st, id)
	}
	if m.opts.Multiplex {
		st.multiplexed.shutdownAll(lanPrefix)
	}
	unlock()

	m.pool.Shutdown()
}
