// Package client holds the per-client view of Nearby Connections: what the
// client is advertising or discovering, which endpoints it has been told
// about, and where each connection stands in the accept/reject handshake.
package client

import (
	"crypto/sha256"
	"encoding/base64"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
)

const (
	clientPrefix = "client"

	EndpointIDLength = 4
	// IdleServiceID is reported by GetServiceID while neither advertising
	// nor discovering.
	IdleServiceID = "idle_service_id"
)

// Status is a bit set. A connection starts Pending, collects one local and
// one remote response, and becomes Connected once accepted.
type Status uint8

const (
	Pending        Status = 0
	LocalAccepted  Status = 1 << 0
	LocalRejected  Status = 1 << 1
	RemoteAccepted Status = 1 << 2
	RemoteRejected Status = 1 << 3
	Connected      Status = 1 << 4
)

type DiscoveryListener struct {
	EndpointFound func(endpointID string, endpointInfo []byte, serviceID string)
	EndpointLost  func(endpointID string)
}

type ConnectionResponseInfo struct {
	RemoteEndpointInfo     []byte
	AuthenticationToken    string
	RawAuthenticationToken []byte
	IsIncomingConnection   bool
}

type ConnectionListener struct {
	Initiated        func(endpointID string, info ConnectionResponseInfo)
	Accepted         func(endpointID string)
	Rejected         func(endpointID string, err error)
	Disconnected     func(endpointID string)
	BandwidthChanged func(endpointID string, medium platform.Medium)
}

type PayloadListener struct {
	Payload func(endpointID string, payload []byte)
}

// ConnectionOptions records the mediums a connection may upgrade to.
type ConnectionOptions struct {
	AllowedMediums []platform.Medium
}

type advertisingInfo struct {
	serviceID string
	listener  ConnectionListener
}

type discoveryInfo struct {
	serviceID string
	listener  DiscoveryListener
}

type connection struct {
	incoming bool
	status   Status
	listener ConnectionListener
	payload  PayloadListener
	options  ConnectionOptions
}

type proxyState struct {
	localEndpointID string
	advertising     *advertisingInfo
	discovery       *discoveryInfo
	advertisingOpts ConnectionOptions
	discoveryOpts   ConnectionOptions
	connections     map[string]*connection
	discovered      map[string]struct{}
	cancellations   map[string]*platform.CancellationFlag
}

func (st *proxyState) isAdvertising() bool { return st.advertising != nil }
func (st *proxyState) isDiscovering() bool { return st.discovery != nil }

func (st *proxyState) isDiscoveringServiceID(serviceID string) bool {
	return st.discovery != nil && st.discovery.serviceID == serviceID
}

func (st *proxyState) contains(endpointID string, mask Status) bool {
	c, ok := st.connections[endpointID]
	return ok && c.status&mask != 0
}

func (st *proxyState) resetLocalEndpointIDIfIdle() {
	if len(st.connections) == 0 && !st.isAdvertising() && !st.isDiscovering() {
		st.localEndpointID = ""
	}
}

// Proxy tracks one local client. Listener callbacks and published events
// run after the proxy's lock is released, in the order the changes were
// made.
type Proxy struct {
	clientID int64
	events   eventBus

	mu sync.Mutex
	st proxyState
}

func NewProxy() *Proxy {
	return &Proxy{
		clientID: rand.Int64(),
		events:   newEventBus(),
		st: proxyState{
			connections:   make(map[string]*connection),
			discovered:    make(map[string]struct{}),
			cancellations: make(map[string]*platform.CancellationFlag),
		},
	}
}

func (p *Proxy) lock() (*proxyState, *[]func(), func()) {
	p.mu.Lock()
	var pending []func()
	return &p.st, &pending, func() {
		p.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
	}
}

func (p *Proxy) emit(pending *[]func(), ev Event) {
	*pending = append(*pending, func() { p.events.publish(ev) })
}

func (p *Proxy) ClientID() int64 { return p.clientID }

// Subscribe streams every state change until the subscription is
// cancelled or the proxy is closed.
func (p *Proxy) Subscribe() Subscription {
	return p.events.subscribe()
}

// LocalEndpointID returns the endpoint id this client presents to peers,
// generating one on first use. It is discarded once the client goes idle.
func (p *Proxy) LocalEndpointID() string {
	st, _, unlock := p.lock()
	defer unlock()

	if st.localEndpointID == "" {
		sum := sha256.Sum256([]byte("client" + strconv.FormatInt(rand.Int64(), 10)))
		st.localEndpointID = base64.StdEncoding.EncodeToString(sum[:])[:EndpointIDLength]
		logger.Info(clientPrefix, "local endpoint generated: client=%d endpoint_id=%s", p.clientID, st.localEndpointID)
	}
	return st.localEndpointID
}

// Reset stops advertising and discovery and forgets every endpoint without
// notifying listeners.
func (p *Proxy) Reset() {
	st, pending, unlock := p.lock()
	defer unlock()

	p.stoppedAdvertising(st, pending)
	p.stoppedDiscovery(st, pending)
	clear(st.connections)
	clear(st.cancellations)
	st.localEndpointID = ""
}

// Close cancels in-flight endpoint work, resets the proxy and ends every
// subscription.
func (p *Proxy) Close() {
	p.CancelAllEndpoints()
	p.Reset()
	p.events.Shutdown()
}

func (p *Proxy) StartedAdvertising(serviceID string, listener ConnectionListener, opts ConnectionOptions) {
	st, pending, unlock := p.lock()
	defer unlock()

	st.advertising = &advertisingInfo{serviceID: serviceID, listener: listener}
	st.advertisingOpts = opts
	p.emit(pending, Event{Type: AdvertisingStarted, ServiceID: serviceID})
}

func (p *Proxy) StoppedAdvertising() {
	st, pending, unlock := p.lock()
	defer unlock()
	p.stoppedAdvertising(st, pending)
}

func (p *Proxy) stoppedAdvertising(st *proxyState, pending *[]func()) {
	if st.isAdvertising() {
		p.emit(pending, Event{Type: AdvertisingStopped, ServiceID: st.advertising.serviceID})
		st.advertising = nil
	}
	// advertising options outlive the session.
	st.resetLocalEndpointIDIfIdle()
}

func (p *Proxy) IsAdvertising() bool {
	st, _, unlock := p.lock()
	defer unlock()
	return st.isAdvertising()
}

func (p *Proxy) GetAdvertisingServiceID() string {
	st, _, unlock := p.lock()
	defer unlock()
	if st.advertising == nil {
		return ""
	}
	return st.advertising.serviceID
}

func (p *Proxy) GetAdvertisingOptions() ConnectionOptions {
	st, _, unlock := p.lock()
	defer unlock()
	return st.advertisingOpts
}

func (p *Proxy) StartedDiscovery(serviceID string, listener DiscoveryListener, opts ConnectionOptions) {
	st, pending, unlock := p.lock()
	defer unlock()

	st.discovery = &discoveryInfo{serviceID: serviceID, listener: listener}
	st.discoveryOpts = opts
	p.emit(pending, Event{Type: DiscoveryStarted, ServiceID: serviceID})
}

func (p *Proxy) StoppedDiscovery() {
	st, pending, unlock := p.lock()
	defer unlock()
	p.stoppedDiscovery(st, pending)
}

func (p *Proxy) stoppedDiscovery(st *proxyState, pending *[]func()) {
	if st.isDiscovering() {
		p.emit(pending, Event{Type: DiscoveryStopped, ServiceID: st.discovery.serviceID})
		clear(st.discovered)
		st.discovery = nil
	}
	st.resetLocalEndpointIDIfIdle()
}

func (p *Proxy) IsDiscovering() bool {
	st, _, unlock := p.lock()
	defer unlock()
	return st.isDiscovering()
}

func (p *Proxy) IsDiscoveringServiceID(serviceID string) bool {
	st, _, unlock := p.lock()
	defer unlock()
	return st.isDiscoveringServiceID(serviceID)
}

func (p *Proxy) GetDiscoveryServiceID() string {
	st, _, unlock := p.lock()
	defer unlock()
	if st.discovery == nil {
		return ""
	}
	return st.discovery.serviceID
}

func (p *Proxy) GetDiscoveryOptions() ConnectionOptions {
	st, _, unlock := p.lock()
	defer unlock()
	return st.discoveryOpts
}

// GetServiceID is the advertising service, else the discovery service,
// else IdleServiceID.
func (p *Proxy) GetServiceID() string {
	st, _, unlock := p.lock()
	defer unlock()
	switch {
	case st.isAdvertising():
		return st.advertising.serviceID
	case st.isDiscovering():
		return st.discovery.serviceID
	default:
		return IdleServiceID
	}
}

// OnEndpointFound reports endpointID to the discovery listener once per
// discovery session. Events for a service the client is not discovering
// are dropped.
func (p *Proxy) OnEndpointFound(serviceID, endpointID string, endpointInfo []byte, medium platform.Medium) {
	st, pending, unlock := p.lock()
	defer unlock()

	logger.Info(clientPrefix, "endpoint found: id=%s service=%s medium=%s", endpointID, serviceID, medium)
	if !st.isDiscoveringServiceID(serviceID) {
		logger.Info(clientPrefix, "ignoring found endpoint %s: not discovering %s", endpointID, serviceID)
		return
	}
	if _, ok := st.discovered[endpointID]; ok {
		logger.Warn(clientPrefix, "ignoring found endpoint %s: already reported", endpointID)
		return
	}
	st.discovered[endpointID] = struct{}{}

	if cb := st.discovery.listener.EndpointFound; cb != nil {
		*pending = append(*pending, func() { cb(endpointID, endpointInfo, serviceID) })
	}
	p.emit(pending, Event{Type: EndpointFound, ServiceID: serviceID, EndpointID: endpointID, EndpointInfo: endpointInfo, Medium: medium})
}

// OnEndpointLost is the counterpart of OnEndpointFound and only fires for
// endpoints previously reported found.
func (p *Proxy) OnEndpointLost(serviceID, endpointID string) {
	st, pending, unlock := p.lock()
	defer unlock()

	logger.Info(clientPrefix, "endpoint lost: id=%s service=%s", endpointID, serviceID)
	if !st.isDiscoveringServiceID(serviceID) {
		logger.Info(clientPrefix, "ignoring lost endpoint %s: not discovering %s", endpointID, serviceID)
		return
	}
	if _, ok := st.discovered[endpointID]; !ok {
		logger.Warn(clientPrefix, "ignoring lost endpoint %s: never reported found", endpointID)
		return
	}
	delete(st.discovered, endpointID)

	if cb := st.discovery.listener.EndpointLost; cb != nil {
		*pending = append(*pending, func() { cb(endpointID) })
	}
	p.emit(pending, Event{Type: EndpointLost, ServiceID: serviceID, EndpointID: endpointID})
}

// OnConnectionInitiated records a pending connection. Connections are
// allowed after advertising stops, so advertising state is not checked.
func (p *Proxy) OnConnectionInitiated(endpointID string, info ConnectionResponseInfo, opts ConnectionOptions, listener ConnectionListener) {
	st, pending, unlock := p.lock()
	defer unlock()

	if _, ok := st.connections[endpointID]; ok {
		logger.Warn(clientPrefix, "connection to %s already initiated", endpointID)
		return
	}
	st.connections[endpointID] = &connection{
		incoming: info.IsIncomingConnection,
		status:   Pending,
		listener: listener,
		options:  opts,
	}
	logger.Info(clientPrefix, "connection initiated: client=%d id=%s incoming=%t", p.clientID, endpointID, info.IsIncomingConnection)

	if cb := listener.Initiated; cb != nil {
		*pending = append(*pending, func() { cb(endpointID, info) })
	}
	if info.IsIncomingConnection {
		if _, ok := st.cancellations[endpointID]; !ok {
			st.cancellations[endpointID] = platform.NewCancellationFlag()
		}
	}
	p.emit(pending, Event{Type: ConnectionInitiated, EndpointID: endpointID, EndpointInfo: info.RemoteEndpointInfo, Incoming: info.IsIncomingConnection})
}

func (p *Proxy) OnConnectionAccepted(endpointID string) {
	st, pending, unlock := p.lock()
	defer unlock()

	c, ok := st.connections[endpointID]
	if !ok || c.status == Connected {
		logger.Info(clientPrefix, "connection accepted: no pending connection; id=%s", endpointID)
		return
	}
	c.status = Connected
	if cb := c.listener.Accepted; cb != nil {
		*pending = append(*pending, func() { cb(endpointID) })
	}
	p.emit(pending, Event{Type: ConnectionAccepted, EndpointID: endpointID, Incoming: c.incoming})
}

// OnConnectionRejected notifies the listener and drops the connection
// without a disconnect callback.
func (p *Proxy) OnConnectionRejected(endpointID string, reason error) {
	st, pending, unlock := p.lock()
	defer unlock()

	c, ok := st.connections[endpointID]
	if !ok || c.status == Connected {
		logger.Info(clientPrefix, "connection rejected: no pending connection; id=%s", endpointID)
		return
	}
	if cb := c.listener.Rejected; cb != nil {
		*pending = append(*pending, func() { cb(endpointID, reason) })
	}
	p.emit(pending, Event{Type: ConnectionRejected, EndpointID: endpointID, Incoming: c.incoming})
	p.disconnected(st, pending, endpointID, false)
}

func (p *Proxy) OnBandwidthChanged(endpointID string, medium platform.Medium) {
	st, pending, unlock := p.lock()
	defer unlock()

	c, ok := st.connections[endpointID]
	if !ok {
		return
	}
	if cb := c.listener.BandwidthChanged; cb != nil {
		*pending = append(*pending, func() { cb(endpointID, medium) })
	}
	p.emit(pending, Event{Type: BandwidthChanged, EndpointID: endpointID, Medium: medium})
}

// OnDisconnected forgets endpointID, calling the listener's Disconnected
// only if notify is set. Any cancellation flag for it is cancelled.
func (p *Proxy) OnDisconnected(endpointID string, notify bool) {
	st, pending, unlock := p.lock()
	defer unlock()
	p.disconnected(st, pending, endpointID, notify)
}

func (p *Proxy) disconnected(st *proxyState, pending *[]func(), endpointID string, notify bool) {
	if c, ok := st.connections[endpointID]; ok {
		if cb := c.listener.Disconnected; notify && cb != nil {
			*pending = append(*pending, func() { cb(endpointID) })
		}
		delete(st.connections, endpointID)
		p.emit(pending, Event{Type: Disconnected, EndpointID: endpointID, Incoming: c.incoming})
		st.resetLocalEndpointIDIfIdle()
	}
	if f, ok := st.cancellations[endpointID]; ok {
		f.Cancel()
		delete(st.cancellations, endpointID)
	}
}

// OnPayload hands payload to the endpoint's payload listener once the
// connection is established; otherwise it is dropped.
func (p *Proxy) OnPayload(endpointID string, payload []byte) {
	st, pending, unlock := p.lock()
	defer unlock()

	c, ok := st.connections[endpointID]
	if !ok || c.status != Connected || c.payload.Payload == nil {
		return
	}
	cb := c.payload.Payload
	*pending = append(*pending, func() { cb(endpointID, payload) })
}

func (p *Proxy) IsConnectedToEndpoint(endpointID string) bool {
	st, _, unlock := p.lock()
	defer unlock()
	c, ok := st.connections[endpointID]
	return ok && c.status == Connected
}

// HasPendingConnectionToEndpoint is true while a known connection awaits
// acceptance.
func (p *Proxy) HasPendingConnectionToEndpoint(endpointID string) bool {
	st, _, unlock := p.lock()
	defer unlock()
	c, ok := st.connections[endpointID]
	return ok && c.status != Connected
}

func (p *Proxy) matching(pred func(*connection) bool) []string {
	st, _, unlock := p.lock()
	defer unlock()

	var ids []string
	for id, c := range st.connections {
		if pred(c) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetConnectedEndpoints lists endpoints that may be sent payloads.
func (p *Proxy) GetConnectedEndpoints() []string {
	return p.matching(func(c *connection) bool { return c.status == Connected })
}

func (p *Proxy) GetPendingConnectedEndpoints() []string {
	return p.matching(func(c *connection) bool { return c.status != Connected })
}

func (p *Proxy) GetNumOutgoingConnections() int {
	return len(p.matching(func(c *connection) bool { return c.status == Connected && !c.incoming }))
}

func (p *Proxy) GetNumIncomingConnections() int {
	return len(p.matching(func(c *connection) bool { return c.status == Connected && c.incoming }))
}

func (p *Proxy) GetUpgradeMediums(endpointID string) []platform.Medium {
	st, _, unlock := p.lock()
	defer unlock()
	if c, ok := st.connections[endpointID]; ok {
		return c.options.AllowedMediums
	}
	return nil
}

func (p *Proxy) HasLocalEndpointResponded(endpointID string) bool {
	st, _, unlock := p.lock()
	defer unlock()
	return st.contains(endpointID, LocalAccepted|LocalRejected)
}

func (p *Proxy) HasRemoteEndpointResponded(endpointID string) bool {
	st, _, unlock := p.lock()
	defer unlock()
	return st.contains(endpointID, RemoteAccepted|RemoteRejected)
}

// LocalEndpointAcceptedConnection records the local accept and the payload
// listener to use once connected. A second response is ignored.
func (p *Proxy) LocalEndpointAcceptedConnection(endpointID string, listener PayloadListener) {
	st, _, unlock := p.lock()
	defer unlock()

	if st.contains(endpointID, LocalAccepted|LocalRejected) {
		logger.Info(clientPrefix, "local endpoint has responded; id=%s", endpointID)
		return
	}
	if c, ok := st.connections[endpointID]; ok {
		c.status |= LocalAccepted
		c.payload = listener
	}
}

func (p *Proxy) LocalEndpointRejectedConnection(endpointID string) {
	p.respond(endpointID, LocalAccepted|LocalRejected, LocalRejected, "local")
}

func (p *Proxy) RemoteEndpointAcceptedConnection(endpointID string) {
	p.respond(endpointID, RemoteAccepted|RemoteRejected, RemoteAccepted, "remote")
}

func (p *Proxy) RemoteEndpointRejectedConnection(endpointID string) {
	p.respond(endpointID, RemoteAccepted|RemoteRejected, RemoteRejected, "remote")
}

func (p *Proxy) respond(endpointID string, responded, status Status, side string) {
	st, _, unlock := p.lock()
	defer unlock()

	if st.contains(endpointID, responded) {
		logger.Info(clientPrefix, "%s endpoint has responded; id=%s", side, endpointID)
		return
	}
	if c, ok := st.connections[endpointID]; ok {
		c.status |= status
	}
}

// IsConnectionAccepted is true once both sides accepted.
func (p *Proxy) IsConnectionAccepted(endpointID string) bool {
	st, _, unlock := p.lock()
	defer unlock()
	return st.contains(endpointID, LocalAccepted) && st.contains(endpointID, RemoteAccepted)
}

// IsConnectionRejected is true once either side rejected.
func (p *Proxy) IsConnectionRejected(endpointID string) bool {
	st, _, unlock := p.lock()
	defer unlock()
	return st.contains(endpointID, LocalRejected|RemoteRejected)
}

func (p *Proxy) LocalConnectionIsAccepted(endpointID string) bool {
	st, _, unlock := p.lock()
	defer unlock()
	return st.contains(endpointID, LocalAccepted)
}

func (p *Proxy) RemoteConnectionIsAccepted(endpointID string) bool {
	st, _, unlock := p.lock()
	defer unlock()
	return st.contains(endpointID, RemoteAccepted)
}

// GetCancellationFlag returns the flag guarding work for an incoming
// endpoint, or nil (never cancelled) when there is none.
func (p *Proxy) GetCancellationFlag(endpointID string) *platform.CancellationFlag {
	st, _, unlock := p.lock()
	defer unlock()
	return st.cancellations[endpointID]
}

func (p *Proxy) CancelEndpoint(endpointID string) {
	st, _, unlock := p.lock()
	defer unlock()
	if f, ok := st.cancellations[endpointID]; ok {
		f.Cancel()
		delete(st.cancellations, endpointID)
	}
}

func (p *Proxy) CancelAllEndpoints() {
	st, _, unlock := p.lock()
	defer unlock()
	for _, f := range st.cancellations {
		if !f.Cancelled() {
			f.Cancel()
		}
	}
	clear(st.cancellations)
}
