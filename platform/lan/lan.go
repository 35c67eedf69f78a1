// Package lan is the host WifiLan backend: TCP sockets on the machine's
// IPv4 address and a small mDNS responder and browser for DNS-SD.
package lan

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
)

const lanPrefix = "lan"

const defaultQueryInterval = 5 * time.Second

type Options struct {
	// Interface pins mDNS and the advertised address to one interface.
	Interface string
	// PortRange is the dynamic range used for port 0 listens. The zero
	// value means none.
	PortRange     platform.PortRange
	QueryInterval time.Duration
}

// Medium implements platform.WifiLanMedium on the host network.
type Medium struct {
	opts Options

	mu      sync.Mutex
	conn    *mdnsConn
	zone    zone
	browses map[string]*browse
}

func New(opts Options) *Medium {
	if opts.QueryInterval <= 0 {
		opts.QueryInterval = defaultQueryInterval
	}
	return &Medium{
		opts:    opts,
		zone:    newZone(hostDomain()),
		browses: make(map[string]*browse),
	}
}

func (m *Medium) IsValid() bool {
	_, _, err := HostIPv4(m.opts.Interface)
	return err == nil
}

func (m *Medium) StartAdvertising(info platform.NsdServiceInfo) error {
	if !info.IsValid() || info.ServiceType == "" {
		return fmt.Errorf("lan: incomplete service info %+v", info)
	}
	key := instanceDomain(info)

	m.mu.Lock()
	if _, ok := m.zone.instances[key]; ok {
		m.mu.Unlock()
		return fmt.Errorf("lan: already advertising %s", key)
	}
	if err := m.ensureConnLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.zone.instances[key] = info
	conn := m.conn
	msg := m.zone.announce(info, recordTTL)
	m.mu.Unlock()

	logger.Debug(lanPrefix, "advertising %s on port %d", key, info.Port)
	return conn.send(msg)
}

func (m *Medium) StopAdvertising(info platform.NsdServiceInfo) error {
	key := instanceDomain(info)

	m.mu.Lock()
	stored, ok := m.zone.instances[key]
	if !ok {
		m.mu.Unlock()
		return platform.ErrNotFound
	}
	delete(m.zone.instances, key)
	goodbye := m.zone.announce(stored, 0)
	conn := m.conn
	idle := m.detachIfIdleLocked()
	m.mu.Unlock()

	err := conn.send(goodbye)
	if idle != nil {
		idle.shutdown()
	}
	logger.Debug(lanPrefix, "stopped advertising %s", key)
	return err
}

func (m *Medium) StartDiscovery(serviceID, serviceType string, cb platform.DiscoveredServiceCallback) error {
	if serviceType == "" {
		return fmt.Errorf("lan: empty service type")
	}
	m.mu.Lock()
	if _, ok := m.browses[serviceType]; ok {
		m.mu.Unlock()
		return fmt.Errorf("lan: already browsing %s", serviceType)
	}
	if err := m.ensureConnLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.browses[serviceType] = newBrowse(serviceID, serviceType, cb)
	conn := m.conn
	m.mu.Unlock()

	logger.Debug(lanPrefix, "browsing %s for %s", serviceType, serviceID)
	return conn.send(browseQuery(serviceType))
}

func (m *Medium) StopDiscovery(serviceType string) error {
	m.mu.Lock()
	if _, ok := m.browses[serviceType]; !ok {
		m.mu.Unlock()
		return platform.ErrNotFound
	}
	delete(m.browses, serviceType)
	idle := m.detachIfIdleLocked()
	m.mu.Unlock()

	if idle != nil {
		idle.shutdown()
	}
	return nil
}

func (m *Medium) ListenForService(port int) (platform.IPServerSocket, error) {
	ip, _, err := HostIPv4(m.opts.Interface)
	if err != nil {
		return nil, err
	}
	s, err := Listen(ip.String(), port, m.opts.PortRange)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Medium) ConnectToService(ip string, port int, cancel *platform.CancellationFlag) (platform.Socket, error) {
	s, err := Dial(ip, port, cancel)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Medium) GetDynamicPortRange() (platform.PortRange, bool) {
	return m.opts.PortRange, m.opts.PortRange.IsValid()
}

// Close sends goodbyes for everything still advertised and shuts the mDNS
// socket down.
func (m *Medium) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	var goodbyes []*dns.Msg
	for key, info := range m.zone.instances {
		goodbyes = append(goodbyes, m.zone.announce(info, 0))
		delete(m.zone.instances, key)
	}
	m.browses = make(map[string]*browse)
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	for _, g := range goodbyes {
		if err := conn.send(g); err != nil {
			logger.Warn(lanPrefix, "goodbye failed: %v", err)
		}
	}
	conn.close()
	return nil
}

func (m *Medium) ensureConnLocked() error {
	if m.conn != nil {
		return nil
	}
	var ifi *net.Interface
	if m.opts.Interface != "" {
		_, i, err := HostIPv4(m.opts.Interface)
		if err != nil {
			return err
		}
		ifi = i
	}
	conn, err := openMDNS(ifi, m.opts.QueryInterval, m.handle, m.tick)
	if err != nil {
		return err
	}
	m.conn = conn
	return nil
}

// detachIfIdleLocked hands back the socket for closing once nothing is
// advertised or browsed. The caller closes it after unlocking.
func (m *Medium) detachIfIdleLocked() *mdnsConn {
	if len(m.zone.instances) > 0 || len(m.browses) > 0 {
		return nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Medium) handle(msg *dns.Msg) {
	if !msg.Response {
		m.mu.Lock()
		reply := m.zone.answer(msg)
		conn := m.conn
		m.mu.Unlock()
		if reply != nil && conn != nil {
			if err := conn.send(reply); err != nil {
				logger.Warn(lanPrefix, "answer failed: %v", err)
			}
		}
		return
	}

	now := time.Now()
	var events []serviceEvent
	m.mu.Lock()
	for _, b := range m.browses {
		events = append(events, b.observe(msg, now)...)
	}
	m.mu.Unlock()
	for _, e := range events {
		e.fire()
	}
}

// tick re-queries every browsed type and expires stale instances.
func (m *Medium) tick() {
	now := time.Now()
	var events []serviceEvent
	var queries []*dns.Msg
	m.mu.Lock()
	conn := m.conn
	for _, b := range m.browses {
		events = append(events, b.expire(now)...)
		queries = append(queries, browseQuery(b.serviceType))
	}
	m.mu.Unlock()

	for _, e := range events {
		e.fire()
	}
	if conn == nil {
		return
	}
	for _, q := range queries {
		if err := conn.send(q); err != nil {
			logger.Warn(lanPrefix, "query failed: %v", err)
		}
	}
}
