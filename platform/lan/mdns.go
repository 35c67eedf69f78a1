package lan

import (
	"context"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
)

const (
	mdnsPort   = 5353
	recordTTL  = 120
	maxMDNSLen = 9000
)

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: mdnsPort}

// serviceDomain turns "_ABC._tcp" (with or without a trailing dot or
// ".local") into "_ABC._tcp.local.".
func serviceDomain(serviceType string) string {
	t := strings.TrimSuffix(serviceType, ".")
	t = strings.TrimSuffix(t, ".local")
	return dns.Fqdn(t + ".local")
}

func instanceDomain(info platform.NsdServiceInfo) string {
	return escapeLabel(info.ServiceName) + "." + serviceDomain(info.ServiceType)
}

func escapeLabel(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '.', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// firstLabel splits name at its first unescaped dot and returns the
// unescaped label.
func firstLabel(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '.':
			return b.String()
		case c == '\\' && i+3 < len(name) && isDigit(name[i+1]) && isDigit(name[i+2]) && isDigit(name[i+3]):
			n, _ := strconv.Atoi(name[i+1 : i+4])
			b.WriteByte(byte(n))
			i += 3
		case c == '\\' && i+1 < len(name):
			i++
			b.WriteByte(name[i])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func hostDomain() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		h = "nearby"
	}
	h = strings.SplitN(h, ".", 2)[0]
	return dns.Fqdn(h + ".local")
}

func header(name string, rrtype uint16, ttl uint32) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: ttl}
}

// zone holds the instances this host advertises. Not safe for concurrent
// use; Medium guards it.
type zone struct {
	host      string
	instances map[string]platform.NsdServiceInfo
}

func newZone(host string) zone {
	return zone{host: host, instances: make(map[string]platform.NsdServiceInfo)}
}

func (z *zone) records(info platform.NsdServiceInfo, ttl uint32) []dns.RR {
	instance := instanceDomain(info)

	keys := make([]string, 0, len(info.TxtRecords))
	for k := range info.TxtRecords {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	txt := make([]string, 0, len(keys))
	for _, k := range keys {
		txt = append(txt, k+"="+info.TxtRecords[k])
	}
	if len(txt) == 0 {
		txt = []string{""}
	}

	rrs := []dns.RR{
		&dns.PTR{Hdr: header(serviceDomain(info.ServiceType), dns.TypePTR, ttl), Ptr: instance},
		&dns.SRV{Hdr: header(instance, dns.TypeSRV, ttl), Port: uint16(info.Port), Target: z.host},
		&dns.TXT{Hdr: header(instance, dns.TypeTXT, ttl), Txt: txt},
	}
	if ip := net.ParseIP(info.IPAddress).To4(); ip != nil {
		rrs = append(rrs, &dns.A{Hdr: header(z.host, dns.TypeA, ttl), A: ip})
	}
	return rrs
}

// announce builds an unsolicited response for info. ttl 0 is a goodbye.
func (z *zone) announce(info platform.NsdServiceInfo, ttl uint32) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	rrs := z.records(info, ttl)
	m.Answer = rrs[:1]
	m.Extra = rrs[1:]
	return m
}

// answer replies to the PTR (or ANY) questions of q that name a service
// type we advertise. It returns nil when there is nothing to say.
func (z *zone) answer(q *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	for _, question := range q.Question {
		if question.Qtype != dns.TypePTR && question.Qtype != dns.TypeANY {
			continue
		}
		for _, info := range z.instances {
			if !strings.EqualFold(serviceDomain(info.ServiceType), question.Name) {
				continue
			}
			rrs := z.records(info, recordTTL)
			m.Answer = append(m.Answer, rrs[0])
			m.Extra = append(m.Extra, rrs[1:]...)
		}
	}
	if len(m.Answer) == 0 {
		return nil
	}
	return m
}

func browseQuery(serviceType string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(serviceDomain(serviceType), dns.TypePTR)
	m.Id = 0
	m.RecursionDesired = false
	return m
}

type sighting struct {
	info    platform.NsdServiceInfo
	expires time.Time
}

type serviceEvent struct {
	lost bool
	info platform.NsdServiceInfo
	cb   platform.DiscoveredServiceCallback
}

func (e serviceEvent) fire() {
	if e.lost {
		if e.cb.ServiceLost != nil {
			e.cb.ServiceLost(e.info, e.info.ServiceType)
		}
		return
	}
	if e.cb.ServiceDiscovered != nil {
		e.cb.ServiceDiscovered(e.info, e.info.ServiceType)
	}
}

// browse tracks the instances seen for one service type.
type browse struct {
	serviceID   string
	serviceType string
	domain      string
	cb          platform.DiscoveredServiceCallback
	known       map[string]sighting
}

func newBrowse(serviceID, serviceType string, cb platform.DiscoveredServiceCallback) *browse {
	return &browse{
		serviceID:   serviceID,
		serviceType: serviceType,
		domain:      serviceDomain(serviceType),
		cb:          cb,
		known:       make(map[string]sighting),
	}
}

// observe folds a response into the known set and returns the resulting
// found and lost events. Instances whose SRV or A record is missing are
// ignored until a complete answer arrives.
func (b *browse) observe(resp *dns.Msg, now time.Time) []serviceEvent {
	var all []dns.RR
	all = append(all, resp.Answer...)
	all = append(all, resp.Ns...)
	all = append(all, resp.Extra...)

	srvs := make(map[string]*dns.SRV)
	txts := make(map[string]*dns.TXT)
	addrs := make(map[string]net.IP)
	for _, rr := range all {
		name := strings.ToLower(rr.Header().Name)
		switch r := rr.(type) {
		case *dns.SRV:
			srvs[name] = r
		case *dns.TXT:
			txts[name] = r
		case *dns.A:
			addrs[name] = r.A
		}
	}

	var events []serviceEvent
	for _, rr := range all {
		ptr, ok := rr.(*dns.PTR)
		if !ok || !strings.EqualFold(ptr.Hdr.Name, b.domain) {
			continue
		}
		key := strings.ToLower(ptr.Ptr)
		if ptr.Hdr.Ttl == 0 {
			if s, ok := b.known[key]; ok {
				delete(b.known, key)
				events = append(events, serviceEvent{lost: true, info: s.info, cb: b.cb})
			}
			continue
		}

		expires := now.Add(time.Duration(ptr.Hdr.Ttl) * time.Second)
		if s, ok := b.known[key]; ok {
			s.expires = expires
			b.known[key] = s
			continue
		}
		srv, ok := srvs[key]
		if !ok {
			continue
		}
		ip, ok := addrs[strings.ToLower(srv.Target)]
		if !ok {
			continue
		}
		info := platform.NsdServiceInfo{
			ServiceName: firstLabel(ptr.Ptr),
			ServiceType: b.serviceType,
			IPAddress:   ip.String(),
			Port:        int(srv.Port),
		}
		if txt, ok := txts[key]; ok {
			for _, kv := range txt.Txt {
				if k, v, found := strings.Cut(kv, "="); found && k != "" {
					info.SetTxtRecord(k, v)
				}
			}
		}
		b.known[key] = sighting{info: info, expires: expires}
		events = append(events, serviceEvent{info: info, cb: b.cb})
	}
	return events
}

// expire drops instances whose records have lapsed.
func (b *browse) expire(now time.Time) []serviceEvent {
	var events []serviceEvent
	for key, s := range b.known {
		if now.After(s.expires) {
			delete(b.known, key)
			events = append(events, serviceEvent{lost: true, info: s.info, cb: b.cb})
		}
	}
	return events
}

// mdnsConn is the multicast socket shared by the responder and the
// browsers, plus the goroutines reading it and re-sending queries.
type mdnsConn struct {
	c    net.PacketConn
	pc   *ipv4.PacketConn
	stop chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
}

func openMDNS(ifi *net.Interface, queryInterval time.Duration, onMsg func(*dns.Msg), onTick func()) (*mdnsConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	c, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("", strconv.Itoa(mdnsPort)))
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "mdns-listen"),
			fmsg.With("Cannot open mDNS socket"),
		)
	}

	pc := ipv4.NewPacketConn(c)
	if err := pc.JoinGroup(ifi, mdnsGroup); err != nil {
		c.Close()
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "mdns-join"),
			fmsg.With("Cannot join mDNS group"),
		)
	}
	if ifi != nil {
		pc.SetMulticastInterface(ifi)
	}
	pc.SetMulticastTTL(255)
	pc.SetMulticastLoopback(true)

	m := &mdnsConn{c: c, pc: pc, stop: make(chan struct{})}
	m.wg.Add(2)
	go m.readLoop(onMsg)
	go m.tickLoop(queryInterval, onTick)
	return m, nil
}

func (m *mdnsConn) readLoop(onMsg func(*dns.Msg)) {
	defer m.wg.Done()
	buf := make([]byte, maxMDNSLen)
	for {
		n, _, _, err := m.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.stop:
			default:
				logger.Warn(lanPrefix, "mDNS read failed: %v", err)
			}
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			logger.Trace(lanPrefix, "dropping malformed mDNS packet: %v", err)
			continue
		}
		onMsg(msg)
	}
}

func (m *mdnsConn) tickLoop(interval time.Duration, onTick func()) {
	defer m.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			onTick()
		}
	}
}

func (m *mdnsConn) send(msg *dns.Msg) error {
	b, err := msg.Pack()
	if err != nil {
		return fault.Wrap(err, fmsg.With("Cannot pack mDNS message"))
	}
	if _, err := m.pc.WriteTo(b, nil, mdnsGroup); err != nil {
		return fault.Wrap(err, fmsg.With("Cannot send mDNS message"))
	}
	return nil
}

// shutdown stops both loops without waiting for them, so it is safe from
// inside a discovery callback.
func (m *mdnsConn) shutdown() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.c.Close()
	})
}

// close must not be called from onMsg or onTick.
func (m *mdnsConn) close() {
	m.shutdown()
	m.wg.Wait()
}
