package lan

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/user/nearby-connections/platform"
)

// ServerSocket is a platform.IPServerSocket bound on every interface and
// reporting ip as its address.
type ServerSocket struct {
	l  net.Listener
	ip string
}

// Listen binds a TCP server socket. With port 0 and a valid portRange the
// first free port of the range is taken; otherwise the OS picks.
func Listen(ip string, port int, portRange platform.PortRange) (*ServerSocket, error) {
	if port == 0 && portRange.IsValid() {
		var lastErr error
		for p := portRange.First; p < portRange.Second; p++ {
			l, err := net.Listen("tcp4", net.JoinHostPort("", strconv.Itoa(p)))
			if err == nil {
				return &ServerSocket{l: l, ip: ip}, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = errors.New("empty port range")
		}
		return nil, fault.Wrap(lastErr,
			fctx.With(context.Background(), "error_at", "listen-range",
				"range", strconv.Itoa(portRange.First)+"-"+strconv.Itoa(portRange.Second)),
			fmsg.With("No free port in dynamic range"),
		)
	}

	l, err := net.Listen("tcp4", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "listen", "port", strconv.Itoa(port)),
			fmsg.With("Cannot bind server socket"),
		)
	}
	return &ServerSocket{l: l, ip: ip}, nil
}

func (s *ServerSocket) Accept() (platform.Socket, error) {
	conn, err := s.l.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, platform.ErrServerClosed
		}
		return nil, fault.Wrap(err, fmsg.With("Accept failed"))
	}
	return &Socket{Conn: conn}, nil
}

func (s *ServerSocket) Close() error      { return s.l.Close() }
func (s *ServerSocket) IPAddress() string { return s.ip }
func (s *ServerSocket) Port() int         { return s.l.Addr().(*net.TCPAddr).Port }

// Socket is a connected TCP stream.
type Socket struct {
	net.Conn
}

func (s *Socket) RemoteAddress() string {
	host, _, err := net.SplitHostPort(s.Conn.RemoteAddr().String())
	if err != nil {
		return s.Conn.RemoteAddr().String()
	}
	return host
}

// Dial connects to ip:port. Cancelling the flag aborts the dial.
func Dial(ip string, port int, cancel *platform.CancellationFlag) (*Socket, error) {
	if cancel.Cancelled() {
		return nil, platform.ErrCancelled
	}
	ctx, stop := cancel.Context(context.Background())
	defer stop()

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		if cancel.Cancelled() {
			return nil, platform.ErrCancelled
		}
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "dial", "addr", addr),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot connect to service"),
		)
	}
	return &Socket{Conn: conn}, nil
}

// HostIPv4 picks the address advertised for this host: the first IPv4
// address of iface, or of the first multicast-capable interface that is up.
// Loopback is the last resort.
func HostIPv4(iface string) (net.IP, *net.Interface, error) {
	var candidates []net.Interface
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, nil, fault.Wrap(err,
				fctx.With(context.Background(), "interface", iface),
				fmsg.With("Unknown network interface"),
			)
		}
		candidates = []net.Interface{*ifi}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return nil, nil, fault.Wrap(err, fmsg.With("Cannot list network interfaces"))
		}
		candidates = all
	}

	var loopback *net.Interface
	for i := range candidates {
		ifi := &candidates[i]
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		ip := firstIPv4(ifi)
		if ip == nil {
			continue
		}
		if ifi.Flags&net.FlagLoopback != 0 {
			if loopback == nil {
				loopback = ifi
			}
			continue
		}
		if iface == "" && ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		return ip, ifi, nil
	}
	if loopback != nil {
		return firstIPv4(loopback), loopback, nil
	}
	return nil, nil, fault.Wrap(platform.ErrUnavailable, fmsg.With("No IPv4 interface is up"))
}

func firstIPv4(ifi *net.Interface) net.IP {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok {
			if ip4 := n.IP.To4(); ip4 != nil {
				return ip4
			}
		}
	}
	return nil
}
