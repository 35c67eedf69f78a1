package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/user/nearby-connections/platform"
)

const (
	handshakeTimeout = 2 * time.Second
	maxHandshakeLen  = 256
)

// writeHandshake sends our identity: 4-byte length + id bytes.
func writeHandshake(conn net.Conn, id string) error {
	if err := binary.Write(conn, binary.BigEndian, uint32(len(id))); err != nil {
		return err
	}
	_, err := conn.Write([]byte(id))
	return err
}

func readHandshake(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var n uint32
	if err := binary.Read(conn, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0 || n > maxHandshakeLen {
		return "", fmt.Errorf("handshake length %d out of range", n)
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(conn, id); err != nil {
		return "", err
	}
	return string(id), nil
}

func dialError(err error, at, addr string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", at, "addr", addr),
		ftag.With(ftag.Internal),
		fmsg.With("Cannot connect to simulated peer"),
	)
}

// acceptError maps a closed listener to platform.ErrServerClosed.
func acceptError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return platform.ErrServerClosed
	}
	return fault.Wrap(err, fmsg.With("Accept failed"))
}

// tcpServer is a platform.IPServerSocket on loopback.
type tcpServer struct {
	l  net.Listener
	ip string
}

func listenTCP(port int) (*tcpServer, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(loopback, strconv.Itoa(port)))
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "listen-tcp", "port", strconv.Itoa(port)),
			fmsg.With("Cannot bind server socket"),
		)
	}
	return &tcpServer{l: l, ip: loopback}, nil
}

func (s *tcpServer) Accept() (platform.Socket, error) {
	conn, err := s.l.Accept()
	if err != nil {
		return nil, acceptError(err)
	}
	return &ipSocket{Conn: conn}, nil
}

func (s *tcpServer) Close() error      { return s.l.Close() }
func (s *tcpServer) IPAddress() string { return s.ip }
func (s *tcpServer) Port() int         { return s.l.Addr().(*net.TCPAddr).Port }

type ipSocket struct {
	net.Conn
}

func (s *ipSocket) RemoteAddress() string {
	host, _, err := net.SplitHostPort(s.Conn.RemoteAddr().String())
	if err != nil {
		return s.Conn.RemoteAddr().String()
	}
	return host
}

// dialTCP connects after the simulated connection delay. cancel aborts
// both the delay and the dial.
func (a *Air) dialTCP(ip string, port int, cancel *platform.CancellationFlag) (platform.Socket, error) {
	ctx, stop := cancel.Context(context.Background())
	defer stop()

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	if err := a.connectDelay(ctx); err != nil {
		return nil, err
	}
	if !a.sim.ShouldConnectionSucceed() {
		return nil, dialError(errSimulatedFailure, "dial-tcp", addr)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dialError(err, "dial-tcp", addr)
	}
	return &ipSocket{Conn: conn}, nil
}

// unixServer listens on a socket file and completes the handshake before
// handing a connection out.
type unixServer struct {
	l    net.Listener
	path string
	// onClose unregisters the server from the air.
	onClose func()
}

func listenUnix(path string, onClose func()) (*unixServer, error) {
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "listen-unix", "path", path),
			fmsg.With("Cannot create socket file"),
		)
	}
	return &unixServer{l: l, path: path, onClose: onClose}, nil
}

// accept returns the next connection and the peer id it announced.
// Connections with a bad handshake are dropped.
func (s *unixServer) accept() (net.Conn, string, error) {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return nil, "", acceptError(err)
		}
		peer, err := readHandshake(conn)
		if err != nil {
			conn.Close()
			continue
		}
		return conn, peer, nil
	}
}

func (s *unixServer) Close() error {
	if s.onClose != nil {
		s.onClose()
	}
	err := s.l.Close()
	os.Remove(s.path)
	return err
}

func (a *Air) dialUnix(path, self string, cancel *platform.CancellationFlag) (net.Conn, error) {
	ctx, stop := cancel.Context(context.Background())
	defer stop()

	if err := a.connectDelay(ctx); err != nil {
		return nil, err
	}
	if !a.sim.ShouldConnectionSucceed() {
		return nil, dialError(errSimulatedFailure, "dial-unix", path)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, dialError(err, "dial-unix", path)
	}
	if err := writeHandshake(conn, self); err != nil {
		conn.Close()
		return nil, dialError(err, "handshake", path)
	}
	return conn, nil
}

func (a *Air) connectDelay(ctx context.Context) error {
	d := a.sim.ConnectionDelay()
	if d <= 0 {
		if ctx.Err() != nil {
			return platform.ErrCancelled
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return platform.ErrCancelled
	}
}
