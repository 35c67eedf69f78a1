package bluez

import (
	"net"
	"os"
	"strings"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
)

const profileRoot = "/org/nearby/bluez"

// rejected is what NewConnection answers when nobody wants the socket.
var rejected = &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}

// profile is the org.bluez.Profile1 object BlueZ hands RFCOMM sockets to.
// Server profiles queue them for Accept; client profiles route each socket
// to the ConnectProfile call waiting on its device.
type profile struct {
	medium *Classic

	mu      sync.Mutex
	accept  chan *socket
	pending map[dbus.ObjectPath]chan *socket
}

func profilePath(role string, service uuid.UUID) dbus.ObjectPath {
	return dbus.ObjectPath(profileRoot + "/" + role + "/p" + strings.ReplaceAll(service.String(), "-", ""))
}

func (p *profile) Release() *dbus.Error { return nil }

func (p *profile) Cancel() *dbus.Error { return nil }

func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	conn, err := fileConn(int(fd))
	if err != nil {
		logger.Warn(bluezPrefix, "cannot wrap RFCOMM socket from %s: %v", dev, err)
		return &dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{err.Error()}}
	}
	s := &socket{Conn: conn, remote: p.medium.device(dev)}

	p.mu.Lock()
	var ch chan *socket
	if p.pending != nil {
		ch = p.pending[dev]
		delete(p.pending, dev)
	} else {
		ch = p.accept
	}
	p.mu.Unlock()

	if ch == nil {
		s.Close()
		return rejected
	}
	select {
	case ch <- s:
		return nil
	default:
		s.Close()
		return rejected
	}
}

// await registers interest in the next socket for dev. The returned func
// withdraws it.
func (p *profile) await(dev dbus.ObjectPath) (<-chan *socket, func()) {
	ch := make(chan *socket, 1)
	p.mu.Lock()
	p.pending[dev] = ch
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		if p.pending[dev] == ch {
			delete(p.pending, dev)
		}
		p.mu.Unlock()
		select {
		case s := <-ch:
			s.Close()
		default:
		}
	}
}

// fileConn takes ownership of fd and returns it as a net.Conn.
func fileConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "rfcomm")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("Cannot use RFCOMM socket"))
	}
	return conn, nil
}

func registerProfile(bus *dbus.Conn, path dbus.ObjectPath, p *profile, service uuid.UUID, opts map[string]dbus.Variant) error {
	if err := bus.Export(p, path, profileIface); err != nil {
		return fault.Wrap(err, fmsg.With("Cannot export Profile1"))
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, service.String(), opts); call.Err != nil {
		bus.Export(nil, path, profileIface)
		return fault.Wrap(call.Err, fmsg.With("Cannot register Profile1"))
	}
	return nil
}

func unregisterProfile(bus *dbus.Conn, path dbus.ObjectPath) {
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".UnregisterProfile", 0, path); call.Err != nil {
		logger.Debug(bluezPrefix, "UnregisterProfile %s: %v", path, call.Err)
	}
	bus.Export(nil, path, profileIface)
}

const acceptBacklog = 8

// ServerSocket is a registered server-role profile.
type ServerSocket struct {
	medium  *Classic
	service uuid.UUID
	path    dbus.ObjectPath
	profile *profile

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *ServerSocket) Accept() (platform.BluetoothSocket, error) {
	select {
	case <-s.closed:
		return nil, platform.ErrServerClosed
	case sock := <-s.profile.accept:
		return sock, nil
	}
}

func (s *ServerSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		unregisterProfile(s.medium.adapter.bus, s.path)
		s.medium.forgetServer(s.service, s)
		for {
			select {
			case sock := <-s.profile.accept:
				sock.Close()
			default:
				return
			}
		}
	})
	return nil
}

type socket struct {
	net.Conn
	remote platform.BluetoothDevice
}

func (s *socket) RemoteDevice() platform.BluetoothDevice { return s.remote }
