package mediums

import (
	"net"
	"sync"
	"time"

	"github.com/user/nearby-connections/executor"
	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/metrics"
	"github.com/user/nearby-connections/multiplex"
	"github.com/user/nearby-connections/platform"
)

// guarded bundles a manager's mutable state with the mutex that protects it.
// The state is only reachable through lock, so code holding a *S is always
// running under the lock and can call the unexported helpers on S freely.
type guarded[S any] struct {
	mu sync.Mutex
	s  S
}

// lock acquires the mutex and returns the state together with its release.
//
//	st, unlock := m.state.lock()
//	defer unlock()
func (g *guarded[S]) lock() (*S, func()) {
	g.mu.Lock()
	return &g.s, g.mu.Unlock
}

// Options configures a manager. The zero value disables multiplexing and
// metrics.
type Options struct {
	Metrics *metrics.Metrics

	// Multiplex enables virtual sockets over accepted and connected physical
	// sockets. Listeners must be shared with every manager that multiplexes.
	Multiplex       bool
	Listeners       *multiplex.Listeners
	ResponseTimeout time.Duration
	MaxAcceptLoops  int
	MaxFrameLength  int
}

func (o Options) acceptLoops() int {
	if o.MaxAcceptLoops > 0 {
		return o.MaxAcceptLoops
	}
	return MaxConcurrentAcceptLoops
}

func (o Options) multiplexOptions() multiplex.Options {
	return multiplex.Options{
		Listeners:       o.Listeners,
		ResponseTimeout: o.ResponseTimeout,
		MaxFrameLength:  o.MaxFrameLength,
		Metrics:         o.Metrics,
	}
}

func newAcceptPool(o Options) *executor.MultiThread {
	return executor.New(o.acceptLoops())
}

// multiplexSockets maps a remote address (IP or MAC) to the coordinator
// wrapping the physical socket to that remote. Lives inside guarded state.
type multiplexSockets map[string]*multiplex.Socket

// reusable returns a live, enabled coordinator for addr. Shut down entries
// are dropped on the way.
func (m multiplexSockets) reusable(prefix, addr string) *multiplex.Socket {
	s, ok := m[addr]
	if !ok {
		return nil
	}
	if s.IsShutdown() {
		logger.Info(prefix, "erase multiplex socket (already shut down) for %s", addr)
		delete(m, addr)
		return nil
	}
	if !s.IsEnabled() {
		return nil
	}
	return s
}

func (m multiplexSockets) shutdownAll(prefix string) {
	logger.Info(prefix, "closing multiplex sockets for %d remotes", len(m))
	for addr, s := range m {
		s.Shutdown()
		delete(m, addr)
	}
}

// wrapIncoming puts an accepted physical socket behind a coordinator and
// returns the first virtual socket.
func wrapIncoming(m multiplexSockets, o Options, medium platform.Medium, serviceID, addr string, physical platform.Socket) platform.Socket {
	s := multiplex.CreateIncoming(physical, medium, serviceID, o.multiplexOptions())
	vs := s.GetVirtualSocket(serviceID)
	if vs == nil {
		s.Shutdown()
		return nil
	}
	m[addr] = s
	return vs
}

// wrapOutgoing is the connecting side of wrapIncoming.
func wrapOutgoing(m multiplexSockets, o Options, medium platform.Medium, serviceID, addr string, physical platform.Socket) platform.Socket {
	s := multiplex.CreateOutgoing(physical, medium, serviceID, o.multiplexOptions())
	vs := s.GetVirtualSocket(serviceID)
	if vs == nil {
		s.Shutdown()
		return nil
	}
	m[addr] = s
	return vs
}

// remoteHost is the peer host of an accepted IP socket, or "" when the
// socket does not know it.
func remoteHost(socket platform.Socket) string {
	a, ok := socket.(platform.AddressedSocket)
	if !ok {
		return ""
	}
	addr := a.RemoteAddress()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
