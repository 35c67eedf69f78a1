// Package multiplex shares one physical medium socket between several
// virtual sockets, each addressed by a salted hash of its service id.
package multiplex

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/user/nearby-connections/executor"
	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/metrics"
	"github.com/user/nearby-connections/platform"
)

const (
	DefaultResponseTimeout = 3 * time.Second
	DefaultMaxFrameLength  = 1024 * 1024
	readerStopTimeout      = 100 * time.Millisecond
)

var (
	ErrDisabled     = errors.New("multiplex: socket is not enabled")
	ErrNotListening = errors.New("multiplex: remote is not listening for service")
	ErrShutdown     = errors.New("multiplex: socket is shut down")
	ErrTimeout      = errors.New("multiplex: timed out waiting for connection response")
)

type Options struct {
	// Listeners answers incoming CONNECTION_REQUEST frames. May be nil.
	Listeners       *Listeners
	ResponseTimeout time.Duration
	MaxFrameLength  int
	Metrics         *metrics.Metrics
}

type entry struct {
	vs  *VirtualSocket
	out *virtualOutput
}

// Socket owns a physical socket, its reader goroutine and every virtual
// socket derived from it. Closing the physical side closes them all.
type Socket struct {
	physical platform.Socket
	medium   platform.Medium
	opts     Options

	enabled    atomic.Bool
	isShutdown atomic.Bool
	done       chan struct{}
	readerDone chan struct{}

	writeMu sync.Mutex

	// mu serialises compound updates to virtual (remap, close-if-empty) and
	// the salt state held by each virtualOutput.
	mu      sync.Mutex
	virtual *xsync.MapOf[string, *entry]
	pending *xsync.MapOf[string, chan ResponseCode]
	offload *executor.MultiThread
}

func newSocket(physical platform.Socket, medium platform.Medium, opts Options) *Socket {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.MaxFrameLength <= 0 {
		opts.MaxFrameLength = DefaultMaxFrameLength
	}
	return &Socket{
		physical:   physical,
		medium:     medium,
		opts:       opts,
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		virtual:    xsync.NewMapOf[string, *entry](),
		pending:    xsync.NewMapOf[string, chan ResponseCode](),
		offload:    executor.New(1),
	}
}

// CreateIncoming wraps a physical socket accepted by a server. The first
// virtual socket uses FakeSalt until the remote's first frame reveals the
// real one.
func CreateIncoming(physical platform.Socket, medium platform.Medium, serviceID string, opts Options) *Socket {
	s := newSocket(physical, medium, opts)
	logger.Info("multiplex", "create incoming socket service_id=%s medium=%s", serviceID, medium)
	s.CreateVirtualSocket(serviceID, FakeSalt, true)
	go s.readLoop()
	return s
}

// CreateOutgoing wraps a physical socket this side connected.
func CreateOutgoing(physical platform.Socket, medium platform.Medium, serviceID string, opts Options) *Socket {
	s := newSocket(physical, medium, opts)
	salt := GenerateSalt()
	logger.Info("multiplex", "create outgoing socket service_id=%s salt=%s medium=%s", serviceID, salt, medium)
	s.CreateVirtualSocket(serviceID, salt, true)
	go s.readLoop()
	return s
}

func (s *Socket) Medium() platform.Medium { return s.medium }

func (s *Socket) Enable()         { s.enabled.Store(true) }
func (s *Socket) IsEnabled() bool { return s.enabled.Load() }
func (s *Socket) IsShutdown() bool {
	return s.isShutdown.Load()
}

// RemoteAddress reports the physical peer address when the medium knows it.
func (s *Socket) RemoteAddress() string {
	if a, ok := s.physical.(platform.AddressedSocket); ok {
		return a.RemoteAddress()
	}
	return ""
}

func (s *Socket) VirtualSocketCount() int {
	return s.virtual.Size()
}

// CreateVirtualSocket registers a virtual socket for serviceID keyed by
// the salted hash. first marks the socket created along with the physical
// one.
func (s *Socket) CreateVirtualSocket(serviceID, salt string, first bool) *VirtualSocket {
	key := keyFor(serviceID, salt)
	out := &virtualOutput{s: s, serviceID: serviceID, salt: salt, first: first}
	vs := NewVirtualSocket(key, out, s.onVirtualClosed)
	vs.serviceID = serviceID

	s.mu.Lock()
	s.virtual.Store(key, &entry{vs: vs, out: out})
	s.mu.Unlock()
	s.opts.Metrics.VirtualSocketOpened(s.medium.String())
	logger.Debug("multiplex", "virtual socket created service_id=%s key=%s first=%v", serviceID, key[:8], first)
	return vs
}

// GetVirtualSocket returns the live virtual socket for serviceID, if any.
func (s *Socket) GetVirtualSocket(serviceID string) *VirtualSocket {
	var found *VirtualSocket
	s.virtual.Range(func(_ string, e *entry) bool {
		if e.vs.serviceID == serviceID && !e.vs.IsClosed() {
			found = e.vs
			return false
		}
		return true
	})
	return found
}

// EstablishVirtualSocket asks the remote for a new virtual socket carrying
// serviceID and waits for its answer.
func (s *Socket) EstablishVirtualSocket(ctx context.Context, serviceID string) (*VirtualSocket, error) {
	if s.isShutdown.Load() {
		return nil, ErrShutdown
	}
	if !s.IsEnabled() {
		logger.Error("multiplex", "socket is disabled, cannot establish virtual socket for %s", serviceID)
		return nil, ErrDisabled
	}

	salt := GenerateSalt()
	ch := make(chan ResponseCode, 1)
	s.pending.Store(serviceID, ch)
	defer s.pending.Delete(serviceID)

	if err := s.writeFrame(newControlFrame(serviceID, salt, ConnectionRequest)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.opts.ResponseTimeout)
	defer timer.Stop()
	select {
	case code := <-ch:
		if code != ConnectionAccepted {
			logger.Error("multiplex", "establish virtual socket for %s failed: %s", serviceID, code)
			return nil, ErrNotListening
		}
		logger.Info("multiplex", "remote accepted virtual socket service_id=%s salt=%s", serviceID, salt)
		return s.CreateVirtualSocket(serviceID, salt, false), nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-s.done:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown notifies the remote about every live virtual socket, then closes
// them and the physical socket.
func (s *Socket) Shutdown() {
	if s.isShutdown.Load() {
		return
	}
	if s.IsEnabled() {
		s.virtual.Range(func(_ string, e *entry) bool {
			s.mu.Lock()
			salt := e.out.salt
			s.mu.Unlock()
			if err := s.writeFrame(newControlFrame(e.vs.serviceID, salt, Disconnection)); err != nil {
				logger.Debug("multiplex", "disconnection frame for %s not sent: %v", e.vs.serviceID, err)
			}
			return true
		})
	}
	s.shutdown()
}

func (s *Socket) shutdown() {
	if !s.isShutdown.CompareAndSwap(false, true) {
		return
	}
	logger.Info("multiplex", "shutting down %s socket", s.medium)
	s.enabled.Store(false)
	close(s.done)
	if err := s.physical.Close(); err != nil {
		logger.Debug("multiplex", "physical close: %v", err)
	}

	s.mu.Lock()
	s.virtual.Range(func(key string, e *entry) bool {
		e.vs.detach()
		s.virtual.Delete(key)
		s.opts.Metrics.VirtualSocketClosed(s.medium.String())
		return true
	})
	s.mu.Unlock()

	// may run on the offload worker itself, so do not wait for it
	go s.offload.Shutdown()

	select {
	case <-s.readerDone:
	case <-time.After(readerStopTimeout):
	}
}

func (s *Socket) onVirtualClosed(vs *VirtualSocket) {
	s.mu.Lock()
	key := vs.Key()
	e, ok := s.virtual.Load(key)
	if !ok || e.vs != vs {
		s.mu.Unlock()
		logger.Debug("multiplex", "virtual socket %s already gone", vs.serviceID)
		return
	}
	salt := e.out.salt
	s.virtual.Delete(key)
	empty := s.virtual.Size() == 0
	s.mu.Unlock()
	s.opts.Metrics.VirtualSocketClosed(s.medium.String())

	if s.IsEnabled() {
		if err := s.writeFrame(newControlFrame(vs.serviceID, salt, Disconnection)); err != nil {
			logger.Debug("multiplex", "disconnection frame for %s not sent: %v", vs.serviceID, err)
		}
	}
	logger.Info("multiplex", "virtual socket closed service_id=%s remaining=%d", vs.serviceID, s.virtual.Size())
	if empty {
		logger.Info("multiplex", "closing physical socket, all virtual sockets disconnected")
		s.shutdown()
	}
}

func (s *Socket) writeFrame(f *Frame) error {
	return s.writeRaw(f.Marshal(), true)
}

func (s *Socket) writeRaw(b []byte, prefix bool) error {
	if s.isShutdown.Load() {
		return ErrShutdown
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if prefix {
		buf := make([]byte, 4+len(b))
		binary.BigEndian.PutUint32(buf, uint32(len(b)))
		copy(buf[4:], b)
		b = buf
	}
	_, err := s.physical.Write(b)
	return err
}

func (s *Socket) readLoop() {
	defer close(s.readerDone)
	var lenBuf [4]byte
	for !s.isShutdown.Load() {
		if _, err := io.ReadFull(s.physical, lenBuf[:]); err != nil {
			s.onPhysicalClosed(err)
			return
		}
		length := int32(binary.BigEndian.Uint32(lenBuf[:]))
		if length < 0 || int(length) > s.opts.MaxFrameLength {
			logger.Warn("multiplex", "invalid frame length %d, continuing", length)
			continue
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(s.physical, buf); err != nil {
			s.onPhysicalClosed(err)
			return
		}

		frame, err := UnmarshalFrame(buf)
		if err != nil {
			s.handleOfflineFrame(lenBuf, buf)
			continue
		}
		if !s.IsEnabled() {
			logger.Info("multiplex", "received a multiplex frame while disabled, enabling")
			s.Enable()
		}

		switch frame.Type {
		case ControlFrame:
			s.handleControlFrame(frame)
		case DataFrame:
			s.handleDataFrame(frame)
		}
	}
}

func (s *Socket) onPhysicalClosed(err error) {
	if s.isShutdown.Load() {
		return
	}
	logger.Debug("multiplex", "physical read ended: %v", err)
	s.shutdown()
}

// handleOfflineFrame passes a non-multiplex frame through to the only
// virtual socket, length prefix included.
func (s *Socket) handleOfflineFrame(lenBuf [4]byte, b []byte) {
	if s.virtual.Size() != 1 {
		logger.Warn("multiplex", "dropping offline frame with %d virtual sockets", s.virtual.Size())
		return
	}
	s.virtual.Range(func(_ string, e *entry) bool {
		e.vs.FeedIncomingData(lenBuf[:])
		e.vs.FeedIncomingData(b)
		return false
	})
}

func (s *Socket) handleControlFrame(f *Frame) {
	logger.Trace("multiplex", "control frame %s", f.Control)
	switch f.Control {
	case ConnectionRequest:
		s.offload.Execute("CONNECTION_REQUEST", func() { s.handleConnectionRequest(f) })
	case ConnectionResponse:
		s.offload.Execute("CONNECTION_RESPONSE", func() { s.handleConnectionResponse(f) })
	case Disconnection:
		s.offload.Execute("DISCONNECTION", func() { s.handleDisconnection(f) })
	}
}

func (s *Socket) handleConnectionRequest(f *Frame) {
	if !s.IsEnabled() {
		logger.Warn("multiplex", "CONNECTION_REQUEST on %s while disabled, ignoring", s.medium)
		return
	}
	serviceID, cb, ok := s.opts.Listeners.match(s.medium, f.SaltedHash, f.Salt)
	resp := &Frame{
		SaltedHash: f.SaltedHash,
		Salt:       f.Salt,
		HasSalt:    true,
		Type:       ControlFrame,
		Control:    ConnectionResponse,
	}
	if !ok {
		logger.Info("multiplex", "no client listening for salt %s on %s", f.Salt, s.medium)
		resp.Response = NotListening
		if err := s.writeFrame(resp); err != nil {
			logger.Info("multiplex", "failed to write NOT_LISTENING: %v", err)
		}
		return
	}

	resp.Response = ConnectionAccepted
	if err := s.writeFrame(resp); err != nil {
		logger.Info("multiplex", "failed to write CONNECTION_ACCEPTED: %v", err)
		return
	}
	logger.Info("multiplex", "accepted virtual socket request service_id=%s", serviceID)
	vs := s.CreateVirtualSocket(serviceID, f.Salt, false)
	cb(serviceID, vs)
}

func (s *Socket) handleConnectionResponse(f *Frame) {
	delivered := false
	s.pending.Range(func(serviceID string, ch chan ResponseCode) bool {
		if HashKey(SaltedHash(serviceID, f.Salt)) != HashKey(f.SaltedHash) {
			return true
		}
		select {
		case ch <- f.Response:
		default:
		}
		delivered = true
		return false
	})
	if !delivered {
		logger.Warn("multiplex", "CONNECTION_RESPONSE with no waiter for key %s", HashKey(f.SaltedHash)[:8])
	}
}

func (s *Socket) handleDisconnection(f *Frame) {
	key := HashKey(f.SaltedHash)
	e, ok := s.virtual.Load(key)
	if !ok {
		logger.Warn("multiplex", "DISCONNECTION with no live socket for key %s", key[:8])
		return
	}
	logger.Info("multiplex", "remote disconnected virtual socket service_id=%s", e.vs.serviceID)
	e.vs.in.close()
}

func (s *Socket) handleDataFrame(f *Frame) {
	key := HashKey(f.SaltedHash)
	var e *entry
	if !f.HasSalt || f.Salt == "" {
		e, _ = s.virtual.Load(key)
	} else {
		e = s.remap(key, f.Salt)
	}
	if e == nil {
		logger.Warn("multiplex", "DATA frame with no live socket for key %s", key[:8])
		return
	}
	e.vs.FeedIncomingData(f.Data)
}

// remap moves the first virtual socket under the key the remote is using
// once the remote's real salt is known.
func (s *Socket) remap(key, salt string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.virtual.Load(key); ok {
		return e
	}

	var first *entry
	var firstKey string
	s.virtual.Range(func(k string, e *entry) bool {
		if e.out.first {
			first, firstKey = e, k
			return false
		}
		return true
	})
	if first == nil {
		return nil
	}
	if salt == FakeSalt {
		return first
	}
	logger.Debug("multiplex", "remapping first virtual socket %s -> %s", firstKey[:8], key[:8])
	first.out.salt = salt
	s.virtual.Delete(firstKey)
	s.virtual.Store(key, first)
	first.vs.setKey(key)
	return first
}

// virtualOutput frames writes from one virtual socket.
type virtualOutput struct {
	s         *Socket
	serviceID string
	salt      string
	first     bool
	firstSent bool
}

func (o *virtualOutput) Write(p []byte) (int, error) {
	s := o.s
	if s.isShutdown.Load() {
		return 0, ErrShutdown
	}
	if !s.IsEnabled() {
		if err := s.writeRaw(p, false); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	s.mu.Lock()
	salt := o.salt
	passSalt := false
	if o.first {
		if !o.firstSent {
			o.firstSent = true
			passSalt = true
		}
		// keep sending the fake salt until the remote's salt arrives
		if salt == FakeSalt {
			passSalt = true
		}
	}
	s.mu.Unlock()

	f := &Frame{
		SaltedHash: SaltedHash(o.serviceID, salt),
		Salt:       salt,
		HasSalt:    passSalt,
		Type:       DataFrame,
		Data:       p,
	}
	if err := s.writeFrame(f); err != nil {
		return 0, err
	}
	return len(p), nil
}
