// Package channel wraps a connected medium socket as an endpoint channel:
// length-prefixed frames, pause/resume for bandwidth upgrades, optional
// encryption and a hook into the multiplex coordinator underneath.
package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/user/nearby-connections/config"
	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/multiplex"
	"github.com/user/nearby-connections/platform"
)

const (
	channelPrefix = "channel"

	DefaultMaxAllowedReadBytes   = 1024 * 1024
	DefaultMaxTransmitPacketSize = 32 * 1024
	BleMaxTransmitPacketSize     = 512
	lengthPrefixSize             = 4
)

var (
	ErrChannelClosed = errors.New("channel: closed")
	ErrInvalidLength = errors.New("channel: invalid frame length")
)

type DisconnectionReason int

const (
	UnknownDisconnection DisconnectionReason = iota
	LocalDisconnection
	RemoteDisconnection
	IOError
	Upgraded
	Shutdown
)

func (r DisconnectionReason) String() string {
	switch r {
	case LocalDisconnection:
		return "LOCAL_DISCONNECTION"
	case RemoteDisconnection:
		return "REMOTE_DISCONNECTION"
	case IOError:
		return "IO_ERROR"
	case Upgraded:
		return "UPGRADED"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN_DISCONNECTION_REASON"
	}
}

// EncryptionContext seals frames once a connection is authenticated.
type EncryptionContext interface {
	EncodeMessageToPeer(data []byte) ([]byte, error)
	DecodeMessageFromPeer(data []byte) ([]byte, error)
}

type Options struct {
	MaxAllowedReadBytes   int
	MaxTransmitPacketSize int
	// OnClose runs once, after the socket is closed by CloseWithReason.
	OnClose func(ch *EndpointChannel, reason DisconnectionReason)
}

// OptionsFromConfig copies the size limits out of cfg.
func OptionsFromConfig(cfg config.ChannelConfig) Options {
	return Options{
		MaxAllowedReadBytes:   cfg.MaxAllowedReadBytes,
		MaxTransmitPacketSize: cfg.MaxTransmitPacketSize,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAllowedReadBytes <= 0 {
		o.MaxAllowedReadBytes = DefaultMaxAllowedReadBytes
	}
	if o.MaxTransmitPacketSize <= 0 {
		o.MaxTransmitPacketSize = DefaultMaxTransmitPacketSize
	}
	return o
}

// EndpointChannel owns one connected socket. Reads and writes are each
// serialized; a paused channel blocks writers until Resume or Close.
type EndpointChannel struct {
	medium    platform.Medium
	serviceID string
	name      string
	socket    platform.Socket
	opts      Options

	readMu  sync.Mutex
	writeMu sync.Mutex

	cryptoMu sync.Mutex
	crypto   EncryptionContext

	pauseMu   sync.Mutex
	unpaused  *sync.Cond
	paused    bool
	closed    bool
	closeOnce sync.Once

	lastRead     atomic.Int64
	lastWrite    atomic.Int64
	keepAliveSeq atomic.Uint32

	// multiplexed is not owned; the manager that created the coordinator
	// shuts it down.
	multiplexed atomic.Pointer[multiplex.Socket]
}

// New takes ownership of socket.
func New(medium platform.Medium, serviceID, name string, socket platform.Socket, opts Options) *EndpointChannel {
	c := &EndpointChannel{
		medium:    medium,
		serviceID: serviceID,
		name:      name,
		socket:    socket,
		opts:      opts.withDefaults(),
	}
	c.unpaused = sync.NewCond(&c.pauseMu)
	return c
}

func NewWifiLan(serviceID, name string, socket platform.Socket, opts Options) *EndpointChannel {
	return New(platform.WifiLan, serviceID, name, socket, opts)
}

func NewWifiHotspot(serviceID, name string, socket platform.Socket, opts Options) *EndpointChannel {
	return New(platform.WifiHotspot, serviceID, name, socket, opts)
}

func NewBluetooth(serviceID, name string, socket platform.Socket, opts Options) *EndpointChannel {
	return New(platform.Bluetooth, serviceID, name, socket, opts)
}

// NewBle caps the transmit packet size at what a GATT socket carries.
func NewBle(serviceID, name string, socket platform.Socket, opts Options) *EndpointChannel {
	if opts.MaxTransmitPacketSize <= 0 || opts.MaxTransmitPacketSize > BleMaxTransmitPacketSize {
		opts.MaxTransmitPacketSize = BleMaxTransmitPacketSize
	}
	return New(platform.Ble, serviceID, name, socket, opts)
}

func (c *EndpointChannel) GetMedium() platform.Medium { return c.medium }
func (c *EndpointChannel) GetServiceID() string       { return c.serviceID }
func (c *EndpointChannel) GetName() string            { return c.name }

// GetType is the medium name, prefixed with ENCRYPTED_ once encryption is
// on.
func (c *EndpointChannel) GetType() string {
	if c.medium == platform.UnknownMedium {
		return c.medium.String()
	}
	if c.IsEncrypted() {
		return "ENCRYPTED_" + c.medium.String()
	}
	return c.medium.String()
}

func (c *EndpointChannel) GetMaxTransmitPacketSize() int { return c.opts.MaxTransmitPacketSize }

// Socket is the socket the channel owns.
func (c *EndpointChannel) Socket() platform.Socket { return c.socket }

// Read returns the next frame.
func (c *EndpointChannel) Read() ([]byte, error) {
	c.readMu.Lock()
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.socket, lenBuf[:]); err != nil {
		c.readMu.Unlock()
		return nil, c.ioError(err, "read-length", "Cannot read frame length")
	}
	n := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if n < 0 || int(n) > c.opts.MaxAllowedReadBytes {
		c.readMu.Unlock()
		logger.Warn(channelPrefix, "%s: read an invalid number of bytes: %d", c.name, n)
		return nil, fault.Wrap(ErrInvalidLength, fmsg.With("Frame length out of range"))
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.socket, data); err != nil {
		c.readMu.Unlock()
		return nil, c.ioError(err, "read-frame", "Cannot read frame body")
	}
	c.readMu.Unlock()

	if crypto := c.encryption(); crypto != nil {
		plain, err := crypto.DecodeMessageFromPeer(data)
		if err != nil {
			logger.Warn(channelPrefix, "%s: unable to decrypt frame: %v", c.name, err)
			return nil, fault.Wrap(err, fmsg.With("Cannot decrypt frame"))
		}
		data = plain
	}

	c.lastRead.Store(time.Now().UnixNano())
	return data, nil
}

// Write sends data as one frame, waiting first while the channel is
// paused.
func (c *EndpointChannel) Write(data []byte) error {
	if !c.waitUnpaused() {
		return ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if crypto := c.encryption(); crypto != nil {
		sealed, err := crypto.EncodeMessageToPeer(data)
		if err != nil {
			logger.Warn(channelPrefix, "%s: failed to encrypt data: %v", c.name, err)
			return fault.Wrap(err, fmsg.With("Cannot encrypt frame"))
		}
		data = sealed
	}
	if len(data) > c.opts.MaxAllowedReadBytes {
		logger.Warn(channelPrefix, "%s: write an invalid number of bytes: %d", c.name, len(data))
		return fault.Wrap(ErrInvalidLength, fmsg.With("Frame too large"))
	}

	buf := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)
	if _, err := c.socket.Write(buf); err != nil {
		return c.ioError(err, "write-frame", "Cannot write frame")
	}

	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (c *EndpointChannel) ioError(err error, at, msg string) error {
	if c.IsClosed() {
		return ErrChannelClosed
	}
	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", at, "channel", c.name),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}

func (c *EndpointChannel) waitUnpaused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	for c.paused && !c.closed {
		c.unpaused.Wait()
	}
	return !c.closed
}

func (c *EndpointChannel) Pause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.paused = true
}

func (c *EndpointChannel) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.paused = false
	c.unpaused.Broadcast()
}

func (c *EndpointChannel) IsPaused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused
}

func (c *EndpointChannel) EnableEncryption(ctx EncryptionContext) {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	c.crypto = ctx
}

func (c *EndpointChannel) DisableEncryption() {
	c.EnableEncryption(nil)
}

func (c *EndpointChannel) IsEncrypted() bool {
	return c.encryption() != nil
}

func (c *EndpointChannel) encryption() EncryptionContext {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	return c.crypto
}

// Close closes the socket, releasing any paused writer. Safe to call more
// than once; close failures are only logged.
func (c *EndpointChannel) Close() {
	c.close()
}

func (c *EndpointChannel) close() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.pauseMu.Lock()
		c.closed = true
		c.paused = false
		c.unpaused.Broadcast()
		c.pauseMu.Unlock()

		if err := c.socket.Close(); err != nil {
			logger.Warn(channelPrefix, "%s: exception closing socket: %v", c.name, err)
		}
	})
	if !first {
		logger.Debug(channelPrefix, "%s: already closed", c.name)
	}
	return first
}

// CloseWithReason closes the channel and reports reason to OnClose.
func (c *EndpointChannel) CloseWithReason(reason DisconnectionReason) {
	logger.Info(channelPrefix, "closing endpoint channel %s, reason: %s", c.name, reason)
	if c.close() && c.opts.OnClose != nil {
		c.opts.OnClose(c, reason)
	}
}

func (c *EndpointChannel) IsClosed() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.closed
}

// LastReadTimestamp is zero until the first successful Read.
func (c *EndpointChannel) LastReadTimestamp() time.Time {
	return unixNanoTime(c.lastRead.Load())
}

func (c *EndpointChannel) LastWriteTimestamp() time.Time {
	return unixNanoTime(c.lastWrite.Load())
}

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// NextKeepAliveSeqNo returns 0, 1, 2, ... across calls.
func (c *EndpointChannel) NextKeepAliveSeqNo() uint32 {
	return c.keepAliveSeq.Add(1) - 1
}

// AttachMultiplex records the coordinator this channel's socket belongs
// to so EnableMultiplexSocket can reach it.
func (c *EndpointChannel) AttachMultiplex(s *multiplex.Socket) {
	c.multiplexed.Store(s)
}

// EnableMultiplexSocket asks for multiplexing on the underlying socket.
// It reports true whether or not a coordinator is attached, since the
// peers negotiate the outcome elsewhere.
func (c *EndpointChannel) EnableMultiplexSocket() bool {
	if s := c.multiplexed.Load(); s != nil && !s.IsShutdown() {
		s.Enable()
		logger.Info(channelPrefix, "%s: multiplex socket enabled", c.name)
	}
	return true
}
