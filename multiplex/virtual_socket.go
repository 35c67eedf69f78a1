package multiplex

import (
	"errors"
	"io"
	"sync"
)

var ErrVirtualSocketClosed = errors.New("multiplex: virtual socket closed")

// inputQueue buffers bytes fed from the physical reader until a virtual
// socket's Read drains them.
type inputQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newInputQueue() *inputQueue {
	q := &inputQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *inputQueue) feed(b []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.buf = append(q.buf, b...)
	q.cond.Broadcast()
}

func (q *inputQueue) read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	return n, nil
}

// close lets buffered bytes drain, then Read returns io.EOF.
func (q *inputQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// VirtualSocket is a logical socket sharing one physical stream. Reads come
// from FeedIncomingData; writes go through the output it was created with.
type VirtualSocket struct {
	key       string
	serviceID string
	out       io.Writer
	in        *inputQueue
	onClose   func(*VirtualSocket)

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// NewVirtualSocket builds a standalone virtual socket. onClose runs once, on
// the first Close.
func NewVirtualSocket(key string, out io.Writer, onClose func(*VirtualSocket)) *VirtualSocket {
	return &VirtualSocket{
		key:     key,
		out:     out,
		in:      newInputQueue(),
		onClose: onClose,
	}
}

// Key is the current salted hash key. It changes once if the coordinator
// remaps the first virtual socket.
func (v *VirtualSocket) Key() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key
}

func (v *VirtualSocket) setKey(key string) {
	v.mu.Lock()
	v.key = key
	v.mu.Unlock()
}

func (v *VirtualSocket) ServiceID() string { return v.serviceID }

// FeedIncomingData queues b for Read.
func (v *VirtualSocket) FeedIncomingData(b []byte) {
	v.in.feed(b)
}

func (v *VirtualSocket) Read(p []byte) (int, error) {
	return v.in.read(p)
}

func (v *VirtualSocket) Write(p []byte) (int, error) {
	if v.IsClosed() {
		return 0, ErrVirtualSocketClosed
	}
	return v.out.Write(p)
}

func (v *VirtualSocket) Close() error {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()
		if v.onClose != nil {
			v.onClose(v)
		}
		v.in.close()
	})
	return nil
}

func (v *VirtualSocket) IsClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// detach marks the socket closed without running onClose. Used when the
// coordinator tears everything down itself.
func (v *VirtualSocket) detach() {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()
		v.in.close()
	})
}
