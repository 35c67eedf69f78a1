package multiplex

import (
	"bytes"
	"sync"

	"github.com/user/nearby-connections/platform"
)

// IncomingConnectionCallback receives virtual sockets opened by the remote.
type IncomingConnectionCallback func(serviceID string, socket *VirtualSocket)

type listenerKey struct {
	serviceID string
	medium    platform.Medium
}

// Listeners records which service ids accept virtual sockets on a medium.
// One registry is shared by every coordinator a manager creates.
type Listeners struct {
	mu        sync.RWMutex
	callbacks map[listenerKey]IncomingConnectionCallback
}

func NewListeners() *Listeners {
	return &Listeners{callbacks: make(map[listenerKey]IncomingConnectionCallback)}
}

func (l *Listeners) Listen(serviceID string, medium platform.Medium, cb IncomingConnectionCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks[listenerKey{serviceID, medium}] = cb
}

func (l *Listeners) StopListening(serviceID string, medium platform.Medium) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.callbacks, listenerKey{serviceID, medium})
}

func (l *Listeners) IsListening(serviceID string, medium platform.Medium) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.callbacks[listenerKey{serviceID, medium}]
	return ok
}

// match finds the listener on medium whose salted hash equals saltedHash.
func (l *Listeners) match(medium platform.Medium, saltedHash []byte, salt string) (string, IncomingConnectionCallback, bool) {
	if l == nil {
		return "", nil, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for k, cb := range l.callbacks {
		if k.medium != medium {
			continue
		}
		if bytes.Equal(SaltedHash(k.serviceID, salt), saltedHash) {
			return k.serviceID, cb, true
		}
	}
	return "", nil, false
}
