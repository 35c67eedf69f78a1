package mediums

import (
	"sync"

	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/platform"
)

// BluetoothRadio switches the local adapter on and off. It remembers the
// power state it found so Restore can put it back.
type BluetoothRadio struct {
	mu         sync.Mutex
	adapter    platform.BluetoothAdapter
	wasEnabled bool
}

func NewBluetoothRadio(adapter platform.BluetoothAdapter) *BluetoothRadio {
	r := &BluetoothRadio{adapter: adapter}
	if r.IsAdapterValid() {
		r.wasEnabled = adapter.IsEnabled()
	}
	return r
}

func (r *BluetoothRadio) Adapter() platform.BluetoothAdapter { return r.adapter }

func (r *BluetoothRadio) IsAdapterValid() bool {
	return r.adapter != nil && r.adapter.IsValid()
}

func (r *BluetoothRadio) IsEnabled() bool {
	return r.IsAdapterValid() && r.adapter.IsEnabled()
}

func (r *BluetoothRadio) Enable() bool  { return r.setStatus(true) }
func (r *BluetoothRadio) Disable() bool { return r.setStatus(false) }

// Toggle flips the power state, or reports false if it could not.
func (r *BluetoothRadio) Toggle() bool {
	return r.setStatus(!r.IsEnabled())
}

// Restore puts the adapter back into the power state seen at construction.
func (r *BluetoothRadio) Restore() bool {
	return r.setStatus(r.wasEnabled)
}

func (r *BluetoothRadio) setStatus(enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.IsAdapterValid() {
		logger.Info(btPrefix, "can't change radio state, adapter is not valid")
		return false
	}
	if err := r.adapter.SetStatus(enabled); err != nil {
		logger.Warn(btPrefix, "failed to set radio enabled=%v: %v", enabled, err)
		return false
	}
	return true
}
