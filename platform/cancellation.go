package platform

import (
	"context"
	"sync"
)

// CancellationFlag is a one-shot cooperative cancellation signal. A nil flag
// is never cancelled.
type CancellationFlag struct {
	once sync.Once
	done chan struct{}
}

func NewCancellationFlag() *CancellationFlag {
	return &CancellationFlag{done: make(chan struct{})}
}

// Cancel marks the flag. Safe to call more than once.
func (f *CancellationFlag) Cancel() {
	if f == nil {
		return
	}
	f.once.Do(func() { close(f.done) })
}

func (f *CancellationFlag) Cancelled() bool {
	if f == nil {
		return false
	}
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation. Nil flags return a nil
// channel, which blocks forever in a select.
func (f *CancellationFlag) Done() <-chan struct{} {
	if f == nil {
		return nil
	}
	return f.done
}

// Context derives a context that is cancelled together with the flag.
func (f *CancellationFlag) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if f == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-f.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
