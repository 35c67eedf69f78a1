package mediums

import (
	"errors"

	"github.com/user/nearby-connections/executor"
	"github.com/user/nearby-connections/logger"
	"github.com/user/nearby-connections/metrics"
	"github.com/user/nearby-connections/platform"
)

// acceptLoop is everything a pool worker needs to serve one server socket.
// It is built under the manager lock and handed over by value, so the loop
// itself never touches manager state except through onAccepted.
type acceptLoop[S any] struct {
	prefix    string
	name      string
	medium    platform.Medium
	serviceID string
	accept    func() (S, error)
	close     func() error
	// onAccepted hands one accepted socket upstream.
	onAccepted func(S)
	metrics    *metrics.Metrics
}

// run submits the loop to pool. The loop ends when accept fails; closing the
// server socket is the only way to stop it and surfaces as ErrServerClosed.
func (l acceptLoop[S]) run(pool *executor.MultiThread) bool {
	return pool.Execute(l.name, func() {
		medium := l.medium.String()
		l.metrics.AcceptLoopStarted(medium)
		defer l.metrics.AcceptLoopStopped(medium)

		for {
			socket, err := l.accept()
			if err != nil {
				if errors.Is(err, platform.ErrServerClosed) {
					logger.Info(l.prefix, "server socket closed for %s, leaving accept loop", l.serviceID)
				} else {
					logger.Warn(l.prefix, "failed to accept connection for %s: %v", l.serviceID, err)
				}
				if cerr := l.close(); cerr != nil {
					logger.Debug(l.prefix, "server socket close for %s: %v", l.serviceID, cerr)
				}
				return
			}
			logger.Info(l.prefix, "accepted connection for %s", l.serviceID)
			l.metrics.Accepted(medium)
			l.onAccepted(socket)
		}
	})
}
