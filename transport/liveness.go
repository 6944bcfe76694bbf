package transport

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// IdleTimeout returns how long an endpoint on this transport may stay
// silent before the sweeper closes it. Zero means the transport's broker
// owns liveness and the sweeper leaves it alone.
func (k Kind) IdleTimeout() time.Duration {
	switch k {
	case KindWebSocket:
		return 60 * time.Second
	case KindQUIC, KindWebTransport:
		return 30 * time.Second
	default:
		return 0
	}
}

// sweepInterval is how often the sweeper scans. It doubles as the upper
// bound on how long Close can take to stop the pump.
const sweepInterval = time.Second

// Sweeper periodically scans the live endpoints and closes the ones that
// have been silent past their transport's idle timeout. Dead TCP peers
// otherwise linger until the kernel gives up, holding routing slots for
// trains that are long gone.
type Sweeper struct {
	endpoints func() []Endpoint
	now       func() time.Time

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper over the given endpoint snapshot source,
// typically the registry's AllEndpoints.
func NewSweeper(endpoints func() []Endpoint) *Sweeper {
	return &Sweeper{
		endpoints: endpoints,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.done:
				return
			}
		}
	}()
}

// Close stops the sweep loop and waits for it to exit.
func (s *Sweeper) Close() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// sweep closes every endpoint idle past its transport's deadline.
func (s *Sweeper) sweep() {
	now := s.now()
	for _, endpoint := range s.endpoints() {
		timeout := endpoint.Kind().IdleTimeout()
		if timeout == 0 {
			continue
		}
		idle := now.Sub(endpoint.LastActivity())
		if idle <= timeout {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function":  "sweep",
			"id":        endpoint.ID(),
			"role":      endpoint.Role().String(),
			"transport": endpoint.Kind().String(),
			"idle":      idle.String(),
		}).Warn("Closing idle endpoint")

		if err := endpoint.Close("idle timeout"); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sweep",
				"id":       endpoint.ID(),
				"error":    err,
			}).Debug("Idle endpoint close reported error")
		}
	}
}
