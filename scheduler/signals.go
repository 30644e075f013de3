package scheduler

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/observability"
)

// Signals are the asynchronous requests consumed by the reactor loop.
// Setting a flag never blocks nor allocates.
type Signals struct {
	flush         atomic.Bool
	shutdown      atomic.Bool
	flushRequests atomic.Uint64
}

func (s *Signals) RequestFlush() {
	s.flushRequests.Add(1)
	s.flush.Store(true)
}

func (s *Signals) RequestShutdown() {
	s.shutdown.Store(true)
}

func (s *Signals) consumeFlush() bool {
	return s.flush.Swap(false)
}

func (s *Signals) isShutdownRequested() bool {
	return s.shutdown.Load()
}

// WatchOS maps SIGUSR1 to a flush request and SIGINT/SIGTERM to a
// shutdown request, until ctx is cancelled.
func (s *Signals) WatchOS(ctx context.Context) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	observability.Go(ctx, func(ctx context.Context) {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				logger.Debugf(ctx, "received signal %v", sig)
				switch sig {
				case syscall.SIGUSR1:
					s.RequestFlush()
				default:
					s.RequestShutdown()
				}
			}
		}
	})
}
