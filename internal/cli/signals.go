package cli

import (
	"context"
	"os"
	"sync"

	"github.com/calvinalkan/gonyc/pkg/fs"
)

// signalRelay reacts to interrupts. While a child process runs, signals are
// forwarded to it; otherwise the run is cancelled and live temp files are
// removed.
type signalRelay struct {
	mu    sync.Mutex
	child *os.Process
	done  chan struct{}
	once  sync.Once
}

func newSignalRelay(sigCh <-chan os.Signal, cancel context.CancelFunc) *signalRelay {
	r := &signalRelay{done: make(chan struct{})}

	if sigCh == nil {
		return r
	}

	go func() {
		for {
			select {
			case <-r.done:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}

				r.mu.Lock()
				child := r.child
				r.mu.Unlock()

				if child != nil {
					_ = child.Signal(sig)

					continue
				}

				cancel()

				_ = fs.DefaultTempRegistry.Cleanup()
			}
		}
	}()

	return r
}

// setChild routes subsequent signals to p. Nil restores cancellation.
func (r *signalRelay) setChild(p *os.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.child = p
}

// Stop ends the relay goroutine.
func (r *signalRelay) Stop() {
	r.once.Do(func() { close(r.done) })
}
