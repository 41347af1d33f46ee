package orchestrator

import (
	"sync"
	"time"
)

// durationTicker reports elapsed time at a fixed interval until
// stopped. It drives the cosmetic reasoning timer on the placeholder
// message. A nil ticker is valid and does nothing.
type durationTicker struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func startTicker(interval time.Duration, fn func(elapsed time.Duration)) *durationTicker {
	t := &durationTicker{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	start := time.Now()
	go func() {
		defer close(t.done)
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-tk.C:
				// Stop may have raced the tick; a stopped ticker never writes.
				select {
				case <-t.stop:
					return
				default:
				}
				fn(time.Since(start))
			}
		}
	}()
	return t
}

// Stop halts the ticker and waits for any in-progress report to
// finish. It is safe to call more than once.
func (t *durationTicker) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
