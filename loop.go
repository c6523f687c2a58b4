package opstream

import "sync"

// Loop is a single-goroutine serial executor. Every mutation of processor
// state — message handling, pipeline adds, send completions, checkpoint
// recomputation — is posted here, which makes those operations atomic with
// respect to each other without fine-grained locking. Sends themselves run
// on their own goroutines; only their completion continuations come back
// through the loop.
type Loop struct {
	fns  chan func()
	quit chan struct{}
	done chan struct{}

	stopOnce sync.Once
}

func NewLoop() *Loop {
	return &Loop{
		fns:  make(chan func(), 1024),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run executes posted functions until Stop is called, then drains whatever
// is still queued and returns. Run must be called exactly once.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.fns:
			fn()
		case <-l.quit:
			for {
				select {
				case fn := <-l.fns:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post schedules fn onto the loop. It reports false if the loop has been
// stopped, in which case fn is dropped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.fns <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Stop ends the loop after the queue drains and waits for Run to return.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
	})
	<-l.done
}
