package monitor

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sampler is any monitor that can be polled for one observation.
type Sampler interface {
	AddSample() error
}

const defaultJoinTimeout = time.Second

// Background drives a Sampler at a fixed cadence on its own goroutine so the
// foreground can block on the measured command. A zero interval means the
// sampler paces itself (the resource monitor blocks for its observation
// window inside AddSample).
//
// Stop signals the loop, joins with a bounded timeout so a sampler stuck on
// slow I/O cannot hang the measurement, and reports the fatal error, if any,
// that aborted the loop. Background never owns driver handle lifetime; a GPU
// monitor's Shutdown belongs to the session, not to this wrapper.
type Background struct {
	sampler  Sampler
	interval time.Duration

	// JoinTimeout bounds how long Stop waits for the loop to exit.
	JoinTimeout time.Duration

	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	fatal   error
}

// NewBackground wraps a sampler with a polling loop at the given interval.
func NewBackground(s Sampler, interval time.Duration) *Background {
	return &Background{
		sampler:     s,
		interval:    interval,
		JoinTimeout: defaultJoinTimeout,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the sampling loop. A Background is single-use.
func (b *Background) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return ErrMonitorStopped
	}
	b.started = true
	go b.loop()
	return nil
}

func (b *Background) loop() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		if err := b.sampler.AddSample(); err != nil {
			if errors.Is(err, ErrProcessUnavailable) {
				b.mu.Lock()
				b.fatal = err
				b.mu.Unlock()
				return
			}
			// transient: keep the window alive, statistics just get sparser
			slog.Warn("sample failed", "err", err)
		}

		if b.interval <= 0 {
			continue
		}
		select {
		case <-b.stop:
			return
		case <-time.After(b.interval):
		}
	}
}

// Stop signals termination and joins with the bounded timeout. It returns
// the fatal error that aborted the loop early, if any; a timed-out join is
// not an error — the window proceeds with whatever was accumulated.
func (b *Background) Stop() error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return b.fatal
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stop)
	select {
	case <-b.done:
	case <-time.After(b.JoinTimeout):
		slog.Warn("sampler did not stop within join timeout", "timeout", b.JoinTimeout)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}
