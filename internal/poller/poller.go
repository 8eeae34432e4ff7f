// Package poller implements the client side of the status-polling
// protocol: fetch the latest operation on a fixed interval, detect the
// terminal state, and give up after bounded attempts or consecutive
// transport failures. Stopping the poller never affects the server-side
// operation; only observation stops.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/mwhitten/ingestd/internal/operation"
)

// Defaults for the polling protocol.
const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 180 // ~6 minutes at the default interval
	DefaultMaxFailures = 10  // consecutive transport failures before giving up
)

// Snapshot is one observation of the status endpoint.
type Snapshot struct {
	ID              uint       `json:"id"`
	OperationType   string     `json:"operationType"`
	CurrentStatus   string     `json:"currentStatus"`
	ProgressDetails string     `json:"progressDetails"`
	ErrorMessage    string     `json:"errorMessage"`
	StartedAt       *time.Time `json:"startedAt"`
	UpdatedAt       *time.Time `json:"updatedAt"`
	EndedAt         *time.Time `json:"endedAt"`
}

// Active reports whether the snapshot shows in-flight work.
func (s Snapshot) Active() bool {
	return operation.Status(s.CurrentStatus).Active()
}

// Fetcher retrieves the current status; typically an HTTP client against
// GET /operations/status.
type Fetcher interface {
	FetchStatus(ctx context.Context) (Snapshot, error)
}

// Options configures a Poller. Callbacks are optional and are invoked
// from the polling goroutine; each fires at most once except OnProgress.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	MaxFailures int

	OnProgress       func(Snapshot)
	OnComplete       func(Snapshot)
	OnFailed         func(Snapshot)
	OnTimeout        func()
	OnLostConnection func(err error)
}

// Poller watches the status endpoint until the operation turns terminal
// or a bound is hit.
type Poller struct {
	fetch Fetcher
	opts  Options

	mu       sync.Mutex
	polling  bool
	stopCh   chan struct{}
	attempts int
	failures int
}

// New creates a Poller with defaults applied.
func New(fetch Fetcher, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	return &Poller{fetch: fetch, opts: opts}
}

// Initialize fetches the current status once and begins polling if the
// operation is still active. It returns the initial snapshot.
func (p *Poller) Initialize(ctx context.Context) (Snapshot, error) {
	snap, err := p.fetch.FetchStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Active() {
		p.Start(ctx)
	}
	return snap, nil
}

// Start begins the polling loop. Starting an already-polling Poller is a
// no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.polling {
		return
	}
	p.polling = true
	p.attempts = 0
	p.failures = 0
	p.stopCh = make(chan struct{})
	go p.loop(ctx, p.stopCh)
}

// Stop halts polling and resets the counters. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// IsPolling reports whether the loop is running.
func (p *Poller) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polling
}

func (p *Poller) stopLocked() {
	if !p.polling {
		return
	}
	p.polling = false
	p.attempts = 0
	p.failures = 0
	close(p.stopCh)
}

func (p *Poller) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Stop()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if done := p.observe(ctx); done {
				return
			}
		}
	}
}

// observe performs one poll attempt. It returns true when the loop should
// exit (terminal state seen, a bound was hit, or Stop raced with us).
func (p *Poller) observe(ctx context.Context) bool {
	snap, err := p.fetch.FetchStatus(ctx)

	p.mu.Lock()
	if !p.polling {
		p.mu.Unlock()
		return true
	}

	if err != nil {
		p.failures++
		if p.failures >= p.opts.MaxFailures {
			p.stopLocked()
			p.mu.Unlock()
			if p.opts.OnLostConnection != nil {
				p.opts.OnLostConnection(err)
			}
			return true
		}
		p.mu.Unlock()
		return false
	}

	p.failures = 0

	if !snap.Active() {
		p.stopLocked()
		p.mu.Unlock()
		switch operation.Status(snap.CurrentStatus) {
		case operation.StatusFailed:
			if p.opts.OnFailed != nil {
				p.opts.OnFailed(snap)
			}
		case operation.StatusCompleted:
			if p.opts.OnComplete != nil {
				p.opts.OnComplete(snap)
			}
		}
		return true
	}

	p.attempts++
	if p.attempts > p.opts.MaxAttempts {
		p.stopLocked()
		p.mu.Unlock()
		if p.opts.OnTimeout != nil {
			p.opts.OnTimeout()
		}
		return true
	}
	p.mu.Unlock()

	if p.opts.OnProgress != nil {
		p.opts.OnProgress(snap)
	}
	return false
}
