package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedFetcher returns each scripted result in order, repeating the
// last one once the script runs out.
type scriptedFetcher struct {
	mu      sync.Mutex
	script  []fetchResult
	fetches int
}

type fetchResult struct {
	snap Snapshot
	err  error
}

func (f *scriptedFetcher) FetchStatus(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.fetches
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.fetches++
	r := f.script[i]
	return r.snap, r.err
}

func snap(status string) Snapshot {
	return Snapshot{ID: 1, OperationType: "SYNC_AND_PROCESS", CurrentStatus: status}
}

// newTestPoller builds a fast poller whose callbacks feed channels.
func newTestPoller(fetch Fetcher, opts Options) (*Poller, chan Snapshot, chan Snapshot, chan struct{}, chan error) {
	completed := make(chan Snapshot, 1)
	failed := make(chan Snapshot, 1)
	timedOut := make(chan struct{}, 1)
	lost := make(chan error, 1)

	opts.Interval = time.Millisecond
	opts.OnComplete = func(s Snapshot) { completed <- s }
	opts.OnFailed = func(s Snapshot) { failed <- s }
	opts.OnTimeout = func() { timedOut <- struct{}{} }
	opts.OnLostConnection = func(err error) { lost <- err }

	return New(fetch, opts), completed, failed, timedOut, lost
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestSnapshot_Active(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"STARTED", true},
		{"INDEX_POLLING", true},
		{"COMPLETED", false},
		{"FAILED", false},
		{"IDLE", false},
	}
	for _, tt := range tests {
		if got := (Snapshot{CurrentStatus: tt.status}).Active(); got != tt.want {
			t.Errorf("Active(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	p := New(&scriptedFetcher{}, Options{})
	if p.opts.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", p.opts.Interval, DefaultInterval)
	}
	if p.opts.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", p.opts.MaxAttempts, DefaultMaxAttempts)
	}
	if p.opts.MaxFailures != DefaultMaxFailures {
		t.Errorf("MaxFailures = %d, want %d", p.opts.MaxFailures, DefaultMaxFailures)
	}
}

func TestInitialize_InactiveDoesNotPoll(t *testing.T) {
	fetch := &scriptedFetcher{script: []fetchResult{{snap: snap("COMPLETED")}}}
	p, _, _, _, _ := newTestPoller(fetch, Options{})

	snap, err := p.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if snap.CurrentStatus != "COMPLETED" {
		t.Errorf("snapshot status = %q", snap.CurrentStatus)
	}
	if p.IsPolling() {
		t.Error("poller started for a terminal operation")
	}
}

func TestInitialize_ActiveStartsPolling(t *testing.T) {
	fetch := &scriptedFetcher{script: []fetchResult{
		{snap: snap("STARTED")},
		{snap: snap("UPLOADING")},
		{snap: snap("COMPLETED")},
	}}
	p, completed, _, _, _ := newTestPoller(fetch, Options{})

	snap, err := p.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !snap.Active() {
		t.Fatalf("initial snapshot not active: %+v", snap)
	}
	if !p.IsPolling() {
		t.Fatal("poller not polling after an active initial fetch")
	}

	got := waitFor(t, completed, "OnComplete")
	if got.CurrentStatus != "COMPLETED" {
		t.Errorf("completed snapshot status = %q", got.CurrentStatus)
	}
	if p.IsPolling() {
		t.Error("poller still polling after the terminal callback")
	}
}

func TestPoll_FailedOperation(t *testing.T) {
	fetch := &scriptedFetcher{script: []fetchResult{
		{snap: snap("PULLING_SOURCE")},
		{snap: Snapshot{ID: 1, CurrentStatus: "FAILED", ErrorMessage: "boom"}},
	}}
	p, completed, failed, _, _ := newTestPoller(fetch, Options{})

	if _, err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	got := waitFor(t, failed, "OnFailed")
	if got.ErrorMessage != "boom" {
		t.Errorf("failed snapshot ErrorMessage = %q", got.ErrorMessage)
	}

	// Exactly one terminal callback fires.
	select {
	case <-completed:
		t.Error("OnComplete fired for a failed operation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoll_TimeoutAfterMaxAttempts(t *testing.T) {
	fetch := &scriptedFetcher{script: []fetchResult{{snap: snap("INDEX_POLLING")}}}
	p, _, _, timedOut, _ := newTestPoller(fetch, Options{MaxAttempts: 5})

	if _, err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	waitFor(t, timedOut, "OnTimeout")
	if p.IsPolling() {
		t.Error("poller still polling after timeout")
	}
}

func TestPoll_LostConnectionAfterConsecutiveFailures(t *testing.T) {
	fetch := &scriptedFetcher{script: []fetchResult{
		{snap: snap("STARTED")},
		{err: errors.New("connection refused")},
	}}
	p, _, _, _, lost := newTestPoller(fetch, Options{MaxFailures: 3})

	if _, err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	err := waitFor(t, lost, "OnLostConnection")
	if err == nil || err.Error() != "connection refused" {
		t.Errorf("OnLostConnection err = %v", err)
	}
	if p.IsPolling() {
		t.Error("poller still polling after losing the connection")
	}
}

func TestPoll_FailureCounterResetsOnSuccess(t *testing.T) {
	// Two transport failures, a success, two more failures, then terminal.
	// With MaxFailures 3 the poll must survive to completion.
	fetch := &scriptedFetcher{script: []fetchResult{
		{snap: snap("STARTED")},
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
		{snap: snap("UPLOADING")},
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
		{snap: snap("COMPLETED")},
	}}
	p, completed, _, _, lost := newTestPoller(fetch, Options{MaxFailures: 3})

	if _, err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	waitFor(t, completed, "OnComplete")
	select {
	case err := <-lost:
		t.Errorf("OnLostConnection fired (%v) despite the counter reset", err)
	default:
	}
}

func TestPoll_OnProgress(t *testing.T) {
	fetch := &scriptedFetcher{script: []fetchResult{
		{snap: snap("STARTED")},
		{snap: Snapshot{ID: 1, CurrentStatus: "UPLOADING", ProgressDetails: "3/10 staged"}},
		{snap: snap("COMPLETED")},
	}}

	progress := make(chan Snapshot, 16)
	completed := make(chan Snapshot, 1)
	p := New(fetch, Options{
		Interval:   time.Millisecond,
		OnProgress: func(s Snapshot) { progress <- s },
		OnComplete: func(s Snapshot) { completed <- s },
	})

	if _, err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, completed, "OnComplete")

	close(progress)
	seen := false
	for s := range progress {
		if s.ProgressDetails == "3/10 staged" {
			seen = true
		}
	}
	if !seen {
		t.Error("OnProgress never observed the UPLOADING snapshot")
	}
}

func TestStop_Idempotent(t *testing.T) {
	fetch := &scriptedFetcher{script: []fetchResult{{snap: snap("STARTED")}}}
	p, _, _, _, _ := newTestPoller(fetch, Options{})

	if _, err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !p.IsPolling() {
		t.Fatal("not polling after Initialize")
	}

	p.Stop()
	if p.IsPolling() {
		t.Error("still polling after Stop")
	}
	p.Stop() // second Stop must not panic or block
	p.Stop()
}

func TestStart_WhilePollingIsNoOp(t *testing.T) {
	fetch := &scriptedFetcher{script: []fetchResult{{snap: snap("STARTED")}}}
	p, _, _, _, _ := newTestPoller(fetch, Options{})

	ctx := context.Background()
	p.Start(ctx)
	p.Start(ctx)
	if !p.IsPolling() {
		t.Fatal("not polling after Start")
	}
	p.Stop()
}

func TestStop_ResetsCountersForRestart(t *testing.T) {
	// First run times out at 3 attempts; after a restart the counter
	// starts over and the second run completes.
	fetch := &scriptedFetcher{script: []fetchResult{
		{snap: snap("STARTED")},
		{snap: snap("STARTED")},
		{snap: snap("STARTED")},
		{snap: snap("STARTED")},
		{snap: snap("STARTED")},
		{snap: snap("COMPLETED")},
	}}
	p, completed, _, timedOut, _ := newTestPoller(fetch, Options{MaxAttempts: 3})

	ctx := context.Background()
	p.Start(ctx)
	waitFor(t, timedOut, "OnTimeout")

	p.Start(ctx)
	waitFor(t, completed, "OnComplete")
}

func TestPoll_ContextCancelStops(t *testing.T) {
	fetch := &scriptedFetcher{script: []fetchResult{{snap: snap("STARTED")}}}
	p, _, _, _, _ := newTestPoller(fetch, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for p.IsPolling() {
		if time.Now().After(deadline) {
			t.Fatal("poller still polling after context cancellation")
		}
		time.Sleep(time.Millisecond)
	}
}
