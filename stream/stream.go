// Package stream implements the streaming result: a lazy, cancellable,
// multi-consumer wrapper around a running Process's raw message stream,
// plus a live usage snapshot and the two cancellation modes a
// continuation loop needs.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/threadrun/threadrun"
)

// CancelMode selects how Result.Cancel stops the stream.
type CancelMode string

const (
	// CancelImmediate stops the underlying transport right away.
	CancelImmediate CancelMode = "immediate"
	// CancelAfterTurn sets a flag a continuation loop (C8) consults before
	// starting its next turn, rather than interrupting the current one.
	CancelAfterTurn CancelMode = "after_turn"
)

// Result wraps a Process's Output() channel with fan-out to any number of
// consumers. No work happens until the first call to RawEvents or Events:
// the underlying Output() channel is only pumped once a consumer exists.
//
// All consumers observe the same events in transport-arrival order. A
// consumer that subscribes late sees only events emitted after it
// subscribed — it does not get a replay of history.
type Result struct {
	proc threadrun.Process

	startOnce sync.Once

	mu          sync.Mutex
	subscribers map[chan threadrun.Message]struct{}
	closed      bool

	usage     atomic.Pointer[threadrun.Usage]
	afterTurn atomic.Bool
}

// New wraps proc. Call RawEvents or Events to begin consuming.
func New(proc threadrun.Process) *Result {
	return &Result{
		proc:        proc,
		subscribers: make(map[chan threadrun.Message]struct{}),
	}
}

// RawEvents returns the ordered, un-folded event stream: every Message the
// underlying Process emits, including deltas. The returned channel is
// closed when the producer stops (Process.Output() closes) or ctx is
// cancelled, whichever comes first; subscribing with a cancelled ctx
// yields an already-closed channel.
func (r *Result) RawEvents(ctx context.Context) <-chan threadrun.Message {
	r.startOnce.Do(func() { go r.pump() })

	ch := make(chan threadrun.Message, 16)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	r.subscribers[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.removeSubscriber(ch)
	}()

	return ch
}

// Events is an alias for RawEvents today: threadrun's Message already
// carries the higher-level item/update distinctions callers would fold
// into RunItem/AgentUpdated/ToolApproval/GuardrailResult/RawResponses
// tuples, so no separate folding pass is needed over this transport's
// wire shape.
func (r *Result) Events(ctx context.Context) <-chan threadrun.Message {
	return r.RawEvents(ctx)
}

// Usage returns the most recently observed aggregated usage snapshot, or
// the zero value if no MessageResult has arrived yet.
func (r *Result) Usage() threadrun.Usage {
	if u := r.usage.Load(); u != nil {
		return *u
	}
	return threadrun.Usage{}
}

// Cancel stops the stream per mode. CancelImmediate stops the transport
// now (via Process.Stop); CancelAfterTurn only records the request —
// callers running a continuation loop should check AfterTurnRequested
// before starting the next turn.
func (r *Result) Cancel(ctx context.Context, mode CancelMode) error {
	switch mode {
	case CancelAfterTurn:
		r.afterTurn.Store(true)
		return nil
	default:
		return r.proc.Stop(ctx)
	}
}

// AfterTurnRequested reports whether Cancel(CancelAfterTurn) has been
// called. A continuation loop (C8) should stop issuing new turns once
// this returns true.
func (r *Result) AfterTurnRequested() bool {
	return r.afterTurn.Load()
}

// pump reads the underlying Process's Output() once and fans each message
// out to every current subscriber, dropping late-joining subscribers'
// backlog by construction (they only attach after this loop starts
// iterating forward).
func (r *Result) pump() {
	for msg := range r.proc.Output() {
		if msg.Type == threadrun.MessageResult && msg.Usage != nil {
			u := *msg.Usage
			r.usage.Store(&u)
		}
		r.broadcast(msg)
	}
	r.mu.Lock()
	r.closed = true
	subs := r.subscribers
	r.subscribers = nil
	r.mu.Unlock()
	for ch := range subs {
		close(ch)
	}
}

func (r *Result) broadcast(msg threadrun.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.subscribers {
		select {
		case ch <- msg:
		default:
			// Slow consumer: drop rather than block siblings. A bounded
			// queue per consumer plus drop-on-full is the backpressure
			// policy; a stalled consumer never stalls the producer or
			// its siblings.
		}
	}
}

func (r *Result) removeSubscriber(ch chan threadrun.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[ch]; ok {
		delete(r.subscribers, ch)
		close(ch)
	}
}
