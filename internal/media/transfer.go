package media

import (
	"context"
	"sync"
)

// Direction of a transfer.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Status of a transfer.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusTransferring Status = "transferring"
	StatusSuccess      Status = "success"
	StatusFailed       Status = "failed"
)

// EventKind tags an Event.
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
)

// Event is one item of a transfer's progress stream. Progress is in
// [0,1]. Completed carries the content hash, Failed the error.
type Event struct {
	Kind     EventKind
	Progress float64
	Hash     string
	Err      error
}

// Result is the outcome of a successful transfer.
type Result struct {
	Hash string
	URL  string
	Path string
}

// subscriberBuffer is the per-subscriber channel capacity. Progress
// events are dropped when a subscriber falls behind; the terminal event
// is always delivered.
const subscriberBuffer = 16

// Transfer tracks one upload or download. Callers requesting the same
// content hash while it is in flight share the same Transfer.
type Transfer struct {
	Hash      string
	Direction Direction

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   Status
	progress float64
	subs     []chan Event
	result   Result
	err      error
}

func newTransfer(hash string, dir Direction, cancel context.CancelFunc) *Transfer {
	return &Transfer{
		Hash:      hash,
		Direction: dir,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusIdle,
	}
}

// completedTransfer returns a transfer that has already succeeded.
func completedTransfer(hash string, dir Direction, res Result) *Transfer {
	t := newTransfer(hash, dir, func() {})
	t.finish(res, nil)
	return t
}

// Subscribe returns a stream of events ending with exactly one Completed
// or Failed event, after which the channel is closed. Subscribing to a
// finished transfer yields just the terminal event.
func (t *Transfer) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == StatusSuccess || t.status == StatusFailed {
		ch <- t.terminalEvent()
		close(ch)
		return ch
	}

	t.subs = append(t.subs, ch)
	return ch
}

// Cancel aborts the transfer. Joined callers observe the cancellation too.
func (t *Transfer) Cancel() { t.cancel() }

// Done is closed when the transfer reaches a terminal state.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Wait blocks until the transfer finishes or ctx ends.
func (t *Transfer) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Status returns the current status.
func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns the last reported fraction.
func (t *Transfer) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *Transfer) start() {
	t.mu.Lock()
	t.status = StatusTransferring
	t.mu.Unlock()
}

func (t *Transfer) report(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusTransferring || p <= t.progress {
		return
	}
	if p > 1 {
		p = 1
	}
	t.progress = p

	ev := Event{Kind: EventProgress, Progress: p, Hash: t.Hash}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *Transfer) terminalEvent() Event {
	if t.err != nil {
		return Event{Kind: EventFailed, Progress: t.progress, Hash: t.Hash, Err: t.err}
	}
	return Event{Kind: EventCompleted, Progress: 1, Hash: t.Hash}
}

// finish records the terminal state once and notifies every subscriber.
func (t *Transfer) finish(res Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == StatusSuccess || t.status == StatusFailed {
		return
	}

	t.result, t.err = res, err
	if err != nil {
		t.status = StatusFailed
	} else {
		t.status = StatusSuccess
		t.progress = 1
	}

	ev := t.terminalEvent()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Make room by dropping the oldest progress event.
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
		close(ch)
	}
	t.subs = nil
	close(t.done)
}
