package message

import (
	"context"

	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/metrics"
)

// FutureState is the consumption state of a MessageFuture.
type FutureState uint8

const (
	// FutureUnattached: no consumer yet; chunks are buffered.
	FutureUnattached FutureState = iota
	// FutureAttached: a listener receives chunks (push mode).
	FutureAttached
	// FuturePulling: a consumer reads chunks with BlockingGet (pull mode).
	FuturePulling
	// FutureDone: the terminal chunk was delivered or the message was discarded.
	FutureDone
)

// String returns a string representation of the FutureState.
func (s FutureState) String() string {
	switch s {
	case FutureUnattached:
		return "unattached"
	case FutureAttached:
		return "attached"
	case FuturePulling:
		return "pulling"
	case FutureDone:
		return "done"
	default:
		return "unknown"
	}
}

type consumeMode uint8

const (
	modeNone consumeMode = iota
	modePush
	modePull
)

// MessageFuture is where application code attaches to a message body, either
// by registering a Listener or by pulling chunks with BlockingGet. The first
// mode used wins for the lifetime of the future; using the other one, or
// registering a second listener, fails with KindListenerMisuse.
//
// Every field is guarded by the owning message's mutex.
type MessageFuture struct {
	msg      *CarbonMessage // non-owning; the future never outlives it
	mode     consumeMode
	listener Listener
	done     bool
}

// SetListener attaches l and drains any backlog through it before
// returning. Chunks appended while the drain runs wait on the message lock
// and are delivered after it, so nothing is skipped or repeated. If the
// terminal chunk is part of the backlog the future is DONE on return.
func (f *MessageFuture) SetListener(l Listener) error {
	if l == nil {
		return NewError(KindListenerMisuse, "listener cannot be nil")
	}
	m := f.msg
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := f.checkUsableLocked(modePush); err != nil {
		return err
	}
	f.listener = l
	f.mode = modePush

	for {
		c, ok := m.queue.Pop()
		if !ok {
			break
		}
		m.flow.OnDequeue(m.queue.Len())
		if err := f.notify(c); err != nil {
			return err
		}
		if c.IsLast() {
			f.finishLocked()
			return nil
		}
	}

	// Passthrough relays throttle through the relay target; only that
	// backpressure should remain.
	if m.passthrough {
		m.flow.Disable()
	}
	return nil
}

// IsListenerSet reports whether the future is in push mode.
func (f *MessageFuture) IsListenerSet() bool {
	f.msg.mu.Lock()
	defer f.msg.mu.Unlock()
	return f.mode == modePush
}

// BlockingGet removes and returns the next chunk, waiting until one is
// available. Callers loop until a chunk with IsLast is returned; after that
// BlockingGet fails with KindMessageDone. It returns an error of kind
// KindConnectionTermination if the connection drops first, or ctx.Err() if
// ctx is done first.
func (f *MessageFuture) BlockingGet(ctx context.Context) (Chunk, error) {
	m := f.msg
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := f.checkUsableLocked(modePull); err != nil {
		return Chunk{}, err
	}
	f.mode = modePull

	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			m.mu.Lock()
			m.queue.wakeAll()
			m.mu.Unlock()
		})
		defer stop()
	}

	for {
		if m.err != nil {
			return Chunk{}, m.err
		}
		if f.done {
			return Chunk{}, NewError(KindMessageDone, "terminal chunk already delivered")
		}
		if c, ok := m.queue.Pop(); ok {
			m.flow.OnDequeue(m.queue.Len())
			metrics.ChunksDeliveredTotal.WithLabelValues("pull").Inc()
			if c.IsLast() {
				f.finishLocked()
			}
			return c, nil
		}
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		m.queue.wait()
	}
}

// State returns the current consumption state.
func (f *MessageFuture) State() FutureState {
	f.msg.mu.Lock()
	defer f.msg.mu.Unlock()
	switch {
	case f.done:
		return FutureDone
	case f.mode == modePush:
		return FutureAttached
	case f.mode == modePull:
		return FuturePulling
	default:
		return FutureUnattached
	}
}

func (f *MessageFuture) checkUsableLocked(want consumeMode) error {
	if err := f.msg.err; err != nil {
		return err
	}
	switch f.mode {
	case modePush:
		if want == modePush {
			return NewError(KindListenerMisuse, "a listener is already set on this future")
		}
		return NewError(KindListenerMisuse, "future is consumed by a listener; pull mode is not available")
	case modePull:
		if want == modePush {
			return NewError(KindListenerMisuse, "future is consumed in pull mode; a listener cannot be set")
		}
	}
	if f.done && want == modePush {
		return NewError(KindMessageDone, "message already complete")
	}
	return nil
}

// notify delivers one chunk to the listener. The caller holds the message
// lock. Chunks are only routed here once a listener is attached, so a
// missing listener means a chunk was about to be lost.
func (f *MessageFuture) notify(c Chunk) error {
	if f.listener == nil {
		metrics.ProtocolViolationsTotal.WithLabelValues("lost_chunk").Inc()
		f.msg.log.Error("The message chunk will be lost because no listener is set", logger.LogFields{
			"message_id": f.msg.id,
			"bytes":      c.Len(),
			"last":       c.IsLast(),
		})
		return NewError(KindLostChunk, "chunk routed for delivery with no listener set")
	}
	f.listener.OnMessage(c)
	metrics.ChunksDeliveredTotal.WithLabelValues("push").Inc()
	return nil
}

// finishLocked moves the future to DONE and detaches it from the message's
// delivery path.
func (f *MessageFuture) finishLocked() {
	m := f.msg
	f.done = true
	f.listener = nil
	if n := m.queue.clear(); n > 0 {
		metrics.ChunksDiscardedTotal.Add(float64(n))
	}
	m.flow.Disable()
	m.queue.wakeAll()
}
