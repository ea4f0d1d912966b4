package message

import (
	"sync"

	"example.com/carbonhttp/v2/internal/flowcontrol"
	"example.com/carbonhttp/v2/internal/logger"
	"example.com/carbonhttp/v2/internal/metrics"
)

// Options configures a new CarbonMessage.
type Options struct {
	// ID identifies the message in logs, typically the connection ID.
	ID string
	// Flow is the backpressure link to the producing connection. It may be
	// nil, in which case the message never throttles its producer.
	Flow   *flowcontrol.Link
	Logger *logger.Logger
}

// CarbonMessage carries the body of one inbound message from the network
// goroutine that decodes it to the application code that consumes it.
//
// All state, including the content queue and the future's listener, is
// guarded by a single mutex owned by the message. Append and
// MessageFuture.SetListener both run under that mutex, so a chunk can never
// slip in between a consumer checking for a backlog and draining it.
type CarbonMessage struct {
	mu sync.Mutex

	id          string
	queue       *ContentQueue
	terminated  bool // terminal chunk has been appended
	passthrough bool
	released    bool
	err         error // set by Abort
	future      *MessageFuture

	flow *flowcontrol.Link
	log  *logger.Logger
}

// New creates an empty message.
func New(opts Options) *CarbonMessage {
	lg := opts.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	m := &CarbonMessage{
		id:   opts.ID,
		flow: opts.Flow,
		log:  lg,
	}
	m.queue = newContentQueue(&m.mu)
	return m
}

// Append is called by the producing network goroutine once per decoded body
// fragment, in order, with last set on the final fragment. If a listener is
// attached the chunk is delivered to it synchronously; otherwise it is
// buffered. Appending after the terminal chunk is a protocol violation: it is
// logged, the chunk is ignored and the error is returned.
func (m *CarbonMessage) Append(data []byte, last bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.terminated {
		metrics.ProtocolViolationsTotal.WithLabelValues("append_after_last").Inc()
		m.log.Error("Chunk appended after the terminal chunk", logger.LogFields{
			"message_id": m.id,
			"bytes":      len(data),
		})
		return NewError(KindProtocolViolation, "chunk appended after the terminal chunk")
	}
	if last {
		m.terminated = true
	}
	if m.released || m.err != nil {
		metrics.ChunksDiscardedTotal.Inc()
		return nil
	}

	c := Chunk{Data: data, last: last}
	if f := m.future; f != nil && f.mode == modePush {
		// SetListener drained the backlog under this lock, so the queue is
		// empty and the chunk can go straight to the listener.
		err := f.notify(c)
		if last {
			f.finishLocked()
		}
		return err
	}

	m.queue.Push(c)
	m.flow.OnEnqueue(m.queue.Len())
	return nil
}

// IsEmpty reports whether no chunks are currently buffered.
func (m *CarbonMessage) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len() == 0
}

// Len returns the number of buffered chunks.
func (m *CarbonMessage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// IsTerminated reports whether the terminal chunk has been appended.
func (m *CarbonMessage) IsTerminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// Future returns the message's future, creating it on first use. The same
// future is returned for the lifetime of the message, including after it
// has reached DONE.
func (m *CarbonMessage) Future() *MessageFuture {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.future == nil {
		m.future = &MessageFuture{msg: m, done: m.released}
	}
	return m.future
}

// MarkPassthrough records that the body is relayed to another connection
// without application buffering. The relay target throttles the producer
// from then on, so this message's own flow control is disabled.
func (m *CarbonMessage) MarkPassthrough() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passthrough = true
	m.flow.Disable()
}

// IsPassthrough reports whether MarkPassthrough has been called.
func (m *CarbonMessage) IsPassthrough() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.passthrough
}

// Abort discards the message because its connection closed or reset before
// the terminal chunk arrived. Blocked pull consumers wake with an error of
// kind KindConnectionTermination and an attached ErrorListener is notified.
// Abort is a no-op once the terminal chunk has been appended.
func (m *CarbonMessage) Abort(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.terminated || m.err != nil || m.released {
		return
	}
	m.err = NewErrorWithCause(KindConnectionTermination, "connection closed before the terminal chunk", cause)
	if n := m.queue.clear(); n > 0 {
		metrics.ChunksDiscardedTotal.Add(float64(n))
	}
	m.flow.Disable()

	if f := m.future; f != nil && f.mode == modePush && !f.done {
		if el, ok := f.listener.(ErrorListener); ok {
			el.OnError(m.err)
		}
		f.finishLocked()
	}
	m.queue.wakeAll()
	m.log.Debug("Message aborted", logger.LogFields{"message_id": m.id, "cause": errString(cause)})
}

// Release tears the message down after its consumer has finished with it.
// Buffered chunks are discarded, flow control is resumed and disabled, and
// chunks appended afterwards are dropped silently.
func (m *CarbonMessage) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return
	}
	m.released = true
	if n := m.queue.clear(); n > 0 {
		metrics.ChunksDiscardedTotal.Add(float64(n))
	}
	m.flow.Disable()
	if f := m.future; f != nil && !f.done {
		f.finishLocked()
	}
	m.queue.wakeAll()
}

// Err returns the abort error, if any.
func (m *CarbonMessage) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
