package message

// Chunk is one decoded fragment of a message body. The final fragment of a
// message is terminal; its Data may be empty.
type Chunk struct {
	Data []byte
	last bool
}

// NewChunk returns a non-terminal chunk.
func NewChunk(data []byte) Chunk {
	return Chunk{Data: data}
}

// LastChunk returns a terminal chunk.
func LastChunk(data []byte) Chunk {
	return Chunk{Data: data, last: true}
}

// IsLast reports whether this chunk terminates the message.
func (c Chunk) IsLast() bool {
	return c.last
}

// Len returns the number of payload bytes.
func (c Chunk) Len() int {
	return len(c.Data)
}

// Listener receives chunks in push mode. OnMessage is invoked synchronously,
// in arrival order, while the owning message's lock is held: it must not call
// back into the message or its future, and it must not block indefinitely. A
// slow listener stalls the producing connection, which is the intended
// backpressure.
type Listener interface {
	OnMessage(chunk Chunk)
}

// ErrorListener is optionally implemented by a Listener that wants to learn
// about a connection terminating before the terminal chunk arrived.
type ErrorListener interface {
	OnError(err error)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(chunk Chunk)

// OnMessage calls f(chunk).
func (f ListenerFunc) OnMessage(chunk Chunk) {
	f(chunk)
}
