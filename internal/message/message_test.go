package message

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/carbonhttp/v2/internal/flowcontrol"
)

// collector records every chunk it receives, in order.
type collector struct {
	mu     sync.Mutex
	chunks []Chunk
	errs   []error
	last   chan struct{}
}

func newCollector() *collector {
	return &collector{last: make(chan struct{})}
}

func (c *collector) OnMessage(chunk Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	if chunk.IsLast() {
		close(c.last)
	}
}

func (c *collector) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.chunks))
	for i, ch := range c.chunks {
		out[i] = string(ch.Data)
	}
	return out
}

type countingController struct {
	mu              sync.Mutex
	pauses, resumes int
}

func (c *countingController) PauseReads() {
	c.mu.Lock()
	c.pauses++
	c.mu.Unlock()
}

func (c *countingController) ResumeReads() {
	c.mu.Lock()
	c.resumes++
	c.mu.Unlock()
}

func (c *countingController) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauses, c.resumes
}

func newLinkedMessage(t *testing.T, high, low int) (*CarbonMessage, *countingController) {
	t.Helper()
	ctrl := &countingController{}
	link, err := flowcontrol.NewLink(ctrl, high, low)
	require.NoError(t, err)
	return New(Options{ID: "test", Flow: link}), ctrl
}

func TestCarbonMessage_BacklogDrainedOnSetListener(t *testing.T) {
	msg := New(Options{ID: "backlog"})
	require.NoError(t, msg.Append([]byte("He"), false))
	require.NoError(t, msg.Append([]byte("llo"), false))
	require.NoError(t, msg.Append([]byte(""), true))
	assert.False(t, msg.IsEmpty())

	c := newCollector()
	require.NoError(t, msg.Future().SetListener(c))

	assert.Equal(t, []string{"He", "llo", ""}, c.payloads())
	assert.True(t, c.chunks[2].IsLast())
	assert.Equal(t, FutureDone, msg.Future().State())
	assert.True(t, msg.IsEmpty())
}

func TestCarbonMessage_BacklogBeforeLiveChunks(t *testing.T) {
	msg := New(Options{})
	require.NoError(t, msg.Append([]byte("c1"), false))
	require.NoError(t, msg.Append([]byte("c2"), false))

	c := newCollector()
	require.NoError(t, msg.Future().SetListener(c))
	assert.Equal(t, []string{"c1", "c2"}, c.payloads(), "backlog must be delivered during registration")
	assert.Equal(t, FutureAttached, msg.Future().State())

	require.NoError(t, msg.Append([]byte("c3"), false))
	require.NoError(t, msg.Append(nil, true))
	assert.Equal(t, []string{"c1", "c2", "c3", ""}, c.payloads())
	assert.Equal(t, FutureDone, msg.Future().State())
}

func TestCarbonMessage_NoLossNoDuplicationUnderConcurrency(t *testing.T) {
	const chunks = 500
	for round := 0; round < 20; round++ {
		msg := New(Options{})
		c := newCollector()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < chunks; i++ {
				require.NoError(t, msg.Append([]byte(fmt.Sprintf("%d", i)), i == chunks-1))
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(round) * 20 * time.Microsecond)
			require.NoError(t, msg.Future().SetListener(c))
		}()
		wg.Wait()

		select {
		case <-c.last:
		case <-time.After(2 * time.Second):
			t.Fatal("terminal chunk was never delivered")
		}
		got := c.payloads()
		require.Len(t, got, chunks, "round %d", round)
		for i, p := range got {
			require.Equal(t, fmt.Sprintf("%d", i), p, "round %d position %d", round, i)
		}
	}
}

func TestCarbonMessage_AppendAfterTerminalIsProtocolViolation(t *testing.T) {
	msg := New(Options{})
	c := newCollector()
	require.NoError(t, msg.Future().SetListener(c))
	require.NoError(t, msg.Append([]byte("only"), true))
	assert.Equal(t, FutureDone, msg.Future().State())

	err := msg.Append([]byte("late"), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocolViolation))
	assert.Equal(t, []string{"only"}, c.payloads(), "late chunk must not be delivered")
	assert.True(t, msg.IsTerminated())
}

func TestCarbonMessage_AppendAfterTerminalInPullMode(t *testing.T) {
	msg := New(Options{})
	require.NoError(t, msg.Append([]byte("x"), true))
	chunk, err := msg.Future().BlockingGet(context.Background())
	require.NoError(t, err)
	assert.True(t, chunk.IsLast())

	err = msg.Append([]byte("y"), true)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = msg.Future().BlockingGet(context.Background())
	assert.ErrorIs(t, err, ErrMessageDone)
}

func TestMessageFuture_SecondListenerIsMisuse(t *testing.T) {
	msg := New(Options{})
	f := msg.Future()
	require.NoError(t, f.SetListener(newCollector()))
	err := f.SetListener(newCollector())
	assert.ErrorIs(t, err, ErrListenerMisuse)
	assert.True(t, f.IsListenerSet())

	_, err = f.BlockingGet(context.Background())
	assert.ErrorIs(t, err, ErrListenerMisuse, "pull after push must be rejected")

	assert.ErrorIs(t, New(Options{}).Future().SetListener(nil), ErrListenerMisuse)
}

func TestMessageFuture_ListenerAfterPullIsMisuse(t *testing.T) {
	msg := New(Options{})
	require.NoError(t, msg.Append([]byte("a"), false))
	_, err := msg.Future().BlockingGet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FuturePulling, msg.Future().State())

	err = msg.Future().SetListener(newCollector())
	assert.ErrorIs(t, err, ErrListenerMisuse)
	assert.False(t, msg.Future().IsListenerSet())
}

func TestMessageFuture_FutureIsCreatedOnce(t *testing.T) {
	msg := New(Options{})
	assert.Same(t, msg.Future(), msg.Future())
}

func TestMessageFuture_NotifyWithoutListenerReportsLostChunk(t *testing.T) {
	msg := New(Options{})
	f := msg.Future()
	msg.mu.Lock()
	err := f.notify(NewChunk([]byte("orphan")))
	msg.mu.Unlock()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLostChunk)

	var typed *Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, KindLostChunk, typed.Kind)
}

func TestMessageFuture_BlockingGetWaitsForData(t *testing.T) {
	msg := New(Options{})
	results := make(chan Chunk, 3)
	errc := make(chan error, 1)

	go func() {
		for {
			c, err := msg.Future().BlockingGet(context.Background())
			if err != nil {
				errc <- err
				return
			}
			results <- c
			if c.IsLast() {
				errc <- nil
				return
			}
		}
	}()

	select {
	case <-results:
		t.Fatal("BlockingGet returned before any chunk was appended")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, msg.Append([]byte("He"), false))
	require.NoError(t, msg.Append([]byte("llo"), false))
	require.NoError(t, msg.Append(nil, true))

	require.NoError(t, <-errc)
	assert.Equal(t, "He", string((<-results).Data))
	assert.Equal(t, "llo", string((<-results).Data))
	assert.True(t, (<-results).IsLast())
	assert.Equal(t, FutureDone, msg.Future().State())
}

func TestMessageFuture_AbortWakesBlockedPuller(t *testing.T) {
	msg := New(Options{})
	errc := make(chan error, 1)
	go func() {
		_, err := msg.Future().BlockingGet(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	msg.Abort(io.ErrUnexpectedEOF)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	case <-time.After(time.Second):
		t.Fatal("blocked BlockingGet was not woken by Abort")
	}
	assert.Error(t, msg.Err())
}

func TestMessageFuture_AbortNotifiesErrorListener(t *testing.T) {
	msg := New(Options{})
	c := newCollector()
	require.NoError(t, msg.Future().SetListener(c))
	require.NoError(t, msg.Append([]byte("part"), false))

	msg.Abort(io.EOF)
	require.Len(t, c.errs, 1)
	assert.ErrorIs(t, c.errs[0], ErrConnectionClosed)
	assert.Equal(t, FutureDone, msg.Future().State())

	// The dead connection may still flush a chunk; it is dropped.
	require.NoError(t, msg.Append([]byte("after"), false))
	assert.Equal(t, []string{"part"}, c.payloads())

	assert.ErrorIs(t, newAbortedFuture().SetListener(newCollector()), ErrConnectionClosed)
}

func newAbortedFuture() *MessageFuture {
	msg := New(Options{})
	msg.Abort(io.EOF)
	return msg.Future()
}

func TestMessageFuture_AbortAfterTerminalIsNoop(t *testing.T) {
	msg := New(Options{})
	require.NoError(t, msg.Append([]byte("done"), true))
	msg.Abort(io.EOF)

	c, err := msg.Future().BlockingGet(context.Background())
	require.NoError(t, err)
	assert.True(t, c.IsLast())
}

func TestMessageFuture_BlockingGetHonoursContext(t *testing.T) {
	msg := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := msg.Future().BlockingGet(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("BlockingGet ignored context cancellation")
	}
}

func TestCarbonMessage_ReleaseDiscardsAndDropsLaterChunks(t *testing.T) {
	msg, ctrl := newLinkedMessage(t, 2, 1)
	for i := 0; i < 4; i++ {
		require.NoError(t, msg.Append([]byte{byte(i)}, false))
	}
	pauses, resumes := ctrl.counts()
	require.Equal(t, 1, pauses)
	require.Equal(t, 0, resumes)

	msg.Release()
	pauses, resumes = ctrl.counts()
	assert.Equal(t, 1, resumes, "release must resume a paused connection")
	assert.True(t, msg.IsEmpty())

	require.NoError(t, msg.Append([]byte("x"), false))
	require.NoError(t, msg.Append(nil, true))
	assert.True(t, msg.IsEmpty())
	assert.Equal(t, FutureDone, msg.Future().State())
	_, err := msg.Future().BlockingGet(context.Background())
	assert.ErrorIs(t, err, ErrMessageDone)
	p2, r2 := ctrl.counts()
	assert.Equal(t, pauses, p2)
	assert.Equal(t, 1, r2)
}

func TestCarbonMessage_FlowControlEdgeTriggering(t *testing.T) {
	msg, ctrl := newLinkedMessage(t, 3, 2)

	for i := 0; i < 8; i++ {
		require.NoError(t, msg.Append([]byte{byte(i)}, false))
	}
	pauses, resumes := ctrl.counts()
	assert.Equal(t, 1, pauses, "exactly one pause while above the high-water mark")
	assert.Equal(t, 0, resumes)

	// Drain 8 -> 1: the resume fires once when the depth drops below 2.
	for i := 0; i < 7; i++ {
		_, err := msg.Future().BlockingGet(context.Background())
		require.NoError(t, err)
	}
	pauses, resumes = ctrl.counts()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 1, resumes)

	_, err := msg.Future().BlockingGet(context.Background())
	require.NoError(t, err)
	_, resumes = ctrl.counts()
	assert.Equal(t, 1, resumes, "no redundant resume")
}

func TestCarbonMessage_PassthroughDisablesThrottling(t *testing.T) {
	msg, ctrl := newLinkedMessage(t, 2, 1)
	msg.MarkPassthrough()
	assert.True(t, msg.IsPassthrough())

	for i := 0; i < 10; i++ {
		require.NoError(t, msg.Append([]byte{byte(i)}, false))
	}
	c := newCollector()
	require.NoError(t, msg.Future().SetListener(c))
	require.NoError(t, msg.Append(nil, true))

	pauses, resumes := ctrl.counts()
	assert.Zero(t, pauses)
	assert.Zero(t, resumes)
	assert.Len(t, c.payloads(), 11)
}

func TestCarbonMessage_PassthroughWhilePausedResumes(t *testing.T) {
	msg, ctrl := newLinkedMessage(t, 2, 1)
	for i := 0; i < 3; i++ {
		require.NoError(t, msg.Append([]byte{byte(i)}, false))
	}
	msg.MarkPassthrough()
	pauses, resumes := ctrl.counts()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 1, resumes)
}

func TestErrorKinds(t *testing.T) {
	err := NewErrorWithCause(KindUnsupportedUpgrade, "missing Upgrade header", io.EOF)
	assert.ErrorIs(t, err, ErrUnsupportedUpgrade)
	assert.NotErrorIs(t, err, ErrProtocolViolation)
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", err), ErrUnsupportedUpgrade)
	assert.Contains(t, err.Error(), "UNSUPPORTED_UPGRADE")
	assert.Equal(t, "UNKNOWN_KIND_99", ErrorKind(99).String())
}
