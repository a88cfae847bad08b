// ABOUTME: Tests for chunk coalescing, thresholds, and flush ordering

package tunnel

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureFlush struct {
	mu      sync.Mutex
	flushes [][]segment
}

func (c *captureFlush) fn(segs []segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes = append(c.flushes, segs)
}

func (c *captureFlush) all() [][]segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]segment(nil), c.flushes...)
}

func TestCoalescesAdjacentSameSessionAndKind(t *testing.T) {
	cap := &captureFlush{}
	buf := newChunkBuffer(cap.fn)

	buf.add("s1", "agent_message_chunk", "He")
	buf.add("s1", "agent_message_chunk", "llo")
	buf.Flush()

	flushes := cap.all()
	require.Len(t, flushes, 1)
	require.Len(t, flushes[0], 1)
	assert.Equal(t, "Hello", flushes[0][0].text)
	assert.Equal(t, "s1", flushes[0][0].sessionID)
}

func TestDifferentKindsStaySeparate(t *testing.T) {
	cap := &captureFlush{}
	buf := newChunkBuffer(cap.fn)

	buf.add("s1", "agent_message_chunk", "answer")
	buf.add("s1", "agent_thought_chunk", "thinking")
	buf.add("s1", "agent_message_chunk", " more")
	buf.Flush()

	flushes := cap.all()
	require.Len(t, flushes, 1)
	require.Len(t, flushes[0], 3, "order must be preserved, not merged across kinds")
	assert.Equal(t, "answer", flushes[0][0].text)
	assert.Equal(t, "thinking", flushes[0][1].text)
	assert.Equal(t, " more", flushes[0][2].text)
}

func TestSizeThresholdForcesFlush(t *testing.T) {
	cap := &captureFlush{}
	buf := newChunkBuffer(cap.fn)

	buf.add("s1", "agent_message_chunk", strings.Repeat("x", chunkFlushThreshold))

	flushes := cap.all()
	require.Len(t, flushes, 1, "threshold must flush without waiting for the timer")
	assert.Len(t, flushes[0][0].text, chunkFlushThreshold)
}

func TestIdleTimerFlushes(t *testing.T) {
	cap := &captureFlush{}
	buf := newChunkBuffer(cap.fn)

	buf.add("s1", "agent_message_chunk", "hi")

	assert.Eventually(t, func() bool { return len(cap.all()) == 1 },
		2*chunkFlushInterval, 10*time.Millisecond)
}

func TestDiscardDropsPending(t *testing.T) {
	cap := &captureFlush{}
	buf := newChunkBuffer(cap.fn)

	buf.add("s1", "agent_message_chunk", "doomed")
	buf.discard()
	buf.Flush()

	assert.Empty(t, cap.all())
}

func TestCoalescableText(t *testing.T) {
	kind, text, ok := coalescableText(json.RawMessage(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}`))
	require.True(t, ok)
	assert.Equal(t, "agent_message_chunk", kind)
	assert.Equal(t, "hi", text)

	_, _, ok = coalescableText(json.RawMessage(`{"sessionUpdate":"plan","entries":[]}`))
	assert.False(t, ok)

	// Text chunks with non-text content are not coalescable.
	_, _, ok = coalescableText(json.RawMessage(`{"sessionUpdate":"agent_message_chunk","content":{"type":"image"}}`))
	assert.False(t, ok)
}
