// ABOUTME: Chunk buffer coalescing high-frequency text updates before persistence
// ABOUTME: Flushes on an idle timer, a size threshold, or a non-coalescable event

package tunnel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/2389/acp-relay/internal/protocol"
)

const (
	chunkFlushInterval  = 800 * time.Millisecond
	chunkFlushThreshold = 16000
)

// coalescable chunk kinds: adjacent text segments with identical
// (session, kind) merge in place.
var coalescableKinds = map[string]bool{
	"agent_message_chunk": true,
	"agent_thought_chunk": true,
	"user_message_chunk":  true,
}

type segment struct {
	sessionID string
	kind      string
	text      string
}

// chunkBuffer batches one run's text chunks. Flushing hands the merged
// segments to flushFn in arrival order; flushFn runs on the run's operation
// queue so it never races a prompt-result persistence.
type chunkBuffer struct {
	mu      sync.Mutex
	segs    []segment
	total   int
	timer   *time.Timer
	flushFn func([]segment)
}

func newChunkBuffer(flushFn func([]segment)) *chunkBuffer {
	return &chunkBuffer{flushFn: flushFn}
}

// coalescableText extracts the text of an update when it is a text-bearing
// chunk of a coalescable kind.
func coalescableText(update json.RawMessage) (kind, text string, ok bool) {
	kind = protocol.UpdateKind(update)
	if !coalescableKinds[kind] {
		return "", "", false
	}
	var payload struct {
		Content struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(update, &payload); err != nil || payload.Content.Type != "text" {
		return "", "", false
	}
	return kind, payload.Content.Text, true
}

// add appends a text chunk, merging into the last segment when session and
// kind match. Returns true once the size threshold forces a flush.
func (b *chunkBuffer) add(sessionID, kind, text string) {
	b.mu.Lock()
	if n := len(b.segs); n > 0 && b.segs[n-1].sessionID == sessionID && b.segs[n-1].kind == kind {
		b.segs[n-1].text += text
	} else {
		b.segs = append(b.segs, segment{sessionID: sessionID, kind: kind, text: text})
	}
	b.total += len(text)

	if b.total >= chunkFlushThreshold {
		b.mu.Unlock()
		b.Flush()
		return
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(chunkFlushInterval, b.Flush)
	}
	b.mu.Unlock()
}

// Flush drains the buffer and hands the pending segments to flushFn. Safe to
// call when empty.
func (b *chunkBuffer) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	segs := b.segs
	b.segs = nil
	b.total = 0
	b.mu.Unlock()

	if len(segs) > 0 {
		b.flushFn(segs)
	}
}

// discard drops buffered segments without persisting, used on teardown.
func (b *chunkBuffer) discard() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.segs = nil
	b.total = 0
	b.mu.Unlock()
}
