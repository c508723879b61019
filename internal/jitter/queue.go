// Package jitter holds the outbound playout queue and the wall-clock pacer
// that drains it toward the switch at exactly one frame per frame duration.
package jitter

import (
	"sync"
	"sync/atomic"
)

// Queue is the bounded outbound frame queue of one call. The AI reader is
// the producer (normal frames at the tail, priority frames behind the
// existing priority run at the head) and the pacer is the single consumer.
// On overflow the oldest frame is dropped and counted, never the newest.
type Queue struct {
	mu            sync.Mutex
	frames        [][]byte
	priorityCount int // frames[:priorityCount] are priority, FIFO among themselves
	capacity      int
	closed        bool

	droppedOld atomic.Uint64
}

// NewQueue builds a queue bounded to capacity frames.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{capacity: capacity}
}

// Push appends a normal frame. At capacity the oldest frame is evicted
// first.
func (q *Queue) Push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.evictIfFullLocked()
	q.frames = append(q.frames, frame)
}

// PushPriority inserts a priority frame after any queued priority frames and
// ahead of all normal ones.
func (q *Queue) PushPriority(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.evictIfFullLocked()
	q.frames = append(q.frames, nil)
	copy(q.frames[q.priorityCount+1:], q.frames[q.priorityCount:])
	q.frames[q.priorityCount] = frame
	q.priorityCount++
}

func (q *Queue) evictIfFullLocked() {
	if len(q.frames) < q.capacity {
		return
	}
	// Prefer the oldest normal frame; fall back to the oldest priority one
	// when the queue is pure priority audio.
	if len(q.frames) > q.priorityCount {
		copy(q.frames[q.priorityCount:], q.frames[q.priorityCount+1:])
		q.frames = q.frames[:len(q.frames)-1]
	} else {
		q.frames = q.frames[1:]
		q.priorityCount--
	}
	q.droppedOld.Add(1)
}

// Pop removes the head frame.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	if q.priorityCount > 0 {
		q.priorityCount--
	}
	return f, true
}

// Len reports the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// BufferedBytes reports the total queued payload, which drives the pre-roll
// decision.
func (q *Queue) BufferedBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, f := range q.frames {
		n += len(f)
	}
	return n
}

// FlushNonPriority discards every normal frame, keeping queued priority
// audio. Used on barge-in.
func (q *Queue) FlushNonPriority() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	flushed := len(q.frames) - q.priorityCount
	q.frames = q.frames[:q.priorityCount]
	return flushed
}

// DroppedOld reports how many frames overflow has evicted.
func (q *Queue) DroppedOld() uint64 { return q.droppedOld.Load() }

// Close empties the queue and rejects further pushes.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.frames = nil
	q.priorityCount = 0
}
