package session

import "sync"

// replayRing keeps the most recent second of processed inbound frames so a
// resumed AI socket can be caught up. Frames are already in AI wire format;
// replay is a straight re-send.
type replayRing struct {
	mu     sync.Mutex
	frames [][]byte
	cap    int
}

func newReplayRing(capacity int) *replayRing {
	if capacity < 1 {
		capacity = 1
	}
	return &replayRing{cap: capacity}
}

func (r *replayRing) Push(f []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == r.cap {
		copy(r.frames, r.frames[1:])
		r.frames = r.frames[:r.cap-1]
	}
	r.frames = append(r.frames, f)
}

// Snapshot returns the buffered frames oldest first. The ring keeps them;
// overlap on replay is preferable to a gap.
func (r *replayRing) Snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *replayRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}
