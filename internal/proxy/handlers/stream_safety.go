package handlers

import (
	"crypto/sha256"
	"time"
)

// streamGuard watches the frames of one SSE stream and aborts upstreams
// that wedge, either by replaying the same chunk over and over or by going
// silent past the stall window.
type streamGuard struct {
	lastHash   [32]byte
	repeats    int
	maxRepeats int
	lastSeen   time.Time
	stallAfter time.Duration
}

func newStreamGuard() *streamGuard {
	return &streamGuard{
		maxRepeats: 10,
		stallAfter: 5 * time.Minute,
	}
}

// check inspects one marshaled chunk. When abort is true the stream must be
// torn down; reason is suitable for the in-band error frame.
func (g *streamGuard) check(frame []byte) (abort bool, reason string) {
	now := time.Now()
	if !g.lastSeen.IsZero() && now.Sub(g.lastSeen) > g.stallAfter {
		return true, "stream timeout exceeded"
	}
	g.lastSeen = now

	// Keep-alive and other empty frames carry no signal.
	if len(frame) == 0 {
		return false, ""
	}

	sum := sha256.Sum256(frame)
	if sum == g.lastHash {
		g.repeats++
		if g.repeats >= g.maxRepeats {
			return true, "repeated chunk detected"
		}
	} else {
		g.repeats = 0
		g.lastHash = sum
	}
	return false, ""
}

// reset clears accumulated state so a guard can be reused across attempts.
func (g *streamGuard) reset() {
	g.lastHash = [32]byte{}
	g.repeats = 0
	g.lastSeen = time.Time{}
}
