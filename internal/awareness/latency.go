package awareness

import "time"

// samples is a fixed size ring of round-trip times.
type samples struct {
	buf  [latencyWindow]time.Duration
	next int
	n    int
}

func (s *samples) add(d time.Duration) {
	s.buf[s.next] = d
	s.next = (s.next + 1) % latencyWindow
	if s.n < latencyWindow {
		s.n++
	}
}

func (s *samples) average() time.Duration {
	if s.n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < s.n; i++ {
		sum += s.buf[i]
	}
	return sum / time.Duration(s.n)
}

// RecordLatency stores a ping/pong round trip for a remote session.
// Samples for unknown sessions still count toward the overall average.
func (t *Tracker) RecordLatency(sessionID string, rtt time.Duration) {
	if rtt < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overall.add(rtt)
	if _, ok := t.sessions[sessionID]; !ok {
		return
	}
	s, ok := t.latency[sessionID]
	if !ok {
		s = &samples{}
		t.latency[sessionID] = s
	}
	s.add(rtt)
}

// AverageLatency is the mean of the last samples across all peers.
func (t *Tracker) AverageLatency() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.overall.average()
}

// Latency is the rolling average for one session.
func (t *Tracker) Latency(sessionID string) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.latency[sessionID]
	if !ok {
		return 0, false
	}
	return s.average(), true
}
