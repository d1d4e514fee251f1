package monitor

import (
	"sync"
	"time"
)

type networkStats struct {
	bytesReceived uint64
	bytesSent     uint64
	at            time.Time
}

// networkHistory keeps a short tail of interface counter samples so the
// diagnostics snapshot can report throughput instead of raw totals.
type networkHistory struct {
	mu     sync.RWMutex
	window time.Duration
	max    int
	items  []networkStats
}

func newNetworkHistory(max int, window time.Duration) *networkHistory {
	if max <= 0 {
		max = networkHistoryMax
	}
	if window <= 0 {
		window = networkSpeedWindow
	}
	return &networkHistory{max: max, window: window}
}

func (h *networkHistory) Add(s networkStats) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append(h.items, s)
	if overflow := len(h.items) - h.max; overflow > 0 {
		h.items = h.items[overflow:]
	}
}

// CalculateSpeed averages over the oldest and newest samples still inside the
// window. Counter wrap between samples yields a nonsense delta; callers get 0
// instead.
func (h *networkHistory) CalculateSpeed(now time.Time) (receivedSpeed float64, sentSpeed float64) {
	if h == nil {
		return 0, 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	// Walk back to the first sample still inside the window.
	start := len(h.items)
	for start > 0 && now.Sub(h.items[start-1].at) <= h.window {
		start--
	}
	inWindow := h.items[start:]
	if len(inWindow) < 2 {
		return 0, 0
	}

	oldest := inWindow[0]
	newest := inWindow[len(inWindow)-1]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}
	if newest.bytesReceived < oldest.bytesReceived || newest.bytesSent < oldest.bytesSent {
		return 0, 0
	}

	receivedSpeed = float64(newest.bytesReceived-oldest.bytesReceived) / dt
	sentSpeed = float64(newest.bytesSent-oldest.bytesSent) / dt
	return receivedSpeed, sentSpeed
}
