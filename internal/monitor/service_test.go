package monitor

import (
	"testing"
	"time"
)

func Test_normalizeSortBy(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", SortByCPU},
		{"cpu", SortByCPU},
		{"CPU", SortByCPU},
		{"memory", SortByMemory},
		{" Memory ", SortByMemory},
		{"disk", SortByCPU},
	}

	for _, c := range cases {
		if got := normalizeSortBy(c.in); got != c.want {
			t.Fatalf("normalizeSortBy(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func Test_selectTopProcesses_sortAndLimit(t *testing.T) {
	metrics := []processWithMetrics{
		{pid: 1, name: "etcd", cpuPercent: 10, memoryBytes: 100},
		{pid: 2, name: "postgres", cpuPercent: 30, memoryBytes: 300},
		{pid: 3, name: "sshd", cpuPercent: 20, memoryBytes: 200},
	}

	topCPU := selectTopProcesses(metrics, SortByCPU, 2)
	if len(topCPU) != 2 {
		t.Fatalf("topCPU len = %d, want 2", len(topCPU))
	}
	if topCPU[0].PID != 2 || topCPU[1].PID != 3 {
		t.Fatalf("topCPU order = [%d,%d], want [2,3]", topCPU[0].PID, topCPU[1].PID)
	}

	topMem := selectTopProcesses(metrics, SortByMemory, 2)
	if len(topMem) != 2 {
		t.Fatalf("topMem len = %d, want 2", len(topMem))
	}
	if topMem[0].PID != 2 || topMem[1].PID != 3 {
		t.Fatalf("topMem order = [%d,%d], want [2,3]", topMem[0].PID, topMem[1].PID)
	}
}

func Test_selectTopProcesses_emptyInput(t *testing.T) {
	if got := selectTopProcesses(nil, SortByCPU, 5); len(got) != 0 {
		t.Fatalf("selectTopProcesses(nil) len = %d, want 0", len(got))
	}
}

func Test_networkHistory_CalculateSpeed_windowedAverage(t *testing.T) {
	h := newNetworkHistory(10, 6*time.Second)
	now := time.Now()

	// A sample outside the window must not affect the result.
	h.Add(networkStats{bytesReceived: 0, bytesSent: 0, at: now.Add(-10 * time.Second)})

	// +200 bytes across 2s => 100 B/s each way.
	h.Add(networkStats{bytesReceived: 1000, bytesSent: 500, at: now.Add(-2 * time.Second)})
	h.Add(networkStats{bytesReceived: 1200, bytesSent: 700, at: now})

	recv, sent := h.CalculateSpeed(now)
	if recv < 99 || recv > 101 {
		t.Fatalf("recv speed = %v, want ~= 100", recv)
	}
	if sent < 99 || sent > 101 {
		t.Fatalf("sent speed = %v, want ~= 100", sent)
	}

	recv2, sent2 := h.CalculateSpeed(now)
	if recv2 != recv || sent2 != sent {
		t.Fatalf("speed changed between calls: got (%v,%v) want (%v,%v)", recv2, sent2, recv, sent)
	}
}

func Test_networkHistory_CounterReset(t *testing.T) {
	h := newNetworkHistory(10, 6*time.Second)
	now := time.Now()

	h.Add(networkStats{bytesReceived: 9000, bytesSent: 9000, at: now.Add(-2 * time.Second)})
	h.Add(networkStats{bytesReceived: 100, bytesSent: 100, at: now}) // interface bounced

	recv, sent := h.CalculateSpeed(now)
	if recv != 0 || sent != 0 {
		t.Fatalf("speed after counter reset = (%v,%v), want (0,0)", recv, sent)
	}
}

func Test_networkHistory_TrimsToMax(t *testing.T) {
	h := newNetworkHistory(3, time.Minute)
	now := time.Now()
	for i := range 6 {
		h.Add(networkStats{
			bytesReceived: uint64(i * 100),
			bytesSent:     uint64(i * 10),
			at:            now.Add(time.Duration(i) * time.Second),
		})
	}
	if len(h.items) != 3 {
		t.Fatalf("history len = %d, want 3", len(h.items))
	}
	if h.items[0].bytesReceived != 300 {
		t.Fatalf("oldest kept sample = %d, want 300", h.items[0].bytesReceived)
	}
}
