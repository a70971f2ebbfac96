package timeblocks

import (
	"sync"
	"testing"
)

func TestMetricsIncAndSnapshot(t *testing.T) {
	m := NewMetrics()

	m.Inc(MetricLoginSuccess)
	m.Inc(MetricLoginSuccess)
	m.Inc(MetricReplayDetected)

	if got := m.Value(MetricLoginSuccess); got != 2 {
		t.Fatalf("login success = %d, want 2", got)
	}
	if got := m.Value(MetricLoginFailure); got != 0 {
		t.Fatalf("login failure = %d, want 0", got)
	}

	snap := m.Snapshot()
	if snap[MetricLoginSuccess] != 2 || snap[MetricReplayDetected] != 1 {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricLogout)
	if got := m.Value(MetricLogout); got != 0 {
		t.Fatalf("nil metrics value = %d", got)
	}
	if snap := m.Snapshot(); len(snap) != 0 {
		t.Fatalf("nil metrics snapshot = %v", snap)
	}
}

func TestMetricsConcurrentInc(t *testing.T) {
	m := NewMetrics()

	const workers = 8
	const perWorker = 1000
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(MetricRefreshSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricRefreshSuccess); got != workers*perWorker {
		t.Fatalf("refresh success = %d, want %d", got, workers*perWorker)
	}
}
