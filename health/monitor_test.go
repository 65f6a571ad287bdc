package health

import (
	"sync"
	"testing"
)

func TestMonitor_Report(t *testing.T) {
	m := NewMonitor()
	if got := m.Report("iris"); !got.IsHealthy() {
		t.Errorf("empty monitor should be healthy, got %s", got.Status)
	}

	connected := false
	m.Register("transport", func() Status {
		if connected {
			return NewHealthy("", "connected")
		}
		return NewDegraded("", "kernel disconnected")
	})
	m.Register("distributor", func() Status { return NewHealthy("", "2 subscribers") })

	report := m.Report("iris")
	if !report.IsDegraded() {
		t.Errorf("Report() = %s, want degraded", report.Status)
	}
	if report.SubStatuses[1].Component != "transport" {
		t.Errorf("check name should be forced onto status, got %q", report.SubStatuses[1].Component)
	}
	if report.SubStatuses[1].Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}

	connected = true
	if report := m.Report("iris"); !report.IsHealthy() {
		t.Errorf("Report() = %s, want healthy", report.Status)
	}
}

func TestMonitor_CheckAndRemove(t *testing.T) {
	m := NewMonitor()
	m.Register("nats", func() Status { return NewUnhealthy("", "down") })

	status, ok := m.Check("nats")
	if !ok || !status.IsUnhealthy() || status.Component != "nats" {
		t.Errorf("Check() = %+v, %v", status, ok)
	}

	m.Remove("nats")
	if _, ok := m.Check("nats"); ok {
		t.Error("removed check should not be found")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Register("c", func() Status { return NewHealthy("", "") })
		}()
		go func() {
			defer wg.Done()
			_ = m.Report("iris")
		}()
	}
	wg.Wait()
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}
