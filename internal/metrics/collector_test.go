package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nilknarf/ustack/internal/metrics"
)

func TestNewCollectorRegistersEveryMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.FramesSent == nil || c.FramesReceived == nil {
		t.Fatal("frame counters are nil")
	}
	if c.ARPRequestsSent == nil || c.ARPRepliesSent == nil {
		t.Fatal("ARP counters are nil")
	}
	if c.IPFragmentsSent == nil {
		t.Fatal("fragment counter is nil")
	}
	if c.ICMPEchoRepliesSent == nil || c.ICMPUnreachableSent == nil {
		t.Fatal("ICMP counters are nil")
	}
	if c.TCPStateTransitions == nil {
		t.Fatal("TCP state transition counter is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestCounterIncrementsAreObservable(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncFramesSent()
	c.IncFramesSent()
	c.IncARPRequestsSent()
	c.IncICMPUnreachableSent("port_unreachable")
	c.IncTCPStateTransition("ESTABLISHED")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	got := counterValue(t, families, "ustack_frames_sent_total", nil)
	if got != 2 {
		t.Errorf("ustack_frames_sent_total = %v, want 2", got)
	}
	got = counterValue(t, families, "ustack_icmp_unreachable_sent_total", map[string]string{"code": "port_unreachable"})
	if got != 1 {
		t.Errorf("ustack_icmp_unreachable_sent_total{code=port_unreachable} = %v, want 1", got)
	}
}

func TestNilCollectorMethodsAreNoops(t *testing.T) {
	var c *metrics.Collector
	c.IncFramesSent()
	c.IncFramesReceived()
	c.IncARPRequestsSent()
	c.IncARPRepliesSent()
	c.IncIPFragmentsSent()
	c.IncICMPEchoRepliesSent()
	c.IncICMPUnreachableSent("proto_unreachable")
	c.IncTCPStateTransition("CLOSED")
}

func counterValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m.GetLabel(), labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(want) != len(pairs) {
		return len(want) == 0 && len(pairs) == 0
	}
	for _, p := range pairs {
		if want[p.GetName()] != p.GetValue() {
			return false
		}
	}
	return true
}
