// Package metrics exposes ustack's Prometheus instrumentation: frame and
// fragment counters, ARP resolution counters, and ICMP reply counters,
// collected once per [stack.Stack] and served over HTTP by cmd/ustackd.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ustack"

// Collector holds every Prometheus metric a Stack can update. A nil
// *Collector is valid everywhere it is used: every method on it is a no-op,
// so a Stack built without metrics wiring needs no special-casing at the
// call site.
type Collector struct {
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter

	ARPRequestsSent prometheus.Counter
	ARPRepliesSent  prometheus.Counter

	IPFragmentsSent prometheus.Counter

	ICMPEchoRepliesSent prometheus.Counter
	ICMPUnreachableSent *prometheus.CounterVec

	TCPStateTransitions *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total Ethernet frames transmitted.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total Ethernet frames received.",
		}),
		ARPRequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arp_requests_sent_total",
			Help:      "Total ARP requests broadcast to resolve a destination MAC.",
		}),
		ARPRepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arp_replies_sent_total",
			Help:      "Total ARP replies sent for requests targeting our own address.",
		}),
		IPFragmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ip_fragments_sent_total",
			Help:      "Total IPv4 fragments emitted by outbound datagrams.",
		}),
		ICMPEchoRepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "icmp_echo_replies_sent_total",
			Help:      "Total ICMP Echo Reply messages sent.",
		}),
		ICMPUnreachableSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "icmp_unreachable_sent_total",
			Help:      "Total ICMP Destination Unreachable messages sent, by code.",
		}, []string{"code"}),
		TCPStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_state_transitions_total",
			Help:      "Total TCP connection state machine transitions, by resulting state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.FramesSent,
		c.FramesReceived,
		c.ARPRequestsSent,
		c.ARPRepliesSent,
		c.IPFragmentsSent,
		c.ICMPEchoRepliesSent,
		c.ICMPUnreachableSent,
		c.TCPStateTransitions,
	)
	return c
}

// IncFramesSent increments the transmitted-frame counter. Safe on a nil Collector.
func (c *Collector) IncFramesSent() {
	if c != nil {
		c.FramesSent.Inc()
	}
}

// IncFramesReceived increments the received-frame counter. Safe on a nil Collector.
func (c *Collector) IncFramesReceived() {
	if c != nil {
		c.FramesReceived.Inc()
	}
}

// IncARPRequestsSent increments the ARP-request counter. Safe on a nil Collector.
func (c *Collector) IncARPRequestsSent() {
	if c != nil {
		c.ARPRequestsSent.Inc()
	}
}

// IncARPRepliesSent increments the ARP-reply counter. Safe on a nil Collector.
func (c *Collector) IncARPRepliesSent() {
	if c != nil {
		c.ARPRepliesSent.Inc()
	}
}

// IncIPFragmentsSent increments the fragment counter. Safe on a nil Collector.
func (c *Collector) IncIPFragmentsSent() {
	if c != nil {
		c.IPFragmentsSent.Inc()
	}
}

// IncICMPEchoRepliesSent increments the echo-reply counter. Safe on a nil Collector.
func (c *Collector) IncICMPEchoRepliesSent() {
	if c != nil {
		c.ICMPEchoRepliesSent.Inc()
	}
}

// IncICMPUnreachableSent increments the unreachable counter for code. Safe on a nil Collector.
func (c *Collector) IncICMPUnreachableSent(code string) {
	if c != nil {
		c.ICMPUnreachableSent.WithLabelValues(code).Inc()
	}
}

// IncTCPStateTransition increments the state-transition counter for state. Safe on a nil Collector.
func (c *Collector) IncTCPStateTransition(state string) {
	if c != nil {
		c.TCPStateTransitions.WithLabelValues(state).Inc()
	}
}
