package socket

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// socketMetrics are the prometheus counters of one socket, labeled by tag.
// Sockets sharing a tag share their counters.
type socketMetrics struct {
	bytesIn         *metrics.Counter
	bytesOut        *metrics.Counter
	packetsQueued   *metrics.Counter
	packetsRejected *metrics.Counter
	bufferFull      *metrics.Counter
	connects        *metrics.Counter
	connectFailures *metrics.Counter
	closes          *metrics.Counter
}

func newSocketMetrics(tag int) *socketMetrics {
	name := func(metric string) string {
		return fmt.Sprintf(`dsock_socket_%s{tag="%d"}`, metric, tag)
	}

	return &socketMetrics{
		bytesIn:         metrics.GetOrCreateCounter(name("bytes_received_total")),
		bytesOut:        metrics.GetOrCreateCounter(name("bytes_sent_total")),
		packetsQueued:   metrics.GetOrCreateCounter(name("packets_queued_total")),
		packetsRejected: metrics.GetOrCreateCounter(name("packets_rejected_total")),
		bufferFull:      metrics.GetOrCreateCounter(name("inbuffer_full_total")),
		connects:        metrics.GetOrCreateCounter(name("connects_total")),
		connectFailures: metrics.GetOrCreateCounter(name("connect_failures_total")),
		closes:          metrics.GetOrCreateCounter(name("closes_total")),
	}
}
