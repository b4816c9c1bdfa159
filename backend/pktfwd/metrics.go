// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import "github.com/prometheus/client_golang/prometheus"

var receivedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "pktfwd",
		Name:      "packets_received_total",
		Help:      "Total number of received datagrams.",
	}, []string{"packet_type"},
)

var sentCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "pktfwd",
		Name:      "packets_sent_total",
		Help:      "Total number of sent datagrams.",
	}, []string{"packet_type"},
)

var droppedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "pktfwd",
		Name:      "packets_dropped_total",
		Help:      "Total number of dropped datagrams.",
	}, []string{"reason"},
)

var rxpkDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "pktfwd",
		Name:      "rxpk_dropped_total",
		Help:      "Total number of dropped rxpk records.",
	}, []string{"reason"},
)

var duplicatePushData = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "pktfwd",
		Name:      "push_data_duplicates_total",
		Help:      "Total number of retransmitted PUSH_DATA datagrams.",
	},
)

var queueDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "pktfwd",
		Name:      "queue_dropped_total",
		Help:      "Total number of messages dropped because a queue was full.",
	}, []string{"queue"},
)

var downlinksCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "pktfwd",
		Name:      "downlinks_total",
		Help:      "Total number of downlinks by event.",
	}, []string{"event"},
)

var pendingDownlinks = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ttn",
		Subsystem: "pktfwd",
		Name:      "pending_downlinks",
		Help:      "Number of downlinks waiting for an acknowledgement.",
	},
)

var activeGateways = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ttn",
		Subsystem: "pktfwd",
		Name:      "gateways",
		Help:      "Number of gateways with a live session.",
	},
)

func init() {
	prometheus.MustRegister(receivedCounter)
	prometheus.MustRegister(sentCounter)
	prometheus.MustRegister(droppedCounter)
	prometheus.MustRegister(rxpkDropped)
	prometheus.MustRegister(duplicatePushData)
	prometheus.MustRegister(queueDropped)
	prometheus.MustRegister(downlinksCounter)
	prometheus.MustRegister(pendingDownlinks)
	prometheus.MustRegister(activeGateways)
}
