// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package nats

import "github.com/prometheus/client_golang/prometheus"

var droppedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "nats",
		Name:      "messages_dropped_total",
		Help:      "Total number of messages dropped because a buffer was full.",
	}, []string{"message_type"},
)

func init() {
	prometheus.MustRegister(droppedCounter)
}
