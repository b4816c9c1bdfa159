// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"strings"

	"github.com/TheThingsNetwork/api/protocol"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/prometheus/client_golang/prometheus"
)

var connectedGateways = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ttn",
		Subsystem: "bridge",
		Name:      "connected_gateways",
		Help:      "Number of connected gateways.",
	},
)

var handledCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "bridge",
		Name:      "messages_handled_total",
		Help:      "Total number of messages handled.",
	}, []string{"message_type"},
)

var resultCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "bridge",
		Name:      "downlink_results_total",
		Help:      "Total number of downlink results by outcome.",
	}, []string{"outcome"},
)

var droppedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "bridge",
		Name:      "messages_dropped_total",
		Help:      "Total number of messages dropped by the exchange.",
	}, []string{"message_type", "reason"},
)

func messageType(msg *protocol.Message) string {
	if msg := msg.GetLoRaWAN(); msg != nil {
		mType := msg.GetMType().String()
		return strings.Replace(strings.Title(strings.ToLower(strings.Replace(mType, "_", " ", -1))), " ", "", -1)
	}
	return "Unknown"
}

type message interface {
	UnmarshalPayload() error
	GetPayload() []byte
	GetMessage() *protocol.Message
}

func registerHandled(msg message) {
	if len(msg.GetPayload()) == 0 {
		handledCounter.WithLabelValues("Unknown").Inc()
		return
	}
	msg.UnmarshalPayload()
	handledCounter.WithLabelValues(messageType(msg.GetMessage())).Inc()
}

func registerStatus() {
	handledCounter.WithLabelValues("GatewayStatus").Inc()
}

func registerResult(outcome types.Outcome) {
	resultCounter.WithLabelValues(string(outcome)).Inc()
}

func registerDropped(messageType, reason string) {
	droppedCounter.WithLabelValues(messageType, reason).Inc()
}

func init() {
	prometheus.MustRegister(connectedGateways)
	prometheus.MustRegister(handledCounter)
	prometheus.MustRegister(resultCounter)
	prometheus.MustRegister(droppedCounter)
}
