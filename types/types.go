// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import (
	"net"

	"github.com/TheThingsNetwork/api/gateway"
	"github.com/TheThingsNetwork/api/router"
)

// ConnectMessage is sent when a gateway is first seen
type ConnectMessage struct {
	GatewayID   string
	GatewayAddr *net.UDPAddr
	// SessionID increases with every new session of a gateway
	SessionID uint64
}

// DisconnectMessage is sent when a gateway is no longer seen. A nonzero
// SessionID names the session that ended.
type DisconnectMessage struct {
	GatewayID string
	SessionID uint64
}

// UplinkMessage is used internally
type UplinkMessage struct {
	GatewayID   string
	GatewayAddr *net.UDPAddr
	Message     *router.UplinkMessage
}

// DownlinkMessage is used internally
type DownlinkMessage struct {
	GatewayID string
	// ID is assigned by the northbound backend and returned in the DownlinkResultMessage
	ID      string
	Message *router.DownlinkMessage
}

// StatusMessage is used internally
type StatusMessage struct {
	Backend     string
	GatewayID   string
	GatewayAddr *net.UDPAddr
	Message     *gateway.Status
}

// Outcome of a downlink
type Outcome string

// Downlink outcomes
const (
	OutcomeAcked              Outcome = "acked"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeGatewayUnreachable Outcome = "gateway_unreachable"
	OutcomeCancelled          Outcome = "cancelled"
	OutcomeRejected           Outcome = "rejected"
)

// DownlinkResultMessage reports what happened to a DownlinkMessage
type DownlinkResultMessage struct {
	GatewayID string  `json:"gateway_id"`
	ID        string  `json:"id"`
	Token     uint16  `json:"token"`
	Outcome   Outcome `json:"outcome"`
	Error     string  `json:"error,omitempty"`
}
