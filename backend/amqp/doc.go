// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp connects the bridge to an AMQP server that is up the chain.
//
// All messages go through a topic exchange (by default "ttn.gateway").
//
// Uplink messages are published as protocol buffers with the
// "[gateway-id].up" routing key, and gateway status messages with the
// "[gateway-id].status" routing key.
//
// When a gateway connects, the bridge calls `SubscribeDownlink("gateway-id")`,
// which binds a queue to the "[gateway-id].down" routing key. Downlink
// messages are protocol buffers. The ID of a downlink is the MessageId (or
// else the CorrelationId) of the AMQP message; downlinks without either get a
// new ID.
//
// Downlink results are published as JSON with the "[gateway-id].down.result"
// routing key, with the downlink ID as CorrelationId.
package amqp
