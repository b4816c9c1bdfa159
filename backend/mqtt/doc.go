// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package mqtt connects the bridge to an MQTT broker that is up the chain.
//
// Uplink messages are published as protocol buffers on the "[gateway-id]/up"
// topic, and gateway status messages on the "[gateway-id]/status" topic.
//
// When a gateway connects, the bridge calls `SubscribeDownlink("gateway-id")`
// to subscribe to the "[gateway-id]/down/#" topics. Downlink messages are
// protocol buffers. A downlink published on "[gateway-id]/down/[downlink-id]"
// keeps that ID; one published on "[gateway-id]/down" gets a new ID.
//
// The result of every downlink (acked, timeout, gateway_unreachable,
// cancelled or rejected) is published as JSON on the
// "[gateway-id]/down/result" topic
// (`{"gateway_id":"eui-0102030405060708","id":"...","token":1234,"outcome":"acked"}`).
package mqtt
