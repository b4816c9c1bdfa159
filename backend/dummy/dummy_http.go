// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import "github.com/TheThingsNetwork/pktfwd-bridge/types"

// WithServer is a Dummy backend that also shows its traffic on the debug page.
// Everything that is published still reaches the subscribers of the Dummy.
type WithServer struct {
	*Dummy
	server *Server
}

// WithHTTPServer starts a debug page on addr that shows the traffic of the Dummy
func (d *Dummy) WithHTTPServer(addr string) *WithServer {
	ctx := d.ctx.WithField("Connector", "HTTP Debug")
	s, err := NewServer(ctx, addr)
	if err != nil {
		ctx.WithError(err).Fatal("Could not add server to Dummy backend")
		return nil
	}
	go s.Listen()
	return &WithServer{Dummy: d, server: s}
}

// PublishUplink implements backend interfaces
func (d *WithServer) PublishUplink(message *types.UplinkMessage) error {
	// the page shows the decoded payload
	uplink := *message.Message
	uplink.UnmarshalPayload()
	d.server.Uplink(&types.UplinkMessage{GatewayID: message.GatewayID, Message: &uplink})
	return d.Dummy.PublishUplink(message)
}

// PublishStatus implements backend interfaces
func (d *WithServer) PublishStatus(message *types.StatusMessage) error {
	d.server.Status(message)
	return d.Dummy.PublishStatus(message)
}

// PublishDownlinkResult implements backend interfaces
func (d *WithServer) PublishDownlinkResult(message *types.DownlinkResultMessage) error {
	d.server.Result(message)
	return d.Dummy.PublishDownlinkResult(message)
}

// PublishDownlink implements backend interfaces
func (d *WithServer) PublishDownlink(message *types.DownlinkMessage) error {
	downlink := *message.Message
	downlink.UnmarshalPayload()
	d.server.Downlink(&types.DownlinkMessage{GatewayID: message.GatewayID, ID: message.ID, Message: &downlink})
	return d.Dummy.PublishDownlink(message)
}

// SubscribeDownlink implements backend interfaces; the gateway is shown as connected
func (d *WithServer) SubscribeDownlink(gatewayID string) (<-chan *types.DownlinkMessage, error) {
	d.server.Connect(gatewayID)
	return d.Dummy.SubscribeDownlink(gatewayID)
}

// UnsubscribeDownlink implements backend interfaces; the gateway is shown as disconnected
func (d *WithServer) UnsubscribeDownlink(gatewayID string) error {
	d.server.Disconnect(gatewayID)
	return d.Dummy.UnsubscribeDownlink(gatewayID)
}

// CleanupGateway implements backend interfaces
func (d *WithServer) CleanupGateway(gatewayID string) {
	d.server.Disconnect(gatewayID)
	d.Dummy.CleanupGateway(gatewayID)
}
