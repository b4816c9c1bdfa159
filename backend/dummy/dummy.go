// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"sync"

	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/apex/log"
)

// BufferSize indicates the maximum number of dummy messages that should be buffered
var BufferSize = 10

// Dummy backend. It implements both the Northbound and the Southbound
// interfaces: whatever is published on it can be received by subscribing.
// Subscriptions to gateway "" receive the messages of gateways without
// their own subscription.
type Dummy struct {
	mu         sync.Mutex
	ctx        log.Interface
	connect    chan *types.ConnectMessage
	disconnect chan *types.DisconnectMessage
	uplink     map[string]chan *types.UplinkMessage
	status     map[string]chan *types.StatusMessage
	downlink   map[string]chan *types.DownlinkMessage
	result     map[string]chan *types.DownlinkResultMessage
}

// New returns a new Dummy backend
func New(ctx log.Interface) *Dummy {
	return &Dummy{
		ctx:      ctx.WithField("Connector", "Dummy"),
		uplink:   make(map[string]chan *types.UplinkMessage),
		status:   make(map[string]chan *types.StatusMessage),
		downlink: make(map[string]chan *types.DownlinkMessage),
		result:   make(map[string]chan *types.DownlinkResultMessage),
	}
}

// Connect implements backend interfaces
func (d *Dummy) Connect() error {
	d.ctx.Debug("Connected")
	return nil
}

// Disconnect implements backend interfaces
func (d *Dummy) Disconnect() error {
	d.ctx.Debug("Disconnected")
	return nil
}

// PublishConnect publishes connect messages to the dummy backend
func (d *Dummy) PublishConnect(message *types.ConnectMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case d.connect <- message:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Published connect")
	default:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Did not publish connect [buffer full]")
	}
	return nil
}

// SubscribeConnect implements backend interfaces
func (d *Dummy) SubscribeConnect() (<-chan *types.ConnectMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connect == nil {
		d.connect = make(chan *types.ConnectMessage, BufferSize)
	}
	d.ctx.Debug("Subscribed to connect")
	return d.connect, nil
}

// UnsubscribeConnect implements backend interfaces
func (d *Dummy) UnsubscribeConnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connect != nil {
		close(d.connect)
		d.connect = nil
	}
	d.ctx.Debug("Unsubscribed from connect")
	return nil
}

// PublishDisconnect publishes disconnect messages to the dummy backend
func (d *Dummy) PublishDisconnect(message *types.DisconnectMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case d.disconnect <- message:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Published disconnect")
	default:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Did not publish disconnect [buffer full]")
	}
	return nil
}

// SubscribeDisconnect implements backend interfaces
func (d *Dummy) SubscribeDisconnect() (<-chan *types.DisconnectMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disconnect == nil {
		d.disconnect = make(chan *types.DisconnectMessage, BufferSize)
	}
	d.ctx.Debug("Subscribed to disconnect")
	return d.disconnect, nil
}

// UnsubscribeDisconnect implements backend interfaces
func (d *Dummy) UnsubscribeDisconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disconnect != nil {
		close(d.disconnect)
		d.disconnect = nil
	}
	d.ctx.Debug("Unsubscribed from disconnect")
	return nil
}

// PublishUplink implements backend interfaces
func (d *Dummy) PublishUplink(message *types.UplinkMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.uplink[message.GatewayID]
	if !ok {
		ch, ok = d.uplink[""]
	}
	if !ok {
		ch = make(chan *types.UplinkMessage, BufferSize)
		d.uplink[message.GatewayID] = ch
	}
	select {
	case ch <- message:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Published uplink")
	default:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Did not publish uplink [buffer full]")
	}
	return nil
}

// SubscribeUplink implements backend interfaces
func (d *Dummy) SubscribeUplink(gatewayID string) (<-chan *types.UplinkMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.uplink[gatewayID]
	if !ok {
		ch = make(chan *types.UplinkMessage, BufferSize)
		d.uplink[gatewayID] = ch
	}
	d.ctx.WithField("GatewayID", gatewayID).Debug("Subscribed to uplink")
	return ch, nil
}

// UnsubscribeUplink implements backend interfaces
func (d *Dummy) UnsubscribeUplink(gatewayID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.uplink[gatewayID]; ok {
		close(ch)
		delete(d.uplink, gatewayID)
	}
	d.ctx.WithField("GatewayID", gatewayID).Debug("Unsubscribed from uplink")
	return nil
}

// PublishDownlink implements backend interfaces
func (d *Dummy) PublishDownlink(message *types.DownlinkMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.downlink[message.GatewayID]
	if !ok {
		ch, ok = d.downlink[""]
	}
	if !ok {
		ch = make(chan *types.DownlinkMessage, BufferSize)
		d.downlink[message.GatewayID] = ch
	}
	select {
	case ch <- message:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Published downlink")
	default:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Did not publish downlink [buffer full]")
	}
	return nil
}

// SubscribeDownlink implements backend interfaces
func (d *Dummy) SubscribeDownlink(gatewayID string) (<-chan *types.DownlinkMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.downlink[gatewayID]
	if !ok {
		ch = make(chan *types.DownlinkMessage, BufferSize)
		d.downlink[gatewayID] = ch
	}
	d.ctx.WithField("GatewayID", gatewayID).Debug("Subscribed to downlink")
	return ch, nil
}

// UnsubscribeDownlink implements backend interfaces
func (d *Dummy) UnsubscribeDownlink(gatewayID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.downlink[gatewayID]; ok {
		close(ch)
		delete(d.downlink, gatewayID)
	}
	d.ctx.WithField("GatewayID", gatewayID).Debug("Unsubscribed from downlink")
	return nil
}

// PublishStatus implements backend interfaces
func (d *Dummy) PublishStatus(message *types.StatusMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.status[message.GatewayID]
	if !ok {
		ch, ok = d.status[""]
	}
	if !ok {
		ch = make(chan *types.StatusMessage, BufferSize)
		d.status[message.GatewayID] = ch
	}
	select {
	case ch <- message:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Published status")
	default:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Did not publish status [buffer full]")
	}
	return nil
}

// SubscribeStatus implements backend interfaces
func (d *Dummy) SubscribeStatus(gatewayID string) (<-chan *types.StatusMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.status[gatewayID]
	if !ok {
		ch = make(chan *types.StatusMessage, BufferSize)
		d.status[gatewayID] = ch
	}
	d.ctx.WithField("GatewayID", gatewayID).Debug("Subscribed to status")
	return ch, nil
}

// UnsubscribeStatus implements backend interfaces
func (d *Dummy) UnsubscribeStatus(gatewayID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.status[gatewayID]; ok {
		close(ch)
		delete(d.status, gatewayID)
	}
	d.ctx.WithField("GatewayID", gatewayID).Debug("Unsubscribed from status")
	return nil
}

// PublishDownlinkResult implements backend interfaces
func (d *Dummy) PublishDownlinkResult(message *types.DownlinkResultMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.result[message.GatewayID]
	if !ok {
		ch, ok = d.result[""]
	}
	if !ok {
		ch = make(chan *types.DownlinkResultMessage, BufferSize)
		d.result[message.GatewayID] = ch
	}
	select {
	case ch <- message:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Published downlink result")
	default:
		d.ctx.WithField("GatewayID", message.GatewayID).Debug("Did not publish downlink result [buffer full]")
	}
	return nil
}

// SubscribeDownlinkResult implements backend interfaces
func (d *Dummy) SubscribeDownlinkResult(gatewayID string) (<-chan *types.DownlinkResultMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.result[gatewayID]
	if !ok {
		ch = make(chan *types.DownlinkResultMessage, BufferSize)
		d.result[gatewayID] = ch
	}
	d.ctx.WithField("GatewayID", gatewayID).Debug("Subscribed to downlink result")
	return ch, nil
}

// UnsubscribeDownlinkResult implements backend interfaces
func (d *Dummy) UnsubscribeDownlinkResult(gatewayID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.result[gatewayID]; ok {
		close(ch)
		delete(d.result, gatewayID)
	}
	d.ctx.WithField("GatewayID", gatewayID).Debug("Unsubscribed from downlink result")
	return nil
}

// CleanupGateway implements backend interfaces
func (d *Dummy) CleanupGateway(gatewayID string) {
	if gatewayID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Not closing channels here, that's not our job
	delete(d.uplink, gatewayID)
	delete(d.status, gatewayID)
	delete(d.downlink, gatewayID)
	delete(d.result, gatewayID)
}
