// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"sync"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
)

// BackendName is set on the status messages of this backend
const BackendName = "PacketForwarder"

// New returns a new PacketForwarder backend
func New(config Config, ctx log.Interface) *PacketForwarder {
	config.setDefaults()
	if ctx == nil {
		ctx = log.Get()
	}
	// connect and disconnect are buffered until the exchange subscribes
	f := &PacketForwarder{
		config:     config,
		ctx:        ctx.WithField("Connector", BackendName),
		connect:    make(chan *types.ConnectMessage, config.BufferSize),
		disconnect: make(chan *types.DisconnectMessage, config.BufferSize),
		uplink:     make(map[string]chan *types.UplinkMessage),
		status:     make(map[string]chan *types.StatusMessage),
		result:     make(map[string]chan *types.DownlinkResultMessage),
	}
	return f
}

// PacketForwarder is the Southbound backend for gateways that use the Semtech packet forwarder
type PacketForwarder struct {
	config  Config
	backend *Backend
	ctx     log.Interface
	routing sync.WaitGroup

	mu         sync.RWMutex
	connect    chan *types.ConnectMessage
	disconnect chan *types.DisconnectMessage
	uplink     map[string]chan *types.UplinkMessage
	status     map[string]chan *types.StatusMessage
	result     map[string]chan *types.DownlinkResultMessage
}

// Connect implements the Southbound interface
func (f *PacketForwarder) Connect() (err error) {
	backend, err := NewBackend(f.config, f.ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.backend = backend
	f.mu.Unlock()

	f.route(func() {
		for msg := range f.backend.ConnectChan() {
			f.mu.RLock()
			if f.connect != nil {
				select {
				case f.connect <- msg:
				default:
					queueDropped.WithLabelValues("connect").Inc()
					f.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropping connect [buffer full]")
				}
			}
			f.mu.RUnlock()
		}
	})

	f.route(func() {
		for msg := range f.backend.DisconnectChan() {
			f.mu.RLock()
			if f.disconnect != nil {
				select {
				case f.disconnect <- msg:
				default:
					queueDropped.WithLabelValues("disconnect").Inc()
					f.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropping disconnect [buffer full]")
				}
			}
			f.mu.RUnlock()
		}
	})

	f.route(func() {
		for msg := range f.backend.RXPacketChan() {
			f.mu.RLock()
			ch, ok := f.uplink[msg.GatewayID]
			if !ok {
				ch, ok = f.uplink[""]
			}
			if !ok {
				f.ctx.WithField("GatewayID", msg.GatewayID).Debug("Dropping uplink for inactive gateway")
			} else {
				select {
				case ch <- msg:
				default:
					queueDropped.WithLabelValues("uplink").Inc()
					f.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropping uplink [buffer full]")
				}
			}
			f.mu.RUnlock()
		}
	})

	f.route(func() {
		for msg := range f.backend.StatsChan() {
			msg.Backend = BackendName
			f.mu.RLock()
			ch, ok := f.status[msg.GatewayID]
			if !ok {
				ch, ok = f.status[""]
			}
			if !ok {
				f.ctx.WithField("GatewayID", msg.GatewayID).Debug("Dropping status for inactive gateway")
			} else {
				select {
				case ch <- msg:
				default:
					queueDropped.WithLabelValues("status").Inc()
					f.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropping status [buffer full]")
				}
			}
			f.mu.RUnlock()
		}
	})

	f.route(func() {
		for msg := range f.backend.ResultChan() {
			f.mu.RLock()
			ch, ok := f.result[msg.GatewayID]
			if !ok {
				ch, ok = f.result[""]
			}
			if !ok {
				f.ctx.WithField("GatewayID", msg.GatewayID).Debug("Dropping downlink result without subscriber")
			} else {
				select {
				case ch <- msg:
				default:
					queueDropped.WithLabelValues("downlink_result").Inc()
					f.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropping downlink result [buffer full]")
				}
			}
			f.mu.RUnlock()
		}
	})

	return nil
}

func (f *PacketForwarder) route(fn func()) {
	f.routing.Add(1)
	go func() {
		defer f.routing.Done()
		fn()
	}()
}

// Disconnect implements the Southbound interface. It closes all subscriptions
// after the results of the pending downlinks have been delivered.
func (f *PacketForwarder) Disconnect() error {
	if f.backend == nil {
		return nil
	}
	err := f.backend.Close()
	f.routing.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connect != nil {
		close(f.connect)
		f.connect = nil
	}
	if f.disconnect != nil {
		close(f.disconnect)
		f.disconnect = nil
	}
	for id, ch := range f.uplink {
		close(ch)
		delete(f.uplink, id)
	}
	for id, ch := range f.status {
		close(ch)
		delete(f.status, id)
	}
	for id, ch := range f.result {
		close(ch)
		delete(f.result, id)
	}
	return err
}

// Gateways returns the sessions of the connected gateways
func (f *PacketForwarder) Gateways() []Session {
	f.mu.RLock()
	backend := f.backend
	f.mu.RUnlock()
	if backend == nil {
		return nil
	}
	return backend.Gateways()
}

// SubscribeConnect implements the Southbound interface
func (f *PacketForwarder) SubscribeConnect() (<-chan *types.ConnectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connect == nil {
		f.connect = make(chan *types.ConnectMessage, f.config.BufferSize)
	}
	return f.connect, nil
}

// UnsubscribeConnect implements the Southbound interface
func (f *PacketForwarder) UnsubscribeConnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connect != nil {
		close(f.connect)
		f.connect = nil
	}
	return nil
}

// SubscribeDisconnect implements the Southbound interface
func (f *PacketForwarder) SubscribeDisconnect() (<-chan *types.DisconnectMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnect == nil {
		f.disconnect = make(chan *types.DisconnectMessage, f.config.BufferSize)
	}
	return f.disconnect, nil
}

// UnsubscribeDisconnect implements the Southbound interface
func (f *PacketForwarder) UnsubscribeDisconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnect != nil {
		close(f.disconnect)
		f.disconnect = nil
	}
	return nil
}

// SubscribeUplink implements the Southbound interface
func (f *PacketForwarder) SubscribeUplink(gatewayID string) (<-chan *types.UplinkMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.uplink[gatewayID]; ok {
		close(ch)
	}
	f.uplink[gatewayID] = make(chan *types.UplinkMessage, f.config.BufferSize)
	return f.uplink[gatewayID], nil
}

// UnsubscribeUplink implements the Southbound interface
func (f *PacketForwarder) UnsubscribeUplink(gatewayID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.uplink[gatewayID]; ok {
		close(ch)
	}
	delete(f.uplink, gatewayID)
	return nil
}

// SubscribeStatus implements the Southbound interface
func (f *PacketForwarder) SubscribeStatus(gatewayID string) (<-chan *types.StatusMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.status[gatewayID]; ok {
		close(ch)
	}
	f.status[gatewayID] = make(chan *types.StatusMessage, f.config.BufferSize)
	return f.status[gatewayID], nil
}

// UnsubscribeStatus implements the Southbound interface
func (f *PacketForwarder) UnsubscribeStatus(gatewayID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.status[gatewayID]; ok {
		close(ch)
	}
	delete(f.status, gatewayID)
	return nil
}

// SubscribeDownlinkResult implements the Southbound interface
func (f *PacketForwarder) SubscribeDownlinkResult(gatewayID string) (<-chan *types.DownlinkResultMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.result[gatewayID]; ok {
		close(ch)
	}
	f.result[gatewayID] = make(chan *types.DownlinkResultMessage, f.config.BufferSize)
	return f.result[gatewayID], nil
}

// UnsubscribeDownlinkResult implements the Southbound interface
func (f *PacketForwarder) UnsubscribeDownlinkResult(gatewayID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.result[gatewayID]; ok {
		close(ch)
	}
	delete(f.result, gatewayID)
	return nil
}

// PublishDownlink implements the Southbound interface
func (f *PacketForwarder) PublishDownlink(message *types.DownlinkMessage) error {
	f.mu.RLock()
	backend := f.backend
	f.mu.RUnlock()
	if backend == nil {
		return ErrClosed
	}
	_, err := backend.Send(message)
	return err
}
