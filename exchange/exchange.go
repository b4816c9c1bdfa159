// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/pktfwd-bridge/backend"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/apex/log"
	"github.com/deckarep/golang-set"
)

// DefaultBufferSize is used when New is called with a buffer size of 0
const DefaultBufferSize = 64

// Exchange routes messages between northbound backends (servers that are up the chain)
// and southbound backends (gateways or servers that are down the chain).
//
// Uplink, status and downlink result messages are routed from the southbound
// backends to the northbound backends. When a connect message is received on a
// southbound backend, the northbound backends are subscribed to the downlink
// messages of that gateway until a disconnect message is received.
type Exchange struct {
	ctx log.Interface
	mu  sync.Mutex

	middleware middleware.Chain

	northboundBackends []backend.Northbound
	southboundBackends []backend.Southbound

	done     chan struct{}
	started  bool
	stopped  bool
	drain    chan struct{}
	handled  chan struct{}
	routines sync.WaitGroup

	northboundDone map[string][]chan struct{}
	sessions       map[string]uint64
	doneLock       sync.Mutex

	connect    chan *types.ConnectMessage
	disconnect chan *types.DisconnectMessage
	uplink     chan *types.UplinkMessage
	status     chan *types.StatusMessage
	result     chan *types.DownlinkResultMessage
	downlink   chan *types.DownlinkMessage

	gateways gatewayState
}

// New initializes a new Exchange. The bufferSize is the capacity of each of
// the internal queues; messages that do not fit are dropped.
func New(ctx log.Interface, bufferSize int) *Exchange {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Exchange{
		ctx:            ctx.WithField("Component", "Exchange"),
		done:           make(chan struct{}),
		drain:          make(chan struct{}),
		handled:        make(chan struct{}),
		northboundDone: make(map[string][]chan struct{}),
		sessions:       make(map[string]uint64),
		connect:        make(chan *types.ConnectMessage, bufferSize),
		disconnect:     make(chan *types.DisconnectMessage, bufferSize),
		uplink:         make(chan *types.UplinkMessage, bufferSize),
		status:         make(chan *types.StatusMessage, bufferSize),
		result:         make(chan *types.DownlinkResultMessage, bufferSize),
		downlink:       make(chan *types.DownlinkMessage, bufferSize),
		gateways:       mapset.NewSet(),
	}
}

// SetMiddleware sets the middleware chain that is executed for every message
func (b *Exchange) SetMiddleware(chain middleware.Chain) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = chain
}

// AddNorthbound adds a new northbound backend (server that is up the chain)
func (b *Exchange) AddNorthbound(backend ...backend.Northbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.northboundBackends = append(b.northboundBackends, backend...)
}

// AddSouthbound adds a new southbound backend (gateway or server that is down the chain)
func (b *Exchange) AddSouthbound(backend ...backend.Southbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.southboundBackends = append(b.southboundBackends, backend...)
}

// ConnectedGateways returns the IDs of the gateways that are currently connected
func (b *Exchange) ConnectedGateways() (gatewayIDs []string) {
	for _, gatewayID := range b.gateways.ToSlice() {
		gatewayIDs = append(gatewayIDs, gatewayID.(string))
	}
	return
}

// CleanupGateway tells the northbound backends to forget about the given gateways.
// This is used for gateways that were connected before the bridge restarted.
func (b *Exchange) CleanupGateway(gatewayID ...string) {
	for _, gatewayID := range gatewayID {
		if b.gateways.Contains(gatewayID) && b.isActive(gatewayID) {
			continue
		}
		for _, backend := range b.northboundBackends {
			backend.CleanupGateway(gatewayID)
		}
		b.gateways.Remove(gatewayID)
		b.ctx.WithField("GatewayID", gatewayID).Debug("Cleaned up gateway")
	}
	connectedGateways.Set(float64(len(b.gateways.ToSlice())))
}

func (b *Exchange) isActive(gatewayID string) bool {
	b.doneLock.Lock()
	defer b.doneLock.Unlock()
	_, ok := b.northboundDone[gatewayID]
	return ok
}

// updateSession records the session of an active gateway, and returns false if
// the gateway is not active
func (b *Exchange) updateSession(gatewayID string, sessionID uint64) bool {
	b.doneLock.Lock()
	defer b.doneLock.Unlock()
	if _, ok := b.northboundDone[gatewayID]; !ok {
		return false
	}
	if sessionID > b.sessions[gatewayID] {
		b.sessions[gatewayID] = sessionID
	}
	return true
}

// staleDisconnect tells if the disconnect is for an earlier session than the active one.
// Connect and disconnect messages travel on separate channels, so a reconnect can
// overtake the disconnect of the previous session.
func (b *Exchange) staleDisconnect(msg *types.DisconnectMessage) bool {
	b.doneLock.Lock()
	defer b.doneLock.Unlock()
	return msg.SessionID != 0 && msg.SessionID < b.sessions[msg.GatewayID]
}

func (b *Exchange) backendContext(backend interface{}) log.Interface {
	return b.ctx.WithField("Backend", fmt.Sprintf("%T", backend))
}

func (b *Exchange) subscribeSouthbound(backend backend.Southbound) {
	ctx := b.backendContext(backend)
	connect, err := backend.SubscribeConnect()
	if err != nil {
		ctx.WithError(err).Error("Could not subscribe to connect")
	}
	disconnect, err := backend.SubscribeDisconnect()
	if err != nil {
		ctx.WithError(err).Error("Could not subscribe to disconnect")
	}
	uplink, err := backend.SubscribeUplink("")
	if err != nil {
		ctx.WithError(err).Error("Could not subscribe to uplink")
	}
	status, err := backend.SubscribeStatus("")
	if err != nil {
		ctx.WithError(err).Error("Could not subscribe to status")
	}
	result, err := backend.SubscribeDownlinkResult("")
	if err != nil {
		ctx.WithError(err).Error("Could not subscribe to downlink results")
	}
	ctx.Debug("Subscribed to southbound")

	for connect != nil || disconnect != nil || uplink != nil || status != nil || result != nil {
		select {
		case <-b.done:
			b.drainSouthbound(connect, disconnect, uplink, status, result)
			ctx.Debug("Unsubscribed from southbound")
			return
		case msg, ok := <-connect:
			if !ok {
				connect = nil
				continue
			}
			b.enqueueConnect(msg)
		case msg, ok := <-disconnect:
			if !ok {
				disconnect = nil
				continue
			}
			b.enqueueDisconnect(msg)
		case msg, ok := <-uplink:
			if !ok {
				uplink = nil
				continue
			}
			b.enqueueUplink(msg)
		case msg, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			b.enqueueStatus(msg)
		case msg, ok := <-result:
			if !ok {
				result = nil
				continue
			}
			b.enqueueResult(msg)
		}
	}
	ctx.Debug("Southbound closed its subscriptions")
}

// drainSouthbound forwards what is still buffered on the southbound subscriptions
func (b *Exchange) drainSouthbound(
	connect <-chan *types.ConnectMessage,
	disconnect <-chan *types.DisconnectMessage,
	uplink <-chan *types.UplinkMessage,
	status <-chan *types.StatusMessage,
	result <-chan *types.DownlinkResultMessage,
) {
	for {
		select {
		case msg, ok := <-connect:
			if !ok {
				connect = nil
				continue
			}
			b.enqueueConnect(msg)
		case msg, ok := <-disconnect:
			if !ok {
				disconnect = nil
				continue
			}
			b.enqueueDisconnect(msg)
		case msg, ok := <-uplink:
			if !ok {
				uplink = nil
				continue
			}
			b.enqueueUplink(msg)
		case msg, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			b.enqueueStatus(msg)
		case msg, ok := <-result:
			if !ok {
				result = nil
				continue
			}
			b.enqueueResult(msg)
		default:
			return
		}
	}
}

func (b *Exchange) enqueueConnect(msg *types.ConnectMessage) {
	select {
	case b.connect <- msg:
	default:
		registerDropped("connect", "buffer_full")
		b.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropped connect [buffer full]")
	}
}

func (b *Exchange) enqueueDisconnect(msg *types.DisconnectMessage) {
	select {
	case b.disconnect <- msg:
	default:
		registerDropped("disconnect", "buffer_full")
		b.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropped disconnect [buffer full]")
	}
}

func (b *Exchange) enqueueUplink(msg *types.UplinkMessage) {
	select {
	case b.uplink <- msg:
	default:
		registerDropped("uplink", "buffer_full")
		b.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropped uplink [buffer full]")
	}
}

func (b *Exchange) enqueueStatus(msg *types.StatusMessage) {
	select {
	case b.status <- msg:
	default:
		registerDropped("status", "buffer_full")
		b.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropped status [buffer full]")
	}
}

func (b *Exchange) enqueueResult(msg *types.DownlinkResultMessage) {
	select {
	case b.result <- msg:
	default:
		registerDropped("downlink_result", "buffer_full")
		b.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropped downlink result [buffer full]")
	}
}

func (b *Exchange) enqueueDownlink(msg *types.DownlinkMessage) {
	select {
	case b.downlink <- msg:
	default:
		registerDropped("downlink", "buffer_full")
		b.ctx.WithField("GatewayID", msg.GatewayID).Warn("Dropped downlink [buffer full]")
	}
}

func (b *Exchange) handleChannels() {
	defer close(b.handled)
	for {
		select {
		case <-b.drain:
			for b.handleBuffered() {
			}
			return
		case msg := <-b.connect:
			b.handleConnect(msg)
		case msg := <-b.disconnect:
			b.handleDisconnect(msg)
		case msg := <-b.uplink:
			b.handleUplink(msg)
		case msg := <-b.status:
			b.handleStatus(msg)
		case msg := <-b.result:
			b.handleResult(msg)
		case msg := <-b.downlink:
			b.handleDownlink(msg)
		}
	}
}

// handleBuffered handles one buffered message, if there is any
func (b *Exchange) handleBuffered() bool {
	select {
	case msg := <-b.connect:
		b.handleConnect(msg)
	case msg := <-b.disconnect:
		b.handleDisconnect(msg)
	case msg := <-b.uplink:
		b.handleUplink(msg)
	case msg := <-b.status:
		b.handleStatus(msg)
	case msg := <-b.result:
		b.handleResult(msg)
	case msg := <-b.downlink:
		b.handleDownlink(msg)
	default:
		return false
	}
	return true
}

func (b *Exchange) execute(kind string, gatewayID string, msg interface{}) bool {
	if err := b.middleware.Execute(middleware.NewContext(), msg); err != nil {
		registerDropped(kind, "middleware")
		b.ctx.WithField("GatewayID", gatewayID).WithError(err).Debugf("Middleware dropped %s", kind)
		return false
	}
	return true
}

func (b *Exchange) handleConnect(msg *types.ConnectMessage) {
	ctx := b.ctx.WithField("GatewayID", msg.GatewayID)
	if !b.execute("connect", msg.GatewayID, msg) {
		return
	}
	if b.updateSession(msg.GatewayID, msg.SessionID) {
		ctx.WithField("SessionID", msg.SessionID).Debug("Got connect message from already-connected gateway")
		return
	}
	b.gateways.Add(msg.GatewayID)
	connectedGateways.Set(float64(len(b.gateways.ToSlice())))

	b.doneLock.Lock()
	defer b.doneLock.Unlock()
	if b.stopped {
		return
	}
	b.sessions[msg.GatewayID] = msg.SessionID
	b.northboundDone[msg.GatewayID] = make([]chan struct{}, 0, len(b.northboundBackends))
	for _, backend := range b.northboundBackends {
		done := make(chan struct{})
		b.northboundDone[msg.GatewayID] = append(b.northboundDone[msg.GatewayID], done)
		b.routines.Add(1)
		go b.activateNorthbound(backend, msg.GatewayID, done)
	}
	ctx.Info("Handled connect")
}

func (b *Exchange) handleDisconnect(msg *types.DisconnectMessage) {
	ctx := b.ctx.WithField("GatewayID", msg.GatewayID)
	if b.staleDisconnect(msg) {
		registerDropped("disconnect", "stale")
		ctx.WithField("SessionID", msg.SessionID).Debug("Ignoring disconnect of an earlier session")
		return
	}
	if !b.execute("disconnect", msg.GatewayID, msg) {
		return
	}
	if !b.gateways.Contains(msg.GatewayID) {
		ctx.Debug("Got disconnect message from not-connected gateway")
	}
	b.deactivateNorthbound(msg.GatewayID)
	for _, backend := range b.northboundBackends {
		if err := backend.UnsubscribeDownlink(msg.GatewayID); err != nil {
			b.backendContext(backend).WithField("GatewayID", msg.GatewayID).WithError(err).Warn("Could not unsubscribe from downlink")
		}
		backend.CleanupGateway(msg.GatewayID)
	}
	b.gateways.Remove(msg.GatewayID)
	connectedGateways.Set(float64(len(b.gateways.ToSlice())))
	ctx.Info("Handled disconnect")
}

func (b *Exchange) handleUplink(msg *types.UplinkMessage) {
	if !b.execute("uplink", msg.GatewayID, msg) {
		return
	}
	if msg.Message != nil {
		msg.Message.GatewayMetadata.GatewayID = msg.GatewayID
	}
	for _, backend := range b.northboundBackends {
		if err := backend.PublishUplink(msg); err != nil {
			b.backendContext(backend).WithField("GatewayID", msg.GatewayID).WithError(err).Warn("Could not publish uplink")
		}
	}
	registerHandled(msg.Message)
	b.ctx.WithField("GatewayID", msg.GatewayID).Debug("Routed uplink")
}

func (b *Exchange) handleStatus(msg *types.StatusMessage) {
	if !b.execute("status", msg.GatewayID, msg) {
		return
	}
	for _, backend := range b.northboundBackends {
		if err := backend.PublishStatus(msg); err != nil {
			b.backendContext(backend).WithField("GatewayID", msg.GatewayID).WithError(err).Warn("Could not publish status")
		}
	}
	registerStatus()
	b.ctx.WithField("GatewayID", msg.GatewayID).Debug("Routed status")
}

func (b *Exchange) handleResult(msg *types.DownlinkResultMessage) {
	if !b.execute("downlink_result", msg.GatewayID, msg) {
		return
	}
	for _, backend := range b.northboundBackends {
		if err := backend.PublishDownlinkResult(msg); err != nil {
			b.backendContext(backend).WithField("GatewayID", msg.GatewayID).WithError(err).Warn("Could not publish downlink result")
		}
	}
	registerResult(msg.Outcome)
	b.ctx.WithFields(log.Fields{
		"GatewayID": msg.GatewayID,
		"ID":        msg.ID,
		"Outcome":   msg.Outcome,
	}).Debug("Routed downlink result")
}

func (b *Exchange) handleDownlink(msg *types.DownlinkMessage) {
	ctx := b.ctx.WithField("GatewayID", msg.GatewayID).WithField("ID", msg.ID)
	if err := b.middleware.Execute(middleware.NewContext(), msg); err != nil {
		registerDropped("downlink", "middleware")
		ctx.WithError(err).Debug("Middleware dropped downlink")
		b.handleResult(&types.DownlinkResultMessage{
			GatewayID: msg.GatewayID,
			ID:        msg.ID,
			Outcome:   types.OutcomeRejected,
			Error:     err.Error(),
		})
		return
	}
	var (
		accepted int
		lastErr  error
	)
	for _, backend := range b.southboundBackends {
		if err := backend.PublishDownlink(msg); err != nil {
			b.backendContext(backend).WithField("GatewayID", msg.GatewayID).WithError(err).Warn("Could not publish downlink")
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 && lastErr != nil {
		b.handleResult(&types.DownlinkResultMessage{
			GatewayID: msg.GatewayID,
			ID:        msg.ID,
			Outcome:   types.OutcomeRejected,
			Error:     lastErr.Error(),
		})
		return
	}
	registerHandled(msg.Message)
	ctx.Debug("Routed downlink")
}

func (b *Exchange) activateNorthbound(backend backend.Northbound, gatewayID string, done chan struct{}) {
	defer b.routines.Done()
	ctx := b.backendContext(backend).WithField("GatewayID", gatewayID)
	downlink, err := backend.SubscribeDownlink(gatewayID)
	if err != nil {
		ctx.WithError(err).Error("Could not subscribe to downlink")
		return
	}
	ctx.Debug("Activated northbound")
	for {
		select {
		case <-done:
			ctx.Debug("Deactivated northbound")
			return
		case <-b.done:
			if err := backend.UnsubscribeDownlink(gatewayID); err != nil {
				ctx.WithError(err).Warn("Could not unsubscribe from downlink")
			}
			ctx.Debug("Deactivated northbound")
			return
		case msg, ok := <-downlink:
			if !ok {
				ctx.Debug("Northbound closed downlink subscription")
				return
			}
			b.enqueueDownlink(msg)
		}
	}
}

func (b *Exchange) deactivateNorthbound(gatewayID string) {
	b.doneLock.Lock()
	defer b.doneLock.Unlock()
	if backends, ok := b.northboundDone[gatewayID]; ok {
		for _, done := range backends {
			close(done)
		}
		delete(b.northboundDone, gatewayID)
	}
	delete(b.sessions, gatewayID)
}

// Start connects all backends and starts routing messages. It returns false if
// not all backends were connected within the timeout.
func (b *Exchange) Start(timeout time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	var connected sync.WaitGroup
	var failed bool
	var failedLock sync.Mutex
	fail := func(backend interface{}, err error) {
		b.backendContext(backend).WithError(err).Error("Could not connect backend")
		failedLock.Lock()
		failed = true
		failedLock.Unlock()
	}

	for _, nb := range b.northboundBackends {
		connected.Add(1)
		go func(nb backend.Northbound) {
			defer connected.Done()
			if err := nb.Connect(); err != nil {
				fail(nb, err)
			}
		}(nb)
	}

	b.routines.Add(len(b.southboundBackends))
	for _, sb := range b.southboundBackends {
		connected.Add(1)
		go func(sb backend.Southbound) {
			defer b.routines.Done()
			err := sb.Connect()
			connected.Done()
			if err != nil {
				fail(sb, err)
				return
			}
			b.subscribeSouthbound(sb)
		}(sb)
	}

	b.started = true
	go b.handleChannels()

	allConnected := make(chan struct{})
	go func() {
		connected.Wait()
		close(allConnected)
	}()
	select {
	case <-allConnected:
	case <-time.After(timeout):
		return false
	}
	failedLock.Lock()
	defer failedLock.Unlock()
	return !failed
}

// Stop the Exchange. The southbound backends are disconnected first, so that
// the messages they report while shutting down still reach the northbound
// backends before those are disconnected.
func (b *Exchange) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.doneLock.Lock()
	stopped := b.stopped
	b.doneLock.Unlock()
	if stopped {
		return
	}

	for _, backend := range b.southboundBackends {
		if err := backend.Disconnect(); err != nil {
			b.backendContext(backend).WithError(err).Warn("Could not disconnect backend")
		}
	}

	b.doneLock.Lock()
	b.stopped = true
	close(b.done)
	b.northboundDone = make(map[string][]chan struct{})
	b.sessions = make(map[string]uint64)
	b.doneLock.Unlock()

	b.routines.Wait()
	close(b.drain)
	if b.started {
		<-b.handled
	}

	for _, backend := range b.northboundBackends {
		if err := backend.Disconnect(); err != nil {
			b.backendContext(backend).WithError(err).Warn("Could not disconnect backend")
		}
	}
	b.ctx.Info("Stopped")
}
