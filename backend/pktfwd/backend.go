// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
)

// maximum UDP payload size
const maxDatagramSize = 65507

// Config contains configuration for the packet forwarder backend
type Config struct {
	Bind             string
	KeepaliveTimeout time.Duration
	RetryTimeout     time.Duration
	MaxRetries       int
	DedupWindow      time.Duration
	AckMode          AckMode
	TickInterval     time.Duration
	SweepInterval    time.Duration
	SkipCRCCheck     bool
	LockIP           bool
	LockPort         bool
	BufferSize       int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Bind:             ":1700",
		KeepaliveTimeout: time.Minute,
		RetryTimeout:     time.Second,
		MaxRetries:       2,
		DedupWindow:      5 * time.Second,
		AckMode:          AckModeAck,
		TickInterval:     100 * time.Millisecond,
		SweepInterval:    10 * time.Second,
		BufferSize:       100,
	}
}

func (c *Config) setDefaults() {
	defaults := DefaultConfig()
	if c.Bind == "" {
		c.Bind = defaults.Bind
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = defaults.RetryTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.AckMode == "" {
		c.AckMode = defaults.AckMode
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaults.BufferSize
	}
}

type udpPacket struct {
	addr *net.UDPAddr
	data []byte
}

// Backend implements a Semtech gateway backend.
type Backend struct {
	log    log.Interface
	config Config
	conn   *net.UDPConn

	gateways  *gateways
	downlinks *downlinks

	uplinkChan     chan *types.UplinkMessage
	statusChan     chan *types.StatusMessage
	resultChan     chan *types.DownlinkResultMessage
	connectChan    chan *types.ConnectMessage
	disconnectChan chan *types.DisconnectMessage
	udpSendChan    chan udpPacket

	done      chan struct{}
	closeOnce sync.Once

	// mu protects the closing of udpSendChan and of the output channels
	mu         sync.RWMutex
	sendClosed bool
	outClosed  bool

	reader sync.WaitGroup
	writer sync.WaitGroup
	timers sync.WaitGroup
}

// NewBackend creates a new backend.
func NewBackend(config Config, ctx log.Interface) (*Backend, error) {
	config.setDefaults()
	if config.AckMode != AckModeAck && config.AckMode != AckModeNone {
		return nil, fmt.Errorf("pktfwd: unknown ack mode %q", config.AckMode)
	}
	if ctx == nil {
		ctx = log.Get()
	}

	addr, err := net.ResolveUDPAddr("udp", config.Bind)
	if err != nil {
		return nil, err
	}
	ctx.WithField("addr", addr).Info("Starting gateway udp listener")
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		log:    ctx,
		config: config,
		conn:   conn,
		gateways: newGateways(config.KeepaliveTimeout, config.DedupWindow, sourceLock{
			ip:   config.LockIP,
			port: config.LockPort,
		}),
		downlinks:      newDownlinks(config.RetryTimeout, config.MaxRetries),
		uplinkChan:     make(chan *types.UplinkMessage, config.BufferSize),
		statusChan:     make(chan *types.StatusMessage, config.BufferSize),
		resultChan:     make(chan *types.DownlinkResultMessage, config.BufferSize),
		connectChan:    make(chan *types.ConnectMessage, config.BufferSize),
		disconnectChan: make(chan *types.DisconnectMessage, config.BufferSize),
		udpSendChan:    make(chan udpPacket, config.BufferSize),
		done:           make(chan struct{}),
	}

	b.writer.Add(1)
	go func() {
		defer b.writer.Done()
		b.sendPackets()
	}()

	b.reader.Add(1)
	go func() {
		defer b.reader.Done()
		if err := b.readPackets(); err != nil {
			b.log.WithError(err).Fatal("Error in readPackets")
		}
	}()

	b.timers.Add(1)
	go func() {
		defer b.timers.Done()
		b.runTimers()
	}()

	return b, nil
}

// Close stops the backend. Pending downlinks are reported as cancelled and
// the output channels are closed.
func (b *Backend) Close() (err error) {
	b.closeOnce.Do(func() {
		err = b.close()
	})
	return err
}

func (b *Backend) close() error {
	b.log.Info("Closing gateway backend")
	close(b.done)
	b.timers.Wait()

	b.conn.SetReadDeadline(time.Now())
	b.reader.Wait()

	b.mu.Lock()
	b.sendClosed = true
	close(b.udpSendChan)
	b.mu.Unlock()
	b.log.Info("Handling last packets")
	b.writer.Wait()

	for _, p := range b.downlinks.cancelAll() {
		b.report(p, types.OutcomeCancelled, "")
	}
	pendingDownlinks.Set(0)

	b.mu.Lock()
	b.outClosed = true
	close(b.uplinkChan)
	close(b.statusChan)
	close(b.resultChan)
	close(b.connectChan)
	close(b.disconnectChan)
	b.mu.Unlock()

	return b.conn.Close()
}

func (b *Backend) isClosing() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Addr returns the local address of the socket
func (b *Backend) Addr() net.Addr {
	return b.conn.LocalAddr()
}

// Gateways returns the sessions of all known gateways
func (b *Backend) Gateways() []Session {
	return b.gateways.list()
}

// RXPacketChan returns the channel containing the received RX packets.
func (b *Backend) RXPacketChan() <-chan *types.UplinkMessage {
	return b.uplinkChan
}

// StatsChan returns the channel containg the received gateway stats.
func (b *Backend) StatsChan() <-chan *types.StatusMessage {
	return b.statusChan
}

// ResultChan returns the channel containing the outcomes of downlinks.
func (b *Backend) ResultChan() <-chan *types.DownlinkResultMessage {
	return b.resultChan
}

// ConnectChan returns the channel containing new gateway sessions.
func (b *Backend) ConnectChan() <-chan *types.ConnectMessage {
	return b.connectChan
}

// DisconnectChan returns the channel containing evicted gateway sessions.
func (b *Backend) DisconnectChan() <-chan *types.DisconnectMessage {
	return b.disconnectChan
}

// send hands a datagram to the writer; it returns false if the backend is closed
func (b *Backend) send(addr *net.UDPAddr, data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.sendClosed {
		return false
	}
	b.udpSendChan <- udpPacket{
		addr: addr,
		data: data,
	}
	return true
}

func (b *Backend) readPackets() error {
	buf := make([]byte, maxDatagramSize)
	for {
		i, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if b.isClosing() {
				return nil
			}
			return fmt.Errorf("Read from udp error: %s", err)
		}
		data := make([]byte, i)
		copy(data, buf[:i])
		if err := b.handlePacket(addr, data); err != nil {
			b.log.WithFields(log.Fields{
				"data_base64": base64.StdEncoding.EncodeToString(data),
				"addr":        addr,
			}).Warnf("Could not handle packet: %s", err)
		}
	}
}

func (b *Backend) sendPackets() {
	for p := range b.udpSendChan {
		pt, err := GetPacketType(p.data)
		if err != nil {
			b.log.WithFields(log.Fields{
				"addr":        p.addr,
				"data_base64": base64.StdEncoding.EncodeToString(p.data),
			}).Error("Unknown packet type")
			continue
		}

		if p.addr == nil || p.addr.Port < 1 || p.addr.Port > 65535 {
			droppedCounter.WithLabelValues("invalid_port").Inc()
			b.log.WithFields(log.Fields{
				"addr": p.addr,
			}).Error("Not sending to invalid udp port number")
			continue
		}

		b.log.WithFields(log.Fields{
			"addr":             p.addr,
			"type":             pt,
			"protocol_version": p.data[0],
		}).Debug("Sending udp packet to gateway")

		if _, err := b.conn.WriteToUDP(p.data, p.addr); err != nil {
			droppedCounter.WithLabelValues("write_error").Inc()
			b.log.WithField("addr", p.addr).WithError(err).Warn("Could not send udp packet")
			continue
		}
		sentCounter.WithLabelValues(pt.String()).Inc()
	}
}

func (b *Backend) runTimers() {
	tick := time.NewTicker(b.config.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(b.config.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-b.done:
			return
		case now := <-tick.C:
			b.retryDownlinks(now)
		case now := <-sweep.C:
			b.sweep(now)
		}
	}
}

// sweep evicts the expired sessions
func (b *Backend) sweep(now time.Time) {
	for _, session := range b.gateways.sweep(now) {
		for _, p := range b.downlinks.cancelGateway(session.GatewayMAC) {
			b.report(p, types.OutcomeGatewayUnreachable, "")
		}
		b.log.WithField("GatewayID", session.GatewayID).Info("Gateway session expired")
		b.emitDisconnect(&types.DisconnectMessage{GatewayID: session.GatewayID, SessionID: session.SessionID})
	}
	activeGateways.Set(float64(b.gateways.count()))
	pendingDownlinks.Set(float64(b.downlinks.count()))
}

func (b *Backend) handlePacket(addr *net.UDPAddr, data []byte) error {
	packet, err := Decode(data)
	if err != nil {
		reason := "malformed"
		if err, ok := err.(*DecodeError); ok {
			reason = strings.Replace(err.Kind.String(), " ", "_", -1)
		}
		droppedCounter.WithLabelValues(reason).Inc()
		return err
	}
	pt := packet.PacketType()
	receivedCounter.WithLabelValues(pt.String()).Inc()
	b.log.WithFields(log.Fields{
		"addr":             addr,
		"type":             pt,
		"protocol_version": data[0],
	}).Debug("Received udp packet from gateway")

	switch p := packet.(type) {
	case *PushDataPacket:
		return b.handlePushData(addr, p)
	case *PullDataPacket:
		return b.handlePullData(addr, p)
	case *TXACKPacket:
		return b.handleTXACK(addr, p)
	case *PullACKPacket:
		return b.handlePullACK(addr, p)
	default:
		droppedCounter.WithLabelValues("unexpected_type").Inc()
		return fmt.Errorf("Unexpected packet type: %s", pt)
	}
}

func (b *Backend) handlePullData(addr *net.UDPAddr, p *PullDataPacket) error {
	session, created, err := b.gateways.touchPull(p.GatewayMAC, addr, p.ProtocolVersion, p.RandomToken, time.Now())
	if err != nil {
		return err
	}
	if created {
		b.emitConnect(session)
	}

	ack := PullACKPacket{
		ProtocolVersion: p.ProtocolVersion,
		RandomToken:     p.RandomToken,
	}
	bytes, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	b.send(addr, bytes)
	return nil
}

func (b *Backend) emitConnect(session Session) {
	activeGateways.Set(float64(b.gateways.count()))
	b.log.WithFields(log.Fields{
		"GatewayID": session.GatewayID,
		"addr":      session.Addr,
	}).Info("New gateway session")
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.outClosed {
		return
	}
	select {
	case b.connectChan <- &types.ConnectMessage{GatewayID: session.GatewayID, GatewayAddr: session.Addr, SessionID: session.SessionID}:
	default:
		queueDropped.WithLabelValues("connect").Inc()
		b.log.WithField("GatewayID", session.GatewayID).Warn("Dropping connect [queue full]")
	}
}

func (b *Backend) emitDisconnect(msg *types.DisconnectMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.outClosed {
		return
	}
	select {
	case b.disconnectChan <- msg:
	default:
		queueDropped.WithLabelValues("disconnect").Inc()
		b.log.WithField("GatewayID", msg.GatewayID).Warn("Dropping disconnect [queue full]")
	}
}

func (b *Backend) emitUplink(msg *types.UplinkMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.outClosed {
		return
	}
	select {
	case b.uplinkChan <- msg:
	default:
		queueDropped.WithLabelValues("uplink").Inc()
		b.log.WithField("GatewayID", msg.GatewayID).Warn("Dropping uplink [queue full]")
	}
}

func (b *Backend) emitStatus(msg *types.StatusMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.outClosed {
		return
	}
	select {
	case b.statusChan <- msg:
	default:
		queueDropped.WithLabelValues("status").Inc()
		b.log.WithField("GatewayID", msg.GatewayID).Warn("Dropping status [queue full]")
	}
}

func (b *Backend) emitResult(msg *types.DownlinkResultMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.outClosed {
		return
	}
	select {
	case b.resultChan <- msg:
	default:
		queueDropped.WithLabelValues("downlink_result").Inc()
		b.log.WithFields(log.Fields{
			"GatewayID": msg.GatewayID,
			"outcome":   msg.Outcome,
		}).Warn("Dropping downlink result [queue full]")
	}
}
