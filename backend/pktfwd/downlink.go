// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	pb_lorawan "github.com/TheThingsNetwork/api/protocol/lorawan"
	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/brocaar/lorawan"
)

// Downlink errors
var (
	ErrInvalidDownlink  = errors.New("invalid downlink")
	ErrNoTokenAvailable = errors.New("no downlink token available")
	ErrClosed           = errors.New("backend is closed")
)

// AckMode tells how downlinks are acknowledged by the gateways
type AckMode string

// Ack modes
const (
	// AckModeAck waits for a TX_ACK (or PULL_ACK) and retries until it is received
	AckModeAck AckMode = "ack"
	// AckModeNone reports downlinks as acked once they are handed to the socket
	AckModeNone AckMode = "none"
)

const maxPayloadSize = 255

type pendingDownlink struct {
	mac     lorawan.EUI64
	token   uint16
	id      string
	data    []byte
	sentAt  time.Time
	retries int
}

type gatewayDownlinks struct {
	nextToken uint16
	pending   map[uint16]*pendingDownlink
}

// downlinks holds the downlinks that wait for an acknowledgement.
// It never calls into the session registry while holding its lock.
type downlinks struct {
	sync.Mutex
	retryTimeout time.Duration
	maxRetries   int
	gateways     map[lorawan.EUI64]*gatewayDownlinks
}

func newDownlinks(retryTimeout time.Duration, maxRetries int) *downlinks {
	return &downlinks{
		retryTimeout: retryTimeout,
		maxRetries:   maxRetries,
		gateways:     make(map[lorawan.EUI64]*gatewayDownlinks),
	}
}

// add allocates a token for the gateway, builds the datagram with it and
// stores the result as pending
func (d *downlinks) add(mac lorawan.EUI64, id string, now time.Time, build func(token uint16) ([]byte, error)) (*pendingDownlink, error) {
	d.Lock()
	defer d.Unlock()
	gw := d.gateway(mac)
	token, ok := gw.allocate()
	if !ok {
		return nil, ErrNoTokenAvailable
	}
	data, err := build(token)
	if err != nil {
		return nil, err
	}
	p := &pendingDownlink{
		mac:    mac,
		token:  token,
		id:     id,
		data:   data,
		sentAt: now,
	}
	gw.pending[token] = p
	return p, nil
}

// token allocates a token for a downlink that is not kept pending
func (d *downlinks) token(mac lorawan.EUI64) (uint16, bool) {
	d.Lock()
	defer d.Unlock()
	return d.gateway(mac).allocate()
}

// gateway must be called with the lock held
func (d *downlinks) gateway(mac lorawan.EUI64) *gatewayDownlinks {
	gw, ok := d.gateways[mac]
	if !ok {
		gw = &gatewayDownlinks{
			nextToken: uint16(rand.Intn(1 << 16)),
			pending:   make(map[uint16]*pendingDownlink),
		}
		d.gateways[mac] = gw
	}
	return gw
}

func (gw *gatewayDownlinks) allocate() (uint16, bool) {
	for i := 0; i < 1<<16; i++ {
		token := gw.nextToken
		gw.nextToken++
		if _, busy := gw.pending[token]; !busy {
			return token, true
		}
	}
	return 0, false
}

// ack removes the pending downlink with the token
func (d *downlinks) ack(mac lorawan.EUI64, token uint16) (*pendingDownlink, bool) {
	d.Lock()
	defer d.Unlock()
	gw, ok := d.gateways[mac]
	if !ok {
		return nil, false
	}
	p, ok := gw.pending[token]
	if !ok {
		return nil, false
	}
	delete(gw.pending, token)
	return p, true
}

// due returns copies of the downlinks that must be sent again, and removes
// and returns the downlinks that ran out of retries
func (d *downlinks) due(now time.Time) (resend []pendingDownlink, expired []*pendingDownlink) {
	d.Lock()
	defer d.Unlock()
	for _, gw := range d.gateways {
		for token, p := range gw.pending {
			if now.Sub(p.sentAt) < d.retryTimeout {
				continue
			}
			if p.retries >= d.maxRetries {
				delete(gw.pending, token)
				expired = append(expired, p)
				continue
			}
			p.retries++
			p.sentAt = now
			resend = append(resend, *p)
		}
	}
	return resend, expired
}

// cancelGateway removes all pending downlinks of the gateway
func (d *downlinks) cancelGateway(mac lorawan.EUI64) (cancelled []*pendingDownlink) {
	d.Lock()
	defer d.Unlock()
	if gw, ok := d.gateways[mac]; ok {
		for _, p := range gw.pending {
			cancelled = append(cancelled, p)
		}
		delete(d.gateways, mac)
	}
	return cancelled
}

// cancelAll removes all pending downlinks
func (d *downlinks) cancelAll() (cancelled []*pendingDownlink) {
	d.Lock()
	defer d.Unlock()
	for _, gw := range d.gateways {
		for _, p := range gw.pending {
			cancelled = append(cancelled, p)
		}
	}
	d.gateways = make(map[lorawan.EUI64]*gatewayDownlinks)
	return cancelled
}

func (d *downlinks) count() (n int) {
	d.Lock()
	defer d.Unlock()
	for _, gw := range d.gateways {
		n += len(gw.pending)
	}
	return n
}

// Send sends the given downlink to the gateway and returns the token it got
func (b *Backend) Send(msg *types.DownlinkMessage) (uint16, error) {
	if b.isClosing() {
		return 0, ErrClosed
	}
	now := time.Now()
	mac := getMac(msg.GatewayID)
	gw, err := b.gateways.get(mac, now)
	if err != nil {
		return 0, err
	}
	txpk, err := newTXPKFromTXPacket(msg)
	if err != nil {
		return 0, err
	}
	build := func(token uint16) ([]byte, error) {
		pullResp := PullRespPacket{
			ProtocolVersion: gw.ProtocolVersion,
			RandomToken:     token,
			Payload: PullRespPayload{
				TXPK: txpk,
			},
		}
		bytes, err := pullResp.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("JSON marshal PullRespPacket error: %s", err)
		}
		return bytes, nil
	}

	ctx := b.log.WithFields(log.Fields{
		"GatewayID":  msg.GatewayID,
		"DownlinkID": msg.ID,
		"addr":       gw.DownlinkAddr(),
	})

	if b.config.AckMode == AckModeNone {
		token, ok := b.downlinks.token(mac)
		if !ok {
			return 0, ErrNoTokenAvailable
		}
		bytes, err := build(token)
		if err != nil {
			return 0, err
		}
		if !b.send(gw.DownlinkAddr(), bytes) {
			return 0, ErrClosed
		}
		downlinksCounter.WithLabelValues("sent").Inc()
		b.report(&pendingDownlink{mac: mac, token: token, id: msg.ID}, types.OutcomeAcked, "")
		ctx.WithField("token", token).Debug("Sent downlink without ack")
		return token, nil
	}

	p, err := b.downlinks.add(mac, msg.ID, now, build)
	if err != nil {
		return 0, err
	}
	if !b.send(gw.DownlinkAddr(), p.data) {
		b.downlinks.ack(mac, p.token)
		return 0, ErrClosed
	}
	downlinksCounter.WithLabelValues("sent").Inc()
	pendingDownlinks.Set(float64(b.downlinks.count()))
	ctx.WithField("token", p.token).Debug("Sent downlink")
	return p.token, nil
}

// retryDownlinks sends the unacknowledged downlinks again and reports the
// ones that ran out of retries. Downlinks of a gateway whose session expired
// are reported as unreachable, also before the sweep evicts the session.
func (b *Backend) retryDownlinks(now time.Time) {
	resend, expired := b.downlinks.due(now)
	for _, p := range expired {
		outcome := types.OutcomeTimeout
		if _, err := b.gateways.get(p.mac, now); err != nil {
			outcome = types.OutcomeGatewayUnreachable
		}
		b.report(p, outcome, "")
	}
	unreachable := make(map[lorawan.EUI64]bool)
	for _, p := range resend {
		if unreachable[p.mac] {
			continue
		}
		gw, err := b.gateways.get(p.mac, now)
		if err != nil {
			unreachable[p.mac] = true
			continue
		}
		b.log.WithFields(log.Fields{
			"GatewayID": getID(p.mac),
			"token":     p.token,
			"retry":     p.retries,
		}).Debug("Retrying downlink")
		downlinksCounter.WithLabelValues("retried").Inc()
		b.send(gw.DownlinkAddr(), p.data)
	}
	for mac := range unreachable {
		for _, p := range b.downlinks.cancelGateway(mac) {
			b.report(p, types.OutcomeGatewayUnreachable, "")
		}
	}
	if len(resend) > 0 || len(expired) > 0 {
		pendingDownlinks.Set(float64(b.downlinks.count()))
	}
}

func (b *Backend) handleTXACK(addr *net.UDPAddr, p *TXACKPacket) error {
	session, created, err := b.gateways.touch(p.GatewayMAC, addr, p.ProtocolVersion, time.Now())
	if err != nil {
		return err
	}
	if created {
		b.emitConnect(session)
	}

	logFields := log.Fields{
		"GatewayID":    getID(p.GatewayMAC),
		"random_token": p.RandomToken,
	}
	outcome, ackErr := types.OutcomeAcked, ""
	if p.Payload != nil {
		logFields["error"] = p.Payload.TXPKACK.Error
		if p.Payload.TXPKACK.Failed() {
			outcome, ackErr = types.OutcomeRejected, p.Payload.TXPKACK.Error
		}
	}

	pending, ok := b.downlinks.ack(p.GatewayMAC, p.RandomToken)
	if !ok {
		b.log.WithFields(logFields).Debug("Ignoring tx ack without pending downlink")
		return nil
	}
	if outcome == types.OutcomeRejected {
		b.log.WithFields(logFields).Warn("tx ack received")
	} else {
		b.log.WithFields(logFields).Debug("tx ack received")
	}
	b.report(pending, outcome, ackErr)
	pendingDownlinks.Set(float64(b.downlinks.count()))
	return nil
}

// Some older packet forwarders acknowledge a PULL_RESP with a PULL_ACK carrying its token
func (b *Backend) handlePullACK(addr *net.UDPAddr, p *PullACKPacket) error {
	now := time.Now()
	gw, err := b.gateways.getByAddr(addr, now)
	if err != nil {
		return nil
	}
	b.gateways.seen(gw.GatewayMAC, now)
	pending, ok := b.downlinks.ack(gw.GatewayMAC, p.RandomToken)
	if !ok {
		return nil
	}
	b.log.WithFields(log.Fields{
		"GatewayID":    gw.GatewayID,
		"random_token": p.RandomToken,
	}).Debug("pull ack received for downlink")
	b.report(pending, types.OutcomeAcked, "")
	pendingDownlinks.Set(float64(b.downlinks.count()))
	return nil
}

func (b *Backend) report(p *pendingDownlink, outcome types.Outcome, ackErr string) {
	downlinksCounter.WithLabelValues(string(outcome)).Inc()
	b.emitResult(&types.DownlinkResultMessage{
		GatewayID: getID(p.mac),
		ID:        p.id,
		Token:     p.token,
		Outcome:   outcome,
		Error:     ackErr,
	})
}

// newTXPKFromTXPacket transforms a DownlinkMessage into a Semtech compatible packet.
func newTXPKFromTXPacket(txPacket *types.DownlinkMessage) (TXPK, error) {
	if txPacket == nil || txPacket.Message == nil {
		return TXPK{}, ErrInvalidDownlink
	}
	protocol := txPacket.Message.ProtocolConfiguration.GetLoRaWAN()
	if protocol == nil {
		return TXPK{}, fmt.Errorf("%w: no LoRaWAN configuration", ErrInvalidDownlink)
	}
	gateway := txPacket.Message.GatewayConfiguration

	if len(txPacket.Message.Payload) == 0 || len(txPacket.Message.Payload) > maxPayloadSize {
		return TXPK{}, fmt.Errorf("%w: payload size %d", ErrInvalidDownlink, len(txPacket.Message.Payload))
	}

	var datr DatR
	switch protocol.Modulation {
	case pb_lorawan.Modulation_LORA:
		if _, err := newDataRateFromDatR(DatR{LoRa: protocol.DataRate}); err != nil {
			return TXPK{}, fmt.Errorf("%w: %s", ErrInvalidDownlink, err)
		}
		datr.LoRa = protocol.DataRate
	case pb_lorawan.Modulation_FSK:
		if protocol.BitRate == 0 {
			return TXPK{}, fmt.Errorf("%w: FSK without bit rate", ErrInvalidDownlink)
		}
		datr.FSK = protocol.BitRate
	default:
		return TXPK{}, fmt.Errorf("%w: unknown modulation %s", ErrInvalidDownlink, protocol.Modulation)
	}

	txpk := TXPK{
		Imme: gateway.Timestamp == 0,
		Tmst: gateway.Timestamp,
		Freq: float64(gateway.Frequency) / 1000000,
		RFCh: uint8(gateway.RfChain),
		Powe: uint8(gateway.Power),
		Modu: protocol.Modulation.String(),
		DatR: datr,
		CodR: protocol.CodingRate,
		IPol: gateway.PolarizationInversion,
		Size: uint16(len(txPacket.Message.Payload)),
		Data: base64.StdEncoding.EncodeToString(txPacket.Message.Payload),
		NCRC: true,
	}

	if protocol.Modulation == pb_lorawan.Modulation_FSK {
		txpk.FDev = uint16(protocol.BitRate / 2)
	}

	return txpk, nil
}
