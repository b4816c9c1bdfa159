// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net"
	"regexp"
	"strconv"
	"time"

	pb_gateway "github.com/TheThingsNetwork/api/gateway"
	pb_protocol "github.com/TheThingsNetwork/api/protocol"
	pb_lorawan "github.com/TheThingsNetwork/api/protocol/lorawan"
	pb_router "github.com/TheThingsNetwork/api/router"
	"github.com/TheThingsNetwork/api/trace"
	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

var loRaDataRateRegex = regexp.MustCompile(`^SF(\d+)BW(\d+)$`)

// Gateway time is definitely invalid if longer than this ago
const maxGatewayTimeAge = 24 * time.Hour

func (b *Backend) handlePushData(addr *net.UDPAddr, p *PushDataPacket) error {
	session, created, duplicate, err := b.gateways.touchPush(p.GatewayMAC, addr, p.ProtocolVersion, p.RandomToken, time.Now())
	if err != nil {
		return err
	}
	if created {
		b.emitConnect(session)
	}

	// ack the packet before anything else
	ack := PushACKPacket{
		ProtocolVersion: p.ProtocolVersion,
		RandomToken:     p.RandomToken,
	}
	bytes, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	b.send(addr, bytes)

	ctx := b.log.WithFields(log.Fields{
		"addr":         addr,
		"GatewayID":    session.GatewayID,
		"random_token": p.RandomToken,
	})

	if duplicate {
		duplicatePushData.Inc()
		ctx.Debug("Ignoring duplicate push data")
		return nil
	}

	for _, err := range p.Payload.InvalidRXPK() {
		rxpkDropped.WithLabelValues("decode").Inc()
		ctx.WithError(err).Warn("Dropping invalid record")
	}

	// gateway stats
	if p.Payload.Stat != nil {
		b.handleStat(addr, p.GatewayMAC, *p.Payload.Stat)
	}

	// rx packets
	for _, rxpk := range p.Payload.RXPK {
		if err := b.handleRXPacket(addr, p.GatewayMAC, rxpk); err != nil {
			ctx.WithError(err).Warn("Dropping rxpk")
		}
	}
	return nil
}

func (b *Backend) handleStat(addr *net.UDPAddr, mac lorawan.EUI64, stat Stat) {
	gwStats := newGatewayStatsPacket(mac, stat)
	gwStats.GatewayAddr = addr
	gwStats.Message.IP = append(gwStats.Message.IP, addr.IP.String())
	b.log.WithFields(log.Fields{
		"addr": addr,
		"mac":  mac,
	}).Debug("stat packet received")
	b.emitStatus(gwStats)
}

func (b *Backend) handleRXPacket(addr *net.UDPAddr, mac lorawan.EUI64, rxpk RXPK) error {
	logFields := log.Fields{
		"addr": addr,
		"mac":  mac,
		"data": rxpk.Data,
	}
	b.log.WithFields(logFields).Debug("rxpk packet received")

	if rxpk.Stat != 1 && !b.config.SkipCRCCheck {
		rxpkDropped.WithLabelValues("crc").Inc()
		b.log.WithFields(logFields).Debugf("Dropping rxpk with CRC status %d", rxpk.Stat)
		return nil
	}

	rxPacket, err := newRXPacketFromRXPK(mac, rxpk)
	if err != nil {
		rxpkDropped.WithLabelValues("convert").Inc()
		return err
	}
	rxPacket.GatewayAddr = addr
	rxPacket.Message.Trace = rxPacket.Message.Trace.WithEvent(trace.ReceiveEvent, "backend", "packet-forwarder")
	b.emitUplink(rxPacket)
	return nil
}

func gatewayTime(t time.Time) int64 {
	if t.IsZero() || t.Before(time.Now().Add(-maxGatewayTimeAge)) {
		return 0
	}
	return t.UnixNano()
}

// newGatewayStatsPacket transforms a Semtech Stat packet into a StatusMessage.
func newGatewayStatsPacket(mac lorawan.EUI64, stat Stat) *types.StatusMessage {
	var location *pb_gateway.LocationMetadata
	if stat.Lati != 0 || stat.Long != 0 || stat.Alti != 0 {
		location = &pb_gateway.LocationMetadata{
			Latitude:  float32(stat.Lati),
			Longitude: float32(stat.Long),
			Altitude:  stat.Alti,
		}
	}

	return &types.StatusMessage{
		GatewayID: getID(mac),
		Message: &pb_gateway.Status{
			Time:         gatewayTime(time.Time(stat.Time)),
			Location:     location,
			RxIn:         stat.RXNb,
			RxOk:         stat.RXOK,
			TxIn:         stat.DWNb,
			TxOk:         stat.TXNb,
			Platform:     stat.Pfrm,
			ContactEmail: stat.Mail,
			Description:  stat.Desc,
		},
	}
}

// newRXPacketFromRXPK transforms a Semtech packet into an UplinkMessage.
func newRXPacketFromRXPK(mac lorawan.EUI64, rxpk RXPK) (*types.UplinkMessage, error) {
	datr, err := newDataRateFromDatR(rxpk.DatR)
	if err != nil {
		return nil, fmt.Errorf("Could not get DataRate from DatR: %s", err)
	}

	lora := &pb_lorawan.Metadata{
		Modulation: pb_lorawan.Modulation_LORA,
		CodingRate: rxpk.CodR,
	}
	if datr.Modulation == band.FSKModulation {
		lora.Modulation = pb_lorawan.Modulation_FSK
		lora.BitRate = uint32(datr.BitRate)
	} else {
		lora.DataRate = fmt.Sprintf("SF%dBW%d", datr.SpreadFactor, datr.Bandwidth)
	}

	payload, err := base64.StdEncoding.DecodeString(rxpk.Data)
	if err != nil {
		return nil, fmt.Errorf("Could not base64 decode data: %s", err)
	}

	var rxTime time.Time
	if rxpk.Time != nil {
		rxTime = time.Time(*rxpk.Time)
	}

	metadata := pb_gateway.RxMetadata{
		GatewayID: getID(mac),
		Timestamp: rxpk.Tmst,
		Time:      gatewayTime(rxTime),
		RfChain:   uint32(rxpk.RFCh),
		Channel:   uint32(rxpk.Chan),
		Frequency: uint64(math.Round(rxpk.Freq * 1000000)),
		RSSI:      float32(rxpk.RSSI),
		SNR:       float32(rxpk.LSNR),
	}

	// For multi-antenna gateways, the LSNR and RSSI are those of the best reception
	best := -1
	for i, sig := range rxpk.RSig {
		rssi := sig.RSSIS
		if rssi == 0 {
			rssi = sig.RSSIC
		}
		metadata.Antennas = append(metadata.Antennas, &pb_gateway.RxMetadata_Antenna{
			Antenna: uint32(sig.Ant),
			Channel: uint32(sig.Chan),
			RSSI:    float32(rssi),
			SNR:     float32(sig.LSNR),
		})
		if best < 0 || sig.LSNR > float64(metadata.SNR) || (sig.LSNR == float64(metadata.SNR) && float32(rssi) > metadata.RSSI) {
			best = i
			metadata.SNR = float32(sig.LSNR)
			metadata.RSSI = float32(rssi)
		}
	}

	return &types.UplinkMessage{
		GatewayID: getID(mac),
		Message: &pb_router.UplinkMessage{
			Payload: payload,
			ProtocolMetadata: pb_protocol.RxMetadata{
				Protocol: &pb_protocol.RxMetadata_LoRaWAN{
					LoRaWAN: lora,
				},
			},
			GatewayMetadata: metadata,
		},
	}, nil
}

func newDataRateFromDatR(d DatR) (band.DataRate, error) {
	var dr band.DataRate

	if d.LoRa != "" {
		// parse e.g. SF12BW250 into separate variables
		match := loRaDataRateRegex.FindStringSubmatch(d.LoRa)
		if len(match) != 3 {
			return dr, errors.New("Could not parse LoRa data rate")
		}

		// cast variables to ints
		sf, err := strconv.Atoi(match[1])
		if err != nil {
			return dr, fmt.Errorf("Could not convert spreading factor to int: %s", err)
		}
		bw, err := strconv.Atoi(match[2])
		if err != nil {
			return dr, fmt.Errorf("Could not convert bandwith to int: %s", err)
		}

		dr.Modulation = band.LoRaModulation
		dr.SpreadFactor = sf
		dr.Bandwidth = bw
		return dr, nil
	}

	if d.FSK != 0 {
		dr.Modulation = band.FSKModulation
		dr.BitRate = int(d.FSK)
		return dr, nil
	}

	return dr, errors.New("Could not convert DatR to DataRate, DatR is empty / modulation unknown")
}
