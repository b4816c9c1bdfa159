// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/brocaar/lorawan"
)

// PacketType is the identifier byte of a packet forwarder datagram
type PacketType byte

// Packet types of the packet forwarder protocol
const (
	PushData PacketType = 0x00
	PushACK  PacketType = 0x01
	PullData PacketType = 0x02
	PullResp PacketType = 0x03
	PullACK  PacketType = 0x04
	TXACK    PacketType = 0x05
)

func (p PacketType) String() string {
	switch p {
	case PushData:
		return "PUSH_DATA"
	case PushACK:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullACK:
		return "PULL_ACK"
	case TXACK:
		return "TX_ACK"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(p))
}

// Supported protocol versions
const (
	ProtocolVersion1 uint8 = 0x01
	ProtocolVersion2 uint8 = 0x02
)

const (
	headerSize     = 4
	gatewayMACSize = 8
)

// DecodeErrorKind tells which part of a datagram could not be decoded
type DecodeErrorKind int

// Decode error kinds
const (
	MalformedHeader DecodeErrorKind = iota + 1
	MalformedPayload
)

func (k DecodeErrorKind) String() string {
	switch k {
	case MalformedHeader:
		return "malformed header"
	case MalformedPayload:
		return "malformed payload"
	}
	return "unknown"
}

// DecodeError is returned when a datagram can not be decoded
type DecodeError struct {
	Kind   DecodeErrorKind
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pktfwd: %s: %s", e.Kind, e.Reason)
}

func headerError(format string, a ...interface{}) error {
	return &DecodeError{Kind: MalformedHeader, Reason: fmt.Sprintf(format, a...)}
}

func payloadError(format string, a ...interface{}) error {
	return &DecodeError{Kind: MalformedPayload, Reason: fmt.Sprintf(format, a...)}
}

// Packet is a decoded packet forwarder datagram
type Packet interface {
	encoding.BinaryMarshaler
	PacketType() PacketType
}

// GetPacketType validates the header of the datagram and returns its type
func GetPacketType(data []byte) (PacketType, error) {
	if len(data) < headerSize {
		return 0, headerError("at least %d bytes of data are expected, got %d", headerSize, len(data))
	}
	if data[0] != ProtocolVersion1 && data[0] != ProtocolVersion2 {
		return 0, headerError("unsupported protocol version %d", data[0])
	}
	pt := PacketType(data[3])
	if pt > TXACK {
		return 0, headerError("unknown packet type 0x%02x", data[3])
	}
	return pt, nil
}

// Decode decodes a datagram into one of the packet types
func Decode(data []byte) (Packet, error) {
	pt, err := GetPacketType(data)
	if err != nil {
		return nil, err
	}
	var p interface {
		Packet
		encoding.BinaryUnmarshaler
	}
	switch pt {
	case PushData:
		p = new(PushDataPacket)
	case PushACK:
		p = new(PushACKPacket)
	case PullData:
		p = new(PullDataPacket)
	case PullResp:
		p = new(PullRespPacket)
	case PullACK:
		p = new(PullACKPacket)
	case TXACK:
		p = new(TXACKPacket)
	}
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return p, nil
}

func readHeader(data []byte, expected PacketType) (version uint8, token uint16, err error) {
	pt, err := GetPacketType(data)
	if err != nil {
		return 0, 0, err
	}
	if pt != expected {
		return 0, 0, headerError("expected %s, got %s", expected, pt)
	}
	return data[0], binary.BigEndian.Uint16(data[1:3]), nil
}

func readGatewayMAC(data []byte, pt PacketType) (mac lorawan.EUI64, err error) {
	if len(data) < headerSize+gatewayMACSize {
		return mac, headerError("%s requires %d bytes for header and gateway MAC, got %d", pt, headerSize+gatewayMACSize, len(data))
	}
	copy(mac[:], data[headerSize:headerSize+gatewayMACSize])
	return mac, nil
}

func writeHeader(version uint8, token uint16, pt PacketType, size int) []byte {
	out := make([]byte, headerSize, headerSize+size)
	out[0] = version
	binary.BigEndian.PutUint16(out[1:3], token)
	out[3] = byte(pt)
	return out
}

// PushDataPacket is used by the gateway to send RF packets and stats
type PushDataPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
	Payload         PushDataPayload
}

// PacketType implements the Packet interface
func (p PushDataPacket) PacketType() PacketType { return PushData }

// MarshalBinary marshals the object in binary form
func (p PushDataPacket) MarshalBinary() ([]byte, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, err
	}
	out := writeHeader(p.ProtocolVersion, p.RandomToken, PushData, gatewayMACSize+len(payload))
	out = append(out, p.GatewayMAC[:]...)
	return append(out, payload...), nil
}

// UnmarshalBinary decodes the object from binary form
func (p *PushDataPacket) UnmarshalBinary(data []byte) (err error) {
	if p.ProtocolVersion, p.RandomToken, err = readHeader(data, PushData); err != nil {
		return err
	}
	if p.GatewayMAC, err = readGatewayMAC(data, PushData); err != nil {
		return err
	}
	payload := trimPayload(data[headerSize+gatewayMACSize:])
	if len(payload) == 0 {
		return payloadError("PUSH_DATA without JSON payload")
	}
	p.Payload = PushDataPayload{}
	if err := json.Unmarshal(payload, &p.Payload); err != nil {
		return payloadError("could not decode PUSH_DATA JSON: %s", err)
	}
	return nil
}

// PushACKPacket is used by the server to acknowledge a PushDataPacket
type PushACKPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
}

// PacketType implements the Packet interface
func (p PushACKPacket) PacketType() PacketType { return PushACK }

// MarshalBinary marshals the object in binary form
func (p PushACKPacket) MarshalBinary() ([]byte, error) {
	return writeHeader(p.ProtocolVersion, p.RandomToken, PushACK, 0), nil
}

// UnmarshalBinary decodes the object from binary form
func (p *PushACKPacket) UnmarshalBinary(data []byte) (err error) {
	p.ProtocolVersion, p.RandomToken, err = readHeader(data, PushACK)
	return err
}

// PullDataPacket is used by the gateway to poll data from the server
type PullDataPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
}

// PacketType implements the Packet interface
func (p PullDataPacket) PacketType() PacketType { return PullData }

// MarshalBinary marshals the object in binary form
func (p PullDataPacket) MarshalBinary() ([]byte, error) {
	out := writeHeader(p.ProtocolVersion, p.RandomToken, PullData, gatewayMACSize)
	return append(out, p.GatewayMAC[:]...), nil
}

// UnmarshalBinary decodes the object from binary form
func (p *PullDataPacket) UnmarshalBinary(data []byte) (err error) {
	if p.ProtocolVersion, p.RandomToken, err = readHeader(data, PullData); err != nil {
		return err
	}
	p.GatewayMAC, err = readGatewayMAC(data, PullData)
	return err
}

// PullACKPacket is used by the server to acknowledge a PullDataPacket
type PullACKPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
}

// PacketType implements the Packet interface
func (p PullACKPacket) PacketType() PacketType { return PullACK }

// MarshalBinary marshals the object in binary form
func (p PullACKPacket) MarshalBinary() ([]byte, error) {
	return writeHeader(p.ProtocolVersion, p.RandomToken, PullACK, 0), nil
}

// UnmarshalBinary decodes the object from binary form
func (p *PullACKPacket) UnmarshalBinary(data []byte) (err error) {
	p.ProtocolVersion, p.RandomToken, err = readHeader(data, PullACK)
	return err
}

// PullRespPacket is used by the server to send RF packets to the gateway
type PullRespPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	Payload         PullRespPayload
}

// PacketType implements the Packet interface
func (p PullRespPacket) PacketType() PacketType { return PullResp }

// MarshalBinary marshals the object in binary form
func (p PullRespPacket) MarshalBinary() ([]byte, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, err
	}
	out := writeHeader(p.ProtocolVersion, p.RandomToken, PullResp, len(payload))
	return append(out, payload...), nil
}

// UnmarshalBinary decodes the object from binary form
func (p *PullRespPacket) UnmarshalBinary(data []byte) (err error) {
	if p.ProtocolVersion, p.RandomToken, err = readHeader(data, PullResp); err != nil {
		return err
	}
	payload := trimPayload(data[headerSize:])
	if len(payload) == 0 {
		return payloadError("PULL_RESP without JSON payload")
	}
	p.Payload = PullRespPayload{}
	if err := json.Unmarshal(payload, &p.Payload); err != nil {
		return payloadError("could not decode PULL_RESP JSON: %s", err)
	}
	return nil
}

// TXACKPacket is used by the gateway to report the result of a PullRespPacket
type TXACKPacket struct {
	ProtocolVersion uint8
	RandomToken     uint16
	GatewayMAC      lorawan.EUI64
	Payload         *TXACKPayload
}

// PacketType implements the Packet interface
func (p TXACKPacket) PacketType() PacketType { return TXACK }

// MarshalBinary marshals the object in binary form
func (p TXACKPacket) MarshalBinary() ([]byte, error) {
	var payload []byte
	if p.Payload != nil {
		var err error
		if payload, err = json.Marshal(p.Payload); err != nil {
			return nil, err
		}
	}
	out := writeHeader(p.ProtocolVersion, p.RandomToken, TXACK, gatewayMACSize+len(payload))
	out = append(out, p.GatewayMAC[:]...)
	return append(out, payload...), nil
}

// UnmarshalBinary decodes the object from binary form
func (p *TXACKPacket) UnmarshalBinary(data []byte) (err error) {
	if p.ProtocolVersion, p.RandomToken, err = readHeader(data, TXACK); err != nil {
		return err
	}
	if p.GatewayMAC, err = readGatewayMAC(data, TXACK); err != nil {
		return err
	}
	p.Payload = nil
	payload := trimPayload(data[headerSize+gatewayMACSize:])
	if len(payload) == 0 {
		return nil
	}
	p.Payload = new(TXACKPayload)
	if err := json.Unmarshal(payload, p.Payload); err != nil {
		p.Payload = nil
		return payloadError("could not decode TX_ACK JSON: %s", err)
	}
	return nil
}

// Some packet forwarders terminate the JSON with a NUL byte
func trimPayload(data []byte) []byte {
	return bytes.TrimSpace(bytes.TrimRight(data, "\x00"))
}
