// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGetPacketType(t *testing.T) {
	Convey("Given a datagram", t, func() {
		Convey("When it is shorter than the header", func() {
			_, err := GetPacketType([]byte{2, 1})
			Convey("Then a MalformedHeader error is returned", func() {
				So(err, ShouldHaveSameTypeAs, &DecodeError{})
				So(err.(*DecodeError).Kind, ShouldEqual, MalformedHeader)
			})
		})

		Convey("When it has an unsupported protocol version", func() {
			_, err := GetPacketType([]byte{3, 1, 2, 0})
			So(err, ShouldNotBeNil)
			So(err.(*DecodeError).Kind, ShouldEqual, MalformedHeader)
		})

		Convey("When it has an unknown packet type", func() {
			_, err := GetPacketType([]byte{2, 1, 2, 0x06})
			So(err, ShouldNotBeNil)
			So(err.(*DecodeError).Kind, ShouldEqual, MalformedHeader)
		})

		Convey("When it is a valid header", func() {
			pt, err := GetPacketType([]byte{1, 1, 2, 0x04})
			So(err, ShouldBeNil)
			So(pt, ShouldEqual, PullACK)
			So(pt.String(), ShouldEqual, "PULL_ACK")
		})
	})
}

func TestDecodePullData(t *testing.T) {
	Convey("Given a PULL_DATA datagram with token 0x0102", t, func() {
		data := []byte{0x02, 0x01, 0x02, 0x02, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}

		Convey("When decoding it", func() {
			p, err := Decode(data)
			So(err, ShouldBeNil)

			Convey("Then the gateway EUI and token are decoded", func() {
				pull, ok := p.(*PullDataPacket)
				So(ok, ShouldBeTrue)
				So(pull.ProtocolVersion, ShouldEqual, ProtocolVersion2)
				So(pull.RandomToken, ShouldEqual, 0x0102)
				So(pull.GatewayMAC.String(), ShouldEqual, "aabbccddeeff0011")
			})

			Convey("Then the matching PULL_ACK is encoded as 02 01 02 04", func() {
				ack := PullACKPacket{ProtocolVersion: ProtocolVersion2, RandomToken: 0x0102}
				b, err := ack.MarshalBinary()
				So(err, ShouldBeNil)
				So(b, ShouldResemble, []byte{0x02, 0x01, 0x02, 0x04})
			})
		})

		Convey("When the gateway EUI is truncated", func() {
			_, err := Decode(data[:9])
			So(err, ShouldNotBeNil)
			So(err.(*DecodeError).Kind, ShouldEqual, MalformedHeader)
		})
	})
}

func TestDecodeNeverPanics(t *testing.T) {
	Convey("Given valid datagrams of every type", t, func() {
		var datagrams [][]byte
		for _, p := range []Packet{
			PushDataPacket{ProtocolVersion: ProtocolVersion2, RandomToken: 1, Payload: PushDataPayload{RXPK: []RXPK{{Tmst: 1, Modu: "LORA", DatR: DatR{LoRa: "SF7BW125"}, Data: "AQID"}}}},
			PushACKPacket{ProtocolVersion: ProtocolVersion2, RandomToken: 2},
			PullDataPacket{ProtocolVersion: ProtocolVersion1, RandomToken: 3},
			PullRespPacket{ProtocolVersion: ProtocolVersion2, RandomToken: 4, Payload: PullRespPayload{TXPK: TXPK{Imme: true, Data: "AQID"}}},
			PullACKPacket{ProtocolVersion: ProtocolVersion2, RandomToken: 5},
			TXACKPacket{ProtocolVersion: ProtocolVersion2, RandomToken: 6, Payload: &TXACKPayload{TXPKACK: TXPKACK{Error: "TOO_LATE"}}},
		} {
			b, err := p.MarshalBinary()
			So(err, ShouldBeNil)
			datagrams = append(datagrams, b)
		}

		Convey("When decoding every truncation of them", func() {
			Convey("Then decoding does not panic", func() {
				So(func() {
					for _, b := range datagrams {
						for i := 0; i <= len(b); i++ {
							Decode(b[:i])
						}
					}
				}, ShouldNotPanic)
			})
		})
	})
}

func TestPushData(t *testing.T) {
	Convey("Given a PushDataPacket with rxpk and stat", t, func() {
		now := CompactTime(time.Date(2017, 3, 1, 12, 0, 0, 123000, time.UTC))
		p := PushDataPacket{
			ProtocolVersion: ProtocolVersion2,
			RandomToken:     0x0005,
			GatewayMAC:      [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
			Payload: PushDataPayload{
				RXPK: []RXPK{
					{
						Time: &now,
						Tmst: 708016819,
						Freq: 868.5,
						Chan: 2,
						RFCh: 1,
						Stat: 1,
						Modu: "LORA",
						DatR: DatR{LoRa: "SF7BW125"},
						CodR: "4/5",
						RSSI: -51,
						LSNR: 7,
						Size: 3,
						Data: "AQID",
					},
					{
						Tmst: 1,
						Freq: 868.3,
						Stat: 1,
						Modu: "FSK",
						DatR: DatR{FSK: 50000},
						RSSI: -80,
						Size: 3,
						Data: "AQID",
					},
				},
				Stat: &Stat{
					Time: ExpandedTime(time.Date(2017, 3, 1, 12, 0, 0, 0, time.UTC)),
					Lati: 52.1,
					Long: 4.3,
					Alti: 10,
					RXNb: 2,
					RXOK: 2,
					Pfrm: "Kerlink",
				},
			},
		}

		Convey("When marshaling and decoding it", func() {
			b, err := p.MarshalBinary()
			So(err, ShouldBeNil)
			So(b[:4], ShouldResemble, []byte{0x02, 0x00, 0x05, 0x00})
			decoded, err := Decode(b)
			So(err, ShouldBeNil)

			Convey("Then the packet is equal to the original", func() {
				So(*decoded.(*PushDataPacket), ShouldResemble, p)
			})
		})
	})

	Convey("Given a PUSH_DATA with three valid rxpk records and one malformed", t, func() {
		json := `{"rxpk":[` +
			`{"tmst":1,"freq":868.1,"stat":1,"modu":"LORA","datr":"SF7BW125","rssi":-50,"size":3,"data":"AQID"},` +
			`{"tmst":2,"freq":868.3,"stat":1,"modu":"LORA","datr":"SF8BW125","rssi":-60,"size":3,"data":"AQID"},` +
			`{"tmst":"not-a-number","freq":868.5,"modu":"LORA","datr":"SF9BW125"},` +
			`{"tmst":3,"freq":868.5,"stat":1,"modu":"LORA","datr":"SF9BW125","rssi":-70,"size":3,"data":"AQID"}` +
			`]}`
		data := append([]byte{0x02, 0x00, 0x05, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}, []byte(json)...)

		Convey("When decoding it", func() {
			p, err := Decode(data)
			So(err, ShouldBeNil)
			push := p.(*PushDataPacket)

			Convey("Then the three valid records survive", func() {
				So(push.Payload.RXPK, ShouldHaveLength, 3)
				So(push.Payload.RXPK[2].Tmst, ShouldEqual, 3)
				So(push.Payload.InvalidRXPK(), ShouldHaveLength, 1)
			})
		})
	})

	Convey("Given a PUSH_DATA with broken JSON", t, func() {
		data := append([]byte{0x02, 0x00, 0x05, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}, []byte(`{"rxpk":[`)...)
		_, err := Decode(data)
		So(err, ShouldNotBeNil)
		So(err.(*DecodeError).Kind, ShouldEqual, MalformedPayload)
	})

	Convey("Given a PUSH_DATA without JSON", t, func() {
		data := []byte{0x02, 0x00, 0x05, 0x00, 1, 2, 3, 4, 5, 6, 7, 8}
		_, err := Decode(data)
		So(err, ShouldNotBeNil)
		So(err.(*DecodeError).Kind, ShouldEqual, MalformedPayload)
	})
}

func TestPullResp(t *testing.T) {
	Convey("Given a PullRespPacket", t, func() {
		p := PullRespPacket{
			ProtocolVersion: ProtocolVersion2,
			RandomToken:     0xbeef,
			Payload: PullRespPayload{
				TXPK: TXPK{
					Tmst: 12345,
					Freq: 868.1,
					Powe: 14,
					Modu: "LORA",
					DatR: DatR{LoRa: "SF9BW125"},
					CodR: "4/5",
					IPol: true,
					Size: 4,
					Data: "AQIDBA==",
					NCRC: true,
				},
			},
		}

		Convey("Then it survives a round trip", func() {
			b, err := p.MarshalBinary()
			So(err, ShouldBeNil)
			So(b[:4], ShouldResemble, []byte{0x02, 0xbe, 0xef, 0x03})
			decoded, err := Decode(b)
			So(err, ShouldBeNil)
			So(*decoded.(*PullRespPacket), ShouldResemble, p)
		})
	})
}

func TestTXACK(t *testing.T) {
	Convey("Given a TX_ACK without payload", t, func() {
		data := []byte{0x02, 0x00, 0x07, 0x05, 1, 2, 3, 4, 5, 6, 7, 8}
		p, err := Decode(data)
		So(err, ShouldBeNil)
		So(p.(*TXACKPacket).Payload, ShouldBeNil)
		So(p.(*TXACKPacket).RandomToken, ShouldEqual, 7)
	})

	Convey("Given a TX_ACK with an error and a trailing NUL byte", t, func() {
		data := append([]byte{0x02, 0x00, 0x07, 0x05, 1, 2, 3, 4, 5, 6, 7, 8}, []byte(`{"txpk_ack":{"error":"TOO_LATE"}}`+"\x00")...)
		p, err := Decode(data)
		So(err, ShouldBeNil)
		ack := p.(*TXACKPacket)
		So(ack.Payload, ShouldNotBeNil)
		So(ack.Payload.TXPKACK.Error, ShouldEqual, "TOO_LATE")
		So(ack.Payload.TXPKACK.Failed(), ShouldBeTrue)
	})

	Convey("Given a TX_ACK with malformed JSON", t, func() {
		data := append([]byte{0x02, 0x00, 0x07, 0x05, 1, 2, 3, 4, 5, 6, 7, 8}, []byte(`{"txpk_ack":`)...)
		_, err := Decode(data)
		So(err, ShouldNotBeNil)
		So(err.(*DecodeError).Kind, ShouldEqual, MalformedPayload)
	})

	Convey("Given a TXPKACK with error NONE", t, func() {
		So(TXPKACK{Error: "NONE"}.Failed(), ShouldBeFalse)
		So(TXPKACK{}.Failed(), ShouldBeFalse)
	})
}

func TestDatR(t *testing.T) {
	Convey("Given a LoRa DatR", t, func() {
		b, err := DatR{LoRa: "SF7BW125"}.MarshalJSON()
		So(err, ShouldBeNil)
		So(string(b), ShouldEqual, `"SF7BW125"`)
	})

	Convey("Given an FSK DatR", t, func() {
		b, err := DatR{FSK: 50000}.MarshalJSON()
		So(err, ShouldBeNil)
		So(string(b), ShouldEqual, `50000`)

		var d DatR
		So(d.UnmarshalJSON(b), ShouldBeNil)
		So(d, ShouldResemble, DatR{FSK: 50000})
	})

	Convey("Given an empty DatR", t, func() {
		var d DatR
		So(d.UnmarshalJSON([]byte("null")), ShouldNotBeNil)
	})
}

func TestTimeFormats(t *testing.T) {
	Convey("Given an ExpandedTime", t, func() {
		et := ExpandedTime(time.Date(2017, 3, 1, 12, 30, 45, 0, time.UTC))
		b, err := et.MarshalJSON()
		So(err, ShouldBeNil)
		So(string(b), ShouldEqual, `"2017-03-01 12:30:45 UTC"`)

		var et2 ExpandedTime
		So(et2.UnmarshalJSON(b), ShouldBeNil)
		So(time.Time(et2).Equal(time.Time(et)), ShouldBeTrue)
	})

	Convey("Given a CompactTime", t, func() {
		ct := CompactTime(time.Date(2017, 3, 1, 12, 30, 45, 500000000, time.UTC))
		b, err := ct.MarshalJSON()
		So(err, ShouldBeNil)
		So(string(b), ShouldEqual, `"2017-03-01T12:30:45.5Z"`)

		var ct2 CompactTime
		So(ct2.UnmarshalJSON(b), ShouldBeNil)
		So(time.Time(ct2).Equal(time.Time(ct)), ShouldBeTrue)
	})
}
