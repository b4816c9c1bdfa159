// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package pktfwd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const expandedTimeLayout = "2006-01-02 15:04:05 MST"

// CompactTime is the ISO 8601 UTC time used in rxpk
type CompactTime time.Time

// MarshalJSON implements the json.Marshaler interface
func (t CompactTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (t *CompactTime) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	t2, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return err
	}
	*t = CompactTime(t2)
	return nil
}

// ExpandedTime is the "expanded" time format used in stat
type ExpandedTime time.Time

// MarshalJSON implements the json.Marshaler interface
func (t ExpandedTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(expandedTimeLayout))
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (t *ExpandedTime) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	t2, err := time.Parse(expandedTimeLayout, str)
	if err != nil {
		return err
	}
	*t = ExpandedTime(t2)
	return nil
}

// DatR is the data rate: a string for LoRa (SF7BW125) or a number for FSK
type DatR struct {
	LoRa string
	FSK  uint32
}

// MarshalJSON implements the json.Marshaler interface
func (d DatR) MarshalJSON() ([]byte, error) {
	if d.LoRa != "" {
		return json.Marshal(d.LoRa)
	}
	return json.Marshal(d.FSK)
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (d *DatR) UnmarshalJSON(data []byte) error {
	str := strings.TrimSpace(string(data))
	if str == "null" || str == "" {
		return errors.New("empty datr")
	}
	if strings.HasPrefix(str, `"`) {
		d.FSK = 0
		return json.Unmarshal(data, &d.LoRa)
	}
	d.LoRa = ""
	return json.Unmarshal(data, &d.FSK)
}

// PushDataPayload contains the rxpk records and the stat record of a PUSH_DATA
type PushDataPayload struct {
	RXPK []RXPK `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`

	invalid []error
}

// UnmarshalJSON decodes each rxpk record separately, so that one invalid
// record does not invalidate the rest of the batch.
func (p *PushDataPayload) UnmarshalJSON(data []byte) error {
	var raw struct {
		RXPK []json.RawMessage `json:"rxpk"`
		Stat json.RawMessage   `json:"stat"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = PushDataPayload{}
	for i, rec := range raw.RXPK {
		var rxpk RXPK
		if err := json.Unmarshal(rec, &rxpk); err != nil {
			p.invalid = append(p.invalid, fmt.Errorf("rxpk[%d]: %s", i, err))
			continue
		}
		p.RXPK = append(p.RXPK, rxpk)
	}
	if len(raw.Stat) != 0 && string(raw.Stat) != "null" {
		var stat Stat
		if err := json.Unmarshal(raw.Stat, &stat); err != nil {
			p.invalid = append(p.invalid, fmt.Errorf("stat: %s", err))
		} else {
			p.Stat = &stat
		}
	}
	return nil
}

// InvalidRXPK returns the errors of the records that could not be decoded
func (p PushDataPayload) InvalidRXPK() []error {
	return p.invalid
}

// RXPK is a received RF packet
type RXPK struct {
	Time *CompactTime `json:"time,omitempty"` // UTC time of the pkt RX
	Tmms *int64       `json:"tmms,omitempty"` // GPS time of the pkt RX, ms since 06.Jan.1980
	Tmst uint32       `json:"tmst"`           // Internal timestamp of "RX finished" event (32b unsigned)
	Freq float64      `json:"freq"`           // RX central frequency in MHz
	Chan uint8        `json:"chan"`           // Concentrator "IF" channel used for RX
	RFCh uint8        `json:"rfch"`           // Concentrator "RF chain" used for RX
	Stat int8         `json:"stat"`           // CRC status: 1 = OK, -1 = fail, 0 = no CRC
	Modu string       `json:"modu"`           // "LORA" or "FSK"
	DatR DatR         `json:"datr"`
	CodR string       `json:"codr,omitempty"` // LoRa ECC coding rate identifier
	RSSI int16        `json:"rssi"`           // RSSI in dBm
	LSNR float64      `json:"lsnr,omitempty"` // LoRa SNR ratio in dB
	Size uint16       `json:"size"`           // RF packet payload size in bytes
	Data string       `json:"data"`           // Base64 encoded RF packet payload
	RSig []RSig       `json:"rsig,omitempty"` // Per-antenna signal information
}

// RSig contains the signal of one antenna
type RSig struct {
	Ant   uint8   `json:"ant"`
	Chan  uint8   `json:"chan"`
	RSSIC int16   `json:"rssic,omitempty"`
	RSSIS int16   `json:"rssis,omitempty"`
	LSNR  float64 `json:"lsnr"`
}

// Stat contains the status of the gateway
type Stat struct {
	Time ExpandedTime `json:"time"`
	Lati float64      `json:"lati,omitempty"`
	Long float64      `json:"long,omitempty"`
	Alti int32        `json:"alti,omitempty"`
	RXNb uint32       `json:"rxnb"` // Number of radio packets received
	RXOK uint32       `json:"rxok"` // Number of radio packets received with a valid PHY CRC
	RXFW uint32       `json:"rxfw"` // Number of radio packets forwarded
	ACKR float64      `json:"ackr"` // Percentage of upstream datagrams that were acknowledged
	DWNb uint32       `json:"dwnb"` // Number of downlink datagrams received
	TXNb uint32       `json:"txnb"` // Number of packets emitted

	// TTN extensions
	Pfrm string `json:"pfrm,omitempty"`
	Mail string `json:"mail,omitempty"`
	Desc string `json:"desc,omitempty"`
}

// PullRespPayload is the payload of a PULL_RESP
type PullRespPayload struct {
	TXPK TXPK `json:"txpk"`
}

// TXPK is an RF packet to be emitted
type TXPK struct {
	Imme bool    `json:"imme"`           // Send packet immediately (will ignore tmst & time)
	Tmst uint32  `json:"tmst,omitempty"` // Send packet on a certain timestamp value (will ignore time)
	Tmms *int64  `json:"tmms,omitempty"` // Send packet at a certain GPS time (GPS synchronization required)
	Freq float64 `json:"freq"`           // TX central frequency in MHz
	RFCh uint8   `json:"rfch"`           // Concentrator "RF chain" used for TX
	Powe uint8   `json:"powe"`           // TX output power in dBm
	Modu string  `json:"modu"`           // "LORA" or "FSK"
	DatR DatR    `json:"datr"`
	CodR string  `json:"codr,omitempty"` // LoRa ECC coding rate identifier
	FDev uint16  `json:"fdev,omitempty"` // FSK frequency deviation in Hz
	IPol bool    `json:"ipol"`           // Lora modulation polarization inversion
	Prea uint16  `json:"prea,omitempty"` // RF preamble size
	Size uint16  `json:"size"`           // RF packet payload size in bytes
	Data string  `json:"data"`           // Base64 encoded RF packet payload
	NCRC bool    `json:"ncrc,omitempty"` // If true, disable the CRC of the physical layer
}

// TX_ACK error values
const (
	TXErrorNone = "NONE"
)

// TXACKPayload is the payload of a TX_ACK
type TXACKPayload struct {
	TXPKACK TXPKACK `json:"txpk_ack"`
}

// TXPKACK contains the result of a downlink
type TXPKACK struct {
	Error string `json:"error,omitempty"`
	Warn  string `json:"warn,omitempty"`
}

// Failed returns whether the concentrator refused the downlink
func (a TXPKACK) Failed() bool {
	return a.Error != "" && a.Error != TXErrorNone
}
