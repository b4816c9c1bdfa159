// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package lorafilter drops traffic that is not LoRaWAN 1.0.
package lorafilter

import (
	"fmt"

	"github.com/TheThingsNetwork/pktfwd-bridge/middleware"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/brocaar/lorawan"
)

// minPayloadSize is the size of the MHDR and the MIC
const minPayloadSize = 5

// NewFilter returns a middleware that filters traffic so that non-LoRaWAN messages are ignored
func NewFilter() *Filter {
	return &Filter{}
}

// Filter middleware
type Filter struct {
	// AllowProprietary lets proprietary messages pass
	AllowProprietary bool
}

func (f *Filter) mhdr(payload []byte) (mhdr lorawan.MHDR, err error) {
	if len(payload) < minPayloadSize {
		return mhdr, fmt.Errorf("lorafilter: %d payload bytes is not enough for a LoRaWAN packet", len(payload))
	}
	if err = mhdr.UnmarshalBinary(payload[:1]); err != nil {
		return mhdr, err
	}
	if mhdr.Major != lorawan.LoRaWANR1 {
		return mhdr, fmt.Errorf("lorafilter: unsupported LoRaWAN version 0x%x", byte(mhdr.Major))
	}
	return mhdr, nil
}

// HandleUplink drops uplink messages that do not carry an uplink LoRaWAN frame
func (f *Filter) HandleUplink(_ middleware.Context, msg *types.UplinkMessage) error {
	mhdr, err := f.mhdr(msg.Message.GetPayload())
	if err != nil {
		return err
	}
	switch mhdr.MType {
	case lorawan.JoinRequest, lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		return nil
	case lorawan.Proprietary:
		if f.AllowProprietary {
			return nil
		}
	}
	return fmt.Errorf("lorafilter: found %v payload in UplinkMessage", mhdr.MType)
}

// HandleDownlink drops downlink messages that do not carry a downlink LoRaWAN frame
func (f *Filter) HandleDownlink(_ middleware.Context, msg *types.DownlinkMessage) error {
	mhdr, err := f.mhdr(msg.Message.GetPayload())
	if err != nil {
		return err
	}
	switch mhdr.MType {
	case lorawan.JoinAccept, lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		return nil
	case lorawan.Proprietary:
		if f.AllowProprietary {
			return nil
		}
	}
	return fmt.Errorf("lorafilter: found %v payload in DownlinkMessage", mhdr.MType)
}
