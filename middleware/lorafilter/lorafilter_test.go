// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package lorafilter

import (
	"fmt"
	"testing"

	"github.com/TheThingsNetwork/api/router"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func up(payload ...byte) *types.UplinkMessage {
	return &types.UplinkMessage{Message: &router.UplinkMessage{Payload: payload}}
}

func down(payload ...byte) *types.DownlinkMessage {
	return &types.DownlinkMessage{Message: &router.DownlinkMessage{Payload: payload}}
}

func TestLoraFilter(t *testing.T) {
	Convey("Given a new Filter", t, func(c C) {
		f := NewFilter()

		uplinks := []struct {
			mhdr  byte
			valid bool
		}{
			{0x00, true},  // JoinRequest
			{0x20, false}, // JoinAccept
			{0x40, true},  // UnconfirmedDataUp
			{0x60, false}, // UnconfirmedDataDown
			{0x80, true},  // ConfirmedDataUp
			{0xA0, false}, // ConfirmedDataDown
			{0xE0, false}, // Proprietary
			{0x41, false}, // Major version 1
		}
		for _, tt := range uplinks {
			tt := tt
			Convey(fmt.Sprintf("When sending an UplinkMessage with MHDR 0x%02x", tt.mhdr), func() {
				err := f.HandleUplink(middleware.NewContext(), up(tt.mhdr, 2, 3, 4, 5))
				if tt.valid {
					So(err, ShouldBeNil)
				} else {
					So(err, ShouldNotBeNil)
				}
			})
		}

		downlinks := []struct {
			mhdr  byte
			valid bool
		}{
			{0x00, false},
			{0x20, true},
			{0x40, false},
			{0x60, true},
			{0xA0, true},
			{0xE0, false},
		}
		for _, tt := range downlinks {
			tt := tt
			Convey(fmt.Sprintf("When sending a DownlinkMessage with MHDR 0x%02x", tt.mhdr), func() {
				err := f.HandleDownlink(middleware.NewContext(), down(tt.mhdr, 2, 3, 4, 5))
				if tt.valid {
					So(err, ShouldBeNil)
				} else {
					So(err, ShouldNotBeNil)
				}
			})
		}

		Convey("When sending an UplinkMessage without payload", func() {
			So(f.HandleUplink(middleware.NewContext(), up()), ShouldNotBeNil)
		})

		Convey("When sending an UplinkMessage without message", func() {
			So(f.HandleUplink(middleware.NewContext(), &types.UplinkMessage{}), ShouldNotBeNil)
		})

		Convey("When proprietary messages are allowed", func() {
			f.AllowProprietary = true
			Convey("Proprietary uplink should pass", func() {
				So(f.HandleUplink(middleware.NewContext(), up(0xE0, 2, 3, 4, 5)), ShouldBeNil)
			})
			Convey("Proprietary downlink should pass", func() {
				So(f.HandleDownlink(middleware.NewContext(), down(0xE0, 2, 3, 4, 5)), ShouldBeNil)
			})
		})
	})
}
