// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"testing"
	"time"

	"github.com/TheThingsNetwork/api/gateway"
	"github.com/TheThingsNetwork/api/router"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func uplink(gatewayID string, timestamp uint32, payload ...byte) *types.UplinkMessage {
	return &types.UplinkMessage{GatewayID: gatewayID, Message: &router.UplinkMessage{
		Payload:         payload,
		GatewayMetadata: gateway.RxMetadata{Timestamp: timestamp},
	}}
}

func TestDeduplicate(t *testing.T) {
	Convey("Given a new Deduplicate", t, func(c C) {
		now := time.Unix(1500000000, 0)
		d := NewDeduplicate(time.Second)
		d.now = func() time.Time { return now }

		Convey("When sending an UplinkMessage", func() {
			err := d.HandleUplink(middleware.NewContext(), uplink("test", 1000, 1, 2, 3, 4))
			So(err, ShouldBeNil)

			Convey("A duplicate of that UplinkMessage should be dropped", func() {
				err := d.HandleUplink(middleware.NewContext(), uplink("test", 1000, 1, 2, 3, 4))
				So(err, ShouldEqual, ErrDuplicateMessage)
			})

			Convey("The same payload with another timestamp should pass", func() {
				err := d.HandleUplink(middleware.NewContext(), uplink("test", 2000, 1, 2, 3, 4))
				So(err, ShouldBeNil)
			})

			Convey("Another payload with the same timestamp should pass", func() {
				err := d.HandleUplink(middleware.NewContext(), uplink("test", 1000, 1, 2, 3, 4, 5))
				So(err, ShouldBeNil)
			})

			Convey("The same message from another gateway should pass", func() {
				err := d.HandleUplink(middleware.NewContext(), uplink("other", 1000, 1, 2, 3, 4))
				So(err, ShouldBeNil)
			})

			Convey("An older message that is repeated should still be dropped", func() {
				d.HandleUplink(middleware.NewContext(), uplink("test", 2000, 5, 6, 7, 8))
				err := d.HandleUplink(middleware.NewContext(), uplink("test", 1000, 1, 2, 3, 4))
				So(err, ShouldEqual, ErrDuplicateMessage)
			})

			Convey("When the window has passed", func() {
				now = now.Add(2 * time.Second)
				Convey("The duplicate should pass", func() {
					err := d.HandleUplink(middleware.NewContext(), uplink("test", 1000, 1, 2, 3, 4))
					So(err, ShouldBeNil)
				})
			})

			Convey("When the gateway disconnects", func() {
				err := d.HandleDisconnect(middleware.NewContext(), &types.DisconnectMessage{GatewayID: "test"})
				So(err, ShouldBeNil)
				Convey("The duplicate should pass", func() {
					err := d.HandleUplink(middleware.NewContext(), uplink("test", 1000, 1, 2, 3, 4))
					So(err, ShouldBeNil)
				})
			})
		})
	})

	Convey("A Deduplicate without window uses the default", t, func() {
		So(NewDeduplicate(0).window, ShouldEqual, DefaultWindow)
	})
}
