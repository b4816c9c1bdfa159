// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package inject

import (
	"testing"

	"github.com/TheThingsNetwork/api/gateway"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInject(t *testing.T) {
	Convey("Given a new Inject", t, func(c C) {
		i := NewInject(Fields{
			FrequencyPlan:         "EU_863_870",
			GatewayFrequencyPlans: map[string]string{"us-gateway": "US_902_928"},
			Bridge:                "bridge",
		})

		Convey("When sending an empty StatusMessage", func() {
			status := &types.StatusMessage{GatewayID: "dev", Message: &gateway.Status{}}
			err := i.HandleStatus(middleware.NewContext(), status)
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("The StatusMessage should contain the injected fields", func() {
				So(status.Message.FrequencyPlan, ShouldEqual, "EU_863_870")
				So(status.Message.Bridge, ShouldEqual, "bridge")
			})
		})

		Convey("When sending a StatusMessage from a backend", func() {
			status := &types.StatusMessage{GatewayID: "dev", Backend: "PacketForwarder", Message: &gateway.Status{}}
			i.HandleStatus(middleware.NewContext(), status)
			Convey("The Bridge should mention the backend", func() {
				So(status.Message.Bridge, ShouldEqual, "bridge PacketForwarder Backend")
			})
		})

		Convey("When sending a StatusMessage of a gateway with its own plan", func() {
			status := &types.StatusMessage{GatewayID: "us-gateway", Message: &gateway.Status{}}
			i.HandleStatus(middleware.NewContext(), status)
			Convey("The gateway plan should be used", func() {
				So(status.Message.FrequencyPlan, ShouldEqual, "US_902_928")
			})
		})

		Convey("When the plan of a gateway is set later", func() {
			i.SetFrequencyPlan("dev", "AS_923")
			status := &types.StatusMessage{GatewayID: "dev", Message: &gateway.Status{}}
			i.HandleStatus(middleware.NewContext(), status)
			Convey("That plan should be used", func() {
				So(status.Message.FrequencyPlan, ShouldEqual, "AS_923")
			})
		})

		Convey("When sending a StatusMessage that already has the fields", func() {
			status := &types.StatusMessage{GatewayID: "dev", Message: &gateway.Status{
				FrequencyPlan: "AU_915_928",
				Bridge:        "other",
			}}
			i.HandleStatus(middleware.NewContext(), status)
			Convey("The fields should not be changed", func() {
				So(status.Message.FrequencyPlan, ShouldEqual, "AU_915_928")
				So(status.Message.Bridge, ShouldEqual, "other")
			})
		})

		Convey("When sending a StatusMessage without message", func() {
			So(i.HandleStatus(middleware.NewContext(), &types.StatusMessage{GatewayID: "dev"}), ShouldBeNil)
		})
	})
}
