// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package middleware

import (
	"errors"
	"fmt"
	"testing"

	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestContext(t *testing.T) {
	Convey("Given a new Context", t, func(c C) {
		ctx := NewContext()
		Convey("When setting some items in the Context", func() {
			ctx.Set(1, 2)
			ctx.Set("str", "hi")
			Convey("Then getting those items from the Context should return the items", func() {
				So(ctx.Get(1), ShouldEqual, 2)
				So(ctx.Get("str"), ShouldEqual, "hi")
			})
		})
		Convey("Getting an item that is not in the context, returns nil", func() {
			So(ctx.Get("other"), ShouldBeNil)
		})
	})
}

type countingMiddleware struct {
	err   error
	calls map[string]int
}

func newCountingMiddleware() *countingMiddleware {
	return &countingMiddleware{calls: make(map[string]int)}
}

func (c *countingMiddleware) HandleConnect(ctx Context, msg *types.ConnectMessage) error {
	c.calls["connect"]++
	return c.err
}
func (c *countingMiddleware) HandleDisconnect(ctx Context, msg *types.DisconnectMessage) error {
	c.calls["disconnect"]++
	return c.err
}
func (c *countingMiddleware) HandleUplink(ctx Context, msg *types.UplinkMessage) error {
	c.calls["uplink"]++
	return c.err
}
func (c *countingMiddleware) HandleStatus(ctx Context, msg *types.StatusMessage) error {
	c.calls["status"]++
	return c.err
}
func (c *countingMiddleware) HandleDownlink(ctx Context, msg *types.DownlinkMessage) error {
	c.calls["downlink"]++
	return c.err
}
func (c *countingMiddleware) HandleDownlinkResult(ctx Context, msg *types.DownlinkResultMessage) error {
	c.calls["downlink_result"]++
	return c.err
}

type uplinkOnly struct{ calls int }

func (u *uplinkOnly) HandleUplink(ctx Context, msg *types.UplinkMessage) error {
	u.calls++
	return nil
}

func TestChain(t *testing.T) {
	messages := []struct {
		kind string
		msg  interface{}
	}{
		{"connect", &types.ConnectMessage{}},
		{"disconnect", &types.DisconnectMessage{}},
		{"uplink", &types.UplinkMessage{}},
		{"status", &types.StatusMessage{}},
		{"downlink", &types.DownlinkMessage{}},
		{"downlink_result", &types.DownlinkResultMessage{}},
	}

	Convey("Given a Chain of two middleware", t, func(c C) {
		first, second := newCountingMiddleware(), newCountingMiddleware()
		chain := Chain{first, second}

		for _, tt := range messages {
			kind, msg := tt.kind, tt.msg
			Convey(fmt.Sprintf("When executing it on a %s message", kind), func() {
				err := chain.Execute(NewContext(), msg)
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
				Convey("Both middleware should have been called", func() {
					So(first.calls[kind], ShouldEqual, 1)
					So(second.calls[kind], ShouldEqual, 1)
				})
			})

			Convey(fmt.Sprintf("When the first middleware fails on a %s message", kind), func() {
				first.err = errors.New("some error")
				err := chain.Execute(NewContext(), msg)
				Convey("The error should be returned", func() {
					So(err, ShouldEqual, first.err)
				})
				Convey("The second middleware should not have been called", func() {
					So(second.calls[kind], ShouldEqual, 0)
				})
			})
		}

		Convey("When executing it on any other type", func() {
			err := chain.Execute(NewContext(), "hello")
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("The middleware should not have been called", func() {
				So(first.calls, ShouldBeEmpty)
				So(second.calls, ShouldBeEmpty)
			})
		})
	})

	Convey("Given a Chain with a middleware that only handles uplink", t, func(c C) {
		u := new(uplinkOnly)
		chain := Chain{u}
		Convey("Other messages should pass without calling it", func() {
			So(chain.Execute(NewContext(), &types.StatusMessage{}), ShouldBeNil)
			So(u.calls, ShouldEqual, 0)
		})
		Convey("Uplink messages should call it", func() {
			So(chain.Execute(NewContext(), &types.UplinkMessage{}), ShouldBeNil)
			So(u.calls, ShouldEqual, 1)
		})
	})

	Convey("An empty Chain lets everything pass", t, func() {
		var chain Chain
		So(chain.Execute(NewContext(), &types.UplinkMessage{}), ShouldBeNil)
	})
}
