// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
	redis "gopkg.in/redis.v5"
)

var redisHost = os.Getenv("REDIS_HOST")

func getRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:6379", redisHost),
		DB:   1,
	})
}

func TestExchangeState(t *testing.T) {
	if redisHost == "" {
		t.Skip("REDIS_HOST not set")
	}

	Convey("Given a new Context", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		key := "pktfwd-bridge-test:gateways"
		client := getRedisClient()
		client.Del(key)
		Reset(func() {
			client.Del(key)
		})

		Convey("When calling InitRedisState on a new Exchange", func() {
			b := New(ctx, 0)
			gatewayIDs := b.InitRedisState(client, key)
			Convey("It should not return any gateways", func() {
				So(gatewayIDs, ShouldBeEmpty)
			})

			Convey("When adding a gateway", func() {
				b.gateways.Add("dev")

				Convey("Another Exchange should get it from Redis", func() {
					gatewayIDs := New(ctx, 0).InitRedisState(client, key)
					So(gatewayIDs, ShouldContain, "dev")
				})

				Convey("When cleaning up the gateway on another Exchange", func() {
					other := New(ctx, 0)
					other.CleanupGateway(other.InitRedisState(client, key)...)

					Convey("Redis should not contain it anymore", func() {
						So(New(ctx, 0).InitRedisState(client, key), ShouldNotContain, "dev")
					})
				})

				Convey("When removing that gateway", func() {
					b.gateways.Remove("dev")
					Convey("Another Exchange should not get it from Redis", func() {
						gatewayIDs := New(ctx, 0).InitRedisState(client, key)
						So(gatewayIDs, ShouldNotContain, "dev")
					})
				})
			})
		})
	})
}
