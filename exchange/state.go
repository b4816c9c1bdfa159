// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"github.com/apex/log"
	redis "gopkg.in/redis.v5"
)

// gatewayState is the subset of mapset.Set that the exchange uses to keep
// track of connected gateways
type gatewayState interface {
	Add(i interface{}) bool
	Contains(i ...interface{}) bool
	Remove(i interface{})
	ToSlice() []interface{}
}

// DefaultRedisStateKey is used as key when no key is given
const DefaultRedisStateKey = "pktfwd-bridge:gateways"

// InitRedisState makes the exchange persist its connected gateways in a Redis
// set. It returns the gateways that were stored by a previous run; those are
// not connected anymore and should be passed to CleanupGateway once the
// backends are started.
func (b *Exchange) InitRedisState(client *redis.Client, key string) (previous []string) {
	if key == "" {
		key = DefaultRedisStateKey
	}
	ctx := b.ctx.WithField("Key", key)
	previous, err := client.SMembers(key).Result()
	if err != nil {
		ctx.WithError(err).Warn("Could not load gateway state from Redis")
	}
	b.gateways = &redisGatewayState{
		gatewayState: b.gateways,
		client:       client,
		key:          key,
		ctx:          ctx,
	}
	return previous
}

type redisGatewayState struct {
	gatewayState
	client *redis.Client
	key    string
	ctx    log.Interface
}

func (s *redisGatewayState) Add(i interface{}) bool {
	added := s.gatewayState.Add(i)
	if added {
		if err := s.client.SAdd(s.key, i).Err(); err != nil {
			s.ctx.WithField("GatewayID", i).WithError(err).Warn("Could not store gateway in Redis")
		}
	}
	return added
}

func (s *redisGatewayState) Remove(i interface{}) {
	s.gatewayState.Remove(i)
	if err := s.client.SRem(s.key, i).Err(); err != nil {
		s.ctx.WithField("GatewayID", i).WithError(err).Warn("Could not remove gateway from Redis")
	}
}
