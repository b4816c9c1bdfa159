// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package ratelimit limits the number of messages per gateway per minute.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/go-utils/rate"
	"github.com/TheThingsNetwork/pktfwd-bridge/middleware"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	redis "gopkg.in/redis.v5"
)

// Limits per minute. A limit of 0 means unlimited.
type Limits struct {
	Uplink   int
	Downlink int
	Status   int
}

// DefaultRedisPrefix is the prefix of the Redis keys of the counters
const DefaultRedisPrefix = "pktfwd-bridge:ratelimit"

// ErrRateLimited is returned if the rate limit has been reached
var ErrRateLimited = errors.New("ratelimit: rate limit reached")

const (
	uplink   = "uplink"
	downlink = "downlink"
	status   = "status"
)

// NewRateLimit returns a middleware that rate-limits uplink, downlink and status
// messages per gateway, using counters in memory
func NewRateLimit(conf Limits) *RateLimit {
	return &RateLimit{
		log:      log.Get(),
		limits:   conf,
		gateways: make(map[string]gatewayLimits),
	}
}

// NewRedisRateLimit returns a middleware that rate-limits uplink, downlink and
// status messages per gateway, using counters in Redis so that they are shared
// between bridges
func NewRedisRateLimit(client *redis.Client, prefix string, conf Limits) *RateLimit {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	l := NewRateLimit(conf)
	l.client = client
	l.prefix = prefix
	return l
}

// RateLimit uplink, downlink and status messages per gateway
type RateLimit struct {
	log    log.Interface
	limits Limits
	client *redis.Client
	prefix string

	mu       sync.Mutex
	gateways map[string]gatewayLimits
}

type gatewayLimits map[string]rate.Limiter

func (l *RateLimit) limit(kind string) int {
	switch kind {
	case uplink:
		return l.limits.Uplink
	case downlink:
		return l.limits.Downlink
	case status:
		return l.limits.Status
	}
	return 0
}

func (l *RateLimit) newLimiter(gatewayID, kind string) rate.Limiter {
	var counter rate.Counter
	if l.client != nil {
		counter = rate.NewRedisCounter(l.client, fmt.Sprintf("%s:%s:%s", l.prefix, gatewayID, kind), time.Second, time.Minute)
	} else {
		counter = rate.NewCounter(time.Second, time.Minute)
	}
	return rate.NewLimiter(counter, time.Minute, uint64(l.limit(kind)))
}

func (l *RateLimit) newGatewayLimits(gatewayID string) gatewayLimits {
	limits := make(gatewayLimits)
	for _, kind := range []string{uplink, downlink, status} {
		if l.limit(kind) != 0 {
			limits[kind] = l.newLimiter(gatewayID, kind)
		}
	}
	return limits
}

// HandleConnect initializes the rate limiters of the gateway
func (l *RateLimit) HandleConnect(_ middleware.Context, msg *types.ConnectMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gateways[msg.GatewayID] = l.newGatewayLimits(msg.GatewayID)
	return nil
}

// HandleDisconnect cleans up
func (l *RateLimit) HandleDisconnect(_ middleware.Context, msg *types.DisconnectMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.gateways, msg.GatewayID)
	return nil
}

func (l *RateLimit) check(gatewayID, kind string) error {
	l.mu.Lock()
	limits, ok := l.gateways[gatewayID]
	if !ok {
		limits = l.newGatewayLimits(gatewayID)
		l.gateways[gatewayID] = limits
	}
	limiter := limits[kind]
	l.mu.Unlock()
	if limiter == nil {
		return nil
	}
	limited, err := limiter.Limit()
	if err != nil {
		return err
	}
	if limited {
		l.log.WithField("GatewayID", gatewayID).Debugf("Rate limited %s", kind)
		return ErrRateLimited
	}
	return nil
}

// HandleUplink rate-limits uplink messages
func (l *RateLimit) HandleUplink(_ middleware.Context, msg *types.UplinkMessage) error {
	return l.check(msg.GatewayID, uplink)
}

// HandleDownlink rate-limits downlink messages
func (l *RateLimit) HandleDownlink(_ middleware.Context, msg *types.DownlinkMessage) error {
	return l.check(msg.GatewayID, downlink)
}

// HandleStatus rate-limits status messages
func (l *RateLimit) HandleStatus(_ middleware.Context, msg *types.StatusMessage) error {
	return l.check(msg.GatewayID, status)
}
