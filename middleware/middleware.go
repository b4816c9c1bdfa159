// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package middleware contains the hooks that the exchange runs for every
// message before it is routed. A middleware implements one or more of the
// handler interfaces in this package; returning an error drops the message.
package middleware

import (
	"sync"

	"github.com/TheThingsNetwork/pktfwd-bridge/types"
)

// Context is shared by the middleware that handle the same message
type Context interface {
	Set(k, v interface{})
	Get(k interface{}) interface{}
}

// NewContext returns a new middleware context
func NewContext() Context {
	return &context{}
}

type context struct {
	mu   sync.Mutex
	data map[interface{}]interface{}
}

func (c *context) Set(k, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[interface{}]interface{})
	}
	c.data[k] = v
}

func (c *context) Get(k interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[k]
}

// Connect middleware
type Connect interface {
	HandleConnect(Context, *types.ConnectMessage) error
}

// Disconnect middleware
type Disconnect interface {
	HandleDisconnect(Context, *types.DisconnectMessage) error
}

// Uplink middleware
type Uplink interface {
	HandleUplink(Context, *types.UplinkMessage) error
}

// Status middleware
type Status interface {
	HandleStatus(Context, *types.StatusMessage) error
}

// Downlink middleware
type Downlink interface {
	HandleDownlink(Context, *types.DownlinkMessage) error
}

// DownlinkResult middleware
type DownlinkResult interface {
	HandleDownlinkResult(Context, *types.DownlinkResultMessage) error
}

// Chain of middleware. Middleware are executed in order; the first error
// stops the chain.
type Chain []interface{}

// Execute the chain for the given message. Messages of unknown types pass.
func (c Chain) Execute(ctx Context, msg interface{}) error {
	for _, middleware := range c {
		if err := handle(middleware, ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func handle(middleware interface{}, ctx Context, msg interface{}) error {
	switch msg := msg.(type) {
	case *types.ConnectMessage:
		if m, ok := middleware.(Connect); ok {
			return m.HandleConnect(ctx, msg)
		}
	case *types.DisconnectMessage:
		if m, ok := middleware.(Disconnect); ok {
			return m.HandleDisconnect(ctx, msg)
		}
	case *types.UplinkMessage:
		if m, ok := middleware.(Uplink); ok {
			return m.HandleUplink(ctx, msg)
		}
	case *types.StatusMessage:
		if m, ok := middleware.(Status); ok {
			return m.HandleStatus(ctx, msg)
		}
	case *types.DownlinkMessage:
		if m, ok := middleware.(Downlink); ok {
			return m.HandleDownlink(ctx, msg)
		}
	case *types.DownlinkResultMessage:
		if m, ok := middleware.(DownlinkResult); ok {
			return m.HandleDownlinkResult(ctx, msg)
		}
	}
	return nil
}
