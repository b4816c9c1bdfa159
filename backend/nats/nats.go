// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package nats connects the bridge to a NATS server that is up the chain.
//
// Uplink messages are published as protocol buffers on the
// "gateway.[gateway-id].up" subject and status messages on
// "gateway.[gateway-id].status". Downlinks are received on
// "gateway.[gateway-id].down" and their results are published as JSON on
// "gateway.[gateway-id].down.result".
package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/api/router"
	"github.com/TheThingsNetwork/api/trace"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/apex/log"
	"github.com/gogo/protobuf/proto"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// BufferSize indicates the maximum number of NATS messages that should be buffered
var BufferSize = 10

// Subject formats for uplink, status, downlink and downlink result messages
var (
	UplinkSubjectFormat         = "gateway.%s.up"
	StatusSubjectFormat         = "gateway.%s.status"
	DownlinkSubjectFormat       = "gateway.%s.down"
	DownlinkResultSubjectFormat = "gateway.%s.down.result"
)

// Config contains configuration for NATS
type Config struct {
	URL               string
	Username          string
	Password          string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

type subscription struct {
	sub      *nats.Subscription
	messages chan *types.DownlinkMessage
}

// NATS side of the bridge
type NATS struct {
	config        Config
	ctx           log.Interface
	conn          *nats.Conn
	mu            sync.Mutex
	subscriptions map[string]*subscription
}

// New returns a new NATS
func New(config Config, ctx log.Interface) (*NATS, error) {
	if config.URL == "" {
		return nil, errors.New("nats: no url configured")
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = 2 * time.Second
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = -1
	}
	return &NATS{
		config:        config,
		ctx:           ctx.WithField("Connector", "NATS"),
		subscriptions: make(map[string]*subscription),
	}, nil
}

// Connect to NATS
func (c *NATS) Connect() error {
	opts := []nats.Option{
		nats.Name("pktfwd-bridge"),
		nats.ReconnectWait(c.config.ReconnectInterval),
		nats.MaxReconnects(c.config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.ctx.WithError(err).Warn("Disconnected. Reconnecting...")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.ctx.WithField("URL", nc.ConnectedUrl()).Info("Reconnected")
		}),
	}
	if c.config.Username != "" {
		opts = append(opts, nats.UserInfo(c.config.Username, c.config.Password))
	}
	conn, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("Could not connect to NATS (%s)", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.ctx.Info("Connected")
	return nil
}

// Disconnect from NATS
func (c *NATS) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for gatewayID, s := range c.subscriptions {
		s.sub.Unsubscribe()
		close(s.messages)
		delete(c.subscriptions, gatewayID)
	}
	if c.conn != nil {
		c.conn.Drain()
		c.conn = nil
	}
	return nil
}

func (c *NATS) publish(subject string, msg []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("nats: not connected")
	}
	return conn.Publish(subject, msg)
}

// PublishUplink publishes an uplink message
func (c *NATS) PublishUplink(message *types.UplinkMessage) error {
	msg, err := proto.Marshal(message.Message)
	if err != nil {
		return err
	}
	return c.publish(fmt.Sprintf(UplinkSubjectFormat, message.GatewayID), msg)
}

// PublishStatus publishes a status message
func (c *NATS) PublishStatus(message *types.StatusMessage) error {
	msg, err := proto.Marshal(message.Message)
	if err != nil {
		return err
	}
	return c.publish(fmt.Sprintf(StatusSubjectFormat, message.GatewayID), msg)
}

// PublishDownlinkResult publishes the result of a downlink as JSON
func (c *NATS) PublishDownlinkResult(message *types.DownlinkResultMessage) error {
	msg, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.publish(fmt.Sprintf(DownlinkResultSubjectFormat, message.GatewayID), msg)
}

// SubscribeDownlink handles downlink messages for the given gateway ID
func (c *NATS) SubscribeDownlink(gatewayID string) (<-chan *types.DownlinkMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errors.New("nats: not connected")
	}
	if existing, ok := c.subscriptions[gatewayID]; ok {
		existing.sub.Unsubscribe()
		close(existing.messages)
		delete(c.subscriptions, gatewayID)
	}

	ctx := c.ctx.WithField("GatewayID", gatewayID)
	s := &subscription{messages: make(chan *types.DownlinkMessage, BufferSize)}
	sub, err := c.conn.Subscribe(fmt.Sprintf(DownlinkSubjectFormat, gatewayID), func(msg *nats.Msg) {
		downlink := types.DownlinkMessage{
			GatewayID: gatewayID,
			ID:        msg.Header.Get("Downlink-Id"),
			Message:   new(router.DownlinkMessage),
		}
		if downlink.ID == "" {
			downlink.ID = uuid.New().String()
		}
		if err := proto.Unmarshal(msg.Data, downlink.Message); err != nil {
			ctx.WithError(err).Warn("Could not unmarshal downlink message")
			return
		}
		downlink.Message.Trace = downlink.Message.Trace.WithEvent(trace.ReceiveEvent, "backend", "nats")
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.subscriptions[gatewayID] != s {
			return
		}
		select {
		case s.messages <- &downlink:
			ctx.WithField("ProtoSize", len(msg.Data)).Debug("Received downlink message")
		default:
			droppedCounter.WithLabelValues("downlink").Inc()
			ctx.Warn("Could not handle downlink message: buffer full")
		}
	})
	if err != nil {
		return nil, err
	}
	s.sub = sub
	c.subscriptions[gatewayID] = s
	ctx.Debug("Subscribed to downlink")
	return s.messages, nil
}

// UnsubscribeDownlink unsubscribes from downlink messages for the given gateway ID
func (c *NATS) UnsubscribeDownlink(gatewayID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subscriptions[gatewayID]
	if !ok {
		return nil
	}
	delete(c.subscriptions, gatewayID)
	close(s.messages)
	return s.sub.Unsubscribe()
}

// CleanupGateway removes the subscriptions that are left for the gateway
func (c *NATS) CleanupGateway(gatewayID string) {
	c.UnsubscribeDownlink(gatewayID)
}
