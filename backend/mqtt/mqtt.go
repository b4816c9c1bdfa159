// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TheThingsNetwork/api/router"
	"github.com/TheThingsNetwork/api/trace"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/TheThingsNetwork/ttn/utils/random"
	"github.com/apex/log"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gogo/protobuf/proto"
	"github.com/google/uuid"
)

// PublishTimeout is the timeout before returning from publish without checking error
var PublishTimeout = 50 * time.Millisecond

// New returns a new MQTT
func New(config Config, ctx log.Interface) (*MQTT, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("mqtt: no brokers configured")
	}

	mqtt := new(MQTT)

	mqtt.ctx = ctx.WithField("Connector", "MQTT")

	mqttOpts := paho.NewClientOptions()
	for _, broker := range config.Brokers {
		mqttOpts.AddBroker(broker)
	}
	if config.TLSConfig != nil {
		mqttOpts.SetTLSConfig(config.TLSConfig)
	}
	mqttOpts.SetClientID(fmt.Sprintf("pktfwd-bridge-%s", random.String(16)))
	mqttOpts.SetUsername(config.Username)
	mqttOpts.SetPassword(config.Password)
	mqttOpts.SetKeepAlive(30 * time.Second)
	mqttOpts.SetPingTimeout(10 * time.Second)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		mqtt.ctx.Warnf("Received unhandled message on MQTT: %v", msg)
	})

	mqtt.subscriptions = make(map[string]subscription)
	var reconnecting bool
	mqttOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		mqtt.ctx.Warnf("Disconnected (%s). Reconnecting...", err.Error())
		reconnecting = true
	})
	mqttOpts.SetOnConnectHandler(func(_ paho.Client) {
		mqtt.ctx.Info("Connected")
		if reconnecting {
			mqtt.resubscribe()
			reconnecting = false
		}
	})

	mqtt.client = paho.NewClient(mqttOpts)

	return mqtt, nil
}

// QoS indicates the MQTT Quality of Service level.
// 0: The broker/client will deliver the message once, with no confirmation.
// 1: The broker/client will deliver the message at least once, with confirmation required.
// 2: The broker/client will deliver the message exactly once by using a four step handshake.
var (
	PublishQoS   byte = 0x00
	SubscribeQoS byte = 0x00
)

// BufferSize indicates the maximum number of MQTT messages that should be buffered
var BufferSize = 10

// Topic formats for uplink, status, downlink and downlink result messages.
// A downlink published on DownlinkIDTopicFormat keeps its ID in the result;
// a downlink on DownlinkTopicFormat gets a random ID.
var (
	UplinkTopicFormat            = "%s/up"
	StatusTopicFormat            = "%s/status"
	DownlinkTopicFormat          = "%s/down"
	DownlinkIDTopicFormat        = "%s/down/%s"
	DownlinkSubscribeTopicFormat = "%s/down/#"
	DownlinkResultTopicFormat    = "%s/down/result"
)

const resultTopicLevel = "result"

// downlinkID returns the downlink ID in the topic, and false if the topic
// does not carry a downlink for the gateway
func downlinkID(gatewayID, topic string) (string, bool) {
	base := fmt.Sprintf(DownlinkTopicFormat, gatewayID)
	if topic == base {
		return "", true
	}
	id := strings.TrimPrefix(topic, base+"/")
	if id == topic || id == "" || id == resultTopicLevel || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Config contains configuration for MQTT
type Config struct {
	Brokers   []string
	Username  string
	Password  string
	TLSConfig *tls.Config
}

type subscription struct {
	handler paho.MessageHandler
	cancel  func()
}

// MQTT side of the bridge
type MQTT struct {
	ctx           log.Interface
	client        paho.Client
	subscriptions map[string]subscription
	mu            sync.Mutex
}

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

// Connect to MQTT
func (c *MQTT) Connect() error {
	var err error
	for retries := 0; retries < ConnectRetries; retries++ {
		token := c.client.Connect()
		finished := token.WaitTimeout(1 * time.Second)
		if !finished {
			c.ctx.Warn("MQTT connection took longer than expected...")
			token.Wait()
		}
		err = token.Error()
		if err == nil {
			break
		}
		c.ctx.Warnf("Could not connect to MQTT (%s). Retrying...", err.Error())
		<-time.After(ConnectRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("Could not connect to MQTT (%s)", err)
	}
	return err
}

// Disconnect from MQTT
func (c *MQTT) Disconnect() error {
	c.mu.Lock()
	for topic, subscription := range c.subscriptions {
		if subscription.cancel != nil {
			subscription.cancel()
		}
		delete(c.subscriptions, topic)
	}
	c.mu.Unlock()
	c.client.Disconnect(100)
	return nil
}

func (c *MQTT) publish(topic string, msg []byte) paho.Token {
	return c.client.Publish(topic, PublishQoS, false, msg)
}

// publishAsync publishes and logs the outcome in the background
func (c *MQTT) publishAsync(ctx log.Interface, topic, kind string, msg []byte) error {
	token := c.publish(topic, msg)
	if token.WaitTimeout(PublishTimeout) {
		if err := token.Error(); err != nil {
			return err
		}
		ctx.WithField("Size", len(msg)).Debugf("Published %s message", kind)
		return nil
	}
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			ctx.WithError(err).Warnf("Could not publish %s message", kind)
			return
		}
		ctx.WithField("Size", len(msg)).Debugf("Published %s message", kind)
	}()
	return nil
}

func (c *MQTT) subscribe(topic string, handler paho.MessageHandler, cancel func()) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	wrappedHandler := func(client paho.Client, msg paho.Message) {
		if msg.Retained() {
			c.ctx.WithField("Topic", msg.Topic()).Debug("Ignore retained message")
			return
		}
		handler(client, msg)
	}
	if existing, ok := c.subscriptions[topic]; ok && existing.cancel != nil {
		existing.cancel()
	}
	c.subscriptions[topic] = subscription{wrappedHandler, cancel}
	return c.client.Subscribe(topic, SubscribeQoS, wrappedHandler)
}

func (c *MQTT) resubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, subscription := range c.subscriptions {
		c.client.Subscribe(topic, SubscribeQoS, subscription.handler)
	}
}

func (c *MQTT) unsubscribe(topic string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subscription, ok := c.subscriptions[topic]; ok && subscription.cancel != nil {
		subscription.cancel()
	}
	delete(c.subscriptions, topic)
	return c.client.Unsubscribe(topic)
}

// PublishUplink publishes an uplink message on the gateway's uplink topic
func (c *MQTT) PublishUplink(message *types.UplinkMessage) error {
	ctx := c.ctx.WithField("GatewayID", message.GatewayID)
	msg, err := proto.Marshal(message.Message)
	if err != nil {
		return err
	}
	return c.publishAsync(ctx, fmt.Sprintf(UplinkTopicFormat, message.GatewayID), "uplink", msg)
}

// PublishStatus publishes a status message on the gateway's status topic
func (c *MQTT) PublishStatus(message *types.StatusMessage) error {
	ctx := c.ctx.WithField("GatewayID", message.GatewayID)
	msg, err := proto.Marshal(message.Message)
	if err != nil {
		return err
	}
	return c.publishAsync(ctx, fmt.Sprintf(StatusTopicFormat, message.GatewayID), "status", msg)
}

// PublishDownlinkResult publishes the result of a downlink as JSON
func (c *MQTT) PublishDownlinkResult(message *types.DownlinkResultMessage) error {
	ctx := c.ctx.WithFields(log.Fields{
		"GatewayID":  message.GatewayID,
		"DownlinkID": message.ID,
	})
	msg, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.publishAsync(ctx, fmt.Sprintf(DownlinkResultTopicFormat, message.GatewayID), "downlink result", msg)
}

// SubscribeDownlink handles downlink messages for the given gateway ID
func (c *MQTT) SubscribeDownlink(gatewayID string) (<-chan *types.DownlinkMessage, error) {
	ctx := c.ctx.WithField("GatewayID", gatewayID)
	messages := make(chan *types.DownlinkMessage, BufferSize)

	var mu sync.RWMutex
	var closed bool

	token := c.subscribe(fmt.Sprintf(DownlinkSubscribeTopicFormat, gatewayID), func(_ paho.Client, msg paho.Message) {
		id, ok := downlinkID(gatewayID, msg.Topic())
		if !ok {
			return
		}
		if id == "" {
			id = uuid.New().String()
		}
		downlink := types.DownlinkMessage{
			GatewayID: gatewayID,
			ID:        id,
			Message:   new(router.DownlinkMessage),
		}
		if err := proto.Unmarshal(msg.Payload(), downlink.Message); err != nil {
			ctx.WithError(err).Warn("Could not unmarshal downlink message")
			return
		}
		downlink.Message.Trace = downlink.Message.Trace.WithEvent(trace.ReceiveEvent, "backend", "mqtt")
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		select {
		case messages <- &downlink:
			ctx.WithField("ProtoSize", len(msg.Payload())).Debug("Received downlink message")
		default:
			droppedCounter.WithLabelValues("downlink").Inc()
			ctx.Warn("Could not handle downlink message: buffer full")
		}
	}, func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(messages)
		}
	})
	token.Wait()
	return messages, token.Error()
}

// UnsubscribeDownlink unsubscribes from downlink messages for the given gateway ID
func (c *MQTT) UnsubscribeDownlink(gatewayID string) error {
	token := c.unsubscribe(fmt.Sprintf(DownlinkSubscribeTopicFormat, gatewayID))
	token.Wait()
	return token.Error()
}

// CleanupGateway removes the subscriptions that are left for the gateway
func (c *MQTT) CleanupGateway(gatewayID string) {
	topic := fmt.Sprintf(DownlinkSubscribeTopicFormat, gatewayID)
	c.mu.Lock()
	_, ok := c.subscriptions[topic]
	c.mu.Unlock()
	if ok {
		c.UnsubscribeDownlink(gatewayID)
	}
}
