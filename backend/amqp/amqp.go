// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/TheThingsNetwork/api/router"
	"github.com/TheThingsNetwork/api/trace"
	"github.com/TheThingsNetwork/pktfwd-bridge/types"
	"github.com/apex/log"
	"github.com/gogo/protobuf/proto"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// DefaultExchangeName is the exchange that is used when none is configured
const DefaultExchangeName = "ttn.gateway"

// New returns a new AMQP
func New(config Config, ctx log.Interface) (*AMQP, error) {
	if config.Address == "" {
		return nil, errors.New("amqp: no address configured")
	}

	amqp := new(AMQP)

	if config.ExchangeName == "" {
		config.ExchangeName = DefaultExchangeName
	}

	if config.QueuePrefix == "" {
		config.QueuePrefix = "pktfwd-bridge"
	}

	if config.ConsumerPrefix == "" {
		config.ConsumerPrefix = "pktfwd-bridge"
		if user, err := user.Current(); err == nil {
			config.ConsumerPrefix += "-" + user.Username
		}
		if hostname, err := os.Hostname(); err == nil {
			config.ConsumerPrefix += "@" + hostname
		}
	}

	amqp.ctx = ctx.WithField("Connector", "AMQP")
	amqp.config = config
	amqp.publish.ch = make(chan publishMessage, BufferSize)
	amqp.subscriptions = make(map[string]*subscription)
	amqp.connection.Add(1)

	return amqp, nil
}

// BufferSize indicates the maximum number of AMQP messages that should be buffered
var BufferSize = 10

// Routing Key formats for uplink, status, downlink and downlink result messages
var (
	UplinkRoutingKeyFormat         = "%s.up"
	StatusRoutingKeyFormat         = "%s.status"
	DownlinkRoutingKeyFormat       = "%s.down"
	DownlinkResultRoutingKeyFormat = "%s.down.result"
)

// Config contains configuration for AMQP
type Config struct {
	Address        string
	Username       string
	Password       string
	VHost          string
	ExchangeName   string
	QueuePrefix    string
	ConsumerPrefix string
	TLSConfig      *tls.Config
}

func (c Config) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

type publishMessage struct {
	routingKey    string
	contentType   string
	messageID     string
	correlationID string
	message       []byte
}

type subscribeMessage struct {
	routingKey string
	id         string
	message    []byte
}

// deliveryID is the MessageId of the delivery, or its CorrelationId if it has none
func deliveryID(msg amqp.Delivery) string {
	if msg.MessageId != "" {
		return msg.MessageId
	}
	return msg.CorrelationId
}

type subscription struct {
	channel      *amqp.Channel
	consumerName string
	setupOnce    sync.Once
	cancelOnce   *sync.Once
	sync.WaitGroup
}

func (s *subscription) cancel() (err error) {
	if s.cancelOnce == nil {
		return nil
	}
	s.cancelOnce.Do(func() {
		err = s.channel.Cancel(s.consumerName, false)
	})
	return
}

// AMQP side of the bridge
type AMQP struct {
	config     Config
	ctx        log.Interface
	connection struct {
		*amqp.Connection
		sync.RWMutex
		sync.WaitGroup
		once sync.Once
	}
	publish struct {
		ch      chan publishMessage
		channel *amqp.Channel
		sync.Mutex
		once sync.Once
	}
	subscriptions    map[string]*subscription
	subscriptionLock sync.RWMutex
}

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

func (c *AMQP) connect() (err error) {
	var conn *amqp.Connection
	if c.config.TLSConfig != nil {
		conn, err = amqp.DialTLS(c.config.url(), c.config.TLSConfig)
	} else {
		conn, err = amqp.Dial(c.config.url())
	}
	if err != nil {
		return err
	}
	c.connection.Lock()
	c.connection.Connection = conn
	c.connection.Unlock()
	c.connection.once.Do(func() {
		c.connection.Done()
	})
	return c.setup()
}

func (c *AMQP) channel() (*amqp.Channel, error) {
	c.connection.Wait()
	c.connection.RLock()
	defer c.connection.RUnlock()
	if c.connection.Connection == nil {
		return nil, errors.New("amqp: not connected")
	}
	return c.connection.Channel()
}

func (c *AMQP) setup() (err error) {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclarePassive(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		c.ctx.WithError(err).Warnf("Exchange %s does not exist, trying to create...", c.config.ExchangeName)
		// A failed passive declare closes the channel
		ch, err := c.channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		if err := ch.ExchangeDeclare(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// Connect to AMQP
func (c *AMQP) Connect() error {
	go c.autoReconnect()
	return nil
}

// AutoReconnect connects to AMQP and automatically reconnects when the connection is lost
func (c *AMQP) autoReconnect() (err error) {
	for {
		retries := ConnectRetries
		for {
			err = c.connect()
			if err == nil {
				break // Connected, break without err
			}
			c.ctx.WithError(err).Warn("Error trying to connect")
			retries--
			if retries <= 0 {
				break // Out of retries, break with err
			}
			time.Sleep(ConnectRetryDelay)
		}
		if err != nil {
			break // Unable to connect, stop trying
		}

		c.ctx.Info("Connected")

		// Monitor the connection and reconnect on error
		ch := make(chan *amqp.Error)
		c.connection.RLock()
		c.connection.NotifyClose(ch)
		c.connection.RUnlock()
		if amqpErr, hasErr := <-ch; hasErr {
			err = errors.New(amqpErr.Error())
		} else {
			break
		}
		c.ctx.WithError(err).Warn("Connection closed")
		time.Sleep(ConnectRetryDelay)
	}
	if err != nil {
		c.ctx.WithError(err).Error("Could not connect")
		// Unblock callers waiting for the first connection
		c.connection.once.Do(func() {
			c.connection.Done()
		})
	} else {
		c.ctx.Info("Connection closed")
	}
	return
}

// Disconnect from AMQP
func (c *AMQP) Disconnect() error {
	c.connection.RLock()
	defer c.connection.RUnlock()
	if c.connection.Connection == nil {
		return nil
	}
	return c.connection.Close()
}

func (c *AMQP) autoRecreatePublishChannel() (err error) {
	var channel *amqp.Channel
	for {
		retries := ConnectRetries
		for {
			channel, err = c.channel()
			if err == nil {
				break // Got channel, break without err
			}
			c.ctx.WithError(err).Warn("Error trying to get channel")
			retries--
			if retries <= 0 {
				break // Out of retries, break with err
			}
			time.Sleep(ConnectRetryDelay)
		}
		if err != nil {
			break // Unable to get channel, stop trying
		}

		c.ctx.Info("Got publish channel")
		c.publish.Lock()
		c.publish.channel = channel
		c.publish.Unlock()

		// Monitor the channel
		ch := make(chan *amqp.Error)
		channel.NotifyClose(ch)

	handle:
		for {
			select {
			case amqpErr, hasErr := <-ch:
				if hasErr {
					err = errors.New(amqpErr.Error())
					break handle
				}
				break handle
			case msg, ok := <-c.publish.ch:
				if !ok {
					break handle
				}
				ctx := c.ctx.WithField("RoutingKey", msg.routingKey)
				err := channel.Publish(c.config.ExchangeName, msg.routingKey, false, false, amqp.Publishing{
					DeliveryMode:  amqp.Persistent,
					Timestamp:     time.Now(),
					ContentType:   msg.contentType,
					MessageId:     msg.messageID,
					CorrelationId: msg.correlationID,
					Body:          msg.message,
				})
				if err != nil {
					ctx.WithError(err).Warn("Error during publish")
				} else {
					ctx.Debug("Published message")
				}
			}
		}
		if err == nil {
			break
		}
		c.ctx.WithError(err).Warn("Publish channel closed")
		time.Sleep(ConnectRetryDelay)
	}
	if err != nil {
		c.ctx.WithError(err).Error("Error in publish channel")
	} else {
		c.ctx.Info("Publish channel closed")
	}
	return
}

// Publish a message to a routing key
func (c *AMQP) Publish(routingKey string, message []byte) error {
	return c.enqueue(publishMessage{routingKey: routingKey, contentType: "application/octet-stream", message: message})
}

func (c *AMQP) enqueue(msg publishMessage) error {
	c.publish.once.Do(func() {
		go c.autoRecreatePublishChannel()
	})
	select {
	case c.publish.ch <- msg:
	default:
		droppedCounter.WithLabelValues("publish").Inc()
		c.ctx.WithField("RoutingKey", msg.routingKey).Warn("Not publishing message [buffer full]")
	}
	return nil
}

func (c *AMQP) subscribe(routingKey string) (chan subscribeMessage, error) {
	channel, err := c.channel()
	if err != nil {
		return nil, err
	}
	defer channel.Close()
	queueName := fmt.Sprintf("%s.%s", c.config.QueuePrefix, routingKey)
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, err
	}
	if err := channel.QueueBind(queueName, routingKey, c.config.ExchangeName, false, nil); err != nil {
		return nil, err
	}
	sub := new(subscription)
	sub.Add(1)
	c.subscriptionLock.Lock()
	c.subscriptions[routingKey] = sub
	c.subscriptionLock.Unlock()
	subscribeMessages := make(chan subscribeMessage, BufferSize)
	go func() {
		var channel *amqp.Channel
		for {
			retries := ConnectRetries
			for {
				channel, err = c.channel()
				if err == nil {
					break // Got channel, break without err
				}
				c.ctx.WithError(err).Warn("Error trying to get channel")
				retries--
				if retries <= 0 {
					break // Out of retries, break with err
				}
				time.Sleep(ConnectRetryDelay)
			}
			if err != nil {
				break // Unable to get channel, stop trying
			}

			consumerName := c.config.ConsumerPrefix + "-" + queueName

			c.subscriptionLock.Lock()
			sub.channel = channel
			sub.cancelOnce = new(sync.Once)
			sub.consumerName = consumerName
			c.subscriptionLock.Unlock()

			c.ctx.WithField("RoutingKey", routingKey).Info("Got subscribe channel")

			// Monitor the channel
			ch := make(chan *amqp.Error)
			channel.NotifyClose(ch)

			err = channel.Qos(1, 0, false)
			if err != nil {
				break
			}

			subscribe, cErr := channel.Consume(queueName, consumerName, false, false, false, false, nil)
			if cErr != nil {
				err = cErr
				break
			}
			sub.setupOnce.Do(sub.Done)

		handle:
			for {
				select {
				case amqpErr, hasErr := <-ch:
					if hasErr {
						err = errors.New(amqpErr.Error())
						break handle
					}
					break handle
				case msg, ok := <-subscribe:
					if !ok {
						break handle
					}
					c.ctx.WithField("RoutingKey", msg.RoutingKey).Debug("Receiving message")
					subscribeMessages <- subscribeMessage{routingKey: msg.RoutingKey, id: deliveryID(msg), message: msg.Body}
					msg.Ack(false)
				}
			}
			if err == nil {
				break
			}
			c.ctx.WithError(err).Warn("Subscribe channel closed")
			time.Sleep(ConnectRetryDelay)
		}
		sub.setupOnce.Do(sub.Done)
		if err != nil {
			c.ctx.WithError(err).Error("Error in subscribe channel")
		} else {
			c.ctx.Info("Subscribe channel closed")
		}
		close(subscribeMessages)
	}()
	return subscribeMessages, nil
}

func (c *AMQP) unsubscribe(routingKey string) error {
	c.subscriptionLock.Lock()
	sub, ok := c.subscriptions[routingKey]
	delete(c.subscriptions, routingKey)
	c.subscriptionLock.Unlock()
	if !ok {
		return nil
	}
	sub.Wait()
	if err := sub.cancel(); err != nil {
		return err
	}
	channel, err := c.channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	queueName := fmt.Sprintf("%s.%s", c.config.QueuePrefix, routingKey)
	lost, err := channel.QueueDelete(queueName, true, false, false)
	if err != nil {
		return err
	}
	if lost > 0 {
		c.ctx.WithField("NumMessages", lost).Warn("Lost messages in unsubscribe")
	}
	return nil
}

// PublishUplink publishes an uplink message
func (c *AMQP) PublishUplink(message *types.UplinkMessage) error {
	msg, err := proto.Marshal(message.Message)
	if err != nil {
		return err
	}
	return c.Publish(fmt.Sprintf(UplinkRoutingKeyFormat, message.GatewayID), msg)
}

// PublishStatus publishes a status message
func (c *AMQP) PublishStatus(message *types.StatusMessage) error {
	msg, err := proto.Marshal(message.Message)
	if err != nil {
		return err
	}
	return c.Publish(fmt.Sprintf(StatusRoutingKeyFormat, message.GatewayID), msg)
}

// PublishDownlinkResult publishes the result of a downlink as JSON
func (c *AMQP) PublishDownlinkResult(message *types.DownlinkResultMessage) error {
	msg, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.enqueue(publishMessage{
		routingKey:    fmt.Sprintf(DownlinkResultRoutingKeyFormat, message.GatewayID),
		contentType:   "application/json",
		correlationID: message.ID,
		message:       msg,
	})
}

// SubscribeDownlink handles downlink messages for the given gateway ID
func (c *AMQP) SubscribeDownlink(gatewayID string) (<-chan *types.DownlinkMessage, error) {
	ctx := c.ctx.WithField("GatewayID", gatewayID)
	messages := make(chan *types.DownlinkMessage, BufferSize)
	downlink, err := c.subscribe(fmt.Sprintf(DownlinkRoutingKeyFormat, gatewayID))
	if err != nil {
		return nil, err
	}
	go func() {
		for msg := range downlink {
			downlink := types.DownlinkMessage{
				GatewayID: gatewayID,
				ID:        msg.id,
				Message:   new(router.DownlinkMessage),
			}
			if downlink.ID == "" {
				downlink.ID = uuid.New().String()
			}
			if err := proto.Unmarshal(msg.message, downlink.Message); err != nil {
				ctx.WithError(err).Warn("Could not unmarshal downlink message")
				continue
			}
			downlink.Message.Trace = downlink.Message.Trace.WithEvent(trace.ReceiveEvent, "backend", "amqp")
			select {
			case messages <- &downlink:
				ctx.Debug("Received downlink message")
			default:
				droppedCounter.WithLabelValues("downlink").Inc()
				ctx.Warn("Could not handle downlink message: buffer full")
			}
		}
		close(messages)
	}()
	return messages, nil
}

// UnsubscribeDownlink unsubscribes from downlink messages for the given gateway ID
func (c *AMQP) UnsubscribeDownlink(gatewayID string) error {
	return c.unsubscribe(fmt.Sprintf(DownlinkRoutingKeyFormat, gatewayID))
}

// CleanupGateway removes the subscriptions that are left for the gateway
func (c *AMQP) CleanupGateway(gatewayID string) {
	if err := c.UnsubscribeDownlink(gatewayID); err != nil {
		c.ctx.WithField("GatewayID", gatewayID).WithError(err).Warn("Could not clean up gateway")
	}
}
