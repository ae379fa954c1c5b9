package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/iot-smartfarm/internal/pkg/infrastructure/logging"
)

//MessageHandler is called for every message received on a subscribed topic
type MessageHandler func(topic string, payload []byte)

const (
	qos            byte = 1
	operationWait       = 10 * time.Second
	disconnectWait uint = 250
)

//Client owns the connection to the broker. Subscriptions are remembered and
//restored whenever the connection is re-established.
type Client struct {
	impl paho.Client
	log  logging.Logger

	mu            sync.Mutex
	subscriptions map[string]MessageHandler
}

//NewClient configures a client without connecting it
func NewClient(cfg config.MQTTConfig, log logging.Logger) *Client {
	c := &Client{
		log:           log,
		subscriptions: map[string]MessageHandler{},
	}

	paho.ERROR = logging.Std()
	paho.CRITICAL = logging.Std()

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(20 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(20 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(3 * time.Second)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Errorf("MQTT connection lost: %s", err.Error())
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		log.Infof("MQTT connection to %s established", cfg.BrokerURL)
		c.resubscribe()
	})

	c.impl = paho.NewClient(opts)
	return c
}

//Connect blocks until the broker accepts the connection or ctx is done
func (c *Client) Connect(ctx context.Context) error {
	token := c.impl.Connect()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("gave up connecting to mqtt broker: %w", ctx.Err())
	}
}

//Subscribe registers handler for a topic filter. The subscription survives reconnects.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	if !c.impl.IsConnectionOpen() {
		// picked up by the on connect handler
		return nil
	}

	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler MessageHandler) error {
	token := c.impl.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})

	if !token.WaitTimeout(operationWait) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}

	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s failed: %w", topic, token.Error())
	}

	c.log.Infof("Subscribed to topic %s", topic)
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subs[topic] = handler
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		// subscribing from within the on connect callback must not block the paho router
		go func(topic string, handler MessageHandler) {
			if err := c.subscribe(topic, handler); err != nil {
				c.log.Errorf("Failed to restore subscription: %s", err.Error())
			}
		}(topic, handler)
	}
}

//Publish sends payload on topic and waits for the broker to acknowledge it
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.impl.IsConnectionOpen() {
		return errors.New("mqtt client is not connected")
	}

	token := c.impl.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(operationWait) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}

	return token.Error()
}

//PublishAsync hands payload to the client without waiting for the broker.
//Delivery failures are only logged.
func (c *Client) PublishAsync(topic string, payload []byte) error {
	if !c.impl.IsConnectionOpen() {
		return errors.New("mqtt client is not connected")
	}

	token := c.impl.Publish(topic, qos, false, payload)

	go func() {
		if !token.WaitTimeout(operationWait) {
			c.log.Warnf("No acknowledgement for message on %s after %s", topic, operationWait)
			return
		}

		if err := token.Error(); err != nil {
			c.log.Errorf("Publishing to %s failed: %s", topic, err.Error())
		}
	}()

	return nil
}

//IsConnected reports whether the connection to the broker is currently up
func (c *Client) IsConnected() bool {
	return c.impl != nil && c.impl.IsConnectionOpen()
}

//Close disconnects from the broker, waiting briefly for in flight work
func (c *Client) Close() {
	if c.impl.IsConnected() {
		c.impl.Disconnect(disconnectWait)
	}
}
