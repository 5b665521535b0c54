package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	qosAtLeastOnce = 1
	retryDelay     = 5 * time.Second
)

var ErrTimeout = errors.New("mqtt operation timed out")

// Options configure the MQTT connection.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Client is the device's MQTT connection. Messages on subscribed filters are
// delivered to the Router without being acknowledged; the receiver owns the ack.
type Client struct {
	logger         zerolog.Logger
	client         mqtt.Client
	router         *Router
	publishTimeout time.Duration
	connectTimeout time.Duration

	mu      sync.Mutex
	filters []string
}

func NewClient(opts Options, router *Router, logger zerolog.Logger) *Client {
	c := &Client{
		logger:         logger,
		router:         router,
		publishTimeout: opts.PublishTimeout,
		connectTimeout: opts.ConnectTimeout,
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = 30 * time.Second
	}
	if c.publishTimeout <= 0 {
		c.publishTimeout = 5 * time.Second
	}

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetAutoAckDisabled(true).
		SetConnectTimeout(c.connectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.logger.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
		})

	c.client = mqtt.NewClient(mqttOpts)
	return c
}

// Connect blocks until the first connection succeeds or ctx is done,
// retrying every few seconds.
func (c *Client) Connect(ctx context.Context) error {
	for {
		c.logger.Info().Msg("Connecting to MQTT broker...")
		err := waitToken(c.client.Connect(), c.connectTimeout)
		if err == nil {
			return nil
		}
		c.logger.Warn().Err(err).Msgf("MQTT connect failed. Retrying in %s...", retryDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Subscribe subscribes filter at QoS 1 and remembers it for reconnects.
func (c *Client) Subscribe(filter string) error {
	c.mu.Lock()
	c.filters = append(c.filters, filter)
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(filter)
}

func (c *Client) subscribe(filter string) error {
	token := c.client.Subscribe(filter, qosAtLeastOnce, c.deliver)
	if err := waitToken(token, c.connectTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	c.logger.Debug().Str("filter", filter).Msg("Subscribed")
	return nil
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.logger.Info().Msg("Connected to MQTT broker")

	c.mu.Lock()
	filters := append([]string(nil), c.filters...)
	c.mu.Unlock()

	for _, f := range filters {
		if err := c.subscribe(f); err != nil {
			c.logger.Error().Err(err).Msg("Resubscribe failed")
		}
	}
}

func (c *Client) deliver(_ mqtt.Client, msg mqtt.Message) {
	c.router.HandleMessage(msg)
}

// Publish sends payload at least once without the retain flag.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, qosAtLeastOnce, false, payload)
	if err := waitToken(token, c.publishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, giving in-flight work a short grace period.
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Debug().Msg("Disconnected from MQTT broker")
}

func waitToken(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return token.Error()
}
