// Package messaging publishes finished session results to an AMQP queue.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"aura-coach/pkg/config"
	"aura-coach/pkg/metrics"
	"aura-coach/pkg/session"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// ResultMessage is the body published for every finished session
type ResultMessage struct {
	SessionID      string         `json:"session_id"`
	LocalSessionID string         `json:"local_session_id"`
	Submitted      bool           `json:"submitted"`
	Result         session.Result `json:"result"`
	Timestamp      time.Time      `json:"timestamp"`
}

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL          string
	QueueName    string
	ExchangeName string
	RoutingKey   string
	Durable      bool
}

// channel is the subset of *amqp.Channel the client publishes through
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPClient publishes session results and reconnects when the broker drops it
type AMQPClient struct {
	logger *logrus.Logger
	config AMQPConfig

	connMutex sync.RWMutex
	conn      *amqp.Connection
	channel   channel
	connected bool
	stopChan  chan struct{}
}

// NewAMQPClient creates a new AMQP client
func NewAMQPClient(logger *logrus.Logger, cfg config.MessagingConfig) *AMQPClient {
	return &AMQPClient{
		logger: logger,
		config: AMQPConfig{
			URL:          cfg.AMQPUrl,
			QueueName:    cfg.QueueName,
			ExchangeName: cfg.ExchangeName,
			RoutingKey:   cfg.QueueName,
			Durable:      true,
		},
		stopChan: make(chan struct{}),
	}
}

// Connect dials the broker, opens a channel and declares the result queue
func (c *AMQPClient) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}
	if c.config.URL == "" || c.config.QueueName == "" {
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	conn, err := amqp.DialConfig(c.config.URL, amqp.Config{
		Dial: amqp.DefaultDial(5 * time.Second),
	})
	if err != nil {
		metrics.SetAMQPConnectionStatus(false)
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.config.QueueName,
		c.config.Durable, // Durable
		false,            // Delete when unused
		false,            // Exclusive
		false,            // No-wait
		nil,              // Arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	c.conn = conn
	c.channel = ch
	c.connected = true
	c.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	c.logger.WithFields(logrus.Fields{
		"url":   c.config.URL,
		"queue": c.config.QueueName,
	}).Info("Connected to AMQP server")

	go c.monitorConnection(conn, c.stopChan)
	return nil
}

// Disconnect closes the AMQP connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}

	if !c.connected {
		return
	}

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.channel = nil
	c.conn = nil
	c.connected = false
	metrics.SetAMQPConnectionStatus(false)

	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// Deliver publishes a finished session result. It satisfies session.ReportSink.
func (c *AMQPClient) Deliver(ctx context.Context, result session.Result) error {
	local := result.Snapshot.Record.SessionID
	id := result.SessionID
	if id == "" {
		id = local
	}

	body, err := json.Marshal(ResultMessage{
		SessionID:      id,
		LocalSessionID: local,
		Submitted:      result.SessionID != "",
		Result:         result,
		Timestamp:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session result: %w", err)
	}

	c.connMutex.RLock()
	ch, connected := c.channel, c.connected
	c.connMutex.RUnlock()

	if !connected || ch == nil {
		metrics.RecordAMQPPublish(c.config.QueueName, "not_connected")
		return fmt.Errorf("not connected to AMQP server")
	}

	publishErr := make(chan error, 1)
	go func() {
		publishErr <- ch.Publish(
			c.config.ExchangeName, // Exchange
			c.config.RoutingKey,   // Routing key
			false,                 // Mandatory
			false,                 // Immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				MessageId:    id,
				Type:         "coaching.session.result",
			},
		)
	}()

	select {
	case err := <-publishErr:
		if err != nil {
			metrics.RecordAMQPPublish(c.config.QueueName, "failed")
			return fmt.Errorf("failed to publish session result to AMQP: %w", err)
		}
	case <-ctx.Done():
		metrics.RecordAMQPPublish(c.config.QueueName, "timeout")
		return fmt.Errorf("publishing session result to AMQP: %w", ctx.Err())
	}

	metrics.RecordAMQPPublish(c.config.QueueName, "success")
	c.logger.WithFields(logrus.Fields{
		"session_id": id,
		"queue":      c.config.QueueName,
	}).Debug("Published session result to AMQP")
	return nil
}

// monitorConnection reconnects with backoff when the broker closes the connection
func (c *AMQPClient) monitorConnection(conn *amqp.Connection, stop chan struct{}) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-stop:
		return
	case closeErr, ok := <-closeChan:
		if !ok {
			return
		}
		c.connMutex.Lock()
		c.connected = false
		c.channel = nil
		c.conn = nil
		c.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)

		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")
	}

	for attempt := 1; attempt <= 10; attempt++ {
		err := c.Connect()
		if err == nil {
			c.logger.Info("Successfully reconnected to AMQP server")
			return
		}
		c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")

		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
	}
}
