package mq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/field-readings/internal/logging"
	"go.uber.org/zap"
)

// ErrPermanent marks a failure that no redelivery can fix, such as a malformed batch.
var ErrPermanent = errors.New("permanent failure")

// MessageHandler is a function that processes a message
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer feeds queued reading batches to a handler, one delivery at a time
type Consumer struct {
	conn             *Connection
	channel          *amqp.Channel
	queue            string
	dlqQueue         string
	exchange         string
	routingKey       string
	prefetchCount    int
	logger           *zap.Logger
	messageProcessor MessageHandler
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection       *Connection
	Queue            string
	DLQQueue         string
	Exchange         string
	RoutingKey       string
	PrefetchCount    int
	Logger           *zap.Logger
	MessageProcessor MessageHandler
}

// NewConsumer opens a channel and declares the submit topology: a topic
// exchange, the work queue bound to it, and a DLQ fed by the default exchange.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareSubmitTopology(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		conn:             cfg.Connection,
		channel:          ch,
		queue:            cfg.Queue,
		dlqQueue:         cfg.DLQQueue,
		exchange:         cfg.Exchange,
		routingKey:       cfg.RoutingKey,
		prefetchCount:    cfg.PrefetchCount,
		logger:           cfg.Logger,
		messageProcessor: cfg.MessageProcessor,
	}, nil
}

func declareSubmitTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		return err
	}

	// The DLQ must exist before the work queue starts dead-lettering into it
	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", cfg.DLQQueue, err)
	}

	dlx := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, dlx); err != nil {
		// A queue declared earlier without DLX arguments closes the channel
		// with PRECONDITION_FAILED; there is no recovering on this channel.
		return fmt.Errorf("failed to declare queue %s with dead-lettering to %s: %w", cfg.Queue, cfg.DLQQueue, err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", cfg.Queue, cfg.Exchange, err)
	}

	return nil
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.processMessage(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	c.logger.Info("received batch from queue",
		zap.String("queue", c.queue),
		zap.String("message_id", msg.MessageId),
		zap.Bool("redelivered", msg.Redelivered),
		zap.Int("body_size", len(msg.Body)),
	)

	msgLogger := c.logger
	if msg.MessageId != "" {
		msgLogger = logging.WithRequestID(c.logger, msg.MessageId)
	}

	err := c.messageProcessor(logging.IntoContext(ctx, msgLogger), msg.Body)
	d := decide(err, msg.Redelivered)
	if settleErr := settle(msg, d); settleErr != nil {
		c.logger.Error("failed to settle message", zap.Error(settleErr), zap.String("message_id", msg.MessageId))
		return
	}

	switch d {
	case dispositionAck:
		c.logger.Info("batch processed and acknowledged",
			zap.String("message_id", msg.MessageId),
		)
	case dispositionRequeue:
		c.logger.Warn("batch failed, requeued for one retry",
			zap.Error(err),
			zap.String("message_id", msg.MessageId),
		)
	default:
		c.logger.Error("batch failed, dead-lettered",
			zap.Error(err),
			zap.String("message_id", msg.MessageId),
		)
	}
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionDeadLetter
)

// decide maps a processing outcome to a settlement. Permanent failures go
// straight to the DLQ; transient ones get one redelivery first.
func decide(err error, redelivered bool) disposition {
	switch {
	case err == nil:
		return dispositionAck
	case errors.Is(err, ErrPermanent), redelivered:
		return dispositionDeadLetter
	default:
		return dispositionRequeue
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func settle(msg acknowledger, d disposition) error {
	switch d {
	case dispositionAck:
		return msg.Ack(false)
	case dispositionRequeue:
		return msg.Nack(false, true)
	default:
		// NACK with requeue=false sends to DLQ
		return msg.Nack(false, false)
	}
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
