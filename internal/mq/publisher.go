package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn     *Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, err
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// ReadingSavedEvent is published once per reading after its batch commits
type ReadingSavedEvent struct {
	EventID     string `json:"event_id"`
	CommunityID int64  `json:"community_id,omitempty"`
	FieldUserID string `json:"field_user_id,omitempty"`
	MeterID     string `json:"meter_id"`
	AmrID       string `json:"amr_id,omitempty"`
	Reading     string `json:"reading"`
	ReadingDate string `json:"reading_date"`
	InputType   string `json:"input_type"`
	Created     bool   `json:"created"`
	SavedAt     string `json:"saved_at"`
}

// PublishReadingSaved publishes a saved reading event
func (p *Publisher) PublishReadingSaved(ctx context.Context, event ReadingSavedEvent, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.EventID,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published reading saved event",
		zap.String("routing_key", routingKey),
		zap.String("meter_id", event.MeterID),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct{}

// PublishReadingSaved implements the publisher contract without sending anything
func (NopPublisher) PublishReadingSaved(context.Context, ReadingSavedEvent, string) error {
	return nil
}
