package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	stateExchange = "hosting.deployments"
	publishWait   = 5 * time.Second
)

// AmqpPublisher mirrors deployment state transitions onto a topic
// exchange so out-of-process consumers (billing, notifications) can
// follow the fleet. Routing keys are "deployment.<state>".
type AmqpPublisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	log     *zap.Logger
}

func NewAmqpPublisher(url string, log *zap.Logger) (*AmqpPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		stateExchange, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AmqpPublisher{
		conn:    conn,
		channel: ch,
		log:     log,
	}, nil
}

// Forward is wired as the broker's tap. State transitions are
// published; log events stay in process.
func (p *AmqpPublisher) Forward(ev Event) {
	if ev.Type != TypeState {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("failed to marshal deployment event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishWait)
	defer cancel()

	err = p.channel.PublishWithContext(ctx,
		stateExchange,
		"deployment."+ev.State,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    ev.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		p.log.Error("failed to publish deployment event",
			zap.String("deployment_id", ev.DeploymentID),
			zap.String("state", ev.State),
			zap.Error(err),
		)
	}
}

func (p *AmqpPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}
