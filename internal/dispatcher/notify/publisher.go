// Package notify announces completed jobs to downstream consumers.
package notify

import (
	"context"
	"fmt"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
	"github.com/cuongbtq/media-dispatch/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher kinds
const (
	KindSQS      = "sqs"
	KindRabbitMQ = "rabbitmq"
)

// Publisher posts a completion signal for a job
type Publisher interface {
	Publish(ctx context.Context, job *domain.JobMessage) error
}

// CompletionSender is satisfied by the queue client
type CompletionSender interface {
	SendCompletion(ctx context.Context, queueURL, body string) error
}

// SQSPublisher re-submits the job body to a queue, the source queue by default
type SQSPublisher struct {
	sender   CompletionSender
	queueURL string
}

// NewSQSPublisher creates a publisher posting to queueURL
func NewSQSPublisher(sender CompletionSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{sender: sender, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, job *domain.JobMessage) error {
	if err := p.sender.SendCompletion(ctx, p.queueURL, job.Body); err != nil {
		return fmt.Errorf("failed to publish completion for %s: %w", job.ID, err)
	}
	return nil
}

// AMQPPublisher is satisfied by the RabbitMQ client
type AMQPPublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string, headers amqp.Table) error
}

// RabbitPublisher hands completed jobs to a RabbitMQ exchange
type RabbitPublisher struct {
	client AMQPPublisher
}

var _ AMQPPublisher = (*rabbitmq.Client)(nil)

// NewRabbitPublisher creates a publisher on an open RabbitMQ client
func NewRabbitPublisher(client AMQPPublisher) *RabbitPublisher {
	return &RabbitPublisher{client: client}
}

func (p *RabbitPublisher) Publish(ctx context.Context, job *domain.JobMessage) error {
	headers := amqp.Table{
		domain.CompletionAttribute: domain.CompletionValue,
		"message-id":               job.ID,
		"object-key":               job.ObjectKey(),
	}
	if err := p.client.PublishWithRetry(ctx, []byte(job.Body), "application/json", headers); err != nil {
		return fmt.Errorf("failed to publish completion for %s: %w", job.ID, err)
	}
	return nil
}
