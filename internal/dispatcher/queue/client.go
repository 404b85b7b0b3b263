package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
)

// SQSAPI is the subset of the SQS client the queue client needs
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config holds queue client configuration
type Config struct {
	QueueURL       string
	ExpectedSource string
}

// Client fetches job messages from SQS and disposes of them
type Client struct {
	api            SQSAPI
	queueURL       string
	expectedSource string
	logger         *slog.Logger
}

// Stats is a snapshot of approximate queue depth
type Stats struct {
	Visible  int `json:"visible"`
	InFlight int `json:"in_flight"`
	Delayed  int `json:"delayed"`
}

// NewClient creates a new queue client
func NewClient(api SQSAPI, cfg Config, logger *slog.Logger) *Client {
	source := cfg.ExpectedSource
	if source == "" {
		source = domain.DefaultEventSource
	}
	return &Client{
		api:            api,
		queueURL:       cfg.QueueURL,
		expectedSource: source,
		logger:         logger,
	}
}

// Fetch receives up to maxBatch messages and returns the storage-event jobs
// among them. Anything else is left on the queue untouched. Receive errors are
// logged and reported as an empty batch so the caller simply polls again.
func (c *Client) Fetch(ctx context.Context, maxBatch int, wait, visibility time.Duration) ([]*domain.JobMessage, error) {
	result, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   int32(maxBatch),
		WaitTimeSeconds:       int32(wait / time.Second),
		VisibilityTimeout:     int32(visibility / time.Second),
		MessageAttributeNames: []string{domain.CompletionAttribute},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error("Failed to receive messages from SQS",
			slog.String("queue_url", c.queueURL),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	seen := make(map[string]struct{}, len(result.Messages))
	jobs := make([]*domain.JobMessage, 0, len(result.Messages))
	now := time.Now()

	for _, msg := range result.Messages {
		id := aws.ToString(msg.MessageId)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if isCompletion(msg) {
			c.logger.Debug("Skipping completion message",
				slog.String("message_id", id),
			)
			continue
		}

		body := aws.ToString(msg.Body)
		record, err := ParseEvent(body, c.expectedSource)
		if err != nil {
			c.logger.Debug("Ignoring non-matching message",
				slog.String("message_id", id),
				slog.String("reason", err.Error()),
			)
			continue
		}

		jobs = append(jobs, &domain.JobMessage{
			ID:            id,
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
			Body:          body,
			Event:         record,
			ReceivedAt:    now,
			ReceiveCount:  receiveCount(msg),
		})
	}

	c.logger.Info("Fetched messages from SQS",
		slog.Int("received", len(result.Messages)),
		slog.Int("jobs", len(jobs)),
	)

	return jobs, nil
}

// Acknowledge permanently removes a message. Deleting a message that is
// already gone is not an error.
func (c *Client) Acknowledge(ctx context.Context, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err == nil {
		return nil
	}

	if isGone(err) {
		c.logger.Debug("Message already removed",
			slog.String("error", err.Error()),
		)
		return nil
	}

	return fmt.Errorf("failed to delete message: %w", err)
}

// Release makes a received message visible again immediately
func (c *Client) Release(ctx context.Context, receiptHandle string) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: 0,
	})
	if err != nil && !isGone(err) {
		return fmt.Errorf("failed to release message: %w", err)
	}
	return nil
}

// Stats returns approximate queue counts
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	result, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queue attributes: %w", err)
	}

	attr := func(name types.QueueAttributeName) int {
		n, _ := strconv.Atoi(result.Attributes[string(name)])
		return n
	}

	return &Stats{
		Visible:  attr(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight: attr(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:  attr(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

// SendCompletion posts body to queueURL marked as a completion message.
// queueURL is usually the source queue.
func (c *Client) SendCompletion(ctx context.Context, queueURL, body string) error {
	out, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			domain.CompletionAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(domain.CompletionValue),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	c.logger.Debug("Completion message sent",
		slog.String("queue_url", queueURL),
		slog.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

// receiveCount is how often SQS has delivered msg, 0 when not reported
func receiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}
	return n
}

func isCompletion(msg types.Message) bool {
	attr, ok := msg.MessageAttributes[domain.CompletionAttribute]
	return ok && aws.ToString(attr.StringValue) == domain.CompletionValue
}

// isGone reports whether err means the receipt handle no longer refers to a
// message in flight.
func isGone(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return true
	}
	var notInFlight *types.MessageNotInflight
	if errors.As(err, &notInFlight) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ReceiptHandleIsInvalid", "AWS.SimpleQueueService.MessageNotInflight", "InvalidParameterValue":
			return true
		}
	}
	return false
}
