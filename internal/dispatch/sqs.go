package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

// SQSAPI is the subset of the SQS client the broker uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSBroker leases through the visibility timeout: an unacked message
// reappears once the timeout lapses, and ApproximateReceiveCount is the
// delivery count. The queue argument is informational; every task goes to
// the configured queue URL.
type SQSBroker struct {
	client   SQSAPI
	queueURL string
	waitSecs int32
}

func NewSQSBroker(client SQSAPI, queueURL string) *SQSBroker {
	return &SQSBroker{client: client, queueURL: queueURL, waitSecs: 20}
}

func (b *SQSBroker) Publish(ctx context.Context, queue, taskID string) error {
	_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(taskID),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"queue": {DataType: aws.String("String"), StringValue: aws.String(queue)},
		},
	})
	if err != nil {
		return wrapAWS("sqs send", err)
	}
	return nil
}

func (b *SQSBroker) Receive(ctx context.Context, queue string, lease time.Duration) (Delivery, error) {
	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     b.waitSecs,
		VisibilityTimeout:   int32(lease / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Delivery{}, ctx.Err()
		}
		return Delivery{}, wrapAWS("sqs receive", err)
	}
	if len(out.Messages) == 0 {
		return Delivery{}, ErrEmpty
	}
	msg := out.Messages[0]
	count := 1
	if raw, ok := msg.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}
	return Delivery{
		TaskID:     aws.ToString(msg.Body),
		Queue:      queue,
		Receipt:    aws.ToString(msg.ReceiptHandle),
		Deliveries: count,
	}, nil
}

func (b *SQSBroker) Ack(ctx context.Context, d Delivery) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return wrapAWS("sqs delete", err)
	}
	return nil
}

// Nack makes the message visible again immediately. SQS still counts the
// receive.
func (b *SQSBroker) Nack(ctx context.Context, d Delivery) error {
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.queueURL),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return wrapAWS("sqs change visibility", err)
	}
	return nil
}

func (b *SQSBroker) Ping(ctx context.Context) error {
	_, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(b.queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return wrapAWS("sqs ping", err)
	}
	return nil
}

// wrapAWS tags err with the service error code when there is one.
func wrapAWS(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s [%s]: %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var (
	_ Broker = (*SQSBroker)(nil)
	_ Pinger = (*SQSBroker)(nil)
)
