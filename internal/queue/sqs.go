package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// sqsWaitSeconds enables long polling on receive.
const sqsWaitSeconds = 5

// sqsAPI is the slice of the SQS client the queue uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SqsQueue is a Consumer and Publisher over one SQS queue.
type SqsQueue struct {
	client   sqsAPI
	queueURL string
}

func NewSqsQueue(client *sqs.Client, queueURL string) *SqsQueue {
	return &SqsQueue{client: client, queueURL: queueURL}
}

func (q *SqsQueue) Publish(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(b)),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SqsQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     sqsWaitSeconds,
		})
		if err != nil {
			return nil, fmt.Errorf("receive message: %w", err)
		}
		for _, m := range out.Messages {
			var msg Message
			if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil {
				// Malformed payloads are deleted so they do not loop back
				// through the visibility timeout forever.
				_, _ = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(q.queueURL),
					ReceiptHandle: m.ReceiptHandle,
				})
				continue
			}
			receipt := m.ReceiptHandle
			return &Delivery{
				Msg: msg,
				Ack: func(ctx context.Context) error {
					_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
						QueueUrl:      aws.String(q.queueURL),
						ReceiptHandle: receipt,
					})
					return err
				},
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}
