// Package queue carries RawModelCall facts from request handlers to the
// metering ingestor.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/felipepmaragno/model-gateway/internal/domain"
)

// Message is one received call. ReceiptHandle must be passed to Ack once the
// call is durably stored; unacked messages are redelivered.
type Message struct {
	Call          domain.RawModelCall
	ReceiptHandle string
}

type Queue interface {
	Publish(ctx context.Context, call domain.RawModelCall) error
	Receive(ctx context.Context, maxMessages int) ([]Message, error)
	Ack(ctx context.Context, receiptHandle string) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client   sqsAPI
	queueURL string
	waitTime int32
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return newSQSQueue(sqs.NewFromConfig(cfg), queueURL)
}

func newSQSQueue(client sqsAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL, waitTime: 20}
}

func (q *SQSQueue) Publish(ctx context.Context, call domain.RawModelCall) error {
	body, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"CallID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(call.ID),
			},
			"Status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(call.Status)),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       q.waitTime,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	messages := make([]Message, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var call domain.RawModelCall
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &call); err != nil || call.ID == "" {
			// Undecodable bodies would be redelivered forever.
			slog.Warn("dropping malformed metering message", "message_id", aws.ToString(msg.MessageId), "error", err)
			if err := q.Ack(ctx, aws.ToString(msg.ReceiptHandle)); err != nil {
				slog.Warn("failed to drop malformed message", "error", err)
			}
			continue
		}
		messages = append(messages, Message{Call: call, ReceiptHandle: aws.ToString(msg.ReceiptHandle)})
	}
	return messages, nil
}

func (q *SQSQueue) Ack(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}
	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// InMemoryQueue keeps received messages in flight until acked; Requeue puts
// them back, as an SQS visibility timeout would.
type InMemoryQueue struct {
	mu       sync.Mutex
	pending  []domain.RawModelCall
	inflight map[string]domain.RawModelCall
	seq      int
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{inflight: make(map[string]domain.RawModelCall)}
}

func (q *InMemoryQueue) Publish(ctx context.Context, call domain.RawModelCall) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, call)
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.pending) {
		count = len(q.pending)
	}

	messages := make([]Message, 0, count)
	for _, call := range q.pending[:count] {
		q.seq++
		handle := strconv.Itoa(q.seq)
		q.inflight[handle] = call
		messages = append(messages, Message{Call: call, ReceiptHandle: handle})
	}
	q.pending = q.pending[count:]
	return messages, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, receiptHandle)
	return nil
}

// Requeue returns every unacked message to the queue.
func (q *InMemoryQueue) Requeue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for handle, call := range q.inflight {
		q.pending = append(q.pending, call)
		delete(q.inflight, handle)
	}
}

func (q *InMemoryQueue) Len() (pending, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inflight)
}
