package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
)

// maxSQSDelay is the largest DelaySeconds SQS accepts.
const maxSQSDelay = 15 * time.Minute

// Task is one outbound notification SMS.
type Task struct {
	ID   string    `json:"id"`
	Kind EventKind `json:"kind"`
	To   string    `json:"to"`
	Text string    `json:"text"`
}

func (t Task) validate() error {
	if strings.TrimSpace(t.To) == "" {
		return errors.New("notify: task recipient must not be empty")
	}
	if strings.TrimSpace(t.Text) == "" {
		return errors.New("notify: task text must not be empty")
	}
	return nil
}

// Queue accepts tasks for delayed, best-effort delivery.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSQueue publishes tasks to an SQS queue with a per-message delay. The
// notifier Lambda consumes the queue.
type SQSQueue struct {
	api      sqsAPI
	queueURL string
	delay    time.Duration
}

// NewSQSQueue creates an SQS-backed queue.
func NewSQSQueue(api sqsAPI, queueURL string, delay time.Duration) (*SQSQueue, error) {
	if api == nil {
		return nil, errors.New("notify: sqs api must not be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("notify: queue url must not be empty")
	}
	if delay < 0 || delay > maxSQSDelay {
		return nil, fmt.Errorf("notify: delay %s outside 0..%s", delay, maxSQSDelay)
	}
	return &SQSQueue{api: api, queueURL: queueURL, delay: delay}, nil
}

// Enqueue sends the task as a JSON message body.
func (q *SQSQueue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := task.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("notify: marshal task: %w", err)
	}
	_, err = q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(q.delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("notify: SendMessage: %w", err)
	}
	return nil
}

// DecodeTask parses a queue message body produced by SQSQueue.
func DecodeTask(body string) (Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(body), &task); err != nil {
		return Task{}, fmt.Errorf("notify: decode task: %w", err)
	}
	if err := task.validate(); err != nil {
		return Task{}, err
	}
	return task, nil
}
