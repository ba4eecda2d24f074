// Package alert delivers structured pipeline failure events.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/BartekS5/totesys-etl/pkg/logger"
)

// Event describes a terminal run failure.
type Event struct {
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Kind       string    `json:"kind"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Subject is a short human-readable summary line.
func (e Event) Subject() string {
	if e.RunID == "" {
		return fmt.Sprintf("totesys-etl failed in %s", e.Stage)
	}
	return fmt.Sprintf("totesys-etl run %s failed in %s", e.RunID, e.Stage)
}

// Notifier delivers failure events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// SNSAPI is the subset of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes events as JSON to a topic. Publishing is retried so
// a transient SNS error does not lose the alert.
type SNSNotifier struct {
	client   SNSAPI
	topicARN string
	attempts int
	delay    time.Duration
}

func NewSNSNotifier(client SNSAPI, topicARN string) *SNSNotifier {
	return &SNSNotifier{client: client, topicARN: topicARN, attempts: 5, delay: 500 * time.Millisecond}
}

func (n *SNSNotifier) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	subject := e.Subject()
	if len(subject) > 100 {
		subject = subject[:100]
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.delay
	b.MaxElapsedTime = 0
	retries := uint64(0)
	if n.attempts > 1 {
		retries = uint64(n.attempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		_, err := n.client.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(n.topicARN),
			Subject:  aws.String(subject),
			Message:  aws.String(string(body)),
		})
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("alert for run %s not delivered after %d attempts: %w", e.RunID, attempts, err)
	}
	return nil
}

// LogNotifier writes events to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, e Event) error {
	logger.L().Error("pipeline run failed",
		zap.String("run_id", e.RunID),
		zap.String("stage", e.Stage),
		zap.String("kind", e.Kind),
		zap.String("error", e.Error),
		zap.Time("occurred_at", e.OccurredAt))
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory. Tests use it.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Notify(ctx context.Context, e Event) error {
	r.Events = append(r.Events, e)
	return nil
}
