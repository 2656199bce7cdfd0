package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	confluent "github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/notifier"
	"github.com/xcall-tracker/xtracker/sync"
)

const (
	subscriberName         = "kafka"
	defaultDeliveryTimeout = 10 * time.Second
	defaultMaxAttempts     = 3
	flushTimeoutMs         = 5000
)

var ErrDeliveryTimeout = errors.New("kafka delivery not acknowledged in time")

// Producer is the subset of *confluent.Producer used by the publisher
type Producer interface {
	Produce(msg *confluent.Message, deliveryChan chan confluent.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Publisher forwards every status change to a Kafka topic. Records are keyed by
// transaction id so the changes of one transaction keep their order in a partition.
type Publisher struct {
	producer Producer
	topic    string
	timeout  time.Duration
	rh       *sync.RetryHandler
	log      *log.Logger
}

// NewProducer connects a producer waiting for the acknowledgement of every replica
func NewProducer(cfg Config) (*confluent.Producer, error) {
	producer, err := confluent.NewProducer(&confluent.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

func NewPublisher(cfg Config, producer Producer, logger *log.Logger) *Publisher {
	timeout := cfg.DeliveryTimeout.Duration
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	attempts := cfg.MaxDeliveryAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &Publisher{
		producer: producer,
		topic:    cfg.Topic,
		timeout:  timeout,
		rh:       &sync.RetryHandler{RetryAfterErrorPeriod: time.Second, MaxRetryAttemptsAfterError: attempts},
		log:      logger,
	}
}

// Run forwards the changes published on hub until ctx is done, then flushes and
// closes the producer
func (p *Publisher) Run(ctx context.Context, hub notifier.GenericSubscriber[notifier.StatusChange]) error {
	changes := hub.Subscribe(subscriberName)
	defer func() {
		hub.Unsubscribe(changes)
		if left := p.producer.Flush(flushTimeoutMs); left > 0 {
			p.log.Warnf("%d records not flushed on shutdown", left)
		}
		p.producer.Close()
	}()
	p.log.Infof("publishing status changes to topic %s", p.topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			err := p.rh.Do(ctx, p.log, "kafka publish", func() error {
				return p.Publish(ctx, change)
			})
			if err != nil && ctx.Err() == nil {
				p.log.Errorw("status change dropped", "tx", change.TransactionID, "status", change.Status, "err", err)
			}
		}
	}
}

// Publish sends one change and waits for its delivery report
func (p *Publisher) Publish(ctx context.Context, change notifier.StatusChange) error {
	value, err := json.Marshal(change)
	if err != nil {
		return sync.Permanent(err)
	}
	delivery := make(chan confluent.Event, 1)
	err = p.producer.Produce(&confluent.Message{
		TopicPartition: confluent.TopicPartition{Topic: &p.topic, Partition: confluent.PartitionAny},
		Key:            []byte(change.TransactionID),
		Value:          value,
		Headers:        []confluent.Header{{Key: "status", Value: []byte(change.Status)}},
	}, delivery)
	if err != nil {
		return err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrDeliveryTimeout
	case e := <-delivery:
		switch ev := e.(type) {
		case *confluent.Message:
			if ev.TopicPartition.Error != nil {
				return ev.TopicPartition.Error
			}
			p.log.Debugf("status of %s delivered to %s", change.TransactionID, ev.TopicPartition)
			return nil
		default:
			return fmt.Errorf("unexpected kafka event type: %T", e)
		}
	}
}
