package kafka

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"testing"
	"time"

	confluent "github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/require"
	"github.com/xcall-tracker/xtracker/config/types"
	"github.com/xcall-tracker/xtracker/log"
	"github.com/xcall-tracker/xtracker/notifier"
	"github.com/xcall-tracker/xtracker/xcall"
)

type producerMock struct {
	mu        gosync.Mutex
	produced  []*confluent.Message
	failFirst int
	silent    bool
	closed    bool
}

func (p *producerMock) Produce(msg *confluent.Message, deliveryChan chan confluent.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silent {
		return nil
	}
	report := *msg
	if p.failFirst > 0 {
		p.failFirst--
		report.TopicPartition.Error = errors.New("broker not available")
	} else {
		p.produced = append(p.produced, msg)
	}
	deliveryChan <- &report
	return nil
}

func (p *producerMock) Flush(int) int { return 0 }

func (p *producerMock) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *producerMock) messages() []*confluent.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*confluent.Message(nil), p.produced...)
}

func change(id string, status xcall.TxStatus) notifier.StatusChange {
	return notifier.StatusChange{TransactionID: id, Type: xcall.TxSwap, Status: status, StatusText: "pending",
		At: time.Unix(1700000000, 0).UTC()}
}

func TestPublishKeysByTransaction(t *testing.T) {
	producer := &producerMock{}
	p := NewPublisher(Config{Topic: "xcall-status"}, producer, log.GetDefaultLogger())

	require.NoError(t, p.Publish(context.Background(), change("icon:0x01", xcall.TxPending)))
	msgs := producer.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "xcall-status", *msgs[0].TopicPartition.Topic)
	require.Equal(t, []byte("icon:0x01"), msgs[0].Key)

	var decoded notifier.StatusChange
	require.NoError(t, json.Unmarshal(msgs[0].Value, &decoded))
	require.Equal(t, xcall.TxPending, decoded.Status)
	require.Equal(t, "PENDING", string(msgs[0].Headers[0].Value))
}

func TestPublishDeliveryErrors(t *testing.T) {
	p := NewPublisher(Config{Topic: "t", DeliveryTimeout: types.NewDuration(20 * time.Millisecond)},
		&producerMock{silent: true}, log.GetDefaultLogger())
	require.ErrorIs(t, p.Publish(context.Background(), change("a", xcall.TxPending)), ErrDeliveryTimeout)

	p = NewPublisher(Config{Topic: "t"}, &producerMock{failFirst: 1}, log.GetDefaultLogger())
	require.ErrorContains(t, p.Publish(context.Background(), change("a", xcall.TxPending)), "broker not available")
}

func TestRunForwardsHubChanges(t *testing.T) {
	producer := &producerMock{failFirst: 1}
	p := NewPublisher(Config{Topic: "t"}, producer, log.GetDefaultLogger())
	p.rh.RetryAfterErrorPeriod = time.Millisecond
	hub := notifier.NewGenericSubscriberImpl[notifier.StatusChange](4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx, hub) }()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(change("a", xcall.TxPending))
	hub.Publish(change("a", xcall.TxSuccess))
	require.Eventually(t, func() bool { return len(producer.messages()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 0, hub.Subscribers())
	require.True(t, producer.closed)

	var last notifier.StatusChange
	require.NoError(t, json.Unmarshal(producer.messages()[1].Value, &last))
	require.Equal(t, xcall.TxSuccess, last.Status)
}
