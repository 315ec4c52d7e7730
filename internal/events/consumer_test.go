package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func newFakeSession(ctx context.Context) *fakeSession {
	return &fakeSession{ctx: ctx}
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) Marked() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func newFakeClaim(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	c := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(msgs))}
	for _, m := range msgs {
		c.messages <- m
	}
	close(c.messages)
	return c
}

func (c *fakeClaim) Topic() string                            { return OrderReadyTopic }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// scriptedHandler fails the listed orders a fixed number of times.
type scriptedHandler struct {
	mu       sync.Mutex
	failures map[string]int
	handled  []string
}

func (h *scriptedHandler) HandleOrderReady(event OrderReadyEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures[event.OrderID] != 0 {
		if h.failures[event.OrderID] > 0 {
			h.failures[event.OrderID]--
		}
		return errors.New("screen offline")
	}
	h.handled = append(h.handled, event.OrderID)
	return nil
}

func readyMessage(t *testing.T, orderID string, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	order := readyOrder()
	order.ID = orderID
	data, err := json.Marshal(NewOrderReadyEvent(order, "Miki"))
	require.NoError(t, err)
	return &sarama.ConsumerMessage{
		Topic:  OrderReadyTopic,
		Key:    []byte(orderID),
		Value:  data,
		Offset: offset,
	}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestConsumeClaimParksFailedMessageBeforeMarking(t *testing.T) {
	dlq := mocks.NewSyncProducer(t, NewProducerConfig())
	dlq.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != OrderReadyDLQTopic {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		for _, h := range msg.Headers {
			if string(h.Key) == metadataHeader {
				var md MessageMetadata
				if err := json.Unmarshal(h.Value, &md); err != nil {
					return err
				}
				if md.RetryCount != 1 || md.OriginalTopic != OrderReadyTopic {
					return fmt.Errorf("unexpected metadata %+v", md)
				}
				return nil
			}
		}
		return errors.New("metadata header missing")
	})

	handler := &scriptedHandler{failures: map[string]int{"order-10": -1}}
	h := newConsumerGroupHandler(handler, dlq, fastPolicy(), testLogger())

	session := newFakeSession(context.Background())
	claim := newFakeClaim(readyMessage(t, "order-10", 10), readyMessage(t, "order-11", 11))

	require.NoError(t, h.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{10, 11}, session.Marked())
	assert.Equal(t, []string{"order-11"}, handler.handled)

	m := h.snapshot()
	assert.Equal(t, int64(2), m.ProcessedCount)
	assert.Equal(t, int64(2), m.RetryCount)
	assert.Equal(t, int64(1), m.DLQCount)
	assert.Equal(t, int64(1), m.FailureCount)
	assert.Equal(t, int64(1), m.SuccessCount)
	require.NoError(t, dlq.Close())
}

func TestConsumeClaimStopsWhenDLQUnavailable(t *testing.T) {
	dlq := mocks.NewSyncProducer(t, NewProducerConfig())
	dlq.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	handler := &scriptedHandler{failures: map[string]int{"order-10": -1}}
	h := newConsumerGroupHandler(handler, dlq, fastPolicy(), testLogger())

	session := newFakeSession(context.Background())
	claim := newFakeClaim(readyMessage(t, "order-10", 10), readyMessage(t, "order-11", 11))

	err := h.ConsumeClaim(session, claim)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.Empty(t, session.Marked())
	assert.Empty(t, handler.handled)
	require.NoError(t, dlq.Close())
}

func TestConsumeClaimRetriesUntilHandled(t *testing.T) {
	dlq := mocks.NewSyncProducer(t, NewProducerConfig())

	handler := &scriptedHandler{failures: map[string]int{"order-10": 2}}
	h := newConsumerGroupHandler(handler, dlq, fastPolicy(), testLogger())

	session := newFakeSession(context.Background())
	require.NoError(t, h.ConsumeClaim(session, newFakeClaim(readyMessage(t, "order-10", 10))))

	assert.Equal(t, []int64{10}, session.Marked())
	assert.Equal(t, []string{"order-10"}, handler.handled)
	assert.Equal(t, int64(2), h.snapshot().RetryCount)
	assert.Equal(t, int64(0), h.snapshot().DLQCount)
	require.NoError(t, dlq.Close())
}

func TestConsumeClaimParksUndecodableMessage(t *testing.T) {
	dlq := mocks.NewSyncProducer(t, NewProducerConfig())
	dlq.ExpectSendMessageAndSucceed()

	handler := &scriptedHandler{}
	h := newConsumerGroupHandler(handler, dlq, fastPolicy(), testLogger())

	session := newFakeSession(context.Background())
	bad := &sarama.ConsumerMessage{Topic: OrderReadyTopic, Value: []byte("{"), Offset: 3}
	other := &sarama.ConsumerMessage{Topic: "other", Value: []byte("{}"), Offset: 4}

	require.NoError(t, h.ConsumeClaim(session, newFakeClaim(bad, other)))
	assert.Equal(t, []int64{3, 4}, session.Marked())
	assert.Empty(t, handler.handled)
	require.NoError(t, dlq.Close())
}

func TestConsumeClaimLeavesMessageOnShutdown(t *testing.T) {
	dlq := mocks.NewSyncProducer(t, NewProducerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	handler := &scriptedHandler{failures: map[string]int{"order-10": -1}}
	policy := RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}
	h := newConsumerGroupHandler(handler, dlq, policy, testLogger())

	session := newFakeSession(ctx)
	msgs := make(chan *sarama.ConsumerMessage, 1)
	msgs <- readyMessage(t, "order-10", 10)
	claim := &fakeClaim{messages: msgs}

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(session, claim) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ConsumeClaim did not return after cancel")
	}
	assert.Empty(t, session.Marked())
	require.NoError(t, dlq.Close())
}

func TestRetryCountHeader(t *testing.T) {
	msg := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{
		{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
		{Key: []byte(retryCountHeader), Value: []byte("2")},
	}}
	assert.Equal(t, 2, retryCount(msg))
	assert.Equal(t, 0, retryCount(&sarama.ConsumerMessage{}))
}

func dlqMessage(t *testing.T, retries int) *sarama.ConsumerMessage {
	t.Helper()
	md, err := json.Marshal(MessageMetadata{RetryCount: retries, OriginalTopic: OrderReadyTopic})
	require.NoError(t, err)
	msg := readyMessage(t, "order-10", 7)
	msg.Topic = OrderReadyDLQTopic
	msg.Headers = []*sarama.RecordHeader{{Key: []byte(metadataHeader), Value: md}}
	return msg
}

func TestReplayMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != OrderReadyTopic {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		for _, h := range msg.Headers {
			if string(h.Key) == retryCountHeader && string(h.Value) == "2" {
				return nil
			}
		}
		return errors.New("retry_count header missing")
	})

	p := NewDLQProcessorWithClients(nil, producer, 0, testLogger())
	require.NoError(t, p.ReplayMessage(dlqMessage(t, 2)))
	require.NoError(t, producer.Close())
}

func TestReplayMessageLimit(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	p := NewDLQProcessorWithClients(nil, producer, 0, testLogger())

	assert.ErrorIs(t, p.ReplayMessage(dlqMessage(t, MaxReplays+1)), ErrReplayLimit)
	require.NoError(t, producer.Close())
}

func TestDLQConsumeClaimMarksAfterReplay(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewDLQProcessorWithClients(nil, producer, 0, testLogger())
	h := &dlqConsumerHandler{processor: p, logger: testLogger()}

	session := newFakeSession(context.Background())
	exhausted := dlqMessage(t, MaxReplays+1)
	exhausted.Offset = 1
	replayed := dlqMessage(t, 1)
	replayed.Offset = 2
	failing := dlqMessage(t, 1)
	failing.Offset = 3

	err := h.ConsumeClaim(session, newFakeClaim(exhausted, replayed, failing))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.Equal(t, []int64{1, 2}, session.Marked())
	require.NoError(t, producer.Close())
}
