package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	OrderReadyDLQTopic = "order.ready.dlq"
	MaxRetries         = 3
	InitialRetryDelay  = 1 * time.Second
	MaxRetryDelay      = 30 * time.Second

	retryCountHeader = "retry_count"
	metadataHeader   = "metadata"
)

type OrderReadyHandler interface {
	HandleOrderReady(event OrderReadyEvent) error
}

type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   MaxRetries,
		InitialDelay: InitialRetryDelay,
		MaxDelay:     MaxRetryDelay,
	}
}

type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed"`
	RetryCount     int64 `json:"retries"`
	DLQCount       int64 `json:"dlq"`
	SuccessCount   int64 `json:"successes"`
	FailureCount   int64 `json:"failures"`
}

type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       *consumerGroupHandler
	logger        *logrus.Logger
	topics        []string
}

// consumerGroupHandler is shared by all claims of a session, so its metrics
// are updated atomically.
type consumerGroupHandler struct {
	handler  OrderReadyHandler
	producer sarama.SyncProducer
	policy   RetryPolicy
	logger   *logrus.Logger
	metrics  ConsumerMetrics
}

func NewKafkaConsumer(brokers []string, groupID string, handler OrderReadyHandler, logger *logrus.Logger) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       newConsumerGroupHandler(handler, producer, DefaultRetryPolicy(), logger),
		logger:        logger,
		topics:        []string{OrderReadyTopic},
	}, nil
}

func newConsumerGroupHandler(handler OrderReadyHandler, producer sarama.SyncProducer, policy RetryPolicy, logger *logrus.Logger) *consumerGroupHandler {
	return &consumerGroupHandler{
		handler:  handler,
		producer: producer,
		policy:   policy,
		logger:   logger,
	}
}

// Start consumes until ctx is cancelled. Consume returns on every rebalance,
// so it is called in a loop.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *KafkaConsumer) Metrics() ConsumerMetrics {
	return c.handler.snapshot()
}

func (c *KafkaConsumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

// ConsumeClaim marks a message only once it was handled or parked on the DLQ.
// Otherwise it ends the session, so the offset is never committed past it.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.processMessage(session.Context(), message); err != nil {
				h.logger.WithError(err).WithFields(logrus.Fields{
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("Leaving message uncommitted")
				return err
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) processMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	atomic.AddInt64(&h.metrics.ProcessedCount, 1)

	log := h.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	})

	if message.Topic != OrderReadyTopic {
		log.Warn("Unknown topic received")
		return nil
	}

	var event OrderReadyEvent
	err := json.Unmarshal(message.Value, &event)
	if err != nil {
		log.WithError(err).Error("Failed to unmarshal order ready event")
	} else {
		err = h.handleWithRetry(ctx, event)
		if err == nil {
			atomic.AddInt64(&h.metrics.SuccessCount, 1)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	atomic.AddInt64(&h.metrics.FailureCount, 1)
	if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
		return dlqErr
	}
	atomic.AddInt64(&h.metrics.DLQCount, 1)
	return nil
}

func (h *consumerGroupHandler) handleWithRetry(ctx context.Context, event OrderReadyEvent) error {
	delay := h.policy.InitialDelay
	var err error

	for attempt := 0; attempt <= h.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"order_id": event.OrderID,
				"attempt":  attempt,
				"delay":    delay.String(),
			}).Info("Retrying order ready event")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			atomic.AddInt64(&h.metrics.RetryCount, 1)

			delay *= 2
			if delay > h.policy.MaxDelay {
				delay = h.policy.MaxDelay
			}
		}

		if err = h.handler.HandleOrderReady(event); err == nil {
			return nil
		}
		h.logger.WithError(err).WithFields(logrus.Fields{
			"order_id": event.OrderID,
			"attempt":  attempt + 1,
		}).Warn("Failed to handle order ready event")
	}

	return fmt.Errorf("exhausted retries for order %s: %w", event.OrderID, err)
}

func (h *consumerGroupHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	now := time.Now()
	metadata := MessageMetadata{
		RetryCount:    retryCount(message) + 1,
		FirstFailure:  now,
		LastFailure:   now,
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: OrderReadyDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(metadataHeader), Value: metadataBytes},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     OrderReadyDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")

	return nil
}

func (h *consumerGroupHandler) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: atomic.LoadInt64(&h.metrics.ProcessedCount),
		RetryCount:     atomic.LoadInt64(&h.metrics.RetryCount),
		DLQCount:       atomic.LoadInt64(&h.metrics.DLQCount),
		SuccessCount:   atomic.LoadInt64(&h.metrics.SuccessCount),
		FailureCount:   atomic.LoadInt64(&h.metrics.FailureCount),
	}
}

// retryCount reads how many times a replayed message has already been
// through the DLQ.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != retryCountHeader {
			continue
		}
		if n, err := strconv.Atoi(string(header.Value)); err == nil {
			return n
		}
	}
	return 0
}
