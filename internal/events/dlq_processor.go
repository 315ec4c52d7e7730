package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// MaxReplays bounds how often one message may cycle between order.ready and the DLQ.
const MaxReplays = 3

var ErrReplayLimit = errors.New("exceeded maximum replay attempts")

// DLQProcessor moves parked order-ready events back onto order.ready after a delay.
type DLQProcessor struct {
	consumer    sarama.ConsumerGroup
	producer    sarama.SyncProducer
	logger      *logrus.Logger
	replayDelay time.Duration
}

func NewDLQProcessor(brokers []string, groupID string, replayDelay time.Duration, logger *logrus.Logger) (*DLQProcessor, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return NewDLQProcessorWithClients(consumer, producer, replayDelay, logger), nil
}

func NewDLQProcessorWithClients(consumer sarama.ConsumerGroup, producer sarama.SyncProducer, replayDelay time.Duration, logger *logrus.Logger) *DLQProcessor {
	return &DLQProcessor{
		consumer:    consumer,
		producer:    producer,
		logger:      logger,
		replayDelay: replayDelay,
	}
}

func (p *DLQProcessor) Start(ctx context.Context) error {
	handler := &dlqConsumerHandler{processor: p, logger: p.logger}

	for {
		if err := p.consumer.Consume(ctx, []string{OrderReadyDLQTopic}, handler); err != nil {
			p.logger.WithError(err).Error("Error consuming from DLQ")
			return err
		}
		if ctx.Err() != nil {
			p.logger.Info("DLQ processor context cancelled")
			return nil
		}
	}
}

func (p *DLQProcessor) ReplayMessage(message *sarama.ConsumerMessage) error {
	metadata := dlqMetadata(message)

	if metadata.RetryCount > MaxReplays {
		p.logger.WithFields(logrus.Fields{
			"order_key":   string(message.Key),
			"retry_count": metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return ErrReplayLimit
	}

	replayMessage := &sarama.ProducerMessage{
		Topic: OrderReadyTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(retryCountHeader), Value: []byte(strconv.Itoa(metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(time.Now().Format(time.RFC3339))},
		},
	}

	partition, offset, err := p.producer.SendMessage(replayMessage)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"replay_topic":     OrderReadyTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"order_key":        string(message.Key),
	}).Info("Message replayed from DLQ")

	return nil
}

func (p *DLQProcessor) Close() error {
	if err := p.producer.Close(); err != nil {
		p.logger.WithError(err).Error("Failed to close producer")
	}
	return p.consumer.Close()
}

func dlqMetadata(message *sarama.ConsumerMessage) MessageMetadata {
	var metadata MessageMetadata
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == metadataHeader {
			json.Unmarshal(header.Value, &metadata)
			break
		}
	}
	return metadata
}

type dlqConsumerHandler struct {
	processor *DLQProcessor
	logger    *logrus.Logger
}

func (h *dlqConsumerHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session setup")
	return nil
}

func (h *dlqConsumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (h *dlqConsumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			metadata := dlqMetadata(message)
			h.logger.WithFields(logrus.Fields{
				"offset":         message.Offset,
				"key":            string(message.Key),
				"original_topic": metadata.OriginalTopic,
				"retry_count":    metadata.RetryCount,
				"error_message":  metadata.ErrorMessage,
			}).Warn("DLQ message details")

			select {
			case <-session.Context().Done():
				return nil
			case <-time.After(h.processor.replayDelay):
			}

			err := h.processor.ReplayMessage(message)
			if err != nil && !errors.Is(err, ErrReplayLimit) {
				h.logger.WithError(err).Error("Failed to replay DLQ message")
				return err
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
