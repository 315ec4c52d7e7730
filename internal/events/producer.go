package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/coffee-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	OrderReadyTopic = "order.ready"
)

type OrderReadyEvent struct {
	OrderID   string    `json:"order_id"`
	Customer  string    `json:"customer"`
	Beverage  string    `json:"beverage"`
	Barista   string    `json:"barista"`
	Message   string    `json:"message"`
	ReadyAt   time.Time `json:"ready_at"`
	EventTime time.Time `json:"event_time"`
}

func NewOrderReadyEvent(order *models.Order, barista string) OrderReadyEvent {
	event := OrderReadyEvent{
		OrderID:  order.ID,
		Customer: order.Customer,
		Beverage: order.Beverage,
		Barista:  barista,
		Message:  order.ReadyMessage(barista),
	}
	if order.ReadyAt != nil {
		event.ReadyAt = *order.ReadyAt
	}
	return event
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

func NewKafkaProducer(brokers []string, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, err
	}
	return NewKafkaProducerWithClient(producer, logger), nil
}

func NewKafkaProducerWithClient(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		logger:   logger,
	}
}

func (p *KafkaProducer) PublishOrderReady(event OrderReadyEvent) error {
	event.EventTime = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: OrderReadyTopic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     OrderReadyTopic,
		"partition": partition,
		"offset":    offset,
		"order_id":  event.OrderID,
	}).Info("Event published to Kafka")

	return nil
}

// Notify publishes the order-ready event, so the producer can sit in a fan-out.
func (p *KafkaProducer) Notify(_ context.Context, order *models.Order, barista string) error {
	return p.PublishOrderReady(NewOrderReadyEvent(order, barista))
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
