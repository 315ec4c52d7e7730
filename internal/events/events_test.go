package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/jogardn/coffee-orders/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func readyOrder() *models.Order {
	order := models.NewCodeAlongOrder()
	order.ID = "order-1"
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	order.ReadyAt = &at
	return order
}

func TestNotifyPublishesOrderReady(t *testing.T) {
	mock := mocks.NewSyncProducer(t, NewProducerConfig())
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event OrderReadyEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.Message != `Miki says: "Hey customer your cappucino is ready!"` {
			return fmt.Errorf("unexpected message %q", event.Message)
		}
		if event.OrderID != "order-1" || event.Barista != "Miki" || event.EventTime.IsZero() {
			return fmt.Errorf("unexpected event %+v", event)
		}
		return nil
	})

	producer := NewKafkaProducerWithClient(mock, testLogger())
	require.NoError(t, producer.Notify(context.Background(), readyOrder(), "Miki"))
	require.NoError(t, producer.Close())
}

func TestPublishReturnsSendError(t *testing.T) {
	mock := mocks.NewSyncProducer(t, NewProducerConfig())
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := NewKafkaProducerWithClient(mock, testLogger())
	err := producer.PublishOrderReady(NewOrderReadyEvent(readyOrder(), "Miki"))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, producer.Close())
}

func TestNewOrderReadyEvent(t *testing.T) {
	event := NewOrderReadyEvent(readyOrder(), "Sara")

	assert.Equal(t, "Ironhack", event.Customer)
	assert.Equal(t, "cappucino", event.Beverage)
	assert.Equal(t, `Sara says: "Hey customer your cappucino is ready!"`, event.Message)
	assert.Equal(t, 2024, event.ReadyAt.Year())
}
