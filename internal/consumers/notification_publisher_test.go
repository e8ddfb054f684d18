package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"payment-service/internal/services"
)

func TestPublishNotification(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer func() { _ = producer.Close() }()

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var n services.Notification
		if err := json.Unmarshal(val, &n); err != nil {
			return err
		}
		if n.TransactionId != 12 || n.Outcome != services.NotifyPaid || n.PaymentStatus != "PARTIALLY_PAID" {
			return errors.New("unexpected notification body")
		}
		return nil
	})

	pub := NewKafkaPublisher(producer, "payment-notifications", zaptest.NewLogger(t))
	inst := 1
	err := pub.PublishNotification(context.Background(), services.Notification{
		TransactionId: 12,
		PaymentId:     4,
		Outcome:       services.NotifyPaid,
		PaymentStatus: "PARTIALLY_PAID",
		Installment:   &inst,
		Amount:        2500,
	})
	require.NoError(t, err)
}

func TestPublishNotification_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	defer func() { _ = producer.Close() }()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisher(producer, "payment-notifications", zaptest.NewLogger(t))
	err := pub.PublishNotification(context.Background(), services.Notification{TransactionId: 1, Outcome: services.NotifyFailed})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestSaramaHeaderCarrier(t *testing.T) {
	carrier := make(saramaHeaderCarrier, 0)
	carrier.Set("traceparent", "00-abc-def-01")
	carrier.Set("baggage", "school=42")

	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, "", carrier.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", "baggage"}, carrier.Keys())
}
