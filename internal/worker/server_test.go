package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"payment-service/internal/consumers"
	"payment-service/internal/services"
)

type recordingPublisher struct {
	got []services.Notification
	err error
}

func (p *recordingPublisher) PublishNotification(ctx context.Context, n services.Notification) error {
	p.got = append(p.got, n)
	return p.err
}

func TestHandlers_RejectBadPayloadsWithoutRetry(t *testing.T) {
	w := NewWorker(consumers.NewPaymentProcessor(nil, &recordingPublisher{}, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	handlers := map[string]asynq.HandlerFunc{
		TypeLinkExpiry:   w.HandleLinkExpiry,
		TypeSweep:        w.HandleSweep,
		TypeNotification: w.HandleNotification,
	}
	for typ, h := range handlers {
		t.Run(typ, func(t *testing.T) {
			err := h(context.Background(), asynq.NewTask(typ, []byte("{not json")))
			require.Error(t, err)
			assert.ErrorIs(t, err, asynq.SkipRetry)
		})
	}
}

func TestHandleNotification_Publishes(t *testing.T) {
	pub := &recordingPublisher{}
	w := NewWorker(consumers.NewPaymentProcessor(nil, pub, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	task, err := NewNotificationTask(services.Notification{TransactionId: 5, PaymentId: 2, Outcome: services.NotifyFailed})
	require.NoError(t, err)
	require.NoError(t, w.HandleNotification(context.Background(), task))
	require.Len(t, pub.got, 1)
	assert.Equal(t, 5, pub.got[0].TransactionId)
	assert.Equal(t, services.NotifyFailed, pub.got[0].Outcome)

	// publish failures are retried by asynq
	pub.err = errors.New("broker unavailable")
	err = w.HandleNotification(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestNewServeMux_RoutesEveryTaskType(t *testing.T) {
	pub := &recordingPublisher{}
	mux := NewServeMux(NewWorker(consumers.NewPaymentProcessor(nil, pub, zaptest.NewLogger(t)), zaptest.NewLogger(t)))

	task, err := NewNotificationTask(services.Notification{TransactionId: 1, Outcome: services.NotifyPaid})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.Len(t, pub.got, 1)

	for _, typ := range []string{TypeLinkExpiry, TypeSweep} {
		h, pattern := mux.Handler(asynq.NewTask(typ, nil))
		assert.Equal(t, typ, pattern)
		assert.NotNil(t, h)
	}
}

func TestLinkExpiryTaskID(t *testing.T) {
	assert.Equal(t, "link-expiry:1", LinkExpiryTaskID(1))
	assert.NotEqual(t, LinkExpiryTaskID(1), LinkExpiryTaskID(11))
}
