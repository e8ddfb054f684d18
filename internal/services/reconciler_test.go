package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/config"
	"payment-service/internal/gateways"
	"payment-service/internal/models"
)

func TestCheckExpiredLink_GatewayExpiredLink(t *testing.T) {
	env := newTestEnv(t)
	p := env.fullPayment(t, 5000)
	trx := env.linkTransaction(t, p, nil, 5000, env.now.Add(-time.Hour))
	env.gw.setStatus(trx.ReferenceId, gateways.StatusCancelled, "EXPIRED", models.CancelLinkExpired, 0)

	res, err := env.reconciler.CheckExpiredLink(context.Background(), trx.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckApplied, res.Outcome)
	assert.Equal(t, models.TransactionCancelled, res.Status)

	got := env.reloadTransaction(t, trx.ID)
	assert.Equal(t, models.TransactionCancelled, got.TransactionStatus)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, models.CancelLinkExpired, *got.CancelReason)
	assert.Equal(t, "EXPIRED", got.Metadata.Data().Gateway.LinkStatus)

	assert.Equal(t, models.PaymentPending, env.reloadPayment(t, p.ID).PaymentStatus)
	assert.Empty(t, env.notifier.all())
	assert.Equal(t, 1, env.gw.pollCount(trx.ReferenceId))
}

func TestCheckExpiredLink_PaidButWebhookLost(t *testing.T) {
	env := newTestEnv(t)
	p := env.fullPayment(t, 5000)
	trx := env.linkTransaction(t, p, nil, 5000, env.now.Add(-time.Hour))
	env.gw.setStatus(trx.ReferenceId, gateways.StatusSuccess, "PAID", "", 5000)

	res, err := env.reconciler.CheckExpiredLink(context.Background(), trx.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckApplied, res.Outcome)
	assert.Equal(t, models.TransactionSuccess, res.Status)

	payment := env.reloadPayment(t, p.ID)
	assert.Equal(t, models.PaymentFullyPaid, payment.PaymentStatus)
	assert.True(t, payment.FullPayment.IsPaid)

	sent := env.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, NotifyPaid, sent[0].Outcome)
}

func TestCheckExpiredLink_StillPendingAtGatewayIsExpired(t *testing.T) {
	env := newTestEnv(t)
	p := env.fullPayment(t, 5000)
	trx := env.linkTransaction(t, p, nil, 5000, env.now.Add(-time.Hour))

	res, err := env.reconciler.CheckExpiredLink(context.Background(), trx.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckExpired, res.Outcome)
	assert.Equal(t, models.TransactionCancelled, res.Status)

	got := env.reloadTransaction(t, trx.ID)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, models.CancelLinkExpired, *got.CancelReason)
}

func TestCheckExpiredLink_QueryFailureCancelsAndWebhookRecovers(t *testing.T) {
	env := newTestEnv(t)
	p := env.fullPayment(t, 5000)
	trx := env.linkTransaction(t, p, nil, 5000, env.now.Add(-time.Hour))
	env.gw.fail(trx.ReferenceId, errors.New("connection reset"))

	res, err := env.reconciler.CheckExpiredLink(context.Background(), trx.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckQueryFailed, res.Outcome)
	assert.Equal(t, models.TransactionCancelled, res.Status)

	got := env.reloadTransaction(t, trx.ID)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, models.CancelQueryFailed, *got.CancelReason)
	assert.Equal(t, models.PaymentPending, env.reloadPayment(t, p.ID).PaymentStatus)

	// the payment went through after all and the webhook arrives late
	out, err := env.webhooks.Handle(context.Background(), fakeGatewayName, webhookBody(t, paidWebhook(trx)), signed())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, out.Outcome)

	got = env.reloadTransaction(t, trx.ID)
	assert.Equal(t, models.TransactionSuccess, got.TransactionStatus)
	assert.Nil(t, got.CancelReason)
	assert.Equal(t, models.PaymentFullyPaid, env.reloadPayment(t, p.ID).PaymentStatus)
	assert.Len(t, env.notifier.all(), 1)
}

func TestCheckExpiredLink_TerminalTransactionIsNotPolled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.fullPayment(t, 5000)
	trx := env.linkTransaction(t, p, nil, 5000, env.now.Add(-time.Hour))
	_, err := env.settlement.Settle(ctx, successEvent(trx))
	require.NoError(t, err)

	res, err := env.reconciler.CheckExpiredLink(ctx, trx.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckNoop, res.Outcome)
	assert.Equal(t, models.TransactionSuccess, res.Status)
	assert.Zero(t, env.gw.pollCount(trx.ReferenceId))

	_, err = env.reconciler.CheckExpiredLink(ctx, 999_999)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestScheduleExpiryCheck(t *testing.T) {
	env := newTestEnv(t)
	p := env.fullPayment(t, 5000)
	trx := env.linkTransaction(t, p, nil, 5000, env.now)

	require.NoError(t, env.reconciler.ScheduleExpiryCheck(context.Background(), trx))
	at, ok := env.scheduler.scheduled[trx.ID]
	require.True(t, ok)
	assert.True(t, env.now.Add(time.Hour).Equal(at))

	bare := &models.Transaction{ID: 42}
	assert.Error(t, env.reconciler.ScheduleExpiryCheck(context.Background(), bare))
}

func TestSweep_IsolatesFailingItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	stale := env.now.Add(-20 * time.Minute)

	paid := env.linkTransaction(t, env.fullPayment(t, 5000), nil, 5000, stale)
	waiting := env.linkTransaction(t, env.fullPayment(t, 5000), nil, 5000, stale.Add(time.Second))
	failing := env.linkTransaction(t, env.fullPayment(t, 5000), nil, 5000, stale.Add(2*time.Second))
	broken := env.linkTransaction(t, env.fullPayment(t, 5000), nil, 5000, stale.Add(3*time.Second))
	fresh := env.linkTransaction(t, env.fullPayment(t, 5000), nil, 5000, env.now.Add(-5*time.Minute))

	env.gw.setStatus(paid.ReferenceId, gateways.StatusSuccess, "PAID", "", 5000)
	env.gw.setStatus(fresh.ReferenceId, gateways.StatusSuccess, "PAID", "", 5000)
	env.gw.fail(failing.ReferenceId, errors.New("503 from gateway"))
	env.gw.panics[broken.ReferenceId] = true

	report, err := env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepReport{Scanned: 4, Applied: 1, StillPending: 1, Errors: 2}, report)

	assert.Equal(t, models.TransactionSuccess, env.reloadTransaction(t, paid.ID).TransactionStatus)
	assert.Equal(t, models.PaymentFullyPaid, env.reloadPayment(t, paid.PaymentId).PaymentStatus)
	// the sweep never cancels: unanswered items wait for the next run
	assert.Equal(t, models.TransactionPending, env.reloadTransaction(t, waiting.ID).TransactionStatus)
	assert.Equal(t, models.TransactionPending, env.reloadTransaction(t, failing.ID).TransactionStatus)
	assert.Equal(t, models.TransactionPending, env.reloadTransaction(t, broken.ID).TransactionStatus)
	assert.Equal(t, models.TransactionPending, env.reloadTransaction(t, fresh.ID).TransactionStatus)
	assert.Zero(t, env.gw.pollCount(fresh.ReferenceId))

	// a second run only finds what is still pending
	env.gw.setStatus(waiting.ReferenceId, gateways.StatusFailed, "", "", 0)
	report, err = env.reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, models.TransactionFailed, env.reloadTransaction(t, waiting.ID).TransactionStatus)
	assert.Len(t, env.notifier.all(), 2)
}

func TestSweep_RespectsBatchSize(t *testing.T) {
	env := newTestEnv(t)
	p := env.fullPayment(t, 5000)
	var trxs []*models.Transaction
	for i := 0; i < 55; i++ {
		created := env.now.Add(-time.Hour).Add(time.Duration(i) * time.Second)
		trxs = append(trxs, env.linkTransaction(t, p, nil, 5000, created))
	}

	report, err := env.reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, report.Scanned)
	assert.Equal(t, 50, report.StillPending)

	for i, trx := range trxs {
		if i < 50 {
			assert.Equal(t, 1, env.gw.pollCount(trx.ReferenceId), "oldest rows are polled first")
		} else {
			assert.Zero(t, env.gw.pollCount(trx.ReferenceId))
		}
	}
}

func TestCheckTransaction_NeverCancels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.installmentPayment(t, 2500, 2500)
	waiting := env.linkTransaction(t, p, intPtr(1), 2500, env.now.Add(-2*time.Hour))
	failing := env.linkTransaction(t, p, intPtr(2), 2500, env.now.Add(-2*time.Hour))
	env.gw.fail(failing.ReferenceId, errors.New("timeout"))

	res, err := env.reconciler.CheckTransaction(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckStillPending, res.Outcome)
	assert.Equal(t, models.TransactionPending, res.Status)

	res, err = env.reconciler.CheckTransaction(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckQueryFailed, res.Outcome)
	assert.Equal(t, models.TransactionPending, res.Status)

	env.gw.setStatus(waiting.ReferenceId, gateways.StatusSuccess, "PAID", "", 2500)
	res, err = env.reconciler.CheckTransaction(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckApplied, res.Outcome)
	assert.Equal(t, models.TransactionSuccess, res.Status)
	assert.Equal(t, models.PaymentPartiallyPaid, env.reloadPayment(t, p.ID).PaymentStatus)

	res, err = env.reconciler.CheckTransaction(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckNoop, res.Outcome)
	assert.Equal(t, 2, env.gw.pollCount(waiting.ReferenceId))
}

func TestWebhookAndExpiryCheckRace(t *testing.T) {
	for i := 0; i < 5; i++ {
		t.Run("", func(t *testing.T) {
			env := newTestEnv(t)
			p := env.fullPayment(t, 5000)
			trx := env.linkTransaction(t, p, nil, 5000, env.now.Add(-time.Hour))
			env.gw.setStatus(trx.ReferenceId, gateways.StatusSuccess, "PAID", "", 5000)
			body := webhookBody(t, paidWebhook(trx))

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := env.webhooks.Handle(context.Background(), fakeGatewayName, body, signed())
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := env.reconciler.CheckExpiredLink(context.Background(), trx.ID)
				assert.NoError(t, err)
			}()
			wg.Wait()

			assert.Equal(t, models.TransactionSuccess, env.reloadTransaction(t, trx.ID).TransactionStatus)
			assert.Equal(t, models.PaymentFullyPaid, env.reloadPayment(t, p.ID).PaymentStatus)
			assert.Len(t, env.notifier.all(), 1)
		})
	}
}

func TestStartScheduler(t *testing.T) {
	env := newTestEnv(t)

	bad := NewReconciler(env.store, env.settlement, env.registry, env.scheduler,
		config.SweepConfig{Cron: "every ten minutes", StaleAfter: 15 * time.Minute, BatchSize: 50}, time.Second, env.logger)
	_, err := bad.StartScheduler()
	assert.Error(t, err)

	c, err := env.reconciler.StartScheduler()
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)
	assert.True(t, c.Entries()[0].Next.After(time.Now()))
	<-c.Stop().Done()
}
